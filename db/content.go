package db

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/deemkeen/fedengine/domain"
)

// Follow queries
const (
	sqlUpsertFollow = `INSERT INTO follows(follower_id, target_id, ap_id, pending, created_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(follower_id, target_id) DO UPDATE SET ap_id = excluded.ap_id, pending = MIN(follows.pending, excluded.pending)`
	sqlSelectFollow       = `SELECT id, follower_id, target_id, ap_id, pending, created_at FROM follows WHERE follower_id = ? AND target_id = ?`
	sqlAcceptFollow       = `UPDATE follows SET pending = 0 WHERE follower_id = ? AND target_id = ? AND pending = 1`
	sqlDeleteFollow       = `DELETE FROM follows WHERE follower_id = ? AND target_id = ?`
	sqlSelectFollowerRows = `SELECT ` + actorColumns + ` FROM actors WHERE id IN (SELECT follower_id FROM follows WHERE target_id = ? AND pending = 0) ORDER BY id`
)

// CreateFollow records a follow. An already accepted follow stays accepted.
func (db *DB) CreateFollow(followerId, targetId int64, apId string, pending bool) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlUpsertFollow, followerId, targetId, apId, boolToInt(pending), time.Now().UTC())
		return err
	})
}

func (db *DB) ReadFollow(followerId, targetId int64) (*domain.Follow, error) {
	var f domain.Follow
	err := db.db.QueryRow(sqlSelectFollow, followerId, targetId).Scan(&f.Id, &f.FollowerId, &f.TargetId, &f.URI, &f.Pending, &f.CreatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &f, nil
}

// FollowAccepted flips a pending follow to accepted. Without a pending follow it returns domain.ErrNotFound.
func (db *DB) FollowAccepted(followerId, targetId int64) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		res, err := tx.Exec(sqlAcceptFollow, followerId, targetId)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("pending follow %d -> %d: %w", followerId, targetId, domain.ErrNotFound)
		}
		return nil
	})
}

func (db *DB) DeleteFollow(followerId, targetId int64) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlDeleteFollow, followerId, targetId)
		return err
	})
}

// ReadFollowers returns the accepted followers of targetId.
func (db *DB) ReadFollowers(targetId int64) ([]domain.Actor, error) {
	rows, err := db.db.Query(sqlSelectFollowerRows, targetId)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var followers []domain.Actor
	for rows.Next() {
		a, err := scanActor(rows)
		if err != nil {
			return followers, err
		}
		followers = append(followers, *a)
	}
	return followers, rows.Err()
}

// Post queries
const (
	postColumns   = `id, ap_id, creator_id, community_id, name, body, locked, lock_reason, deleted, local, published_at, updated_at`
	sqlUpsertPost = `INSERT INTO posts(ap_id, creator_id, community_id, name, body, locked, lock_reason, deleted, local, published_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(ap_id) DO UPDATE SET name = excluded.name, body = excluded.body, updated_at = excluded.updated_at`
	sqlSelectPostByApId = `SELECT ` + postColumns + ` FROM posts WHERE ap_id = ?`
	sqlSelectPostById   = `SELECT ` + postColumns + ` FROM posts WHERE id = ?`
	sqlLockPost         = `UPDATE posts SET locked = ?, lock_reason = ?, updated_at = ? WHERE id = ?`
	sqlDeletePost       = `UPDATE posts SET deleted = 1, updated_at = ? WHERE id = ?`
)

func scanPost(row rowScanner) (*domain.Post, error) {
	var p domain.Post
	var updated sql.NullTime
	err := row.Scan(&p.Id, &p.ApId, &p.CreatorId, &p.CommunityId, &p.Name, &p.Body, &p.Locked, &p.LockReason, &p.Deleted, &p.Local, &p.PublishedAt, &updated)
	if err != nil {
		return nil, notFound(err)
	}
	p.UpdatedAt = nullTimePtr(updated)
	return &p, nil
}

// UpsertPost inserts a post or updates its title and body when the ap id is already known.
func (db *DB) UpsertPost(p *domain.Post) (*domain.Post, error) {
	published := p.PublishedAt
	if published.IsZero() {
		published = time.Now()
	}
	var updated any
	if p.UpdatedAt != nil {
		updated = p.UpdatedAt.UTC()
	}
	var stored *domain.Post
	err := db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlUpsertPost, p.ApId, p.CreatorId, p.CommunityId, p.Name, p.Body, boolToInt(p.Locked), p.LockReason,
			boolToInt(p.Deleted), boolToInt(p.Local), published.UTC(), updated)
		if err != nil {
			return err
		}
		stored, err = scanPost(tx.QueryRow(sqlSelectPostByApId, p.ApId))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("upsert post %s: %w", p.ApId, err)
	}
	return stored, nil
}

func (db *DB) ReadPostByApId(apId string) (*domain.Post, error) {
	return scanPost(db.db.QueryRow(sqlSelectPostByApId, apId))
}

func (db *DB) ReadPostById(id int64) (*domain.Post, error) {
	return scanPost(db.db.QueryRow(sqlSelectPostById, id))
}

// LockPost sets or clears the lock flag. The reason is cleared on unlock.
func (db *DB) LockPost(id int64, locked bool, reason string) error {
	if !locked {
		reason = ""
	}
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlLockPost, boolToInt(locked), reason, time.Now().UTC(), id)
		return err
	})
}

func (db *DB) MarkPostDeleted(id int64) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlDeletePost, time.Now().UTC(), id)
		return err
	})
}

// Private message queries
const (
	privateMessageColumns     = `id, ap_id, creator_id, recipient_id, content, deleted, local, published_at, updated_at`
	sqlInsertPrivateMessage   = `INSERT INTO private_messages(ap_id, creator_id, recipient_id, content, deleted, local, published_at) VALUES (?, ?, ?, ?, ?, ?, ?) ON CONFLICT(ap_id) DO NOTHING`
	sqlSelectPrivateMessage   = `SELECT ` + privateMessageColumns + ` FROM private_messages WHERE ap_id = ?`
	sqlUpdatePrivateMessage   = `UPDATE private_messages SET content = ?, updated_at = ? WHERE id = ?`
	sqlDeletePrivateMessage   = `UPDATE private_messages SET deleted = 1, updated_at = ? WHERE id = ?`
	sqlSelectMessagesToPerson = `SELECT ` + privateMessageColumns + ` FROM private_messages WHERE recipient_id = ? AND deleted = 0 ORDER BY published_at DESC`
)

func scanPrivateMessage(row rowScanner) (*domain.PrivateMessage, error) {
	var pm domain.PrivateMessage
	var updated sql.NullTime
	err := row.Scan(&pm.Id, &pm.ApId, &pm.CreatorId, &pm.RecipientId, &pm.Content, &pm.Deleted, &pm.Local, &pm.PublishedAt, &updated)
	if err != nil {
		return nil, notFound(err)
	}
	pm.UpdatedAt = nullTimePtr(updated)
	return &pm, nil
}

// CreatePrivateMessage stores pm unless its ap id is already known. created reports whether a row was inserted.
func (db *DB) CreatePrivateMessage(pm *domain.PrivateMessage) (stored *domain.PrivateMessage, created bool, err error) {
	published := pm.PublishedAt
	if published.IsZero() {
		published = time.Now()
	}
	err = db.wrapTransaction(func(tx *sql.Tx) error {
		res, err := tx.Exec(sqlInsertPrivateMessage, pm.ApId, pm.CreatorId, pm.RecipientId, pm.Content,
			boolToInt(pm.Deleted), boolToInt(pm.Local), published.UTC())
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		created = n > 0
		stored, err = scanPrivateMessage(tx.QueryRow(sqlSelectPrivateMessage, pm.ApId))
		return err
	})
	if err != nil {
		return nil, false, fmt.Errorf("create private message %s: %w", pm.ApId, err)
	}
	return stored, created, nil
}

func (db *DB) ReadPrivateMessageByApId(apId string) (*domain.PrivateMessage, error) {
	return scanPrivateMessage(db.db.QueryRow(sqlSelectPrivateMessage, apId))
}

func (db *DB) ReadPrivateMessagesTo(recipientId int64) ([]domain.PrivateMessage, error) {
	rows, err := db.db.Query(sqlSelectMessagesToPerson, recipientId)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []domain.PrivateMessage
	for rows.Next() {
		pm, err := scanPrivateMessage(rows)
		if err != nil {
			return messages, err
		}
		messages = append(messages, *pm)
	}
	return messages, rows.Err()
}

func (db *DB) UpdatePrivateMessageContent(id int64, content string) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlUpdatePrivateMessage, content, time.Now().UTC(), id)
		return err
	})
}

func (db *DB) MarkPrivateMessageDeleted(id int64) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlDeletePrivateMessage, time.Now().UTC(), id)
		return err
	})
}

// Moderation queries
const (
	sqlInsertPersonBlock = `INSERT INTO person_blocks(person_id, target_id, created_at) VALUES (?, ?, ?) ON CONFLICT DO NOTHING`
	sqlSelectPersonBlock = `SELECT COUNT(*) FROM person_blocks WHERE person_id = ? AND target_id = ?`
	sqlInsertModerator   = `INSERT INTO community_moderators(community_id, person_id, created_at) VALUES (?, ?, ?) ON CONFLICT DO NOTHING`
	sqlSelectModerator   = `SELECT COUNT(*) FROM community_moderators WHERE community_id = ? AND person_id = ?`
	sqlInsertBan         = `INSERT INTO community_bans(community_id, person_id, created_at) VALUES (?, ?, ?) ON CONFLICT DO NOTHING`
	sqlSelectBan         = `SELECT COUNT(*) FROM community_bans WHERE community_id = ? AND person_id = ?`
)

func (db *DB) exists(query string, args ...any) (bool, error) {
	var n int
	if err := db.db.QueryRow(query, args...).Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}

func (db *DB) insertPair(query string, a, b int64) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(query, a, b, time.Now().UTC())
		return err
	})
}

// CreatePersonBlock records that personId blocks targetId.
func (db *DB) CreatePersonBlock(personId, targetId int64) error {
	return db.insertPair(sqlInsertPersonBlock, personId, targetId)
}

// IsBlocked reports whether personId blocks targetId.
func (db *DB) IsBlocked(personId, targetId int64) (bool, error) {
	return db.exists(sqlSelectPersonBlock, personId, targetId)
}

func (db *DB) AddModerator(communityId, personId int64) error {
	return db.insertPair(sqlInsertModerator, communityId, personId)
}

func (db *DB) IsModerator(communityId, personId int64) (bool, error) {
	return db.exists(sqlSelectModerator, communityId, personId)
}

func (db *DB) BanFromCommunity(communityId, personId int64) error {
	return db.insertPair(sqlInsertBan, communityId, personId)
}

func (db *DB) IsBannedFromCommunity(communityId, personId int64) (bool, error) {
	return db.exists(sqlSelectBan, communityId, personId)
}
