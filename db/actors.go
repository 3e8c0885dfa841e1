package db

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/deemkeen/fedengine/domain"
)

// Instance queries
const (
	sqlInsertInstanceIfAbsent = `INSERT INTO instances(domain, created_at) VALUES (?, ?) ON CONFLICT(domain) DO NOTHING`
	sqlSelectInstanceByDomain = `SELECT id, domain, software, version, blocked, deleted, created_at, updated_at FROM instances WHERE domain = ?`
	sqlUpdateInstanceMetadata = `UPDATE instances SET software = ?, version = ?, updated_at = ? WHERE domain = ?`
	sqlUpdateInstanceBlocked  = `UPDATE instances SET blocked = ?, updated_at = ? WHERE domain = ?`
)

func scanInstance(row rowScanner) (*domain.Instance, error) {
	var inst domain.Instance
	var updated sql.NullTime
	err := row.Scan(&inst.Id, &inst.Domain, &inst.Software, &inst.Version, &inst.Blocked, &inst.Deleted, &inst.CreatedAt, &updated)
	if err != nil {
		return nil, notFound(err)
	}
	inst.UpdatedAt = nullTimePtr(updated)
	return &inst, nil
}

// ReadOrCreateInstance returns the instance row for domain, creating a minimal one if absent.
func (db *DB) ReadOrCreateInstance(host string) (*domain.Instance, error) {
	var inst *domain.Instance
	err := db.wrapTransaction(func(tx *sql.Tx) error {
		if _, err := tx.Exec(sqlInsertInstanceIfAbsent, host, time.Now().UTC()); err != nil {
			return err
		}
		var err error
		inst, err = scanInstance(tx.QueryRow(sqlSelectInstanceByDomain, host))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("read or create instance %s: %w", host, err)
	}
	return inst, nil
}

func (db *DB) ReadInstanceByDomain(host string) (*domain.Instance, error) {
	return scanInstance(db.db.QueryRow(sqlSelectInstanceByDomain, host))
}

func (db *DB) UpdateInstanceMetadata(host, software, version string) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlUpdateInstanceMetadata, software, version, time.Now().UTC(), host)
		return err
	})
}

// SetInstanceBlocked blocks or unblocks federation with a domain, creating the instance row if needed.
func (db *DB) SetInstanceBlocked(host string, blocked bool) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		now := time.Now().UTC()
		if _, err := tx.Exec(sqlInsertInstanceIfAbsent, host, now); err != nil {
			return err
		}
		_, err := tx.Exec(sqlUpdateInstanceBlocked, boolToInt(blocked), now, host)
		return err
	})
}

// Actor queries
const (
	actorColumns = `id, kind, name, display_name, summary, domain, actor_uri, inbox_uri, shared_inbox_uri,
		public_key_pem, private_key_pem, email, instance_id, local, deleted, last_refreshed_at, created_at`

	sqlInsertActor = `INSERT INTO actors(kind, name, display_name, summary, domain, actor_uri, inbox_uri, shared_inbox_uri,
		public_key_pem, private_key_pem, email, instance_id, local, deleted, last_refreshed_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	sqlUpsertRemoteActor = sqlInsertActor + ` ON CONFLICT(actor_uri) DO UPDATE SET
		name = excluded.name,
		display_name = excluded.display_name,
		summary = excluded.summary,
		inbox_uri = excluded.inbox_uri,
		shared_inbox_uri = excluded.shared_inbox_uri,
		public_key_pem = excluded.public_key_pem,
		deleted = excluded.deleted,
		last_refreshed_at = excluded.last_refreshed_at
		WHERE actors.local = 0`
	sqlSelectActorByURI   = `SELECT ` + actorColumns + ` FROM actors WHERE actor_uri = ?`
	sqlSelectActorById    = `SELECT ` + actorColumns + ` FROM actors WHERE id = ?`
	sqlSelectActorByName  = `SELECT ` + actorColumns + ` FROM actors WHERE kind = ? AND name = ? AND domain = ?`
	sqlSelectLocalActors  = `SELECT ` + actorColumns + ` FROM actors WHERE local = 1 ORDER BY kind, name`
	sqlUpdateActorDeleted = `UPDATE actors SET deleted = 1 WHERE id = ?`
)

func scanActor(row rowScanner) (*domain.Actor, error) {
	var a domain.Actor
	var kind string
	err := row.Scan(
		&a.Id,
		&kind,
		&a.Name,
		&a.DisplayName,
		&a.Summary,
		&a.Domain,
		&a.ActorURI,
		&a.InboxURI,
		&a.SharedInboxURI,
		&a.PublicKeyPem,
		&a.PrivateKeyPem,
		&a.Email,
		&a.InstanceId,
		&a.Local,
		&a.Deleted,
		&a.LastRefreshedAt,
		&a.CreatedAt,
	)
	if err != nil {
		return nil, notFound(err)
	}
	if a.Kind, err = domain.ParseActorKind(kind); err != nil {
		return nil, err
	}
	return &a, nil
}

func actorArgs(a *domain.Actor) []any {
	created := a.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	refreshed := a.LastRefreshedAt
	if refreshed.IsZero() {
		refreshed = time.Now()
	}
	return []any{
		a.Kind.String(),
		a.Name,
		a.DisplayName,
		a.Summary,
		a.Domain,
		a.ActorURI,
		a.InboxURI,
		a.SharedInboxURI,
		a.PublicKeyPem,
		a.PrivateKeyPem,
		a.Email,
		a.InstanceId,
		boolToInt(a.Local),
		boolToInt(a.Deleted),
		refreshed.UTC(),
		created.UTC(),
	}
}

// CreateActor inserts a new actor row, failing with domain.ErrAlreadyExists on a duplicate.
func (db *DB) CreateActor(a *domain.Actor) (*domain.Actor, error) {
	var created *domain.Actor
	err := db.wrapTransaction(func(tx *sql.Tx) error {
		var existing int64
		err := tx.QueryRow(`SELECT id FROM actors WHERE actor_uri = ? OR (kind = ? AND name = ? AND domain = ?)`,
			a.ActorURI, a.Kind.String(), a.Name, a.Domain).Scan(&existing)
		if err == nil {
			return domain.ErrAlreadyExists
		}
		if err != sql.ErrNoRows {
			return err
		}
		if _, err := tx.Exec(sqlInsertActor, actorArgs(a)...); err != nil {
			return err
		}
		created, err = scanActor(tx.QueryRow(sqlSelectActorByURI, a.ActorURI))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("create actor %s: %w", a.ActorURI, err)
	}
	return created, nil
}

// UpsertRemoteActor stores a freshly fetched remote actor. Local rows are never overwritten.
func (db *DB) UpsertRemoteActor(a *domain.Actor) (*domain.Actor, error) {
	if a.Local {
		return nil, fmt.Errorf("upsert remote actor %s: actor is local", a.ActorURI)
	}
	var stored *domain.Actor
	err := db.wrapTransaction(func(tx *sql.Tx) error {
		if _, err := tx.Exec(sqlUpsertRemoteActor, actorArgs(a)...); err != nil {
			return err
		}
		var err error
		stored, err = scanActor(tx.QueryRow(sqlSelectActorByURI, a.ActorURI))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("upsert actor %s: %w", a.ActorURI, err)
	}
	return stored, nil
}

func (db *DB) ReadActorByURI(uri string) (*domain.Actor, error) {
	return scanActor(db.db.QueryRow(sqlSelectActorByURI, uri))
}

func (db *DB) ReadActorById(id int64) (*domain.Actor, error) {
	return scanActor(db.db.QueryRow(sqlSelectActorById, id))
}

func (db *DB) ReadActorByName(kind domain.ActorKind, name, host string) (*domain.Actor, error) {
	return scanActor(db.db.QueryRow(sqlSelectActorByName, kind.String(), name, host))
}

func (db *DB) ReadLocalActors() ([]domain.Actor, error) {
	rows, err := db.db.Query(sqlSelectLocalActors)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var actors []domain.Actor
	for rows.Next() {
		a, err := scanActor(rows)
		if err != nil {
			return actors, err
		}
		actors = append(actors, *a)
	}
	return actors, rows.Err()
}

// MarkActorDeleted flags the actor deleted and drops every follow it takes part in.
func (db *DB) MarkActorDeleted(id int64) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		if _, err := tx.Exec(sqlUpdateActorDeleted, id); err != nil {
			return err
		}
		_, err := tx.Exec(`DELETE FROM follows WHERE follower_id = ? OR target_id = ?`, id, id)
		return err
	})
}
