package db

import (
	"database/sql"
	"fmt"
)

const (
	sqlCreateInstancesTable = `CREATE TABLE IF NOT EXISTS instances (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		domain TEXT UNIQUE NOT NULL,
		software TEXT NOT NULL DEFAULT '',
		version TEXT NOT NULL DEFAULT '',
		blocked INTEGER NOT NULL DEFAULT 0,
		deleted INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP
	)`

	sqlCreateActorsTable = `CREATE TABLE IF NOT EXISTS actors (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		kind TEXT NOT NULL,
		name TEXT NOT NULL,
		display_name TEXT NOT NULL DEFAULT '',
		summary TEXT NOT NULL DEFAULT '',
		domain TEXT NOT NULL,
		actor_uri TEXT UNIQUE NOT NULL,
		inbox_uri TEXT NOT NULL,
		shared_inbox_uri TEXT NOT NULL DEFAULT '',
		public_key_pem TEXT NOT NULL,
		private_key_pem TEXT NOT NULL DEFAULT '',
		email TEXT NOT NULL DEFAULT '',
		instance_id INTEGER NOT NULL REFERENCES instances(id),
		local INTEGER NOT NULL DEFAULT 0,
		deleted INTEGER NOT NULL DEFAULT 0,
		last_refreshed_at TIMESTAMP NOT NULL,
		created_at TIMESTAMP NOT NULL,
		UNIQUE(kind, name, domain)
	)`

	sqlCreateActorsIndices = `
		CREATE INDEX IF NOT EXISTS idx_actors_name_domain ON actors(name, domain);
		CREATE INDEX IF NOT EXISTS idx_actors_instance_id ON actors(instance_id);
	`

	sqlCreateFollowsTable = `CREATE TABLE IF NOT EXISTS follows (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		follower_id INTEGER NOT NULL REFERENCES actors(id),
		target_id INTEGER NOT NULL REFERENCES actors(id),
		ap_id TEXT NOT NULL DEFAULT '',
		pending INTEGER NOT NULL DEFAULT 1,
		created_at TIMESTAMP NOT NULL,
		UNIQUE(follower_id, target_id)
	)`

	sqlCreateFollowsIndices = `
		CREATE INDEX IF NOT EXISTS idx_follows_target_id ON follows(target_id);
	`

	sqlCreatePostsTable = `CREATE TABLE IF NOT EXISTS posts (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		ap_id TEXT UNIQUE NOT NULL,
		creator_id INTEGER NOT NULL REFERENCES actors(id),
		community_id INTEGER NOT NULL REFERENCES actors(id),
		name TEXT NOT NULL,
		body TEXT NOT NULL DEFAULT '',
		locked INTEGER NOT NULL DEFAULT 0,
		lock_reason TEXT NOT NULL DEFAULT '',
		deleted INTEGER NOT NULL DEFAULT 0,
		local INTEGER NOT NULL DEFAULT 0,
		published_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP
	)`

	sqlCreatePostsIndices = `
		CREATE INDEX IF NOT EXISTS idx_posts_community_id ON posts(community_id);
	`

	sqlCreatePrivateMessagesTable = `CREATE TABLE IF NOT EXISTS private_messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		ap_id TEXT UNIQUE NOT NULL,
		creator_id INTEGER NOT NULL REFERENCES actors(id),
		recipient_id INTEGER NOT NULL REFERENCES actors(id),
		content TEXT NOT NULL,
		deleted INTEGER NOT NULL DEFAULT 0,
		local INTEGER NOT NULL DEFAULT 0,
		published_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP
	)`

	sqlCreatePersonBlocksTable = `CREATE TABLE IF NOT EXISTS person_blocks (
		person_id INTEGER NOT NULL REFERENCES actors(id),
		target_id INTEGER NOT NULL REFERENCES actors(id),
		created_at TIMESTAMP NOT NULL,
		PRIMARY KEY(person_id, target_id)
	)`

	sqlCreateModeratorsTable = `CREATE TABLE IF NOT EXISTS community_moderators (
		community_id INTEGER NOT NULL REFERENCES actors(id),
		person_id INTEGER NOT NULL REFERENCES actors(id),
		created_at TIMESTAMP NOT NULL,
		PRIMARY KEY(community_id, person_id)
	)`

	sqlCreateBansTable = `CREATE TABLE IF NOT EXISTS community_bans (
		community_id INTEGER NOT NULL REFERENCES actors(id),
		person_id INTEGER NOT NULL REFERENCES actors(id),
		created_at TIMESTAMP NOT NULL,
		PRIMARY KEY(community_id, person_id)
	)`

	// Received activity ids, used for inbox deduplication
	sqlCreateReceivedActivitiesTable = `CREATE TABLE IF NOT EXISTS received_activities (
		ap_id TEXT NOT NULL PRIMARY KEY,
		received_at TIMESTAMP NOT NULL
	)`

	sqlCreateReceivedActivitiesIndices = `
		CREATE INDEX IF NOT EXISTS idx_received_activities_received_at ON received_activities(received_at);
	`

	sqlCreateDeliveryQueueTable = `CREATE TABLE IF NOT EXISTS delivery_queue (
		id TEXT NOT NULL PRIMARY KEY,
		inbox_uri TEXT NOT NULL,
		activity_id TEXT NOT NULL,
		activity_json TEXT NOT NULL,
		sender_uri TEXT NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		next_retry_at TIMESTAMP NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		last_error TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL
	)`

	sqlCreateDeliveryQueueIndices = `
		CREATE INDEX IF NOT EXISTS idx_delivery_queue_status_next_retry ON delivery_queue(status, next_retry_at);
	`
)

// RunMigrations executes all database migrations
func (db *DB) RunMigrations() error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		tables := []struct {
			name    string
			create  string
			indices string
		}{
			{"instances", sqlCreateInstancesTable, ""},
			{"actors", sqlCreateActorsTable, sqlCreateActorsIndices},
			{"follows", sqlCreateFollowsTable, sqlCreateFollowsIndices},
			{"posts", sqlCreatePostsTable, sqlCreatePostsIndices},
			{"private_messages", sqlCreatePrivateMessagesTable, ""},
			{"person_blocks", sqlCreatePersonBlocksTable, ""},
			{"community_moderators", sqlCreateModeratorsTable, ""},
			{"community_bans", sqlCreateBansTable, ""},
			{"received_activities", sqlCreateReceivedActivitiesTable, sqlCreateReceivedActivitiesIndices},
			{"delivery_queue", sqlCreateDeliveryQueueTable, sqlCreateDeliveryQueueIndices},
		}

		for _, t := range tables {
			if err := db.createTableIfNotExists(tx, t.create, t.name); err != nil {
				return err
			}
			if t.indices == "" {
				continue
			}
			if _, err := tx.Exec(t.indices); err != nil {
				db.log.Warn("Failed to create indices", "table", t.name, "error", err)
			}
		}
		return nil
	})
}

func (db *DB) createTableIfNotExists(tx *sql.Tx, createSQL string, tableName string) error {
	if _, err := tx.Exec(createSQL); err != nil {
		return fmt.Errorf("creating table %s: %w", tableName, err)
	}
	db.log.Debug("Table created or already exists", "table", tableName)
	return nil
}
