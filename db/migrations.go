package db

import (
	"context"
	"database/sql"

	"go.uber.org/zap"
)

// All timestamps are stored as unix milliseconds so that the queue can compare
// them in SQL without caring about time zones.
const (
	// Local actors
	sqlCreateAccountsTable = `CREATE TABLE IF NOT EXISTS accounts (
		id TEXT NOT NULL PRIMARY KEY,
		username TEXT UNIQUE NOT NULL,
		actor_type TEXT NOT NULL DEFAULT 'Person',
		display_name TEXT,
		summary TEXT,
		web_public_key TEXT NOT NULL,
		web_private_key TEXT NOT NULL,
		created_at INTEGER NOT NULL
	)`

	// Local posts and comments
	sqlCreatePostsTable = `CREATE TABLE IF NOT EXISTS posts (
		id TEXT NOT NULL PRIMARY KEY,
		kind TEXT NOT NULL,
		author_id TEXT NOT NULL,
		community_id TEXT,
		name TEXT,
		content TEXT,
		in_reply_to_uri TEXT,
		created_at INTEGER NOT NULL,
		edited_at INTEGER,
		deleted INTEGER DEFAULT 0
	)`

	sqlCreatePostsIndices = `
		CREATE INDEX IF NOT EXISTS idx_posts_author_id ON posts(author_id);
		CREATE INDEX IF NOT EXISTS idx_posts_community_id ON posts(community_id);
	`

	// Follow relationships, local or remote on either side
	sqlCreateFollowsTable = `CREATE TABLE IF NOT EXISTS follows (
		id TEXT NOT NULL PRIMARY KEY,
		actor_uri TEXT NOT NULL,
		target_uri TEXT NOT NULL,
		uri TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		accepted INTEGER DEFAULT 0,
		UNIQUE(actor_uri, target_uri)
	)`

	sqlCreateFollowsIndices = `
		CREATE INDEX IF NOT EXISTS idx_follows_target_uri ON follows(target_uri);
		CREATE INDEX IF NOT EXISTS idx_follows_uri ON follows(uri);
	`

	// Likes (+1) and dislikes (-1)
	sqlCreateVotesTable = `CREATE TABLE IF NOT EXISTS votes (
		id TEXT NOT NULL PRIMARY KEY,
		actor_uri TEXT NOT NULL,
		object_uri TEXT NOT NULL,
		uri TEXT NOT NULL,
		score INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		UNIQUE(actor_uri, object_uri)
	)`

	sqlCreateVotesIndices = `
		CREATE INDEX IF NOT EXISTS idx_votes_object_uri ON votes(object_uri);
	`

	sqlCreateAnnouncesTable = `CREATE TABLE IF NOT EXISTS announces (
		id TEXT NOT NULL PRIMARY KEY,
		actor_uri TEXT NOT NULL,
		object_uri TEXT NOT NULL,
		uri TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		UNIQUE(actor_uri, object_uri)
	)`

	// Remote actors cache, written through by the resolver
	sqlCreateRemoteActorsTable = `CREATE TABLE IF NOT EXISTS remote_actors (
		actor_uri TEXT NOT NULL PRIMARY KEY,
		actor_type TEXT NOT NULL,
		username TEXT,
		domain TEXT NOT NULL,
		display_name TEXT,
		summary TEXT,
		inbox_uri TEXT NOT NULL,
		outbox_uri TEXT,
		shared_inbox_uri TEXT,
		followers_uri TEXT,
		public_key_id TEXT,
		public_key_pem TEXT NOT NULL,
		last_fetched_at INTEGER NOT NULL
	)`

	sqlCreateRemoteActorsIndices = `
		CREATE INDEX IF NOT EXISTS idx_remote_actors_domain ON remote_actors(domain);
	`

	// Remote posts and comments received through Create/Update
	sqlCreateRemoteObjectsTable = `CREATE TABLE IF NOT EXISTS remote_objects (
		uri TEXT NOT NULL PRIMARY KEY,
		object_type TEXT NOT NULL,
		attributed_to TEXT,
		in_reply_to TEXT,
		audience TEXT,
		name TEXT,
		content TEXT,
		raw_json TEXT,
		published INTEGER,
		updated INTEGER,
		fetched_at INTEGER NOT NULL,
		tombstone INTEGER DEFAULT 0
	)`

	sqlCreateRemoteObjectsIndices = `
		CREATE INDEX IF NOT EXISTS idx_remote_objects_attributed_to ON remote_objects(attributed_to);
	`

	// Dedup record of inbound activity ids
	sqlCreateReceivedActivitiesTable = `CREATE TABLE IF NOT EXISTS received_activities (
		activity_uri TEXT NOT NULL PRIMARY KEY,
		received_at INTEGER NOT NULL
	)`

	// Activities log; outbound payloads are read from here by the delivery queue
	sqlCreateActivitiesTable = `CREATE TABLE IF NOT EXISTS activities (
		id TEXT NOT NULL PRIMARY KEY,
		activity_uri TEXT UNIQUE NOT NULL,
		activity_type TEXT NOT NULL,
		actor_uri TEXT NOT NULL,
		object_uri TEXT,
		raw_json TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		local INTEGER DEFAULT 0
	)`

	sqlCreateActivitiesIndices = `
		CREATE INDEX IF NOT EXISTS idx_activities_type ON activities(activity_type);
		CREATE INDEX IF NOT EXISTS idx_activities_created_at ON activities(created_at DESC);
	`

	// Delivery queue; seq orders tasks for one (inbox, object) pair
	sqlCreateDeliveryQueueTable = `CREATE TABLE IF NOT EXISTS delivery_queue (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT UNIQUE NOT NULL,
		activity_uri TEXT NOT NULL,
		inbox_uri TEXT NOT NULL,
		actor_uri TEXT NOT NULL,
		object_uri TEXT NOT NULL DEFAULT '',
		attempts INTEGER DEFAULT 0,
		next_retry_at INTEGER NOT NULL,
		last_error TEXT,
		locked_by TEXT,
		locked_until INTEGER,
		created_at INTEGER NOT NULL
	)`

	sqlCreateDeliveryQueueIndices = `
		CREATE INDEX IF NOT EXISTS idx_delivery_queue_next_retry ON delivery_queue(next_retry_at);
		CREATE INDEX IF NOT EXISTS idx_delivery_queue_chain ON delivery_queue(inbox_uri, object_uri, seq);
	`

	sqlCreateDeadLettersTable = `CREATE TABLE IF NOT EXISTS dead_letters (
		id TEXT NOT NULL PRIMARY KEY,
		activity_uri TEXT NOT NULL,
		inbox_uri TEXT NOT NULL,
		attempts INTEGER NOT NULL,
		reason TEXT,
		created_at INTEGER NOT NULL
	)`
)

// RunMigrations executes all database migrations
func (db *DB) RunMigrations() error {
	return db.wrapTransaction(context.Background(), func(tx *sql.Tx) error {
		tables := []struct {
			name string
			sql  string
		}{
			{"accounts", sqlCreateAccountsTable},
			{"posts", sqlCreatePostsTable},
			{"follows", sqlCreateFollowsTable},
			{"votes", sqlCreateVotesTable},
			{"announces", sqlCreateAnnouncesTable},
			{"remote_actors", sqlCreateRemoteActorsTable},
			{"remote_objects", sqlCreateRemoteObjectsTable},
			{"received_activities", sqlCreateReceivedActivitiesTable},
			{"activities", sqlCreateActivitiesTable},
			{"delivery_queue", sqlCreateDeliveryQueueTable},
			{"dead_letters", sqlCreateDeadLettersTable},
		}
		for _, table := range tables {
			if err := db.createTableIfNotExists(tx, table.sql, table.name); err != nil {
				return err
			}
		}

		indices := []struct {
			name string
			sql  string
		}{
			{"posts", sqlCreatePostsIndices},
			{"follows", sqlCreateFollowsIndices},
			{"votes", sqlCreateVotesIndices},
			{"remote_actors", sqlCreateRemoteActorsIndices},
			{"remote_objects", sqlCreateRemoteObjectsIndices},
			{"activities", sqlCreateActivitiesIndices},
			{"delivery_queue", sqlCreateDeliveryQueueIndices},
		}
		for _, index := range indices {
			if _, err := tx.Exec(index.sql); err != nil {
				db.log.Warn("Failed to create indices", zap.String("table", index.name), zap.Error(err))
			}
		}

		return nil
	})
}

func (db *DB) createTableIfNotExists(tx *sql.Tx, createSQL string, tableName string) error {
	_, err := tx.Exec(createSQL)
	if err != nil {
		db.log.Error("Error creating table", zap.String("table", tableName), zap.Error(err))
		return err
	}
	db.log.Debug("Table created or already exists", zap.String("table", tableName))
	return nil
}
