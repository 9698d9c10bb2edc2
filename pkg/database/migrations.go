package database

import (
	"database/sql"
	"fmt"
)

// migrations are applied in order; index i brings the schema to version i+1.
// Never edit a released migration, append a new one.
var migrations = []string{
	// v1: posts and bans
	`
CREATE TABLE IF NOT EXISTS Post (
	network_id INTEGER NOT NULL,
	post_time INTEGER NOT NULL,
	edit_time INTEGER NOT NULL,
	author TEXT NOT NULL DEFAULT '',
	content TEXT NOT NULL,
	stored_at INTEGER NOT NULL,
	PRIMARY KEY (network_id, post_time)
);

CREATE TABLE IF NOT EXISTS Ban (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	address TEXT NOT NULL,
	username TEXT NOT NULL DEFAULT '',
	reason TEXT NOT NULL DEFAULT '',
	banned_at INTEGER NOT NULL,
	banned_until INTEGER,
	banned_by TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_posts_time ON Post(post_time DESC);
CREATE INDEX IF NOT EXISTS idx_bans_address ON Ban(address);
`,
	// v2: admin audit trail
	`
CREATE TABLE IF NOT EXISTS AdminAction (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	admin TEXT NOT NULL,
	action_type TEXT NOT NULL,
	target TEXT NOT NULL DEFAULT '',
	details TEXT NOT NULL DEFAULT '',
	performed_at INTEGER NOT NULL
);
`,
	// v3: network ids survive restarts so stored posts keep their author
	`
CREATE TABLE IF NOT EXISTS HostState (
	key TEXT PRIMARY KEY,
	value INTEGER NOT NULL
);

INSERT OR IGNORE INTO HostState (key, value)
	SELECT 'next_network_id', COALESCE(MAX(network_id), 0) + 1 FROM Post;
`,
}

// LatestSchemaVersion is the version Open migrates to.
var LatestSchemaVersion = len(migrations)

func schemaVersion(conn *sql.DB) (int, error) {
	if _, err := conn.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		applied_at INTEGER NOT NULL
	)`); err != nil {
		return 0, err
	}
	var version sql.NullInt64
	if err := conn.QueryRow(`SELECT MAX(version) FROM schema_migrations`).Scan(&version); err != nil {
		return 0, err
	}
	return int(version.Int64), nil
}

// runMigrations brings the schema up to LatestSchemaVersion, one
// transaction per step.
func runMigrations(conn *sql.DB) error {
	return migrateTo(conn, LatestSchemaVersion)
}

func migrateTo(conn *sql.DB, target int) error {
	current, err := schemaVersion(conn)
	if err != nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}

	for v := current; v < target; v++ {
		tx, err := conn.Begin()
		if err != nil {
			return err
		}
		if _, err := tx.Exec(migrations[v]); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration to v%d failed: %w", v+1, err)
		}
		if _, err := tx.Exec(`INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)`, v+1, nowMillis()); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to record v%d: %w", v+1, err)
		}
		if err := tx.Commit(); err != nil {
			return err
		}
	}
	return nil
}
