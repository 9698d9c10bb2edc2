package database

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

var (
	// ErrPostNotFound indicates no post exists for the key.
	ErrPostNotFound = errors.New("post not found")
)

// DB wraps the SQLite database connection
type DB struct {
	conn      *sql.DB // Read connection pool
	writeConn *sql.DB // Dedicated write connection (1 connection)
}

// Post is a fully reassembled multi-part message.
type Post struct {
	NetworkID uint32
	PostTime  uint64 // Unix milliseconds, set by the author
	EditTime  uint64 // Unix milliseconds of the stored revision
	Author    string // Username at the time of the latest revision
	Text      string
	StoredAt  int64 // Unix timestamp in milliseconds
}

// Ban blocks a remote address from connecting.
type Ban struct {
	ID          int64
	Address     string // Remote host, without port
	Username    string // Username at time of ban (for audit trail)
	Reason      string
	BannedAt    int64  // Unix timestamp in milliseconds
	BannedUntil *int64 // NULL = permanent
	BannedBy    string // Admin username who created the ban
}

// AdminAction is an audit trail entry.
type AdminAction struct {
	ID          int64
	Admin       string
	ActionType  string
	Target      string
	Details     string
	PerformedAt int64 // Unix timestamp in milliseconds
}

var pragmas = []string{
	"PRAGMA journal_mode = WAL",
	"PRAGMA busy_timeout = 5000",
	"PRAGMA synchronous = NORMAL",
}

func openConn(path string, maxOpen int) (*sql.DB, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	conn.SetMaxOpenConns(maxOpen)
	conn.SetMaxIdleConns(maxOpen)

	for _, pragma := range pragmas {
		if _, err := conn.Exec(pragma); err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}
	return conn, nil
}

// Open opens a connection to the SQLite database at the given path
// and migrates the schema if needed
func Open(path string) (*DB, error) {
	// WAL allows multiple readers and one writer at the same time
	conn, err := openConn(path, 8)
	if err != nil {
		return nil, err
	}
	conn.SetConnMaxLifetime(5 * time.Minute)

	writeConn, err := openConn(path, 1)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open write connection: %w", err)
	}

	if err := runMigrations(writeConn); err != nil {
		conn.Close()
		writeConn.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &DB{conn: conn, writeConn: writeConn}, nil
}

// Close closes the database connection
func (db *DB) Close() error {
	db.writeConn.Close()
	return db.conn.Close()
}

// nowMillis returns current time as Unix timestamp in milliseconds
func nowMillis() int64 {
	return time.Now().UnixMilli()
}

// SavePost stores a reassembled post. A post already stored with the same or
// a newer EditTime is left alone; stored reports whether p was written.
func (db *DB) SavePost(p Post) (stored bool, err error) {
	result, err := db.writeConn.Exec(`
		INSERT INTO Post (network_id, post_time, edit_time, author, content, stored_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (network_id, post_time) DO UPDATE SET
			edit_time = excluded.edit_time,
			author = excluded.author,
			content = excluded.content,
			stored_at = excluded.stored_at
		WHERE excluded.edit_time > Post.edit_time
	`, p.NetworkID, int64(p.PostTime), int64(p.EditTime), p.Author, p.Text, nowMillis())
	if err != nil {
		return false, err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// NextNetworkID returns the first network id not yet handed out by any
// host that used this database.
func (db *DB) NextNetworkID() (uint32, error) {
	var next sql.NullInt64
	err := db.conn.QueryRow(`
		SELECT MAX(v) FROM (
			SELECT value AS v FROM HostState WHERE key = 'next_network_id'
			UNION ALL
			SELECT MAX(network_id) + 1 FROM Post
		)
	`).Scan(&next)
	if err != nil {
		return 0, err
	}
	if !next.Valid || next.Int64 < 1 {
		return 1, nil
	}
	return uint32(next.Int64), nil
}

// ReserveNetworkID records that ids below next are taken. The stored value
// never moves backwards.
func (db *DB) ReserveNetworkID(next uint32) error {
	_, err := db.writeConn.Exec(`
		INSERT INTO HostState (key, value) VALUES ('next_network_id', ?)
		ON CONFLICT (key) DO UPDATE SET value = MAX(value, excluded.value)
	`, int64(next))
	return err
}

// GetPost returns the stored revision of a post.
func (db *DB) GetPost(networkID uint32, postTime uint64) (*Post, error) {
	p := &Post{}
	var pt, et int64
	err := db.conn.QueryRow(`
		SELECT network_id, post_time, edit_time, author, content, stored_at
		FROM Post
		WHERE network_id = ? AND post_time = ?
	`, networkID, int64(postTime)).Scan(&p.NetworkID, &pt, &et, &p.Author, &p.Text, &p.StoredAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPostNotFound
	}
	if err != nil {
		return nil, err
	}
	p.PostTime, p.EditTime = uint64(pt), uint64(et)
	return p, nil
}

// ListRecentPosts returns up to limit posts, newest post time first.
func (db *DB) ListRecentPosts(limit int) ([]*Post, error) {
	rows, err := db.conn.Query(`
		SELECT network_id, post_time, edit_time, author, content, stored_at
		FROM Post
		ORDER BY post_time DESC, network_id ASC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var posts []*Post
	for rows.Next() {
		p := &Post{}
		var pt, et int64
		if err := rows.Scan(&p.NetworkID, &pt, &et, &p.Author, &p.Text, &p.StoredAt); err != nil {
			return nil, err
		}
		p.PostTime, p.EditTime = uint64(pt), uint64(et)
		posts = append(posts, p)
	}
	return posts, rows.Err()
}

// CleanupPostsBefore deletes posts whose post time is older than cutoff.
func (db *DB) CleanupPostsBefore(cutoff time.Time) (int64, error) {
	result, err := db.writeConn.Exec(`DELETE FROM Post WHERE post_time < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// CreateBan bans address and logs the admin action. A zero duration is
// permanent. Returns the ban ID.
func (db *DB) CreateBan(address, username, reason, bannedBy string, duration time.Duration) (int64, error) {
	tx, err := db.writeConn.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	now := nowMillis()
	var bannedUntil *int64
	if duration > 0 {
		until := now + duration.Milliseconds()
		bannedUntil = &until
	}

	result, err := tx.Exec(`
		INSERT INTO Ban (address, username, reason, banned_at, banned_until, banned_by)
		VALUES (?, ?, ?, ?, ?, ?)
	`, address, username, reason, now, bannedUntil, bannedBy)
	if err != nil {
		return 0, err
	}

	banID, err := result.LastInsertId()
	if err != nil {
		return 0, err
	}

	_, err = tx.Exec(`
		INSERT INTO AdminAction (admin, action_type, target, details, performed_at)
		VALUES (?, 'ban', ?, ?, ?)
	`, bannedBy, address, reason, now)
	if err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return banID, nil
}

// GetActiveBan returns the active ban for address, or nil if there is none.
func (db *DB) GetActiveBan(address string) (*Ban, error) {
	ban := &Ban{}
	var bannedUntil sql.NullInt64
	err := db.conn.QueryRow(`
		SELECT id, address, username, reason, banned_at, banned_until, banned_by
		FROM Ban
		WHERE address = ?
		  AND (banned_until IS NULL OR banned_until > ?)
		ORDER BY banned_at DESC
		LIMIT 1
	`, address, nowMillis()).Scan(
		&ban.ID, &ban.Address, &ban.Username, &ban.Reason, &ban.BannedAt, &bannedUntil, &ban.BannedBy,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil // No active ban
	}
	if err != nil {
		return nil, err
	}
	if bannedUntil.Valid {
		ban.BannedUntil = &bannedUntil.Int64
	}
	return ban, nil
}

// DeleteBan lifts every ban on address and returns how many were removed.
func (db *DB) DeleteBan(address, admin string) (int64, error) {
	tx, err := db.writeConn.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	result, err := tx.Exec(`DELETE FROM Ban WHERE address = ?`, address)
	if err != nil {
		return 0, err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}
	if n > 0 {
		if _, err := tx.Exec(`
			INSERT INTO AdminAction (admin, action_type, target, details, performed_at)
			VALUES (?, 'unban', ?, '', ?)
		`, admin, address, nowMillis()); err != nil {
			return 0, err
		}
	}
	return n, tx.Commit()
}

// ListBans returns all bans, optionally including expired bans
func (db *DB) ListBans(includeExpired bool) ([]*Ban, error) {
	query := `
		SELECT id, address, username, reason, banned_at, banned_until, banned_by
		FROM Ban
	`
	var args []any
	if !includeExpired {
		query += ` WHERE banned_until IS NULL OR banned_until > ?`
		args = append(args, nowMillis())
	}
	query += ` ORDER BY banned_at DESC, id DESC`

	rows, err := db.conn.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var bans []*Ban
	for rows.Next() {
		ban := &Ban{}
		var bannedUntil sql.NullInt64
		if err := rows.Scan(&ban.ID, &ban.Address, &ban.Username, &ban.Reason, &ban.BannedAt, &bannedUntil, &ban.BannedBy); err != nil {
			return nil, err
		}
		if bannedUntil.Valid {
			ban.BannedUntil = &bannedUntil.Int64
		}
		bans = append(bans, ban)
	}
	return bans, rows.Err()
}

// LogAdminAction logs an admin action to the AdminAction table
func (db *DB) LogAdminAction(admin, actionType, target, details string) error {
	_, err := db.writeConn.Exec(`
		INSERT INTO AdminAction (admin, action_type, target, details, performed_at)
		VALUES (?, ?, ?, ?, ?)
	`, admin, actionType, target, details, nowMillis())
	return err
}

// ListAdminActions returns up to limit audit entries, newest first.
func (db *DB) ListAdminActions(limit int) ([]*AdminAction, error) {
	rows, err := db.conn.Query(`
		SELECT id, admin, action_type, target, details, performed_at
		FROM AdminAction
		ORDER BY id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var actions []*AdminAction
	for rows.Next() {
		a := &AdminAction{}
		if err := rows.Scan(&a.ID, &a.Admin, &a.ActionType, &a.Target, &a.Details, &a.PerformedAt); err != nil {
			return nil, err
		}
		actions = append(actions, a)
	}
	return actions, rows.Err()
}
