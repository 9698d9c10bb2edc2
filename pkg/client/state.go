package client

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const stateSchema = `
CREATE TABLE IF NOT EXISTS Config (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS SentPost (
	server_address TEXT NOT NULL,
	post_time INTEGER NOT NULL,
	content TEXT NOT NULL,
	updated_at INTEGER NOT NULL,
	PRIMARY KEY (server_address, post_time)
);
`

// State manages client-side persistent state: the last identity used and
// the posts this client sent, so they can be edited after a restart.
type State struct {
	db  *sql.DB
	dir string // Directory where state is stored
}

// SentPost is a post this client sent to a host.
type SentPost struct {
	PostTime uint64
	Text     string
}

// OpenState opens or creates the client state database
func OpenState(path string) (*State, error) {
	// Ensure directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open state database: %w", err)
	}

	// Client only needs one connection
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}
	if _, err := db.Exec(stateSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create state schema: %w", err)
	}

	return &State{db: db, dir: dir}, nil
}

// Close closes the state database
func (s *State) Close() error {
	return s.db.Close()
}

// GetConfig retrieves a configuration value
func (s *State) GetConfig(key string) (string, error) {
	var value string
	err := s.db.QueryRow("SELECT value FROM Config WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value, err
}

// SetConfig stores a configuration value
func (s *State) SetConfig(key, value string) error {
	_, err := s.db.Exec(`INSERT OR REPLACE INTO Config (key, value) VALUES (?, ?)`, key, value)
	return err
}

// GetLastUsername returns the last used username
func (s *State) GetLastUsername() string {
	name, _ := s.GetConfig("last_username")
	return name
}

// SetLastUsername stores the last used username
func (s *State) SetLastUsername(name string) error {
	return s.SetConfig("last_username", name)
}

// GetLastServer returns the address of the last host connected to
func (s *State) GetLastServer() string {
	addr, _ := s.GetConfig("last_server")
	return addr
}

// SetLastServer stores the address of the last host connected to
func (s *State) SetLastServer(addr string) error {
	return s.SetConfig("last_server", addr)
}

// RecordPost stores the current text of a post sent to serverAddress
func (s *State) RecordPost(serverAddress string, postTime uint64, text string) error {
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO SentPost (server_address, post_time, content, updated_at)
		VALUES (?, ?, ?, ?)
	`, serverAddress, int64(postTime), text, time.Now().UnixMilli())
	return err
}

// RecentPosts returns up to limit posts sent to serverAddress, newest first
func (s *State) RecentPosts(serverAddress string, limit int) ([]SentPost, error) {
	rows, err := s.db.Query(`
		SELECT post_time, content FROM SentPost
		WHERE server_address = ?
		ORDER BY post_time DESC
		LIMIT ?
	`, serverAddress, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var posts []SentPost
	for rows.Next() {
		var postTime int64
		var p SentPost
		if err := rows.Scan(&postTime, &p.Text); err != nil {
			return nil, err
		}
		p.PostTime = uint64(postTime)
		posts = append(posts, p)
	}
	return posts, rows.Err()
}

// GetStateDir returns the directory where state is stored
func (s *State) GetStateDir() string {
	return s.dir
}
