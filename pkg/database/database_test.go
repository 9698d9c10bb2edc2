package database

import (
	"database/sql"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestSavePostSupersession(t *testing.T) {
	db := openTestDB(t)

	stored, err := db.SavePost(Post{NetworkID: 3, PostTime: 1000, EditTime: 1000, Author: "alice", Text: "first"})
	require.NoError(t, err)
	assert.True(t, stored)

	tests := []struct {
		name       string
		edit       uint64
		text       string
		wantStored bool
		wantText   string
	}{
		{"same revision is ignored", 1000, "replayed", false, "first"},
		{"older revision is ignored", 999, "stale", false, "first"},
		{"newer revision replaces", 2000, "edited", true, "edited"},
		{"then older than the edit is ignored", 1500, "late", false, "edited"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stored, err := db.SavePost(Post{NetworkID: 3, PostTime: 1000, EditTime: tt.edit, Author: "alice", Text: tt.text})
			require.NoError(t, err)
			assert.Equal(t, tt.wantStored, stored)

			p, err := db.GetPost(3, 1000)
			require.NoError(t, err)
			assert.Equal(t, tt.wantText, p.Text)
		})
	}
}

func TestNetworkIDReservation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ids.db")
	db, err := Open(path)
	require.NoError(t, err)

	next, err := db.NextNetworkID()
	require.NoError(t, err)
	assert.Equal(t, uint32(1), next)

	require.NoError(t, db.ReserveNetworkID(5))
	require.NoError(t, db.ReserveNetworkID(3))
	next, err = db.NextNetworkID()
	require.NoError(t, err)
	assert.Equal(t, uint32(5), next, "reservations never move backwards")

	// Stored authors count even without a reservation.
	_, err = db.SavePost(Post{NetworkID: 40, PostTime: 1, EditTime: 1, Text: "x"})
	require.NoError(t, err)
	require.NoError(t, db.Close())

	db, err = Open(path)
	require.NoError(t, err)
	defer db.Close()
	next, err = db.NextNetworkID()
	require.NoError(t, err)
	assert.Equal(t, uint32(41), next)
}

func TestGetPostNotFound(t *testing.T) {
	db := openTestDB(t)
	_, err := db.GetPost(1, 1)
	assert.ErrorIs(t, err, ErrPostNotFound)
}

func TestPostTimesKeepFullRange(t *testing.T) {
	db := openTestDB(t)
	big := uint64(1) << 62
	_, err := db.SavePost(Post{NetworkID: 0xFFFFFFFF, PostTime: big, EditTime: big + 1, Text: "x"})
	require.NoError(t, err)

	p, err := db.GetPost(0xFFFFFFFF, big)
	require.NoError(t, err)
	assert.Equal(t, big+1, p.EditTime)
	assert.Equal(t, uint32(0xFFFFFFFF), p.NetworkID)
}

func TestListRecentPostsAndCleanup(t *testing.T) {
	db := openTestDB(t)
	now := time.Now()
	for i, age := range []time.Duration{3 * time.Hour, 2 * time.Hour, time.Minute} {
		pt := uint64(now.Add(-age).UnixMilli())
		_, err := db.SavePost(Post{NetworkID: uint32(i + 1), PostTime: pt, EditTime: pt, Text: "p"})
		require.NoError(t, err)
	}

	posts, err := db.ListRecentPosts(2)
	require.NoError(t, err)
	require.Len(t, posts, 2)
	assert.Equal(t, uint32(3), posts[0].NetworkID)
	assert.Equal(t, uint32(2), posts[1].NetworkID)

	deleted, err := db.CleanupPostsBefore(now.Add(-90 * time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(2), deleted)

	posts, err = db.ListRecentPosts(10)
	require.NoError(t, err)
	assert.Len(t, posts, 1)
}

func TestBans(t *testing.T) {
	db := openTestDB(t)

	ban, err := db.GetActiveBan("10.0.0.1")
	require.NoError(t, err)
	assert.Nil(t, ban)

	id, err := db.CreateBan("10.0.0.1", "mallory", "griefing", "admin", 0)
	require.NoError(t, err)
	assert.Positive(t, id)

	ban, err = db.GetActiveBan("10.0.0.1")
	require.NoError(t, err)
	require.NotNil(t, ban)
	assert.Equal(t, "mallory", ban.Username)
	assert.Equal(t, "griefing", ban.Reason)
	assert.Nil(t, ban.BannedUntil, "zero duration is permanent")

	// Expired bans don't block.
	_, err = db.CreateBan("10.0.0.2", "", "", "admin", time.Millisecond)
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)
	ban, err = db.GetActiveBan("10.0.0.2")
	require.NoError(t, err)
	assert.Nil(t, ban)

	active, err := db.ListBans(false)
	require.NoError(t, err)
	assert.Len(t, active, 1)
	all, err := db.ListBans(true)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	n, err := db.DeleteBan("10.0.0.1", "admin")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	ban, err = db.GetActiveBan("10.0.0.1")
	require.NoError(t, err)
	assert.Nil(t, ban)

	actions, err := db.ListAdminActions(10)
	require.NoError(t, err)
	require.Len(t, actions, 3)
	assert.Equal(t, "unban", actions[0].ActionType)
	assert.Equal(t, "ban", actions[2].ActionType)
	assert.Equal(t, "10.0.0.1", actions[2].Target)
}

func TestLogAdminAction(t *testing.T) {
	db := openTestDB(t)
	require.NoError(t, db.LogAdminAction("root", "kick", "7", "spam"))
	actions, err := db.ListAdminActions(1)
	require.NoError(t, err)
	require.Len(t, actions, 1)
	assert.Equal(t, AdminAction{ID: actions[0].ID, Admin: "root", ActionType: "kick", Target: "7", Details: "spam", PerformedAt: actions[0].PerformedAt}, *actions[0])
}

func TestConcurrentSaves(t *testing.T) {
	db := openTestDB(t)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := db.SavePost(Post{NetworkID: 1, PostTime: 1, EditTime: uint64(i), Text: "rev"})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	p, err := db.GetPost(1, 1)
	require.NoError(t, err)
	assert.Equal(t, uint64(19), p.EditTime, "the newest revision always wins")
}

// TestMigrationPath validates the migration path from v0 to latest version.
// Add a case here for every migration appended to the list.
func TestMigrationPath(t *testing.T) {
	migrationTests := []struct {
		name           string
		toVersion      int
		setupData      func(db *sql.DB) error
		validateSchema func(t *testing.T, db *sql.DB)
	}{
		{
			name:      "v0 → v1: posts and bans",
			toVersion: 1,
			validateSchema: func(t *testing.T, db *sql.DB) {
				for _, table := range []string{"Post", "Ban", "schema_migrations"} {
					assertTable(t, db, table, true)
				}
				assertTable(t, db, "AdminAction", false)
			},
		},
		{
			name:      "v1 → v2: admin audit trail keeps existing posts",
			toVersion: 2,
			setupData: func(db *sql.DB) error {
				_, err := db.Exec(`INSERT INTO Post (network_id, post_time, edit_time, content, stored_at) VALUES (1, 1, 1, 'kept', 0)`)
				return err
			},
			validateSchema: func(t *testing.T, db *sql.DB) {
				assertTable(t, db, "AdminAction", true)
				var content string
				require.NoError(t, db.QueryRow(`SELECT content FROM Post WHERE network_id = 1`).Scan(&content))
				assert.Equal(t, "kept", content)
			},
		},
		{
			name:      "v2 → v3: id counter starts past stored authors",
			toVersion: 3,
			setupData: func(db *sql.DB) error {
				_, err := db.Exec(`INSERT INTO Post (network_id, post_time, edit_time, content, stored_at) VALUES (7, 1, 1, 'seven', 0)`)
				return err
			},
			validateSchema: func(t *testing.T, db *sql.DB) {
				assertTable(t, db, "HostState", true)
				var next int64
				require.NoError(t, db.QueryRow(`SELECT value FROM HostState WHERE key = 'next_network_id'`).Scan(&next))
				assert.Equal(t, int64(8), next)
			},
		},
	}
	require.Len(t, migrationTests, LatestSchemaVersion, "every migration needs a test case")

	conn, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "migrate.db"))
	require.NoError(t, err)
	defer conn.Close()
	conn.SetMaxOpenConns(1)

	for _, tt := range migrationTests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.setupData != nil {
				require.NoError(t, tt.setupData(conn))
			}
			require.NoError(t, migrateTo(conn, tt.toVersion))
			version, err := schemaVersion(conn)
			require.NoError(t, err)
			assert.Equal(t, tt.toVersion, version)
			tt.validateSchema(t, conn)
		})
	}

	// Re-running is a no-op.
	require.NoError(t, runMigrations(conn))
}

func assertTable(t *testing.T, db *sql.DB, table string, want bool) {
	t.Helper()
	var count int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&count))
	assert.Equal(t, want, count == 1, "table %s", table)
}
