package history

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewDB_CreatesDirectory(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), ".omx", "history.db")

	db, err := NewDB(dbPath)
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	info, err := os.Stat(filepath.Dir(dbPath))
	require.NoError(t, err)
	require.True(t, info.IsDir())
	require.Equal(t, os.FileMode(0o700), info.Mode().Perm())
}

func TestNewDB_CreatesDatabaseFile(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "history.db")

	db, err := NewDB(dbPath)
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	info, err := os.Stat(dbPath)
	require.NoError(t, err)
	require.False(t, info.IsDir())
}

func TestNewDB_RunsMigrations(t *testing.T) {
	db, err := NewDB(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	var tableName string
	err = db.conn.QueryRow(
		"SELECT name FROM sqlite_master WHERE type='table' AND name='sessions'",
	).Scan(&tableName)
	require.NoError(t, err, "sessions table should exist after migrations")
	require.Equal(t, "sessions", tableName)

	var version int
	require.NoError(t, db.conn.QueryRow("PRAGMA user_version").Scan(&version))
	require.Equal(t, len(migrations), version)
}

func TestNewDB_MigrationsIdempotent(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "history.db")

	db1, err := NewDB(dbPath)
	require.NoError(t, err)
	require.NoError(t, db1.Close())

	db2, err := NewDB(dbPath)
	require.NoError(t, err, "reopening a current database should not re-run migrations")
	defer func() { _ = db2.Close() }()

	var version int
	require.NoError(t, db2.conn.QueryRow("PRAGMA user_version").Scan(&version))
	require.Equal(t, len(migrations), version)
}

func TestNewDB_PreMigrationBackup(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "history.db")

	db1, err := NewDB(dbPath)
	require.NoError(t, err)
	_, err = db1.conn.Exec(
		"INSERT INTO sessions (guid, project, started_at, created_at, updated_at) VALUES (?, ?, ?, ?, ?)",
		"guid-1", "proj", 1000, 1000, 1000,
	)
	require.NoError(t, err)
	require.NoError(t, db1.Close())

	db2, err := NewDB(dbPath)
	require.NoError(t, err)
	defer func() { _ = db2.Close() }()

	info, err := os.Stat(dbPath + ".bak")
	require.NoError(t, err, "backup should exist after reopening an existing database")
	require.Greater(t, info.Size(), int64(0))
}

func TestNewDB_WALMode(t *testing.T) {
	db, err := NewDB(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	var journalMode string
	require.NoError(t, db.conn.QueryRow("PRAGMA journal_mode").Scan(&journalMode))
	require.Equal(t, "wal", journalMode)
}

func TestNewDB_ForeignKeys(t *testing.T) {
	db, err := NewDB(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	var foreignKeys int
	require.NoError(t, db.conn.QueryRow("PRAGMA foreign_keys").Scan(&foreignKeys))
	require.Equal(t, 1, foreignKeys)
}

func TestNewDB_BusyTimeout(t *testing.T) {
	db, err := NewDB(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	var busyTimeout int
	require.NoError(t, db.conn.QueryRow("PRAGMA busy_timeout").Scan(&busyTimeout))
	require.Equal(t, 5000, busyTimeout)
}

func TestNewDB_RejectsNewerSchema(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "history.db")

	db, err := NewDB(dbPath)
	require.NoError(t, err)
	_, err = db.conn.Exec("PRAGMA user_version = 99")
	require.NoError(t, err)
	require.NoError(t, db.Close())

	_, err = NewDB(dbPath)
	require.Error(t, err)
	require.Contains(t, err.Error(), "newer than this build")
}

func TestDB_Close(t *testing.T) {
	db, err := NewDB(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)

	require.NoError(t, db.Close())
	require.Error(t, db.conn.Ping())
}

func TestDB_Connection(t *testing.T) {
	db, err := NewDB(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	conn := db.Connection()
	require.NotNil(t, conn)
	require.NoError(t, conn.Ping())
}
