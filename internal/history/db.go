// Package history archives finished leader sessions to a per-project
// SQLite database at <project>/.omx/history.db. The archive is advisory:
// writes happen after the session is over, and a failure here must never
// block a shutdown.
package history

import (
	"database/sql"
	"fmt"
	"io"
	"os"
	"path/filepath"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/omx-dev/omx/internal/log"
)

// migrations is the ordered schema history. PRAGMA user_version records how
// many entries have been applied; never reorder or edit an applied entry,
// only append.
var migrations = []string{
	`CREATE TABLE sessions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		guid TEXT NOT NULL UNIQUE,
		project TEXT NOT NULL,
		team TEXT NOT NULL DEFAULT '',
		started_at INTEGER NOT NULL,
		ended_at INTEGER,
		event_count INTEGER NOT NULL DEFAULT 0,
		task_count INTEGER NOT NULL DEFAULT 0,
		tasks_completed INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX idx_sessions_project_started ON sessions(project, started_at);`,
}

// DB owns the archive connection and its schema version.
type DB struct {
	conn *sql.DB
	path string
}

// NewDB opens (creating if needed) the archive database at path, enables
// WAL/foreign keys/busy timeout, and applies any pending migrations. An
// existing database file is copied to <path>.bak before migrations touch it.
func NewDB(path string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating history directory: %w", err)
	}
	if err := backupExisting(path); err != nil {
		return nil, err
	}

	conn, err := sql.Open("sqlite3", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("opening history db: %w", err)
	}

	// journal_mode and busy_timeout report the new value as a row.
	var journalMode string
	if err := conn.QueryRow("PRAGMA journal_mode = WAL").Scan(&journalMode); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("enabling WAL: %w", err)
	}
	var busyTimeout int
	if err := conn.QueryRow("PRAGMA busy_timeout = 5000").Scan(&busyTimeout); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}
	if _, err := conn.Exec("PRAGMA foreign_keys = ON"); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}
	if err := migrate(conn); err != nil {
		_ = conn.Close()
		return nil, err
	}

	log.Debug(log.CatDB, "history db opened", "path", path)
	return &DB{conn: conn, path: path}, nil
}

// backupExisting copies an existing database file to <path>.bak so a bad
// migration never eats the only copy. A fresh database needs no backup.
func backupExisting(path string) error {
	src, err := os.Open(path) //nolint:gosec // canonical path
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("opening history db for backup: %w", err)
	}
	defer func() { _ = src.Close() }()

	dst, err := os.OpenFile(path+".bak", os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600) //nolint:gosec // canonical path
	if err != nil {
		return fmt.Errorf("creating history backup: %w", err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		_ = dst.Close()
		return fmt.Errorf("writing history backup: %w", err)
	}
	return dst.Close()
}

// migrate applies migrations[user_version:] one step per transaction,
// bumping user_version after each. Re-running against a current database
// is a no-op.
func migrate(conn *sql.DB) error {
	var version int
	if err := conn.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("reading schema version: %w", err)
	}
	if version > len(migrations) {
		return fmt.Errorf("history db schema version %d is newer than this build supports (%d)", version, len(migrations))
	}

	for i := version; i < len(migrations); i++ {
		tx, err := conn.Begin()
		if err != nil {
			return fmt.Errorf("starting migration %d: %w", i+1, err)
		}
		if _, err := tx.Exec(migrations[i]); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", i+1, err)
		}
		if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", i+1)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("stamping migration %d: %w", i+1, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", i+1, err)
		}
		log.Info(log.CatDB, "history migration applied", "version", i+1)
	}
	return nil
}

// Sessions returns the session archive repository.
func (db *DB) Sessions() *SessionRepository {
	return &SessionRepository{conn: db.conn}
}

// Connection exposes the underlying connection for ad-hoc queries.
func (db *DB) Connection() *sql.DB { return db.conn }

// Close releases the connection.
func (db *DB) Close() error { return db.conn.Close() }
