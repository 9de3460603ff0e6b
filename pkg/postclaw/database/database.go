// Package database opens and migrates the central postclaw.db SQLite
// database shared by the scheduler, the memory store, and session metadata.
// WAL mode with a busy timeout so the driver loop and request handlers can
// read and write concurrently.
package database

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3" // SQLite driver with FTS5 support.
)

// schema holds the core tables. The memory package adds its FTS5 virtual
// table separately because FTS5 availability depends on the SQLite build.
const schema = `
	CREATE TABLE IF NOT EXISTS jobs (
		id            TEXT PRIMARY KEY,
		session_id    TEXT NOT NULL,
		channel_id    TEXT NOT NULL,
		body          TEXT NOT NULL,
		media_ref     TEXT NOT NULL DEFAULT '',
		draft_version INTEGER NOT NULL DEFAULT 0,
		target_at     TEXT NOT NULL,
		status        TEXT NOT NULL,
		attempts      INTEGER NOT NULL DEFAULT 0,
		next_retry_at TEXT NOT NULL DEFAULT '',
		confirmation  TEXT NOT NULL DEFAULT '',
		last_error    TEXT NOT NULL DEFAULT '',
		created_at    TEXT NOT NULL,
		updated_at    TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_jobs_status_target
		ON jobs (status, target_at);

	CREATE TABLE IF NOT EXISTS recurring_schedules (
		id         TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		channel_id TEXT NOT NULL,
		cron_expr  TEXT NOT NULL,
		topic      TEXT NOT NULL,
		enabled    INTEGER NOT NULL DEFAULT 1,
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS memory_records (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		channel_id TEXT NOT NULL,
		kind       TEXT NOT NULL,
		content    TEXT NOT NULL,
		outcome    TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_memory_channel
		ON memory_records (channel_id, created_at);
`

// Open opens (creating if needed) the shared database at dbPath and applies
// the schema. The parent directory is created when missing.
func Open(dbPath string, logger *slog.Logger) (*sql.DB, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if dir := filepath.Dir(dbPath); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	logger.Debug("database ready", "path", dbPath)
	return db, nil
}
