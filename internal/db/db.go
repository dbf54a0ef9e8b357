package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/askora/askora/internal/paths"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS ingestions (
    id              INTEGER PRIMARY KEY AUTOINCREMENT,
    repository      TEXT NOT NULL,
    knowledge_base  TEXT NOT NULL,
    database_name   TEXT NOT NULL,
    agent           TEXT NOT NULL,
    status          TEXT NOT NULL CHECK (status IN ('provisioned', 'reused', 'failed')),
    error           TEXT,
    duration_ms     INTEGER NOT NULL DEFAULT 0,
    created_at      TEXT NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_ingestions_repository ON ingestions(repository);
CREATE INDEX IF NOT EXISTS idx_ingestions_created ON ingestions(created_at);
`

// DBPath returns the default history database location, creating its directory.
func DBPath() (string, error) {
	dir, err := paths.DataDir()
	if err != nil {
		return "", fmt.Errorf("getting data directory: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating data directory: %w", err)
	}
	return filepath.Join(dir, "askora.db"), nil
}

func Open(dbPath string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("running schema migration: %w", err)
	}
	return db, nil
}
