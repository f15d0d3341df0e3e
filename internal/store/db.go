package store

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// DB wraps the profile-local SQLite cache. It holds the CRM collection
// cache and the send outbox; conversation state lives in memory and is
// never persisted here.
type DB struct {
	*sql.DB
}

// Open opens (or creates) the cache database with WAL mode and a busy
// timeout, so the daemon and ad-hoc inspection tools can coexist.
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open cache db: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping cache db: %w", err)
	}
	return &DB{db}, nil
}
