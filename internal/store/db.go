// Package store persists the conversation mirror, the send ledger,
// campaign tallies and the operations history in a single SQLite file.
package store

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// Pragmas applied on every connection. WAL keeps readers from blocking
// the event writer; the busy timeout covers migration bursts.
const dsnOptions = "?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on"

// DB wraps the SQLite handle all daemon components share.
type DB struct {
	*sql.DB
}

// Open opens (creating if needed) the database at path and verifies the
// connection before returning.
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite3", path+dsnOptions)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return &DB{db}, nil
}
