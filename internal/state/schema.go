// Package state implements the primary store: a single pure-Go SQLite
// database (offers, blacklist_entries, cloak_decisions, pages) migrated
// with golang-migrate. Spec §5 calls for "one in-process database handle
// with a busy-timeout" — the teacher's dual state.db/cache.db split isn't
// carried forward (see DESIGN.md).
package state

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// OpenDB opens (or creates) a SQLite database at path with recommended
// pragmas: WAL journal mode, synchronous=NORMAL, foreign_keys=ON,
// busy_timeout=5000.
func OpenDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db %s: %w", path, err)
	}

	// The log pipeline is the sustained high-volume writer and batches
	// everything in one transaction (spec §4.6); a single connection keeps
	// writes serialized without contending on SQLite's file lock.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("exec %q on %s: %w", p, path, err)
		}
	}

	return db, nil
}
