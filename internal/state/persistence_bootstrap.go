package state

import (
	"fmt"
	"os"
	"path/filepath"
)

// Bootstrap opens (or creates) the primary store at <dir>/gateway.db,
// applies all pending migrations, and returns a ready-to-use Store.
func Bootstrap(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store dir %s: %w", dir, err)
	}

	dbPath := filepath.Join(dir, "gateway.db")
	db, err := OpenDB(dbPath)
	if err != nil {
		return nil, fmt.Errorf("open gateway.db: %w", err)
	}

	if err := Migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate gateway.db: %w", err)
	}

	return newStore(db), nil
}
