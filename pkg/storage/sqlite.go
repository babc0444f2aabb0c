package storage

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// OpenSQLite opens (creating if needed) a SQLite-backed store at the
// given path. The driver is CGo-free, so the store works anywhere the
// library compiles.
func OpenSQLite(ctx context.Context, path string) (*SQLStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("storage: open sqlite %q: %w", path, err)
	}
	// Serialized access keeps commit transactions from tripping over
	// SQLITE_BUSY under the connection pool.
	db.SetMaxOpenConns(1)
	store, err := newSQLStore(db, dialectSQLite, "storage.sqlite")
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.initSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}
