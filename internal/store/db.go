package store

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/lumachat/chatsync/internal/bus"
)

// DB is the SQLite-backed Store. Change notifications ride the shared
// event bus so observation survives across components.
type DB struct {
	*sql.DB
	bus *bus.Bus
}

// Open creates a SQLite connection with WAL mode and recommended pragmas.
func Open(path string, b *bus.Bus) (*DB, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	if b == nil {
		b = bus.New()
	}
	return &DB{DB: db, bus: b}, nil
}

var _ Store = (*DB)(nil)
