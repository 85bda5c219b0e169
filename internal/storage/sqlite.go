package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

// MemoryPath opens a private in-memory SQLite database.
const MemoryPath = ":memory:"

func openSQLite(cfg Config) (*sqlx.DB, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for sqlite driver")
	}
	if path != MemoryPath {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}

	x, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer; an in-memory database also lives
	// only as long as its one connection.
	x.SetMaxOpenConns(1)
	x.SetMaxIdleConns(1)
	x.SetConnMaxLifetime(0)

	busy := cfg.BusyTimeout.Milliseconds()
	if busy <= 0 {
		busy = 5000
	}
	_, _ = x.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy))
	_, _ = x.Exec("PRAGMA foreign_keys = ON")
	if path != MemoryPath {
		_, _ = x.Exec("PRAGMA journal_mode = WAL")
		_, _ = x.Exec("PRAGMA synchronous = NORMAL")
	}
	return x, nil
}
