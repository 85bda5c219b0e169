package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "memory" (or empty): no database; callers use in-process stores
//   - "sqlite": SQLite database file at Path
//   - "postgres": Postgres reachable at DSN
type Config struct {
	Driver          string
	Path            string
	DSN             string
	BusyTimeout     time.Duration // sqlite only; 0 means default
	MaxOpenConns    int           // postgres only; 0 means 10
	ConnectAttempts int           // 0 means 5
}

const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

func millis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
