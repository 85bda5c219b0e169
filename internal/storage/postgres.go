package storage

import (
	"errors"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
)

func openPostgres(cfg Config) (*sqlx.DB, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("storage.dsn is required for postgres driver")
	}
	x, err := sqlx.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	n := cfg.MaxOpenConns
	if n <= 0 {
		n = 10
	}
	x.SetMaxOpenConns(n)
	x.SetMaxIdleConns(n / 2)
	x.SetConnMaxIdleTime(5 * time.Minute)
	return x, nil
}
