package storage

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/wb-go/wbf/retry"

	logx "bikenotify/pkg/logx"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// DB is an opened, migrated database.
type DB struct {
	x       *sqlx.DB
	dialect string
	log     logx.Logger
}

// Open initializes the configured database and applies migrations.
// It returns (nil, nil) for the memory driver.
func Open(ctx context.Context, cfg Config, log logx.Logger) (*DB, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if log.IsZero() {
		log = logx.Nop()
	}

	var (
		x   *sqlx.DB
		err error
	)
	switch driver {
	case "", DriverMemory, "none":
		return nil, nil
	case DriverSQLite, "sqlite3":
		driver = DriverSQLite
		x, err = openSQLite(cfg)
	case DriverPostgres, "pgx":
		driver = DriverPostgres
		x, err = openPostgres(cfg)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
	if err != nil {
		return nil, err
	}

	attempts := cfg.ConnectAttempts
	if attempts <= 0 {
		attempts = 5
	}
	strategy := retry.Strategy{Attempts: attempts, Delay: 500 * time.Millisecond, Backoff: 2}
	if err := retry.DoContext(ctx, strategy, func() error {
		pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return x.PingContext(pctx)
	}); err != nil {
		_ = x.Close()
		return nil, fmt.Errorf("storage ping (%s): %w", driver, err)
	}

	db := &DB{x: x, dialect: driver, log: log.With(logx.String("comp", "storage"), logx.String("driver", driver))}
	if err := db.migrate(ctx); err != nil {
		_ = x.Close()
		return nil, fmt.Errorf("storage migrate: %w", err)
	}
	db.log.Info("storage ready")
	return db, nil
}

func (d *DB) Dialect() string { return d.dialect }

func (d *DB) Close() error {
	if d == nil || d.x == nil {
		return nil
	}
	return d.x.Close()
}

// Ping reports whether the database answers.
func (d *DB) Ping(ctx context.Context) error {
	if d == nil || d.x == nil {
		return ErrDisabled
	}
	return d.x.PingContext(ctx)
}

// migrate runs the dialect's schema one statement at a time. Every
// statement is idempotent.
func (d *DB) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations/" + d.dialect + ".sql")
	if err != nil {
		return err
	}
	for _, stmt := range splitStatements(string(b)) {
		if _, err := d.x.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("%w (statement: %.60q)", err, stmt)
		}
	}
	return nil
}

func splitStatements(script string) []string {
	var out []string
	var b strings.Builder
	for _, line := range strings.Split(script, "\n") {
		t := strings.TrimSpace(line)
		if t == "" || strings.HasPrefix(t, "--") {
			continue
		}
		b.WriteString(line)
		b.WriteByte('\n')
		if strings.HasSuffix(t, ";") {
			out = append(out, strings.TrimSpace(b.String()))
			b.Reset()
		}
	}
	if rest := strings.TrimSpace(b.String()); rest != "" {
		out = append(out, rest)
	}
	return out
}

// q rebinds a '?' query for the active driver.
func (d *DB) q(query string) string {
	return d.x.Rebind(query)
}
