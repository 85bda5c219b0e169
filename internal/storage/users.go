package storage

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"bikenotify/internal/resettoken"
)

// Users is the SQL resettoken.UserDirectory.
type Users struct{ db *DB }

func (d *DB) Users() *Users { return &Users{db: d} }

type userRow struct {
	ID           string `db:"id"`
	Email        string `db:"email"`
	Name         string `db:"name"`
	PasswordHash string `db:"password_hash"`
}

func (s *Users) FindByEmail(ctx context.Context, email string) (resettoken.User, error) {
	var row userRow
	err := s.db.x.GetContext(ctx, &row, s.db.q(`SELECT id, email, name, password_hash FROM users WHERE lower(email) = ?`),
		strings.ToLower(strings.TrimSpace(email)))
	if errors.Is(err, sql.ErrNoRows) {
		return resettoken.User{}, resettoken.ErrUserNotFound
	}
	if err != nil {
		return resettoken.User{}, err
	}
	return resettoken.User(row), nil
}

func (s *Users) SetPasswordHash(ctx context.Context, userID, hash string) error {
	res, err := s.db.x.ExecContext(ctx, s.db.q(`UPDATE users SET password_hash = ? WHERE id = ?`), hash, userID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return resettoken.ErrUserNotFound
	}
	return nil
}

// Put inserts or replaces a user.
func (s *Users) Put(ctx context.Context, u resettoken.User) error {
	_, err := s.db.x.ExecContext(ctx, s.db.q(`INSERT INTO users (id, email, name, password_hash) VALUES (?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET email = excluded.email, name = excluded.name, password_hash = excluded.password_hash`),
		u.ID, u.Email, u.Name, u.PasswordHash)
	return err
}
