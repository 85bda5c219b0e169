package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"bikenotify/internal/resettoken"
)

// ResetTokens is the SQL resettoken.Store.
type ResetTokens struct{ db *DB }

func (d *DB) ResetTokens() *ResetTokens { return &ResetTokens{db: d} }

type tokenRow struct {
	ID         string `db:"id"`
	UserID     string `db:"user_id"`
	SecretHash string `db:"secret_hash"`
	CreatedAt  int64  `db:"created_at"`
	ExpiresAt  int64  `db:"expires_at"`
	IsUsed     bool   `db:"is_used"`
	UsedAt     int64  `db:"used_at"`
}

func (s *ResetTokens) Create(ctx context.Context, t resettoken.Token) error {
	_, err := s.db.x.ExecContext(ctx, s.db.q(`INSERT INTO password_reset_tokens
		(id, user_id, secret_hash, created_at, expires_at, is_used, used_at) VALUES (?, ?, ?, ?, ?, ?, ?)`),
		t.ID, t.UserID, t.SecretHash, millis(t.CreatedAt), millis(t.ExpiresAt), t.IsUsed, millis(t.UsedAt))
	return err
}

func (s *ResetTokens) FindByHash(ctx context.Context, secretHash string) (resettoken.Token, error) {
	var row tokenRow
	err := s.db.x.GetContext(ctx, &row, s.db.q(`SELECT id, user_id, secret_hash, created_at, expires_at, is_used, used_at
		FROM password_reset_tokens WHERE secret_hash = ?`), secretHash)
	if errors.Is(err, sql.ErrNoRows) {
		return resettoken.Token{}, resettoken.ErrInvalidToken
	}
	if err != nil {
		return resettoken.Token{}, err
	}
	return resettoken.Token{
		ID:         row.ID,
		UserID:     row.UserID,
		SecretHash: row.SecretHash,
		CreatedAt:  fromMillis(row.CreatedAt),
		ExpiresAt:  fromMillis(row.ExpiresAt),
		IsUsed:     row.IsUsed,
		UsedAt:     fromMillis(row.UsedAt),
	}, nil
}

func (s *ResetTokens) MarkUsed(ctx context.Context, id string, at time.Time) (bool, error) {
	res, err := s.db.x.ExecContext(ctx, s.db.q(`UPDATE password_reset_tokens SET is_used = ?, used_at = ?
		WHERE id = ? AND is_used = ?`), true, millis(at), id, false)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (s *ResetTokens) PurgeBefore(ctx context.Context, cutoff time.Time) (int, error) {
	ms := cutoff.UnixMilli()
	res, err := s.db.x.ExecContext(ctx, s.db.q(`DELETE FROM password_reset_tokens
		WHERE expires_at < ? OR (is_used = ? AND used_at < ?)`), ms, true, ms)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}
