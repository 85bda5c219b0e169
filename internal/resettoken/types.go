// Package resettoken issues and redeems single-use, time-limited password
// reset tokens. Only a SHA-256 digest of each secret is stored; the secret
// itself leaves the process once, inside the reset email.
package resettoken

import (
	"context"
	"errors"
	"time"
)

var (
	ErrUserNotFound = errors.New("user not found")
	ErrRateLimited  = errors.New("too many reset requests")
	ErrInvalidToken = errors.New("invalid reset token")
	ErrAlreadyUsed  = errors.New("reset token already used")
	ErrExpired      = errors.New("reset token expired")
	ErrWeakPassword = errors.New("password too short")
)

type State string

const (
	StateActive   State = "active"
	StateRedeemed State = "redeemed"
	StateExpired  State = "expired"
)

type Token struct {
	ID         string
	UserID     string
	SecretHash string
	CreatedAt  time.Time
	ExpiresAt  time.Time
	IsUsed     bool
	UsedAt     time.Time
}

func (t Token) State(now time.Time) State {
	switch {
	case t.IsUsed:
		return StateRedeemed
	case !now.Before(t.ExpiresAt):
		return StateExpired
	default:
		return StateActive
	}
}

type User struct {
	ID           string
	Email        string
	Name         string
	PasswordHash string
}

// UserDirectory resolves accounts. FindByEmail returns ErrUserNotFound for
// unknown addresses.
type UserDirectory interface {
	FindByEmail(ctx context.Context, email string) (User, error)
	SetPasswordHash(ctx context.Context, userID, hash string) error
}

type Store interface {
	Create(ctx context.Context, t Token) error
	// FindByHash returns ErrInvalidToken when no token has the digest.
	FindByHash(ctx context.Context, secretHash string) (Token, error)
	// MarkUsed flips IsUsed only if it is still false and reports whether
	// this call did it.
	MarkUsed(ctx context.Context, id string, at time.Time) (bool, error)
	// PurgeBefore deletes tokens that expired, or were used, before cutoff.
	PurgeBefore(ctx context.Context, cutoff time.Time) (int, error)
}
