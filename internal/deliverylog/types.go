package deliverylog

import (
	"context"
	"errors"
	"time"
)

// Kind is the notification kind part of a dedup key.
type Kind string

const (
	KindMaintenanceReminder Kind = "maintenance_reminder"
	KindPasswordReset       Kind = "password_reset"
)

func (k Kind) Valid() bool {
	return k == KindMaintenanceReminder || k == KindPasswordReset
}

type Status string

const (
	// StatusQueued is a claim: a job for this key was handed to a queue and
	// no outcome has been written yet.
	StatusQueued Status = "queued"
	StatusSent   Status = "sent"
	StatusFailed Status = "failed"
)

// Key identifies a logical notification.
type Key struct {
	RecipientID string
	EntityID    string
	Kind        Kind
}

func (k Key) String() string {
	return string(k.Kind) + ":" + k.RecipientID + ":" + k.EntityID
}

type Entry struct {
	Key

	Status       Status
	AttemptCount int
	// Terminal marks a failure the queue will never retry, regardless of
	// AttemptCount (e.g. a rejected recipient address).
	Terminal  bool
	LastError string

	SentAt     time.Time
	UpdatedAt  time.Time
	LeaseUntil time.Time

	// Version increments on every write. CompareAndSwap matches on it.
	Version int64
}

// Leased reports whether a live queue still owns the key at now.
func (e Entry) Leased(now time.Time) bool {
	if e.Status == StatusSent {
		return false
	}
	return now.Before(e.LeaseUntil)
}

// Exhausted reports whether the entry is a failure that must not be retried.
func (e Entry) Exhausted(maxAttempts int) bool {
	if e.Status != StatusFailed {
		return false
	}
	return e.Terminal || (maxAttempts > 0 && e.AttemptCount >= maxAttempts)
}

// Suppresses reports whether the entry blocks any further enqueue for its key.
func (e Entry) Suppresses(maxAttempts int) bool {
	return e.Status == StatusSent || e.Exhausted(maxAttempts)
}

var ErrInvalidKey = errors.New("deliverylog: invalid key")

// Store persists entries. Implementations must make InsertIfAbsent and
// CompareAndSwap atomic with respect to each other.
type Store interface {
	// Find returns the entry for key; ok is false when none exists.
	Find(ctx context.Context, key Key) (e Entry, ok bool, err error)
	// InsertIfAbsent writes e with Version 1 when no entry exists for its key.
	InsertIfAbsent(ctx context.Context, e Entry) (bool, error)
	// CompareAndSwap replaces the entry for next.Key when its current
	// version equals version. The stored version becomes version+1.
	CompareAndSwap(ctx context.Context, version int64, next Entry) (bool, error)
	// Record upserts e unconditionally, bumping the version.
	Record(ctx context.Context, e Entry) error
}

// Validate reports ErrInvalidKey for incomplete keys.
func Validate(k Key) error {
	if k.RecipientID == "" || k.EntityID == "" || !k.Kind.Valid() {
		return ErrInvalidKey
	}
	return nil
}
