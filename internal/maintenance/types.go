// Package maintenance models scheduled bike maintenance as the reminder
// pipeline sees it: read-only records with a notification lead time.
package maintenance

import (
	"context"
	"time"
)

// Record is a scheduled maintenance entry. The pipeline never writes it.
type Record struct {
	ID                     string
	BikeID                 string
	ScheduledDate          time.Time
	ServiceDescription     string
	NotificationDaysBefore int
	IsCompleted            bool
}

// ReminderAt is the instant the owner should be notified: ScheduledDate
// minus NotificationDaysBefore calendar days. Negative lead times count as 0.
func (r Record) ReminderAt() time.Time {
	days := r.NotificationDaysBefore
	if days < 0 {
		days = 0
	}
	return r.ScheduledDate.AddDate(0, 0, -days)
}

// DueAt reports whether a reminder for r is due at now.
func (r Record) DueAt(now time.Time) bool {
	if r.IsCompleted {
		return false
	}
	return !now.Before(r.ReminderAt())
}

// Candidate is a record joined with the owner to notify.
type Candidate struct {
	Record

	OwnerID    string
	OwnerName  string
	OwnerEmail string
	BikeName   string
}

// Source lists incomplete maintenance records. Implementations may prefilter
// by asOf; callers still re-check DueAt.
type Source interface {
	ListPending(ctx context.Context, asOf time.Time) ([]Candidate, error)
}
