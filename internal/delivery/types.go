package delivery

import (
	"context"
	"time"

	"bikenotify/internal/deliverylog"
)

type Kind = deliverylog.Kind

const (
	KindMaintenanceReminder = deliverylog.KindMaintenanceReminder
	KindPasswordReset       = deliverylog.KindPasswordReset
)

// Payload is the rendered message. The queue treats it as opaque.
type Payload struct {
	Subject string `json:"subject"`
	Text    string `json:"text"`
	HTML    string `json:"html,omitempty"`
}

type MessageID string

// Sender hands a message to the outbound mail channel.
type Sender interface {
	Send(ctx context.Context, recipient string, p Payload) (MessageID, error)
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, recipient string, p Payload) (MessageID, error)

func (f SenderFunc) Send(ctx context.Context, recipient string, p Payload) (MessageID, error) {
	return f(ctx, recipient, p)
}

type Job struct {
	ID             string
	Kind           Kind
	TargetEntityID string
	RecipientID    string
	Recipient      string
	Payload        Payload

	EnqueuedAt    time.Time
	Attempts      int
	NextAttemptAt time.Time
}

// Key is the job's dedup key.
func (j Job) Key() deliverylog.Key {
	return deliverylog.Key{RecipientID: j.RecipientID, EntityID: j.TargetEntityID, Kind: j.Kind}
}

type Config struct {
	// Workers is the fixed concurrency C.
	Workers      int
	PollInterval time.Duration
	MaxAttempts  int
	MaxPending   int
	SendTimeout  time.Duration

	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	RetryJitter   float64 // 0.2 = 20%

	// Lease is added to NextAttemptAt when a retryable failure is logged, so
	// scanners leave the key alone while this queue still holds the job.
	Lease time.Duration

	// RatePerSec throttles outbound sends across all workers. 0 disables.
	RatePerSec float64
	RateBurst  int
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 5
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.MaxPending <= 0 {
		c.MaxPending = 10000
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 30 * time.Second
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 30 * time.Second
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 15 * time.Minute
	}
	if c.RetryJitter <= 0 {
		c.RetryJitter = 0.2
	}
	if c.Lease <= 0 {
		c.Lease = 15 * time.Minute
	}
	if c.RateBurst <= 0 {
		c.RateBurst = 1
	}
	return c
}

type Stats struct {
	Pending   int    `json:"pending"`
	InFlight  int    `json:"in_flight"`
	Retrying  int    `json:"retrying"`
	Delivered uint64 `json:"delivered"`
	Failed    uint64 `json:"failed"`
}

// Event is the payload of delivery.* bus events.
type Event struct {
	JobID       string    `json:"job_id"`
	Kind        Kind      `json:"kind"`
	RecipientID string    `json:"recipient_id"`
	EntityID    string    `json:"entity_id"`
	Attempts    int       `json:"attempts"`
	MessageID   MessageID `json:"message_id,omitempty"`
	NextAttempt time.Time `json:"next_attempt,omitempty"`
	Error       string    `json:"error,omitempty"`
}

func eventFor(j *Job) Event {
	return Event{JobID: j.ID, Kind: j.Kind, RecipientID: j.RecipientID, EntityID: j.TargetEntityID, Attempts: j.Attempts}
}
