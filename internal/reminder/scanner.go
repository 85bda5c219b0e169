// Package reminder decides which scheduled maintenance records are due for a
// reminder and hands each one to the delivery queue at most once.
//
// A scan claims every due key in the delivery log before it builds a job.
// Claims are leased: a key whose lease is live belongs to a queue; a key
// whose lease lapsed without an outcome is claimed again by a later scan.
package reminder

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bikenotify/internal/delivery"
	"bikenotify/internal/deliverylog"
	"bikenotify/internal/maintenance"
	"bikenotify/internal/ratewindow"
	logx "bikenotify/pkg/logx"
)

var (
	// ErrScanSourceUnavailable wraps a failure to read maintenance records.
	ErrScanSourceUnavailable = errors.New("maintenance source unavailable")
	// ErrScanInProgress is returned to a trigger that arrives while a scan runs.
	ErrScanInProgress = errors.New("reminder scan already in progress")
)

type ScannerConfig struct {
	// MaxAttempts must match the delivery queue's budget.
	MaxAttempts int
	// Lease bounds how long a claim blocks other scans.
	Lease time.Duration
}

func (c ScannerConfig) withDefaults() ScannerConfig {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.Lease <= 0 {
		c.Lease = time.Hour
	}
	return c
}

type Scanner struct {
	cfg     ScannerConfig
	src     maintenance.Source
	dlog    deliverylog.Store
	builder PayloadBuilder
	// redelivery caps how often one key may be re-claimed after a lapsed
	// lease or a retryable failure. nil disables the cap.
	redelivery *ratewindow.Window
	log        logx.Logger
}

func NewScanner(cfg ScannerConfig, src maintenance.Source, dlog deliverylog.Store, builder PayloadBuilder, redelivery *ratewindow.Window, log logx.Logger) *Scanner {
	if builder == nil {
		builder = TextPayload{}
	}
	return &Scanner{
		cfg:        cfg.withDefaults(),
		src:        src,
		dlog:       dlog,
		builder:    builder,
		redelivery: redelivery,
		log:        log,
	}
}

// Outcome classifies one candidate during a scan.
type Outcome int

const (
	OutcomeNotDue Outcome = iota
	OutcomeClaimed
	OutcomeSent
	OutcomeExhausted
	OutcomeLeased
	OutcomeLostRace
	OutcomeRateLimited
	OutcomeError
)

// Report summarizes a scan.
type Report struct {
	At         time.Time
	Candidates int
	Due        int
	Jobs       []delivery.Job
	// Suppressed counts due records skipped because of the delivery log.
	Suppressed int
	Errors     int
}

// Scan returns one job per due record that this call claimed. Running it
// twice at the same instant yields an empty second result.
func (s *Scanner) Scan(ctx context.Context, now time.Time) ([]delivery.Job, error) {
	r, err := s.scan(ctx, now)
	return r.Jobs, err
}

func (s *Scanner) scan(ctx context.Context, now time.Time) (Report, error) {
	r := Report{At: now}
	cands, err := s.src.ListPending(ctx, now)
	if err != nil {
		return r, fmt.Errorf("%w: %w", ErrScanSourceUnavailable, err)
	}
	r.Candidates = len(cands)

	for _, c := range cands {
		if err := ctx.Err(); err != nil {
			return r, err
		}
		if !c.DueAt(now) {
			continue
		}
		r.Due++

		job, outcome, err := s.claim(ctx, c, now)
		switch outcome {
		case OutcomeClaimed:
			r.Jobs = append(r.Jobs, job)
		case OutcomeError:
			r.Errors++
			s.log.Error("reminder claim failed", logx.String("maintenance", c.ID), logx.String("owner", c.OwnerID), logx.Err(err))
		default:
			r.Suppressed++
			s.log.Trace("reminder suppressed", logx.String("maintenance", c.ID), logx.Int("outcome", int(outcome)))
		}
	}
	return r, nil
}

func (s *Scanner) claim(ctx context.Context, c maintenance.Candidate, now time.Time) (delivery.Job, Outcome, error) {
	key := deliverylog.Key{RecipientID: c.OwnerID, EntityID: c.ID, Kind: deliverylog.KindMaintenanceReminder}
	if c.OwnerEmail == "" {
		return delivery.Job{}, OutcomeError, errors.New("owner has no email address")
	}

	cur, found, err := s.dlog.Find(ctx, key)
	if err != nil {
		return delivery.Job{}, OutcomeError, err
	}
	switch {
	case found && cur.Suppresses(s.cfg.MaxAttempts):
		if cur.Status == deliverylog.StatusSent {
			return delivery.Job{}, OutcomeSent, nil
		}
		return delivery.Job{}, OutcomeExhausted, nil
	case found && cur.Leased(now):
		return delivery.Job{}, OutcomeLeased, nil
	}

	payload, err := s.builder.Build(c)
	if err != nil {
		return delivery.Job{}, OutcomeError, fmt.Errorf("build payload: %w", err)
	}

	claim := deliverylog.Entry{
		Key:        key,
		Status:     deliverylog.StatusQueued,
		UpdatedAt:  now,
		LeaseUntil: now.Add(s.cfg.Lease),
	}

	if !found {
		ok, err := s.dlog.InsertIfAbsent(ctx, claim)
		if err != nil {
			return delivery.Job{}, OutcomeError, err
		}
		if !ok {
			return delivery.Job{}, OutcomeLostRace, nil
		}
	} else {
		if s.redelivery != nil {
			ok, err := s.redelivery.TryRecordActivity(ctx, key.String(), now)
			if err != nil {
				return delivery.Job{}, OutcomeError, err
			}
			if !ok {
				return delivery.Job{}, OutcomeRateLimited, nil
			}
		}
		claim.AttemptCount = cur.AttemptCount
		claim.LastError = cur.LastError
		ok, err := s.dlog.CompareAndSwap(ctx, cur.Version, claim)
		if err != nil {
			return delivery.Job{}, OutcomeError, err
		}
		if !ok {
			return delivery.Job{}, OutcomeLostRace, nil
		}
	}

	return delivery.Job{
		Kind:           deliverylog.KindMaintenanceReminder,
		TargetEntityID: c.ID,
		RecipientID:    c.OwnerID,
		Recipient:      c.OwnerEmail,
		Payload:        payload,
		Attempts:       claim.AttemptCount,
	}, OutcomeClaimed, nil
}
