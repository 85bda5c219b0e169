package alert

import (
	"context"
	"errors"
	"time"

	"github.com/getsentry/sentry-go"
)

type SentryConfig struct {
	DSN         string
	Environment string
	Release     string
	// BeforeSend can inspect or drop events before they leave the process.
	BeforeSend func(*sentry.Event, *sentry.EventHint) *sentry.Event
}

// Sentry reports alerts as Sentry events on a dedicated hub.
type Sentry struct {
	hub *sentry.Hub
}

func NewSentry(cfg SentryConfig) (*Sentry, error) {
	if cfg.DSN == "" {
		return nil, errors.New("sentry dsn is empty")
	}
	client, err := sentry.NewClient(sentry.ClientOptions{
		Dsn:              cfg.DSN,
		Environment:      cfg.Environment,
		Release:          cfg.Release,
		AttachStacktrace: true,
		BeforeSend:       cfg.BeforeSend,
	})
	if err != nil {
		return nil, err
	}
	return &Sentry{hub: sentry.NewHub(client, sentry.NewScope())}, nil
}

func (s *Sentry) Name() string { return "sentry" }

func (s *Sentry) Alert(ctx context.Context, a Alert) error {
	s.hub.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("alert", a.Key)
		for k, v := range a.Tags {
			scope.SetTag(k, v)
		}
		if a.Err != nil {
			s.hub.CaptureException(a.Err)
			return
		}
		s.hub.CaptureMessage(a.Title)
	})
	return nil
}

// Flush waits for buffered events to be sent.
func (s *Sentry) Flush(timeout time.Duration) bool {
	return s.hub.Flush(timeout)
}
