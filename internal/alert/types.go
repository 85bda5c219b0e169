// Package alert turns pipeline failures on the event bus into operator
// alerts (Telegram, Sentry).
package alert

import (
	"context"
	"fmt"
	"strings"
	"time"

	"bikenotify/internal/delivery"
	"bikenotify/internal/eventbus"
	"bikenotify/internal/reminder"
)

type Config struct {
	Enabled     bool
	RatePerSec  float64
	Burst       int
	DedupWindow time.Duration
}

type Alert struct {
	// Key groups repeats for dedup ("scan.failed", "delivery.failed:<kind>").
	Key   string
	Title string
	Text  string
	Err   error
	Tags  map[string]string
	At    time.Time
}

// Format renders the alert as plain text.
func (a Alert) Format() string {
	var b strings.Builder
	b.WriteString("⚠️ ")
	b.WriteString(a.Title)
	if a.Text != "" {
		b.WriteString("\n")
		b.WriteString(a.Text)
	}
	if !a.At.IsZero() {
		b.WriteString("\n")
		b.WriteString(a.At.UTC().Format(time.RFC3339))
	}
	return b.String()
}

// Sink delivers an alert to one channel.
type Sink interface {
	Name() string
	Alert(ctx context.Context, a Alert) error
}

// FromEvent maps the bus events operators care about. Other events
// report false.
func FromEvent(e eventbus.Event) (Alert, bool) {
	switch e.Type {
	case eventbus.TypeScanFailed:
		f, ok := e.Data.(reminder.ScanFailure)
		if !ok {
			return Alert{}, false
		}
		return Alert{
			Key:   e.Type,
			Title: "Reminder scan failed",
			Text:  fmt.Sprintf("source: %s\nerror: %s", f.Source, f.Error),
			Err:   fmt.Errorf("reminder scan (%s): %s", f.Source, f.Error),
			Tags:  map[string]string{"source": string(f.Source)},
			At:    f.At,
		}, true
	case eventbus.TypeDeliveryFailed:
		d, ok := e.Data.(delivery.Event)
		if !ok {
			return Alert{}, false
		}
		return Alert{
			Key:   e.Type + ":" + string(d.Kind),
			Title: "Delivery failed permanently",
			Text: fmt.Sprintf("kind: %s\nrecipient: %s\nentity: %s\nattempts: %d\nerror: %s",
				d.Kind, d.RecipientID, d.EntityID, d.Attempts, d.Error),
			Err:  fmt.Errorf("delivery %s: %s", d.Kind, d.Error),
			Tags: map[string]string{"kind": string(d.Kind), "job": d.JobID},
			At:   e.Time,
		}, true
	}
	return Alert{}, false
}
