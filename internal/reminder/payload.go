package reminder

import (
	"fmt"
	"strings"
	"time"

	"bikenotify/internal/delivery"
	"bikenotify/internal/maintenance"
)

// PayloadBuilder renders the reminder message for a candidate.
type PayloadBuilder interface {
	Build(c maintenance.Candidate) (delivery.Payload, error)
}

// TextPayload renders a plain-text reminder. Dates are shown in Location.
type TextPayload struct {
	Location *time.Location
}

func (b TextPayload) Build(c maintenance.Candidate) (delivery.Payload, error) {
	loc := b.Location
	if loc == nil {
		loc = time.UTC
	}
	bike := strings.TrimSpace(c.BikeName)
	if bike == "" {
		bike = "your bike"
	}
	name := strings.TrimSpace(c.OwnerName)
	if name == "" {
		name = "there"
	}
	what := strings.TrimSpace(c.ServiceDescription)
	if what == "" {
		what = "scheduled maintenance"
	}
	date := c.ScheduledDate.In(loc).Format("Monday, 2 January 2006")

	var body strings.Builder
	fmt.Fprintf(&body, "Hi %s,\n\n", name)
	fmt.Fprintf(&body, "This is a reminder that %s is booked for %s on %s.\n", bike, what, date)
	body.WriteString("\nIf the work is already done, mark it as completed and we will stop reminding you.\n")

	return delivery.Payload{
		Subject: fmt.Sprintf("Upcoming maintenance for %s on %s", bike, c.ScheduledDate.In(loc).Format("2 Jan")),
		Text:    body.String(),
	}, nil
}
