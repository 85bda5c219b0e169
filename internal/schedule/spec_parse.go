package schedule

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// SpecKind describes the normalized kind of a schedule string.
type SpecKind int

const (
	SpecCron SpecKind = iota
	SpecDaily
	SpecInterval
)

func (k SpecKind) String() string {
	switch k {
	case SpecDaily:
		return "daily"
	case SpecInterval:
		return "interval"
	default:
		return "cron"
	}
}

// ParsedSpec is a schedule string normalized to a robfig/cron expression.
//
// Supported forms:
//   - Time of day: "08:00" runs daily at 08:00 in the scheduler timezone
//   - Cron: "0 8 * * *", "@daily", "@every 6h"
//   - Interval duration: "55m", "2h30m"
//
// Optional prefixes "cron:", "daily:" and "every:" force the kind.
type ParsedSpec struct {
	Kind SpecKind
	Cron string
}

var reHHMM = regexp.MustCompile(`^\s*(\d{1,2}):(\d{2})\s*$`)

func ParseSchedule(raw string) (ParsedSpec, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return ParsedSpec{}, fmt.Errorf("schedule required")
	}

	low := strings.ToLower(s)
	switch {
	case strings.HasPrefix(low, "cron:"):
		expr := strings.TrimSpace(s[len("cron:"):])
		if expr == "" {
			return ParsedSpec{}, fmt.Errorf("cron schedule required after 'cron:'")
		}
		return ParsedSpec{Kind: SpecCron, Cron: expr}, nil
	case strings.HasPrefix(low, "daily:"):
		return parseDaily(s[len("daily:"):])
	case strings.HasPrefix(low, "every:"):
		return parseEvery(s[len("every:"):])
	}

	// Any whitespace or a leading '@' means cron.
	if strings.ContainsAny(s, " \t\n\r") || strings.HasPrefix(s, "@") {
		return ParsedSpec{Kind: SpecCron, Cron: s}, nil
	}
	if reHHMM.MatchString(s) {
		return parseDaily(s)
	}
	if _, err := time.ParseDuration(s); err == nil {
		return parseEvery(s)
	}

	return ParsedSpec{}, fmt.Errorf(
		"invalid schedule %q (use HH:MM like '08:00', cron like '0 8 * * *', or duration like '6h')",
		raw,
	)
}

func parseDaily(v string) (ParsedSpec, error) {
	h, m, err := parseHHMM(v)
	if err != nil {
		return ParsedSpec{}, err
	}
	return ParsedSpec{Kind: SpecDaily, Cron: fmt.Sprintf("%d %d * * *", m, h)}, nil
}

func parseEvery(v string) (ParsedSpec, error) {
	v = strings.TrimSpace(v)
	d, err := time.ParseDuration(v)
	if err != nil {
		return ParsedSpec{}, fmt.Errorf("invalid interval %q: %w", v, err)
	}
	if d <= 0 {
		return ParsedSpec{}, fmt.Errorf("interval must be > 0")
	}
	return ParsedSpec{Kind: SpecInterval, Cron: "@every " + d.String()}, nil
}

func parseHHMM(s string) (hour int, minute int, err error) {
	m := reHHMM.FindStringSubmatch(s)
	if len(m) != 3 {
		return 0, 0, fmt.Errorf("invalid time %q, expected HH:MM", strings.TrimSpace(s))
	}
	h, _ := strconv.Atoi(m[1])
	if h > 23 {
		return 0, 0, fmt.Errorf("invalid hour in %q", s)
	}
	mm, _ := strconv.Atoi(m[2])
	if mm > 59 {
		return 0, 0, fmt.Errorf("invalid minute in %q", s)
	}
	return h, mm, nil
}
