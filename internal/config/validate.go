package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"bikenotify/internal/schedule"
)

// Duration parses a duration field. Empty or zero yields def.
func Duration(path, raw string, def time.Duration) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return def, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	if d == 0 {
		return def, nil
	}
	return d, nil
}

// MustDuration is Duration for fields Validate already checked.
func MustDuration(raw string, def time.Duration) time.Duration {
	d, err := Duration("", raw, def)
	if err != nil {
		return def
	}
	return d
}

// Validate checks the whole config and returns every problem found.
func Validate(c *Config) error {
	if c == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	dur := func(path, raw string) {
		_, err := Duration(path, raw, 0)
		add(err)
	}

	switch strings.ToLower(c.Logging.Level) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		add(fmt.Errorf("logging.level: unknown level %q", c.Logging.Level))
	}
	if c.Logging.File.Enabled && strings.TrimSpace(c.Logging.File.Path) == "" {
		add(errors.New("logging.file.path is required when file logging is enabled"))
	}
	dur("logging.file.max_age", c.Logging.File.MaxAge)
	dur("logging.file.rotation_time", c.Logging.File.RotationTime)
	if c.Logging.Forward.Enabled && c.Telegram.Token == "" {
		add(errors.New("logging.forward needs telegram.token"))
	}

	switch strings.ToLower(c.Storage.Driver) {
	case "", "memory":
	case "sqlite":
		if strings.TrimSpace(c.Storage.Path) == "" {
			add(errors.New("storage.path is required for sqlite"))
		}
	case "postgres":
		if strings.TrimSpace(c.Storage.DSN) == "" {
			add(errors.New("storage.dsn is required for postgres"))
		}
	default:
		add(fmt.Errorf("storage.driver: unknown driver %q", c.Storage.Driver))
	}
	dur("storage.busy_timeout", c.Storage.BusyTimeout)

	if c.Reminders.Schedule != "" {
		if _, err := schedule.ParseSchedule(c.Reminders.Schedule); err != nil {
			add(fmt.Errorf("reminders.schedule: %w", err))
		}
	}
	if tz := strings.TrimSpace(c.Reminders.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			add(fmt.Errorf("reminders.timezone: %w", err))
		}
	}
	dur("reminders.scan_timeout", c.Reminders.ScanTimeout)
	dur("reminders.lease", c.Reminders.Lease)
	dur("reminders.redelivery_window", c.Reminders.RedeliveryWindow)
	if c.Reminders.RedeliveryLimit < 0 {
		add(errors.New("reminders.redelivery_limit must be >= 0"))
	}

	d := c.Delivery
	if d.Workers < 0 || d.MaxAttempts < 0 || d.MaxPending < 0 || d.RateBurst < 0 {
		add(errors.New("delivery: counts must be >= 0"))
	}
	if d.RetryJitter < 0 || d.RetryJitter > 1 {
		add(errors.New("delivery.retry_jitter must be within [0,1]"))
	}
	dur("delivery.poll_interval", d.PollInterval)
	dur("delivery.send_timeout", d.SendTimeout)
	dur("delivery.retry_base", d.RetryBase)
	dur("delivery.retry_max_delay", d.RetryMaxDelay)
	dur("delivery.lease", d.Lease)
	dur("delivery.stop_timeout", d.StopTimeout)

	pr := c.PasswordReset
	dur("password_reset.token_ttl", pr.TokenTTL)
	dur("password_reset.rate_window", pr.RateWindow)
	dur("password_reset.purge_grace", pr.PurgeGrace)
	if pr.RateLimit < 0 {
		add(errors.New("password_reset.rate_limit must be >= 0"))
	}
	if pr.CleanupSchedule != "" {
		if _, err := schedule.ParseSchedule(pr.CleanupSchedule); err != nil {
			add(fmt.Errorf("password_reset.cleanup_schedule: %w", err))
		}
	}
	if pr.LinkBaseURL != "" {
		if u, err := url.Parse(pr.LinkBaseURL); err != nil || u.Scheme == "" || u.Host == "" {
			add(fmt.Errorf("password_reset.link_base_url: not an absolute url: %q", pr.LinkBaseURL))
		}
	}

	switch strings.ToLower(c.Mail.Driver) {
	case "", "log":
	case "smtp":
		if c.Mail.SMTP.Host == "" {
			add(errors.New("mail.smtp.host is required"))
		}
		if c.Mail.From == "" {
			add(errors.New("mail.from is required"))
		}
	case "amqp":
		if c.Mail.AMQP.URL == "" {
			add(errors.New("mail.amqp.url is required"))
		}
	default:
		add(fmt.Errorf("mail.driver: unknown driver %q", c.Mail.Driver))
	}

	if c.Telegram.Token != "" && c.Telegram.ChatID == 0 {
		add(errors.New("telegram.chat_id is required with telegram.token"))
	}
	dur("alerts.dedup_window", c.Alerts.DedupWindow)
	dur("http.request_timeout", c.HTTP.RequestTimeout)
	dur("http.shutdown_grace", c.HTTP.ShutdownGrace)

	return errors.Join(errs...)
}
