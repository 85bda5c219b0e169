package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/redis/go-redis/v9"
	"github.com/wb-go/wbf/retry"

	"bikenotify/internal/alert"
	"bikenotify/internal/config"
	"bikenotify/internal/delivery"
	"bikenotify/internal/deliverylog"
	"bikenotify/internal/httpapi"
	"bikenotify/internal/maintenance"
	"bikenotify/internal/ratewindow"
	"bikenotify/internal/reminder"
	"bikenotify/internal/resettoken"
	"bikenotify/internal/sender"
	"bikenotify/internal/storage"
	logx "bikenotify/pkg/logx"
)

const (
	defaultReminderSchedule = "08:00"
	defaultCleanupSchedule  = "@hourly"
)

func mapLogging(c config.LoggingConfig) logx.Config {
	return logx.Config{
		Level:   c.Level,
		Console: c.Console,
		File: logx.FileConfig{
			Enabled:      c.File.Enabled,
			Path:         c.File.Path,
			MaxAge:       config.MustDuration(c.File.MaxAge, 0),
			RotationTime: config.MustDuration(c.File.RotationTime, 0),
		},
		Forward: logx.ForwardConfig{
			Enabled:    c.Forward.Enabled,
			MinLevel:   c.Forward.MinLevel,
			RatePerSec: c.Forward.RatePerSec,
		},
	}
}

func mapStorage(c config.StorageConfig) storage.Config {
	return storage.Config{
		Driver:          strings.ToLower(strings.TrimSpace(c.Driver)),
		Path:            strings.TrimSpace(c.Path),
		DSN:             c.DSN,
		BusyTimeout:     config.MustDuration(c.BusyTimeout, time.Second),
		MaxOpenConns:    c.MaxOpenConns,
		ConnectAttempts: c.ConnectAttempts,
	}
}

func mapDelivery(c config.DeliveryConfig) delivery.Config {
	return delivery.Config{
		Workers:       c.Workers,
		PollInterval:  config.MustDuration(c.PollInterval, 0),
		MaxAttempts:   c.MaxAttempts,
		MaxPending:    c.MaxPending,
		SendTimeout:   config.MustDuration(c.SendTimeout, 0),
		RetryBase:     config.MustDuration(c.RetryBase, 0),
		RetryMaxDelay: config.MustDuration(c.RetryMaxDelay, 0),
		RetryJitter:   c.RetryJitter,
		Lease:         config.MustDuration(c.Lease, 0),
		RatePerSec:    c.RatePerSec,
		RateBurst:     c.RateBurst,
	}
}

// mapScanner keeps the scanner's attempt budget equal to the queue's.
func mapScanner(c *config.Config, q delivery.Config) reminder.ScannerConfig {
	return reminder.ScannerConfig{
		MaxAttempts: q.MaxAttempts,
		Lease:       config.MustDuration(c.Reminders.Lease, 0),
	}
}

func mapReset(c config.PasswordResetConfig) resettoken.Config {
	return resettoken.Config{
		TTL:         config.MustDuration(c.TokenTTL, 0),
		LinkBaseURL: c.LinkBaseURL,
		PurgeGrace:  config.MustDuration(c.PurgeGrace, 0),
	}
}

func mapAlerts(c config.AlertsConfig) alert.Config {
	return alert.Config{
		Enabled:     c.Enabled,
		RatePerSec:  c.RatePerSec,
		Burst:       c.Burst,
		DedupWindow: config.MustDuration(c.DedupWindow, 0),
	}
}

func mapHTTP(c config.HTTPConfig) httpapi.Config {
	return httpapi.Config{
		Addr:           c.Addr,
		OpsSecret:      c.OpsSecret,
		PProf:          c.PProf,
		RequestTimeout: config.MustDuration(c.RequestTimeout, 0),
	}
}

// stores groups the persistence behind the pipeline. db is nil when
// everything lives in process memory.
type stores struct {
	db     *storage.DB
	dlog   deliverylog.Store
	maint  maintenance.Source
	users  resettoken.UserDirectory
	tokens resettoken.Store
}

func openStores(ctx context.Context, c config.StorageConfig, log logx.Logger) (stores, error) {
	db, err := storage.Open(ctx, mapStorage(c), log)
	if err != nil {
		return stores{}, err
	}
	if db == nil {
		log.Warn("storage driver is memory; reminders, users and tokens are not persisted")
		return stores{
			dlog:   deliverylog.NewMemoryStore(),
			maint:  maintenance.NewMemorySource(),
			users:  resettoken.NewMemoryUsers(),
			tokens: resettoken.NewMemoryStore(),
		}, nil
	}
	return stores{
		db:     db,
		dlog:   db.DeliveryLog(),
		maint:  db.Maintenance(),
		users:  db.Users(),
		tokens: db.ResetTokens(),
	}, nil
}

// openRedis returns nil when no address is configured.
func openRedis(ctx context.Context, c config.RedisConfig, log logx.Logger) (redis.UniversalClient, error) {
	addr := strings.TrimSpace(c.Addr)
	if addr == "" {
		return nil, nil
	}
	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    []string{addr},
		Password: c.Password,
		DB:       c.DB,
	})
	strategy := retry.Strategy{Attempts: 5, Delay: 500 * time.Millisecond, Backoff: 2}
	if err := retry.DoContext(ctx, strategy, func() error {
		pctx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()
		return client.Ping(pctx).Err()
	}); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	log.Info("redis connected", logx.String("addr", addr), logx.Int("db", c.DB))
	return client, nil
}

// newWindow builds a limiter on redis when available, otherwise in memory.
func newWindow(client redis.UniversalClient, prefix, name string, limit int, window time.Duration) *ratewindow.Window {
	if client == nil {
		return ratewindow.New(limit, window, nil)
	}
	if prefix == "" {
		prefix = "bikenotify:"
	}
	return ratewindow.New(limit, window, ratewindow.NewRedisStore(client, prefix+name+":", 2*window))
}

// mailSender is a delivery.Sender that may hold a connection.
type mailSender interface {
	delivery.Sender
	Close() error
}

type nopCloser struct{ delivery.Sender }

func (nopCloser) Close() error { return nil }

func newSender(ctx context.Context, c config.MailConfig, clk clock.Clock, log logx.Logger) (mailSender, error) {
	switch strings.ToLower(strings.TrimSpace(c.Driver)) {
	case "", "log":
		return nopCloser{sender.NewLog(log)}, nil
	case "smtp":
		s, err := sender.NewSMTP(sender.SMTPConfig{
			Host:        c.SMTP.Host,
			Port:        c.SMTP.Port,
			Username:    c.SMTP.Username,
			Password:    c.SMTP.Password,
			From:        c.From,
			StartTLS:    c.SMTP.StartTLS,
			ImplicitTLS: c.SMTP.ImplicitTLS,
		}, clk, log)
		if err != nil {
			return nil, err
		}
		return nopCloser{s}, nil
	case "amqp":
		a, err := sender.NewAMQP(sender.AMQPConfig{
			URL:        c.AMQP.URL,
			Exchange:   c.AMQP.Exchange,
			RoutingKey: c.AMQP.RoutingKey,
			From:       c.From,
		}, clk, log)
		if err != nil {
			return nil, err
		}
		if err := a.Connect(ctx); err != nil {
			return nil, err
		}
		return a, nil
	default:
		return nil, fmt.Errorf("mail.driver: unknown driver %q", c.Driver)
	}
}

// alertSinks builds the configured channels. The telegram sink is also
// returned separately so it can serve as the log forwarder.
func alertSinks(c *config.Config, log logx.Logger) ([]alert.Sink, *alert.Telegram, *alert.Sentry) {
	var (
		sinks []alert.Sink
		tg    *alert.Telegram
		sn    *alert.Sentry
	)
	if c.Telegram.Token != "" {
		t, err := alert.NewTelegram(alert.TelegramConfig{
			Token:    c.Telegram.Token,
			ChatID:   c.Telegram.ChatID,
			ThreadID: c.Telegram.ThreadID,
		})
		if err != nil {
			log.Warn("telegram alerts disabled", logx.Err(err))
		} else {
			tg = t
			sinks = append(sinks, t)
		}
	}
	if c.Sentry.DSN != "" {
		env := c.Environment
		if env == "" {
			env = "development"
		}
		s, err := alert.NewSentry(alert.SentryConfig{
			DSN:         c.Sentry.DSN,
			Environment: env,
			Release:     c.Sentry.Release,
		})
		if err != nil {
			log.Warn("sentry alerts disabled", logx.Err(err))
		} else {
			sn = s
			sinks = append(sinks, s)
		}
	}
	return sinks, tg, sn
}

func orDefault(s, def string) string {
	if strings.TrimSpace(s) == "" {
		return def
	}
	return s
}
