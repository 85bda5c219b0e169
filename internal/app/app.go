package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/redis/go-redis/v9"

	"bikenotify/internal/alert"
	"bikenotify/internal/config"
	"bikenotify/internal/delivery"
	"bikenotify/internal/eventbus"
	"bikenotify/internal/httpapi"
	"bikenotify/internal/ratewindow"
	"bikenotify/internal/reminder"
	"bikenotify/internal/resettoken"
	rtsup "bikenotify/internal/runtime/supervisor"
	"bikenotify/internal/schedule"
	logx "bikenotify/pkg/logx"
)

// Option customizes App construction.
type Option func(*App)

// WithClock replaces the wall clock used by the pipeline.
func WithClock(clk clock.Clock) Option { return func(a *App) { a.clk = clk } }

type App struct {
	cfgm *config.Manager
	sup  *rtsup.Supervisor
	clk  clock.Clock

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	st     stores
	redis  redis.UniversalClient
	mailer mailSender

	queue     *delivery.Queue
	reminders *reminder.Service
	resets    *resettoken.Issuer
	sched     *schedule.Service
	alerts    *alert.Service
	sentry    *alert.Sentry
	http      *httpapi.Server

	remindersEnabled bool
	startupScan      bool
	shutdownGrace    time.Duration
	queueStop        time.Duration
}

// New loads the config at cfgPath and builds every component. Nothing runs
// until Start.
func New(ctx context.Context, cfgPath string, opts ...Option) (a *App, err error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	a = &App{cfgm: cfgm, clk: clock.New()}
	for _, o := range opts {
		o(a)
	}

	// Logging comes up first without the forward sink; the telegram sink
	// is attached once alerts are built.
	logSvc, log := logx.New(mapLogging(cfg.Logging), nil)
	a.logs = logSvc
	a.log = log.With(logx.String("comp", "app"))
	a.bus = eventbus.New()
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	defer func() {
		if err != nil {
			a.closeResources()
		}
	}()

	sinks, tg, sn := alertSinks(cfg, a.log)
	if tg != nil {
		logSvc.SetForwarder(tg)
	}
	a.sentry = sn
	a.alerts = alert.New(mapAlerts(cfg.Alerts), log, a.bus, a.clk, sinks...)

	a.st, err = openStores(ctx, cfg.Storage, log)
	if err != nil {
		return nil, err
	}
	a.redis, err = openRedis(ctx, cfg.Redis, log)
	if err != nil {
		return nil, err
	}
	a.mailer, err = newSender(ctx, cfg.Mail, a.clk, log)
	if err != nil {
		return nil, err
	}

	qcfg := mapDelivery(cfg.Delivery)
	a.queue = delivery.New(qcfg, a.mailer, a.st.dlog,
		delivery.WithLogger(log),
		delivery.WithBus(a.bus),
		delivery.WithClock(a.clk),
	)
	a.queueStop = config.MustDuration(cfg.Delivery.StopTimeout, 10*time.Second)

	loc := time.UTC
	if tz := strings.TrimSpace(cfg.Reminders.Timezone); tz != "" {
		if l, lerr := time.LoadLocation(tz); lerr == nil {
			loc = l
		}
	}
	var redelivery *ratewindow.Window
	if n := cfg.Reminders.RedeliveryLimit; n > 0 {
		redelivery = newWindow(a.redis, cfg.Redis.Prefix, "redelivery", n,
			config.MustDuration(cfg.Reminders.RedeliveryWindow, 24*time.Hour))
	}
	scanner := reminder.NewScanner(mapScanner(cfg, a.queue.Config()), a.st.maint, a.st.dlog,
		reminder.TextPayload{Location: loc}, redelivery, log)
	a.reminders = reminder.NewService(scanner, a.queue, a.clk, log, a.bus)

	limiter := newWindow(a.redis, cfg.Redis.Prefix, "reset", cfg.PasswordReset.RateLimit,
		config.MustDuration(cfg.PasswordReset.RateWindow, time.Hour))
	a.resets = resettoken.NewIssuer(mapReset(cfg.PasswordReset), a.st.users, a.st.tokens, limiter, a.queue, a.clk, log, a.bus)

	// The scheduler always runs; reminders.enabled only decides whether the
	// scan is registered on it.
	a.sched = schedule.New(schedule.Config{
		Enabled:  true,
		Timezone: cfg.Reminders.Timezone,
	}, log)
	a.remindersEnabled = cfg.Reminders.Enabled
	if a.remindersEnabled {
		scanTimeout := config.MustDuration(cfg.Reminders.ScanTimeout, 10*time.Minute)
		if err = a.sched.Add("reminders.scan", orDefault(cfg.Reminders.Schedule, defaultReminderSchedule), scanTimeout,
			a.reminders.Job(reminder.SourceCron)); err != nil {
			return nil, fmt.Errorf("reminders.schedule: %w", err)
		}
	}
	if err = a.sched.Add("password_reset.cleanup", orDefault(cfg.PasswordReset.CleanupSchedule, defaultCleanupSchedule), time.Minute,
		a.purgeTokens); err != nil {
		return nil, fmt.Errorf("password_reset.cleanup_schedule: %w", err)
	}

	router := httpapi.NewRouter(mapHTTP(cfg.HTTP), httpapi.Deps{
		Reminders: a.reminders,
		Queue:     a.queue,
		Schedules: a.sched,
		Resets:    a.resets,
		Runtime:   a,
		Ready:     a.ready,
	}, log)
	if addr := strings.TrimSpace(cfg.HTTP.Addr); addr != "" {
		a.http = httpapi.NewServer(addr, router, log)
	}
	a.shutdownGrace = config.MustDuration(cfg.HTTP.ShutdownGrace, 5*time.Second)
	a.startupScan = a.remindersEnabled && cfg.StartupScan()
	return a, nil
}

func (a *App) Reminders() *reminder.Service { return a.reminders }
func (a *App) Resets() *resettoken.Issuer   { return a.resets }
func (a *App) Queue() *delivery.Queue       { return a.queue }
func (a *App) Bus() eventbus.Bus            { return a.bus }

// HTTPAddr is the bound listen address, or "" when HTTP is off.
func (a *App) HTTPAddr() string {
	if a.http == nil {
		return ""
	}
	return a.http.Addr()
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Supervisors snapshots the running goroutine supervisors by component.
func (a *App) Supervisors() map[string]rtsup.Snapshot {
	out := map[string]rtsup.Snapshot{}
	for name, sup := range map[string]*rtsup.Supervisor{
		"app":      a.sup,
		"delivery": a.queue.Supervisor(),
		"alerts":   a.alerts.Supervisor(),
	} {
		if sup != nil {
			out[name] = sup.Snapshot()
		}
	}
	return out
}

func (a *App) ready(ctx context.Context) error {
	if a.st.db != nil {
		if err := a.st.db.Ping(ctx); err != nil {
			return fmt.Errorf("storage: %w", err)
		}
	}
	if a.redis != nil {
		if err := a.redis.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
	}
	return nil
}

func (a *App) purgeTokens(ctx context.Context) error {
	_, err := a.resets.Purge(ctx)
	return err
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	c := a.sup.Context()

	if a.http != nil {
		if err := a.http.Listen(); err != nil {
			return fmt.Errorf("http listen: %w", err)
		}
		a.sup.Go("http.serve", a.http.Serve)
	}

	a.alerts.Start(c)
	a.queue.Start(c)
	a.sched.Start(c)

	if a.startupScan {
		a.sup.Go("reminders.startup", func(c context.Context) error {
			if _, err := a.reminders.Trigger(c, reminder.SourceStartup); err != nil {
				a.log.Warn("startup scan failed", logx.Err(err))
			}
			return nil
		})
	}

	a.sup.Go("eventbus.log", func(c context.Context) error {
		events, unsub := a.bus.Subscribe(128)
		defer unsub()
		for {
			select {
			case <-c.Done():
				return nil
			case e, ok := <-events:
				if !ok {
					return nil
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return nil
			case newCfg, ok := <-sub:
				if !ok {
					return nil
				}
				a.applyConfig(lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})
	a.sup.GoRestart("config.watch", a.cfgm.Watch,
		rtsup.WithRestartBackoff(time.Second, 30*time.Second),
		rtsup.WithPublishFirstError(false),
	)

	a.log.Info("app started",
		logx.Bool("reminders", a.remindersEnabled),
		logx.String("http", a.HTTPAddr()),
	)
	return nil
}

// applyConfig hot-applies logging. Every other section needs a restart.
func (a *App) applyConfig(oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	a.logs.Apply(mapLogging(newCfg.Logging))

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	if config.RestartRequired(sections) {
		a.log.Warn("config changed; restart required for non-logging sections to take effect", fields...)
		return
	}
	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		a.closeResources()
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Duration("elapsed", time.Since(start)),
			)
		}
	}

	// Triggers go first so nothing new enters the queue while it drains.
	step("http", a.shutdownGrace, func(c context.Context) error {
		if a.http == nil {
			return nil
		}
		return a.http.Shutdown(c)
	})
	step("scheduler", 5*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("delivery", a.queueStop, a.queue.Stop)
	step("alerts", 2*time.Second, func(c context.Context) error { a.alerts.Stop(c); return nil })
	step("supervisor", 2*time.Second, a.sup.Stop)

	a.closeResources()
	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

func (a *App) closeResources() {
	if a.mailer != nil {
		if err := a.mailer.Close(); err != nil {
			a.log.Warn("mail sender close failed", logx.Err(err))
		}
		a.mailer = nil
	}
	if a.redis != nil {
		_ = a.redis.Close()
		a.redis = nil
	}
	if a.st.db != nil {
		if err := a.st.db.Close(); err != nil {
			a.log.Warn("storage close failed", logx.Err(err))
		}
		a.st.db = nil
	}
	if a.sentry != nil {
		a.sentry.Flush(2 * time.Second)
	}
}
