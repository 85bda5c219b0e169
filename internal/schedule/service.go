package schedule

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	logx "bikenotify/pkg/logx"
)

type Config struct {
	Enabled  bool
	Timezone string // IANA TZ, e.g. "Europe/Berlin"
}

// Job is the unit a schedule fires. ctx carries the per-run timeout.
type Job func(ctx context.Context) error

// ErrSkipped is recorded when a tick arrives while the previous run is still going.
var ErrSkipped = errors.New("schedule skipped: previous run still in progress")

type def struct {
	name    string
	spec    string
	kind    SpecKind
	timeout time.Duration
	job     Job
	entryID cron.EntryID

	running atomic.Bool
	stats   *runStats
}

type runStats struct {
	mu      sync.Mutex
	lastRun time.Time
	lastDur time.Duration
	lastErr string
	runs    uint64
	skips   uint64
}

type Service struct {
	mu sync.Mutex

	log    logx.Logger
	cfg    Config
	loc    *time.Location
	parser cron.Parser
	c      *cron.Cron
	ctx    context.Context
	defs   []*def

	warnMu   sync.Mutex
	lastWarn map[string]time.Time
}

const warnThrottle = 5 * time.Second

func New(cfg Config, log logx.Logger) *Service {
	return &Service{
		cfg: cfg,
		log: log,
		// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
		parser:   cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		ctx:      context.Background(),
		lastWarn: map[string]time.Time{},
	}
}

// Add registers (or replaces) the schedule called name.
func (s *Service) Add(name, schedule string, timeout time.Duration, job Job) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("schedule name required")
	}
	if job == nil {
		return errors.New("schedule job required")
	}
	ps, err := ParseSchedule(schedule)
	if err != nil {
		return err
	}
	if _, err := s.parser.Parse(ps.Cron); err != nil {
		return fmt.Errorf("schedule %s: %w", name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(name)
	d := &def{name: name, spec: ps.Cron, kind: ps.Kind, timeout: timeout, job: job, stats: &runStats{}}
	s.defs = append(s.defs, d)
	if s.c != nil {
		if err := s.registerLocked(d); err != nil {
			return err
		}
		s.log.Debug("schedule registered", logx.String("name", name), logx.String("spec", d.spec), logx.String("next", s.previewLocked(d.spec, 3)))
	}
	return nil
}

// Remove unschedules name. It reports whether anything was removed.
func (s *Service) Remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeLocked(strings.TrimSpace(name))
}

func (s *Service) removeLocked(name string) bool {
	n := 0
	removed := false
	for _, d := range s.defs {
		if d.name == name {
			if s.c != nil && d.entryID != 0 {
				s.c.Remove(d.entryID)
			}
			removed = true
			continue
		}
		s.defs[n] = d
		n++
	}
	s.defs = s.defs[:n]
	return removed
}

func (s *Service) registerLocked(d *def) error {
	eid, err := s.c.AddFunc(d.spec, func() { s.run(d) })
	if err != nil {
		return fmt.Errorf("schedule %s: %w", d.name, err)
	}
	d.entryID = eid
	return nil
}

// RunNow fires name immediately on the calling goroutine, honouring the
// overlap guard.
func (s *Service) RunNow(name string) error {
	s.mu.Lock()
	var target *def
	for _, d := range s.defs {
		if d.name == name {
			target = d
		}
	}
	s.mu.Unlock()
	if target == nil {
		return fmt.Errorf("schedule %q not found", name)
	}
	return s.run(target)
}

func (s *Service) run(d *def) error {
	if !d.running.CompareAndSwap(false, true) {
		d.stats.mu.Lock()
		d.stats.skips++
		d.stats.mu.Unlock()
		s.log.Debug("schedule tick skipped", logx.String("name", d.name))
		return ErrSkipped
	}
	defer d.running.Store(false)

	s.mu.Lock()
	base := s.ctx
	s.mu.Unlock()
	ctx := base
	var cancel context.CancelFunc
	if d.timeout > 0 {
		ctx, cancel = context.WithTimeout(base, d.timeout)
		defer cancel()
	}

	start := time.Now()
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
				s.log.Error("schedule.panic", logx.String("name", d.name), logx.Any("panic", r), logx.Stack(logx.StackTrace(3, 24)))
			}
		}()
		return d.job(ctx)
	}()
	dur := time.Since(start)

	d.stats.mu.Lock()
	d.stats.runs++
	d.stats.lastRun = start
	d.stats.lastDur = dur
	d.stats.lastErr = ""
	if err != nil {
		d.stats.lastErr = err.Error()
	}
	d.stats.mu.Unlock()

	if err != nil {
		s.reportError(d.name, err)
	} else {
		s.log.Debug("schedule run completed", logx.String("name", d.name), logx.Duration("dur", dur))
	}
	return err
}

func (s *Service) reportError(name string, err error) {
	now := time.Now()
	s.warnMu.Lock()
	last := s.lastWarn[name]
	if !last.IsZero() && now.Sub(last) < warnThrottle {
		s.warnMu.Unlock()
		return
	}
	s.lastWarn[name] = now
	s.warnMu.Unlock()
	s.log.Warn("schedule run failed", logx.String("name", name), logx.Err(err))
}

// Start begins cron triggering. ctx is the parent of every job run.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil || !s.cfg.Enabled {
		return
	}
	s.ctx = ctx
	s.loc = s.loadLocationLocked()
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(s.loc))
	for _, d := range s.defs {
		if err := s.registerLocked(d); err != nil {
			s.log.Error("schedule register failed", logx.String("name", d.name), logx.String("spec", d.spec), logx.Err(err))
		}
	}
	s.c.Start()
	s.log.Info("scheduler started", logx.String("tz", s.loc.String()), logx.Int("schedules", len(s.defs)))
}

// Stop stops triggering and waits for running jobs until ctx expires.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	for _, d := range s.defs {
		d.entryID = 0
	}
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
		s.log.Info("scheduler stopped")
	case <-ctx.Done():
		s.log.Warn("scheduler stop timed out", logx.Err(ctx.Err()))
	}
}

func (s *Service) Location() *time.Location {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loc != nil {
		return s.loc
	}
	return s.loadLocationLocked()
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; falling back to Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

// previewLocked lists the next n run times of spec for debug logs.
func (s *Service) previewLocked(spec string, n int) string {
	if !s.log.Enabled(logx.LevelDebug) {
		return ""
	}
	sched, err := s.parser.Parse(spec)
	if err != nil {
		return ""
	}
	t := time.Now().In(s.loadLocationLocked())
	parts := make([]string, 0, n)
	for i := 0; i < n; i++ {
		t = sched.Next(t)
		if t.IsZero() {
			break
		}
		parts = append(parts, t.Format("2006-01-02 15:04:05"))
	}
	return strings.Join(parts, ", ")
}
