package alert

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/time/rate"

	"bikenotify/internal/eventbus"
	rtsup "bikenotify/internal/runtime/supervisor"
	logx "bikenotify/pkg/logx"
)

const maxDedupEntries = 1000

// Service forwards failure events to every sink, with a global token
// bucket and a per-key dedup window.
type Service struct {
	mu sync.Mutex

	cfg     Config
	log     logx.Logger
	bus     eventbus.Bus
	clk     clock.Clock
	sinks   []Sink
	limiter *rate.Limiter

	dedup   map[string]time.Time
	dropped int

	sup   *rtsup.Supervisor
	unsub func()
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus, clk clock.Clock, sinks ...Sink) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if clk == nil {
		clk = clock.New()
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 0.5
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 5
	}
	if cfg.DedupWindow < 0 {
		cfg.DedupWindow = 0
	}
	out := make([]Sink, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	return &Service{
		cfg:     cfg,
		log:     log.With(logx.String("comp", "alert")),
		bus:     bus,
		clk:     clk,
		sinks:   out,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.Burst),
		dedup:   map[string]time.Time{},
	}
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sup != nil || !s.cfg.Enabled || len(s.sinks) == 0 || s.bus == nil {
		return
	}
	ch, unsub := s.bus.Subscribe(64, eventbus.TypeScanFailed, eventbus.TypeDeliveryFailed)
	s.unsub = unsub
	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log))
	s.sup.Go("alert.loop", func(ctx context.Context) error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case e, ok := <-ch:
				if !ok {
					return nil
				}
				if a, ok := FromEvent(e); ok {
					s.Dispatch(ctx, a)
				}
			}
		}
	})
	names := make([]string, 0, len(s.sinks))
	for _, sk := range s.sinks {
		names = append(names, sk.Name())
	}
	s.log.Info("alerts started", logx.Any("sinks", names))
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	sup, unsub := s.sup, s.unsub
	s.sup, s.unsub = nil, nil
	s.mu.Unlock()
	if sup == nil {
		return
	}
	unsub()
	if err := sup.Stop(ctx); err != nil && ctx.Err() != nil {
		s.log.Warn("alert stop timed out")
	}
}

// Dispatch sends a to every sink unless it is a repeat inside the dedup
// window or the rate limit is exhausted. It reports whether it was sent.
func (s *Service) Dispatch(ctx context.Context, a Alert) bool {
	now := s.clk.Now()
	if !s.admit(a.Key, now) {
		return false
	}
	for _, sk := range s.sinks {
		sctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err := sk.Alert(sctx, a)
		cancel()
		if err != nil {
			s.log.Warn("alert sink failed", logx.String("sink", sk.Name()), logx.String("key", a.Key), logx.Err(err))
		}
	}
	return true
}

func (s *Service) admit(key string, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cfg.DedupWindow > 0 && key != "" {
		if until, ok := s.dedup[key]; ok && now.Before(until) {
			s.dropped++
			return false
		}
	}
	if !s.limiter.AllowN(now, 1) {
		s.dropped++
		if s.dropped%10 == 1 {
			s.log.Warn("alerts rate limited", logx.Int("dropped", s.dropped))
		}
		return false
	}
	if s.cfg.DedupWindow > 0 && key != "" {
		if len(s.dedup) >= maxDedupEntries {
			for k, until := range s.dedup {
				if !now.Before(until) {
					delete(s.dedup, k)
				}
			}
		}
		s.dedup[key] = now.Add(s.cfg.DedupWindow)
	}
	return true
}

func (s *Service) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sup
}

// Dropped returns how many alerts were suppressed so far.
func (s *Service) Dropped() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}
