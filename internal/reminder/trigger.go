package reminder

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"

	"bikenotify/internal/delivery"
	"bikenotify/internal/eventbus"
	logx "bikenotify/pkg/logx"
)

// Source names what started a scan.
type Source string

const (
	SourceCron    Source = "cron"
	SourceManual  Source = "manual"
	SourceStartup Source = "startup"
)

// Enqueuer is the part of the delivery queue a trigger needs.
type Enqueuer interface {
	Enqueue(j delivery.Job) error
	Depth() int
}

type TriggerResult struct {
	Source     Source        `json:"source"`
	At         time.Time     `json:"at"`
	Candidates int           `json:"candidates"`
	Due        int           `json:"due"`
	Enqueued   int           `json:"enqueued"`
	Suppressed int           `json:"suppressed"`
	Errors     int           `json:"errors"`
	QueueDepth int           `json:"queue_depth"`
	Duration   time.Duration `json:"duration"`
}

// ScanFailure is the payload of scan.failed events.
type ScanFailure struct {
	Source Source    `json:"source"`
	At     time.Time `json:"at"`
	Error  string    `json:"error"`
}

// Service serializes scans from every trigger source and feeds the queue.
type Service struct {
	scanner *Scanner
	queue   Enqueuer
	clk     clock.Clock
	log     logx.Logger
	bus     eventbus.Bus

	running atomic.Bool
	last    atomic.Pointer[TriggerResult]
}

func NewService(scanner *Scanner, queue Enqueuer, clk clock.Clock, log logx.Logger, bus eventbus.Bus) *Service {
	if clk == nil {
		clk = clock.New()
	}
	if bus == nil {
		bus = eventbus.Nop{}
	}
	return &Service{scanner: scanner, queue: queue, clk: clk, log: log, bus: bus}
}

// Trigger runs one scan at the current time and enqueues what it claimed.
// A trigger arriving while another scan runs returns ErrScanInProgress
// without scanning.
func (s *Service) Trigger(ctx context.Context, src Source) (TriggerResult, error) {
	if !s.running.CompareAndSwap(false, true) {
		s.log.Info("reminder scan skipped: already running", logx.String("source", string(src)))
		return TriggerResult{Source: src}, ErrScanInProgress
	}
	defer s.running.Store(false)

	start := s.clk.Now()
	log := s.log.With(logx.String("source", string(src)))

	rep, err := s.scanner.scan(ctx, start)
	res := TriggerResult{
		Source:     src,
		At:         start,
		Candidates: rep.Candidates,
		Due:        rep.Due,
		Suppressed: rep.Suppressed,
		Errors:     rep.Errors,
	}
	// Jobs claimed before a failure are leased in the log and go out anyway.
	s.enqueue(rep.Jobs, &res, log)
	if err != nil {
		log.Error("reminder scan failed", logx.Err(err), logx.Int("enqueued", res.Enqueued))
		s.bus.Publish(eventbus.Event{Type: eventbus.TypeScanFailed, Time: start, Data: ScanFailure{Source: src, At: start, Error: err.Error()}})
		res.QueueDepth = s.queue.Depth()
		return res, err
	}

	res.QueueDepth = s.queue.Depth()
	res.Duration = s.clk.Now().Sub(start)
	s.last.Store(&res)

	fields := []logx.Field{
		logx.Int("candidates", res.Candidates),
		logx.Int("due", res.Due),
		logx.Int("enqueued", res.Enqueued),
		logx.Int("suppressed", res.Suppressed),
		logx.Int("queue_depth", res.QueueDepth),
	}
	if res.Errors > 0 {
		log.Warn("reminder scan completed with errors", append(fields, logx.Int("errors", res.Errors))...)
	} else {
		log.Info("reminder scan completed", fields...)
	}
	s.bus.Publish(eventbus.Event{Type: eventbus.TypeScanCompleted, Time: start, Data: res})
	return res, nil
}

// Job adapts Trigger to the scheduler's job signature.
func (s *Service) Job(src Source) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		_, err := s.Trigger(ctx, src)
		if errors.Is(err, ErrScanInProgress) {
			return nil
		}
		return err
	}
}

// LastResult returns the most recent successful scan.
func (s *Service) LastResult() (TriggerResult, bool) {
	r := s.last.Load()
	if r == nil {
		return TriggerResult{}, false
	}
	return *r, true
}

func (s *Service) enqueue(jobs []delivery.Job, res *TriggerResult, log logx.Logger) {
	for _, j := range jobs {
		switch err := s.queue.Enqueue(j); {
		case err == nil:
			res.Enqueued++
		case errors.Is(err, delivery.ErrDuplicate):
			res.Suppressed++
		default:
			// The claim stays leased; a scan after the lease lapses retries it.
			res.Errors++
			log.Warn("reminder enqueue failed", logx.String("key", j.Key().String()), logx.Err(err))
		}
	}
}
