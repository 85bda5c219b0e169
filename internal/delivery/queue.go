// Package delivery runs the in-memory outbound notification queue: a poll
// loop hands ready jobs to a fixed pool of workers, each job is sent at most
// once at a time, and every outcome is written to the delivery log.
//
// The queue is not durable. Jobs lost on restart are recovered by the next
// reminder scan once their delivery-log lease expires.
package delivery

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/benbjohnson/clock"
	"github.com/segmentio/ksuid"
	"golang.org/x/time/rate"

	"bikenotify/internal/deliverylog"
	"bikenotify/internal/eventbus"
	rtsup "bikenotify/internal/runtime/supervisor"
	logx "bikenotify/pkg/logx"
)

type Queue struct {
	cfg     Config
	log     logx.Logger
	bus     eventbus.Bus
	clk     clock.Clock
	sender  Sender
	dlog    deliverylog.Store
	limiter *rate.Limiter

	mu       sync.Mutex
	pending  []*Job
	keys     map[deliverylog.Key]struct{}
	inFlight int
	closed   bool

	// work carries dispatched jobs to workers. Its capacity equals
	// cfg.Workers and a job is counted in inFlight before it is sent, so
	// dispatch never blocks.
	work chan *Job

	delivered atomic.Uint64
	failed    atomic.Uint64

	runMu       sync.Mutex
	sup         *rtsup.Supervisor
	stopCh      chan struct{}
	cancelSends context.CancelFunc
}

type Option func(*Queue)

func WithLogger(log logx.Logger) Option { return func(q *Queue) { q.log = log } }
func WithBus(bus eventbus.Bus) Option   { return func(q *Queue) { q.bus = bus } }
func WithClock(clk clock.Clock) Option  { return func(q *Queue) { q.clk = clk } }

func New(cfg Config, sender Sender, dlog deliverylog.Store, opts ...Option) *Queue {
	cfg = cfg.withDefaults()
	q := &Queue{
		cfg:    cfg,
		log:    logx.Nop(),
		bus:    eventbus.Nop{},
		clk:    clock.New(),
		sender: sender,
		dlog:   dlog,
		keys:   map[deliverylog.Key]struct{}{},
		work:   make(chan *Job, cfg.Workers),
	}
	for _, o := range opts {
		o(q)
	}
	if q.bus == nil {
		q.bus = eventbus.Nop{}
	}
	if cfg.RatePerSec > 0 {
		q.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RateBurst)
	}
	return q
}

func (q *Queue) Config() Config { return q.cfg }

// Supervisor returns the worker supervisor, or nil when stopped.
func (q *Queue) Supervisor() *rtsup.Supervisor {
	q.runMu.Lock()
	defer q.runMu.Unlock()
	return q.sup
}

// Enqueue adds a job without blocking. Jobs sharing a dedup key with a
// pending or in-flight job are rejected with ErrDuplicate.
func (q *Queue) Enqueue(j Job) error {
	if j.Recipient == "" || deliverylog.Validate(j.Key()) != nil {
		return fmt.Errorf("%w: kind=%q recipient_id=%q entity_id=%q", ErrInvalidJob, j.Kind, j.RecipientID, j.TargetEntityID)
	}
	now := q.clk.Now()
	if j.ID == "" {
		j.ID = ksuid.New().String()
	}
	j.EnqueuedAt = now
	if j.NextAttemptAt.IsZero() {
		j.NextAttemptAt = now
	}
	key := j.Key()

	q.mu.Lock()
	switch {
	case q.closed:
		q.mu.Unlock()
		return ErrStopped
	case hasKey(q.keys, key):
		q.mu.Unlock()
		return ErrDuplicate
	case len(q.pending) >= q.cfg.MaxPending:
		q.mu.Unlock()
		q.log.Warn("delivery dropped: queue full", logx.String("job", j.ID), logx.Int("max_pending", q.cfg.MaxPending))
		return ErrQueueFull
	}
	q.keys[key] = struct{}{}
	q.pending = append(q.pending, &j)
	q.mu.Unlock()

	q.log.Debug("delivery queued", logx.String("job", j.ID), logx.String("kind", string(j.Kind)), logx.String("key", key.String()))
	q.bus.Publish(eventbus.Event{Type: eventbus.TypeDeliveryQueued, Time: now, Data: eventFor(&j)})
	return nil
}

func hasKey(m map[deliverylog.Key]struct{}, k deliverylog.Key) bool {
	_, ok := m[k]
	return ok
}

// Stats returns a point-in-time view of the queue.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	st := Stats{Pending: len(q.pending), InFlight: q.inFlight}
	for _, j := range q.pending {
		if j.Attempts > 0 {
			st.Retrying++
		}
	}
	q.mu.Unlock()
	st.Delivered = q.delivered.Load()
	st.Failed = q.failed.Load()
	return st
}

// Depth is the number of jobs not yet in a final state.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending) + q.inFlight
}

// dispatchReady hands ready jobs to idle workers, oldest first, and returns
// how many were dispatched. It never dispatches more than the free slots.
func (q *Queue) dispatchReady() int {
	now := q.clk.Now()
	q.mu.Lock()
	defer q.mu.Unlock()

	free := q.cfg.Workers - q.inFlight
	if free <= 0 || len(q.pending) == 0 {
		return 0
	}
	n := 0
	kept := q.pending[:0]
	for _, j := range q.pending {
		if n < free && !j.NextAttemptAt.After(now) {
			q.inFlight++
			q.work <- j
			n++
			continue
		}
		kept = append(kept, j)
	}
	for i := len(kept); i < len(q.pending); i++ {
		q.pending[i] = nil
	}
	q.pending = kept
	return n
}

// finish releases a worker slot. Retried jobs go back to pending and keep
// their dedup key reserved.
func (q *Queue) finish(j *Job, retry bool) {
	q.mu.Lock()
	if q.inFlight > 0 {
		q.inFlight--
	}
	if retry {
		q.pending = append(q.pending, j)
	} else {
		delete(q.keys, j.Key())
	}
	q.mu.Unlock()
}

// Start launches the poll loop and the worker pool. Start is idempotent; a
// stopped queue cannot be restarted.
func (q *Queue) Start(ctx context.Context) {
	q.runMu.Lock()
	defer q.runMu.Unlock()
	if q.stopCh != nil {
		return
	}
	q.mu.Lock()
	closed := q.closed
	q.mu.Unlock()
	if closed {
		return
	}

	stopCh := make(chan struct{})
	sendCtx, cancelSends := context.WithCancel(context.WithoutCancel(ctx))
	sup := rtsup.New(ctx, rtsup.WithLogger(q.log))
	q.stopCh = stopCh
	q.cancelSends = cancelSends
	q.sup = sup

	for i := 0; i < q.cfg.Workers; i++ {
		sup.GoRestart(fmt.Sprintf("delivery.worker.%d", i), func(c context.Context) error {
			return q.worker(c, stopCh, sendCtx)
		}, rtsup.WithPublishFirstError(true))
	}
	sup.GoRestart("delivery.poll", func(c context.Context) error {
		return q.poll(c, stopCh)
	}, rtsup.WithPublishFirstError(true))

	q.log.Info("delivery queue started",
		logx.Int("workers", q.cfg.Workers),
		logx.Duration("poll_interval", q.cfg.PollInterval),
		logx.Int("max_attempts", q.cfg.MaxAttempts),
	)
}

// Stop rejects new jobs, stops polling and waits for in-flight sends until
// ctx expires. In-flight sends still running at the deadline are canceled.
// Pending jobs are abandoned.
func (q *Queue) Stop(ctx context.Context) error {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()

	q.runMu.Lock()
	stopCh, sup, cancelSends := q.stopCh, q.sup, q.cancelSends
	q.stopCh, q.sup, q.cancelSends = nil, nil, nil
	q.runMu.Unlock()
	if stopCh == nil {
		return nil
	}
	close(stopCh)

	_ = sup.Wait(ctx)
	timedOut := ctx.Err() != nil
	cancelSends()
	sup.Cancel()

	// Dispatched but never picked up.
drain:
	for {
		select {
		case j := <-q.work:
			q.finish(j, true)
		default:
			break drain
		}
	}

	st := q.Stats()
	if timedOut {
		q.log.Warn("delivery queue stop timed out", logx.Int("in_flight", st.InFlight), logx.Int("abandoned", st.Pending))
		return ctx.Err()
	}
	q.log.Info("delivery queue stopped", logx.Int("abandoned", st.Pending), logx.Uint64("delivered", st.Delivered), logx.Uint64("failed", st.Failed))
	return nil
}

func (q *Queue) poll(ctx context.Context, stopCh <-chan struct{}) error {
	t := q.clk.Ticker(q.cfg.PollInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-stopCh:
			return nil
		case <-t.C:
			if n := q.dispatchReady(); n > 0 {
				q.log.Trace("delivery dispatched", logx.Int("jobs", n))
			}
		}
	}
}
