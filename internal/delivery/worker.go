package delivery

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"bikenotify/internal/deliverylog"
	"bikenotify/internal/eventbus"
	logx "bikenotify/pkg/logx"
)

func (q *Queue) worker(ctx context.Context, stopCh <-chan struct{}, sendCtx context.Context) error {
	for {
		// A closed stopCh wins over queued work.
		select {
		case <-stopCh:
			return nil
		default:
		}

		select {
		case <-ctx.Done():
			return nil
		case <-stopCh:
			return nil
		case j := <-q.work:
			q.execute(sendCtx, j)
		}
	}
}

// execute owns j from dispatch until its outcome is logged.
func (q *Queue) execute(ctx context.Context, j *Job) {
	if q.limiter != nil {
		if err := q.limiter.Wait(ctx); err != nil {
			q.finish(j, true)
			return
		}
	}

	j.Attempts++
	start := q.clk.Now()
	sendCtx, cancel := context.WithTimeout(ctx, q.cfg.SendTimeout)
	id, err := q.send(sendCtx, j)
	cancel()
	now := q.clk.Now()

	log := q.log.With(
		logx.String("job", j.ID),
		logx.String("kind", string(j.Kind)),
		logx.String("key", j.Key().String()),
		logx.Int("attempt", j.Attempts),
	)

	switch {
	case err == nil:
		q.onSent(ctx, j, id, now)
		log.Info("delivery sent", logx.String("message_id", string(id)), logx.Duration("dur", now.Sub(start)))
	case IsNoRetry(err) || j.Attempts >= q.cfg.MaxAttempts:
		err = fmt.Errorf("%w: %w", ErrTerminal, err)
		q.onFailed(ctx, j, err, now)
		log.Warn("delivery failed", logx.Err(err))
	default:
		delay := backoffDelayWithHint(q.cfg, j.Attempts, err)
		j.NextAttemptAt = now.Add(delay)
		q.onRetry(ctx, j, err, now)
		log.Info("delivery retry scheduled", logx.Duration("delay", delay), logx.Err(err))
	}
}

// send converts sender panics into retryable errors so a bad payload can't
// take a worker down with an unreleased slot.
func (q *Queue) send(ctx context.Context, j *Job) (id MessageID, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sender panic: %v", r)
			q.log.Error("delivery.panic", logx.String("job", j.ID), logx.Any("panic", r), logx.Stack(logx.StackTrace(3, 24)))
		}
	}()
	if q.sender == nil {
		return "", NoRetry(errors.New("no sender configured"))
	}
	return q.sender.Send(ctx, j.Recipient, j.Payload)
}

func (q *Queue) onSent(ctx context.Context, j *Job, id MessageID, now time.Time) {
	q.record(ctx, deliverylog.Entry{
		Key:          j.Key(),
		Status:       deliverylog.StatusSent,
		AttemptCount: j.Attempts,
		SentAt:       now,
		UpdatedAt:    now,
	})
	q.finish(j, false)
	q.delivered.Add(1)

	ev := eventFor(j)
	ev.MessageID = id
	q.bus.Publish(eventbus.Event{Type: eventbus.TypeDeliverySent, Time: now, Data: ev})
}

func (q *Queue) onRetry(ctx context.Context, j *Job, err error, now time.Time) {
	q.record(ctx, deliverylog.Entry{
		Key:          j.Key(),
		Status:       deliverylog.StatusFailed,
		AttemptCount: j.Attempts,
		LastError:    truncate(err.Error(), 500),
		UpdatedAt:    now,
		LeaseUntil:   j.NextAttemptAt.Add(q.cfg.Lease),
	})
	q.finish(j, true)

	ev := eventFor(j)
	ev.NextAttempt = j.NextAttemptAt
	ev.Error = err.Error()
	q.bus.Publish(eventbus.Event{Type: eventbus.TypeDeliveryRetry, Time: now, Data: ev})
}

func (q *Queue) onFailed(ctx context.Context, j *Job, err error, now time.Time) {
	q.record(ctx, deliverylog.Entry{
		Key:          j.Key(),
		Status:       deliverylog.StatusFailed,
		AttemptCount: j.Attempts,
		Terminal:     true,
		LastError:    truncate(err.Error(), 500),
		UpdatedAt:    now,
	})
	q.finish(j, false)
	q.failed.Add(1)

	ev := eventFor(j)
	ev.Error = err.Error()
	q.bus.Publish(eventbus.Event{Type: eventbus.TypeDeliveryFailed, Time: now, Data: ev})
}

func (q *Queue) record(ctx context.Context, e deliverylog.Entry) {
	if q.dlog == nil {
		return
	}
	// The outcome must land even when Stop canceled the send context.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := q.dlog.Record(ctx, e); err != nil {
		q.log.Error("delivery log write failed", logx.String("key", e.Key.String()), logx.String("status", string(e.Status)), logx.Err(err))
	}
}

func backoffDelayWithHint(cfg Config, attempt int, err error) time.Duration {
	var ra RetryAfterError
	if err != nil && errors.As(err, &ra) {
		d := max(ra.RetryAfter(), 0)
		return jitter(min(d, cfg.RetryMaxDelay), cfg)
	}
	return backoffDelay(cfg, attempt)
}

// backoffDelay doubles RetryBase for each attempt after the first.
func backoffDelay(cfg Config, attempt int) time.Duration {
	d := cfg.RetryBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= cfg.RetryMaxDelay {
			d = cfg.RetryMaxDelay
			break
		}
	}
	return jitter(d, cfg)
}

func jitter(d time.Duration, cfg Config) time.Duration {
	if cfg.RetryJitter > 0 && d > 0 {
		r := (rand.Float64()*2 - 1) * cfg.RetryJitter
		d = time.Duration(float64(d) * (1 + r))
	}
	return min(max(d, 0), cfg.RetryMaxDelay)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
