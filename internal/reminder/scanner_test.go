package reminder

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bikenotify/internal/delivery"
	"bikenotify/internal/deliverylog"
	"bikenotify/internal/eventbus"
	"bikenotify/internal/maintenance"
	"bikenotify/internal/ratewindow"
	logx "bikenotify/pkg/logx"
)

var scheduled = time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

func candidate(id, owner string, daysBefore int) maintenance.Candidate {
	return maintenance.Candidate{
		Record: maintenance.Record{
			ID:                     id,
			BikeID:                 "bike-" + owner,
			ScheduledDate:          scheduled,
			ServiceDescription:     "chain and brake service",
			NotificationDaysBefore: daysBefore,
		},
		OwnerID:    owner,
		OwnerName:  "Sam",
		OwnerEmail: owner + "@example.com",
		BikeName:   "Commuter",
	}
}

func newScanner(src maintenance.Source, dlog deliverylog.Store, redelivery *ratewindow.Window) *Scanner {
	return NewScanner(ScannerConfig{MaxAttempts: 3, Lease: time.Hour}, src, dlog, nil, redelivery, logx.Nop())
}

func reminderKey(owner, id string) deliverylog.Key {
	return deliverylog.Key{RecipientID: owner, EntityID: id, Kind: deliverylog.KindMaintenanceReminder}
}

func TestScanSelectsOnlyDueRecords(t *testing.T) {
	t.Parallel()

	src := maintenance.NewMemorySource(
		candidate("due", "o1", 3),
		candidate("later", "o2", 1),
	)
	done := candidate("done", "o3", 30)
	done.IsCompleted = true
	src.Put(done)

	jobs, err := newScanner(src, deliverylog.NewMemoryStore(), nil).Scan(context.Background(), scheduled.AddDate(0, 0, -2))
	require.NoError(t, err)
	require.Len(t, jobs, 1)

	j := jobs[0]
	assert.Equal(t, "due", j.TargetEntityID)
	assert.Equal(t, "o1", j.RecipientID)
	assert.Equal(t, "o1@example.com", j.Recipient)
	assert.Equal(t, delivery.KindMaintenanceReminder, j.Kind)
	assert.Contains(t, j.Payload.Subject, "Commuter")
	assert.Contains(t, j.Payload.Text, "chain and brake service")
}

func TestScanTwiceAtSameInstantIsIdempotent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	src := maintenance.NewMemorySource(candidate("m1", "o1", 3), candidate("m2", "o2", 3))
	dlog := deliverylog.NewMemoryStore()
	s := newScanner(src, dlog, nil)
	now := scheduled.AddDate(0, 0, -1)

	first, err := s.Scan(ctx, now)
	require.NoError(t, err)
	assert.Len(t, first, 2)

	second, err := s.Scan(ctx, now)
	require.NoError(t, err)
	assert.Empty(t, second)

	e, ok, _ := dlog.Find(ctx, reminderKey("o1", "m1"))
	require.True(t, ok)
	assert.Equal(t, deliverylog.StatusQueued, e.Status)
	assert.Equal(t, now.Add(time.Hour), e.LeaseUntil)
}

func TestConcurrentScannersClaimEachKeyOnce(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	src := maintenance.NewMemorySource(candidate("m1", "o1", 3))
	dlog := deliverylog.NewMemoryStore()
	now := scheduled

	var mu sync.Mutex
	total := 0
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			jobs, err := newScanner(src, dlog, nil).Scan(ctx, now)
			if err == nil {
				mu.Lock()
				total += len(jobs)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, total)
}

func TestScanRespectsDeliveryLog(t *testing.T) {
	t.Parallel()

	now := scheduled
	tests := []struct {
		name      string
		entry     deliverylog.Entry
		wantJob   bool
		attempts  int
		wantState deliverylog.Status
	}{
		{name: "sent", entry: deliverylog.Entry{Status: deliverylog.StatusSent, AttemptCount: 1}, wantState: deliverylog.StatusSent},
		{name: "exhausted", entry: deliverylog.Entry{Status: deliverylog.StatusFailed, AttemptCount: 3}, wantState: deliverylog.StatusFailed},
		{name: "terminal", entry: deliverylog.Entry{Status: deliverylog.StatusFailed, AttemptCount: 1, Terminal: true}, wantState: deliverylog.StatusFailed},
		{name: "live lease", entry: deliverylog.Entry{Status: deliverylog.StatusQueued, LeaseUntil: now.Add(time.Minute)}, wantState: deliverylog.StatusQueued},
		{name: "retry pending in queue", entry: deliverylog.Entry{Status: deliverylog.StatusFailed, AttemptCount: 1, LeaseUntil: now.Add(time.Minute)}, wantState: deliverylog.StatusFailed},
		{name: "expired lease", entry: deliverylog.Entry{Status: deliverylog.StatusQueued, LeaseUntil: now.Add(-time.Minute)}, wantJob: true, wantState: deliverylog.StatusQueued},
		{name: "orphaned retry", entry: deliverylog.Entry{Status: deliverylog.StatusFailed, AttemptCount: 2, LeaseUntil: now.Add(-time.Minute)}, wantJob: true, attempts: 2, wantState: deliverylog.StatusQueued},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			dlog := deliverylog.NewMemoryStore()
			e := tt.entry
			e.Key = reminderKey("o1", "m1")
			require.NoError(t, dlog.Record(ctx, e))

			jobs, err := newScanner(maintenance.NewMemorySource(candidate("m1", "o1", 3)), dlog, nil).Scan(ctx, now)
			require.NoError(t, err)
			if tt.wantJob {
				require.Len(t, jobs, 1)
				assert.Equal(t, tt.attempts, jobs[0].Attempts)
			} else {
				assert.Empty(t, jobs)
			}
			got, _, _ := dlog.Find(ctx, e.Key)
			assert.Equal(t, tt.wantState, got.Status)
		})
	}
}

func TestRedeliveryIsRateLimited(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	dlog := deliverylog.NewMemoryStore()
	key := reminderKey("o1", "m1")
	s := newScanner(maintenance.NewMemorySource(candidate("m1", "o1", 3)), dlog, ratewindow.New(1, 24*time.Hour, nil))

	expire := func(at time.Time) {
		e, _, _ := dlog.Find(ctx, key)
		e.LeaseUntil = at.Add(-time.Second)
		require.NoError(t, dlog.Record(ctx, e))
	}

	now := scheduled
	jobs, err := s.Scan(ctx, now)
	require.NoError(t, err)
	require.Len(t, jobs, 1, "first claim never touches the limiter")

	now = now.Add(2 * time.Hour)
	expire(now)
	jobs, err = s.Scan(ctx, now)
	require.NoError(t, err)
	require.Len(t, jobs, 1, "first re-claim is within budget")

	now = now.Add(2 * time.Hour)
	expire(now)
	jobs, err = s.Scan(ctx, now)
	require.NoError(t, err)
	assert.Empty(t, jobs, "second re-claim within a day is capped")
}

func TestScanWrapsSourceFailure(t *testing.T) {
	t.Parallel()

	src := maintenance.NewMemorySource()
	src.FailWith(errors.New("connection reset"))
	_, err := newScanner(src, deliverylog.NewMemoryStore(), nil).Scan(context.Background(), scheduled)
	require.ErrorIs(t, err, ErrScanSourceUnavailable)
	assert.Contains(t, err.Error(), "connection reset")
}

func TestScanSkipsOwnersWithoutEmail(t *testing.T) {
	t.Parallel()

	c := candidate("m1", "o1", 3)
	c.OwnerEmail = ""
	dlog := deliverylog.NewMemoryStore()
	jobs, err := newScanner(maintenance.NewMemorySource(c), dlog, nil).Scan(context.Background(), scheduled)
	require.NoError(t, err)
	assert.Empty(t, jobs)
	assert.Zero(t, dlog.Len(), "nothing is claimed for an unreachable owner")
}

type blockingSource struct {
	entered chan struct{}
	release chan struct{}
}

func (b *blockingSource) ListPending(ctx context.Context, asOf time.Time) ([]maintenance.Candidate, error) {
	close(b.entered)
	<-b.release
	return nil, nil
}

func TestTriggerRejectsConcurrentScan(t *testing.T) {
	t.Parallel()

	src := &blockingSource{entered: make(chan struct{}), release: make(chan struct{})}
	q := delivery.New(delivery.Config{}, nil, nil)
	svc := NewService(newScanner(src, deliverylog.NewMemoryStore(), nil), q, clock.NewMock(), logx.Nop(), nil)

	errCh := make(chan error, 1)
	go func() {
		_, err := svc.Trigger(context.Background(), SourceCron)
		errCh <- err
	}()
	<-src.entered

	_, err := svc.Trigger(context.Background(), SourceManual)
	require.ErrorIs(t, err, ErrScanInProgress)
	require.NoError(t, svc.Job(SourceManual)(context.Background()), "scheduled runs treat overlap as a skip")

	close(src.release)
	require.NoError(t, <-errCh)
}

func TestTriggerPublishesScanFailure(t *testing.T) {
	t.Parallel()

	src := maintenance.NewMemorySource()
	src.FailWith(errors.New("db down"))
	bus := eventbus.New()
	events, unsub := bus.Subscribe(4, eventbus.TypeScanFailed)
	defer unsub()

	q := delivery.New(delivery.Config{}, nil, nil)
	svc := NewService(newScanner(src, deliverylog.NewMemoryStore(), nil), q, clock.NewMock(), logx.Nop(), bus)
	_, err := svc.Trigger(context.Background(), SourceCron)
	require.ErrorIs(t, err, ErrScanSourceUnavailable)

	require.Len(t, events, 1)
	ev := <-events
	failure, ok := ev.Data.(ScanFailure)
	require.True(t, ok)
	assert.Equal(t, SourceCron, failure.Source)
	assert.Contains(t, failure.Error, "db down")
}

// cancelAfterInsert cancels the scan once the first claim is written.
type cancelAfterInsert struct {
	deliverylog.Store
	cancel context.CancelFunc
}

func (c cancelAfterInsert) InsertIfAbsent(ctx context.Context, e deliverylog.Entry) (bool, error) {
	ok, err := c.Store.InsertIfAbsent(ctx, e)
	c.cancel()
	return ok, err
}

func TestTriggerEnqueuesClaimsTakenBeforeCancel(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	dlog := deliverylog.NewMemoryStore()
	src := maintenance.NewMemorySource(candidate("m1", "o1", 3), candidate("m2", "o2", 3))
	scanner := newScanner(src, cancelAfterInsert{Store: dlog, cancel: cancel}, nil)

	q := delivery.New(delivery.Config{}, nil, nil)
	clk := clock.NewMock()
	clk.Set(scheduled)
	svc := NewService(scanner, q, clk, logx.Nop(), nil)

	res, err := svc.Trigger(ctx, SourceCron)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, res.Enqueued)
	assert.Equal(t, 1, q.Depth(), "the claimed job is not stranded behind its lease")
	assert.Equal(t, 1, dlog.Len())
}

// A reminder due three days before the appointment is not sent the day
// before it becomes due, is sent once when due, and is not sent again an
// hour later.
func TestReminderLifecycleAcrossDays(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	clk := clock.NewMock()
	clk.Set(scheduled.AddDate(0, 0, -4))

	var mu sync.Mutex
	var sent []string
	sender := delivery.SenderFunc(func(ctx context.Context, to string, p delivery.Payload) (delivery.MessageID, error) {
		mu.Lock()
		defer mu.Unlock()
		sent = append(sent, to)
		return "msg", nil
	})

	dlog := deliverylog.NewMemoryStore()
	q := delivery.New(delivery.Config{Workers: 2, PollInterval: 5 * time.Millisecond}, sender, dlog)
	q.Start(ctx)
	defer func() { _ = q.Stop(context.Background()) }()

	src := maintenance.NewMemorySource(candidate("m1", "o1", 3))
	svc := NewService(newScanner(src, dlog, nil), q, clk, logx.Nop(), nil)

	res, err := svc.Trigger(ctx, SourceCron)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Enqueued, "not due yet")

	clk.Add(24 * time.Hour)
	res, err = svc.Trigger(ctx, SourceCron)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Enqueued)
	require.Eventually(t, func() bool { return q.Stats().Delivered == 1 }, 2*time.Second, 5*time.Millisecond)

	clk.Add(time.Hour)
	res, err = svc.Trigger(ctx, SourceManual)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Enqueued)
	assert.Equal(t, 1, res.Suppressed)

	mu.Lock()
	assert.Equal(t, []string{"o1@example.com"}, sent)
	mu.Unlock()

	e, _, _ := dlog.Find(ctx, reminderKey("o1", "m1"))
	assert.Equal(t, deliverylog.StatusSent, e.Status)

	last, ok := svc.LastResult()
	require.True(t, ok)
	assert.Equal(t, SourceManual, last.Source)
}
