package resettoken

import (
	"context"
	"errors"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"bikenotify/internal/delivery"
	"bikenotify/internal/ratewindow"
	logx "bikenotify/pkg/logx"
)

type fakeQueue struct {
	mu   sync.Mutex
	jobs []delivery.Job
	err  error
}

func (f *fakeQueue) Enqueue(j delivery.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.jobs = append(f.jobs, j)
	return nil
}

type fixture struct {
	clk   *clock.Mock
	users *MemoryUsers
	store *MemoryStore
	queue *fakeQueue
	iss   *Issuer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clk := clock.NewMock()
	clk.Set(time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC))
	f := &fixture{
		clk:   clk,
		users: NewMemoryUsers(User{ID: "u1", Email: "Ann@Example.com", Name: "Ann"}),
		store: NewMemoryStore(),
		queue: &fakeQueue{},
	}
	f.iss = NewIssuer(Config{TTL: time.Hour, LinkBaseURL: "https://bikes.example/reset"},
		f.users, f.store, ratewindow.New(3, time.Hour, nil), f.queue, clk, logx.Nop(), nil)
	return f
}

func TestRequestIssuesTokenAndQueuesEmail(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	out, err := f.iss.Request(ctx, "  ann@example.com ")
	require.NoError(t, err)

	assert.Equal(t, "u1", out.Token.UserID)
	assert.Equal(t, f.clk.Now().Add(time.Hour), out.Token.ExpiresAt)
	assert.Equal(t, HashSecret(out.Secret), out.Token.SecretHash)
	assert.NotEqual(t, out.Secret, out.Token.SecretHash)
	assert.Len(t, out.Secret, 43)

	u, err := url.Parse(out.Link)
	require.NoError(t, err)
	assert.Equal(t, out.Secret, u.Query().Get("token"))

	require.Len(t, f.queue.jobs, 1)
	job := f.queue.jobs[0]
	assert.Equal(t, delivery.KindPasswordReset, job.Kind)
	assert.Equal(t, out.Token.ID, job.TargetEntityID)
	assert.Equal(t, "Ann@Example.com", job.Recipient)
	assert.Contains(t, job.Payload.Text, out.Link)
}

func TestRequestUnknownUser(t *testing.T) {
	f := newFixture(t)
	_, err := f.iss.Request(context.Background(), "nobody@example.com")
	assert.ErrorIs(t, err, ErrUserNotFound)
	assert.Empty(t, f.queue.jobs)
}

func TestFourthRequestInWindowIsRateLimited(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := f.iss.Request(ctx, "ann@example.com")
		require.NoError(t, err, "request %d", i+1)
		f.clk.Add(10 * time.Minute)
	}
	_, err := f.iss.Request(ctx, "ann@example.com")
	assert.ErrorIs(t, err, ErrRateLimited)
	assert.Len(t, f.queue.jobs, 3)

	// The window is inclusive at its edge, so the first request still
	// counts exactly one hour later.
	f.clk.Add(30 * time.Minute)
	_, err = f.iss.Request(ctx, "ann@example.com")
	assert.ErrorIs(t, err, ErrRateLimited)

	f.clk.Add(time.Second)
	_, err = f.iss.Request(ctx, "ann@example.com")
	assert.NoError(t, err)
}

func TestRequestSucceedsWhenEmailNotQueued(t *testing.T) {
	f := newFixture(t)
	f.queue.err = delivery.ErrQueueFull

	out, err := f.iss.Request(context.Background(), "ann@example.com")
	require.NoError(t, err)

	got, err := f.iss.Redeem(context.Background(), out.Secret)
	require.NoError(t, err)
	assert.Equal(t, out.Token.ID, got.ID)
}

func TestRedeemOnlyOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	out, err := f.iss.Request(ctx, "ann@example.com")
	require.NoError(t, err)

	tok, err := f.iss.Redeem(ctx, out.Secret)
	require.NoError(t, err)
	assert.True(t, tok.IsUsed)
	assert.Equal(t, f.clk.Now(), tok.UsedAt)

	_, err = f.iss.Redeem(ctx, out.Secret)
	assert.ErrorIs(t, err, ErrAlreadyUsed)

	// Used wins over expired.
	f.clk.Add(2 * time.Hour)
	_, err = f.iss.Redeem(ctx, out.Secret)
	assert.ErrorIs(t, err, ErrAlreadyUsed)
}

func TestRedeemConcurrentSingleWinner(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	out, err := f.iss.Request(ctx, "ann@example.com")
	require.NoError(t, err)

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.iss.Redeem(ctx, out.Secret)
			if err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
				return
			}
			assert.ErrorIs(t, err, ErrAlreadyUsed)
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}

func TestRedeemExpired(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	out, err := f.iss.Request(ctx, "ann@example.com")
	require.NoError(t, err)

	f.clk.Add(time.Hour)
	_, err = f.iss.Redeem(ctx, out.Secret)
	assert.ErrorIs(t, err, ErrExpired)

	stored, err := f.store.FindByHash(ctx, HashSecret(out.Secret))
	require.NoError(t, err)
	assert.False(t, stored.IsUsed)
}

func TestRedeemUnknownSecret(t *testing.T) {
	f := newFixture(t)
	_, err := f.iss.Redeem(context.Background(), "not-a-token")
	assert.ErrorIs(t, err, ErrInvalidToken)
	_, err = f.iss.Redeem(context.Background(), "")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestConfirmSetsPassword(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	out, err := f.iss.Request(ctx, "ann@example.com")
	require.NoError(t, err)

	err = f.iss.Confirm(ctx, out.Secret, "short")
	assert.ErrorIs(t, err, ErrWeakPassword)

	require.NoError(t, f.iss.Confirm(ctx, out.Secret, "correct horse battery"))
	u, err := f.users.FindByEmail(ctx, "ann@example.com")
	require.NoError(t, err)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte("correct horse battery")))

	err = f.iss.Confirm(ctx, out.Secret, "another password")
	assert.True(t, errors.Is(err, ErrAlreadyUsed))
}

func TestPurge(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	used, err := f.iss.Request(ctx, "ann@example.com")
	require.NoError(t, err)
	_, err = f.iss.Redeem(ctx, used.Secret)
	require.NoError(t, err)
	_, err = f.iss.Request(ctx, "ann@example.com")
	require.NoError(t, err)

	n, err := f.iss.Purge(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	f.clk.Add(26 * time.Hour)
	fresh, err := f.iss.Request(ctx, "ann@example.com")
	require.NoError(t, err)

	n, err = f.iss.Purge(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, err = f.iss.Redeem(ctx, fresh.Secret)
	assert.NoError(t, err)
}
