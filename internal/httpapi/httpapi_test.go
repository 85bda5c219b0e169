package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bikenotify/internal/delivery"
	"bikenotify/internal/reminder"
	"bikenotify/internal/resettoken"
	"bikenotify/internal/runtime/supervisor"
	"bikenotify/internal/schedule"
	logx "bikenotify/pkg/logx"
)

const secret = "test-ops-secret"

type fakeReminders struct {
	err  error
	last *reminder.TriggerResult
}

func (f *fakeReminders) Trigger(ctx context.Context, src reminder.Source) (reminder.TriggerResult, error) {
	if f.err != nil {
		return reminder.TriggerResult{}, f.err
	}
	return reminder.TriggerResult{Source: src, Due: 2, Enqueued: 2}, nil
}

func (f *fakeReminders) LastResult() (reminder.TriggerResult, bool) {
	if f.last == nil {
		return reminder.TriggerResult{}, false
	}
	return *f.last, true
}

type fakeQueue struct{}

func (fakeQueue) Stats() delivery.Stats { return delivery.Stats{Pending: 3, Delivered: 9} }

type fakeSchedules struct{}

func (fakeSchedules) Snapshot() schedule.Snapshot {
	return schedule.Snapshot{Enabled: true, Timezone: "UTC", Schedules: []schedule.Info{{Name: "reminders.scan", Spec: "0 * * * *"}}}
}

type fakeResets struct {
	requestErr error
	confirmErr error
	emails     []string
}

func (f *fakeResets) Request(ctx context.Context, email string) (resettoken.Issued, error) {
	f.emails = append(f.emails, email)
	return resettoken.Issued{}, f.requestErr
}

func (f *fakeResets) Confirm(ctx context.Context, secret, pw string) error { return f.confirmErr }

func newTestRouter(deps Deps) http.Handler {
	return NewRouter(Config{OpsSecret: secret}, deps, logx.Nop())
}

func opsToken(t *testing.T) string {
	t.Helper()
	tok, err := IssueOpsToken([]byte(secret), "tester", time.Hour, time.Now())
	require.NoError(t, err)
	return tok
}

func do(h http.Handler, method, path, body, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	rec := do(newTestRouter(Deps{}), http.MethodGet, "/healthz", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestReadyz(t *testing.T) {
	h := newTestRouter(Deps{Ready: func(context.Context) error { return errors.New("db down") }})
	rec := do(h, http.MethodGet, "/readyz", "", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "db down")
}

func TestPasswordResetRequestDoesNotRevealAccounts(t *testing.T) {
	for _, tc := range []struct {
		name string
		err  error
	}{
		{"issued", nil},
		{"unknown user", resettoken.ErrUserNotFound},
		{"rate limited", resettoken.ErrRateLimited},
	} {
		t.Run(tc.name, func(t *testing.T) {
			resets := &fakeResets{requestErr: tc.err}
			rec := do(newTestRouter(Deps{Resets: resets}), http.MethodPost, "/auth/password-reset", `{"email":"ann@example.com"}`, "")
			assert.Equal(t, http.StatusAccepted, rec.Code)
			assert.JSONEq(t, `{"message":"If an account exists for that email, a reset link is on its way."}`, rec.Body.String())
			assert.Equal(t, []string{"ann@example.com"}, resets.emails)
		})
	}
}

func TestPasswordResetRequestErrors(t *testing.T) {
	h := newTestRouter(Deps{Resets: &fakeResets{requestErr: errors.New("db down")}})
	assert.Equal(t, http.StatusInternalServerError, do(h, http.MethodPost, "/auth/password-reset", `{"email":"a@b.c"}`, "").Code)
	assert.Equal(t, http.StatusBadRequest, do(h, http.MethodPost, "/auth/password-reset", `{"email":""}`, "").Code)
	assert.Equal(t, http.StatusBadRequest, do(h, http.MethodPost, "/auth/password-reset", `{"mail":"a@b.c"}`, "").Code)
	assert.Equal(t, http.StatusBadRequest, do(h, http.MethodPost, "/auth/password-reset", `not json`, "").Code)
}

func TestPasswordResetConfirm(t *testing.T) {
	for _, tc := range []struct {
		err    error
		status int
		code   string
	}{
		{nil, http.StatusNoContent, ""},
		{resettoken.ErrWeakPassword, http.StatusBadRequest, "weak_password"},
		{resettoken.ErrInvalidToken, http.StatusBadRequest, "invalid_token"},
		{resettoken.ErrAlreadyUsed, http.StatusGone, "token_used"},
		{resettoken.ErrExpired, http.StatusGone, "token_expired"},
		{errors.New("db down"), http.StatusInternalServerError, ""},
	} {
		h := newTestRouter(Deps{Resets: &fakeResets{confirmErr: tc.err}})
		rec := do(h, http.MethodPost, "/auth/password-reset/confirm", `{"token":"abc","password":"longenough"}`, "")
		assert.Equal(t, tc.status, rec.Code, "err=%v", tc.err)
		if tc.code != "" {
			var body map[string]string
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, tc.code, body["code"])
		}
	}
}

func TestOpsRequiresToken(t *testing.T) {
	h := newTestRouter(Deps{Queue: fakeQueue{}})

	assert.Equal(t, http.StatusUnauthorized, do(h, http.MethodGet, "/ops/queue/stats", "", "").Code)
	assert.Equal(t, http.StatusUnauthorized, do(h, http.MethodGet, "/ops/queue/stats", "", "garbage").Code)

	wrongKey, err := IssueOpsToken([]byte("other"), "x", time.Hour, time.Now())
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, do(h, http.MethodGet, "/ops/queue/stats", "", wrongKey).Code)

	expired, err := IssueOpsToken([]byte(secret), "x", time.Minute, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, do(h, http.MethodGet, "/ops/queue/stats", "", expired).Code)

	noScope, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "x", "exp": time.Now().Add(time.Hour).Unix(), "scope": "read",
	}).SignedString([]byte(secret))
	require.NoError(t, err)
	assert.Equal(t, http.StatusForbidden, do(h, http.MethodGet, "/ops/queue/stats", "", noScope).Code)

	noExp, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "x", "scope": "ops"}).SignedString([]byte(secret))
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, do(h, http.MethodGet, "/ops/queue/stats", "", noExp).Code)

	rec := do(h, http.MethodGet, "/ops/queue/stats", "", opsToken(t))
	require.Equal(t, http.StatusOK, rec.Code)
	var stats delivery.Stats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, 3, stats.Pending)
	assert.Equal(t, uint64(9), stats.Delivered)
}

func TestOpsDisabledWithoutSecret(t *testing.T) {
	h := NewRouter(Config{}, Deps{Queue: fakeQueue{}}, logx.Nop())
	assert.Equal(t, http.StatusServiceUnavailable, do(h, http.MethodGet, "/ops/queue/stats", "", opsToken(t)).Code)
}

func TestTriggerScan(t *testing.T) {
	tok := opsToken(t)

	rec := do(newTestRouter(Deps{Reminders: &fakeReminders{}}), http.MethodPost, "/ops/reminders/scan", "", tok)
	require.Equal(t, http.StatusOK, rec.Code)
	var res reminder.TriggerResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, reminder.SourceManual, res.Source)
	assert.Equal(t, 2, res.Enqueued)

	rec = do(newTestRouter(Deps{Reminders: &fakeReminders{err: reminder.ErrScanInProgress}}), http.MethodPost, "/ops/reminders/scan", "", tok)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = do(newTestRouter(Deps{Reminders: &fakeReminders{err: reminder.ErrScanSourceUnavailable}}), http.MethodPost, "/ops/reminders/scan", "", tok)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = do(newTestRouter(Deps{Reminders: &fakeReminders{}}), http.MethodGet, "/ops/reminders/last", "", tok)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSchedules(t *testing.T) {
	rec := do(newTestRouter(Deps{Schedules: fakeSchedules{}}), http.MethodGet, "/ops/schedules", "", opsToken(t))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "reminders.scan")
}

type fakeRuntime struct{}

func (fakeRuntime) Supervisors() map[string]supervisor.Snapshot {
	return map[string]supervisor.Snapshot{"app": {Loops: []supervisor.LoopStats{{Name: "http.serve", Active: 1}}}}
}

func TestRuntimeSnapshot(t *testing.T) {
	rec := do(newTestRouter(Deps{Runtime: fakeRuntime{}}), http.MethodGet, "/ops/runtime", "", opsToken(t))
	require.Equal(t, http.StatusOK, rec.Code)

	var got map[string]supervisor.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Len(t, got["app"].Loops, 1)
	assert.Equal(t, "http.serve", got["app"].Loops[0].Name)
}

func TestPProfOnlyWhenEnabled(t *testing.T) {
	tok := opsToken(t)
	off := NewRouter(Config{OpsSecret: secret}, Deps{}, logx.Nop())
	assert.Equal(t, http.StatusNotFound, do(off, http.MethodGet, "/ops/debug/pprof/cmdline", "", tok).Code)

	on := NewRouter(Config{OpsSecret: secret, PProf: true}, Deps{}, logx.Nop())
	assert.Equal(t, http.StatusOK, do(on, http.MethodGet, "/ops/debug/pprof/cmdline", "", tok).Code)
}

func TestPublicRequestOutcome(t *testing.T) {
	status, ok := PublicRequestOutcome(resettoken.ErrRateLimited)
	assert.True(t, ok)
	assert.Equal(t, http.StatusAccepted, status)
	_, ok = PublicRequestOutcome(errors.New("x"))
	assert.False(t, ok)
}
