package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"bikenotify/internal/reminder"
	"bikenotify/internal/resettoken"
	logx "bikenotify/pkg/logx"
)

const maxBody = 16 << 10

// resetAccepted is the only answer a password reset request ever gets, so
// callers cannot probe which emails have accounts.
var resetAccepted = map[string]string{
	"message": "If an account exists for that email, a reset link is on its way.",
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

func (a *api) requestReset(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email string `json:"email"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Email) == "" {
		writeError(w, http.StatusBadRequest, "email is required")
		return
	}

	_, err := a.deps.Resets.Request(r.Context(), req.Email)
	if status, ok := PublicRequestOutcome(err); ok {
		writeJSON(w, status, resetAccepted)
		return
	}
	a.log.Error("password reset request failed", logx.Err(err))
	writeError(w, http.StatusInternalServerError, "internal error")
}

// PublicRequestOutcome maps a reset request result to the status the
// caller sees. Unknown accounts and rate limiting look like success.
func PublicRequestOutcome(err error) (status int, ok bool) {
	switch {
	case err == nil,
		errors.Is(err, resettoken.ErrUserNotFound),
		errors.Is(err, resettoken.ErrRateLimited):
		return http.StatusAccepted, true
	}
	return 0, false
}

func (a *api) confirmReset(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token    string `json:"token"`
		Password string `json:"password"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}

	err := a.deps.Resets.Confirm(r.Context(), req.Token, req.Password)
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, resettoken.ErrWeakPassword):
		writeErrorCode(w, http.StatusBadRequest, "weak_password", "password must be at least 8 characters")
	case errors.Is(err, resettoken.ErrInvalidToken):
		writeErrorCode(w, http.StatusBadRequest, "invalid_token", "reset link is invalid")
	case errors.Is(err, resettoken.ErrAlreadyUsed):
		writeErrorCode(w, http.StatusGone, "token_used", "reset link was already used")
	case errors.Is(err, resettoken.ErrExpired):
		writeErrorCode(w, http.StatusGone, "token_expired", "reset link has expired")
	default:
		a.log.Error("password reset confirm failed", logx.Err(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (a *api) triggerScan(w http.ResponseWriter, r *http.Request) {
	res, err := a.deps.Reminders.Trigger(r.Context(), reminder.SourceManual)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, res)
	case errors.Is(err, reminder.ErrScanInProgress):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, reminder.ErrScanSourceUnavailable):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		a.log.Error("manual scan failed", logx.Err(err))
		writeError(w, http.StatusInternalServerError, "scan failed")
	}
}

func (a *api) lastScan(w http.ResponseWriter, r *http.Request) {
	res, ok := a.deps.Reminders.LastResult()
	if !ok {
		writeError(w, http.StatusNotFound, "no scan has completed yet")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *api) queueStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.deps.Queue.Stats())
}

func (a *api) schedules(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.deps.Schedules.Snapshot())
}

func (a *api) runtime(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.deps.Runtime.Supervisors())
}

func (a *api) ready(w http.ResponseWriter, r *http.Request) {
	if a.deps.Ready != nil {
		if err := a.deps.Ready(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
