// Package httpapi serves the public password reset endpoints and the
// token-protected ops endpoints.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"bikenotify/internal/delivery"
	"bikenotify/internal/reminder"
	"bikenotify/internal/resettoken"
	"bikenotify/internal/runtime/supervisor"
	"bikenotify/internal/schedule"
	logx "bikenotify/pkg/logx"
)

type Config struct {
	Addr           string
	OpsSecret      string
	PProf          bool
	RequestTimeout time.Duration
}

type Reminders interface {
	Trigger(ctx context.Context, src reminder.Source) (reminder.TriggerResult, error)
	LastResult() (reminder.TriggerResult, bool)
}

type QueueStats interface {
	Stats() delivery.Stats
}

type Schedules interface {
	Snapshot() schedule.Snapshot
}

// Runtime exposes goroutine supervisors by name.
type Runtime interface {
	Supervisors() map[string]supervisor.Snapshot
}

type Resets interface {
	Request(ctx context.Context, email string) (resettoken.Issued, error)
	Confirm(ctx context.Context, secret, newPassword string) error
}

// Deps are the services behind the routes. Nil members disable their routes.
type Deps struct {
	Reminders Reminders
	Queue     QueueStats
	Schedules Schedules
	Resets    Resets
	Runtime   Runtime
	// Ready backs /readyz (database ping and similar).
	Ready func(ctx context.Context) error
}

type api struct {
	deps Deps
	log  logx.Logger
}

func NewRouter(cfg Config, deps Deps, log logx.Logger) http.Handler {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	a := &api{deps: deps, log: log.With(logx.String("comp", "http"))}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(accessLog(a.log))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(cfg.RequestTimeout))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/readyz", a.ready)

	if deps.Resets != nil {
		r.Route("/auth/password-reset", func(r chi.Router) {
			r.Post("/", a.requestReset)
			r.Post("/confirm", a.confirmReset)
		})
	}

	r.Route("/ops", func(r chi.Router) {
		r.Use(RequireScope([]byte(cfg.OpsSecret), OpsScope))
		if deps.Reminders != nil {
			r.Post("/reminders/scan", a.triggerScan)
			r.Get("/reminders/last", a.lastScan)
		}
		if deps.Queue != nil {
			r.Get("/queue/stats", a.queueStats)
		}
		if deps.Schedules != nil {
			r.Get("/schedules", a.schedules)
		}
		if deps.Runtime != nil {
			r.Get("/runtime", a.runtime)
		}
		if cfg.PProf {
			r.Mount("/debug", middleware.Profiler())
		}
	})
	return r
}

func accessLog(log logx.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			fields := []logx.Field{
				logx.String("method", r.Method),
				logx.String("path", r.URL.Path),
				logx.Int("status", status),
				logx.Duration("took", time.Since(start)),
				logx.String("request_id", middleware.GetReqID(r.Context())),
			}
			if status >= 500 {
				log.Warn("http request", fields...)
				return
			}
			log.Debug("http request", fields...)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func writeErrorCode(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"error": message, "code": code})
}
