// Package api exposes the publishing, schedule and dispatch operations over
// HTTP with JSON bodies.
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ak3tsm7/scheduled-publisher/internal/dispatch"
	"github.com/ak3tsm7/scheduled-publisher/internal/models"
	"github.com/ak3tsm7/scheduled-publisher/internal/publisher"
	"github.com/ak3tsm7/scheduled-publisher/internal/schedule"
)

const (
	maxBodyBytes = 1 << 20

	msgSchedulingRequired = "Scheduling requires a schedule store (REDIS_ADDR, REDIS_URL or SQLITE_PATH)."
	msgNotConfigured      = "Scheduling is not configured."
	msgNotFound           = "Schedule not found."
)

// Option configures an API.
type Option func(*API)

func WithLogger(l *slog.Logger) Option {
	return func(a *API) { a.logger = l }
}

// WithCronSecret requires "Authorization: Bearer <secret>" on the dispatch
// endpoint. An empty secret leaves it open.
func WithCronSecret(secret string) Option {
	return func(a *API) { a.cronSecret = secret }
}

// WithHealthCheck sets the probe run by /healthz while scheduling is
// enabled, usually the store's Ping.
func WithHealthCheck(check func(context.Context) error) Option {
	return func(a *API) { a.health = check }
}

// API wires the HTTP handlers to a schedule.Service and a dispatch.Dispatcher.
type API struct {
	svc        *schedule.Service
	dispatcher *dispatch.Dispatcher
	cronSecret string
	health     func(context.Context) error
	logger     *slog.Logger
}

func New(svc *schedule.Service, d *dispatch.Dispatcher, opts ...Option) *API {
	a := &API{svc: svc, dispatcher: d, logger: slog.Default()}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Handler returns the routed http.Handler.
func (a *API) Handler() http.Handler {
	router := http.NewServeMux()
	router.HandleFunc("POST /api/instagram/publish", a.publish)
	router.HandleFunc("POST /api/schedules", a.createSchedule)
	router.HandleFunc("GET /api/schedules", a.listSchedules)
	router.HandleFunc("DELETE /api/schedules/{id}", a.cancelSchedule)
	router.HandleFunc("POST /api/cron/dispatch", a.dispatch)
	router.HandleFunc("GET /healthz", a.healthz)
	router.Handle("GET /metrics", promhttp.Handler())
	return router
}

// NewHTTPServer returns a server for h on addr.
func NewHTTPServer(addr string, h http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

func (a *API) publish(w http.ResponseWriter, r *http.Request) {
	var req schedule.SubmitRequest
	if !a.decode(w, r, &req) {
		return
	}

	res, err := a.svc.Submit(r.Context(), req)
	if err != nil {
		if errors.Is(err, schedule.ErrSchedulingDisabled) {
			writeError(w, http.StatusBadRequest, msgSchedulingRequired)
			return
		}
		a.fail(w, r, err)
		return
	}

	status := http.StatusOK
	if res.Status == schedule.StatusScheduled {
		status = http.StatusCreated
	}
	writeJSON(w, status, res)
}

func (a *API) createSchedule(w http.ResponseWriter, r *http.Request) {
	if !a.svc.Enabled() {
		writeError(w, http.StatusBadRequest, msgSchedulingRequired)
		return
	}

	var req schedule.SubmitRequest
	if !a.decode(w, r, &req) {
		return
	}

	job, err := a.svc.Schedule(r.Context(), req)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"schedule": job})
}

func (a *API) listSchedules(w http.ResponseWriter, r *http.Request) {
	jobs, err := a.svc.List(r.Context())
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"schedules": jobs})
}

func (a *API) cancelSchedule(w http.ResponseWriter, r *http.Request) {
	if !a.svc.Enabled() {
		writeError(w, http.StatusBadRequest, msgNotConfigured)
		return
	}

	job, err := a.svc.Cancel(r.Context(), r.PathValue("id"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"schedule": job})
}

func (a *API) dispatch(w http.ResponseWriter, r *http.Request) {
	if !a.authorized(r) {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	summary, err := a.dispatcher.Run(r.Context())
	if err != nil {
		a.fail(w, r, err)
		return
	}

	if !a.dispatcher.Enabled() {
		writeJSON(w, http.StatusOK, map[string]any{
			"processed": summary.Processed,
			"message":   summary.Message,
		})
		return
	}
	results := summary.Results
	if results == nil {
		results = []models.DispatchResult{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"processed": summary.Processed,
		"results":   results,
	})
}

func (a *API) healthz(w http.ResponseWriter, r *http.Request) {
	enabled := a.svc.Enabled()
	if enabled && a.health != nil {
		if err := a.health(r.Context()); err != nil {
			a.logger.Error("health check failed", slog.String("error", err.Error()))
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{
				"status":     "unavailable",
				"scheduling": enabled,
				"error":      err.Error(),
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "scheduling": enabled})
}

func (a *API) authorized(r *http.Request) bool {
	if a.cronSecret == "" {
		return true
	}
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(a.cronSecret)) == 1
}

func (a *API) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("error decoding request: %v", err))
		return false
	}
	return true
}

// fail maps service errors onto status codes.
func (a *API) fail(w http.ResponseWriter, r *http.Request, err error) {
	var (
		verr *schedule.ValidationError
		cerr *schedule.ConflictError
		perr *publisher.Error
	)
	switch {
	case errors.As(err, &verr):
		writeError(w, http.StatusBadRequest, verr.Message)
	case errors.Is(err, schedule.ErrSchedulingDisabled):
		writeError(w, http.StatusBadRequest, msgNotConfigured)
	case errors.Is(err, schedule.ErrNotFound):
		writeError(w, http.StatusNotFound, msgNotFound)
	case errors.As(err, &cerr):
		writeError(w, http.StatusConflict,
			fmt.Sprintf("Schedule is %s; only pending schedules can be cancelled.", cerr.Actual))
	case errors.As(err, &perr):
		a.logger.Error("publishing failed",
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusBadGateway, publisher.Message(err))
	default:
		a.logger.Error("request failed",
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
