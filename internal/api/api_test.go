package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ak3tsm7/scheduled-publisher/internal/dispatch"
	"github.com/ak3tsm7/scheduled-publisher/internal/models"
	"github.com/ak3tsm7/scheduled-publisher/internal/publisher"
	"github.com/ak3tsm7/scheduled-publisher/internal/schedule"
	"github.com/ak3tsm7/scheduled-publisher/internal/schedule/storetest"
)

var start = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

type harness struct {
	clock   *storetest.Clock
	store   *schedule.MemoryStore
	calls   atomic.Int32
	pubErr  error
	handler http.Handler
}

type harnessOpts struct {
	disabled bool
	secret   string
	store    schedule.Store
	health   func(context.Context) error
}

func newHarness(t *testing.T, o harnessOpts) *harness {
	t.Helper()
	h := &harness{clock: storetest.NewClock(start)}
	h.store = schedule.NewMemoryStore(h.clock.Now)

	pub := publisher.Func(func(context.Context, publisher.Request) (*publisher.Result, error) {
		n := h.calls.Add(1)
		if h.pubErr != nil {
			return nil, h.pubErr
		}
		return &publisher.Result{ContainerID: "container-1", MediaID: fmt.Sprintf("media-%d", n)}, nil
	})

	var store schedule.Store = h.store
	if o.store != nil {
		store = o.store
	}
	if o.disabled {
		store = nil
	}
	cfg := schedule.Config{Enabled: store != nil, Threshold: schedule.DefaultThreshold}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	svc := schedule.NewService(cfg, store, pub, schedule.WithClock(h.clock.Now), schedule.WithLogger(logger))
	d := dispatch.New(cfg, store, pub, dispatch.WithClock(h.clock.Now), dispatch.WithLogger(logger))

	opts := []Option{WithLogger(logger), WithCronSecret(o.secret)}
	if o.health != nil {
		opts = append(opts, WithHealthCheck(o.health))
	}
	h.handler = New(svc, d, opts...).Handler()
	return h
}

func (h *harness) do(t *testing.T, method, path string, body any, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		r = bytes.NewBufferString(b)
	default:
		raw, err := json.Marshal(b)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		r = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, r)
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return v
}

func expectStatus(t *testing.T, rec *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rec.Code != want {
		t.Fatalf("status = %d, want %d; body = %s", rec.Code, want, rec.Body.String())
	}
}

type errorBody struct {
	Error string `json:"error"`
}

type submitBody struct {
	Status          string            `json:"status"`
	Schedule        *models.Job       `json:"schedule"`
	PublishResponse *publisher.Result `json:"publishResponse"`
}

type dispatchBody struct {
	Processed int                     `json:"processed"`
	Results   []models.DispatchResult `json:"results"`
	Message   string                  `json:"message"`
}

func at(d time.Duration) string {
	return start.Add(d).Format(time.RFC3339)
}

func TestScheduledPostIsPublishedOnceDue(t *testing.T) {
	h := newHarness(t, harnessOpts{})

	rec := h.do(t, http.MethodPost, "/api/instagram/publish", map[string]string{
		"caption": "Launch day", "imageUrl": "https://cdn.example.com/a.jpg", "publishAt": at(10 * time.Minute),
	})
	expectStatus(t, rec, http.StatusCreated)
	sub := decode[submitBody](t, rec)
	if sub.Status != "scheduled" || sub.Schedule == nil || sub.Schedule.Status != models.StatusPending {
		t.Fatalf("unexpected body %+v", sub)
	}
	id := sub.Schedule.ID

	rec = h.do(t, http.MethodPost, "/api/cron/dispatch", nil)
	expectStatus(t, rec, http.StatusOK)
	if got := decode[dispatchBody](t, rec); got.Processed != 0 || got.Results == nil {
		t.Fatalf("early dispatch = %+v, want processed 0 with empty results", got)
	}

	h.clock.Advance(11 * time.Minute)
	rec = h.do(t, http.MethodPost, "/api/cron/dispatch", nil)
	expectStatus(t, rec, http.StatusOK)
	got := decode[dispatchBody](t, rec)
	if got.Processed != 1 || got.Results[0].ID != id || got.Results[0].Status != models.StatusPublished {
		t.Fatalf("dispatch = %+v", got)
	}

	job, err := h.store.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if job.Status != models.StatusPublished || job.ExternalID != "media-1" {
		t.Fatalf("job = %+v", job)
	}

	rec = h.do(t, http.MethodGet, "/api/schedules", nil)
	expectStatus(t, rec, http.StatusOK)
	if list := decode[map[string][]models.Job](t, rec)["schedules"]; len(list) != 0 {
		t.Fatalf("schedules = %v, want none pending", list)
	}
}

func TestNearTermPostIsPublishedImmediately(t *testing.T) {
	h := newHarness(t, harnessOpts{})

	rec := h.do(t, http.MethodPost, "/api/instagram/publish", map[string]string{
		"caption": "Now-ish", "imageUrl": "https://cdn.example.com/b.jpg", "publishAt": at(time.Minute),
	})
	expectStatus(t, rec, http.StatusOK)
	sub := decode[submitBody](t, rec)
	if sub.Status != "published" || sub.PublishResponse == nil || sub.PublishResponse.MediaID != "media-1" {
		t.Fatalf("unexpected body %+v", sub)
	}
	if sub.Schedule != nil {
		t.Fatalf("immediate publish must not return a schedule: %+v", sub.Schedule)
	}
	if h.store.Len() != 0 {
		t.Fatalf("store has %d jobs, want 0", h.store.Len())
	}
}

func TestPublishValidation(t *testing.T) {
	tests := []struct {
		name string
		body any
		want string
	}{
		{"empty caption", map[string]string{"caption": "  ", "imageUrl": "https://cdn.example.com/c.jpg"}, "Caption is required"},
		{"missing image", map[string]string{"caption": "hi"}, "Publicly accessible image URL is required"},
		{"bad publishAt", map[string]string{"caption": "hi", "imageUrl": "https://x/y.jpg", "publishAt": "tomorrow"}, "publishAt must be an ISO-8601 timestamp"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, harnessOpts{})
			rec := h.do(t, http.MethodPost, "/api/instagram/publish", tt.body)
			expectStatus(t, rec, http.StatusBadRequest)
			if got := decode[errorBody](t, rec).Error; got != tt.want {
				t.Fatalf("error = %q, want %q", got, tt.want)
			}
			if h.store.Len() != 0 || h.calls.Load() != 0 {
				t.Fatalf("store len = %d, publish calls = %d; want no side effects", h.store.Len(), h.calls.Load())
			}
		})
	}
}

func TestPublishMalformedJSON(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	rec := h.do(t, http.MethodPost, "/api/instagram/publish", "{not json")
	expectStatus(t, rec, http.StatusBadRequest)
}

func TestPublishSchedulingDisabled(t *testing.T) {
	h := newHarness(t, harnessOpts{disabled: true})

	rec := h.do(t, http.MethodPost, "/api/instagram/publish", map[string]string{
		"caption": "Later", "imageUrl": "https://cdn.example.com/d.jpg", "publishAt": at(time.Hour),
	})
	expectStatus(t, rec, http.StatusBadRequest)
	if got := decode[errorBody](t, rec).Error; got != msgSchedulingRequired {
		t.Fatalf("error = %q", got)
	}
	if h.calls.Load() != 0 {
		t.Fatal("publisher must not be called")
	}

	// Immediate publishing still works without a store.
	rec = h.do(t, http.MethodPost, "/api/instagram/publish", map[string]string{
		"caption": "Now", "imageUrl": "https://cdn.example.com/d.jpg",
	})
	expectStatus(t, rec, http.StatusOK)
}

func TestPublishFailureIsBadGateway(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	h.pubErr = &publisher.Error{Op: "create media container", StatusCode: 400, Message: "Invalid image"}

	rec := h.do(t, http.MethodPost, "/api/instagram/publish", map[string]string{
		"caption": "x", "imageUrl": "https://cdn.example.com/e.jpg",
	})
	expectStatus(t, rec, http.StatusBadGateway)
	if got := decode[errorBody](t, rec).Error; got != "Invalid image" {
		t.Fatalf("error = %q", got)
	}
}

func TestCreateSchedule(t *testing.T) {
	h := newHarness(t, harnessOpts{})

	rec := h.do(t, http.MethodPost, "/api/schedules", map[string]string{
		"caption": "x", "imageUrl": "https://cdn.example.com/f.jpg",
	})
	expectStatus(t, rec, http.StatusBadRequest)
	if got := decode[errorBody](t, rec).Error; got != "Caption, imageUrl, and publishAt are required to create a schedule." {
		t.Fatalf("error = %q", got)
	}

	// Explicit scheduling ignores the threshold.
	rec = h.do(t, http.MethodPost, "/api/schedules", map[string]string{
		"caption": "x", "imageUrl": "https://cdn.example.com/f.jpg", "publishAt": at(time.Minute),
	})
	expectStatus(t, rec, http.StatusCreated)
	job := decode[map[string]*models.Job](t, rec)["schedule"]
	if job == nil || job.Status != models.StatusPending || !job.PublishAt.Equal(start.Add(time.Minute)) {
		t.Fatalf("schedule = %+v", job)
	}
	if h.calls.Load() != 0 {
		t.Fatal("publisher must not be called")
	}
}

func TestCreateScheduleDisabled(t *testing.T) {
	h := newHarness(t, harnessOpts{disabled: true})
	rec := h.do(t, http.MethodPost, "/api/schedules", map[string]string{
		"caption": "x", "imageUrl": "https://cdn.example.com/f.jpg", "publishAt": at(time.Hour),
	})
	expectStatus(t, rec, http.StatusBadRequest)

	rec = h.do(t, http.MethodGet, "/api/schedules", nil)
	expectStatus(t, rec, http.StatusOK)
	if got := rec.Body.String(); got != "{\"schedules\":[]}\n" {
		t.Fatalf("body = %q", got)
	}
}

func TestCancelSchedule(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	job, err := h.store.Create(context.Background(), "x", "https://cdn.example.com/g.jpg", start.Add(time.Hour))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	rec := h.do(t, http.MethodDelete, "/api/schedules/"+job.ID, nil)
	expectStatus(t, rec, http.StatusOK)
	if got := decode[map[string]*models.Job](t, rec)["schedule"]; got.Status != models.StatusCancelled {
		t.Fatalf("status = %s", got.Status)
	}

	rec = h.do(t, http.MethodDelete, "/api/schedules/"+job.ID, nil)
	expectStatus(t, rec, http.StatusConflict)

	rec = h.do(t, http.MethodDelete, "/api/schedules/does-not-exist", nil)
	expectStatus(t, rec, http.StatusNotFound)
	if got := decode[errorBody](t, rec).Error; got != msgNotFound {
		t.Fatalf("error = %q", got)
	}

	// A cancelled job is never dispatched.
	h.clock.Advance(2 * time.Hour)
	rec = h.do(t, http.MethodPost, "/api/cron/dispatch", nil)
	if got := decode[dispatchBody](t, rec); got.Processed != 0 {
		t.Fatalf("processed = %d", got.Processed)
	}
}

func TestCancelDisabled(t *testing.T) {
	h := newHarness(t, harnessOpts{disabled: true})
	rec := h.do(t, http.MethodDelete, "/api/schedules/abc", nil)
	expectStatus(t, rec, http.StatusBadRequest)
	if got := decode[errorBody](t, rec).Error; got != msgNotConfigured {
		t.Fatalf("error = %q", got)
	}
}

func TestDispatchDisabled(t *testing.T) {
	h := newHarness(t, harnessOpts{disabled: true})
	rec := h.do(t, http.MethodPost, "/api/cron/dispatch", nil)
	expectStatus(t, rec, http.StatusOK)
	got := decode[map[string]any](t, rec)
	if got["processed"] != float64(0) || got["message"] != dispatch.DisabledMessage {
		t.Fatalf("body = %v", got)
	}
	if _, ok := got["results"]; ok {
		t.Fatal("disabled dispatch must not report results")
	}
}

func TestDispatchRecordsFailures(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	job, err := h.store.Create(context.Background(), "x", "https://cdn.example.com/h.jpg", start)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	h.pubErr = errors.New("connection reset")

	rec := h.do(t, http.MethodPost, "/api/cron/dispatch", nil)
	expectStatus(t, rec, http.StatusOK)
	got := decode[dispatchBody](t, rec)
	if got.Processed != 1 || got.Results[0].Status != models.StatusFailed || got.Results[0].Error != "connection reset" {
		t.Fatalf("dispatch = %+v", got)
	}

	stored, _ := h.store.Get(context.Background(), job.ID)
	if stored.Status != models.StatusFailed || stored.ErrorMessage != "connection reset" {
		t.Fatalf("job = %+v", stored)
	}
}

type failingStore struct {
	*schedule.MemoryStore
}

func (failingStore) FindDue(context.Context, time.Time) ([]*models.Job, error) {
	return nil, errors.New("store unavailable")
}

func TestDispatchStoreFailure(t *testing.T) {
	h := newHarness(t, harnessOpts{store: failingStore{schedule.NewMemoryStore(nil)}})
	rec := h.do(t, http.MethodPost, "/api/cron/dispatch", nil)
	expectStatus(t, rec, http.StatusInternalServerError)
}

func TestDispatchCronSecret(t *testing.T) {
	h := newHarness(t, harnessOpts{secret: "s3cret"})

	tests := []struct {
		name   string
		header []string
		want   int
	}{
		{"missing", nil, http.StatusUnauthorized},
		{"wrong", []string{"Authorization", "Bearer nope"}, http.StatusUnauthorized},
		{"not bearer", []string{"Authorization", "s3cret"}, http.StatusUnauthorized},
		{"ok", []string{"Authorization", "Bearer s3cret"}, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := h.do(t, http.MethodPost, "/api/cron/dispatch", nil, tt.header...)
			expectStatus(t, rec, tt.want)
		})
	}
}

func TestHealthz(t *testing.T) {
	t.Run("ok", func(t *testing.T) {
		h := newHarness(t, harnessOpts{health: func(context.Context) error { return nil }})
		rec := h.do(t, http.MethodGet, "/healthz", nil)
		expectStatus(t, rec, http.StatusOK)
		if got := decode[map[string]any](t, rec); got["status"] != "ok" || got["scheduling"] != true {
			t.Fatalf("body = %v", got)
		}
	})

	t.Run("store down", func(t *testing.T) {
		h := newHarness(t, harnessOpts{health: func(context.Context) error { return errors.New("dial tcp: refused") }})
		rec := h.do(t, http.MethodGet, "/healthz", nil)
		expectStatus(t, rec, http.StatusServiceUnavailable)
	})

	t.Run("disabled skips probe", func(t *testing.T) {
		h := newHarness(t, harnessOpts{disabled: true, health: func(context.Context) error { return errors.New("unused") }})
		rec := h.do(t, http.MethodGet, "/healthz", nil)
		expectStatus(t, rec, http.StatusOK)
		if got := decode[map[string]any](t, rec); got["scheduling"] != false {
			t.Fatalf("body = %v", got)
		}
	})
}

func TestMetricsEndpoint(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	rec := h.do(t, http.MethodGet, "/metrics", nil)
	expectStatus(t, rec, http.StatusOK)
	if !bytes.Contains(rec.Body.Bytes(), []byte("spub_publish_duration_seconds")) {
		t.Fatal("metrics output missing spub_publish_duration_seconds")
	}
}

func TestUnknownMethod(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	rec := h.do(t, http.MethodPut, "/api/schedules", nil)
	expectStatus(t, rec, http.StatusMethodNotAllowed)
}

func TestCreateScheduleAcceptsDateOnly(t *testing.T) {
	h := newHarness(t, harnessOpts{})

	rec := h.do(t, http.MethodPost, "/api/schedules", map[string]string{
		"caption": "x", "imageUrl": "https://cdn.example.com/i.jpg", "publishAt": "2026-05-02",
	})
	expectStatus(t, rec, http.StatusCreated)
	job := decode[map[string]*models.Job](t, rec)["schedule"]
	if want := time.Date(2026, 5, 2, 0, 0, 0, 0, time.UTC); job == nil || !job.PublishAt.Equal(want) {
		t.Fatalf("schedule = %+v, want publishAt %v", job, want)
	}
}
