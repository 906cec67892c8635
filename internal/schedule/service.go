package schedule

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ak3tsm7/scheduled-publisher/internal/metrics"
	"github.com/ak3tsm7/scheduled-publisher/internal/models"
	"github.com/ak3tsm7/scheduled-publisher/internal/publisher"
)

// Submission outcomes reported by Service.Submit.
const (
	StatusScheduled = "scheduled"
	StatusPublished = "published"
)

type SubmitRequest struct {
	Caption   string `json:"caption"`
	ImageURL  string `json:"imageUrl"`
	PublishAt string `json:"publishAt,omitempty"`
}

// SubmitResult carries either the queued job or the immediate publish
// response, never both.
type SubmitResult struct {
	Status          string            `json:"status"`
	Schedule        *models.Job       `json:"schedule,omitempty"`
	PublishResponse *publisher.Result `json:"publishResponse,omitempty"`
}

// Option configures a Service.
type Option func(*Service)

func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// Service is the create, list and cancel surface over a Store. The store
// may be nil when cfg.Enabled is false.
type Service struct {
	cfg       Config
	store     Store
	publisher publisher.Publisher
	logger    *slog.Logger
	now       func() time.Time
}

func NewService(cfg Config, store Store, pub publisher.Publisher, opts ...Option) *Service {
	s := &Service{
		cfg:       cfg,
		store:     store,
		publisher: pub,
		logger:    slog.Default(),
		now:       time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	if store == nil {
		s.cfg.Enabled = false
	}
	return s
}

func (s *Service) Enabled() bool { return s.cfg.Enabled }

// Submit validates req and either queues it or publishes it right away,
// depending on how far ahead PublishAt is.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*SubmitResult, error) {
	caption, imageURL, publishAt, err := parseRequest(req)
	if err != nil {
		return nil, err
	}

	if Decide(s.now(), publishAt, s.cfg.threshold()) == Enqueue {
		if !s.cfg.Enabled {
			return nil, ErrSchedulingDisabled
		}
		job, err := s.store.Create(ctx, caption, imageURL, *publishAt)
		if err != nil {
			return nil, fmt.Errorf("create schedule: %w", err)
		}
		metrics.JobsSubmittedTotal.WithLabelValues(StatusScheduled).Inc()
		s.logger.Info("schedule created",
			slog.String("job_id", job.ID),
			slog.Time("publish_at", job.PublishAt),
		)
		return &SubmitResult{Status: StatusScheduled, Schedule: job}, nil
	}

	res, err := s.publisher.Publish(ctx, publisher.Request{
		Caption:   caption,
		ImageURL:  imageURL,
		PublishAt: publishAt,
	})
	if err != nil {
		s.logger.Error("immediate publish failed", slog.String("error", err.Error()))
		return nil, err
	}
	metrics.JobsSubmittedTotal.WithLabelValues(StatusPublished).Inc()
	s.logger.Info("published immediately", slog.String("external_id", res.ID()))
	return &SubmitResult{Status: StatusPublished, PublishResponse: res}, nil
}

// Schedule always queues the request. PublishAt is required.
func (s *Service) Schedule(ctx context.Context, req SubmitRequest) (*models.Job, error) {
	if !s.cfg.Enabled {
		return nil, ErrSchedulingDisabled
	}
	caption, imageURL, publishAt, err := parseRequest(req)
	if err != nil {
		return nil, err
	}
	if publishAt == nil {
		return nil, invalid("publishAt", "Caption, imageUrl, and publishAt are required to create a schedule.")
	}

	job, err := s.store.Create(ctx, caption, imageURL, *publishAt)
	if err != nil {
		return nil, fmt.Errorf("create schedule: %w", err)
	}
	metrics.JobsSubmittedTotal.WithLabelValues(StatusScheduled).Inc()
	s.logger.Info("schedule created",
		slog.String("job_id", job.ID),
		slog.Time("publish_at", job.PublishAt),
	)
	return job, nil
}

// List returns pending jobs, earliest first. It is empty when scheduling
// is disabled.
func (s *Service) List(ctx context.Context) ([]*models.Job, error) {
	if !s.cfg.Enabled {
		return []*models.Job{}, nil
	}
	jobs, err := s.store.ListUpcoming(ctx)
	if err != nil {
		return nil, fmt.Errorf("list schedules: %w", err)
	}
	return jobs, nil
}

// Cancel moves a pending job to cancelled. Unknown ids return ErrNotFound;
// jobs that already left pending return a *ConflictError.
func (s *Service) Cancel(ctx context.Context, id string) (*models.Job, error) {
	if !s.cfg.Enabled {
		return nil, ErrSchedulingDisabled
	}
	job, err := s.store.Transition(ctx, id, models.StatusPending, models.StatusPatch(models.StatusCancelled))
	if err != nil {
		return nil, err
	}
	metrics.JobsCancelledTotal.Inc()
	s.logger.Info("schedule cancelled", slog.String("job_id", id))
	return job, nil
}

func parseRequest(req SubmitRequest) (caption, imageURL string, publishAt *time.Time, err error) {
	caption = strings.TrimSpace(req.Caption)
	imageURL = strings.TrimSpace(req.ImageURL)

	if caption == "" {
		return "", "", nil, invalid("caption", "Caption is required")
	}
	if imageURL == "" {
		return "", "", nil, invalid("imageUrl", "Publicly accessible image URL is required")
	}

	if raw := strings.TrimSpace(req.PublishAt); raw != "" {
		t, perr := ParseTime(raw)
		if perr != nil {
			return "", "", nil, invalid("publishAt", "publishAt must be an ISO-8601 timestamp")
		}
		publishAt = &t
	}
	return caption, imageURL, publishAt, nil
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	time.DateOnly,
}

// ParseTime parses an ISO-8601 timestamp. Values without an offset are
// read as UTC, and a bare date is midnight UTC. The result is always in UTC.
func ParseTime(s string) (time.Time, error) {
	var firstErr error
	for _, layout := range timeLayouts {
		t, err := time.Parse(layout, s)
		if err == nil {
			return t.UTC(), nil
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	return time.Time{}, firstErr
}
