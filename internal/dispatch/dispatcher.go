// Package dispatch publishes scheduled jobs once they are due.
//
// A dispatch run loads every due job and handles each one on its own:
// the job is claimed (pending -> publishing) before the remote call, so a
// crash mid-run leaves the job visibly in publishing instead of silently
// publishing it twice on the next run. The outcome is then recorded as
// published or failed. One job's failure never stops the rest of the batch.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ak3tsm7/scheduled-publisher/internal/metrics"
	"github.com/ak3tsm7/scheduled-publisher/internal/models"
	"github.com/ak3tsm7/scheduled-publisher/internal/publisher"
	"github.com/ak3tsm7/scheduled-publisher/internal/schedule"
)

// DisabledMessage is reported when a run is triggered without a store.
const DisabledMessage = "Scheduling not configured."

// Option configures a Dispatcher.
type Option func(*Dispatcher)

func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

// WithConcurrency sets how many due jobs of one run are handled at once.
// Values below 2 keep the run sequential, in publish-time order.
func WithConcurrency(n int) Option {
	return func(d *Dispatcher) { d.concurrency = n }
}

// WithPublishingTimeout enables Reclaim for jobs that have been in
// publishing longer than timeout.
func WithPublishingTimeout(timeout time.Duration) Option {
	return func(d *Dispatcher) { d.publishingTimeout = timeout }
}

type Dispatcher struct {
	cfg       schedule.Config
	store     schedule.Store
	publisher publisher.Publisher
	logger    *slog.Logger
	now       func() time.Time

	concurrency       int
	publishingTimeout time.Duration
}

func New(cfg schedule.Config, store schedule.Store, pub publisher.Publisher, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		cfg:         cfg,
		store:       store,
		publisher:   pub,
		logger:      slog.Default(),
		now:         time.Now,
		concurrency: 1,
	}
	for _, o := range opts {
		o(d)
	}
	if store == nil {
		d.cfg.Enabled = false
	}
	return d
}

func (d *Dispatcher) Enabled() bool { return d.cfg.Enabled }

// Run dispatches every job that is due now. The only error it returns is
// a failure to load the due jobs; per-job failures are in the summary.
func (d *Dispatcher) Run(ctx context.Context) (*models.Summary, error) {
	if !d.cfg.Enabled {
		return &models.Summary{Processed: 0, Message: DisabledMessage}, nil
	}
	metrics.DispatchRunsTotal.Inc()

	due, err := d.store.FindDue(ctx, d.now())
	if err != nil {
		return nil, fmt.Errorf("find due schedules: %w", err)
	}
	metrics.DueJobs.Set(float64(len(due)))

	results := make([]models.DispatchResult, len(due))
	if d.concurrency > 1 && len(due) > 1 {
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(d.concurrency)
		for i, job := range due {
			g.Go(func() error {
				results[i] = d.dispatchOne(gctx, job)
				return nil
			})
		}
		_ = g.Wait() //nolint:errcheck // workers never return errors
	} else {
		for i, job := range due {
			results[i] = d.dispatchOne(ctx, job)
		}
	}

	summary := &models.Summary{Processed: len(results), Results: results}
	if len(due) > 0 {
		d.logger.Info("dispatch run finished",
			slog.Int("processed", summary.Processed),
			slog.Int("published", summary.Count(models.StatusPublished)),
			slog.Int("failed", summary.Count(models.StatusFailed)),
			slog.Int("skipped", summary.Count(models.OutcomeSkipped)),
		)
	}
	return summary, nil
}

func (d *Dispatcher) dispatchOne(ctx context.Context, job *models.Job) models.DispatchResult {
	log := d.logger.With(slog.String("job_id", job.ID))

	_, err := d.store.Transition(ctx, job.ID, models.StatusPending, models.StatusPatch(models.StatusPublishing))
	if err != nil {
		if errors.Is(err, schedule.ErrNotFound) || errors.Is(err, schedule.ErrStatusConflict) {
			log.Info("schedule changed before dispatch, skipping", slog.String("reason", err.Error()))
			metrics.JobsDispatchedTotal.WithLabelValues(string(models.OutcomeSkipped)).Inc()
			return models.DispatchResult{ID: job.ID, Status: models.OutcomeSkipped, Error: err.Error()}
		}
		log.Error("failed to mark schedule publishing", slog.String("error", err.Error()))
		return d.fail(ctx, log, job, err)
	}

	publishAt := job.PublishAt
	start := time.Now()
	res, err := d.publisher.Publish(ctx, publisher.Request{
		Caption:   job.Caption,
		ImageURL:  job.ImageURL,
		PublishAt: &publishAt,
	})
	metrics.PublishDurationSeconds.Observe(time.Since(start).Seconds())
	if err != nil {
		log.Warn("publish failed", slog.String("error", err.Error()))
		return d.fail(ctx, log, job, err)
	}

	externalID := res.ID()
	if _, err := d.store.Update(ctx, job.ID, models.PublishedPatch(externalID)); err != nil {
		log.Error("published but failed to record outcome",
			slog.String("external_id", externalID),
			slog.String("error", err.Error()),
		)
		metrics.JobsDispatchedTotal.WithLabelValues(string(models.StatusPublished)).Inc()
		return models.DispatchResult{
			ID:     job.ID,
			Status: models.StatusPublished,
			Error:  fmt.Sprintf("record outcome: %v", err),
		}
	}

	log.Info("schedule published", slog.String("external_id", externalID))
	metrics.JobsDispatchedTotal.WithLabelValues(string(models.StatusPublished)).Inc()
	return models.DispatchResult{ID: job.ID, Status: models.StatusPublished}
}

func (d *Dispatcher) fail(ctx context.Context, log *slog.Logger, job *models.Job, cause error) models.DispatchResult {
	msg := publisher.Message(cause)
	metrics.JobsDispatchedTotal.WithLabelValues(string(models.StatusFailed)).Inc()

	if _, err := d.store.Update(ctx, job.ID, models.FailedPatch(msg)); err != nil {
		log.Error("failed to record publish failure", slog.String("error", err.Error()))
		return models.DispatchResult{
			ID:     job.ID,
			Status: models.StatusFailed,
			Error:  fmt.Sprintf("%s (record outcome: %v)", msg, err),
		}
	}
	return models.DispatchResult{ID: job.ID, Status: models.StatusFailed, Error: msg}
}

// Reclaim fails jobs that have sat in publishing past the publishing
// timeout, which happens when a process dies mid-dispatch. They are not
// retried: the remote publish may have gone through. It is a no-op unless
// WithPublishingTimeout was set.
func (d *Dispatcher) Reclaim(ctx context.Context) (int, error) {
	if !d.cfg.Enabled || d.publishingTimeout <= 0 {
		return 0, nil
	}

	stuck, err := d.store.FindStuck(ctx, d.now().Add(-d.publishingTimeout))
	if err != nil {
		return 0, fmt.Errorf("find stuck schedules: %w", err)
	}

	msg := fmt.Sprintf("publish interrupted: no outcome recorded within %s", d.publishingTimeout)
	reclaimed := 0
	for _, job := range stuck {
		_, err := d.store.Transition(ctx, job.ID, models.StatusPublishing, models.FailedPatch(msg))
		if err != nil {
			if !errors.Is(err, schedule.ErrStatusConflict) && !errors.Is(err, schedule.ErrNotFound) {
				d.logger.Error("failed to reclaim schedule",
					slog.String("job_id", job.ID),
					slog.String("error", err.Error()),
				)
			}
			continue
		}
		d.logger.Warn("reclaimed stuck schedule",
			slog.String("job_id", job.ID),
			slog.Time("publishing_since", *job.PublishingSince),
		)
		reclaimed++
	}
	metrics.JobsReclaimedTotal.Add(float64(reclaimed))
	return reclaimed, nil
}
