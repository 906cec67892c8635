package redisq

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ak3tsm7/scheduled-publisher/internal/models"
	"github.com/ak3tsm7/scheduled-publisher/internal/schedule"
)

// Create stores the job hash and indexes it as pending in one MULTI.
func (s *Store) Create(ctx context.Context, caption, imageURL string, publishAt time.Time) (*models.Job, error) {
	caption, imageURL, err := schedule.ValidateNew(caption, imageURL, publishAt)
	if err != nil {
		return nil, err
	}

	job := models.NewJob(caption, imageURL, publishAt, s.now())

	pipe := s.rdb.TxPipeline()
	s.writeJob(ctx, pipe, job)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("redis: create schedule: %w", err)
	}

	s.logger.Debug("schedule stored",
		slog.String("job_id", job.ID),
		slog.Time("publish_at", job.PublishAt),
	)
	return job, nil
}

// writeJob queues the hash write and index maintenance for job on pipe.
func (s *Store) writeJob(ctx context.Context, pipe redis.Pipeliner, job *models.Job) {
	pipe.HSet(ctx, s.keys.job(job.ID), jobToMap(job))

	if job.Status == models.StatusPending {
		pipe.ZAdd(ctx, s.keys.pending(), redis.Z{Score: score(job.PublishAt), Member: job.ID})
	} else {
		pipe.ZRem(ctx, s.keys.pending(), job.ID)
	}

	if job.Status == models.StatusPublishing && job.PublishingSince != nil {
		pipe.ZAdd(ctx, s.keys.publishing(), redis.Z{Score: score(*job.PublishingSince), Member: job.ID})
	} else {
		pipe.ZRem(ctx, s.keys.publishing(), job.ID)
	}
}

func score(t time.Time) float64 {
	return float64(t.UnixMilli())
}

func scoreMax(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}

func jobToMap(j *models.Job) map[string]interface{} {
	m := map[string]interface{}{
		"id":               j.ID,
		"caption":          j.Caption,
		"image_url":        j.ImageURL,
		"publish_at":       j.PublishAt.Format(time.RFC3339Nano),
		"status":           string(j.Status),
		"external_id":      j.ExternalID,
		"error_message":    j.ErrorMessage,
		"publishing_since": "",
		"created_at":       j.CreatedAt.Format(time.RFC3339Nano),
		"updated_at":       j.UpdatedAt.Format(time.RFC3339Nano),
	}
	if j.PublishingSince != nil {
		m["publishing_since"] = j.PublishingSince.Format(time.RFC3339Nano)
	}
	return m
}

func mapToJob(m map[string]string) (*models.Job, error) {
	publishAt, err := time.Parse(time.RFC3339Nano, m["publish_at"])
	if err != nil {
		return nil, fmt.Errorf("redis: parse publish_at of %s: %w", m["id"], err)
	}
	createdAt, _ := time.Parse(time.RFC3339Nano, m["created_at"]) //nolint:errcheck // written by jobToMap
	updatedAt, _ := time.Parse(time.RFC3339Nano, m["updated_at"]) //nolint:errcheck // written by jobToMap

	j := &models.Job{
		ID:           m["id"],
		Caption:      m["caption"],
		ImageURL:     m["image_url"],
		PublishAt:    publishAt.UTC(),
		Status:       models.Status(m["status"]),
		ExternalID:   m["external_id"],
		ErrorMessage: m["error_message"],
		CreatedAt:    createdAt.UTC(),
		UpdatedAt:    updatedAt.UTC(),
	}
	if v := m["publishing_since"]; v != "" {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			t = t.UTC()
			j.PublishingSince = &t
		}
	}
	return j, nil
}
