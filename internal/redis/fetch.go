package redisq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ak3tsm7/scheduled-publisher/internal/models"
	"github.com/ak3tsm7/scheduled-publisher/internal/schedule"
)

func (s *Store) Get(ctx context.Context, id string) (*models.Job, error) {
	vals, err := s.rdb.HGetAll(ctx, s.keys.job(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: get schedule: %w", err)
	}
	if len(vals) == 0 {
		return nil, schedule.ErrNotFound
	}
	return mapToJob(vals)
}

func (s *Store) ListUpcoming(ctx context.Context) ([]*models.Job, error) {
	ids, err := s.rdb.ZRange(ctx, s.keys.pending(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: list pending: %w", err)
	}
	return s.load(ctx, ids, func(j *models.Job) bool {
		return j.Status == models.StatusPending
	})
}

// FindDue reads the pending index up to now. The hash is the source of
// truth, so each candidate is checked again after loading.
func (s *Store) FindDue(ctx context.Context, now time.Time) ([]*models.Job, error) {
	ids, err := s.rdb.ZRangeByScore(ctx, s.keys.pending(), &redis.ZRangeBy{
		Min: "-inf",
		Max: scoreMax(now),
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("redis: fetch due schedules: %w", err)
	}
	return s.load(ctx, ids, func(j *models.Job) bool {
		return j.Due(now)
	})
}

func (s *Store) FindStuck(ctx context.Context, cutoff time.Time) ([]*models.Job, error) {
	ids, err := s.rdb.ZRangeByScore(ctx, s.keys.publishing(), &redis.ZRangeBy{
		Min: "-inf",
		Max: scoreMax(cutoff),
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("redis: fetch publishing schedules: %w", err)
	}
	return s.load(ctx, ids, func(j *models.Job) bool {
		return j.Status == models.StatusPublishing &&
			j.PublishingSince != nil && !j.PublishingSince.After(cutoff)
	})
}

// load fetches the hashes for ids in one pipeline and keeps those that
// pass keep. Index entries whose hash is gone or unreadable are skipped.
func (s *Store) load(ctx context.Context, ids []string, keep func(*models.Job) bool) ([]*models.Job, error) {
	if len(ids) == 0 {
		return []*models.Job{}, nil
	}

	pipe := s.rdb.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, s.keys.job(id))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("redis: load schedules: %w", err)
	}

	jobs := make([]*models.Job, 0, len(ids))
	for i, cmd := range cmds {
		vals := cmd.Val()
		if len(vals) == 0 {
			s.logger.Warn("index points at missing schedule", slog.String("job_id", ids[i]))
			continue
		}
		j, err := mapToJob(vals)
		if err != nil {
			s.logger.Warn("skipping unreadable schedule",
				slog.String("job_id", ids[i]),
				slog.String("error", err.Error()),
			)
			continue
		}
		if keep(j) {
			jobs = append(jobs, j)
		}
	}

	schedule.SortByPublishAt(jobs)
	return jobs, nil
}
