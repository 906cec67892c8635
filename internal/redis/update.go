package redisq

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/ak3tsm7/scheduled-publisher/internal/models"
	"github.com/ak3tsm7/scheduled-publisher/internal/schedule"
)

// maxTxAttempts bounds optimistic-lock retries when another client writes
// the same job between WATCH and EXEC.
const maxTxAttempts = 5

func (s *Store) Update(ctx context.Context, id string, patch models.Patch) (*models.Job, error) {
	return s.mutate(ctx, id, "", patch)
}

// Transition runs the status check and the write under WATCH, so a
// concurrent cancel and dispatch cannot both succeed.
func (s *Store) Transition(ctx context.Context, id string, from models.Status, patch models.Patch) (*models.Job, error) {
	return s.mutate(ctx, id, from, patch)
}

func (s *Store) mutate(ctx context.Context, id string, from models.Status, patch models.Patch) (*models.Job, error) {
	key := s.keys.job(id)

	var updated *models.Job
	txf := func(tx *redis.Tx) error {
		vals, err := tx.HGetAll(ctx, key).Result()
		if err != nil {
			return err
		}
		if len(vals) == 0 {
			return schedule.ErrNotFound
		}
		job, err := mapToJob(vals)
		if err != nil {
			return err
		}
		if from != "" {
			if err := schedule.CheckTransition(job, from); err != nil {
				return err
			}
		}

		job.Apply(patch, s.now())
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			s.writeJob(ctx, pipe, job)
			return nil
		})
		if err != nil {
			return err
		}
		updated = job
		return nil
	}

	for attempt := 0; attempt < maxTxAttempts; attempt++ {
		err := s.rdb.Watch(ctx, txf, key)
		if err == nil {
			return updated, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if errors.Is(err, schedule.ErrNotFound) || errors.Is(err, schedule.ErrStatusConflict) {
			return nil, err
		}
		return nil, fmt.Errorf("redis: update schedule %s: %w", id, err)
	}
	return nil, fmt.Errorf("redis: update schedule %s: %w", id, redis.TxFailedErr)
}
