// Package redisq stores publish jobs in Redis. Each job is a hash; a sorted
// set of pending job ids scored by publish time drives due lookups, and a
// second one scored by publishing start time finds stuck jobs.
package redisq

import (
	"context"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ak3tsm7/scheduled-publisher/internal/schedule"
)

var _ schedule.Store = (*Store)(nil)

// Option configures the Store.
type Option func(*Store)

func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithKeyPrefix namespaces every key, "spub:" by default.
func WithKeyPrefix(prefix string) Option {
	return func(s *Store) { s.keys = keys{prefix: prefix} }
}

type Store struct {
	rdb    redis.UniversalClient
	keys   keys
	logger *slog.Logger
	now    func() time.Time
}

// New wraps rdb. The caller owns the client lifecycle.
func New(rdb redis.UniversalClient, opts ...Option) *Store {
	s := &Store{
		rdb:    rdb,
		keys:   keys{prefix: defaultPrefix},
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}
