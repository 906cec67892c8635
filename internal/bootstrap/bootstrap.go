// Package bootstrap turns a config.Config into the store, publisher and
// core components shared by the binaries.
package bootstrap

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/ak3tsm7/scheduled-publisher/internal/config"
	"github.com/ak3tsm7/scheduled-publisher/internal/dispatch"
	"github.com/ak3tsm7/scheduled-publisher/internal/publisher"
	redisq "github.com/ak3tsm7/scheduled-publisher/internal/redis"
	"github.com/ak3tsm7/scheduled-publisher/internal/schedule"
	sqlitestore "github.com/ak3tsm7/scheduled-publisher/internal/sqlite"
)

// App holds the wired components. Store is nil when scheduling is disabled.
type App struct {
	Config     config.Config
	Store      schedule.Store
	Publisher  publisher.Publisher
	Service    *schedule.Service
	Dispatcher *dispatch.Dispatcher

	closers []func() error
}

// New opens the configured store and builds the service and dispatcher.
// A store that cannot be reached is an error; a store that is simply not
// configured disables scheduling.
func New(ctx context.Context, cfg config.Config, logger *slog.Logger) (*App, error) {
	app := &App{Config: cfg}

	if cfg.SchedulingEnabled() {
		if err := app.openStore(ctx, logger); err != nil {
			return nil, err
		}
	} else {
		logger.Warn("scheduling disabled: no store configured", slog.String("driver", cfg.StoreDriver))
	}

	pub, err := publisher.NewGraphClient(cfg.GraphBaseURL, cfg.InstagramUserID, cfg.InstagramAccessToken,
		publisher.WithRateLimit(cfg.RateLimitPerMinute),
		publisher.WithLogger(logger),
	)
	if err != nil {
		app.Close()
		return nil, err
	}

	app.Wire(pub, logger)
	return app, nil
}

// Wire builds the service and dispatcher around pub and the opened store.
func (a *App) Wire(pub publisher.Publisher, logger *slog.Logger) {
	a.Publisher = pub
	sc := a.Config.Scheduling()
	if a.Store == nil {
		sc.Enabled = false
	}
	a.Service = schedule.NewService(sc, a.Store, pub, schedule.WithLogger(logger))
	a.Dispatcher = dispatch.New(sc, a.Store, pub,
		dispatch.WithLogger(logger),
		dispatch.WithConcurrency(a.Config.DispatchConcurrency),
		dispatch.WithPublishingTimeout(a.Config.PublishingTimeout),
	)
}

func (a *App) openStore(ctx context.Context, logger *slog.Logger) error {
	cfg := a.Config
	switch cfg.StoreDriver {
	case config.DriverRedis:
		opts := &redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB}
		if cfg.RedisURL != "" {
			parsed, err := redis.ParseURL(cfg.RedisURL)
			if err != nil {
				return fmt.Errorf("parse REDIS_URL: %w", err)
			}
			opts = parsed
		}
		rdb := redis.NewClient(opts)
		if err := rdb.Ping(ctx).Err(); err != nil {
			rdb.Close()
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
		a.closers = append(a.closers, rdb.Close)
		a.Store = redisq.New(rdb, redisq.WithLogger(logger))

	case config.DriverSQLite:
		s, err := sqlitestore.Open(cfg.SQLitePath, sqlitestore.WithLogger(logger))
		if err != nil {
			return err
		}
		a.closers = append(a.closers, s.Close)
		a.Store = s

	case config.DriverMemory:
		a.Store = schedule.NewMemoryStore(nil)
	}

	logger.Info("schedule store ready", slog.String("driver", cfg.StoreDriver))
	return nil
}

// Close releases store connections.
func (a *App) Close() error {
	var first error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil && first == nil {
			first = err
		}
	}
	a.closers = nil
	return first
}
