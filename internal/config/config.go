package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ak3tsm7/scheduled-publisher/internal/publisher"
	"github.com/ak3tsm7/scheduled-publisher/internal/schedule"
)

const (
	DriverRedis  = "redis"
	DriverSQLite = "sqlite"
	DriverMemory = "memory"
)

// Config is read from the environment.
type Config struct {
	HTTPAddr    string
	MetricsAddr string

	StoreDriver   string
	RedisAddr     string
	RedisURL      string
	RedisPassword string
	RedisDB       int
	SQLitePath    string

	Threshold           time.Duration
	DispatchSchedule    string
	DispatchConcurrency int
	PublishingTimeout   time.Duration

	InstagramAccessToken string
	InstagramUserID      string
	GraphBaseURL         string
	RateLimitPerMinute   int

	CronSecret string
}

// Load reads the configuration from the process environment.
func Load() (Config, error) {
	return LoadFrom(os.Getenv)
}

// LoadFrom reads the configuration through getenv.
func LoadFrom(getenv func(string) string) (Config, error) {
	e := env{getenv: getenv}

	cfg := Config{
		HTTPAddr:    e.str("HTTP_ADDR", ":8080"),
		MetricsAddr: e.str("METRICS_ADDR", ":2113"),

		StoreDriver:   strings.ToLower(e.str("STORE_DRIVER", DriverRedis)),
		RedisAddr:     e.str("REDIS_ADDR", ""),
		RedisURL:      e.str("REDIS_URL", ""),
		RedisPassword: e.str("REDIS_PASSWORD", ""),
		RedisDB:       e.integer("REDIS_DB", 0),
		SQLitePath:    e.str("SQLITE_PATH", ""),

		Threshold:           e.duration("SCHEDULING_THRESHOLD", schedule.DefaultThreshold),
		DispatchSchedule:    e.str("DISPATCH_SCHEDULE", ""),
		DispatchConcurrency: e.integer("DISPATCH_CONCURRENCY", 1),
		PublishingTimeout:   e.duration("PUBLISHING_TIMEOUT", 0),

		InstagramAccessToken: e.str("INSTAGRAM_ACCESS_TOKEN", ""),
		InstagramUserID:      e.str("INSTAGRAM_USER_ID", ""),
		GraphBaseURL:         e.str("GRAPH_API_BASE_URL", publisher.DefaultGraphBaseURL),
		RateLimitPerMinute:   e.integer("RATE_LIMIT_PER_MINUTE", 60),

		CronSecret: e.str("CRON_SECRET", ""),
	}

	if e.err != nil {
		return Config{}, e.err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks values that parse but make no sense.
func (c Config) Validate() error {
	switch c.StoreDriver {
	case DriverRedis, DriverSQLite, DriverMemory:
	default:
		return fmt.Errorf("invalid STORE_DRIVER %q: want redis, sqlite or memory", c.StoreDriver)
	}
	if c.Threshold < 0 {
		return fmt.Errorf("invalid SCHEDULING_THRESHOLD %s: must not be negative", c.Threshold)
	}
	if c.PublishingTimeout < 0 {
		return fmt.Errorf("invalid PUBLISHING_TIMEOUT %s: must not be negative", c.PublishingTimeout)
	}
	if c.DispatchConcurrency < 1 {
		return fmt.Errorf("invalid DISPATCH_CONCURRENCY %d: must be at least 1", c.DispatchConcurrency)
	}
	if c.RateLimitPerMinute < 1 {
		return fmt.Errorf("invalid RATE_LIMIT_PER_MINUTE %d: must be at least 1", c.RateLimitPerMinute)
	}
	return nil
}

// SchedulingEnabled reports whether a durable store is configured. Without
// one every endpoint degrades to immediate publishing or empty reads.
func (c Config) SchedulingEnabled() bool {
	switch c.StoreDriver {
	case DriverRedis:
		return c.RedisAddr != "" || c.RedisURL != ""
	case DriverSQLite:
		return c.SQLitePath != ""
	case DriverMemory:
		return true
	}
	return false
}

func (c Config) Scheduling() schedule.Config {
	return schedule.Config{Enabled: c.SchedulingEnabled(), Threshold: c.Threshold}
}

type env struct {
	getenv func(string) string
	err    error
}

func (e *env) str(key, def string) string {
	if v := strings.TrimSpace(e.getenv(key)); v != "" {
		return v
	}
	return def
}

func (e *env) integer(key string, def int) int {
	v := strings.TrimSpace(e.getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.fail(fmt.Errorf("invalid %s %q: %w", key, v, err))
		return def
	}
	return n
}

func (e *env) duration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(e.getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.fail(fmt.Errorf("invalid %s %q: %w", key, v, err))
		return def
	}
	return d
}

func (e *env) fail(err error) {
	if e.err == nil {
		e.err = err
	}
}
