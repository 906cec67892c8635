package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ak3tsm7/scheduled-publisher/internal/bootstrap"
	"github.com/ak3tsm7/scheduled-publisher/internal/config"
	"github.com/ak3tsm7/scheduled-publisher/internal/models"
	"github.com/ak3tsm7/scheduled-publisher/internal/publisher"
)

type benchConfig struct {
	driver      string
	addr        string
	sqlitePath  string
	jobs        int
	seeders     int
	concurrency int
	latencyMs   int
	shouldFail  bool
}

func main() {
	bc := parseFlags()
	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}
	cfg.StoreDriver = bc.driver
	cfg.RedisAddr = bc.addr
	cfg.SQLitePath = bc.sqlitePath
	cfg.DispatchConcurrency = bc.concurrency

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	app, err := bootstrap.New(ctx, cfg, logger)
	if err != nil {
		log.Fatalf("bootstrap failed: %v", err)
	}
	defer app.Close()
	if app.Store == nil {
		app.Close()
		log.Fatalf("no schedule store configured for driver %s", bc.driver)
	}
	app.Wire(simulatedPublisher(bc), logger)

	log.Printf("Starting benchmark: driver=%s jobs=%d concurrency=%d latency_ms=%d fail=%v",
		bc.driver, bc.jobs, bc.concurrency, bc.latencyMs, bc.shouldFail)

	seedStart := time.Now()
	seeded := seedJobs(ctx, app, bc)
	log.Printf("Seeded %d due jobs in %v", seeded, time.Since(seedStart))

	start := time.Now()
	summary, err := app.Dispatcher.Run(ctx)
	if err != nil {
		app.Close()
		log.Fatalf("dispatch failed: %v", err)
	}
	duration := time.Since(start)

	log.Printf("Benchmark complete in %v: processed=%d published=%d failed=%d skipped=%d (%.1f jobs/s)",
		duration,
		summary.Processed,
		summary.Count(models.StatusPublished),
		summary.Count(models.StatusFailed),
		summary.Count(models.OutcomeSkipped),
		float64(summary.Processed)/duration.Seconds(),
	)
}

func parseFlags() benchConfig {
	cfg := benchConfig{}
	flag.StringVar(&cfg.driver, "driver", envOr("STORE_DRIVER", config.DriverRedis), "redis|sqlite|memory")
	flag.StringVar(&cfg.addr, "addr", envOr("REDIS_ADDR", "localhost:6379"), "redis address")
	flag.StringVar(&cfg.sqlitePath, "sqlite", envOr("SQLITE_PATH", "bench.db"), "sqlite database path")
	flag.IntVar(&cfg.jobs, "jobs", envInt("BENCH_JOBS", 100), "number of jobs")
	flag.IntVar(&cfg.seeders, "seeders", envInt("BENCH_SEEDERS", 10), "seeding workers")
	flag.IntVar(&cfg.concurrency, "concurrency", envInt("BENCH_CONCURRENCY", 10), "dispatch concurrency")
	flag.IntVar(&cfg.latencyMs, "latency", envInt("BENCH_LATENCY_MS", 50), "simulated publish latency ms")
	flag.BoolVar(&cfg.shouldFail, "fail", envBool("BENCH_FAIL", false), "make every publish fail")
	flag.Parse()

	switch cfg.driver {
	case config.DriverRedis, config.DriverSQLite, config.DriverMemory:
	default:
		log.Fatalf("driver must be redis|sqlite|memory")
	}
	if cfg.concurrency < 1 || cfg.seeders < 1 {
		log.Fatalf("concurrency and seeders must be at least 1")
	}
	return cfg
}

func simulatedPublisher(cfg benchConfig) publisher.Publisher {
	latency := time.Duration(cfg.latencyMs) * time.Millisecond
	var mu sync.Mutex
	seq := 0
	return publisher.Func(func(ctx context.Context, req publisher.Request) (*publisher.Result, error) {
		select {
		case <-time.After(latency):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if cfg.shouldFail {
			return nil, errors.New("simulated publish failure (BENCH_FAIL=true)")
		}
		mu.Lock()
		seq++
		id := seq
		mu.Unlock()
		return &publisher.Result{ContainerID: fmt.Sprintf("bench-container-%d", id), MediaID: fmt.Sprintf("bench-media-%d", id)}, nil
	})
}

func seedJobs(ctx context.Context, app *bootstrap.App, cfg benchConfig) int {
	publishAt := time.Now().Add(-time.Second)
	workCh := make(chan int)
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		seeded int
	)
	wg.Add(cfg.seeders)

	for i := 0; i < cfg.seeders; i++ {
		go func() {
			defer wg.Done()
			for idx := range workCh {
				caption := fmt.Sprintf("bench post #%d", idx)
				imageURL := fmt.Sprintf("https://example.com/bench/%d.jpg", idx)
				if _, err := app.Store.Create(ctx, caption, imageURL, publishAt); err != nil {
					log.Printf("seed failed: %v", err)
					continue
				}
				mu.Lock()
				seeded++
				mu.Unlock()
			}
		}()
	}

	for i := 0; i < cfg.jobs; i++ {
		workCh <- i
	}
	close(workCh)
	wg.Wait()

	return seeded
}

// util helpers
func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		var b bool
		if err := json.Unmarshal([]byte(strings.ToLower(v)), &b); err == nil {
			return b
		}
	}
	return def
}
