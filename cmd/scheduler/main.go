package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ak3tsm7/scheduled-publisher/internal/api"
	"github.com/ak3tsm7/scheduled-publisher/internal/bootstrap"
	"github.com/ak3tsm7/scheduled-publisher/internal/config"
	"github.com/ak3tsm7/scheduled-publisher/internal/dispatch"
	"github.com/ak3tsm7/scheduled-publisher/internal/metrics"
)

func main() {
	os.Exit(run())
}

func run() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		fmt.Println("Invalid configuration:", err)
		return 1
	}

	metrics.Register()

	app, err := bootstrap.New(ctx, cfg, logger)
	if err != nil {
		fmt.Println("Failed to start:", err)
		return 1
	}
	defer app.Close()

	if app.Store != nil {
		fmt.Printf("Connected to %s schedule store\n", cfg.StoreDriver)

		// Run recovery FIRST so jobs left in publishing by a crash are settled
		fmt.Println("Running recovery scan...")
		recoverStuckJobs(ctx, app.Dispatcher, cfg.PublishingTimeout)
	} else {
		fmt.Println("No schedule store configured - immediate publishing only")
	}

	if cfg.DispatchSchedule != "" && app.Dispatcher.Enabled() {
		c, err := dispatch.Schedule(ctx, app.Dispatcher, cfg.DispatchSchedule, logger)
		if err != nil {
			fmt.Println("Invalid DISPATCH_SCHEDULE:", err)
			return 1
		}
		c.Start()
		defer func() { <-c.Stop().Done() }()
		fmt.Printf("In-process dispatch scheduled (%s)\n", cfg.DispatchSchedule)
	}

	opts := []api.Option{api.WithLogger(logger), api.WithCronSecret(cfg.CronSecret)}
	if app.Store != nil {
		opts = append(opts, api.WithHealthCheck(app.Store.Ping))
	}
	srv := api.NewHTTPServer(cfg.HTTPAddr, api.New(app.Service, app.Dispatcher, opts...).Handler())

	errCh := make(chan error, 1)
	go func() {
		fmt.Printf("API server listening on %s\n", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	code := 0
	select {
	case err := <-errCh:
		if err != nil {
			fmt.Println("API server failed:", err)
			code = 1
		}
	case <-ctx.Done():
		fmt.Println("\nShutting down...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		fmt.Println("Shutdown error:", err)
	}
	fmt.Println("✓ Scheduler stopped")
	return code
}
