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

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ak3tsm7/scheduled-publisher/internal/bootstrap"
	"github.com/ak3tsm7/scheduled-publisher/internal/config"
	"github.com/ak3tsm7/scheduled-publisher/internal/dispatch"
	"github.com/ak3tsm7/scheduled-publisher/internal/metrics"
	"github.com/ak3tsm7/scheduled-publisher/internal/models"
)

const defaultDispatchSchedule = "@every 1m"

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
	if cfg.DispatchSchedule == "" {
		cfg.DispatchSchedule = defaultDispatchSchedule
	}

	metrics.Register()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	metricsSrv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	defer metricsSrv.Close()
	go func() {
		fmt.Printf("Metrics server started on %s/metrics\n", cfg.MetricsAddr)
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			fmt.Printf("Failed to start metrics server: %v\n", err)
		}
	}()

	app, err := bootstrap.New(ctx, cfg, logger)
	if err != nil {
		fmt.Println("Failed to start:", err)
		return 1
	}
	defer app.Close()

	if !app.Dispatcher.Enabled() {
		fmt.Println("No schedule store configured - nothing to dispatch")
		return 1
	}

	fmt.Printf("Worker started (store=%s, schedule=%q, concurrency=%d)\n",
		cfg.StoreDriver, cfg.DispatchSchedule, cfg.DispatchConcurrency)

	// First tick right away so due jobs do not wait a full interval after a restart
	printReport(app.Dispatcher.Tick(ctx))

	c, err := dispatch.Schedule(ctx, app.Dispatcher, cfg.DispatchSchedule, logger)
	if err != nil {
		fmt.Println("Invalid DISPATCH_SCHEDULE:", err)
		return 1
	}
	c.Start()
	fmt.Println("Waiting for due jobs...")

	<-ctx.Done()
	fmt.Println("\nShutting down...")
	<-c.Stop().Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		fmt.Println("Metrics shutdown error:", err)
	}
	fmt.Println("✓ Worker stopped")
	return 0
}

func printReport(r *dispatch.TickReport) {
	if r.Err != nil {
		fmt.Println("Dispatch failed:", r.Err)
		return
	}
	if r.Reclaimed > 0 {
		fmt.Printf("   Reclaimed %d stuck jobs\n", r.Reclaimed)
	}
	s := r.Summary
	fmt.Printf("   Processed %d | published=%d failed=%d skipped=%d\n",
		s.Processed,
		s.Count(models.StatusPublished),
		s.Count(models.StatusFailed),
		s.Count(models.OutcomeSkipped),
	)
}
