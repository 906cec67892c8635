package dispatch

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"

	"github.com/ak3tsm7/scheduled-publisher/internal/models"
)

// Schedule registers a dispatch tick on a new cron runner. spec accepts the
// standard five fields and descriptors such as "@every 1m". Each tick
// reclaims stuck jobs and then runs a batch; a tick that is still running
// makes the next one skip. The caller starts and stops the returned runner.
func Schedule(ctx context.Context, d *Dispatcher, spec string, logger *slog.Logger) (*cron.Cron, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cl := cronLogger{logger: logger}

	c := cron.New(
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	_, err := c.AddFunc(spec, func() { d.Tick(ctx) })
	if err != nil {
		return nil, fmt.Errorf("parse dispatch schedule %q: %w", spec, err)
	}
	return c, nil
}

// Tick reclaims stuck jobs and runs one batch, logging instead of
// returning errors.
func (d *Dispatcher) Tick(ctx context.Context) *TickReport {
	report := &TickReport{}

	n, err := d.Reclaim(ctx)
	if err != nil {
		d.logger.Error("reclaim failed", slog.String("error", err.Error()))
	}
	report.Reclaimed = n

	summary, err := d.Run(ctx)
	if err != nil {
		d.logger.Error("dispatch run failed", slog.String("error", err.Error()))
		report.Err = err
		return report
	}
	report.Summary = summary
	return report
}

// TickReport is the outcome of one Tick.
type TickReport struct {
	Reclaimed int
	Summary   *models.Summary
	Err       error
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error("cron: "+msg, append([]interface{}{slog.String("error", err.Error())}, keysAndValues...)...)
}
