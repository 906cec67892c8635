package main

import (
	"context"
	"fmt"
	"time"

	"github.com/ak3tsm7/scheduled-publisher/internal/dispatch"
)

// recoverStuckJobs fails schedules left in publishing by a process that died
// before recording an outcome.
func recoverStuckJobs(ctx context.Context, d *dispatch.Dispatcher, timeout time.Duration) {
	if timeout <= 0 {
		fmt.Println("PUBLISHING_TIMEOUT not set - skipping recovery")
		return
	}

	recovered, err := d.Reclaim(ctx)
	if err != nil {
		fmt.Println("Error scanning for stuck jobs:", err)
		return
	}

	if recovered > 0 {
		fmt.Printf("✓ Recovery complete: %d stuck jobs marked failed (older than %v)\n", recovered, timeout)
	} else {
		fmt.Println("✓ No stuck jobs found")
	}
}
