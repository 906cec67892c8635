package schedule

import "time"

// DefaultThreshold is how far ahead a publish time must be before the
// request is queued instead of published right away.
const DefaultThreshold = 3 * time.Minute

type Decision int

const (
	Immediate Decision = iota
	Enqueue
)

func (d Decision) String() string {
	if d == Enqueue {
		return "enqueue"
	}
	return "immediate"
}

// Decide chooses between publishing now and queueing. A nil publishAt, or
// one no more than threshold ahead of now, publishes immediately.
func Decide(now time.Time, publishAt *time.Time, threshold time.Duration) Decision {
	if publishAt == nil {
		return Immediate
	}
	if publishAt.Sub(now) <= threshold {
		return Immediate
	}
	return Enqueue
}

// Config gates scheduling. When Enabled is false no durable store is
// available: submissions can only publish immediately and reads are empty.
type Config struct {
	Enabled   bool
	Threshold time.Duration
}

func (c Config) threshold() time.Duration {
	if c.Threshold <= 0 {
		return DefaultThreshold
	}
	return c.Threshold
}
