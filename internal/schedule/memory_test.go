package schedule_test

import (
	"testing"

	"github.com/ak3tsm7/scheduled-publisher/internal/schedule"
	"github.com/ak3tsm7/scheduled-publisher/internal/schedule/storetest"
)

func TestMemoryStore(t *testing.T) {
	storetest.Run(t, func(_ *testing.T, clock *storetest.Clock) schedule.Store {
		return schedule.NewMemoryStore(clock.Now)
	})
}
