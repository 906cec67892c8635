// Package storetest is a conformance suite shared by every schedule.Store
// implementation.
package storetest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ak3tsm7/scheduled-publisher/internal/models"
	"github.com/ak3tsm7/scheduled-publisher/internal/schedule"
)

// Clock is a manually advanced time source.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

func NewClock(start time.Time) *Clock {
	return &Clock{now: start.UTC()}
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Factory returns a fresh, empty store that reads time from clock.
type Factory func(t *testing.T, clock *Clock) schedule.Store

var epoch = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

// Run exercises the Store contract against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("CreateValidates", func(t *testing.T) { testCreateValidates(t, newStore) })
	t.Run("CreateAndGet", func(t *testing.T) { testCreateAndGet(t, newStore) })
	t.Run("UpdateUnknown", func(t *testing.T) { testUpdateUnknown(t, newStore) })
	t.Run("UpdateBumpsUpdatedAt", func(t *testing.T) { testUpdateBumpsUpdatedAt(t, newStore) })
	t.Run("Transition", func(t *testing.T) { testTransition(t, newStore) })
	t.Run("ListUpcoming", func(t *testing.T) { testListUpcoming(t, newStore) })
	t.Run("FindDue", func(t *testing.T) { testFindDue(t, newStore) })
	t.Run("FindStuck", func(t *testing.T) { testFindStuck(t, newStore) })
}

func testCreateValidates(t *testing.T, newStore Factory) {
	clock := NewClock(epoch)
	s := newStore(t, clock)
	ctx := context.Background()

	tests := []struct {
		name      string
		caption   string
		imageURL  string
		publishAt time.Time
		field     string
	}{
		{"empty caption", "  ", "https://cdn.x/a.jpg", epoch.Add(time.Hour), "caption"},
		{"empty image", "hi", "", epoch.Add(time.Hour), "imageUrl"},
		{"zero time", "hi", "https://cdn.x/a.jpg", time.Time{}, "publishAt"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.Create(ctx, tt.caption, tt.imageURL, tt.publishAt)
			var ve *schedule.ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("expected ValidationError, got %v", err)
			}
			if ve.Field != tt.field {
				t.Fatalf("field = %q, want %q", ve.Field, tt.field)
			}
		})
	}

	upcoming, err := s.ListUpcoming(ctx)
	if err != nil {
		t.Fatalf("ListUpcoming: %v", err)
	}
	if len(upcoming) != 0 {
		t.Fatalf("invalid input persisted %d jobs", len(upcoming))
	}
}

func testCreateAndGet(t *testing.T, newStore Factory) {
	clock := NewClock(epoch)
	s := newStore(t, clock)
	ctx := context.Background()

	publishAt := epoch.Add(10 * time.Minute)
	j, err := s.Create(ctx, " Launch! ", "https://cdn.x/img.jpg", publishAt)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if j.ID == "" || j.Status != models.StatusPending {
		t.Fatalf("unexpected job %+v", j)
	}
	if j.Caption != "Launch!" {
		t.Fatalf("caption = %q, want trimmed", j.Caption)
	}
	if !j.CreatedAt.Equal(epoch) || !j.UpdatedAt.Equal(epoch) {
		t.Fatalf("timestamps = %v/%v, want %v", j.CreatedAt, j.UpdatedAt, epoch)
	}

	got, err := s.Get(ctx, j.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.ID != j.ID || got.ImageURL != j.ImageURL || !got.PublishAt.Equal(publishAt) {
		t.Fatalf("Get returned %+v, want %+v", got, j)
	}

	if _, err := s.Get(ctx, "missing"); !errors.Is(err, schedule.ErrNotFound) {
		t.Fatalf("Get(missing) = %v, want ErrNotFound", err)
	}
}

func testUpdateUnknown(t *testing.T, newStore Factory) {
	s := newStore(t, NewClock(epoch))

	_, err := s.Update(context.Background(), "nope", models.StatusPatch(models.StatusCancelled))
	if !errors.Is(err, schedule.ErrNotFound) {
		t.Fatalf("Update(unknown) = %v, want ErrNotFound", err)
	}
}

func testUpdateBumpsUpdatedAt(t *testing.T, newStore Factory) {
	clock := NewClock(epoch)
	s := newStore(t, clock)
	ctx := context.Background()

	j, err := s.Create(ctx, "c", "https://cdn.x/a.jpg", epoch.Add(time.Hour))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	clock.Advance(time.Minute)
	updated, err := s.Update(ctx, j.ID, models.StatusPatch(models.StatusPublishing))
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if updated.Status != models.StatusPublishing {
		t.Fatalf("status = %s", updated.Status)
	}
	if !updated.UpdatedAt.Equal(epoch.Add(time.Minute)) {
		t.Fatalf("updatedAt = %v, want %v", updated.UpdatedAt, epoch.Add(time.Minute))
	}
	if !updated.CreatedAt.Equal(epoch) {
		t.Fatalf("createdAt changed to %v", updated.CreatedAt)
	}
	if updated.PublishingSince == nil || !updated.PublishingSince.Equal(epoch.Add(time.Minute)) {
		t.Fatalf("publishingSince = %v", updated.PublishingSince)
	}

	clock.Advance(time.Minute)
	done, err := s.Update(ctx, j.ID, models.PublishedPatch("media-1"))
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if done.ExternalID != "media-1" || done.ErrorMessage != "" {
		t.Fatalf("unexpected published job %+v", done)
	}

	got, err := s.Get(ctx, j.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != models.StatusPublished || got.ExternalID != "media-1" {
		t.Fatalf("persisted job %+v", got)
	}
}

func testTransition(t *testing.T, newStore Factory) {
	clock := NewClock(epoch)
	s := newStore(t, clock)
	ctx := context.Background()

	j, err := s.Create(ctx, "c", "https://cdn.x/a.jpg", epoch.Add(time.Hour))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	cancelled, err := s.Transition(ctx, j.ID, models.StatusPending, models.StatusPatch(models.StatusCancelled))
	if err != nil {
		t.Fatalf("Transition: %v", err)
	}
	if cancelled.Status != models.StatusCancelled {
		t.Fatalf("status = %s", cancelled.Status)
	}

	_, err = s.Transition(ctx, j.ID, models.StatusPending, models.StatusPatch(models.StatusPublishing))
	if !errors.Is(err, schedule.ErrStatusConflict) {
		t.Fatalf("second transition = %v, want conflict", err)
	}
	var ce *schedule.ConflictError
	if !errors.As(err, &ce) || ce.Actual != models.StatusCancelled {
		t.Fatalf("conflict detail = %+v", ce)
	}

	got, err := s.Get(ctx, j.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != models.StatusCancelled {
		t.Fatalf("conflicting transition mutated status to %s", got.Status)
	}

	_, err = s.Transition(ctx, "missing", models.StatusPending, models.StatusPatch(models.StatusCancelled))
	if !errors.Is(err, schedule.ErrNotFound) {
		t.Fatalf("Transition(missing) = %v, want ErrNotFound", err)
	}
}

func testListUpcoming(t *testing.T, newStore Factory) {
	clock := NewClock(epoch)
	s := newStore(t, clock)
	ctx := context.Background()

	late := mustCreate(t, s, epoch.Add(3*time.Hour))
	early := mustCreate(t, s, epoch.Add(time.Hour))
	mid := mustCreate(t, s, epoch.Add(2*time.Hour))
	gone := mustCreate(t, s, epoch.Add(30*time.Minute))

	if _, err := s.Update(ctx, gone.ID, models.StatusPatch(models.StatusCancelled)); err != nil {
		t.Fatalf("Update: %v", err)
	}

	got, err := s.ListUpcoming(ctx)
	if err != nil {
		t.Fatalf("ListUpcoming: %v", err)
	}
	assertIDs(t, got, early.ID, mid.ID, late.ID)
}

func testFindDue(t *testing.T, newStore Factory) {
	clock := NewClock(epoch)
	s := newStore(t, clock)
	ctx := context.Background()

	ancient := mustCreate(t, s, time.Date(1600, 1, 1, 0, 0, 0, 0, time.UTC))
	past := mustCreate(t, s, epoch.Add(-time.Minute))
	exact := mustCreate(t, s, epoch)
	mustCreate(t, s, epoch.Add(time.Second))
	farFuture := mustCreate(t, s, time.Date(2300, 1, 1, 0, 0, 0, 0, time.UTC))
	claimed := mustCreate(t, s, epoch.Add(-time.Hour))
	cancelled := mustCreate(t, s, epoch.Add(-2*time.Hour))

	if _, err := s.Update(ctx, claimed.ID, models.StatusPatch(models.StatusPublishing)); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if _, err := s.Update(ctx, cancelled.ID, models.StatusPatch(models.StatusCancelled)); err != nil {
		t.Fatalf("Update: %v", err)
	}

	due, err := s.FindDue(ctx, epoch)
	if err != nil {
		t.Fatalf("FindDue: %v", err)
	}
	assertIDs(t, due, ancient.ID, past.ID, exact.ID)
	for _, j := range due {
		if j.PublishAt.After(epoch) || j.Status != models.StatusPending {
			t.Fatalf("FindDue returned ineligible job %+v", j)
		}
	}

	got, err := s.Get(ctx, farFuture.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !got.PublishAt.Equal(farFuture.PublishAt) {
		t.Fatalf("publishAt = %v, want %v", got.PublishAt, farFuture.PublishAt)
	}
	if got, _ := s.Get(ctx, ancient.ID); !got.PublishAt.Equal(ancient.PublishAt) {
		t.Fatalf("publishAt = %v, want %v", got.PublishAt, ancient.PublishAt)
	}
}

func testFindStuck(t *testing.T, newStore Factory) {
	clock := NewClock(epoch)
	s := newStore(t, clock)
	ctx := context.Background()

	old := mustCreate(t, s, epoch)
	fresh := mustCreate(t, s, epoch)
	mustCreate(t, s, epoch)

	if _, err := s.Update(ctx, old.ID, models.StatusPatch(models.StatusPublishing)); err != nil {
		t.Fatalf("Update: %v", err)
	}
	clock.Advance(10 * time.Minute)
	if _, err := s.Update(ctx, fresh.ID, models.StatusPatch(models.StatusPublishing)); err != nil {
		t.Fatalf("Update: %v", err)
	}

	stuck, err := s.FindStuck(ctx, epoch.Add(5*time.Minute))
	if err != nil {
		t.Fatalf("FindStuck: %v", err)
	}
	assertIDs(t, stuck, old.ID)
}

func mustCreate(t *testing.T, s schedule.Store, publishAt time.Time) *models.Job {
	t.Helper()
	j, err := s.Create(context.Background(), "caption", "https://cdn.x/img.jpg", publishAt)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return j
}

func assertIDs(t *testing.T, jobs []*models.Job, want ...string) {
	t.Helper()
	if len(jobs) != len(want) {
		got := make([]string, len(jobs))
		for i, j := range jobs {
			got[i] = j.ID
		}
		t.Fatalf("got ids %v, want %v", got, want)
	}
	for i, j := range jobs {
		if j.ID != want[i] {
			t.Fatalf("position %d: got %s, want %s", i, j.ID, want[i])
		}
	}
}
