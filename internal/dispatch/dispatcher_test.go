package dispatch

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ak3tsm7/scheduled-publisher/internal/models"
	"github.com/ak3tsm7/scheduled-publisher/internal/publisher"
	"github.com/ak3tsm7/scheduled-publisher/internal/schedule"
	"github.com/ak3tsm7/scheduled-publisher/internal/schedule/storetest"
)

var start = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

// scriptedPublisher fails any request whose caption starts with "fail".
type scriptedPublisher struct {
	mu    sync.Mutex
	calls []string
}

func (p *scriptedPublisher) Publish(_ context.Context, req publisher.Request) (*publisher.Result, error) {
	p.mu.Lock()
	p.calls = append(p.calls, req.Caption)
	p.mu.Unlock()

	if strings.HasPrefix(req.Caption, "fail") {
		return nil, &publisher.Error{Op: "create media container", StatusCode: 400, Message: "Invalid image URL"}
	}
	return &publisher.Result{ContainerID: "container-" + req.Caption, MediaID: "media-" + req.Caption}, nil
}

func (p *scriptedPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

func setup(t *testing.T, opts ...Option) (*Dispatcher, *schedule.MemoryStore, *scriptedPublisher, *storetest.Clock) {
	t.Helper()
	clock := storetest.NewClock(start)
	store := schedule.NewMemoryStore(clock.Now)
	pub := &scriptedPublisher{}
	opts = append([]Option{WithClock(clock.Now)}, opts...)
	d := New(schedule.Config{Enabled: true}, store, pub, opts...)
	return d, store, pub, clock
}

func create(t *testing.T, s schedule.Store, caption string, at time.Time) *models.Job {
	t.Helper()
	j, err := s.Create(context.Background(), caption, "https://cdn.x/"+caption+".jpg", at)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return j
}

func TestRunDisabled(t *testing.T) {
	t.Parallel()

	d := New(schedule.Config{Enabled: false}, schedule.NewMemoryStore(nil), &scriptedPublisher{})
	sum, err := d.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if sum.Processed != 0 || sum.Message != DisabledMessage {
		t.Fatalf("unexpected summary %+v", sum)
	}

	if New(schedule.Config{Enabled: true}, nil, &scriptedPublisher{}).Enabled() {
		t.Fatal("nil store must disable dispatch")
	}
}

func TestRunMixedBatch(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	d, store, pub, _ := setup(t)

	bad := create(t, store, "fail-me", start.Add(-2*time.Minute))
	good := create(t, store, "ok", start.Add(-time.Minute))
	later := create(t, store, "later", start.Add(time.Hour))

	sum, err := d.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if sum.Processed != 2 || len(sum.Results) != 2 {
		t.Fatalf("processed = %d, results = %+v", sum.Processed, sum.Results)
	}
	if sum.Results[0].ID != bad.ID || sum.Results[0].Status != models.StatusFailed || sum.Results[0].Error != "Invalid image URL" {
		t.Fatalf("first result %+v", sum.Results[0])
	}
	if sum.Results[1].ID != good.ID || sum.Results[1].Status != models.StatusPublished || sum.Results[1].Error != "" {
		t.Fatalf("second result %+v", sum.Results[1])
	}

	gotBad, _ := store.Get(ctx, bad.ID)
	if gotBad.Status != models.StatusFailed || gotBad.ErrorMessage == "" || gotBad.ExternalID != "" {
		t.Fatalf("failed job %+v", gotBad)
	}
	gotGood, _ := store.Get(ctx, good.ID)
	if gotGood.Status != models.StatusPublished || gotGood.ExternalID != "media-ok" || gotGood.ErrorMessage != "" {
		t.Fatalf("published job %+v", gotGood)
	}
	gotLater, _ := store.Get(ctx, later.ID)
	if gotLater.Status != models.StatusPending {
		t.Fatalf("future job touched: %+v", gotLater)
	}
	if pub.count() != 2 {
		t.Fatalf("publisher calls = %d", pub.count())
	}
}

func TestRunDoesNotRepublish(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	d, store, pub, clock := setup(t)

	create(t, store, "once", start)

	if _, err := d.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	clock.Advance(time.Hour)
	sum, err := d.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if sum.Processed != 0 {
		t.Fatalf("second run processed %d", sum.Processed)
	}
	if pub.count() != 1 {
		t.Fatalf("published %d times", pub.count())
	}
}

func TestScheduledScenario(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	d, store, _, clock := setup(t)

	job := create(t, store, "Launch!", start.Add(10*time.Minute))

	sum, err := d.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if sum.Processed != 0 {
		t.Fatalf("run before due processed %d", sum.Processed)
	}

	clock.Advance(11 * time.Minute)
	sum, err = d.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if sum.Processed != 1 || sum.Results[0].Status != models.StatusPublished {
		t.Fatalf("summary %+v", sum)
	}
	got, _ := store.Get(ctx, job.ID)
	if got.Status != models.StatusPublished {
		t.Fatalf("status = %s", got.Status)
	}
}

// cancellingStore cancels the job right after FindDue returns, simulating
// a cancel request racing the dispatcher.
type cancellingStore struct {
	*schedule.MemoryStore
}

func (s cancellingStore) FindDue(ctx context.Context, now time.Time) ([]*models.Job, error) {
	due, err := s.MemoryStore.FindDue(ctx, now)
	for _, j := range due {
		_, _ = s.MemoryStore.Transition(ctx, j.ID, models.StatusPending, models.StatusPatch(models.StatusCancelled))
	}
	return due, err
}

func TestRunSkipsJobsCancelledMidRun(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clock := storetest.NewClock(start)
	mem := schedule.NewMemoryStore(clock.Now)
	pub := &scriptedPublisher{}
	d := New(schedule.Config{Enabled: true}, cancellingStore{mem}, pub, WithClock(clock.Now))

	job := create(t, mem, "racy", start)

	sum, err := d.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if sum.Processed != 1 || sum.Results[0].Status != models.OutcomeSkipped {
		t.Fatalf("summary %+v", sum)
	}
	if pub.count() != 0 {
		t.Fatal("cancelled job was published")
	}
	got, _ := mem.Get(ctx, job.ID)
	if got.Status != models.StatusCancelled {
		t.Fatalf("status = %s, want cancelled", got.Status)
	}
}

type brokenStore struct {
	*schedule.MemoryStore
	findErr   error
	updateErr error
}

func (s brokenStore) FindDue(ctx context.Context, now time.Time) ([]*models.Job, error) {
	if s.findErr != nil {
		return nil, s.findErr
	}
	return s.MemoryStore.FindDue(ctx, now)
}

func (s brokenStore) Update(ctx context.Context, id string, p models.Patch) (*models.Job, error) {
	if s.updateErr != nil {
		return nil, s.updateErr
	}
	return s.MemoryStore.Update(ctx, id, p)
}

func TestRunReturnsFindDueError(t *testing.T) {
	t.Parallel()

	boom := errors.New("connection refused")
	d := New(schedule.Config{Enabled: true}, brokenStore{MemoryStore: schedule.NewMemoryStore(nil), findErr: boom}, &scriptedPublisher{})
	if _, err := d.Run(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("Run = %v, want wrapped find error", err)
	}
}

func TestRunKeepsGoingWhenRecordingFails(t *testing.T) {
	t.Parallel()
	clock := storetest.NewClock(start)
	mem := schedule.NewMemoryStore(clock.Now)
	store := brokenStore{MemoryStore: mem, updateErr: errors.New("write timeout")}
	d := New(schedule.Config{Enabled: true}, store, &scriptedPublisher{}, WithClock(clock.Now))

	create(t, mem, "a", start)
	create(t, mem, "fail-b", start)

	sum, err := d.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if sum.Processed != 2 {
		t.Fatalf("processed = %d", sum.Processed)
	}
	for _, r := range sum.Results {
		if !strings.Contains(r.Error, "write timeout") {
			t.Fatalf("result %+v does not report the recording failure", r)
		}
	}
}

func TestRunConcurrent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	d, store, pub, _ := setup(t, WithConcurrency(4))

	var ids []string
	for i := 0; i < 20; i++ {
		caption := "ok"
		if i%5 == 0 {
			caption = "fail"
		}
		ids = append(ids, create(t, store, caption, start.Add(-time.Duration(20-i)*time.Second)).ID)
	}

	sum, err := d.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if sum.Processed != 20 || pub.count() != 20 {
		t.Fatalf("processed = %d, calls = %d", sum.Processed, pub.count())
	}
	if sum.Count(models.StatusFailed) != 4 || sum.Count(models.StatusPublished) != 16 {
		t.Fatalf("summary %+v", sum)
	}
	for i, r := range sum.Results {
		if r.ID != ids[i] {
			t.Fatalf("result %d is %s, want %s", i, r.ID, ids[i])
		}
	}
}

func TestReclaim(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	d, store, _, clock := setup(t, WithPublishingTimeout(15*time.Minute))

	stuck := create(t, store, "stuck", start)
	recent := create(t, store, "recent", start)

	if _, err := store.Update(ctx, stuck.ID, models.StatusPatch(models.StatusPublishing)); err != nil {
		t.Fatalf("Update: %v", err)
	}
	clock.Advance(10 * time.Minute)
	if _, err := store.Update(ctx, recent.ID, models.StatusPatch(models.StatusPublishing)); err != nil {
		t.Fatalf("Update: %v", err)
	}
	clock.Advance(6 * time.Minute)

	n, err := d.Reclaim(ctx)
	if err != nil {
		t.Fatalf("Reclaim: %v", err)
	}
	if n != 1 {
		t.Fatalf("reclaimed %d, want 1", n)
	}
	got, _ := store.Get(ctx, stuck.ID)
	if got.Status != models.StatusFailed || !strings.Contains(got.ErrorMessage, "publish interrupted") {
		t.Fatalf("stuck job %+v", got)
	}
	got, _ = store.Get(ctx, recent.ID)
	if got.Status != models.StatusPublishing {
		t.Fatalf("recent job %+v", got)
	}
}

func TestReclaimDisabledByDefault(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	d, store, _, clock := setup(t)

	j := create(t, store, "stuck", start)
	if _, err := store.Update(ctx, j.ID, models.StatusPatch(models.StatusPublishing)); err != nil {
		t.Fatalf("Update: %v", err)
	}
	clock.Advance(24 * time.Hour)

	n, err := d.Reclaim(ctx)
	if err != nil || n != 0 {
		t.Fatalf("Reclaim = %d, %v", n, err)
	}
}

func TestTick(t *testing.T) {
	t.Parallel()
	d, store, _, _ := setup(t)
	create(t, store, "ok", start)

	report := d.Tick(context.Background())
	if report.Err != nil || report.Summary == nil || report.Summary.Processed != 1 {
		t.Fatalf("report %+v", report)
	}
}

func TestScheduleRejectsBadSpec(t *testing.T) {
	t.Parallel()
	d, _, _, _ := setup(t)

	if _, err := Schedule(context.Background(), d, "not a cron", nil); err == nil {
		t.Fatal("expected parse error")
	}
	c, err := Schedule(context.Background(), d, "@every 1m", nil)
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if len(c.Entries()) != 1 {
		t.Fatalf("entries = %d", len(c.Entries()))
	}
}

func TestScheduleFires(t *testing.T) {
	t.Parallel()
	clock := storetest.NewClock(start)
	store := schedule.NewMemoryStore(clock.Now)
	var calls atomic.Int32
	pub := publisher.Func(func(context.Context, publisher.Request) (*publisher.Result, error) {
		calls.Add(1)
		return &publisher.Result{ContainerID: "c"}, nil
	})
	d := New(schedule.Config{Enabled: true}, store, pub, WithClock(clock.Now))
	create(t, store, "cron", start)

	c, err := Schedule(context.Background(), d, "@every 1s", nil)
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	c.Start()
	defer c.Stop()

	deadline := time.Now().Add(5 * time.Second)
	for calls.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}
	if calls.Load() != 1 {
		t.Fatalf("publisher calls = %d, want 1", calls.Load())
	}
}
