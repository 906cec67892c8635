package schedule

import (
	"context"
	"sync"
	"time"

	"github.com/ak3tsm7/scheduled-publisher/internal/models"
)

// MemoryStore is an in-process Store. It is not durable and is meant for
// tests, benchmarks and local development.
type MemoryStore struct {
	mu   sync.Mutex
	jobs map[string]*models.Job
	now  func() time.Time
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore returns an empty store. A nil clock uses time.Now.
func NewMemoryStore(clock func() time.Time) *MemoryStore {
	if clock == nil {
		clock = time.Now
	}
	return &MemoryStore{jobs: make(map[string]*models.Job), now: clock}
}

func (s *MemoryStore) Create(_ context.Context, caption, imageURL string, publishAt time.Time) (*models.Job, error) {
	caption, imageURL, err := ValidateNew(caption, imageURL, publishAt)
	if err != nil {
		return nil, err
	}

	j := models.NewJob(caption, imageURL, publishAt, s.now())

	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[j.ID] = j
	return j.Clone(), nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return j.Clone(), nil
}

func (s *MemoryStore) Update(_ context.Context, id string, patch models.Patch) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	j.Apply(patch, s.now())
	return j.Clone(), nil
}

func (s *MemoryStore) Transition(_ context.Context, id string, from models.Status, patch models.Patch) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	if err := CheckTransition(j, from); err != nil {
		return nil, err
	}
	j.Apply(patch, s.now())
	return j.Clone(), nil
}

func (s *MemoryStore) ListUpcoming(_ context.Context) ([]*models.Job, error) {
	return s.filter(func(j *models.Job) bool { return j.Status == models.StatusPending }), nil
}

func (s *MemoryStore) FindDue(_ context.Context, now time.Time) ([]*models.Job, error) {
	return s.filter(func(j *models.Job) bool { return j.Due(now) }), nil
}

func (s *MemoryStore) FindStuck(_ context.Context, cutoff time.Time) ([]*models.Job, error) {
	return s.filter(func(j *models.Job) bool {
		return j.Status == models.StatusPublishing && j.PublishingSince != nil && !j.PublishingSince.After(cutoff)
	}), nil
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

// Len returns the number of stored jobs in any status.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}

func (s *MemoryStore) filter(keep func(*models.Job) bool) []*models.Job {
	s.mu.Lock()
	out := make([]*models.Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		if keep(j) {
			out = append(out, j.Clone())
		}
	}
	s.mu.Unlock()

	SortByPublishAt(out)
	return out
}
