package schedule

import (
	"context"
	"slices"
	"strings"
	"time"

	"github.com/ak3tsm7/scheduled-publisher/internal/models"
)

// Store is durable keyed storage for publish jobs. Every call is an
// independent round trip; there are no cross-job transactions.
type Store interface {
	// Create validates the inputs and persists a new pending job.
	Create(ctx context.Context, caption, imageURL string, publishAt time.Time) (*models.Job, error)

	Get(ctx context.Context, id string) (*models.Job, error)

	// Update merges patch into the job unconditionally. Unknown ids return
	// ErrNotFound.
	Update(ctx context.Context, id string, patch models.Patch) (*models.Job, error)

	// Transition applies patch only while the job is in status from.
	// Otherwise it returns a *ConflictError.
	Transition(ctx context.Context, id string, from models.Status, patch models.Patch) (*models.Job, error)

	// ListUpcoming returns pending jobs by publish time, earliest first.
	ListUpcoming(ctx context.Context) ([]*models.Job, error)

	// FindDue returns pending jobs whose publish time is at or before now,
	// earliest first.
	FindDue(ctx context.Context, now time.Time) ([]*models.Job, error)

	// FindStuck returns publishing jobs that entered publishing at or
	// before cutoff.
	FindStuck(ctx context.Context, cutoff time.Time) ([]*models.Job, error)

	Ping(ctx context.Context) error
}

// ValidateNew checks the inputs of Store.Create and returns them trimmed.
func ValidateNew(caption, imageURL string, publishAt time.Time) (string, string, error) {
	caption = strings.TrimSpace(caption)
	imageURL = strings.TrimSpace(imageURL)
	if caption == "" {
		return "", "", invalid("caption", "Caption is required")
	}
	if imageURL == "" {
		return "", "", invalid("imageUrl", "Publicly accessible image URL is required")
	}
	if publishAt.IsZero() {
		return "", "", invalid("publishAt", "publishAt is required")
	}
	return caption, imageURL, nil
}

// CheckTransition returns a *ConflictError when job is not in status from.
func CheckTransition(job *models.Job, from models.Status) error {
	if job.Status != from {
		return &ConflictError{ID: job.ID, Expected: from, Actual: job.Status}
	}
	return nil
}

// SortByPublishAt orders jobs by publish time, then creation time, then id.
func SortByPublishAt(jobs []*models.Job) {
	slices.SortStableFunc(jobs, func(a, b *models.Job) int {
		if c := a.PublishAt.Compare(b.PublishAt); c != 0 {
			return c
		}
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
}
