package schedule

import (
	"errors"
	"fmt"

	"github.com/ak3tsm7/scheduled-publisher/internal/models"
)

var (
	ErrNotFound           = errors.New("schedule: not found")
	ErrStatusConflict     = errors.New("schedule: status conflict")
	ErrSchedulingDisabled = errors.New("schedule: scheduling is not configured")
)

// ValidationError reports malformed input. No state is mutated when it is
// returned.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

func invalid(field, msg string) *ValidationError {
	return &ValidationError{Field: field, Message: msg}
}

// ConflictError is returned by a conditional transition when the job is no
// longer in the expected status.
type ConflictError struct {
	ID       string
	Expected models.Status
	Actual   models.Status
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("schedule %s is %s, expected %s", e.ID, e.Actual, e.Expected)
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrStatusConflict
}
