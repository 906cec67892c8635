// Package publisher delivers a caption and image to the remote publishing
// API. The scheduling core only sees the Publisher interface: a result with
// an identifier, or an *Error.
package publisher

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var ErrMissingCredentials = errors.New("publisher: instagram credentials are not configured")

type Request struct {
	Caption   string
	ImageURL  string
	PublishAt *time.Time
}

// Result is what the remote API returned for a publish. ContainerID comes
// from the media-container step and MediaID from the publish step.
type Result struct {
	ContainerID string `json:"containerId"`
	MediaID     string `json:"mediaId,omitempty"`
}

// ID returns the identifier to record for the published post.
func (r *Result) ID() string {
	if r.MediaID != "" {
		return r.MediaID
	}
	return r.ContainerID
}

type Publisher interface {
	Publish(ctx context.Context, req Request) (*Result, error)
}

// Func adapts a plain function to Publisher.
type Func func(ctx context.Context, req Request) (*Result, error)

func (f Func) Publish(ctx context.Context, req Request) (*Result, error) {
	return f(ctx, req)
}

// Error is a failed publish. Message is safe to show to users and to
// store on the job.
type Error struct {
	Op         string
	StatusCode int
	Code       int
	Message    string
	Err        error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether the failure looks transient.
func (e *Error) Retryable() bool {
	if e.StatusCode == 0 {
		return e.Err != nil && !errors.Is(e.Err, ErrMissingCredentials) &&
			!errors.Is(e.Err, context.Canceled)
	}
	return e.StatusCode == 429 || e.StatusCode >= 500
}

// Message extracts a human-readable failure message from err.
func Message(err error) string {
	if err == nil {
		return ""
	}
	var pe *Error
	if errors.As(err, &pe) && pe.Message != "" {
		return pe.Message
	}
	if msg := err.Error(); msg != "" {
		return msg
	}
	return "Unknown error"
}
