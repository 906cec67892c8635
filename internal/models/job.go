package models

import (
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusPublishing Status = "publishing"
	StatusPublished  Status = "published"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Valid reports whether s is one of the known job statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusPublishing, StatusPublished, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Terminal reports whether no further transition is defined out of s.
func (s Status) Terminal() bool {
	return s == StatusPublished || s == StatusFailed || s == StatusCancelled
}

var transitions = map[Status][]Status{
	StatusPending:    {StatusPublishing, StatusCancelled},
	StatusPublishing: {StatusPublished, StatusFailed},
}

// CanTransition reports whether the state machine allows from -> to.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

type Job struct {
	ID              string     `json:"id"`
	Caption         string     `json:"caption"`
	ImageURL        string     `json:"imageUrl"`
	PublishAt       time.Time  `json:"publishAt"`
	Status          Status     `json:"status"`
	ExternalID      string     `json:"externalId,omitempty"`
	ErrorMessage    string     `json:"errorMessage,omitempty"`
	PublishingSince *time.Time `json:"publishingSince,omitempty"`
	CreatedAt       time.Time  `json:"createdAt"`
	UpdatedAt       time.Time  `json:"updatedAt"`
}

// NewJob builds a pending job with a fresh ID. Inputs are expected to be
// validated by the caller.
func NewJob(caption, imageURL string, publishAt, now time.Time) *Job {
	now = now.UTC()
	return &Job{
		ID:        uuid.New().String(),
		Caption:   caption,
		ImageURL:  imageURL,
		PublishAt: publishAt.UTC(),
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Patch is a partial update. Nil fields are left untouched.
type Patch struct {
	Status       *Status
	ExternalID   *string
	ErrorMessage *string
}

func StatusPatch(s Status) Patch {
	return Patch{Status: &s}
}

func PublishedPatch(externalID string) Patch {
	s := StatusPublished
	return Patch{Status: &s, ExternalID: &externalID}
}

func FailedPatch(message string) Patch {
	s := StatusFailed
	return Patch{Status: &s, ErrorMessage: &message}
}

// Apply merges p into j and bumps UpdatedAt. ExternalID survives only on a
// published job and ErrorMessage only on a failed one.
func (j *Job) Apply(p Patch, now time.Time) {
	now = now.UTC()
	prev := j.Status

	if p.Status != nil {
		j.Status = *p.Status
	}
	if p.ExternalID != nil {
		j.ExternalID = *p.ExternalID
	}
	if p.ErrorMessage != nil {
		j.ErrorMessage = *p.ErrorMessage
	}

	if j.Status != StatusPublished {
		j.ExternalID = ""
	}
	if j.Status != StatusFailed {
		j.ErrorMessage = ""
	}
	if j.Status == StatusPublishing && prev != StatusPublishing {
		since := now
		j.PublishingSince = &since
	}
	if j.Status == StatusPending {
		j.PublishingSince = nil
	}

	if now.Before(j.CreatedAt) {
		now = j.CreatedAt
	}
	j.UpdatedAt = now
}

// Due reports whether the job is pending and its publish time has arrived.
func (j *Job) Due(now time.Time) bool {
	return j.Status == StatusPending && !j.PublishAt.After(now)
}

func (j *Job) Clone() *Job {
	c := *j
	if j.PublishingSince != nil {
		since := *j.PublishingSince
		c.PublishingSince = &since
	}
	return &c
}
