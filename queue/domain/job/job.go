package job

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	pkgError "github.com/AzielCF/az-inbox/pkg/error"
)

const ErrJobNotFound = pkgError.NotFoundError("job not found")

var ErrInvalidTransition = errors.New("invalid job status transition")

// Kind names a queue.
type Kind string

const (
	KindSchedule Kind = "schedule"
	KindCampaign Kind = "campaign"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

func (s Status) rank() int {
	switch s {
	case StatusPending:
		return 0
	case StatusActive:
		return 1
	case StatusCompleted, StatusFailed:
		return 2
	default:
		return -1
	}
}

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Live reports whether the job still occupies its key.
func (s Status) Live() bool {
	return s == StatusPending || s == StatusActive
}

// Job is one unit of background work.
type Job struct {
	ID         string          `json:"id"`
	Kind       Kind            `json:"kind"`
	Key        string          `json:"key"`
	Payload    json.RawMessage `json:"payload"`
	Attempts   int             `json:"attempts"`
	Status     Status          `json:"status"`
	Error      string          `json:"error,omitempty"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
	FinishedAt *time.Time      `json:"finished_at,omitempty"`
}

// Transition moves the job forward. Status never moves backwards and a
// terminal job never changes again. Failing increments Attempts.
func (j *Job) Transition(to Status, now time.Time, cause error) error {
	if j.Status.Terminal() || to.rank() <= j.Status.rank() {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, j.Status, to)
	}
	// pending may fail directly (dropped dispatch, interrupted), but may not
	// complete without running.
	if to == StatusCompleted && j.Status != StatusActive {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, j.Status, to)
	}
	j.Status = to
	j.UpdatedAt = now
	if to == StatusFailed {
		j.Attempts++
		if cause != nil {
			j.Error = cause.Error()
		}
	}
	if to.Terminal() {
		finished := now
		j.FinishedAt = &finished
	}
	return nil
}

// Handler executes a job. A returned error or a panic fails the job.
type Handler func(ctx context.Context, j Job) error

// Store persists jobs.
type Store interface {
	Create(ctx context.Context, j Job) error
	Get(ctx context.Context, id string) (Job, error)
	Update(ctx context.Context, j Job) error
	// HasLive reports whether a pending or active job exists for key.
	HasLive(ctx context.Context, kind Kind, key string) (bool, error)
	ListByStatus(ctx context.Context, kind Kind, status Status) ([]Job, error)
	// PurgeFinished deletes at most limit terminal jobs finished before the
	// cutoff and returns how many were deleted.
	PurgeFinished(ctx context.Context, kind Kind, before time.Time, limit int) (int, error)
}
