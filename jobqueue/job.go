// Package jobqueue implements a durable priority job queue: enqueue,
// atomic claim-with-lease, heartbeat, finish (with retry/backoff),
// cooperative cancellation, orphan reclaim, and reference-based
// sequential uniqueness. Storage is delegated to a Storage
// implementation; the queue never holds job state in memory beyond what
// a single call needs.
package jobqueue

import (
	"errors"
	"time"

	"github.com/xkonti/crude-functions/l3"
)

var logger = l3.Get()

// Status is a Job's lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusClaimed   Status = "claimed"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// IsTerminal reports whether no further transitions are possible.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// ExecutionMode controls sequential-uniqueness enforcement for jobs that
// carry a reference.
type ExecutionMode string

const (
	ModeConcurrent ExecutionMode = "concurrent"
	ModeSequential ExecutionMode = "sequential"
)

// Sentinel errors. Error *kinds* from spec.md §7 are represented this way
// so callers can distinguish them with errors.Is.
var (
	// ErrJobNotFound is a not-found kind error: never retried.
	ErrJobNotFound = errors.New("jobqueue: job not found")
	// ErrNotOwner is a lease-violation: the caller is not (or is no
	// longer) the current owner of the job. Callers should treat this as
	// an idempotent no-op, not a failure.
	ErrNotOwner = errors.New("jobqueue: caller is not the current owner")
	// ErrInvalidJobSpec is a validation kind error: never retried.
	ErrInvalidJobSpec = errors.New("jobqueue: invalid job spec")
	// ErrSequentialConflict is a conflict kind error: a non-terminal
	// sequential job already exists for the given reference.
	ErrSequentialConflict = errors.New("jobqueue: a non-terminal sequential job already exists for this reference")
	// errNoEligibleJob is not used: ClaimOne reports that nothing is
	// eligible by returning (nil, nil).
	errNoEligibleJob = errors.New("jobqueue: no eligible job")
	// ErrCancelled is returned by CancellationToken.ThrowIfCancelled once
	// cancellation has been requested for the job's run.
	ErrCancelled = errors.New("jobqueue: job run was cancelled")
)

// Job is a durable unit of work.
type Job struct {
	ID               string
	Type             string
	ReferenceType    string
	ReferenceID      string
	Payload          []byte
	PayloadEncrypted bool

	Priority      int
	ExecutionMode ExecutionMode
	ScheduledFor  time.Time
	CreatedAt     time.Time
	StartedAt     *time.Time
	FinishedAt    *time.Time

	Attempt    int
	MaxRetries int
	LastError  string

	Status Status

	OwnerInstanceID string
	LeaseExpiresAt  *time.Time

	CancelRequested bool

	// Result holds the opaque JSON-serialisable value the handler
	// returned on its most recent successful run. Dynamic schedules read
	// this (via the JobCompleted event payload) to learn the next
	// nextRunAt.
	Result any
}

// hasReference reports whether the job carries a soft link to a domain
// entity, as required for sequential-uniqueness enforcement.
func (j *Job) hasReference() bool {
	return j.ReferenceType != "" && j.ReferenceID != ""
}

// JobSpec describes a job to be enqueued.
type JobSpec struct {
	Type           string
	Payload        []byte
	Priority       int
	ExecutionMode  ExecutionMode
	MaxRetries     int
	ScheduledFor   time.Time // zero means "now"
	ReferenceType  string
	ReferenceID    string
	EncryptPayload bool
}

// Outcome is the terminal (or retry-triggering) result of a job run,
// passed to Finish.
type Outcome struct {
	Result Status // one of StatusSucceeded, StatusFailed, StatusCancelled
	Err    error  // set when Result == StatusFailed
	Value  any    // opaque JSON-serialisable handler return value, surfaced on the JobCompleted event
}
