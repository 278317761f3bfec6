// Package scheduler implements the persistent schedule layer: it turns a
// Schedule template into Job rows on jobqueue at the right time, tracks
// completion for the serialised kinds, and self-pauses after repeated
// failure. Its tick loop is a hybrid of a precise timer (wakes exactly
// when the next schedule is due) and a slower poll ticker (catches
// activity from other process instances and dropped completion events).
package scheduler

import (
	"errors"
	"time"

	"github.com/xkonti/crude-functions/l3"
)

var logger = l3.Get()

// Kind is the schedule's firing pattern.
type Kind string

const (
	KindOneOff             Kind = "one_off"
	KindConcurrentInterval Kind = "concurrent_interval"
	KindSequentialInterval Kind = "sequential_interval"
	KindDynamic            Kind = "dynamic"
)

// Status is the schedule's lifecycle state.
type Status string

const (
	StatusActive    Status = "active"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
)

// DefaultMaxConsecutiveFailures is used when a ScheduleSpec omits
// MaxConsecutiveFailures.
const DefaultMaxConsecutiveFailures = 5

// Sentinel errors, following chrono/scheduler.go's errors.New("pkg:
// message") convention.
var (
	ErrDuplicateSchedule     = errors.New("scheduler: a schedule with this name already exists")
	ErrInvalidScheduleConfig = errors.New("scheduler: invalid schedule configuration")
	ErrScheduleNotFound      = errors.New("scheduler: schedule not found")
	ErrScheduleCompleted     = errors.New("scheduler: schedule has already completed")
	// ErrScheduleStateError covers illegal status transitions requested
	// against a schedule's current state, e.g. pausing an already-paused
	// schedule or resuming an already-active one.
	ErrScheduleStateError = errors.New("scheduler: illegal schedule state transition")
	ErrSchedulerRunning   = errors.New("scheduler: already running")
	ErrSchedulerStopped   = errors.New("scheduler: not running")
)

// JobTemplate is the fixed part of every job a schedule emits.
type JobTemplate struct {
	JobType        string
	Payload        []byte
	Priority       int
	MaxRetries     int
	EncryptPayload bool
}

// Schedule is a durable, named recurrence rule over the job queue.
type Schedule struct {
	Name string
	Kind Kind

	Template JobTemplate

	NextRunAt  *time.Time
	IntervalMs int64

	Status                 Status
	IsPersistent           bool
	ConsecutiveFailures    int
	MaxConsecutiveFailures int
	ActiveJobID            string

	LastCompletedAt *time.Time
	LastFailedAt    *time.Time

	CreatedAt time.Time
}

// ScheduleSpec describes a schedule to be registered.
type ScheduleSpec struct {
	Name     string
	Kind     Kind
	Template JobTemplate

	NextRunAt  *time.Time // required for one_off and dynamic; optional for intervals
	IntervalMs int64      // required for concurrent_interval and sequential_interval

	IsPersistent           bool
	MaxConsecutiveFailures int // 0 means DefaultMaxConsecutiveFailures
}

// DynamicResult is the contract a dynamic schedule's handler result must
// satisfy: {"nextRunAt": "<ISO-8601>"} or {"nextRunAt": null} to complete
// the schedule. Processor.RegisterHandler return values for a dynamic
// schedule's job type should unmarshal into this shape.
type DynamicResult struct {
	NextRunAt *time.Time `json:"nextRunAt"`
}
