package jobqueue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/xkonti/crude-functions/envelope"
	"github.com/xkonti/crude-functions/errutils"
	"github.com/xkonti/crude-functions/eventbus"
	"github.com/xkonti/crude-functions/instanceid"
	"github.com/xkonti/crude-functions/uuid"
)

// DefaultLeaseDuration is the lease length used when ClaimOne or
// Heartbeat is called with a leaseDuration of zero or less.
const DefaultLeaseDuration = 60 * time.Second

// Claimed is a job handed to a caller by ClaimOne, bundled with the
// cancellation token the handler should observe while it runs.
type Claimed struct {
	Job   *Job
	Token *CancellationToken
}

// Queue is the public contract of component C. All methods are safe for
// concurrent use by multiple goroutines and, when backed by a shared
// Storage, by multiple process instances.
type Queue interface {
	// Enqueue validates spec and persists a new pending job, publishing
	// JobEnqueued. Returns ErrInvalidJobSpec for a malformed spec, or
	// ErrSequentialConflict if spec is sequential, carries a reference,
	// and a non-terminal job already exists for that reference.
	Enqueue(ctx context.Context, spec JobSpec) (*Job, error)
	// ClaimOne atomically claims the highest-priority eligible pending
	// job among types, stamping this instance as owner and starting a
	// lease. Returns (nil, nil) if nothing is eligible.
	ClaimOne(ctx context.Context, types []string, leaseDuration time.Duration) (*Claimed, error)
	// Heartbeat extends the lease of a job this instance owns and, if
	// cancellation has been requested, cancels the job's token. Returns
	// ErrNotOwner if the caller no longer owns the job.
	Heartbeat(ctx context.Context, jobID string, leaseDuration time.Duration) error
	// Finish records the terminal (or retry-triggering) outcome of a
	// run. A failed outcome with remaining attempts transitions the job
	// back to pending after a backoff delay instead of to failed.
	// Publishes JobCompleted exactly once per call, after the storage
	// write succeeds.
	Finish(ctx context.Context, jobID string, outcome Outcome) error
	// RequestCancel marks a job for cooperative cancellation. It is a
	// no-op (not an error) if the job is already terminal.
	RequestCancel(ctx context.Context, jobID string) error
	// ReclaimOrphans resets every claimed|running job whose lease has
	// expired back to pending, incrementing nothing (an orphan reclaim
	// is not a failed attempt). Returns the number reclaimed.
	ReclaimOrphans(ctx context.Context) (int, error)
	// Get retrieves a job by ID.
	Get(ctx context.Context, jobID string) (*Job, error)
	// GetByType lists jobs of a given type.
	GetByType(ctx context.Context, jobType string) ([]*Job, error)
	// GetJobsByReference lists jobs sharing a reference.
	GetJobsByReference(ctx context.Context, refType, refID string) ([]*Job, error)
}

type queue struct {
	storage   Storage
	bus       eventbus.Bus
	encryptor envelope.Encryptor

	mu     sync.Mutex
	tokens map[string]*CancellationToken
}

// Option configures a Queue at construction time.
type Option func(*queue)

// WithEncryptor wires the encryption collaborator used to encrypt a
// job's payload on Enqueue when JobSpec.EncryptPayload is set, and to
// decrypt it again before ClaimOne hands the job to a caller.
func WithEncryptor(enc envelope.Encryptor) Option {
	return func(q *queue) {
		q.encryptor = enc
	}
}

// NewQueue creates a Queue backed by storage, publishing lifecycle
// events on bus.
func NewQueue(storage Storage, bus eventbus.Bus, opts ...Option) Queue {
	q := &queue{
		storage: storage,
		bus:     bus,
		tokens:  make(map[string]*CancellationToken),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

func (q *queue) Enqueue(ctx context.Context, spec JobSpec) (*Job, error) {
	if spec.Type == "" {
		return nil, fmt.Errorf("%w: type is required", ErrInvalidJobSpec)
	}
	if spec.ExecutionMode != ModeConcurrent && spec.ExecutionMode != ModeSequential {
		return nil, fmt.Errorf("%w: executionMode must be concurrent or sequential", ErrInvalidJobSpec)
	}
	if spec.MaxRetries < 0 {
		return nil, fmt.Errorf("%w: maxRetries must be >= 0", ErrInvalidJobSpec)
	}

	if spec.ExecutionMode == ModeSequential && spec.ReferenceType != "" && spec.ReferenceID != "" {
		existing, err := q.storage.ListJobsByReference(ctx, spec.ReferenceType, spec.ReferenceID)
		if err != nil {
			return nil, err
		}
		for _, j := range existing {
			if !j.Status.IsTerminal() {
				return nil, ErrSequentialConflict
			}
		}
	}

	id, err := uuid.V4()
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	scheduledFor := spec.ScheduledFor
	if scheduledFor.IsZero() {
		scheduledFor = now
	}

	payload := spec.Payload
	if spec.EncryptPayload {
		if q.encryptor == nil {
			return nil, fmt.Errorf("%w: encryptPayload set but no encryptor is configured", ErrInvalidJobSpec)
		}
		ciphertext, err := q.encryptor.Encrypt(payload)
		if err != nil {
			return nil, fmt.Errorf("jobqueue: encrypt payload: %w", err)
		}
		payload = ciphertext
	}

	job := &Job{
		ID:               id.String(),
		Type:             spec.Type,
		ReferenceType:    spec.ReferenceType,
		ReferenceID:      spec.ReferenceID,
		Payload:          payload,
		PayloadEncrypted: spec.EncryptPayload,
		Priority:         spec.Priority,
		ExecutionMode:    spec.ExecutionMode,
		ScheduledFor:     scheduledFor,
		CreatedAt:        now,
		MaxRetries:       spec.MaxRetries,
		Status:           StatusPending,
	}

	if err := q.storage.SaveJob(ctx, job); err != nil {
		return nil, err
	}

	logger.InfoF("jobqueue: enqueued job id=%s type=%s", job.ID, job.Type)
	q.bus.Publish(eventbus.Event{Type: eventbus.JobEnqueued, Payload: job})
	return job, nil
}

func (q *queue) ClaimOne(ctx context.Context, types []string, leaseDuration time.Duration) (*Claimed, error) {
	if leaseDuration <= 0 {
		leaseDuration = DefaultLeaseDuration
	}

	job, err := q.storage.ClaimNext(ctx, types, time.Now().UTC(), instanceid.Get(), leaseDuration)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, nil
	}

	startedAt := time.Now().UTC()
	job.Status = StatusRunning
	job.StartedAt = &startedAt
	job.Attempt++
	if err := q.storage.UpdateJob(ctx, job); err != nil {
		return nil, err
	}

	if job.PayloadEncrypted {
		if q.encryptor == nil {
			logger.ErrorF("jobqueue: job id=%s has an encrypted payload but no encryptor is configured", job.ID)
		} else {
			plaintext, err := q.encryptor.Decrypt(job.Payload)
			if err != nil {
				return nil, fmt.Errorf("jobqueue: decrypt payload for job %s: %w", job.ID, err)
			}
			job.Payload = plaintext
		}
	}

	token := NewCancellationToken()
	q.mu.Lock()
	q.tokens[job.ID] = token
	q.mu.Unlock()

	logger.InfoF("jobqueue: claimed job id=%s type=%s attempt=%d", job.ID, job.Type, job.Attempt)
	q.bus.Publish(eventbus.Event{Type: eventbus.JobStarted, Payload: job})
	return &Claimed{Job: job, Token: token}, nil
}

func (q *queue) Heartbeat(ctx context.Context, jobID string, leaseDuration time.Duration) error {
	if leaseDuration <= 0 {
		leaseDuration = DefaultLeaseDuration
	}

	job, err := q.storage.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.OwnerInstanceID != instanceid.Get() {
		return ErrNotOwner
	}

	expires := time.Now().UTC().Add(leaseDuration)
	job.LeaseExpiresAt = &expires
	if err := q.storage.UpdateJob(ctx, job); err != nil {
		return err
	}

	if job.CancelRequested {
		q.mu.Lock()
		token := q.tokens[jobID]
		q.mu.Unlock()
		if token != nil {
			token.cancel()
		}
	}
	return nil
}

func (q *queue) Finish(ctx context.Context, jobID string, outcome Outcome) error {
	job, err := q.storage.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status.IsTerminal() {
		return nil
	}
	if job.OwnerInstanceID != instanceid.Get() {
		logger.DebugF("jobqueue: ignoring finish for job id=%s from stale owner", jobID)
		return nil
	}

	finishedAt := time.Now().UTC()

	switch outcome.Result {
	case StatusSucceeded, StatusCancelled:
		job.Status = outcome.Result
		job.FinishedAt = &finishedAt
		if outcome.Result == StatusSucceeded {
			job.Result = outcome.Value
		}
	case StatusFailed:
		if outcome.Err != nil {
			job.LastError = outcome.Err.Error()
		}
		if job.Attempt <= job.MaxRetries {
			delay := backoffDelay(job.Attempt)
			job.Status = StatusPending
			job.ScheduledFor = finishedAt.Add(delay)
			job.OwnerInstanceID = ""
			job.LeaseExpiresAt = nil
		} else {
			job.Status = StatusFailed
			job.FinishedAt = &finishedAt
		}
	default:
		return fmt.Errorf("jobqueue: invalid outcome result %q", outcome.Result)
	}

	if err := q.storage.UpdateJob(ctx, job); err != nil {
		return err
	}

	q.mu.Lock()
	delete(q.tokens, jobID)
	q.mu.Unlock()

	logger.InfoF("jobqueue: finished job id=%s result=%s status=%s", job.ID, outcome.Result, job.Status)
	q.bus.Publish(eventbus.Event{Type: eventbus.JobCompleted, Payload: job})
	return nil
}

func (q *queue) RequestCancel(ctx context.Context, jobID string) error {
	job, err := q.storage.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status.IsTerminal() {
		return nil
	}

	if job.Status == StatusPending {
		finishedAt := time.Now().UTC()
		job.Status = StatusCancelled
		job.FinishedAt = &finishedAt
		if err := q.storage.UpdateJob(ctx, job); err != nil {
			return err
		}
		logger.InfoF("jobqueue: cancelled pending job id=%s", job.ID)
		q.bus.Publish(eventbus.Event{Type: eventbus.JobCompleted, Payload: job})
		return nil
	}

	job.CancelRequested = true
	if err := q.storage.UpdateJob(ctx, job); err != nil {
		return err
	}

	q.mu.Lock()
	token := q.tokens[jobID]
	q.mu.Unlock()
	if token != nil {
		token.cancel()
	}
	return nil
}

func (q *queue) ReclaimOrphans(ctx context.Context) (int, error) {
	now := time.Now().UTC()
	orphans, err := q.storage.ListOrphanCandidates(ctx, now)
	if err != nil {
		return 0, err
	}

	reclaimed := 0
	var errs errutils.MultiError
	for _, job := range orphans {
		job.Status = StatusPending
		job.OwnerInstanceID = ""
		job.LeaseExpiresAt = nil
		if err := q.storage.UpdateJob(ctx, job); err != nil {
			errs.Add(fmt.Errorf("reclaim job %s: %w", job.ID, err))
			continue
		}
		q.mu.Lock()
		delete(q.tokens, job.ID)
		q.mu.Unlock()
		reclaimed++
	}
	if reclaimed > 0 {
		logger.InfoF("jobqueue: reclaimed %d orphaned job(s)", reclaimed)
	}
	if errs.HasErrors() {
		logger.WarnF("jobqueue: orphan reclaim completed with errors: %v", &errs)
		return reclaimed, &errs
	}
	return reclaimed, nil
}

func (q *queue) Get(ctx context.Context, jobID string) (*Job, error) {
	return q.storage.GetJob(ctx, jobID)
}

func (q *queue) GetByType(ctx context.Context, jobType string) ([]*Job, error) {
	return q.storage.ListJobsByType(ctx, jobType)
}

func (q *queue) GetJobsByReference(ctx context.Context, refType, refID string) ([]*Job, error) {
	return q.storage.ListJobsByReference(ctx, refType, refID)
}
