package jobqueue

import (
	"context"
	"time"
)

// Storage is the persistence contract for jobs. Implementations must make
// SaveJob and the conditional-update operations atomic per row so that
// concurrent ClaimOne callers never both receive the same job (spec.md
// §8, property 2). InMemoryStorage and FileStorage are reference
// implementations for single-process use and tests; a production
// deployment backs this interface with a real relational store (spec.md
// §6) and is responsible for its own transaction scoping.
type Storage interface {
	// SaveJob persists a job record (upsert by ID).
	SaveJob(ctx context.Context, job *Job) error
	// GetJob retrieves a job by ID. Returns ErrJobNotFound if absent.
	GetJob(ctx context.Context, id string) (*Job, error)
	// ListJobsByType returns all jobs of the given type.
	ListJobsByType(ctx context.Context, jobType string) ([]*Job, error)
	// ListJobsByReference returns all jobs sharing the given reference.
	ListJobsByReference(ctx context.Context, refType, refID string) ([]*Job, error)
	// ClaimNext atomically selects the single highest-priority eligible
	// pending job whose Type is in types, transitions it to
	// StatusClaimed, stamps owner/lease, and returns it. Eligibility and
	// tie-break order are as specified in spec.md §4.3. Returns
	// (nil, nil) if no eligible job exists.
	ClaimNext(ctx context.Context, types []string, now time.Time, ownerInstanceID string, leaseDuration time.Duration) (*Job, error)
	// UpdateJob persists a mutated job unconditionally; the queue uses
	// this after computing a new state (e.g. retry backoff, terminal
	// transition). Implementations may use optimistic concurrency
	// internally but must not silently drop the write.
	UpdateJob(ctx context.Context, job *Job) error
	// ListOrphanCandidates returns every row in claimed|running whose
	// lease has expired as of now.
	ListOrphanCandidates(ctx context.Context, now time.Time) ([]*Job, error)
	// Close releases any resources held by the storage.
	Close() error
}
