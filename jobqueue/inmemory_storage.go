package jobqueue

import (
	"context"
	"sort"
	"sync"
	"time"
)

// InMemoryStorage is a mutex-guarded map implementation of Storage,
// grounded on chrono.InMemoryStorage's copy-in/copy-out-under-one-lock
// shape. Suitable for single-process deployments and tests; state does
// not survive a restart.
type InMemoryStorage struct {
	mu   sync.Mutex
	jobs map[string]*Job
}

// NewInMemoryStorage creates an empty InMemoryStorage.
func NewInMemoryStorage() Storage {
	return &InMemoryStorage{jobs: make(map[string]*Job)}
}

func (s *InMemoryStorage) SaveJob(_ context.Context, job *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *job
	s.jobs[job.ID] = &cp
	return nil
}

func (s *InMemoryStorage) UpdateJob(ctx context.Context, job *Job) error {
	return s.SaveJob(ctx, job)
}

func (s *InMemoryStorage) GetJob(_ context.Context, id string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	cp := *j
	return &cp, nil
}

func (s *InMemoryStorage) ListJobsByType(_ context.Context, jobType string) ([]*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Job
	for _, j := range s.jobs {
		if j.Type == jobType {
			cp := *j
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *InMemoryStorage) ListJobsByReference(_ context.Context, refType, refID string) ([]*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Job
	for _, j := range s.jobs {
		if j.ReferenceType == refType && j.ReferenceID == refID {
			cp := *j
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *InMemoryStorage) ListOrphanCandidates(_ context.Context, now time.Time) ([]*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Job
	for _, j := range s.jobs {
		if (j.Status == StatusClaimed || j.Status == StatusRunning) &&
			j.LeaseExpiresAt != nil && j.LeaseExpiresAt.Before(now) {
			cp := *j
			out = append(out, &cp)
		}
	}
	return out, nil
}

// ClaimNext picks the top-ranked eligible row under the storage's single
// mutex, so two concurrent callers can never observe the same winner
// (spec.md §8, property 2) — the whole read-modify-write happens while
// holding the lock, there is no separate "select then update" race
// window.
func (s *InMemoryStorage) ClaimNext(_ context.Context, types []string, now time.Time, ownerInstanceID string, leaseDuration time.Duration) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	wanted := make(map[string]bool, len(types))
	for _, t := range types {
		wanted[t] = true
	}

	candidates := make([]*Job, 0)
	for _, j := range s.jobs {
		if !eligible(j, wanted, now, s.jobs) {
			continue
		}
		candidates = append(candidates, j)
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	sort.Slice(candidates, func(i, k int) bool {
		return less(candidates[i], candidates[k])
	})

	winner := candidates[0]
	winner.Status = StatusClaimed
	winner.OwnerInstanceID = ownerInstanceID
	expires := now.Add(leaseDuration)
	winner.LeaseExpiresAt = &expires

	cp := *winner
	return &cp, nil
}

// eligible implements spec.md §4.3's eligibility predicate.
func eligible(j *Job, wanted map[string]bool, now time.Time, all map[string]*Job) bool {
	if j.Status != StatusPending {
		return false
	}
	if !wanted[j.Type] {
		return false
	}
	if j.ScheduledFor.After(now) {
		return false
	}
	if j.CancelRequested {
		return false
	}
	if j.ExecutionMode == ModeSequential && j.hasReference() {
		for _, other := range all {
			if other.ID == j.ID {
				continue
			}
			if other.ReferenceType == j.ReferenceType && other.ReferenceID == j.ReferenceID && !other.Status.IsTerminal() {
				return false
			}
		}
	}
	return true
}

// less implements the tie-break order: priority DESC, scheduledFor ASC,
// createdAt ASC, id ASC.
func less(a, b *Job) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if !a.ScheduledFor.Equal(b.ScheduledFor) {
		return a.ScheduledFor.Before(b.ScheduledFor)
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

func (s *InMemoryStorage) Close() error {
	return nil
}
