package scheduler

import (
	"context"
	"sync"
)

// InMemoryStorage is a mutex-guarded map implementation of Storage,
// grounded on jobqueue.InMemoryStorage's copy-in/copy-out shape.
type InMemoryStorage struct {
	mu        sync.Mutex
	schedules map[string]*Schedule
}

// NewInMemoryStorage creates an empty InMemoryStorage.
func NewInMemoryStorage() Storage {
	return &InMemoryStorage{schedules: make(map[string]*Schedule)}
}

func (s *InMemoryStorage) SaveSchedule(_ context.Context, sched *Schedule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *sched
	s.schedules[sched.Name] = &cp
	return nil
}

func (s *InMemoryStorage) GetSchedule(_ context.Context, name string) (*Schedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sched, ok := s.schedules[name]
	if !ok {
		return nil, ErrScheduleNotFound
	}
	cp := *sched
	return &cp, nil
}

func (s *InMemoryStorage) ListSchedules(_ context.Context) ([]*Schedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Schedule, 0, len(s.schedules))
	for _, sched := range s.schedules {
		cp := *sched
		out = append(out, &cp)
	}
	return out, nil
}

func (s *InMemoryStorage) DeleteSchedule(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.schedules, name)
	return nil
}

func (s *InMemoryStorage) Close() error {
	return nil
}
