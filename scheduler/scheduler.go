package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/xkonti/crude-functions/errutils"
	"github.com/xkonti/crude-functions/eventbus"
	"github.com/xkonti/crude-functions/jobqueue"
	"github.com/xkonti/crude-functions/lifecycle"
)

const scheduleReferenceType = "schedule"

// DefaultCompletionCheckInterval is the fallback poll cadence for
// detecting sequential/dynamic completions that a dropped JobCompleted
// event would otherwise miss.
const DefaultCompletionCheckInterval = 5 * time.Second

// Scheduler turns registered Schedule templates into jobqueue.Job rows
// at the right time and tracks completion for the serialised kinds.
type Scheduler interface {
	lifecycle.Component

	RegisterSchedule(ctx context.Context, spec ScheduleSpec) (*Schedule, error)
	PauseSchedule(ctx context.Context, name string) error
	ResumeSchedule(ctx context.Context, name string) error
	CancelSchedule(ctx context.Context, name string) error
	DeleteSchedule(ctx context.Context, name string) error
	TriggerNow(ctx context.Context, name string) (*jobqueue.Job, error)
	GetSchedule(ctx context.Context, name string) (*Schedule, error)
	GetSchedules(ctx context.Context, status *Status) ([]*Schedule, error)
}

// Option configures a scheduler at construction time, mirroring the
// functional-options shape chrono.JobOption uses.
type Option func(*scheduler)

// WithCompletionCheckInterval overrides the fallback completion poll
// cadence (default DefaultCompletionCheckInterval).
func WithCompletionCheckInterval(d time.Duration) Option {
	return func(s *scheduler) {
		if d > 0 {
			s.completionCheckInterval = d
		}
	}
}

// WithPollInterval overrides the background storage-poll cadence used to
// pick up schedules added/resumed by other instances (default 1s).
func WithPollInterval(d time.Duration) Option {
	return func(s *scheduler) {
		if d > 0 {
			s.pollInterval = d
		}
	}
}

type scheduler struct {
	mu      sync.RWMutex
	id      string
	storage Storage
	queue   jobqueue.Queue
	bus     eventbus.Bus

	state       lifecycle.ComponentState
	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	wake        chan struct{}
	unsubscribe eventbus.Unsubscribe

	pollInterval            time.Duration
	completionCheckInterval time.Duration
}

// New creates a Scheduler with the given id, backed by storage and
// queue, reacting to completion events published on bus.
func New(id string, storage Storage, queue jobqueue.Queue, bus eventbus.Bus, opts ...Option) Scheduler {
	s := &scheduler{
		id:                      id,
		storage:                 storage,
		queue:                   queue,
		bus:                     bus,
		state:                   lifecycle.Stopped,
		wake:                    make(chan struct{}, 1),
		pollInterval:            time.Second,
		completionCheckInterval: DefaultCompletionCheckInterval,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *scheduler) Id() string { return s.id }

// OnChange satisfies lifecycle.Component; the scheduler only logs its own
// transitions, it does not forward them anywhere else.
func (s *scheduler) OnChange(prevState, newState lifecycle.ComponentState) {
	logger.DebugF("scheduler %q: state %d -> %d", s.id, prevState, newState)
}

func (s *scheduler) setState(newState lifecycle.ComponentState) {
	s.mu.Lock()
	prev := s.state
	s.state = newState
	s.mu.Unlock()
	s.OnChange(prev, newState)
}

func (s *scheduler) State() lifecycle.ComponentState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *scheduler) signalWake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *scheduler) RegisterSchedule(ctx context.Context, spec ScheduleSpec) (*Schedule, error) {
	if spec.Name == "" {
		return nil, fmt.Errorf("%w: name is required", ErrInvalidScheduleConfig)
	}
	if spec.Template.JobType == "" {
		return nil, fmt.Errorf("%w: template.jobType is required", ErrInvalidScheduleConfig)
	}
	switch spec.Kind {
	case KindOneOff, KindDynamic:
		if spec.NextRunAt == nil {
			return nil, fmt.Errorf("%w: %s requires nextRunAt", ErrInvalidScheduleConfig, spec.Kind)
		}
	case KindConcurrentInterval, KindSequentialInterval:
		if spec.IntervalMs <= 0 {
			return nil, fmt.Errorf("%w: %s requires intervalMs > 0", ErrInvalidScheduleConfig, spec.Kind)
		}
	default:
		return nil, fmt.Errorf("%w: unknown kind %q", ErrInvalidScheduleConfig, spec.Kind)
	}

	if _, err := s.storage.GetSchedule(ctx, spec.Name); err == nil {
		return nil, ErrDuplicateSchedule
	}

	now := time.Now().UTC()
	nextRunAt := spec.NextRunAt
	if nextRunAt == nil && spec.IntervalMs > 0 {
		t := now.Add(time.Duration(spec.IntervalMs) * time.Millisecond)
		nextRunAt = &t
	}

	maxFailures := spec.MaxConsecutiveFailures
	if maxFailures <= 0 {
		maxFailures = DefaultMaxConsecutiveFailures
	}

	sched := &Schedule{
		Name:                   spec.Name,
		Kind:                   spec.Kind,
		Template:               spec.Template,
		NextRunAt:              nextRunAt,
		IntervalMs:             spec.IntervalMs,
		Status:                 StatusActive,
		IsPersistent:           spec.IsPersistent,
		MaxConsecutiveFailures: maxFailures,
		CreatedAt:              now,
	}

	if err := s.storage.SaveSchedule(ctx, sched); err != nil {
		return nil, err
	}
	logger.InfoF("scheduler: registered schedule %q (kind=%s)", sched.Name, sched.Kind)
	s.signalWake()
	return sched, nil
}

func (s *scheduler) PauseSchedule(ctx context.Context, name string) error {
	sched, err := s.storage.GetSchedule(ctx, name)
	if err != nil {
		return err
	}
	if sched.Status == StatusCompleted {
		return ErrScheduleCompleted
	}
	if sched.Status == StatusPaused {
		return fmt.Errorf("%w: schedule %q is already paused", ErrScheduleStateError, name)
	}
	sched.Status = StatusPaused
	if err := s.storage.SaveSchedule(ctx, sched); err != nil {
		return err
	}
	logger.InfoF("scheduler: paused schedule %q", name)
	return nil
}

func (s *scheduler) ResumeSchedule(ctx context.Context, name string) error {
	sched, err := s.storage.GetSchedule(ctx, name)
	if err != nil {
		return err
	}
	if sched.Status == StatusCompleted {
		return ErrScheduleCompleted
	}
	if sched.Status == StatusActive {
		return fmt.Errorf("%w: schedule %q is already active", ErrScheduleStateError, name)
	}
	sched.Status = StatusActive
	sched.ConsecutiveFailures = 0
	if err := s.storage.SaveSchedule(ctx, sched); err != nil {
		return err
	}
	logger.InfoF("scheduler: resumed schedule %q", name)
	s.signalWake()
	return nil
}

// CancelSchedule stops future firings without deleting the row: it marks
// the schedule completed so history and the last known state remain
// queryable via GetSchedule.
func (s *scheduler) CancelSchedule(ctx context.Context, name string) error {
	sched, err := s.storage.GetSchedule(ctx, name)
	if err != nil {
		return err
	}
	sched.Status = StatusCompleted
	sched.NextRunAt = nil
	return s.storage.SaveSchedule(ctx, sched)
}

func (s *scheduler) DeleteSchedule(ctx context.Context, name string) error {
	if _, err := s.storage.GetSchedule(ctx, name); err != nil {
		return err
	}
	return s.storage.DeleteSchedule(ctx, name)
}

// TriggerNow enqueues a job from the schedule's template immediately,
// regardless of nextRunAt. Per spec, it bypasses the activeJobId guard:
// it does not modify activeJobId or nextRunAt, so the resulting job runs
// concurrently alongside any job already in flight for the schedule.
func (s *scheduler) TriggerNow(ctx context.Context, name string) (*jobqueue.Job, error) {
	sched, err := s.storage.GetSchedule(ctx, name)
	if err != nil {
		return nil, err
	}
	if sched.Status == StatusCompleted {
		return nil, ErrScheduleCompleted
	}
	return s.enqueueFromTemplate(ctx, sched)
}

func (s *scheduler) GetSchedule(ctx context.Context, name string) (*Schedule, error) {
	return s.storage.GetSchedule(ctx, name)
}

func (s *scheduler) GetSchedules(ctx context.Context, status *Status) ([]*Schedule, error) {
	all, err := s.storage.ListSchedules(ctx)
	if err != nil {
		return nil, err
	}
	if status == nil {
		return all, nil
	}
	out := make([]*Schedule, 0, len(all))
	for _, sched := range all {
		if sched.Status == *status {
			out = append(out, sched)
		}
	}
	return out, nil
}

func executionModeFor(kind Kind) jobqueue.ExecutionMode {
	if kind == KindConcurrentInterval || kind == KindOneOff {
		return jobqueue.ModeConcurrent
	}
	return jobqueue.ModeSequential
}

func (s *scheduler) enqueueFromTemplate(ctx context.Context, sched *Schedule) (*jobqueue.Job, error) {
	spec := jobqueue.JobSpec{
		Type:           sched.Template.JobType,
		Payload:        sched.Template.Payload,
		Priority:       sched.Template.Priority,
		ExecutionMode:  executionModeFor(sched.Kind),
		MaxRetries:     sched.Template.MaxRetries,
		EncryptPayload: sched.Template.EncryptPayload,
		ReferenceType:  scheduleReferenceType,
		ReferenceID:    sched.Name,
	}
	return s.queue.Enqueue(ctx, spec)
}

// Start begins the tick loop and subscribes to completion events. Start
// first reconciles state left behind by a prior process (spec.md §8):
// any active sequential/dynamic schedule whose activeJobId references a
// terminal or missing job has its activeJobId cleared and, for
// sequential intervals, nextRunAt recomputed.
func (s *scheduler) Start() error {
	s.mu.Lock()
	if s.state == lifecycle.Running || s.state == lifecycle.Starting {
		s.mu.Unlock()
		return ErrSchedulerRunning
	}
	s.mu.Unlock()
	s.setState(lifecycle.Starting)

	ctx := context.Background()
	if err := s.reconcileOnStart(ctx); err != nil {
		s.setState(lifecycle.Error)
		return err
	}

	s.unsubscribe = s.bus.Subscribe(eventbus.JobCompleted, s.onJobCompleted)

	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.wg.Add(1)
	go s.run()

	s.setState(lifecycle.Running)
	logger.InfoF("scheduler %q: started", s.id)
	return nil
}

func (s *scheduler) reconcileOnStart(ctx context.Context) error {
	schedules, err := s.storage.ListSchedules(ctx)
	if err != nil {
		return err
	}

	var errs errutils.MultiError
	now := time.Now().UTC()
	for _, sched := range schedules {
		if sched.Status != StatusActive || sched.ActiveJobID == "" {
			continue
		}
		if sched.Kind != KindSequentialInterval && sched.Kind != KindDynamic {
			continue
		}

		job, jerr := s.queue.Get(ctx, sched.ActiveJobID)
		if jerr == nil && !job.Status.IsTerminal() {
			continue
		}

		sched.ActiveJobID = ""
		if sched.Kind == KindSequentialInterval {
			if sched.LastCompletedAt != nil {
				t := sched.LastCompletedAt.Add(time.Duration(sched.IntervalMs) * time.Millisecond)
				sched.NextRunAt = &t
			} else {
				sched.NextRunAt = &now
			}
		}
		if err := s.storage.SaveSchedule(ctx, sched); err != nil {
			errs.Add(fmt.Errorf("reconcile schedule %q: %w", sched.Name, err))
		}
	}
	if errs.HasErrors() {
		return &errs
	}
	return nil
}

// Stop halts the tick loop and unsubscribes from the event bus. In-flight
// jobs already claimed by a Processor are not affected; only the
// scheduler's own firing loop winds down.
func (s *scheduler) Stop() error {
	s.mu.Lock()
	if s.state != lifecycle.Running {
		s.mu.Unlock()
		return ErrSchedulerStopped
	}
	s.mu.Unlock()
	s.setState(lifecycle.Stopping)

	s.cancel()
	s.wg.Wait()
	if s.unsubscribe != nil {
		s.unsubscribe()
	}

	s.setState(lifecycle.Stopped)
	logger.InfoF("scheduler %q: stopped", s.id)
	return nil
}

func (s *scheduler) run() {
	defer s.wg.Done()

	pollTicker := time.NewTicker(s.pollInterval)
	defer pollTicker.Stop()
	completionTicker := time.NewTicker(s.completionCheckInterval)
	defer completionTicker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-pollTicker.C:
			s.tick()
		case <-completionTicker.C:
			s.checkCompletionsPoll()
		case <-s.wake:
			s.tick()
		}
	}
}

// tick loads every active schedule due to fire and emits a job for each.
func (s *scheduler) tick() {
	ctx := context.Background()
	now := time.Now().UTC()

	schedules, err := s.storage.ListSchedules(ctx)
	if err != nil {
		logger.ErrorF("scheduler %q: tick: failed to list schedules: %v", s.id, err)
		return
	}
	sort.Slice(schedules, func(i, j int) bool {
		a, b := schedules[i], schedules[j]
		switch {
		case a.NextRunAt == nil && b.NextRunAt == nil:
			return a.Name < b.Name
		case a.NextRunAt == nil:
			return false
		case b.NextRunAt == nil:
			return true
		case !a.NextRunAt.Equal(*b.NextRunAt):
			return a.NextRunAt.Before(*b.NextRunAt)
		default:
			return a.Name < b.Name
		}
	})

	var errs errutils.MultiError
	for _, sched := range schedules {
		if sched.Status != StatusActive || sched.NextRunAt == nil || sched.NextRunAt.After(now) {
			continue
		}
		if (sched.Kind == KindSequentialInterval || sched.Kind == KindDynamic) && sched.ActiveJobID != "" {
			continue
		}
		if err := s.fire(ctx, sched, now); err != nil {
			errs.Add(fmt.Errorf("fire schedule %q: %w", sched.Name, err))
			logger.ErrorF("scheduler %q: failed to fire schedule %q: %v", s.id, sched.Name, err)
		}
	}
	if errs.HasErrors() {
		logger.WarnF("scheduler %q: tick completed with errors: %v", s.id, &errs)
	}
}

func (s *scheduler) fire(ctx context.Context, sched *Schedule, now time.Time) error {
	job, err := s.enqueueFromTemplate(ctx, sched)
	if err != nil {
		return err
	}

	switch sched.Kind {
	case KindOneOff:
		sched.Status = StatusCompleted
		sched.NextRunAt = nil
	case KindConcurrentInterval:
		sched.NextRunAt = nextIntervalTime(*sched.NextRunAt, time.Duration(sched.IntervalMs)*time.Millisecond, now)
	case KindSequentialInterval, KindDynamic:
		sched.ActiveJobID = job.ID
	}

	logger.InfoF("scheduler %q: fired schedule %q -> job %s", s.id, sched.Name, job.ID)
	s.bus.Publish(eventbus.Event{Type: eventbus.ScheduleTriggered, Payload: sched})
	return s.storage.SaveSchedule(ctx, sched)
}

// nextIntervalTime advances prev by whole multiples of interval until it
// is in the future, giving drift-free accumulation when on cadence and
// catch-up (skip missed fires, no burst) when the process fell behind.
func nextIntervalTime(prev time.Time, interval time.Duration, now time.Time) *time.Time {
	next := prev.Add(interval)
	if interval <= 0 {
		return &next
	}
	if next.After(now) {
		return &next
	}
	behind := now.Sub(next)
	missed := behind/interval + 1
	next = next.Add(missed * interval)
	return &next
}

func (s *scheduler) onJobCompleted(event eventbus.Event) {
	job, ok := event.Payload.(*jobqueue.Job)
	if !ok || job.ReferenceType != scheduleReferenceType {
		return
	}
	s.handleCompletion(context.Background(), job)
}

// checkCompletionsPoll is the fallback path for spec.md §8's
// "completion check fallback": it scans for active sequential/dynamic
// schedules whose activeJobId now points at a terminal job, in case the
// JobCompleted event was dropped (e.g. process restarted mid-run).
func (s *scheduler) checkCompletionsPoll() {
	ctx := context.Background()
	schedules, err := s.storage.ListSchedules(ctx)
	if err != nil {
		logger.ErrorF("scheduler %q: completion poll: failed to list schedules: %v", s.id, err)
		return
	}
	for _, sched := range schedules {
		if sched.Status != StatusActive || sched.ActiveJobID == "" {
			continue
		}
		if sched.Kind != KindSequentialInterval && sched.Kind != KindDynamic {
			continue
		}
		job, err := s.queue.Get(ctx, sched.ActiveJobID)
		if err != nil || !job.Status.IsTerminal() {
			continue
		}
		s.handleCompletion(ctx, job)
	}
}

func (s *scheduler) handleCompletion(ctx context.Context, job *jobqueue.Job) {
	sched, err := s.storage.GetSchedule(ctx, job.ReferenceID)
	if err != nil {
		return
	}
	if sched.Kind != KindSequentialInterval && sched.Kind != KindDynamic {
		return
	}
	if sched.ActiveJobID != job.ID {
		return
	}

	now := time.Now().UTC()
	sched.ActiveJobID = ""

	switch job.Status {
	case jobqueue.StatusSucceeded:
		sched.LastCompletedAt = &now
		sched.ConsecutiveFailures = 0
		s.scheduleNextAfterSuccess(sched, job, now)
	case jobqueue.StatusFailed:
		sched.LastFailedAt = &now
		sched.ConsecutiveFailures++
		if sched.ConsecutiveFailures >= sched.MaxConsecutiveFailures {
			sched.Status = StatusPaused
			s.bus.Publish(eventbus.Event{Type: eventbus.SchedulePaused, Payload: map[string]any{
				"scheduleName": sched.Name,
				"reason":       "consecutive-failures",
			}})
		} else {
			s.scheduleNextAfterSuccess(sched, job, now)
		}
	case jobqueue.StatusCancelled:
		sched.LastFailedAt = &now
		s.scheduleNextAfterSuccess(sched, job, now)
	}

	if err := s.storage.SaveSchedule(ctx, sched); err != nil {
		logger.ErrorF("scheduler %q: failed to save schedule %q after completion: %v", s.id, sched.Name, err)
	}
}

// scheduleNextAfterSuccess computes the schedule's next run after a
// completion that is not a self-pausing failure: sequential intervals
// advance by a fixed step; dynamic schedules read the next time from the
// handler's result, completing if none was provided.
func (s *scheduler) scheduleNextAfterSuccess(sched *Schedule, job *jobqueue.Job, now time.Time) {
	if sched.Kind == KindSequentialInterval {
		t := now.Add(time.Duration(sched.IntervalMs) * time.Millisecond)
		sched.NextRunAt = &t
		return
	}

	next, ok := extractNextRunAt(job.Result)
	if !ok {
		sched.Status = StatusCompleted
		sched.NextRunAt = nil
		return
	}
	sched.NextRunAt = next
}

// extractNextRunAt reads a dynamic schedule's next firing time from a
// handler's opaque return value. It tolerates the value arriving either
// as a DynamicResult (same process) or as the generic map/string shape a
// codec round trip through FileStorage produces.
func extractNextRunAt(result any) (*time.Time, bool) {
	switch v := result.(type) {
	case nil:
		return nil, false
	case *DynamicResult:
		if v == nil || v.NextRunAt == nil {
			return nil, false
		}
		return v.NextRunAt, true
	case DynamicResult:
		if v.NextRunAt == nil {
			return nil, false
		}
		return v.NextRunAt, true
	}

	raw, err := json.Marshal(result)
	if err != nil {
		return nil, false
	}
	var parsed DynamicResult
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, false
	}
	if parsed.NextRunAt == nil {
		return nil, false
	}
	return parsed.NextRunAt, true
}
