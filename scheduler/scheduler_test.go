package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/xkonti/crude-functions/eventbus"
	"github.com/xkonti/crude-functions/jobqueue"
)

func newTestHarness(t *testing.T) (Scheduler, jobqueue.Queue, eventbus.Bus, Storage) {
	t.Helper()
	bus := eventbus.New()
	jobStorage := jobqueue.NewInMemoryStorage()
	queue := jobqueue.NewQueue(jobStorage, bus)
	schedStorage := NewInMemoryStorage()
	sched := New("test-scheduler", schedStorage, queue, bus,
		WithPollInterval(10*time.Millisecond),
		WithCompletionCheckInterval(20*time.Millisecond))
	return sched, queue, bus, schedStorage
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}

// runOneOffAndFinish claims and finishes the next job of jobType with the
// given outcome, simulating a Processor without pulling in that package.
func runOneOffAndFinish(t *testing.T, q jobqueue.Queue, jobType string, outcome jobqueue.Outcome) *jobqueue.Job {
	t.Helper()
	var claimed *jobqueue.Claimed
	ok := waitFor(t, time.Second, func() bool {
		c, err := q.ClaimOne(context.Background(), []string{jobType}, time.Minute)
		if err != nil {
			t.Fatalf("claim: %v", err)
		}
		if c != nil {
			claimed = c
			return true
		}
		return false
	})
	if !ok {
		t.Fatalf("no job of type %q became available", jobType)
	}
	if err := q.Finish(context.Background(), claimed.Job.ID, outcome); err != nil {
		t.Fatalf("finish: %v", err)
	}
	return claimed.Job
}

func TestRegisterSchedule_RejectsDuplicateAndInvalid(t *testing.T) {
	sched, _, _, _ := newTestHarness(t)
	ctx := context.Background()

	spec := ScheduleSpec{Name: "s1", Kind: KindOneOff, Template: JobTemplate{JobType: "t"}, NextRunAt: ptrTime(time.Now().Add(time.Hour))}
	if _, err := sched.RegisterSchedule(ctx, spec); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := sched.RegisterSchedule(ctx, spec); !errors.Is(err, ErrDuplicateSchedule) {
		t.Fatalf("expected ErrDuplicateSchedule, got %v", err)
	}

	badSpec := ScheduleSpec{Name: "s2", Kind: KindOneOff, Template: JobTemplate{JobType: "t"}}
	if _, err := sched.RegisterSchedule(ctx, badSpec); !errors.Is(err, ErrInvalidScheduleConfig) {
		t.Fatalf("expected ErrInvalidScheduleConfig for missing nextRunAt, got %v", err)
	}
}

func TestOneOff_FiresOnceThenCompletes(t *testing.T) {
	sched, queue, _, _ := newTestHarness(t)
	ctx := context.Background()

	_, err := sched.RegisterSchedule(ctx, ScheduleSpec{
		Name: "once", Kind: KindOneOff,
		Template:  JobTemplate{JobType: "T"},
		NextRunAt: ptrTime(time.Now().Add(20 * time.Millisecond)),
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := sched.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer sched.Stop()

	runOneOffAndFinish(t, queue, "T", jobqueue.Outcome{Result: jobqueue.StatusSucceeded})

	ok := waitFor(t, time.Second, func() bool {
		s, err := sched.GetSchedule(ctx, "once")
		return err == nil && s.Status == StatusCompleted
	})
	if !ok {
		t.Fatal("expected schedule to reach completed status")
	}
}

func TestSequentialInterval_WaitsForCompletion(t *testing.T) {
	sched, queue, _, _ := newTestHarness(t)
	ctx := context.Background()

	_, err := sched.RegisterSchedule(ctx, ScheduleSpec{
		Name: "seq", Kind: KindSequentialInterval,
		Template:   JobTemplate{JobType: "T"},
		IntervalMs: 20,
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := sched.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer sched.Stop()

	runOneOffAndFinish(t, queue, "T", jobqueue.Outcome{Result: jobqueue.StatusSucceeded})

	ok := waitFor(t, time.Second, func() bool {
		s, err := sched.GetSchedule(ctx, "seq")
		return err == nil && s.ActiveJobID == ""
	})
	if !ok {
		t.Fatal("expected activeJobId to clear after completion")
	}

	s, _ := sched.GetSchedule(ctx, "seq")
	if s.LastCompletedAt == nil {
		t.Fatal("expected lastCompletedAt to be set")
	}
	if s.NextRunAt == nil || s.NextRunAt.Before(s.LastCompletedAt.Add(20*time.Millisecond).Add(-time.Millisecond)) {
		t.Fatalf("expected nextRunAt >= lastCompletedAt + intervalMs, got %v vs %v", s.NextRunAt, s.LastCompletedAt)
	}
}

func TestSelfPause_OnRepeatedFailure(t *testing.T) {
	sched, queue, bus, _ := newTestHarness(t)
	ctx := context.Background()

	paused := make(chan eventbus.Event, 1)
	bus.Subscribe(eventbus.SchedulePaused, func(e eventbus.Event) {
		select {
		case paused <- e:
		default:
		}
	})

	_, err := sched.RegisterSchedule(ctx, ScheduleSpec{
		Name: "flaky", Kind: KindSequentialInterval,
		Template:               JobTemplate{JobType: "T"},
		IntervalMs:             10,
		MaxConsecutiveFailures: 3,
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := sched.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer sched.Stop()

	for i := 0; i < 3; i++ {
		runOneOffAndFinish(t, queue, "T", jobqueue.Outcome{Result: jobqueue.StatusFailed, Err: errors.New("boom")})
	}

	select {
	case e := <-paused:
		payload, ok := e.Payload.(map[string]any)
		if !ok || payload["reason"] != "consecutive-failures" {
			t.Fatalf("unexpected SchedulePaused payload: %#v", e.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("expected a SchedulePaused event")
	}

	s, _ := sched.GetSchedule(ctx, "flaky")
	if s.Status != StatusPaused {
		t.Fatalf("expected schedule to be paused, got %s", s.Status)
	}
}

func TestTriggerNow_BypassesActiveJobGuard(t *testing.T) {
	sched, queue, _, _ := newTestHarness(t)
	ctx := context.Background()

	s, err := sched.RegisterSchedule(ctx, ScheduleSpec{
		Name: "seq", Kind: KindSequentialInterval,
		Template:   JobTemplate{JobType: "T"},
		IntervalMs: time.Hour.Milliseconds(),
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	_ = s

	job, err := sched.TriggerNow(ctx, "seq")
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}
	if job.Type != "T" {
		t.Fatalf("expected a job of type T, got %s", job.Type)
	}

	got, _ := sched.GetSchedule(ctx, "seq")
	if got.ActiveJobID != "" {
		t.Fatalf("expected triggerNow to leave activeJobId untouched, got %q", got.ActiveJobID)
	}

	jobs, err := queue.GetByType(ctx, "T")
	if err != nil || len(jobs) != 1 {
		t.Fatalf("expected exactly one T job, got %d (err %v)", len(jobs), err)
	}
}

func TestPauseResume_StopsAndRestartsFiring(t *testing.T) {
	sched, queue, _, _ := newTestHarness(t)
	ctx := context.Background()

	_, err := sched.RegisterSchedule(ctx, ScheduleSpec{
		Name: "p", Kind: KindConcurrentInterval,
		Template:   JobTemplate{JobType: "T"},
		IntervalMs: 15,
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := sched.PauseSchedule(ctx, "p"); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if err := sched.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer sched.Stop()

	time.Sleep(60 * time.Millisecond)
	jobs, _ := queue.GetByType(ctx, "T")
	if len(jobs) != 0 {
		t.Fatalf("expected no jobs while paused, got %d", len(jobs))
	}

	if err := sched.ResumeSchedule(ctx, "p"); err != nil {
		t.Fatalf("resume: %v", err)
	}
	ok := waitFor(t, time.Second, func() bool {
		jobs, _ := queue.GetByType(ctx, "T")
		return len(jobs) > 0
	})
	if !ok {
		t.Fatal("expected at least one job after resuming")
	}
}

func TestPauseResume_RejectsIllegalTransitions(t *testing.T) {
	sched, _, _, _ := newTestHarness(t)
	ctx := context.Background()

	_, err := sched.RegisterSchedule(ctx, ScheduleSpec{
		Name: "p", Kind: KindConcurrentInterval,
		Template:   JobTemplate{JobType: "T"},
		IntervalMs: time.Hour.Milliseconds(),
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	if err := sched.ResumeSchedule(ctx, "p"); !errors.Is(err, ErrScheduleStateError) {
		t.Fatalf("expected ErrScheduleStateError resuming an already-active schedule, got %v", err)
	}

	if err := sched.PauseSchedule(ctx, "p"); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if err := sched.PauseSchedule(ctx, "p"); !errors.Is(err, ErrScheduleStateError) {
		t.Fatalf("expected ErrScheduleStateError pausing an already-paused schedule, got %v", err)
	}
}

func TestDynamicSchedule_AdvancesFromHandlerResult(t *testing.T) {
	sched, queue, _, _ := newTestHarness(t)
	ctx := context.Background()

	_, err := sched.RegisterSchedule(ctx, ScheduleSpec{
		Name: "dyn", Kind: KindDynamic,
		Template:  JobTemplate{JobType: "T"},
		NextRunAt: ptrTime(time.Now().Add(20 * time.Millisecond)),
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := sched.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer sched.Stop()

	next := ptrTime(time.Now().Add(time.Hour))
	runOneOffAndFinish(t, queue, "T", jobqueue.Outcome{
		Result: jobqueue.StatusSucceeded,
		Value:  &DynamicResult{NextRunAt: next},
	})

	ok := waitFor(t, time.Second, func() bool {
		s, err := sched.GetSchedule(ctx, "dyn")
		return err == nil && s.ActiveJobID == "" && s.NextRunAt != nil
	})
	if !ok {
		t.Fatal("expected activeJobId to clear and nextRunAt to be set after completion")
	}

	s, _ := sched.GetSchedule(ctx, "dyn")
	if s.Status != StatusActive {
		t.Fatalf("expected schedule to remain active, got %s", s.Status)
	}
	if !s.NextRunAt.Equal(*next) {
		t.Fatalf("expected nextRunAt %v, got %v", next, s.NextRunAt)
	}
}

func TestDynamicSchedule_CompletesWhenHandlerReturnsNoNextRunAt(t *testing.T) {
	sched, queue, _, _ := newTestHarness(t)
	ctx := context.Background()

	_, err := sched.RegisterSchedule(ctx, ScheduleSpec{
		Name: "dyn-done", Kind: KindDynamic,
		Template:  JobTemplate{JobType: "T"},
		NextRunAt: ptrTime(time.Now().Add(20 * time.Millisecond)),
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := sched.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer sched.Stop()

	runOneOffAndFinish(t, queue, "T", jobqueue.Outcome{
		Result: jobqueue.StatusSucceeded,
		Value:  &DynamicResult{NextRunAt: nil},
	})

	ok := waitFor(t, time.Second, func() bool {
		s, err := sched.GetSchedule(ctx, "dyn-done")
		return err == nil && s.Status == StatusCompleted
	})
	if !ok {
		t.Fatal("expected schedule to complete when the handler returns no next run time")
	}
}

func ptrTime(t time.Time) *time.Time { return &t }
