package processor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/xkonti/crude-functions/eventbus"
	"github.com/xkonti/crude-functions/jobqueue"
)

func newTestProcessor(t *testing.T, concurrency int, types []string) (Processor, jobqueue.Queue) {
	t.Helper()
	bus := eventbus.New()
	queue := jobqueue.NewQueue(jobqueue.NewInMemoryStorage(), bus)
	proc, err := New("test-processor", queue, bus, types, concurrency,
		WithPollInterval(10*time.Millisecond),
		WithLeaseDuration(300*time.Millisecond))
	if err != nil {
		t.Fatalf("new processor: %v", err)
	}
	return proc, queue
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

func TestProcessor_RunsRegisteredHandlerToSuccess(t *testing.T) {
	proc, queue := newTestProcessor(t, 2, []string{"greet"})
	var ran int32
	proc.RegisterHandler("greet", func(ctx context.Context, payload []byte, token *CancellationToken) (any, error) {
		atomic.AddInt32(&ran, 1)
		return map[string]any{"greeting": "hi"}, nil
	})

	if err := proc.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer proc.Stop()

	job, err := queue.Enqueue(context.Background(), jobqueue.JobSpec{Type: "greet", ExecutionMode: jobqueue.ModeConcurrent})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	ok := waitFor(t, time.Second, func() bool {
		got, _ := queue.Get(context.Background(), job.ID)
		return got != nil && got.Status == jobqueue.StatusSucceeded
	})
	if !ok {
		t.Fatal("expected job to reach succeeded status")
	}
	if atomic.LoadInt32(&ran) != 1 {
		t.Fatalf("expected handler to run exactly once, ran %d times", ran)
	}
}

func TestProcessor_HandlerErrorMarksFailed(t *testing.T) {
	proc, queue := newTestProcessor(t, 1, []string{"fail"})
	proc.RegisterHandler("fail", func(ctx context.Context, payload []byte, token *CancellationToken) (any, error) {
		return nil, errors.New("boom")
	})
	if err := proc.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer proc.Stop()

	job, _ := queue.Enqueue(context.Background(), jobqueue.JobSpec{Type: "fail", ExecutionMode: jobqueue.ModeConcurrent})

	ok := waitFor(t, time.Second, func() bool {
		got, _ := queue.Get(context.Background(), job.ID)
		return got != nil && got.Status == jobqueue.StatusFailed
	})
	if !ok {
		t.Fatal("expected job to reach failed status")
	}
}

func TestProcessor_UnregisteredTypeFailsImmediately(t *testing.T) {
	proc, queue := newTestProcessor(t, 1, []string{"mystery"})
	if err := proc.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer proc.Stop()

	job, _ := queue.Enqueue(context.Background(), jobqueue.JobSpec{Type: "mystery", ExecutionMode: jobqueue.ModeConcurrent})

	ok := waitFor(t, time.Second, func() bool {
		got, _ := queue.Get(context.Background(), job.ID)
		return got != nil && got.Status == jobqueue.StatusFailed
	})
	if !ok {
		t.Fatal("expected job with no handler to fail")
	}
}

func TestProcessor_CancellationTokenObservedByHandler(t *testing.T) {
	proc, queue := newTestProcessor(t, 1, []string{"cancellable"})
	started := make(chan struct{})
	proc.RegisterHandler("cancellable", func(ctx context.Context, payload []byte, token *CancellationToken) (any, error) {
		close(started)
		for !token.IsCancelled() {
			time.Sleep(5 * time.Millisecond)
		}
		return nil, jobqueue.ErrCancelled
	})
	if err := proc.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer proc.Stop()

	job, _ := queue.Enqueue(context.Background(), jobqueue.JobSpec{Type: "cancellable", ExecutionMode: jobqueue.ModeConcurrent})

	<-started
	if err := queue.RequestCancel(context.Background(), job.ID); err != nil {
		t.Fatalf("request cancel: %v", err)
	}

	ok := waitFor(t, time.Second, func() bool {
		got, _ := queue.Get(context.Background(), job.ID)
		return got != nil && got.Status == jobqueue.StatusCancelled
	})
	if !ok {
		t.Fatal("expected job to reach cancelled status")
	}
}

func TestProcessor_ConcurrencyLimitBoundsInFlightJobs(t *testing.T) {
	proc, queue := newTestProcessor(t, 2, []string{"slow"})
	var inFlight int32
	var maxSeen int32
	proc.RegisterHandler("slow", func(ctx context.Context, payload []byte, token *CancellationToken) (any, error) {
		n := atomic.AddInt32(&inFlight, 1)
		for {
			cur := atomic.LoadInt32(&maxSeen)
			if n <= cur || atomic.CompareAndSwapInt32(&maxSeen, cur, n) {
				break
			}
		}
		time.Sleep(80 * time.Millisecond)
		atomic.AddInt32(&inFlight, -1)
		return nil, nil
	})
	if err := proc.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer proc.Stop()

	for i := 0; i < 6; i++ {
		if _, err := queue.Enqueue(context.Background(), jobqueue.JobSpec{Type: "slow", ExecutionMode: jobqueue.ModeConcurrent}); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}

	waitFor(t, 2*time.Second, func() bool {
		jobs, _ := queue.GetByType(context.Background(), "slow")
		done := 0
		for _, j := range jobs {
			if j.Status.IsTerminal() {
				done++
			}
		}
		return done == len(jobs) && len(jobs) == 6
	})

	if atomic.LoadInt32(&maxSeen) > 2 {
		t.Fatalf("expected at most 2 concurrent handler runs, saw %d", maxSeen)
	}
}
