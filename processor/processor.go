// Package processor implements component E: a polling worker pool that
// claims jobs from a jobqueue.Queue, runs the handler registered for
// their type, and finalises the row. Worker concurrency is bounded by a
// pool.Pool[struct{}] used purely as a counting semaphore (its MaxWait is
// 0, so Checkout fails at once when every slot is in use and the claim
// waits for the next poll tick; Checkin releases a slot); handler
// registration reuses managers.ItemManager the same way chrono's own
// registries are shaped.
package processor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/xkonti/crude-functions/eventbus"
	"github.com/xkonti/crude-functions/jobqueue"
	"github.com/xkonti/crude-functions/l3"
	"github.com/xkonti/crude-functions/lifecycle"
	"github.com/xkonti/crude-functions/managers"
	"github.com/xkonti/crude-functions/pool"
)

var logger = l3.Get()

// DefaultPollInterval is how often the worker loop calls ClaimOne when it
// has spare capacity.
const DefaultPollInterval = 200 * time.Millisecond

// DefaultLeaseDuration mirrors jobqueue.DefaultLeaseDuration; kept local
// so callers configuring a Processor don't need to import jobqueue just
// for this constant.
const DefaultLeaseDuration = jobqueue.DefaultLeaseDuration

// ErrHandlerNotRegistered is returned when a job type is claimed with no
// registered handler; per spec.md §4.5 this is a programming error, not
// a recoverable condition: it is logged at error level and the job is
// finished as failed, after which the queue's usual retry rules apply.
var ErrHandlerNotRegistered = errors.New("processor: no handler registered for job type")

// CancellationToken is the subset of jobqueue.CancellationToken a
// handler needs; re-exported here so handler implementations don't have
// to import jobqueue directly.
type CancellationToken = jobqueue.CancellationToken

// HandlerFunc runs one job's business logic. The returned value must be
// JSON-serialisable; it is surfaced on the job's JobCompleted event and,
// for dynamic schedules, interpreted as the next firing time.
type HandlerFunc func(ctx context.Context, payload []byte, token *CancellationToken) (result any, err error)

// Processor is the public contract of component E.
type Processor interface {
	lifecycle.Component

	// RegisterHandler binds fn to jobType. Must be called before Start;
	// registrations are immutable once the processor is running (spec.md
	// §5's "fixed after startup" shared-resource policy).
	RegisterHandler(jobType string, fn HandlerFunc)
}

// Option configures a Processor at construction time.
type Option func(*processor)

// WithPollInterval overrides DefaultPollInterval.
func WithPollInterval(d time.Duration) Option {
	return func(p *processor) {
		if d > 0 {
			p.pollInterval = d
		}
	}
}

// WithLeaseDuration overrides DefaultLeaseDuration.
func WithLeaseDuration(d time.Duration) Option {
	return func(p *processor) {
		if d > 0 {
			p.leaseDuration = d
		}
	}
}

// WithOrphanReclaimInterval enables periodic orphan reclaim on the
// processor's own queue; 0 (the default) disables it, leaving reclaim to
// whatever external caller is responsible for it.
func WithOrphanReclaimInterval(d time.Duration) Option {
	return func(p *processor) {
		p.orphanReclaimInterval = d
	}
}

type processor struct {
	mu    sync.RWMutex
	id    string
	queue jobqueue.Queue
	bus   eventbus.Bus

	handlers managers.ItemManager[HandlerFunc]
	slots    pool.Pool[struct{}]
	types    []string

	state  lifecycle.ComponentState
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	pollInterval          time.Duration
	leaseDuration         time.Duration
	orphanReclaimInterval time.Duration
}

// New creates a Processor with up to maxConcurrency jobs in flight at
// once, claiming among registeredTypes.
func New(id string, queue jobqueue.Queue, bus eventbus.Bus, registeredTypes []string, maxConcurrency int, opts ...Option) (Processor, error) {
	if maxConcurrency <= 0 {
		maxConcurrency = 1
	}
	slots, err := pool.NewPool[struct{}](
		func() (struct{}, error) { return struct{}{}, nil },
		nil,
		maxConcurrency, maxConcurrency, 0,
	)
	if err != nil {
		return nil, err
	}

	p := &processor{
		id:            id,
		queue:         queue,
		bus:           bus,
		handlers:      managers.NewItemManager[HandlerFunc](),
		slots:         slots,
		types:         registeredTypes,
		state:         lifecycle.Stopped,
		pollInterval:  DefaultPollInterval,
		leaseDuration: DefaultLeaseDuration,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

func (p *processor) Id() string { return p.id }

func (p *processor) OnChange(prevState, newState lifecycle.ComponentState) {
	logger.DebugF("processor %q: state %d -> %d", p.id, prevState, newState)
}

func (p *processor) setState(newState lifecycle.ComponentState) {
	p.mu.Lock()
	prev := p.state
	p.state = newState
	p.mu.Unlock()
	p.OnChange(prev, newState)
}

func (p *processor) State() lifecycle.ComponentState {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state
}

func (p *processor) RegisterHandler(jobType string, fn HandlerFunc) {
	if s := p.State(); s == lifecycle.Running || s == lifecycle.Starting {
		logger.WarnF("processor %q: ignoring handler registration for %q while running", p.id, jobType)
		return
	}
	p.handlers.Register(jobType, fn)
}

func (p *processor) Start() error {
	p.mu.Lock()
	if p.state == lifecycle.Running || p.state == lifecycle.Starting {
		p.mu.Unlock()
		return fmt.Errorf("processor %q: already running", p.id)
	}
	p.mu.Unlock()
	p.setState(lifecycle.Starting)

	if err := p.slots.Start(); err != nil {
		p.setState(lifecycle.Error)
		return err
	}

	p.ctx, p.cancel = context.WithCancel(context.Background())
	p.wg.Add(1)
	go p.claimLoop()

	if p.orphanReclaimInterval > 0 {
		p.wg.Add(1)
		go p.orphanReclaimLoop()
	}

	p.setState(lifecycle.Running)
	logger.InfoF("processor %q: started (types=%v, concurrency=%d)", p.id, p.types, p.slots.Max())
	return nil
}

func (p *processor) Stop() error {
	p.mu.Lock()
	if p.state != lifecycle.Running {
		p.mu.Unlock()
		return fmt.Errorf("processor %q: not running", p.id)
	}
	p.mu.Unlock()
	p.setState(lifecycle.Stopping)

	p.cancel()
	p.wg.Wait()
	_ = p.slots.Close()

	p.setState(lifecycle.Stopped)
	logger.InfoF("processor %q: stopped", p.id)
	return nil
}

func (p *processor) orphanReclaimLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.orphanReclaimInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			if n, err := p.queue.ReclaimOrphans(p.ctx); err != nil {
				logger.ErrorF("processor %q: orphan reclaim failed: %v", p.id, err)
			} else if n > 0 {
				logger.InfoF("processor %q: reclaimed %d orphaned job(s)", p.id, n)
			}
		}
	}
}

func (p *processor) claimLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.tryClaimAndRun()
		}
	}
}

// tryClaimAndRun checks out a worker slot and, if one is available,
// attempts a single claim. If nothing is eligible the slot is returned
// immediately; otherwise it is held for the handler's duration and
// released when the run finishes.
func (p *processor) tryClaimAndRun() {
	select {
	case <-p.ctx.Done():
		return
	default:
	}

	slot, err := p.slots.Checkout()
	if err != nil {
		// Pool exhausted within MaxWait (0 = don't wait) or closed; try
		// again on the next tick.
		return
	}

	claimed, err := p.queue.ClaimOne(p.ctx, p.types, p.leaseDuration)
	if err != nil {
		logger.ErrorF("processor %q: claim failed: %v", p.id, err)
		p.slots.Checkin(slot)
		return
	}
	if claimed == nil {
		p.slots.Checkin(slot)
		return
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer p.slots.Checkin(slot)
		p.runJob(claimed)
	}()
}

func (p *processor) runJob(claimed *jobqueue.Claimed) {
	job := claimed.Job
	fn := p.handlers.Get(job.Type)
	if fn == nil {
		logger.ErrorF("processor %q: %v: type=%s job=%s", p.id, ErrHandlerNotRegistered, job.Type, job.ID)
		_ = p.queue.Finish(context.Background(), job.ID, jobqueue.Outcome{
			Result: jobqueue.StatusFailed,
			Err:    fmt.Errorf("%w: %s", ErrHandlerNotRegistered, job.Type),
		})
		return
	}

	heartbeatCtx, stopHeartbeat := context.WithCancel(context.Background())
	defer stopHeartbeat()
	p.wg.Add(1)
	go p.heartbeatLoop(heartbeatCtx, job.ID, claimed.Token)

	runCtx, cancelRun := context.WithCancel(context.Background())
	defer cancelRun()
	go func() {
		for {
			select {
			case <-runCtx.Done():
				return
			case <-time.After(p.leaseDuration / 10):
				if claimed.Token.IsCancelled() {
					cancelRun()
					return
				}
			}
		}
	}()

	result, runErr := fn(runCtx, job.Payload, claimed.Token)

	outcome := jobqueue.Outcome{Value: result}
	switch {
	case runErr != nil && errors.Is(runErr, jobqueue.ErrCancelled):
		outcome.Result = jobqueue.StatusCancelled
	case runErr != nil:
		outcome.Result = jobqueue.StatusFailed
		outcome.Err = runErr
	default:
		outcome.Result = jobqueue.StatusSucceeded
	}

	if err := p.queue.Finish(context.Background(), job.ID, outcome); err != nil {
		logger.ErrorF("processor %q: failed to finish job %s: %v", p.id, job.ID, err)
	}
}

func (p *processor) heartbeatLoop(ctx context.Context, jobID string, token *CancellationToken) {
	defer p.wg.Done()
	interval := p.leaseDuration / 3
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.queue.Heartbeat(context.Background(), jobID, p.leaseDuration); err != nil {
				if !errors.Is(err, jobqueue.ErrNotOwner) {
					logger.ErrorF("processor %q: heartbeat failed for job %s: %v", p.id, jobID, err)
				}
				return
			}
			_ = token
		}
	}
}
