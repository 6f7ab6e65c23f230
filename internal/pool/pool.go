package pool

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// Task is one unit of pooled work, typically a single external call.
type Task func(ctx context.Context) (any, error)

// Result pairs a task's output with its input position, so batch callers
// get results in submission order regardless of completion order.
type Result struct {
	Index int
	Value any
	Err   error
}

// Config sizes an Executor.
type Config struct {
	// PoolSize is the hard upper bound on in-flight tasks. The effective
	// bound is the AIMD cap, which never exceeds this.
	PoolSize int
	// SubmitTimeout bounds how long Submit waits for a permit when the
	// pool is saturated. Zero means wait forever.
	SubmitTimeout time.Duration
	// CapacityRetries is how many times one task is re-dispatched after
	// capacity pushback before its CapacityError is returned to the
	// caller.
	CapacityRetries int
	// CapacityDelay is the pause before re-dispatching after pushback,
	// overridden by a server-supplied Retry-After.
	CapacityDelay time.Duration
	// SuccessThreshold is the consecutive-success streak that earns one
	// additive cap increase.
	SuccessThreshold int
}

func (c Config) withDefaults() Config {
	if c.PoolSize < 1 {
		c.PoolSize = 1
	}
	if c.CapacityRetries < 0 {
		c.CapacityRetries = 0
	}
	if c.CapacityDelay <= 0 {
		c.CapacityDelay = 500 * time.Millisecond
	}
	if c.SuccessThreshold < 1 {
		c.SuccessThreshold = 5
	}
	return c
}

// Stats is a snapshot of pool counters.
type Stats struct {
	Submitted      int64
	Completed      int64
	Failed         int64
	CapacityEvents int64
	InFlight       int
	CurrentLimit   int
	PeakInFlight   int
}

// Executor is the permit-gated pool. One per pooled transform instance;
// shut down when that transform closes.
type Executor struct {
	cfg   Config
	aimd  *aimd
	log   *slog.Logger
	sleep func(ctx context.Context, d time.Duration) error

	mu       sync.Mutex
	cond     *sync.Cond
	inflight int
	closed   bool
	stats    Stats
	drain    sync.WaitGroup
}

// New builds an executor. log may be nil.
func New(cfg Config, log *slog.Logger) *Executor {
	cfg = cfg.withDefaults()
	if log == nil {
		log = slog.Default()
	}
	e := &Executor{
		cfg:   cfg,
		aimd:  newAIMD(cfg.PoolSize, cfg.SuccessThreshold),
		log:   log,
		sleep: sleepCtx,
	}
	e.cond = sync.NewCond(&e.mu)
	return e
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// acquire blocks until in-flight work drops below the AIMD cap, the submit
// timeout trips, or ctx is cancelled.
func (e *Executor) acquire(ctx context.Context) error {
	var deadline time.Time
	if e.cfg.SubmitTimeout > 0 {
		deadline = time.Now().Add(e.cfg.SubmitTimeout)
		timer := time.AfterFunc(e.cfg.SubmitTimeout, func() { e.cond.Broadcast() })
		defer timer.Stop()
	}
	stop := context.AfterFunc(ctx, func() { e.cond.Broadcast() })
	defer stop()

	e.mu.Lock()
	defer e.mu.Unlock()
	for {
		if e.closed {
			return ErrShutdown
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if !deadline.IsZero() && !time.Now().Before(deadline) {
			return &SubmitTimeoutError{Waited: e.cfg.SubmitTimeout}
		}
		if e.inflight < e.aimd.limit() {
			e.inflight++
			if e.inflight > e.stats.PeakInFlight {
				e.stats.PeakInFlight = e.inflight
			}
			e.stats.Submitted++
			e.drain.Add(1)
			return nil
		}
		e.cond.Wait()
	}
}

func (e *Executor) release() {
	e.mu.Lock()
	e.inflight--
	e.mu.Unlock()
	e.drain.Done()
	e.cond.Broadcast()
}

// Submit runs one task under a permit and returns its result. On capacity
// pushback the permit is released before the throttle sleep, so a stalled
// task never holds capacity while waiting, then the task is re-dispatched.
func (e *Executor) Submit(ctx context.Context, task Task) (any, error) {
	attempt := 0
	for {
		if err := e.acquire(ctx); err != nil {
			return nil, err
		}
		v, err := task(ctx)
		if err == nil {
			e.aimd.onSuccess()
			e.bump(func(s *Stats) { s.Completed++ })
			e.release()
			return v, nil
		}
		if !IsCapacity(err) {
			e.bump(func(s *Stats) { s.Failed++ })
			e.release()
			return nil, err
		}

		e.aimd.onCapacity()
		e.bump(func(s *Stats) { s.CapacityEvents++ })
		e.release()
		e.log.Warn("capacity pushback, throttling", "limit", e.aimd.limit(), "attempt", attempt)

		if attempt >= e.cfg.CapacityRetries {
			e.bump(func(s *Stats) { s.Failed++ })
			return nil, err
		}
		attempt++
		delay := e.cfg.CapacityDelay
		var ce *CapacityError
		if errors.As(err, &ce) && ce.RetryAfter != nil {
			delay = *ce.RetryAfter
		}
		if err := e.sleep(ctx, delay); err != nil {
			return nil, err
		}
	}
}

// SubmitAll runs every task under the pool and returns results indexed by
// input position. Partial failures are per-result; the slice always has
// one entry per task.
func (e *Executor) SubmitAll(ctx context.Context, tasks []Task) []Result {
	results := make([]Result, len(tasks))
	var wg sync.WaitGroup
	for i, task := range tasks {
		wg.Add(1)
		go func(i int, task Task) {
			defer wg.Done()
			v, err := e.Submit(ctx, task)
			results[i] = Result{Index: i, Value: v, Err: err}
		}(i, task)
	}
	wg.Wait()
	return results
}

// Stats returns a snapshot of the pool counters.
func (e *Executor) Stats() Stats {
	e.mu.Lock()
	s := e.stats
	s.InFlight = e.inflight
	e.mu.Unlock()
	s.CurrentLimit = e.aimd.limit()
	return s
}

// Shutdown refuses new work and waits for in-flight tasks to drain.
func (e *Executor) Shutdown() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	e.mu.Unlock()
	e.cond.Broadcast()
	e.drain.Wait()
}

func (e *Executor) bump(fn func(*Stats)) {
	e.mu.Lock()
	fn(&e.stats)
	e.mu.Unlock()
}
