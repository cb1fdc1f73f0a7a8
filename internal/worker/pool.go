// Package worker runs session work off the HTTP goroutines with a bounded
// number of concurrent browsers, per-identity pacing and an end-to-end
// budget per operation.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// ErrBudgetExceeded is returned when an operation outlives its budget.
var ErrBudgetExceeded = errors.New("operation budget exceeded")

// ErrClosed is returned by Submit after Close.
var ErrClosed = errors.New("worker pool closed")

// Config sizes the pool.
type Config struct {
	Concurrency int
	Budget      time.Duration
	// MinInterval is the minimum gap between two operations started for the
	// same identity. Zero disables pacing.
	MinInterval time.Duration
}

// Pool executes jobs on dedicated goroutines.
type Pool[T any] struct {
	cfg Config
	sem *semaphore.Weighted

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	closed   bool

	busy atomic.Int64
	wg   sync.WaitGroup
}

// New returns a pool. Concurrency below one is raised to one.
func New[T any](cfg Config) *Pool[T] {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.Budget <= 0 {
		cfg.Budget = 4 * time.Minute
	}
	return &Pool[T]{
		cfg:      cfg,
		sem:      semaphore.NewWeighted(int64(cfg.Concurrency)),
		limiters: make(map[string]*rate.Limiter),
	}
}

func (p *Pool[T]) limiter(identity string) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()
	l, ok := p.limiters[identity]
	if !ok {
		lim := rate.Inf
		if p.cfg.MinInterval > 0 {
			lim = rate.Every(p.cfg.MinInterval)
		}
		l = rate.NewLimiter(lim, 1)
		p.limiters[identity] = l
	}
	return l
}

// Submit runs job for identity and waits for its result. The job gets its
// own context bounded by the budget; it is not cancelled when the caller
// stops waiting, so a half-finished order flow is never cut off by a dropped
// client. A budget overrun returns ErrBudgetExceeded.
func (p *Pool[T]) Submit(ctx context.Context, identity string, job func(context.Context) (T, error)) (T, error) {
	var zero T
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return zero, ErrClosed
	}
	p.wg.Add(1)
	p.mu.Unlock()

	jobCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.Budget)

	type result struct {
		v   T
		err error
	}
	done := make(chan result, 1)
	go func() {
		defer p.wg.Done()
		defer cancel()
		if err := p.limiter(identity).Wait(jobCtx); err != nil {
			done <- result{err: p.budgetErr(jobCtx, fmt.Errorf("pacing %s: %w", identity, err))}
			return
		}
		if err := p.sem.Acquire(jobCtx, 1); err != nil {
			done <- result{err: p.budgetErr(jobCtx, fmt.Errorf("waiting for a worker: %w", err))}
			return
		}
		defer p.sem.Release(1)
		p.busy.Add(1)
		defer p.busy.Add(-1)

		start := time.Now()
		v, err := job(jobCtx)
		slog.Debug("worker job finished", "identity", identity, "duration_ms", time.Since(start).Milliseconds(), "error", err)
		done <- result{v, p.budgetErr(jobCtx, err)}
	}()

	select {
	case r := <-done:
		return r.v, r.err
	case <-jobCtx.Done():
		slog.Warn("operation budget exceeded", "identity", identity, "budget", p.cfg.Budget)
		return zero, ErrBudgetExceeded
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// budgetErr maps a deadline hit on the job context to ErrBudgetExceeded.
func (p *Pool[T]) budgetErr(jobCtx context.Context, err error) error {
	if err != nil && errors.Is(jobCtx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrBudgetExceeded, err)
	}
	return err
}

// Busy returns how many jobs are executing right now.
func (p *Pool[T]) Busy() int64 { return p.busy.Load() }

// Close stops accepting jobs and waits for running ones, or for ctx.
func (p *Pool[T]) Close(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	idle := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(idle)
	}()
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
