// Package human wraps page input with randomized timing and curved pointer
// motion so the remote UI never sees a mechanically regular cadence.
package human

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/aquilax/go-perlin"

	"github.com/dgnsrekt/ctrader_agent/internal/config"
)

// Class selects a calibrated pause range.
type Class int

const (
	Short Class = iota
	Medium
	Long
)

func (c Class) String() string {
	switch c {
	case Short:
		return "short"
	case Medium:
		return "medium"
	case Long:
		return "long"
	default:
		return "unknown"
	}
}

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Actor drives one page. It is safe for concurrent use, though callers
// normally hold it for a single operation.
type Actor struct {
	timing config.Timing
	sleep  SleepFunc

	mu        sync.Mutex
	rng       *rand.Rand
	noise     *perlin.Perlin
	noiseT    float64
	cursorX   float64
	cursorY   float64
	hasCursor bool
}

// Option customizes an Actor.
type Option func(*Actor)

// WithSeed makes the actor's randomness reproducible.
func WithSeed(seed uint64) Option {
	return func(a *Actor) {
		a.rng = rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
		a.noise = perlin.NewPerlin(2, 2, 3, int64(seed))
	}
}

// WithSleep replaces the wall-clock sleep; tests pass a no-op.
func WithSleep(fn SleepFunc) Option {
	return func(a *Actor) { a.sleep = fn }
}

// New returns an Actor using the given timing ranges.
func New(timing config.Timing, opts ...Option) *Actor {
	seed := uint64(time.Now().UnixNano())
	a := &Actor{
		timing: timing,
		sleep:  sleepCtx,
		rng:    rand.New(rand.NewPCG(seed, seed>>1)),
		noise:  perlin.NewPerlin(2, 2, 3, int64(seed)),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Pause sleeps for a random duration from the class's range.
func (a *Actor) Pause(ctx context.Context, c Class) error {
	var r config.Range
	switch c {
	case Medium:
		r = a.timing.Medium
	case Long:
		r = a.timing.Long
	default:
		r = a.timing.Short
	}
	return a.sleep(ctx, a.between(r))
}

func (a *Actor) between(r config.Range) time.Duration {
	if r.Max <= r.Min {
		return r.Min
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return r.Min + time.Duration(a.rng.Int64N(int64(r.Max-r.Min)+1))
}

func (a *Actor) uniform(lo, hi float64) float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return lo + a.rng.Float64()*(hi-lo)
}

func (a *Actor) intn(lo, hi int) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return lo + a.rng.IntN(hi-lo+1)
}
