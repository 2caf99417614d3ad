// Package guard wraps mutating client calls with single-flight, cooldown,
// bounded exponential backoff and a per-attempt timeout.
package guard

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/example/freight-trips/internal/apperr"
)

type Options struct {
	// Cooldown starts when a call finishes, successful or not.
	Cooldown time.Duration
	// Timeout bounds each attempt. An attempt that times out is retried.
	Timeout    time.Duration
	MaxRetries uint64

	InitialInterval     time.Duration
	MaxInterval         time.Duration
	RandomizationFactor float64

	// OnRetry is called before each retry wait, e.g. to show a "retrying"
	// indicator. attempt starts at 1.
	OnRetry func(actionID string, attempt int, err error, wait time.Duration)
}

func DefaultOptions() Options {
	return Options{
		Cooldown:            2 * time.Second,
		Timeout:             15 * time.Second,
		MaxRetries:          3,
		InitialInterval:     500 * time.Millisecond,
		MaxInterval:         8 * time.Second,
		RandomizationFactor: 0.3,
	}
}

// ExhaustedError is returned once every attempt has failed.
type ExhaustedError struct {
	ActionID string
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("guard: %s failed after %d attempts: %v", e.ActionID, e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error { return e.Err }

type Guard struct {
	reg   *Registry
	opts  Options
	sleep func(ctx context.Context, d time.Duration) error
}

// New returns a Guard over reg. A nil reg uses Default.
func New(reg *Registry, opts Options) *Guard {
	if reg == nil {
		reg = Default
	}
	def := DefaultOptions()
	if opts.InitialInterval <= 0 {
		opts.InitialInterval = def.InitialInterval
	}
	if opts.MaxInterval <= 0 {
		opts.MaxInterval = def.MaxInterval
	}
	if opts.RandomizationFactor < 0 {
		opts.RandomizationFactor = 0
	}
	return &Guard{reg: reg, opts: opts, sleep: sleepCtx}
}

func (g *Guard) Registry() *Registry { return g.reg }

// Do runs fn under actionID. A call made while another call for the same
// action is running or cooling down returns ErrInFlight or ErrCoolingDown
// without invoking fn.
func (g *Guard) Do(ctx context.Context, actionID string, fn func(ctx context.Context) error) error {
	if err := g.reg.Acquire(actionID); err != nil {
		return err
	}
	defer g.reg.Release(actionID, g.opts.Cooldown)

	b := g.schedule()
	attempt := 0
	for {
		attempt++
		err := g.attempt(ctx, fn)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !retryable(err) {
			return err
		}
		wait := b.NextBackOff()
		if wait == backoff.Stop {
			return &ExhaustedError{ActionID: actionID, Attempts: attempt, Err: err}
		}
		if ra, ok := apperr.RetryAfter(err); ok {
			wait = ra
		}
		if g.opts.OnRetry != nil {
			g.opts.OnRetry(actionID, attempt, err, wait)
		}
		if err := g.sleep(ctx, wait); err != nil {
			return err
		}
	}
}

func (g *Guard) attempt(ctx context.Context, fn func(ctx context.Context) error) error {
	if g.opts.Timeout <= 0 {
		return fn(ctx)
	}
	actx, cancel := context.WithTimeout(ctx, g.opts.Timeout)
	defer cancel()
	err := fn(actx)
	if err != nil && actx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
		return fmt.Errorf("attempt timed out after %s: %w", g.opts.Timeout, context.DeadlineExceeded)
	}
	return err
}

func (g *Guard) schedule() backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = g.opts.InitialInterval
	eb.MaxInterval = g.opts.MaxInterval
	eb.RandomizationFactor = g.opts.RandomizationFactor
	eb.MaxElapsedTime = 0
	eb.Reset()
	return backoff.WithMaxRetries(eb, g.opts.MaxRetries)
}

// retryable treats timeouts as transient; cancellation never is.
func retryable(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return apperr.Retryable(err)
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
