package guard

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/freight-trips/internal/apperr"
)

func newTestGuard(opts Options) (*Guard, *[]time.Duration) {
	g := New(NewRegistry(), opts)
	var waits []time.Duration
	g.sleep = func(ctx context.Context, d time.Duration) error {
		waits = append(waits, d)
		return ctx.Err()
	}
	return g, &waits
}

func TestConcurrentCallsExecuteOnce(t *testing.T) {
	reg := NewRegistry()
	// Two independent surfaces share the registry.
	a := New(reg, Options{Cooldown: time.Minute})
	b := New(reg, Options{Cooldown: time.Minute})

	var calls atomic.Int32
	release := make(chan struct{})
	started := make(chan struct{})
	fn := func(ctx context.Context) error {
		if calls.Add(1) == 1 {
			close(started)
		}
		<-release
		return nil
	}

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	wg.Add(1)
	go func() {
		defer wg.Done()
		errs <- a.Do(context.Background(), "approve:p1", fn)
	}()
	<-started
	for i := 0; i < 19; i++ {
		g := a
		if i%2 == 0 {
			g = b
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- g.Do(context.Background(), "approve:p1", fn)
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()
	close(errs)

	var ok, dropped int
	for err := range errs {
		switch {
		case err == nil:
			ok++
		case Dropped(err):
			dropped++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, 1, ok)
	assert.Equal(t, 19, dropped)
}

func TestCooldownDropsLaterCalls(t *testing.T) {
	reg := NewRegistry()
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	reg.Now = func() time.Time { return now }
	g := New(reg, Options{Cooldown: 2 * time.Second})

	failing := func(context.Context) error { return apperr.Conflict(apperr.CodeSlotsFull, "full") }
	require.Error(t, g.Do(context.Background(), "accept:j1", failing))

	err := g.Do(context.Background(), "accept:j1", func(context.Context) error {
		t.Fatal("must not run during cooldown")
		return nil
	})
	assert.ErrorIs(t, err, ErrCoolingDown)
	assert.True(t, reg.State("accept:j1").CooldownUntil.After(now))

	now = now.Add(2 * time.Second)
	assert.NoError(t, g.Do(context.Background(), "accept:j1", func(context.Context) error { return nil }))
}

func TestRetriesTransientErrors(t *testing.T) {
	var retries []int
	g, waits := newTestGuard(Options{
		MaxRetries:          3,
		InitialInterval:     100 * time.Millisecond,
		RandomizationFactor: 0,
		OnRetry:             func(_ string, attempt int, _ error, _ time.Duration) { retries = append(retries, attempt) },
	})
	calls := 0
	err := g.Do(context.Background(), "advance:j1:d1", func(context.Context) error {
		calls++
		if calls < 3 {
			return &apperr.StaleStateError{Expected: "LOADING", Actual: "LOADED"}
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []int{1, 2}, retries)
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 150 * time.Millisecond}, *waits)
}

func TestNonRetryableErrorsReturnImmediately(t *testing.T) {
	cases := []error{
		&apperr.InvalidTransitionError{From: "ACCEPTED", To: "LOADED"},
		apperr.Invalid("lat", "out of range"),
		apperr.Forbidden("not owner"),
		context.Canceled,
	}
	for _, want := range cases {
		g, waits := newTestGuard(Options{MaxRetries: 5})
		calls := 0
		err := g.Do(context.Background(), "x", func(context.Context) error {
			calls++
			return want
		})
		assert.ErrorIs(t, err, want)
		assert.Equal(t, 1, calls, "%v", want)
		assert.Empty(t, *waits)
	}
}

func TestExhaustionWrapsLastError(t *testing.T) {
	g, _ := newTestGuard(Options{MaxRetries: 2, InitialInterval: time.Millisecond})
	calls := 0
	infra := apperr.Infra("store", errors.New("connection reset"))
	err := g.Do(context.Background(), "x", func(context.Context) error {
		calls++
		return infra
	})
	var ex *ExhaustedError
	require.ErrorAs(t, err, &ex)
	assert.Equal(t, 3, ex.Attempts)
	assert.Equal(t, 3, calls)
	assert.Equal(t, apperr.CodeInfra, apperr.Code(err))
}

func TestRateLimitedHonorsRetryAfter(t *testing.T) {
	g, waits := newTestGuard(Options{MaxRetries: 1, InitialInterval: time.Millisecond})
	calls := 0
	err := g.Do(context.Background(), "x", func(context.Context) error {
		calls++
		if calls == 1 {
			return &apperr.RateLimitedError{Limit: 30, RetryAfter: 7 * time.Second}
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []time.Duration{7 * time.Second}, *waits)
}

func TestTimeoutIsRetryable(t *testing.T) {
	g, waits := newTestGuard(Options{MaxRetries: 1, Timeout: 10 * time.Millisecond, InitialInterval: time.Millisecond})
	calls := 0
	err := g.Do(context.Background(), "x", func(ctx context.Context) error {
		calls++
		if calls == 1 {
			<-ctx.Done()
			return ctx.Err()
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	assert.Len(t, *waits, 1)
}

func TestParentCancellationStopsRetries(t *testing.T) {
	g, _ := newTestGuard(Options{MaxRetries: 5})
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := g.Do(ctx, "x", func(context.Context) error {
		calls++
		cancel()
		return apperr.Infra("http", errors.New("eof"))
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
	assert.False(t, g.Registry().State("x").Executing)
}
