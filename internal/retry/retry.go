// Package retry runs operations with bounded exponential backoff.
//
// Permanent failures return immediately. Everything else is retried up to the
// configured number of attempts with a delay of 2^attempt seconds plus up to
// a quarter second of jitter, the first retry using attempt 1. All waiting goes
// through a clock.Clock so tests can run without real sleeps.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/apprenticegc/rfcflow/internal/clock"
)

const (
	// DefaultMaxAttempts is the total number of tries including the first.
	DefaultMaxAttempts = 5
	// DefaultBase is multiplied by 2^attempt.
	DefaultBase = time.Second
	// DefaultMaxJitter bounds the uniform jitter added to each delay.
	DefaultMaxJitter = 250 * time.Millisecond
)

// Policy configures an Executor. Zero values select the defaults.
type Policy struct {
	MaxAttempts int
	Base        time.Duration
	MaxJitter   time.Duration
}

// Metrics accumulates retry activity across calls.
type Metrics struct {
	Retries      int
	BackoffSleep time.Duration
}

// Executor runs operations under a Policy and records Metrics.
type Executor struct {
	policy Policy
	clock  clock.Clock
	jitter func(max time.Duration) time.Duration

	// OnRetry, when set, is called before each backoff sleep.
	OnRetry func(attempt int, wait time.Duration, err error)

	mu      sync.Mutex
	metrics Metrics
}

// NewExecutor returns an Executor using clk for sleeps.
func NewExecutor(p Policy, clk clock.Clock) *Executor {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultMaxAttempts
	}
	if p.Base <= 0 {
		p.Base = DefaultBase
	}
	if p.MaxJitter < 0 {
		p.MaxJitter = 0
	} else if p.MaxJitter == 0 {
		p.MaxJitter = DefaultMaxJitter
	}
	if clk == nil {
		clk = clock.Real{}
	}
	return &Executor{
		policy: p,
		clock:  clk,
		jitter: uniformJitter,
	}
}

// WithJitter replaces the jitter source. Used by tests for exact delays.
func (e *Executor) WithJitter(fn func(max time.Duration) time.Duration) *Executor {
	e.jitter = fn
	return e
}

// Policy returns the effective policy.
func (e *Executor) Policy() Policy {
	return e.policy
}

// Metrics returns a snapshot of the accumulated metrics.
func (e *Executor) Metrics() Metrics {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.metrics
}

// Do runs op until it succeeds, fails permanently, exhausts the attempt
// budget, or ctx is done. The last error is returned, wrapped with the
// attempt count when the budget ran out.
func (e *Executor) Do(ctx context.Context, op func(ctx context.Context) error) error {
	attempts := 0
	stopped := false
	operation := func() error {
		attempts++
		err := op(ctx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		var nr *NoRetryError
		if errors.As(err, &nr) {
			stopped = true
			return backoff.Permanent(nr.Err)
		}
		if IsPermanent(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	retries := 0
	notify := func(err error, wait time.Duration) {
		retries++
		e.mu.Lock()
		e.metrics.Retries++
		e.metrics.BackoffSleep += wait
		e.mu.Unlock()
		if e.OnRetry != nil {
			e.OnRetry(retries, wait, err)
		}
	}

	b := backoff.WithContext(
		backoff.WithMaxRetries(newExpBackoff(e.policy, e.jitter), uint64(e.policy.MaxAttempts-1)),
		ctx,
	)
	err := backoff.RetryNotifyWithTimer(operation, b, notify, &clockTimer{ctx: ctx, clock: e.clock})
	if err == nil {
		return nil
	}
	if stopped || IsPermanent(err) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("giving up after %d attempts: %w", attempts, err)
}

// expBackoff yields Base*2^attempt plus jitter, attempt counting from 1.
type expBackoff struct {
	policy  Policy
	jitter  func(time.Duration) time.Duration
	attempt int
}

func newExpBackoff(p Policy, jitter func(time.Duration) time.Duration) *expBackoff {
	return &expBackoff{policy: p, jitter: jitter}
}

func (b *expBackoff) NextBackOff() time.Duration {
	b.attempt++
	d := b.policy.Base * time.Duration(1<<uint(b.attempt))
	if b.policy.MaxJitter > 0 && b.jitter != nil {
		d += b.jitter(b.policy.MaxJitter)
	}
	return d
}

func (b *expBackoff) Reset() { b.attempt = 0 }

func uniformJitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return time.Duration(rand.Int64N(int64(max)))
}

// clockTimer adapts clock.Clock to backoff.Timer. Start sleeps through the
// clock and then fires; a cancelled sleep never fires, so the retry loop
// observes ctx.Done instead.
type clockTimer struct {
	ctx   context.Context
	clock clock.Clock
	c     chan time.Time
}

func (t *clockTimer) Start(d time.Duration) {
	t.c = make(chan time.Time, 1)
	if err := t.clock.Sleep(t.ctx, d); err != nil {
		return
	}
	t.c <- t.clock.Now()
}

func (t *clockTimer) Stop() {}

func (t *clockTimer) C() <-chan time.Time {
	return t.c
}
