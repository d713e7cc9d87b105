// Package ratelimit provides a token bucket that sleeps through an
// injectable clock and accounts for the time spent waiting.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/apprenticegc/rfcflow/internal/clock"
)

const (
	// DefaultRate is the refill rate in tokens per second.
	DefaultRate = 3
	// DefaultBurst is the bucket capacity.
	DefaultBurst = 5
)

// Bucket is a token bucket limiter. Each Wait takes one token.
type Bucket struct {
	limiter *rate.Limiter
	clock   clock.Clock

	mu    sync.Mutex
	slept time.Duration
}

// New returns a full bucket of capacity burst refilled at perSecond tokens per
// second. Non-positive values select the defaults.
func New(perSecond float64, burst int, clk clock.Clock) *Bucket {
	if perSecond <= 0 {
		perSecond = DefaultRate
	}
	if burst <= 0 {
		burst = DefaultBurst
	}
	if clk == nil {
		clk = clock.Real{}
	}
	return &Bucket{
		limiter: rate.NewLimiter(rate.Limit(perSecond), burst),
		clock:   clk,
	}
}

// Wait takes one token, sleeping until it is available. It returns the time
// spent sleeping. If ctx is done first the token is returned to the bucket.
func (b *Bucket) Wait(ctx context.Context) (time.Duration, error) {
	now := b.clock.Now()
	r := b.limiter.ReserveN(now, 1)
	if !r.OK() {
		return 0, context.DeadlineExceeded
	}
	delay := r.DelayFrom(now)
	if delay <= 0 {
		return 0, nil
	}
	if err := b.clock.Sleep(ctx, delay); err != nil {
		r.CancelAt(b.clock.Now())
		return 0, err
	}

	b.mu.Lock()
	b.slept += delay
	b.mu.Unlock()
	return delay, nil
}

// Slept returns the cumulative throttle sleep.
func (b *Bucket) Slept() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.slept
}
