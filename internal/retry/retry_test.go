package retry

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apprenticegc/rfcflow/internal/clock"
)

func noJitter(time.Duration) time.Duration { return 0 }

func newTestExecutor(attempts int) (*Executor, *clock.Fake) {
	clk := clock.NewFake(time.Unix(1_700_000_000, 0))
	return NewExecutor(Policy{MaxAttempts: attempts}, clk).WithJitter(noJitter), clk
}

func TestRetriesTransientThenSucceeds(t *testing.T) {
	ex, clk := newTestExecutor(5)
	calls := 0
	err := ex.Do(context.Background(), func(context.Context) error {
		calls++
		if calls < 3 {
			return CheckStatus(http.StatusTooManyRequests, nil)
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second}, clk.Sleeps())

	m := ex.Metrics()
	assert.Equal(t, 2, m.Retries)
	assert.Equal(t, 6*time.Second, m.BackoffSleep)
}

func TestPermanentStopsImmediately(t *testing.T) {
	for _, status := range []int{http.StatusForbidden, http.StatusNotFound} {
		ex, clk := newTestExecutor(5)
		calls := 0
		err := ex.Do(context.Background(), func(context.Context) error {
			calls++
			return CheckStatus(status, []byte(`{"message":"nope"}`))
		})
		require.Error(t, err)
		assert.True(t, IsPermanent(err))
		assert.Equal(t, status, StatusOf(err))
		assert.Equal(t, 1, calls)
		assert.Empty(t, clk.Sleeps())
		assert.Zero(t, ex.Metrics().Retries)
	}
}

func TestExhaustsAttempts(t *testing.T) {
	ex, clk := newTestExecutor(5)
	calls := 0
	err := ex.Do(context.Background(), func(context.Context) error {
		calls++
		return CheckStatus(http.StatusServiceUnavailable, nil)
	})
	require.Error(t, err)
	assert.True(t, IsTransient(err))
	assert.Contains(t, err.Error(), "giving up after 5 attempts")
	assert.Equal(t, 5, calls)
	assert.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second}, clk.Sleeps())
	assert.Equal(t, 4, ex.Metrics().Retries)
}

func TestNoRetryStopsWithoutReclassifying(t *testing.T) {
	ex, clk := newTestExecutor(5)
	calls := 0
	err := ex.Do(context.Background(), func(context.Context) error {
		calls++
		return NoRetry(CheckStatus(http.StatusBadGateway, nil))
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.True(t, IsTransient(err))
	assert.False(t, IsPermanent(err))
	assert.Equal(t, http.StatusBadGateway, StatusOf(err))
	assert.Empty(t, clk.Sleeps())
	assert.Zero(t, ex.Metrics().Retries)
}

func TestTransportErrorsAreRetried(t *testing.T) {
	ex, _ := newTestExecutor(3)
	calls := 0
	err := ex.Do(context.Background(), func(context.Context) error {
		calls++
		return errors.New("connection reset by peer")
	})
	require.Error(t, err)
	assert.Equal(t, 3, calls)
}

func TestCancelledContextStops(t *testing.T) {
	ex, _ := newTestExecutor(5)
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := ex.Do(ctx, func(context.Context) error {
		calls++
		cancel()
		return CheckStatus(http.StatusBadGateway, nil)
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestJitterIsBounded(t *testing.T) {
	for i := 0; i < 100; i++ {
		j := uniformJitter(DefaultMaxJitter)
		assert.GreaterOrEqual(t, j, time.Duration(0))
		assert.Less(t, j, DefaultMaxJitter)
	}
}

func TestOnRetryHook(t *testing.T) {
	ex, _ := newTestExecutor(2)
	var seen []int
	ex.OnRetry = func(attempt int, wait time.Duration, err error) {
		seen = append(seen, attempt)
		assert.Equal(t, 2*time.Second, wait)
		assert.Error(t, err)
	}
	_ = ex.Do(context.Background(), func(context.Context) error {
		return CheckStatus(http.StatusInternalServerError, nil)
	})
	assert.Equal(t, []int{1}, seen)
}

func TestCheckStatus(t *testing.T) {
	tests := []struct {
		status    int
		permanent bool
		transient bool
	}{
		{200, false, false},
		{204, false, false},
		{403, true, false},
		{404, true, false},
		{429, false, true},
		{500, false, true},
		{502, false, true},
		{503, false, true},
		{504, false, true},
		{409, false, true},
	}
	for _, tt := range tests {
		err := CheckStatus(tt.status, []byte("body"))
		if !tt.permanent && !tt.transient {
			assert.NoError(t, err, "status %d", tt.status)
			continue
		}
		assert.Equal(t, tt.permanent, IsPermanent(err), "status %d", tt.status)
		assert.Equal(t, tt.transient, IsTransient(err), "status %d", tt.status)
	}
	assert.True(t, IsTransientStatus(429))
	assert.False(t, IsTransientStatus(409))
}
