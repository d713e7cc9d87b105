package clock

import (
	"context"
	"testing"
	"time"
)

func TestFakeSleepAdvances(t *testing.T) {
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	f := NewFake(start)

	if err := f.Sleep(context.Background(), 2*time.Second); err != nil {
		t.Fatalf("Sleep: %v", err)
	}
	f.Advance(time.Second)

	if got := f.Now().Sub(start); got != 3*time.Second {
		t.Errorf("elapsed = %v, want 3s", got)
	}
	if got := f.TotalSlept(); got != 2*time.Second {
		t.Errorf("TotalSlept = %v, want 2s", got)
	}
}

func TestSleepHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := (Real{}).Sleep(ctx, time.Hour); err == nil {
		t.Error("Real.Sleep returned nil for cancelled context")
	}
	if err := NewFake(time.Now()).Sleep(ctx, time.Hour); err == nil {
		t.Error("Fake.Sleep returned nil for cancelled context")
	}
}
