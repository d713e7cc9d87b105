package lockfile

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/apprenticegc/rfcflow/internal/clock"
)

func writeInfo(t *testing.T, path string, info Info) {
	t.Helper()
	data, err := json.Marshal(info)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write lock: %v", err)
	}
}

func unixSeconds(ts time.Time) float64 {
	return float64(ts.UnixNano()) / 1e9
}

func TestAcquireRelease(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".rfc-db-lock")
	l := New(path, Options{})

	if err := l.Acquire(context.Background()); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if !l.Held() {
		t.Error("Held() = false after Acquire")
	}

	info, err := ReadInfo(path)
	if err != nil {
		t.Fatalf("ReadInfo: %v", err)
	}
	if info.PID != os.Getpid() {
		t.Errorf("PID = %d, want %d", info.PID, os.Getpid())
	}
	if time.Since(info.Time()) > time.Minute {
		t.Errorf("timestamp too old: %v", info.Time())
	}

	if err := l.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("lock file still present after Release: %v", err)
	}
	if err := l.Release(); err != nil {
		t.Errorf("second Release: %v", err)
	}
}

func TestTryAcquireBusy(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".rfc-db-lock")
	holder := New(path, Options{})
	if ok, err := holder.TryAcquire(); err != nil || !ok {
		t.Fatalf("holder TryAcquire = %v, %v", ok, err)
	}
	defer holder.Release()

	other := New(path, Options{})
	ok, err := other.TryAcquire()
	if err != nil {
		t.Fatalf("TryAcquire: %v", err)
	}
	if ok {
		t.Error("second TryAcquire succeeded while lock is fresh")
	}
}

func TestStaleLockReclaimed(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".rfc-db-lock")
	host, _ := os.Hostname()
	writeInfo(t, path, Info{TS: unixSeconds(time.Now().Add(-10 * time.Minute)), PID: os.Getpid(), Host: host})

	l := New(path, Options{StaleAfter: 5 * time.Minute, PollInterval: 10 * time.Millisecond})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := l.Acquire(ctx); err != nil {
		t.Fatalf("Acquire over stale lock: %v", err)
	}
	defer l.Release()

	info, err := ReadInfo(path)
	if err != nil {
		t.Fatalf("ReadInfo: %v", err)
	}
	if time.Since(info.Time()) > time.Minute {
		t.Error("lock file was not replaced with a fresh timestamp")
	}
}

func TestWaitBoundedByStaleness(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".rfc-db-lock")
	start := time.Now()
	fake := clock.NewFake(start)
	host, _ := os.Hostname()
	// A live-looking holder that never releases.
	writeInfo(t, path, Info{TS: unixSeconds(start), PID: os.Getpid(), Host: host})

	l := New(path, Options{StaleAfter: 300 * time.Second, PollInterval: 2 * time.Second, Clock: fake})
	if err := l.Acquire(context.Background()); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer l.Release()

	waited := fake.TotalSlept()
	if waited < 300*time.Second || waited > 304*time.Second {
		t.Errorf("waited %v, want just over the 300s staleness threshold", waited)
	}
}

func TestAcquireCancelled(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".rfc-db-lock")
	holder := New(path, Options{})
	if _, err := holder.TryAcquire(); err != nil {
		t.Fatal(err)
	}
	defer holder.Release()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	l := New(path, Options{PollInterval: time.Millisecond})
	if err := l.Acquire(ctx); err == nil {
		t.Error("Acquire returned nil with cancelled context")
	}
}

func TestMalformedFreshLockNotReclaimed(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".rfc-db-lock")
	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatal(err)
	}

	l := New(path, Options{})
	ok, err := l.TryAcquire()
	if err != nil {
		t.Fatalf("TryAcquire: %v", err)
	}
	if ok {
		t.Error("fresh malformed lock was reclaimed; a holder may still be writing it")
	}
}

func TestMalformedOldLockReclaimed(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".rfc-db-lock")
	if err := os.WriteFile(path, []byte("garbage"), 0o600); err != nil {
		t.Fatal(err)
	}
	old := time.Now().Add(-time.Hour)
	if err := os.Chtimes(path, old, old); err != nil {
		t.Fatal(err)
	}

	l := New(path, Options{})
	ok, err := l.TryAcquire()
	if err != nil || !ok {
		t.Fatalf("TryAcquire = %v, %v; want reclaimed", ok, err)
	}
	_ = l.Release()
}

func TestRefresh(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".rfc-db-lock")
	fake := clock.NewFake(time.Now())
	l := New(path, Options{Clock: fake})

	if err := l.Refresh(); err == nil {
		t.Error("Refresh succeeded without holding the lock")
	}
	if _, err := l.TryAcquire(); err != nil {
		t.Fatal(err)
	}
	defer l.Release()

	before, _ := ReadInfo(path)
	fake.Advance(time.Minute)
	if err := l.Refresh(); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	after, _ := ReadInfo(path)
	if got := after.Time().Sub(before.Time()); got < 59*time.Second {
		t.Errorf("Refresh moved timestamp by %v, want ~1m", got)
	}
}
