package breaker

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/Keksclan/rawrcache/cache"
)

var errBackend = &cache.OpError{Op: "get", Namespace: "ns", Err: errors.New("dial tcp: connection refused")}

func newTestBreaker(cfg Config) (*Breaker, *time.Time) {
	b := New(cfg)
	now := time.Now()
	b.nowFunc = func() time.Time { return now }
	return b, &now
}

func TestClosedToOpen(t *testing.T) {
	b, _ := newTestBreaker(Config{
		FailureThreshold:   3,
		OpenTimeout:        5 * time.Second,
		HalfOpenMaxSuccess: 1,
	})

	if s := b.State(); s != Closed {
		t.Fatalf("expected Closed, got %s", s)
	}

	b.Record(errBackend)
	b.Record(errBackend)
	if s := b.State(); s != Closed {
		t.Fatalf("expected Closed after 2 failures, got %s", s)
	}

	b.Record(errBackend) // 3rd failure => trip
	if s := b.State(); s != Open {
		t.Fatalf("expected Open after 3 failures, got %s", s)
	}
}

func TestOpenBlocks(t *testing.T) {
	b, _ := newTestBreaker(Config{
		FailureThreshold:   1,
		OpenTimeout:        5 * time.Second,
		HalfOpenMaxSuccess: 1,
	})

	b.Record(errBackend) // trip
	if b.Allow() {
		t.Fatal("expected Allow()=false in Open state")
	}
}

func TestOpenToHalfOpenAfterTimeout(t *testing.T) {
	b, now := newTestBreaker(Config{
		FailureThreshold:   1,
		OpenTimeout:        5 * time.Second,
		HalfOpenMaxSuccess: 2,
	})

	b.Record(errBackend) // trip to Open
	if b.Allow() {
		t.Fatal("expected blocked in Open")
	}

	// Advance time past OpenTimeout
	*now = now.Add(6 * time.Second)

	if s := b.State(); s != HalfOpen {
		t.Fatalf("expected HalfOpen after timeout, got %s", s)
	}
	if !b.Allow() {
		t.Fatal("expected Allow()=true in HalfOpen")
	}
}

func TestHalfOpenSuccessToClosed(t *testing.T) {
	b, now := newTestBreaker(Config{
		FailureThreshold:   1,
		OpenTimeout:        5 * time.Second,
		HalfOpenMaxSuccess: 2,
	})

	b.Record(errBackend)
	*now = now.Add(6 * time.Second)

	// Now in HalfOpen
	if s := b.State(); s != HalfOpen {
		t.Fatalf("expected HalfOpen, got %s", s)
	}

	b.Record(nil)
	if s := b.State(); s != HalfOpen {
		t.Fatalf("expected still HalfOpen after 1 success, got %s", s)
	}

	b.Record(nil) // 2nd success => close
	if s := b.State(); s != Closed {
		t.Fatalf("expected Closed after %d successes, got %s", 2, s)
	}
}

func TestHalfOpenFailureToOpen(t *testing.T) {
	b, now := newTestBreaker(Config{
		FailureThreshold:   1,
		OpenTimeout:        5 * time.Second,
		HalfOpenMaxSuccess: 3,
	})

	b.Record(errBackend)
	*now = now.Add(6 * time.Second)

	if s := b.State(); s != HalfOpen {
		t.Fatalf("expected HalfOpen, got %s", s)
	}

	b.Record(errBackend) // any failure in HalfOpen => Open
	if s := b.State(); s != Open {
		t.Fatalf("expected Open after HalfOpen failure, got %s", s)
	}
}

func TestSuccessResetsFailureCount(t *testing.T) {
	b, _ := newTestBreaker(Config{
		FailureThreshold:   3,
		OpenTimeout:        5 * time.Second,
		HalfOpenMaxSuccess: 1,
	})

	b.Record(errBackend)
	b.Record(errBackend)
	b.Record(nil) // resets count
	b.Record(errBackend)
	b.Record(errBackend)
	// Only 2 consecutive failures after reset, should still be Closed
	if s := b.State(); s != Closed {
		t.Fatalf("expected Closed, got %s", s)
	}
}

func TestHalfOpenProbeLimit(t *testing.T) {
	b, now := newTestBreaker(Config{
		FailureThreshold:   1,
		OpenTimeout:        5 * time.Second,
		HalfOpenMaxSuccess: 2,
	})

	b.Record(errBackend)
	*now = now.Add(6 * time.Second)

	// HalfOpen allows up to HalfOpenMaxSuccess probes
	if !b.Allow() {
		t.Fatal("expected first probe allowed")
	}
	b.Record(nil) // successes=1

	if !b.Allow() {
		t.Fatal("expected second probe allowed")
	}
	// After HalfOpenMaxSuccess successes recorded, further Allow should
	// still work because we haven't called OnSuccess yet for the second probe.
	// But once we do:
	b.Record(nil) // successes=2 => transitions to Closed

	if s := b.State(); s != Closed {
		t.Fatalf("expected Closed, got %s", s)
	}
}

func TestIgnoresLifecycleErrors(t *testing.T) {
	b, _ := newTestBreaker(Config{FailureThreshold: 1})

	b.Record(&cache.OpError{Op: "get", Namespace: "ns", Err: cache.ErrDestroyed})
	b.Record(cache.ErrIndexSlot)
	if s := b.State(); s != Closed {
		t.Fatalf("expected Closed, got %s", s)
	}
}

func TestIgnoresCallerCancellation(t *testing.T) {
	b, _ := newTestBreaker(Config{FailureThreshold: 2})

	b.Record(&cache.OpError{Op: "get", Namespace: "ns", Err: context.Canceled})
	b.Record(&cache.OpError{Op: "put", Namespace: "ns", Err: context.Canceled})
	b.Record(&cache.OpError{Op: "get", Namespace: "ns", Err: fmt.Errorf("read: %w", context.DeadlineExceeded)})
	if s := b.State(); s != Closed {
		t.Fatalf("expected Closed after caller cancellations, got %s", s)
	}
}

func TestIndexInconsistencyCountsAsSuccess(t *testing.T) {
	b, _ := newTestBreaker(Config{FailureThreshold: 2})

	b.Record(errBackend)
	b.Record(&cache.IndexError{Namespace: "ns", Key: "k"})
	b.Record(errBackend)
	if s := b.State(); s != Closed {
		t.Fatalf("expected Closed, got %s", s)
	}
}

func TestDefaults(t *testing.T) {
	b := New(Config{})
	if b.cfg.FailureThreshold != DefaultFailureThreshold ||
		b.cfg.OpenTimeout != DefaultOpenTimeout ||
		b.cfg.HalfOpenMaxSuccess != DefaultHalfOpenMaxSuccess {
		t.Fatalf("unexpected config %+v", b.cfg)
	}
}
