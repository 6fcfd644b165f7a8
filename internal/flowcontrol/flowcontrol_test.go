package flowcontrol

import (
	"context"
	"testing"
	"time"
)

func TestTryAcquire_RespectsQueueBound(t *testing.T) {
	l := New(2, 0)
	if !l.TryAcquire(10) {
		t.Fatalf("expected first acquire to succeed")
	}
	if !l.TryAcquire(10) {
		t.Fatalf("expected second acquire to succeed")
	}
	if l.TryAcquire(10) {
		t.Fatalf("expected third acquire to fail: queue bound exhausted")
	}
	l.Release(10)
	if !l.TryAcquire(10) {
		t.Fatalf("expected acquire to succeed after release")
	}
}

func TestTryAcquire_RespectsMemoryBound(t *testing.T) {
	l := New(100, 16)
	if !l.TryAcquire(16) {
		t.Fatalf("expected acquire at exactly the memory bound to succeed")
	}
	if l.TryAcquire(1) {
		t.Fatalf("expected acquire beyond memory bound to fail")
	}
}

func TestTryAcquire_RollsBackQueueSlotOnMemoryFailure(t *testing.T) {
	l := New(1, 8)
	if l.TryAcquire(100) {
		t.Fatalf("expected acquire exceeding memory bound to fail")
	}
	if !l.TryAcquire(4) {
		t.Fatalf("queue slot should have been rolled back after the failed acquire")
	}
}

func TestAcquire_BlocksUntilReleased(t *testing.T) {
	l := New(1, 0)
	if !l.TryAcquire(1) {
		t.Fatalf("expected first acquire to succeed")
	}

	released := make(chan struct{})
	go func() {
		time.Sleep(10 * time.Millisecond)
		l.Release(1)
		close(released)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := l.Acquire(ctx, 1); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	<-released
}

func TestAcquire_RespectsContextCancellation(t *testing.T) {
	l := New(1, 0)
	if !l.TryAcquire(1) {
		t.Fatalf("expected first acquire to succeed")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := l.Acquire(ctx, 1); err == nil {
		t.Fatalf("expected Acquire to fail once ctx deadline passes")
	}
}
