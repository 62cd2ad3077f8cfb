package store

import (
	"context"
	"testing"
	"time"
)

func TestKeyedLocksBlocksSameKey(t *testing.T) {
	locks := newKeyedLocks()
	ctx := context.Background()

	unlock, err := locks.Lock(ctx, "a")
	if err != nil {
		t.Fatalf("Lock() error = %v", err)
	}

	acquired := make(chan struct{})
	go func() {
		release, err := locks.Lock(ctx, "a")
		if err != nil {
			t.Errorf("second Lock() error = %v", err)
			return
		}
		close(acquired)
		release()
	}()

	select {
	case <-acquired:
		t.Fatal("second Lock() acquired while first was held")
	case <-time.After(50 * time.Millisecond):
	}

	unlock()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("second Lock() never acquired after release")
	}
}

func TestKeyedLocksIndependentKeys(t *testing.T) {
	locks := newKeyedLocks()
	ctx := context.Background()

	unlockA, err := locks.Lock(ctx, "a")
	if err != nil {
		t.Fatalf("Lock(a) error = %v", err)
	}
	defer unlockA()

	done := make(chan struct{})
	go func() {
		unlockB, err := locks.Lock(ctx, "b")
		if err == nil {
			unlockB()
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Lock(b) blocked behind Lock(a)")
	}
}

func TestKeyedLocksContextCancel(t *testing.T) {
	locks := newKeyedLocks()

	unlock, err := locks.Lock(context.Background(), "a")
	if err != nil {
		t.Fatalf("Lock() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := locks.Lock(ctx, "a"); err == nil {
		t.Fatal("expected context error while key is held")
	}

	unlock()
	unlock() // second call is a no-op
	if n := locks.size(); n != 0 {
		t.Fatalf("size() = %d, want 0", n)
	}
}
