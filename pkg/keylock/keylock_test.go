package keylock

import (
	"sync"
	"testing"
	"time"
)

func TestAcquireSerializesSameKey(t *testing.T) {
	ring := New()

	release, err := ring.Acquire("wallet-1", time.Second)
	if err != nil {
		t.Fatalf("first acquire failed: %v", err)
	}

	if _, err := ring.Acquire("wallet-1", 50*time.Millisecond); err != ErrTimeout {
		t.Fatalf("expected ErrTimeout while lock held, got %v", err)
	}

	release()

	release2, err := ring.Acquire("wallet-1", time.Second)
	if err != nil {
		t.Fatalf("acquire after release failed: %v", err)
	}
	release2()
}

func TestAcquireDifferentKeysConcurrent(t *testing.T) {
	ring := New()

	r1, err := ring.Acquire("wallet-1", time.Second)
	if err != nil {
		t.Fatalf("acquire wallet-1: %v", err)
	}
	r2, err := ring.Acquire("wallet-2", 50*time.Millisecond)
	if err != nil {
		t.Fatalf("wallet-2 should not contend with wallet-1: %v", err)
	}
	r1()
	r2()
}

func TestReleaseIdempotent(t *testing.T) {
	ring := New()

	release, err := ring.Acquire("k", time.Second)
	if err != nil {
		t.Fatal(err)
	}
	release()
	release() // second call must be a no-op

	release2, err := ring.Acquire("k", 50*time.Millisecond)
	if err != nil {
		t.Fatalf("lock should be free after release: %v", err)
	}
	release2()
}

func TestMutualExclusionUnderContention(t *testing.T) {
	ring := New()

	var wg sync.WaitGroup
	counter := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := ring.Acquire("shared", 5*time.Second)
			if err != nil {
				t.Errorf("acquire failed: %v", err)
				return
			}
			defer release()
			counter++
		}()
	}
	wg.Wait()

	if counter != 50 {
		t.Fatalf("expected 50 increments, got %d", counter)
	}

	ring.mu.Lock()
	remaining := len(ring.locks)
	ring.mu.Unlock()
	if remaining != 0 {
		t.Fatalf("expected lock table to be empty, %d entries remain", remaining)
	}
}
