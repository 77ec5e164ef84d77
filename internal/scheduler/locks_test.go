package scheduler

import (
	"sync"
	"testing"
	"time"
)

func TestQueueLocksReleaseEntries(t *testing.T) {
	l := newQueueLocks()

	unlock := l.Lock("queue-1")
	if l.Len() != 1 {
		t.Fatalf("Expected 1 lock entry, got %d", l.Len())
	}
	unlock()
	if l.Len() != 0 {
		t.Errorf("Expected lock entry removed after unlock, got %d", l.Len())
	}

	for i := 0; i < 100; i++ {
		l.Lock("queue-" + string(rune('a'+i%26)))()
	}
	if l.Len() != 0 {
		t.Errorf("Expected no lock entries left, got %d", l.Len())
	}
}

func TestQueueLocksMutualExclusion(t *testing.T) {
	l := newQueueLocks()

	unlock := l.Lock("queue-1")
	acquired := make(chan struct{})
	go func() {
		release := l.Lock("queue-1")
		close(acquired)
		release()
	}()

	select {
	case <-acquired:
		t.Fatal("Second holder acquired a held lock")
	case <-time.After(50 * time.Millisecond):
	}
	// The waiter keeps the entry alive.
	if l.Len() != 1 {
		t.Errorf("Expected 1 lock entry while waiting, got %d", l.Len())
	}
	unlock()

	select {
	case <-acquired:
	case <-time.After(5 * time.Second):
		t.Fatal("Waiter never acquired the lock")
	}

	var wg sync.WaitGroup
	counter := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release := l.Lock("queue-2")
			counter++
			release()
		}()
	}
	wg.Wait()
	if counter != 50 {
		t.Errorf("Expected 50 increments, got %d", counter)
	}
	if l.Len() != 0 {
		t.Errorf("Expected no lock entries left, got %d", l.Len())
	}
}
