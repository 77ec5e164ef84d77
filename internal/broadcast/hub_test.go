package broadcast

import (
	"sync"
	"testing"
	"time"

	"github.com/fentz26/simqueue/internal/models"
)

func recv(t *testing.T, sub *Subscription) models.Event {
	t.Helper()
	select {
	case e, ok := <-sub.Events():
		if !ok {
			t.Fatal("Subscription closed unexpectedly")
		}
		return e
	case <-time.After(time.Second):
		t.Fatal("Timed out waiting for event")
	}
	return models.Event{}
}

func TestPublishRoutesByNegotiation(t *testing.T) {
	h := NewHub(4)
	a1 := h.Subscribe("neg-a")
	a2 := h.Subscribe("neg-a")
	b := h.Subscribe("neg-b")
	all := h.Subscribe(AllNegotiations)
	defer a1.Close()
	defer a2.Close()
	defer b.Close()
	defer all.Close()

	h.Publish(models.Event{Type: models.EventRunStarted, NegotiationID: "neg-a", RunID: "r1"})

	for _, sub := range []*Subscription{a1, a2, all} {
		if e := recv(t, sub); e.RunID != "r1" {
			t.Errorf("Expected run r1, got %q", e.RunID)
		}
	}
	select {
	case e := <-b.Events():
		t.Errorf("Subscriber of another negotiation received %+v", e)
	default:
	}

	if h.Subscribers("neg-a") != 2 {
		t.Errorf("Expected 2 subscribers, got %d", h.Subscribers("neg-a"))
	}
}

func TestPublishNeverBlocks(t *testing.T) {
	h := NewHub(2)
	slow := h.Subscribe("neg-a")
	defer slow.Close()

	done := make(chan struct{})
	go func() {
		for i := 1; i <= 100; i++ {
			h.Publish(models.Event{Type: models.EventRoundCompleted, NegotiationID: "neg-a", Round: i})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a slow subscriber")
	}

	// Drop-oldest keeps the newest events.
	if e := recv(t, slow); e.Round != 99 {
		t.Errorf("Expected round 99, got %d", e.Round)
	}
	if e := recv(t, slow); e.Round != 100 {
		t.Errorf("Expected round 100, got %d", e.Round)
	}
	if h.Dropped() != 98 {
		t.Errorf("Expected 98 dropped events, got %d", h.Dropped())
	}
}

func TestCloseUnsubscribes(t *testing.T) {
	h := NewHub(1)
	sub := h.Subscribe("neg-a")
	sub.Close()
	sub.Close()

	if h.Subscribers("neg-a") != 0 {
		t.Errorf("Expected no subscribers, got %d", h.Subscribers("neg-a"))
	}
	if _, ok := <-sub.Events(); ok {
		t.Error("Expected closed stream")
	}

	// Publishing after close must not panic.
	h.Publish(models.Event{NegotiationID: "neg-a"})
}

func TestConcurrentPublishAndClose(t *testing.T) {
	h := NewHub(8)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		sub := h.Subscribe("neg-a")
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				h.Publish(models.Event{NegotiationID: "neg-a", Round: j})
			}
		}()
		go func(s *Subscription) {
			defer wg.Done()
			time.Sleep(time.Millisecond)
			s.Close()
		}(sub)
	}
	wg.Wait()

	if h.Subscribers("neg-a") != 0 {
		t.Errorf("Expected all subscriptions closed, got %d", h.Subscribers("neg-a"))
	}
}
