package eventbus

import (
	"sync"
	"testing"
)

func TestPublish_OrderPerType(t *testing.T) {
	b := New()
	var mu sync.Mutex
	var order []int

	for i := 0; i < 5; i++ {
		i := i
		b.Subscribe("x", func(Event) {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
		})
	}

	b.Publish(Event{Type: "x"})

	mu.Lock()
	defer mu.Unlock()
	for i, v := range order {
		if v != i {
			t.Fatalf("subscribers invoked out of registration order: %v", order)
		}
	}
}

func TestPublish_SubscriberPanicIsolated(t *testing.T) {
	b := New()
	var secondCalled bool

	b.Subscribe("y", func(Event) {
		panic("boom")
	})
	b.Subscribe("y", func(Event) {
		secondCalled = true
	})

	b.Publish(Event{Type: "y"}) // must not panic out of this call

	if !secondCalled {
		t.Fatal("second subscriber was not invoked after the first panicked")
	}
}

func TestUnsubscribe_Idempotent(t *testing.T) {
	b := New()
	var calls int
	unsub := b.Subscribe("z", func(Event) { calls++ })

	unsub()
	unsub() // must not panic or double-remove anything else

	b.Publish(Event{Type: "z"})
	if calls != 0 {
		t.Fatalf("expected 0 calls after unsubscribe, got %d", calls)
	}
}

func TestPublish_NoSubscribers(t *testing.T) {
	b := New()
	b.Publish(Event{Type: "nobody-home"}) // must not panic
}
