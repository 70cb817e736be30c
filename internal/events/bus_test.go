package events

import (
	"context"
	"sync"
	"testing"
	"time"
)

func newTestBus(t *testing.T) *Bus {
	t.Helper()
	b := New(nil, 0)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		b.Destroy(ctx)
	})
	return b
}

func TestPublishDoesNotBlockOnSlowHandler(t *testing.T) {
	b := newTestBus(t)
	release := make(chan struct{})
	b.Subscribe(KindHealthChanged, func(Event) {
		<-release
	})

	done := make(chan struct{})
	go func() {
		b.Publish(KindHealthChanged, HealthChangedPayload{ServiceName: "svc"})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(200 * time.Millisecond):
		t.Fatal("Publish blocked on a slow handler")
	}
	close(release)
}

func TestSubscribersCalledInSubscriptionOrder(t *testing.T) {
	b := newTestBus(t)
	var mu sync.Mutex
	var order []int

	wait := make(chan struct{})
	for i := 0; i < 5; i++ {
		i := i
		b.Subscribe(KindHealthChanged, func(Event) {
			mu.Lock()
			order = append(order, i)
			n := len(order)
			mu.Unlock()
			if n == 5 {
				close(wait)
			}
		})
	}

	b.Publish(KindHealthChanged, HealthChangedPayload{})

	select {
	case <-wait:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for all subscribers")
	}

	mu.Lock()
	defer mu.Unlock()
	for i, v := range order {
		if v != i {
			t.Fatalf("order = %v, want subscription order 0..4", order)
		}
	}
}

func TestFailingHandlerDoesNotAbortSiblings(t *testing.T) {
	b := newTestBus(t)
	secondRan := make(chan struct{})

	b.Subscribe(KindHealthChanged, func(Event) {
		panic("boom")
	})
	b.Subscribe(KindHealthChanged, func(Event) {
		close(secondRan)
	})

	b.Publish(KindHealthChanged, HealthChangedPayload{})

	select {
	case <-secondRan:
	case <-time.After(time.Second):
		t.Fatal("second subscriber never ran after first panicked")
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := newTestBus(t)
	calls := 0
	var mu sync.Mutex
	h := b.Subscribe(KindHealthChanged, func(Event) {
		mu.Lock()
		calls++
		mu.Unlock()
	})
	b.Unsubscribe(h)
	b.Publish(KindHealthChanged, HealthChangedPayload{})

	// allow the dispatch loop a chance to run, then confirm no delivery
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if calls != 0 {
		t.Fatalf("calls = %d, want 0 after Unsubscribe", calls)
	}
}

func TestServiceToolListUpdatesNeverInterleaved(t *testing.T) {
	b := newTestBus(t)
	var mu sync.Mutex
	var seen []int
	done := make(chan struct{})

	b.Subscribe(KindServiceConnected, func(ev Event) {
		p := ev.Payload.(ServiceConnectedPayload)
		mu.Lock()
		seen = append(seen, len(p.Tools))
		n := len(seen)
		mu.Unlock()
		if n == 3 {
			close(done)
		}
	})

	for i := 1; i <= 3; i++ {
		tools := make([]string, i)
		b.Publish(KindServiceConnected, ServiceConnectedPayload{ServiceName: "S", Tools: tools})
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out")
	}

	mu.Lock()
	defer mu.Unlock()
	for i, v := range seen {
		if v != i+1 {
			t.Fatalf("seen = %v, want strictly increasing publish order 1,2,3", seen)
		}
	}
}

func TestDestroyStopsDispatch(t *testing.T) {
	b := New(nil, 0)
	calls := 0
	var mu sync.Mutex
	b.Subscribe(KindHealthChanged, func(Event) {
		mu.Lock()
		calls++
		mu.Unlock()
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	b.Destroy(ctx)

	b.Publish(KindHealthChanged, HealthChangedPayload{})
	time.Sleep(20 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if calls != 0 {
		t.Fatalf("calls = %d, want 0 after Destroy", calls)
	}
}
