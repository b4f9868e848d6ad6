package events

import (
	"sync"
	"testing"
	"time"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met within 1s")
}

func TestBus_PublishSubscribe(t *testing.T) {
	bus := NewBus(10)
	defer bus.Close()

	var mu sync.Mutex
	var received []Event
	unsub := bus.Subscribe(EventTaskProcessed, func(e Event) {
		mu.Lock()
		received = append(received, e)
		mu.Unlock()
	})
	defer unsub()

	bus.Publish(EventTaskProcessed, map[string]any{"task_id": "007-login"})

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 1
	})

	mu.Lock()
	defer mu.Unlock()
	if received[0].Type != EventTaskProcessed {
		t.Errorf("expected type %s, got %s", EventTaskProcessed, received[0].Type)
	}
	if id, _ := received[0].Data["task_id"].(string); id != "007-login" {
		t.Errorf("expected task_id 007-login, got %v", received[0].Data["task_id"])
	}
}

func TestBus_OnlyMatchingType(t *testing.T) {
	bus := NewBus(10)
	defer bus.Close()

	var mu sync.Mutex
	count := 0
	bus.Subscribe(EventRateLimited, func(Event) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	bus.Publish(EventBatchReady, nil)
	bus.Publish(EventRateLimited, nil)

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return count == 1
	})
	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if count != 1 {
		t.Errorf("expected 1 event, got %d", count)
	}
}

func TestBus_NonBlocking(t *testing.T) {
	bus := NewBus(1)
	defer bus.Close()

	release := make(chan struct{})
	bus.Subscribe(EventBatchReady, func(Event) { <-release })

	start := time.Now()
	for i := 0; i < 10; i++ {
		bus.Publish(EventBatchReady, map[string]any{"n": i})
	}
	if elapsed := time.Since(start); elapsed > 50*time.Millisecond {
		t.Errorf("publish blocked for %v", elapsed)
	}
	close(release)
}

func TestBus_Unsubscribe(t *testing.T) {
	bus := NewBus(10)
	defer bus.Close()

	var mu sync.Mutex
	count := 0
	unsub := bus.Subscribe(EventBatchReady, func(Event) {
		mu.Lock()
		count++
		mu.Unlock()
	})
	unsub()

	bus.Publish(EventBatchReady, nil)
	time.Sleep(20 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if count != 0 {
		t.Errorf("expected no events after unsubscribe, got %d", count)
	}
}

func TestBus_SubscriberPanicRecovered(t *testing.T) {
	bus := NewBus(10)
	defer bus.Close()

	var mu sync.Mutex
	got := 0
	bus.Subscribe(EventTaskProcessed, func(Event) {
		mu.Lock()
		got++
		mu.Unlock()
		panic("subscriber panic")
	})

	bus.Publish(EventTaskProcessed, nil)
	bus.Publish(EventTaskProcessed, nil)

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return got == 2
	})
}

func TestBus_SubscribeAll(t *testing.T) {
	bus := NewBus(10)
	defer bus.Close()

	var mu sync.Mutex
	seen := map[EventType]bool{}
	unsub := bus.SubscribeAll(func(e Event) {
		mu.Lock()
		seen[e.Type] = true
		mu.Unlock()
	})
	defer unsub()

	for _, typ := range AllTypes {
		bus.Publish(typ, nil)
	}
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == len(AllTypes)
	})
}

func TestBus_CloseIdempotent(t *testing.T) {
	bus := NewBus(1)
	unsub := bus.Subscribe(EventBatchReady, func(Event) {})
	bus.Close()
	bus.Close()
	unsub()

	// Subscribing after close must not start a goroutine that never exits.
	bus.Subscribe(EventBatchReady, func(Event) {})
	bus.Publish(EventBatchReady, nil)
}

func TestBus_NilPublishIsNoop(t *testing.T) {
	var bus *Bus
	bus.Publish(EventBatchReady, nil)
	Nop{}.Publish(EventBatchReady, nil)
}
