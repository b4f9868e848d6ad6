// Package events carries recovery notifications to the daemon's consumers:
// the control socket status view and the JSONL audit log.
package events

import (
	"sync"
	"time"
)

type EventType string

const (
	// EventBatchReady is published after categorization, once per non-empty batch.
	EventBatchReady EventType = "batch_ready"
	// EventTaskProcessed is published after an executor finished with a task.
	EventTaskProcessed EventType = "task_processed"
	// EventRateLimited is published when the rate gate starts blocking.
	EventRateLimited EventType = "rate_limited"
	// EventRateLimitCleared is published when the rate gate opens again.
	EventRateLimitCleared EventType = "rate_limit_cleared"
	// EventRateLimitWarning is published when usage crosses the warning threshold.
	EventRateLimitWarning EventType = "rate_limit_warning"
)

// AllTypes lists every event type the bus carries.
var AllTypes = []EventType{
	EventBatchReady,
	EventTaskProcessed,
	EventRateLimited,
	EventRateLimitCleared,
	EventRateLimitWarning,
}

type Event struct {
	Type      EventType      `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

type Subscriber func(Event)

// Publisher is what producers depend on; *Bus implements it.
type Publisher interface {
	Publish(eventType EventType, data map[string]any)
}

// Bus delivers events asynchronously through one buffered channel per
// subscriber. Publish never blocks: a full subscriber drops the event.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]chan Event
	bufferSize  int
	closed      bool
	wg          sync.WaitGroup
	now         func() time.Time
}

func NewBus(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	return &Bus{
		subscribers: make(map[EventType][]chan Event),
		bufferSize:  bufferSize,
		now:         time.Now,
	}
}

// Subscribe registers fn for eventType and returns an unsubscribe function.
// fn runs on its own goroutine; a panic in fn is recovered.
func (b *Bus) Subscribe(eventType EventType, fn Subscriber) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, b.bufferSize)
	if b.closed {
		close(ch)
		return func() {}
	}
	b.subscribers[eventType] = append(b.subscribers[eventType], ch)

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for event := range ch {
			deliver(fn, event)
		}
	}()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()

		subs := b.subscribers[eventType]
		for i, subCh := range subs {
			if subCh == ch {
				b.subscribers[eventType] = append(subs[:i], subs[i+1:]...)
				close(ch)
				break
			}
		}
	}
}

// SubscribeAll registers fn for every type in AllTypes.
func (b *Bus) SubscribeAll(fn Subscriber) func() {
	unsubs := make([]func(), 0, len(AllTypes))
	for _, t := range AllTypes {
		unsubs = append(unsubs, b.Subscribe(t, fn))
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

func deliver(fn Subscriber, event Event) {
	defer func() { _ = recover() }()
	fn(event)
}

func (b *Bus) Publish(eventType EventType, data map[string]any) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()

	event := Event{
		Type:      eventType,
		Timestamp: b.now().UTC(),
		Data:      data,
	}
	for _, ch := range b.subscribers[eventType] {
		select {
		case ch <- event:
		default:
		}
	}
}

// Close stops delivery and waits for subscriber goroutines to drain.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	for eventType, subs := range b.subscribers {
		for _, ch := range subs {
			close(ch)
		}
		delete(b.subscribers, eventType)
	}
	b.mu.Unlock()
	b.wg.Wait()
}

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(EventType, map[string]any) {}
