// Package eventbus fans out in-process signals between cronrelay components.
package eventbus

import (
	"sync"
	"time"
)

// Event types published by the scheduler, dispatcher and store.
const (
	JobFired          = "job.fired"
	JobDisabled       = "job.disabled"
	DeliverySucceeded = "delivery.succeeded"
	DeliveryExhausted = "delivery.exhausted"
	StorageBreaker    = "storage.breaker"
)

// Event is a small in-memory signal. Data holds one of the payload structs below.
type Event struct {
	Type string
	Time time.Time
	Data any
}

type JobFiredData struct {
	JobID    string
	FireAt   time.Time // latest occurrence committed
	Created  int
	Disabled bool
}

type JobDisabledData struct {
	JobID  string
	Reason string
	Kind   string // "schedule" | "configuration"
}

type DeliveryData struct {
	IntentID string
	JobID    string
	Attempts int
	Status   int
	Error    string
}

type BreakerData struct {
	From string
	To   string
}

// Bus never blocks publishers; a subscriber whose buffer is full misses events.
type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

func New() Bus {
	return &memBus{subs: map[*subscription]struct{}{}}
}

type subscription struct {
	ch     chan Event
	closed bool
}

type memBus struct {
	mu   sync.Mutex
	subs map[*subscription]struct{}
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for sub := range b.subs {
		select {
		case sub.ch <- e:
		default:
		}
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	sub := &subscription{ch: make(chan Event, buffer)}
	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	return sub.ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub.closed {
			return
		}
		sub.closed = true
		delete(b.subs, sub)
		close(sub.ch)
	}
}
