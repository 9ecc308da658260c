package bus

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Kind names a memory lifecycle event.
type Kind string

const (
	ConflictDetected    Kind = "conflict.detected"
	ConflictResolved    Kind = "conflict.resolved"
	CompactionRequested Kind = "compaction.requested"
	MemoriesExpired     Kind = "memory.expired"
)

// Event is published by the memory service for callers that watch it
// asynchronously, such as a long-running sweeper or an orchestration layer.
type Event struct {
	Kind       Kind      `json:"kind"`
	TenantID   string    `json:"tenant_id,omitempty"`
	UserID     string    `json:"user_id,omitempty"`
	SessionID  string    `json:"session_id,omitempty"`
	MemoryID   string    `json:"memory_id,omitempty"`
	ConflictID string    `json:"conflict_id,omitempty"`
	Count      int       `json:"count,omitempty"`
	At         time.Time `json:"at"`
}

// EventBus is a bounded fan-in queue. Publishing never blocks a caller for
// longer than publishTimeout; events that do not fit are counted and dropped.
type EventBus struct {
	events  chan Event
	closed  bool
	dropped atomic.Uint64
	mu      sync.RWMutex
}

const (
	publishTimeout  = 100 * time.Millisecond
	defaultCapacity = 100
)

func NewEventBus(capacity int) *EventBus {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	return &EventBus{events: make(chan Event, capacity)}
}

func (eb *EventBus) Publish(ev Event) {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	if eb.closed {
		return
	}
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}

	select {
	case eb.events <- ev:
	default:
		timer := time.NewTimer(publishTimeout)
		defer timer.Stop()
		select {
		case eb.events <- ev:
		case <-timer.C:
			eb.dropped.Add(1)
		}
	}
}

// Consume blocks for the next event. ok is false once the bus is closed and
// drained, or ctx is done.
func (eb *EventBus) Consume(ctx context.Context) (Event, bool) {
	select {
	case ev, ok := <-eb.events:
		if !ok {
			return Event{}, false
		}
		return ev, true
	case <-ctx.Done():
		return Event{}, false
	}
}

func (eb *EventBus) Close() {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	if eb.closed {
		return
	}
	eb.closed = true
	close(eb.events)
}

func (eb *EventBus) Dropped() uint64 {
	return eb.dropped.Load()
}
