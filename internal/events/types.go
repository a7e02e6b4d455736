// Package events provides event management functionality.
package events

import (
	"sync"
	"time"
)

// EventType represents different event types
type EventType string

const (
	TickCompleted  EventType = "TICK_COMPLETED"
	PriceFetched   EventType = "PRICE_FETCHED"
	SwapExecuted   EventType = "SWAP_EXECUTED"
	SwapRejected   EventType = "SWAP_REJECTED"
	TradeFailed    EventType = "TRADE_FAILED"
	LockAcquired   EventType = "LOCK_ACQUIRED"
	LockReleased   EventType = "LOCK_RELEASED"
	BotStarted     EventType = "BOT_STARTED"
	BotStopped     EventType = "BOT_STOPPED"
	BotReset       EventType = "BOT_RESET"
	ErrorOccurred  EventType = "ERROR_OCCURRED"
	Discrepancy    EventType = "RECONCILIATION_DISCREPANCY"
	StatusChanged  EventType = "SYSTEM_STATUS_CHANGED"
	MissedRecorded EventType = "MISSED_TRADE_RECORDED"
)

// Event represents a system event
type Event struct {
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Module    string                 `json:"module"`
	Data      map[string]interface{} `json:"data"`
}

// Bus fans events out to subscribers. Subscribers receive on buffered
// channels; a slow subscriber drops events rather than blocking emitters.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[int]chan Event
	nextID      int
}

// NewBus creates a new event bus
func NewBus() *Bus {
	return &Bus{
		subscribers: make(map[int]chan Event),
	}
}

// Subscribe registers a new subscriber and returns its channel plus an
// unsubscribe function.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++

	ch := make(chan Event, buffer)
	b.subscribers[id] = ch

	unsubscribe := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subscribers[id]; ok {
			delete(b.subscribers, id)
			close(sub)
		}
	}

	return ch, unsubscribe
}

// Publish delivers the event to all subscribers without blocking.
func (b *Bus) Publish(event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subscribers {
		select {
		case ch <- event:
		default:
			// Subscriber buffer full; drop rather than stall the emitter.
		}
	}
}
