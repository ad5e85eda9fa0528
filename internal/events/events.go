// Package events is the message-passing boundary between the accounting
// core and delivery layers (websocket push, notification rows). The core
// publishes domain events here; fan-out to clients is owned by external
// subscribers.
package events

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// Event types emitted by the core.
const (
	OrderFilled    = "order.filled"
	OrderCancelled = "order.cancelled"
	TradeExecuted  = "trade.executed"
	BalanceChanged = "balance.changed"
)

// Event is a domain event addressed to a single user.
type Event struct {
	Type       string      `json:"type"`
	UserID     string      `json:"user_id"`
	Payload    interface{} `json:"payload"`
	OccurredAt time.Time   `json:"occurred_at"`
}

// Emitter fans events out to subscriber channels. Publishing never blocks;
// a subscriber that falls behind loses events (delivery guarantees beyond
// the channel are out of scope here).
type Emitter struct {
	mu      sync.RWMutex
	subs    []chan Event
	buffer  int
	closed  bool
	dropped uint64
}

// NewEmitter creates an emitter whose subscriber channels buffer the given
// number of events.
func NewEmitter(buffer int) *Emitter {
	if buffer <= 0 {
		buffer = 64
	}
	return &Emitter{buffer: buffer}
}

// Subscribe registers a new subscriber channel.
func (e *Emitter) Subscribe() <-chan Event {
	e.mu.Lock()
	defer e.mu.Unlock()

	ch := make(chan Event, e.buffer)
	if e.closed {
		close(ch)
		return ch
	}
	e.subs = append(e.subs, ch)
	return ch
}

// Publish delivers the event to every subscriber without blocking.
func (e *Emitter) Publish(eventType, userID string, payload interface{}) {
	ev := Event{
		Type:       eventType,
		UserID:     userID,
		Payload:    payload,
		OccurredAt: time.Now(),
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return
	}
	for _, ch := range e.subs {
		select {
		case ch <- ev:
		default:
			atomic.AddUint64(&e.dropped, 1)
			log.Warn().
				Str("event_type", eventType).
				Str("user_id", userID).
				Msg("subscriber buffer full, event dropped")
		}
	}
}

// Dropped returns the number of events discarded due to slow subscribers.
func (e *Emitter) Dropped() uint64 {
	return atomic.LoadUint64(&e.dropped)
}

// Close closes all subscriber channels. Publish becomes a no-op.
func (e *Emitter) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.closed = true
	for _, ch := range e.subs {
		close(ch)
	}
	e.subs = nil
}
