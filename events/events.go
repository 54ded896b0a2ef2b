// Package events provides the in-process publish/subscribe bus and the
// platform event taxonomy. Handlers registered for one event type run
// sequentially in registration order; distinct events dispatch
// independently. The events/pulse subpackage adapts the bus to a durable
// Redis-backed broker.
package events

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cutfactor/cutcore/telemetry"
)

// Event types emitted by the core.
const (
	TypeOptimizationRunRequested = "OPTIMIZATION_RUN_REQUESTED"
	TypeOptimizationCompleted    = "OPTIMIZATION_COMPLETED"
	TypeOptimizationFailed       = "OPTIMIZATION_FAILED"

	TypeStockLow      = "STOCK_LOW"
	TypeStockReserved = "STOCK_RESERVED"
	TypeStockReleased = "STOCK_RELEASED"

	TypeOrderCreated       = "ORDER_CREATED"
	TypeOrderStatusChanged = "ORDER_STATUS_CHANGED"
	TypeOrderCompleted     = "ORDER_COMPLETED"

	TypeLockAcquired = "LOCK_ACQUIRED"
	TypeLockReleased = "LOCK_RELEASED"

	TypeMention        = "MENTION"
	TypeDocumentShared = "DOCUMENT_SHARED"
	TypeCommentAdded   = "COMMENT_ADDED"

	TypeActivityRecorded = "ACTIVITY_RECORDED"
)

// Types lists every event type the core emits.
func Types() []string {
	return []string{
		TypeOptimizationRunRequested,
		TypeOptimizationCompleted,
		TypeOptimizationFailed,
		TypeStockLow,
		TypeStockReserved,
		TypeStockReleased,
		TypeOrderCreated,
		TypeOrderStatusChanged,
		TypeOrderCompleted,
		TypeLockAcquired,
		TypeLockReleased,
		TypeMention,
		TypeDocumentShared,
		TypeCommentAdded,
		TypeActivityRecorded,
	}
}

const recentBufferSize = 256

type (
	// Event is the bus envelope. Payload is one of the typed payload
	// structs in payloads.go.
	Event struct {
		Type          string    `json:"type"`
		Aggregate     string    `json:"aggregate,omitempty"`
		AggregateID   string    `json:"aggregateId,omitempty"`
		TenantID      string    `json:"tenantId,omitempty"`
		CorrelationID string    `json:"correlationId,omitempty"`
		OccurredAt    time.Time `json:"occurredAt"`
		Payload       any       `json:"payload,omitempty"`
	}

	// Handler processes one event. Handler errors are logged, never
	// propagated to the publisher.
	Handler func(ctx context.Context, evt Event) error

	// Subscription identifies one registration and is the token passed to
	// Unsubscribe. Registering the same token twice is a no-op.
	Subscription struct {
		id        string
		eventType string
	}

	// Bus is the in-process publish/subscribe dispatcher.
	Bus struct {
		mu     sync.RWMutex
		subs   map[string][]registration
		recent []Event
		logger telemetry.Logger
	}

	registration struct {
		id      string
		handler Handler
	}

	// BusOption customizes the bus.
	BusOption func(*Bus)
)

// WithLogger installs the logger used for handler failures. Defaults to the
// noop logger.
func WithLogger(logger telemetry.Logger) BusOption {
	return func(b *Bus) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// NewBus constructs an empty bus.
func NewBus(opts ...BusOption) *Bus {
	b := &Bus{
		subs:   make(map[string][]registration),
		logger: telemetry.NewNoopLogger(),
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Subscribe registers handler for the given event type and returns the
// subscription token. Handlers run in registration order.
func (b *Bus) Subscribe(eventType string, handler Handler) Subscription {
	sub := Subscription{id: uuid.NewString(), eventType: eventType}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[eventType] = append(b.subs[eventType], registration{id: sub.id, handler: handler})
	return sub
}

// Resubscribe registers an existing token again; if the token is already
// registered this is a no-op. Used by composition roots that wire the same
// subscriber from multiple paths.
func (b *Bus) Resubscribe(sub Subscription, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, reg := range b.subs[sub.eventType] {
		if reg.id == sub.id {
			return
		}
	}
	b.subs[sub.eventType] = append(b.subs[sub.eventType], registration{id: sub.id, handler: handler})
}

// Unsubscribe removes the registration identified by the token. Unknown
// tokens are ignored.
func (b *Bus) Unsubscribe(sub Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	regs := b.subs[sub.eventType]
	for i, reg := range regs {
		if reg.id == sub.id {
			b.subs[sub.eventType] = append(regs[:i:i], regs[i+1:]...)
			return
		}
	}
}

// Publish dispatches the event to every handler registered for its type,
// sequentially and in registration order. Handler errors are logged and do
// not stop later handlers. The event lands in the recent ring buffer before
// dispatch.
func (b *Bus) Publish(ctx context.Context, evt Event) {
	if evt.OccurredAt.IsZero() {
		evt.OccurredAt = time.Now().UTC()
	}
	b.mu.Lock()
	b.recent = append(b.recent, evt)
	if len(b.recent) > recentBufferSize {
		b.recent = b.recent[len(b.recent)-recentBufferSize:]
	}
	regs := make([]registration, len(b.subs[evt.Type]))
	copy(regs, b.subs[evt.Type])
	b.mu.Unlock()

	for _, reg := range regs {
		if err := reg.handler(ctx, evt); err != nil {
			b.logger.Error(ctx, "event handler failed",
				"module", "events", "eventType", evt.Type, "tenant", evt.TenantID, "error", err.Error())
		}
	}
}

// Recent returns up to limit of the most recently published events, newest
// last.
func (b *Bus) Recent(limit int) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if limit <= 0 || limit > len(b.recent) {
		limit = len(b.recent)
	}
	out := make([]Event, limit)
	copy(out, b.recent[len(b.recent)-limit:])
	return out
}
