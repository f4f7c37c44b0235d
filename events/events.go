package events

import (
	"context"
	"sync"

	log "github.com/sirupsen/logrus"
)

// EventType represents different types of events in the system
type EventType string

const (
	EventTypeBetPlaced       EventType = "bet_placed"
	EventTypeBetSettled      EventType = "bet_settled"
	EventTypeBetCancelled    EventType = "bet_cancelled"
	EventTypePayoutCompleted EventType = "payout_completed"
	EventTypePayoutParked    EventType = "payout_parked"
)

// Event is the base interface for all events
type Event interface {
	Type() EventType
}

// BetPlacedEvent is emitted once a verified payment has been recorded as a bet
type BetPlacedEvent struct {
	BetID      int64  `json:"bet_id"`
	OwnerRef   string `json:"owner_ref"`
	Amount     uint64 `json:"amount"`
	PaymentRef string `json:"payment_ref"`
}

func (e BetPlacedEvent) Type() EventType {
	return EventTypeBetPlaced
}

// BetSettledEvent is emitted when a bet leaves the pending state as won or lost
type BetSettledEvent struct {
	BetID        int64  `json:"bet_id"`
	OwnerRef     string `json:"owner_ref"`
	Won          bool   `json:"won"`
	OutcomeScore int64  `json:"outcome_score"`
	PayoutAmount uint64 `json:"payout_amount"`
	BonusSlot    bool   `json:"bonus_slot"`
	PeriodWeek   int    `json:"period_week"`
}

func (e BetSettledEvent) Type() EventType {
	return EventTypeBetSettled
}

// BetCancelledEvent is emitted when an operator cancels a pending bet
type BetCancelledEvent struct {
	BetID    int64  `json:"bet_id"`
	OwnerRef string `json:"owner_ref"`
}

func (e BetCancelledEvent) Type() EventType {
	return EventTypeBetCancelled
}

// PayoutCompletedEvent is emitted when winnings reach the player
type PayoutCompletedEvent struct {
	BetID     int64  `json:"bet_id"`
	OwnerRef  string `json:"owner_ref"`
	Amount    uint64 `json:"amount"`
	PayoutRef string `json:"payout_ref"`
}

func (e PayoutCompletedEvent) Type() EventType {
	return EventTypePayoutCompleted
}

// PayoutParkedEvent is emitted when a payout attempt fails and the bet waits for a retry
type PayoutParkedEvent struct {
	BetID     int64  `json:"bet_id"`
	OwnerRef  string `json:"owner_ref"`
	Amount    uint64 `json:"amount"`
	Error     string `json:"error"`
	Retryable bool   `json:"retryable"`
	Attempts  int    `json:"attempts"`
}

func (e PayoutParkedEvent) Type() EventType {
	return EventTypePayoutParked
}

// Handler is a function that handles events
type Handler func(ctx context.Context, event Event)

// Bus manages event subscriptions and dispatching
type Bus struct {
	mu       sync.RWMutex
	handlers map[EventType][]Handler
	all      []Handler
}

// NewBus creates a new event bus
func NewBus() *Bus {
	return &Bus{
		handlers: make(map[EventType][]Handler),
	}
}

// Subscribe adds a handler for a specific event type
func (b *Bus) Subscribe(eventType EventType, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.handlers[eventType] = append(b.handlers[eventType], handler)

	log.WithFields(log.Fields{
		"eventType":    eventType,
		"handlerCount": len(b.handlers[eventType]),
	}).Debug("Subscribed handler to event type")
}

// SubscribeAll adds a handler that receives every event, used by forwarders
func (b *Bus) SubscribeAll(handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.all = append(b.all, handler)
}

// Emit publishes an event to all registered handlers.
// Handlers run asynchronously and a panicking handler does not affect the others.
func (b *Bus) Emit(ctx context.Context, event Event) {
	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.handlers[event.Type()])+len(b.all))
	handlers = append(handlers, b.handlers[event.Type()]...)
	handlers = append(handlers, b.all...)
	b.mu.RUnlock()

	log.WithFields(log.Fields{
		"eventType":    event.Type(),
		"handlerCount": len(handlers),
	}).Debug("Emitting event to handlers")

	for i, handler := range handlers {
		go func(h Handler, handlerIndex int) {
			defer func() {
				if r := recover(); r != nil {
					log.WithFields(log.Fields{
						"eventType":    event.Type(),
						"handlerIndex": handlerIndex,
						"panic":        r,
					}).Error("Event handler panicked")
				}
			}()
			h(ctx, event)
		}(handler, i)
	}
}

// TransactionalBus holds events raised inside a unit of work until its commit
type TransactionalBus struct {
	real    *Bus
	pending []Event
}

func NewTransactionalBus(real *Bus) *TransactionalBus {
	return &TransactionalBus{real: real}
}

func (b *TransactionalBus) Publish(e Event) {
	b.pending = append(b.pending, e)
}

// Flush emits pending events; called after a successful commit.
// Emission uses a background context so handlers outlive the request.
func (b *TransactionalBus) Flush() {
	if b.real == nil {
		b.pending = nil
		return
	}

	log.WithField("pendingEventCount", len(b.pending)).Debug("Flushing committed events")
	for _, ev := range b.pending {
		b.real.Emit(context.Background(), ev)
	}
	b.pending = nil
}

// Discard drops pending events after a rollback
func (b *TransactionalBus) Discard() {
	b.pending = nil
}
