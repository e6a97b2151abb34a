package storage

import (
	"sync"

	"go.uber.org/zap"
)

// EventType identifies an orchestrator event.
type EventType string

const (
	EventDataCreated        EventType = "data_created"
	EventDataUpdated        EventType = "data_updated"
	EventDataDeleted        EventType = "data_deleted"
	EventTableCleared       EventType = "table_cleared"
	EventOperationCompleted EventType = "operation_completed"
	EventConsentGranted     EventType = "consent_granted"
	EventConsentRevoked     EventType = "consent_revoked"
	EventUserDataDeleted    EventType = "user_data_deleted"
	EventCacheHit           EventType = "cache_hit"
	EventCacheMiss          EventType = "cache_miss"
	EventCacheEviction      EventType = "cache_eviction"
	EventCacheClearTable    EventType = "cache_clear_table"
)

// Event is an orchestrator notification, carrying enough payload to
// reconstruct what changed.
type Event struct {
	Type   EventType
	Table  string
	ID     string
	Fields map[string]any
}

// Handler receives events for one subscribed type.
type Handler func(Event)

// Subscription identifies a registered handler so it can be removed.
type Subscription int

// emitter is a typed publish/subscribe fan-out. Handlers run
// synchronously in registration order; a failing handler is isolated so
// it cannot block the others.
type emitter struct {
	mu       sync.Mutex
	next     Subscription
	handlers map[EventType][]subscription
	logger   *zap.Logger
}

type subscription struct {
	id Subscription
	fn Handler
}

func newEmitter(logger *zap.Logger) *emitter {
	return &emitter{
		handlers: make(map[EventType][]subscription),
		logger:   logger,
	}
}

// on registers a handler and returns its subscription token.
func (em *emitter) on(t EventType, fn Handler) Subscription {
	em.mu.Lock()
	defer em.mu.Unlock()
	em.next++
	em.handlers[t] = append(em.handlers[t], subscription{id: em.next, fn: fn})
	return em.next
}

// off removes a handler by subscription token.
func (em *emitter) off(t EventType, sub Subscription) {
	em.mu.Lock()
	defer em.mu.Unlock()
	subs := em.handlers[t]
	for i, s := range subs {
		if s.id == sub {
			em.handlers[t] = append(subs[:i:i], subs[i+1:]...)
			return
		}
	}
}

// emit invokes handlers registered for the event's type, in registration
// order, each isolated by recover.
func (em *emitter) emit(ev Event) {
	em.mu.Lock()
	subs := make([]subscription, len(em.handlers[ev.Type]))
	copy(subs, em.handlers[ev.Type])
	em.mu.Unlock()

	for _, s := range subs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					em.logger.Error("Event handler panicked",
						zap.String("event", string(ev.Type)),
						zap.Any("panic", r))
				}
			}()
			s.fn(ev)
		}()
	}
}

// close drops every handler.
func (em *emitter) close() {
	em.mu.Lock()
	defer em.mu.Unlock()
	em.handlers = make(map[EventType][]subscription)
}
