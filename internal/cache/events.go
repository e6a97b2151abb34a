package cache

// EventType identifies a cache engine event.
type EventType string

const (
	EventHit        EventType = "cache_hit"
	EventMiss       EventType = "cache_miss"
	EventEviction   EventType = "cache_eviction"
	EventClearTable EventType = "cache_clear_table"
	EventClearAll   EventType = "cache_clear_all"
	EventInvalidate EventType = "cache_invalidate"
)

// Event carries an engine notification to subscribers.
type Event struct {
	Type   EventType
	Fields map[string]any
}

// Listener receives engine events. Listeners run synchronously on the
// emitting goroutine; a panicking listener is isolated and logged.
type Listener func(Event)
