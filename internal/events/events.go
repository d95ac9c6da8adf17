package events

import (
	"encoding/json"
	"sync"
	"time"
)

const (
	EventRecordSynced    = "record_synced"
	EventRecordFailed    = "record_failed"
	EventChangeCompleted = "change_completed"
	EventChangeFailed    = "change_failed"
	EventChangeQueued    = "change_queued"
)

// SyncEventPayload describes one reconciliation outcome for event consumers.
type SyncEventPayload struct {
	Direction     string    `json:"direction"`
	EntityType    string    `json:"entity_type"`
	QBID          string    `json:"qb_id,omitempty"`
	BitrixID      string    `json:"bitrix_id,omitempty"`
	Action        string    `json:"action"`
	Status        string    `json:"status"`
	Message       string    `json:"message,omitempty"`
	ChangeQueueID int64     `json:"change_queue_id,omitempty"`
	At            time.Time `json:"at"`
}

// Event represents a lightweight domain event.
type Event struct {
	ID        int64
	Type      string
	Payload   []byte
	CreatedAt time.Time
	Processed bool
}

// Decode unmarshals the event payload.
func (e *Event) Decode() (SyncEventPayload, error) {
	var p SyncEventPayload
	err := json.Unmarshal(e.Payload, &p)
	return p, err
}

// EventHandler reacts to an event.
type EventHandler func(event *Event) error

// EventBus provides in-process pub/sub for events.
type EventBus struct {
	subscribers map[string][]EventHandler
	mu          sync.RWMutex
	onError     func(event *Event, err error)
}

// NewEventBus constructs an empty bus.
func NewEventBus() *EventBus {
	return &EventBus{subscribers: make(map[string][]EventHandler)}
}

// OnError sets a callback for handler failures; by default they are dropped.
func (b *EventBus) OnError(fn func(event *Event, err error)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onError = fn
}

// Subscribe registers a handler for a given event type.
func (b *EventBus) Subscribe(eventType string, handler EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[eventType] = append(b.subscribers[eventType], handler)
}

// SubscribeAll registers one handler for several event types.
func (b *EventBus) SubscribeAll(handler EventHandler, eventTypes ...string) {
	for _, t := range eventTypes {
		b.Subscribe(t, handler)
	}
}

// Publish notifies subscribers of the event type.
func (b *EventBus) Publish(event *Event) {
	b.mu.RLock()
	handlers := append([]EventHandler(nil), b.subscribers[event.Type]...)
	onError := b.onError
	b.mu.RUnlock()

	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}

	for _, handler := range handlers {
		// Handlers run synchronously; caller decides concurrency model.
		if err := handler(event); err != nil && onError != nil {
			onError(event, err)
		}
	}
}

// PublishJSON serializes the payload and publishes an event.
func (b *EventBus) PublishJSON(eventType string, payload interface{}) error {
	if b == nil {
		return nil
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	b.Publish(&Event{Type: eventType, Payload: raw, CreatedAt: time.Now()})
	return nil
}
