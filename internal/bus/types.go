package bus

import "sync"

// EventType enumerates the turn event stream surfaced to UIs.
type EventType string

const (
	EventTextChunk   EventType = "text_chunk"
	EventToolCalls   EventType = "tool_calls"
	EventToolResults EventType = "tool_results"
	EventStatus      EventType = "status"
	EventError       EventType = "error"
	EventCompleted   EventType = "completed"
)

// Event is one element of a turn's event stream.
type Event struct {
	Type    EventType `json:"type"`
	Content any       `json:"content,omitempty"`
}

// StatusContent is the payload of status events.
type StatusContent struct {
	Message string `json:"message"`
	Cycle   int    `json:"cycle,omitempty"`
}

// CompletedContent is the payload of the final completed event.
type CompletedContent struct {
	Status string `json:"status"`
}

// ErrorContent is the payload of error events. Message is bounded and
// generic; detail stays in session state and logs.
type ErrorContent struct {
	Message string `json:"message"`
}

// EmitFunc receives turn events in emission order. The engine calls it on
// its own goroutine; handlers must not block.
type EmitFunc func(Event)

// Handler consumes broadcast events.
type Handler func(sessionKey string, ev Event)

// Publisher fans turn events out to subscribers. Used by the gateway to
// decouple WebSocket clients from the engine.
type Publisher interface {
	Subscribe(id string, h Handler)
	Unsubscribe(id string)
	Broadcast(sessionKey string, ev Event)
}

// Bus is the in-process Publisher.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func New() *Bus {
	return &Bus{handlers: make(map[string]Handler)}
}

func (b *Bus) Subscribe(id string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[id] = h
}

func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.handlers, id)
}

func (b *Bus) Broadcast(sessionKey string, ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, h := range b.handlers {
		h(sessionKey, ev)
	}
}
