package cache

import (
	"context"

	"github.com/google/uuid"
)

// Event names dispatched by the engine.
const (
	EventHit                 = "cache_hit"
	EventMissed              = "cache_missed"
	EventKeyWritten          = "key_written"
	EventKeyForgotten        = "key_forgotten"
	EventOptimizationApplied = "optimization_applied"
)

// Event is the payload handed to the sink.
type Event struct {
	ID      string                 `json:"id"`
	Name    string                 `json:"name"`
	Payload map[string]interface{} `json:"payload"`
}

// EventSink receives engine events. Dispatch is fire-and-forget: the engine
// never blocks on or inspects the sink's outcome.
type EventSink interface {
	Dispatch(ctx context.Context, event Event)
}

// NoopSink discards all events.
type NoopSink struct{}

func (NoopSink) Dispatch(context.Context, Event) {}

// SinkFunc adapts a function to the EventSink interface.
type SinkFunc func(ctx context.Context, event Event)

func (f SinkFunc) Dispatch(ctx context.Context, event Event) { f(ctx, event) }

func (e *Engine) dispatchEvent(ctx context.Context, name string, payload map[string]interface{}) {
	if e.events == nil || !e.cfg.EventEnabled(name) {
		return
	}
	e.events.Dispatch(ctx, Event{
		ID:      uuid.New().String(),
		Name:    name,
		Payload: payload,
	})
}
