package events

import (
	"github.com/kelindar/event"
)

// Bus wraps kelindar/event dispatcher for event broadcasting.
// Subscribers run on their own goroutines, so published values must not
// share memory with the publisher.
type Bus struct {
	dispatcher *event.Dispatcher
}

// New creates a new event bus.
func New() *Bus {
	return &Bus{
		dispatcher: event.NewDispatcher(),
	}
}

// Publish publishes an event to all subscribers.
// Usage: bus.Publish(CaptureResultEvent{...})
func (b *Bus) Publish(ev Event) {
	switch e := ev.(type) {
	case CaptureResultEvent:
		event.Publish(b.dispatcher, e)
	case NotifyEvent:
		event.Publish(b.dispatcher, e)
	case PartialMetadataEvent:
		event.Publish(b.dispatcher, e)
	case SessionStateChangedEvent:
		event.Publish(b.dispatcher, e)
	case StreamStatusChangedEvent:
		event.Publish(b.dispatcher, e)
	case PipelineStateChangedEvent:
		event.Publish(b.dispatcher, e)
	case SessionMetricsEvent:
		event.Publish(b.dispatcher, e)
	case LogEntryEvent:
		event.Publish(b.dispatcher, e)
	}
}

// Subscribe subscribes to events with a handler function.
// The handler type determines which events it receives.
// Returns an unsubscribe function; unknown handler types get a no-op.
// Usage: unsub := bus.Subscribe(func(e NotifyEvent) { ... })
func (b *Bus) Subscribe(handler any) func() {
	switch h := handler.(type) {
	case func(CaptureResultEvent):
		return event.Subscribe(b.dispatcher, h)
	case func(NotifyEvent):
		return event.Subscribe(b.dispatcher, h)
	case func(PartialMetadataEvent):
		return event.Subscribe(b.dispatcher, h)
	case func(SessionStateChangedEvent):
		return event.Subscribe(b.dispatcher, h)
	case func(StreamStatusChangedEvent):
		return event.Subscribe(b.dispatcher, h)
	case func(PipelineStateChangedEvent):
		return event.Subscribe(b.dispatcher, h)
	case func(SessionMetricsEvent):
		return event.Subscribe(b.dispatcher, h)
	case func(LogEntryEvent):
		return event.Subscribe(b.dispatcher, h)
	default:
		return func() {}
	}
}
