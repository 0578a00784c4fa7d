package events

import (
	"github.com/kelindar/event"
)

// Bus wraps kelindar/event dispatcher for event broadcasting.
//
// Handlers run on the dispatcher's goroutines, one per subscription, so
// delivery is asynchronous but ordered per subscriber.
type Bus struct {
	dispatcher *event.Dispatcher
}

// New creates a new event bus
func New() *Bus {
	return &Bus{
		dispatcher: event.NewDispatcher(),
	}
}

// Publish publishes an event to all subscribers
func (b *Bus) Publish(ev Event) {
	switch e := ev.(type) {
	case DeviceAddedEvent:
		event.Publish(b.dispatcher, e)
	case DeviceUpdatedEvent:
		event.Publish(b.dispatcher, e)
	case DeviceLostEvent:
		event.Publish(b.dispatcher, e)
	case SubscriptionChangedEvent:
		event.Publish(b.dispatcher, e)
	case NotificationEvent:
		event.Publish(b.dispatcher, e)
	}
}

// Subscribe subscribes to events with a handler function.
// The handler's parameter type selects the event. Unknown handler types get
// a no-op unsubscribe.
// Usage: unsub := bus.Subscribe(func(e DeviceLostEvent) { ... })
func (b *Bus) Subscribe(handler any) func() {
	switch h := handler.(type) {
	case func(DeviceAddedEvent):
		return event.Subscribe(b.dispatcher, h)
	case func(DeviceUpdatedEvent):
		return event.Subscribe(b.dispatcher, h)
	case func(DeviceLostEvent):
		return event.Subscribe(b.dispatcher, h)
	case func(SubscriptionChangedEvent):
		return event.Subscribe(b.dispatcher, h)
	case func(NotificationEvent):
		return event.Subscribe(b.dispatcher, h)
	default:
		return func() {}
	}
}

// SubscribeAll delivers every event type to one handler.
func (b *Bus) SubscribeAll(handler func(Event)) func() {
	unsubs := []func(){
		event.Subscribe(b.dispatcher, func(e DeviceAddedEvent) { handler(e) }),
		event.Subscribe(b.dispatcher, func(e DeviceUpdatedEvent) { handler(e) }),
		event.Subscribe(b.dispatcher, func(e DeviceLostEvent) { handler(e) }),
		event.Subscribe(b.dispatcher, func(e SubscriptionChangedEvent) { handler(e) }),
		event.Subscribe(b.dispatcher, func(e NotificationEvent) { handler(e) }),
	}
	return func() {
		for _, unsub := range unsubs {
			unsub()
		}
	}
}

// Close stops delivery to every subscriber.
func (b *Bus) Close() error {
	return b.dispatcher.Close()
}
