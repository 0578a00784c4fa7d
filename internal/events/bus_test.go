package events

import (
	"testing"
	"time"
)

func TestBus_PublishSubscribe(t *testing.T) {
	bus := New()
	received := make(chan DeviceLostEvent, 1)

	unsub := bus.Subscribe(func(e DeviceLostEvent) {
		received <- e
	})
	defer unsub()

	bus.Publish(DeviceLostEvent{Identity: "AVIO-USB", Reason: LostExpired})

	got := <-received
	if got.Identity != "AVIO-USB" || got.Reason != LostExpired {
		t.Errorf("received %+v", got)
	}
}

func TestBus_Unsubscribe(t *testing.T) {
	bus := New()
	received := make(chan NotificationEvent, 1)

	unsub := bus.Subscribe(func(e NotificationEvent) {
		received <- e
	})

	bus.Publish(NotificationEvent{Identity: "a"})
	<-received

	unsub()

	bus.Publish(NotificationEvent{Identity: "b"})
	select {
	case <-received:
		t.Fatal("Should not have received event after unsubscribe")
	case <-time.After(10 * time.Millisecond):
	}
}

func TestBus_TypeSafety(t *testing.T) {
	bus := New()
	added := make(chan bool, 1)
	lost := make(chan bool, 1)

	unsub1 := bus.Subscribe(func(_ DeviceAddedEvent) { added <- true })
	defer unsub1()
	unsub2 := bus.Subscribe(func(_ DeviceLostEvent) { lost <- true })
	defer unsub2()

	bus.Publish(DeviceAddedEvent{Identity: "a"})
	<-added

	select {
	case <-lost:
		t.Fatal("DeviceLost subscriber received DeviceAddedEvent")
	case <-time.After(10 * time.Millisecond):
	}
}

func TestBus_SubscribeAll(t *testing.T) {
	bus := New()
	received := make(chan Event, 8)

	unsub := bus.SubscribeAll(func(e Event) { received <- e })
	defer unsub()

	all := []Event{
		DeviceAddedEvent{Identity: "a"},
		DeviceUpdatedEvent{Identity: "a"},
		DeviceLostEvent{Identity: "a"},
		SubscriptionChangedEvent{Receiver: "a", RxChannel: 1, State: "bound"},
		NotificationEvent{Identity: "a", Change: "subscriptions"},
	}
	for _, e := range all {
		bus.Publish(e)
	}

	seen := map[uint32]bool{}
	for range all {
		select {
		case e := <-received:
			seen[e.Type()] = true
		case <-time.After(time.Second):
			t.Fatalf("only received %d of %d events", len(seen), len(all))
		}
	}
	for _, e := range all {
		if !seen[e.Type()] {
			t.Errorf("%s not delivered", Name(e))
		}
	}
}

func TestBus_UnknownHandler(t *testing.T) {
	bus := New()
	unsub := bus.Subscribe(func(string) {})
	unsub()
}
