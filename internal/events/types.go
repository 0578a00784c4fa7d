package events

import "time"

// Event type constants for kelindar/event.
const (
	TypeDeviceAdded uint32 = iota + 1
	TypeDeviceUpdated
	TypeDeviceLost
	TypeSubscriptionChanged
	TypeNotification
)

// Event interface required by kelindar/event.
type Event interface {
	Type() uint32
}

// DeviceAddedEvent is raised when a device first becomes fully known.
type DeviceAddedEvent struct {
	Identity  string    `json:"identity"`
	Address   string    `json:"address"`
	Timestamp time.Time `json:"timestamp"`
}

// Type returns the event type identifier for DeviceAddedEvent.
func (e DeviceAddedEvent) Type() uint32 { return TypeDeviceAdded }

// DeviceUpdatedEvent is raised when a complete device's record changes.
type DeviceUpdatedEvent struct {
	Identity  string    `json:"identity"`
	Address   string    `json:"address"`
	Timestamp time.Time `json:"timestamp"`
}

// Type returns the event type identifier for DeviceUpdatedEvent.
func (e DeviceUpdatedEvent) Type() uint32 { return TypeDeviceUpdated }

// Reasons a device leaves the registry.
const (
	LostExpired = "expired"
	LostGoodbye = "goodbye"
)

// DeviceLostEvent is raised when a device is removed from the registry.
type DeviceLostEvent struct {
	Identity  string    `json:"identity"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}

// Type returns the event type identifier for DeviceLostEvent.
func (e DeviceLostEvent) Type() uint32 { return TypeDeviceLost }

// SubscriptionChangedEvent reports a subscription state transition.
type SubscriptionChangedEvent struct {
	Receiver    string    `json:"receiver"`
	RxChannel   uint16    `json:"rx_channel"`
	State       string    `json:"state"`
	Transmitter string    `json:"transmitter,omitempty"`
	TxChannel   string    `json:"tx_channel,omitempty"`
	Reason      string    `json:"reason,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// Type returns the event type identifier for SubscriptionChangedEvent.
func (e SubscriptionChangedEvent) Type() uint32 { return TypeSubscriptionChanged }

// NotificationEvent carries an unsolicited message from a device's control port.
type NotificationEvent struct {
	Identity  string    `json:"identity"`
	Change    string    `json:"change"`
	Code      uint16    `json:"code"`
	Timestamp time.Time `json:"timestamp"`
}

// Type returns the event type identifier for NotificationEvent.
func (e NotificationEvent) Type() uint32 { return TypeNotification }

// Name returns the wire name used when events are streamed to clients.
func Name(e Event) string {
	switch e.Type() {
	case TypeDeviceAdded:
		return "device-added"
	case TypeDeviceUpdated:
		return "device-updated"
	case TypeDeviceLost:
		return "device-lost"
	case TypeSubscriptionChanged:
		return "subscription-changed"
	case TypeNotification:
		return "notification"
	default:
		return "unknown"
	}
}
