package discovery

import (
	"fmt"
	"net"
	"time"

	"github.com/muurk/netaudio/internal/protocol"
)

// AdvertisementEvent is one decoded service announcement, normalised for the
// registry.
type AdvertisementEvent struct {
	// Identity is the advertising device's name
	Identity string

	// Source is the address the packet came from (nil for scanner results)
	Source net.Addr

	// Service is the declared service type
	Service protocol.ServiceType

	// Fields holds the TXT metadata; unknown keys are kept
	Fields map[string]string

	// ObservedAt is when the packet was received
	ObservedAt time.Time

	// Record is the decoded service record the event was built from
	Record protocol.ServiceRecord
}

// NewEvent builds an event from a decoded record.
func NewEvent(rec protocol.ServiceRecord, src net.Addr, observedAt time.Time) AdvertisementEvent {
	return AdvertisementEvent{
		Identity:   rec.Identity,
		Source:     src,
		Service:    rec.Service,
		Fields:     rec.Fields,
		ObservedAt: observedAt,
		Record:     rec,
	}
}

// Key identifies the stream of events that supersede each other. Channel
// adverts are keyed per channel so one channel never hides another.
func (e AdvertisementEvent) Key() string {
	if e.Service == protocol.ServiceChannel {
		return fmt.Sprintf("%s|%s|%s", e.Identity, e.Service, e.Record.Channel)
	}
	return fmt.Sprintf("%s|%s", e.Identity, e.Service)
}

// Goodbye reports whether the device withdrew the service.
func (e AdvertisementEvent) Goodbye() bool {
	return e.Record.Goodbye()
}

// IP returns the device's address: the first advertised IPv4 address, then
// any advertised address, then the packet source.
func (e AdvertisementEvent) IP() net.IP {
	for _, ip := range e.Record.Addrs {
		if ip.To4() != nil {
			return ip
		}
	}
	if len(e.Record.Addrs) > 0 {
		return e.Record.Addrs[0]
	}
	if udp, ok := e.Source.(*net.UDPAddr); ok {
		return udp.IP
	}
	return nil
}

// String returns a human-readable string representation of the event
func (e AdvertisementEvent) String() string {
	if e.Goodbye() {
		return fmt.Sprintf("%s goodbye from %s", e.Service, e.Record.Instance)
	}
	return fmt.Sprintf("%s advert from %s at %v:%d", e.Service, e.Record.Instance, e.IP(), e.Record.Port)
}
