// Package devicetest provides a scripted netaudio device for tests. It
// answers control requests on a loopback UDP socket and can describe itself
// as discovery advertisements.
package devicetest

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/muurk/netaudio/internal/discovery"
	"github.com/muurk/netaudio/internal/protocol"
)

// Hook inspects a request before the device handles it. Returning handled
// true replaces the default reply with replies (none drops the request).
type Hook func(req *protocol.Message) (replies []*protocol.Message, handled bool)

// Device is a fake device control port.
type Device struct {
	Name string

	conn net.PacketConn

	mu       sync.Mutex
	firmware protocol.Firmware
	tx       []protocol.ChannelEntry
	rx       []protocol.ChannelEntry
	hook     Hook
	requests []*protocol.Message
	peer     net.Addr
	done     chan struct{}
}

// New starts a device with tx transmit and rx receive channels named "01",
// "02", ... on 127.0.0.1.
func New(name string, tx, rx int) (*Device, error) {
	conn, err := net.ListenPacket("udp4", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	d := &Device{
		Name:     name,
		firmware: protocol.Firmware4_4_1_3,
		conn:     conn,
		done:     make(chan struct{}),
	}
	for i := 1; i <= tx; i++ {
		d.tx = append(d.tx, protocol.ChannelEntry{Number: uint16(i), Name: fmt.Sprintf("%02d", i)})
	}
	for i := 1; i <= rx; i++ {
		d.rx = append(d.rx, protocol.ChannelEntry{Number: uint16(i), Name: fmt.Sprintf("%02d", i)})
	}
	go d.serve()
	return d, nil
}

// Addr returns the control address.
func (d *Device) Addr() *net.UDPAddr {
	return d.conn.LocalAddr().(*net.UDPAddr)
}

// SetHook installs fn; nil restores default handling.
func (d *Device) SetHook(fn Hook) {
	d.mu.Lock()
	d.hook = fn
	d.mu.Unlock()
}

// SetFirmware changes the dialect the device advertises and accepts.
func (d *Device) SetFirmware(fw protocol.Firmware) {
	d.mu.Lock()
	d.firmware = fw
	d.mu.Unlock()
}

// RenameTx renames transmit channel number.
func (d *Device) RenameTx(number uint16, name string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := range d.tx {
		if d.tx[i].Number == number {
			d.tx[i].Name = name
		}
	}
}

// Requests returns how many requests with op the device has received.
func (d *Device) Requests(op protocol.Opcode) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, r := range d.requests {
		if r.Opcode == op {
			n++
		}
	}
	return n
}

// Source returns the source bound to receive channel number.
func (d *Device) Source(number uint16) (txChannel, txDevice string, ok bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, e := range d.rx {
		if e.Number == number {
			return e.TxChannel, e.TxDevice, e.Subscribed()
		}
	}
	return "", "", false
}

// Notify sends an unsolicited notification to the last client that spoke.
func (d *Device) Notify(change protocol.ChangeCode) error {
	d.mu.Lock()
	peer := d.peer
	d.mu.Unlock()
	if peer == nil {
		return errors.New("devicetest: no client has connected")
	}
	_, err := d.conn.WriteTo(protocol.Encode(protocol.BuildNotification(change)), peer)
	return err
}

// Send writes raw bytes to the last client that spoke.
func (d *Device) Send(data []byte) error {
	d.mu.Lock()
	peer := d.peer
	d.mu.Unlock()
	if peer == nil {
		return errors.New("devicetest: no client has connected")
	}
	_, err := d.conn.WriteTo(data, peer)
	return err
}

// Close stops the device.
func (d *Device) Close() error {
	err := d.conn.Close()
	<-d.done
	return err
}

// Adverts returns the control, data and channel advertisements a real device
// would announce, observed at at.
func (d *Device) Adverts(at time.Time) []discovery.AdvertisementEvent {
	addr := d.Addr()

	d.mu.Lock()
	defer d.mu.Unlock()
	events := []discovery.AdvertisementEvent{
		discovery.NewEvent(protocol.ServiceRecord{
			Service:  protocol.ServiceControl,
			Instance: d.Name,
			Identity: d.Name,
			Port:     uint16(addr.Port),
			Addrs:    []net.IP{addr.IP},
			Fields:   map[string]string{"router_vers": d.firmware.String()},
			TTL:      120,
			Resolved: true,
		}, nil, at),
		discovery.NewEvent(protocol.ServiceRecord{
			Service:  protocol.ServiceData,
			Instance: d.Name,
			Identity: d.Name,
			Fields:   map[string]string{"mf": "devicetest", "model": "fake"},
			TTL:      120,
			Resolved: true,
		}, nil, at),
	}
	for _, e := range d.tx {
		events = append(events, discovery.NewEvent(protocol.ServiceRecord{
			Service:      protocol.ServiceChannel,
			Instance:     e.Name + "@" + d.Name,
			Identity:     d.Name,
			Channel:      e.Name,
			ChannelID:    e.Number,
			HasChannelID: true,
			Fields:       map[string]string{"rate": "48000", "en": "24"},
			TTL:          120,
			Resolved:     true,
		}, nil, at))
	}
	return events
}

func (d *Device) serve() {
	defer close(d.done)
	buf := make([]byte, 64*1024)
	for {
		n, src, err := d.conn.ReadFrom(buf)
		if err != nil {
			return
		}
		req, _, err := protocol.Decode(buf[:n])
		if err != nil {
			continue
		}

		d.mu.Lock()
		d.requests = append(d.requests, req)
		d.peer = src
		hook := d.hook
		d.mu.Unlock()

		var replies []*protocol.Message
		handled := false
		if hook != nil {
			replies, handled = hook(req)
		}
		if !handled {
			replies = []*protocol.Message{d.handle(req)}
		}
		for _, r := range replies {
			if r == nil {
				continue
			}
			if _, err := d.conn.WriteTo(protocol.Encode(r), src); err != nil {
				return
			}
		}
	}
}

// handle produces the default reply to req.
func (d *Device) handle(req *protocol.Message) *protocol.Message {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch req.Opcode {
	case protocol.OpChannelCount:
		return protocol.BuildChannelCountResponse(req, protocol.ChannelCounts{Tx: uint16(len(d.tx)), Rx: uint16(len(d.rx))})

	case protocol.OpTxChannelNames, protocol.OpRxChannelNames:
		start, err := protocol.QueryStart(req)
		if err != nil {
			return protocol.BuildResponse(req, protocol.Status(0x0002), nil)
		}
		entries, size := d.tx, protocol.TxNamesPageSize
		if req.Opcode == protocol.OpRxChannelNames {
			entries, size = d.rx, protocol.RxNamesPageSize
		}
		return protocol.BuildChannelNamesResponse(req, page(entries, start, size))

	case protocol.OpSubscribe, protocol.OpSubscribeLegacy:
		if req.Opcode != d.firmware.SubscriptionOpcode() {
			return protocol.BuildResponse(req, protocol.Status(0x0002), nil)
		}
		sub, err := protocol.ParseSubscribe(req)
		if err != nil {
			return protocol.BuildResponse(req, protocol.Status(0x0002), nil)
		}
		for i := range d.rx {
			if d.rx[i].Number == sub.RxChannel {
				d.rx[i].TxChannel, d.rx[i].TxDevice = sub.TxChannel, sub.TxDevice
				return protocol.BuildResponse(req, protocol.StatusOK, nil)
			}
		}
		return protocol.BuildResponse(req, protocol.StatusNoSuchChannel, nil)

	default:
		return protocol.BuildResponse(req, protocol.Status(0x0002), nil)
	}
}

func page(entries []protocol.ChannelEntry, start uint16, size int) []protocol.ChannelEntry {
	var out []protocol.ChannelEntry
	for _, e := range entries {
		if e.Number >= start && len(out) < size {
			out = append(out, e)
		}
	}
	return out
}
