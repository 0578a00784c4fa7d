package protocol

import (
	"encoding/binary"
	"fmt"
)

// Page sizes for channel name queries. A device returns at most this many
// entries per response; callers page with the start index.
const (
	TxNamesPageSize = 32
	RxNamesPageSize = 16
)

const (
	txEntrySize   = 6
	rxEntrySize   = 8
	namesEntryOff = 2 // entries start two bytes into the body
)

// Direction of an audio channel relative to its device.
type Direction int

const (
	Transmit Direction = iota
	Receive
)

// String returns "tx" or "rx"
func (d Direction) String() string {
	if d == Transmit {
		return "tx"
	}
	return "rx"
}

// MarshalText encodes the direction as "tx" or "rx".
func (d Direction) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// ParseDirection accepts "tx" or "rx".
func ParseDirection(s string) (Direction, error) {
	switch s {
	case "tx":
		return Transmit, nil
	case "rx":
		return Receive, nil
	}
	return Transmit, fmt.Errorf("unknown channel direction %q", s)
}

// ChannelCounts is the body of a channel count response.
type ChannelCounts struct {
	Tx uint16
	Rx uint16
}

// ParseChannelCount decodes a channel count response.
func ParseChannelCount(m *Message) (ChannelCounts, error) {
	if m.Opcode != OpChannelCount {
		return ChannelCounts{}, fmt.Errorf("%w: expected %s, got %s", ErrMalformedMessage, OpChannelCount, m.Opcode)
	}
	if len(m.Body) < 6 {
		return ChannelCounts{}, fmt.Errorf("%w: channel count body too short: %d bytes", ErrMalformedMessage, len(m.Body))
	}
	return ChannelCounts{
		Tx: binary.BigEndian.Uint16(m.Body[2:4]),
		Rx: binary.BigEndian.Uint16(m.Body[4:6]),
	}, nil
}

// ChannelEntry is one channel from a channel names response. TxChannel and
// TxDevice are only set for receive channels that currently have a source.
type ChannelEntry struct {
	Number    uint16
	Name      string
	TxChannel string
	TxDevice  string
}

// Subscribed reports whether a receive channel entry names a source.
func (e ChannelEntry) Subscribed() bool {
	return e.TxDevice != ""
}

// ParseChannelNames decodes a tx or rx channel names response page. The
// direction is taken from the opcode.
func ParseChannelNames(m *Message) (Direction, []ChannelEntry, error) {
	var dir Direction
	var entrySize int
	switch m.Opcode {
	case OpTxChannelNames:
		dir, entrySize = Transmit, txEntrySize
	case OpRxChannelNames:
		dir, entrySize = Receive, rxEntrySize
	default:
		return 0, nil, fmt.Errorf("%w: %s is not a channel names opcode", ErrMalformedMessage, m.Opcode)
	}

	if len(m.Body) < namesEntryOff {
		return dir, nil, fmt.Errorf("%w: channel names body too short", ErrMalformedMessage)
	}
	count := int(m.Body[0])
	if len(m.Body) < namesEntryOff+count*entrySize {
		return dir, nil, fmt.Errorf("%w: %d entries need %d bytes, body has %d",
			ErrMalformedMessage, count, namesEntryOff+count*entrySize, len(m.Body))
	}

	entries := make([]ChannelEntry, 0, count)
	for i := 0; i < count; i++ {
		e := m.Body[namesEntryOff+i*entrySize:]
		entry := ChannelEntry{Number: binary.BigEndian.Uint16(e[0:2])}

		var err error
		if dir == Transmit {
			entry.Name, err = m.StringAt(binary.BigEndian.Uint16(e[4:6]))
		} else {
			entry.Name, err = m.StringAt(binary.BigEndian.Uint16(e[6:8]))
			if err == nil {
				entry.TxChannel, entry.TxDevice, err = rxSource(m, e)
			}
		}
		if err != nil {
			return dir, nil, fmt.Errorf("channel entry %d: %w", i, err)
		}
		entries = append(entries, entry)
	}
	return dir, entries, nil
}

// rxSource resolves the optional tx channel/device offsets of an rx entry. A
// zero offset means the channel is unsubscribed.
func rxSource(m *Message, e []byte) (string, string, error) {
	chanOff := binary.BigEndian.Uint16(e[2:4])
	devOff := binary.BigEndian.Uint16(e[4:6])
	if chanOff == 0 || devOff == 0 {
		return "", "", nil
	}
	ch, err := m.StringAt(chanOff)
	if err != nil {
		return "", "", err
	}
	dev, err := m.StringAt(devOff)
	if err != nil {
		return "", "", err
	}
	return ch, dev, nil
}

// ChangeCode identifies what changed on a device in a notification.
type ChangeCode uint16

const (
	ChangeChannelNames  ChangeCode = 0x0001
	ChangeSubscriptions ChangeCode = 0x0002
	ChangeDeviceName    ChangeCode = 0x0003
)

// String returns a human-readable change code
func (c ChangeCode) String() string {
	switch c {
	case ChangeChannelNames:
		return "channel-names"
	case ChangeSubscriptions:
		return "subscriptions"
	case ChangeDeviceName:
		return "device-name"
	default:
		return fmt.Sprintf("change(0x%04x)", uint16(c))
	}
}

// Notification is an unsolicited message from a device.
type Notification struct {
	Change ChangeCode
	Data   []byte // Remaining body after the change code
}

// ParseNotification decodes a notification message. Unknown change codes are
// returned as-is.
func ParseNotification(m *Message) (Notification, error) {
	if m.Opcode != OpNotification {
		return Notification{}, fmt.Errorf("%w: expected %s, got %s", ErrMalformedMessage, OpNotification, m.Opcode)
	}
	if len(m.Body) < 2 {
		return Notification{}, fmt.Errorf("%w: notification body too short", ErrMalformedMessage)
	}
	return Notification{
		Change: ChangeCode(binary.BigEndian.Uint16(m.Body[0:2])),
		Data:   m.Body[2:],
	}, nil
}
