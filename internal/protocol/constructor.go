package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
)

// MaxNameLength is the longest device or channel name a device accepts.
const MaxNameLength = 31

// ErrInvalidName reports a device or channel name that cannot be encoded.
var ErrInvalidName = errors.New("invalid name")

// Firmware selects the subscription body dialect a device understands.
type Firmware int

const (
	Firmware4_4_1_3 Firmware = iota
	Firmware4_2_1_3
)

// DefaultFirmware is used when a device does not advertise a known version.
const DefaultFirmware = Firmware4_4_1_3

// String returns the dotted firmware version
func (f Firmware) String() string {
	switch f {
	case Firmware4_2_1_3:
		return "4.2.1.3"
	default:
		return "4.4.1.3"
	}
}

// ParseFirmware maps an advertised router version to a dialect. Versions are
// matched on their first two components, so "4.4.1.3" and "4.4.2.1" both pick
// the newer layout.
func ParseFirmware(version string) (Firmware, bool) {
	v := strings.TrimSpace(version)
	switch {
	case v == "":
		return DefaultFirmware, false
	case strings.HasPrefix(v, "4.2."), v == "4.2":
		return Firmware4_2_1_3, true
	case strings.HasPrefix(v, "4.4."), v == "4.4":
		return Firmware4_4_1_3, true
	default:
		return DefaultFirmware, false
	}
}

// SubscriptionOpcode returns the subscribe/unsubscribe opcode for a dialect.
func (f Firmware) SubscriptionOpcode() Opcode {
	if f == Firmware4_2_1_3 {
		return OpSubscribeLegacy
	}
	return OpSubscribe
}

// Subscription body layouts. The string table follows the fixed part, so the
// tx channel name always starts at header+fixed.
var (
	subscribePrefix = []byte{0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x08, 0x00, 0x20, 0x01}
	legacyPrefix    = []byte{0x10, 0x01}
)

const (
	subscribeFixed       = 266 // 4.4.1.3 body bytes before the string table
	legacySubscribeFixed = 322 // 4.2.1.3 body bytes before the string table
)

// ValidateName checks a device or channel name against what fits in a
// subscription body.
func ValidateName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty", ErrInvalidName)
	}
	if len(name) > MaxNameLength {
		return fmt.Errorf("%w: %q is %d bytes, max %d", ErrInvalidName, name, len(name), MaxNameLength)
	}
	for i := 0; i < len(name); i++ {
		if name[i] < 0x20 || name[i] > 0x7e {
			return fmt.Errorf("%w: %q contains byte 0x%02x", ErrInvalidName, name, name[i])
		}
	}
	return nil
}

// BuildSubscribe builds the request that makes rxChannel on the receiving
// device pull txChannel from txDevice. The sequence id is left for the
// connection to assign.
func BuildSubscribe(fw Firmware, rxChannel uint16, txChannel, txDevice string) (*Message, error) {
	if err := ValidateName(txChannel); err != nil {
		return nil, fmt.Errorf("tx channel: %w", err)
	}
	if err := ValidateName(txDevice); err != nil {
		return nil, fmt.Errorf("tx device: %w", err)
	}

	var body []byte
	switch fw {
	case Firmware4_2_1_3:
		body = make([]byte, legacySubscribeFixed, legacySubscribeFixed+len(txChannel)+len(txDevice)+2)
		copy(body, legacyPrefix)
		binary.BigEndian.PutUint16(body[2:4], rxChannel)
		binary.BigEndian.PutUint16(body[4:6], HeaderSize+legacySubscribeFixed)
		binary.BigEndian.PutUint16(body[6:8], uint16(HeaderSize+legacySubscribeFixed+len(txChannel)+1))
	default:
		body = make([]byte, subscribeFixed, subscribeFixed+len(txChannel)+len(txDevice)+2)
		copy(body, subscribePrefix)
		binary.BigEndian.PutUint16(body[10:12], rxChannel)
		body[12], body[13] = 0x00, 0x03
		binary.BigEndian.PutUint16(body[14:16], HeaderSize+subscribeFixed)
		binary.BigEndian.PutUint16(body[16:18], uint16(HeaderSize+subscribeFixed+len(txChannel)+1))
	}
	body = append(body, txChannel...)
	body = append(body, 0)
	body = append(body, txDevice...)
	body = append(body, 0)

	return &Message{Opcode: fw.SubscriptionOpcode(), Body: body}, nil
}

// BuildUnsubscribe builds the request that clears the source of rxChannel.
func BuildUnsubscribe(fw Firmware, rxChannel uint16) *Message {
	var body []byte
	switch fw {
	case Firmware4_2_1_3:
		body = make([]byte, legacySubscribeFixed)
		copy(body, legacyPrefix)
		binary.BigEndian.PutUint16(body[2:4], rxChannel)
	default:
		body = make([]byte, subscribeFixed)
		copy(body, subscribePrefix)
		binary.BigEndian.PutUint16(body[10:12], rxChannel)
		body[12], body[13] = 0x00, 0x03
	}
	return &Message{Opcode: fw.SubscriptionOpcode(), Body: body}
}

// SubscribeRequest is the decoded form of a subscribe or unsubscribe body.
// An unsubscribe has empty TxChannel and TxDevice.
type SubscribeRequest struct {
	Firmware  Firmware
	RxChannel uint16
	TxChannel string
	TxDevice  string
}

// Unsubscribe reports whether the request clears the channel's source.
func (r SubscribeRequest) Unsubscribe() bool {
	return r.TxDevice == ""
}

// ParseSubscribe decodes a subscription request. The dialect is taken from
// the opcode.
func ParseSubscribe(m *Message) (SubscribeRequest, error) {
	var req SubscribeRequest
	var chanOff, devOff uint16
	switch m.Opcode {
	case OpSubscribe:
		if len(m.Body) < subscribeFixed {
			return req, fmt.Errorf("%w: subscribe body too short: %d bytes", ErrMalformedMessage, len(m.Body))
		}
		req.Firmware = Firmware4_4_1_3
		req.RxChannel = binary.BigEndian.Uint16(m.Body[10:12])
		chanOff = binary.BigEndian.Uint16(m.Body[14:16])
		devOff = binary.BigEndian.Uint16(m.Body[16:18])
	case OpSubscribeLegacy:
		if len(m.Body) < legacySubscribeFixed {
			return req, fmt.Errorf("%w: subscribe body too short: %d bytes", ErrMalformedMessage, len(m.Body))
		}
		req.Firmware = Firmware4_2_1_3
		req.RxChannel = binary.BigEndian.Uint16(m.Body[2:4])
		chanOff = binary.BigEndian.Uint16(m.Body[4:6])
		devOff = binary.BigEndian.Uint16(m.Body[6:8])
	default:
		return req, fmt.Errorf("%w: %s is not a subscription opcode", ErrMalformedMessage, m.Opcode)
	}

	if chanOff == 0 {
		return req, nil
	}
	var err error
	if req.TxChannel, err = m.StringAt(chanOff); err != nil {
		return req, err
	}
	if req.TxDevice, err = m.StringAt(devOff); err != nil {
		return req, err
	}
	return req, nil
}

// BuildChannelCountQuery builds the request for a device's channel counts.
func BuildChannelCountQuery() *Message {
	return &Message{Opcode: OpChannelCount}
}

// BuildChannelNamesQuery builds a request for one page of channel names,
// starting at the 1-based channel number start.
func BuildChannelNamesQuery(dir Direction, start uint16) *Message {
	body := make([]byte, 8)
	binary.BigEndian.PutUint16(body[2:4], 0x0001)
	binary.BigEndian.PutUint16(body[4:6], start)
	op := OpTxChannelNames
	if dir == Receive {
		op = OpRxChannelNames
	}
	return &Message{Opcode: op, Body: body}
}

// QueryStart returns the start channel number of a channel names request.
func QueryStart(m *Message) (uint16, error) {
	if len(m.Body) < 6 {
		return 0, fmt.Errorf("%w: channel names query too short", ErrMalformedMessage)
	}
	return binary.BigEndian.Uint16(m.Body[4:6]), nil
}

// BuildResponse builds the device's reply to req.
func BuildResponse(req *Message, status Status, body []byte) *Message {
	return &Message{Sequence: req.Sequence, Opcode: req.Opcode, Status: status, Body: body}
}

// BuildChannelCountResponse builds a channel count reply.
func BuildChannelCountResponse(req *Message, counts ChannelCounts) *Message {
	body := make([]byte, 6)
	binary.BigEndian.PutUint16(body[2:4], counts.Tx)
	binary.BigEndian.PutUint16(body[4:6], counts.Rx)
	return BuildResponse(req, StatusOK, body)
}

// BuildChannelNamesResponse builds a channel names reply carrying entries.
// Strings are laid out in a table after the entries.
func BuildChannelNamesResponse(req *Message, entries []ChannelEntry) *Message {
	entrySize := txEntrySize
	if req.Opcode == OpRxChannelNames {
		entrySize = rxEntrySize
	}

	body := make([]byte, namesEntryOff+len(entries)*entrySize)
	body[0] = byte(len(entries))
	body[1] = byte(len(entries))

	addString := func(s string) uint16 {
		off := uint16(HeaderSize + len(body))
		body = append(body, s...)
		body = append(body, 0)
		return off
	}

	for i, entry := range entries {
		base := namesEntryOff + i*entrySize
		binary.BigEndian.PutUint16(body[base:base+2], entry.Number)
		if entrySize == txEntrySize {
			off := addString(entry.Name)
			binary.BigEndian.PutUint16(body[base+4:base+6], off)
			continue
		}
		if entry.Subscribed() {
			chOff := addString(entry.TxChannel)
			devOff := addString(entry.TxDevice)
			binary.BigEndian.PutUint16(body[base+2:base+4], chOff)
			binary.BigEndian.PutUint16(body[base+4:base+6], devOff)
		}
		off := addString(entry.Name)
		binary.BigEndian.PutUint16(body[base+6:base+8], off)
	}
	return BuildResponse(req, StatusOK, body)
}

// BuildNotification builds an unsolicited change notification.
func BuildNotification(change ChangeCode) *Message {
	body := make([]byte, 2)
	binary.BigEndian.PutUint16(body, uint16(change))
	return &Message{Sequence: SequenceNotification, Opcode: OpNotification, Body: body}
}
