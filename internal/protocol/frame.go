package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

// Control frame constants
const (
	ProtocolID  = 0x2830 // First two bytes of every control message
	HeaderSize  = 10     // Protocol ID + length + sequence + opcode + flags
	MaxLength   = 0xFFFF // Largest value the 16-bit length field can carry
	MaxBodySize = MaxLength - HeaderSize
)

// SequenceNotification is the sequence id devices use for unsolicited messages.
// Clients never allocate it.
const SequenceNotification = 0x0000

var (
	// ErrNeedMoreBytes reports that the buffer holds a valid prefix of a message
	// but not the whole message yet.
	ErrNeedMoreBytes = errors.New("need more bytes")

	// ErrMalformedMessage reports bytes that can never become a valid message.
	ErrMalformedMessage = errors.New("malformed message")
)

var protocolIDBytes = []byte{byte(ProtocolID >> 8), byte(ProtocolID & 0xFF)}

// Opcode identifies the operation carried by a control message.
type Opcode uint16

// Opcodes observed on the control port. Values were captured from real
// devices; the subscription opcode differs between firmware dialects.
const (
	OpChannelCount    Opcode = 0x1000
	OpDeviceName      Opcode = 0x1002
	OpNotification    Opcode = 0x1100
	OpTxChannelNames  Opcode = 0x2010
	OpRxChannelNames  Opcode = 0x3000
	OpSubscribeLegacy Opcode = 0x3010 // firmware 4.2.1.3
	OpSubscribe       Opcode = 0x3410 // firmware 4.4.1.3
)

// String returns a human-readable opcode name
func (o Opcode) String() string {
	switch o {
	case OpChannelCount:
		return "channel-count"
	case OpDeviceName:
		return "device-name"
	case OpNotification:
		return "notification"
	case OpTxChannelNames:
		return "tx-channel-names"
	case OpRxChannelNames:
		return "rx-channel-names"
	case OpSubscribeLegacy, OpSubscribe:
		return "subscription"
	default:
		return fmt.Sprintf("unknown(0x%04x)", uint16(o))
	}
}

// Status is the flags word of a message. Requests send zero; responses carry
// the device's result code.
type Status uint16

// Result codes
const (
	StatusRequest       Status = 0x0000
	StatusOK            Status = 0x0001
	StatusNoSuchChannel Status = 0x0112
)

// OK reports whether a response status signals success.
func (s Status) OK() bool { return s == StatusOK }

// String returns a debug representation of the status
func (s Status) String() string {
	switch s {
	case StatusRequest:
		return "request"
	case StatusOK:
		return "ok"
	case StatusNoSuchChannel:
		return "no-such-channel"
	default:
		return fmt.Sprintf("status(0x%04x)", uint16(s))
	}
}

// Message is one control-protocol message.
//
// Wire layout (big-endian):
//
//	[0:2]   0x2830         Protocol ID
//	[2:4]   length         Total length including this header
//	[4:6]   sequence       Sequence id (0 = device notification)
//	[6:8]   opcode         Operation
//	[8:10]  flags          0 on requests, result status on responses
//	[10:]   body           Opcode-specific body
type Message struct {
	Sequence uint16
	Opcode   Opcode
	Status   Status
	Body     []byte
	Raw      []byte // Complete message bytes, set by Decode
}

// Len returns the encoded size of the message.
func (m *Message) Len() int {
	return HeaderSize + min(len(m.Body), MaxBodySize)
}

// IsNotification reports whether the message was sent unsolicited by the device.
func (m *Message) IsNotification() bool {
	return m.Opcode == OpNotification
}

// String returns a debug representation of the message
func (m *Message) String() string {
	return fmt.Sprintf("Message{seq=%d, op=%s, status=%s, body=%d bytes}",
		m.Sequence, m.Opcode, m.Status, len(m.Body))
}

// Encode serialises a message. A body longer than MaxBodySize is cut to
// MaxBodySize so the length field always matches the bytes written; the
// Build* constructors in this package stay well below the limit.
func Encode(m *Message) []byte {
	body := m.Body
	if len(body) > MaxBodySize {
		body = body[:MaxBodySize]
	}
	buf := make([]byte, HeaderSize+len(body))
	binary.BigEndian.PutUint16(buf[0:2], ProtocolID)
	binary.BigEndian.PutUint16(buf[2:4], uint16(len(buf)))
	binary.BigEndian.PutUint16(buf[4:6], m.Sequence)
	binary.BigEndian.PutUint16(buf[6:8], uint16(m.Opcode))
	binary.BigEndian.PutUint16(buf[8:10], uint16(m.Status))
	copy(buf[HeaderSize:], body)
	return buf
}

// Decode parses one message from the front of data and returns the number of
// bytes it consumed.
//
// Returns ErrNeedMoreBytes when data is a valid but incomplete prefix, and an
// error wrapping ErrMalformedMessage when the protocol id or length field can
// never be valid. The returned message owns its memory.
func Decode(data []byte) (*Message, int, error) {
	if len(data) >= 1 && data[0] != protocolIDBytes[0] {
		return nil, 0, fmt.Errorf("%w: invalid protocol id byte 0x%02x", ErrMalformedMessage, data[0])
	}
	if len(data) >= 2 && data[1] != protocolIDBytes[1] {
		return nil, 0, fmt.Errorf("%w: invalid protocol id 0x%02x%02x", ErrMalformedMessage, data[0], data[1])
	}
	if len(data) < HeaderSize {
		return nil, 0, ErrNeedMoreBytes
	}

	length := int(binary.BigEndian.Uint16(data[2:4]))
	if length < HeaderSize {
		return nil, 0, fmt.Errorf("%w: length %d shorter than header", ErrMalformedMessage, length)
	}
	if len(data) < length {
		return nil, 0, ErrNeedMoreBytes
	}

	raw := make([]byte, length)
	copy(raw, data[:length])

	return &Message{
		Sequence: binary.BigEndian.Uint16(raw[4:6]),
		Opcode:   Opcode(binary.BigEndian.Uint16(raw[6:8])),
		Status:   Status(binary.BigEndian.Uint16(raw[8:10])),
		Body:     raw[HeaderSize:],
		Raw:      raw,
	}, length, nil
}

// Decoder reassembles messages from a byte stream that may split or merge
// messages arbitrarily across reads.
type Decoder struct {
	buf []byte
}

// Write appends received bytes. It never fails.
func (d *Decoder) Write(p []byte) (int, error) {
	d.buf = append(d.buf, p...)
	return len(p), nil
}

// Buffered returns the number of bytes waiting to be decoded.
func (d *Decoder) Buffered() int {
	return len(d.buf)
}

// Next returns the next complete message.
//
// ErrNeedMoreBytes means the caller should Write more data. On a malformed
// message the decoder skips ahead to the next candidate protocol id and
// returns the error; calling Next again continues from there.
func (d *Decoder) Next() (*Message, error) {
	msg, n, err := Decode(d.buf)
	switch {
	case err == nil:
		d.consume(n)
		return msg, nil
	case errors.Is(err, ErrNeedMoreBytes):
		return nil, err
	default:
		d.resync()
		return nil, err
	}
}

// Reset drops all buffered bytes.
func (d *Decoder) Reset() {
	d.buf = d.buf[:0]
}

func (d *Decoder) consume(n int) {
	remaining := copy(d.buf, d.buf[n:])
	d.buf = d.buf[:remaining]
}

// resync discards bytes up to the next occurrence of the protocol id after
// the current (bad) position.
func (d *Decoder) resync() {
	if len(d.buf) <= 1 {
		d.buf = d.buf[:0]
		return
	}
	if idx := bytes.Index(d.buf[1:], protocolIDBytes); idx >= 0 {
		d.consume(idx + 1)
		return
	}
	// Keep a trailing first byte: it may be the start of the next id.
	if d.buf[len(d.buf)-1] == protocolIDBytes[0] {
		d.consume(len(d.buf) - 1)
		return
	}
	d.buf = d.buf[:0]
}

// StringAt returns the NUL-terminated string stored at an absolute offset from
// the start of the message. Offsets inside the header or beyond the end of the
// message are malformed.
func (m *Message) StringAt(offset uint16) (string, error) {
	raw := m.Raw
	if raw == nil {
		raw = Encode(m)
	}
	off := int(offset)
	if off < HeaderSize || off >= len(raw) {
		return "", fmt.Errorf("%w: string offset %d outside message of %d bytes", ErrMalformedMessage, off, len(raw))
	}
	end := bytes.IndexByte(raw[off:], 0)
	if end < 0 {
		return "", fmt.Errorf("%w: unterminated string at offset %d", ErrMalformedMessage, off)
	}
	return string(raw[off : off+end]), nil
}
