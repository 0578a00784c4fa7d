package control

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/muurk/netaudio/internal/logging"
	"github.com/muurk/netaudio/internal/metrics"
	"github.com/muurk/netaudio/internal/protocol"
)

const readBufferSize = 64 * 1024

// Kind classifies a request for logging and metrics.
type Kind string

const (
	KindQuery       Kind = "query"
	KindSubscribe   Kind = "subscribe"
	KindUnsubscribe Kind = "unsubscribe"
)

// PendingRequest is one request waiting for its response.
type PendingRequest struct {
	Sequence uint16
	Opcode   protocol.Opcode
	Kind     Kind
	IssuedAt time.Time

	done chan result
}

type result struct {
	msg *protocol.Message
	err error
}

// ConnOptions configures a Conn.
type ConnOptions struct {
	// OnNotification receives unsolicited device messages from the read loop
	OnNotification func(protocol.Notification)

	// OnClose is called once when the connection closes
	OnClose func(error)
}

// Conn is one control connection to one device. Requests may be issued
// concurrently; responses are matched to requests by sequence id only.
type Conn struct {
	identity string
	nc       net.Conn
	opts     ConnOptions
	log      *zap.Logger

	writeMu sync.Mutex

	mu       sync.Mutex
	pending  map[uint16]*PendingRequest
	lastSeq  uint16
	closed   bool
	closeErr error
	done     chan struct{}
}

// NewConn takes ownership of nc and starts its read loop.
func NewConn(identity string, nc net.Conn, opts ConnOptions) *Conn {
	c := &Conn{
		identity: identity,
		nc:       nc,
		opts:     opts,
		log:      logging.Named("control").With(zap.String("device", identity)),
		pending:  make(map[uint16]*PendingRequest),
		done:     make(chan struct{}),
	}
	metrics.ConnectionOpened()
	logging.LogConnection(c.RemoteAddr(), "opened")
	go c.readLoop()
	return c
}

// Identity returns the device this connection talks to.
func (c *Conn) Identity() string { return c.identity }

// RemoteAddr returns the device's control address.
func (c *Conn) RemoteAddr() string {
	if addr := c.nc.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}

// Done is closed when the connection closes.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Closed reports whether the connection has closed.
func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Err returns the error that closed the connection, nil when Close was called.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeErr
}

// Pending returns the requests currently waiting for a response.
func (c *Conn) Pending() []PendingRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]PendingRequest, 0, len(c.pending))
	for _, p := range c.pending {
		out = append(out, PendingRequest{Sequence: p.Sequence, Opcode: p.Opcode, Kind: p.Kind, IssuedAt: p.IssuedAt})
	}
	return out
}

// Request sends msg with a fresh sequence id and waits for the matching
// response, the timeout, ctx, or the connection closing. The response may
// carry a non-OK status; interpreting it is up to the caller.
//
// Cancelling ctx stops the wait only: bytes already written stay written.
func (c *Conn) Request(ctx context.Context, kind Kind, msg *protocol.Message, timeout time.Duration) (*protocol.Message, error) {
	p, err := c.register(kind, msg.Opcode)
	if err != nil {
		return nil, err
	}
	start := p.IssuedAt

	req := *msg
	req.Sequence = p.Sequence
	req.Status = protocol.StatusRequest
	req.Raw = nil
	data := protocol.Encode(&req)

	if err := c.write(data, timeout); err != nil {
		c.unregister(p.Sequence)
		ce := newError(ErrTypeConnectionLost, c.identity, "write failed", err)
		c.shutdown(ce)
		metrics.ObserveRequest(msg.Opcode.String(), metrics.OutcomeConnectionLost, time.Since(start))
		return nil, ce
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-p.done:
		outcome := metrics.OutcomeOK
		switch {
		case IsConnectionLost(res.err):
			outcome = metrics.OutcomeConnectionLost
		case res.err != nil:
			outcome = metrics.OutcomeRejected
		case !res.msg.Status.OK():
			outcome = metrics.OutcomeRejected
		}
		metrics.ObserveRequest(msg.Opcode.String(), outcome, time.Since(start))
		return res.msg, res.err
	case <-timer.C:
		c.unregister(p.Sequence)
		metrics.ObserveRequest(msg.Opcode.String(), metrics.OutcomeTimeout, time.Since(start))
		c.log.Debug("Request timed out", zap.Uint16("seq", p.Sequence), zap.Stringer("opcode", msg.Opcode), zap.Duration("timeout", timeout))
		return nil, newError(ErrTypeTimedOut, c.identity, fmt.Sprintf("no response to %s %s after %s", kind, msg.Opcode, timeout), nil)
	case <-ctx.Done():
		c.unregister(p.Sequence)
		metrics.ObserveRequest(msg.Opcode.String(), metrics.OutcomeCanceled, time.Since(start))
		return nil, ctx.Err()
	}
}

// register allocates the next free sequence id. Zero is reserved for
// notifications and ids still pending are skipped.
func (c *Conn) register(kind Kind, op protocol.Opcode) (*PendingRequest, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, newError(ErrTypeConnectionLost, c.identity, "connection closed", c.closeErr)
	}
	if len(c.pending) >= 0xFFFF {
		return nil, newError(ErrTypeInvalid, c.identity, "too many requests in flight", nil)
	}

	seq := c.lastSeq
	for {
		seq++
		if seq == protocol.SequenceNotification {
			continue
		}
		if _, busy := c.pending[seq]; !busy {
			break
		}
	}
	c.lastSeq = seq

	p := &PendingRequest{
		Sequence: seq,
		Opcode:   op,
		Kind:     kind,
		IssuedAt: time.Now(),
		done:     make(chan result, 1),
	}
	c.pending[seq] = p
	return p, nil
}

func (c *Conn) unregister(seq uint16) {
	c.mu.Lock()
	delete(c.pending, seq)
	c.mu.Unlock()
}

func (c *Conn) write(data []byte, timeout time.Duration) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if timeout > 0 {
		_ = c.nc.SetWriteDeadline(time.Now().Add(timeout))
	}
	logging.LogPacket("sent", c.RemoteAddr(), data)
	_, err := c.nc.Write(data)
	return err
}

func (c *Conn) readLoop() {
	var dec protocol.Decoder
	buf := make([]byte, readBufferSize)
	for {
		n, err := c.nc.Read(buf)
		if n > 0 {
			logging.LogPacket("received", c.RemoteAddr(), buf[:n])
			dec.Write(buf[:n])
			c.drain(&dec)
		}
		if err != nil {
			c.shutdown(newError(ErrTypeConnectionLost, c.identity, "read failed", err))
			return
		}
	}
}

func (c *Conn) drain(dec *protocol.Decoder) {
	for {
		msg, err := dec.Next()
		switch {
		case err == nil:
			c.dispatch(msg)
		case errors.Is(err, protocol.ErrNeedMoreBytes):
			return
		default:
			c.log.Debug("Discarding malformed bytes", zap.Error(err))
		}
	}
}

func (c *Conn) dispatch(msg *protocol.Message) {
	if msg.Sequence == protocol.SequenceNotification || msg.IsNotification() {
		n, err := protocol.ParseNotification(msg)
		if err != nil {
			c.log.Debug("Discarding malformed notification", zap.Error(err))
			return
		}
		if c.opts.OnNotification != nil {
			c.opts.OnNotification(n)
		}
		return
	}

	c.mu.Lock()
	p, ok := c.pending[msg.Sequence]
	if ok {
		delete(c.pending, msg.Sequence)
	}
	c.mu.Unlock()

	if !ok {
		c.log.Debug("Discarding unmatched response", zap.Stringer("message", msg))
		return
	}
	if msg.Opcode != p.Opcode {
		p.done <- result{err: newError(ErrTypeProtocol, c.identity,
			fmt.Sprintf("response to %s carried opcode %s", p.Opcode, msg.Opcode), protocol.ErrMalformedMessage)}
		return
	}
	p.done <- result{msg: msg}
}

// Close closes the connection and fails outstanding requests with
// ErrTypeConnectionLost.
func (c *Conn) Close() error {
	c.shutdown(nil)
	return nil
}

func (c *Conn) shutdown(cause error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.closeErr = cause
	pending := c.pending
	c.pending = make(map[uint16]*PendingRequest)
	c.mu.Unlock()

	c.nc.Close()
	close(c.done)

	lost := newError(ErrTypeConnectionLost, c.identity, "connection closed", cause)
	for _, p := range pending {
		p.done <- result{err: lost}
	}

	metrics.ConnectionClosed()
	logging.LogConnection(c.RemoteAddr(), "closed")
	if cause != nil {
		c.log.Warn("Control connection lost", zap.Error(cause))
	}
	if c.opts.OnClose != nil {
		c.opts.OnClose(cause)
	}
}
