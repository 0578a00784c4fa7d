package control

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/muurk/netaudio/internal/events"
	"github.com/muurk/netaudio/internal/logging"
	"github.com/muurk/netaudio/internal/protocol"
	"github.com/muurk/netaudio/internal/registry"
)

const (
	// DefaultRequestTimeout bounds each control request
	DefaultRequestTimeout = 2 * time.Second

	// DefaultDialTimeout bounds opening a control connection
	DefaultDialTimeout = 3 * time.Second
)

// Devices is the part of the registry the client reads and refreshes.
type Devices interface {
	FindByIdentity(identity string) (registry.DeviceRecord, bool)
	Resolve(identity string) (registry.DeviceRecord, bool)
	FindChannel(identity string, dir protocol.Direction, ref string) (registry.ChannelRecord, bool)
	UpdateChannels(identity string, channels []registry.ChannelRecord, counts protocol.ChannelCounts) bool
}

// DialFunc opens a transport connection to a device control port.
type DialFunc func(ctx context.Context, network, address string) (net.Conn, error)

// Options configures a Client. Zero values select defaults.
type Options struct {
	// Network is "udp" (default) or "tcp"
	Network string

	RequestTimeout time.Duration
	DialTimeout    time.Duration

	// Bus receives subscription and notification events; the client also
	// listens on it for DeviceLost
	Bus *events.Bus

	Dial DialFunc
}

func (o *Options) setDefaults() {
	if o.Network == "" {
		o.Network = "udp"
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = DefaultRequestTimeout
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = DefaultDialTimeout
	}
	if o.Dial == nil {
		o.Dial = (&net.Dialer{}).DialContext
	}
}

// Client talks to devices over their control ports. It keeps one connection
// per identity, opened on first use and reopened after it closes or the
// device's address changes.
type Client struct {
	devices Devices
	opts    Options
	log     *zap.Logger

	dials singleflight.Group

	mu     sync.Mutex
	conns  map[string]*Conn
	closed bool

	subs  *subscriptions
	unsub func()
}

// NewClient creates a client that resolves identities through devices.
func NewClient(devices Devices, opts Options) *Client {
	opts.setDefaults()
	c := &Client{
		devices: devices,
		opts:    opts,
		log:     logging.Named("control"),
		conns:   make(map[string]*Conn),
		subs:    newSubscriptions(opts.Bus),
		unsub:   func() {},
	}
	if opts.Bus != nil {
		c.unsub = opts.Bus.Subscribe(c.handleDeviceLost)
	}
	return c
}

// handleDeviceLost runs on the bus goroutine, possibly after the device has
// announced itself again; a device that is back keeps its state.
func (c *Client) handleDeviceLost(e events.DeviceLostEvent) {
	if _, ok := c.devices.FindByIdentity(e.Identity); ok {
		c.log.Debug("Ignoring loss of re-announced device", zap.String("device", e.Identity), zap.String("reason", e.Reason))
		return
	}
	c.DeviceLost(e.Identity)
}

// conn returns a healthy connection to identity, dialling if needed. Only one
// dial per identity runs at a time. Partial devices are dialled too, so a
// channel query can complete them.
func (c *Client) conn(ctx context.Context, identity string) (*Conn, error) {
	dev, ok := c.devices.Resolve(identity)
	if !ok {
		return nil, newError(ErrTypeDeviceNotFound, identity, "device not found", nil)
	}
	addr := dev.Address.String()
	if addr == "" {
		return nil, newError(ErrTypeNetwork, identity, "device has no control address", nil)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, newError(ErrTypeConnectionLost, identity, "client closed", nil)
	}
	existing := c.conns[identity]
	c.mu.Unlock()

	if existing != nil && !existing.Closed() {
		if existing.RemoteAddr() == addr {
			return existing, nil
		}
		c.log.Info("Device address changed, reconnecting",
			zap.String("device", identity), zap.String("old", existing.RemoteAddr()), zap.String("new", addr))
		existing.Close()
	}

	ch := c.dials.DoChan(identity+"|"+addr, func() (any, error) {
		return c.dial(identity, addr)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Conn), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Client) dial(identity, addr string) (*Conn, error) {
	c.mu.Lock()
	if cur := c.conns[identity]; cur != nil && !cur.Closed() && cur.RemoteAddr() == addr {
		c.mu.Unlock()
		return cur, nil
	}
	c.mu.Unlock()

	// Not tied to one caller's context: other callers share this dial.
	ctx, cancel := context.WithTimeout(context.Background(), c.opts.DialTimeout)
	defer cancel()

	nc, err := c.opts.Dial(ctx, c.opts.Network, addr)
	if err != nil {
		return nil, ClassifyNetworkError(err, identity)
	}

	var conn *Conn
	conn = NewConn(identity, nc, ConnOptions{
		OnNotification: func(n protocol.Notification) { c.notify(identity, n) },
		OnClose:        func(error) { c.forget(identity, conn) },
	})

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		conn.Close()
		return nil, newError(ErrTypeConnectionLost, identity, "client closed", nil)
	}
	c.conns[identity] = conn
	c.log.Debug("Control connection opened", zap.String("device", identity), zap.String("address", addr), zap.String("network", c.opts.Network))
	return conn, nil
}

func (c *Client) forget(identity string, conn *Conn) {
	c.mu.Lock()
	if c.conns[identity] == conn {
		delete(c.conns, identity)
	}
	c.mu.Unlock()
}

func (c *Client) notify(identity string, n protocol.Notification) {
	c.log.Debug("Device notification", zap.String("device", identity), zap.Stringer("change", n.Change))
	if c.opts.Bus == nil {
		return
	}
	c.opts.Bus.Publish(events.NotificationEvent{
		Identity:  identity,
		Change:    n.Change.String(),
		Code:      uint16(n.Change),
		Timestamp: time.Now(),
	})
}

// roundTrip sends msg to identity and checks the response status. A timed
// out request is sent once more on a fresh sequence id.
func (c *Client) roundTrip(ctx context.Context, identity string, kind Kind, msg *protocol.Message) (*protocol.Message, error) {
	var lastErr error
	for attempt := 1; attempt <= 2; attempt++ {
		conn, err := c.conn(ctx, identity)
		if err != nil {
			return nil, err
		}
		resp, err := conn.Request(ctx, kind, msg, c.opts.RequestTimeout)
		if err == nil {
			if !resp.Status.OK() {
				return resp, statusError(identity, resp.Opcode, resp.Status)
			}
			return resp, nil
		}
		lastErr = err
		if !IsRetryable(err) {
			break
		}
		c.log.Debug("Retrying timed out request",
			zap.String("device", identity), zap.Stringer("opcode", msg.Opcode), zap.Int("attempt", attempt))
	}
	return nil, lastErr
}

// QueryChannels asks identity for its channel counts and names, pages through
// both directions, and stores the result in the registry.
func (c *Client) QueryChannels(ctx context.Context, identity string) ([]registry.ChannelRecord, error) {
	resp, err := c.roundTrip(ctx, identity, KindQuery, protocol.BuildChannelCountQuery())
	if err != nil {
		return nil, err
	}
	counts, err := protocol.ParseChannelCount(resp)
	if err != nil {
		return nil, newError(ErrTypeProtocol, identity, "bad channel count response", err)
	}

	var channels []registry.ChannelRecord
	for _, page := range []struct {
		dir   protocol.Direction
		count int
		size  int
	}{
		{protocol.Transmit, int(counts.Tx), protocol.TxNamesPageSize},
		{protocol.Receive, int(counts.Rx), protocol.RxNamesPageSize},
	} {
		for start := 1; start <= page.count; start += page.size {
			resp, err := c.roundTrip(ctx, identity, KindQuery, protocol.BuildChannelNamesQuery(page.dir, uint16(start)))
			if err != nil {
				return nil, err
			}
			_, entries, err := protocol.ParseChannelNames(resp)
			if err != nil {
				return nil, newError(ErrTypeProtocol, identity, "bad channel names response", err)
			}
			for _, e := range entries {
				channels = append(channels, registry.ChannelRecord{
					Index:     e.Number,
					Name:      e.Name,
					Direction: page.dir,
					TxChannel: e.TxChannel,
					TxDevice:  e.TxDevice,
				})
			}
			if len(entries) == 0 {
				break
			}
		}
	}

	c.devices.UpdateChannels(identity, channels, counts)
	c.log.Info("Channels queried", zap.String("device", identity),
		zap.Uint16("tx", counts.Tx), zap.Uint16("rx", counts.Rx))
	return channels, nil
}

// transmitChannel resolves a transmit channel reference (name or number) to
// the channel name the subscription body carries. Unknown references trigger
// one channel query before giving up.
func (c *Client) transmitChannel(ctx context.Context, transmitter, ref string) (string, error) {
	if ch, ok := c.devices.FindChannel(transmitter, protocol.Transmit, ref); ok {
		return ch.Name, nil
	}
	if _, err := c.QueryChannels(ctx, transmitter); err != nil {
		return "", err
	}
	if ch, ok := c.devices.FindChannel(transmitter, protocol.Transmit, ref); ok {
		return ch.Name, nil
	}
	return "", &ControlError{
		Type:     ErrTypeChannelNotFound,
		Message:  fmt.Sprintf("no transmit channel %q", ref),
		Identity: transmitter,
	}
}

// ReceiveChannel resolves a receive channel reference (name or number) to
// its index. Numbers are accepted without a lookup.
func (c *Client) ReceiveChannel(ctx context.Context, receiver, ref string) (uint16, error) {
	if n, err := strconv.ParseUint(ref, 10, 16); err == nil {
		return uint16(n), nil
	}
	if ch, ok := c.devices.FindChannel(receiver, protocol.Receive, ref); ok {
		return ch.Index, nil
	}
	if _, err := c.QueryChannels(ctx, receiver); err != nil {
		return 0, err
	}
	if ch, ok := c.devices.FindChannel(receiver, protocol.Receive, ref); ok {
		return ch.Index, nil
	}
	return 0, &ControlError{
		Type:     ErrTypeChannelNotFound,
		Message:  fmt.Sprintf("no receive channel %q", ref),
		Identity: receiver,
	}
}

// MakeSubscription binds receiver's channel rxChannel to transmitter's
// channel txChannel (a name or number). The request goes to the receiver.
func (c *Client) MakeSubscription(ctx context.Context, receiver string, rxChannel uint16, transmitter, txChannel string) error {
	key := Key{Receiver: receiver, Channel: rxChannel}
	unlock, err := c.subs.lock(ctx, key)
	if err != nil {
		return err
	}
	defer unlock()

	rx, ok := c.devices.Resolve(receiver)
	if !ok {
		return newError(ErrTypeDeviceNotFound, receiver, "receiver not found", nil)
	}
	if _, ok := c.devices.Resolve(transmitter); !ok {
		return newError(ErrTypeDeviceNotFound, transmitter, "transmitter not found", nil)
	}
	txName, err := c.transmitChannel(ctx, transmitter, txChannel)
	if err != nil {
		return err
	}

	msg, err := protocol.BuildSubscribe(rx.Capabilities.Firmware, rxChannel, txName, transmitter)
	if err != nil {
		return newError(ErrTypeInvalid, receiver, "cannot encode subscription", err)
	}

	id := c.subs.begin(key, transmitter, txName)
	c.log.Info("Subscribing",
		zap.Stringer("key", key), zap.String("transmitter", transmitter), zap.String("tx_channel", txName),
		zap.Stringer("firmware", rx.Capabilities.Firmware))

	_, err = c.roundTrip(ctx, receiver, KindSubscribe, msg)
	return c.complete(key, id, err, State{Kind: Bound, Transmitter: transmitter, TxChannel: txName})
}

// ClearSubscription removes the source of receiver's channel rxChannel. An
// Unbound key succeeds without contacting the device.
func (c *Client) ClearSubscription(ctx context.Context, receiver string, rxChannel uint16) error {
	key := Key{Receiver: receiver, Channel: rxChannel}
	unlock, err := c.subs.lock(ctx, key)
	if err != nil {
		return err
	}
	defer unlock()

	if c.subs.get(key).Kind == Unbound {
		return nil
	}

	rx, ok := c.devices.Resolve(receiver)
	if !ok {
		return newError(ErrTypeDeviceNotFound, receiver, "receiver not found", nil)
	}

	msg := protocol.BuildUnsubscribe(rx.Capabilities.Firmware, rxChannel)
	id := c.subs.begin(key, "", "")
	c.log.Info("Unsubscribing", zap.Stringer("key", key))

	_, err = c.roundTrip(ctx, receiver, KindUnsubscribe, msg)
	return c.complete(key, id, err, State{Kind: Unbound})
}

// complete moves key out of Pending(id). A client closed mid-request leaves
// the key Pending.
func (c *Client) complete(key Key, id uint64, err error, success State) error {
	if err != nil {
		c.mu.Lock()
		closed := c.closed
		c.mu.Unlock()
		if closed {
			return err
		}
		if cur, ok := c.subs.finish(key, id, State{Kind: Failed, Reason: failureReason(err)}); !ok && cur.Reason == ReasonDeviceLost {
			return newError(ErrTypeDeviceLost, key.Receiver, "device lost during request", err)
		}
		c.log.Warn("Subscription failed", zap.Stringer("key", key), zap.Error(err))
		return err
	}

	if cur, ok := c.subs.finish(key, id, success); !ok {
		if cur.Kind == Failed && cur.Reason == ReasonDeviceLost {
			return newError(ErrTypeDeviceLost, key.Receiver, "device lost during request", nil)
		}
		return newError(ErrTypeProtocol, key.Receiver, fmt.Sprintf("subscription changed to %s during request", cur.Kind), nil)
	}
	return nil
}

// Subscription returns the state of key; unknown keys are Unbound.
func (c *Client) Subscription(key Key) State {
	return c.subs.get(key)
}

// Subscriptions returns every key the client has touched, ordered by key.
func (c *Client) Subscriptions() []Subscription {
	return c.subs.list()
}

// DeviceLost fails the subscriptions that involve identity and tears down
// its connection. It is called from the bus when the registry evicts a
// device.
func (c *Client) DeviceLost(identity string) {
	keys := c.subs.deviceLost(identity)
	if len(keys) > 0 {
		c.log.Info("Subscriptions failed with device", zap.String("device", identity), zap.Int("count", len(keys)))
	}

	c.mu.Lock()
	conn := c.conns[identity]
	delete(c.conns, identity)
	c.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

// Close closes every connection. Requests in flight fail with
// ErrTypeConnectionLost and their keys stay Pending.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conns := c.conns
	c.conns = make(map[string]*Conn)
	c.mu.Unlock()

	c.unsub()

	var errs []error
	for _, conn := range conns {
		if err := conn.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
