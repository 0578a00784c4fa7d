// Package netaudio discovers netaudio devices on the local network and
// manages audio channel subscriptions between them.
//
// A Manager combines the discovery listener, the device registry and the
// control client:
//
//	m, err := netaudio.New(nil)
//	if err != nil {
//	    return err
//	}
//	defer m.Close()
//
//	if err := m.StartDiscovery(ctx); err != nil {
//	    return err
//	}
//	// ...wait for devices...
//	err = m.MakeSubscription(ctx, "Desk", 1, "Stage-Box", "01")
package netaudio

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/muurk/netaudio/internal/config"
	"github.com/muurk/netaudio/internal/control"
	"github.com/muurk/netaudio/internal/discovery"
	"github.com/muurk/netaudio/internal/events"
	"github.com/muurk/netaudio/internal/logging"
	"github.com/muurk/netaudio/internal/protocol"
	"github.com/muurk/netaudio/internal/registry"
)

// Re-exported types so callers need not import internal packages.
type (
	DeviceRecord      = registry.DeviceRecord
	ChannelRecord     = registry.ChannelRecord
	SubscriptionKey   = control.Key
	SubscriptionState = control.State
	Subscription      = control.Subscription
	Event             = events.Event
)

// Option customises a Manager.
type Option func(*options)

type options struct {
	listener discovery.Options
	dial     control.DialFunc
}

// WithDiscoveryOptions replaces the listener options derived from the config.
// Interfaces, RefreshInterval and CoalesceWindow left zero still come from
// the config.
func WithDiscoveryOptions(o discovery.Options) Option {
	return func(opts *options) { opts.listener = o }
}

// WithDialer replaces the dialer used for control connections.
func WithDialer(dial control.DialFunc) Option {
	return func(opts *options) { opts.dial = dial }
}

// Manager is the public entry point. It adds no protocol logic of its own.
type Manager struct {
	cfg      *config.Config
	bus      *events.Bus
	registry *registry.Registry
	client   *control.Client
	listener *discovery.Listener
	log      *zap.Logger

	mu     sync.Mutex
	closed bool
}

// New builds a Manager from cfg; nil selects config.Default().
func New(cfg *config.Config, opts ...Option) (*Manager, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}

	bus := events.New()
	reg := registry.New(registry.Options{
		ExpiryWindow: cfg.Discovery.EffectiveExpiry(),
		DefaultPort:  uint16(cfg.Control.DefaultPort),
		Bus:          bus,
		DisplayName: func(identity string) string {
			if nick := cfg.Nickname(identity); nick != "" {
				return nick
			}
			return identity
		},
		Firmware: func(identity string) (protocol.Firmware, bool) {
			return protocol.ParseFirmware(cfg.FirmwareFor(identity))
		},
	})

	client := control.NewClient(reg, control.Options{
		Network:        cfg.Control.Network,
		RequestTimeout: cfg.Control.RequestTimeout,
		DialTimeout:    cfg.Control.DialTimeout,
		Bus:            bus,
		Dial:           o.dial,
	})

	lo := o.listener
	if len(lo.Interfaces) == 0 {
		lo.Interfaces = cfg.Discovery.Interfaces
	}
	if lo.RefreshInterval == 0 {
		lo.RefreshInterval = cfg.Discovery.RefreshInterval
	}
	if lo.CoalesceWindow == 0 {
		lo.CoalesceWindow = cfg.Discovery.CoalesceWindow
	}

	return &Manager{
		cfg:      cfg,
		bus:      bus,
		registry: reg,
		client:   client,
		listener: discovery.NewListener(lo, reg.Apply),
		log:      logging.Named("manager"),
	}, nil
}

// StartDiscovery starts the background listener. It returns immediately.
func (m *Manager) StartDiscovery(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errors.New("manager closed")
	}
	return m.listener.Start(ctx)
}

// StopDiscovery stops the listener. Known devices stay until they expire.
func (m *Manager) StopDiscovery() {
	m.listener.Stop()
}

// Observe feeds an advertisement obtained elsewhere, such as a one-shot
// scan, into the registry.
func (m *Manager) Observe(ev discovery.AdvertisementEvent) {
	m.registry.Apply(ev)
}

// ListDeviceNames returns the identities of every known device, sorted.
func (m *Manager) ListDeviceNames() []string {
	return m.registry.Names()
}

// ListDeviceDescriptions returns a snapshot of every known device.
func (m *Manager) ListDeviceDescriptions() []DeviceRecord {
	return m.registry.ListDevices()
}

// FindDevice returns one device by identity.
func (m *Manager) FindDevice(identity string) (DeviceRecord, bool) {
	return m.registry.FindByIdentity(identity)
}

// QueryChannels asks a device for its channels and refreshes the registry.
func (m *Manager) QueryChannels(ctx context.Context, identity string) ([]ChannelRecord, error) {
	return m.client.QueryChannels(ctx, identity)
}

// ReceiveChannel resolves a receive channel name or number to its index.
func (m *Manager) ReceiveChannel(ctx context.Context, receiver, ref string) (uint16, error) {
	return m.client.ReceiveChannel(ctx, receiver, ref)
}

// MakeSubscription routes transmitter's channel txChannel (name or number)
// to receiver's channel rxChannel.
func (m *Manager) MakeSubscription(ctx context.Context, receiver string, rxChannel uint16, transmitter, txChannel string) error {
	return m.client.MakeSubscription(ctx, receiver, rxChannel, transmitter, txChannel)
}

// ClearSubscription removes the source of receiver's channel rxChannel.
func (m *Manager) ClearSubscription(ctx context.Context, receiver string, rxChannel uint16) error {
	return m.client.ClearSubscription(ctx, receiver, rxChannel)
}

// Subscription returns the state of one receive channel.
func (m *Manager) Subscription(key SubscriptionKey) SubscriptionState {
	return m.client.Subscription(key)
}

// Subscriptions returns every subscription the manager has touched.
func (m *Manager) Subscriptions() []Subscription {
	return m.client.Subscriptions()
}

// Events returns the bus carrying device and subscription events.
func (m *Manager) Events() *events.Bus {
	return m.bus
}

// Close stops discovery and closes every control connection. Requests in
// flight fail with a connection-lost error and their subscriptions stay
// pending.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	m.listener.Stop()
	err := m.client.Close()
	if berr := m.bus.Close(); berr != nil {
		err = errors.Join(err, berr)
	}
	m.log.Debug("Manager closed")
	return err
}
