package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"go.uber.org/zap"
	"golang.org/x/net/ipv4"

	"github.com/muurk/netaudio/internal/logging"
	"github.com/muurk/netaudio/internal/metrics"
	"github.com/muurk/netaudio/internal/protocol"
)

const (
	// DefaultRefreshInterval is the period between proactive queries
	DefaultRefreshInterval = 10 * time.Second

	// DefaultCoalesceWindow is the burst de-duplication window
	DefaultCoalesceWindow = 250 * time.Millisecond

	// DefaultQueueSize bounds events waiting for the handler
	DefaultQueueSize = 256

	maxPacketSize = 9000
)

// mDNS group and port (RFC 6762)
var mdnsGroup = &net.UDPAddr{IP: net.IPv4(224, 0, 0, 251), Port: 5353}

// Handler receives coalesced advertisement events. All calls come from one
// goroutine.
type Handler func(AdvertisementEvent)

// Binder opens the packet socket the listener reads from and queries on.
type Binder func(ifaces []net.Interface) (net.PacketConn, error)

// Options configures a Listener. Zero values select defaults.
type Options struct {
	// Interfaces restricts multicast joins to these interface names
	Interfaces []string

	RefreshInterval time.Duration
	CoalesceWindow  time.Duration
	QueueSize       int

	// RebindInitial and RebindMax bound the exponential re-bind backoff
	RebindInitial time.Duration
	RebindMax     time.Duration

	// Binder defaults to MulticastBinder
	Binder Binder

	// QueryAddr is where queries are sent; defaults to the mDNS group
	QueryAddr net.Addr

	// ErrorSink receives socket and decode failures; defaults to logging
	ErrorSink func(error)
}

func (o *Options) setDefaults() {
	if o.RefreshInterval <= 0 {
		o.RefreshInterval = DefaultRefreshInterval
	}
	if o.QueueSize <= 0 {
		o.QueueSize = DefaultQueueSize
	}
	if o.RebindInitial <= 0 {
		o.RebindInitial = 500 * time.Millisecond
	}
	if o.RebindMax <= 0 {
		o.RebindMax = 30 * time.Second
	}
	if o.Binder == nil {
		o.Binder = MulticastBinder
	}
	if o.QueryAddr == nil {
		o.QueryAddr = mdnsGroup
	}
	if o.ErrorSink == nil {
		log := logging.Named("discovery")
		o.ErrorSink = func(err error) { log.Warn("Discovery error", zap.Error(err)) }
	}
}

// Listener receives netaudio service announcements, coalesces bursts and
// hands events to a single processing goroutine.
type Listener struct {
	opts    Options
	handler Handler
	log     *zap.Logger

	mu      sync.Mutex
	conn    net.PacketConn
	cancel  context.CancelFunc
	queue   chan AdvertisementEvent
	coal    *Coalescer
	wg      sync.WaitGroup
	running bool
}

// NewListener creates a listener; call Start to begin receiving.
func NewListener(opts Options, handler Handler) *Listener {
	opts.setDefaults()
	return &Listener{
		opts:    opts,
		handler: handler,
		log:     logging.Named("discovery"),
	}
}

// Start launches the background tasks and returns immediately. Binding
// happens in the background, so a missing network is not an error here.
func (l *Listener) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.running {
		return errors.New("discovery listener already running")
	}

	ctx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	l.queue = make(chan AdvertisementEvent, l.opts.QueueSize)
	l.coal = NewCoalescer(l.opts.CoalesceWindow, l.enqueue(l.queue))
	l.running = true

	l.wg.Add(3)
	go l.process(ctx, l.queue)
	go l.receive(ctx)
	go l.refresh(ctx)

	l.log.Info("Discovery started",
		zap.Duration("refresh_interval", l.opts.RefreshInterval),
		zap.Duration("coalesce_window", l.opts.CoalesceWindow),
	)
	return nil
}

// Stop cancels the background tasks and waits for them to exit. Events
// still inside the coalescing window are dropped.
func (l *Listener) Stop() {
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return
	}
	l.running = false
	l.cancel()
	l.coal.Stop()
	if l.conn != nil {
		l.conn.Close()
	}
	l.mu.Unlock()

	l.wg.Wait()
	l.log.Info("Discovery stopped")
}

// Running reports whether Start has been called without a matching Stop.
func (l *Listener) Running() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.running
}

// Query sends a PTR query for the given services (all when none given).
func (l *Listener) Query(services ...protocol.ServiceType) error {
	packet, err := protocol.EncodeQuery(services...)
	if err != nil {
		return fmt.Errorf("failed to encode query: %w", err)
	}
	return l.send(packet)
}

func (l *Listener) send(packet []byte) error {
	l.mu.Lock()
	conn := l.conn
	l.mu.Unlock()
	if conn == nil {
		return errors.New("discovery socket not bound")
	}
	logging.LogPacket("sent", l.opts.QueryAddr.String(), packet)
	if _, err := conn.WriteTo(packet, l.opts.QueryAddr); err != nil {
		return fmt.Errorf("failed to send query: %w", err)
	}
	return nil
}

func (l *Listener) enqueue(queue chan AdvertisementEvent) func(AdvertisementEvent) {
	return func(ev AdvertisementEvent) {
		select {
		case queue <- ev:
		default:
			metrics.ObserveDroppedEvent()
			l.log.Warn("Advertisement queue full, dropping event", zap.String("event", ev.String()))
		}
	}
}

// process is the single consumer of the queue.
func (l *Listener) process(ctx context.Context, queue <-chan AdvertisementEvent) {
	defer l.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-queue:
			l.handler(ev)
		}
	}
}

// receive binds, reads until the socket fails, then re-binds with backoff.
func (l *Listener) receive(ctx context.Context) {
	defer l.wg.Done()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = l.opts.RebindInitial
	b.MaxInterval = l.opts.RebindMax
	b.MaxElapsedTime = 0

	for {
		var conn net.PacketConn
		bind := func() error {
			c, err := l.bind()
			if err != nil {
				return err
			}
			conn = c
			return nil
		}
		notify := func(err error, wait time.Duration) {
			l.opts.ErrorSink(fmt.Errorf("bind discovery socket (retry in %s): %w", wait, err))
		}
		if err := backoff.RetryNotify(bind, backoff.WithContext(b, ctx), notify); err != nil {
			return
		}

		l.mu.Lock()
		if ctx.Err() != nil {
			l.mu.Unlock()
			conn.Close()
			return
		}
		l.conn = conn
		l.mu.Unlock()

		if err := l.Query(); err != nil {
			l.opts.ErrorSink(err)
		}

		err := l.read(ctx, conn)
		conn.Close()
		if ctx.Err() != nil {
			return
		}

		l.mu.Lock()
		l.conn = nil
		l.mu.Unlock()

		l.opts.ErrorSink(fmt.Errorf("discovery socket failed: %w", err))
		metrics.ObserveRebind()

		wait := b.NextBackOff()
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

func (l *Listener) bind() (net.PacketConn, error) {
	ifaces, err := multicastInterfaces(l.opts.Interfaces)
	if err != nil {
		return nil, err
	}
	return l.opts.Binder(ifaces)
}

func (l *Listener) read(ctx context.Context, conn net.PacketConn) error {
	buf := make([]byte, maxPacketSize)
	for {
		n, src, err := conn.ReadFrom(buf)
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		l.handlePacket(buf[:n], src, time.Now())
	}
}

func (l *Listener) handlePacket(data []byte, src net.Addr, now time.Time) {
	logging.LogPacket("received", src.String(), data)

	recs, err := protocol.DecodeServiceRecords(data)
	switch {
	case err != nil && len(recs) == 0:
		metrics.ObservePacket(metrics.PacketMalformed)
		l.log.Debug("Discarding undecodable packet", zap.Stringer("src", src), zap.Error(err))
		return
	case err != nil:
		l.log.Debug("Skipping malformed records", zap.Stringer("src", src), zap.Error(err))
	}
	if len(recs) == 0 {
		metrics.ObservePacket(metrics.PacketIgnored)
		return
	}
	metrics.ObservePacket(metrics.PacketOK)

	for _, rec := range recs {
		metrics.ObserveRecord(rec.Service.String())
		if !rec.Resolved && !rec.Goodbye() {
			l.resolve(rec)
			continue
		}
		l.coal.Add(NewEvent(rec, src, now))
	}
}

// resolve asks for the SRV and TXT of an instance seen only through a PTR.
func (l *Listener) resolve(rec protocol.ServiceRecord) {
	packet, err := protocol.EncodeInstanceQuery(rec)
	if err != nil {
		l.log.Debug("Cannot encode instance query", zap.String("instance", rec.Instance), zap.Error(err))
		return
	}
	if err := l.send(packet); err != nil {
		l.opts.ErrorSink(err)
	}
}

// refresh re-issues the discovery query on a fixed interval.
func (l *Listener) refresh(ctx context.Context) {
	defer l.wg.Done()
	ticker := time.NewTicker(l.opts.RefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := l.Query(); err != nil {
				l.log.Debug("Periodic query skipped", zap.Error(err))
			}
		}
	}
}

// multicastInterfaces returns the up, multicast-capable interfaces,
// restricted to names when any are given.
func multicastInterfaces(names []string) ([]net.Interface, error) {
	all, err := net.Interfaces()
	if err != nil {
		return nil, fmt.Errorf("failed to list interfaces: %w", err)
	}
	want := make(map[string]bool, len(names))
	for _, n := range names {
		want[n] = true
	}

	var out []net.Interface
	for _, iface := range all {
		if len(want) > 0 && !want[iface.Name] {
			continue
		}
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagMulticast == 0 {
			continue
		}
		out = append(out, iface)
	}
	if len(names) > 0 && len(out) == 0 {
		return nil, fmt.Errorf("none of the interfaces %v are up and multicast-capable", names)
	}
	return out, nil
}

// MulticastBinder listens on the mDNS port and joins the mDNS group on every
// given interface.
func MulticastBinder(ifaces []net.Interface) (net.PacketConn, error) {
	var first *net.Interface
	if len(ifaces) > 0 {
		first = &ifaces[0]
	}
	conn, err := net.ListenMulticastUDP("udp4", first, mdnsGroup)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", mdnsGroup, err)
	}

	// ListenMulticastUDP joined on the first interface; join the rest.
	pc := ipv4.NewPacketConn(conn)
	for i := 1; i < len(ifaces); i++ {
		if err := pc.JoinGroup(&ifaces[i], &net.UDPAddr{IP: mdnsGroup.IP}); err != nil {
			logging.Debug("Multicast join failed", zap.String("interface", ifaces[i].Name), zap.Error(err))
		}
	}
	_ = pc.SetMulticastTTL(255)
	_ = pc.SetMulticastLoopback(true)
	return conn, nil
}
