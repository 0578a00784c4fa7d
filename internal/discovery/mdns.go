package discovery

import (
	"context"
	"fmt"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/muurk/netaudio/internal/logging"
	"github.com/muurk/netaudio/internal/protocol"
)

const (
	// ServiceDomain is the mDNS domain (typically "local.")
	ServiceDomain = "local."

	// DefaultScanTimeout is the default timeout for a one-shot scan
	DefaultScanTimeout = 5 * time.Second
)

// Scanner performs one-shot browses for netaudio services. It is independent
// of the Listener and suits CLI commands that just want a snapshot.
type Scanner struct {
	// Timeout is the maximum time to wait for announcements
	Timeout time.Duration

	// Interfaces restricts the browse to these interface names
	Interfaces []string
}

// NewScanner creates a new mDNS scanner with default settings
func NewScanner() *Scanner {
	return &Scanner{
		Timeout: DefaultScanTimeout,
	}
}

// Scan browses the given services (all netaudio services when none are
// given) until the timeout and returns one event per resolved instance,
// sorted by identity, service and instance.
func (s *Scanner) Scan(ctx context.Context, services ...protocol.ServiceType) ([]AdvertisementEvent, error) {
	if len(services) == 0 {
		services = protocol.ServiceTypes
	}

	ctx, cancel := context.WithTimeout(ctx, s.Timeout)
	defer cancel()

	opts, err := s.clientOptions()
	if err != nil {
		return nil, err
	}

	var mu sync.Mutex
	var events []AdvertisementEvent

	g, gctx := errgroup.WithContext(ctx)
	for _, svc := range services {
		g.Go(func() error {
			found, err := browse(gctx, svc, opts)
			if err != nil {
				return err
			}
			mu.Lock()
			events = append(events, found...)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.Slice(events, func(i, j int) bool {
		a, b := events[i], events[j]
		if a.Identity != b.Identity {
			return a.Identity < b.Identity
		}
		if a.Service != b.Service {
			return a.Service < b.Service
		}
		return a.Record.Instance < b.Record.Instance
	})
	return events, nil
}

func (s *Scanner) clientOptions() ([]zeroconf.ClientOption, error) {
	opts := []zeroconf.ClientOption{zeroconf.SelectIPTraffic(zeroconf.IPv4)}
	if len(s.Interfaces) == 0 {
		return opts, nil
	}
	ifaces, err := multicastInterfaces(s.Interfaces)
	if err != nil {
		return nil, err
	}
	return append(opts, zeroconf.SelectIfaces(ifaces)), nil
}

// browse runs one resolver for one service type until ctx is done. Each
// service gets its own resolver because a resolver owns its sockets.
func browse(ctx context.Context, svc protocol.ServiceType, opts []zeroconf.ClientOption) ([]AdvertisementEvent, error) {
	resolver, err := zeroconf.NewResolver(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create mDNS resolver: %w", err)
	}

	entries := make(chan *zeroconf.ServiceEntry)
	done := make(chan []AdvertisementEvent)

	go func() {
		seen := make(map[string]AdvertisementEvent)
		for entry := range entries {
			ev, err := entryToEvent(svc, entry, time.Now())
			if err != nil {
				logging.Debug("Skipping service entry", zap.String("instance", entry.Instance), zap.Error(err))
				continue
			}
			seen[ev.Key()] = ev
		}
		out := make([]AdvertisementEvent, 0, len(seen))
		for _, ev := range seen {
			out = append(out, ev)
		}
		done <- out
	}()

	if err := resolver.Browse(ctx, svc.Service(), ServiceDomain, entries); err != nil {
		return nil, fmt.Errorf("failed to browse for %s: %w", svc.Service(), err)
	}

	// The resolver closes entries once ctx is done.
	return <-done, nil
}

// entryToEvent converts a zeroconf service entry into an advertisement event.
func entryToEvent(svc protocol.ServiceType, entry *zeroconf.ServiceEntry, now time.Time) (AdvertisementEvent, error) {
	instance := protocol.UnescapeLabel(entry.Instance)
	rec, err := protocol.NewServiceRecord(svc, instance, entry.TTL, entry.Text)
	if err != nil {
		return AdvertisementEvent{}, err
	}
	rec.Resolved = true
	rec.Host = entry.HostName
	rec.Port = uint16(entry.Port)
	rec.Addrs = append(append([]net.IP{}, entry.AddrIPv4...), entry.AddrIPv6...)
	return NewEvent(rec, nil, now), nil
}
