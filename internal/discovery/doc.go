// Package discovery finds netaudio devices through their mDNS service
// announcements.
//
// Devices advertise up to four DNS-SD services over multicast DNS:
//
//   - _netaudio-arc._udp: the control endpoint
//   - _netaudio-chan._udp: one instance per transmit channel, named <channel>@<device>
//   - _netaudio-cmc._udp: device metadata
//   - _netaudio-dbc._udp: informational, not needed to use a device
//
// # Listener
//
// Listener keeps a multicast socket open, queries periodically and turns every
// netaudio record it hears into an AdvertisementEvent. Bursts of identical
// announcements are folded by a Coalescer so only the latest event per key
// reaches the handler. The handler is called from a single goroutine. If the
// socket fails the listener re-binds with exponential backoff and reports the
// failure through Options.ErrorSink.
//
//	l := discovery.NewListener(discovery.Options{}, func(ev discovery.AdvertisementEvent) {
//	    fmt.Println(ev)
//	})
//	if err := l.Start(ctx); err != nil {
//	    return err
//	}
//	defer l.Stop()
//
// # Scanner
//
// Scanner is a one-shot browse built on zeroconf, suited to CLI commands that
// only need a snapshot:
//
//	events, err := discovery.NewScanner().Scan(ctx, protocol.ServiceControl)
//
// # Network Requirements
//
// - Multicast must be enabled on the chosen interfaces
// - Firewalls must allow UDP port 5353
package discovery
