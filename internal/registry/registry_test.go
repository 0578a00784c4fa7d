package registry

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/muurk/netaudio/internal/discovery"
	"github.com/muurk/netaudio/internal/events"
	"github.com/muurk/netaudio/internal/protocol"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func controlAdvert(identity, ip string, port uint16, at time.Time) discovery.AdvertisementEvent {
	return discovery.NewEvent(protocol.ServiceRecord{
		Service:  protocol.ServiceControl,
		Instance: identity,
		Identity: identity,
		Port:     port,
		Addrs:    []net.IP{net.ParseIP(ip)},
		Fields:   map[string]string{"router_vers": "4.4.1.3", "router_info": "Brooklyn_II"},
		TTL:      120,
		Resolved: true,
	}, nil, at)
}

func dataAdvert(identity string, at time.Time) discovery.AdvertisementEvent {
	return discovery.NewEvent(protocol.ServiceRecord{
		Service:  protocol.ServiceData,
		Instance: identity,
		Identity: identity,
		Fields:   map[string]string{"mf": "Audinate", "model": "DAI2"},
		TTL:      120,
		Resolved: true,
	}, nil, at)
}

func channelAdvert(identity, channel string, id uint16, at time.Time) discovery.AdvertisementEvent {
	return discovery.NewEvent(protocol.ServiceRecord{
		Service:      protocol.ServiceChannel,
		Instance:     channel + "@" + identity,
		Identity:     identity,
		Channel:      channel,
		ChannelID:    id,
		HasChannelID: true,
		Fields:       map[string]string{"rate": "48000", "en": "24", "latency_ns": "1000000"},
		TTL:          120,
		Resolved:     true,
	}, nil, at)
}

func goodbye(ev discovery.AdvertisementEvent, at time.Time) discovery.AdvertisementEvent {
	ev.Record.TTL = 0
	ev.ObservedAt = at
	return ev
}

func newTestRegistry(t *testing.T) (*Registry, *fakeClock, *events.Bus) {
	t.Helper()
	clock := newFakeClock()
	bus := events.New()
	t.Cleanup(func() { bus.Close() })
	r := New(Options{
		ExpiryWindow: 30 * time.Second,
		DefaultPort:  4440,
		Bus:          bus,
		Now:          clock.Now,
	})
	return r, clock, bus
}

func TestRegistryCompleteness(t *testing.T) {
	r, clock, bus := newTestRegistry(t)

	var mu sync.Mutex
	var added []string
	unsub := bus.Subscribe(func(e events.DeviceAddedEvent) {
		mu.Lock()
		added = append(added, e.Identity)
		mu.Unlock()
	})
	defer unsub()

	now := clock.Now()
	r.Apply(controlAdvert("AVIO", "192.168.1.20", 4440, now))
	r.Apply(dataAdvert("AVIO", now))

	assert.Empty(t, r.ListDevices(), "device exposed before a channel advert")
	_, ok := r.FindByIdentity("AVIO")
	assert.False(t, ok)

	r.Apply(channelAdvert("AVIO", "01", 1, now))

	devices := r.ListDevices()
	require.Len(t, devices, 1)
	dev := devices[0]
	assert.Equal(t, "AVIO", dev.Identity)
	assert.Equal(t, "192.168.1.20:4440", dev.Address.String())
	assert.Equal(t, "Audinate", dev.Capabilities.Manufacturer)
	assert.Equal(t, 48000, dev.Capabilities.SampleRate)
	assert.Equal(t, 24, dev.Capabilities.Encoding)
	assert.Equal(t, protocol.Firmware4_4_1_3, dev.Capabilities.Firmware)
	require.Len(t, dev.Channels, 1)
	assert.Equal(t, ChannelRecord{Index: 1, Name: "01", Direction: protocol.Transmit}, dev.Channels[0])

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(added) == 1 && added[0] == "AVIO"
	}, time.Second, 5*time.Millisecond)
}

func TestRegistryConvergesRegardlessOfOrder(t *testing.T) {
	base := newFakeClock().Now()
	at := func(s int) time.Time { return base.Add(time.Duration(s) * time.Second) }

	stream := []discovery.AdvertisementEvent{
		controlAdvert("AVIO", "192.168.1.20", 4440, at(1)),
		dataAdvert("AVIO", at(1)),
		channelAdvert("AVIO", "01", 1, at(2)),
		channelAdvert("AVIO", "02", 2, at(2)),
		controlAdvert("AVIO", "192.168.1.99", 4441, at(3)),
		goodbye(channelAdvert("AVIO", "02", 2, at(2)), at(4)),
	}

	apply := func(order []int) []DeviceRecord {
		clock := newFakeClock()
		clock.Advance(5 * time.Second)
		r := New(Options{ExpiryWindow: time.Minute, Now: clock.Now})
		for _, i := range order {
			r.Apply(stream[i])
		}
		return r.ListDevices()
	}

	want := apply([]int{0, 1, 2, 3, 4, 5})
	require.Len(t, want, 1)
	assert.Equal(t, "192.168.1.99:4441", want[0].Address.String())
	require.Len(t, want[0].Channels, 1)

	orders := [][]int{
		{5, 4, 3, 2, 1, 0},
		{4, 0, 5, 3, 1, 2},
		{2, 5, 1, 3, 0, 4},
		{1, 3, 5, 0, 2, 4},
	}
	for _, order := range orders {
		assert.Equal(t, want, apply(order), "order %v", order)
	}
}

func TestRegistryExpiry(t *testing.T) {
	r, clock, bus := newTestRegistry(t)

	var mu sync.Mutex
	var lost []events.DeviceLostEvent
	unsub := bus.Subscribe(func(e events.DeviceLostEvent) {
		mu.Lock()
		lost = append(lost, e)
		mu.Unlock()
	})
	defer unsub()

	now := clock.Now()
	for _, id := range []string{"AVIO", "Desk"} {
		r.Apply(controlAdvert(id, "10.0.0.1", 4440, now))
		r.Apply(dataAdvert(id, now))
		r.Apply(channelAdvert(id, "01", 1, now))
	}
	require.Len(t, r.ListDevices(), 2)

	clock.Advance(20 * time.Second)
	r.Apply(controlAdvert("Desk", "10.0.0.1", 4440, clock.Now()))

	clock.Advance(15 * time.Second)
	assert.Equal(t, []string{"Desk"}, r.Names())

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(lost) == 1 && lost[0].Identity == "AVIO" && lost[0].Reason == events.LostExpired
	}, time.Second, 5*time.Millisecond)

	clock.Advance(time.Minute)
	assert.Empty(t, r.ListDevices())
}

func TestRegistryGoodbye(t *testing.T) {
	r, clock, bus := newTestRegistry(t)

	lost := make(chan events.DeviceLostEvent, 4)
	unsub := bus.Subscribe(func(e events.DeviceLostEvent) { lost <- e })
	defer unsub()

	now := clock.Now()
	arc := controlAdvert("AVIO", "10.0.0.1", 4440, now)
	r.Apply(arc)
	r.Apply(dataAdvert("AVIO", now))
	r.Apply(channelAdvert("AVIO", "01", 1, now))
	r.Apply(channelAdvert("AVIO", "02", 2, now))

	clock.Advance(time.Second)
	r.Apply(goodbye(channelAdvert("AVIO", "02", 2, now), clock.Now()))
	dev, ok := r.FindByIdentity("AVIO")
	require.True(t, ok, "losing one channel must not hide the device")
	assert.Len(t, dev.Channels, 1)

	r.Apply(goodbye(arc, clock.Now()))
	assert.Empty(t, r.ListDevices())

	select {
	case e := <-lost:
		assert.Equal(t, "AVIO", e.Identity)
		assert.Equal(t, events.LostGoodbye, e.Reason)
	case <-time.After(time.Second):
		t.Fatal("no DeviceLost event after goodbye")
	}

	clock.Advance(time.Second)
	r.Apply(controlAdvert("AVIO", "10.0.0.1", 4440, clock.Now()))
	_, ok = r.FindByIdentity("AVIO")
	assert.True(t, ok, "device did not return after a fresh advert")
}

func TestRegistryIgnoresStaleEvents(t *testing.T) {
	r, clock, _ := newTestRegistry(t)

	now := clock.Now()
	r.Apply(controlAdvert("AVIO", "10.0.0.2", 4440, now))
	r.Apply(dataAdvert("AVIO", now))
	r.Apply(channelAdvert("AVIO", "01", 1, now))
	r.Apply(controlAdvert("AVIO", "10.0.0.1", 4440, now.Add(-time.Second)))

	dev, ok := r.FindByIdentity("AVIO")
	require.True(t, ok)
	assert.Equal(t, "10.0.0.2:4440", dev.Address.String())
}

func TestRegistryUpdateChannels(t *testing.T) {
	r, clock, _ := newTestRegistry(t)

	assert.False(t, r.UpdateChannels("nobody", nil, protocol.ChannelCounts{}))

	now := clock.Now()
	r.Apply(controlAdvert("RX", "10.0.0.3", 0, now))
	r.Apply(dataAdvert("RX", now))
	assert.Empty(t, r.Names())

	clock.Advance(time.Second)
	ok := r.UpdateChannels("RX", []ChannelRecord{
		{Index: 2, Name: "Right", Direction: protocol.Receive},
		{Index: 1, Name: "Left", Direction: protocol.Receive, TxChannel: "01", TxDevice: "AVIO"},
	}, protocol.ChannelCounts{Rx: 2})
	require.True(t, ok)

	dev, found := r.FindByIdentity("RX")
	require.True(t, found, "queried channels should complete a receive-only device")
	assert.Equal(t, uint16(4440), dev.Address.Port, "port 0 should fall back to the default")
	assert.Equal(t, 2, dev.Capabilities.RxChannels)
	require.Len(t, dev.Channels, 2)
	assert.Equal(t, "Left", dev.Channels[0].Name)

	ch, found := r.FindChannel("RX", protocol.Receive, "Right")
	require.True(t, found)
	assert.Equal(t, uint16(2), ch.Index)

	ch, found = r.FindChannel("RX", protocol.Receive, "1")
	require.True(t, found)
	assert.Equal(t, "AVIO", ch.TxDevice)

	_, found = r.FindChannel("RX", protocol.Transmit, "1")
	assert.False(t, found)
}

func TestRegistryResolvePartialDevice(t *testing.T) {
	r, clock, _ := newTestRegistry(t)

	now := clock.Now()
	r.Apply(dataAdvert("RX", now))
	_, ok := r.Resolve("RX")
	assert.False(t, ok, "no control endpoint announced yet")

	r.Apply(controlAdvert("RX", "10.0.0.3", 4455, now))
	assert.Empty(t, r.Names())
	_, ok = r.FindByIdentity("RX")
	assert.False(t, ok)

	dev, ok := r.Resolve("RX")
	require.True(t, ok, "a device with a control advert should be reachable")
	assert.Equal(t, "10.0.0.3:4455", dev.Address.String())
	assert.Empty(t, dev.Channels)

	require.True(t, r.UpdateChannels("RX", []ChannelRecord{
		{Index: 1, Name: "In", Direction: protocol.Receive},
	}, protocol.ChannelCounts{Rx: 1}))
	full, ok := r.FindByIdentity("RX")
	require.True(t, ok)
	resolved, ok := r.Resolve("RX")
	require.True(t, ok)
	assert.Equal(t, full, resolved)

	_, ok = r.Resolve("nobody")
	assert.False(t, ok)
}

func TestRegistryQueriedTransmitNamesOverrideOlderAdverts(t *testing.T) {
	r, clock, _ := newTestRegistry(t)

	now := clock.Now()
	r.Apply(controlAdvert("AVIO", "10.0.0.1", 4440, now))
	r.Apply(dataAdvert("AVIO", now))
	r.Apply(channelAdvert("AVIO", "01", 1, now))

	clock.Advance(time.Second)
	r.UpdateChannels("AVIO", []ChannelRecord{{Index: 1, Name: "Kick", Direction: protocol.Transmit}}, protocol.ChannelCounts{Tx: 1})
	ch, ok := r.FindChannel("AVIO", protocol.Transmit, "1")
	require.True(t, ok)
	assert.Equal(t, "Kick", ch.Name)

	clock.Advance(time.Second)
	r.Apply(channelAdvert("AVIO", "Snare", 1, clock.Now()))
	_, ok = r.FindChannel("AVIO", protocol.Transmit, "Snare")
	assert.True(t, ok, "newer channel adverts should win over an older query")
}

func TestRegistryAddressChangePublishesUpdate(t *testing.T) {
	r, clock, bus := newTestRegistry(t)

	updated := make(chan events.DeviceUpdatedEvent, 4)
	unsub := bus.Subscribe(func(e events.DeviceUpdatedEvent) { updated <- e })
	defer unsub()

	now := clock.Now()
	r.Apply(controlAdvert("AVIO", "10.0.0.1", 4440, now))
	r.Apply(dataAdvert("AVIO", now))
	r.Apply(channelAdvert("AVIO", "01", 1, now))

	clock.Advance(time.Second)
	r.Apply(controlAdvert("AVIO", "10.0.0.1", 4440, clock.Now()))
	clock.Advance(time.Second)
	r.Apply(controlAdvert("AVIO", "10.0.0.9", 4440, clock.Now()))

	select {
	case e := <-updated:
		assert.Equal(t, "10.0.0.9:4440", e.Address)
	case <-time.After(time.Second):
		t.Fatal("no DeviceUpdated event after address change")
	}
	select {
	case e := <-updated:
		t.Fatalf("unexpected second update: %+v", e)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestRegistrySnapshotsAreCopies(t *testing.T) {
	r, clock, _ := newTestRegistry(t)

	now := clock.Now()
	r.Apply(controlAdvert("AVIO", "10.0.0.1", 4440, now))
	r.Apply(dataAdvert("AVIO", now))
	r.Apply(channelAdvert("AVIO", "01", 1, now))

	dev, _ := r.FindByIdentity("AVIO")
	dev.Channels[0].Name = "mutated"

	again, _ := r.FindByIdentity("AVIO")
	assert.Equal(t, "01", again.Channels[0].Name)
}

func TestRegistryConcurrentReadsAndWrites(t *testing.T) {
	r, clock, _ := newTestRegistry(t)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			at := clock.Now().Add(time.Duration(i) * time.Millisecond)
			r.Apply(controlAdvert("AVIO", "10.0.0.1", uint16(4440+i%2), at))
			r.Apply(dataAdvert("AVIO", at))
			r.Apply(channelAdvert("AVIO", "01", 1, at))
		}
	}()
	for reader := 0; reader < 4; reader++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				for _, dev := range r.ListDevices() {
					if len(dev.Channels) != 1 || dev.Address.IP == nil {
						t.Errorf("torn record: %+v", dev)
						return
					}
				}
			}
		}()
	}
	wg.Wait()
}
