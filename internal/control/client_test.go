package control

import (
	"context"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/muurk/netaudio/internal/control/devicetest"
	"github.com/muurk/netaudio/internal/discovery"
	"github.com/muurk/netaudio/internal/events"
	"github.com/muurk/netaudio/internal/protocol"
	"github.com/muurk/netaudio/internal/registry"
)

type harness struct {
	t      *testing.T
	bus    *events.Bus
	reg    *registry.Registry
	client *Client
	dials  atomic.Int32

	mu  sync.Mutex
	now time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{t: t, bus: events.New(), now: time.Now()}
	h.reg = registry.New(registry.Options{
		ExpiryWindow: 30 * time.Second,
		Bus:          h.bus,
		Now:          h.clock,
	})
	dialer := &net.Dialer{}
	h.client = NewClient(h.reg, Options{
		RequestTimeout: 100 * time.Millisecond,
		Bus:            h.bus,
		Dial: func(ctx context.Context, network, address string) (net.Conn, error) {
			h.dials.Add(1)
			return dialer.DialContext(ctx, network, address)
		},
	})
	t.Cleanup(func() {
		h.client.Close()
		h.bus.Close()
	})
	return h
}

func (h *harness) clock() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.now
}

func (h *harness) advance(d time.Duration) {
	h.mu.Lock()
	h.now = h.now.Add(d)
	h.mu.Unlock()
}

func (h *harness) device(name string, tx, rx int) *devicetest.Device {
	h.t.Helper()
	d, err := devicetest.New(name, tx, rx)
	require.NoError(h.t, err)
	h.t.Cleanup(func() { d.Close() })
	h.announce(d)
	return d
}

func (h *harness) announce(d *devicetest.Device) {
	for _, ev := range d.Adverts(h.clock()) {
		h.reg.Apply(ev)
	}
}

func TestQueryChannelsPagesBothDirections(t *testing.T) {
	h := newHarness(t)
	dev := h.device("Stage", 40, 20)

	channels, err := h.client.QueryChannels(context.Background(), "Stage")
	require.NoError(t, err)
	require.Len(t, channels, 60)
	assert.Equal(t, 2, dev.Requests(protocol.OpTxChannelNames))
	assert.Equal(t, 2, dev.Requests(protocol.OpRxChannelNames))

	rec, ok := h.reg.FindByIdentity("Stage")
	require.True(t, ok)
	assert.Equal(t, 40, rec.Capabilities.TxChannels)
	assert.Equal(t, 20, rec.Capabilities.RxChannels)
	assert.Len(t, rec.ChannelsFor(protocol.Receive), 20)

	ch, ok := h.reg.FindChannel("Stage", protocol.Receive, "20")
	require.True(t, ok)
	assert.Equal(t, uint16(20), ch.Index)
}

func TestQueryChannelsStopsAtReportedCount(t *testing.T) {
	h := newHarness(t)
	dev := h.device("Big", 1, 0)

	// Every page comes back full, so only the reported count ends paging.
	dev.SetHook(func(req *protocol.Message) ([]*protocol.Message, bool) {
		switch req.Opcode {
		case protocol.OpChannelCount:
			return []*protocol.Message{protocol.BuildChannelCountResponse(req, protocol.ChannelCounts{Tx: 0xFFFF})}, true
		case protocol.OpTxChannelNames:
			start, err := protocol.QueryStart(req)
			if err != nil {
				return nil, false
			}
			entries := make([]protocol.ChannelEntry, protocol.TxNamesPageSize)
			for i := range entries {
				n := int(start) + i
				entries[i] = protocol.ChannelEntry{Number: uint16(n), Name: "c" + strconv.Itoa(n)}
			}
			return []*protocol.Message{protocol.BuildChannelNamesResponse(req, entries)}, true
		}
		return nil, false
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	channels, err := h.client.QueryChannels(ctx, "Big")
	require.NoError(t, err)

	pages := (0xFFFF + protocol.TxNamesPageSize - 1) / protocol.TxNamesPageSize
	assert.Equal(t, pages, dev.Requests(protocol.OpTxChannelNames))
	assert.Len(t, channels, pages*protocol.TxNamesPageSize)
}

func TestMakeAndClearSubscription(t *testing.T) {
	h := newHarness(t)
	rx := h.device("RX", 1, 4)
	h.device("TX", 2, 0)

	changes := make(chan events.SubscriptionChangedEvent, 16)
	unsub := h.bus.Subscribe(func(e events.SubscriptionChangedEvent) { changes <- e })
	defer unsub()

	ctx := context.Background()
	require.NoError(t, h.client.MakeSubscription(ctx, "RX", 2, "TX", "01"))

	key := Key{Receiver: "RX", Channel: 2}
	st := h.client.Subscription(key)
	assert.Equal(t, Bound, st.Kind)
	assert.Equal(t, "TX", st.Transmitter)
	assert.Equal(t, "01", st.TxChannel)

	txCh, txDev, ok := rx.Source(2)
	require.True(t, ok)
	assert.Equal(t, "01", txCh)
	assert.Equal(t, "TX", txDev)

	require.NoError(t, h.client.ClearSubscription(ctx, "RX", 2))
	assert.Equal(t, Unbound, h.client.Subscription(key).Kind)
	_, _, ok = rx.Source(2)
	assert.False(t, ok)

	var states []string
	require.Eventually(t, func() bool {
		for {
			select {
			case e := <-changes:
				states = append(states, e.State)
			default:
				return len(states) == 4
			}
		}
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"pending", "bound", "pending", "unbound"}, states)
}

func TestClearNeverSubscribedIsNoop(t *testing.T) {
	h := newHarness(t)
	rx := h.device("RX", 1, 2)

	require.NoError(t, h.client.ClearSubscription(context.Background(), "RX", 1))
	assert.Equal(t, 0, rx.Requests(protocol.OpSubscribe))
	assert.Equal(t, Unbound, h.client.Subscription(Key{Receiver: "RX", Channel: 1}).Kind)

	// Unknown devices are fine too: nothing is sent.
	require.NoError(t, h.client.ClearSubscription(context.Background(), "ghost", 1))
}

func TestSubscriptionSupersedes(t *testing.T) {
	h := newHarness(t)
	rx := h.device("RX", 1, 2)
	h.device("A", 1, 0)
	h.device("B", 1, 0)

	ctx := context.Background()
	require.NoError(t, h.client.MakeSubscription(ctx, "RX", 1, "A", "01"))
	require.NoError(t, h.client.MakeSubscription(ctx, "RX", 1, "B", "1"))

	st := h.client.Subscription(Key{Receiver: "RX", Channel: 1})
	assert.Equal(t, Bound, st.Kind)
	assert.Equal(t, "B", st.Transmitter)
	_, txDev, _ := rx.Source(1)
	assert.Equal(t, "B", txDev)
	assert.Len(t, h.client.Subscriptions(), 1)
}

func TestMakeSubscriptionDeviceNotFound(t *testing.T) {
	h := newHarness(t)
	h.device("RX", 1, 2)

	err := h.client.MakeSubscription(context.Background(), "RX", 1, "ghost", "01")
	assert.True(t, IsDeviceNotFound(err), "got %v", err)

	err = h.client.MakeSubscription(context.Background(), "ghost", 1, "RX", "01")
	assert.ErrorIs(t, err, ErrDeviceNotFound)

	assert.Equal(t, Unbound, h.client.Subscription(Key{Receiver: "RX", Channel: 1}).Kind)
}

func TestMakeSubscriptionUnknownTransmitChannel(t *testing.T) {
	h := newHarness(t)
	h.device("RX", 1, 2)
	tx := h.device("TX", 2, 0)

	err := h.client.MakeSubscription(context.Background(), "RX", 1, "TX", "Bass")
	assert.True(t, IsChannelNotFound(err), "got %v", err)
	assert.Equal(t, 1, tx.Requests(protocol.OpChannelCount), "an unknown channel should trigger one query")
}

func TestMakeSubscriptionRejectedChannel(t *testing.T) {
	h := newHarness(t)
	rx := h.device("RX", 1, 2)
	h.device("TX", 1, 0)

	err := h.client.MakeSubscription(context.Background(), "RX", 9, "TX", "01")
	require.Error(t, err)
	assert.True(t, IsChannelNotFound(err), "got %v", err)
	assert.Equal(t, 1, rx.Requests(protocol.OpSubscribe), "rejections are not retried")

	st := h.client.Subscription(Key{Receiver: "RX", Channel: 9})
	assert.Equal(t, Failed, st.Kind)
	assert.Equal(t, ReasonChannel, st.Reason)
}

func TestMakeSubscriptionRetriesOnceOnTimeout(t *testing.T) {
	h := newHarness(t)
	rx := h.device("RX", 1, 2)
	h.device("TX", 1, 0)

	var dropped atomic.Int32
	rx.SetHook(func(req *protocol.Message) ([]*protocol.Message, bool) {
		if req.Opcode == protocol.OpSubscribe && dropped.Add(1) == 1 {
			return nil, true
		}
		return nil, false
	})

	require.NoError(t, h.client.MakeSubscription(context.Background(), "RX", 1, "TX", "01"))
	assert.Equal(t, 2, rx.Requests(protocol.OpSubscribe))
	assert.Equal(t, Bound, h.client.Subscription(Key{Receiver: "RX", Channel: 1}).Kind)
}

func TestMakeSubscriptionTimesOut(t *testing.T) {
	h := newHarness(t)
	rx := h.device("RX", 1, 2)
	h.device("TX", 1, 0)

	rx.SetHook(func(req *protocol.Message) ([]*protocol.Message, bool) {
		return nil, req.Opcode == protocol.OpSubscribe
	})

	err := h.client.MakeSubscription(context.Background(), "RX", 1, "TX", "01")
	assert.True(t, IsTimeout(err), "got %v", err)
	assert.Equal(t, 2, rx.Requests(protocol.OpSubscribe), "exactly one retry")

	st := h.client.Subscription(Key{Receiver: "RX", Channel: 1})
	assert.Equal(t, Failed, st.Kind)
	assert.Equal(t, ReasonTimedOut, st.Reason)
}

func TestTransmitterLostFailsBoundSubscription(t *testing.T) {
	h := newHarness(t)
	rx := h.device("R", 1, 2)
	h.device("T", 1, 0)

	require.NoError(t, h.client.MakeSubscription(context.Background(), "R", 2, "T", "1"))
	key := Key{Receiver: "R", Channel: 2}
	assert.Equal(t, Bound, h.client.Subscription(key).Kind)

	// R keeps announcing; T goes silent for longer than the expiry window.
	for i := 0; i < 4; i++ {
		h.advance(10 * time.Second)
		h.announce(rx)
	}
	assert.NotContains(t, h.reg.Names(), "T")

	require.Eventually(t, func() bool {
		st := h.client.Subscription(key)
		return st.Kind == Failed && st.Reason == ReasonDeviceLost
	}, 2*time.Second, 5*time.Millisecond)
}

func TestReceiverLostClosesConnection(t *testing.T) {
	h := newHarness(t)
	rx := h.device("R", 1, 2)
	h.device("T", 1, 0)

	require.NoError(t, h.client.MakeSubscription(context.Background(), "R", 1, "T", "1"))

	h.reg.Apply(goodbyeOf(rx.Adverts(h.clock())[0], h.clock().Add(time.Second)))

	require.Eventually(t, func() bool {
		h.client.mu.Lock()
		defer h.client.mu.Unlock()
		_, open := h.client.conns["R"]
		return !open && h.client.Subscription(Key{Receiver: "R", Channel: 1}).Kind == Failed
	}, 2*time.Second, 5*time.Millisecond)
}

func TestReceiveOnlyDeviceCanBeSubscribed(t *testing.T) {
	h := newHarness(t)
	rx := h.device("RX", 0, 2)
	h.device("T", 1, 0)
	require.Equal(t, []string{"T"}, h.reg.Names(), "RX has no channel adverts")

	ctx := context.Background()
	require.NoError(t, h.client.MakeSubscription(ctx, "RX", 1, "T", "1"))
	assert.Equal(t, Bound, h.client.Subscription(Key{Receiver: "RX", Channel: 1}).Kind)

	txCh, txDev, ok := rx.Source(1)
	require.True(t, ok)
	assert.Equal(t, "01", txCh)
	assert.Equal(t, "T", txDev)

	channels, err := h.client.QueryChannels(ctx, "RX")
	require.NoError(t, err)
	assert.Len(t, channels, 2)

	rec, ok := h.reg.FindByIdentity("RX")
	require.True(t, ok, "a channel query should complete a receive-only device")
	ch, ok := rec.Channel(protocol.Receive, 1)
	require.True(t, ok)
	assert.Equal(t, "T", ch.TxDevice)

	require.NoError(t, h.client.ClearSubscription(ctx, "RX", 1))
	assert.Equal(t, Unbound, h.client.Subscription(Key{Receiver: "RX", Channel: 1}).Kind)
}

func TestLateDeviceLostIgnoredAfterReannounce(t *testing.T) {
	h := newHarness(t)
	h.device("R", 1, 2)
	h.device("T", 1, 0)

	require.NoError(t, h.client.MakeSubscription(context.Background(), "R", 1, "T", "1"))

	// Both devices are in the registry again when the queued loss arrives.
	h.client.handleDeviceLost(events.DeviceLostEvent{Identity: "T", Reason: events.LostExpired, Timestamp: h.clock()})
	h.client.handleDeviceLost(events.DeviceLostEvent{Identity: "R", Reason: events.LostGoodbye, Timestamp: h.clock()})

	assert.Equal(t, Bound, h.client.Subscription(Key{Receiver: "R", Channel: 1}).Kind)
	h.client.mu.Lock()
	_, open := h.client.conns["R"]
	h.client.mu.Unlock()
	assert.True(t, open, "connection to a present receiver should stay open")

	h.client.handleDeviceLost(events.DeviceLostEvent{Identity: "Gone", Reason: events.LostExpired, Timestamp: h.clock()})
	assert.Equal(t, Bound, h.client.Subscription(Key{Receiver: "R", Channel: 1}).Kind)
}

func goodbyeOf(ev discovery.AdvertisementEvent, at time.Time) discovery.AdvertisementEvent {
	ev.Record.TTL = 0
	ev.ObservedAt = at
	return ev
}

func TestConcurrentFirstUseDialsOnce(t *testing.T) {
	h := newHarness(t)
	h.device("Stage", 4, 4)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.client.QueryChannels(context.Background(), "Stage")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), h.dials.Load())
}

func TestRedialsWhenAddressChanges(t *testing.T) {
	h := newHarness(t)
	first := h.device("Stage", 1, 1)
	second, err := devicetest.New("Stage", 1, 1)
	require.NoError(t, err)
	defer second.Close()

	_, err = h.client.QueryChannels(context.Background(), "Stage")
	require.NoError(t, err)
	assert.Equal(t, 1, first.Requests(protocol.OpChannelCount))

	h.advance(time.Second)
	h.reg.Apply(second.Adverts(h.clock())[0])

	_, err = h.client.QueryChannels(context.Background(), "Stage")
	require.NoError(t, err)
	assert.Equal(t, 1, second.Requests(protocol.OpChannelCount))
	assert.Equal(t, int32(2), h.dials.Load())
}

func TestLegacyFirmwareDialect(t *testing.T) {
	h := newHarness(t)
	rx, err := devicetest.New("Old", 1, 2)
	require.NoError(t, err)
	defer rx.Close()
	rx.SetFirmware(protocol.Firmware4_2_1_3)
	h.announce(rx)
	h.device("TX", 1, 0)

	require.NoError(t, h.client.MakeSubscription(context.Background(), "Old", 1, "TX", "01"))
	assert.Equal(t, 1, rx.Requests(protocol.OpSubscribeLegacy))
	assert.Equal(t, 0, rx.Requests(protocol.OpSubscribe))
}

func TestNotificationsReachTheBus(t *testing.T) {
	h := newHarness(t)
	dev := h.device("Stage", 1, 1)

	got := make(chan events.NotificationEvent, 1)
	unsub := h.bus.Subscribe(func(e events.NotificationEvent) { got <- e })
	defer unsub()

	_, err := h.client.QueryChannels(context.Background(), "Stage")
	require.NoError(t, err)
	require.NoError(t, dev.Notify(protocol.ChangeChannelNames))

	select {
	case e := <-got:
		assert.Equal(t, "Stage", e.Identity)
		assert.Equal(t, "channel-names", e.Change)
	case <-time.After(2 * time.Second):
		t.Fatal("notification not published")
	}
}

func TestReceiveChannelByName(t *testing.T) {
	h := newHarness(t)
	h.device("RX", 1, 3)

	idx, err := h.client.ReceiveChannel(context.Background(), "RX", "03")
	require.NoError(t, err)
	assert.Equal(t, uint16(3), idx)

	_, err = h.client.ReceiveChannel(context.Background(), "RX", "Left")
	assert.True(t, IsChannelNotFound(err))
}
