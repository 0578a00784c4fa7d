package registry

import (
	"reflect"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/muurk/netaudio/internal/discovery"
	"github.com/muurk/netaudio/internal/events"
	"github.com/muurk/netaudio/internal/logging"
	"github.com/muurk/netaudio/internal/metrics"
	"github.com/muurk/netaudio/internal/protocol"
)

// DefaultExpiryWindow is used when Options.ExpiryWindow is zero: three times
// the default discovery refresh interval.
const DefaultExpiryWindow = 3 * discovery.DefaultRefreshInterval

// Options configures a Registry. Zero values select defaults.
type Options struct {
	ExpiryWindow time.Duration

	// DefaultPort replaces a control port advertised as 0
	DefaultPort uint16

	// Bus receives DeviceAdded, DeviceUpdated and DeviceLost events
	Bus *events.Bus

	// DisplayName maps an identity to a display name; defaults to the identity
	DisplayName func(identity string) string

	// Firmware overrides the dialect derived from router_vers
	Firmware func(identity string) (protocol.Firmware, bool)

	// Now is the registry clock
	Now func() time.Time
}

// entry is the registry's private state for one identity. Complete entries
// are published; partial ones are held back.
type entry struct {
	identity string

	// live sub-records keyed by AdvertisementEvent.Key
	subs map[string]discovery.AdvertisementEvent

	// newest observation per key, goodbyes included
	latest map[string]time.Time

	queried   []ChannelRecord
	counts    *protocol.ChannelCounts
	queriedAt time.Time

	visible bool
	record  DeviceRecord
}

func (e *entry) lastSeen() time.Time {
	last := e.queriedAt
	for _, t := range e.latest {
		if t.After(last) {
			last = t
		}
	}
	return last
}

type snapshot struct {
	devices map[string]DeviceRecord
	ids     []string

	// partial entries that have announced a control endpoint
	reachable map[string]DeviceRecord

	oldest  time.Time // earliest entry lastSeen, zero when there are no entries
}

// Registry is the in-memory map of known devices. Writes are serialised by
// one mutex; reads load an immutable snapshot and never observe a record
// mid-update.
type Registry struct {
	opts Options
	log  *zap.Logger

	mu      sync.Mutex
	entries map[string]*entry

	snap atomic.Pointer[snapshot]
}

// New creates an empty registry.
func New(opts Options) *Registry {
	if opts.ExpiryWindow <= 0 {
		opts.ExpiryWindow = DefaultExpiryWindow
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.DisplayName == nil {
		opts.DisplayName = func(identity string) string { return identity }
	}
	r := &Registry{
		opts:    opts,
		log:     logging.Named("registry"),
		entries: make(map[string]*entry),
	}
	r.snap.Store(&snapshot{devices: map[string]DeviceRecord{}, reachable: map[string]DeviceRecord{}})
	return r
}

// ExpiryWindow returns how long a silent device is kept.
func (r *Registry) ExpiryWindow() time.Duration {
	return r.opts.ExpiryWindow
}

// Apply folds one advertisement into the registry. An event older than the
// newest one already applied for the same key is ignored, so events may
// arrive in any order.
func (r *Registry) Apply(ev discovery.AdvertisementEvent) {
	if ev.Identity == "" || ev.Service == protocol.ServiceUnknown {
		return
	}

	r.mu.Lock()
	e, ok := r.entries[ev.Identity]
	if !ok {
		e = &entry{
			identity: ev.Identity,
			subs:     make(map[string]discovery.AdvertisementEvent),
			latest:   make(map[string]time.Time),
		}
		r.entries[ev.Identity] = e
	}

	key := ev.Key()
	if prev, seen := e.latest[key]; seen && ev.ObservedAt.Before(prev) {
		r.mu.Unlock()
		r.log.Debug("Ignoring stale advertisement", zap.String("event", ev.String()))
		return
	}
	e.latest[key] = ev.ObservedAt

	if ev.Goodbye() {
		delete(e.subs, key)
	} else {
		e.subs[key] = ev
	}

	pending := r.refresh(e, events.LostGoodbye)
	r.publish()
	r.mu.Unlock()

	r.emit(pending)
}

// UpdateChannels records the result of a channel query. Queried channels
// count as the channel sub-record, so a device without transmit channels can
// still become complete. It returns false for an unknown identity.
func (r *Registry) UpdateChannels(identity string, channels []ChannelRecord, counts protocol.ChannelCounts) bool {
	r.mu.Lock()
	e, ok := r.entries[identity]
	if !ok {
		r.mu.Unlock()
		return false
	}
	e.queried = append([]ChannelRecord(nil), channels...)
	sortChannels(e.queried)
	e.counts = &counts
	e.queriedAt = r.opts.Now()

	pending := r.refresh(e, events.LostGoodbye)
	r.publish()
	r.mu.Unlock()

	r.emit(pending)
	return true
}

// Sweep evicts every identity silent for longer than the expiry window.
// Reads call it automatically when the oldest entry is due.
func (r *Registry) Sweep() {
	now := r.opts.Now()

	r.mu.Lock()
	var pending []events.Event
	for id, e := range r.entries {
		if now.Sub(e.lastSeen()) <= r.opts.ExpiryWindow {
			continue
		}
		if e.visible {
			pending = append(pending, r.lost(e, events.LostExpired))
		}
		delete(r.entries, id)
	}
	r.publish()
	r.mu.Unlock()

	r.emit(pending)
}

// ListDevices returns every complete device ordered by identity.
func (r *Registry) ListDevices() []DeviceRecord {
	s := r.current()
	out := make([]DeviceRecord, 0, len(s.ids))
	for _, id := range s.ids {
		out = append(out, s.devices[id].clone())
	}
	return out
}

// Names returns the identities of every complete device, sorted.
func (r *Registry) Names() []string {
	return append([]string(nil), r.current().ids...)
}

// FindByIdentity returns a complete device.
func (r *Registry) FindByIdentity(identity string) (DeviceRecord, bool) {
	rec, ok := r.current().devices[identity]
	if !ok {
		return DeviceRecord{}, false
	}
	return rec.clone(), true
}

// Resolve returns a complete device like FindByIdentity or, failing that, a
// partial record for an identity whose control service has been announced.
// The partial record carries the control address and firmware but may lack
// channels; a channel query on it can complete a device that never
// advertises transmit channels.
func (r *Registry) Resolve(identity string) (DeviceRecord, bool) {
	s := r.current()
	if rec, ok := s.devices[identity]; ok {
		return rec.clone(), true
	}
	if rec, ok := s.reachable[identity]; ok {
		return rec.clone(), true
	}
	return DeviceRecord{}, false
}

// FindChannel looks a channel up by exact name, then by decimal index.
func (r *Registry) FindChannel(identity string, dir protocol.Direction, ref string) (ChannelRecord, bool) {
	rec, ok := r.current().devices[identity]
	if !ok {
		return ChannelRecord{}, false
	}
	for _, ch := range rec.Channels {
		if ch.Direction == dir && ch.Name == ref {
			return ch, true
		}
	}
	if n, err := strconv.ParseUint(ref, 10, 16); err == nil {
		return rec.Channel(dir, uint16(n))
	}
	return ChannelRecord{}, false
}

func (r *Registry) current() *snapshot {
	s := r.snap.Load()
	if !s.oldest.IsZero() && r.opts.Now().Sub(s.oldest) > r.opts.ExpiryWindow {
		r.Sweep()
		s = r.snap.Load()
	}
	return s
}

func hasControl(e *entry) bool {
	for _, ev := range e.subs {
		if ev.Service == protocol.ServiceControl {
			return true
		}
	}
	return false
}

func complete(e *entry) bool {
	var control, channel, data bool
	for _, ev := range e.subs {
		switch ev.Service {
		case protocol.ServiceControl:
			control = true
		case protocol.ServiceChannel:
			channel = true
		case protocol.ServiceData:
			data = true
		}
	}
	return control && data && (channel || !e.queriedAt.IsZero())
}

// refresh rebuilds e's record and returns the events its visibility change
// produced. Must be called with mu held.
func (r *Registry) refresh(e *entry, lostReason string) []events.Event {
	now := r.opts.Now()
	if !complete(e) {
		if e.visible {
			return []events.Event{r.lost(e, lostReason)}
		}
		return nil
	}

	rec := r.build(e)
	switch {
	case !e.visible:
		e.visible, e.record = true, rec
		r.log.Info("Device added", zap.String("identity", e.identity), zap.Stringer("address", rec.Address))
		return []events.Event{events.DeviceAddedEvent{Identity: e.identity, Address: rec.Address.String(), Timestamp: now}}
	case changed(e.record, rec):
		e.record = rec
		r.log.Debug("Device updated", zap.String("identity", e.identity), zap.Stringer("address", rec.Address))
		return []events.Event{events.DeviceUpdatedEvent{Identity: e.identity, Address: rec.Address.String(), Timestamp: now}}
	default:
		e.record = rec
		return nil
	}
}

func (r *Registry) lost(e *entry, reason string) events.Event {
	e.visible = false
	e.record = DeviceRecord{}
	metrics.ObserveDeviceLost(reason)
	r.log.Info("Device lost", zap.String("identity", e.identity), zap.String("reason", reason))
	return events.DeviceLostEvent{Identity: e.identity, Reason: reason, Timestamp: r.opts.Now()}
}

// build assembles the public record from the live sub-records.
func (r *Registry) build(e *entry) DeviceRecord {
	rec := DeviceRecord{
		Identity:    e.identity,
		DisplayName: r.opts.DisplayName(e.identity),
		LastSeen:    e.queriedAt,
	}
	caps := &rec.Capabilities

	var chans []discovery.AdvertisementEvent
	for _, ev := range e.subs {
		if ev.ObservedAt.After(rec.LastSeen) {
			rec.LastSeen = ev.ObservedAt
		}
		switch ev.Service {
		case protocol.ServiceControl:
			rec.Address = Address{IP: ev.IP(), Port: ev.Record.Port}
			caps.RouterVersion = ev.Fields["router_vers"]
			caps.RouterInfo = ev.Fields["router_info"]
		case protocol.ServiceData:
			caps.Manufacturer = ev.Fields["mf"]
			caps.Model = ev.Fields["model"]
		case protocol.ServiceChannel:
			chans = append(chans, ev)
		}
	}
	if rec.Address.Port == 0 {
		rec.Address.Port = r.opts.DefaultPort
	}

	var newestChan time.Time
	advertised := make([]ChannelRecord, 0, len(chans))
	for _, ev := range chans {
		if ev.ObservedAt.After(newestChan) {
			newestChan = ev.ObservedAt
		}
		advertised = append(advertised, ChannelRecord{
			Index:     ev.Record.ChannelID,
			Name:      ev.Record.Channel,
			Direction: protocol.Transmit,
		})
	}
	sortChannels(advertised)
	sort.Slice(chans, func(i, j int) bool {
		return chans[i].Record.ChannelID < chans[j].Record.ChannelID ||
			(chans[i].Record.ChannelID == chans[j].Record.ChannelID && chans[i].Record.Channel < chans[j].Record.Channel)
	})
	for _, ev := range chans {
		if caps.SampleRate == 0 {
			caps.SampleRate, _ = strconv.Atoi(ev.Fields["rate"])
		}
		if caps.Encoding == 0 {
			caps.Encoding, _ = strconv.Atoi(ev.Fields["en"])
		}
		if caps.LatencyNS == 0 {
			caps.LatencyNS, _ = strconv.ParseInt(ev.Fields["latency_ns"], 10, 64)
		}
	}

	// A channel query newer than every channel advert is authoritative for
	// transmit channels; receive channels are only known from queries.
	tx := advertised
	var rx []ChannelRecord
	for _, ch := range e.queried {
		if ch.Direction == protocol.Receive {
			rx = append(rx, ch)
		}
	}
	if !e.queriedAt.IsZero() && !e.queriedAt.Before(newestChan) {
		tx = tx[:0:0]
		for _, ch := range e.queried {
			if ch.Direction == protocol.Transmit {
				tx = append(tx, ch)
			}
		}
	}
	rec.Channels = append(tx, rx...)

	if e.counts != nil {
		caps.TxChannels, caps.RxChannels = int(e.counts.Tx), int(e.counts.Rx)
	} else {
		caps.TxChannels, caps.RxChannels = len(tx), len(rx)
	}

	caps.Firmware, _ = protocol.ParseFirmware(caps.RouterVersion)
	if r.opts.Firmware != nil {
		if fw, ok := r.opts.Firmware(e.identity); ok {
			caps.Firmware = fw
		}
	}
	return rec
}

// changed ignores LastSeen so refreshes do not count as updates.
func changed(a, b DeviceRecord) bool {
	a.LastSeen, b.LastSeen = time.Time{}, time.Time{}
	return !reflect.DeepEqual(a, b)
}

func sortChannels(chs []ChannelRecord) {
	sort.SliceStable(chs, func(i, j int) bool {
		if chs[i].Direction != chs[j].Direction {
			return chs[i].Direction < chs[j].Direction
		}
		if chs[i].Index != chs[j].Index {
			return chs[i].Index < chs[j].Index
		}
		return chs[i].Name < chs[j].Name
	})
}

// publish swaps in a new snapshot. Must be called with mu held.
func (r *Registry) publish() {
	s := &snapshot{
		devices:   make(map[string]DeviceRecord, len(r.entries)),
		reachable: make(map[string]DeviceRecord),
	}
	for id, e := range r.entries {
		if last := e.lastSeen(); s.oldest.IsZero() || last.Before(s.oldest) {
			s.oldest = last
		}
		switch {
		case e.visible:
			s.devices[id] = e.record
			s.ids = append(s.ids, id)
		case hasControl(e):
			s.reachable[id] = r.build(e)
		}
	}
	sort.Strings(s.ids)
	r.snap.Store(s)
	metrics.SetDevices(len(s.ids))
}

func (r *Registry) emit(pending []events.Event) {
	if r.opts.Bus == nil {
		return
	}
	for _, ev := range pending {
		r.opts.Bus.Publish(ev)
	}
}
