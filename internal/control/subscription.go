package control

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/muurk/netaudio/internal/events"
	"github.com/muurk/netaudio/internal/metrics"
)

// Key identifies a receive channel: at most one source is bound to it.
type Key struct {
	Receiver string `json:"receiver"`
	Channel  uint16 `json:"channel"`
}

// String returns "channel@receiver".
func (k Key) String() string {
	return fmt.Sprintf("%d@%s", k.Channel, k.Receiver)
}

// StateKind is the phase of a subscription.
type StateKind int

const (
	Unbound StateKind = iota
	Pending
	Bound
	Failed
)

// String returns the lower-case state name
func (s StateKind) String() string {
	switch s {
	case Unbound:
		return "unbound"
	case Pending:
		return "pending"
	case Bound:
		return "bound"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// MarshalText encodes the state name.
func (s StateKind) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Reasons recorded on Failed states.
const (
	ReasonDeviceLost     = "device-lost"
	ReasonTimedOut       = "timed-out"
	ReasonRejected       = "rejected"
	ReasonChannel        = "no-such-channel"
	ReasonConnectionLost = "connection-lost"
	ReasonCanceled       = "canceled"
)

// State of one subscription key.
type State struct {
	Kind StateKind `json:"state"`

	// RequestID identifies the in-flight request while Pending
	RequestID uint64 `json:"request_id,omitempty"`

	// Transmitter and TxChannel name the source while Bound, and the
	// requested source while Pending
	Transmitter string `json:"transmitter,omitempty"`
	TxChannel   string `json:"tx_channel,omitempty"`

	// Reason is set while Failed
	Reason string `json:"reason,omitempty"`

	UpdatedAt time.Time `json:"updated_at"`
}

// Subscription pairs a key with its state.
type Subscription struct {
	Key   Key   `json:"key"`
	State State `json:"state"`
}

// subscriptions holds the state machine. Operations on one key are
// serialised by a per-key semaphore; transitions out of Pending only happen
// when the key is still Pending on the same request.
type subscriptions struct {
	bus *events.Bus

	mu     sync.Mutex
	states map[Key]State
	locks  map[Key]chan struct{}
	nextID uint64
}

func newSubscriptions(bus *events.Bus) *subscriptions {
	return &subscriptions{
		bus:    bus,
		states: make(map[Key]State),
		locks:  make(map[Key]chan struct{}),
	}
}

// lock waits for exclusive use of key.
func (s *subscriptions) lock(ctx context.Context, key Key) (func(), error) {
	s.mu.Lock()
	sem, ok := s.locks[key]
	if !ok {
		sem = make(chan struct{}, 1)
		s.locks[key] = sem
	}
	s.mu.Unlock()

	select {
	case sem <- struct{}{}:
		return func() { <-sem }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *subscriptions) get(key Key) State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.states[key]
}

func (s *subscriptions) list() []Subscription {
	s.mu.Lock()
	out := make([]Subscription, 0, len(s.states))
	for k, st := range s.states {
		out = append(out, Subscription{Key: k, State: st})
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Key.Receiver != out[j].Key.Receiver {
			return out[i].Key.Receiver < out[j].Key.Receiver
		}
		return out[i].Key.Channel < out[j].Key.Channel
	})
	return out
}

// begin moves key to Pending and returns the request id.
func (s *subscriptions) begin(key Key, transmitter, txChannel string) uint64 {
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	st := State{Kind: Pending, RequestID: id, Transmitter: transmitter, TxChannel: txChannel, UpdatedAt: time.Now()}
	s.states[key] = st
	s.mu.Unlock()

	s.publish(key, st)
	return id
}

// finish applies next only if key is still Pending(id). It returns the
// state the key is in afterwards and whether next was applied.
func (s *subscriptions) finish(key Key, id uint64, next State) (State, bool) {
	s.mu.Lock()
	cur := s.states[key]
	if cur.Kind != Pending || cur.RequestID != id {
		s.mu.Unlock()
		return cur, false
	}
	next.UpdatedAt = time.Now()
	s.states[key] = next
	s.mu.Unlock()

	s.publish(key, next)
	return next, true
}

// deviceLost fails every Pending or Bound key that involves identity as
// receiver or source.
func (s *subscriptions) deviceLost(identity string) []Key {
	now := time.Now()
	failed := State{Kind: Failed, Reason: ReasonDeviceLost, UpdatedAt: now}

	s.mu.Lock()
	var keys []Key
	for k, st := range s.states {
		if st.Kind != Pending && st.Kind != Bound {
			continue
		}
		if k.Receiver != identity && st.Transmitter != identity {
			continue
		}
		s.states[k] = failed
		keys = append(keys, k)
	}
	s.mu.Unlock()

	for _, k := range keys {
		s.publish(k, failed)
	}
	return keys
}

func (s *subscriptions) publish(key Key, st State) {
	metrics.ObserveSubscription(st.Kind.String())
	if s.bus == nil {
		return
	}
	s.bus.Publish(events.SubscriptionChangedEvent{
		Receiver:    key.Receiver,
		RxChannel:   key.Channel,
		State:       st.Kind.String(),
		Transmitter: st.Transmitter,
		TxChannel:   st.TxChannel,
		Reason:      st.Reason,
		Timestamp:   st.UpdatedAt,
	})
}

// failureReason maps an operation error to a Failed reason.
func failureReason(err error) string {
	switch {
	case IsTimeout(err):
		return ReasonTimedOut
	case IsChannelNotFound(err):
		return ReasonChannel
	case IsConnectionLost(err):
		return ReasonConnectionLost
	case IsDeviceLost(err):
		return ReasonDeviceLost
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return ReasonCanceled
	default:
		return ReasonRejected
	}
}
