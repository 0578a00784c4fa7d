package discovery

import (
	"sync"
	"time"
)

// Coalescer forwards only the most recent event per key seen within a
// window. The first event for a key starts the window; later events replace
// it; the survivor is emitted when the window closes.
type Coalescer struct {
	window time.Duration
	emit   func(AdvertisementEvent)

	mu      sync.Mutex
	pending map[string]*pendingEvent
	stopped bool
}

type pendingEvent struct {
	event AdvertisementEvent
	timer *time.Timer
}

// NewCoalescer creates a coalescer. A window of zero or less emits every
// event immediately.
func NewCoalescer(window time.Duration, emit func(AdvertisementEvent)) *Coalescer {
	return &Coalescer{
		window:  window,
		emit:    emit,
		pending: make(map[string]*pendingEvent),
	}
}

// Add submits an event. It never blocks on emit.
func (c *Coalescer) Add(ev AdvertisementEvent) {
	if c.window <= 0 {
		c.emit(ev)
		return
	}

	key := ev.Key()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return
	}
	if p, ok := c.pending[key]; ok {
		p.event = ev
		return
	}
	p := &pendingEvent{event: ev}
	p.timer = time.AfterFunc(c.window, func() { c.fire(key) })
	c.pending[key] = p
}

func (c *Coalescer) fire(key string) {
	c.mu.Lock()
	p, ok := c.pending[key]
	if ok {
		delete(c.pending, key)
	}
	stopped := c.stopped
	c.mu.Unlock()

	if ok && !stopped {
		c.emit(p.event)
	}
}

// Pending returns the number of keys waiting for their window to close.
func (c *Coalescer) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Stop discards pending events and stops their timers.
func (c *Coalescer) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopped = true
	for key, p := range c.pending {
		p.timer.Stop()
		delete(c.pending, key)
	}
}
