package intake

import (
	"log/slog"
	"sync"
	"time"

	"github.com/nextlevelbuilder/chatweave/internal/bus"
)

// FlushFunc receives exactly one batch per flush, events in arrival order.
// It is invoked with the debouncer's lock held so batches reach the
// downstream in the order they were taken; it must not block or call back
// into the Debouncer.
type FlushFunc func(bus.Batch)

// Debouncer accumulates bursts of events per channel and emits batches.
// A flush fires on whichever happens first: the quiet period elapses with no
// new arrivals, or the soft count cap is reached. Beyond the hard cap the
// oldest excess events are dropped — Accept never blocks the caller.
// Safe for concurrent use; flush triggers are deduplicated per channel.
type Debouncer struct {
	quiet   time.Duration
	softCap int
	hardCap int
	flush   FlushFunc

	mu       sync.Mutex
	channels map[string]*channelBuffer
	stopped  bool
}

type channelBuffer struct {
	events  []bus.Event
	dropped int
	timer   *time.Timer
	gen     uint64 // bumped on every append/flush so stale timers no-op
}

// NewDebouncer creates a debouncer. softCap <= 0 disables the count trigger;
// hardCap <= 0 disables the capacity drop.
func NewDebouncer(quiet time.Duration, softCap, hardCap int, flush FlushFunc) *Debouncer {
	return &Debouncer{
		quiet:    quiet,
		softCap:  softCap,
		hardCap:  hardCap,
		flush:    flush,
		channels: make(map[string]*channelBuffer),
	}
}

// Accept appends the event to its channel accumulator and (re)starts the
// quiet-period timer.
func (d *Debouncer) Accept(ev bus.Event) {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}

	buf, ok := d.channels[ev.ChannelID]
	if !ok {
		buf = &channelBuffer{}
		d.channels[ev.ChannelID] = buf
	}

	buf.events = append(buf.events, ev)
	buf.gen++

	// Hard cap: drop oldest excess, keep accepting.
	if d.hardCap > 0 && len(buf.events) > d.hardCap {
		excess := len(buf.events) - d.hardCap
		buf.events = append(buf.events[:0], buf.events[excess:]...)
		buf.dropped += excess
		slog.Warn("intake: capacity exceeded, dropped oldest events",
			"channel", ev.ChannelID, "dropped", excess, "total_dropped", buf.dropped)
	}

	if d.softCap > 0 && len(buf.events) >= d.softCap {
		// Flush under the lock: a timer flush racing this one must not hand
		// a later batch to the sequencer first.
		d.flush(d.takeLocked(ev.ChannelID, buf, bus.FlushSoftCap))
		d.mu.Unlock()
		return
	}

	if buf.timer != nil {
		buf.timer.Stop()
	}
	gen := buf.gen
	buf.timer = time.AfterFunc(d.quiet, func() { d.timerFire(ev.ChannelID, gen) })
	d.mu.Unlock()
}

// timerFire flushes the channel if no event arrived since the timer was set.
func (d *Debouncer) timerFire(channelID string, gen uint64) {
	d.mu.Lock()
	buf, ok := d.channels[channelID]
	if !ok || d.stopped || buf.gen != gen || len(buf.events) == 0 {
		d.mu.Unlock()
		return
	}
	d.flush(d.takeLocked(channelID, buf, bus.FlushQuiet))
	d.mu.Unlock()
}

// takeLocked drains the buffer into a batch. Caller holds d.mu.
func (d *Debouncer) takeLocked(channelID string, buf *channelBuffer, reason bus.FlushReason) bus.Batch {
	events := buf.events
	dropped := buf.dropped
	buf.events = nil
	buf.dropped = 0
	buf.gen++
	if buf.timer != nil {
		buf.timer.Stop()
		buf.timer = nil
	}
	return bus.Batch{
		ChannelID: channelID,
		Events:    events,
		Reason:    reason,
		Dropped:   dropped,
	}
}

// FlushAll drains every channel immediately (shutdown path).
func (d *Debouncer) FlushAll() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for id, buf := range d.channels {
		if len(buf.events) == 0 {
			continue
		}
		d.flush(d.takeLocked(id, buf, bus.FlushManual))
	}
}

// Stop drains pending events and rejects further Accepts.
func (d *Debouncer) Stop() {
	d.FlushAll()
	d.mu.Lock()
	d.stopped = true
	for _, buf := range d.channels {
		if buf.timer != nil {
			buf.timer.Stop()
		}
	}
	d.mu.Unlock()
}
