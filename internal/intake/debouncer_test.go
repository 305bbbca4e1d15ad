package intake

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/chatweave/internal/bus"
)

type collector struct {
	mu      sync.Mutex
	batches []bus.Batch
}

func (c *collector) flush(b bus.Batch) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.batches = append(c.batches, b)
}

func (c *collector) all() []bus.Batch {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]bus.Batch, len(c.batches))
	copy(out, c.batches)
	return out
}

func ev(channel, id string) bus.Event {
	return bus.Event{ID: id, ChannelID: channel, SenderID: "u1", Text: id, Timestamp: time.Now()}
}

func TestQuietPeriodFlush(t *testing.T) {
	c := &collector{}
	d := NewDebouncer(30*time.Millisecond, 0, 0, c.flush)

	d.Accept(ev("ch", "a"))
	d.Accept(ev("ch", "b"))

	time.Sleep(100 * time.Millisecond)

	batches := c.all()
	if len(batches) != 1 {
		t.Fatalf("got %d batches, want 1", len(batches))
	}
	if batches[0].Reason != bus.FlushQuiet {
		t.Errorf("reason = %q, want quiet", batches[0].Reason)
	}
	if len(batches[0].Events) != 2 || batches[0].Events[0].ID != "a" || batches[0].Events[1].ID != "b" {
		t.Errorf("events out of order: %+v", batches[0].Events)
	}
}

func TestSoftCapFlushesImmediately(t *testing.T) {
	c := &collector{}
	d := NewDebouncer(time.Hour, 3, 0, c.flush)

	for i := 0; i < 3; i++ {
		d.Accept(ev("ch", fmt.Sprintf("m%d", i)))
	}

	batches := c.all()
	if len(batches) != 1 {
		t.Fatalf("got %d batches, want 1", len(batches))
	}
	if batches[0].Reason != bus.FlushSoftCap {
		t.Errorf("reason = %q, want soft_cap", batches[0].Reason)
	}
	if len(batches[0].Events) != 3 {
		t.Errorf("got %d events, want 3", len(batches[0].Events))
	}
}

func TestHardCapDropsOldest(t *testing.T) {
	c := &collector{}
	d := NewDebouncer(time.Hour, 0, 5, c.flush)

	for i := 0; i < 8; i++ {
		d.Accept(ev("ch", fmt.Sprintf("m%d", i)))
	}
	d.FlushAll()

	batches := c.all()
	if len(batches) != 1 {
		t.Fatalf("got %d batches, want 1", len(batches))
	}
	b := batches[0]
	if b.Dropped != 3 {
		t.Errorf("dropped = %d, want 3", b.Dropped)
	}
	if len(b.Events) != 5 {
		t.Fatalf("got %d events, want 5", len(b.Events))
	}
	// Oldest excess dropped: m3..m7 survive.
	if b.Events[0].ID != "m3" || b.Events[4].ID != "m7" {
		t.Errorf("wrong survivors: first=%s last=%s", b.Events[0].ID, b.Events[4].ID)
	}
}

// Concatenation of all flushed batches equals the input sequence minus
// capacity drops, order preserved.
func TestOrderPreservedAcrossFlushes(t *testing.T) {
	c := &collector{}
	d := NewDebouncer(time.Hour, 4, 0, c.flush)

	const n = 10
	for i := 0; i < n; i++ {
		d.Accept(ev("ch", fmt.Sprintf("m%d", i)))
	}
	d.FlushAll()

	var got []string
	for _, b := range c.all() {
		for _, e := range b.Events {
			got = append(got, e.ID)
		}
	}
	if len(got) != n {
		t.Fatalf("got %d events, want %d", len(got), n)
	}
	for i, id := range got {
		if id != fmt.Sprintf("m%d", i) {
			t.Fatalf("position %d = %s, order broken", i, id)
		}
	}
}

// Soft-cap flushes on the caller goroutine race quiet-timer flushes on the
// timer goroutine; hand-off to the sequencer must still follow take order.
func TestMixedTriggersKeepHandOffOrder(t *testing.T) {
	c := &collector{}
	d := NewDebouncer(time.Millisecond, 3, 0, c.flush)

	const n = 300
	for i := 0; i < n; i++ {
		d.Accept(ev("ch", fmt.Sprintf("m%d", i)))
		if i%7 == 0 {
			// Let quiet timers fire between soft-cap flushes.
			time.Sleep(2 * time.Millisecond)
		}
	}
	d.Stop()

	var got []string
	for _, b := range c.all() {
		for _, e := range b.Events {
			got = append(got, e.ID)
		}
	}
	if len(got) != n {
		t.Fatalf("got %d events, want %d", len(got), n)
	}
	for i, id := range got {
		if id != fmt.Sprintf("m%d", i) {
			t.Fatalf("position %d = %s, batch order inverted", i, id)
		}
	}
}

func TestChannelsFlushIndependently(t *testing.T) {
	c := &collector{}
	d := NewDebouncer(time.Hour, 2, 0, c.flush)

	d.Accept(ev("ch1", "a"))
	d.Accept(ev("ch2", "x"))
	d.Accept(ev("ch1", "b")) // ch1 hits soft cap

	batches := c.all()
	if len(batches) != 1 {
		t.Fatalf("got %d batches, want 1", len(batches))
	}
	if batches[0].ChannelID != "ch1" {
		t.Errorf("flushed channel = %s, want ch1", batches[0].ChannelID)
	}
}

func TestTimerRestartsOnNewArrival(t *testing.T) {
	c := &collector{}
	d := NewDebouncer(60*time.Millisecond, 0, 0, c.flush)

	d.Accept(ev("ch", "a"))
	time.Sleep(30 * time.Millisecond)
	d.Accept(ev("ch", "b")) // restarts quiet timer
	time.Sleep(40 * time.Millisecond)

	if got := len(c.all()); got != 0 {
		t.Fatalf("flushed too early: %d batches", got)
	}

	time.Sleep(60 * time.Millisecond)
	if got := len(c.all()); got != 1 {
		t.Fatalf("got %d batches after quiet period, want 1", got)
	}
}

func TestStopRejectsFurtherEvents(t *testing.T) {
	c := &collector{}
	d := NewDebouncer(time.Hour, 0, 0, c.flush)

	d.Accept(ev("ch", "a"))
	d.Stop()
	d.Accept(ev("ch", "b"))

	batches := c.all()
	if len(batches) != 1 || len(batches[0].Events) != 1 {
		t.Fatalf("unexpected batches after stop: %+v", batches)
	}
}
