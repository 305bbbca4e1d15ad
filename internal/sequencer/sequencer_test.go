package sequencer

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/chatweave/internal/bus"
)

func batch(channel string, ids ...string) bus.Batch {
	b := bus.Batch{ChannelID: channel, Reason: bus.FlushQuiet}
	for _, id := range ids {
		b.Events = append(b.Events, bus.Event{ID: id, ChannelID: channel})
	}
	return b
}

func TestSerialPerChannelInOrder(t *testing.T) {
	var mu sync.Mutex
	var got []string
	var inFlight, maxInFlight int

	s := New(func(b bus.Batch) {
		mu.Lock()
		inFlight++
		if inFlight > maxInFlight {
			maxInFlight = inFlight
		}
		mu.Unlock()

		time.Sleep(5 * time.Millisecond)

		mu.Lock()
		for _, e := range b.Events {
			got = append(got, e.ID)
		}
		inFlight--
		mu.Unlock()
	}, 0, 0, 0)

	for i := 0; i < 5; i++ {
		s.Enqueue(batch("ch", fmt.Sprintf("m%d", i)))
	}
	s.Stop()

	if maxInFlight != 1 {
		t.Errorf("max concurrent batches on one channel = %d, want 1", maxInFlight)
	}
	for i, id := range got {
		if id != fmt.Sprintf("m%d", i) {
			t.Fatalf("position %d = %s, order broken (%v)", i, id, got)
		}
	}
}

// Five batches queue up while a sixth is mid-processing; on completion they
// merge into one capped mega-batch, order preserved.
func TestBacklogMergesIntoMegaBatch(t *testing.T) {
	release := make(chan struct{})
	var mu sync.Mutex
	var processed []bus.Batch
	first := true

	s := New(func(b bus.Batch) {
		mu.Lock()
		blockHere := first
		first = false
		processed = append(processed, b)
		mu.Unlock()
		if blockHere {
			<-release
		}
	}, 3, 0, 0)

	s.Enqueue(batch("ch", "m0")) // occupies the worker
	time.Sleep(20 * time.Millisecond)
	for i := 1; i <= 5; i++ {
		s.Enqueue(batch("ch", fmt.Sprintf("m%d", i)))
	}
	close(release)
	s.Stop()

	mu.Lock()
	defer mu.Unlock()
	if len(processed) != 2 {
		t.Fatalf("got %d processed batches, want 2 (blocker + mega)", len(processed))
	}
	mega := processed[1]
	if mega.Reason != bus.FlushMerged {
		t.Errorf("reason = %q, want merged", mega.Reason)
	}
	if len(mega.Events) != 5 {
		t.Fatalf("mega-batch has %d events, want 5", len(mega.Events))
	}
	for i, e := range mega.Events {
		if e.ID != fmt.Sprintf("m%d", i+1) {
			t.Fatalf("mega-batch order broken at %d: %s", i, e.ID)
		}
	}
}

func TestMegaBatchCapDropsOldest(t *testing.T) {
	merged := mergeBacklog("ch", []bus.Batch{
		batch("ch", "a", "b"),
		batch("ch", "c", "d"),
		batch("ch", "e"),
	}, 3)

	if len(merged.Events) != 3 {
		t.Fatalf("got %d events, want 3", len(merged.Events))
	}
	if merged.Dropped != 2 {
		t.Errorf("dropped = %d, want 2", merged.Dropped)
	}
	if merged.Events[0].ID != "c" || merged.Events[2].ID != "e" {
		t.Errorf("wrong survivors: %+v", merged.Events)
	}
}

func TestChannelsProceedIndependently(t *testing.T) {
	blockCh1 := make(chan struct{})
	done := make(chan string, 2)

	s := New(func(b bus.Batch) {
		if b.ChannelID == "ch1" {
			<-blockCh1
		}
		done <- b.ChannelID
	}, 0, 0, 0)

	s.Enqueue(batch("ch1", "a"))
	s.Enqueue(batch("ch2", "x"))

	select {
	case ch := <-done:
		if ch != "ch2" {
			t.Fatalf("first completion = %s, want ch2", ch)
		}
	case <-time.After(time.Second):
		t.Fatal("ch2 blocked behind ch1")
	}

	close(blockCh1)
	s.Stop()
}

// A panic in one channel's pipeline must not affect other channels.
func TestPanicIsolatedPerChannel(t *testing.T) {
	var mu sync.Mutex
	var ok []string

	s := New(func(b bus.Batch) {
		if b.ChannelID == "bad" {
			panic("boom")
		}
		mu.Lock()
		ok = append(ok, b.Events[0].ID)
		mu.Unlock()
	}, 0, 0, 0)

	s.Enqueue(batch("bad", "p"))
	s.Enqueue(batch("good", "g1"))
	s.Enqueue(batch("bad", "p2"))
	s.Enqueue(batch("good", "g2"))
	s.Stop()

	mu.Lock()
	defer mu.Unlock()
	if len(ok) != 2 {
		t.Fatalf("good channel processed %d batches, want 2 (%v)", len(ok), ok)
	}
}
