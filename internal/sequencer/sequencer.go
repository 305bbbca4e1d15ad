package sequencer

import (
	"log/slog"
	"sync"
	"time"

	"github.com/nextlevelbuilder/chatweave/internal/bus"
)

// ProcessFunc runs one batch through the channel's pipeline.
// It is invoked by the single worker owning that channel; per-channel state
// touched inside needs no further locking.
type ProcessFunc func(bus.Batch)

// Sequencer serializes batch processing per channel, in enqueue order.
// Different channels proceed independently. While a channel's current batch
// is processing, newly arriving batches accumulate in a backlog; once the
// backlog exceeds the merge threshold, the whole backlog is merged into a
// single capped mega-batch, bounding reply lag after a slow cycle.
type Sequencer struct {
	process        ProcessFunc
	mergeThreshold int
	megaCap        int // max events in a merged batch
	softBudget     time.Duration

	mu       sync.Mutex
	channels map[string]*channelQueue
	stopped  bool
	wg       sync.WaitGroup
}

type channelQueue struct {
	backlog []bus.Batch
	running bool
}

// New creates a sequencer. mergeThreshold <= 0 disables merging;
// megaCap <= 0 leaves merged batches uncapped.
func New(process ProcessFunc, mergeThreshold, megaCap int, softBudget time.Duration) *Sequencer {
	return &Sequencer{
		process:        process,
		mergeThreshold: mergeThreshold,
		megaCap:        megaCap,
		softBudget:     softBudget,
		channels:       make(map[string]*channelQueue),
	}
}

// Enqueue adds a batch to its channel's FIFO and starts a worker if the
// channel is idle. Never blocks.
func (s *Sequencer) Enqueue(batch bus.Batch) {
	if len(batch.Events) == 0 {
		return
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		slog.Warn("sequencer: dropped batch after stop", "channel", batch.ChannelID, "events", len(batch.Events))
		return
	}

	q, ok := s.channels[batch.ChannelID]
	if !ok {
		q = &channelQueue{}
		s.channels[batch.ChannelID] = q
	}
	q.backlog = append(q.backlog, batch)

	if !q.running {
		q.running = true
		s.wg.Add(1)
		go s.drain(batch.ChannelID, q)
	}
	s.mu.Unlock()
}

// drain processes the channel's backlog until empty. One drain goroutine per
// channel at a time — this exclusivity is what lets ProcessFunc mutate
// channel state without locks.
func (s *Sequencer) drain(channelID string, q *channelQueue) {
	defer s.wg.Done()

	for {
		s.mu.Lock()
		if len(q.backlog) == 0 {
			q.running = false
			s.mu.Unlock()
			return
		}

		var next bus.Batch
		if s.mergeThreshold > 0 && len(q.backlog) > s.mergeThreshold {
			next = mergeBacklog(channelID, q.backlog, s.megaCap)
			q.backlog = nil
			slog.Info("sequencer: merged backlog into mega-batch",
				"channel", channelID, "events", len(next.Events), "dropped", next.Dropped)
		} else {
			next = q.backlog[0]
			q.backlog = q.backlog[1:]
		}
		s.mu.Unlock()

		s.runOne(channelID, next)
	}
}

// runOne executes the batch with fault isolation: a panic in one channel's
// pipeline must not affect any other channel's progress.
func (s *Sequencer) runOne(channelID string, batch bus.Batch) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("sequencer: pipeline panic recovered",
				"channel", channelID, "events", len(batch.Events), "panic", r)
		}
	}()

	start := time.Now()
	s.process(batch)

	if s.softBudget > 0 {
		if elapsed := time.Since(start); elapsed > s.softBudget {
			// Soft budget only: the batch already ran to completion.
			slog.Warn("sequencer: batch exceeded soft time budget",
				"channel", channelID, "events", len(batch.Events),
				"elapsed", elapsed, "budget", s.softBudget)
		}
	}
}

// mergeBacklog concatenates queued batches in order into one mega-batch,
// dropping the oldest events beyond capacity.
func mergeBacklog(channelID string, backlog []bus.Batch, capacity int) bus.Batch {
	total := 0
	dropped := 0
	for _, b := range backlog {
		total += len(b.Events)
		dropped += b.Dropped
	}

	events := make([]bus.Event, 0, total)
	for _, b := range backlog {
		events = append(events, b.Events...)
	}
	if capacity > 0 && len(events) > capacity {
		excess := len(events) - capacity
		events = events[excess:]
		dropped += excess
	}

	return bus.Batch{
		ChannelID: channelID,
		Events:    events,
		Reason:    bus.FlushMerged,
		Dropped:   dropped,
	}
}

// Backlog reports the queued batch count for a channel (introspection/tests).
func (s *Sequencer) Backlog(channelID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if q, ok := s.channels[channelID]; ok {
		return len(q.backlog)
	}
	return 0
}

// Stop rejects further batches and waits for in-flight work to finish.
func (s *Sequencer) Stop() {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
	s.wg.Wait()
}
