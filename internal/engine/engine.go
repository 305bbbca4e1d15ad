package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/nextlevelbuilder/chatweave/internal/bus"
	"github.com/nextlevelbuilder/chatweave/internal/classifier"
	"github.com/nextlevelbuilder/chatweave/internal/config"
	"github.com/nextlevelbuilder/chatweave/internal/format"
	"github.com/nextlevelbuilder/chatweave/internal/store"
	"github.com/nextlevelbuilder/chatweave/internal/thread"
)

// recentWindow is how many channel texts feed the external classifier as
// conversational context.
const recentWindow = 5

var tracer = otel.Tracer("github.com/nextlevelbuilder/chatweave/internal/engine")

// Engine owns the per-channel thread tables and runs the label → assign →
// format pipeline for each batch the sequencer hands it. Each channel's
// table is guarded by its own mutex: the sequencer guarantees one batch at a
// time per channel, but gateway reads (context, responded-callbacks) arrive
// concurrently.
type Engine struct {
	cfg       *config.Config
	cls       *classifier.Classifier
	archive   store.ThreadArchive
	states    store.StateStore   // nil = no snapshots
	publisher bus.EventPublisher // nil = no broadcast

	mu       sync.Mutex
	channels map[string]*channelState

	stats statsCounters
	now   func() time.Time
}

type channelState struct {
	mu     sync.Mutex
	table  *thread.Table
	recent []string // last few texts, external-classifier context
}

type statsCounters struct {
	mu        sync.Mutex
	batches   int64
	events    int64
	dropped   int64
	responded int64
	contexted int64
}

// New creates an engine. states and publisher may be nil.
func New(cfg *config.Config, cls *classifier.Classifier, archive store.ThreadArchive, states store.StateStore, publisher bus.EventPublisher) *Engine {
	return &Engine{
		cfg:       cfg,
		cls:       cls,
		archive:   archive,
		states:    states,
		publisher: publisher,
		channels:  make(map[string]*channelState),
		now:       time.Now,
	}
}

func (e *Engine) channel(id string) *channelState {
	e.mu.Lock()
	defer e.mu.Unlock()
	cs, ok := e.channels[id]
	if !ok {
		cs = &channelState{table: thread.NewTable(id)}
		e.channels[id] = cs
	}
	return cs
}

// RestoreState loads the last snapshot so a restart resumes with open
// threads and pending groups intact.
func (e *Engine) RestoreState() error {
	if e.states == nil {
		return nil
	}
	tables, err := e.states.Load()
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for id, tb := range tables {
		e.channels[id] = &channelState{table: tb}
	}
	if len(tables) > 0 {
		slog.Info("engine: state restored", "channels", len(tables))
	}
	return nil
}

// SaveState snapshots every channel's table. Each table is deep-copied under
// its own lock and the disk write happens after release — live processing is
// never blocked behind persistence I/O.
func (e *Engine) SaveState() error {
	if e.states == nil {
		return nil
	}

	e.mu.Lock()
	channels := make(map[string]*channelState, len(e.channels))
	for id, cs := range e.channels {
		channels[id] = cs
	}
	e.mu.Unlock()

	tables := make(map[string]*thread.Table, len(channels))
	for id, cs := range channels {
		cs.mu.Lock()
		tables[id] = cs.table.Clone()
		cs.mu.Unlock()
	}
	return e.states.Save(tables)
}

// ProcessBatch is the sequencer's processing function: classify every event,
// route non-DROP events through the thread table, and publish the formatted
// context payload when at least one event warrants a response.
func (e *Engine) ProcessBatch(ctx context.Context, batch bus.Batch) {
	if len(batch.Events) == 0 {
		return
	}
	ctx, span := tracer.Start(ctx, "engine.process_batch", trace.WithAttributes(
		attribute.String("channel.id", batch.ChannelID),
		attribute.Int("batch.events", len(batch.Events)),
		attribute.String("batch.reason", string(batch.Reason)),
	))
	defer span.End()

	cs := e.channel(batch.ChannelID)
	cs.mu.Lock()
	defer cs.mu.Unlock()

	tb := cs.table
	signals := func(ev bus.Event) classifier.Signals {
		return classifier.Signals{
			ReplyToAgent:  ev.ReplyToID != "" && tb.IsAgentMessage(ev.ReplyToID),
			SenderHistory: tb.SenderHistory(ev.SenderID),
			ConvEngaged:   tb.Engaged(),
			RecentTexts:   append([]string(nil), cs.recent...),
		}
	}
	results := e.cls.ClassifyBatch(ctx, batch, signals)

	var (
		touched    = make(map[string]*thread.Thread)
		unthreaded []thread.Message
		dropped    int
		respond    int
	)
	for i, ev := range batch.Events {
		res := results[i]
		if res.Label == classifier.LabelDrop {
			dropped++
			continue // dropped events never reach thread state
		}
		if res.Label == classifier.LabelRespond {
			respond++
		}

		msg := eventMessage(ev)
		out := tb.Assign(msg, e.cfg.AssignTuning())
		if out.Thread != nil {
			touched[out.Thread.ID] = out.Thread
		} else {
			unthreaded = append(unthreaded, msg)
		}
		cs.pushRecent(ev.Text)
	}

	e.stats.record(batch, dropped, respond, len(batch.Events)-dropped-respond)

	if respond == 0 {
		slog.Debug("engine: batch held as context",
			"channel", batch.ChannelID, "events", len(batch.Events), "dropped", dropped)
		return
	}

	threads := make([]*thread.Thread, 0, len(touched))
	for _, th := range touched {
		threads = append(threads, th)
	}
	payload := format.Build(batch.ChannelID, threads, unthreaded, e.cfg.FormatTuning())

	if e.publisher != nil {
		e.publisher.Broadcast(bus.EngineEvent{Name: "context.ready", Payload: payload})
	}
	slog.Info("engine: batch processed",
		"channel", batch.ChannelID, "events", len(batch.Events),
		"respond", respond, "dropped", dropped, "reason", batch.Reason)
}

// BuildContext assembles the current payload for a channel on demand,
// covering every open thread plus unmatched pending messages.
func (e *Engine) BuildContext(channelID string) format.Payload {
	cs := e.channel(channelID)
	cs.mu.Lock()
	defer cs.mu.Unlock()

	tb := cs.table
	threads := make([]*thread.Thread, 0, len(tb.Threads))
	for _, th := range tb.Threads {
		threads = append(threads, th)
	}
	unthreaded := make([]thread.Message, 0, len(tb.Pending))
	for _, pg := range tb.Pending {
		unthreaded = append(unthreaded, pg.Message)
	}
	return format.Build(channelID, threads, unthreaded, e.cfg.FormatTuning())
}

// NotifyResponded records that the agent replied in a thread and advances
// its shown-history pointer. Returns false when the thread is unknown.
func (e *Engine) NotifyResponded(threadID string, reply thread.Message) bool {
	e.mu.Lock()
	states := make([]*channelState, 0, len(e.channels))
	for _, cs := range e.channels {
		states = append(states, cs)
	}
	e.mu.Unlock()

	for _, cs := range states {
		cs.mu.Lock()
		if _, ok := cs.table.Threads[threadID]; ok {
			done := cs.table.NotifyResponded(threadID, reply)
			cs.mu.Unlock()
			return done
		}
		cs.mu.Unlock()
	}
	return false
}

// Sweep applies lifecycle transitions across every channel and archives
// dead threads. Archive failures keep threads resident for the next sweep.
func (e *Engine) Sweep(ctx context.Context) thread.SweepStats {
	e.mu.Lock()
	channels := make(map[string]*channelState, len(e.channels))
	for id, cs := range e.channels {
		channels[id] = cs
	}
	e.mu.Unlock()

	now := e.now()
	q1 := e.cfg.Threads.StaleAfter()
	q2 := e.cfg.Threads.DeadAfter()
	ttl := e.cfg.Threads.PendingTTL()

	var total thread.SweepStats
	for id, cs := range channels {
		cs.mu.Lock()
		stats := cs.table.Sweep(now, q1, q2, ttl, func(th *thread.Thread) error {
			return e.archive.Archive(ctx, th)
		})
		cs.mu.Unlock()

		total.Staled += stats.Staled
		total.Archived += stats.Archived
		total.ArchiveFailures += stats.ArchiveFailures
		total.PendingExpired += stats.PendingExpired

		if stats.Archived > 0 && e.publisher != nil {
			e.publisher.Broadcast(bus.EngineEvent{Name: "threads.archived", Payload: map[string]any{
				"channel_id": id,
				"count":      stats.Archived,
			}})
		}
	}

	if total != (thread.SweepStats{}) {
		slog.Info("engine: sweep complete",
			"staled", total.Staled, "archived", total.Archived,
			"archive_failures", total.ArchiveFailures, "pending_expired", total.PendingExpired)
	}
	return total
}

// Stats is a point-in-time engine summary for the gateway's status surface.
type Stats struct {
	Channels      int   `json:"channels"`
	ThreadsOpen   int   `json:"threads_open"`
	PendingOpen   int   `json:"pending_open"`
	Batches       int64 `json:"batches"`
	Events        int64 `json:"events"`
	Dropped       int64 `json:"dropped"`
	RespondLabels int64 `json:"respond_labels"`
	ContextLabels int64 `json:"context_labels"`
}

// Snapshot returns current counters and open-state sizes.
func (e *Engine) Snapshot() Stats {
	e.mu.Lock()
	states := make([]*channelState, 0, len(e.channels))
	for _, cs := range e.channels {
		states = append(states, cs)
	}
	e.mu.Unlock()

	s := Stats{Channels: len(states)}
	for _, cs := range states {
		cs.mu.Lock()
		s.ThreadsOpen += len(cs.table.Threads)
		s.PendingOpen += len(cs.table.Pending)
		cs.mu.Unlock()
	}

	e.stats.mu.Lock()
	s.Batches = e.stats.batches
	s.Events = e.stats.events
	s.Dropped = e.stats.dropped
	s.RespondLabels = e.stats.responded
	s.ContextLabels = e.stats.contexted
	e.stats.mu.Unlock()
	return s
}

// Threads lists the open threads of a channel (gateway inspection surface).
func (e *Engine) Threads(channelID string) []*thread.Thread {
	cs := e.channel(channelID)
	cs.mu.Lock()
	defer cs.mu.Unlock()

	out := make([]*thread.Thread, 0, len(cs.table.Threads))
	for _, th := range cs.table.Threads {
		copied := *th
		copied.Messages = append([]thread.Message(nil), th.Messages...)
		out = append(out, &copied)
	}
	return out
}

func (cs *channelState) pushRecent(text string) {
	cs.recent = append(cs.recent, text)
	if len(cs.recent) > recentWindow {
		cs.recent = cs.recent[len(cs.recent)-recentWindow:]
	}
}

func (sc *statsCounters) record(batch bus.Batch, dropped, respond, contexted int) {
	sc.mu.Lock()
	sc.batches++
	sc.events += int64(len(batch.Events))
	sc.dropped += int64(dropped)
	sc.responded += int64(respond)
	sc.contexted += int64(contexted)
	sc.mu.Unlock()
}

func eventMessage(ev bus.Event) thread.Message {
	return thread.Message{
		ID:        ev.ID,
		SenderID:  ev.SenderID,
		Sender:    ev.Sender,
		Text:      ev.Text,
		Timestamp: ev.Timestamp,
		ReplyTo:   ev.ReplyToID,
	}
}
