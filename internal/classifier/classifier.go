package classifier

import (
	"context"
	"log/slog"
	"time"

	"github.com/nextlevelbuilder/chatweave/internal/bus"
	"github.com/nextlevelbuilder/chatweave/internal/config"
	"github.com/nextlevelbuilder/chatweave/internal/moderation"
)

// SignalFunc supplies per-event features computed from engine state.
type SignalFunc func(bus.Event) Signals

// Classifier assigns a label to each event through a staged pipeline:
// moderation suppression → hard override → bounded external call →
// deterministic fallback, plus batch-level privileged promotion.
// It never blocks longer than the configured timeout and never fails:
// every path degrades to a deterministic local result.
type Classifier struct {
	cfg     *config.Config
	matcher *AddressMatcher
	mod     moderation.Lookup
	rotator *Rotator // nil = fallback scorer only
	now     func() time.Time
}

// New creates a classifier. rotator may be nil (no external providers).
func New(cfg *config.Config, mod moderation.Lookup, rotator *Rotator) *Classifier {
	return &Classifier{
		cfg:     cfg,
		matcher: NewAddressMatcher(cfg.Agent.Name, cfg.Agent.Aliases),
		mod:     mod,
		rotator: rotator,
		now:     time.Now,
	}
}

// ClassifyBatch labels every event in the batch, preserving order, then
// applies the batch-level promotion rule.
func (c *Classifier) ClassifyBatch(ctx context.Context, batch bus.Batch, signals SignalFunc) []Result {
	results := make([]Result, len(batch.Events))
	for i, ev := range batch.Events {
		results[i] = c.classifyOne(ctx, ev, signals(ev))
	}
	c.promoteBatch(batch, results)
	return results
}

// classifyOne runs the staged pipeline for a single event.
func (c *Classifier) classifyOne(ctx context.Context, ev bus.Event, sig Signals) Result {
	// Moderation suppression is final and bypasses every other stage —
	// except the privileged sender, who is exempt from moderation entirely.
	if c.isMuted(ev) && !c.isPrivileged(ev) {
		return Result{Label: LabelDrop, Confidence: 1, Source: SourceModeration}
	}

	// Hard override: explicit address to the agent, by name or by replying
	// to one of the agent's own messages.
	if c.matcher.Matches(ev.Text) || (ev.ReplyToID != "" && sig.ReplyToAgent) || ev.Mention {
		return Result{Label: LabelRespond, Confidence: 1, Source: SourceOverride}
	}

	// External pre-classification, bounded by the fixed timeout.
	if c.rotator != nil {
		callCtx, cancel := context.WithTimeout(ctx, c.cfg.Classifier.Timeout())
		res, err := c.rotator.Classify(callCtx, ev, sig.RecentTexts)
		cancel()
		if err == nil {
			return res
		}
		if err != ErrUnavailable {
			slog.Debug("classifier: external call failed, using fallback",
				"channel", ev.ChannelID, "error", err)
		}
	}

	return scoreFallback(ev, sig, c.cfg.FallbackTuning(), c.now())
}

// promoteBatch applies the batch-level rule: if every event originates from
// one privileged sender and all were independently labeled CONTEXT, promote
// the entire batch to RESPOND — a privileged sender talking alone is
// addressing the agent.
func (c *Classifier) promoteBatch(batch bus.Batch, results []Result) {
	if len(batch.Events) == 0 {
		return
	}

	sender := batch.Events[0].SenderID
	if !c.isPrivileged(batch.Events[0]) {
		return
	}
	for i, ev := range batch.Events {
		if ev.SenderID != sender || results[i].Label != LabelContext {
			return
		}
	}

	for i := range results {
		results[i].Label = LabelRespond
		results[i].Source = SourcePromotion
	}
	slog.Debug("classifier: promoted solo privileged batch to RESPOND",
		"channel", batch.ChannelID, "sender", sender, "events", len(batch.Events))
}

func (c *Classifier) isMuted(ev bus.Event) bool {
	if c.mod != nil && c.mod.IsMuted(ev.SenderID) {
		return true
	}
	return ev.SenderMuted
}

func (c *Classifier) isPrivileged(ev bus.Event) bool {
	if c.mod != nil && c.mod.IsPrivileged(ev.SenderID) {
		return true
	}
	return ev.SenderPrivileged
}
