package classifier

import (
	"time"

	"github.com/nextlevelbuilder/chatweave/internal/bus"
	"github.com/nextlevelbuilder/chatweave/internal/config"
)

// fallbackRecencyHorizon bounds the recency feature: messages older than
// this contribute nothing.
const fallbackRecencyHorizon = 5 * time.Minute

// scoreFallback computes the deterministic local score: a weighted
// combination of direct mention, reply-to-agent, recency, sender interaction
// history, and the current conversation-state signal, thresholded into
// RESPOND/CONTEXT/DROP. Used whenever the external stage times out or fails.
func scoreFallback(ev bus.Event, sig Signals, w config.FallbackWeights, now time.Time) Result {
	score := 0.0

	if ev.Mention || ev.IsDirect {
		score += w.Mention
	}
	if sig.ReplyToAgent {
		score += w.ReplyToAgent
	}
	score += w.Recency * recencyFactor(ev.Timestamp, now)
	score += w.SenderHistory * clamp01(sig.SenderHistory)
	if sig.ConvEngaged {
		score += w.ConvState
	}

	label := LabelDrop
	switch {
	case score >= w.RespondThreshold:
		label = LabelRespond
	case score >= w.ContextThreshold:
		label = LabelContext
	}

	return Result{
		Label:      label,
		Confidence: clamp01(score),
		Source:     SourceFallback,
	}
}

// recencyFactor decays linearly from 1 (now) to 0 (horizon or older).
func recencyFactor(ts, now time.Time) float64 {
	if ts.IsZero() || ts.After(now) {
		return 1
	}
	age := now.Sub(ts)
	if age >= fallbackRecencyHorizon {
		return 0
	}
	return 1 - float64(age)/float64(fallbackRecencyHorizon)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
