package thread

import (
	"log/slog"
	"time"

	"github.com/nextlevelbuilder/chatweave/internal/config"
)

// Table holds all open threads and pending groups for one channel.
// A Table is mutated only by the single sequencer task owning its channel —
// correctness relies on that exclusivity, not on internal locks. All fields
// are exported for state snapshots.
type Table struct {
	ChannelID string                   `json:"channel_id"`
	Threads   map[string]*Thread       `json:"threads"`
	Pending   []*PendingGroup          `json:"pending"`

	// MsgIndex maps message id → thread id; PendingIndex maps message id →
	// pending-group id; AgentMsgs maps the agent's own reply ids → thread id
	// (reply-to-agent routing).
	MsgIndex     map[string]string `json:"msg_index"`
	PendingIndex map[string]string `json:"pending_index"`
	AgentMsgs    map[string]string `json:"agent_msgs"`
}

// NewTable creates an empty table for a channel.
func NewTable(channelID string) *Table {
	return &Table{
		ChannelID:    channelID,
		Threads:      make(map[string]*Thread),
		MsgIndex:     make(map[string]string),
		PendingIndex: make(map[string]string),
		AgentMsgs:    make(map[string]string),
	}
}

// Clone returns a deep copy of the table for snapshotting. The copy shares
// nothing with the original, so live processing can continue while the
// snapshot is written out.
func (tb *Table) Clone() *Table {
	out := &Table{
		ChannelID:    tb.ChannelID,
		Threads:      make(map[string]*Thread, len(tb.Threads)),
		Pending:      make([]*PendingGroup, len(tb.Pending)),
		MsgIndex:     make(map[string]string, len(tb.MsgIndex)),
		PendingIndex: make(map[string]string, len(tb.PendingIndex)),
		AgentMsgs:    make(map[string]string, len(tb.AgentMsgs)),
	}
	for id, th := range tb.Threads {
		copied := *th
		copied.Messages = append([]Message(nil), th.Messages...)
		copied.Participants = make(map[string]string, len(th.Participants))
		for k, v := range th.Participants {
			copied.Participants[k] = v
		}
		out.Threads[id] = &copied
	}
	for i, pg := range tb.Pending {
		copied := *pg
		out.Pending[i] = &copied
	}
	for k, v := range tb.MsgIndex {
		out.MsgIndex[k] = v
	}
	for k, v := range tb.PendingIndex {
		out.PendingIndex[k] = v
	}
	for k, v := range tb.AgentMsgs {
		out.AgentMsgs[k] = v
	}
	return out
}

// Outcome describes what Assign did with a message.
type Outcome string

const (
	OutcomeAppended   Outcome = "appended"    // joined an existing thread
	OutcomePromoted   Outcome = "promoted"    // second message promoted a pending group
	OutcomeNewPending Outcome = "new_pending" // opened a fresh pending group
	OutcomeRerouted   Outcome = "rerouted"    // invariant violation, re-routed as fresh pending
)

// AssignResult reports the destination of one message.
type AssignResult struct {
	Outcome Outcome
	Thread  *Thread       // set for appended/promoted
	Pending *PendingGroup // set for new_pending/rerouted
}

// Assign routes a classified non-DROP message to a thread, a pending group
// promotion, or a fresh pending group.
//
// An explicit reply-target that is a tracked message routes deterministically
// to that message's thread or group (score 1.0, no further computation).
// Otherwise every open pending group and ACTIVE/STALE thread is scored and
// the best candidate above the threshold wins; ties break in favor of the
// most-recently-active candidate.
func (tb *Table) Assign(msg Message, w config.AssignWeights) AssignResult {
	// Defensive invariant check: a message id resolving to a second home.
	// The existing placement stands and the incoming copy is re-routed as a
	// fresh pending group — fail-safe, never fail-stop.
	_, dupThread := tb.MsgIndex[msg.ID]
	_, dupPending := tb.PendingIndex[msg.ID]
	if dupThread || dupPending {
		slog.Warn("thread: message already assigned, re-routing as fresh pending",
			"channel", tb.ChannelID, "msg", msg.ID)
		pg := tb.newPending(msg)
		return AssignResult{Outcome: OutcomeRerouted, Pending: pg}
	}

	// Deterministic reply-target route.
	if msg.ReplyTo != "" {
		if tid, ok := tb.AgentMsgs[msg.ReplyTo]; ok {
			if th := tb.Threads[tid]; th != nil && th.State != StateDead {
				tb.appendTo(th, msg)
				return AssignResult{Outcome: OutcomeAppended, Thread: th}
			}
		}
		if tid, ok := tb.MsgIndex[msg.ReplyTo]; ok {
			if th := tb.Threads[tid]; th != nil && th.State != StateDead {
				tb.appendTo(th, msg)
				return AssignResult{Outcome: OutcomeAppended, Thread: th}
			}
		}
		if pid, ok := tb.PendingIndex[msg.ReplyTo]; ok {
			if pg := tb.findPending(pid); pg != nil {
				th := tb.promote(pg, msg)
				return AssignResult{Outcome: OutcomePromoted, Thread: th}
			}
		}
	}

	// Weighted scoring across all open candidates.
	best, bestScore := tb.bestCandidate(msg, w)
	if best != nil && bestScore >= w.Threshold {
		if best.thread != nil {
			tb.appendTo(best.thread, msg)
			return AssignResult{Outcome: OutcomeAppended, Thread: best.thread}
		}
		th := tb.promote(best.pending, msg)
		return AssignResult{Outcome: OutcomePromoted, Thread: th}
	}

	pg := tb.newPending(msg)
	return AssignResult{Outcome: OutcomeNewPending, Pending: pg}
}

// bestCandidate scores the message against every open candidate.
// Candidates are scanned pending-first, but selection is purely by score
// with most-recently-active tie-break.
func (tb *Table) bestCandidate(msg Message, w config.AssignWeights) (*candidate, float64) {
	var best *candidate
	bestScore := -1.0

	consider := func(c candidate) {
		s := score(msg, c, w)
		if s > bestScore || (s == bestScore && best != nil && c.lastActivity().After(best.lastActivity())) {
			cc := c
			best = &cc
			bestScore = s
		}
	}

	for _, pg := range tb.Pending {
		consider(candidate{pending: pg})
	}
	for _, th := range tb.Threads {
		if th.State == StateDead {
			continue
		}
		consider(candidate{thread: th})
	}
	return best, bestScore
}

// appendTo adds the message to a thread; STALE threads return to ACTIVE on
// new matching activity.
func (tb *Table) appendTo(th *Thread, msg Message) {
	th.append(msg)
	tb.MsgIndex[msg.ID] = th.ID
	if th.State == StateStale {
		th.State = StateActive
		slog.Debug("thread: revived stale thread", "channel", tb.ChannelID, "thread", th.ID)
	}
}

// promote turns a pending group plus the matching message into an ACTIVE
// thread containing both.
func (tb *Table) promote(pg *PendingGroup, msg Message) *Thread {
	th := &Thread{
		ID:           newThreadID(),
		ChannelID:    tb.ChannelID,
		State:        StateActive,
		Participants: make(map[string]string),
		CreatedAt:    pg.Message.Timestamp,
	}
	th.append(pg.Message)
	th.append(msg)

	tb.Threads[th.ID] = th
	tb.MsgIndex[pg.Message.ID] = th.ID
	tb.MsgIndex[msg.ID] = th.ID
	delete(tb.PendingIndex, pg.Message.ID)
	tb.removePending(pg.ID)

	slog.Debug("thread: promoted pending group",
		"channel", tb.ChannelID, "thread", th.ID, "first", pg.Message.ID, "second", msg.ID)
	return th
}

func (tb *Table) newPending(msg Message) *PendingGroup {
	pg := &PendingGroup{
		ID:        newPendingID(),
		ChannelID: tb.ChannelID,
		Message:   msg,
		CreatedAt: msg.Timestamp,
	}
	tb.Pending = append(tb.Pending, pg)
	tb.PendingIndex[msg.ID] = pg.ID
	return pg
}

func (tb *Table) findPending(id string) *PendingGroup {
	for _, pg := range tb.Pending {
		if pg.ID == id {
			return pg
		}
	}
	return nil
}

func (tb *Table) removePending(id string) {
	for i, pg := range tb.Pending {
		if pg.ID == id {
			tb.Pending = append(tb.Pending[:i], tb.Pending[i+1:]...)
			return
		}
	}
}

// NotifyResponded is the responder's post-reply callback: it records the
// agent's reply, sets involved=true, and advances last_shown_index to the
// thread's current message count. No other code path mutates the pointer.
func (tb *Table) NotifyResponded(threadID string, reply Message) bool {
	th, ok := tb.Threads[threadID]
	if !ok || th.State == StateDead {
		return false
	}

	if reply.ID != "" {
		reply.FromAgent = true
		th.append(reply)
		tb.AgentMsgs[reply.ID] = th.ID
	}
	th.Involved = true
	th.LastShownIndex = len(th.Messages)
	return true
}

// SweepStats summarizes one lifecycle sweep.
type SweepStats struct {
	Staled          int
	Archived        int
	ArchiveFailures int
	PendingExpired  int
}

// Sweep applies idle transitions: ACTIVE past q1 → STALE, STALE past q2 →
// DEAD (archived and removed). A failed archive keeps the thread resident
// for retry on the next sweep; live processing is never blocked by it.
// Pending groups idle past pendingTTL are discarded.
func (tb *Table) Sweep(now time.Time, q1, q2, pendingTTL time.Duration, archive func(*Thread) error) SweepStats {
	var stats SweepStats

	for id, th := range tb.Threads {
		idle := now.Sub(th.LastActivityAt)
		switch th.State {
		case StateActive:
			if idle > q1 {
				th.State = StateStale
				stats.Staled++
			}
		case StateStale:
			if idle > q2 {
				th.State = StateDead
			}
		}

		if th.State != StateDead {
			continue
		}
		if err := archive(th); err != nil {
			th.ArchiveAttempts++
			stats.ArchiveFailures++
			slog.Warn("thread: archive failed, retrying next sweep",
				"channel", tb.ChannelID, "thread", id, "attempts", th.ArchiveAttempts, "error", err)
			continue
		}
		tb.dropThread(id, th)
		stats.Archived++
	}

	if pendingTTL > 0 {
		kept := tb.Pending[:0]
		for _, pg := range tb.Pending {
			if now.Sub(pg.CreatedAt) > pendingTTL {
				delete(tb.PendingIndex, pg.Message.ID)
				stats.PendingExpired++
				continue
			}
			kept = append(kept, pg)
		}
		tb.Pending = kept
	}

	return stats
}

// dropThread removes an archived thread and its index entries.
func (tb *Table) dropThread(id string, th *Thread) {
	for _, m := range th.Messages {
		if m.FromAgent {
			delete(tb.AgentMsgs, m.ID)
		} else {
			delete(tb.MsgIndex, m.ID)
		}
	}
	delete(tb.Threads, id)
}

// IsAgentMessage reports whether id is one of the agent's own replies.
func (tb *Table) IsAgentMessage(id string) bool {
	_, ok := tb.AgentMsgs[id]
	return ok
}

// SenderHistory returns a 0..1 signal for prior interaction: the share of
// open involved threads this sender participates in.
func (tb *Table) SenderHistory(senderID string) float64 {
	involved, joined := 0, 0
	for _, th := range tb.Threads {
		if !th.Involved {
			continue
		}
		involved++
		if _, ok := th.Participants[senderID]; ok {
			joined++
		}
	}
	if involved == 0 {
		return 0
	}
	return float64(joined) / float64(involved)
}

// Engaged reports whether the channel has an ACTIVE thread the agent is
// involved in (the conversation-state signal).
func (tb *Table) Engaged() bool {
	for _, th := range tb.Threads {
		if th.Involved && th.State == StateActive {
			return true
		}
	}
	return false
}
