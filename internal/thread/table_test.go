package thread

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/nextlevelbuilder/chatweave/internal/config"
)

func weights() config.AssignWeights {
	return config.AssignWeights{
		ParticipantMention: 0.35,
		TemporalProximity:  0.25,
		SameSpeaker:        0.20,
		LexicalOverlap:     0.30,
		Threshold:          0.30,
		ProximityS:         120,
	}
}

func msg(id, sender, text string, ts time.Time) Message {
	return Message{ID: id, SenderID: sender, Sender: sender, Text: text, Timestamp: ts}
}

// Message A (no reply-target) then message B (reply-target = A) from two
// different senders within the match window yields exactly one ACTIVE thread
// containing both.
func TestReplyTargetPromotesPendingToActive(t *testing.T) {
	tb := NewTable("ch")
	now := time.Now()

	a := msg("a", "alice", "hey", now)
	resA := tb.Assign(a, weights())
	if resA.Outcome != OutcomeNewPending {
		t.Fatalf("first message outcome = %s, want new_pending", resA.Outcome)
	}

	b := msg("b", "bob", "what's up", now.Add(10*time.Second))
	b.ReplyTo = "a"
	resB := tb.Assign(b, weights())
	if resB.Outcome != OutcomePromoted {
		t.Fatalf("second message outcome = %s, want promoted", resB.Outcome)
	}

	if len(tb.Threads) != 1 || len(tb.Pending) != 0 {
		t.Fatalf("threads=%d pending=%d, want 1/0", len(tb.Threads), len(tb.Pending))
	}
	th := resB.Thread
	if th.State != StateActive {
		t.Errorf("state = %s, want ACTIVE", th.State)
	}
	if len(th.Messages) != 2 || th.Messages[0].ID != "a" || th.Messages[1].ID != "b" {
		t.Errorf("thread messages wrong: %+v", th.Messages)
	}
	if len(th.Participants) != 2 {
		t.Errorf("participants = %d, want 2", len(th.Participants))
	}
}

func TestScoredPromotionSameSpeakerContinuation(t *testing.T) {
	tb := NewTable("ch")
	now := time.Now()

	tb.Assign(msg("a", "alice", "anyone tried the new build pipeline", now), weights())
	res := tb.Assign(msg("b", "alice", "the build pipeline keeps failing on arm", now.Add(20*time.Second)), weights())

	if res.Outcome != OutcomePromoted {
		t.Fatalf("outcome = %s, want promoted (same speaker + overlap + proximity)", res.Outcome)
	}
}

func TestUnrelatedMessageOpensNewPending(t *testing.T) {
	tb := NewTable("ch")
	now := time.Now()

	tb.Assign(msg("a", "alice", "deploy pipeline question", now), weights())
	res := tb.Assign(msg("b", "bob", "zzz", now.Add(90*time.Minute)), weights())

	if res.Outcome != OutcomeNewPending {
		t.Fatalf("outcome = %s, want new_pending", res.Outcome)
	}
	if len(tb.Pending) != 2 {
		t.Errorf("pending = %d, want 2", len(tb.Pending))
	}
}

// A thread idle past Q1 goes STALE; a matching message within Q2 revives it
// and appends.
func TestStaleRevivesOnMatchingActivity(t *testing.T) {
	tb := NewTable("ch")
	now := time.Now()
	q1 := 5 * time.Minute
	q2 := 30 * time.Minute

	tb.Assign(msg("a", "alice", "hey", now), weights())
	b := msg("b", "bob", "what's up", now.Add(5*time.Second))
	b.ReplyTo = "a"
	th := tb.Assign(b, weights()).Thread

	noArchive := func(*Thread) error { t.Fatal("unexpected archive"); return nil }
	stats := tb.Sweep(now.Add(q1+time.Minute), q1, q2, 0, noArchive)
	if stats.Staled != 1 || th.State != StateStale {
		t.Fatalf("thread not staled: stats=%+v state=%s", stats, th.State)
	}

	c := msg("c", "alice", "still around?", now.Add(q1+2*time.Minute))
	c.ReplyTo = "b"
	res := tb.Assign(c, weights())
	if res.Outcome != OutcomeAppended || res.Thread != th {
		t.Fatalf("revival append failed: %+v", res)
	}
	if th.State != StateActive {
		t.Errorf("state = %s, want ACTIVE after revival", th.State)
	}
	if len(th.Messages) != 3 {
		t.Errorf("messages = %d, want 3", len(th.Messages))
	}
}

func TestDeadThreadArchivedAndRemoved(t *testing.T) {
	tb := NewTable("ch")
	now := time.Now()
	q1 := 5 * time.Minute
	q2 := 30 * time.Minute

	tb.Assign(msg("a", "alice", "hey", now), weights())
	b := msg("b", "bob", "yo", now.Add(time.Second))
	b.ReplyTo = "a"
	tb.Assign(b, weights())

	var archived []*Thread
	archive := func(th *Thread) error { archived = append(archived, th); return nil }

	tb.Sweep(now.Add(q1+time.Minute), q1, q2, 0, archive)  // ACTIVE → STALE
	tb.Sweep(now.Add(q2+2*time.Minute), q1, q2, 0, archive) // STALE → DEAD → archived

	if len(archived) != 1 {
		t.Fatalf("archived %d threads, want 1", len(archived))
	}
	if archived[0].State != StateDead {
		t.Errorf("archived state = %s, want DEAD", archived[0].State)
	}
	if len(tb.Threads) != 0 {
		t.Errorf("thread still resident after archive")
	}
	if len(tb.MsgIndex) != 0 {
		t.Errorf("msg index not cleaned: %v", tb.MsgIndex)
	}
}

// A failed archive keeps the thread resident and retries on the next sweep.
func TestArchiveFailureRetriesNextSweep(t *testing.T) {
	tb := NewTable("ch")
	now := time.Now()
	q1, q2 := 5*time.Minute, 30*time.Minute

	tb.Assign(msg("a", "alice", "hey", now), weights())
	b := msg("b", "bob", "yo", now.Add(time.Second))
	b.ReplyTo = "a"
	th := tb.Assign(b, weights()).Thread

	fail := true
	attempts := 0
	archive := func(*Thread) error {
		attempts++
		if fail {
			return errors.New("backend down")
		}
		return nil
	}

	tb.Sweep(now.Add(q1+time.Minute), q1, q2, 0, archive)
	stats := tb.Sweep(now.Add(q2+time.Minute), q1, q2, 0, archive)
	if stats.ArchiveFailures != 1 {
		t.Fatalf("archive failures = %d, want 1", stats.ArchiveFailures)
	}
	if _, ok := tb.Threads[th.ID]; !ok {
		t.Fatal("thread evicted despite archive failure")
	}
	if th.ArchiveAttempts != 1 {
		t.Errorf("attempts = %d, want 1", th.ArchiveAttempts)
	}

	fail = false
	stats = tb.Sweep(now.Add(q2+2*time.Minute), q1, q2, 0, archive)
	if stats.Archived != 1 || len(tb.Threads) != 0 {
		t.Fatalf("retry did not archive: stats=%+v resident=%d", stats, len(tb.Threads))
	}
	if attempts != 3 {
		t.Errorf("archive called %d times, want 3", attempts)
	}
}

func TestNotifyRespondedAdvancesPointerMonotonically(t *testing.T) {
	tb := NewTable("ch")
	now := time.Now()

	tb.Assign(msg("a", "alice", "hey", now), weights())
	b := msg("b", "bob", "yo", now.Add(time.Second))
	b.ReplyTo = "a"
	th := tb.Assign(b, weights()).Thread

	if th.LastShownIndex != 0 || th.Involved {
		t.Fatalf("fresh thread: shown=%d involved=%v", th.LastShownIndex, th.Involved)
	}

	tb.NotifyResponded(th.ID, Message{ID: "r1", Text: "hello both", Timestamp: now.Add(2 * time.Second)})
	first := th.LastShownIndex
	if !th.Involved || first != len(th.Messages) {
		t.Fatalf("after reply: involved=%v shown=%d msgs=%d", th.Involved, first, len(th.Messages))
	}

	c := msg("c", "alice", "thanks", now.Add(3*time.Second))
	c.ReplyTo = "r1"
	res := tb.Assign(c, weights())
	if res.Outcome != OutcomeAppended {
		t.Fatalf("reply-to-agent routing failed: %s", res.Outcome)
	}
	if th.LastShownIndex != first {
		t.Fatal("append mutated last_shown_index")
	}

	tb.NotifyResponded(th.ID, Message{ID: "r2", Text: "np", Timestamp: now.Add(4 * time.Second)})
	if th.LastShownIndex < first {
		t.Fatal("last_shown_index decreased")
	}
	if th.LastShownIndex != len(th.Messages) {
		t.Errorf("shown=%d msgs=%d", th.LastShownIndex, len(th.Messages))
	}
}

func TestTieBreakMostRecentlyActive(t *testing.T) {
	tb := NewTable("ch")
	now := time.Now()

	// Two pending groups with identical sender and text, far enough apart in
	// time that the probe's proximity factor is zero against both: every
	// signal ties, so the most-recently-active group must win.
	oldGroup := tb.newPending(msg("a", "alice", "lunch plans today", now.Add(-3*time.Hour)))
	newGroup := tb.newPending(msg("b", "alice", "lunch plans today", now.Add(-2*time.Hour)))

	probe := msg("c", "alice", "lunch plans today", now)
	best, _ := tb.bestCandidate(probe, weights())
	if best == nil || best.pending == nil {
		t.Fatal("no pending candidate selected")
	}
	if best.pending.ID != newGroup.ID {
		t.Errorf("tie-break picked %s, want most recent %s (old=%s)",
			best.pending.ID, newGroup.ID, oldGroup.ID)
	}
}

func TestDuplicateMessageIDRerouted(t *testing.T) {
	tb := NewTable("ch")
	now := time.Now()

	tb.Assign(msg("a", "alice", "hey", now), weights())
	b := msg("b", "bob", "yo", now.Add(time.Second))
	b.ReplyTo = "a"
	th := tb.Assign(b, weights()).Thread

	dup := msg("b", "bob", "yo", now.Add(2*time.Second))
	dup.ReplyTo = "a"
	res := tb.Assign(dup, weights())
	if res.Outcome != OutcomeRerouted {
		t.Fatalf("outcome = %s, want rerouted", res.Outcome)
	}
	if len(th.Messages) != 2 {
		t.Errorf("duplicate appended to thread: %d messages", len(th.Messages))
	}
}

func TestSenderHistoryAndEngagedSignals(t *testing.T) {
	tb := NewTable("ch")
	now := time.Now()

	tb.Assign(msg("a", "alice", "hey", now), weights())
	b := msg("b", "bob", "yo", now.Add(time.Second))
	b.ReplyTo = "a"
	th := tb.Assign(b, weights()).Thread

	if tb.Engaged() {
		t.Error("engaged before any reply")
	}
	if tb.SenderHistory("alice") != 0 {
		t.Error("history before any involved thread")
	}

	tb.NotifyResponded(th.ID, Message{ID: "r1", Text: "hi", Timestamp: now.Add(2 * time.Second)})
	if !tb.Engaged() {
		t.Error("not engaged after reply")
	}
	if tb.SenderHistory("alice") != 1 {
		t.Errorf("alice history = %f, want 1", tb.SenderHistory("alice"))
	}
	if tb.SenderHistory("stranger") != 0 {
		t.Errorf("stranger history = %f, want 0", tb.SenderHistory("stranger"))
	}
}

func TestPendingExpiry(t *testing.T) {
	tb := NewTable("ch")
	now := time.Now()

	texts := []string{"alpha forest", "binary star", "copper kettle"}
	for i, text := range texts {
		res := tb.Assign(msg(fmt.Sprintf("m%d", i), fmt.Sprintf("u%d", i), text, now), weights())
		if res.Outcome != OutcomeNewPending {
			t.Fatalf("message %d outcome = %s, want new_pending", i, res.Outcome)
		}
	}
	stats := tb.Sweep(now.Add(time.Hour), 5*time.Minute, 30*time.Minute, 10*time.Minute, func(*Thread) error { return nil })
	if stats.PendingExpired != 3 {
		t.Fatalf("expired = %d, want 3", stats.PendingExpired)
	}
	if len(tb.Pending) != 0 || len(tb.PendingIndex) != 0 {
		t.Errorf("pending not cleaned: %d groups, %d index", len(tb.Pending), len(tb.PendingIndex))
	}
}

// A cloned table shares nothing with the original: mutations after the clone
// must not leak into the snapshot.
func TestCloneIsIsolated(t *testing.T) {
	tb := NewTable("ch")
	now := time.Now()

	a := msg("a", "alice", "deploy is out", now)
	tb.Assign(a, weights())
	b := msg("b", "bob", "nice, reviewing now", now.Add(5*time.Second))
	b.ReplyTo = "a"
	res := tb.Assign(b, weights())
	tid := res.Thread.ID

	snap := tb.Clone()

	c := msg("c", "alice", "one more commit incoming", now.Add(10*time.Second))
	c.ReplyTo = "b"
	tb.Assign(c, weights())
	tb.NotifyResponded(tid, msg("r1", "agent", "looks good", now.Add(15*time.Second)))
	tb.Assign(msg("d", "carol", "unrelated", now.Add(20*time.Second)), weights())

	st := snap.Threads[tid]
	if st == nil {
		t.Fatal("clone lost the thread")
	}
	if len(st.Messages) != 2 {
		t.Fatalf("clone messages = %d, want 2", len(st.Messages))
	}
	if st.LastShownIndex != 0 || st.Involved {
		t.Fatalf("responded-callback leaked into clone: %+v", st)
	}
	if len(st.Participants) != 2 {
		t.Fatalf("clone participants = %d, want 2", len(st.Participants))
	}
	if _, ok := snap.MsgIndex["c"]; ok {
		t.Fatal("post-clone index entry leaked into clone")
	}
	if len(snap.Pending) != 0 {
		t.Fatalf("post-clone pending leaked into clone: %d", len(snap.Pending))
	}
}
