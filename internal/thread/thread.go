package thread

import (
	"time"

	"github.com/google/uuid"
)

// State is the lifecycle state of a thread.
// Transitions: ACTIVE → STALE → DEAD, with STALE returning to ACTIVE on new
// matching activity. DEAD is terminal; the thread is archived and dropped
// from memory. (A single unassigned message lives in a PendingGroup, not a
// Thread.)
type State string

const (
	StateActive State = "ACTIVE"
	StateStale  State = "STALE"
	StateDead   State = "DEAD"
)

// Message is one event as recorded inside a thread.
type Message struct {
	ID        string    `json:"id"`
	SenderID  string    `json:"sender_id"`
	Sender    string    `json:"sender,omitempty"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
	ReplyTo   string    `json:"reply_to,omitempty"`
	FromAgent bool      `json:"from_agent,omitempty"`
}

// Thread is a tracked, stateful grouping of related messages across time.
type Thread struct {
	ID        string   `json:"id"`
	ChannelID string   `json:"channel_id"`
	State     State    `json:"state"`
	Messages  []Message `json:"messages"`

	// Participants maps sender id → display name (last seen).
	Participants map[string]string `json:"participants"`

	// LastShownIndex marks how much history has already been surfaced
	// downstream. Monotonic non-decreasing, ≤ len(Messages). Advanced only
	// by the responder's post-reply callback — the sole mechanism
	// preventing history replay.
	LastShownIndex int  `json:"last_shown_index"`
	Involved       bool `json:"involved"` // the agent has replied in this thread

	CreatedAt      time.Time `json:"created_at"`
	LastActivityAt time.Time `json:"last_activity_at"`

	ArchiveAttempts int `json:"archive_attempts,omitempty"`
}

// PendingGroup holds a provisional single unassigned message awaiting a
// second related message before thread promotion.
type PendingGroup struct {
	ID        string    `json:"id"`
	ChannelID string    `json:"channel_id"`
	Message   Message   `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

func newThreadID() string { return "th_" + uuid.NewString() }

func newPendingID() string { return "pg_" + uuid.NewString() }

// append records a message and refreshes activity bookkeeping.
func (t *Thread) append(m Message) {
	t.Messages = append(t.Messages, m)
	if t.Participants == nil {
		t.Participants = make(map[string]string)
	}
	if !m.FromAgent {
		t.Participants[m.SenderID] = m.Sender
	}
	if m.Timestamp.After(t.LastActivityAt) {
		t.LastActivityAt = m.Timestamp
	}
}

// UnseenCount is the number of messages not yet surfaced downstream.
func (t *Thread) UnseenCount() int {
	n := len(t.Messages) - t.LastShownIndex
	if n < 0 {
		return 0
	}
	return n
}
