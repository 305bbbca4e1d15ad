package bus

import "time"

// Event is a single chat event pushed by an event source.
// All fields are read-only inputs; the engine never mutates an Event.
type Event struct {
	ID        string    `json:"id"`
	ChannelID string    `json:"channel_id"`
	SenderID  string    `json:"sender_id"`
	Sender    string    `json:"sender,omitempty"` // display name, used for mention matching
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`

	ReplyToID string `json:"reply_to_id,omitempty"` // id of the message this replies to
	Mention   bool   `json:"mention,omitempty"`     // agent explicitly mentioned
	IsDirect  bool   `json:"is_direct_message,omitempty"`

	// Sender flags resolved by the source (overridden by the moderation
	// lookup at classification time when one is configured).
	SenderPrivileged bool `json:"sender_privilege,omitempty"`
	SenderMuted      bool `json:"sender_muted,omitempty"`

	Metadata map[string]string `json:"metadata,omitempty"`
}

// FlushReason records why the intake buffer emitted a batch.
type FlushReason string

const (
	FlushQuiet   FlushReason = "quiet"    // quiet period elapsed with no new arrivals
	FlushSoftCap FlushReason = "soft_cap" // soft count cap reached
	FlushMerged  FlushReason = "merged"   // backlog merged into a mega-batch
	FlushManual  FlushReason = "manual"   // explicit flush (shutdown, tests)
)

// Batch is an ordered run of events for one channel plus the flush reason.
type Batch struct {
	ChannelID string      `json:"channel_id"`
	Events    []Event     `json:"events"`
	Reason    FlushReason `json:"reason"`
	Dropped   int         `json:"dropped,omitempty"` // events discarded by capacity limits
}

// EngineEvent is a server-side event broadcast to WebSocket subscribers.
type EngineEvent struct {
	Name    string      `json:"name"` // e.g. "batch.processed", "thread.archived"
	Payload interface{} `json:"payload,omitempty"`
}

// EventHandler handles a broadcast engine event.
type EventHandler func(EngineEvent)

// EventPublisher abstracts engine event broadcast + subscription.
// Used by the gateway server to decouple from the concrete MessageBus.
type EventPublisher interface {
	Subscribe(id string, handler EventHandler)
	Unsubscribe(id string)
	Broadcast(event EngineEvent)
}
