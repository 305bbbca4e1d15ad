package classifier

// Label is the per-message classification outcome.
type Label string

const (
	LabelRespond Label = "RESPOND" // deserves a generated reply
	LabelContext Label = "CONTEXT" // kept as thread context only
	LabelDrop    Label = "DROP"    // never enters a thread
)

// Source identifies which pipeline stage produced a result, so each stage's
// contribution stays traceable and testable in isolation.
type Source string

const (
	SourceOverride   Source = "override"   // deterministic address-to-agent rule
	SourceExternal   Source = "external"   // external classification service
	SourceFallback   Source = "fallback"   // local deterministic scorer
	SourceModeration Source = "moderation" // mute suppression, final
	SourcePromotion  Source = "promotion"  // batch-level privileged promotion
)

// Result is the classification of one event.
type Result struct {
	Label      Label   `json:"label"`
	Confidence float64 `json:"confidence"`
	Source     Source  `json:"source"`
	Topic      string  `json:"topic,omitempty"` // external service extra, advisory
	Tone       string  `json:"tone,omitempty"`
}

// Signals are the per-event features the engine supplies to the classifier;
// computed from thread state the classifier itself has no access to.
type Signals struct {
	ReplyToAgent  bool    // event's reply-target is one of the agent's own messages
	SenderHistory float64 // prior interaction with this sender, 0..1
	ConvEngaged   bool    // channel currently has a thread the agent is involved in
	RecentTexts   []string // lightweight context for the external call
}
