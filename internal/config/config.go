package config

import (
	"sync"
	"time"
)

// Config is the root configuration for the chatweave engine.
// Numeric tuning values (windows, caps, weights, thresholds) are calibration,
// not contracts: they may be changed at runtime via the config watcher.
type Config struct {
	Agent      AgentConfig      `json:"agent"`
	Intake     IntakeConfig     `json:"intake"`
	Sequencer  SequencerConfig  `json:"sequencer"`
	Classifier ClassifierConfig `json:"classifier"`
	Threads    ThreadsConfig    `json:"threads"`
	Format     FormatConfig     `json:"format"`
	Gateway    GatewayConfig    `json:"gateway"`
	Database   DatabaseConfig   `json:"database,omitempty"`
	State      StateConfig      `json:"state,omitempty"`
	Telemetry  TelemetryConfig  `json:"telemetry,omitempty"`
	mu         sync.RWMutex
}

// AgentConfig identifies the agent in channel traffic.
type AgentConfig struct {
	Name    string   `json:"name"`              // canonical name matched by the hard override
	Aliases []string `json:"aliases,omitempty"` // extra names/handles that count as a mention

	// Senders exempt from moderation whose solo CONTEXT batches are promoted
	// to RESPOND (a privileged sender talking alone is addressing the agent).
	PrivilegedSenders []string `json:"privileged_senders,omitempty"`
	MutedSenders      []string `json:"muted_senders,omitempty"`
}

// IntakeConfig tunes the per-channel debounce accumulator.
type IntakeConfig struct {
	DebounceMs int `json:"debounce_ms"` // quiet period before a flush
	SoftCap    int `json:"soft_cap"`    // flush immediately at this count
	HardCap    int `json:"hard_cap"`    // drop oldest beyond this count
	QueueSize  int `json:"queue_size"`  // inbound bus queue size
	DedupeTTLs int `json:"dedupe_ttl_s"`
}

// Quiet returns the debounce quiet period.
func (c IntakeConfig) Quiet() time.Duration { return time.Duration(c.DebounceMs) * time.Millisecond }

// DedupeTTL returns the inbound dedupe window.
func (c IntakeConfig) DedupeTTL() time.Duration { return time.Duration(c.DedupeTTLs) * time.Second }

// SequencerConfig tunes the per-channel batch FIFO.
type SequencerConfig struct {
	MergeThreshold int `json:"merge_threshold"` // backlog size that triggers a mega-batch merge
	MegaBatchCap   int `json:"mega_batch_cap"`  // max events in a merged batch (0 = intake hard cap)
	SoftBudgetMs   int `json:"soft_budget_ms"`  // per-batch soft time budget (logged when exceeded)
}

// SoftBudget returns the per-batch soft processing budget.
func (c SequencerConfig) SoftBudget() time.Duration {
	return time.Duration(c.SoftBudgetMs) * time.Millisecond
}

// ClassifierConfig tunes the three-stage label pipeline.
type ClassifierConfig struct {
	TimeoutMs         int     `json:"timeout_ms"`          // external call budget
	RotateAfter       int     `json:"rotate_after"`        // consecutive failures before provider rotation
	CooldownS         int     `json:"cooldown_s"`          // external stage cool-down after all providers fail
	RateLimitRPM      int     `json:"rate_limit_rpm"`      // external call rate limit (0 = unlimited)
	Endpoint          string  `json:"endpoint,omitempty"`  // primary provider URL
	FallbackEndpoint  string  `json:"fallback_endpoint,omitempty"` // low-cost alternate after rotation
	APIKey            string  `json:"-"`                   // from env CHATWEAVE_CLASSIFIER_API_KEY only
	Fallback          FallbackWeights `json:"fallback"`
}

// Timeout returns the external classification call budget.
func (c ClassifierConfig) Timeout() time.Duration { return time.Duration(c.TimeoutMs) * time.Millisecond }

// Cooldown returns the external-stage cool-down window.
func (c ClassifierConfig) Cooldown() time.Duration { return time.Duration(c.CooldownS) * time.Second }

// FallbackWeights are the feature weights and thresholds of the local scorer.
type FallbackWeights struct {
	Mention       float64 `json:"mention"`
	ReplyToAgent  float64 `json:"reply_to_agent"`
	Recency       float64 `json:"recency"`
	SenderHistory float64 `json:"sender_history"`
	ConvState     float64 `json:"conversation_state"`

	RespondThreshold float64 `json:"respond_threshold"` // score ≥ this → RESPOND
	ContextThreshold float64 `json:"context_threshold"` // score ≥ this → CONTEXT, else DROP
}

// ThreadsConfig tunes the thread engine.
type ThreadsConfig struct {
	StaleAfterS int `json:"stale_after_s"` // Q1: ACTIVE idle beyond this → STALE
	DeadAfterS  int `json:"dead_after_s"`  // Q2: STALE idle beyond this → DEAD (Q2 > Q1)

	PendingTTLs   int `json:"pending_ttl_s"`  // unmatched pending groups expire after this
	SweepSchedule string `json:"sweep_schedule"` // cron expression for the lifecycle sweep

	Assign AssignWeights `json:"assign"`
}

// StaleAfter returns the Q1 idle threshold.
func (c ThreadsConfig) StaleAfter() time.Duration { return time.Duration(c.StaleAfterS) * time.Second }

// DeadAfter returns the Q2 idle threshold.
func (c ThreadsConfig) DeadAfter() time.Duration { return time.Duration(c.DeadAfterS) * time.Second }

// PendingTTL returns the pending-group expiry window.
func (c ThreadsConfig) PendingTTL() time.Duration { return time.Duration(c.PendingTTLs) * time.Second }

// AssignWeights are the signal weights of the thread-assignment scorer.
type AssignWeights struct {
	ParticipantMention float64 `json:"participant_mention"`
	TemporalProximity  float64 `json:"temporal_proximity"`
	SameSpeaker        float64 `json:"same_speaker"`
	LexicalOverlap     float64 `json:"lexical_overlap"`

	Threshold   float64 `json:"threshold"`    // minimum score to join a candidate
	ProximityS  int     `json:"proximity_s"`  // temporal proximity horizon
}

// Proximity returns the temporal-proximity horizon.
func (c AssignWeights) Proximity() time.Duration { return time.Duration(c.ProximityS) * time.Second }

// FormatConfig tunes the context formatter.
type FormatConfig struct {
	WindowHead int  `json:"window_head"` // first N messages of an unseen thread
	WindowTail int  `json:"window_tail"` // last M messages of an unseen thread
	FastPath   bool `json:"fast_path"`   // single-message bypass
}

// GatewayConfig configures the HTTP/WebSocket surface.
type GatewayConfig struct {
	Host         string `json:"host"`
	Port         int    `json:"port"`
	Token        string `json:"-"` // from env CHATWEAVE_GATEWAY_TOKEN only
	RateLimitRPM int    `json:"rate_limit_rpm"`
}

// DatabaseConfig selects the thread archive backend.
// PostgresDSN is NEVER read from the config file (secret) — env only.
type DatabaseConfig struct {
	SQLitePath  string `json:"sqlite_path,omitempty"` // default archive backend
	PostgresDSN string `json:"-"`                     // from env CHATWEAVE_POSTGRES_DSN only
}

// StateConfig configures restart-continuity snapshots.
type StateConfig struct {
	SnapshotPath  string `json:"snapshot_path,omitempty"`
	SaveIntervalS int    `json:"save_interval_s"`
}

// SaveInterval returns the periodic snapshot interval.
func (c StateConfig) SaveInterval() time.Duration {
	return time.Duration(c.SaveIntervalS) * time.Second
}

// TelemetryConfig configures optional OTLP trace export.
type TelemetryConfig struct {
	Endpoint    string  `json:"endpoint,omitempty"` // OTLP/HTTP endpoint; empty = disabled
	SampleRatio float64 `json:"sample_ratio,omitempty"`
	ServiceName string  `json:"service_name,omitempty"`
}
