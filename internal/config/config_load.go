package config

import (
	"fmt"
	"os"

	"github.com/titanous/json5"
)

// Default returns a Config with tuned defaults.
// Every numeric value here is calibration, not contract.
func Default() *Config {
	return &Config{
		Agent: AgentConfig{
			Name: "chatweave",
		},
		Intake: IntakeConfig{
			DebounceMs: 1000,
			SoftCap:    8,
			HardCap:    64,
			QueueSize:  1024,
			DedupeTTLs: 1200, // 20min, matching inbound webhook retry windows
		},
		Sequencer: SequencerConfig{
			MergeThreshold: 4,
			SoftBudgetMs:   5000,
		},
		Classifier: ClassifierConfig{
			TimeoutMs:    2000,
			RotateAfter:  3,
			CooldownS:    60,
			RateLimitRPM: 60,
			Fallback: FallbackWeights{
				Mention:          0.45,
				ReplyToAgent:     0.35,
				Recency:          0.10,
				SenderHistory:    0.15,
				ConvState:        0.15,
				RespondThreshold: 0.40,
				ContextThreshold: 0.10,
			},
		},
		Threads: ThreadsConfig{
			StaleAfterS:   300,  // Q1 = 5min
			DeadAfterS:    1800, // Q2 = 30min
			PendingTTLs:   600,
			SweepSchedule: "* * * * *",
			Assign: AssignWeights{
				ParticipantMention: 0.35,
				TemporalProximity:  0.25,
				SameSpeaker:        0.20,
				LexicalOverlap:     0.30,
				Threshold:          0.30,
				ProximityS:         120,
			},
		},
		Format: FormatConfig{
			WindowHead: 3,
			WindowTail: 5,
			FastPath:   true,
		},
		Gateway: GatewayConfig{
			Host:         "0.0.0.0",
			Port:         18890,
			RateLimitRPM: 120,
		},
		Database: DatabaseConfig{
			SQLitePath: "~/.chatweave/archive.db",
		},
		State: StateConfig{
			SnapshotPath:  "~/.chatweave/state.json",
			SaveIntervalS: 60,
		},
		Telemetry: TelemetryConfig{
			ServiceName: "chatweave",
			SampleRatio: 1.0,
		},
	}
}

// Load reads config from a JSON5 file, then overlays env vars.
// A missing file yields defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, cfg.Validate()
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, cfg.Validate()
}

// applyEnvOverrides overlays env vars onto the config.
// Env vars take precedence over file values. Secrets are env-only.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envStr("CHATWEAVE_AGENT_NAME", &c.Agent.Name)
	envStr("CHATWEAVE_GATEWAY_TOKEN", &c.Gateway.Token)
	envStr("CHATWEAVE_POSTGRES_DSN", &c.Database.PostgresDSN)
	envStr("CHATWEAVE_CLASSIFIER_API_KEY", &c.Classifier.APIKey)
	envStr("CHATWEAVE_CLASSIFIER_ENDPOINT", &c.Classifier.Endpoint)
}

// Validate rejects configurations that break engine invariants.
func (c *Config) Validate() error {
	if c.Intake.HardCap > 0 && c.Intake.SoftCap > c.Intake.HardCap {
		return fmt.Errorf("intake: soft_cap %d exceeds hard_cap %d", c.Intake.SoftCap, c.Intake.HardCap)
	}
	if c.Threads.DeadAfterS <= c.Threads.StaleAfterS {
		return fmt.Errorf("threads: dead_after_s %d must exceed stale_after_s %d", c.Threads.DeadAfterS, c.Threads.StaleAfterS)
	}
	if c.Classifier.Fallback.RespondThreshold < c.Classifier.Fallback.ContextThreshold {
		return fmt.Errorf("classifier: respond_threshold below context_threshold")
	}
	return nil
}

// FallbackTuning returns the current fallback-scorer weights.
// Safe to call concurrently with ApplyTuning.
func (c *Config) FallbackTuning() FallbackWeights {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Classifier.Fallback
}

// AssignTuning returns the current thread-assignment weights.
func (c *Config) AssignTuning() AssignWeights {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Threads.Assign
}

// FormatTuning returns the current formatter windowing settings.
// Safe to call concurrently with ApplyTuning.
func (c *Config) FormatTuning() FormatConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Format
}

// ApplyTuning swaps in recalibrated weights from a reloaded config.
// Only tuning values are hot-swapped; structural settings (ports, storage
// paths, queue sizes) require a restart.
func (c *Config) ApplyTuning(next *Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Classifier.Fallback = next.Classifier.Fallback
	c.Threads.Assign = next.Threads.Assign
	c.Format = next.Format
}
