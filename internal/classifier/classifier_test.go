package classifier

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nextlevelbuilder/chatweave/internal/bus"
	"github.com/nextlevelbuilder/chatweave/internal/config"
	"github.com/nextlevelbuilder/chatweave/internal/moderation"
)

// fakeService is a scripted external provider.
type fakeService struct {
	name    string
	result  Result
	err     error
	delay   time.Duration
	calls   int
}

func (f *fakeService) Name() string { return f.name }

func (f *fakeService) Classify(ctx context.Context, ev bus.Event, recent []string) (Result, error) {
	f.calls++
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return Result{}, ctx.Err()
		}
	}
	if f.err != nil {
		return Result{}, f.err
	}
	return f.result, nil
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Agent.Name = "ava"
	cfg.Agent.Aliases = []string{"avabot"}
	cfg.Classifier.TimeoutMs = 50
	return cfg
}

func noSignals(bus.Event) Signals { return Signals{} }

func TestHardOverrideBeatsExternal(t *testing.T) {
	// External would say DROP; the address pattern must still win.
	svc := &fakeService{name: "ext", result: Result{Label: LabelDrop, Confidence: 0.9, Source: SourceExternal}}
	cfg := testConfig()
	cl := New(cfg, nil, NewRotator([]Service{svc}, 3, time.Minute, 0))

	cases := []struct {
		text  string
		match bool
	}{
		{"hey ava, what's up", true},
		{"@avabot help", true},
		{"AVA: run it", true},
		{"lava flows downhill", false},
		{"avalanche warning", false},
	}
	for _, tc := range cases {
		res := cl.classifyOne(context.Background(), bus.Event{ChannelID: "ch", SenderID: "u", Text: tc.text}, Signals{})
		if tc.match {
			if res.Label != LabelRespond || res.Source != SourceOverride {
				t.Errorf("%q: got %s/%s, want RESPOND/override", tc.text, res.Label, res.Source)
			}
		} else if res.Source == SourceOverride {
			t.Errorf("%q: false positive override", tc.text)
		}
	}
}

func TestReplyToAgentIsOverride(t *testing.T) {
	cl := New(testConfig(), nil, nil)
	ev := bus.Event{ChannelID: "ch", SenderID: "u", Text: "sure", ReplyToID: "agent-msg-1"}
	res := cl.classifyOne(context.Background(), ev, Signals{ReplyToAgent: true})
	if res.Label != LabelRespond || res.Source != SourceOverride {
		t.Fatalf("got %s/%s, want RESPOND/override", res.Label, res.Source)
	}
}

func TestMutedSenderSuppressedBeforeOverride(t *testing.T) {
	mod := moderation.NewStaticLookup([]string{"troll"}, nil)
	cl := New(testConfig(), mod, nil)

	// Even a direct address from a muted sender is dropped.
	ev := bus.Event{ChannelID: "ch", SenderID: "troll", Text: "ava do something"}
	res := cl.classifyOne(context.Background(), ev, Signals{})
	if res.Label != LabelDrop || res.Source != SourceModeration {
		t.Fatalf("got %s/%s, want DROP/moderation", res.Label, res.Source)
	}
}

func TestPrivilegedSenderExemptFromModeration(t *testing.T) {
	mod := moderation.NewStaticLookup([]string{"owner"}, []string{"owner"})
	cl := New(testConfig(), mod, nil)

	ev := bus.Event{ChannelID: "ch", SenderID: "owner", Text: "ava status"}
	res := cl.classifyOne(context.Background(), ev, Signals{})
	if res.Label != LabelRespond {
		t.Fatalf("privileged sender suppressed: got %s/%s", res.Label, res.Source)
	}
}

func TestExternalTimeoutFallsBackWithinBudget(t *testing.T) {
	svc := &fakeService{name: "slow", delay: 5 * time.Second}
	cfg := testConfig()
	cl := New(cfg, nil, NewRotator([]Service{svc}, 3, time.Minute, 0))

	ev := bus.Event{ChannelID: "ch", SenderID: "u", Text: "anyone around?", Timestamp: time.Now(), Mention: false}
	start := time.Now()
	res := cl.classifyOne(context.Background(), ev, Signals{})
	elapsed := time.Since(start)

	if res.Source != SourceFallback {
		t.Fatalf("source = %s, want fallback", res.Source)
	}
	if elapsed > cfg.Classifier.Timeout()+100*time.Millisecond {
		t.Fatalf("took %v, want ≤ timeout + epsilon", elapsed)
	}
}

func TestExternalResultAdopted(t *testing.T) {
	svc := &fakeService{name: "ext", result: Result{Label: LabelContext, Confidence: 0.7, Source: SourceExternal, Topic: "weather"}}
	cl := New(testConfig(), nil, NewRotator([]Service{svc}, 3, time.Minute, 0))

	res := cl.classifyOne(context.Background(), bus.Event{ChannelID: "ch", SenderID: "u", Text: "nice day"}, Signals{})
	if res.Label != LabelContext || res.Source != SourceExternal || res.Topic != "weather" {
		t.Fatalf("external result not adopted: %+v", res)
	}
}

func TestRotatorSwitchesProviderAfterFailures(t *testing.T) {
	bad := &fakeService{name: "primary", err: errors.New("boom")}
	good := &fakeService{name: "alternate", result: Result{Label: LabelContext, Confidence: 0.5, Source: SourceExternal}}
	r := NewRotator([]Service{bad, good}, 2, time.Minute, 0)

	ev := bus.Event{ChannelID: "ch", SenderID: "u", Text: "hi"}
	for i := 0; i < 2; i++ {
		if _, err := r.Classify(context.Background(), ev, nil); err == nil {
			t.Fatal("expected failure from primary")
		}
	}

	res, err := r.Classify(context.Background(), ev, nil)
	if err != nil {
		t.Fatalf("alternate not used: %v", err)
	}
	if res.Label != LabelContext {
		t.Fatalf("got %s from alternate", res.Label)
	}
	if bad.calls != 2 || good.calls != 1 {
		t.Errorf("calls: primary=%d alternate=%d, want 2/1", bad.calls, good.calls)
	}
}

func TestRotatorCoolsDownWhenAllFail(t *testing.T) {
	a := &fakeService{name: "a", err: errors.New("down")}
	b := &fakeService{name: "b", err: errors.New("down")}
	r := NewRotator([]Service{a, b}, 1, time.Hour, 0)

	ev := bus.Event{ChannelID: "ch", SenderID: "u", Text: "hi"}
	r.Classify(context.Background(), ev, nil) // a fails, rotate to b
	r.Classify(context.Background(), ev, nil) // b fails, cool-down

	if _, err := r.Classify(context.Background(), ev, nil); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable during cool-down, got %v", err)
	}
	if a.calls+b.calls != 2 {
		t.Errorf("providers called during cool-down: a=%d b=%d", a.calls, b.calls)
	}
}

func TestBatchPromotionSoloPrivilegedContext(t *testing.T) {
	mod := moderation.NewStaticLookup(nil, []string{"owner"})
	cl := New(testConfig(), mod, nil)

	batch := bus.Batch{ChannelID: "ch", Events: []bus.Event{
		{ID: "1", ChannelID: "ch", SenderID: "owner", Text: "thinking about the roadmap", Timestamp: time.Now()},
		{ID: "2", ChannelID: "ch", SenderID: "owner", Text: "maybe we ship thursday", Timestamp: time.Now()},
	}}
	results := []Result{
		{Label: LabelContext, Source: SourceFallback},
		{Label: LabelContext, Source: SourceFallback},
	}
	cl.promoteBatch(batch, results)

	for i, r := range results {
		if r.Label != LabelRespond || r.Source != SourcePromotion {
			t.Fatalf("result %d not promoted: %+v", i, r)
		}
	}
}

func TestNoPromotionWithMixedSenders(t *testing.T) {
	mod := moderation.NewStaticLookup(nil, []string{"owner"})
	cl := New(testConfig(), mod, nil)

	batch := bus.Batch{ChannelID: "ch", Events: []bus.Event{
		{ID: "1", ChannelID: "ch", SenderID: "owner", Text: "a"},
		{ID: "2", ChannelID: "ch", SenderID: "guest", Text: "b"},
	}}
	results := []Result{
		{Label: LabelContext, Source: SourceFallback},
		{Label: LabelContext, Source: SourceFallback},
	}
	cl.promoteBatch(batch, results)

	for _, r := range results {
		if r.Label != LabelContext {
			t.Fatal("mixed-sender batch was promoted")
		}
	}
}

func TestFallbackScorerThresholds(t *testing.T) {
	w := config.FallbackWeights{
		Mention: 0.5, ReplyToAgent: 0.4, Recency: 0.1, SenderHistory: 0.2, ConvState: 0.2,
		RespondThreshold: 0.45, ContextThreshold: 0.15,
	}
	now := time.Now()

	// Mention + fresh → RESPOND.
	res := scoreFallback(bus.Event{Mention: true, Timestamp: now}, Signals{}, w, now)
	if res.Label != LabelRespond {
		t.Errorf("mention: got %s, want RESPOND", res.Label)
	}

	// Engaged conversation, no mention → CONTEXT.
	res = scoreFallback(bus.Event{Timestamp: now.Add(-10 * time.Minute)}, Signals{ConvEngaged: true}, w, now)
	if res.Label != LabelContext {
		t.Errorf("engaged: got %s, want CONTEXT", res.Label)
	}

	// Stale, no signals → DROP.
	res = scoreFallback(bus.Event{Timestamp: now.Add(-10 * time.Minute)}, Signals{}, w, now)
	if res.Label != LabelDrop {
		t.Errorf("cold: got %s, want DROP", res.Label)
	}
}
