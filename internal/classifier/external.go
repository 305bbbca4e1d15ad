package classifier

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/nextlevelbuilder/chatweave/internal/bus"
)

// ErrUnavailable signals that the external stage is skipped (cool-down,
// rate limit, or no providers configured). Callers degrade to the fallback
// scorer; the error is never surfaced past the classifier.
var ErrUnavailable = errors.New("classifier: external stage unavailable")

// Service is an external classification provider.
type Service interface {
	// Classify labels one message given lightweight context. The ctx carries
	// the fixed timeout budget; implementations must respect it.
	Classify(ctx context.Context, ev bus.Event, recent []string) (Result, error)
	Name() string
}

// HTTPService calls a classification endpoint over HTTP.
type HTTPService struct {
	name     string
	endpoint string
	apiKey   string
	client   *http.Client
}

// NewHTTPService creates a provider for the given endpoint.
func NewHTTPService(name, endpoint, apiKey string) *HTTPService {
	return &HTTPService{
		name:     name,
		endpoint: endpoint,
		apiKey:   apiKey,
		client:   &http.Client{},
	}
}

func (s *HTTPService) Name() string { return s.name }

type classifyRequest struct {
	Message   string   `json:"message"`
	SenderID  string   `json:"sender_id"`
	ChannelID string   `json:"channel_id"`
	Mention   bool     `json:"mention"`
	Recent    []string `json:"recent,omitempty"`
}

type classifyResponse struct {
	Label      string   `json:"label"`
	Confidence float64  `json:"confidence"`
	Topic      string   `json:"topic,omitempty"`
	Tone       string   `json:"tone,omitempty"`
	Flags      []string `json:"flags,omitempty"`
}

func (s *HTTPService) Classify(ctx context.Context, ev bus.Event, recent []string) (Result, error) {
	body, err := json.Marshal(classifyRequest{
		Message:   ev.Text,
		SenderID:  ev.SenderID,
		ChannelID: ev.ChannelID,
		Mention:   ev.Mention,
		Recent:    recent,
	})
	if err != nil {
		return Result{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return Result{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return Result{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Result{}, fmt.Errorf("classify: %s returned %d", s.name, resp.StatusCode)
	}

	var cr classifyResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return Result{}, err
	}

	label, ok := parseLabel(cr.Label)
	if !ok {
		return Result{}, fmt.Errorf("classify: %s returned unknown label %q", s.name, cr.Label)
	}
	return Result{
		Label:      label,
		Confidence: cr.Confidence,
		Source:     SourceExternal,
		Topic:      cr.Topic,
		Tone:       cr.Tone,
	}, nil
}

func parseLabel(s string) (Label, bool) {
	switch Label(s) {
	case LabelRespond, LabelContext, LabelDrop:
		return Label(s), true
	}
	return "", false
}

// Rotator fronts a provider list with failure-driven rotation.
// Repeated failures rotate to the next (lower-cost) provider; when every
// provider has failed in turn, the external stage cools down and callers
// fall through to the local scorer.
type Rotator struct {
	providers   []Service
	rotateAfter int
	cooldown    time.Duration
	limiter     *rate.Limiter // nil = unlimited

	mu            sync.Mutex
	current       int
	failures      int // consecutive failures of the current provider
	rotations     int // providers exhausted in the current round
	cooldownUntil time.Time
}

// NewRotator creates a rotator. rotateAfter <= 0 defaults to 3.
func NewRotator(providers []Service, rotateAfter int, cooldown time.Duration, rpm int) *Rotator {
	if rotateAfter <= 0 {
		rotateAfter = 3
	}
	var limiter *rate.Limiter
	if rpm > 0 {
		limiter = rate.NewLimiter(rate.Limit(float64(rpm)/60.0), rpm)
	}
	return &Rotator{
		providers:   providers,
		rotateAfter: rotateAfter,
		cooldown:    cooldown,
		limiter:     limiter,
	}
}

// Classify tries the current provider within the ctx budget.
func (r *Rotator) Classify(ctx context.Context, ev bus.Event, recent []string) (Result, error) {
	r.mu.Lock()
	if len(r.providers) == 0 || time.Now().Before(r.cooldownUntil) {
		r.mu.Unlock()
		return Result{}, ErrUnavailable
	}
	svc := r.providers[r.current]
	r.mu.Unlock()

	if r.limiter != nil && !r.limiter.Allow() {
		return Result{}, ErrUnavailable
	}

	res, err := svc.Classify(ctx, ev, recent)
	if err != nil {
		r.recordFailure(svc.Name(), err)
		return Result{}, err
	}

	r.mu.Lock()
	r.failures = 0
	r.rotations = 0
	r.mu.Unlock()
	return res, nil
}

func (r *Rotator) recordFailure(provider string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.failures++
	if r.failures < r.rotateAfter {
		return
	}

	r.failures = 0
	r.rotations++
	if r.rotations >= len(r.providers) {
		// Every provider exhausted: silence the external stage for a while.
		r.rotations = 0
		r.cooldownUntil = time.Now().Add(r.cooldown)
		slog.Warn("classifier: all external providers failing, entering cool-down",
			"until", r.cooldownUntil, "last_provider", provider, "error", err)
		return
	}

	r.current = (r.current + 1) % len(r.providers)
	slog.Warn("classifier: rotating external provider",
		"from", provider, "to", r.providers[r.current].Name(), "error", err)
}
