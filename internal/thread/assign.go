package thread

import (
	"strings"
	"time"

	"github.com/nextlevelbuilder/chatweave/internal/config"
)

// candidate is anything a message can be assigned to: an open thread or a
// pending group.
type candidate struct {
	thread  *Thread
	pending *PendingGroup
}

func (c candidate) lastActivity() time.Time {
	if c.thread != nil {
		return c.thread.LastActivityAt
	}
	return c.pending.Message.Timestamp
}

func (c candidate) participants() map[string]string {
	if c.thread != nil {
		return c.thread.Participants
	}
	return map[string]string{c.pending.Message.SenderID: c.pending.Message.Sender}
}

// recentTexts returns the candidate's recent content for lexical overlap.
func (c candidate) recentTexts() []string {
	if c.pending != nil {
		return []string{c.pending.Message.Text}
	}
	const k = 3
	msgs := c.thread.Messages
	start := len(msgs) - k
	if start < 0 {
		start = 0
	}
	out := make([]string, 0, k)
	for _, m := range msgs[start:] {
		out = append(out, m.Text)
	}
	return out
}

// score computes the weighted assignment score of msg against the candidate:
// mention-of-participant, temporal proximity to the candidate's last message,
// same-speaker continuation, and lexical overlap with recent content.
func score(msg Message, c candidate, w config.AssignWeights) float64 {
	s := 0.0

	parts := c.participants()
	if mentionsParticipant(msg.Text, parts) {
		s += w.ParticipantMention
	}
	if _, ok := parts[msg.SenderID]; ok {
		s += w.SameSpeaker
	}
	s += w.TemporalProximity * proximityFactor(msg.Timestamp, c.lastActivity(), w.Proximity())
	s += w.LexicalOverlap * lexicalOverlap(msg.Text, c.recentTexts())

	return s
}

// mentionsParticipant reports whether the text names any candidate
// participant by display name or id.
func mentionsParticipant(text string, participants map[string]string) bool {
	lower := strings.ToLower(text)
	for id, name := range participants {
		for _, needle := range []string{name, id} {
			needle = strings.ToLower(strings.TrimSpace(needle))
			if len(needle) < 2 {
				continue
			}
			if strings.Contains(lower, needle) {
				return true
			}
		}
	}
	return false
}

// proximityFactor decays linearly from 1 (simultaneous) to 0 (at or past the
// horizon).
func proximityFactor(ts, last time.Time, horizon time.Duration) float64 {
	if horizon <= 0 {
		return 0
	}
	gap := ts.Sub(last)
	if gap < 0 {
		gap = -gap
	}
	if gap >= horizon {
		return 0
	}
	return 1 - float64(gap)/float64(horizon)
}

// lexicalOverlap is the Jaccard similarity between the message's word set
// and the union of the candidate's recent texts. Words shorter than three
// runes carry no signal and are skipped.
func lexicalOverlap(text string, recent []string) float64 {
	a := wordSet(text)
	if len(a) == 0 {
		return 0
	}
	b := make(map[string]struct{})
	for _, t := range recent {
		for w := range wordSet(t) {
			b[w] = struct{}{}
		}
	}
	if len(b) == 0 {
		return 0
	}

	inter := 0
	for w := range a {
		if _, ok := b[w]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	return float64(inter) / float64(union)
}

func wordSet(text string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, w := range strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r > 127)
	}) {
		if len([]rune(w)) >= 3 {
			set[w] = struct{}{}
		}
	}
	return set
}
