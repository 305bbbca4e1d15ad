package format

import (
	"sort"

	"github.com/nextlevelbuilder/chatweave/internal/config"
	"github.com/nextlevelbuilder/chatweave/internal/thread"
)

// Payload is the bounded, non-duplicated context handed to the reply
// generator. Building it never mutates thread state: last_shown_index moves
// only through the responder callback, so re-invoking Build with unchanged
// state yields identical output.
type Payload struct {
	ChannelID string `json:"channel_id"`

	// FastPath: the cycle contained exactly one message and no active
	// thread had unseen content; the single message is forwarded raw.
	FastPath bool            `json:"fast_path,omitempty"`
	Raw      *thread.Message `json:"raw,omitempty"`

	Active     []ThreadSection  `json:"active,omitempty"`
	Background []ThreadSummary  `json:"background,omitempty"`
	Unthreaded []thread.Message `json:"unthreaded,omitempty"`
}

// ThreadSection is the unseen slice of a thread the agent is involved in.
type ThreadSection struct {
	ThreadID     string           `json:"thread_id"`
	Participants []string         `json:"participants"`
	Messages     []thread.Message `json:"messages"`

	// Elided counts messages hidden between the head and tail of a bounded
	// first/last window (only set when last_shown_index was 0).
	Elided int `json:"elided,omitempty"`
}

// ThreadSummary is the compact form of a thread the agent never joined.
type ThreadSummary struct {
	ThreadID     string       `json:"thread_id"`
	State        thread.State `json:"state"`
	Participants []string     `json:"participants"`
	MessageCount int          `json:"message_count"`
	Preview      string       `json:"preview,omitempty"` // last message text
}

// Build assembles the payload for one cycle: the threads touched this cycle
// plus messages matched to no thread.
func Build(channelID string, threads []*thread.Thread, unthreaded []thread.Message, cfg config.FormatConfig) Payload {
	p := Payload{ChannelID: channelID}

	ordered := make([]*thread.Thread, len(threads))
	copy(ordered, threads)
	sort.Slice(ordered, func(i, j int) bool {
		if !ordered[i].CreatedAt.Equal(ordered[j].CreatedAt) {
			return ordered[i].CreatedAt.Before(ordered[j].CreatedAt)
		}
		return ordered[i].ID < ordered[j].ID
	})

	for _, th := range ordered {
		if th.Involved {
			if sec, ok := activeSection(th, cfg); ok {
				p.Active = append(p.Active, sec)
			}
			continue
		}
		p.Background = append(p.Background, summarize(th))
	}

	p.Unthreaded = unthreaded

	// Fast path: a single raw message with nothing unseen anywhere.
	if cfg.FastPath && len(p.Active) == 0 && len(p.Background) == 0 && len(unthreaded) == 1 {
		p.FastPath = true
		raw := unthreaded[0]
		p.Raw = &raw
		p.Unthreaded = nil
	}

	return p
}

// activeSection slices an involved thread to its unseen messages, or a
// bounded first/last window with an elision marker when nothing was ever
// shown. Threads with no unseen content are omitted entirely.
func activeSection(th *thread.Thread, cfg config.FormatConfig) (ThreadSection, bool) {
	sec := ThreadSection{
		ThreadID:     th.ID,
		Participants: sortedParticipants(th),
	}

	if th.LastShownIndex == 0 {
		head, tail := cfg.WindowHead, cfg.WindowTail
		total := len(th.Messages)
		if total == 0 {
			return sec, false
		}
		if head+tail >= total || head < 0 || tail < 0 {
			sec.Messages = append(sec.Messages, th.Messages...)
			return sec, true
		}
		sec.Messages = append(sec.Messages, th.Messages[:head]...)
		sec.Messages = append(sec.Messages, th.Messages[total-tail:]...)
		sec.Elided = total - head - tail
		return sec, true
	}

	if th.UnseenCount() == 0 {
		return sec, false
	}
	sec.Messages = append(sec.Messages, th.Messages[th.LastShownIndex:]...)
	return sec, true
}

func summarize(th *thread.Thread) ThreadSummary {
	s := ThreadSummary{
		ThreadID:     th.ID,
		State:        th.State,
		Participants: sortedParticipants(th),
		MessageCount: len(th.Messages),
	}
	if n := len(th.Messages); n > 0 {
		s.Preview = th.Messages[n-1].Text
	}
	return s
}

func sortedParticipants(th *thread.Thread) []string {
	out := make([]string, 0, len(th.Participants))
	for id := range th.Participants {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
