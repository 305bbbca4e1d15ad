package moderation

import "sync"

// Lookup resolves sender moderation/trust state.
// Consumed by the classifier; backed by config here, by the external
// trust subsystem in production deployments.
type Lookup interface {
	IsMuted(senderID string) bool
	IsPrivileged(senderID string) bool
}

// StaticLookup is a config-backed Lookup with runtime mutation for
// moderation commands. Safe for concurrent use.
type StaticLookup struct {
	mu         sync.RWMutex
	muted      map[string]struct{}
	privileged map[string]struct{}
}

// NewStaticLookup builds a lookup from config lists.
func NewStaticLookup(muted, privileged []string) *StaticLookup {
	l := &StaticLookup{
		muted:      make(map[string]struct{}, len(muted)),
		privileged: make(map[string]struct{}, len(privileged)),
	}
	for _, id := range muted {
		l.muted[id] = struct{}{}
	}
	for _, id := range privileged {
		l.privileged[id] = struct{}{}
	}
	return l
}

func (l *StaticLookup) IsMuted(senderID string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.muted[senderID]
	return ok
}

func (l *StaticLookup) IsPrivileged(senderID string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.privileged[senderID]
	return ok
}

// Mute adds a sender to the muted set.
func (l *StaticLookup) Mute(senderID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.muted[senderID] = struct{}{}
}

// Unmute removes a sender from the muted set.
func (l *StaticLookup) Unmute(senderID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.muted, senderID)
}
