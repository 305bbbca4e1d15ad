package classifier

import (
	"strings"
	"unicode"
)

// AddressMatcher is the hard-override predicate: does this text explicitly
// address the agent by name? Pure function over message text; the
// reply-to-agent half of the override is checked by the caller against
// tracked message ids.
type AddressMatcher struct {
	names []string // lowercase canonical name + aliases
}

// NewAddressMatcher builds a matcher for the agent name and aliases.
func NewAddressMatcher(name string, aliases []string) *AddressMatcher {
	m := &AddressMatcher{}
	for _, n := range append([]string{name}, aliases...) {
		n = strings.ToLower(strings.TrimSpace(n))
		if n != "" {
			m.names = append(m.names, n)
		}
	}
	return m
}

// Matches reports whether the text contains the agent's name as a whole
// word, or an @-prefixed form of it.
func (m *AddressMatcher) Matches(text string) bool {
	lower := strings.ToLower(text)
	for _, name := range m.names {
		idx := 0
		for {
			i := strings.Index(lower[idx:], name)
			if i < 0 {
				break
			}
			start := idx + i
			end := start + len(name)
			if boundaryBefore(lower, start) && boundaryAfter(lower, end) {
				return true
			}
			idx = end
		}
	}
	return false
}

func boundaryBefore(s string, i int) bool {
	if i == 0 {
		return true
	}
	r := rune(s[i-1])
	return r == '@' || !unicode.IsLetter(r) && !unicode.IsDigit(r)
}

func boundaryAfter(s string, i int) bool {
	if i >= len(s) {
		return true
	}
	r := rune(s[i])
	return !unicode.IsLetter(r) && !unicode.IsDigit(r)
}
