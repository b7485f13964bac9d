package session

import (
	"strings"
	"sync"
)

// maxExchangeRunes caps how much of each side of an exchange the history
// keeps; prompts need the gist, not the full reply.
const maxExchangeRunes = 280

// Exchange is one completed turn reduced to its prompt-relevant parts.
type Exchange struct {
	User  string
	Reply string
}

// History is a fixed-capacity ring buffer of the session's most recent
// exchanges, feeding the "last k summaries" section of the generation
// prompt and the conversation-source knowledge chunks.
type History struct {
	mu   sync.Mutex
	ring []Exchange
	next int
	size int
}

// NewHistory creates a History keeping the last capacity exchanges.
func NewHistory(capacity int) *History {
	if capacity <= 0 {
		capacity = 5
	}
	return &History{ring: make([]Exchange, capacity)}
}

// Push appends an exchange, evicting the oldest when full. Both sides are
// truncated to a prompt-friendly length.
func (h *History) Push(e Exchange) {
	e.User = truncate(e.User)
	e.Reply = truncate(e.Reply)

	h.mu.Lock()
	defer h.mu.Unlock()
	h.ring[h.next] = e
	h.next = (h.next + 1) % len(h.ring)
	if h.size < len(h.ring) {
		h.size++
	}
}

// Recent returns the stored exchanges, oldest first.
func (h *History) Recent() []Exchange {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]Exchange, 0, h.size)
	start := h.next - h.size
	if start < 0 {
		start += len(h.ring)
	}
	for i := 0; i < h.size; i++ {
		out = append(out, h.ring[(start+i)%len(h.ring)])
	}
	return out
}

func truncate(s string) string {
	s = strings.TrimSpace(s)
	runes := []rune(s)
	if len(runes) <= maxExchangeRunes {
		return s
	}
	return string(runes[:maxExchangeRunes]) + "…"
}
