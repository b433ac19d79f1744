package llm

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// History defaults: ten exchanges per session
const (
	DefaultHistoryMessages = 20
	DefaultHistorySessions = 1024
)

// History keeps the most recent messages of each session. Sessions are
// held in an LRU so abandoned sessions are eventually dropped.
type History struct {
	mu          sync.Mutex
	maxMessages int
	sessions    *lru.Cache[string, []Message]
}

// NewHistory creates a history keeping maxMessages per session for up to
// maxSessions sessions. Zero values select the defaults.
func NewHistory(maxMessages, maxSessions int) (*History, error) {
	if maxMessages <= 0 {
		maxMessages = DefaultHistoryMessages
	}
	if maxSessions <= 0 {
		maxSessions = DefaultHistorySessions
	}

	cache, err := lru.New[string, []Message](maxSessions)
	if err != nil {
		return nil, err
	}
	return &History{maxMessages: maxMessages, sessions: cache}, nil
}

// Append adds messages to a session, trims it to the cap and returns a
// copy of what is kept.
func (h *History) Append(sessionID string, msgs ...Message) []Message {
	h.mu.Lock()
	defer h.mu.Unlock()

	current, _ := h.sessions.Get(sessionID)
	next := make([]Message, 0, len(current)+len(msgs))
	next = append(next, current...)
	next = append(next, msgs...)
	if len(next) > h.maxMessages {
		next = next[len(next)-h.maxMessages:]
	}
	h.sessions.Add(sessionID, next)

	return append([]Message(nil), next...)
}

// Get returns a copy of a session's messages
func (h *History) Get(sessionID string) []Message {
	h.mu.Lock()
	defer h.mu.Unlock()

	current, _ := h.sessions.Get(sessionID)
	return append([]Message(nil), current...)
}

// Clear forgets a session and reports whether it was known
func (h *History) Clear(sessionID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sessions.Remove(sessionID)
}

// Len returns the number of sessions held
func (h *History) Len() int {
	return h.sessions.Len()
}
