package therapy

import "time"

// Oversight event types
const (
	EventProfileUpdated = "profile.updated"
	EventSessionEnded   = "session.ended"
)

// Event tells an overseeing therapist that something happened. UserID is
// the secure identifier.
type Event struct {
	Type      string    `json:"type"`
	UserID    string    `json:"user_id"`
	SessionID string    `json:"session_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data,omitempty"`
}

// Notifier delivers oversight events. Notify must not block.
type Notifier interface {
	Notify(ev Event)
}

type nopNotifier struct{}

func (nopNotifier) Notify(Event) {}
