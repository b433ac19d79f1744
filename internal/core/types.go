// Package core defines the fundamental types for Serenity.
// Storage, the therapy service and the API all speak these types.
package core

import (
	"fmt"
	"time"
)

// -----------------------------------------------------------------------------
// RETENTION - How long personalization data outlives a session
// -----------------------------------------------------------------------------

// RetentionPreference controls whether a profile survives the end of a session.
type RetentionPreference string

const (
	RetentionSession   RetentionPreference = "session"   // Deleted when the session ends
	RetentionLimited   RetentionPreference = "limited"   // Kept for a bounded period
	RetentionPermanent RetentionPreference = "permanent" // Kept until the user deletes it
)

// Valid reports whether r is one of the known retention preferences.
func (r RetentionPreference) Valid() bool {
	switch r {
	case RetentionSession, RetentionLimited, RetentionPermanent:
		return true
	}
	return false
}

// -----------------------------------------------------------------------------
// SESSION - A therapy session between a user and the AI therapist
// -----------------------------------------------------------------------------

// SessionType is the medium of a therapy session
type SessionType string

const (
	SessionVoice   SessionType = "voice"
	SessionVideo   SessionType = "video"
	SessionText    SessionType = "text"
	SessionCheckIn SessionType = "check_in"
)

// SessionStatus tracks where a session is in its lifecycle
type SessionStatus string

const (
	SessionScheduled  SessionStatus = "scheduled"
	SessionInProgress SessionStatus = "in_progress"
	SessionCompleted  SessionStatus = "completed"
	SessionCancelled  SessionStatus = "cancelled"
	SessionMissed     SessionStatus = "missed"
)

// TherapyApproach is the therapeutic framework a session follows
type TherapyApproach string

const (
	ApproachCBT             TherapyApproach = "cbt"
	ApproachDBT             TherapyApproach = "dbt"
	ApproachMindfulness     TherapyApproach = "mindfulness"
	ApproachMotivational    TherapyApproach = "motivational"
	ApproachSolutionFocused TherapyApproach = "solution_focused"
)

// ParseSessionType validates a session type string.
func ParseSessionType(s string) (SessionType, error) {
	switch t := SessionType(s); t {
	case SessionVoice, SessionVideo, SessionText, SessionCheckIn:
		return t, nil
	case "":
		return SessionText, nil
	}
	return "", fmt.Errorf("%w: unknown session type %q", ErrInvalidInput, s)
}

// ParseTherapyApproach validates a therapy approach string.
func ParseTherapyApproach(s string) (TherapyApproach, error) {
	switch a := TherapyApproach(s); a {
	case ApproachCBT, ApproachDBT, ApproachMindfulness, ApproachMotivational, ApproachSolutionFocused:
		return a, nil
	case "":
		return ApproachCBT, nil
	}
	return "", fmt.Errorf("%w: unknown therapy approach %q", ErrInvalidInput, s)
}

// Session is a therapy session. UserKey is the user's secure identifier;
// raw user identifiers never reach the database.
type Session struct {
	ID          string          `json:"id"`
	UserKey     string          `json:"user_key"`
	Type        SessionType     `json:"session_type"`
	Approach    TherapyApproach `json:"therapy_approach"`
	Status      SessionStatus   `json:"status"`
	Title       string          `json:"title,omitempty"`
	ActualStart *time.Time      `json:"actual_start,omitempty"`
	ActualEnd   *time.Time      `json:"actual_end,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// DurationMinutes returns the elapsed minutes of a finished session, or 0.
func (s *Session) DurationMinutes() int {
	if s.ActualStart == nil || s.ActualEnd == nil {
		return 0
	}
	return int(s.ActualEnd.Sub(*s.ActualStart).Minutes())
}

// -----------------------------------------------------------------------------
// MESSAGE - One turn of a therapy transcript
// -----------------------------------------------------------------------------

// Message is a stored transcript message
type Message struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	FromAI    bool      `json:"is_from_ai"`
	Content   string    `json:"content"`
	Source    string    `json:"source,omitempty"` // model, demo or fallback for AI messages
	CreatedAt time.Time `json:"timestamp"`
}

// -----------------------------------------------------------------------------
// CHECK-IN - Daily self-report
// -----------------------------------------------------------------------------

// CheckIn is a daily self-reported rating set. Ratings are on a 1-10 scale.
type CheckIn struct {
	ID           string    `json:"id"`
	UserKey      string    `json:"user_key"`
	Day          string    `json:"day"` // UTC date, YYYY-MM-DD
	MoodRating   *int      `json:"mood_rating,omitempty"`
	StressLevel  *int      `json:"stress_level,omitempty"`
	SleepQuality *int      `json:"sleep_quality,omitempty"`
	Notes        string    `json:"notes,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// -----------------------------------------------------------------------------
// HEALTH DATA - Collected mental-health readings
// -----------------------------------------------------------------------------

// HealthRecord is one piece of mental-health data about a user, such as a
// sleep, activity or mood reading. The shape of Data depends on DataType;
// Analysis holds whatever a later analysis derived from it.
type HealthRecord struct {
	ID         string         `json:"id"`
	UserKey    string         `json:"user_key"`
	DataType   string         `json:"data_type"`
	Source     string         `json:"source,omitempty"` // e.g. phone_sensors, user_input, wearable
	Data       map[string]any `json:"data"`
	Analysis   map[string]any `json:"analysis,omitempty"`
	RecordedAt time.Time      `json:"timestamp"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}
