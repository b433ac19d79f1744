package profile

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/serenity/serenity/internal/core"
)

// ErrUnreadableRecord is returned by Decode when the document is not a
// usable profile record at all (bad JSON or wrong value types).
var ErrUnreadableRecord = errors.New("unreadable profile record")

// Record is the persisted form of a Profile. UserID holds the secure
// identifier; the raw identifier is never written. Session history and
// check-ins are persisted as counts only.
type Record struct {
	UserID                  string                   `json:"user_id"`
	CreatedAt               time.Time                `json:"created_at"`
	UpdatedAt               time.Time                `json:"updated_at"`
	DemographicData         map[string]any           `json:"demographic_data"`
	Preferences             map[string]any           `json:"preferences"`
	TherapyGoals            []Goal                   `json:"therapy_goals"`
	CommunicationStyle      map[string]any           `json:"communication_style"`
	MoodPatterns            []MoodEntry              `json:"mood_patterns"`
	TopicInterests          TopicInterests           `json:"topic_interests"`
	TriggerTopics           []TriggerTopic           `json:"trigger_topics"`
	LanguagePatterns        map[string]any           `json:"language_patterns"`
	ResponsePreferences     map[string]any           `json:"response_preferences"`
	TherapyApproaches       map[string]float64       `json:"therapy_approaches"`
	CopingStrategies        []CopingStrategy         `json:"coping_strategies"`
	SessionHistoryCount     int                      `json:"session_history_count"`
	DailyCheckInsCount      int                      `json:"daily_check_ins_count"`
	DataCollectionConsent   bool                     `json:"data_collection_consent"`
	DataRetentionPreference core.RetentionPreference `json:"data_retention_preference"`
	DataSharingPermissions  SharingPermissions       `json:"data_sharing_permissions"`
}

// Record returns the persisted view of the profile. The result shares
// maps and slices with p; marshal it before mutating p again.
func (p *Profile) Record() Record {
	return Record{
		UserID:                  p.SecureID,
		CreatedAt:               p.CreatedAt,
		UpdatedAt:               p.UpdatedAt,
		DemographicData:         p.DemographicData,
		Preferences:             p.Preferences,
		TherapyGoals:            p.TherapyGoals,
		CommunicationStyle:      p.CommunicationStyle,
		MoodPatterns:            p.MoodPatterns,
		TopicInterests:          p.TopicInterests,
		TriggerTopics:           p.TriggerTopics,
		LanguagePatterns:        p.LanguagePatterns,
		ResponsePreferences:     p.ResponsePreferences,
		TherapyApproaches:       p.TherapyApproaches,
		CopingStrategies:        p.CopingStrategies,
		SessionHistoryCount:     len(p.SessionHistory),
		DailyCheckInsCount:      len(p.DailyCheckIns),
		DataCollectionConsent:   p.DataCollectionConsent,
		DataRetentionPreference: p.DataRetentionPreference,
		DataSharingPermissions:  p.DataSharingPermissions,
	}
}

// Encode marshals the profile record as indented JSON
func (p *Profile) Encode() ([]byte, error) {
	return json.MarshalIndent(p.Record(), "", "  ")
}

// rawRecord mirrors Record with timestamps left as strings so that a bad
// timestamp can be told apart from a document that is not JSON at all.
type rawRecord struct {
	CreatedAt               *string             `json:"created_at"`
	UpdatedAt               *string             `json:"updated_at"`
	DemographicData         map[string]any      `json:"demographic_data"`
	Preferences             map[string]any      `json:"preferences"`
	TherapyGoals            []rawGoal           `json:"therapy_goals"`
	CommunicationStyle      map[string]any      `json:"communication_style"`
	MoodPatterns            []rawMoodEntry      `json:"mood_patterns"`
	TopicInterests          TopicInterests      `json:"topic_interests"`
	TriggerTopics           []rawTriggerTopic   `json:"trigger_topics"`
	LanguagePatterns        map[string]any      `json:"language_patterns"`
	ResponsePreferences     map[string]any      `json:"response_preferences"`
	TherapyApproaches       map[string]float64  `json:"therapy_approaches"`
	CopingStrategies        []rawCopingStrategy `json:"coping_strategies"`
	DataCollectionConsent   bool                `json:"data_collection_consent"`
	DataRetentionPreference string              `json:"data_retention_preference"`
	DataSharingPermissions  *SharingPermissions `json:"data_sharing_permissions"`
}

type rawGoal struct {
	Goal      string     `json:"goal"`
	Priority  int        `json:"priority"`
	CreatedAt string     `json:"created_at"`
	Status    GoalStatus `json:"status"`
}

type rawMoodEntry struct {
	Timestamp string  `json:"timestamp"`
	Score     int     `json:"score"`
	Notes     *string `json:"notes"`
}

type rawTriggerTopic struct {
	Topic    string `json:"topic"`
	Severity int    `json:"severity"`
	AddedAt  string `json:"added_at"`
}

type rawCopingStrategy struct {
	Strategy      string `json:"strategy"`
	Effectiveness int    `json:"effectiveness"`
	AddedAt       string `json:"added_at"`
}

// Timestamps written without a zone offset are read as UTC
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
}

// ParseTimestamp accepts RFC 3339 and offset-less ISO 8601 timestamps
func ParseTimestamp(s string) (time.Time, error) {
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: %q", core.ErrMalformedTimestamp, s)
}

func parseField(name string, s *string) (time.Time, error) {
	if s == nil {
		return time.Time{}, fmt.Errorf("%w: %s missing", core.ErrMalformedTimestamp, name)
	}
	t, err := ParseTimestamp(*s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%s: %w", name, err)
	}
	return t, nil
}

// Decode rebuilds a profile from a persisted record. Fields missing from the
// document keep their defaults. Session history is not restored.
//
// A document that is not valid JSON, or has values of the wrong type,
// yields an error wrapping ErrUnreadableRecord. A missing or unparseable
// timestamp yields an error wrapping core.ErrMalformedTimestamp.
func Decode(userID, secureID string, data []byte, clock Clock) (*Profile, error) {
	var raw rawRecord
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreadableRecord, err)
	}

	p := New(userID, secureID, clock)

	var err error
	if p.CreatedAt, err = parseField("created_at", raw.CreatedAt); err != nil {
		return nil, err
	}
	if p.UpdatedAt, err = parseField("updated_at", raw.UpdatedAt); err != nil {
		return nil, err
	}

	if raw.DemographicData != nil {
		p.DemographicData = raw.DemographicData
	}
	if raw.Preferences != nil {
		p.Preferences = raw.Preferences
	}
	if raw.CommunicationStyle != nil {
		p.CommunicationStyle = raw.CommunicationStyle
	}
	if raw.LanguagePatterns != nil {
		p.LanguagePatterns = raw.LanguagePatterns
	}
	if raw.ResponsePreferences != nil {
		p.ResponsePreferences = raw.ResponsePreferences
	}
	if raw.TherapyApproaches != nil {
		p.TherapyApproaches = raw.TherapyApproaches
	}
	p.TopicInterests = raw.TopicInterests

	for i, g := range raw.TherapyGoals {
		created, err := ParseTimestamp(g.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("therapy_goals[%d]: %w", i, err)
		}
		if g.Status == "" {
			g.Status = GoalActive
		}
		p.TherapyGoals = append(p.TherapyGoals, Goal{
			Goal:      g.Goal,
			Priority:  g.Priority,
			CreatedAt: created,
			Status:    g.Status,
		})
	}

	for i, m := range raw.MoodPatterns {
		ts, err := ParseTimestamp(m.Timestamp)
		if err != nil {
			return nil, fmt.Errorf("mood_patterns[%d]: %w", i, err)
		}
		p.MoodPatterns = append(p.MoodPatterns, MoodEntry{Timestamp: ts, Score: m.Score, Notes: m.Notes})
	}

	for i, tt := range raw.TriggerTopics {
		added, err := ParseTimestamp(tt.AddedAt)
		if err != nil {
			return nil, fmt.Errorf("trigger_topics[%d]: %w", i, err)
		}
		p.TriggerTopics = append(p.TriggerTopics, TriggerTopic{Topic: tt.Topic, Severity: tt.Severity, AddedAt: added})
	}

	for i, c := range raw.CopingStrategies {
		added, err := ParseTimestamp(c.AddedAt)
		if err != nil {
			return nil, fmt.Errorf("coping_strategies[%d]: %w", i, err)
		}
		p.CopingStrategies = append(p.CopingStrategies, CopingStrategy{
			Strategy:      c.Strategy,
			Effectiveness: c.Effectiveness,
			AddedAt:       added,
		})
	}

	p.DataCollectionConsent = raw.DataCollectionConsent
	// Unknown values fall back to the shortest retention
	if pref := core.RetentionPreference(raw.DataRetentionPreference); pref.Valid() {
		p.DataRetentionPreference = pref
	}
	if raw.DataSharingPermissions != nil {
		p.DataSharingPermissions = *raw.DataSharingPermissions
	}

	return p, nil
}
