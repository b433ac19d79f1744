// Package profile holds one user's personalization state.
//
// A Profile is plain data plus mutators; it knows nothing about storage or
// locking. Callers that share a Profile between goroutines must serialize
// access themselves (the personalization engine does this per identifier).
package profile

import (
	"fmt"
	"time"

	"github.com/serenity/serenity/internal/core"
)

// Clock returns the current time. Every mutator stamps UpdatedAt with it.
type Clock func() time.Time

func systemClock() time.Time {
	return time.Now().UTC()
}

// Defaults used when callers have no better value
const (
	DefaultGoalPriority  = 1
	DefaultSeverity      = 5
	DefaultEffectiveness = 5
)

// GoalStatus tracks whether a therapy goal is still being worked on
type GoalStatus string

const (
	GoalActive    GoalStatus = "active"
	GoalCompleted GoalStatus = "completed"
	GoalPaused    GoalStatus = "paused"
)

// Goal is a therapy goal the user wants to work towards
type Goal struct {
	Goal      string     `json:"goal"`
	Priority  int        `json:"priority"`
	CreatedAt time.Time  `json:"created_at"`
	Status    GoalStatus `json:"status"`
}

// MoodEntry is one mood observation. Scores are not bounds-checked here;
// rating validation belongs to the layer that accepts user input.
type MoodEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Score     int       `json:"score"`
	Notes     *string   `json:"notes"`
}

// TriggerTopic is a topic that provoked a strong negative response
type TriggerTopic struct {
	Topic    string    `json:"topic"`
	Severity int       `json:"severity"`
	AddedAt  time.Time `json:"added_at"`
}

// CopingStrategy is a strategy with a self-reported effectiveness
type CopingStrategy struct {
	Strategy      string    `json:"strategy"`
	Effectiveness int       `json:"effectiveness"`
	AddedAt       time.Time `json:"added_at"`
}

// SessionInteraction is a raw interaction payload from a therapy session
type SessionInteraction struct {
	SessionID string    `json:"session_id"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
}

// SharingPermissions controls who else may see the user's data
type SharingPermissions struct {
	AnonymizedResearch bool `json:"anonymized_research"`
	TherapistOversight bool `json:"therapist_oversight"`
}

// PermissionUpdate selectively changes consent and retention state.
// Nil fields are left untouched.
type PermissionUpdate struct {
	DataCollectionConsent   *bool                     `json:"data_collection_consent,omitempty"`
	DataRetentionPreference *core.RetentionPreference `json:"data_retention_preference,omitempty"`
	DataSharingPermissions  *SharingUpdate            `json:"data_sharing_permissions,omitempty"`
}

// SharingUpdate merges into SharingPermissions field by field
type SharingUpdate struct {
	AnonymizedResearch *bool `json:"anonymized_research,omitempty"`
	TherapistOversight *bool `json:"therapist_oversight,omitempty"`
}

// Profile is one user's personalization state
type Profile struct {
	UserID    string // Raw identifier, memory only
	SecureID  string
	CreatedAt time.Time
	UpdatedAt time.Time

	// Core profile data
	DemographicData    map[string]any
	Preferences        map[string]any
	TherapyGoals       []Goal
	CommunicationStyle map[string]any

	// Learned patterns
	MoodPatterns        []MoodEntry
	TopicInterests      TopicInterests
	TriggerTopics       []TriggerTopic
	LanguagePatterns    map[string]any
	ResponsePreferences map[string]any

	// Therapy-specific data
	TherapyApproaches map[string]float64
	CopingStrategies  []CopingStrategy

	// Session data, persisted as counts only
	SessionHistory []SessionInteraction
	DailyCheckIns  []any

	// Permissions
	DataCollectionConsent   bool
	DataRetentionPreference core.RetentionPreference
	DataSharingPermissions  SharingPermissions

	clock Clock
}

// New creates a default profile: no consent, session-only retention,
// nothing shared.
func New(userID, secureID string, clock Clock) *Profile {
	if clock == nil {
		clock = systemClock
	}
	now := clock()

	return &Profile{
		UserID:                  userID,
		SecureID:                secureID,
		CreatedAt:               now,
		UpdatedAt:               now,
		DemographicData:         map[string]any{},
		Preferences:             map[string]any{},
		TherapyGoals:            []Goal{},
		CommunicationStyle:      map[string]any{},
		MoodPatterns:            []MoodEntry{},
		TriggerTopics:           []TriggerTopic{},
		LanguagePatterns:        map[string]any{},
		ResponsePreferences:     map[string]any{},
		TherapyApproaches:       map[string]float64{},
		CopingStrategies:        []CopingStrategy{},
		SessionHistory:          []SessionInteraction{},
		DailyCheckIns:           []any{},
		DataRetentionPreference: core.RetentionSession,
		clock:                   clock,
	}
}

// SetClock replaces the profile's clock
func (p *Profile) SetClock(clock Clock) {
	if clock == nil {
		clock = systemClock
	}
	p.clock = clock
}

func (p *Profile) now() time.Time {
	if p.clock == nil {
		return systemClock()
	}
	return p.clock()
}

func (p *Profile) touch() time.Time {
	now := p.now()
	p.UpdatedAt = now
	return now
}

func merge(dst, patch map[string]any) {
	for k, v := range patch {
		dst[k] = v
	}
}

// UpdateDemographicData shallow-merges patch into the demographic data
func (p *Profile) UpdateDemographicData(patch map[string]any) {
	merge(p.DemographicData, patch)
	p.touch()
}

// UpdatePreferences shallow-merges patch into the preferences
func (p *Profile) UpdatePreferences(patch map[string]any) {
	merge(p.Preferences, patch)
	p.touch()
}

// UpdateCommunicationStyle shallow-merges patch into the communication style
func (p *Profile) UpdateCommunicationStyle(patch map[string]any) {
	merge(p.CommunicationStyle, patch)
	p.touch()
}

// AddTherapyGoal appends an active goal
func (p *Profile) AddTherapyGoal(goal string, priority int) {
	now := p.touch()
	p.TherapyGoals = append(p.TherapyGoals, Goal{
		Goal:      goal,
		Priority:  priority,
		CreatedAt: now,
		Status:    GoalActive,
	})
}

// SetGoalStatus changes the status of every goal with the given text and
// reports whether any matched.
func (p *Profile) SetGoalStatus(goal string, status GoalStatus) bool {
	found := false
	for i := range p.TherapyGoals {
		if p.TherapyGoals[i].Goal == goal {
			p.TherapyGoals[i].Status = status
			found = true
		}
	}
	if found {
		p.touch()
	}
	return found
}

// AddMoodData appends a mood observation stamped with the current time
func (p *Profile) AddMoodData(score int, notes *string) {
	now := p.touch()
	p.MoodPatterns = append(p.MoodPatterns, MoodEntry{
		Timestamp: now,
		Score:     score,
		Notes:     notes,
	})
}

// UpdateTopicInterest sets the interest level for a topic
func (p *Profile) UpdateTopicInterest(topic string, level float64) {
	p.TopicInterests.Set(topic, level)
	p.touch()
}

// AddTriggerTopic appends a trigger. Repeated topics are kept as separate entries.
func (p *Profile) AddTriggerTopic(topic string, severity int) {
	now := p.touch()
	p.TriggerTopics = append(p.TriggerTopics, TriggerTopic{
		Topic:    topic,
		Severity: severity,
		AddedAt:  now,
	})
}

// AddCopingStrategy appends a coping strategy
func (p *Profile) AddCopingStrategy(strategy string, effectiveness int) {
	now := p.touch()
	p.CopingStrategies = append(p.CopingStrategies, CopingStrategy{
		Strategy:      strategy,
		Effectiveness: effectiveness,
		AddedAt:       now,
	})
}

// SetTherapyApproach records the user's affinity for a therapy approach
func (p *Profile) SetTherapyApproach(approach string, rating float64) {
	p.TherapyApproaches[approach] = rating
	p.touch()
}

// RecordSessionInteraction appends a raw session payload
func (p *Profile) RecordSessionInteraction(sessionID string, data any) {
	now := p.touch()
	p.SessionHistory = append(p.SessionHistory, SessionInteraction{
		SessionID: sessionID,
		Timestamp: now,
		Data:      data,
	})
}

// RecordCheckIn appends a daily check-in payload
func (p *Profile) RecordCheckIn(data any) {
	p.DailyCheckIns = append(p.DailyCheckIns, data)
	p.touch()
}

// UpdateDataPermissions applies the set fields of u. An unknown retention
// preference rejects the whole update.
func (p *Profile) UpdateDataPermissions(u PermissionUpdate) error {
	if u.DataRetentionPreference != nil && !u.DataRetentionPreference.Valid() {
		return fmt.Errorf("%w: %q", core.ErrInvalidRetention, *u.DataRetentionPreference)
	}

	if u.DataCollectionConsent != nil {
		p.DataCollectionConsent = *u.DataCollectionConsent
	}
	if u.DataRetentionPreference != nil {
		p.DataRetentionPreference = *u.DataRetentionPreference
	}
	if s := u.DataSharingPermissions; s != nil {
		if s.AnonymizedResearch != nil {
			p.DataSharingPermissions.AnonymizedResearch = *s.AnonymizedResearch
		}
		if s.TherapistOversight != nil {
			p.DataSharingPermissions.TherapistOversight = *s.TherapistOversight
		}
	}

	p.touch()
	return nil
}

// Permissions is a comparable snapshot of the consent and sharing state
type Permissions struct {
	DataCollectionConsent   bool                     `json:"data_collection_consent"`
	DataRetentionPreference core.RetentionPreference `json:"data_retention_preference"`
	DataSharingPermissions  SharingPermissions       `json:"data_sharing_permissions"`
}

// Permissions returns the current consent and sharing state
func (p *Profile) Permissions() Permissions {
	return Permissions{
		DataCollectionConsent:   p.DataCollectionConsent,
		DataRetentionPreference: p.DataRetentionPreference,
		DataSharingPermissions:  p.DataSharingPermissions,
	}
}

// ActiveGoals returns goals whose status is active
func (p *Profile) ActiveGoals() []Goal {
	goals := make([]Goal, 0, len(p.TherapyGoals))
	for _, g := range p.TherapyGoals {
		if g.Status == GoalActive {
			goals = append(goals, g)
		}
	}
	return goals
}

// Clone returns a deep copy that can be read without holding any lock
func (p *Profile) Clone() *Profile {
	c := *p
	c.DemographicData = cloneMap(p.DemographicData)
	c.Preferences = cloneMap(p.Preferences)
	c.CommunicationStyle = cloneMap(p.CommunicationStyle)
	c.LanguagePatterns = cloneMap(p.LanguagePatterns)
	c.ResponsePreferences = cloneMap(p.ResponsePreferences)
	c.TherapyGoals = append([]Goal{}, p.TherapyGoals...)
	c.TriggerTopics = append([]TriggerTopic{}, p.TriggerTopics...)
	c.CopingStrategies = append([]CopingStrategy{}, p.CopingStrategies...)
	c.TopicInterests = p.TopicInterests.Clone()

	c.MoodPatterns = make([]MoodEntry, len(p.MoodPatterns))
	for i, m := range p.MoodPatterns {
		if m.Notes != nil {
			notes := *m.Notes
			m.Notes = &notes
		}
		c.MoodPatterns[i] = m
	}

	c.TherapyApproaches = make(map[string]float64, len(p.TherapyApproaches))
	for k, v := range p.TherapyApproaches {
		c.TherapyApproaches[k] = v
	}

	c.SessionHistory = make([]SessionInteraction, len(p.SessionHistory))
	for i, s := range p.SessionHistory {
		s.Data = cloneValue(s.Data)
		c.SessionHistory[i] = s
	}
	c.DailyCheckIns = make([]any, len(p.DailyCheckIns))
	for i, v := range p.DailyCheckIns {
		c.DailyCheckIns[i] = cloneValue(v)
	}
	return &c
}

func cloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneMap(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}
