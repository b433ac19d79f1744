package personalization

import (
	"math"
	"sort"

	"github.com/serenity/serenity/internal/profile"
)

const (
	topInterestCount       = 5
	triggerSeverityFloor   = 6 // triggers above this are avoided
	copingEffectivenessMin = 7 // strategies above this are suggested
	moodWindow             = 7
)

// Mood trend and stability labels
const (
	TrendUnknown   = "unknown"
	TrendImproving = "improving"
	TrendDeclining = "declining"
	TrendStable    = "stable"

	StabilityUnknown          = "unknown"
	StabilityVeryStable       = "very stable"
	StabilityStable           = "stable"
	StabilitySomewhatUnstable = "somewhat unstable"
	StabilityUnstable         = "unstable"
)

// Context is what the response model gets to know about a user.
// Detail is nil unless the user consented to data collection, in which
// case the serialized form carries only the three basic keys.
type Context struct {
	UserID             string         `json:"user_id"`
	CommunicationStyle map[string]any `json:"communication_style"`
	SessionCount       int            `json:"session_count"`

	*Detail
}

// Detail is the consent-gated part of a Context
type Detail struct {
	DemographicSummary         map[string]any            `json:"demographic_summary"`
	CurrentGoals               []profile.Goal            `json:"current_goals"`
	TopInterests               profile.TopicInterestList `json:"top_interests"`
	TriggersToAvoid            []string                  `json:"triggers_to_avoid"`
	PreferredTherapyApproaches map[string]float64        `json:"preferred_therapy_approaches"`
	EffectiveCopingStrategies  []profile.CopingStrategy  `json:"effective_coping_strategies"`
	MoodTrend                  MoodTrend                 `json:"mood_trend"`
}

// MoodTrend summarizes recent mood scores. AverageScore and RecentScores
// are unset when there is too little data.
type MoodTrend struct {
	Trend        string   `json:"trend"`
	Stability    string   `json:"stability"`
	AverageScore *float64 `json:"average_score,omitempty"`
	RecentScores []int    `json:"recent_scores,omitempty"`
}

// BuildContext derives the personalization context from a profile
func BuildContext(p *profile.Profile) *Context {
	ctx := &Context{
		UserID:             p.SecureID,
		CommunicationStyle: p.CommunicationStyle,
		SessionCount:       len(p.SessionHistory),
	}
	if !p.DataCollectionConsent {
		return ctx
	}

	triggers := []string{}
	for _, t := range p.TriggerTopics {
		if t.Severity > triggerSeverityFloor {
			triggers = append(triggers, t.Topic)
		}
	}

	coping := []profile.CopingStrategy{}
	for _, c := range p.CopingStrategies {
		if c.Effectiveness > copingEffectivenessMin {
			coping = append(coping, c)
		}
	}

	ctx.Detail = &Detail{
		DemographicSummary:         p.DemographicData,
		CurrentGoals:               p.ActiveGoals(),
		TopInterests:               TopInterests(p.TopicInterests, topInterestCount),
		TriggersToAvoid:            triggers,
		PreferredTherapyApproaches: p.TherapyApproaches,
		EffectiveCopingStrategies:  coping,
		MoodTrend:                  CalculateMoodTrend(p.MoodPatterns),
	}
	return ctx
}

// TopInterests returns the n highest interest levels, descending. Equal
// levels keep the order in which the topics were first seen.
func TopInterests(interests profile.TopicInterests, n int) profile.TopicInterestList {
	entries := interests.Entries()
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Level > entries[j].Level
	})
	if len(entries) > n {
		entries = entries[:n]
	}
	return entries
}

// CalculateMoodTrend looks at the last seven mood entries by timestamp.
// The trend compares the means of the window's two halves (the first half
// is the smaller one for odd windows); stability is graded on the
// population standard deviation.
func CalculateMoodTrend(patterns []profile.MoodEntry) MoodTrend {
	if len(patterns) < 2 {
		return MoodTrend{Trend: TrendUnknown, Stability: StabilityUnknown}
	}

	sorted := append([]profile.MoodEntry(nil), patterns...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Timestamp.Before(sorted[j].Timestamp)
	})
	if len(sorted) > moodWindow {
		sorted = sorted[len(sorted)-moodWindow:]
	}

	scores := make([]int, len(sorted))
	for i, m := range sorted {
		scores[i] = m.Score
	}

	avg := mean(scores)
	half := len(scores) / 2
	firstAvg, secondAvg := mean(scores[:half]), mean(scores[half:])

	trend := TrendStable
	switch {
	case secondAvg > firstAvg+1:
		trend = TrendImproving
	case secondAvg < firstAvg-1:
		trend = TrendDeclining
	}

	var variance float64
	for _, s := range scores {
		d := float64(s) - avg
		variance += d * d
	}
	stdDev := math.Sqrt(variance / float64(len(scores)))

	var stability string
	switch {
	case stdDev < 1:
		stability = StabilityVeryStable
	case stdDev < 2:
		stability = StabilityStable
	case stdDev < 3:
		stability = StabilitySomewhatUnstable
	default:
		stability = StabilityUnstable
	}

	rounded := math.Round(avg*10) / 10
	return MoodTrend{
		Trend:        trend,
		Stability:    stability,
		AverageScore: &rounded,
		RecentScores: scores,
	}
}

func mean(xs []int) float64 {
	var sum int
	for _, x := range xs {
		sum += x
	}
	return float64(sum) / float64(len(xs))
}
