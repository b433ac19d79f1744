package personalization

import (
	"encoding/json"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/serenity/serenity/internal/profile"
)

func moods(scores ...int) []profile.MoodEntry {
	base := time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC)
	out := make([]profile.MoodEntry, len(scores))
	for i, s := range scores {
		out[i] = profile.MoodEntry{Timestamp: base.Add(time.Duration(i) * time.Hour), Score: s}
	}
	return out
}

func TestCalculateMoodTrend(t *testing.T) {
	tests := []struct {
		name      string
		scores    []int
		trend     string
		stability string
		average   float64
	}{
		{"flat week", []int{5, 5, 5, 5, 5, 5, 5}, TrendStable, StabilityVeryStable, 5.0},
		{"small rise", []int{5, 6}, TrendStable, StabilityVeryStable, 5.5},
		{"one point apart", []int{4, 6}, TrendImproving, StabilityStable, 5.0},
		{"wide swing up", []int{3, 7}, TrendImproving, StabilitySomewhatUnstable, 5.0},
		{"crash", []int{9, 1}, TrendDeclining, StabilityUnstable, 5.0},
		{"odd window splits small first", []int{2, 4, 6}, TrendImproving, StabilityStable, 4.0},
		{"rounds to one decimal", []int{1, 1, 2}, TrendStable, StabilityVeryStable, 1.3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := CalculateMoodTrend(moods(tt.scores...))
			assert.Equal(t, tt.trend, got.Trend)
			assert.Equal(t, tt.stability, got.Stability)
			require.NotNil(t, got.AverageScore)
			assert.InDelta(t, tt.average, *got.AverageScore, 1e-9)
			assert.Equal(t, tt.scores, got.RecentScores)
		})
	}
}

func TestCalculateMoodTrend_TooFewEntries(t *testing.T) {
	for _, patterns := range [][]profile.MoodEntry{nil, moods(8)} {
		got := CalculateMoodTrend(patterns)
		assert.Equal(t, MoodTrend{Trend: TrendUnknown, Stability: StabilityUnknown}, got)

		data, err := json.Marshal(got)
		require.NoError(t, err)
		assert.JSONEq(t, `{"trend":"unknown","stability":"unknown"}`, string(data))
	}
}

func TestCalculateMoodTrend_UsesLatestSevenByTimestamp(t *testing.T) {
	patterns := moods(1, 1, 1, 4, 4, 4, 8, 8, 8)
	// Shuffle the input order; timestamps decide
	patterns[0], patterns[8] = patterns[8], patterns[0]
	patterns[2], patterns[5] = patterns[5], patterns[2]

	got := CalculateMoodTrend(patterns)
	assert.Equal(t, []int{1, 4, 4, 4, 8, 8, 8}, got.RecentScores)
	assert.Equal(t, TrendImproving, got.Trend)
}

func TestTopInterests(t *testing.T) {
	var ti profile.TopicInterests
	for _, e := range []profile.TopicInterest{
		{Topic: "a", Level: 0.9}, {Topic: "b", Level: 0.95}, {Topic: "c", Level: 0.1},
		{Topic: "d", Level: 0.5}, {Topic: "e", Level: 0.7}, {Topic: "f", Level: 0.3},
	} {
		ti.Set(e.Topic, e.Level)
	}

	top := TopInterests(ti, 5)
	require.Len(t, top, 5)

	data, err := json.Marshal(top)
	require.NoError(t, err)
	assert.Equal(t, `{"b":0.95,"a":0.9,"e":0.7,"d":0.5,"f":0.3}`, string(data))
}

func TestTopInterests_TiesKeepInsertionOrder(t *testing.T) {
	var ti profile.TopicInterests
	ti.Set("first", 0.5)
	ti.Set("second", 0.5)
	ti.Set("top", 0.8)
	ti.Set("third", 0.5)

	top := TopInterests(ti, 3)
	assert.Equal(t, profile.TopicInterestList{
		{Topic: "top", Level: 0.8},
		{Topic: "first", Level: 0.5},
		{Topic: "second", Level: 0.5},
	}, top)
}

func TestBuildContext_WithoutConsentHasOnlyBasicKeys(t *testing.T) {
	p := profile.New("u", "secure", nil)
	p.AddTherapyGoal("x", 1)
	p.AddTriggerTopic("y", 9)
	p.AddMoodData(3, nil)
	p.AddMoodData(4, nil)
	p.UpdateCommunicationStyle(map[string]any{"tone": "gentle"})
	p.RecordSessionInteraction("s", nil)

	c := BuildContext(p)
	assert.Nil(t, c.Detail)

	data, err := json.Marshal(c)
	require.NoError(t, err)

	var doc map[string]any
	require.NoError(t, json.Unmarshal(data, &doc))
	keys := make([]string, 0, len(doc))
	for k := range doc {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	assert.Equal(t, []string{"communication_style", "session_count", "user_id"}, keys)
	assert.Equal(t, "secure", doc["user_id"])
	assert.Equal(t, float64(1), doc["session_count"])
}

func TestBuildContext_WithConsent(t *testing.T) {
	p := profile.New("u", "secure", nil)
	p.DataCollectionConsent = true
	p.AddTherapyGoal("active goal", 1)
	p.AddTherapyGoal("done goal", 2)
	p.SetGoalStatus("done goal", profile.GoalCompleted)
	p.AddTriggerTopic("severity six", 6)
	p.AddTriggerTopic("severity seven", 7)
	p.AddCopingStrategy("meh", 7)
	p.AddCopingStrategy("works", 8)
	p.SetTherapyApproach("dbt", 0.6)

	c := BuildContext(p)
	require.NotNil(t, c.Detail)

	require.Len(t, c.CurrentGoals, 1)
	assert.Equal(t, "active goal", c.CurrentGoals[0].Goal)
	assert.Equal(t, []string{"severity seven"}, c.TriggersToAvoid)
	require.Len(t, c.EffectiveCopingStrategies, 1)
	assert.Equal(t, "works", c.EffectiveCopingStrategies[0].Strategy)
	assert.Equal(t, map[string]float64{"dbt": 0.6}, c.PreferredTherapyApproaches)
	assert.Equal(t, TrendUnknown, c.MoodTrend.Trend)

	data, err := json.Marshal(c)
	require.NoError(t, err)

	var doc map[string]any
	require.NoError(t, json.Unmarshal(data, &doc))
	for _, key := range []string{
		"user_id", "communication_style", "session_count", "demographic_summary", "current_goals",
		"top_interests", "triggers_to_avoid", "preferred_therapy_approaches",
		"effective_coping_strategies", "mood_trend",
	} {
		assert.Contains(t, doc, key)
	}
	assert.Len(t, doc, 10)
}

func TestTopicSignals_JSON(t *testing.T) {
	var data SessionData
	require.NoError(t, json.Unmarshal([]byte(`{
		"session_id": "s1",
		"mood_score": 6,
		"topics_discussed": {
			"work": {"interest_level": 0.8},
			"grief": {"negative_response": true, "emotional_intensity": 9},
			"sleep": {}
		}
	}`), &data))

	require.Len(t, data.TopicsDiscussed, 3)
	assert.Equal(t, "work", data.TopicsDiscussed[0].Topic)
	assert.Equal(t, 0.8, data.TopicsDiscussed[0].Interest())
	assert.True(t, data.TopicsDiscussed[1].IsTrigger())
	assert.Equal(t, "sleep", data.TopicsDiscussed[2].Topic)
	assert.Equal(t, DefaultInterestLevel, data.TopicsDiscussed[2].Interest())

	out, err := json.Marshal(data.TopicsDiscussed)
	require.NoError(t, err)
	assert.Equal(t,
		`{"work":{"interest_level":0.8,"negative_response":false,"emotional_intensity":0},`+
			`"grief":{"negative_response":true,"emotional_intensity":9},`+
			`"sleep":{"negative_response":false,"emotional_intensity":0}}`,
		string(out))

	assert.Error(t, json.Unmarshal([]byte(`{"topics_discussed": ["work"]}`), &data))
}
