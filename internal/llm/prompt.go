package llm

import (
	"fmt"
	"sort"
	"strings"

	"github.com/serenity/serenity/internal/personalization"
)

// SystemPrompt sets the therapist's manner for every conversation
const SystemPrompt = `You are a professional, empathetic, and helpful AI therapist. Your role is to provide supportive therapy in a conversational manner.
Follow these guidelines in all your responses:

1. Be empathetic and understanding of the user's feelings
2. Use therapeutic techniques like active listening, validation, and reflection
3. Ask open-ended questions to encourage deeper exploration
4. Avoid giving direct advice - instead guide users to their own insights
5. Focus on the user's emotions and experiences
6. Use a warm, conversational tone that feels natural and human
7. If appropriate, suggest evidence-based coping strategies
8. Never diagnose or prescribe medication
9. Maintain professional boundaries while being supportive
10. If the user expresses thoughts of self-harm or harm to others, encourage them to seek immediate professional help

Your goal is to help the user gain insights, develop coping strategies, and feel heard and understood.`

// BuildMessages assembles the conversation sent to the model: the system
// prompt, the rendered context when there is one, then the history.
func BuildMessages(pc *personalization.Context, history []Message) []Message {
	msgs := make([]Message, 0, len(history)+2)
	msgs = append(msgs, Message{Role: RoleSystem, Content: SystemPrompt})
	if prompt := ContextPrompt(pc); prompt != "" {
		msgs = append(msgs, Message{Role: RoleSystem, Content: prompt})
	}
	return append(msgs, history...)
}

// ContextPrompt renders a personalization context for the model. It returns
// "" when the context says nothing useful.
func ContextPrompt(pc *personalization.Context) string {
	if pc == nil {
		return ""
	}

	var lines []string
	if style := formatMap(pc.CommunicationStyle); style != "" {
		lines = append(lines, "- Communication style: "+style)
	}

	if d := pc.Detail; d != nil {
		goals := make([]string, 0, len(d.CurrentGoals))
		for _, g := range d.CurrentGoals {
			goals = append(goals, g.Goal)
		}
		lines = append(lines, "- Therapy goals: "+joinOr(goals, "Not specified"))

		topics := make([]string, 0, len(d.TopInterests))
		for _, t := range d.TopInterests {
			topics = append(topics, t.Topic)
		}
		lines = append(lines, "- Common topics: "+joinOr(topics, "Various"))

		approaches := make([]string, 0, len(d.PreferredTherapyApproaches))
		for a := range d.PreferredTherapyApproaches {
			approaches = append(approaches, a)
		}
		sort.Slice(approaches, func(i, j int) bool {
			ai, aj := d.PreferredTherapyApproaches[approaches[i]], d.PreferredTherapyApproaches[approaches[j]]
			if ai != aj {
				return ai > aj
			}
			return approaches[i] < approaches[j]
		})
		lines = append(lines, "- Preferred techniques: "+joinOr(approaches, "Standard therapeutic approaches"))

		if len(d.TriggersToAvoid) > 0 {
			lines = append(lines, "- Approach these topics with care: "+strings.Join(d.TriggersToAvoid, ", "))
		}

		strategies := make([]string, 0, len(d.EffectiveCopingStrategies))
		for _, s := range d.EffectiveCopingStrategies {
			strategies = append(strategies, s.Strategy)
		}
		if len(strategies) > 0 {
			lines = append(lines, "- Coping strategies that have helped: "+strings.Join(strategies, ", "))
		}

		if mt := d.MoodTrend; mt.Trend != personalization.TrendUnknown {
			mood := fmt.Sprintf("- Recent mood: %s, %s", mt.Trend, mt.Stability)
			if mt.AverageScore != nil {
				mood += fmt.Sprintf(" (average %.1f)", *mt.AverageScore)
			}
			lines = append(lines, mood)
		}
	}

	if len(lines) == 0 {
		return ""
	}

	return "Additional context about the user that may be helpful:\n" +
		strings.Join(lines, "\n") +
		"\n\nUse this information subtly to personalize your responses, but don't explicitly reference having this information."
}

func joinOr(items []string, fallback string) string {
	if len(items) == 0 {
		return fallback
	}
	return strings.Join(items, ", ")
}

func formatMap(m map[string]any) string {
	if len(m) == 0 {
		return ""
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, m[k]))
	}
	return strings.Join(parts, ", ")
}
