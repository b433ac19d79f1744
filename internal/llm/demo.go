package llm

import (
	"fmt"
	"strings"
)

type topicRule struct {
	topic    string
	keywords []string
}

// Checked in order; the first match names the reply's topic
var topicRules = []topicRule{
	{"anxiety", []string{"anxious", "anxiety", "worried"}},
	{"depression", []string{"sad", "depressed", "unhappy"}},
	{"relationships", []string{"relationship", "partner", "marriage"}},
	{"work stress", []string{"work", "job", "career"}},
	{"family issues", []string{"family", "parent", "child"}},
	{"sleep problems", []string{"sleep", "tired", "insomnia"}},
}

var (
	greetingWords = []string{"hello", "hi", "hey", "start"}
	thanksWords   = []string{"thank", "thanks"}
	negativeWords = []string{"bad", "terrible", "awful", "worst"}
	positiveWords = []string{"good", "great", "happy", "better"}
)

// Replies for messages whose main topic has a dedicated answer
var topicReplies = map[string]string{
	"anxiety": "I can hear that anxiety is playing a significant role in your experience. When you feel this anxiety, " +
		"where do you notice it in your body? And have you found any strategies that help you manage these feelings, " +
		"even if just temporarily?",
	"depression": "It sounds like you've been experiencing some difficult emotions lately. Depression can make everything " +
		"feel more challenging. What small activities have you found that give you even momentary relief or connection?",
	"relationships": "Relationships can be both deeply fulfilling and challenging. I'm hearing that this particular " +
		"relationship has been on your mind. What aspects of this relationship are most important to you? " +
		"And what changes would you like to see?",
	"work stress": "Work-related stress can have a significant impact on our overall wellbeing. What aspects of your work " +
		"situation feel most overwhelming right now? And are there any small boundaries you could set to create more " +
		"space for yourself?",
}

// DetectTopics returns the topics a message touches, in rule order, or
// "general wellbeing" when none match. Matching is by substring.
func DetectTopics(message string) []string {
	msg := strings.ToLower(message)

	var topics []string
	for _, rule := range topicRules {
		if containsAny(msg, rule.keywords) {
			topics = append(topics, rule.topic)
		}
	}
	if len(topics) == 0 {
		topics = append(topics, "general wellbeing")
	}
	return topics
}

// DemoResponse returns a deterministic reply for when no model is configured
func DemoResponse(message string) string {
	msg := strings.ToLower(message)
	topics := DetectTopics(msg)
	topic := topics[0]

	switch {
	case containsAny(msg, greetingWords):
		return "Hello! I'm here to support you today. How are you feeling right now? What's been on your mind lately?"
	case strings.Contains(msg, "?"):
		return fmt.Sprintf("That's a thoughtful question about %s. I think it's important to explore this further. "+
			"What specific aspects of this have been most challenging for you?", topic)
	case containsAny(msg, thanksWords):
		return "You're very welcome. I'm here to support you. Is there anything else on your mind that you'd like to discuss today?"
	case containsAny(msg, negativeWords):
		return fmt.Sprintf("I'm sorry to hear you're going through such a difficult time with %s. That sounds really "+
			"challenging. Could you tell me more about how this is affecting you day to day?", topic)
	case containsAny(msg, positiveWords):
		return fmt.Sprintf("I'm glad to hear there are some positive aspects to your experience with %s. "+
			"What do you think has contributed to these positive feelings?", topic)
	case len(msg) < 20:
		return fmt.Sprintf("I notice your response was brief. Could you tell me more about your experience with %s? "+
			"I'm here to listen and understand what you're going through.", topic)
	}

	for _, t := range topics {
		if reply, ok := topicReplies[t]; ok {
			return reply
		}
	}

	return fmt.Sprintf("Thank you for sharing that with me. I'm hearing that %s has been significant for you lately. "+
		"Could you tell me more about how this has been affecting you emotionally? What feelings come up when you "+
		"think about this?", topic)
}

func containsAny(s string, words []string) bool {
	for _, w := range words {
		if strings.Contains(s, w) {
			return true
		}
	}
	return false
}
