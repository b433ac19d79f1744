package personalization

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Interest level used when a topic signal carries none
const DefaultInterestLevel = 0.5

// Topics discussed with a negative response above this intensity become triggers
const triggerIntensityThreshold = 7

// SessionData is the set of signals one session interaction reports.
// Every field is optional.
type SessionData struct {
	SessionID             string         `json:"session_id,omitempty"`
	MessagePair           *MessagePair   `json:"message_pair,omitempty"`
	MoodScore             *int           `json:"mood_score,omitempty"`
	MoodNotes             *string        `json:"mood_notes,omitempty"`
	TopicsDiscussed       TopicSignals   `json:"topics_discussed,omitempty"`
	CommunicationFeedback map[string]any `json:"communication_feedback,omitempty"`
}

// MessagePair is one exchange of a chat session
type MessagePair struct {
	User string `json:"user"`
	AI   string `json:"ai"`
}

// TopicSignal is what a session observed about one topic
type TopicSignal struct {
	Topic              string   `json:"-"`
	InterestLevel      *float64 `json:"interest_level,omitempty"`
	NegativeResponse   bool     `json:"negative_response"`
	EmotionalIntensity int      `json:"emotional_intensity"`
}

// Interest returns the signalled interest level or the default
func (s TopicSignal) Interest() float64 {
	if s.InterestLevel == nil {
		return DefaultInterestLevel
	}
	return *s.InterestLevel
}

// IsTrigger reports whether the topic should be avoided from now on
func (s TopicSignal) IsTrigger() bool {
	return s.NegativeResponse && s.EmotionalIntensity > triggerIntensityThreshold
}

// TopicSignals is an ordered topic -> signal mapping. On the wire it is a
// JSON object; document order is kept.
type TopicSignals []TopicSignal

// MarshalJSON writes the signals as an object keyed by topic
func (ts TopicSignals) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, s := range ts {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(s.Topic)
		if err != nil {
			return nil, err
		}
		val, err := json.Marshal(s)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON reads an object of topic -> signal
func (ts *TopicSignals) UnmarshalJSON(data []byte) error {
	*ts = nil
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		return nil
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("topics_discussed: expected object, got %v", tok)
	}

	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		topic, ok := tok.(string)
		if !ok {
			return fmt.Errorf("topics_discussed: expected key, got %v", tok)
		}
		var s TopicSignal
		if err := dec.Decode(&s); err != nil {
			return fmt.Errorf("topics_discussed: %q: %w", topic, err)
		}
		s.Topic = topic
		*ts = append(*ts, s)
	}

	_, err = dec.Token()
	return err
}
