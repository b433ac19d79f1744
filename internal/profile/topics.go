package profile

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// TopicInterest is one topic with its interest level
type TopicInterest struct {
	Topic string
	Level float64
}

// TopicInterestList serializes as a JSON object whose keys keep slice order
type TopicInterestList []TopicInterest

// MarshalJSON writes {"topic": level, ...} in list order
func (l TopicInterestList) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, e := range l {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(e.Topic)
		if err != nil {
			return nil, err
		}
		val, err := json.Marshal(e.Level)
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

// TopicInterests maps topics to interest levels and remembers the order in
// which topics were first seen. Overwriting a topic keeps its position.
// The zero value is ready to use.
type TopicInterests struct {
	order  []string
	levels map[string]float64
}

// Set records the level for topic
func (t *TopicInterests) Set(topic string, level float64) {
	if t.levels == nil {
		t.levels = make(map[string]float64)
	}
	if _, ok := t.levels[topic]; !ok {
		t.order = append(t.order, topic)
	}
	t.levels[topic] = level
}

// Get returns the level for topic
func (t TopicInterests) Get(topic string) (float64, bool) {
	level, ok := t.levels[topic]
	return level, ok
}

// Len returns the number of topics
func (t TopicInterests) Len() int {
	return len(t.order)
}

// Entries returns all topics in insertion order
func (t TopicInterests) Entries() TopicInterestList {
	out := make(TopicInterestList, 0, len(t.order))
	for _, topic := range t.order {
		out = append(out, TopicInterest{Topic: topic, Level: t.levels[topic]})
	}
	return out
}

// Clone returns an independent copy
func (t TopicInterests) Clone() TopicInterests {
	c := TopicInterests{
		order:  append([]string(nil), t.order...),
		levels: make(map[string]float64, len(t.levels)),
	}
	for k, v := range t.levels {
		c.levels[k] = v
	}
	return c
}

// MarshalJSON writes the topics as an object in insertion order
func (t TopicInterests) MarshalJSON() ([]byte, error) {
	return t.Entries().MarshalJSON()
}

// UnmarshalJSON reads an object, keeping the key order of the document
func (t *TopicInterests) UnmarshalJSON(data []byte) error {
	*t = TopicInterests{}
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		return nil
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("topic interests: expected object, got %v", tok)
	}

	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		topic, ok := tok.(string)
		if !ok {
			return fmt.Errorf("topic interests: expected key, got %v", tok)
		}
		var level float64
		if err := dec.Decode(&level); err != nil {
			return fmt.Errorf("topic interests: %q: %w", topic, err)
		}
		t.Set(topic, level)
	}

	_, err = dec.Token()
	return err
}
