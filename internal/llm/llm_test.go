package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/serenity/serenity/internal/config"
	"github.com/serenity/serenity/internal/personalization"
	"github.com/serenity/serenity/internal/profile"
)

// fakeCompleter records calls and replays canned answers
type fakeCompleter struct {
	mu    sync.Mutex
	calls [][]Message
	reply string
	err   error
}

func (f *fakeCompleter) Complete(_ context.Context, messages []Message) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, append([]Message(nil), messages...))
	return f.reply, f.err
}

func (f *fakeCompleter) last() []Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[len(f.calls)-1]
}

func TestNewCompleter(t *testing.T) {
	cfg := config.Default().LLM

	c, err := NewCompleter(cfg)
	require.NoError(t, err)
	assert.Nil(t, c, "no key means demo mode")

	cfg.APIKey = "sk"
	c, err = NewCompleter(cfg)
	require.NoError(t, err)
	assert.IsType(t, &OpenAIClient{}, c)

	cfg.Provider = "anthropic"
	c, err = NewCompleter(cfg)
	require.NoError(t, err)
	require.IsType(t, &AnthropicClient{}, c)
	assert.Equal(t, anthropicModel, c.(*AnthropicClient).model)

	cfg.Provider = "demo"
	c, err = NewCompleter(cfg)
	require.NoError(t, err)
	assert.Nil(t, c)

	cfg.Provider = "mystery"
	_, err = NewCompleter(cfg)
	assert.Error(t, err)
}

func TestOpenAIClient_Complete(t *testing.T) {
	var got map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"x","object":"chat.completion","choices":[{"index":0,"message":{"role":"assistant","content":"  That sounds hard.  "},"finish_reason":"stop"}]}`)
	}))
	defer server.Close()

	client := NewOpenAIClient(OpenAIConfig{APIKey: "sk-test", BaseURL: server.URL + "/v1", Temperature: 0.7})
	text, err := client.Complete(context.Background(), []Message{
		{Role: RoleSystem, Content: SystemPrompt},
		{Role: RoleUser, Content: "I lost my job"},
	})
	require.NoError(t, err)
	assert.Equal(t, "  That sounds hard.  ", text)

	assert.Equal(t, "gpt-4o", got["model"])
	assert.Equal(t, float64(DefaultMaxTokens), got["max_tokens"])
	assert.InDelta(t, 0.5, got["frequency_penalty"], 1e-6)
	assert.InDelta(t, 0.6, got["presence_penalty"], 1e-6)
	assert.Len(t, got["messages"], 2)
}

func TestOpenAIClient_Complete_HTTPError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"error":{"message":"slow down","type":"rate_limit"}}`)
	}))
	defer server.Close()

	client := NewOpenAIClient(OpenAIConfig{APIKey: "sk", BaseURL: server.URL + "/v1"})
	_, err := client.Complete(context.Background(), []Message{{Role: RoleUser, Content: "hi"}})
	assert.Error(t, err)
}

func TestDetectTopics(t *testing.T) {
	assert.Equal(t, []string{"general wellbeing"}, DetectTopics("the weather is nice"))
	assert.Equal(t, []string{"anxiety", "work stress"}, DetectTopics("I'm WORRIED about my job"))
	assert.Equal(t, []string{"family issues", "sleep problems"}, DetectTopics("my child keeps me up, no sleep"))
}

func TestDemoResponse(t *testing.T) {
	tests := []struct {
		name     string
		message  string
		contains string
	}{
		{"greeting", "Hello there", "Hello! I'm here to support you today."},
		{"question", "Why do I feel anxious?", "thoughtful question about anxiety"},
		{"thanks", "thank you so much for listening", "You're very welcome."},
		{"negative", "Today at the office was terrible", "difficult time with general wellbeing"},
		{"positive", "my marriage is going better", "positive aspects to your experience with relationships"},
		{"brief", "ok", "your response was brief"},
		{"anxiety", "I keep feeling anxious before meetings", "anxiety is playing a significant role"},
		{"work", "my career does not feel like it is going anywhere", "Work-related stress"},
		{"family default", "my parents keep calling me every single day", "family issues has been significant"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := DemoResponse(tt.message)
			assert.Contains(t, got, tt.contains)
			assert.Equal(t, got, DemoResponse(tt.message))
		})
	}
}

func TestHistory_CapsMessages(t *testing.T) {
	h, err := NewHistory(4, 2)
	require.NoError(t, err)

	for i := 0; i < 6; i++ {
		h.Append("s1", Message{Role: RoleUser, Content: fmt.Sprint(i)})
	}

	got := h.Get("s1")
	require.Len(t, got, 4)
	assert.Equal(t, "2", got[0].Content)
	assert.Equal(t, "5", got[3].Content)

	// Copies do not alias the stored slice
	got[0].Content = "changed"
	assert.Equal(t, "2", h.Get("s1")[0].Content)
}

func TestHistory_EvictsLeastRecentSession(t *testing.T) {
	h, err := NewHistory(0, 2)
	require.NoError(t, err)

	h.Append("a", Message{Role: RoleUser, Content: "a"})
	h.Append("b", Message{Role: RoleUser, Content: "b"})
	h.Get("a")
	h.Append("c", Message{Role: RoleUser, Content: "c"})

	assert.Equal(t, 2, h.Len())
	assert.Empty(t, h.Get("b"))
	assert.Len(t, h.Get("a"), 1)

	assert.True(t, h.Clear("a"))
	assert.False(t, h.Clear("a"))
}

func consentedContext() *personalization.Context {
	p := profile.New("u", "secure", nil)
	p.DataCollectionConsent = true
	p.UpdateCommunicationStyle(map[string]any{"tone": "gentle"})
	p.AddTherapyGoal("sleep through the night", 1)
	p.UpdateTopicInterest("work", 0.9)
	p.AddTriggerTopic("divorce", 9)
	p.AddCopingStrategy("box breathing", 9)
	p.SetTherapyApproach("mindfulness", 0.8)
	p.AddMoodData(4, nil)
	p.AddMoodData(7, nil)
	return personalization.BuildContext(p)
}

func TestContextPrompt(t *testing.T) {
	assert.Empty(t, ContextPrompt(nil))
	assert.Empty(t, ContextPrompt(personalization.BuildContext(profile.New("u", "s", nil))))

	prompt := ContextPrompt(consentedContext())
	for _, want := range []string{
		"Communication style: tone=gentle",
		"Therapy goals: sleep through the night",
		"Common topics: work",
		"Preferred techniques: mindfulness",
		"Approach these topics with care: divorce",
		"Coping strategies that have helped: box breathing",
		"Recent mood: improving, stable (average 5.5)",
		"don't explicitly reference having this information",
	} {
		assert.Contains(t, prompt, want)
	}
}

func TestBuildMessages(t *testing.T) {
	history := []Message{{Role: RoleUser, Content: "hi"}}

	msgs := BuildMessages(nil, history)
	require.Len(t, msgs, 2)
	assert.Equal(t, SystemPrompt, msgs[0].Content)

	msgs = BuildMessages(consentedContext(), history)
	require.Len(t, msgs, 3)
	assert.Equal(t, RoleSystem, msgs[1].Role)
	assert.Equal(t, "hi", msgs[2].Content)
}

func TestService_DemoMode(t *testing.T) {
	s := NewService(nil, nil)
	assert.True(t, s.Demo())

	reply := s.Reply(context.Background(), Request{Message: "hello", SessionID: "s1"})
	assert.Equal(t, SourceDemo, reply.Source)
	assert.True(t, strings.HasPrefix(reply.Text, "Hello!"))
}

func TestService_ModelReplyKeepsHistory(t *testing.T) {
	fc := &fakeCompleter{reply: " I hear you. "}
	s := NewService(fc, nil)
	ctx := context.Background()

	r := s.Reply(ctx, Request{Message: "first", SessionID: "s1", Context: consentedContext()})
	assert.Equal(t, Reply{Text: "I hear you.", Source: SourceModel}, r)

	s.Reply(ctx, Request{Message: "second", SessionID: "s1"})
	msgs := fc.last()
	// system prompt, then user/assistant/user
	require.Len(t, msgs, 4)
	assert.Equal(t, "first", msgs[1].Content)
	assert.Equal(t, RoleAssistant, msgs[2].Role)
	assert.Equal(t, "second", msgs[3].Content)

	assert.True(t, s.ClearSession("s1"))
	s.Reply(ctx, Request{Message: "fresh", SessionID: "s1"})
	assert.Len(t, fc.last(), 2)
}

func TestService_FallbackOnFailure(t *testing.T) {
	for name, fc := range map[string]*fakeCompleter{
		"error": {err: errors.New("connection refused")},
		"empty": {reply: "   "},
	} {
		t.Run(name, func(t *testing.T) {
			s := NewService(fc, nil)
			r := s.Reply(context.Background(), Request{Message: "hi", SessionID: "s"})
			assert.Equal(t, Reply{Text: FallbackReply, Source: SourceFallback}, r)

			// The failed turn keeps only the user's message
			h := s.history.Get("s")
			require.Len(t, h, 1)
			assert.Equal(t, RoleUser, h[0].Role)
		})
	}
}
