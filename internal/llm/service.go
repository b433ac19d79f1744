package llm

import (
	"context"
	"strings"

	"github.com/serenity/serenity/internal/core"
	"github.com/serenity/serenity/internal/logging"
	"github.com/serenity/serenity/internal/personalization"
)

// FallbackReply is what the user sees when the model cannot be reached
const FallbackReply = "I'm having trouble connecting with my thoughts right now. Could you give me a moment, " +
	"and perhaps rephrase what you were saying? I want to be fully present for our conversation."

// Source says where a reply came from
type Source string

const (
	SourceModel    Source = "model"
	SourceDemo     Source = "demo"
	SourceFallback Source = "fallback"
)

// Request is one user turn
type Request struct {
	Message   string
	SessionID string
	UserID    string // secure identifier, used for logging only
	Context   *personalization.Context
}

// Reply is the therapist's answer
type Reply struct {
	Text   string `json:"text"`
	Source Source `json:"source"`
}

// Service produces replies. It is safe for concurrent use.
type Service struct {
	completer Completer
	history   *History
}

// NewService creates a service. A nil completer selects demo replies.
func NewService(completer Completer, history *History) *Service {
	if history == nil {
		history, _ = NewHistory(0, 0)
	}
	return &Service{completer: completer, history: history}
}

// Demo reports whether replies come from the rule-based responder
func (s *Service) Demo() bool {
	return s.completer == nil
}

// Reply answers one user message. It never fails: errors from the model
// produce FallbackReply.
func (s *Service) Reply(ctx context.Context, req Request) Reply {
	log := logging.WithFields(map[string]interface{}{"session": req.SessionID, "user": req.UserID})

	history := s.history.Append(req.SessionID, Message{Role: RoleUser, Content: req.Message})

	if s.completer == nil {
		log.Debug("Using demo mode for reply")
		return Reply{Text: DemoResponse(req.Message), Source: SourceDemo}
	}

	text, err := s.completer.Complete(ctx, BuildMessages(req.Context, history))
	text = strings.TrimSpace(text)
	if err == nil && text == "" {
		err = core.ErrEmptyResponse
	}
	if err != nil {
		log.Error("Error getting model reply: %v", err)
		return Reply{Text: FallbackReply, Source: SourceFallback}
	}

	s.history.Append(req.SessionID, Message{Role: RoleAssistant, Content: text})
	return Reply{Text: text, Source: SourceModel}
}

// ClearSession forgets a session's history and reports whether it existed
func (s *Service) ClearSession(sessionID string) bool {
	return s.history.Clear(sessionID)
}
