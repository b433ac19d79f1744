// Package therapy runs therapy sessions: it ties the transcript and
// check-in stores, the personalization engine and the response service
// together for one conversational turn at a time.
package therapy

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/serenity/serenity/internal/core"
	"github.com/serenity/serenity/internal/identity"
	"github.com/serenity/serenity/internal/llm"
	"github.com/serenity/serenity/internal/logging"
	"github.com/serenity/serenity/internal/personalization"
	"github.com/serenity/serenity/internal/profile"
	"github.com/serenity/serenity/internal/storage"
)

// Service coordinates sessions, chat turns and check-ins
type Service struct {
	engine    *personalization.Engine
	responder *llm.Service
	ids       *identity.Deriver

	db       *storage.DB
	sessions *storage.SessionStore
	messages *storage.MessageStore
	checkins *storage.CheckInStore
	health   *storage.HealthStore

	notifier Notifier
	clock    profile.Clock
}

// Option configures a Service
type Option func(*Service)

// WithNotifier sets where oversight events are sent
func WithNotifier(n Notifier) Option {
	return func(s *Service) {
		if n != nil {
			s.notifier = n
		}
	}
}

// WithClock sets the service clock
func WithClock(c profile.Clock) Option {
	return func(s *Service) {
		if c != nil {
			s.clock = c
		}
	}
}

// NewService creates a therapy service
func NewService(db *storage.DB, engine *personalization.Engine, responder *llm.Service, ids *identity.Deriver, opts ...Option) *Service {
	s := &Service{
		engine:    engine,
		responder: responder,
		ids:       ids,
		db:        db,
		sessions:  storage.NewSessionStore(db),
		messages:  storage.NewMessageStore(db),
		checkins:  storage.NewCheckInStore(db),
		health:    storage.NewHealthStore(db),
		notifier:  nopNotifier{},
		clock:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// StartRequest opens a session
type StartRequest struct {
	UserID   string `json:"user_id"`
	Type     string `json:"session_type,omitempty"`
	Approach string `json:"therapy_approach,omitempty"`
	Title    string `json:"title,omitempty"`
}

// StartSession creates an in-progress session for the user
func (s *Service) StartSession(ctx context.Context, req StartRequest) (*core.Session, error) {
	if req.UserID == "" {
		return nil, fmt.Errorf("%w: user_id", core.ErrMissingRequired)
	}
	sessionType, err := core.ParseSessionType(req.Type)
	if err != nil {
		return nil, err
	}
	approach, err := core.ParseTherapyApproach(req.Approach)
	if err != nil {
		return nil, err
	}

	now := s.clock()
	sess := &core.Session{
		ID:          uuid.NewString(),
		UserKey:     s.ids.SecureID(req.UserID),
		Type:        sessionType,
		Approach:    approach,
		Status:      core.SessionInProgress,
		Title:       req.Title,
		ActualStart: &now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.sessions.Create(ctx, sess); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}

	logging.WithFields(map[string]interface{}{
		"user":    sess.UserKey,
		"session": sess.ID,
	}).Info("Session started (%s, %s)", sess.Type, sess.Approach)
	return sess, nil
}

// ownedSession returns the session if it belongs to userID. Sessions of
// other users are reported as missing.
func (s *Service) ownedSession(ctx context.Context, userID, sessionID string) (*core.Session, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user_id", core.ErrMissingRequired)
	}
	sess, err := s.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.UserKey != s.ids.SecureID(userID) {
		return nil, fmt.Errorf("%w: %s", core.ErrSessionNotFound, sessionID)
	}
	return sess, nil
}

// ChatRequest is one user message in a session. The exchange is fed to the
// personalization engine after the reply, together with Signals if set.
type ChatRequest struct {
	UserID    string                       `json:"user_id"`
	SessionID string                       `json:"-"`
	Message   string                       `json:"message"`
	Signals   *personalization.SessionData `json:"signals,omitempty"`
}

// ChatResponse is the outcome of a chat turn
type ChatResponse struct {
	Reply       string        `json:"reply"`
	Source      llm.Source    `json:"source"`
	UserMessage *core.Message `json:"user_message"`
	AIMessage   *core.Message `json:"ai_message"`
	ProfileSave string        `json:"profile_save"`
}

// Chat runs one conversational turn
func (s *Service) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	if strings.TrimSpace(req.Message) == "" {
		return nil, fmt.Errorf("%w: message", core.ErrMissingRequired)
	}

	sess, err := s.ownedSession(ctx, req.UserID, req.SessionID)
	if err != nil {
		return nil, err
	}
	if sess.Status != core.SessionInProgress {
		return nil, fmt.Errorf("%w: %s is %s", core.ErrSessionNotActive, sess.ID, sess.Status)
	}

	pc, err := s.engine.GeneratePersonalizationContext(ctx, req.UserID)
	if err != nil {
		return nil, fmt.Errorf("personalization context: %w", err)
	}

	userMsg := &core.Message{
		ID:        uuid.NewString(),
		SessionID: sess.ID,
		Content:   req.Message,
		CreatedAt: s.clock(),
	}

	reply := s.responder.Reply(ctx, llm.Request{
		Message:   req.Message,
		SessionID: sess.ID,
		UserID:    sess.UserKey,
		Context:   pc,
	})

	aiMsg := &core.Message{
		ID:        uuid.NewString(),
		SessionID: sess.ID,
		FromAI:    true,
		Content:   reply.Text,
		Source:    string(reply.Source),
		CreatedAt: s.clock(),
	}
	// A turn is stored whole or not at all
	if err := s.messages.Append(ctx, userMsg, aiMsg); err != nil {
		return nil, fmt.Errorf("store messages: %w", err)
	}

	resp := &ChatResponse{
		Reply:       reply.Text,
		Source:      reply.Source,
		UserMessage: userMsg,
		AIMessage:   aiMsg,
	}

	// Every exchange is part of the session history; signals ride along
	var data personalization.SessionData
	if req.Signals != nil {
		data = *req.Signals
	}
	if data.SessionID == "" {
		data.SessionID = sess.ID
	}
	data.MessagePair = &personalization.MessagePair{User: req.Message, AI: reply.Text}

	outcome, err := s.engine.UpdateProfileFromSession(ctx, req.UserID, data)
	if err != nil {
		return nil, fmt.Errorf("update profile: %w", err)
	}
	resp.ProfileSave = outcome.String()
	if outcome == storage.SavePersisted {
		s.notifyOverseen(ctx, req.UserID, Event{Type: EventProfileUpdated, SessionID: sess.ID})
	}

	return resp, nil
}

// EndResult reports what ending a session did
type EndResult struct {
	Session        *core.Session `json:"session"`
	ProfileDeleted bool          `json:"profile_deleted"`
}

// EndSession completes the session, forgets its chat history and applies
// the user's retention preference.
func (s *Service) EndSession(ctx context.Context, userID, sessionID string) (*EndResult, error) {
	sess, err := s.ownedSession(ctx, userID, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Status != core.SessionInProgress {
		return nil, fmt.Errorf("%w: %s is %s", core.ErrSessionNotActive, sess.ID, sess.Status)
	}

	now := s.clock()
	sess.Status = core.SessionCompleted
	sess.ActualEnd = &now
	sess.UpdatedAt = now
	if err := s.sessions.Update(ctx, sess); err != nil {
		return nil, fmt.Errorf("update session: %w", err)
	}

	s.responder.ClearSession(sess.ID)

	// The profile may be gone after the retention check
	snapshot, err := s.engine.GetUserProfile(ctx, userID)
	if err != nil {
		return nil, err
	}
	deleted, err := s.engine.HandleSessionEnd(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("session end: %w", err)
	}

	s.notify(snapshot, Event{
		Type:      EventSessionEnded,
		SessionID: sess.ID,
		Data: map[string]any{
			"duration_minutes": sess.DurationMinutes(),
			"profile_deleted":  deleted,
		},
	})

	logging.WithFields(map[string]interface{}{
		"user":    sess.UserKey,
		"session": sess.ID,
	}).Info("Session ended after %d minutes", sess.DurationMinutes())

	return &EndResult{Session: sess, ProfileDeleted: deleted}, nil
}

// Transcript returns a session's messages in the order they were written
func (s *Service) Transcript(ctx context.Context, userID, sessionID string) ([]*core.Message, error) {
	sess, err := s.ownedSession(ctx, userID, sessionID)
	if err != nil {
		return nil, err
	}
	return s.messages.ListBySession(ctx, sess.ID)
}

// Sessions returns the user's most recent sessions, newest first
func (s *Service) Sessions(ctx context.Context, userID string, limit int) ([]*core.Session, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user_id", core.ErrMissingRequired)
	}
	return s.sessions.ListByUser(ctx, s.ids.SecureID(userID), limit)
}

// PurgeUserData removes the user's sessions, transcripts, check-ins and
// health records. The personalization profile is the engine's business.
func (s *Service) PurgeUserData(ctx context.Context, userID string) (storage.PurgeCounts, error) {
	if userID == "" {
		return storage.PurgeCounts{}, fmt.Errorf("%w: user_id", core.ErrMissingRequired)
	}
	key := s.ids.SecureID(userID)

	counts, err := s.db.PurgeUser(ctx, key)
	if err != nil {
		return counts, err
	}
	logging.WithField("user", key).Info("Purged %d sessions, %d check-ins and %d health records",
		counts.Sessions, counts.CheckIns, counts.HealthRecords)
	return counts, nil
}

func (s *Service) notifyOverseen(ctx context.Context, userID string, ev Event) {
	p, err := s.engine.GetUserProfile(ctx, userID)
	if err != nil {
		logging.Warn("Skipping oversight event %s: %v", ev.Type, err)
		return
	}
	s.notify(p, ev)
}

// notify sends ev only when the user allows therapist oversight
func (s *Service) notify(p *profile.Profile, ev Event) {
	if !p.DataSharingPermissions.TherapistOversight {
		return
	}
	ev.UserID = p.SecureID
	if ev.Timestamp.IsZero() {
		ev.Timestamp = s.clock()
	}
	s.notifier.Notify(ev)
}
