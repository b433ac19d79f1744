// Package personalization turns therapy-session signals into per-user
// profiles and turns profiles into context for the response model.
//
// The Engine owns an in-memory profile cache. Every operation on one user
// identifier is serialized behind that identifier's mutex; operations on
// different users run concurrently.
package personalization

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/serenity/serenity/internal/core"
	"github.com/serenity/serenity/internal/logging"
	"github.com/serenity/serenity/internal/profile"
	"github.com/serenity/serenity/internal/storage"
)

// ProfileStore persists profiles
type ProfileStore interface {
	SecureID(userID string) string
	Load(userID string) (*profile.Profile, error)
	Save(p *profile.Profile) (storage.SaveOutcome, error)
	Delete(secureID string) (bool, error)
}

type entry struct {
	mu      sync.Mutex
	profile *profile.Profile
	evicted bool
}

// Engine is the personalization engine
type Engine struct {
	store    ProfileStore
	observer Observer
	auditor  Auditor
	clock    profile.Clock
	workers  int

	mu      sync.Mutex
	entries map[string]*entry
}

// Option configures an Engine
type Option func(*Engine)

// WithObserver sets the telemetry observer
func WithObserver(o Observer) Option {
	return func(e *Engine) {
		if o != nil {
			e.observer = o
		}
	}
}

// WithAuditor sets the recorder of consent changes and deletions
func WithAuditor(a Auditor) Option {
	return func(e *Engine) {
		if a != nil {
			e.auditor = a
		}
	}
}

// WithClock sets the clock used for fallback session identifiers
func WithClock(c profile.Clock) Option {
	return func(e *Engine) {
		if c != nil {
			e.clock = c
		}
	}
}

// WithFlushConcurrency bounds the number of concurrent saves in Flush
func WithFlushConcurrency(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.workers = n
		}
	}
}

// NewEngine creates an engine backed by store
func NewEngine(store ProfileStore, opts ...Option) *Engine {
	e := &Engine{
		store:    store,
		observer: nopObserver{},
		auditor:  nopAuditor{},
		clock:    func() time.Time { return time.Now().UTC() },
		workers:  4,
		entries:  make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// lockEntry returns the locked cache entry for userID without loading
// anything into it. The caller must unlock the entry.
func (e *Engine) lockEntry(ctx context.Context, userID string) (*entry, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		e.mu.Lock()
		ent, ok := e.entries[userID]
		if !ok {
			ent = &entry{}
			e.entries[userID] = ent
		}
		e.mu.Unlock()

		ent.mu.Lock()
		if ent.evicted {
			// Removed while we waited; retry against a fresh entry
			ent.mu.Unlock()
			continue
		}
		return ent, nil
	}
}

// acquire returns the locked cache entry for userID, loading the profile
// on first use. The caller must unlock the entry.
func (e *Engine) acquire(ctx context.Context, userID string) (*entry, error) {
	ent, err := e.lockEntry(ctx, userID)
	if err != nil {
		return nil, err
	}

	if ent.profile == nil {
		p, err := e.store.Load(userID)
		if err != nil {
			e.evictLocked(userID, ent)
			ent.mu.Unlock()
			return nil, err
		}
		ent.profile = p
		e.observer.SetCachedProfiles(e.cached())
	}
	return ent, nil
}

// evictLocked removes ent from the cache. ent.mu must be held.
func (e *Engine) evictLocked(userID string, ent *entry) {
	ent.evicted = true
	e.mu.Lock()
	if e.entries[userID] == ent {
		delete(e.entries, userID)
	}
	n := len(e.entries)
	e.mu.Unlock()
	e.observer.SetCachedProfiles(n)
}

func (e *Engine) cached() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.entries)
}

func (e *Engine) save(p *profile.Profile) (storage.SaveOutcome, error) {
	start := time.Now()
	outcome, err := e.store.Save(p)
	e.observer.RecordSave(outcome, time.Since(start))
	return outcome, err
}

// GetUserProfile returns a snapshot of the user's profile, loading or
// creating it on first use.
func (e *Engine) GetUserProfile(ctx context.Context, userID string) (*profile.Profile, error) {
	ent, err := e.acquire(ctx, userID)
	if err != nil {
		return nil, err
	}
	defer ent.mu.Unlock()

	return ent.profile.Clone(), nil
}

// Mutate applies fn to the user's profile and saves it. fn runs with the
// user's lock held and must not call back into the engine. If fn fails the
// profile is not saved, though changes fn already made stay in memory.
func (e *Engine) Mutate(ctx context.Context, userID string, fn func(*profile.Profile) error) (storage.SaveOutcome, error) {
	ent, err := e.acquire(ctx, userID)
	if err != nil {
		return storage.SaveFailed, err
	}
	defer ent.mu.Unlock()

	before := ent.profile.Permissions()
	err = fn(ent.profile)
	e.auditPermissions(ctx, ent.profile, before)
	if err != nil {
		return storage.SaveFailed, err
	}
	return e.save(ent.profile)
}

func (e *Engine) auditPermissions(ctx context.Context, p *profile.Profile, before profile.Permissions) {
	if after := p.Permissions(); after != before {
		e.auditor.PermissionsChanged(ctx, p.SecureID, before, after)
	}
}

// UpdateProfileFromSession ingests the signals of one session interaction.
// Without consent nothing is changed.
func (e *Engine) UpdateProfileFromSession(ctx context.Context, userID string, data SessionData) (storage.SaveOutcome, error) {
	ent, err := e.acquire(ctx, userID)
	if err != nil {
		return storage.SaveFailed, err
	}
	defer ent.mu.Unlock()

	p := ent.profile
	log := logging.WithField("user", p.SecureID)

	if !p.DataCollectionConsent {
		log.Warn("Cannot update profile from session: no consent given")
		e.observer.RecordSessionUpdate(false)
		return storage.SaveSkippedNoConsent, nil
	}

	sessionID := data.SessionID
	if sessionID == "" {
		now := e.clock()
		sessionID = fmt.Sprintf("unknown-%d.%06d", now.Unix(), now.Nanosecond()/1000)
	}
	p.RecordSessionInteraction(sessionID, data)

	if data.MoodScore != nil {
		p.AddMoodData(*data.MoodScore, data.MoodNotes)
	}

	for _, topic := range data.TopicsDiscussed {
		p.UpdateTopicInterest(topic.Topic, topic.Interest())
		if topic.IsTrigger() {
			p.AddTriggerTopic(topic.Topic, topic.EmotionalIntensity)
		}
	}

	if data.CommunicationFeedback != nil {
		p.UpdateCommunicationStyle(data.CommunicationFeedback)
	}

	e.observer.RecordSessionUpdate(true)
	outcome, err := e.save(p)
	if err != nil {
		return outcome, err
	}

	log.WithField("session", sessionID).Info("Profile updated from session")
	return outcome, nil
}

// GeneratePersonalizationContext builds the context for the user's next
// model response. Without consent only the basic fields are set.
func (e *Engine) GeneratePersonalizationContext(ctx context.Context, userID string) (*Context, error) {
	ent, err := e.acquire(ctx, userID)
	if err != nil {
		return nil, err
	}
	defer ent.mu.Unlock()

	// Build from a copy so the result stays valid after the lock is released
	p := ent.profile.Clone()
	e.observer.RecordContext(p.DataCollectionConsent)

	c := BuildContext(p)
	if c.Detail != nil {
		logging.WithField("user", p.SecureID).Debug("Generated personalization context")
	}
	return c, nil
}

// HandleConsentUpdate sets the user's data collection consent and saves.
// Revoking consent means the save is skipped; the stored record goes away
// when the session ends.
func (e *Engine) HandleConsentUpdate(ctx context.Context, userID string, consent bool) (storage.SaveOutcome, error) {
	ent, err := e.acquire(ctx, userID)
	if err != nil {
		return storage.SaveFailed, err
	}
	defer ent.mu.Unlock()

	p := ent.profile
	log := logging.WithFields(map[string]interface{}{"user": p.SecureID, "consent": consent})

	before := p.Permissions()
	if err := p.UpdateDataPermissions(profile.PermissionUpdate{DataCollectionConsent: &consent}); err != nil {
		return storage.SaveFailed, err
	}
	e.auditPermissions(ctx, p, before)

	if !consent && p.DataRetentionPreference == core.RetentionSession {
		log.Info("Profile will be deleted at end of session")
	}

	outcome, err := e.save(p)
	if err != nil {
		return outcome, err
	}
	log.Info("Consent updated")
	return outcome, nil
}

// HandleSessionEnd applies the retention policy. Without consent, or with
// session-only retention, the profile is dropped from memory and disk and
// true is returned.
func (e *Engine) HandleSessionEnd(ctx context.Context, userID string) (bool, error) {
	ent, err := e.acquire(ctx, userID)
	if err != nil {
		return false, err
	}
	defer ent.mu.Unlock()

	p := ent.profile
	log := logging.WithField("user", p.SecureID)

	if p.DataCollectionConsent && p.DataRetentionPreference != core.RetentionSession {
		log.Info("Session ended, profile retained")
		return false, nil
	}

	e.evictLocked(userID, ent)
	existed, err := e.store.Delete(p.SecureID)
	if err != nil {
		return true, err
	}

	e.observer.RecordDeletion()
	if existed {
		reason := DeletedSessionRetention
		if !p.DataCollectionConsent {
			reason = DeletedNoConsent
		}
		e.auditor.ProfileDeleted(ctx, p.SecureID, reason)
	}
	log.Info("Session ended, profile deleted")
	return true, nil
}

// DeleteProfile erases the user's profile from memory and disk whatever
// their consent and retention settings, and reports whether a stored record
// existed. The stored file is not parsed, so unreadable records can be
// erased too.
func (e *Engine) DeleteProfile(ctx context.Context, userID string) (bool, error) {
	ent, err := e.lockEntry(ctx, userID)
	if err != nil {
		return false, err
	}
	defer ent.mu.Unlock()

	secureID := e.store.SecureID(userID)
	log := logging.WithField("user", secureID)

	// Evict first so a concurrent Flush cannot write the record back
	e.evictLocked(userID, ent)
	existed, err := e.store.Delete(secureID)
	if err != nil {
		return false, err
	}

	e.observer.RecordDeletion()
	if existed {
		e.auditor.ProfileDeleted(ctx, secureID, DeletedOnRequest)
		log.Info("Profile deleted on request")
	} else {
		log.Info("Deletion requested, no stored profile")
	}
	return existed, nil
}

// Flush saves every cached profile. Profiles without consent are skipped
// by the store as usual.
func (e *Engine) Flush(ctx context.Context) error {
	e.mu.Lock()
	ids := make([]string, 0, len(e.entries))
	for id := range e.entries {
		ids = append(ids, id)
	}
	e.mu.Unlock()

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(e.workers)

	for _, id := range ids {
		g.Go(func() error {
			e.mu.Lock()
			ent, ok := e.entries[id]
			e.mu.Unlock()
			if !ok {
				return nil
			}

			ent.mu.Lock()
			defer ent.mu.Unlock()
			if ent.evicted || ent.profile == nil {
				return nil
			}
			if err := ctx.Err(); err != nil {
				return err
			}

			_, err := e.save(ent.profile)
			return err
		})
	}

	return g.Wait()
}

// Cached returns the number of profiles held in memory
func (e *Engine) Cached() int {
	return e.cached()
}
