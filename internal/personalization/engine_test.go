package personalization

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/serenity/serenity/internal/core"
	"github.com/serenity/serenity/internal/identity"
	"github.com/serenity/serenity/internal/profile"
	"github.com/serenity/serenity/internal/storage"
)

// tickClock advances one second per call and is safe for concurrent use
type tickClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *tickClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

func newTestEngine(t *testing.T, opts ...Option) (*Engine, *storage.ProfileStore) {
	t.Helper()
	clock := &tickClock{now: time.Date(2024, 2, 1, 10, 0, 0, 0, time.UTC)}
	store := storage.NewProfileStore(t.TempDir(), identity.Default(), clock.Now)
	opts = append([]Option{WithClock(clock.Now)}, opts...)
	return NewEngine(store, opts...), store
}

func grantConsent(t *testing.T, e *Engine, userID string) {
	t.Helper()
	outcome, err := e.HandleConsentUpdate(context.Background(), userID, true)
	require.NoError(t, err)
	require.Equal(t, storage.SavePersisted, outcome)
}

func fileExists(t *testing.T, path string) bool {
	t.Helper()
	_, err := os.Stat(path)
	return err == nil
}

func intp(v int) *int { return &v }

func TestGetUserProfile_CreatesDefaultAndReturnsSnapshot(t *testing.T) {
	ctx := context.Background()
	e, store := newTestEngine(t)

	p, err := e.GetUserProfile(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, store.SecureID("alice"), p.SecureID)
	assert.False(t, p.DataCollectionConsent)
	assert.Equal(t, 1, e.Cached())

	// Mutating the snapshot does not reach the cache
	p.AddMoodData(1, nil)
	again, err := e.GetUserProfile(ctx, "alice")
	require.NoError(t, err)
	assert.Empty(t, again.MoodPatterns)
}

func TestUpdateProfileFromSession_WithoutConsentChangesNothing(t *testing.T) {
	ctx := context.Background()
	e, store := newTestEngine(t)

	before, err := e.GetUserProfile(ctx, "bob")
	require.NoError(t, err)

	outcome, err := e.UpdateProfileFromSession(ctx, "bob", SessionData{
		SessionID:             "s1",
		MoodScore:             intp(3),
		TopicsDiscussed:       TopicSignals{{Topic: "work"}},
		CommunicationFeedback: map[string]any{"tone": "direct"},
	})
	require.NoError(t, err)
	assert.Equal(t, storage.SaveSkippedNoConsent, outcome)

	after, err := e.GetUserProfile(ctx, "bob")
	require.NoError(t, err)
	assert.Empty(t, after.SessionHistory)
	assert.Empty(t, after.MoodPatterns)
	assert.Equal(t, 0, after.TopicInterests.Len())
	assert.Empty(t, after.CommunicationStyle)
	assert.Equal(t, before.UpdatedAt, after.UpdatedAt)
	assert.False(t, fileExists(t, store.Path(after.SecureID)))
}

func TestUpdateProfileFromSession_AppliesSignals(t *testing.T) {
	ctx := context.Background()
	e, store := newTestEngine(t)
	grantConsent(t, e, "carol")

	high := 0.9
	notes := "tired"
	outcome, err := e.UpdateProfileFromSession(ctx, "carol", SessionData{
		SessionID: "s-42",
		MoodScore: intp(4),
		MoodNotes: &notes,
		TopicsDiscussed: TopicSignals{
			{Topic: "work", InterestLevel: &high},
			{Topic: "grief", NegativeResponse: true, EmotionalIntensity: 8},
			{Topic: "family", NegativeResponse: true, EmotionalIntensity: 7},
			{Topic: "hobbies", EmotionalIntensity: 9},
		},
		CommunicationFeedback: map[string]any{"pace": "slow"},
	})
	require.NoError(t, err)
	assert.Equal(t, storage.SavePersisted, outcome)

	p, err := e.GetUserProfile(ctx, "carol")
	require.NoError(t, err)

	require.Len(t, p.SessionHistory, 1)
	assert.Equal(t, "s-42", p.SessionHistory[0].SessionID)

	require.Len(t, p.MoodPatterns, 1)
	assert.Equal(t, 4, p.MoodPatterns[0].Score)
	assert.Equal(t, "tired", *p.MoodPatterns[0].Notes)

	assert.Equal(t, profile.TopicInterestList{
		{Topic: "work", Level: 0.9},
		{Topic: "grief", Level: DefaultInterestLevel},
		{Topic: "family", Level: DefaultInterestLevel},
		{Topic: "hobbies", Level: DefaultInterestLevel},
	}, p.TopicInterests.Entries())

	require.Len(t, p.TriggerTopics, 1)
	assert.Equal(t, "grief", p.TriggerTopics[0].Topic)
	assert.Equal(t, 8, p.TriggerTopics[0].Severity)

	assert.Equal(t, "slow", p.CommunicationStyle["pace"])

	stored, err := store.Load("carol")
	require.NoError(t, err)
	assert.Equal(t, p.TopicInterests.Entries(), stored.TopicInterests.Entries())
	assert.Equal(t, p.UpdatedAt, stored.UpdatedAt)
}

func TestUpdateProfileFromSession_FallbackSessionID(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(t)
	grantConsent(t, e, "dan")

	_, err := e.UpdateProfileFromSession(ctx, "dan", SessionData{})
	require.NoError(t, err)

	p, err := e.GetUserProfile(ctx, "dan")
	require.NoError(t, err)
	require.Len(t, p.SessionHistory, 1)
	assert.True(t, strings.HasPrefix(p.SessionHistory[0].SessionID, "unknown-"))
	assert.Regexp(t, `^unknown-\d+\.\d{6}$`, p.SessionHistory[0].SessionID)
}

func TestUpdateProfileFromSession_ConcurrentCallsLoseNothing(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(t)
	grantConsent(t, e, "eve")

	const n = 40
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.UpdateProfileFromSession(ctx, "eve", SessionData{SessionID: "s", MoodScore: intp(i % 10)})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	p, err := e.GetUserProfile(ctx, "eve")
	require.NoError(t, err)
	assert.Len(t, p.SessionHistory, n)
	assert.Len(t, p.MoodPatterns, n)
}

func TestGeneratePersonalizationContext_RespectsConsent(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(t)

	c, err := e.GeneratePersonalizationContext(ctx, "fay")
	require.NoError(t, err)
	assert.Nil(t, c.Detail)

	grantConsent(t, e, "fay")
	_, err = e.UpdateProfileFromSession(ctx, "fay", SessionData{MoodScore: intp(5)})
	require.NoError(t, err)
	_, err = e.UpdateProfileFromSession(ctx, "fay", SessionData{MoodScore: intp(5)})
	require.NoError(t, err)

	c, err = e.GeneratePersonalizationContext(ctx, "fay")
	require.NoError(t, err)
	require.NotNil(t, c.Detail)
	assert.Equal(t, 2, c.SessionCount)
	assert.Equal(t, TrendStable, c.MoodTrend.Trend)
}

func TestHandleConsentUpdate(t *testing.T) {
	ctx := context.Background()
	e, store := newTestEngine(t)

	grantConsent(t, e, "gus")
	p, err := e.GetUserProfile(ctx, "gus")
	require.NoError(t, err)
	assert.True(t, p.DataCollectionConsent)
	assert.True(t, fileExists(t, store.Path(p.SecureID)))

	outcome, err := e.HandleConsentUpdate(ctx, "gus", false)
	require.NoError(t, err)
	assert.Equal(t, storage.SaveSkippedNoConsent, outcome)

	p, err = e.GetUserProfile(ctx, "gus")
	require.NoError(t, err)
	assert.False(t, p.DataCollectionConsent)
}

func TestHandleSessionEnd_RetentionMatrix(t *testing.T) {
	tests := []struct {
		name      string
		consent   bool
		retention core.RetentionPreference
		deleted   bool
	}{
		{"no consent", false, core.RetentionPermanent, true},
		{"session retention", true, core.RetentionSession, true},
		{"limited retention", true, core.RetentionLimited, false},
		{"permanent retention", true, core.RetentionPermanent, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			e, store := newTestEngine(t)

			// Persist a record first so deletion is observable
			_, err := e.Mutate(ctx, "hal", func(p *profile.Profile) error {
				yes := true
				retention := tt.retention
				return p.UpdateDataPermissions(profile.PermissionUpdate{
					DataCollectionConsent:   &yes,
					DataRetentionPreference: &retention,
				})
			})
			require.NoError(t, err)
			_, err = e.UpdateProfileFromSession(ctx, "hal", SessionData{MoodScore: intp(7)})
			require.NoError(t, err)
			if !tt.consent {
				_, err = e.HandleConsentUpdate(ctx, "hal", false)
				require.NoError(t, err)
			}

			path := store.Path(store.SecureID("hal"))
			require.True(t, fileExists(t, path))

			deleted, err := e.HandleSessionEnd(ctx, "hal")
			require.NoError(t, err)
			assert.Equal(t, tt.deleted, deleted)
			assert.Equal(t, !tt.deleted, fileExists(t, path))

			p, err := e.GetUserProfile(ctx, "hal")
			require.NoError(t, err)
			if tt.deleted {
				assert.Empty(t, p.MoodPatterns)
				assert.False(t, p.DataCollectionConsent)
			} else {
				assert.Len(t, p.MoodPatterns, 1)
			}
		})
	}
}

func TestMutate_ErrorSkipsSave(t *testing.T) {
	ctx := context.Background()
	e, store := newTestEngine(t)
	grantConsent(t, e, "ivy")

	bad := core.RetentionPreference("forever")
	outcome, err := e.Mutate(ctx, "ivy", func(p *profile.Profile) error {
		return p.UpdateDataPermissions(profile.PermissionUpdate{DataRetentionPreference: &bad})
	})
	assert.Equal(t, storage.SaveFailed, outcome)
	assert.True(t, errors.Is(err, core.ErrInvalidRetention))

	stored, err := store.Load("ivy")
	require.NoError(t, err)
	assert.Equal(t, core.RetentionSession, stored.DataRetentionPreference)
}

func TestAcquire_LoadErrorIsNotCached(t *testing.T) {
	ctx := context.Background()
	e, store := newTestEngine(t)

	require.NoError(t, os.MkdirAll(store.Dir(), 0700))
	doc := `{"created_at": "garbage", "updated_at": "garbage"}`
	require.NoError(t, os.WriteFile(store.Path(store.SecureID("jay")), []byte(doc), 0600))

	_, err := e.GetUserProfile(ctx, "jay")
	assert.True(t, errors.Is(err, core.ErrMalformedTimestamp))
	assert.Equal(t, 0, e.Cached())
}

func TestAcquire_CancelledContext(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := e.GetUserProfile(ctx, "kim")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestFlush(t *testing.T) {
	ctx := context.Background()
	e, store := newTestEngine(t, WithFlushConcurrency(2))

	for _, user := range []string{"a", "b", "c"} {
		_, err := e.Mutate(ctx, user, func(p *profile.Profile) error {
			p.DataCollectionConsent = user != "c"
			return nil
		})
		require.NoError(t, err)
		require.NoError(t, os.RemoveAll(store.Path(store.SecureID(user))))
	}

	require.NoError(t, e.Flush(ctx))

	ids, err := store.List()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{store.SecureID("a"), store.SecureID("b")}, ids)
}

func TestPrometheusObserver(t *testing.T) {
	ctx := context.Background()
	reg := prometheus.NewRegistry()
	obs, err := NewPrometheusObserver("test", reg)
	require.NoError(t, err)

	// A second observer on the same registry reuses the collectors
	again, err := NewPrometheusObserver("test", reg)
	require.NoError(t, err)
	assert.Same(t, obs.saves, again.saves)

	e, _ := newTestEngine(t, WithObserver(obs))
	grantConsent(t, e, "lou")
	_, err = e.UpdateProfileFromSession(ctx, "lou", SessionData{})
	require.NoError(t, err)
	_, err = e.UpdateProfileFromSession(ctx, "max", SessionData{})
	require.NoError(t, err)
	_, err = e.HandleSessionEnd(ctx, "max")
	require.NoError(t, err)

	assert.Equal(t, float64(2), promtest.ToFloat64(obs.saves.WithLabelValues("persisted")))
	assert.Equal(t, float64(1), promtest.ToFloat64(obs.sessionUpdates.WithLabelValues("true")))
	assert.Equal(t, float64(1), promtest.ToFloat64(obs.sessionUpdates.WithLabelValues("false")))
	assert.Equal(t, float64(1), promtest.ToFloat64(obs.deletions))
	assert.Equal(t, float64(1), promtest.ToFloat64(obs.cached))
}

type auditCall struct {
	secureID      string
	before, after profile.Permissions
	deleted       string
}

type recordingAuditor struct {
	mu    sync.Mutex
	calls []auditCall
}

func (a *recordingAuditor) PermissionsChanged(_ context.Context, secureID string, before, after profile.Permissions) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = append(a.calls, auditCall{secureID: secureID, before: before, after: after})
}

func (a *recordingAuditor) ProfileDeleted(_ context.Context, secureID, reason string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = append(a.calls, auditCall{secureID: secureID, deleted: reason})
}

func TestAuditor(t *testing.T) {
	ctx := context.Background()
	auditor := &recordingAuditor{}
	e, store := newTestEngine(t, WithAuditor(auditor))
	id := store.SecureID("mia")

	grantConsent(t, e, "mia")

	// Changes outside the permission fields are not audited
	_, err := e.Mutate(ctx, "mia", func(p *profile.Profile) error {
		p.AddMoodData(6, nil)
		return nil
	})
	require.NoError(t, err)

	oversight := true
	_, err = e.Mutate(ctx, "mia", func(p *profile.Profile) error {
		return p.UpdateDataPermissions(profile.PermissionUpdate{
			DataSharingPermissions: &profile.SharingUpdate{TherapistOversight: &oversight},
		})
	})
	require.NoError(t, err)

	deleted, err := e.HandleSessionEnd(ctx, "mia")
	require.NoError(t, err)
	require.True(t, deleted)

	// A second end finds nothing on disk
	_, err = e.HandleSessionEnd(ctx, "mia")
	require.NoError(t, err)

	require.Len(t, auditor.calls, 3)

	assert.Equal(t, id, auditor.calls[0].secureID)
	assert.False(t, auditor.calls[0].before.DataCollectionConsent)
	assert.True(t, auditor.calls[0].after.DataCollectionConsent)

	assert.False(t, auditor.calls[1].before.DataSharingPermissions.TherapistOversight)
	assert.True(t, auditor.calls[1].after.DataSharingPermissions.TherapistOversight)

	assert.Equal(t, DeletedSessionRetention, auditor.calls[2].deleted)
}

func TestAuditor_RevokedConsentDeletion(t *testing.T) {
	ctx := context.Background()
	auditor := &recordingAuditor{}
	e, _ := newTestEngine(t, WithAuditor(auditor))

	grantConsent(t, e, "noah")
	_, err := e.HandleConsentUpdate(ctx, "noah", false)
	require.NoError(t, err)

	_, err = e.HandleSessionEnd(ctx, "noah")
	require.NoError(t, err)

	require.Len(t, auditor.calls, 3)
	assert.False(t, auditor.calls[1].after.DataCollectionConsent)
	assert.Equal(t, DeletedNoConsent, auditor.calls[2].deleted)
}

func TestDeleteProfile_FlushDoesNotRestore(t *testing.T) {
	ctx := context.Background()
	auditor := &recordingAuditor{}
	e, store := newTestEngine(t, WithAuditor(auditor))

	grantConsent(t, e, "olga")
	_, err := e.UpdateProfileFromSession(ctx, "olga", SessionData{MoodScore: intp(7)})
	require.NoError(t, err)
	require.Equal(t, 1, e.Cached())

	existed, err := e.DeleteProfile(ctx, "olga")
	require.NoError(t, err)
	assert.True(t, existed)
	assert.Equal(t, 0, e.Cached())

	require.NoError(t, e.Flush(ctx))
	ids, err := store.List()
	require.NoError(t, err)
	assert.Empty(t, ids)

	require.Len(t, auditor.calls, 2)
	assert.Equal(t, store.SecureID("olga"), auditor.calls[1].secureID)
	assert.Equal(t, DeletedOnRequest, auditor.calls[1].deleted)

	// The next read starts from a default profile
	p, err := e.GetUserProfile(ctx, "olga")
	require.NoError(t, err)
	assert.False(t, p.DataCollectionConsent)
	assert.Empty(t, p.MoodPatterns)
}

func TestDeleteProfile_UnreadableOrMissingRecord(t *testing.T) {
	ctx := context.Background()
	auditor := &recordingAuditor{}
	e, store := newTestEngine(t, WithAuditor(auditor))

	existed, err := e.DeleteProfile(ctx, "pia")
	require.NoError(t, err)
	assert.False(t, existed)
	assert.Empty(t, auditor.calls)

	path := store.Path(store.SecureID("pia"))
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))

	existed, err = e.DeleteProfile(ctx, "pia")
	require.NoError(t, err)
	assert.True(t, existed)
	assert.False(t, fileExists(t, path))
	require.Len(t, auditor.calls, 1)
	assert.Equal(t, DeletedOnRequest, auditor.calls[0].deleted)
}
