package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/serenity/serenity/internal/core"
	"github.com/serenity/serenity/internal/identity"
	"github.com/serenity/serenity/internal/personalization"
	"github.com/serenity/serenity/internal/profile"
	"github.com/serenity/serenity/internal/storage"
	"github.com/serenity/serenity/internal/testutil"
)

func setupStore(t *testing.T) (*Store, *storage.DB) {
	t.Helper()
	db := testutil.TestDB(t)
	clock := testutil.NewClock(testutil.Epoch, time.Millisecond)
	return NewStore(db, clock.Now), db
}

func TestStore_Append(t *testing.T) {
	store, _ := setupStore(t)
	ctx := context.Background()

	entry, err := store.Append(ctx, ActionConsentGranted, ActorAPI, EntityProfile, "user-1", map[string]interface{}{
		"consent": true,
	})
	if err != nil {
		t.Fatalf("Failed to append first entry: %v", err)
	}

	if entry.PrevHash != Genesis {
		t.Errorf("First entry should have genesis prev_hash, got %s", entry.PrevHash)
	}
	if entry.Hash == "" {
		t.Error("Entry hash should not be empty")
	}
	if !entry.Timestamp.Equal(testutil.Epoch) {
		t.Errorf("Timestamp = %v, want %v", entry.Timestamp, testutil.Epoch)
	}

	entry2, err := store.Append(ctx, ActionConsentRevoked, ActorAPI, EntityProfile, "user-1", nil)
	if err != nil {
		t.Fatalf("Failed to append second entry: %v", err)
	}
	if entry2.PrevHash != entry.Hash {
		t.Errorf("Second entry prev_hash should match first entry hash")
	}
	if entry2.Seq <= entry.Seq {
		t.Errorf("Seq should increase: %d then %d", entry.Seq, entry2.Seq)
	}
}

func TestStore_VerifyChain_Valid(t *testing.T) {
	store, _ := setupStore(t)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		_, err := store.Append(ctx, ActionPermissionsUpdated, ActorCLI, EntityProfile, "user-"+string(rune('0'+i)), nil)
		if err != nil {
			t.Fatalf("Failed to append entry %d: %v", i, err)
		}
	}

	if err := store.VerifyChain(ctx); err != nil {
		t.Errorf("Chain verification should pass: %v", err)
	}
}

func TestStore_VerifyChain_Empty(t *testing.T) {
	store, _ := setupStore(t)

	if err := store.VerifyChain(context.Background()); err != nil {
		t.Errorf("Empty ledger should verify: %v", err)
	}
}

func TestStore_VerifyChain_Tampering(t *testing.T) {
	tests := []struct {
		name   string
		update string
		want   string
	}{
		{"rewritten details", "UPDATE audit_ledger SET details = '{\"reason\":\"other\"}' WHERE action = ?", HashMismatch},
		{"rewritten hash", "UPDATE audit_ledger SET hash = 'tampered' WHERE action = ?", HashMismatch},
		{"broken link", "UPDATE audit_ledger SET prev_hash = 'broken' WHERE action = ?", ChainBroken},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, db := setupStore(t)
			ctx := context.Background()

			store.Append(ctx, ActionConsentGranted, ActorAPI, EntityProfile, "user-1", nil)
			store.Append(ctx, ActionProfileDeleted, ActorAPI, EntityProfile, "user-1", map[string]string{"reason": "no_consent"})

			if _, err := db.Conn().Exec(tt.update, ActionProfileDeleted); err != nil {
				t.Fatalf("Failed to tamper with entry: %v", err)
			}

			err := store.VerifyChain(ctx)
			var chainErr *ChainError
			if !errors.As(err, &chainErr) {
				t.Fatalf("Expected ChainError, got %v", err)
			}
			if chainErr.Type != tt.want {
				t.Errorf("Type = %s, want %s", chainErr.Type, tt.want)
			}
			if chainErr.EntryNum != 2 {
				t.Errorf("EntryNum = %d, want 2", chainErr.EntryNum)
			}
		})
	}
}

func TestStore_Query(t *testing.T) {
	store, _ := setupStore(t)
	ctx := context.Background()

	store.Append(ctx, ActionConsentGranted, ActorAPI, EntityProfile, "user-1", nil)
	store.Append(ctx, ActionPermissionsUpdated, ActorAPI, EntityProfile, "user-1", nil)
	store.Append(ctx, ActionConsentGranted, ActorCLI, EntityProfile, "user-2", nil)
	store.Append(ctx, ActionProfileDeleted, ActorAPI, EntityProfile, "user-1", nil)

	entries, err := store.Query(ctx, QueryOptions{Action: ActionConsentGranted})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(entries) != 2 {
		t.Errorf("Expected 2 consent.granted entries, got %d", len(entries))
	}

	history, err := store.History(ctx, "user-1", 0)
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	if len(history) != 3 {
		t.Fatalf("Expected 3 entries for user-1, got %d", len(history))
	}
	if history[0].Action != ActionProfileDeleted {
		t.Errorf("History should be newest first, got %s", history[0].Action)
	}

	entries, err = store.Query(ctx, QueryOptions{Limit: 2})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(entries) != 2 {
		t.Errorf("Expected 2 entries with limit, got %d", len(entries))
	}
}

func TestStore_Summarize(t *testing.T) {
	store, db := setupStore(t)
	ctx := context.Background()

	store.Append(ctx, ActionConsentGranted, ActorAPI, EntityProfile, "user-1", nil)
	store.Append(ctx, ActionConsentGranted, ActorAPI, EntityProfile, "user-2", nil)
	store.Append(ctx, ActionProfileDeleted, ActorAPI, EntityProfile, "user-1", nil)

	summary, err := store.Summarize(ctx)
	if err != nil {
		t.Fatalf("Summarize failed: %v", err)
	}
	if summary.TotalEntries != 3 {
		t.Errorf("Expected 3 total entries, got %d", summary.TotalEntries)
	}
	if summary.ByAction[ActionConsentGranted] != 2 {
		t.Errorf("Expected 2 consent.granted, got %d", summary.ByAction[ActionConsentGranted])
	}
	if !summary.ChainValid {
		t.Errorf("Chain should be valid, error: %s", summary.ChainError)
	}

	db.Conn().Exec("UPDATE audit_ledger SET actor = 'someone' WHERE entity_id = 'user-2'")

	summary, err = store.Summarize(ctx)
	if err != nil {
		t.Fatalf("Summarize failed: %v", err)
	}
	if summary.ChainValid || summary.ChainError == "" {
		t.Error("Tampered chain should be reported in the summary")
	}
}

func TestComputeHash_Deterministic(t *testing.T) {
	entry := &Entry{
		ID:         "test-id",
		Timestamp:  time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		Action:     ActionConsentGranted,
		Actor:      ActorAPI,
		EntityType: EntityProfile,
		EntityID:   "user-1",
		Details:    `{"key":"value"}`,
		PrevHash:   "prev-hash-value",
	}

	hash1 := computeHash(entry)
	if hash1 != computeHash(entry) {
		t.Error("Hash should be deterministic")
	}

	// Same instant in another zone hashes the same
	entry.Timestamp = entry.Timestamp.In(time.FixedZone("EST", -5*3600))
	if computeHash(entry) != hash1 {
		t.Error("Hash should not depend on the timestamp's location")
	}

	entry.Details = `{"key":"different"}`
	if hash1 == computeHash(entry) {
		t.Error("Hash should change when entry changes")
	}
}

func TestRecorder(t *testing.T) {
	store, _ := setupStore(t)
	ctx := context.Background()
	recorder := NewRecorder(store, ActorAPI)

	off := profile.Permissions{DataRetentionPreference: core.RetentionSession}
	on := off
	on.DataCollectionConsent = true
	shared := on
	shared.DataSharingPermissions.TherapistOversight = true

	recorder.PermissionsChanged(ctx, "user-1", off, on)
	recorder.PermissionsChanged(ctx, "user-1", on, shared)
	recorder.PermissionsChanged(ctx, "user-1", shared, off)
	recorder.ProfileDeleted(ctx, "user-1", personalization.DeletedNoConsent)
	if err := recorder.DataPurged(ctx, "user-1", storage.PurgeCounts{Sessions: 2, CheckIns: 5}); err != nil {
		t.Fatalf("DataPurged failed: %v", err)
	}

	history, err := store.History(ctx, "user-1", 0)
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}

	want := []string{ActionDataPurged, ActionProfileDeleted, ActionConsentRevoked, ActionPermissionsUpdated, ActionConsentGranted}
	if len(history) != len(want) {
		t.Fatalf("Expected %d entries, got %d", len(want), len(history))
	}
	for i, e := range history {
		if e.Action != want[i] {
			t.Errorf("entry %d: action = %s, want %s", i, e.Action, want[i])
		}
		if e.Actor != ActorAPI {
			t.Errorf("entry %d: actor = %s, want %s", i, e.Actor, ActorAPI)
		}
	}

	var details struct {
		Before profile.Permissions `json:"before"`
		After  profile.Permissions `json:"after"`
	}
	if err := json.Unmarshal([]byte(history[3].Details), &details); err != nil {
		t.Fatalf("Details are not JSON: %v", err)
	}
	if !details.After.DataSharingPermissions.TherapistOversight {
		t.Error("Details should carry the new sharing permissions")
	}

	var purged storage.PurgeCounts
	if err := json.Unmarshal([]byte(history[0].Details), &purged); err != nil {
		t.Fatalf("Purge details are not JSON: %v", err)
	}
	if purged != (storage.PurgeCounts{Sessions: 2, CheckIns: 5}) {
		t.Errorf("Purge details = %+v", purged)
	}

	if err := store.VerifyChain(ctx); err != nil {
		t.Errorf("Chain should verify: %v", err)
	}
}

func TestRecorder_WithEngine(t *testing.T) {
	store, _ := setupStore(t)
	ctx := context.Background()

	clock := testutil.NewClock(testutil.Epoch, time.Second)
	profiles := storage.NewProfileStore(t.TempDir(), identity.Default(), clock.Now)
	engine := personalization.NewEngine(profiles, personalization.WithAuditor(NewRecorder(store, ActorAPI)))

	if _, err := engine.HandleConsentUpdate(ctx, "zoe", true); err != nil {
		t.Fatalf("HandleConsentUpdate failed: %v", err)
	}
	if _, err := engine.HandleSessionEnd(ctx, "zoe"); err != nil {
		t.Fatalf("HandleSessionEnd failed: %v", err)
	}

	history, err := store.History(ctx, profiles.SecureID("zoe"), 0)
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("Expected 2 entries, got %d", len(history))
	}
	if history[0].Action != ActionProfileDeleted || history[1].Action != ActionConsentGranted {
		t.Errorf("Unexpected actions: %s, %s", history[0].Action, history[1].Action)
	}
}
