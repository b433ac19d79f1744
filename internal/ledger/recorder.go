package ledger

import (
	"context"

	"github.com/serenity/serenity/internal/logging"
	"github.com/serenity/serenity/internal/personalization"
	"github.com/serenity/serenity/internal/profile"
	"github.com/serenity/serenity/internal/storage"
)

// Recorder writes privacy events for one actor. It satisfies
// personalization.Auditor; append failures are logged, never returned to
// the engine.
type Recorder struct {
	store *Store
	actor string
}

// NewRecorder creates a recorder for the given store
func NewRecorder(store *Store, actor string) *Recorder {
	return &Recorder{store: store, actor: actor}
}

// Store returns the underlying ledger
func (r *Recorder) Store() *Store {
	return r.store
}

// PermissionsChanged records a consent or sharing change
func (r *Recorder) PermissionsChanged(ctx context.Context, secureID string, before, after profile.Permissions) {
	action := ActionPermissionsUpdated
	if before.DataCollectionConsent != after.DataCollectionConsent {
		action = ActionConsentRevoked
		if after.DataCollectionConsent {
			action = ActionConsentGranted
		}
	}

	r.append(ctx, action, secureID, map[string]any{
		"before": before,
		"after":  after,
	})
}

// ProfileDeleted records the removal of a stored profile
func (r *Recorder) ProfileDeleted(ctx context.Context, secureID, reason string) {
	r.append(ctx, ActionProfileDeleted, secureID, map[string]any{"reason": reason})
}

// DataPurged records the removal of a user's sessions, check-ins and
// health records
func (r *Recorder) DataPurged(ctx context.Context, secureID string, counts storage.PurgeCounts) error {
	_, err := r.store.Append(ctx, ActionDataPurged, r.actor, EntityProfile, secureID, counts)
	return err
}

func (r *Recorder) append(ctx context.Context, action, secureID string, details any) {
	// Record even when the triggering request was cancelled mid-flight
	ctx = context.WithoutCancel(ctx)
	if _, err := r.store.Append(ctx, action, r.actor, EntityProfile, secureID, details); err != nil {
		logging.WithFields(map[string]interface{}{"user": secureID, "action": action}).
			Error("Failed to append audit entry: %v", err)
	}
}

var _ personalization.Auditor = (*Recorder)(nil)
