package main

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/serenity/serenity/internal/config"
	"github.com/serenity/serenity/internal/identity"
	"github.com/serenity/serenity/internal/ledger"
	"github.com/serenity/serenity/internal/personalization"
	"github.com/serenity/serenity/internal/storage"
	"github.com/serenity/serenity/internal/testutil"
)

func TestNewMaintenance(t *testing.T) {
	ctx := context.Background()
	profiles := storage.NewProfileStore(t.TempDir(), identity.Default(), nil)
	engine := personalization.NewEngine(profiles)
	audit := ledger.NewStore(testutil.TestDB(t), nil)

	sched, err := newMaintenance(config.Default().Maintenance, engine, audit)
	require.NoError(t, err)

	tasks := sched.ListTasks()
	require.Len(t, tasks, 2)
	assert.Equal(t, taskFlushProfiles, tasks[0].ID)
	assert.Equal(t, taskVerifyAudit, tasks[1].ID)

	// A consented profile is cached in memory; the flush task writes it
	_, err = engine.HandleConsentUpdate(ctx, "ruth", true)
	require.NoError(t, err)
	path := profiles.Path(profiles.SecureID("ruth"))
	require.NoError(t, os.Remove(path))

	require.NoError(t, sched.RunNow(ctx, taskFlushProfiles))
	_, err = os.Stat(path)
	assert.NoError(t, err)

	require.NoError(t, sched.RunNow(ctx, taskVerifyAudit))
}

func TestNewMaintenance_Disabled(t *testing.T) {
	sched, err := newMaintenance(config.MaintenanceConfig{}, nil, nil)
	require.NoError(t, err)
	assert.Empty(t, sched.ListTasks())
}

func TestNewMaintenance_BadTimezone(t *testing.T) {
	_, err := newMaintenance(config.MaintenanceConfig{Timezone: "Mars/Olympus"}, nil, nil)
	assert.Error(t, err)
}
