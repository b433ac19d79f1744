package main

import (
	"context"
	"fmt"
	"time"

	"github.com/serenity/serenity/internal/config"
	"github.com/serenity/serenity/internal/ledger"
	"github.com/serenity/serenity/internal/logging"
	"github.com/serenity/serenity/internal/personalization"
	"github.com/serenity/serenity/internal/scheduler"
)

// Maintenance task IDs
const (
	taskFlushProfiles = "flush-profiles"
	taskVerifyAudit   = "verify-audit"
)

// newMaintenance registers the daemon's background tasks
func newMaintenance(cfg config.MaintenanceConfig, engine *personalization.Engine, audit *ledger.Store) (*scheduler.Scheduler, error) {
	sched, err := scheduler.NewScheduler(scheduler.Config{Timezone: cfg.Timezone})
	if err != nil {
		return nil, err
	}

	if cfg.FlushIntervalMinutes > 0 {
		interval := time.Duration(cfg.FlushIntervalMinutes) * time.Minute
		err := sched.Register(scheduler.IntervalTask(taskFlushProfiles, "Flush cached profiles", interval,
			func(ctx context.Context) error {
				if err := engine.Flush(ctx); err != nil {
					return err
				}
				logging.Debug("Flushed %d cached profiles", engine.Cached())
				return nil
			}))
		if err != nil {
			return nil, err
		}
	}

	if cfg.AuditVerifyAt != "" {
		err := sched.Register(scheduler.DailyTask(taskVerifyAudit, "Verify audit chain", cfg.AuditVerifyAt,
			func(ctx context.Context) error {
				if err := audit.VerifyChain(ctx); err != nil {
					return fmt.Errorf("audit ledger: %w", err)
				}
				logging.Info("Audit ledger verified")
				return nil
			}))
		if err != nil {
			return nil, err
		}
	}

	return sched, nil
}
