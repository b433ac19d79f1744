package storage

import (
	"context"
	"database/sql"
	"fmt"
)

// PurgeCounts reports how many rows a purge removed
type PurgeCounts struct {
	Sessions      int64 `json:"sessions"`
	CheckIns      int64 `json:"check_ins"`
	HealthRecords int64 `json:"health_records"`
}

// PurgeUser removes every session, transcript, check-in and health record
// stored under userKey, all in one transaction.
func (db *DB) PurgeUser(ctx context.Context, userKey string) (PurgeCounts, error) {
	var counts PurgeCounts

	err := db.Transaction(ctx, func(tx *sql.Tx) error {
		// Transcripts go with their sessions (ON DELETE CASCADE)
		for _, step := range []struct {
			table string
			n     *int64
		}{
			{"therapy_sessions", &counts.Sessions},
			{"check_ins", &counts.CheckIns},
			{"health_records", &counts.HealthRecords},
		} {
			res, err := tx.ExecContext(ctx, "DELETE FROM "+step.table+" WHERE user_key = ?", userKey)
			if err != nil {
				return fmt.Errorf("purge %s: %w", step.table, err)
			}
			if *step.n, err = res.RowsAffected(); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return PurgeCounts{}, err
	}
	return counts, nil
}
