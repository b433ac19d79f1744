package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/serenity/serenity/internal/core"
)

// CheckInStore handles daily check-in persistence
type CheckInStore struct {
	db *DB
}

// NewCheckInStore creates a new check-in store
func NewCheckInStore(db *DB) *CheckInStore {
	return &CheckInStore{db: db}
}

// Upsert stores a check-in. A second check-in for the same user and day
// updates the first: ratings left nil keep their stored value. The stored
// row is read back into c, and the result reports whether it was new.
func (s *CheckInStore) Upsert(ctx context.Context, c *core.CheckIn) (bool, error) {
	var created bool

	err := s.db.Transaction(ctx, func(tx *sql.Tx) error {
		var existing string
		err := tx.QueryRowContext(ctx,
			"SELECT id FROM check_ins WHERE user_key = ? AND day = ?", c.UserKey, c.Day,
		).Scan(&existing)

		switch {
		case errors.Is(err, sql.ErrNoRows):
			created = true
			_, err = tx.ExecContext(ctx, `
				INSERT INTO check_ins (
					id, user_key, day, mood_rating, stress_level, sleep_quality,
					notes, created_at, updated_at
				) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			`,
				c.ID, c.UserKey, c.Day, nullInt(c.MoodRating), nullInt(c.StressLevel),
				nullInt(c.SleepQuality), c.Notes, c.CreatedAt, c.UpdatedAt,
			)
			return err
		case err != nil:
			return err
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE check_ins SET
				mood_rating = COALESCE(?, mood_rating),
				stress_level = COALESCE(?, stress_level),
				sleep_quality = COALESCE(?, sleep_quality),
				notes = CASE WHEN ? = '' THEN notes ELSE ? END,
				updated_at = ?
			WHERE id = ?
		`,
			nullInt(c.MoodRating), nullInt(c.StressLevel), nullInt(c.SleepQuality),
			c.Notes, c.Notes, c.UpdatedAt, existing,
		)
		return err
	})
	if err != nil {
		return false, err
	}

	stored, err := s.Get(ctx, c.UserKey, c.Day)
	if err != nil {
		return false, err
	}
	*c = *stored
	return created, nil
}

// Get returns the check-in of a user for a day
func (s *CheckInStore) Get(ctx context.Context, userKey, day string) (*core.CheckIn, error) {
	row := s.db.conn.QueryRowContext(ctx, `
		SELECT id, user_key, day, mood_rating, stress_level, sleep_quality, notes, created_at, updated_at
		FROM check_ins WHERE user_key = ? AND day = ?
	`, userKey, day)

	c, err := scanCheckIn(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", core.ErrCheckInMissing, day)
	}
	return c, err
}

// ListSince returns a user's check-ins from sinceDay (inclusive), newest first
func (s *CheckInStore) ListSince(ctx context.Context, userKey, sinceDay string) ([]*core.CheckIn, error) {
	return s.list(ctx, `
		SELECT id, user_key, day, mood_rating, stress_level, sleep_quality, notes, created_at, updated_at
		FROM check_ins
		WHERE user_key = ? AND day >= ?
		ORDER BY day DESC
	`, userKey, sinceDay)
}

// MoodSeries returns a user's check-ins that carry a mood rating from
// sinceDay (inclusive), oldest first
func (s *CheckInStore) MoodSeries(ctx context.Context, userKey, sinceDay string) ([]*core.CheckIn, error) {
	return s.list(ctx, `
		SELECT id, user_key, day, mood_rating, stress_level, sleep_quality, notes, created_at, updated_at
		FROM check_ins
		WHERE user_key = ? AND day >= ? AND mood_rating IS NOT NULL
		ORDER BY day
	`, userKey, sinceDay)
}

func (s *CheckInStore) list(ctx context.Context, query string, args ...any) ([]*core.CheckIn, error) {
	rows, err := s.db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*core.CheckIn
	for rows.Next() {
		c, err := scanCheckIn(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func scanCheckIn(row rowScanner) (*core.CheckIn, error) {
	c := &core.CheckIn{}
	var mood, stress, sleep sql.NullInt64

	err := row.Scan(&c.ID, &c.UserKey, &c.Day, &mood, &stress, &sleep, &c.Notes, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}

	c.MoodRating = intPtr(mood)
	c.StressLevel = intPtr(stress)
	c.SleepQuality = intPtr(sleep)
	return c, nil
}

func nullInt(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}

func intPtr(v sql.NullInt64) *int {
	if !v.Valid {
		return nil
	}
	i := int(v.Int64)
	return &i
}
