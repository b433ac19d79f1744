package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/serenity/serenity/internal/core"
)

// HealthStore handles mental-health data records
type HealthStore struct {
	db *DB
}

// NewHealthStore creates a new health data store
func NewHealthStore(db *DB) *HealthStore {
	return &HealthStore{db: db}
}

// HealthFilter narrows a record listing. Zero fields do not filter.
type HealthFilter struct {
	DataType string
	Source   string
	Since    *time.Time
	Until    *time.Time
	Limit    int
	Offset   int
}

// Create stores a new record
func (s *HealthStore) Create(ctx context.Context, r *core.HealthRecord) error {
	data, analysis, err := encodeHealth(r)
	if err != nil {
		return err
	}

	_, err = s.db.conn.ExecContext(ctx, `
		INSERT INTO health_records (
			id, user_key, data_type, source, data, analysis,
			recorded_at, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		r.ID, r.UserKey, r.DataType, r.Source, data, analysis,
		r.RecordedAt, r.CreatedAt, r.UpdatedAt,
	)
	return err
}

// Get returns a record by ID
func (s *HealthStore) Get(ctx context.Context, id string) (*core.HealthRecord, error) {
	row := s.db.conn.QueryRowContext(ctx, `
		SELECT id, user_key, data_type, source, data, analysis, recorded_at, created_at, updated_at
		FROM health_records WHERE id = ?
	`, id)

	r, err := scanHealthRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", core.ErrHealthRecordNotFound, id)
	}
	return r, err
}

// List returns a user's records matching f, newest first
func (s *HealthStore) List(ctx context.Context, userKey string, f HealthFilter) ([]*core.HealthRecord, error) {
	where := []string{"user_key = ?"}
	args := []any{userKey}

	if f.DataType != "" {
		where = append(where, "data_type = ?")
		args = append(args, f.DataType)
	}
	if f.Source != "" {
		where = append(where, "source = ?")
		args = append(args, f.Source)
	}
	if f.Since != nil {
		where = append(where, "recorded_at >= ?")
		args = append(args, f.Since.UTC())
	}
	if f.Until != nil {
		where = append(where, "recorded_at <= ?")
		args = append(args, f.Until.UTC())
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit, max(f.Offset, 0))

	rows, err := s.db.conn.QueryContext(ctx, `
		SELECT id, user_key, data_type, source, data, analysis, recorded_at, created_at, updated_at
		FROM health_records
		WHERE `+strings.Join(where, " AND ")+`
		ORDER BY recorded_at DESC, rowid DESC
		LIMIT ? OFFSET ?
	`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*core.HealthRecord
	for rows.Next() {
		r, err := scanHealthRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// Update rewrites a record's data and analysis
func (s *HealthStore) Update(ctx context.Context, r *core.HealthRecord) error {
	data, analysis, err := encodeHealth(r)
	if err != nil {
		return err
	}

	res, err := s.db.conn.ExecContext(ctx, `
		UPDATE health_records SET data = ?, analysis = ?, updated_at = ? WHERE id = ?
	`, data, analysis, r.UpdatedAt, r.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", core.ErrHealthRecordNotFound, r.ID)
	}
	return nil
}

// Delete removes a record
func (s *HealthStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.conn.ExecContext(ctx, "DELETE FROM health_records WHERE id = ?", id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", core.ErrHealthRecordNotFound, id)
	}
	return nil
}

// DataTypes returns the distinct data types a user has records of
func (s *HealthStore) DataTypes(ctx context.Context, userKey string) ([]string, error) {
	return s.distinct(ctx, "data_type", userKey)
}

// Sources returns the distinct non-empty sources of a user's records
func (s *HealthStore) Sources(ctx context.Context, userKey string) ([]string, error) {
	return s.distinct(ctx, "source", userKey)
}

func (s *HealthStore) distinct(ctx context.Context, column, userKey string) ([]string, error) {
	rows, err := s.db.conn.QueryContext(ctx,
		"SELECT DISTINCT "+column+" FROM health_records WHERE user_key = ? AND "+column+" != '' ORDER BY "+column,
		userKey,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	values := []string{}
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		values = append(values, v)
	}
	return values, rows.Err()
}

func encodeHealth(r *core.HealthRecord) (string, sql.NullString, error) {
	data, err := json.Marshal(r.Data)
	if err != nil {
		return "", sql.NullString{}, fmt.Errorf("encode health data: %w", err)
	}
	if r.Analysis == nil {
		return string(data), sql.NullString{}, nil
	}
	analysis, err := json.Marshal(r.Analysis)
	if err != nil {
		return "", sql.NullString{}, fmt.Errorf("encode health analysis: %w", err)
	}
	return string(data), sql.NullString{String: string(analysis), Valid: true}, nil
}

func scanHealthRecord(row rowScanner) (*core.HealthRecord, error) {
	r := &core.HealthRecord{}
	var data string
	var analysis sql.NullString

	err := row.Scan(
		&r.ID, &r.UserKey, &r.DataType, &r.Source, &data, &analysis,
		&r.RecordedAt, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(data), &r.Data); err != nil {
		return nil, fmt.Errorf("decode health data %s: %w", r.ID, err)
	}
	if analysis.Valid {
		if err := json.Unmarshal([]byte(analysis.String), &r.Analysis); err != nil {
			return nil, fmt.Errorf("decode health analysis %s: %w", r.ID, err)
		}
	}
	return r, nil
}
