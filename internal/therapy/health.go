package therapy

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/serenity/serenity/internal/core"
	"github.com/serenity/serenity/internal/logging"
	"github.com/serenity/serenity/internal/storage"
)

const maxHealthLimit = 1000

// HealthDataRequest records one mental-health reading. Timestamp defaults
// to now.
type HealthDataRequest struct {
	UserID    string         `json:"user_id"`
	DataType  string         `json:"data_type"`
	Source    string         `json:"source,omitempty"`
	Data      map[string]any `json:"data"`
	Timestamp *time.Time     `json:"timestamp,omitempty"`
}

// HealthDataUpdate replaces the set fields of a record
type HealthDataUpdate struct {
	Data     map[string]any `json:"data,omitempty"`
	Analysis map[string]any `json:"analysis,omitempty"`
}

// RecordHealthData stores a reading for the user
func (s *Service) RecordHealthData(ctx context.Context, req HealthDataRequest) (*core.HealthRecord, error) {
	switch {
	case req.UserID == "":
		return nil, fmt.Errorf("%w: user_id", core.ErrMissingRequired)
	case req.DataType == "":
		return nil, fmt.Errorf("%w: data_type", core.ErrMissingRequired)
	case req.Data == nil:
		return nil, fmt.Errorf("%w: data", core.ErrMissingRequired)
	}

	now := s.clock().UTC()
	recorded := now
	if req.Timestamp != nil {
		recorded = req.Timestamp.UTC()
	}

	rec := &core.HealthRecord{
		ID:         uuid.NewString(),
		UserKey:    s.ids.SecureID(req.UserID),
		DataType:   req.DataType,
		Source:     req.Source,
		Data:       req.Data,
		RecordedAt: recorded,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.health.Create(ctx, rec); err != nil {
		return nil, fmt.Errorf("store health data: %w", err)
	}

	logging.WithField("user", rec.UserKey).Debug("Health data recorded (%s)", rec.DataType)
	return rec, nil
}

// HealthData lists the user's readings matching f, newest first
func (s *Service) HealthData(ctx context.Context, userID string, f storage.HealthFilter) ([]*core.HealthRecord, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user_id", core.ErrMissingRequired)
	}
	if f.Limit > maxHealthLimit || f.Limit < 0 || f.Offset < 0 {
		return nil, fmt.Errorf("%w: limit must be between 1 and %d and offset not negative", core.ErrInvalidInput, maxHealthLimit)
	}
	return s.health.List(ctx, s.ids.SecureID(userID), f)
}

// HealthRecord returns one of the user's readings. Records of other users
// are reported as missing.
func (s *Service) HealthRecord(ctx context.Context, userID, id string) (*core.HealthRecord, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user_id", core.ErrMissingRequired)
	}
	rec, err := s.health.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.UserKey != s.ids.SecureID(userID) {
		return nil, fmt.Errorf("%w: %s", core.ErrHealthRecordNotFound, id)
	}
	return rec, nil
}

// UpdateHealthData replaces the data and/or analysis of a reading
func (s *Service) UpdateHealthData(ctx context.Context, userID, id string, u HealthDataUpdate) (*core.HealthRecord, error) {
	if u.Data == nil && u.Analysis == nil {
		return nil, fmt.Errorf("%w: data or analysis", core.ErrMissingRequired)
	}
	rec, err := s.HealthRecord(ctx, userID, id)
	if err != nil {
		return nil, err
	}

	if u.Data != nil {
		rec.Data = u.Data
	}
	if u.Analysis != nil {
		rec.Analysis = u.Analysis
	}
	rec.UpdatedAt = s.clock().UTC()

	if err := s.health.Update(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// DeleteHealthData removes a reading and returns it
func (s *Service) DeleteHealthData(ctx context.Context, userID, id string) (*core.HealthRecord, error) {
	rec, err := s.HealthRecord(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	if err := s.health.Delete(ctx, rec.ID); err != nil {
		return nil, err
	}
	return rec, nil
}

// HealthDataTypes lists the data types the user has readings of
func (s *Service) HealthDataTypes(ctx context.Context, userID string) ([]string, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user_id", core.ErrMissingRequired)
	}
	return s.health.DataTypes(ctx, s.ids.SecureID(userID))
}

// HealthDataSources lists the sources the user's readings came from
func (s *Service) HealthDataSources(ctx context.Context, userID string) ([]string, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user_id", core.ErrMissingRequired)
	}
	return s.health.Sources(ctx, s.ids.SecureID(userID))
}
