package therapy

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/serenity/serenity/internal/core"
	"github.com/serenity/serenity/internal/logging"
	"github.com/serenity/serenity/internal/profile"
	"github.com/serenity/serenity/internal/storage"
)

// Rating bounds for check-in scores
const (
	MinRating = 1
	MaxRating = 10
)

const (
	dayLayout          = "2006-01-02"
	defaultCheckInDays = 7
	defaultMoodDays    = 30
)

// CheckInRequest is a daily self-report. Nil ratings are not reported.
type CheckInRequest struct {
	UserID       string `json:"user_id"`
	MoodRating   *int   `json:"mood_rating,omitempty"`
	StressLevel  *int   `json:"stress_level,omitempty"`
	SleepQuality *int   `json:"sleep_quality,omitempty"`
	Notes        string `json:"notes,omitempty"`
}

// CheckInResult is the stored check-in and whether it was the first today
type CheckInResult struct {
	CheckIn *core.CheckIn `json:"check_in"`
	Created bool          `json:"created"`
}

func validateRating(name string, v *int) error {
	if v == nil {
		return nil
	}
	if *v < MinRating || *v > MaxRating {
		return fmt.Errorf("%w: %s must be between %d and %d, got %d", core.ErrInvalidRating, name, MinRating, MaxRating, *v)
	}
	return nil
}

// RecordCheckIn stores today's check-in. A second check-in on the same UTC
// day updates the first. With consent, a mood rating is also added to the
// profile's mood history.
func (s *Service) RecordCheckIn(ctx context.Context, req CheckInRequest) (*CheckInResult, error) {
	if req.UserID == "" {
		return nil, fmt.Errorf("%w: user_id", core.ErrMissingRequired)
	}
	if req.MoodRating == nil && req.StressLevel == nil && req.SleepQuality == nil {
		return nil, fmt.Errorf("%w: at least one rating", core.ErrMissingRequired)
	}
	for _, r := range []struct {
		name  string
		value *int
	}{
		{"mood_rating", req.MoodRating},
		{"stress_level", req.StressLevel},
		{"sleep_quality", req.SleepQuality},
	} {
		if err := validateRating(r.name, r.value); err != nil {
			return nil, err
		}
	}

	now := s.clock().UTC()
	c := &core.CheckIn{
		ID:           uuid.NewString(),
		UserKey:      s.ids.SecureID(req.UserID),
		Day:          Today(now),
		MoodRating:   req.MoodRating,
		StressLevel:  req.StressLevel,
		SleepQuality: req.SleepQuality,
		Notes:        req.Notes,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	created, err := s.checkins.Upsert(ctx, c)
	if err != nil {
		return nil, fmt.Errorf("store check-in: %w", err)
	}

	outcome, err := s.engine.Mutate(ctx, req.UserID, func(p *profile.Profile) error {
		if !p.DataCollectionConsent {
			return nil
		}
		if req.MoodRating != nil {
			var notes *string
			if req.Notes != "" {
				notes = &req.Notes
			}
			p.AddMoodData(*req.MoodRating, notes)
		}
		p.RecordCheckIn(map[string]any{
			"day":           c.Day,
			"mood_rating":   req.MoodRating,
			"stress_level":  req.StressLevel,
			"sleep_quality": req.SleepQuality,
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("update profile: %w", err)
	}
	if outcome == storage.SavePersisted {
		s.notifyOverseen(ctx, req.UserID, Event{Type: EventProfileUpdated, Data: map[string]any{"check_in": c.Day}})
	}

	logging.WithField("user", c.UserKey).Info("Check-in recorded for %s (created=%v)", c.Day, created)
	return &CheckInResult{CheckIn: c, Created: created}, nil
}

// CheckIns returns the user's check-ins of the last days days, today
// included, newest first. Zero or negative days selects a week.
func (s *Service) CheckIns(ctx context.Context, userID string, days int) ([]*core.CheckIn, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user_id", core.ErrMissingRequired)
	}
	if days <= 0 {
		days = defaultCheckInDays
	}
	since := s.clock().UTC().AddDate(0, 0, -(days - 1)).Format(dayLayout)
	return s.checkins.ListSince(ctx, s.ids.SecureID(userID), since)
}

// TodayCheckIn returns the user's check-in for the current UTC day, or
// core.ErrCheckInMissing
func (s *Service) TodayCheckIn(ctx context.Context, userID string) (*core.CheckIn, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user_id", core.ErrMissingRequired)
	}
	return s.checkins.Get(ctx, s.ids.SecureID(userID), Today(s.clock()))
}

// MoodPoint is one day of the mood series
type MoodPoint struct {
	Date         string `json:"date"`
	MoodRating   int    `json:"mood_rating"`
	StressLevel  *int   `json:"stress_level"`
	SleepQuality *int   `json:"sleep_quality"`
}

// MoodStats returns the mood series of the last days days, oldest first.
// Check-ins without a mood rating are left out. Zero or negative days
// selects 30.
func (s *Service) MoodStats(ctx context.Context, userID string, days int) ([]MoodPoint, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user_id", core.ErrMissingRequired)
	}
	if days <= 0 {
		days = defaultMoodDays
	}
	since := s.clock().UTC().AddDate(0, 0, -days).Format(dayLayout)

	checkins, err := s.checkins.MoodSeries(ctx, s.ids.SecureID(userID), since)
	if err != nil {
		return nil, err
	}

	points := make([]MoodPoint, 0, len(checkins))
	for _, c := range checkins {
		points = append(points, MoodPoint{
			Date:         c.Day,
			MoodRating:   *c.MoodRating,
			StressLevel:  c.StressLevel,
			SleepQuality: c.SleepQuality,
		})
	}
	return points, nil
}

// Today returns the UTC day key check-ins are filed under at t
func Today(t time.Time) string {
	return t.UTC().Format(dayLayout)
}
