// Package core defines the fundamental types and errors for Serenity.
package core

import "errors"

// Core errors that can occur across the system
var (
	// Profile errors
	ErrProfileNotFound    = errors.New("profile not found")
	ErrMalformedTimestamp = errors.New("malformed timestamp in stored profile")
	ErrInvalidRetention   = errors.New("invalid data retention preference")

	// Session errors
	ErrSessionNotFound  = errors.New("session not found")
	ErrSessionNotActive = errors.New("session is not in progress")

	// Check-in errors
	ErrInvalidRating  = errors.New("rating must be between 1 and 10")
	ErrCheckInMissing = errors.New("check-in not found")

	// Health data errors
	ErrHealthRecordNotFound = errors.New("health record not found")

	// Storage errors
	ErrMigrationFailed = errors.New("migration failed")
	ErrRecordNotFound  = errors.New("record not found")
	ErrDataDirLocked   = errors.New("data directory is in use by another process")

	// LLM errors
	ErrLLMUnavailable = errors.New("LLM service unavailable")
	ErrEmptyResponse  = errors.New("empty LLM response")

	// Validation errors
	ErrInvalidInput    = errors.New("invalid input")
	ErrMissingRequired = errors.New("missing required field")
)
