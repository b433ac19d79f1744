// Package ledger provides an append-only audit trail of privacy events.
// Every entry is hash-chained to the previous entry, making any tampering detectable.
package ledger

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/serenity/serenity/internal/storage"
)

// Genesis is the prev_hash of the first entry
const Genesis = "GENESIS:0000000000000000000000000000000000000000000000000000000000000000"

// Action names
const (
	ActionConsentGranted     = "consent.granted"
	ActionConsentRevoked     = "consent.revoked"
	ActionPermissionsUpdated = "permissions.updated"
	ActionProfileDeleted     = "profile.deleted"
	ActionDataPurged         = "data.purged"
)

// Actors
const (
	ActorAPI = "api"
	ActorCLI = "cli"
)

// EntityProfile is the entity type of per-user entries
const EntityProfile = "profile"

// Store manages the ledger table
type Store struct {
	db    *storage.DB
	clock func() time.Time
	mu    sync.Mutex
}

// NewStore creates a ledger store. A nil clock uses the wall clock.
func NewStore(db *storage.DB, clock func() time.Time) *Store {
	if clock == nil {
		clock = time.Now
	}
	return &Store{db: db, clock: clock}
}

// Entry represents an immutable audit log entry
type Entry struct {
	Seq        int64     `json:"seq"`
	ID         string    `json:"id"`
	Timestamp  time.Time `json:"timestamp"`
	Action     string    `json:"action"`
	Actor      string    `json:"actor"`
	EntityType string    `json:"entity_type"`
	EntityID   string    `json:"entity_id"`
	Details    string    `json:"details"`   // JSON blob
	PrevHash   string    `json:"prev_hash"` // Hash of previous entry (chain)
	Hash       string    `json:"hash"`
}

// Append adds a new entry to the ledger with cryptographic hash chaining.
// This is the ONLY way to add entries.
func (s *Store) Append(ctx context.Context, action, actor, entityType, entityID string, details any) (*Entry, error) {
	var detailsJSON string
	if details != nil {
		data, err := json.Marshal(details)
		if err != nil {
			return nil, fmt.Errorf("marshal details: %w", err)
		}
		detailsJSON = string(data)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	entry := &Entry{
		ID:         uuid.New().String(),
		Timestamp:  s.clock().UTC(),
		Action:     action,
		Actor:      actor,
		EntityType: entityType,
		EntityID:   entityID,
		Details:    detailsJSON,
	}

	err := s.db.Transaction(ctx, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx,
			"SELECT hash FROM audit_ledger ORDER BY seq DESC LIMIT 1",
		).Scan(&entry.PrevHash)
		if errors.Is(err, sql.ErrNoRows) {
			entry.PrevHash = Genesis
		} else if err != nil {
			return fmt.Errorf("get last hash: %w", err)
		}

		entry.Hash = computeHash(entry)

		res, err := tx.ExecContext(ctx, `
			INSERT INTO audit_ledger (id, timestamp, action, actor, entity_type, entity_id, details, prev_hash, hash)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, entry.ID, formatTime(entry.Timestamp), entry.Action, entry.Actor, entry.EntityType, entry.EntityID,
			entry.Details, entry.PrevHash, entry.Hash)
		if err != nil {
			return fmt.Errorf("insert ledger entry: %w", err)
		}
		entry.Seq, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// Timestamps are stored as text so the hashed form survives a round trip
func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// computeHash creates the SHA-256 hash of an entry's canonical representation
func computeHash(entry *Entry) string {
	canonical := struct {
		ID         string `json:"id"`
		Timestamp  string `json:"timestamp"`
		Action     string `json:"action"`
		Actor      string `json:"actor"`
		EntityType string `json:"entity_type"`
		EntityID   string `json:"entity_id"`
		Details    string `json:"details"`
		PrevHash   string `json:"prev_hash"`
	}{
		ID:         entry.ID,
		Timestamp:  formatTime(entry.Timestamp),
		Action:     entry.Action,
		Actor:      entry.Actor,
		EntityType: entry.EntityType,
		EntityID:   entry.EntityID,
		Details:    entry.Details,
		PrevHash:   entry.PrevHash,
	}

	data, _ := json.Marshal(canonical)
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}

const selectColumns = `
	SELECT seq, id, timestamp, action, actor, entity_type, entity_id, details, prev_hash, hash
	FROM audit_ledger`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (*Entry, error) {
	var e Entry
	var ts string
	if err := row.Scan(&e.Seq, &e.ID, &ts, &e.Action, &e.Actor,
		&e.EntityType, &e.EntityID, &e.Details, &e.PrevHash, &e.Hash); err != nil {
		return nil, err
	}
	t, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return nil, fmt.Errorf("entry %s: bad timestamp %q: %w", e.ID, ts, err)
	}
	e.Timestamp = t
	return &e, nil
}

// VerifyChain verifies the integrity of the entire ledger chain.
// Returns nil if valid, or a *ChainError describing the first broken link.
func (s *Store) VerifyChain(ctx context.Context) error {
	rows, err := s.db.Conn().QueryContext(ctx, selectColumns+" ORDER BY seq ASC")
	if err != nil {
		return fmt.Errorf("query ledger: %w", err)
	}
	defer rows.Close()

	expectedPrevHash := Genesis
	entryNum := 0

	for rows.Next() {
		entryNum++
		entry, err := scanEntry(rows)
		if err != nil {
			return fmt.Errorf("scan entry %d: %w", entryNum, err)
		}

		if entry.PrevHash != expectedPrevHash {
			return &ChainError{
				EntryNum:     entryNum,
				EntryID:      entry.ID,
				ExpectedHash: expectedPrevHash,
				ActualHash:   entry.PrevHash,
				Type:         ChainBroken,
			}
		}

		if expected := computeHash(entry); entry.Hash != expected {
			return &ChainError{
				EntryNum:     entryNum,
				EntryID:      entry.ID,
				ExpectedHash: expected,
				ActualHash:   entry.Hash,
				Type:         HashMismatch,
			}
		}

		expectedPrevHash = entry.Hash
	}

	return rows.Err()
}

// ChainError types
const (
	ChainBroken  = "chain_broken"
	HashMismatch = "hash_mismatch"
)

// ChainError represents a broken chain
type ChainError struct {
	EntryNum     int
	EntryID      string
	ExpectedHash string
	ActualHash   string
	Type         string
}

func short(h string) string {
	if len(h) > 16 {
		return h[:16] + "..."
	}
	return h
}

func (e *ChainError) Error() string {
	if e.Type == ChainBroken {
		return fmt.Sprintf("chain broken at entry %d (ID: %s): expected prev_hash %s, got %s",
			e.EntryNum, e.EntryID, short(e.ExpectedHash), short(e.ActualHash))
	}
	return fmt.Sprintf("hash mismatch at entry %d (ID: %s): expected %s, got %s",
		e.EntryNum, e.EntryID, short(e.ExpectedHash), short(e.ActualHash))
}

// QueryOptions filters entries
type QueryOptions struct {
	Action     string
	EntityType string
	EntityID   string
	Limit      int
}

// Query returns matching entries, newest first
func (s *Store) Query(ctx context.Context, opts QueryOptions) ([]*Entry, error) {
	query := selectColumns + " WHERE 1=1"
	var args []any

	if opts.Action != "" {
		query += " AND action = ?"
		args = append(args, opts.Action)
	}
	if opts.EntityType != "" {
		query += " AND entity_type = ?"
		args = append(args, opts.EntityType)
	}
	if opts.EntityID != "" {
		query += " AND entity_id = ?"
		args = append(args, opts.EntityID)
	}

	query += " ORDER BY seq DESC"

	if opts.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, opts.Limit)
	}

	rows, err := s.db.Conn().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query ledger: %w", err)
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// History returns the entries for one user, newest first
func (s *Store) History(ctx context.Context, secureID string, limit int) ([]*Entry, error) {
	return s.Query(ctx, QueryOptions{EntityType: EntityProfile, EntityID: secureID, Limit: limit})
}

// Summary describes the ledger as a whole
type Summary struct {
	TotalEntries int            `json:"total_entries"`
	ByAction     map[string]int `json:"by_action"`
	ChainValid   bool           `json:"chain_valid"`
	ChainError   string         `json:"chain_error,omitempty"`
}

// Summarize counts entries per action and verifies the chain
func (s *Store) Summarize(ctx context.Context) (*Summary, error) {
	byAction, err := s.countByAction(ctx)
	if err != nil {
		return nil, err
	}
	summary := &Summary{ByAction: byAction}
	for _, n := range byAction {
		summary.TotalEntries += n
	}

	if err := s.VerifyChain(ctx); err != nil {
		var chainErr *ChainError
		if !errors.As(err, &chainErr) {
			return nil, err
		}
		summary.ChainError = err.Error()
	} else {
		summary.ChainValid = true
	}
	return summary, nil
}

// countByAction releases its rows before returning; the database has a
// single connection.
func (s *Store) countByAction(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.Conn().QueryContext(ctx, "SELECT action, COUNT(*) FROM audit_ledger GROUP BY action")
	if err != nil {
		return nil, fmt.Errorf("summarize ledger: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var action string
		var count int
		if err := rows.Scan(&action, &count); err != nil {
			return nil, err
		}
		counts[action] = count
	}
	return counts, rows.Err()
}
