package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/serenity/serenity/internal/core"
)

// SessionStore handles therapy session persistence
type SessionStore struct {
	db *DB
}

// NewSessionStore creates a new session store
func NewSessionStore(db *DB) *SessionStore {
	return &SessionStore{db: db}
}

// Create inserts a new session
func (s *SessionStore) Create(ctx context.Context, sess *core.Session) error {
	_, err := s.db.conn.ExecContext(ctx, `
		INSERT INTO therapy_sessions (
			id, user_key, session_type, therapy_approach, status, title,
			actual_start, actual_end, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		sess.ID, sess.UserKey, string(sess.Type), string(sess.Approach), string(sess.Status), sess.Title,
		nullTime(sess.ActualStart), nullTime(sess.ActualEnd), sess.CreatedAt, sess.UpdatedAt,
	)
	return err
}

// Get returns a session by ID
func (s *SessionStore) Get(ctx context.Context, id string) (*core.Session, error) {
	row := s.db.conn.QueryRowContext(ctx, `
		SELECT id, user_key, session_type, therapy_approach, status, title,
		       actual_start, actual_end, created_at, updated_at
		FROM therapy_sessions WHERE id = ?
	`, id)

	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", core.ErrSessionNotFound, id)
	}
	return sess, err
}

// Update writes the mutable fields of a session
func (s *SessionStore) Update(ctx context.Context, sess *core.Session) error {
	res, err := s.db.conn.ExecContext(ctx, `
		UPDATE therapy_sessions
		SET status = ?, title = ?, actual_start = ?, actual_end = ?, updated_at = ?
		WHERE id = ?
	`,
		string(sess.Status), sess.Title, nullTime(sess.ActualStart), nullTime(sess.ActualEnd), sess.UpdatedAt, sess.ID,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", core.ErrSessionNotFound, sess.ID)
	}
	return nil
}

// ListByUser returns a user's sessions, newest first
func (s *SessionStore) ListByUser(ctx context.Context, userKey string, limit int) ([]*core.Session, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.conn.QueryContext(ctx, `
		SELECT id, user_key, session_type, therapy_approach, status, title,
		       actual_start, actual_end, created_at, updated_at
		FROM therapy_sessions
		WHERE user_key = ?
		ORDER BY created_at DESC, rowid DESC
		LIMIT ?
	`, userKey, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []*core.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*core.Session, error) {
	sess := &core.Session{}
	var start, end sql.NullTime

	err := row.Scan(
		&sess.ID, &sess.UserKey, &sess.Type, &sess.Approach, &sess.Status, &sess.Title,
		&start, &end, &sess.CreatedAt, &sess.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if start.Valid {
		t := start.Time
		sess.ActualStart = &t
	}
	if end.Valid {
		t := end.Time
		sess.ActualEnd = &t
	}
	return sess, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
