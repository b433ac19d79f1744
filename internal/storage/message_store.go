package storage

import (
	"context"
	"database/sql"

	"github.com/serenity/serenity/internal/core"
)

// MessageStore handles transcript persistence
type MessageStore struct {
	db *DB
}

// NewMessageStore creates a new message store
func NewMessageStore(db *DB) *MessageStore {
	return &MessageStore{db: db}
}

// Append stores transcript messages in order. Either all of them are
// written or none is.
func (s *MessageStore) Append(ctx context.Context, msgs ...*core.Message) error {
	return s.db.Transaction(ctx, func(tx *sql.Tx) error {
		for _, msg := range msgs {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO therapy_messages (id, session_id, is_from_ai, content, source, created_at)
				VALUES (?, ?, ?, ?, ?, ?)
			`, msg.ID, msg.SessionID, msg.FromAI, msg.Content, msg.Source, msg.CreatedAt)
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// ListBySession returns a session's transcript in the order it was written
func (s *MessageStore) ListBySession(ctx context.Context, sessionID string) ([]*core.Message, error) {
	rows, err := s.db.conn.QueryContext(ctx, `
		SELECT id, session_id, is_from_ai, content, source, created_at
		FROM therapy_messages
		WHERE session_id = ?
		ORDER BY created_at, rowid
	`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []*core.Message
	for rows.Next() {
		msg := &core.Message{}
		if err := rows.Scan(&msg.ID, &msg.SessionID, &msg.FromAI, &msg.Content, &msg.Source, &msg.CreatedAt); err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}
