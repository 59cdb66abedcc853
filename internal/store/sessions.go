package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// GetOrCreateSession loads the Session for a conversation, creating an empty
// one lazily if none exists yet.
func (s *Store) GetOrCreateSession(ctx context.Context, conversationKey string) (*Session, error) {
	sess, err := s.GetSession(ctx, conversationKey)
	if err != nil {
		return nil, err
	}
	if sess != nil {
		return sess, nil
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions (conversation_key, created_at, updated_at)
		VALUES (?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
		ON CONFLICT(conversation_key) DO NOTHING;
	`, conversationKey)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	return s.GetSession(ctx, conversationKey)
}

// GetSession loads a Session by conversation_key, or nil if it does not exist.
func (s *Store) GetSession(ctx context.Context, conversationKey string) (*Session, error) {
	var sess Session
	err := s.db.QueryRowContext(ctx, `
		SELECT conversation_key, thread_id, memory_summary, created_at, updated_at
		FROM sessions WHERE conversation_key = ?;
	`, conversationKey).Scan(&sess.ConversationKey, &sess.ThreadID, &sess.MemorySummary, &sess.CreatedAt, &sess.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select session: %w", err)
	}
	return &sess, nil
}

// UpdateSession persists the external agent's thread_id and a fresh memory
// summary at the end of a turn.
func (s *Store) UpdateSession(ctx context.Context, conversationKey, threadID, memorySummary string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE sessions
		SET thread_id = ?, memory_summary = ?, updated_at = CURRENT_TIMESTAMP
		WHERE conversation_key = ?;
	`, threadID, memorySummary, conversationKey)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	return nil
}

// ListSessions returns every session, most recently updated first, for the
// admin memory report.
func (s *Store) ListSessions(ctx context.Context) ([]Session, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT conversation_key, thread_id, memory_summary, created_at, updated_at
		FROM sessions ORDER BY updated_at DESC;
	`)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		var sess Session
		if err := rows.Scan(&sess.ConversationKey, &sess.ThreadID, &sess.MemorySummary, &sess.CreatedAt, &sess.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// DeleteSession drops a Session row, used by the admin API's memory-forget
// endpoint. It does not touch Task history.
func (s *Store) DeleteSession(ctx context.Context, conversationKey string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE conversation_key = ?;`, conversationKey)
	if err != nil {
		return false, fmt.Errorf("delete session: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}
