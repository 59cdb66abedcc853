package store

import (
	"context"
	"fmt"
)

// MarkEventProcessed inserts the (workspace_id, event_id) dedup key.
// It returns ok=false (no error) when the pair already exists, which is the
// expected outcome on a provider's at-least-once redelivery, not a failure.
func (s *Store) MarkEventProcessed(ctx context.Context, workspaceID, eventID string) (ok bool, err error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO processed_events (workspace_id, event_id) VALUES (?, ?);
	`, workspaceID, eventID)
	if err != nil {
		return false, fmt.Errorf("insert processed_event: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

// AppendTelegramMessage records an inbound Telegram message in the local
// history buffer, used because Telegram (unlike Slack) has no server-side
// thread history the Worker can re-fetch.
func (s *Store) AppendTelegramMessage(ctx context.Context, chatID, messageID, userID, text string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO telegram_messages (chat_id, message_id, user_id, text, created_at)
		VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP);
	`, chatID, messageID, userID, text)
	if err != nil {
		return fmt.Errorf("insert telegram_message: %w", err)
	}
	return nil
}

// TelegramHistory struct mirrors telegram_messages for the Worker's
// turn-context assembly.
type TelegramHistory struct {
	MessageID string
	UserID    string
	Text      string
}

// RecentTelegramMessages returns the most recent messages for a chat, oldest
// first, bounded by limit.
func (s *Store) RecentTelegramMessages(ctx context.Context, chatID string, limit int) ([]TelegramHistory, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT message_id, user_id, text FROM (
			SELECT message_id, user_id, text, created_at FROM telegram_messages
			WHERE chat_id = ? ORDER BY created_at DESC LIMIT ?
		) ORDER BY created_at ASC;
	`, chatID, limit)
	if err != nil {
		return nil, fmt.Errorf("query telegram_messages: %w", err)
	}
	defer rows.Close()

	var out []TelegramHistory
	for rows.Next() {
		var h TelegramHistory
		if err := rows.Scan(&h.MessageID, &h.UserID, &h.Text); err != nil {
			return nil, fmt.Errorf("scan telegram_message: %w", err)
		}
		out = append(out, h)
	}
	return out, rows.Err()
}
