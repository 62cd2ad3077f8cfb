package store

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ashureev/stepwise/internal/domain"
)

func insertMessage(ctx context.Context, db execer, sessionID string, msg *domain.Message) error {
	query := `
		INSERT INTO messages (id, session_id, sender, message_text, step_at_time, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`

	_, err := db.ExecContext(ctx, query,
		msg.ID, sessionID, string(msg.Sender), msg.Text, msg.StepAtTime, toMillis(msg.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	msg.SessionID = sessionID
	return nil
}

// ListMessages returns a page of a session's messages in the order they were written.
func (s *SQLiteStore) ListMessages(ctx context.Context, sessionID string, offset, limit int) ([]*domain.Message, int, error) {
	var total int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages WHERE session_id = ?`, sessionID,
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count messages: %w", err)
	}

	offset, limit = pageBounds(offset, limit)
	query := `
		SELECT id, session_id, sender, message_text, step_at_time, created_at
		FROM messages WHERE session_id = ?
		ORDER BY created_at, rowid LIMIT ? OFFSET ?`

	rows, err := s.db.QueryContext(ctx, query, sessionID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("query messages: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close message rows", "error", closeErr)
		}
	}()

	var messages []*domain.Message
	for rows.Next() {
		var msg domain.Message
		var sender string
		var createdAt int64
		if err := rows.Scan(&msg.ID, &msg.SessionID, &sender, &msg.Text, &msg.StepAtTime, &createdAt); err != nil {
			return nil, 0, fmt.Errorf("scan message row: %w", err)
		}
		msg.Sender = domain.MessageSender(sender)
		msg.CreatedAt = fromMillis(createdAt)
		messages = append(messages, &msg)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate messages: %w", err)
	}
	return messages, total, nil
}
