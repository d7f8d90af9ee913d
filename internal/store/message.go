package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// InsertMessage persists a message and bumps the conversation's
// last_message_at in the same transaction. An accepted conversation moves to
// active on its first follow-up message.
func (db *DB) InsertMessage(ctx context.Context, m *Message) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if m.CreatedAt == 0 {
		m.CreatedAt = time.Now().UnixMilli()
	}

	if _, err = tx.ExecContext(ctx, `
		INSERT INTO messages (id, conversation_id, sender_id, recipient_id, content, message_type, parent_message_id, moderation_status, encryption_status, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.ConversationID, m.SenderID, m.RecipientID, m.Content, m.MessageType,
		nullable(m.ParentMessageID), m.ModerationStatus, m.EncryptionStatus, m.Status, m.CreatedAt); err != nil {
		return err
	}

	if _, err = tx.ExecContext(ctx, `
		UPDATE conversations
		SET last_message_at = ?,
		    status = CASE WHEN status = 'accepted' THEN 'active' ELSE status END
		WHERE id = ?`, m.CreatedAt, m.ConversationID); err != nil {
		return err
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// GetMessage returns a single message by id.
func (db *DB) GetMessage(ctx context.Context, id string) (*Message, error) {
	row := db.QueryRowContext(ctx, `
		SELECT id, conversation_id, sender_id, recipient_id, content, message_type,
		       COALESCE(parent_message_id, ''), moderation_status, encryption_status, status, created_at
		FROM messages WHERE id = ?`, id)
	return scanMessage(row)
}

// ListMessages returns a page of messages for a conversation, newest first,
// using an offset continuation. Ties on created_at break by id so paging is
// stable.
func (db *DB) ListMessages(ctx context.Context, conversationID string, offset, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.QueryContext(ctx, `
		SELECT id, conversation_id, sender_id, recipient_id, content, message_type,
		       COALESCE(parent_message_id, ''), moderation_status, encryption_status, status, created_at
		FROM messages
		WHERE conversation_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ? OFFSET ?`, conversationID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.RecipientID, &m.Content, &m.MessageType,
			&m.ParentMessageID, &m.ModerationStatus, &m.EncryptionStatus, &m.Status, &m.CreatedAt); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// ListThread returns a parent message and its replies in chronological order.
func (db *DB) ListThread(ctx context.Context, parentMessageID string) ([]Message, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, conversation_id, sender_id, recipient_id, content, message_type,
		       COALESCE(parent_message_id, ''), moderation_status, encryption_status, status, created_at
		FROM messages
		WHERE id = ? OR parent_message_id = ?
		ORDER BY created_at ASC, id ASC`, parentMessageID, parentMessageID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.RecipientID, &m.Content, &m.MessageType,
			&m.ParentMessageID, &m.ModerationStatus, &m.EncryptionStatus, &m.Status, &m.CreatedAt); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// MarkMessagesRead bulk-transitions unread messages addressed to userID in
// the conversation to read. Returns the number of rows updated.
func (db *DB) MarkMessagesRead(ctx context.Context, conversationID, userID string) (int64, error) {
	res, err := db.ExecContext(ctx, `
		UPDATE messages SET status = 'read'
		WHERE conversation_id = ? AND recipient_id = ? AND status != 'read'`,
		conversationID, userID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// CountUnread returns how many messages addressed to userID are unread in
// the conversation.
func (db *DB) CountUnread(ctx context.Context, conversationID, userID string) (int, error) {
	var n int
	err := db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM messages
		WHERE conversation_id = ? AND recipient_id = ? AND status != 'read'`,
		conversationID, userID).Scan(&n)
	return n, err
}

// SetModerationStatus updates the moderation status of a message.
func (db *DB) SetModerationStatus(ctx context.Context, messageID, status string) error {
	res, err := db.ExecContext(ctx, `UPDATE messages SET moderation_status = ? WHERE id = ?`, status, messageID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanMessage(row *sql.Row) (*Message, error) {
	var m Message
	err := row.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.RecipientID, &m.Content, &m.MessageType,
		&m.ParentMessageID, &m.ModerationStatus, &m.EncryptionStatus, &m.Status, &m.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}
