package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// CreateHelpRequest inserts a help request row.
func (db *DB) CreateHelpRequest(ctx context.Context, hr *HelpRequest) error {
	if hr.CreatedAt == 0 {
		hr.CreatedAt = time.Now().UnixMilli()
	}
	_, err := db.ExecContext(ctx, `
		INSERT INTO help_requests (id, owner_id, title, category, urgency, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		hr.ID, hr.OwnerID, hr.Title, hr.Category, hr.Urgency, hr.Status, hr.CreatedAt)
	return err
}

// GetHelpRequest returns a help request by id.
func (db *DB) GetHelpRequest(ctx context.Context, id string) (*HelpRequest, error) {
	var hr HelpRequest
	err := db.QueryRowContext(ctx, `
		SELECT id, owner_id, title, category, urgency, status, created_at
		FROM help_requests WHERE id = ?`, id).
		Scan(&hr.ID, &hr.OwnerID, &hr.Title, &hr.Category, &hr.Urgency, &hr.Status, &hr.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &hr, nil
}

// CreateConversationAtomic creates a conversation and its initial message in
// one transaction, keyed on (help_request_id, helper_id). If the pairing
// already exists the existing conversation id is returned with created=false
// and nothing is written. The initial message must already be in its at-rest
// form (moderated and, when applicable, encrypted).
func (db *DB) CreateConversationAtomic(ctx context.Context, conv *Conversation, initial *Message) (string, bool, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return "", false, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var existingID string
	err = tx.QueryRowContext(ctx, `
		SELECT id FROM conversations WHERE help_request_id = ? AND helper_id = ?`,
		conv.HelpRequestID, conv.HelperID).Scan(&existingID)
	if err == nil {
		return existingID, false, nil
	}
	if err != sql.ErrNoRows {
		return "", false, err
	}

	now := time.Now().UnixMilli()
	if conv.CreatedAt == 0 {
		conv.CreatedAt = now
	}
	if initial.CreatedAt == 0 {
		initial.CreatedAt = now
	}
	conv.LastMessageAt = initial.CreatedAt

	if _, err = tx.ExecContext(ctx, `
		INSERT INTO conversations (id, help_request_id, requester_id, helper_id, status, created_at, last_message_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		conv.ID, conv.HelpRequestID, conv.RequesterID, conv.HelperID, conv.Status, conv.CreatedAt, conv.LastMessageAt); err != nil {
		return "", false, err
	}

	if _, err = tx.ExecContext(ctx, `
		INSERT INTO messages (id, conversation_id, sender_id, recipient_id, content, message_type, parent_message_id, moderation_status, encryption_status, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		initial.ID, conv.ID, initial.SenderID, initial.RecipientID, initial.Content, initial.MessageType,
		nullable(initial.ParentMessageID), initial.ModerationStatus, initial.EncryptionStatus, initial.Status, initial.CreatedAt); err != nil {
		return "", false, err
	}

	if err = tx.Commit(); err != nil {
		return "", false, fmt.Errorf("commit: %w", err)
	}
	return conv.ID, true, nil
}

// GetConversation returns a conversation by id.
func (db *DB) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	var c Conversation
	err := db.QueryRowContext(ctx, `
		SELECT id, help_request_id, requester_id, helper_id, status, created_at, last_message_at
		FROM conversations WHERE id = ?`, id).
		Scan(&c.ID, &c.HelpRequestID, &c.RequesterID, &c.HelperID, &c.Status, &c.CreatedAt, &c.LastMessageAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// GetConversationForUser returns a conversation only if userID participates
// in it. Access control is enforced here, not by caller-side filtering.
func (db *DB) GetConversationForUser(ctx context.Context, id, userID string) (*Conversation, error) {
	c, err := db.GetConversation(ctx, id)
	if err != nil {
		return nil, err
	}
	if !c.HasParticipant(userID) {
		return nil, ErrPermissionDenied
	}
	return c, nil
}

// ListConversationsForUser returns the user's conversations ordered by
// last_message_at descending.
func (db *DB) ListConversationsForUser(ctx context.Context, userID string) ([]Conversation, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, help_request_id, requester_id, helper_id, status, created_at, last_message_at
		FROM conversations
		WHERE requester_id = ? OR helper_id = ?
		ORDER BY last_message_at DESC`, userID, userID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var convs []Conversation
	for rows.Next() {
		var c Conversation
		if err := rows.Scan(&c.ID, &c.HelpRequestID, &c.RequesterID, &c.HelperID, &c.Status, &c.CreatedAt, &c.LastMessageAt); err != nil {
			return nil, err
		}
		convs = append(convs, c)
	}
	return convs, rows.Err()
}

// UpdateConversationStatus sets the lifecycle status of a conversation.
func (db *DB) UpdateConversationStatus(ctx context.Context, id, status string) error {
	res, err := db.ExecContext(ctx, `UPDATE conversations SET status = ? WHERE id = ?`, status, id)
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

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
