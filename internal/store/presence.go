package store

import (
	"context"
	"database/sql"
	"time"
)

// UpsertProfile inserts or updates a user's display identity.
func (db *DB) UpsertProfile(ctx context.Context, p *Profile) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO profiles (user_id, display_name, location)
		VALUES (?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			display_name = excluded.display_name,
			location = excluded.location`,
		p.UserID, p.DisplayName, p.Location)
	return err
}

// GetProfile returns a user's display identity.
func (db *DB) GetProfile(ctx context.Context, userID string) (*Profile, error) {
	var p Profile
	err := db.QueryRowContext(ctx, `
		SELECT user_id, display_name, location FROM profiles WHERE user_id = ?`, userID).
		Scan(&p.UserID, &p.DisplayName, &p.Location)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// UpsertPresence writes a user's live status row (idempotent on user_id).
func (db *DB) UpsertPresence(ctx context.Context, p *Presence) error {
	if p.LastSeenAt == 0 {
		p.LastSeenAt = time.Now().UnixMilli()
	}
	_, err := db.ExecContext(ctx, `
		INSERT INTO presence (user_id, display_name, status, typing_in_conversation, last_seen_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			display_name = excluded.display_name,
			status = excluded.status,
			typing_in_conversation = excluded.typing_in_conversation,
			last_seen_at = excluded.last_seen_at`,
		p.UserID, p.DisplayName, p.Status, p.TypingInConversation, p.LastSeenAt)
	return err
}

// GetPresence returns a user's live status row.
func (db *DB) GetPresence(ctx context.Context, userID string) (*Presence, error) {
	var p Presence
	err := db.QueryRowContext(ctx, `
		SELECT user_id, display_name, status, typing_in_conversation, last_seen_at
		FROM presence WHERE user_id = ?`, userID).
		Scan(&p.UserID, &p.DisplayName, &p.Status, &p.TypingInConversation, &p.LastSeenAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// SetUIFlag stores a one-time UI flag (e.g. welcome dialog shown).
func (db *DB) SetUIFlag(ctx context.Context, key, value string) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO ui_flags (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().UnixMilli())
	return err
}

// GetUIFlag returns a stored UI flag value, or "" if unset.
func (db *DB) GetUIFlag(ctx context.Context, key string) (string, error) {
	var value string
	err := db.QueryRowContext(ctx, `SELECT value FROM ui_flags WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return value, nil
}
