// Copyright 2024-2026 Aiku AI

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"maunium.net/go/mautrix/id"
)

// Reaction correlates one Matrix annotation event with the Discord
// reaction it represents. Key is the Matrix annotation key (a unicode
// emoji or an mxc URI for custom emoji); EmojiID is the Discord-side
// emoji reference used for REST calls.
type Reaction struct {
	EventID   id.EventID
	MessageID string
	UserID    string
	Key       string
	EmojiID   string
}

// PutReaction records a bridged reaction.
func (s *Store) PutReaction(ctx context.Context, r Reaction) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO reaction (event_id, message_id, user_id, key, emoji_id)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (event_id) DO UPDATE SET
			message_id = excluded.message_id,
			user_id    = excluded.user_id,
			key        = excluded.key,
			emoji_id   = excluded.emoji_id
	`, r.EventID, r.MessageID, r.UserID, r.Key, r.EmojiID)
	if err != nil {
		return fmt.Errorf("storing reaction: %w", err)
	}
	return nil
}

// ReactionByEvent returns the bridged reaction behind a Matrix event.
func (s *Store) ReactionByEvent(ctx context.Context, eventID id.EventID) (*Reaction, error) {
	var r Reaction
	err := s.db.QueryRowContext(ctx, `
		SELECT event_id, message_id, user_id, key, emoji_id
		FROM reaction WHERE event_id = ?
	`, eventID).Scan(&r.EventID, &r.MessageID, &r.UserID, &r.Key, &r.EmojiID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("looking up reaction for %s: %w", eventID, err)
	}
	return &r, nil
}

// DeleteReaction removes one user's reaction by message, user and key,
// returning the Matrix event that represented it.
func (s *Store) DeleteReaction(ctx context.Context, messageID, userID, key string) (id.EventID, error) {
	var eventID id.EventID
	err := s.db.QueryRowContext(ctx, `
		DELETE FROM reaction
		WHERE message_id = ? AND user_id = ? AND key = ?
		RETURNING event_id
	`, messageID, userID, key).Scan(&eventID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("deleting reaction on %s: %w", messageID, err)
	}
	return eventID, nil
}

// DeleteReactionsForMessage removes every stored reaction on a message,
// returning their Matrix events.
func (s *Store) DeleteReactionsForMessage(ctx context.Context, messageID string) ([]id.EventID, error) {
	rows, err := s.db.QueryContext(ctx, `
		DELETE FROM reaction WHERE message_id = ? RETURNING event_id
	`, messageID)
	if err != nil {
		return nil, fmt.Errorf("deleting reactions for %s: %w", messageID, err)
	}
	defer rows.Close()
	var eventIDs []id.EventID
	for rows.Next() {
		var eventID id.EventID
		if err := rows.Scan(&eventID); err != nil {
			return nil, fmt.Errorf("scanning deleted reaction: %w", err)
		}
		eventIDs = append(eventIDs, eventID)
	}
	return eventIDs, rows.Err()
}

// DeleteReactionByEvent removes the reaction behind a Matrix event,
// returning it for the Discord-side removal call.
func (s *Store) DeleteReactionByEvent(ctx context.Context, eventID id.EventID) (*Reaction, error) {
	var r Reaction
	err := s.db.QueryRowContext(ctx, `
		DELETE FROM reaction WHERE event_id = ?
		RETURNING event_id, message_id, user_id, key, emoji_id
	`, eventID).Scan(&r.EventID, &r.MessageID, &r.UserID, &r.Key, &r.EmojiID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("deleting reaction event %s: %w", eventID, err)
	}
	return &r, nil
}
