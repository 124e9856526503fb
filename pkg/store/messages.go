// Copyright 2024-2026 Aiku AI

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"maunium.net/go/mautrix/id"
)

// MessagePart is one row of the message/event correlation. A single source
// message is represented by a contiguous, 0-based sequence of parts when its
// content had to be split for the target's length limit. Part 0 is the
// primary part: the only valid target for reactions and reply
// back-references.
type MessagePart struct {
	EventID   id.EventID
	MessageID string
	Part      int
	ChannelID string
}

// AddMessageParts records the full ordered part set for one source message
// in a single transaction. Parts must be contiguous from 0.
func (s *Store) AddMessageParts(ctx context.Context, parts []MessagePart) error {
	if len(parts) == 0 {
		return nil
	}
	for i, p := range parts {
		if p.Part != i {
			return fmt.Errorf("store: non-contiguous part %d at index %d", p.Part, i)
		}
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, p := range parts {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO event_message (event_id, message_id, part, channel_id)
				VALUES (?, ?, ?, ?)
				ON CONFLICT (message_id, part) DO UPDATE
				SET event_id = excluded.event_id, channel_id = excluded.channel_id
			`, string(p.EventID), p.MessageID, p.Part, p.ChannelID); err != nil {
				return fmt.Errorf("inserting message part %d: %w", p.Part, err)
			}
		}
		return nil
	})
}

// MessageIDsForEvent returns the Discord message ids previously produced for
// a Matrix event, ordered by part. The first element, if any, is the primary.
func (s *Store) MessageIDsForEvent(ctx context.Context, eventID id.EventID) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT message_id FROM event_message
		WHERE event_id = ? ORDER BY part
	`, string(eventID))
	if err != nil {
		return nil, fmt.Errorf("querying messages for event: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var mid string
		if err := rows.Scan(&mid); err != nil {
			return nil, fmt.Errorf("scanning message id: %w", err)
		}
		ids = append(ids, mid)
	}
	return ids, rows.Err()
}

// EventIDsForMessage returns the Matrix event ids for a Discord message,
// ordered by part.
func (s *Store) EventIDsForMessage(ctx context.Context, messageID string) ([]id.EventID, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id FROM event_message
		WHERE message_id = ? ORDER BY part
	`, messageID)
	if err != nil {
		return nil, fmt.Errorf("querying events for message: %w", err)
	}
	defer rows.Close()

	var ids []id.EventID
	for rows.Next() {
		var eid string
		if err := rows.Scan(&eid); err != nil {
			return nil, fmt.Errorf("scanning event id: %w", err)
		}
		ids = append(ids, id.EventID(eid))
	}
	return ids, rows.Err()
}

// PrimaryMessageForEvent returns the message id and channel of the primary
// (part 0) mapping for a Matrix event. Reactions and reply back-references
// must only ever target this row.
func (s *Store) PrimaryMessageForEvent(ctx context.Context, eventID id.EventID) (messageID, channelID string, err error) {
	err = s.db.QueryRowContext(ctx, `
		SELECT message_id, channel_id FROM event_message
		WHERE event_id = ? AND part = 0
	`, string(eventID)).Scan(&messageID, &channelID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", "", ErrNotFound
	}
	if err != nil {
		return "", "", fmt.Errorf("querying primary message: %w", err)
	}
	return messageID, channelID, nil
}

// PrimaryEventForMessage returns the part-0 Matrix event for a Discord message.
func (s *Store) PrimaryEventForMessage(ctx context.Context, messageID string) (id.EventID, error) {
	var eid string
	err := s.db.QueryRowContext(ctx, `
		SELECT event_id FROM event_message
		WHERE message_id = ? AND part = 0
	`, messageID).Scan(&eid)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("querying primary event: %w", err)
	}
	return id.EventID(eid), nil
}

// DeleteMessageMappings removes all part rows for a Discord message and
// returns the event ids they pointed at so the caller can redact them.
func (s *Store) DeleteMessageMappings(ctx context.Context, messageID string) ([]id.EventID, error) {
	events, err := s.EventIDsForMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM event_message WHERE message_id = ?`, messageID,
	); err != nil {
		return nil, fmt.Errorf("deleting message mappings: %w", err)
	}
	return events, nil
}

// DeleteEventMappings removes all part rows recorded for a Matrix event and
// returns the message ids the caller should delete on the Discord side.
func (s *Store) DeleteEventMappings(ctx context.Context, eventID id.EventID) ([]string, error) {
	messages, err := s.MessageIDsForEvent(ctx, eventID)
	if err != nil {
		return nil, err
	}
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM event_message WHERE event_id = ?`, string(eventID),
	); err != nil {
		return nil, fmt.Errorf("deleting event mappings: %w", err)
	}
	return messages, nil
}

// LatestMessageBridged reports whether the given message id has any mapping.
// Backfill uses this to find where a channel's bridged history ends.
func (s *Store) LatestMessageBridged(ctx context.Context, messageID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM event_message WHERE message_id = ? LIMIT 1`, messageID,
	).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("querying message presence: %w", err)
	}
	return true, nil
}

// LatestMessageInChannel returns the newest bridged message id in a
// channel by snowflake order. Backfill resumes fetching after it.
func (s *Store) LatestMessageInChannel(ctx context.Context, channelID string) (string, error) {
	var messageID string
	err := s.db.QueryRowContext(ctx, `
		SELECT message_id FROM event_message
		WHERE channel_id = ?
		ORDER BY CAST(message_id AS INTEGER) DESC
		LIMIT 1
	`, channelID).Scan(&messageID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("querying latest channel message: %w", err)
	}
	return messageID, nil
}

// ChannelHasMessages reports whether any message in the channel was ever
// bridged. A brand-new link has no resume point for backfill.
func (s *Store) ChannelHasMessages(ctx context.Context, channelID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM event_message WHERE channel_id = ? LIMIT 1`, channelID,
	).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("querying channel messages: %w", err)
	}
	return true, nil
}
