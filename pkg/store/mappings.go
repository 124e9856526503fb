// Copyright 2024-2026 Aiku AI

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"maunium.net/go/mautrix/id"
)

// ChannelRoom is one link between a Discord channel and a Matrix room.
// Display metadata holds per-room overrides applied during topology sync.
type ChannelRoom struct {
	ChannelID string
	RoomID    id.RoomID
	GuildID   string
	Name      string
	Nick      *string
	AvatarURL *string
	Topic     *string

	// LastBridgedPin is a monotonic watermark (unix seconds) of the newest
	// pin already synchronized to Matrix. Nil if pins were never bridged.
	LastBridgedPin *int64
}

// Webhook is a webhook the bridge registered on a Discord channel. Inbound
// messages carrying one of these webhook ids are the bridge's own sends
// reflected back and must be dropped.
type Webhook struct {
	ID        string
	ChannelID string
	Token     string
}

// LinkChannelRoom records a new channel/room link. The insert and the
// cleanup of any stale link for the same room happen in one transaction.
func (s *Store) LinkChannelRoom(ctx context.Context, cr ChannelRoom) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM channel_room WHERE room_id = ? AND channel_id != ?`,
			string(cr.RoomID), cr.ChannelID,
		); err != nil {
			return fmt.Errorf("clearing stale room link: %w", err)
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO channel_room (channel_id, room_id, guild_id, name, nick, avatar_url, topic)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (channel_id) DO UPDATE
			SET room_id = excluded.room_id, guild_id = excluded.guild_id,
			    name = excluded.name, nick = excluded.nick,
			    avatar_url = excluded.avatar_url, topic = excluded.topic
		`, cr.ChannelID, string(cr.RoomID), cr.GuildID, cr.Name, cr.Nick, cr.AvatarURL, cr.Topic)
		if err != nil {
			return fmt.Errorf("inserting channel_room: %w", err)
		}
		return nil
	})
}

// UnlinkChannel removes a channel/room link. Unlink is always explicit;
// nothing else deletes rows from channel_room.
func (s *Store) UnlinkChannel(ctx context.Context, channelID string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM event_message WHERE channel_id = ?`, channelID,
		); err != nil {
			return fmt.Errorf("deleting message mappings: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM webhook WHERE channel_id = ?`, channelID,
		); err != nil {
			return fmt.Errorf("deleting webhook registration: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM channel_room WHERE channel_id = ?`, channelID,
		); err != nil {
			return fmt.Errorf("deleting channel link: %w", err)
		}
		return nil
	})
}

// RoomByChannel returns the Matrix room bridged to a Discord channel.
func (s *Store) RoomByChannel(ctx context.Context, channelID string) (id.RoomID, error) {
	var roomID string
	err := s.db.QueryRowContext(ctx,
		`SELECT room_id FROM channel_room WHERE channel_id = ?`, channelID,
	).Scan(&roomID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("querying room for channel: %w", err)
	}
	return id.RoomID(roomID), nil
}

// ChannelByRoom returns the Discord channel bridged to a Matrix room.
func (s *Store) ChannelByRoom(ctx context.Context, roomID id.RoomID) (string, error) {
	var channelID string
	err := s.db.QueryRowContext(ctx,
		`SELECT channel_id FROM channel_room WHERE room_id = ?`, string(roomID),
	).Scan(&channelID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("querying channel for room: %w", err)
	}
	return channelID, nil
}

// ChannelRoom returns the full link row for a channel.
func (s *Store) ChannelRoom(ctx context.Context, channelID string) (*ChannelRoom, error) {
	var cr ChannelRoom
	var roomID string
	err := s.db.QueryRowContext(ctx, `
		SELECT channel_id, room_id, guild_id, name, nick, avatar_url, topic, last_bridged_pin_timestamp
		FROM channel_room WHERE channel_id = ?
	`, channelID).Scan(&cr.ChannelID, &roomID, &cr.GuildID, &cr.Name, &cr.Nick, &cr.AvatarURL, &cr.Topic, &cr.LastBridgedPin)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying channel_room: %w", err)
	}
	cr.RoomID = id.RoomID(roomID)
	return &cr, nil
}

// BridgedChannels returns the ids of all channels currently linked to a room.
func (s *Store) BridgedChannels(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT channel_id FROM channel_room`)
	if err != nil {
		return nil, fmt.Errorf("querying bridged channels: %w", err)
	}
	defer rows.Close()

	var channels []string
	for rows.Next() {
		var ch string
		if err := rows.Scan(&ch); err != nil {
			return nil, fmt.Errorf("scanning channel id: %w", err)
		}
		channels = append(channels, ch)
	}
	return channels, rows.Err()
}

// SetLastBridgedPin advances the pin watermark for a channel. The watermark
// only moves forward; an older timestamp is a no-op.
func (s *Store) SetLastBridgedPin(ctx context.Context, channelID string, ts int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE channel_room
		SET last_bridged_pin_timestamp = ?
		WHERE channel_id = ?
		  AND (last_bridged_pin_timestamp IS NULL OR last_bridged_pin_timestamp < ?)
	`, ts, channelID, ts)
	if err != nil {
		return fmt.Errorf("updating pin watermark: %w", err)
	}
	return nil
}

// Webhook returns the registration for a webhook id, or ErrNotFound.
func (s *Store) Webhook(ctx context.Context, webhookID string) (*Webhook, error) {
	var w Webhook
	err := s.db.QueryRowContext(ctx,
		`SELECT webhook_id, channel_id, token FROM webhook WHERE webhook_id = ?`, webhookID,
	).Scan(&w.ID, &w.ChannelID, &w.Token)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying webhook: %w", err)
	}
	return &w, nil
}

// WebhookByChannel returns the webhook registered for a channel, or ErrNotFound.
func (s *Store) WebhookByChannel(ctx context.Context, channelID string) (*Webhook, error) {
	var w Webhook
	err := s.db.QueryRowContext(ctx,
		`SELECT webhook_id, channel_id, token FROM webhook WHERE channel_id = ?`, channelID,
	).Scan(&w.ID, &w.ChannelID, &w.Token)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying webhook by channel: %w", err)
	}
	return &w, nil
}

// PutWebhook upserts a webhook registration for a channel.
func (s *Store) PutWebhook(ctx context.Context, w Webhook) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO webhook (webhook_id, channel_id, token) VALUES (?, ?, ?)
		ON CONFLICT (channel_id) DO UPDATE SET webhook_id = excluded.webhook_id, token = excluded.token
	`, w.ID, w.ChannelID, w.Token)
	if err != nil {
		return fmt.Errorf("upserting webhook: %w", err)
	}
	return nil
}

// GhostByMXID returns the Discord user id behind a bridged Matrix ghost.
func (s *Store) GhostByMXID(ctx context.Context, mxid id.UserID) (string, error) {
	var userID string
	err := s.db.QueryRowContext(ctx,
		`SELECT user_id FROM ghost WHERE mxid = ?`, string(mxid),
	).Scan(&userID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("querying ghost by mxid: %w", err)
	}
	return userID, nil
}

// GhostByUserID returns the Matrix ghost representing a Discord user.
func (s *Store) GhostByUserID(ctx context.Context, userID string) (id.UserID, error) {
	var mxid string
	err := s.db.QueryRowContext(ctx,
		`SELECT mxid FROM ghost WHERE user_id = ?`, userID,
	).Scan(&mxid)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("querying ghost by user id: %w", err)
	}
	return id.UserID(mxid), nil
}

// PutGhost upserts the correlation between a Discord user and its ghost.
func (s *Store) PutGhost(ctx context.Context, userID string, mxid id.UserID) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO ghost (user_id, mxid) VALUES (?, ?)
		ON CONFLICT (user_id) DO UPDATE SET mxid = excluded.mxid
	`, userID, string(mxid))
	if err != nil {
		return fmt.Errorf("upserting ghost: %w", err)
	}
	return nil
}
