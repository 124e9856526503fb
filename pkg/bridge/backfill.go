// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/aiku/discord-matrix-bridge/pkg/store"
)

// catchupGuild runs after a gateway (re)connect delivers the guild. It
// registers any expressions added while offline, then walks every bridged
// channel and thread to bridge missed messages and pin changes.
func (b *Bridge) catchupGuild(ctx context.Context, guild *discordgo.Guild) error {
	if err := b.syncExpressions(ctx, guild.Emojis); err != nil {
		b.log.Warn().Err(err).Str("guild_id", guild.ID).Msg("Expression catchup failed")
	}

	channels := make([]*discordgo.Channel, 0, len(guild.Channels)+len(guild.Threads))
	channels = append(channels, guild.Channels...)
	channels = append(channels, guild.Threads...)

	for _, ch := range channels {
		if _, err := b.db.RoomByChannel(ctx, ch.ID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			return err
		}
		if err := b.catchupChannel(ctx, ch); err != nil {
			b.log.Error().Err(err).Str("channel_id", ch.ID).Msg("Channel catchup failed")
		}
	}
	return nil
}

// catchupChannel bridges messages that arrived while the gateway was
// down, capped at one history page. A channel with no bridged history has
// no resume point; only its single latest message is bridged so the room
// picks up from the present instead of replaying the full backlog.
func (b *Bridge) catchupChannel(ctx context.Context, ch *discordgo.Channel) error {
	latest, err := b.db.LatestMessageInChannel(ctx, ch.ID)
	var missed []*discordgo.Message
	switch {
	case errors.Is(err, store.ErrNotFound):
		missed, err = b.discord.Messages(ctx, ch.ID, 1, "", "")
	case err == nil:
		missed, err = b.discord.Messages(ctx, ch.ID, b.cfg.Bridge.BackfillLimit, "", latest)
	}
	if err != nil {
		return err
	}

	sortMessagesAscending(missed)
	for _, msg := range missed {
		bridged, err := b.db.LatestMessageBridged(ctx, msg.ID)
		if err != nil {
			return err
		}
		if bridged {
			continue
		}
		if err := b.bridgeDiscordMessage(ctx, msg); err != nil {
			b.log.Error().Err(err).
				Str("channel_id", ch.ID).
				Str("message_id", msg.ID).
				Msg("Could not bridge missed message")
		}
	}

	var lastPin time.Time
	if ch.LastPinTimestamp != nil {
		lastPin = *ch.LastPinTimestamp
	}
	if !lastPin.IsZero() {
		if err := b.syncPins(ctx, ch.ID, lastPin); err != nil {
			b.log.Error().Err(err).Str("channel_id", ch.ID).Msg("Could not sync missed pins")
		}
	}
	return nil
}

// syncExpressions registers every guild emoji, uploading the ones the
// store has not seen before.
func (b *Bridge) syncExpressions(ctx context.Context, emojis []*discordgo.Emoji) error {
	var firstErr error
	for _, emoji := range emojis {
		expr := store.Expression{ID: emoji.ID, Name: emoji.Name, Animated: emoji.Animated}
		if _, err := b.db.RegisterExpression(ctx, expr); err != nil {
			b.log.Warn().Err(err).Str("emoji_id", emoji.ID).Msg("Could not register expression")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// sortMessagesAscending orders messages oldest first by snowflake.
func sortMessagesAscending(messages []*discordgo.Message) {
	sort.Slice(messages, func(i, j int) bool {
		a, errA := strconv.ParseUint(messages[i].ID, 10, 64)
		b, errB := strconv.ParseUint(messages[j].ID, 10, 64)
		if errA != nil || errB != nil {
			return messages[i].ID < messages[j].ID
		}
		return a < b
	})
}
