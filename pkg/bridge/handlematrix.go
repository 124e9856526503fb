// Copyright 2024-2026 Aiku AI

package bridge

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/bwmarrin/discordgo"
	"go.mau.fi/util/variationselector"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/discord-matrix-bridge/pkg/store"
)

// AttachMatrixHandlers registers the bridge's sync callbacks.
func (b *Bridge) AttachMatrixHandlers(syncer *mautrix.DefaultSyncer) {
	syncer.OnEventType(event.EventMessage, b.onMatrixMessage)
	syncer.OnEventType(event.EventSticker, b.onMatrixMessage)
	syncer.OnEventType(event.EventReaction, b.onMatrixReaction)
	syncer.OnEventType(event.EventRedaction, b.onMatrixRedaction)
	syncer.OnEventType(event.StateMember, b.onMatrixMember)
}

// shouldBridgeEvent applies the Matrix-side echo prevention guards.
func (b *Bridge) shouldBridgeEvent(evt *event.Event) bool {
	if evt.Sender == b.matrixUserID {
		return false
	}
	// Ghost users represent Discord users; their events originate on the
	// Discord side and must not be reflected back.
	if strings.HasPrefix(evt.Sender.String(), "@_discord_") {
		return false
	}
	return true
}

func (b *Bridge) onMatrixMessage(_ context.Context, evt *event.Event) {
	b.run(evt.Type.Type, evt, func(ctx context.Context) error {
		return b.bridgeMatrixMessage(ctx, evt)
	})
}

// bridgeMatrixMessage projects one Matrix message or sticker into the
// bridged channel, executing the full edit/send/delete plan the converter
// produces and updating the part mapping to match.
func (b *Bridge) bridgeMatrixMessage(ctx context.Context, evt *event.Event) error {
	if !b.shouldBridgeEvent(evt) {
		return nil
	}
	channelID, err := b.db.ChannelByRoom(ctx, evt.RoomID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	}
	cr, err := b.db.ChannelRoom(ctx, channelID)
	if err != nil {
		return err
	}
	webhook, err := b.ensureWebhook(ctx, channelID)
	if err != nil {
		return err
	}

	plan, err := b.conv.Convert(ctx, evt, cr.GuildID)
	if err != nil {
		return fmt.Errorf("convert event %s: %w", evt.ID, err)
	}
	if len(plan.Edits) == 0 && len(plan.Sends) == 0 && len(plan.Deletes) == 0 {
		return nil
	}

	var messageIDs []string
	for _, edit := range plan.Edits {
		content := edit.Message.Content
		if _, err := b.discord.EditWebhookMessage(ctx, webhook.ID, webhook.Token, edit.MessageID, &discordgo.WebhookEdit{
			Content: &content,
		}); err != nil {
			return fmt.Errorf("edit webhook message %s: %w", edit.MessageID, err)
		}
		messageIDs = append(messageIDs, edit.MessageID)
	}
	for _, send := range plan.Sends {
		params := &discordgo.WebhookParams{
			Content:   send.Content,
			Username:  send.Username,
			AvatarURL: send.AvatarURL,
		}
		for _, pending := range send.Files {
			data, err := b.media.FetchFile(ctx, pending)
			if err != nil {
				b.log.Error().Err(err).
					Stringer("event_id", evt.ID).
					Str("file", pending.Name).
					Msg("Could not stage attachment")
				continue
			}
			params.Files = append(params.Files, &discordgo.File{
				Name:   pending.Name,
				Reader: bytes.NewReader(data),
			})
		}
		if len(params.Content) == 0 && len(params.Files) == 0 {
			continue
		}
		sent, err := b.discord.ExecuteWebhook(ctx, webhook.ID, webhook.Token, params)
		if err != nil {
			if len(messageIDs) > 0 {
				b.log.Error().Err(err).
					Stringer("event_id", evt.ID).
					Int("sent_parts", len(messageIDs)).
					Msg("Partial multi-part send")
				break
			}
			return fmt.Errorf("execute webhook: %w", err)
		}
		messageIDs = append(messageIDs, sent.ID)
	}
	for _, messageID := range plan.Deletes {
		if err := b.discord.DeleteWebhookMessage(ctx, webhook.ID, webhook.Token, messageID); err != nil {
			b.log.Warn().Err(err).Str("message_id", messageID).Msg("Could not delete surplus chunk")
		}
	}

	// An edit keeps the mapping keyed on the original event; a fresh
	// message maps to its own event id.
	mappedEvent := evt.ID
	if content, ok := evt.Content.Parsed.(*event.MessageEventContent); ok {
		if rel := content.RelatesTo; content.NewContent != nil && rel != nil && rel.Type == event.RelReplace && rel.EventID != "" {
			mappedEvent = rel.EventID
			if _, err := b.db.DeleteEventMappings(ctx, mappedEvent); err != nil {
				return err
			}
		}
	}
	if len(messageIDs) == 0 {
		return nil
	}
	parts := make([]store.MessagePart, len(messageIDs))
	for i, messageID := range messageIDs {
		parts[i] = store.MessagePart{
			EventID:   mappedEvent,
			MessageID: messageID,
			Part:      i,
			ChannelID: channelID,
		}
	}
	return b.db.AddMessageParts(ctx, parts)
}

func (b *Bridge) onMatrixReaction(_ context.Context, evt *event.Event) {
	b.run(evt.Type.Type, evt, func(ctx context.Context) error {
		return b.bridgeMatrixReaction(ctx, evt)
	})
}

func (b *Bridge) bridgeMatrixReaction(ctx context.Context, evt *event.Event) error {
	if !b.shouldBridgeEvent(evt) {
		return nil
	}
	content, ok := evt.Content.Parsed.(*event.ReactionEventContent)
	if !ok || content.RelatesTo.Type != event.RelAnnotation || content.RelatesTo.EventID == "" {
		return nil
	}
	messageID, channelID, err := b.db.PrimaryMessageForEvent(ctx, content.RelatesTo.EventID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// Reactions only ever target the primary mapping.
			return nil
		}
		return err
	}
	emojiID, ok, err := b.emojiFromKey(ctx, content.RelatesTo.Key)
	if err != nil || !ok {
		return err
	}
	if err := b.discord.AddReaction(ctx, channelID, messageID, emojiID); err != nil {
		return fmt.Errorf("add reaction: %w", err)
	}
	return b.db.PutReaction(ctx, store.Reaction{
		EventID:   evt.ID,
		MessageID: messageID,
		UserID:    evt.Sender.String(),
		Key:       content.RelatesTo.Key,
		EmojiID:   emojiID,
	})
}

// emojiFromKey converts a Matrix annotation key to the emoji reference
// Discord's reaction endpoints expect. Keys using an unregistered content
// URI have no Discord-side form.
func (b *Bridge) emojiFromKey(ctx context.Context, key string) (string, bool, error) {
	if !strings.HasPrefix(key, "mxc://") {
		return variationselector.Remove(key), true, nil
	}
	expr, err := b.db.ExpressionByMXC(ctx, id.ContentURIString(key))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", false, nil
		}
		return "", false, err
	}
	return expr.Name + ":" + expr.ID, true, nil
}

func (b *Bridge) onMatrixRedaction(_ context.Context, evt *event.Event) {
	b.run(evt.Type.Type, evt, func(ctx context.Context) error {
		return b.bridgeMatrixRedaction(ctx, evt)
	})
}

// bridgeMatrixRedaction removes whatever the redacted event represented:
// a bridged reaction or a bridged message with all its chunks.
func (b *Bridge) bridgeMatrixRedaction(ctx context.Context, evt *event.Event) error {
	if !b.shouldBridgeEvent(evt) {
		return nil
	}
	if evt.Redacts == "" {
		return nil
	}
	channelID, err := b.db.ChannelByRoom(ctx, evt.RoomID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	}

	if reaction, err := b.db.DeleteReactionByEvent(ctx, evt.Redacts); err == nil {
		return b.discord.RemoveOwnReaction(ctx, channelID, reaction.MessageID, reaction.EmojiID)
	} else if !errors.Is(err, store.ErrNotFound) {
		return err
	}

	messageIDs, err := b.db.DeleteEventMappings(ctx, evt.Redacts)
	if err != nil {
		return err
	}
	if len(messageIDs) == 0 {
		return nil
	}
	webhook, err := b.ensureWebhook(ctx, channelID)
	if err != nil {
		return err
	}
	for _, messageID := range messageIDs {
		if err := b.discord.DeleteWebhookMessage(ctx, webhook.ID, webhook.Token, messageID); err != nil {
			return fmt.Errorf("delete webhook message %s: %w", messageID, err)
		}
	}
	return nil
}

func (b *Bridge) onMatrixMember(_ context.Context, evt *event.Event) {
	b.runQuiet(evt.Type.Type, func(ctx context.Context) error {
		if evt.StateKey == nil {
			return nil
		}
		return b.db.InvalidateMember(ctx, evt.RoomID, id.UserID(*evt.StateKey))
	})
}
