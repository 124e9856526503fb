// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	"go.mau.fi/util/variationselector"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/discord-matrix-bridge/pkg/bridge/discordfmt"
	"github.com/aiku/discord-matrix-bridge/pkg/store"
)

// typingTimeout is how long a relayed typing notification stays visible.
const typingTimeout = 10 * time.Second

// AttachDiscordHandlers registers every gateway handler the bridge reacts to.
func (b *Bridge) AttachDiscordHandlers(session *discordgo.Session) {
	session.AddHandler(b.onReady)
	session.AddHandler(b.onMessageCreate)
	session.AddHandler(b.onMessageUpdate)
	session.AddHandler(b.onMessageDelete)
	session.AddHandler(b.onMessageDeleteBulk)
	session.AddHandler(b.onReactionAdd)
	session.AddHandler(b.onReactionRemove)
	session.AddHandler(b.onReactionRemoveAll)
	session.AddHandler(b.onTypingStart)
	session.AddHandler(b.onChannelPinsUpdate)
	session.AddHandler(b.onThreadCreate)
	session.AddHandler(b.onChannelDelete)
	session.AddHandler(b.onChannelUpdate)
	session.AddHandler(b.onGuildUpdate)
	session.AddHandler(b.onGuildEmojisUpdate)
	session.AddHandler(b.onGuildCreate)
}

func (b *Bridge) onReady(_ *discordgo.Session, r *discordgo.Ready) {
	b.SetDiscordUser(r.User.ID)
	b.log.Info().Str("user_id", r.User.ID).Msg("Discord gateway ready")
}

// shouldBridgeMessage applies the echo prevention guards. Returns
// (false, nil) to skip silently.
func (b *Bridge) shouldBridgeMessage(ctx context.Context, msg *discordgo.Message) (bool, error) {
	if msg.Author == nil {
		return false, nil
	}
	// Echo prevention: skip the bridge's own messages.
	if msg.Author.ID == b.discordUserID {
		return false, nil
	}
	// Echo prevention: skip messages sent through our own webhooks.
	if msg.WebhookID != "" {
		_, err := b.db.Webhook(ctx, msg.WebhookID)
		if err == nil {
			b.log.Debug().
				Str("message_id", msg.ID).
				Str("webhook_id", msg.WebhookID).
				Msg("Skipping own webhook message (echo prevention)")
			return false, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return false, err
		}
	}
	// Ephemeral messages are only visible to one user, bridging them
	// would leak them.
	if msg.Flags&discordgo.MessageFlagsEphemeral != 0 {
		return false, nil
	}
	return true, nil
}

func (b *Bridge) onMessageCreate(_ *discordgo.Session, m *discordgo.MessageCreate) {
	b.run("MESSAGE_CREATE", m, func(ctx context.Context) error {
		return b.bridgeDiscordMessage(ctx, m.Message)
	})
}

// bridgeDiscordMessage projects one Discord message into its Matrix room
// as an ordered set of events and records the part mapping.
func (b *Bridge) bridgeDiscordMessage(ctx context.Context, msg *discordgo.Message) error {
	ok, err := b.shouldBridgeMessage(ctx, msg)
	if err != nil || !ok {
		return err
	}
	roomID, err := b.ensureRoom(ctx, msg.ChannelID)
	if err != nil {
		return err
	}
	if b.speedbump.Delay(ctx, msg.ChannelID, msg.ID) {
		b.log.Debug().
			Str("message_id", msg.ID).
			Str("channel_id", msg.ChannelID).
			Msg("Speedbump absorbed message before bridging")
		return nil
	}

	parts, err := b.discordMessageParts(ctx, msg)
	if err != nil {
		return err
	}
	if len(parts) == 0 {
		return nil
	}

	ghost := b.ghostMXID(msg.Author.ID)
	if err := b.db.PutGhost(ctx, msg.Author.ID, ghost); err != nil {
		b.log.Warn().Err(err).Str("user_id", msg.Author.ID).Msg("Could not record ghost mapping")
	}

	var stored []store.MessagePart
	for i, part := range parts {
		eventID, err := b.matrix.SendMessage(ctx, roomID, part.eventType, part.content)
		if err != nil {
			if len(stored) > 0 {
				// No rollback for partial multi-part sends; the mapping
				// below still records what made it across.
				b.log.Error().Err(err).
					Str("message_id", msg.ID).
					Int("sent_parts", len(stored)).
					Int("total_parts", len(parts)).
					Msg("Partial multi-part send")
				break
			}
			return fmt.Errorf("send message part: %w", err)
		}
		stored = append(stored, store.MessagePart{
			EventID:   eventID,
			MessageID: msg.ID,
			Part:      i,
			ChannelID: msg.ChannelID,
		})
	}
	if len(stored) == 0 {
		return nil
	}
	if err := b.db.AddMessageParts(ctx, stored); err != nil {
		return err
	}
	b.retrigger.MessageFinishedBridging(msg.ID)
	return nil
}

// messagePart is one Matrix event queued for a Discord message.
type messagePart struct {
	eventType event.Type
	content   *event.MessageEventContent
}

// discordMessageParts converts a message into its Matrix events: the text
// part first, then one part per attachment and sticker. Attachment
// transfer failures skip the part instead of failing the whole message.
func (b *Bridge) discordMessageParts(ctx context.Context, msg *discordgo.Message) ([]messagePart, error) {
	var parts []messagePart

	if msg.Content != "" {
		parsed := discordfmt.Parse(ctx, b.resolver(), msg)
		content := b.attributedContent(msg, parsed)
		if replyTo := b.replyTarget(ctx, msg); replyTo != "" {
			content.RelatesTo = &event.RelatesTo{InReplyTo: &event.InReplyTo{EventID: replyTo}}
		}
		parts = append(parts, messagePart{eventType: event.EventMessage, content: content})
	}

	for _, att := range msg.Attachments {
		content, err := b.convertAttachment(ctx, att)
		if err != nil {
			b.log.Error().Err(err).
				Str("message_id", msg.ID).
				Str("attachment_id", att.ID).
				Msg("Could not transfer attachment")
			continue
		}
		parts = append(parts, messagePart{eventType: event.EventMessage, content: content})
	}

	for _, sticker := range msg.StickerItems {
		content, err := b.convertSticker(ctx, sticker)
		if err != nil {
			b.log.Error().Err(err).
				Str("message_id", msg.ID).
				Str("sticker_id", sticker.ID).
				Msg("Could not transfer sticker")
			continue
		}
		if content != nil {
			parts = append(parts, messagePart{eventType: event.EventSticker, content: content})
		}
	}

	return parts, nil
}

// attributedContent prefixes the converted body with the sender's name.
// The bridge posts through a single bot account, attribution lives in the
// message itself.
func (b *Bridge) attributedContent(msg *discordgo.Message, parsed *discordfmt.ParsedMessage) *event.MessageEventContent {
	name := discordDisplayName(msg)
	formatted := parsed.FormattedBody
	if formatted == "" {
		formatted = strings.ReplaceAll(html.EscapeString(parsed.Body), "\n", "<br/>")
	}
	return &event.MessageEventContent{
		MsgType:       event.MsgText,
		Body:          name + ": " + parsed.Body,
		Format:        event.FormatHTML,
		FormattedBody: "<strong>" + html.EscapeString(name) + "</strong>: " + formatted,
	}
}

func discordDisplayName(msg *discordgo.Message) string {
	if msg.Member != nil && msg.Member.Nick != "" {
		return msg.Member.Nick
	}
	if msg.Author.GlobalName != "" {
		return msg.Author.GlobalName
	}
	return msg.Author.Username
}

// replyTarget resolves a message reference to the primary Matrix event it
// was bridged as. References to unbridged messages drop silently.
func (b *Bridge) replyTarget(ctx context.Context, msg *discordgo.Message) id.EventID {
	if msg.MessageReference == nil || msg.MessageReference.MessageID == "" {
		return ""
	}
	eventID, err := b.db.PrimaryEventForMessage(ctx, msg.MessageReference.MessageID)
	if err != nil {
		return ""
	}
	return eventID
}

func (b *Bridge) convertAttachment(ctx context.Context, att *discordgo.MessageAttachment) (*event.MessageEventContent, error) {
	mxc, err := b.media.TransferToMatrix(ctx, att.URL, att.ContentType, att.Filename)
	if err != nil {
		return nil, err
	}
	msgType := event.MsgFile
	switch {
	case strings.HasPrefix(att.ContentType, "image/"):
		msgType = event.MsgImage
	case strings.HasPrefix(att.ContentType, "video/"):
		msgType = event.MsgVideo
	case strings.HasPrefix(att.ContentType, "audio/"):
		msgType = event.MsgAudio
	}
	return &event.MessageEventContent{
		MsgType: msgType,
		Body:    att.Filename,
		URL:     mxc,
		Info: &event.FileInfo{
			MimeType: att.ContentType,
			Size:     att.Size,
			Width:    att.Width,
			Height:   att.Height,
		},
	}, nil
}

// convertSticker transfers a sticker image and builds its event content.
// Lottie stickers have no raster form and are skipped.
func (b *Bridge) convertSticker(ctx context.Context, sticker *discordgo.StickerItem) (*event.MessageEventContent, error) {
	ext, mime := ".png", "image/png"
	switch sticker.FormatType {
	case discordgo.StickerFormatTypeLottie:
		return nil, nil
	case discordgo.StickerFormatTypeGIF:
		ext, mime = ".gif", "image/gif"
	}
	url := "https://cdn.discordapp.com/stickers/" + sticker.ID + ext
	mxc, err := b.media.TransferToMatrix(ctx, url, mime, sticker.Name+ext)
	if err != nil {
		return nil, err
	}
	return &event.MessageEventContent{
		Body: sticker.Name,
		URL:  mxc,
		Info: &event.FileInfo{MimeType: mime},
	}, nil
}

func (b *Bridge) onMessageUpdate(_ *discordgo.Session, m *discordgo.MessageUpdate) {
	b.run("MESSAGE_UPDATE", m, func(ctx context.Context) error {
		return b.bridgeDiscordEdit(ctx, m.Message)
	})
}

func (b *Bridge) bridgeDiscordEdit(ctx context.Context, msg *discordgo.Message) error {
	// Embed resolution and other metadata-only updates arrive without an
	// author; there is no content change to bridge.
	if msg.Author == nil {
		return nil
	}
	ok, err := b.shouldBridgeMessage(ctx, msg)
	if err != nil || !ok {
		return err
	}
	if b.speedbump.Absorb(msg.ID) {
		b.log.Debug().Str("message_id", msg.ID).Msg("Edit absorbed by pending creation")
		return nil
	}
	roomID, err := b.db.RoomByChannel(ctx, msg.ChannelID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	}

	return b.retrigger.Run(ctx, msg.ID, func(ctx context.Context) error {
		eventIDs, err := b.db.EventIDsForMessage(ctx, msg.ID)
		if err != nil {
			return err
		}
		if len(eventIDs) == 0 {
			return store.ErrNotFound
		}
		target := eventIDs[0]

		parsed := discordfmt.Parse(ctx, b.resolver(), msg)
		replacement := b.attributedContent(msg, parsed)
		content := &event.MessageEventContent{
			MsgType:    replacement.MsgType,
			Body:       "* " + replacement.Body,
			Format:     replacement.Format,
			NewContent: replacement,
			RelatesTo:  &event.RelatesTo{Type: event.RelReplace, EventID: target},
		}
		if replacement.FormattedBody != "" {
			content.FormattedBody = "* " + replacement.FormattedBody
		}
		_, err = b.matrix.SendMessage(ctx, roomID, event.EventMessage, content)
		return err
	})
}

func (b *Bridge) onMessageDelete(_ *discordgo.Session, m *discordgo.MessageDelete) {
	b.run("MESSAGE_DELETE", m, func(ctx context.Context) error {
		return b.bridgeDiscordDelete(ctx, m.ChannelID, m.ID)
	})
}

func (b *Bridge) onMessageDeleteBulk(_ *discordgo.Session, m *discordgo.MessageDeleteBulk) {
	b.run("MESSAGE_DELETE_BULK", m, func(ctx context.Context) error {
		var firstErr error
		for _, messageID := range m.Messages {
			if err := b.bridgeDiscordDelete(ctx, m.ChannelID, messageID); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		return firstErr
	})
}

func (b *Bridge) bridgeDiscordDelete(ctx context.Context, channelID, messageID string) error {
	if b.speedbump.Absorb(messageID) {
		b.log.Debug().Str("message_id", messageID).Msg("Delete absorbed by pending creation")
		return nil
	}
	roomID, err := b.db.RoomByChannel(ctx, channelID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	}

	return b.retrigger.Run(ctx, messageID, func(ctx context.Context) error {
		eventIDs, err := b.db.DeleteMessageMappings(ctx, messageID)
		if err != nil {
			return err
		}
		if len(eventIDs) == 0 {
			return store.ErrNotFound
		}
		if _, err := b.db.DeleteReactionsForMessage(ctx, messageID); err != nil {
			b.log.Warn().Err(err).Str("message_id", messageID).Msg("Could not clear reaction mappings")
		}
		for _, eventID := range eventIDs {
			if _, err := b.matrix.Redact(ctx, roomID, eventID); err != nil {
				return fmt.Errorf("redact %s: %w", eventID, err)
			}
		}
		return nil
	})
}

func (b *Bridge) onReactionAdd(_ *discordgo.Session, m *discordgo.MessageReactionAdd) {
	b.run("MESSAGE_REACTION_ADD", m, func(ctx context.Context) error {
		if m.UserID == b.discordUserID {
			return nil
		}
		target, err := b.db.PrimaryEventForMessage(ctx, m.MessageID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				// Reactions only ever target the primary mapping; without
				// one there is nothing to annotate.
				return nil
			}
			return err
		}
		roomID, err := b.db.RoomByChannel(ctx, m.ChannelID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil
			}
			return err
		}
		key, err := discordfmt.ReactionKey(ctx, b.resolver(), &m.Emoji)
		if err != nil {
			return err
		}
		eventID, err := b.matrix.SendReaction(ctx, roomID, target, key)
		if err != nil {
			return err
		}
		return b.db.PutReaction(ctx, store.Reaction{
			EventID:   eventID,
			MessageID: m.MessageID,
			UserID:    m.UserID,
			Key:       key,
			EmojiID:   m.Emoji.APIName(),
		})
	})
}

func (b *Bridge) onReactionRemove(_ *discordgo.Session, m *discordgo.MessageReactionRemove) {
	b.run("MESSAGE_REACTION_REMOVE", m, func(ctx context.Context) error {
		if m.UserID == b.discordUserID {
			return nil
		}
		key, ok, err := b.reactionKeyLookup(ctx, &m.Emoji)
		if err != nil || !ok {
			return err
		}
		eventID, err := b.db.DeleteReaction(ctx, m.MessageID, m.UserID, key)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil
			}
			return err
		}
		roomID, err := b.db.RoomByChannel(ctx, m.ChannelID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil
			}
			return err
		}
		_, err = b.matrix.Redact(ctx, roomID, eventID)
		return err
	})
}

func (b *Bridge) onReactionRemoveAll(_ *discordgo.Session, m *discordgo.MessageReactionRemoveAll) {
	b.run("MESSAGE_REACTION_REMOVE_ALL", m, func(ctx context.Context) error {
		eventIDs, err := b.db.DeleteReactionsForMessage(ctx, m.MessageID)
		if err != nil {
			return err
		}
		if len(eventIDs) == 0 {
			return nil
		}
		roomID, err := b.db.RoomByChannel(ctx, m.ChannelID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil
			}
			return err
		}
		for _, eventID := range eventIDs {
			if _, err := b.matrix.Redact(ctx, roomID, eventID); err != nil {
				return err
			}
		}
		return nil
	})
}

// reactionKeyLookup resolves a reaction emoji to its annotation key
// without registering anything. An unregistered custom emoji means no
// bridged reaction can exist under it.
func (b *Bridge) reactionKeyLookup(ctx context.Context, emoji *discordgo.Emoji) (string, bool, error) {
	if emoji.ID == "" {
		return variationselector.Add(emoji.Name), true, nil
	}
	expr, err := b.db.Expression(ctx, emoji.ID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", false, nil
		}
		return "", false, err
	}
	return string(expr.MXC), true, nil
}

func (b *Bridge) onTypingStart(_ *discordgo.Session, m *discordgo.TypingStart) {
	b.runQuiet("TYPING_START", func(ctx context.Context) error {
		if m.UserID == b.discordUserID {
			return nil
		}
		roomID, err := b.db.RoomByChannel(ctx, m.ChannelID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil
			}
			return err
		}
		return b.matrix.Typing(ctx, roomID, true, typingTimeout)
	})
}

func (b *Bridge) onChannelPinsUpdate(_ *discordgo.Session, m *discordgo.ChannelPinsUpdate) {
	b.run("CHANNEL_PINS_UPDATE", m, func(ctx context.Context) error {
		lastPin, _ := time.Parse(time.RFC3339, m.LastPinTimestamp)
		return b.syncPins(ctx, m.ChannelID, lastPin)
	})
}

func (b *Bridge) onThreadCreate(_ *discordgo.Session, t *discordgo.ThreadCreate) {
	b.run("THREAD_CREATE", t, func(ctx context.Context) error {
		roomID, err := b.ensureRoom(ctx, t.ID)
		if err != nil {
			return err
		}
		return b.announceThread(ctx, t.Channel, roomID)
	})
}

// announceThread posts a notice in the parent channel's room pointing at
// the freshly bridged thread room.
func (b *Bridge) announceThread(ctx context.Context, thread *discordgo.Channel, threadRoom id.RoomID) error {
	parentRoom, err := b.db.RoomByChannel(ctx, thread.ParentID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	}
	link := "https://matrix.to/#/" + threadRoom.String()
	content := &event.MessageEventContent{
		MsgType:       event.MsgNotice,
		Body:          fmt.Sprintf("Thread started: %s %s", thread.Name, link),
		Format:        event.FormatHTML,
		FormattedBody: fmt.Sprintf(`Thread started: <a href="%s">%s</a>`, html.EscapeString(link), html.EscapeString(thread.Name)),
	}
	_, err = b.matrix.SendMessage(ctx, parentRoom, event.EventMessage, content)
	return err
}

func (b *Bridge) onChannelDelete(_ *discordgo.Session, c *discordgo.ChannelDelete) {
	b.run("CHANNEL_DELETE", c, func(ctx context.Context) error {
		if _, err := b.db.RoomByChannel(ctx, c.ID); errors.Is(err, store.ErrNotFound) {
			return nil
		}
		b.log.Info().Str("channel_id", c.ID).Msg("Bridged channel deleted, unlinking")
		return b.db.UnlinkChannel(ctx, c.ID)
	})
}

func (b *Bridge) onChannelUpdate(_ *discordgo.Session, c *discordgo.ChannelUpdate) {
	b.run("CHANNEL_UPDATE", c, func(ctx context.Context) error {
		return b.syncChannelMetadata(ctx, c.Channel)
	})
}

// syncChannelMetadata pushes channel name and topic changes into the
// bridged room. A configured nick pins the room name and suppresses
// renames from the Discord side.
func (b *Bridge) syncChannelMetadata(ctx context.Context, ch *discordgo.Channel) error {
	cr, err := b.db.ChannelRoom(ctx, ch.ID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	}
	if cr.Name != ch.Name && cr.Nick == nil {
		if err := b.matrix.SendState(ctx, cr.RoomID, event.StateRoomName, "", &event.RoomNameEventContent{Name: ch.Name}); err != nil {
			return fmt.Errorf("set room name: %w", err)
		}
	}
	oldTopic := ""
	if cr.Topic != nil {
		oldTopic = *cr.Topic
	}
	if oldTopic != ch.Topic {
		if err := b.matrix.SendState(ctx, cr.RoomID, event.StateTopic, "", &event.TopicEventContent{Topic: ch.Topic}); err != nil {
			return fmt.Errorf("set room topic: %w", err)
		}
	}
	topic := ch.Topic
	cr.Name = ch.Name
	cr.Topic = &topic
	return b.db.LinkChannelRoom(ctx, *cr)
}

func (b *Bridge) onGuildUpdate(_ *discordgo.Session, g *discordgo.GuildUpdate) {
	// Rooms track channels, not the guild itself; nothing to push.
	b.log.Debug().Str("guild_id", g.ID).Msg("Guild metadata updated")
}

func (b *Bridge) onGuildEmojisUpdate(_ *discordgo.Session, g *discordgo.GuildEmojisUpdate) {
	b.run("GUILD_EMOJIS_UPDATE", g, func(ctx context.Context) error {
		return b.syncExpressions(ctx, g.Emojis)
	})
}

func (b *Bridge) onGuildCreate(_ *discordgo.Session, g *discordgo.GuildCreate) {
	b.run("GUILD_CREATE", g, func(ctx context.Context) error {
		return b.catchupGuild(ctx, g.Guild)
	})
}

// resolver returns the store-backed lookup set used by markdown
// conversion.
func (b *Bridge) resolver() discordfmt.Resolver {
	return bridgeResolver{b}
}

type bridgeResolver struct {
	b *Bridge
}

func (r bridgeResolver) UserMention(ctx context.Context, userID string) (id.UserID, error) {
	return r.b.db.GhostByUserID(ctx, userID)
}

func (r bridgeResolver) ChannelMention(ctx context.Context, channelID string) (id.RoomID, string, error) {
	cr, err := r.b.db.ChannelRoom(ctx, channelID)
	if err != nil {
		return "", "", err
	}
	name := cr.Name
	if cr.Nick != nil && *cr.Nick != "" {
		name = *cr.Nick
	}
	return cr.RoomID, name, nil
}

func (r bridgeResolver) Emoji(ctx context.Context, expr store.Expression) (id.ContentURIString, error) {
	return r.b.db.RegisterExpression(ctx, expr)
}
