// Copyright 2024-2026 Aiku AI

// Package matrixfmt converts Matrix events into Discord webhook messages.
// The conversion covers identity projection, reply quoting, HTML to
// markdown transformation, attachment staging and splitting the result
// into Discord-sized chunks reconciled against any prior bridging of the
// same event.
package matrixfmt

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/rs/zerolog"
	"go.mau.fi/util/exmime"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/discord-matrix-bridge/pkg/store"
)

// Store is the subset of correlation store lookups the converter needs.
type Store interface {
	MemberProfile(ctx context.Context, roomID id.RoomID, mxid id.UserID) (store.MemberProfile, error)
	MessageIDsForEvent(ctx context.Context, eventID id.EventID) ([]string, error)
	PrimaryMessageForEvent(ctx context.Context, eventID id.EventID) (messageID, channelID string, err error)
	GhostByMXID(ctx context.Context, mxid id.UserID) (string, error)
	ChannelByRoom(ctx context.Context, roomID id.RoomID) (string, error)
	ExpressionByMXC(ctx context.Context, mxc id.ContentURIString) (*store.Expression, error)
}

// FetchedEvent is the slice of a homeserver-fetched event the converter
// inspects. LatestContent carries the server-aggregated replacement when
// the event was edited after sending.
type FetchedEvent struct {
	Sender        id.UserID
	Type          event.Type
	Content       *event.MessageEventContent
	LatestContent *event.MessageEventContent
}

// EventGetter fetches referenced events from the homeserver.
type EventGetter interface {
	GetEvent(ctx context.Context, roomID id.RoomID, eventID id.EventID) (*FetchedEvent, error)
}

// MediaResolver turns a Matrix content URI into a URL Discord clients can
// download directly.
type MediaResolver interface {
	PublicURL(mxc id.ContentURIString) string
}

// PendingFile is an attachment to deliver alongside a webhook message.
// Key and IV are set when the source media is encrypted and must be
// decrypted before upload.
type PendingFile struct {
	Name string
	URL  string
	Key  string
	IV   string
}

// WebhookMessage is one ready-to-send Discord webhook execution.
type WebhookMessage struct {
	Content   string
	Username  string
	AvatarURL string
	Files     []PendingFile
}

// Edit pairs an existing Discord message with its replacement content.
type Edit struct {
	MessageID string
	Message   WebhookMessage
}

// Result is the full plan for projecting one Matrix event to Discord:
// edits to apply in order, fresh messages to send after them, and stale
// messages to delete.
type Result struct {
	Edits   []Edit
	Sends   []WebhookMessage
	Deletes []string
}

// Converter builds webhook message plans from Matrix message events.
type Converter struct {
	Log   zerolog.Logger
	DB    Store
	API   EventGetter
	Media MediaResolver

	// ServerName is the bridge homeserver; its users lose the server
	// suffix when projected.
	ServerName string
}

var (
	localpartRe  = regexp.MustCompile(`^@(.*?):`)
	replyStripRe = regexp.MustCompile(`(?s)^.*</mx-reply>`)
	leadQuoteRe  = regexp.MustCompile(`(?s)^\s*<blockquote>.*?</blockquote>`)
	breakRe      = regexp.MustCompile(`\n|<br ?/?>`)
	spoilerRe    = regexp.MustCompile(`(?s)<span [^>]*data-mx-spoiler[^>]*>.*?</span>`)
	tagRe        = regexp.MustCompile(`<[^>]+>`)
)

const replyPreviewLength = 50

// Convert turns one Matrix message or sticker event into a webhook plan
// for the Discord channel inside guildID. A nil-content or unsupported
// event yields an empty plan.
func (c *Converter) Convert(ctx context.Context, evt *event.Event, guildID string) (*Result, error) {
	content, ok := evt.Content.Parsed.(*event.MessageEventContent)
	if !ok || content == nil {
		return &Result{}, nil
	}

	username, avatarURL, err := c.senderIdentity(ctx, evt.RoomID, evt.Sender)
	if err != nil {
		return nil, err
	}
	isEmote := content.MsgType == event.MsgEmote
	shortName, runoff := SplitDisplayName(username)
	if isEmote {
		// Emotes already open with the sender name, the runoff line would
		// repeat it.
		runoff = ""
	}

	var editTargets []string
	if rel := content.RelatesTo; content.NewContent != nil && rel != nil && rel.Type == event.RelReplace && rel.EventID != "" {
		originalID := rel.EventID
		editTargets, err = c.DB.MessageIDsForEvent(ctx, originalID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("resolve edit target: %w", err)
		}
		if len(editTargets) == 0 {
			// The edited event was never bridged, there is nothing to
			// replace on the Discord side.
			c.Log.Debug().Stringer("replaces", originalID).Msg("Dropping edit of unbridged event")
			return &Result{}, nil
		}
		replacement := *content.NewContent
		content = &replacement
		// Edit fallout strips the reply relation, recover it from the
		// original event so the quote line survives the edit.
		if content.RelatesTo.GetReplyTo() == "" {
			if orig, err := c.API.GetEvent(ctx, evt.RoomID, originalID); err == nil && orig.Content != nil {
				if replyTo := orig.Content.RelatesTo.GetReplyTo(); replyTo != "" {
					content.RelatesTo = &event.RelatesTo{InReplyTo: &event.InReplyTo{EventID: replyTo}}
				}
			}
		}
	}

	var replyLine string
	if replyTo := content.RelatesTo.GetReplyTo(); replyTo != "" {
		replyLine = c.replyLine(ctx, evt.RoomID, guildID, replyTo)
	}

	var body string
	var files []PendingFile
	switch {
	case evt.Type == event.EventSticker:
		files, err = c.stageSticker(content)
	case content.MsgType == event.MsgText, content.MsgType == event.MsgEmote, content.MsgType == event.MsgNotice:
		body = c.textBody(ctx, content, username, isEmote)
	case content.MsgType == event.MsgImage, content.MsgType == event.MsgVideo,
		content.MsgType == event.MsgAudio, content.MsgType == event.MsgFile:
		files, err = c.stageAttachment(content)
	default:
		body = Escape(content.Body)
	}
	if err != nil {
		return nil, err
	}

	messages := c.compose(runoff, replyLine, body, files, shortName, avatarURL)
	result := Reconcile(editTargets, messages)
	return &result, nil
}

// senderIdentity resolves the projected display name and avatar for a
// room member, preferring the cached member profile over the bare user ID.
func (c *Converter) senderIdentity(ctx context.Context, roomID id.RoomID, sender id.UserID) (name, avatarURL string, err error) {
	name = sender.String()
	if m := localpartRe.FindStringSubmatch(name); m != nil {
		name = m[1]
	}
	profile, err := c.DB.MemberProfile(ctx, roomID, sender)
	if err != nil {
		return "", "", fmt.Errorf("member profile for %s: %w", sender, err)
	}
	if profile.Displayname != nil && *profile.Displayname != "" {
		name = *profile.Displayname
	}
	if profile.AvatarURL != nil && *profile.AvatarURL != "" {
		avatarURL = c.Media.PublicURL(id.ContentURIString(*profile.AvatarURL))
	}
	return name, avatarURL, nil
}

// replyLine builds the quote line for a reply: jump link when the
// ancestor is bridged, author reference, then a one-line preview of the
// ancestor's latest content.
func (c *Converter) replyLine(ctx context.Context, roomID id.RoomID, guildID string, replyTo id.EventID) string {
	replied, err := c.API.GetEvent(ctx, roomID, replyTo)
	if err != nil {
		c.Log.Debug().Err(err).Stringer("reply_to", replyTo).Msg("Could not fetch replied-to event")
		return ""
	}

	link := ""
	if messageID, channelID, err := c.DB.PrimaryMessageForEvent(ctx, replyTo); err == nil {
		link = fmt.Sprintf("https://discord.com/channels/%s/%s/%s ", guildID, channelID, messageID)
	}

	var author string
	if userID, err := c.DB.GhostByMXID(ctx, replied.Sender); err == nil {
		author = "<@" + userID + ">"
	} else {
		name := replied.Sender.String()
		if m := localpartRe.FindStringSubmatch(name); m != nil {
			name = m[1]
		}
		author = "Ⓜ️**" + name + "**"
	}

	rc := replied.Content
	if replied.LatestContent != nil {
		rc = replied.LatestContent
	}
	preview := ""
	if rc != nil {
		preview = c.replyPreview(rc)
	}
	return "> ↪ " + link + author + preview + "\n"
}

func (c *Converter) replyPreview(rc *event.MessageEventContent) string {
	switch rc.MsgType {
	case event.MsgImage:
		return " 🖼️"
	case event.MsgVideo:
		return " 🎞️"
	case event.MsgAudio:
		return " 🎶"
	case event.MsgFile:
		return " 📄"
	}
	text := rc.Body
	if rc.Format == event.FormatHTML && rc.FormattedBody != "" {
		text = rc.FormattedBody
		text = replyStripRe.ReplaceAllString(text, "")
		text = leadQuoteRe.ReplaceAllString(text, "")
		text = spoilerRe.ReplaceAllString(text, "[spoiler]")
		text = tagRe.ReplaceAllString(text, "")
	}
	text = breakRe.ReplaceAllString(text, " ")
	text = strings.TrimSpace(text)
	if text == "" {
		return ""
	}
	chunks := ChunkText(text, replyPreviewLength)
	preview := chunks[0]
	if len(chunks) > 1 {
		preview += "..."
	}
	return ":\n> " + preview
}

// textBody renders a text-like message to Discord markdown, preferring
// the HTML body when present.
func (c *Converter) textBody(ctx context.Context, content *event.MessageEventContent, username string, isEmote bool) string {
	if content.Format == event.FormatHTML && content.FormattedBody != "" {
		input := content.FormattedBody
		if isEmote {
			input = "* " + Escape(username) + " " + input
		}
		return c.ToMarkdown(ctx, input)
	}
	body := Escape(content.Body)
	if isEmote {
		body = "* " + Escape(username) + " " + body
	}
	return body
}

// stageAttachment prepares the download reference for a media message.
// Encrypted media must use the AES-CTR scheme; anything else is a
// conversion failure rather than a silently corrupt upload.
func (c *Converter) stageAttachment(content *event.MessageEventContent) ([]PendingFile, error) {
	name := content.Body
	if name == "" {
		name = "file"
	}
	if content.File != nil {
		if alg := content.File.Key.Algorithm; alg != "A256CTR" {
			return nil, fmt.Errorf("unsupported attachment encryption algorithm %q", alg)
		}
		return []PendingFile{{
			Name: name,
			URL:  c.Media.PublicURL(content.File.URL),
			Key:  content.File.Key.Key,
			IV:   content.File.InitVector,
		}}, nil
	}
	if content.URL == "" {
		return nil, errors.New("attachment event has no content URL")
	}
	return []PendingFile{{Name: name, URL: c.Media.PublicURL(content.URL)}}, nil
}

// stageSticker stages a sticker as a plain file attachment, deriving the
// filename extension from the declared mimetype.
func (c *Converter) stageSticker(content *event.MessageEventContent) ([]PendingFile, error) {
	if content.URL == "" {
		return nil, errors.New("sticker event has no content URL")
	}
	name := content.Body
	if name == "" {
		name = "sticker"
	}
	if content.Info != nil && content.Info.MimeType != "" {
		if ext := exmime.ExtensionFromMimetype(content.Info.MimeType); ext != "" && !strings.HasSuffix(name, ext) {
			name += ext
		}
	}
	return []PendingFile{{Name: name, URL: c.Media.PublicURL(content.URL)}}, nil
}

// compose assembles the runoff line, reply quote and body, then splits
// the text into webhook-sized messages. Attachments always ride on the
// first message; a pure-attachment event still produces one carrier
// message with empty content.
func (c *Converter) compose(runoff, replyLine, body string, files []PendingFile, username, avatarURL string) []WebhookMessage {
	text := runoff + replyLine + body
	chunks := ChunkText(text, MaxMessageLength)
	if len(chunks) == 0 {
		if len(files) == 0 {
			return nil
		}
		chunks = []string{""}
	}
	messages := make([]WebhookMessage, len(chunks))
	for i, chunk := range chunks {
		messages[i] = WebhookMessage{
			Content:   chunk,
			Username:  username,
			AvatarURL: avatarURL,
		}
	}
	messages[0].Files = files
	return messages
}

// Reconcile lines fresh messages up against the Discord messages that
// currently represent the event. Positions shared by both lists become
// edits, surplus new messages become sends, surplus old messages become
// deletes.
func Reconcile(existing []string, messages []WebhookMessage) Result {
	var result Result
	for i, msg := range messages {
		if i < len(existing) {
			result.Edits = append(result.Edits, Edit{MessageID: existing[i], Message: msg})
		} else {
			result.Sends = append(result.Sends, msg)
		}
	}
	if len(messages) < len(existing) {
		result.Deletes = append(result.Deletes, existing[len(messages):]...)
	}
	return result
}
