// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/bwmarrin/discordgo"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/discord-matrix-bridge/pkg/bridge/matrixfmt"
)

// DiscordSender is the outbound Discord surface the bridge core uses.
// Implemented by discordTransport over a live gateway session and by test
// fakes.
type DiscordSender interface {
	ExecuteWebhook(ctx context.Context, webhookID, token string, params *discordgo.WebhookParams) (*discordgo.Message, error)
	EditWebhookMessage(ctx context.Context, webhookID, token, messageID string, edit *discordgo.WebhookEdit) (*discordgo.Message, error)
	DeleteWebhookMessage(ctx context.Context, webhookID, token, messageID string) error
	CreateWebhook(ctx context.Context, channelID, name string) (*discordgo.Webhook, error)
	AddReaction(ctx context.Context, channelID, messageID, emojiID string) error
	RemoveOwnReaction(ctx context.Context, channelID, messageID, emojiID string) error
	Channel(ctx context.Context, channelID string) (*discordgo.Channel, error)
	Message(ctx context.Context, channelID, messageID string) (*discordgo.Message, error)
	Messages(ctx context.Context, channelID string, limit int, beforeID, afterID string) ([]*discordgo.Message, error)
	PinnedMessages(ctx context.Context, channelID string) ([]*discordgo.Message, error)
	GuildEmojis(ctx context.Context, guildID string) ([]*discordgo.Emoji, error)
}

// MatrixSender is the outbound Matrix surface the bridge core uses.
type MatrixSender interface {
	matrixfmt.EventGetter
	SendMessage(ctx context.Context, roomID id.RoomID, evtType event.Type, content any) (id.EventID, error)
	SendState(ctx context.Context, roomID id.RoomID, evtType event.Type, stateKey string, content any) error
	Redact(ctx context.Context, roomID id.RoomID, eventID id.EventID) (id.EventID, error)
	SendReaction(ctx context.Context, roomID id.RoomID, target id.EventID, key string) (id.EventID, error)
	Typing(ctx context.Context, roomID id.RoomID, typing bool, timeout time.Duration) error
	Upload(ctx context.Context, data []byte, mimeType, fileName string) (id.ContentURIString, error)
	Download(ctx context.Context, mxc id.ContentURIString) ([]byte, error)
	CreateRoom(ctx context.Context, name, topic string) (id.RoomID, error)
	MemberState(ctx context.Context, roomID id.RoomID, mxid id.UserID) (*event.MemberEventContent, error)
}

type discordTransport struct {
	session *discordgo.Session
}

// NewDiscordTransport wraps a gateway session as a DiscordSender.
func NewDiscordTransport(session *discordgo.Session) DiscordSender {
	return &discordTransport{session: session}
}

func (t *discordTransport) ExecuteWebhook(ctx context.Context, webhookID, token string, params *discordgo.WebhookParams) (*discordgo.Message, error) {
	return t.session.WebhookExecute(webhookID, token, true, params, discordgo.WithContext(ctx))
}

func (t *discordTransport) EditWebhookMessage(ctx context.Context, webhookID, token, messageID string, edit *discordgo.WebhookEdit) (*discordgo.Message, error) {
	return t.session.WebhookMessageEdit(webhookID, token, messageID, edit, discordgo.WithContext(ctx))
}

func (t *discordTransport) DeleteWebhookMessage(ctx context.Context, webhookID, token, messageID string) error {
	return t.session.WebhookMessageDelete(webhookID, token, messageID, discordgo.WithContext(ctx))
}

func (t *discordTransport) CreateWebhook(ctx context.Context, channelID, name string) (*discordgo.Webhook, error) {
	return t.session.WebhookCreate(channelID, name, "", discordgo.WithContext(ctx))
}

func (t *discordTransport) AddReaction(ctx context.Context, channelID, messageID, emojiID string) error {
	return t.session.MessageReactionAdd(channelID, messageID, emojiID, discordgo.WithContext(ctx))
}

func (t *discordTransport) RemoveOwnReaction(ctx context.Context, channelID, messageID, emojiID string) error {
	return t.session.MessageReactionRemove(channelID, messageID, emojiID, "@me", discordgo.WithContext(ctx))
}

func (t *discordTransport) Channel(ctx context.Context, channelID string) (*discordgo.Channel, error) {
	return t.session.Channel(channelID, discordgo.WithContext(ctx))
}

func (t *discordTransport) Message(ctx context.Context, channelID, messageID string) (*discordgo.Message, error) {
	return t.session.ChannelMessage(channelID, messageID, discordgo.WithContext(ctx))
}

func (t *discordTransport) Messages(ctx context.Context, channelID string, limit int, beforeID, afterID string) ([]*discordgo.Message, error) {
	return t.session.ChannelMessages(channelID, limit, beforeID, afterID, "", discordgo.WithContext(ctx))
}

func (t *discordTransport) PinnedMessages(ctx context.Context, channelID string) ([]*discordgo.Message, error) {
	return t.session.ChannelMessagesPinned(channelID, discordgo.WithContext(ctx))
}

func (t *discordTransport) GuildEmojis(ctx context.Context, guildID string) ([]*discordgo.Emoji, error) {
	return t.session.GuildEmojis(guildID, discordgo.WithContext(ctx))
}

type matrixTransport struct {
	client *mautrix.Client
}

// NewMatrixTransport wraps a mautrix client as a MatrixSender.
func NewMatrixTransport(client *mautrix.Client) MatrixSender {
	return &matrixTransport{client: client}
}

func (t *matrixTransport) SendMessage(ctx context.Context, roomID id.RoomID, evtType event.Type, content any) (id.EventID, error) {
	resp, err := t.client.SendMessageEvent(ctx, roomID, evtType, content)
	if err != nil {
		return "", err
	}
	return resp.EventID, nil
}

func (t *matrixTransport) SendState(ctx context.Context, roomID id.RoomID, evtType event.Type, stateKey string, content any) error {
	_, err := t.client.SendStateEvent(ctx, roomID, evtType, stateKey, content)
	return err
}

func (t *matrixTransport) Redact(ctx context.Context, roomID id.RoomID, eventID id.EventID) (id.EventID, error) {
	resp, err := t.client.RedactEvent(ctx, roomID, eventID)
	if err != nil {
		return "", err
	}
	return resp.EventID, nil
}

func (t *matrixTransport) SendReaction(ctx context.Context, roomID id.RoomID, target id.EventID, key string) (id.EventID, error) {
	resp, err := t.client.SendReaction(ctx, roomID, target, key)
	if err != nil {
		return "", err
	}
	return resp.EventID, nil
}

func (t *matrixTransport) Typing(ctx context.Context, roomID id.RoomID, typing bool, timeout time.Duration) error {
	_, err := t.client.UserTyping(ctx, roomID, typing, timeout)
	return err
}

func (t *matrixTransport) Upload(ctx context.Context, data []byte, mimeType, fileName string) (id.ContentURIString, error) {
	resp, err := t.client.UploadMedia(ctx, mautrix.ReqUploadMedia{
		ContentBytes: data,
		ContentType:  mimeType,
		FileName:     fileName,
	})
	if err != nil {
		return "", err
	}
	return resp.ContentURI.CUString(), nil
}

func (t *matrixTransport) Download(ctx context.Context, mxc id.ContentURIString) ([]byte, error) {
	uri, err := mxc.Parse()
	if err != nil {
		return nil, fmt.Errorf("parse content URI: %w", err)
	}
	return t.client.DownloadBytes(ctx, uri)
}

func (t *matrixTransport) CreateRoom(ctx context.Context, name, topic string) (id.RoomID, error) {
	resp, err := t.client.CreateRoom(ctx, &mautrix.ReqCreateRoom{
		Name:   name,
		Topic:  topic,
		Preset: "private_chat",
	})
	if err != nil {
		return "", err
	}
	return resp.RoomID, nil
}

func (t *matrixTransport) MemberState(ctx context.Context, roomID id.RoomID, mxid id.UserID) (*event.MemberEventContent, error) {
	var content event.MemberEventContent
	err := t.client.StateEvent(ctx, roomID, event.StateMember, mxid.String(), &content)
	if err != nil {
		return nil, err
	}
	return &content, nil
}

// rawFetchedEvent mirrors the wire shape of GET /rooms/{id}/event/{id},
// including the server-aggregated edit bundle that the typed client
// response drops.
type rawFetchedEvent struct {
	Sender   id.UserID       `json:"sender"`
	Type     string          `json:"type"`
	Content  json.RawMessage `json:"content"`
	Unsigned struct {
		Relations struct {
			Replace struct {
				Content struct {
					NewContent json.RawMessage `json:"m.new_content"`
				} `json:"content"`
			} `json:"m.replace"`
		} `json:"m.relations"`
	} `json:"unsigned"`
}

// GetEvent fetches an event and surfaces its latest aggregated content
// alongside the original.
func (t *matrixTransport) GetEvent(ctx context.Context, roomID id.RoomID, eventID id.EventID) (*matrixfmt.FetchedEvent, error) {
	var raw rawFetchedEvent
	url := t.client.BuildClientURL("v3", "rooms", roomID.String(), "event", eventID.String())
	if _, err := t.client.MakeRequest(ctx, http.MethodGet, url, nil, &raw); err != nil {
		return nil, fmt.Errorf("fetch event %s: %w", eventID, err)
	}
	fetched := &matrixfmt.FetchedEvent{
		Sender: raw.Sender,
		Type:   event.NewEventType(raw.Type),
	}
	if len(raw.Content) > 0 {
		var content event.MessageEventContent
		if err := json.Unmarshal(raw.Content, &content); err == nil {
			fetched.Content = &content
		}
	}
	if len(raw.Unsigned.Relations.Replace.Content.NewContent) > 0 {
		var latest event.MessageEventContent
		if err := json.Unmarshal(raw.Unsigned.Relations.Replace.Content.NewContent, &latest); err == nil {
			fetched.LatestContent = &latest
		}
	}
	return fetched, nil
}
