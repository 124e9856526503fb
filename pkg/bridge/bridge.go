// Copyright 2024-2026 Aiku AI

// Package bridge relays messages, edits, deletes, reactions, pins and
// custom expressions between a Discord guild and a set of Matrix rooms.
// Both transports surface their traffic as structured events; everything
// here runs against the correlation store so no piece of content is ever
// bridged twice and every mutation can find its counterpart.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/discord-matrix-bridge/pkg/bridge/matrixfmt"
	"github.com/aiku/discord-matrix-bridge/pkg/store"
)

// eventTimeout bounds the handling of a single inbound event, media
// transfers included.
const eventTimeout = 2 * time.Minute

// Bridge owns the event dispatchers for both directions and the shared
// correlation machinery between them.
type Bridge struct {
	log zerolog.Logger
	cfg *Config
	db  *store.Store

	discord DiscordSender
	matrix  MatrixSender
	media   *MediaProxy

	conv      *matrixfmt.Converter
	speedbump *Speedbump
	retrigger *Retrigger
	reporter  *Reporter

	// discordUserID is the bot's own Discord user, set once the gateway
	// session is ready. Used for echo prevention.
	discordUserID string
	matrixUserID  id.UserID
	serverName    string
}

// New wires a bridge from its collaborators. The store's lazy fetchers
// (member profiles, expression uploads) are bound here so store lookups
// can transparently reach the network.
func New(log zerolog.Logger, cfg *Config, db *store.Store, discord DiscordSender, matrix MatrixSender) *Bridge {
	b := &Bridge{
		log:          log.With().Str("component", "bridge").Logger(),
		cfg:          cfg,
		db:           db,
		discord:      discord,
		matrix:       matrix,
		media:        NewMediaProxy(log, cfg.Matrix.MediaDownloadURL, matrix),
		speedbump:    NewSpeedbump(cfg.Bridge.SpeedbumpChannels, cfg.SpeedbumpWindow()),
		retrigger:    NewRetrigger(log, cfg.Bridge.RetriggerAttempts, cfg.RetriggerWindow()),
		matrixUserID: id.UserID(cfg.Matrix.UserID),
		serverName:   cfg.Matrix.ServerName,
	}
	b.reporter = NewReporter(log, matrix, id.RoomID(cfg.Matrix.ManagementRoom))
	b.conv = &matrixfmt.Converter{
		Log:        log.With().Str("component", "matrixfmt").Logger(),
		DB:         db,
		API:        matrix,
		Media:      b.media,
		ServerName: cfg.Matrix.ServerName,
	}

	db.SetMemberFetcher(b.fetchMemberProfile)
	db.SetExpressionUploader(b.uploadExpression)
	return b
}

// SetDiscordUser records the bot's own user id for echo prevention.
func (b *Bridge) SetDiscordUser(userID string) {
	b.discordUserID = userID
}

// run executes one event handler with panic recovery. Failures become
// operator diagnostics through the rate-limited reporter.
func (b *Bridge) run(eventType string, payload any, fn func(ctx context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), eventTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			b.reporter.Report(ctx, eventType, payload, fmt.Errorf("panic: %v", r))
		}
	}()
	if err := fn(ctx); err != nil {
		b.reporter.Report(ctx, eventType, payload, err)
	}
}

// runQuiet is run without the operator report. Typing notifications use
// it: they are too frequent and too disposable to page anyone over.
func (b *Bridge) runQuiet(eventType string, fn func(ctx context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), eventTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			b.log.Error().Str("event_type", eventType).Any("panic", r).Msg("Recovered panic in event handler")
		}
	}()
	if err := fn(ctx); err != nil {
		b.log.Debug().Err(err).Str("event_type", eventType).Msg("Event handler failed")
	}
}

// ghostMXID returns the deterministic Matrix user id representing a
// Discord user on the homeserver.
func (b *Bridge) ghostMXID(userID string) id.UserID {
	return id.NewUserID("_discord_"+userID, b.serverName)
}

// ensureRoom returns the Matrix room bridged to channelID, creating and
// linking one when the channel (or thread) has none yet.
func (b *Bridge) ensureRoom(ctx context.Context, channelID string) (id.RoomID, error) {
	roomID, err := b.db.RoomByChannel(ctx, channelID)
	if err == nil {
		return roomID, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return "", err
	}
	ch, err := b.discord.Channel(ctx, channelID)
	if err != nil {
		return "", fmt.Errorf("fetch channel %s: %w", channelID, err)
	}
	roomID, err = b.matrix.CreateRoom(ctx, ch.Name, ch.Topic)
	if err != nil {
		return "", fmt.Errorf("create room for channel %s: %w", channelID, err)
	}
	topic := ch.Topic
	cr := store.ChannelRoom{
		ChannelID: channelID,
		RoomID:    roomID,
		GuildID:   ch.GuildID,
		Name:      ch.Name,
		Topic:     &topic,
	}
	if err := b.db.LinkChannelRoom(ctx, cr); err != nil {
		return "", err
	}
	b.log.Info().
		Str("channel_id", channelID).
		Stringer("room_id", roomID).
		Msg("Created room for channel")
	return roomID, nil
}

// ensureWebhook returns the send webhook for channelID, creating one on
// first use.
func (b *Bridge) ensureWebhook(ctx context.Context, channelID string) (*store.Webhook, error) {
	wh, err := b.db.WebhookByChannel(ctx, channelID)
	if err == nil {
		return wh, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	created, err := b.discord.CreateWebhook(ctx, channelID, "matrix-bridge")
	if err != nil {
		return nil, fmt.Errorf("create webhook for channel %s: %w", channelID, err)
	}
	wh = &store.Webhook{ID: created.ID, ChannelID: channelID, Token: created.Token}
	if err := b.db.PutWebhook(ctx, *wh); err != nil {
		return nil, err
	}
	return wh, nil
}

// fetchMemberProfile backs the member cache with room member state from
// the homeserver.
func (b *Bridge) fetchMemberProfile(ctx context.Context, roomID id.RoomID, mxid id.UserID) (*store.MemberProfile, error) {
	member, err := b.matrix.MemberState(ctx, roomID, mxid)
	if err != nil {
		return nil, err
	}
	profile := &store.MemberProfile{}
	if member.Displayname != "" {
		name := member.Displayname
		profile.Displayname = &name
	}
	if member.AvatarURL != "" {
		avatar := string(member.AvatarURL)
		profile.AvatarURL = &avatar
	}
	return profile, nil
}

// uploadExpression backs the expression registrar: fetch the emoji from
// the Discord CDN and re-upload it to the homeserver.
func (b *Bridge) uploadExpression(ctx context.Context, expr store.Expression) (id.ContentURIString, error) {
	ext, mime := ".png", "image/png"
	if expr.Animated {
		ext, mime = ".gif", "image/gif"
	}
	url := "https://cdn.discordapp.com/emojis/" + expr.ID + ext
	return b.media.TransferToMatrix(ctx, url, mime, expr.Name+ext)
}
