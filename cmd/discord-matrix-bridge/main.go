// Copyright 2024-2026 Aiku AI

// Command discord-matrix-bridge relays messages, edits, deletes, reactions,
// pins and custom emoji between a Discord guild and Matrix rooms, keeping a
// durable correlation store so content is never bridged twice.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/bwmarrin/discordgo"
	"github.com/rs/zerolog"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/discord-matrix-bridge/pkg/bridge"
	"github.com/aiku/discord-matrix-bridge/pkg/store"
)

// These are filled at build time with -ldflags.
var (
	Tag       = "unknown"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the config file")
	flag.Parse()

	log := zerolog.New(zerolog.NewConsoleWriter()).With().Timestamp().Logger()

	cfg, err := bridge.LoadConfig(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Could not load config")
	}
	if level, err := zerolog.ParseLevel(cfg.Logging.Level); err == nil {
		log = log.Level(level)
	}
	log.Info().
		Str("tag", Tag).
		Str("commit", Commit).
		Str("build_time", BuildTime).
		Msg("Starting discord-matrix-bridge")

	db, err := store.New(cfg.Database.Path, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Could not open correlation store")
	}
	defer db.Close()

	session, err := discordgo.New("Bot " + cfg.Discord.Token)
	if err != nil {
		log.Fatal().Err(err).Msg("Could not create Discord session")
	}
	session.Identify.Intents = discordgo.IntentsAll

	client, err := mautrix.NewClient(cfg.Matrix.HomeserverURL, id.UserID(cfg.Matrix.UserID), cfg.Matrix.AccessToken)
	if err != nil {
		log.Fatal().Err(err).Msg("Could not create Matrix client")
	}

	b := bridge.New(log, cfg, db, bridge.NewDiscordTransport(session), bridge.NewMatrixTransport(client))
	b.AttachDiscordHandlers(session)
	b.AttachMatrixHandlers(client.Syncer.(*mautrix.DefaultSyncer))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := session.Open(); err != nil {
		log.Fatal().Err(err).Msg("Could not open Discord gateway")
	}
	defer session.Close()

	go func() {
		if err := client.SyncWithContext(ctx); err != nil && ctx.Err() == nil {
			log.Error().Err(err).Msg("Matrix sync stopped")
			stop()
		}
	}()

	log.Info().Msg("Bridge running")
	<-ctx.Done()
	log.Info().Msg("Shutting down")
}
