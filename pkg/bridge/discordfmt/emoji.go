// Copyright 2024-2026 Aiku AI

package discordfmt

import (
	"context"

	"github.com/bwmarrin/discordgo"
	"go.mau.fi/util/variationselector"

	"github.com/aiku/discord-matrix-bridge/pkg/store"
)

// ReactionKey converts a Discord reaction emoji into the Matrix
// annotation key. Unicode emoji are normalized to their fully qualified
// form so both sides of the bridge agree on one key per emoji; custom
// emoji use their uploaded content URI as the key.
func ReactionKey(ctx context.Context, r Resolver, emoji *discordgo.Emoji) (string, error) {
	if emoji.ID == "" {
		return variationselector.Add(emoji.Name), nil
	}
	mxc, err := r.Emoji(ctx, store.Expression{ID: emoji.ID, Name: emoji.Name, Animated: emoji.Animated})
	if err != nil {
		return "", err
	}
	return string(mxc), nil
}
