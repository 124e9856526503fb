// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"errors"
	"fmt"
	"time"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/discord-matrix-bridge/pkg/store"
)

// syncPins mirrors a channel's pinned messages onto the bridged room's
// pinned events. Pins on messages that were never bridged are skipped.
// lastPin is the channel's last-pin timestamp; when it is no newer than
// the stored watermark the sync is a no-op, which keeps reconnect
// catchup from re-pushing unchanged pin sets.
func (b *Bridge) syncPins(ctx context.Context, channelID string, lastPin time.Time) error {
	cr, err := b.db.ChannelRoom(ctx, channelID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	}
	if !lastPin.IsZero() && cr.LastBridgedPin != nil && lastPin.Unix() <= *cr.LastBridgedPin {
		return nil
	}

	pinned, err := b.discord.PinnedMessages(ctx, channelID)
	if err != nil {
		return fmt.Errorf("fetch pinned messages: %w", err)
	}

	// Discord returns newest pin first; Matrix pins list oldest first.
	eventIDs := make([]id.EventID, 0, len(pinned))
	for i := len(pinned) - 1; i >= 0; i-- {
		eventID, err := b.db.PrimaryEventForMessage(ctx, pinned[i].ID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			return err
		}
		eventIDs = append(eventIDs, eventID)
	}

	content := &event.PinnedEventsEventContent{Pinned: eventIDs}
	if err := b.matrix.SendState(ctx, cr.RoomID, event.StatePinnedEvents, "", content); err != nil {
		return fmt.Errorf("set pinned events: %w", err)
	}
	if !lastPin.IsZero() {
		if err := b.db.SetLastBridgedPin(ctx, channelID, lastPin.Unix()); err != nil {
			return err
		}
	}
	b.log.Debug().
		Str("channel_id", channelID).
		Int("pinned", len(eventIDs)).
		Msg("Synced channel pins")
	return nil
}
