// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"maunium.net/go/mautrix/event"
)

func pinnedContent(t *testing.T, sent sentEvent) *event.PinnedEventsEventContent {
	t.Helper()
	if sent.evtType != event.StatePinnedEvents {
		t.Fatalf("state event type: got %v, want pinned events", sent.evtType)
	}
	content, ok := sent.content.(*event.PinnedEventsEventContent)
	if !ok {
		t.Fatalf("state content has type %T", sent.content)
	}
	return content
}

// TestSyncPins verifies pins of bridged messages land in the room's
// pinned events, oldest first, and pins of unbridged messages are skipped.
func TestSyncPins(t *testing.T) {
	t.Parallel()
	b, fd, fm, db := newTestBridge(t)
	linkTestChannel(t, db)
	ctx := context.Background()

	first := discordMessage("u1", "first")
	first.ID = "100"
	second := discordMessage("u1", "second")
	second.ID = "200"
	for _, msg := range []*discordgo.Message{first, second} {
		if err := b.bridgeDiscordMessage(ctx, msg); err != nil {
			t.Fatalf("bridgeDiscordMessage: %v", err)
		}
	}

	// Newest first, as Discord returns them; one pin was never bridged.
	fd.pinned = []*discordgo.Message{
		{ID: "200"},
		{ID: "999"},
		{ID: "100"},
	}

	if err := b.syncPins(ctx, "chan1", time.Unix(5000, 0)); err != nil {
		t.Fatalf("syncPins: %v", err)
	}

	fm.mu.Lock()
	states := len(fm.states)
	fm.mu.Unlock()
	if states != 1 {
		t.Fatalf("state events: got %d, want 1", states)
	}
	content := pinnedContent(t, fm.states[0])
	if len(content.Pinned) != 2 {
		t.Fatalf("pinned: got %v, want 2 entries", content.Pinned)
	}
	if content.Pinned[0] != "$evt1" || content.Pinned[1] != "$evt2" {
		t.Errorf("pinned order: got %v, want [$evt1 $evt2]", content.Pinned)
	}

	cr, err := db.ChannelRoom(ctx, "chan1")
	if err != nil {
		t.Fatalf("ChannelRoom: %v", err)
	}
	if cr.LastBridgedPin == nil || *cr.LastBridgedPin != 5000 {
		t.Errorf("watermark: got %v, want 5000", cr.LastBridgedPin)
	}
}

// TestSyncPinsWatermark verifies a pin timestamp at or below the stored
// watermark is a no-op, so reconnect catchup never re-pushes pin sets.
func TestSyncPinsWatermark(t *testing.T) {
	t.Parallel()
	b, fd, fm, db := newTestBridge(t)
	linkTestChannel(t, db)
	ctx := context.Background()

	fd.pinned = nil
	if err := b.syncPins(ctx, "chan1", time.Unix(5000, 0)); err != nil {
		t.Fatalf("syncPins: %v", err)
	}
	if err := b.syncPins(ctx, "chan1", time.Unix(5000, 0)); err != nil {
		t.Fatalf("second syncPins: %v", err)
	}
	if err := b.syncPins(ctx, "chan1", time.Unix(4000, 0)); err != nil {
		t.Fatalf("older syncPins: %v", err)
	}

	fm.mu.Lock()
	defer fm.mu.Unlock()
	if len(fm.states) != 1 {
		t.Errorf("state events: got %d, want 1 (watermark should gate repeats)", len(fm.states))
	}
}

func TestSyncPinsUnbridgedChannel(t *testing.T) {
	t.Parallel()
	b, _, fm, _ := newTestBridge(t)

	if err := b.syncPins(context.Background(), "unknown", time.Unix(1000, 0)); err != nil {
		t.Fatalf("syncPins: %v", err)
	}
	fm.mu.Lock()
	defer fm.mu.Unlock()
	if len(fm.states) != 0 {
		t.Errorf("state events: got %d, want 0", len(fm.states))
	}
}
