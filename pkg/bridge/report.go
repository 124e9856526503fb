// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"html"
	"runtime/debug"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

const (
	reportInterval     = 5 * time.Second
	reportStackLimit   = 2000
	reportPayloadLimit = 1500
)

// Reporter delivers handler failure diagnostics to the operator's
// management room. Reports are rate limited process-wide so an event
// replay storm cannot flood the room.
type Reporter struct {
	log    zerolog.Logger
	matrix MatrixSender
	room   id.RoomID

	mu   sync.Mutex
	last time.Time
}

// NewReporter builds a reporter targeting room. An empty room disables
// delivery; failures are still logged.
func NewReporter(log zerolog.Logger, matrix MatrixSender, room id.RoomID) *Reporter {
	return &Reporter{
		log:    log.With().Str("component", "reporter").Logger(),
		matrix: matrix,
		room:   room,
	}
}

// Report logs a handler failure and, rate limit permitting, posts the
// diagnostic to the management room with the event type, the serialized
// payload and a truncated stack.
func (r *Reporter) Report(ctx context.Context, eventType string, payload any, cause error) {
	r.log.Error().Err(cause).Str("event_type", eventType).Msg("Event handler failed")
	if r.room == "" {
		return
	}
	r.mu.Lock()
	if time.Since(r.last) < reportInterval {
		r.mu.Unlock()
		return
	}
	r.last = time.Now()
	r.mu.Unlock()

	stack := truncate(string(debug.Stack()), reportStackLimit)
	serialized := "<unserializable>"
	if raw, err := json.Marshal(payload); err == nil {
		serialized = truncate(string(raw), reportPayloadLimit)
	}

	body := fmt.Sprintf("Error while handling %s: %v\n\nPayload: %s\n\n%s", eventType, cause, serialized, stack)
	formatted := fmt.Sprintf(
		"<strong>Error while handling %s:</strong> %s<br/>Payload: <code>%s</code><pre><code>%s</code></pre>",
		html.EscapeString(eventType),
		html.EscapeString(fmt.Sprint(cause)),
		html.EscapeString(serialized),
		html.EscapeString(stack),
	)
	content := &event.MessageEventContent{
		MsgType:       event.MsgNotice,
		Body:          body,
		Format:        event.FormatHTML,
		FormattedBody: formatted,
	}
	if _, err := r.matrix.SendMessage(ctx, r.room, event.EventMessage, content); err != nil {
		r.log.Warn().Err(err).Msg("Could not deliver error report")
	}
}

// truncate cuts s to at most limit bytes without splitting a rune.
func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	for limit > 0 && !utf8.RuneStart(s[limit]) {
		limit--
	}
	return s[:limit] + "…"
}
