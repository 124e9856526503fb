// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"sync"
	"time"
)

// Speedbump debounces message creation in opted-in channels. Some channels
// run moderation bots that delete messages moments after they appear;
// holding the creation for a short window means those messages are never
// bridged instead of being bridged and immediately redacted.
type Speedbump struct {
	window   time.Duration
	channels map[string]bool

	mu      sync.Mutex
	pending map[string]*pendingCreation
}

type pendingCreation struct {
	affected bool
}

// NewSpeedbump builds a speedbump covering the given channels with a fixed
// debounce window.
func NewSpeedbump(channels []string, window time.Duration) *Speedbump {
	set := make(map[string]bool, len(channels))
	for _, ch := range channels {
		set[ch] = true
	}
	return &Speedbump{
		window:   window,
		channels: set,
		pending:  make(map[string]*pendingCreation),
	}
}

// Active reports whether channelID opted into the debounce.
func (s *Speedbump) Active(channelID string) bool {
	return s.channels[channelID]
}

// Delay registers messageID as pending and blocks until the debounce
// window passes or ctx is cancelled. It returns true when a mutation was
// absorbed while waiting, meaning the creation must not be bridged. In
// channels without the speedbump it returns immediately.
func (s *Speedbump) Delay(ctx context.Context, channelID, messageID string) bool {
	if !s.Active(channelID) {
		return false
	}
	marker := &pendingCreation{}
	s.mu.Lock()
	s.pending[messageID] = marker
	s.mu.Unlock()

	timer := time.NewTimer(s.window)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pending, messageID)
	return marker.affected
}

// Absorb reports a mutation of messageID. When a pending creation exists
// it is flagged and Absorb returns true; the caller must then drop its own
// handling, the creation side owns the outcome.
func (s *Speedbump) Absorb(messageID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	marker, ok := s.pending[messageID]
	if !ok {
		return false
	}
	marker.affected = true
	return true
}
