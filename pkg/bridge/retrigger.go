// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/aiku/discord-matrix-bridge/pkg/store"
)

// Retrigger retries mutations that raced ahead of their target's bridging.
// An edit or delete can arrive while the original message is still being
// sent across; its mapping lookup fails with store.ErrNotFound even though
// the mapping is moments away. Run requeues such operations a bounded
// number of times, waking early when the mapping lands.
//
// Run also serializes all mutations of one message id through a per-id
// lock, so a second edit queues behind the first instead of interleaving.
type Retrigger struct {
	log      zerolog.Logger
	attempts int
	delay    time.Duration

	mu      sync.Mutex
	locks   map[string]*idLock
	waiters map[string][]chan struct{}
}

type idLock struct {
	mu   sync.Mutex
	refs int
}

// NewRetrigger builds a retrigger that retries up to attempts times with
// delay between attempts.
func NewRetrigger(log zerolog.Logger, attempts int, delay time.Duration) *Retrigger {
	return &Retrigger{
		log:      log.With().Str("component", "retrigger").Logger(),
		attempts: attempts,
		delay:    delay,
		locks:    make(map[string]*idLock),
		waiters:  make(map[string][]chan struct{}),
	}
}

// Run executes fn under the per-message-id lock. A store.ErrNotFound
// result requeues the identical invocation until it succeeds, the attempt
// budget runs out, or ctx is cancelled. Any other result is final.
func (r *Retrigger) Run(ctx context.Context, messageID string, fn func(context.Context) error) error {
	lock := r.acquire(messageID)
	defer r.release(messageID, lock)

	var err error
	for attempt := 1; ; attempt++ {
		err = fn(ctx)
		if !errors.Is(err, store.ErrNotFound) {
			return err
		}
		if attempt >= r.attempts {
			return err
		}
		r.log.Debug().
			Str("message_id", messageID).
			Int("attempt", attempt).
			Msg("Mapping not ready, requeueing")
		if waitErr := r.await(ctx, messageID); waitErr != nil {
			return waitErr
		}
	}
}

// MessageFinishedBridging releases every operation currently requeued
// behind messageID.
func (r *Retrigger) MessageFinishedBridging(messageID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ch := range r.waiters[messageID] {
		close(ch)
	}
	delete(r.waiters, messageID)
}

func (r *Retrigger) acquire(messageID string) *idLock {
	r.mu.Lock()
	lock, ok := r.locks[messageID]
	if !ok {
		lock = &idLock{}
		r.locks[messageID] = lock
	}
	lock.refs++
	r.mu.Unlock()
	lock.mu.Lock()
	return lock
}

func (r *Retrigger) release(messageID string, lock *idLock) {
	lock.mu.Unlock()
	r.mu.Lock()
	lock.refs--
	if lock.refs == 0 {
		delete(r.locks, messageID)
	}
	r.mu.Unlock()
}

// await blocks until the mapping signal for messageID fires, the retry
// delay passes, or ctx is cancelled.
func (r *Retrigger) await(ctx context.Context, messageID string) error {
	signal := make(chan struct{})
	r.mu.Lock()
	r.waiters[messageID] = append(r.waiters[messageID], signal)
	r.mu.Unlock()

	timer := time.NewTimer(r.delay)
	defer timer.Stop()
	select {
	case <-signal:
		return nil
	case <-timer.C:
		r.removeWaiter(messageID, signal)
		return nil
	case <-ctx.Done():
		r.removeWaiter(messageID, signal)
		return ctx.Err()
	}
}

func (r *Retrigger) removeWaiter(messageID string, signal chan struct{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	waiters := r.waiters[messageID]
	for i, ch := range waiters {
		if ch == signal {
			r.waiters[messageID] = append(waiters[:i], waiters[i+1:]...)
			break
		}
	}
	if len(r.waiters[messageID]) == 0 {
		delete(r.waiters, messageID)
	}
}
