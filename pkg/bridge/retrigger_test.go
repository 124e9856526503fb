// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/aiku/discord-matrix-bridge/pkg/store"
)

func TestRetriggerImmediateSuccess(t *testing.T) {
	t.Parallel()
	r := NewRetrigger(zerolog.Nop(), 3, 50*time.Millisecond)

	var calls atomic.Int32
	err := r.Run(context.Background(), "m1", func(ctx context.Context) error {
		calls.Add(1)
		return nil
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("calls: got %d, want 1", got)
	}
}

func TestRetriggerFinalErrorNotRetried(t *testing.T) {
	t.Parallel()
	r := NewRetrigger(zerolog.Nop(), 3, 50*time.Millisecond)

	boom := errors.New("boom")
	var calls atomic.Int32
	err := r.Run(context.Background(), "m1", func(ctx context.Context) error {
		calls.Add(1)
		return boom
	})
	if !errors.Is(err, boom) {
		t.Errorf("got %v, want boom", err)
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("calls: got %d, want 1 (only missing mappings requeue)", got)
	}
}

func TestRetriggerExhaustsAttempts(t *testing.T) {
	t.Parallel()
	r := NewRetrigger(zerolog.Nop(), 3, 10*time.Millisecond)

	var calls atomic.Int32
	err := r.Run(context.Background(), "m1", func(ctx context.Context) error {
		calls.Add(1)
		return store.ErrNotFound
	})
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("got %v, want ErrNotFound", err)
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("calls: got %d, want 3", got)
	}
}

// TestRetriggerWakesOnSignal verifies a requeued mutation applies as soon
// as the message finishes bridging, well before the retry delay elapses.
func TestRetriggerWakesOnSignal(t *testing.T) {
	t.Parallel()
	r := NewRetrigger(zerolog.Nop(), 5, 10*time.Second)

	var mapped atomic.Bool
	var calls atomic.Int32
	done := make(chan error, 1)
	go func() {
		done <- r.Run(context.Background(), "m1", func(ctx context.Context) error {
			calls.Add(1)
			if !mapped.Load() {
				return store.ErrNotFound
			}
			return nil
		})
	}()

	time.Sleep(50 * time.Millisecond)
	mapped.Store(true)
	start := time.Now()
	r.MessageFinishedBridging("m1")

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not wake on signal")
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("wake took %v, should beat the 10s retry delay", elapsed)
	}
	if got := calls.Load(); got != 2 {
		t.Errorf("calls: got %d, want 2 (exactly one requeue)", got)
	}
}

// TestRetriggerSerializesPerMessage verifies two mutations of the same
// message never run their callbacks concurrently.
func TestRetriggerSerializesPerMessage(t *testing.T) {
	t.Parallel()
	r := NewRetrigger(zerolog.Nop(), 1, time.Millisecond)

	var inFlight atomic.Int32
	var overlapped atomic.Bool
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = r.Run(context.Background(), "m1", func(ctx context.Context) error {
				if inFlight.Add(1) > 1 {
					overlapped.Store(true)
				}
				time.Sleep(5 * time.Millisecond)
				inFlight.Add(-1)
				return nil
			})
		}()
	}
	wg.Wait()

	if overlapped.Load() {
		t.Error("callbacks for one message id overlapped")
	}
}

func TestRetriggerContextCancelStopsRequeue(t *testing.T) {
	t.Parallel()
	r := NewRetrigger(zerolog.Nop(), 10, 10*time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- r.Run(ctx, "m1", func(ctx context.Context) error {
			return store.ErrNotFound
		})
	}()
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("got %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after context cancel")
	}
}
