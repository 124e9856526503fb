// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"errors"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/rs/zerolog"
)

func TestTruncate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		in    string
		limit int
		want  string
	}{
		{"short unchanged", "hello", 10, "hello"},
		{"exact unchanged", "hello", 5, "hello"},
		{"ascii cut", "hello world", 5, "hello…"},
		{"multibyte boundary", "aüüü", 2, "a…"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := truncate(tt.in, tt.limit)
			if got != tt.want {
				t.Errorf("truncate(%q, %d): got %q, want %q", tt.in, tt.limit, got, tt.want)
			}
		})
	}
}

// TestTruncateNeverSplitsRunes feeds limits that land in the middle of
// multi-byte runes and checks the output stays valid UTF-8.
func TestTruncateNeverSplitsRunes(t *testing.T) {
	t.Parallel()
	s := strings.Repeat("日本語", 10)
	for limit := 1; limit < len(s); limit++ {
		got := truncate(s, limit)
		if !utf8.ValidString(got) {
			t.Fatalf("truncate(%q, %d) produced invalid UTF-8: %q", s, limit, got)
		}
		if len(got) > limit+len("…") {
			t.Fatalf("truncate(%q, %d) too long: %d bytes", s, limit, len(got))
		}
	}
}

func TestReporterRateLimits(t *testing.T) {
	t.Parallel()
	fm := &fakeMatrix{}
	r := NewReporter(zerolog.Nop(), fm, "!ops:example.com")

	cause := errors.New("boom")
	r.Report(context.Background(), "MESSAGE_CREATE", nil, cause)
	r.Report(context.Background(), "MESSAGE_CREATE", nil, cause)
	r.Report(context.Background(), "MESSAGE_DELETE", nil, cause)

	if fm.sentCount() != 1 {
		t.Errorf("reports delivered: got %d, want 1", fm.sentCount())
	}
}

func TestReporterNoRoomConfigured(t *testing.T) {
	t.Parallel()
	fm := &fakeMatrix{}
	r := NewReporter(zerolog.Nop(), fm, "")
	r.Report(context.Background(), "MESSAGE_CREATE", nil, errors.New("boom"))
	if fm.sentCount() != 0 {
		t.Errorf("reports delivered: got %d, want 0", fm.sentCount())
	}
}
