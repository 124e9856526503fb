// Copyright 2024-2026 Aiku AI

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"maunium.net/go/mautrix/id"
)

// MemberProfile is the cached display identity of a room member. Both fields
// may be nil when the member has no profile set.
type MemberProfile struct {
	Displayname *string
	AvatarURL   *string
}

// memberFetcher retrieves an m.room.member state event from the homeserver.
type memberFetcher func(ctx context.Context, roomID id.RoomID, mxid id.UserID) (*MemberProfile, error)

// SetMemberFetcher installs the remote profile fetcher used on cache miss.
func (s *Store) SetMemberFetcher(fetch func(ctx context.Context, roomID id.RoomID, mxid id.UserID) (*MemberProfile, error)) {
	s.members = fetch
}

// MemberProfile returns the cached profile for a room member, fetching and
// caching it on miss. Fetch failure degrades to an empty profile without
// writing the cache row, so the next event retries the fetch.
func (s *Store) MemberProfile(ctx context.Context, roomID id.RoomID, mxid id.UserID) (MemberProfile, error) {
	var p MemberProfile
	err := s.db.QueryRowContext(ctx, `
		SELECT displayname, avatar_url FROM member_cache
		WHERE room_id = ? AND mxid = ?
	`, string(roomID), string(mxid)).Scan(&p.Displayname, &p.AvatarURL)
	if err == nil {
		return p, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return MemberProfile{}, fmt.Errorf("querying member cache: %w", err)
	}

	if s.members != nil {
		fetched, fetchErr := s.members(ctx, roomID, mxid)
		if fetchErr != nil {
			s.log.Debug().Err(fetchErr).
				Str("room_id", string(roomID)).
				Str("mxid", string(mxid)).
				Msg("Member fetch failed, using empty profile")
			return MemberProfile{}, nil
		}
		if fetched != nil {
			p = *fetched
		}
	}

	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO member_cache (room_id, mxid, displayname, avatar_url)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (room_id, mxid) DO UPDATE
		SET displayname = excluded.displayname, avatar_url = excluded.avatar_url
	`, string(roomID), string(mxid), p.Displayname, p.AvatarURL); err != nil {
		return MemberProfile{}, fmt.Errorf("caching member profile: %w", err)
	}
	return p, nil
}

// InvalidateMember drops the cached profile so the next lookup refetches.
func (s *Store) InvalidateMember(ctx context.Context, roomID id.RoomID, mxid id.UserID) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM member_cache WHERE room_id = ? AND mxid = ?`,
		string(roomID), string(mxid))
	if err != nil {
		return fmt.Errorf("invalidating member cache: %w", err)
	}
	return nil
}
