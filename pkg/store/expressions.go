// Copyright 2024-2026 Aiku AI

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"golang.org/x/sync/singleflight"
	"maunium.net/go/mautrix/id"
)

// Expression is a custom emoji or sticker correlated with its uploaded
// Matrix content URI. Rows are populated lazily on first use.
type Expression struct {
	ID       string
	Name     string
	Animated bool
	MXC      id.ContentURIString
}

// expressionRegistrar guards against duplicate concurrent uploads of the
// same expression id.
type expressionRegistrar struct {
	group  singleflight.Group
	upload func(ctx context.Context, expr Expression) (id.ContentURIString, error)
}

// SetExpressionUploader installs the remote upload primitive used when an
// expression id is seen for the first time.
func (s *Store) SetExpressionUploader(upload func(ctx context.Context, expr Expression) (id.ContentURIString, error)) {
	s.expressions.upload = upload
}

// Expression returns the registered expression by id, or ErrNotFound.
func (s *Store) Expression(ctx context.Context, expressionID string) (*Expression, error) {
	var e Expression
	var animated int
	var mxc string
	err := s.db.QueryRowContext(ctx, `
		SELECT expression_id, name, animated, mxc_url FROM expression
		WHERE expression_id = ?
	`, expressionID).Scan(&e.ID, &e.Name, &animated, &mxc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying expression: %w", err)
	}
	e.Animated = animated != 0
	e.MXC = id.ContentURIString(mxc)
	return &e, nil
}

// ExpressionByMXC returns the expression whose uploaded content URI matches,
// or ErrNotFound. Used when converting Matrix custom emoji images back into
// Discord expression tokens.
func (s *Store) ExpressionByMXC(ctx context.Context, mxc id.ContentURIString) (*Expression, error) {
	var e Expression
	var animated int
	var mxcStr string
	err := s.db.QueryRowContext(ctx, `
		SELECT expression_id, name, animated, mxc_url FROM expression
		WHERE mxc_url = ?
	`, string(mxc)).Scan(&e.ID, &e.Name, &animated, &mxcStr)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying expression by mxc: %w", err)
	}
	e.Animated = animated != 0
	e.MXC = id.ContentURIString(mxcStr)
	return &e, nil
}

// RegisterExpression returns the content URI for an expression, uploading it
// first if this id has never been seen. Concurrent registrations of the same
// id share a single upload; distinct ids proceed independently.
func (s *Store) RegisterExpression(ctx context.Context, expr Expression) (id.ContentURIString, error) {
	if existing, err := s.Expression(ctx, expr.ID); err == nil {
		return existing.MXC, nil
	} else if !errors.Is(err, ErrNotFound) {
		return "", err
	}

	v, err, _ := s.expressions.group.Do(expr.ID, func() (any, error) {
		// Another flight may have finished between the check and here.
		if existing, err := s.Expression(ctx, expr.ID); err == nil {
			return existing.MXC, nil
		} else if !errors.Is(err, ErrNotFound) {
			return nil, err
		}

		if s.expressions.upload == nil {
			return nil, fmt.Errorf("store: no expression uploader configured")
		}
		mxc, err := s.expressions.upload(ctx, expr)
		if err != nil {
			return nil, fmt.Errorf("uploading expression %s: %w", expr.ID, err)
		}

		animated := 0
		if expr.Animated {
			animated = 1
		}
		if _, err := s.db.ExecContext(ctx, `
			INSERT OR IGNORE INTO expression (expression_id, name, animated, mxc_url)
			VALUES (?, ?, ?, ?)
		`, expr.ID, expr.Name, animated, string(mxc)); err != nil {
			return nil, fmt.Errorf("recording expression: %w", err)
		}
		return mxc, nil
	})
	if err != nil {
		return "", err
	}
	return v.(id.ContentURIString), nil
}
