// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

// Package sqlite provides an oidc.PendingStore backed by a SQLite database
// file, for hosts which need a pending authorization request to survive a
// restart.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/hashicorp/cap-appauth/oidc"
	"github.com/hashicorp/go-hclog"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS pending_authorization (
	name     TEXT PRIMARY KEY,
	request  BLOB NOT NULL,
	saved_at INTEGER NOT NULL
)`

// Store is an oidc.PendingStore in a SQLite database.
type Store struct {
	db     *sql.DB
	key    string
	logger hclog.Logger
}

var _ oidc.PendingStore = (*Store)(nil)

// Open opens (creating if needed) the database at path.
//
// Supported options: WithKey, WithLogger
func Open(ctx context.Context, path string, opt ...Option) (*Store, error) {
	const op = "sqlite.Open"
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("%s: path is empty: %w", op, oidc.ErrInvalidParameter)
	}
	opts := getStoreOpts(opt...)

	dsn := "file:" + filepath.Clean(path) + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("%s: unable to open database: %w", op, err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%s: unable to ping database: %w", op, err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%s: unable to create schema: %w", op, err)
	}
	return &Store{db: db, key: opts.withKey, logger: opts.withLogger}, nil
}

// Close releases the database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Save implements oidc.PendingStore.
func (s *Store) Save(ctx context.Context, r *oidc.AuthorizationRequest) error {
	const op = "sqlite.Store.Save"
	b, err := oidc.MarshalPending(r)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO pending_authorization (name, request, saved_at) VALUES (?, ?, ?)
ON CONFLICT (name) DO UPDATE SET request = excluded.request, saved_at = excluded.saved_at`,
		s.key, b, time.Now().UTC().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	s.logger.Debug("saved pending request", "key", s.key, "flow_id", r.FlowID)
	return nil
}

// Load implements oidc.PendingStore.  A row which no longer decodes is
// deleted and reported as an error.
func (s *Store) Load(ctx context.Context) (*oidc.AuthorizationRequest, error) {
	const op = "sqlite.Store.Load"
	var b []byte
	err := s.db.QueryRowContext(ctx, `SELECT request FROM pending_authorization WHERE name = ?`, s.key).Scan(&b)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, nil
	case err != nil:
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	r, err := oidc.UnmarshalPending(b)
	if err != nil {
		s.logger.Warn("discarding unreadable pending request", "key", s.key, "error", err)
		if delErr := s.Delete(ctx); delErr != nil {
			return nil, fmt.Errorf("%s: %w", op, errors.Join(err, delErr))
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return r, nil
}

// Delete implements oidc.PendingStore.
func (s *Store) Delete(ctx context.Context) error {
	const op = "sqlite.Store.Delete"
	if _, err := s.db.ExecContext(ctx, `DELETE FROM pending_authorization WHERE name = ?`, s.key); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}
