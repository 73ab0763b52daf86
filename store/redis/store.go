// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

// Package redis provides an oidc.PendingStore backed by Redis, for hosts
// whose pending authorization request must survive the process or be shared
// between replicas.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/cap-appauth/oidc"
	"github.com/hashicorp/go-hclog"
	"github.com/redis/go-redis/v9"
)

// Store is an oidc.PendingStore in Redis.
type Store struct {
	client redis.UniversalClient
	key    string
	ttl    time.Duration
	logger hclog.Logger
}

var _ oidc.PendingStore = (*Store)(nil)

// NewStore creates a Store using client, which remains owned by the caller
// and must answer a ping.
//
// Supported options: WithKey, WithTTL, WithLogger
func NewStore(ctx context.Context, client redis.UniversalClient, opt ...Option) (*Store, error) {
	const op = "redis.NewStore"
	if client == nil {
		return nil, fmt.Errorf("%s: client is nil: %w", op, oidc.ErrNilParameter)
	}
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("%s: unable to reach redis: %w", op, err)
	}
	opts := getStoreOpts(opt...)
	return &Store{
		client: client,
		key:    opts.withKey,
		ttl:    opts.withTTL,
		logger: opts.withLogger,
	}, nil
}

// Save implements oidc.PendingStore.
func (s *Store) Save(ctx context.Context, r *oidc.AuthorizationRequest) error {
	const op = "redis.Store.Save"
	b, err := oidc.MarshalPending(r)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if err := s.client.Set(ctx, s.key, b, s.ttl).Err(); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	s.logger.Debug("saved pending request", "key", s.key, "flow_id", r.FlowID)
	return nil
}

// Load implements oidc.PendingStore.  A value which no longer decodes is
// deleted and reported as an error.
func (s *Store) Load(ctx context.Context) (*oidc.AuthorizationRequest, error) {
	const op = "redis.Store.Load"
	b, err := s.client.Get(ctx, s.key).Bytes()
	switch {
	case errors.Is(err, redis.Nil):
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
	const op = "redis.Store.Delete"
	if err := s.client.Del(ctx, s.key).Err(); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}
