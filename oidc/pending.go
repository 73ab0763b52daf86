// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package oidc

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// PendingStore persists the pending AuthorizationRequest so it survives the
// host process being recreated while the external agent is active.  A store
// holds at most one request: Save replaces any previous one.
type PendingStore interface {
	// Save replaces the pending request.
	Save(ctx context.Context, r *AuthorizationRequest) error

	// Load returns the pending request, or nil and no error when there isn't
	// one.
	Load(ctx context.Context) (*AuthorizationRequest, error)

	// Delete removes the pending request.  Deleting an empty store isn't an
	// error.
	Delete(ctx context.Context) error
}

// MarshalPending encodes a request for a PendingStore.
func MarshalPending(r *AuthorizationRequest) ([]byte, error) {
	const op = "MarshalPending"
	if err := r.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	b, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return b, nil
}

// UnmarshalPending decodes and validates a request read from a PendingStore.
func UnmarshalPending(b []byte) (*AuthorizationRequest, error) {
	const op = "UnmarshalPending"
	var r AuthorizationRequest
	if err := json.Unmarshal(b, &r); err != nil {
		return nil, fmt.Errorf("%s: %w: %w", op, ErrInvalidParameter, err)
	}
	if err := r.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return &r, nil
}

// MemoryPendingStore is an in-memory PendingStore.  It doesn't survive the
// process, and is the default.
type MemoryPendingStore struct {
	mu  sync.Mutex
	raw []byte
}

var _ PendingStore = (*MemoryPendingStore)(nil)

// NewMemoryPendingStore creates an empty MemoryPendingStore.
func NewMemoryPendingStore() *MemoryPendingStore {
	return &MemoryPendingStore{}
}

// Save implements PendingStore.  The request is copied.
func (s *MemoryPendingStore) Save(ctx context.Context, r *AuthorizationRequest) error {
	const op = "MemoryPendingStore.Save"
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	b, err := MarshalPending(r)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.raw = b
	return nil
}

// Load implements PendingStore.
func (s *MemoryPendingStore) Load(ctx context.Context) (*AuthorizationRequest, error) {
	const op = "MemoryPendingStore.Load"
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.raw == nil {
		return nil, nil
	}
	r, err := UnmarshalPending(s.raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return r, nil
}

// Delete implements PendingStore.
func (s *MemoryPendingStore) Delete(ctx context.Context) error {
	const op = "MemoryPendingStore.Delete"
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.raw = nil
	return nil
}
