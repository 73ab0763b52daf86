// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package oidc

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryPendingStore(t *testing.T) {
	t.Parallel()
	assert, require := assert.New(t), require.New(t)
	ctx := context.Background()
	s := NewMemoryPendingStore()

	got, err := s.Load(ctx)
	require.NoError(err)
	assert.Nil(got)
	require.NoError(s.Delete(ctx))

	r := testPendingRequest("first")
	require.NoError(s.Save(ctx, r))
	r.State = "mutated"
	got, err = s.Load(ctx)
	require.NoError(err)
	assert.Equal("first", got.State)
	assert.Equal("verifier", got.CodeVerifier)

	require.NoError(s.Save(ctx, testPendingRequest("second")))
	got, err = s.Load(ctx)
	require.NoError(err)
	assert.Equal("second", got.State)

	require.NoError(s.Delete(ctx))
	got, err = s.Load(ctx)
	require.NoError(err)
	assert.Nil(got)

	invalid := testPendingRequest("x")
	invalid.ClientID = ""
	assert.ErrorIs(s.Save(ctx, invalid), ErrInvalidParameter)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	assert.ErrorIs(s.Save(cancelled, r), context.Canceled)
	_, err = s.Load(cancelled)
	assert.ErrorIs(err, context.Canceled)
	assert.ErrorIs(s.Delete(cancelled), context.Canceled)
}

func TestUnmarshalPending(t *testing.T) {
	t.Parallel()
	b, err := MarshalPending(testPendingRequest("state"))
	require.NoError(t, err)

	tests := []struct {
		name      string
		raw       []byte
		wantErrIs error
	}{
		{name: "valid", raw: b},
		{name: "not-json", raw: []byte("{"), wantErrIs: ErrInvalidParameter},
		{name: "incomplete", raw: []byte(`{"flow_id":"flow_1"}`), wantErrIs: ErrInvalidParameter},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert, require := assert.New(t), require.New(t)
			r, err := UnmarshalPending(tt.raw)
			if tt.wantErrIs != nil {
				require.Error(err)
				assert.ErrorIs(err, tt.wantErrIs)
				return
			}
			require.NoError(err)
			assert.Equal(testPendingRequest("state").State, r.State)
		})
	}
}
