// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package oidc

import (
	"encoding/hex"
	"fmt"

	"github.com/hashicorp/go-uuid"
)

// DefaultTokenBytes is the number of random bytes used for state and nonce
// values (128 bits, hex encoded to 32 characters).
const DefaultTokenBytes = 16

// NewID generates an ID with an optional prefix.  The ID generated is suitable
// for identifying a Flow.
//
// Supported options: WithPrefix
func NewID(opt ...Option) (string, error) {
	const op = "NewID"
	opts := getIDOpts(opt...)
	id, err := uuid.GenerateUUID()
	if err != nil {
		return "", fmt.Errorf("%s: unable to generate id: %w: %w", op, ErrIDGenerator, err)
	}
	if opts.withPrefix != "" {
		return fmt.Sprintf("%s_%s", opts.withPrefix, id), nil
	}
	return id, nil
}

// NewStateToken generates an opaque, unpredictable value suitable for an
// authorization request's state or nonce.
func NewStateToken() (string, error) {
	const op = "NewStateToken"
	b, err := uuid.GenerateRandomBytes(DefaultTokenBytes)
	if err != nil {
		return "", fmt.Errorf("%s: unable to read random bytes: %w: %w", op, ErrIDGenerator, err)
	}
	return hex.EncodeToString(b), nil
}

// idOptions is the set of available options.
type idOptions struct {
	withPrefix string
}

// idDefaults is a handy way to get the defaults at runtime and
// during unit tests.
func idDefaults() idOptions {
	return idOptions{}
}

// getIDOpts gets the defaults and applies the opt overrides passed
// in.
func getIDOpts(opt ...Option) idOptions {
	opts := idDefaults()
	ApplyOpts(&opts, opt...)
	return opts
}

// WithPrefix provides an optional prefix for a new ID.  When this options is
// provided, NewID will prepend the prefix and an underscore to the new
// identifier.
func WithPrefix(prefix string) Option {
	return func(o interface{}) {
		if o, ok := o.(*idOptions); ok {
			o.withPrefix = prefix
		}
	}
}
