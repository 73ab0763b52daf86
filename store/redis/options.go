// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package redis

import (
	"time"

	"github.com/hashicorp/cap-appauth/oidc"
	"github.com/hashicorp/go-hclog"
)

// Option defines a common functional options type which can be used in a
// variadic parameter pattern.
type Option = oidc.Option

const (
	// DefaultKey is the redis key of the pending request when WithKey isn't
	// used.
	DefaultKey = "appauth:pending"

	// DefaultTTL bounds how long an abandoned pending request is kept.
	DefaultTTL = time.Hour
)

type storeOptions struct {
	withKey    string
	withTTL    time.Duration
	withLogger hclog.Logger
}

func storeDefaults() storeOptions {
	return storeOptions{
		withKey:    DefaultKey,
		withTTL:    DefaultTTL,
		withLogger: hclog.NewNullLogger(),
	}
}

func getStoreOpts(opt ...Option) storeOptions {
	opts := storeDefaults()
	oidc.ApplyOpts(&opts, opt...)
	return opts
}

// WithKey provides an optional redis key for the pending request.
func WithKey(k string) Option {
	return func(o interface{}) {
		if v, ok := o.(*storeOptions); ok && k != "" {
			v.withKey = k
		}
	}
}

// WithTTL provides an optional expiry for a saved request.  Zero keeps it
// until it's deleted.
func WithTTL(d time.Duration) Option {
	return func(o interface{}) {
		if v, ok := o.(*storeOptions); ok && d >= 0 {
			v.withTTL = d
		}
	}
}

// WithLogger provides an optional logger.
func WithLogger(l hclog.Logger) Option {
	return func(o interface{}) {
		if v, ok := o.(*storeOptions); ok && l != nil {
			v.withLogger = l
		}
	}
}
