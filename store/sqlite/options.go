// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package sqlite

import (
	"github.com/hashicorp/cap-appauth/oidc"
	"github.com/hashicorp/go-hclog"
)

// Option defines a common functional options type which can be used in a
// variadic parameter pattern.
type Option = oidc.Option

// DefaultKey identifies the pending request row when WithKey isn't used.
const DefaultKey = "default"

type storeOptions struct {
	withKey    string
	withLogger hclog.Logger
}

func storeDefaults() storeOptions {
	return storeOptions{
		withKey:    DefaultKey,
		withLogger: hclog.NewNullLogger(),
	}
}

func getStoreOpts(opt ...Option) storeOptions {
	opts := storeDefaults()
	oidc.ApplyOpts(&opts, opt...)
	return opts
}

// WithKey provides an optional key for the pending request, so several
// clients can share one database.
func WithKey(k string) Option {
	return func(o interface{}) {
		if v, ok := o.(*storeOptions); ok && k != "" {
			v.withKey = k
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
