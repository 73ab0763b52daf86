// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package callback

import (
	"time"

	"github.com/hashicorp/cap-appauth/oidc"
	"github.com/hashicorp/go-hclog"
	"github.com/pkg/browser"
)

// Option defines a common functional options type which can be used in a
// variadic parameter pattern.
type Option = oidc.Option

// loopbackOptions is the set of available options for a Loopback
type loopbackOptions struct {
	withLogger   hclog.Logger
	withOpenURL  func(string) error
	withResponse ResponseFunc
	withTimeout  time.Duration
}

func loopbackDefaults() loopbackOptions {
	return loopbackOptions{
		withLogger:   hclog.NewNullLogger(),
		withOpenURL:  browser.OpenURL,
		withResponse: DefaultResponse,
	}
}

func getLoopbackOpts(opt ...Option) loopbackOptions {
	opts := loopbackDefaults()
	oidc.ApplyOpts(&opts, opt...)
	return opts
}

// WithLogger provides an optional logger for the Loopback.
func WithLogger(l hclog.Logger) Option {
	return func(o interface{}) {
		if v, ok := o.(*loopbackOptions); ok && l != nil {
			v.withLogger = l
		}
	}
}

// WithOpenURL provides an optional function which presents the authorization
// URI to the user.  The default opens the system browser.
func WithOpenURL(fn func(string) error) Option {
	return func(o interface{}) {
		if v, ok := o.(*loopbackOptions); ok && fn != nil {
			v.withOpenURL = fn
		}
	}
}

// WithResponse provides an optional ResponseFunc.  The default is
// DefaultResponse.
func WithResponse(fn ResponseFunc) Option {
	return func(o interface{}) {
		if v, ok := o.(*loopbackOptions); ok && fn != nil {
			v.withResponse = fn
		}
	}
}

// WithTimeout provides an optional limit on how long the Loopback waits for a
// redirect after a launch.  When it expires the receiver is told the agent was
// dismissed.  Zero (the default) waits indefinitely.
func WithTimeout(d time.Duration) Option {
	return func(o interface{}) {
		if v, ok := o.(*loopbackOptions); ok {
			v.withTimeout = d
		}
	}
}
