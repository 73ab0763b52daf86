// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package oidc

import "context"

// Receiver accepts the result of an external agent.  The Launcher is handed a
// Receiver bound to the flow it launched, which returns ErrStaleRedirect once
// that flow is superseded or completed.  The Orchestrator also implements it
// for redirects that arrive after a restart.
type Receiver interface {
	// HandleRedirect delivers the URI the provider redirected to.
	HandleRedirect(ctx context.Context, redirectURI string) error

	// HandleDismissed reports the agent returned control without a redirect.
	HandleDismissed(ctx context.Context) error
}

// Launcher presents an authorization URI in an external user-agent.  Launch
// returns once the agent is started; the agent's result is delivered to the
// Receiver later.  If the host process restarts first, the result goes to the
// new Orchestrator instead.
type Launcher interface {
	Launch(ctx context.Context, authURL string, r Receiver) error
}

// LauncherFunc adapts a function to a Launcher.
type LauncherFunc func(ctx context.Context, authURL string, r Receiver) error

// Launch calls f.
func (f LauncherFunc) Launch(ctx context.Context, authURL string, r Receiver) error {
	return f(ctx, authURL, r)
}

// RedirectVerifier checks that a redirect URI is claimed exclusively by this
// application, so no other application can intercept the authorization
// response.
type RedirectVerifier interface {
	Verify(ctx context.Context, redirectURI string) error
}

// RedirectVerifierFunc adapts a function to a RedirectVerifier.
type RedirectVerifierFunc func(ctx context.Context, redirectURI string) error

// Verify calls f.
func (f RedirectVerifierFunc) Verify(ctx context.Context, redirectURI string) error {
	return f(ctx, redirectURI)
}
