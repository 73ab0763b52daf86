// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

/*
callback is a package that provides an external user-agent for OIDC
authorization code flows started by a CLI: a Loopback opens the system
browser at the authorization URI and receives the provider's redirect on a
loopback http listener (RFC 8252, section 7.3).  The redirect is delivered to
the oidc.Receiver (typically an oidc.Orchestrator) handed to Launch.

A Loopback also implements oidc.RedirectVerifier: it only verifies redirect
URIs addressed to its own listener, which it holds exclusively while it's
open.
*/
package callback
