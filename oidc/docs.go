// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

/*
oidc is a package for driving the OIDC authorization code flow from a native
or desktop application, where an external user-agent (a browser) shows the
provider's login page and hands the authorization response back to the
application via a redirect URI.

Primary types provided by the package

* ProviderConfig: the client's configuration for one provider (client id,
redirect URIs, discovery URI, scopes, signing algorithms, optional CA).

* Resolver and ServiceConfig: fetch and parse the provider's discovery
document (/.well-known/openid-configuration).

* AuthorizationRequest: one authorization request with its state, nonce and
PKCE verifier.  BuildRequest creates it and AuthURL renders the URI handed to
the external agent.

* ClassifyRedirect and RedirectOutcome: validate a redirect against the
pending request.  Only a redirect whose state matches yields an
AuthorizationCode.

* Orchestrator and Flow: run flows for one provider.  It resolves discovery,
builds the request, launches the external agent through a Launcher and
completes the Flow exactly once when the redirect (or a dismissal) is
received through its Receiver methods.  A pending request can be persisted
with a PendingStore so a flow survives the process being recreated.

* TokenClient and TokenResponse: exchange an AuthorizationCode for tokens,
with PKCE and the configured ClientAuthentication, and verify the id_token.

* Alg: represents asymmetric signing algorithms

The oidc/callback package

The callback package provides a Launcher which opens the system browser and
receives the redirect on a loopback http listener.

The oidc/clientassertion package

The clientassertion package creates signed JWTs for the private_key_jwt
client authentication method.
*/
package oidc
