// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

// appauth provides a collection of related packages which let a native or
// command line application sign a user in to an OpenID provider with the
// authorization code flow, using an external user-agent.
//
//   - oidc: provider configuration, discovery, authorization requests, the
//     flow orchestrator and the token exchange client.
//   - oidc/callback: a loopback external user-agent for command line hosts.
//   - oidc/clientassertion: signed client assertions for private_key_jwt and
//     client_secret_jwt.
//   - store/sqlite, store/redis: durable pending request stores.
//   - cmd/appauth: a command line client built on the packages above.
package appauth
