// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package oidc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/hashicorp/cap-appauth/oidc/internal/strutils"
	sdkHttp "github.com/hashicorp/cap-appauth/sdk/http"
	"github.com/hashicorp/go-multierror"
)

// ScopeOpenID is the mandatory scope for all OpenID Connect OAuth2 requests.
const ScopeOpenID = oidc.ScopeOpenID

// ClientSecret is an oauth client secret.
type ClientSecret string

// RedactedClientSecret is the redacted string or json for an oauth client secret
const RedactedClientSecret = "[REDACTED: client secret]"

// String will redact the client secret
func (t ClientSecret) String() string {
	return RedactedClientSecret
}

// MarshalJSON will redact the client secret
func (t ClientSecret) MarshalJSON() ([]byte, error) {
	return json.Marshal(RedactedClientSecret)
}

// ProviderConfig is the immutable descriptor of an identity provider and of
// this application's registration with it.  It's constructed once, before any
// flow starts.
type ProviderConfig struct {
	// ClientID is the relying party id
	ClientID string

	// RedirectURI is where the provider sends the authorization response.  It
	// must be claimed exclusively by this application (see RedirectVerifier).
	RedirectURI string

	// EndSessionRedirectURI is where the provider sends the user after an
	// RP-initiated logout.
	EndSessionRedirectURI string

	// DiscoveryURI is the issuer URL.  The well-known discovery path is
	// appended to it when resolving the provider's configuration.
	DiscoveryURI string

	// Scopes is the ordered, de-duplicated list of scopes requested.  Include
	// ScopeOpenID for OpenID Connect providers.
	Scopes []string

	// SupportedSigningAlgs is the list of algorithms accepted when verifying
	// an id_token.
	SupportedSigningAlgs []Alg

	// Audiences is an optional list of additional audiences accepted when
	// verifying an id_token.  The ClientID is always accepted.
	Audiences []string

	// ProviderCA is an optional CA cert to use when sending requests to the provider.
	ProviderCA string
}

// NewProviderConfig composes a new, validated config for a provider.
//
// Supported options: WithProviderCA, WithSupportedSigningAlgs, WithAudiences
func NewProviderConfig(discoveryURI, clientID, redirectURI, endSessionRedirectURI string, scopes []string, opt ...Option) (*ProviderConfig, error) {
	const op = "NewProviderConfig"
	opts := getProviderConfigOpts(opt...)
	c := &ProviderConfig{
		DiscoveryURI:          strings.TrimSpace(discoveryURI),
		ClientID:              clientID,
		RedirectURI:           redirectURI,
		EndSessionRedirectURI: endSessionRedirectURI,
		Scopes:                dedupeScopes(scopes),
		SupportedSigningAlgs:  opts.withSupportedSigningAlgs,
		Audiences:             opts.withAudiences,
		ProviderCA:            opts.withProviderCA,
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("%s: invalid provider config: %w", op, err)
	}
	return c, nil
}

// Validate the provider configuration.  Every failed check is reported.  It
// verifies the discovery URI is well-formed, but it doesn't verify the issuer
// is discoverable via an http request.
func (c *ProviderConfig) Validate() error {
	const op = "ProviderConfig.Validate"
	if c == nil {
		return fmt.Errorf("%s: provider config is nil: %w", op, ErrNilParameter)
	}
	var result *multierror.Error
	if c.ClientID == "" {
		result = multierror.Append(result, fmt.Errorf("client id is empty: %w", ErrInvalidParameter))
	}
	if c.DiscoveryURI == "" {
		result = multierror.Append(result, fmt.Errorf("discovery URI is empty: %w", ErrInvalidParameter))
	} else if u, err := url.Parse(c.DiscoveryURI); err != nil {
		result = multierror.Append(result, fmt.Errorf("discovery URI %q is invalid: %w: %w", c.DiscoveryURI, ErrInvalidParameter, err))
	} else if u.Scheme != "https" && u.Scheme != "http" {
		result = multierror.Append(result, fmt.Errorf("discovery URI %q scheme is not http or https: %w", c.DiscoveryURI, ErrInvalidParameter))
	} else if u.Host == "" {
		result = multierror.Append(result, fmt.Errorf("discovery URI %q has no host: %w", c.DiscoveryURI, ErrInvalidParameter))
	}
	if err := validateRedirectURI("redirect URI", c.RedirectURI); err != nil {
		result = multierror.Append(result, err)
	}
	if err := validateRedirectURI("end session redirect URI", c.EndSessionRedirectURI); err != nil {
		result = multierror.Append(result, err)
	}
	if len(c.Scopes) == 0 {
		result = multierror.Append(result, fmt.Errorf("scopes are empty: %w", ErrInvalidParameter))
	}
	if err := SupportedSigningAlgorithm(c.SupportedSigningAlgs...); err != nil {
		result = multierror.Append(result, err)
	}
	if c.ProviderCA != "" {
		if _, err := c.HTTPClient(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if err := result.ErrorOrNil(); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// HTTPClient is a helper function that creates a new http client for the
// provider configured.  The client is the network-service handle used for
// discovery and token requests.
func (c *ProviderConfig) HTTPClient() (*http.Client, error) {
	const op = "ProviderConfig.HTTPClient"
	client, err := sdkHttp.NewClient(c.ProviderCA)
	if err != nil {
		if errors.Is(err, sdkHttp.ErrInvalidCertificatePem) {
			return nil, fmt.Errorf("%s: could not parse CA PEM value successfully: %w", op, ErrInvalidCACert)
		}
		return nil, fmt.Errorf("%s: could not get an http client: %w", op, err)
	}
	return client, nil
}

// signingAlgs returns the configured algs or RS256, which every OpenID
// provider must support.
func (c *ProviderConfig) signingAlgs() []string {
	if len(c.SupportedSigningAlgs) == 0 {
		return []string{string(RS256)}
	}
	return algStrings(c.SupportedSigningAlgs)
}

// HTTPClientContext is a helper function that returns a new Context that
// carries the provided HTTP client. This method sets the same context key used
// by the github.com/coreos/go-oidc and golang.org/x/oauth2 packages, so the
// returned context works for those packages as well.
func HTTPClientContext(ctx context.Context, client *http.Client) context.Context {
	// simple to implement as a wrapper for the coreos package
	return oidc.ClientContext(ctx, client)
}

func validateRedirectURI(name, raw string) error {
	if raw == "" {
		return fmt.Errorf("%s is empty: %w", name, ErrInvalidParameter)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s %q is invalid: %w: %w", name, raw, ErrInvalidParameter, err)
	}
	if u.Scheme == "" {
		return fmt.Errorf("%s %q is not an absolute URI: %w", name, raw, ErrInvalidParameter)
	}
	if u.Fragment != "" {
		return fmt.Errorf("%s %q must not contain a fragment: %w", name, raw, ErrInvalidParameter)
	}
	return nil
}

// dedupeScopes trims, drops empties and collapses duplicates while keeping the
// first occurrence's position.
func dedupeScopes(scopes ...[]string) []string {
	var all []string
	for _, list := range scopes {
		for _, s := range list {
			all = append(all, strings.TrimSpace(s))
		}
	}
	deduped := strutils.RemoveDuplicatesStable(all, false)
	if len(deduped) == 0 {
		return nil
	}
	return deduped
}

// providerConfigOptions is the set of available options
type providerConfigOptions struct {
	withProviderCA           string
	withSupportedSigningAlgs []Alg
	withAudiences            []string
}

// providerConfigDefaults is a handy way to get the defaults at runtime and
// during unit tests.
func providerConfigDefaults() providerConfigOptions {
	return providerConfigOptions{}
}

// getProviderConfigOpts gets the defaults and applies the opt overrides passed
// in.
func getProviderConfigOpts(opt ...Option) providerConfigOptions {
	opts := providerConfigDefaults()
	ApplyOpts(&opts, opt...)
	return opts
}
