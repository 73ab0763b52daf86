// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package oidc

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/hashicorp/cap-appauth/oidc/internal/strutils"
	"github.com/hashicorp/go-hclog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	// WellKnownPath is appended to a discovery URI to locate the provider's
	// metadata document.
	WellKnownPath = "/.well-known/openid-configuration"

	// maxDiscoveryBytes bounds the size of a discovery document.
	maxDiscoveryBytes = 1 << 20
)

// ServiceConfig is the provider metadata resolved from its discovery
// document.  Once resolved it's never partially updated: a fetch either
// replaces it or leaves the previous value intact.
//
// See: https://openid.net/specs/openid-connect-discovery-1_0.html#ProviderMetadata
type ServiceConfig struct {
	Issuer                            string   `json:"issuer,omitempty"`
	AuthorizationEndpoint             string   `json:"authorization_endpoint"`
	TokenEndpoint                     string   `json:"token_endpoint"`
	EndSessionEndpoint                string   `json:"end_session_endpoint,omitempty"`
	UserInfoEndpoint                  string   `json:"userinfo_endpoint,omitempty"`
	JWKSURI                           string   `json:"jwks_uri,omitempty"`
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported,omitempty"`
	CodeChallengeMethodsSupported     []string `json:"code_challenge_methods_supported,omitempty"`
	IDTokenSigningAlgValuesSupported  []string `json:"id_token_signing_alg_values_supported,omitempty"`

	// DiscoveryDocument is the raw document the config was parsed from.
	DiscoveryDocument json.RawMessage `json:"-"`
}

// SupportsPKCE reports whether the provider advertises S256 code challenges.
// Providers which don't advertise any methods are assumed to accept S256.
func (s *ServiceConfig) SupportsPKCE() bool {
	if len(s.CodeChallengeMethodsSupported) == 0 {
		return true
	}
	return strutils.StrListContains(s.CodeChallengeMethodsSupported, "S256")
}

// ParseServiceConfig parses a discovery document.  A body which isn't a JSON
// object, or an endpoint which isn't an absolute URL, is ErrMalformedDocument.
// A missing authorization or token endpoint is ErrMissingRequiredField.
func ParseServiceConfig(doc []byte) (*ServiceConfig, error) {
	const op = "ParseServiceConfig"
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(doc, &fields); err != nil {
		return nil, fmt.Errorf("%s: document is not a JSON object: %w: %w", op, ErrMalformedDocument, err)
	}
	if fields == nil {
		return nil, fmt.Errorf("%s: document is null: %w", op, ErrMalformedDocument)
	}
	var sc ServiceConfig
	if err := json.Unmarshal(doc, &sc); err != nil {
		return nil, fmt.Errorf("%s: unable to decode document: %w: %w", op, ErrMalformedDocument, err)
	}
	switch {
	case sc.AuthorizationEndpoint == "":
		return nil, fmt.Errorf("%s: authorization_endpoint: %w", op, ErrMissingRequiredField)
	case sc.TokenEndpoint == "":
		return nil, fmt.Errorf("%s: token_endpoint: %w", op, ErrMissingRequiredField)
	}
	endpoints := []struct{ name, value string }{
		{"authorization_endpoint", sc.AuthorizationEndpoint},
		{"token_endpoint", sc.TokenEndpoint},
		{"end_session_endpoint", sc.EndSessionEndpoint},
		{"userinfo_endpoint", sc.UserInfoEndpoint},
		{"jwks_uri", sc.JWKSURI},
	}
	for _, e := range endpoints {
		if e.value == "" {
			continue
		}
		u, err := url.Parse(e.value)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return nil, fmt.Errorf("%s: %s %q is not an absolute URL: %w", op, e.name, e.value, ErrMalformedDocument)
		}
	}
	sc.DiscoveryDocument = append(json.RawMessage(nil), doc...)
	return &sc, nil
}

// DiscoveryURL joins the discovery URI with the well-known path.  A URI which
// already ends with the well-known path is returned unchanged.
func DiscoveryURL(discoveryURI string) (string, error) {
	const op = "DiscoveryURL"
	discoveryURI = strings.TrimSpace(discoveryURI)
	if discoveryURI == "" {
		return "", fmt.Errorf("%s: discovery URI is empty: %w", op, ErrInvalidParameter)
	}
	if strings.HasSuffix(discoveryURI, WellKnownPath) {
		return discoveryURI, nil
	}
	u, err := url.JoinPath(discoveryURI, WellKnownPath)
	if err != nil {
		return "", fmt.Errorf("%s: %w: %w", op, ErrInvalidParameter, err)
	}
	return u, nil
}

// Resolver fetches and parses provider discovery documents.  It holds no
// state beyond its http client, so callers decide whether to cache results.
type Resolver struct {
	client *http.Client
	logger hclog.Logger
	tracer trace.Tracer
}

// NewResolver creates a Resolver which sends requests with the client.
//
// Supported options: WithLogger, WithTracerProvider
func NewResolver(client *http.Client, opt ...Option) (*Resolver, error) {
	const op = "NewResolver"
	if client == nil {
		return nil, fmt.Errorf("%s: http client is nil: %w", op, ErrNilParameter)
	}
	opts := getResolverOpts(opt...)
	return &Resolver{
		client: client,
		logger: opts.withLogger,
		tracer: tracerFrom(opts.withTracerProvider),
	}, nil
}

// Resolve fetches the discovery document for discoveryURI.  Errors are
// classified as ErrNetwork (connection failure, timeout, non-2xx status),
// ErrMalformedDocument or ErrMissingRequiredField.
func (r *Resolver) Resolve(ctx context.Context, discoveryURI string) (_ *ServiceConfig, retErr error) {
	const op = "Resolver.Resolve"
	wellKnown, err := DiscoveryURL(discoveryURI)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	ctx, span := r.tracer.Start(ctx, "oidc.discovery",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("oidc.discovery.url", wellKnown)))
	defer func() { endSpan(span, retErr) }()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, wellKnown, nil)
	if err != nil {
		return nil, fmt.Errorf("%s: unable to create request: %w: %w", op, ErrInvalidParameter, err)
	}
	req.Header.Set("Accept", "application/json")

	r.logger.Debug("fetching discovery document", "discovery_url", wellKnown)
	resp, err := r.client.Do(req)
	if err != nil {
		r.logger.Error("discovery request failed", "discovery_url", wellKnown, "error", err)
		return nil, fmt.Errorf("%s: %w: %w", op, ErrNetwork, err)
	}
	defer resp.Body.Close()
	span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		r.logger.Error("discovery request returned an unexpected status", "discovery_url", wellKnown, "status", resp.StatusCode)
		return nil, fmt.Errorf("%s: unexpected status %d: %w", op, resp.StatusCode, ErrNetwork)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxDiscoveryBytes+1))
	if err != nil {
		return nil, fmt.Errorf("%s: unable to read response: %w: %w", op, ErrNetwork, err)
	}
	if len(body) > maxDiscoveryBytes {
		return nil, fmt.Errorf("%s: document exceeds %d bytes: %w", op, maxDiscoveryBytes, ErrMalformedDocument)
	}
	sc, err := ParseServiceConfig(body)
	if err != nil {
		r.logger.Error("invalid discovery document", "discovery_url", wellKnown, "error", err)
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return sc, nil
}

// resolverOptions is the set of available options for a Resolver
type resolverOptions struct {
	withLogger         hclog.Logger
	withTracerProvider trace.TracerProvider
}

func resolverDefaults() resolverOptions {
	return resolverOptions{
		withLogger: hclog.NewNullLogger(),
	}
}

func getResolverOpts(opt ...Option) resolverOptions {
	opts := resolverDefaults()
	ApplyOpts(&opts, opt...)
	return opts
}
