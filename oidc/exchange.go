// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package oidc

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/hashicorp/cap-appauth/oidc/internal/strutils"
	"github.com/hashicorp/go-hclog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/oauth2"
)

// TokenClient exchanges authorization codes for tokens.  It doesn't validate
// state: it must only be given codes produced by ClassifyRedirect.
type TokenClient struct {
	pc     *ProviderConfig
	client *http.Client
	logger hclog.Logger
	tracer trace.Tracer

	skipIDTokenVerification bool

	mu        sync.Mutex
	verifiers map[string]*oidc.IDTokenVerifier
}

// NewTokenClient creates a TokenClient for the provider config, sending
// requests with the client.
//
// Supported options: WithLogger, WithTracerProvider, WithSkipIDTokenVerification
func NewTokenClient(pc *ProviderConfig, client *http.Client, opt ...Option) (*TokenClient, error) {
	const op = "NewTokenClient"
	switch {
	case pc == nil:
		return nil, fmt.Errorf("%s: provider config is nil: %w", op, ErrNilParameter)
	case client == nil:
		return nil, fmt.Errorf("%s: http client is nil: %w", op, ErrNilParameter)
	}
	opts := getTokenClientOpts(opt...)
	return &TokenClient{
		pc:                      pc,
		client:                  client,
		logger:                  opts.withLogger,
		tracer:                  tracerFrom(opts.withTracerProvider),
		skipIDTokenVerification: opts.withSkipIDTokenVerification,
		verifiers:               map[string]*oidc.IDTokenVerifier{},
	}, nil
}

// Exchange sends the authorization code grant to the token endpoint.  Errors
// are classified as ErrNetwork (connection failure, timeout, non-2xx status
// without an OAuth error), ErrProviderRejected (wrapping an *AuthError) or
// ErrMalformedResponse.  When the response carries an id_token and the
// provider publishes a jwks_uri, the id_token's signature, issuer, audience,
// expiry and nonce are verified.
func (c *TokenClient) Exchange(ctx context.Context, sc *ServiceConfig, code *AuthorizationCode, auth ClientAuthentication) (_ *TokenResponse, retErr error) {
	const op = "TokenClient.Exchange"
	switch {
	case sc == nil:
		return nil, fmt.Errorf("%s: service config is nil: %w", op, ErrNilParameter)
	case code == nil:
		return nil, fmt.Errorf("%s: authorization code is nil: %w", op, ErrNilParameter)
	case code.Code == "":
		return nil, fmt.Errorf("%s: authorization code is empty: %w", op, ErrInvalidParameter)
	case sc.TokenEndpoint == "":
		return nil, fmt.Errorf("%s: token endpoint is empty: %w", op, ErrInvalidParameter)
	}
	if err := auth.validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	ctx, span := c.tracer.Start(ctx, "oidc.token_exchange",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("oidc.flow_id", code.FlowID),
			attribute.String("oidc.client_auth_method", string(auth.Method())),
		))
	defer func() { endSpan(span, retErr) }()

	redirectURI := code.RedirectURI
	if redirectURI == "" {
		redirectURI = c.pc.RedirectURI
	}
	cfg := oauth2.Config{
		ClientID:     c.pc.ClientID,
		ClientSecret: auth.clientSecret(),
		RedirectURL:  redirectURI,
		Endpoint: oauth2.Endpoint{
			AuthURL:   sc.AuthorizationEndpoint,
			TokenURL:  sc.TokenEndpoint,
			AuthStyle: auth.authStyle(),
		},
	}
	opts, err := auth.exchangeOptions()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if code.CodeVerifier != "" {
		opts = append(opts, oauth2.VerifierOption(code.CodeVerifier))
	}

	oidcCtx := HTTPClientContext(ctx, c.client)
	c.logger.Debug("exchanging authorization code", "flow_id", code.FlowID, "token_endpoint", sc.TokenEndpoint)
	tok, err := cfg.Exchange(oidcCtx, code.Code, opts...)
	if err != nil {
		err = classifyExchangeError(err)
		c.logger.Error("token exchange failed", "flow_id", code.FlowID, "error", err)
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	resp := &TokenResponse{
		AccessToken:  AccessToken(tok.AccessToken),
		RefreshToken: RefreshToken(tok.RefreshToken),
		TokenType:    tok.Type(),
		Expiry:       tok.Expiry,
	}
	if raw, ok := tok.Extra("id_token").(string); ok && raw != "" {
		resp.IDToken = IDToken(raw)
		if err := c.verifyIDToken(oidcCtx, sc, resp.IDToken, code.Nonce); err != nil {
			c.logger.Warn("id_token rejected", "flow_id", code.FlowID, "error", err)
			return nil, fmt.Errorf("%s: %w", op, err)
		}
	}
	return resp, nil
}

func (c *TokenClient) verifyIDToken(ctx context.Context, sc *ServiceConfig, t IDToken, nonce string) error {
	const op = "TokenClient.verifyIDToken"
	if c.skipIDTokenVerification {
		return nil
	}
	if sc.JWKSURI == "" {
		c.logger.Debug("provider has no jwks_uri, id_token not verified")
		return nil
	}
	v := c.verifier(ctx, sc)
	idToken, err := v.Verify(ctx, string(t))
	if err != nil {
		return fmt.Errorf("%s: %w: %w", op, ErrIDTokenVerificationFailed, err)
	}
	if !strutils.StrListContains(idToken.Audience, c.pc.ClientID) && !anyContains(idToken.Audience, c.pc.Audiences) {
		return fmt.Errorf("%s: audience %v doesn't include the client id: %w", op, idToken.Audience, ErrIDTokenVerificationFailed)
	}
	if nonce != "" && subtle.ConstantTimeCompare([]byte(nonce), []byte(idToken.Nonce)) != 1 {
		return fmt.Errorf("%s: %w", op, ErrInvalidNonce)
	}
	return nil
}

// verifier returns the cached verifier for the provider's key set, so keys
// are fetched once and refreshed only when an unknown key id is seen.
func (c *TokenClient) verifier(ctx context.Context, sc *ServiceConfig) *oidc.IDTokenVerifier {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := sc.Issuer + " " + sc.JWKSURI
	if v, ok := c.verifiers[key]; ok {
		return v
	}
	algs := c.pc.signingAlgs()
	p := (&oidc.ProviderConfig{
		IssuerURL:   sc.Issuer,
		AuthURL:     sc.AuthorizationEndpoint,
		TokenURL:    sc.TokenEndpoint,
		UserInfoURL: sc.UserInfoEndpoint,
		JWKSURL:     sc.JWKSURI,
		Algorithms:  algs,
	}).NewProvider(context.WithoutCancel(ctx)) // the key set outlives this request
	v := p.Verifier(&oidc.Config{
		// the audience is checked after verification, against the client id
		// and any additional audiences.
		SkipClientIDCheck:    true,
		SkipIssuerCheck:      sc.Issuer == "",
		SupportedSigningAlgs: algs,
	})
	c.verifiers[key] = v
	return v
}

func anyContains(haystack, needles []string) bool {
	for _, n := range needles {
		if strutils.StrListContains(haystack, n) {
			return true
		}
	}
	return false
}

// classifyExchangeError maps oauth2 errors onto the token error taxonomy.
func classifyExchangeError(err error) error {
	var rErr *oauth2.RetrieveError
	if errors.As(err, &rErr) {
		if rErr.ErrorCode != "" {
			authErr := &AuthError{Code: rErr.ErrorCode, Description: rErr.ErrorDescription, URI: rErr.ErrorURI}
			return fmt.Errorf("%w: %w", ErrProviderRejected, authErr)
		}
		status := 0
		if rErr.Response != nil {
			status = rErr.Response.StatusCode
		}
		return fmt.Errorf("unexpected status %d: %w", status, ErrNetwork)
	}
	var uErr *url.Error
	if errors.As(err, &uErr) {
		return fmt.Errorf("%w: %w", ErrNetwork, err)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", ErrNetwork, err)
	}
	return fmt.Errorf("%w: %w", ErrMalformedResponse, err)
}

// WithSkipIDTokenVerification disables id_token verification for the
// TokenClient and Orchestrator.  The id_token is still returned.
func WithSkipIDTokenVerification() Option {
	return func(o interface{}) {
		switch v := o.(type) {
		case *tokenClientOptions:
			v.withSkipIDTokenVerification = true
		case *orchestratorOptions:
			v.withSkipIDTokenVerification = true
		}
	}
}

// tokenClientOptions is the set of available options for a TokenClient
type tokenClientOptions struct {
	withLogger                  hclog.Logger
	withTracerProvider          trace.TracerProvider
	withSkipIDTokenVerification bool
}

func tokenClientDefaults() tokenClientOptions {
	return tokenClientOptions{
		withLogger: hclog.NewNullLogger(),
	}
}

func getTokenClientOpts(opt ...Option) tokenClientOptions {
	opts := tokenClientDefaults()
	ApplyOpts(&opts, opt...)
	return opts
}
