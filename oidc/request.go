// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package oidc

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/cap-appauth/oidc/internal/strutils"
	"golang.org/x/oauth2"
)

// ResponseTypeCode is the only response type requested: the authorization
// code flow.
const ResponseTypeCode = "code"

// Payload holds the optional per-flow overrides for an authorization request.
type Payload struct {
	// State is honored verbatim when set, so callers can correlate the flow
	// across their own boundaries.  A random state is generated otherwise.
	State string

	// Nonce is honored verbatim when set.  A random nonce is generated
	// otherwise.
	Nonce string

	// LoginHint is an optional hint about the login identifier the user might
	// use.
	LoginHint string

	// Scopes are merged with the provider config's scopes.
	Scopes []string

	// AdditionalParameters are copied into the authorization URI verbatim.
	AdditionalParameters map[string]string

	// DisablePKCE omits the code challenge for providers which reject it.
	DisablePKCE bool
}

// AuthorizationRequest is one flow attempt.  It's inert data: it can be
// persisted while the external agent is active and restored before the
// redirect arrives.
type AuthorizationRequest struct {
	FlowID                string            `json:"flow_id"`
	ClientID              string            `json:"client_id"`
	RedirectURI           string            `json:"redirect_uri"`
	ResponseType          string            `json:"response_type"`
	Scopes                []string          `json:"scopes"`
	State                 string            `json:"state"`
	Nonce                 string            `json:"nonce,omitempty"`
	LoginHint             string            `json:"login_hint,omitempty"`
	AdditionalParameters  map[string]string `json:"additional_parameters,omitempty"`
	AuthorizationEndpoint string            `json:"authorization_endpoint"`
	CodeVerifier          string            `json:"code_verifier,omitempty"`
	CreatedAt             time.Time         `json:"created_at"`
}

// reservedParameters are set by the request itself and can't be overridden
// with additional parameters.
var reservedParameters = map[string]bool{
	"response_type":         true,
	"client_id":             true,
	"redirect_uri":          true,
	"scope":                 true,
	"state":                 true,
	"nonce":                 true,
	"login_hint":            true,
	"code_challenge":        true,
	"code_challenge_method": true,
}

// BuildRequest assembles an authorization request from the resolved service
// config, the provider config and an optional payload.  It does no I/O.
func BuildRequest(sc *ServiceConfig, pc *ProviderConfig, p *Payload) (*AuthorizationRequest, error) {
	const op = "BuildRequest"
	switch {
	case sc == nil:
		return nil, fmt.Errorf("%s: service config is nil: %w", op, ErrNilParameter)
	case pc == nil:
		return nil, fmt.Errorf("%s: provider config is nil: %w", op, ErrNilParameter)
	case sc.AuthorizationEndpoint == "":
		return nil, fmt.Errorf("%s: authorization endpoint is empty: %w", op, ErrInvalidParameter)
	}
	if p == nil {
		p = &Payload{}
	}
	for k := range p.AdditionalParameters {
		if k == "" {
			return nil, fmt.Errorf("%s: additional parameter with an empty name: %w", op, ErrInvalidParameter)
		}
		if reservedParameters[k] {
			return nil, fmt.Errorf("%s: additional parameter %q is reserved: %w", op, k, ErrInvalidParameter)
		}
	}

	flowID, err := NewID(WithPrefix("flow"))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	state := p.State
	if state == "" {
		if state, err = NewStateToken(); err != nil {
			return nil, fmt.Errorf("%s: unable to generate state: %w", op, err)
		}
	}
	nonce := p.Nonce
	if nonce == "" {
		if nonce, err = NewStateToken(); err != nil {
			return nil, fmt.Errorf("%s: unable to generate nonce: %w", op, err)
		}
	}
	var verifier string
	if !p.DisablePKCE && sc.SupportsPKCE() {
		verifier = oauth2.GenerateVerifier()
	}
	var params map[string]string
	if len(p.AdditionalParameters) > 0 {
		params = make(map[string]string, len(p.AdditionalParameters))
		for k, v := range p.AdditionalParameters {
			params[k] = v
		}
	}
	return &AuthorizationRequest{
		FlowID:                flowID,
		ClientID:              pc.ClientID,
		RedirectURI:           pc.RedirectURI,
		ResponseType:          ResponseTypeCode,
		Scopes:                dedupeScopes(pc.Scopes, p.Scopes),
		State:                 state,
		Nonce:                 nonce,
		LoginHint:             p.LoginHint,
		AdditionalParameters:  params,
		AuthorizationEndpoint: sc.AuthorizationEndpoint,
		CodeVerifier:          verifier,
		CreatedAt:             time.Now().UTC(),
	}, nil
}

// Validate checks that a request, typically one restored from a PendingStore,
// still carries everything needed to classify its redirect.
func (r *AuthorizationRequest) Validate() error {
	const op = "AuthorizationRequest.Validate"
	switch {
	case r == nil:
		return fmt.Errorf("%s: request is nil: %w", op, ErrNilParameter)
	case r.FlowID == "":
		return fmt.Errorf("%s: flow id is empty: %w", op, ErrInvalidParameter)
	case r.ClientID == "":
		return fmt.Errorf("%s: client id is empty: %w", op, ErrInvalidParameter)
	case r.RedirectURI == "":
		return fmt.Errorf("%s: redirect URI is empty: %w", op, ErrInvalidParameter)
	case r.ResponseType != ResponseTypeCode:
		return fmt.Errorf("%s: unsupported response type %q: %w", op, r.ResponseType, ErrInvalidParameter)
	case r.State == "":
		return fmt.Errorf("%s: state is empty: %w", op, ErrInvalidParameter)
	case r.AuthorizationEndpoint == "":
		return fmt.Errorf("%s: authorization endpoint is empty: %w", op, ErrInvalidParameter)
	}
	return nil
}

// AuthURL returns the URI handed to the external agent.  Parameters are
// emitted in a fixed order (required, optional, then additional parameters
// sorted by name) and spaces are encoded as %20.
func (r *AuthorizationRequest) AuthURL() (string, error) {
	const op = "AuthorizationRequest.AuthURL"
	if err := r.Validate(); err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	q := &queryBuilder{}
	q.add("response_type", r.ResponseType)
	q.add("client_id", r.ClientID)
	q.add("redirect_uri", r.RedirectURI)
	q.add("scope", strings.Join(r.Scopes, " "))
	q.add("state", r.State)
	q.addOptional("nonce", r.Nonce)
	q.addOptional("login_hint", r.LoginHint)
	if r.CodeVerifier != "" {
		q.add("code_challenge", oauth2.S256ChallengeFromVerifier(r.CodeVerifier))
		q.add("code_challenge_method", "S256")
	}
	for _, k := range strutils.SortedKeys(r.AdditionalParameters) {
		q.add(k, r.AdditionalParameters[k])
	}
	return q.appendTo(r.AuthorizationEndpoint)
}

// EndSessionURL builds an RP-initiated logout URI which returns the user to
// the provider config's end-session redirect URI.  The state is optional.
//
// See: https://openid.net/specs/openid-connect-rpinitiated-1_0.html
func EndSessionURL(sc *ServiceConfig, pc *ProviderConfig, idTokenHint IDToken, state string) (string, error) {
	const op = "EndSessionURL"
	switch {
	case sc == nil:
		return "", fmt.Errorf("%s: service config is nil: %w", op, ErrNilParameter)
	case pc == nil:
		return "", fmt.Errorf("%s: provider config is nil: %w", op, ErrNilParameter)
	case sc.EndSessionEndpoint == "":
		return "", fmt.Errorf("%s: provider has no end_session_endpoint: %w", op, ErrInvalidParameter)
	case idTokenHint == "":
		return "", fmt.Errorf("%s: id_token hint is empty: %w", op, ErrInvalidParameter)
	}
	q := &queryBuilder{}
	q.add("id_token_hint", string(idTokenHint))
	q.add("post_logout_redirect_uri", pc.EndSessionRedirectURI)
	q.add("client_id", pc.ClientID)
	q.addOptional("state", state)
	return q.appendTo(sc.EndSessionEndpoint)
}

// queryBuilder keeps parameters in insertion order, unlike url.Values.
type queryBuilder struct {
	b strings.Builder
}

func (q *queryBuilder) add(k, v string) {
	if q.b.Len() > 0 {
		q.b.WriteByte('&')
	}
	q.b.WriteString(escapeQuery(k))
	q.b.WriteByte('=')
	q.b.WriteString(escapeQuery(v))
}

func (q *queryBuilder) addOptional(k, v string) {
	if v != "" {
		q.add(k, v)
	}
}

// appendTo appends the query to endpoint, keeping any query the endpoint
// already carries.
func (q *queryBuilder) appendTo(endpoint string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("invalid endpoint %q: %w: %w", endpoint, ErrInvalidParameter, err)
	}
	if u.RawQuery != "" {
		u.RawQuery += "&" + q.b.String()
	} else {
		u.RawQuery = q.b.String()
	}
	return u.String(), nil
}

func escapeQuery(s string) string {
	return strings.ReplaceAll(url.QueryEscape(s), "+", "%20")
}
