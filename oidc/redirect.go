// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package oidc

import (
	"crypto/subtle"
	"fmt"
	"net/url"
	"strings"
)

// OutcomeKind tags a RedirectOutcome.
type OutcomeKind int

const (
	OutcomeMalformed OutcomeKind = iota
	OutcomeAuthorizationCode
	OutcomeProviderError
	OutcomeStateMismatch
	OutcomeCancelled
)

// String returns a human readable kind.
func (k OutcomeKind) String() string {
	switch k {
	case OutcomeAuthorizationCode:
		return "authorization_code"
	case OutcomeProviderError:
		return "provider_error"
	case OutcomeStateMismatch:
		return "state_mismatch"
	case OutcomeCancelled:
		return "cancelled"
	default:
		return "malformed"
	}
}

// AuthorizationCode is a code which has passed state validation, along with
// what the token exchange needs from the request it answers.
type AuthorizationCode struct {
	FlowID       string
	Code         string
	State        string
	RedirectURI  string
	CodeVerifier string
	Nonce        string
}

// RedirectOutcome is the classification of a redirect.  Code is set only for
// OutcomeAuthorizationCode and ProviderError only for OutcomeProviderError.
// Err is nil only for OutcomeAuthorizationCode.
type RedirectOutcome struct {
	Kind          OutcomeKind
	Code          *AuthorizationCode
	ProviderError *AuthError
	Err           error
}

// CancelledOutcome is the outcome of an external agent dismissed without a
// redirect.
func CancelledOutcome() *RedirectOutcome {
	return &RedirectOutcome{Kind: OutcomeCancelled, Err: ErrCancelled}
}

// ClassifyRedirect interprets a redirect against the pending request.  The
// order of checks matters:
//
//  1. an error parameter is a provider error, regardless of state
//  2. a redirect not addressed to the pending request's redirect URI is malformed
//  3. a state which doesn't match the pending request's state is a mismatch
//  4. a redirect without a code is malformed
//
// A nil pending request never yields an authorization code.
func ClassifyRedirect(pending *AuthorizationRequest, redirectURI string) *RedirectOutcome {
	u, err := url.Parse(redirectURI)
	if err != nil {
		return malformed(fmt.Errorf("unable to parse redirect: %w", err))
	}
	q, err := url.ParseQuery(u.RawQuery)
	if err != nil {
		return malformed(fmt.Errorf("unable to parse redirect query: %w", err))
	}

	if q.Has("error") {
		authErr := &AuthError{
			Code:        q.Get("error"),
			Description: q.Get("error_description"),
			URI:         q.Get("error_uri"),
		}
		return &RedirectOutcome{
			Kind:          OutcomeProviderError,
			ProviderError: authErr,
			Err:           fmt.Errorf("%w: %w", ErrProviderError, authErr),
		}
	}

	if pending != nil && !sameRedirectBase(pending.RedirectURI, u) {
		return malformed(fmt.Errorf("redirect %s://%s%s doesn't match the pending redirect URI", u.Scheme, u.Host, u.Path))
	}
	if len(q["state"]) > 1 || len(q["code"]) > 1 {
		return malformed(fmt.Errorf("redirect has repeated state or code parameters"))
	}

	state := q.Get("state")
	switch {
	case pending == nil && state != "":
		return mismatch("no pending request")
	case pending == nil:
		return malformed(fmt.Errorf("no pending request and no state"))
	case pending.State == "" && state != "":
		return mismatch("pending request has no state")
	case subtle.ConstantTimeCompare([]byte(pending.State), []byte(state)) != 1:
		return mismatch("state doesn't match the pending request")
	}

	code := q.Get("code")
	if code == "" {
		return malformed(fmt.Errorf("redirect has neither a code nor an error"))
	}
	return &RedirectOutcome{
		Kind: OutcomeAuthorizationCode,
		Code: &AuthorizationCode{
			FlowID:       pending.FlowID,
			Code:         code,
			State:        state,
			RedirectURI:  pending.RedirectURI,
			CodeVerifier: pending.CodeVerifier,
			Nonce:        pending.Nonce,
		},
	}
}

func malformed(reason error) *RedirectOutcome {
	return &RedirectOutcome{Kind: OutcomeMalformed, Err: fmt.Errorf("%w: %w", ErrMalformedRedirect, reason)}
}

func mismatch(reason string) *RedirectOutcome {
	return &RedirectOutcome{Kind: OutcomeStateMismatch, Err: fmt.Errorf("%w: %s", ErrStateMismatch, reason)}
}

// sameRedirectBase compares everything but the query.
func sameRedirectBase(registered string, got *url.URL) bool {
	want, err := url.Parse(registered)
	if err != nil {
		return false
	}
	return strings.EqualFold(want.Scheme, got.Scheme) &&
		strings.EqualFold(want.Host, got.Host) &&
		want.Opaque == got.Opaque &&
		strings.TrimSuffix(want.Path, "/") == strings.TrimSuffix(got.Path, "/")
}
