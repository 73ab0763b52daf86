// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package oidc

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidParameter = errors.New("invalid parameter")
	ErrNilParameter     = errors.New("nil parameter")
	ErrInvalidCACert    = errors.New("invalid CA certificate")
	ErrIDGenerator      = errors.New("id generation failed")

	// discovery and token exchange
	ErrNetwork              = errors.New("network error")
	ErrMalformedDocument    = errors.New("malformed discovery document")
	ErrMissingRequiredField = errors.New("missing required field")
	ErrMalformedResponse    = errors.New("malformed token response")
	ErrProviderRejected     = errors.New("provider rejected token request")

	// redirect classification
	ErrProviderError     = errors.New("provider returned an authorization error")
	ErrStateMismatch     = errors.New("state mismatch")
	ErrMalformedRedirect = errors.New("malformed redirect")

	// flow
	ErrCancelled     = errors.New("flow cancelled")
	ErrConfiguration = errors.New("configuration error")
	ErrLaunchFailed  = errors.New("unable to launch external agent")
	ErrSuperseded    = errors.New("flow superseded by a newer flow")
	ErrStaleRedirect = errors.New("redirect belongs to a superseded flow")
	ErrNoPendingFlow = errors.New("no flow is awaiting a redirect")
	ErrDisposed      = errors.New("orchestrator is disposed")

	// id_token
	ErrIDTokenVerificationFailed = errors.New("id_token verification failed")
	ErrInvalidNonce              = errors.New("invalid nonce")
)

// AuthError represents an OAuth2 error response, either delivered on the
// redirect URI or returned by the token endpoint.
//
// See: https://openid.net/specs/openid-connect-core-1_0.html#AuthError
type AuthError struct {
	Code        string `json:"error"`
	Description string `json:"error_description,omitempty"`
	URI         string `json:"error_uri,omitempty"`
}

// Error implements the error interface.
func (e *AuthError) Error() string {
	if e == nil {
		return ""
	}
	if e.Description == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// IsCancelled reports whether err means the user dismissed the external agent
// without completing the flow.
func IsCancelled(err error) bool {
	return errors.Is(err, ErrCancelled)
}

// IsSecurityError reports whether err is security relevant: it must never be
// treated as a cancellation and retrying with the same configuration won't
// help.
func IsSecurityError(err error) bool {
	for _, e := range []error{ErrStateMismatch, ErrConfiguration, ErrStaleRedirect, ErrIDTokenVerificationFailed, ErrInvalidNonce} {
		if errors.Is(err, e) {
			return true
		}
	}
	return false
}

// IsRetryable reports whether err is transient and starting a new flow may
// succeed.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrNetwork) || errors.Is(err, ErrLaunchFailed)
}
