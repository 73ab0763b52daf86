// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package oidc

import (
	"encoding/json"
	"time"

	"golang.org/x/oauth2"
)

// expirySkew guards against clock skew between this host and the provider.
const expirySkew = 10 * time.Second

// AccessToken is an oauth access_token
type AccessToken string

// RedactedAccessToken is the redacted string or json for an oauth access_token
const RedactedAccessToken = "[REDACTED: access_token]"

// String will redact the token
func (t AccessToken) String() string {
	return RedactedAccessToken
}

// MarshalJSON will redact the token
func (t AccessToken) MarshalJSON() ([]byte, error) {
	return json.Marshal(RedactedAccessToken)
}

// RefreshToken is an oauth refresh_token
type RefreshToken string

// RedactedRefreshToken is the redacted string or json for an oauth refresh_token
const RedactedRefreshToken = "[REDACTED: refresh_token]"

// String will redact the token
func (t RefreshToken) String() string {
	return RedactedRefreshToken
}

// MarshalJSON will redact the token
func (t RefreshToken) MarshalJSON() ([]byte, error) {
	return json.Marshal(RedactedRefreshToken)
}

// TokenResponse is the result of a successful code exchange.  It's only
// produced by the TokenClient.  Printing or marshalling it never reveals the
// tokens.
type TokenResponse struct {
	AccessToken  AccessToken  `json:"access_token"`
	RefreshToken RefreshToken `json:"refresh_token,omitempty"`
	IDToken      IDToken      `json:"id_token,omitempty"`
	TokenType    string       `json:"token_type"`
	Expiry       time.Time    `json:"expiry,omitempty"`
}

// Expired will return true if the token's access token is expired.  A zero
// expiry never expires.
func (t *TokenResponse) Expired() bool {
	if t.Expiry.IsZero() {
		return false
	}
	return t.Expiry.Round(0).Before(time.Now().Add(expirySkew))
}

// Valid will ensure that the access_token is not empty or expired.
func (t *TokenResponse) Valid() bool {
	if t == nil {
		return false
	}
	if t.AccessToken == "" {
		return false
	}
	return !t.Expired()
}

// StaticTokenSource returns an oauth2.TokenSource which always returns the
// access token, for use with an oauth2 http client.
func (t *TokenResponse) StaticTokenSource() oauth2.TokenSource {
	return oauth2.StaticTokenSource(&oauth2.Token{
		AccessToken:  string(t.AccessToken),
		RefreshToken: string(t.RefreshToken),
		TokenType:    t.TokenType,
		Expiry:       t.Expiry,
	})
}
