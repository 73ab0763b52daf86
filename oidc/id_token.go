// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package oidc

import (
	"encoding/json"
	"fmt"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
)

// IDToken is an oidc id_token
type IDToken string

// RedactedIDToken is the redacted string or json for an oidc id_token
const RedactedIDToken = "[REDACTED: id_token]"

// String will redact the token
func (t IDToken) String() string {
	return RedactedIDToken
}

// MarshalJSON will redact the token
func (t IDToken) MarshalJSON() ([]byte, error) {
	return json.Marshal(RedactedIDToken)
}

// Claims retrieves the IDToken claims without verifying the signature.  Only
// call it for a token returned by TokenClient.Exchange, which verifies it.
func (t IDToken) Claims(claims interface{}) error {
	const op = "IDToken.Claims"
	if len(t) == 0 {
		return fmt.Errorf("%s: id_token is empty: %w", op, ErrInvalidParameter)
	}
	if claims == nil {
		return fmt.Errorf("%s: claims interface is nil: %w", op, ErrNilParameter)
	}
	algs := make([]jose.SignatureAlgorithm, 0, len(supportedAlgorithms))
	for a := range supportedAlgorithms {
		algs = append(algs, jose.SignatureAlgorithm(a))
	}
	parsed, err := jwt.ParseSigned(string(t), algs)
	if err != nil {
		return fmt.Errorf("%s: unable to parse id_token: %w: %w", op, ErrMalformedResponse, err)
	}
	if err := parsed.UnsafeClaimsWithoutVerification(claims); err != nil {
		return fmt.Errorf("%s: unable to decode claims: %w: %w", op, ErrMalformedResponse, err)
	}
	return nil
}
