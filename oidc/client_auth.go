// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package oidc

import (
	"fmt"

	"golang.org/x/oauth2"
)

// ClientAuthMethod is a token endpoint client authentication method.
//
// See: https://openid.net/specs/openid-connect-core-1_0.html#ClientAuthentication
type ClientAuthMethod string

const (
	AuthMethodNone              ClientAuthMethod = "none"
	AuthMethodClientSecretBasic ClientAuthMethod = "client_secret_basic"
	AuthMethodClientSecretPost  ClientAuthMethod = "client_secret_post"
	AuthMethodPrivateKeyJWT     ClientAuthMethod = "private_key_jwt"
)

// clientAssertionType is the client_assertion_type for JWT assertions.
const clientAssertionType = "urn:ietf:params:oauth:client-assertion-type:jwt-bearer"

// AssertionSerializer produces a signed client assertion.  A
// *clientassertion.JWT satisfies it and is re-serialized for every request so
// each assertion carries a fresh jti.
type AssertionSerializer interface {
	Serialize() (string, error)
}

// ClientAuthentication is how the client authenticates to the token endpoint.
// The zero value is NoClientAuthentication.
type ClientAuthentication struct {
	method    ClientAuthMethod
	secret    ClientSecret
	assertion AssertionSerializer
}

// NoClientAuthentication is for public clients, which only send their
// client_id.
func NoClientAuthentication() ClientAuthentication {
	return ClientAuthentication{method: AuthMethodNone}
}

// ClientSecretBasic sends the secret with HTTP basic authentication.
func ClientSecretBasic(secret ClientSecret) ClientAuthentication {
	return ClientAuthentication{method: AuthMethodClientSecretBasic, secret: secret}
}

// ClientSecretPost sends the secret in the form body.
func ClientSecretPost(secret ClientSecret) ClientAuthentication {
	return ClientAuthentication{method: AuthMethodClientSecretPost, secret: secret}
}

// ClientAssertionJWT sends a signed JWT in the client_assertion parameter.
func ClientAssertionJWT(a AssertionSerializer) ClientAuthentication {
	return ClientAuthentication{method: AuthMethodPrivateKeyJWT, assertion: a}
}

// Method returns the authentication method.
func (c ClientAuthentication) Method() ClientAuthMethod {
	if c.method == "" {
		return AuthMethodNone
	}
	return c.method
}

// String will redact any secret.
func (c ClientAuthentication) String() string {
	return string(c.Method())
}

func (c ClientAuthentication) validate() error {
	const op = "ClientAuthentication.validate"
	switch c.Method() {
	case AuthMethodNone:
	case AuthMethodClientSecretBasic, AuthMethodClientSecretPost:
		if c.secret == "" {
			return fmt.Errorf("%s: %s requires a client secret: %w", op, c.method, ErrInvalidParameter)
		}
	case AuthMethodPrivateKeyJWT:
		if c.assertion == nil {
			return fmt.Errorf("%s: %s requires an assertion: %w", op, c.method, ErrNilParameter)
		}
	default:
		return fmt.Errorf("%s: unsupported method %q: %w", op, c.method, ErrInvalidParameter)
	}
	return nil
}

// authStyle maps the method onto the oauth2 package's AuthStyle.  Only basic
// authentication uses the header.
func (c ClientAuthentication) authStyle() oauth2.AuthStyle {
	if c.Method() == AuthMethodClientSecretBasic {
		return oauth2.AuthStyleInHeader
	}
	return oauth2.AuthStyleInParams
}

// clientSecret is empty for methods which don't send one, which makes oauth2
// omit client_secret from the form.
func (c ClientAuthentication) clientSecret() string {
	switch c.Method() {
	case AuthMethodClientSecretBasic, AuthMethodClientSecretPost:
		return string(c.secret)
	default:
		return ""
	}
}

// exchangeOptions returns the extra token request parameters for the method.
func (c ClientAuthentication) exchangeOptions() ([]oauth2.AuthCodeOption, error) {
	const op = "ClientAuthentication.exchangeOptions"
	if c.Method() != AuthMethodPrivateKeyJWT {
		return nil, nil
	}
	assertion, err := c.assertion.Serialize()
	if err != nil {
		return nil, fmt.Errorf("%s: unable to serialize client assertion: %w", op, err)
	}
	return []oauth2.AuthCodeOption{
		oauth2.SetAuthURLParam("client_assertion_type", clientAssertionType),
		oauth2.SetAuthURLParam("client_assertion", assertion),
	}, nil
}
