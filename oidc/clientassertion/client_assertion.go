// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

// Package clientassertion signs JWTs with a private key or client secret for
// use as a token endpoint client_assertion, A.K.A. private_key_jwt and
// client_secret_jwt.  A *JWT is an oidc.AssertionSerializer: pass it to
// oidc.ClientAssertionJWT.
//
// reference: https://www.rfc-editor.org/rfc/rfc7523.html#section-2.2
package clientassertion

import (
	"crypto/ecdsa"
	"crypto/rsa"
	"errors"
	"fmt"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
	"github.com/hashicorp/cap-appauth/oidc"
	"github.com/hashicorp/go-uuid"
)

const (
	// JWTTypeParam is the proper value for client_assertion_type.
	// https://www.rfc-editor.org/rfc/rfc7523.html#section-2.2
	JWTTypeParam = "urn:ietf:params:oauth:client-assertion-type:jwt-bearer"

	// DefaultLifetime is how long a serialized assertion is valid.
	DefaultLifetime = 5 * time.Minute
)

// NewJWTWithHMAC creates a JWT signed with a client secret
// (client_secret_jwt).
//
// Supported Options: WithKeyID, WithHeaders, WithLifetime
func NewJWTWithHMAC(clientID string, audience []string, alg HSAlgorithm, secret string, opts ...Option) (*JWT, error) {
	const op = "NewJWTWithHMAC"
	if err := alg.Validate(secret); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	j, err := newJWT(clientID, audience, jose.SignatureAlgorithm(alg), []byte(secret), opts...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return j, nil
}

// NewJWTWithRSAKey creates a JWT signed with an RSA private key
// (private_key_jwt).
//
// Supported Options: WithKeyID, WithHeaders, WithLifetime
func NewJWTWithRSAKey(clientID string, audience []string, alg RSAlgorithm, key *rsa.PrivateKey, opts ...Option) (*JWT, error) {
	const op = "NewJWTWithRSAKey"
	if err := alg.Validate(key); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	j, err := newJWT(clientID, audience, jose.SignatureAlgorithm(alg), key, opts...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return j, nil
}

// NewJWTWithECDSAKey creates a JWT signed with an ECDSA private key
// (private_key_jwt).
//
// Supported Options: WithKeyID, WithHeaders, WithLifetime
func NewJWTWithECDSAKey(clientID string, audience []string, alg ESAlgorithm, key *ecdsa.PrivateKey, opts ...Option) (*JWT, error) {
	const op = "NewJWTWithECDSAKey"
	if err := alg.Validate(key); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	j, err := newJWT(clientID, audience, jose.SignatureAlgorithm(alg), key, opts...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return j, nil
}

func newJWT(clientID string, audience []string, alg jose.SignatureAlgorithm, key any, opts ...Option) (*JWT, error) {
	j := &JWT{
		clientID: clientID,
		audience: audience,
		alg:      alg,
		key:      key,
		headers:  make(map[string]string),
		lifetime: DefaultLifetime,
		genID:    uuid.GenerateUUID,
		now:      time.Now,
	}

	var errs []error
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(j); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	if err := j.validate(); err != nil {
		return nil, err
	}

	// make sure Serialize() works; we can't pre-validate everything, and
	// this whole thing is useless if it can't Serialize()
	if _, err := j.Serialize(); err != nil {
		return nil, err
	}
	return j, nil
}

// JWT is used to create a client assertion JWT, a special JWT used by an OAuth
// 2.0 or OIDC client to authenticate itself to an authorization server.  Each
// call to Serialize produces a new assertion with a fresh "jti".
type JWT struct {
	// for JWT claims
	clientID string
	audience []string
	headers  map[string]string
	lifetime time.Duration

	// for signer
	alg jose.SignatureAlgorithm
	// key may be any key type that jose.SigningKey accepts for its Key
	key any

	// these are overwritten for testing
	genID func() (string, error)
	now   func() time.Time
}

var _ oidc.AssertionSerializer = (*JWT)(nil)

// Serialize returns a signed client assertion JWT.
func (j *JWT) Serialize() (string, error) {
	const op = "JWT.Serialize"
	if err := j.validate(); err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	signer, err := j.signer()
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	id, err := j.genID()
	if err != nil {
		return "", fmt.Errorf("%s: failed to generate token id: %w", op, err)
	}
	token, err := jwt.Signed(signer).Claims(j.claims(id)).Serialize()
	if err != nil {
		return "", fmt.Errorf("%s: failed to serialize token: %w", op, err)
	}
	return token, nil
}

func (j *JWT) validate() error {
	const op = "JWT.validate"
	var errs []error
	if j.genID == nil {
		errs = append(errs, ErrMissingFuncIDGenerator)
	}
	if j.now == nil {
		errs = append(errs, ErrMissingFuncNow)
	}
	// bail early if any internal func errors
	if len(errs) > 0 {
		return fmt.Errorf("%s: %w", op, errors.Join(errs...))
	}

	if j.clientID == "" {
		errs = append(errs, ErrMissingClientID)
	}
	if len(j.audience) == 0 {
		errs = append(errs, ErrMissingAudience)
	}
	if j.alg == "" {
		errs = append(errs, ErrMissingAlgorithm)
	}
	if j.key == nil {
		errs = append(errs, ErrMissingKeyOrSecret)
	}
	if j.lifetime <= 0 {
		errs = append(errs, ErrInvalidLifetime)
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s: %w", op, errors.Join(errs...))
	}
	return nil
}

func (j *JWT) signer() (jose.Signer, error) {
	const op = "signer"
	sOpts := &jose.SignerOptions{
		ExtraHeaders: make(map[jose.HeaderKey]interface{}, len(j.headers)),
	}
	for k, v := range j.headers {
		sOpts.ExtraHeaders[jose.HeaderKey(k)] = v
	}
	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: j.alg, Key: j.key}, sOpts.WithType("JWT"))
	if err != nil {
		return nil, fmt.Errorf("%s: %w: %w", op, ErrCreatingSigner, err)
	}
	return signer, nil
}

func (j *JWT) claims(id string) *jwt.Claims {
	now := j.now().UTC()
	return &jwt.Claims{
		Issuer:    j.clientID,
		Subject:   j.clientID,
		Audience:  j.audience,
		Expiry:    jwt.NewNumericDate(now.Add(j.lifetime)),
		NotBefore: jwt.NewNumericDate(now.Add(-1 * time.Second)),
		IssuedAt:  jwt.NewNumericDate(now),
		ID:        id,
	}
}
