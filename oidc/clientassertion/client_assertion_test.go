// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package clientassertion

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
	"github.com/hashicorp/cap-appauth/oidc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "a-client-secret-of-at-least-64-bytes-is-needed-for-hs512-signing"

func testRSAKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	k, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	return k
}

func testECKey(t *testing.T, c elliptic.Curve) *ecdsa.PrivateKey {
	t.Helper()
	k, err := ecdsa.GenerateKey(c, rand.Reader)
	require.NoError(t, err)
	return k
}

func TestNewJWTWithHMAC(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name      string
		clientID  string
		aud       []string
		alg       HSAlgorithm
		secret    string
		opts      []Option
		wantErrIs []error
	}{
		{name: "valid", clientID: "client", aud: []string{"aud"}, alg: HS256, secret: testSecret},
		{name: "hs512", clientID: "client", aud: []string{"aud"}, alg: HS512, secret: testSecret},
		{name: "short-secret", clientID: "client", aud: []string{"aud"}, alg: HS512, secret: "short", wantErrIs: []error{ErrInvalidSecretLength}},
		{name: "empty-secret", clientID: "client", aud: []string{"aud"}, alg: HS256, wantErrIs: []error{ErrInvalidSecretLength}},
		{name: "bad-alg", clientID: "client", aud: []string{"aud"}, alg: "HS1", secret: testSecret, wantErrIs: []error{ErrUnsupportedAlgorithm}},
		{
			name:      "missing-everything",
			alg:       HS256,
			secret:    testSecret,
			wantErrIs: []error{ErrMissingClientID, ErrMissingAudience},
		},
		{
			name:      "bad-options",
			clientID:  "client",
			aud:       []string{"aud"},
			alg:       HS256,
			secret:    testSecret,
			opts:      []Option{WithKeyID(""), WithHeaders(map[string]string{"alg": "none"}), WithLifetime(0)},
			wantErrIs: []error{ErrMissingKeyID, ErrReservedHeader, ErrInvalidLifetime},
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert, require := assert.New(t), require.New(t)
			j, err := NewJWTWithHMAC(tt.clientID, tt.aud, tt.alg, tt.secret, tt.opts...)
			if len(tt.wantErrIs) > 0 {
				require.Error(err)
				for _, want := range tt.wantErrIs {
					assert.ErrorIs(err, want)
				}
				assert.Nil(j)
				return
			}
			require.NoError(err)
			token, err := j.Serialize()
			require.NoError(err)

			parsed, err := jwt.ParseSigned(token, []jose.SignatureAlgorithm{jose.SignatureAlgorithm(tt.alg)})
			require.NoError(err)
			var claims jwt.Claims
			require.NoError(parsed.Claims([]byte(tt.secret), &claims))
			assert.Equal(tt.clientID, claims.Issuer)
			assert.Equal(tt.clientID, claims.Subject)
			assert.Equal(jwt.Audience(tt.aud), claims.Audience)
		})
	}
}

func TestNewJWTWithRSAKey(t *testing.T) {
	t.Parallel()
	key := testRSAKey(t)
	tests := []struct {
		name      string
		alg       RSAlgorithm
		key       *rsa.PrivateKey
		wantErrIs error
	}{
		{name: "rs256", alg: RS256, key: key},
		{name: "rs512", alg: RS512, key: key},
		{name: "nil-key", alg: RS256, wantErrIs: ErrNilPrivateKey},
		{name: "bad-alg", alg: "PS256", key: key, wantErrIs: ErrUnsupportedAlgorithm},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert, require := assert.New(t), require.New(t)
			j, err := NewJWTWithRSAKey("client", []string{"aud"}, tt.alg, tt.key, WithKeyID("rsa-key"))
			if tt.wantErrIs != nil {
				require.Error(err)
				assert.ErrorIs(err, tt.wantErrIs)
				return
			}
			require.NoError(err)
			token, err := j.Serialize()
			require.NoError(err)
			parsed, err := jwt.ParseSigned(token, []jose.SignatureAlgorithm{jose.SignatureAlgorithm(tt.alg)})
			require.NoError(err)
			require.Len(parsed.Headers, 1)
			assert.Equal("rsa-key", parsed.Headers[0].KeyID)
			var claims jwt.Claims
			require.NoError(parsed.Claims(&tt.key.PublicKey, &claims))
			assert.Equal("client", claims.Issuer)
		})
	}
}

func TestNewJWTWithECDSAKey(t *testing.T) {
	t.Parallel()
	p256, p384 := testECKey(t, elliptic.P256()), testECKey(t, elliptic.P384())
	tests := []struct {
		name      string
		alg       ESAlgorithm
		key       *ecdsa.PrivateKey
		wantErrIs error
	}{
		{name: "es256", alg: ES256, key: p256},
		{name: "es384", alg: ES384, key: p384},
		{name: "curve-mismatch", alg: ES384, key: p256, wantErrIs: ErrCurveMismatch},
		{name: "nil-key", alg: ES256, wantErrIs: ErrNilPrivateKey},
		{name: "bad-alg", alg: "ES1", key: p256, wantErrIs: ErrUnsupportedAlgorithm},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert, require := assert.New(t), require.New(t)
			j, err := NewJWTWithECDSAKey("client", []string{"aud"}, tt.alg, tt.key)
			if tt.wantErrIs != nil {
				require.Error(err)
				assert.ErrorIs(err, tt.wantErrIs)
				return
			}
			require.NoError(err)
			token, err := j.Serialize()
			require.NoError(err)
			parsed, err := jwt.ParseSigned(token, []jose.SignatureAlgorithm{jose.SignatureAlgorithm(tt.alg)})
			require.NoError(err)
			var claims jwt.Claims
			require.NoError(parsed.Claims(&tt.key.PublicKey, &claims))
			assert.Equal("client", claims.Subject)
		})
	}
}

func TestJWT_Serialize(t *testing.T) {
	t.Parallel()

	t.Run("claims", func(t *testing.T) {
		t.Parallel()
		assert, require := assert.New(t), require.New(t)
		now := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
		j, err := NewJWTWithHMAC("client", []string{"https://issuer/token"}, HS256, testSecret,
			WithLifetime(time.Minute),
			WithHeaders(map[string]string{"xtra": "value"}),
		)
		require.NoError(err)
		j.now = func() time.Time { return now }
		j.genID = func() (string, error) { return "jti", nil }

		token, err := j.Serialize()
		require.NoError(err)
		parsed, err := jwt.ParseSigned(token, []jose.SignatureAlgorithm{jose.HS256})
		require.NoError(err)
		assert.Equal("value", parsed.Headers[0].ExtraHeaders["xtra"])
		assert.Equal("JWT", parsed.Headers[0].ExtraHeaders["typ"])
		var claims jwt.Claims
		require.NoError(parsed.Claims([]byte(testSecret), &claims))
		assert.Equal("jti", claims.ID)
		assert.Equal(now.Add(time.Minute), claims.Expiry.Time().UTC())
		assert.Equal(now, claims.IssuedAt.Time().UTC())
		assert.Equal(now.Add(-time.Second), claims.NotBefore.Time().UTC())
	})

	t.Run("fresh-jti", func(t *testing.T) {
		t.Parallel()
		assert, require := assert.New(t), require.New(t)
		j, err := NewJWTWithHMAC("client", []string{"aud"}, HS256, testSecret)
		require.NoError(err)
		ids := map[string]bool{}
		for i := 0; i < 3; i++ {
			token, err := j.Serialize()
			require.NoError(err)
			parsed, err := jwt.ParseSigned(token, []jose.SignatureAlgorithm{jose.HS256})
			require.NoError(err)
			var claims jwt.Claims
			require.NoError(parsed.UnsafeClaimsWithoutVerification(&claims))
			ids[claims.ID] = true
		}
		assert.Len(ids, 3)
	})

	t.Run("id-generator-fails", func(t *testing.T) {
		t.Parallel()
		assert, require := assert.New(t), require.New(t)
		j, err := NewJWTWithHMAC("client", []string{"aud"}, HS256, testSecret)
		require.NoError(err)
		j.genID = func() (string, error) { return "", errors.New("no entropy") }
		_, err = j.Serialize()
		require.Error(err)
		assert.Contains(err.Error(), "no entropy")
	})

	t.Run("zero-value", func(t *testing.T) {
		t.Parallel()
		assert, require := assert.New(t), require.New(t)
		_, err := (&JWT{}).Serialize()
		require.Error(err)
		assert.ErrorIs(err, ErrMissingFuncIDGenerator)
		assert.ErrorIs(err, ErrMissingFuncNow)
	})
}

func TestJWT_tokenEndpoint(t *testing.T) {
	t.Parallel()
	assert, require := assert.New(t), require.New(t)
	ctx := context.Background()

	tp := oidc.StartTestProvider(t)
	tp.SetClientCreds("test-client-id", "", oidc.AuthMethodPrivateKeyJWT)
	pc := tp.ProviderConfig("app:/callback")

	r, err := oidc.NewResolver(tp.HTTPClient())
	require.NoError(err)
	sc, err := r.Resolve(ctx, tp.Addr())
	require.NoError(err)

	key := testECKey(t, elliptic.P256())
	j, err := NewJWTWithECDSAKey("test-client-id", []string{sc.TokenEndpoint}, ES256, key, WithKeyID("client-key"))
	require.NoError(err)

	tc, err := oidc.NewTokenClient(pc, tp.HTTPClient())
	require.NoError(err)
	resp, err := tc.Exchange(ctx, sc, &oidc.AuthorizationCode{
		Code:        "test-auth-code",
		State:       "state",
		RedirectURI: "app:/callback",
	}, oidc.ClientAssertionJWT(j))
	require.NoError(err)
	assert.Equal("test-access-token", string(resp.AccessToken))

	parsed, err := jwt.ParseSigned(tp.LastClientAssertion(), []jose.SignatureAlgorithm{jose.ES256})
	require.NoError(err)
	assert.Equal("client-key", parsed.Headers[0].KeyID)
	var claims jwt.Claims
	require.NoError(parsed.Claims(&key.PublicKey, &claims))
	assert.Equal(jwt.Audience{sc.TokenEndpoint}, claims.Audience)
}
