// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package oidc

import (
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
	"github.com/hashicorp/cap-appauth/oidc/internal/strutils"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

// testProviderKeyID identifies the TestProvider's signing key in its JWKS.
const testProviderKeyID = "test-provider-key"

// TestProvider is a local OpenID provider for tests.  It serves discovery,
// an authorization endpoint which redirects immediately (no login page), a
// token endpoint and a JWKS.  Every response can be bent into an error case.
type TestProvider struct {
	httpServer *httptest.Server
	caCert     string

	jwks         *jose.JSONWebKeySet
	replySubject string

	ecdsaPublicKey  string
	ecdsaPrivateKey string

	t *testing.T

	mu                  sync.Mutex
	clientID            string
	clientSecret        string
	clientAuthMethod    ClientAuthMethod
	expectedAuthCode    string
	allowedRedirectURIs []string
	authError           *AuthError
	tokenErrorStatus    int
	tokenError          *AuthError
	tokenRawStatus      int
	tokenRawBody        string
	discoveryStatus     int
	discoveryRawBody    string
	omitIDToken         bool
	customAudience      string
	customNonce         string
	lastNonce           string
	lastChallenge       string
	lastAssertion       string
	discoveryRequests   int
	tokenRequests       int
}

// StartTestProvider creates a disposable TestProvider listening on a random
// loopback port.  It's stopped when the test completes.
func StartTestProvider(t *testing.T) *TestProvider {
	t.Helper()
	require := require.New(t)

	p := &TestProvider{
		t:                   t,
		replySubject:        "alice@example.com",
		clientID:            "test-client-id",
		clientAuthMethod:    AuthMethodNone,
		expectedAuthCode:    "test-auth-code",
		allowedRedirectURIs: []string{"app:/callback"},
	}
	p.ecdsaPublicKey, p.ecdsaPrivateKey = TestGenerateKeys(t)
	p.jwks = testJWKS(t, p.ecdsaPublicKey)

	p.httpServer = httptest.NewUnstartedServer(p)
	p.httpServer.Config.ErrorLog = log.New(io.Discard, "", 0)
	p.httpServer.StartTLS()
	t.Cleanup(p.httpServer.Close)

	p.caCert = string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: p.httpServer.Certificate().Raw}))
	require.NotEmpty(p.caCert)
	return p
}

// Stop stops the running TestProvider.
func (p *TestProvider) Stop() {
	p.httpServer.Close()
}

// Addr returns the current base URL for the test provider's running webserver.
// It's also the issuer and discovery URI.
func (p *TestProvider) Addr() string { return p.httpServer.URL }

// CACert returns the pem-encoded CA certificate used by the test provider's
// HTTPS server.
func (p *TestProvider) CACert() string { return p.caCert }

// HTTPClient returns a client which trusts the test provider.
func (p *TestProvider) HTTPClient() *http.Client { return p.httpServer.Client() }

// SigningKeys returns the test provider's pem-encoded keys used to sign JWTs.
func (p *TestProvider) SigningKeys() (pub, priv string) {
	return p.ecdsaPublicKey, p.ecdsaPrivateKey
}

// ProviderConfig returns a ProviderConfig for the test provider's client,
// with the given redirect URI (which is also allowed by the provider).
func (p *TestProvider) ProviderConfig(redirectURI string, opt ...Option) *ProviderConfig {
	p.t.Helper()
	p.mu.Lock()
	clientID := p.clientID
	if !strutils.StrListContains(p.allowedRedirectURIs, redirectURI) {
		p.allowedRedirectURIs = append(p.allowedRedirectURIs, redirectURI)
	}
	p.mu.Unlock()

	opts := append([]Option{WithProviderCA(p.CACert()), WithSupportedSigningAlgs(ES256)}, opt...)
	pc, err := NewProviderConfig(p.Addr(), clientID, redirectURI, redirectURI+"/logout", []string{ScopeOpenID, "profile"}, opts...)
	require.NoError(p.t, err)
	return pc
}

// SetClientCreds configures the client id and secret the token endpoint
// expects, along with how the secret is sent.
func (p *TestProvider) SetClientCreds(clientID, clientSecret string, method ClientAuthMethod) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.clientID = clientID
	p.clientSecret = clientSecret
	p.clientAuthMethod = method
}

// SetExpectedAuthCode configures the code returned from /auth and accepted by
// /token.
func (p *TestProvider) SetExpectedAuthCode(code string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.expectedAuthCode = code
}

// SetAllowedRedirectURIs configures the redirect URIs /token accepts.
func (p *TestProvider) SetAllowedRedirectURIs(uris []string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.allowedRedirectURIs = uris
}

// SetAuthError makes /auth redirect with an error.  A nil error restores
// normal behavior.
func (p *TestProvider) SetAuthError(e *AuthError) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.authError = e
}

// SetTokenError makes /token respond with an OAuth error.  A nil error
// restores normal behavior.
func (p *TestProvider) SetTokenError(status int, e *AuthError) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tokenErrorStatus = status
	p.tokenError = e
}

// SetTokenResponse makes /token respond with a raw body.  A zero status
// restores normal behavior.
func (p *TestProvider) SetTokenResponse(status int, body string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tokenRawStatus = status
	p.tokenRawBody = body
}

// SetDiscoveryResponse makes discovery respond with a raw body.  A zero
// status restores normal behavior.
func (p *TestProvider) SetDiscoveryResponse(status int, body string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.discoveryStatus = status
	p.discoveryRawBody = body
}

// OmitIDTokens makes /token respond without an id_token.
func (p *TestProvider) OmitIDTokens() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.omitIDToken = true
}

// SetCustomAudience configures the id_token's audience.
func (p *TestProvider) SetCustomAudience(aud string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.customAudience = aud
}

// SetCustomNonce configures the id_token's nonce instead of the one sent to
// /auth.
func (p *TestProvider) SetCustomNonce(nonce string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.customNonce = nonce
}

// DiscoveryRequests returns the number of discovery requests served.
func (p *TestProvider) DiscoveryRequests() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.discoveryRequests
}

// TokenRequests returns the number of token requests served.
func (p *TestProvider) TokenRequests() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.tokenRequests
}

// LastClientAssertion returns the client_assertion of the last token request.
func (p *TestProvider) LastClientAssertion() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastAssertion
}

func (p *TestProvider) writeJSON(w http.ResponseWriter, status int, out interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(out)
}

func (p *TestProvider) writeAuthErrorResponse(w http.ResponseWriter, req *http.Request, e *AuthError) {
	qv := req.URL.Query()
	v := url.Values{}
	v.Set("state", qv.Get("state"))
	v.Set("error", e.Code)
	if e.Description != "" {
		v.Set("error_description", e.Description)
	}
	http.Redirect(w, req, qv.Get("redirect_uri")+"?"+v.Encode(), http.StatusFound)
}

func (p *TestProvider) writeTokenErrorResponse(w http.ResponseWriter, status int, code, desc string) {
	p.writeJSON(w, status, &AuthError{Code: code, Description: desc})
}

// ServeHTTP implements the test provider's http.Handler.
func (p *TestProvider) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch req.URL.Path {
	case WellKnownPath:
		if req.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		p.discoveryRequests++
		if p.discoveryStatus != 0 {
			w.WriteHeader(p.discoveryStatus)
			_, _ = w.Write([]byte(p.discoveryRawBody))
			return
		}
		p.writeJSON(w, http.StatusOK, &ServiceConfig{
			Issuer:                            p.Addr(),
			AuthorizationEndpoint:             p.Addr() + "/auth",
			TokenEndpoint:                     p.Addr() + "/token",
			EndSessionEndpoint:                p.Addr() + "/logout",
			JWKSURI:                           p.Addr() + "/certs",
			TokenEndpointAuthMethodsSupported: []string{string(AuthMethodNone), string(AuthMethodClientSecretBasic), string(AuthMethodClientSecretPost), string(AuthMethodPrivateKeyJWT)},
			CodeChallengeMethodsSupported:     []string{"S256"},
			IDTokenSigningAlgValuesSupported:  []string{string(ES256)},
		})

	case "/auth":
		if req.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		qv := req.URL.Query()
		switch {
		case qv.Get("redirect_uri") == "":
			p.writeJSON(w, http.StatusBadRequest, &AuthError{Code: "invalid_request", Description: "missing redirect_uri"})
			return
		case p.authError != nil:
			p.writeAuthErrorResponse(w, req, p.authError)
			return
		case qv.Get("response_type") != ResponseTypeCode:
			p.writeAuthErrorResponse(w, req, &AuthError{Code: "unsupported_response_type"})
			return
		case qv.Get("client_id") != p.clientID:
			p.writeAuthErrorResponse(w, req, &AuthError{Code: "unauthorized_client"})
			return
		case qv.Get("state") == "":
			p.writeAuthErrorResponse(w, req, &AuthError{Code: "invalid_request", Description: "missing state parameter"})
			return
		case qv.Get("code_challenge") != "" && qv.Get("code_challenge_method") != "S256":
			p.writeAuthErrorResponse(w, req, &AuthError{Code: "invalid_request", Description: "unsupported code_challenge_method"})
			return
		}
		p.lastNonce = qv.Get("nonce")
		p.lastChallenge = qv.Get("code_challenge")

		v := url.Values{}
		v.Set("state", qv.Get("state"))
		v.Set("code", p.expectedAuthCode)
		http.Redirect(w, req, qv.Get("redirect_uri")+"?"+v.Encode(), http.StatusFound)

	case "/certs":
		if req.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		p.writeJSON(w, http.StatusOK, p.jwks)

	case "/token":
		if req.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		p.tokenRequests++
		if p.tokenRawStatus != 0 {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(p.tokenRawStatus)
			_, _ = w.Write([]byte(p.tokenRawBody))
			return
		}
		if p.tokenError != nil {
			p.writeTokenErrorResponse(w, p.tokenErrorStatus, p.tokenError.Code, p.tokenError.Description)
			return
		}
		if err := req.ParseForm(); err != nil {
			p.writeTokenErrorResponse(w, http.StatusBadRequest, "invalid_request", "unable to parse form")
			return
		}
		if code, desc := p.checkClientAuth(req); code != "" {
			p.writeTokenErrorResponse(w, http.StatusUnauthorized, code, desc)
			return
		}
		switch {
		case req.PostForm.Get("grant_type") != "authorization_code":
			p.writeTokenErrorResponse(w, http.StatusBadRequest, "unsupported_grant_type", "bad grant_type")
			return
		case !strutils.StrListContains(p.allowedRedirectURIs, req.PostForm.Get("redirect_uri")):
			p.writeTokenErrorResponse(w, http.StatusBadRequest, "invalid_request", "redirect_uri is not allowed")
			return
		case req.PostForm.Get("code") != p.expectedAuthCode:
			p.writeTokenErrorResponse(w, http.StatusBadRequest, "invalid_grant", "unexpected auth code")
			return
		case p.lastChallenge != "" && oauth2.S256ChallengeFromVerifier(req.PostForm.Get("code_verifier")) != p.lastChallenge:
			p.writeTokenErrorResponse(w, http.StatusBadRequest, "invalid_grant", "code_verifier doesn't match code_challenge")
			return
		}

		reply := struct {
			AccessToken  string `json:"access_token"`
			TokenType    string `json:"token_type"`
			RefreshToken string `json:"refresh_token"`
			ExpiresIn    int    `json:"expires_in"`
			IDToken      string `json:"id_token,omitempty"`
		}{
			AccessToken:  "test-access-token",
			TokenType:    "Bearer",
			RefreshToken: "test-refresh-token",
			ExpiresIn:    3600,
		}
		if !p.omitIDToken {
			reply.IDToken = p.idToken()
		}
		p.writeJSON(w, http.StatusOK, &reply)

	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

// checkClientAuth returns an OAuth error code when the request doesn't
// authenticate the way the provider expects.
func (p *TestProvider) checkClientAuth(req *http.Request) (code, desc string) {
	user, pass, hasBasic := req.BasicAuth()
	formID := req.PostForm.Get("client_id")
	p.lastAssertion = req.PostForm.Get("client_assertion")

	switch p.clientAuthMethod {
	case AuthMethodClientSecretBasic:
		user, _ = url.QueryUnescape(user)
		pass, _ = url.QueryUnescape(pass)
		if !hasBasic || user != p.clientID || pass != p.clientSecret {
			return "invalid_client", "bad basic credentials"
		}
	case AuthMethodClientSecretPost:
		if hasBasic || formID != p.clientID || req.PostForm.Get("client_secret") != p.clientSecret {
			return "invalid_client", "bad client_secret_post credentials"
		}
	case AuthMethodPrivateKeyJWT:
		if req.PostForm.Get("client_assertion_type") != clientAssertionType || p.lastAssertion == "" {
			return "invalid_client", "missing client assertion"
		}
		parsed, err := jwt.ParseSigned(p.lastAssertion, []jose.SignatureAlgorithm{jose.HS256, jose.HS384, jose.HS512, jose.RS256, jose.RS384, jose.RS512, jose.ES256, jose.ES384, jose.ES512})
		if err != nil {
			return "invalid_client", "unparseable client assertion"
		}
		var claims jwt.Claims
		if err := parsed.UnsafeClaimsWithoutVerification(&claims); err != nil {
			return "invalid_client", "bad client assertion claims"
		}
		if claims.Issuer != p.clientID || claims.Subject != p.clientID {
			return "invalid_client", "client assertion iss/sub isn't the client id"
		}
	default:
		if hasBasic || formID != p.clientID || req.PostForm.Has("client_secret") {
			return "invalid_client", "public clients only send client_id"
		}
	}
	return "", ""
}

// idToken must be called with p.mu held.
func (p *TestProvider) idToken() string {
	now := time.Now()
	claims := jwt.Claims{
		Subject:   p.replySubject,
		Issuer:    p.Addr(),
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now.Add(-5 * time.Second)),
		Expiry:    jwt.NewNumericDate(now.Add(time.Minute)),
		Audience:  jwt.Audience{p.clientID},
	}
	if p.customAudience != "" {
		claims.Audience = jwt.Audience{p.customAudience}
	}
	nonce := p.lastNonce
	if p.customNonce != "" {
		nonce = p.customNonce
	}
	return TestSignJWT(p.t, p.ecdsaPrivateKey, testProviderKeyID, claims, map[string]interface{}{"nonce": nonce})
}

// testJWKS converts a pem-encoded public key into JWKS data suitable for a
// verification endpoint response
func testJWKS(t *testing.T, pubKey string) *jose.JSONWebKeySet {
	t.Helper()
	require := require.New(t)

	block, _ := pem.Decode([]byte(pubKey))
	require.NotNil(block)
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	require.NoError(err)

	return &jose.JSONWebKeySet{
		Keys: []jose.JSONWebKey{
			{
				Key:       pub,
				KeyID:     testProviderKeyID,
				Algorithm: string(jose.ES256),
				Use:       "sig",
			},
		},
	}
}
