// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package oidc

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"net"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
	"github.com/stretchr/testify/require"
)

// TestGenerateKeys will generate a test ECDSA P-256 pub/priv key pair
func TestGenerateKeys(t *testing.T) (pub, priv string) {
	t.Helper()
	require := require.New(t)
	privateKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(err)

	{
		derBytes, err := x509.MarshalECPrivateKey(privateKey)
		require.NoError(err)
		priv = string(pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: derBytes}))
	}
	{
		derBytes, err := x509.MarshalPKIXPublicKey(privateKey.Public())
		require.NoError(err)
		pub = string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: derBytes}))
	}
	return pub, priv
}

// TestSignJWT will bundle the provided claims into a test signed JWT. The
// provided key must be ECDSA.  The keyID is optional.
func TestSignJWT(t *testing.T, ecdsaPrivKeyPEM, keyID string, claims jwt.Claims, privateClaims interface{}) string {
	t.Helper()
	require := require.New(t)
	block, _ := pem.Decode([]byte(ecdsaPrivKeyPEM))
	require.NotNil(block)
	key, err := x509.ParseECPrivateKey(block.Bytes)
	require.NoError(err)

	opts := (&jose.SignerOptions{}).WithType("JWT")
	if keyID != "" {
		opts = opts.WithHeader(jose.HeaderKey("kid"), keyID)
	}
	sig, err := jose.NewSigner(jose.SigningKey{Algorithm: jose.ES256, Key: key}, opts)
	require.NoError(err)

	b := jwt.Signed(sig).Claims(claims)
	if privateClaims != nil {
		b = b.Claims(privateClaims)
	}
	raw, err := b.Serialize()
	require.NoError(err)
	return raw
}

// TestGenerateCA will generate a test x509 CA cert encoded in a PEM format.
func TestGenerateCA(t *testing.T, hosts []string) string {
	t.Helper()
	require := require.New(t)

	priv, err := ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	require.NoError(err)

	notBefore := time.Now()
	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	require.NoError(err)

	template := x509.Certificate{
		SerialNumber:          serialNumber,
		Subject:               pkix.Name{Organization: []string{"Acme Co"}},
		NotBefore:             notBefore,
		NotAfter:              notBefore.Add(2 * time.Minute),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	for _, h := range hosts {
		if ip := net.ParseIP(h); ip != nil {
			template.IPAddresses = append(template.IPAddresses, ip)
		} else {
			template.DNSNames = append(template.DNSNames, h)
		}
	}

	derBytes, err := x509.CreateCertificate(rand.Reader, &template, &template, &priv.PublicKey, priv)
	require.NoError(err)
	return string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: derBytes}))
}

// TestLaunchMode controls what a TestLauncher does with an authorization URI.
type TestLaunchMode int

const (
	// TestLaunchDeliver follows the provider's redirect and delivers it to
	// the Receiver before Launch returns.
	TestLaunchDeliver TestLaunchMode = iota

	// TestLaunchHold follows the provider's redirect but only records it, so
	// a test can deliver it later with Deliver.
	TestLaunchHold

	// TestLaunchDismiss reports the agent was dismissed without a redirect.
	TestLaunchDismiss

	// TestLaunchFail fails the launch.
	TestLaunchFail
)

// ErrTestLaunchFailed is returned by a TestLauncher in TestLaunchFail mode.
var ErrTestLaunchFailed = errors.New("test launcher failed")

// TestLauncher is a Launcher standing in for a browser: it sends the
// authorization request to the provider and captures the redirect.
type TestLauncher struct {
	client *http.Client

	mu        sync.Mutex
	mode      TestLaunchMode
	launched  []string
	redirects []string
	receivers []Receiver
	lastErr   error
}

var _ Launcher = (*TestLauncher)(nil)

// NewTestLauncher creates a TestLauncher which sends requests with client
// (typically TestProvider.HTTPClient).
func NewTestLauncher(client *http.Client, mode TestLaunchMode) *TestLauncher {
	c := *client
	c.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}
	return &TestLauncher{client: &c, mode: mode}
}

// SetMode changes what subsequent launches do.
func (l *TestLauncher) SetMode(m TestLaunchMode) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.mode = m
}

// Launch implements Launcher.
func (l *TestLauncher) Launch(ctx context.Context, authURL string, r Receiver) error {
	l.mu.Lock()
	mode := l.mode
	l.launched = append(l.launched, authURL)
	l.receivers = append(l.receivers, r)
	l.mu.Unlock()

	switch mode {
	case TestLaunchFail:
		return ErrTestLaunchFailed
	case TestLaunchDismiss:
		l.record(r.HandleDismissed(ctx))
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, authURL, nil)
	if err != nil {
		return err
	}
	resp, err := l.client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	location := resp.Header.Get("Location")
	if location == "" {
		return fmt.Errorf("provider responded %d without a redirect", resp.StatusCode)
	}

	l.mu.Lock()
	l.redirects = append(l.redirects, location)
	l.mu.Unlock()
	if mode == TestLaunchDeliver {
		l.record(r.HandleRedirect(ctx, location))
	}
	return nil
}

// Deliver sends the i'th captured redirect to the last Receiver.
func (l *TestLauncher) Deliver(ctx context.Context, i int) error {
	l.mu.Lock()
	var r Receiver
	if len(l.receivers) > 0 {
		r = l.receivers[len(l.receivers)-1]
	}
	if i < 0 || i >= len(l.redirects) || r == nil {
		l.mu.Unlock()
		return fmt.Errorf("no redirect %d: %w", i, ErrInvalidParameter)
	}
	location := l.redirects[i]
	l.mu.Unlock()
	return r.HandleRedirect(ctx, location)
}

// Receivers returns the Receiver given to each launch, in order.
func (l *TestLauncher) Receivers() []Receiver {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Receiver(nil), l.receivers...)
}

// Launched returns the authorization URIs launched so far.
func (l *TestLauncher) Launched() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.launched...)
}

// Redirects returns the redirects captured so far.
func (l *TestLauncher) Redirects() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.redirects...)
}

// LastErr returns the error the Receiver returned for the last delivery.
func (l *TestLauncher) LastErr() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastErr
}

func (l *TestLauncher) record(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lastErr = err
}
