// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

// Package http provides the pooled HTTP client used for every request made to
// an identity provider.
package http

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"net/http"
	"time"

	"github.com/hashicorp/go-cleanhttp"
)

// DefaultTimeout bounds a single request to the provider.
const DefaultTimeout = 30 * time.Second

// ErrInvalidCertificatePem is returned when the CA PEM can't be parsed.
var ErrInvalidCertificatePem = errors.New("invalid certificate PEM")

// NewClient creates a new http client which will use the optional CA certificate PEM
// if provided, otherwise it will use the installed system CA chain.
func NewClient(caPEM string) (*http.Client, error) {
	tr := cleanhttp.DefaultPooledTransport()

	if caPEM != "" {
		certPool := x509.NewCertPool()
		if ok := certPool.AppendCertsFromPEM([]byte(caPEM)); !ok {
			return nil, ErrInvalidCertificatePem
		}
		tr.TLSClientConfig = &tls.Config{
			RootCAs:    certPool,
			MinVersion: tls.VersionTLS12,
		}
	}

	return &http.Client{
		Transport: tr,
		Timeout:   DefaultTimeout,
	}, nil
}

// Release closes any idle connections held by the client's transport.  The
// client remains usable.
func Release(c *http.Client) {
	if c == nil {
		return
	}
	c.CloseIdleConnections()
}
