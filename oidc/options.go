// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package oidc

import (
	"github.com/hashicorp/go-hclog"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Option defines a common functional options type which can be used in a
// variadic parameter pattern.
type Option func(interface{})

// ApplyOpts takes a pointer to the options struct as a set of default options
// and applies the slice of opts as overrides.
func ApplyOpts(opts interface{}, opt ...Option) {
	for _, o := range opt {
		if o == nil { // ignore any nil Options
			continue
		}
		o(opts)
	}
}

// WithLogger provides an optional logger for: Resolver, TokenClient and
// Orchestrator.
func WithLogger(l hclog.Logger) Option {
	return func(o interface{}) {
		if l == nil {
			return
		}
		switch v := o.(type) {
		case *resolverOptions:
			v.withLogger = l
		case *tokenClientOptions:
			v.withLogger = l
		case *orchestratorOptions:
			v.withLogger = l
		}
	}
}

// WithTracerProvider provides an optional OpenTelemetry tracer provider for:
// Resolver, TokenClient and Orchestrator.  The global provider is used when
// none is supplied.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o interface{}) {
		if tp == nil {
			return
		}
		switch v := o.(type) {
		case *resolverOptions:
			v.withTracerProvider = tp
		case *tokenClientOptions:
			v.withTracerProvider = tp
		case *orchestratorOptions:
			v.withTracerProvider = tp
		}
	}
}

// WithMeterProvider provides an optional OpenTelemetry meter provider for the
// Orchestrator.  The global provider is used when none is supplied.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(o interface{}) {
		if mp == nil {
			return
		}
		if v, ok := o.(*orchestratorOptions); ok {
			v.withMeterProvider = mp
		}
	}
}

// WithProviderCA provides an optional CA cert (PEM encoded) for the provider's
// config.  It's used when sending requests to the provider's discovery and
// token endpoints.
func WithProviderCA(cert string) Option {
	return func(o interface{}) {
		if v, ok := o.(*providerConfigOptions); ok {
			v.withProviderCA = cert
		}
	}
}

// WithSupportedSigningAlgs provides an optional list of id_token signing
// algorithms for the provider's config.  When none are supplied RS256 is
// assumed.
func WithSupportedSigningAlgs(alg ...Alg) Option {
	return func(o interface{}) {
		if v, ok := o.(*providerConfigOptions); ok {
			v.withSupportedSigningAlgs = alg
		}
	}
}

// WithAudiences provides an optional list of additional audiences accepted when
// verifying an id_token's "aud" claim.
func WithAudiences(aud ...string) Option {
	return func(o interface{}) {
		if v, ok := o.(*providerConfigOptions); ok {
			v.withAudiences = aud
		}
	}
}
