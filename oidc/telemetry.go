// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package oidc

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const (
	// TracerName is the instrumentation scope for spans emitted by this package.
	TracerName = "github.com/hashicorp/cap-appauth/oidc"

	// MeterName is the instrumentation scope for metrics emitted by this package.
	MeterName = "github.com/hashicorp/cap-appauth/oidc"

	// FlowsCompletedMetric counts flows reaching a terminal state, by outcome.
	FlowsCompletedMetric = "appauth.flows.completed"
)

func tracerFrom(tp trace.TracerProvider) trace.Tracer {
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	return tp.Tracer(TracerName)
}

func meterFrom(mp metric.MeterProvider) metric.Meter {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	return mp.Meter(MeterName)
}

// endSpan records err (if any) on the span and ends it.
func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
