// Tencent is pleased to support the open source community by making trpc-mcplink-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-mcplink-go is licensed under the Apache License Version 2.0.

package mcplink

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// MetricsRecorder receives per-request and per-delivery measurements from
// the server. Implementations must be safe for concurrent use. A nil
// recorder disables measurement entirely.
type MetricsRecorder interface {
	// RecordRequest records one routed request with its method, wall time
	// and whether the reply was an error envelope.
	RecordRequest(method string, duration time.Duration, isError bool)
	// RecordPushDelivery records one push delivery attempt.
	RecordPushDelivery(delivered bool)
}

// otelMetricsRecorder implements MetricsRecorder on OpenTelemetry
// instruments.
type otelMetricsRecorder struct {
	requests     metric.Int64Counter
	requestTime  metric.Float64Histogram
	pushAttempts metric.Int64Counter
}

// NewOTelMetricsRecorder builds a recorder on the given meter provider.
func NewOTelMetricsRecorder(provider metric.MeterProvider) (MetricsRecorder, error) {
	meter := provider.Meter("trpc.group/trpc-go/trpc-mcplink-go")

	requests, err := meter.Int64Counter("mcplink.server.requests",
		metric.WithDescription("Routed requests by method and status"))
	if err != nil {
		return nil, err
	}
	requestTime, err := meter.Float64Histogram("mcplink.server.request.duration",
		metric.WithDescription("Request handling time"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}
	pushAttempts, err := meter.Int64Counter("mcplink.server.push.attempts",
		metric.WithDescription("Push delivery attempts by outcome"))
	if err != nil {
		return nil, err
	}

	return &otelMetricsRecorder{
		requests:     requests,
		requestTime:  requestTime,
		pushAttempts: pushAttempts,
	}, nil
}

func (r *otelMetricsRecorder) RecordRequest(method string, duration time.Duration, isError bool) {
	status := "ok"
	if isError {
		status = "error"
	}
	attrs := metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("status", status),
	)
	ctx := context.Background()
	r.requests.Add(ctx, 1, attrs)
	r.requestTime.Record(ctx, float64(duration.Milliseconds()), attrs)
}

func (r *otelMetricsRecorder) RecordPushDelivery(delivered bool) {
	outcome := "delivered"
	if !delivered {
		outcome = "undelivered"
	}
	r.pushAttempts.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("outcome", outcome)))
}

// NewStdoutMeterProvider builds a meter provider that periodically prints
// measurements to stdout. Intended for examples and local debugging.
func NewStdoutMeterProvider(interval time.Duration) (*sdkmetric.MeterProvider, error) {
	exporter, err := stdoutmetric.New()
	if err != nil {
		return nil, err
	}
	reader := sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(interval))
	return sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)), nil
}
