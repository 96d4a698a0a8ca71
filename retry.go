// Tencent is pleased to support the open source community by making trpc-mcplink-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-mcplink-go is licensed under the Apache License Version 2.0.

package mcplink

import (
	"time"

	"trpc.group/trpc-go/trpc-mcplink-go/internal/retry"
)

// RetryConfig defines request-level retry behavior for transient transport
// failures. Session errors bypass retry entirely and go through recovery.
type RetryConfig struct {
	// MaxRetries is the number of additional attempts after the first.
	// Valid range: 0-10, default: 0 (disabled)
	MaxRetries int `json:"max_retries"`
	// InitialBackoff is the delay before the first retry.
	// Valid range: 1ms-30s, default: 100ms
	InitialBackoff time.Duration `json:"initial_backoff"`
	// BackoffFactor multiplies the delay for each retry.
	// Valid range: 1.0-10.0, default: 2.0
	BackoffFactor float64 `json:"backoff_factor"`
	// MaxBackoff caps exponential growth.
	// Valid range: at least InitialBackoff, up to 5 minutes, default: 10s
	MaxBackoff time.Duration `json:"max_backoff"`
}

var defaultRetryConfig = RetryConfig{
	MaxRetries:     2,
	InitialBackoff: 100 * time.Millisecond,
	BackoffFactor:  2.0,
	MaxBackoff:     10 * time.Second,
}

// WithSimpleRetry enables retry with the given attempt count and default
// backoff (100ms initial, factor 2.0, 10s cap).
func WithSimpleRetry(maxRetries int) ClientOption {
	config := defaultRetryConfig
	config.MaxRetries = maxRetries
	return WithRetry(config)
}

// WithRetry enables retry with custom configuration. All parameters are
// validated and clamped to acceptable ranges.
func WithRetry(config RetryConfig) ClientOption {
	return func(c *Client) {
		internalConfig := retry.Config{
			MaxRetries:     config.MaxRetries,
			InitialBackoff: config.InitialBackoff,
			BackoffFactor:  config.BackoffFactor,
			MaxBackoff:     config.MaxBackoff,
		}.Validate()
		c.setRetryConfig(&internalConfig)
	}
}
