// Tencent is pleased to support the open source community by making trpc-mcplink-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-mcplink-go is licensed under the Apache License Version 2.0.

package mcplink

import (
	"time"

	"trpc.group/trpc-go/trpc-mcplink-go/internal/reconnect"
)

// ReconnectConfig defines push-stream reconnection behavior. Reconnection
// repairs a dropped stream on the same session; it is distinct from both
// request-level retry and session recovery.
type ReconnectConfig struct {
	// MaxReconnectAttempts bounds consecutive failed connect attempts.
	// Valid range: 0-5, default: 5
	MaxReconnectAttempts int `json:"max_reconnect_attempts"`
	// ReconnectDelay is the wait after a stream ends before reconnecting,
	// and the base delay for connect-failure backoff.
	// Valid range: 100ms-30s, default: 5s
	ReconnectDelay time.Duration `json:"reconnect_delay"`
	// ReconnectBackoffFactor multiplies the delay per failed connect.
	// Valid range: 1.0-3.0, default: 1.5
	ReconnectBackoffFactor float64 `json:"reconnect_backoff_factor"`
	// MaxReconnectDelay caps the backoff delay.
	// Valid range: at least ReconnectDelay, up to 5 minutes, default: 30s
	MaxReconnectDelay time.Duration `json:"max_reconnect_delay"`
}

var defaultReconnectConfig = ReconnectConfig{
	MaxReconnectAttempts:   5,
	ReconnectDelay:         5 * time.Second,
	ReconnectBackoffFactor: 1.5,
	MaxReconnectDelay:      30 * time.Second,
}

// WithSimpleReconnect overrides the maximum number of consecutive connect
// attempts and keeps the default delays.
func WithSimpleReconnect(maxAttempts int) ClientOption {
	config := defaultReconnectConfig
	config.MaxReconnectAttempts = maxAttempts
	return WithReconnect(config)
}

// WithReconnect sets custom push-stream reconnection behavior. All
// parameters are validated and clamped to acceptable ranges.
func WithReconnect(config ReconnectConfig) ClientOption {
	return func(c *Client) {
		internalConfig := reconnect.Config{
			MaxReconnectAttempts:   config.MaxReconnectAttempts,
			ReconnectDelay:         config.ReconnectDelay,
			ReconnectBackoffFactor: config.ReconnectBackoffFactor,
			MaxReconnectDelay:      config.MaxReconnectDelay,
		}
		internalConfig.Validate()
		c.setReconnectConfig(&internalConfig)
	}
}
