// Tencent is pleased to support the open source community by making trpc-mcplink-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-mcplink-go is licensed under the Apache License Version 2.0.

// Package reconnect classifies connection-level failures and computes backoff
// schedules for re-establishing the push stream. Stream reconnection keeps the
// current session; session expiry is a separate class of error that forces a
// full recovery cycle (new session, re-initialize, re-subscribe).
package reconnect

import (
	"math"
	"strings"
	"time"
)

// Clamping bounds applied by Config.Validate.
const (
	MinMaxReconnectAttempts = 0
	MaxMaxReconnectAttempts = 5

	MinReconnectDelay = 100 * time.Millisecond
	MaxReconnectDelay = 30 * time.Second

	MinReconnectBackoffFactor = 1.0
	MaxReconnectBackoffFactor = 3.0

	MaxMaxReconnectDelay = 5 * time.Minute
)

// Config controls how the push stream is re-established after it drops.
type Config struct {
	// MaxReconnectAttempts bounds consecutive reconnection attempts (0-5, default 2).
	MaxReconnectAttempts int `json:"max_reconnect_attempts"`
	// ReconnectDelay is the delay before the second attempt (100ms-30s, default 1s).
	ReconnectDelay time.Duration `json:"reconnect_delay"`
	// ReconnectBackoffFactor multiplies the delay per attempt (1.0-3.0, default 1.5).
	ReconnectBackoffFactor float64 `json:"reconnect_backoff_factor"`
	// MaxReconnectDelay caps the computed delay (at least ReconnectDelay, up to 5m, default 30s).
	MaxReconnectDelay time.Duration `json:"max_reconnect_delay"`
}

// Validate clamps every field to its acceptable range in place. Out-of-range
// values are corrected rather than rejected.
func (c *Config) Validate() {
	if c.MaxReconnectAttempts < MinMaxReconnectAttempts {
		c.MaxReconnectAttempts = MinMaxReconnectAttempts
	} else if c.MaxReconnectAttempts > MaxMaxReconnectAttempts {
		c.MaxReconnectAttempts = MaxMaxReconnectAttempts
	}

	if c.ReconnectDelay < MinReconnectDelay {
		c.ReconnectDelay = MinReconnectDelay
	} else if c.ReconnectDelay > MaxReconnectDelay {
		c.ReconnectDelay = MaxReconnectDelay
	}

	if c.ReconnectBackoffFactor < MinReconnectBackoffFactor {
		c.ReconnectBackoffFactor = MinReconnectBackoffFactor
	} else if c.ReconnectBackoffFactor > MaxReconnectBackoffFactor {
		c.ReconnectBackoffFactor = MaxReconnectBackoffFactor
	}

	if c.MaxReconnectDelay > MaxMaxReconnectDelay {
		c.MaxReconnectDelay = MaxMaxReconnectDelay
	}
	if c.MaxReconnectDelay < c.ReconnectDelay {
		c.MaxReconnectDelay = c.ReconnectDelay
	}
}

// CalculateDelay returns the wait before the given attempt (1-based).
// The first attempt is immediate; later attempts grow exponentially and are
// capped at MaxReconnectDelay.
func (c *Config) CalculateDelay(attempt int) time.Duration {
	if attempt <= 1 {
		return 0
	}

	delay := float64(c.ReconnectDelay) * math.Pow(c.ReconnectBackoffFactor, float64(attempt-2))
	if time.Duration(delay) > c.MaxReconnectDelay {
		return c.MaxReconnectDelay
	}
	return time.Duration(delay)
}

// IsStreamDisconnectedError reports whether err looks like a dropped push
// stream. These failures are repaired by reconnecting the stream with the
// existing session token.
func IsStreamDisconnectedError(err error) bool {
	if err == nil {
		return false
	}

	errStr := strings.ToLower(err.Error())
	streamPatterns := []string{
		"stream closed",
		"stream disconnected",
		"connection lost",
		"sse connection",
		"broken pipe",
		"connection reset",
	}
	for _, pattern := range streamPatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}
	return false
}

// IsSessionExpiredError reports whether err indicates the server no longer
// recognizes the session. The caller must discard its session token and run
// the full recovery cycle; reconnecting the stream alone cannot fix this.
func IsSessionExpiredError(err error) bool {
	if err == nil {
		return false
	}

	errStr := strings.ToLower(err.Error())
	sessionPatterns := []string{
		"404", // server answers 404 on the protocol path for unknown sessions
		"session not found",
		"invalid session",
		"session expired",
	}
	for _, pattern := range sessionPatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}
	return false
}
