// Tencent is pleased to support the open source community by making trpc-mcplink-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-mcplink-go is licensed under the Apache License Version 2.0.

// Package retry implements request-level retry with exponential backoff.
// Retry covers transient transport failures only; session expiry (including
// HTTP 404 on the protocol path) is deliberately not retryable so that it
// surfaces to the recovery layer instead of being masked by repetition.
package retry

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Clamping bounds applied by Config.Validate.
const (
	MinMaxRetries = 0
	MaxMaxRetries = 10

	MinInitialBackoff = time.Millisecond
	MaxInitialBackoff = 30 * time.Second

	MinBackoffFactor = 1.0
	MaxBackoffFactor = 10.0

	MaxMaxBackoff = 5 * time.Minute
)

// retryableStatusCodes lists HTTP status codes worth retrying. 404 is absent
// on purpose: an unknown session must reach the recovery path unretried.
var retryableStatusCodes = []string{
	strconv.Itoa(http.StatusRequestTimeout),
	strconv.Itoa(http.StatusConflict),
	strconv.Itoa(http.StatusTooManyRequests),

	strconv.Itoa(http.StatusInternalServerError),
	strconv.Itoa(http.StatusNotImplemented),
	strconv.Itoa(http.StatusBadGateway),
	strconv.Itoa(http.StatusServiceUnavailable),
	strconv.Itoa(http.StatusGatewayTimeout),
	strconv.Itoa(http.StatusHTTPVersionNotSupported),
	strconv.Itoa(http.StatusVariantAlsoNegotiates),
	strconv.Itoa(http.StatusInsufficientStorage),
	strconv.Itoa(http.StatusLoopDetected),
	"509", // bandwidth limit exceeded, not defined in net/http
	strconv.Itoa(http.StatusNotExtended),
	strconv.Itoa(http.StatusNetworkAuthenticationRequired),
}

// Config defines retry behavior for a single logical request.
type Config struct {
	// MaxRetries is the number of additional attempts after the first (0-10).
	MaxRetries int
	// InitialBackoff is the wait before the first retry (1ms-30s).
	InitialBackoff time.Duration
	// BackoffFactor multiplies the wait per retry (1.0-10.0).
	BackoffFactor float64
	// MaxBackoff caps the computed wait (at least InitialBackoff, up to 5m).
	MaxBackoff time.Duration
}

// Validate returns a copy of the config with every field clamped to its
// acceptable range.
func (c Config) Validate() Config {
	validated := c

	if validated.MaxRetries < MinMaxRetries {
		validated.MaxRetries = MinMaxRetries
	} else if validated.MaxRetries > MaxMaxRetries {
		validated.MaxRetries = MaxMaxRetries
	}

	if validated.InitialBackoff < MinInitialBackoff {
		validated.InitialBackoff = MinInitialBackoff
	} else if validated.InitialBackoff > MaxInitialBackoff {
		validated.InitialBackoff = MaxInitialBackoff
	}

	if validated.BackoffFactor < MinBackoffFactor {
		validated.BackoffFactor = MinBackoffFactor
	} else if validated.BackoffFactor > MaxBackoffFactor {
		validated.BackoffFactor = MaxBackoffFactor
	}

	if validated.MaxBackoff < validated.InitialBackoff {
		validated.MaxBackoff = validated.InitialBackoff
	} else if validated.MaxBackoff > MaxMaxBackoff {
		validated.MaxBackoff = MaxMaxBackoff
	}

	return validated
}

// IsRetryableError reports whether err is a transient transport failure.
// Matching is deliberately narrow: unknown errors default to non-retryable
// so that protocol-level failures are never absorbed by the retry loop.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	errStr := strings.ToLower(err.Error())

	if strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "connection reset") ||
		strings.Contains(errStr, "connection timeout") ||
		strings.Contains(errStr, "connection lost") ||
		strings.Contains(errStr, "connection aborted") ||
		strings.Contains(errStr, "i/o timeout") ||
		strings.Contains(errStr, "read timeout") ||
		strings.Contains(errStr, "write timeout") ||
		strings.Contains(errStr, "dial timeout") ||
		errStr == "eof" ||
		strings.HasSuffix(errStr, ": eof") {
		return true
	}

	return isHTTPStatusRetryable(errStr)
}

// isHTTPStatusRetryable checks the error text for a retryable HTTP status.
// Patterns require surrounding context so that e.g. "port 5001" does not
// match "501".
func isHTTPStatusRetryable(errStr string) bool {
	for _, code := range retryableStatusCodes {
		if strings.Contains(errStr, "http "+code) ||
			strings.Contains(errStr, "status "+code) ||
			strings.Contains(errStr, "status: "+code) ||
			strings.Contains(errStr, "code "+code) ||
			strings.Contains(errStr, "code: "+code) ||
			strings.Contains(errStr, code+" ") {
			return true
		}
	}
	return false
}

// Execute runs operation, retrying transient failures with exponential
// backoff per config. A nil config or MaxRetries of zero runs the operation
// exactly once. Context cancellation is honored between attempts and during
// backoff waits. The last error is returned unwrapped.
func Execute(
	ctx context.Context,
	operation func() error,
	config *Config,
	operationName string,
) error {
	if config == nil || config.MaxRetries == 0 {
		return operation()
	}

	var lastErr error
	maxAttempts := config.MaxRetries + 1

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		lastErr = operation()
		if lastErr == nil {
			return nil
		}

		if !IsRetryableError(lastErr) {
			return lastErr
		}

		if attempt == maxAttempts {
			break
		}

		var multiplier float64 = 1
		for i := 1; i < attempt; i++ {
			multiplier *= config.BackoffFactor
		}
		backoff := time.Duration(float64(config.InitialBackoff) * multiplier)
		if backoff > config.MaxBackoff {
			backoff = config.MaxBackoff
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}

	return lastErr
}
