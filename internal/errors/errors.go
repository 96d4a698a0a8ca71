// Tencent is pleased to support the open source community by making trpc-mcplink-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-mcplink-go is licensed under the Apache License Version 2.0.

// Package errors defines sentinel errors shared by the client and server
// halves of the link protocol. Session errors are the distinguished
// recoverable subtype: the client reacts to them by discarding its session
// and reinitializing, while every other sentinel propagates as-is.
package errors

import (
	"errors"
)

var (
	// ErrSessionNotFound marks an unknown or expired session. It is the
	// condition the transport client keys its recovery protocol on, so it
	// must stay distinguishable from every other failure.
	ErrSessionNotFound = errors.New("session not found")

	// ErrNotInitialized is returned when an operation requires a completed
	// initialize handshake.
	ErrNotInitialized = errors.New("client not initialized")

	// ErrAlreadyInitialized is returned when Initialize is called twice.
	ErrAlreadyInitialized = errors.New("client already initialized")

	// ErrClientClosed is returned by every operation after Close.
	ErrClientClosed = errors.New("client closed")

	// ErrInvalidServerURL is returned when the configured server URL cannot
	// be parsed.
	ErrInvalidServerURL = errors.New("invalid server URL")

	// ErrRecoveryFailed wraps the cause when the one-shot session recovery
	// cycle itself fails.
	ErrRecoveryFailed = errors.New("session recovery failed")

	// ErrParse marks a malformed response body or push frame. Parse errors
	// are never treated as session errors.
	ErrParse = errors.New("parse error")
)
