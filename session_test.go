// Tencent is pleased to support the open source community by making trpc-mcplink-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-mcplink-go is licensed under the Apache License Version 2.0.

package mcplink

import (
	stderrors "errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trpc.group/trpc-go/trpc-mcplink-go/internal/errors"
)

func TestSessionRegistry_CreateAndGet(t *testing.T) {
	registry := NewSessionRegistry()

	session := registry.CreateSession()
	assert.NotEmpty(t, session.ID())
	assert.False(t, session.IsInitialized())

	got, err := registry.GetSession(session.ID())
	require.NoError(t, err)
	assert.Equal(t, session.ID(), got.ID())
	assert.True(t, registry.IsValid(session.ID()))
}

func TestSessionRegistry_UnknownSession(t *testing.T) {
	registry := NewSessionRegistry()

	_, err := registry.GetSession("no-such-session")
	require.Error(t, err)
	assert.True(t, stderrors.Is(err, errors.ErrSessionNotFound))
	assert.False(t, registry.IsValid("no-such-session"))
}

func TestSessionRegistry_MarkInitialized(t *testing.T) {
	registry := NewSessionRegistry()
	session := registry.CreateSession()

	require.NoError(t, registry.MarkInitialized(session.ID()))
	assert.True(t, session.IsInitialized())

	err := registry.MarkInitialized("no-such-session")
	assert.True(t, stderrors.Is(err, errors.ErrSessionNotFound))
}

func TestSessionRegistry_SubscribeIdempotent(t *testing.T) {
	registry := NewSessionRegistry()
	session := registry.CreateSession()

	require.NoError(t, registry.Subscribe(session.ID(), "file:///transcripts"))
	require.NoError(t, registry.Subscribe(session.ID(), "file:///transcripts"))

	assert.Len(t, session.Subscriptions(), 1)
	assert.True(t, session.IsSubscribed("file:///transcripts"))
}

func TestSessionRegistry_UnsubscribeIdempotent(t *testing.T) {
	registry := NewSessionRegistry()
	session := registry.CreateSession()

	require.NoError(t, registry.Subscribe(session.ID(), "file:///a"))
	require.NoError(t, registry.Unsubscribe(session.ID(), "file:///a"))
	require.NoError(t, registry.Unsubscribe(session.ID(), "file:///a"))

	assert.Empty(t, session.Subscriptions())
}

func TestSessionRegistry_ExpireAfterRequests(t *testing.T) {
	registry := NewSessionRegistry()
	registry.setExpireAfterRequests(1)
	session := registry.CreateSession()

	// The request that crosses the budget completes; the expiry is only
	// observable on the next lookup.
	registry.RecordRequest(session.ID())
	assert.Equal(t, 1, session.RequestCount())

	_, err := registry.GetSession(session.ID())
	assert.True(t, stderrors.Is(err, errors.ErrSessionNotFound))
	assert.False(t, registry.IsValid(session.ID()))
}

func TestSessionRegistry_IdleTimeout(t *testing.T) {
	registry := NewSessionRegistry()
	registry.setIdleTimeout(20 * time.Millisecond)
	session := registry.CreateSession()

	_, err := registry.GetSession(session.ID())
	require.NoError(t, err)

	time.Sleep(40 * time.Millisecond)
	_, err = registry.GetSession(session.ID())
	assert.True(t, stderrors.Is(err, errors.ErrSessionNotFound))
}

func TestSessionRegistry_Terminate(t *testing.T) {
	registry := NewSessionRegistry()
	session := registry.CreateSession()

	require.NoError(t, registry.TerminateSession(session.ID()))
	assert.False(t, registry.IsValid(session.ID()))

	err := registry.TerminateSession(session.ID())
	assert.True(t, stderrors.Is(err, errors.ErrSessionNotFound))
}

func TestSessionRegistry_ActiveSessions(t *testing.T) {
	registry := NewSessionRegistry()
	first := registry.CreateSession()
	second := registry.CreateSession()

	active := registry.ActiveSessions()
	assert.ElementsMatch(t, []string{first.ID(), second.ID()}, active)
	assert.Equal(t, 2, registry.Count())

	require.NoError(t, registry.TerminateSession(first.ID()))
	assert.Equal(t, []string{second.ID()}, registry.ActiveSessions())
}

func TestSessionRegistry_TokensAreUnique(t *testing.T) {
	registry := NewSessionRegistry()
	seen := make(map[string]struct{})
	for i := 0; i < 100; i++ {
		id := registry.CreateSession().ID()
		_, dup := seen[id]
		require.False(t, dup, "duplicate session token %s", id)
		seen[id] = struct{}{}
	}
}
