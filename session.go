// Tencent is pleased to support the open source community by making trpc-mcplink-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-mcplink-go is licensed under the Apache License Version 2.0.

package mcplink

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"trpc.group/trpc-go/trpc-mcplink-go/internal/errors"
)

// Session holds the server-side state of one logical connection: identity,
// handshake progress, subscription set and activity counters.
type Session struct {
	mu            sync.RWMutex
	id            string
	initialized   bool
	subscriptions map[string]struct{}
	requestCount  int
	createdAt     time.Time
	lastActivity  time.Time
	expired       bool
}

func newSession() *Session {
	now := time.Now()
	return &Session{
		id:            uuid.NewString(),
		subscriptions: make(map[string]struct{}),
		createdAt:     now,
		lastActivity:  now,
	}
}

// ID returns the session token.
func (s *Session) ID() string {
	return s.id
}

// IsInitialized reports whether the initialize handshake completed.
func (s *Session) IsInitialized() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.initialized
}

// Subscriptions returns a snapshot of the subscribed URIs.
func (s *Session) Subscriptions() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	uris := make([]string, 0, len(s.subscriptions))
	for uri := range s.subscriptions {
		uris = append(uris, uri)
	}
	return uris
}

// IsSubscribed reports whether the session subscribed to uri.
func (s *Session) IsSubscribed(uri string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.subscriptions[uri]
	return ok
}

// RequestCount returns the number of counted requests handled so far.
func (s *Session) RequestCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.requestCount
}

// CreatedAt returns the session creation time.
func (s *Session) CreatedAt() time.Time {
	return s.createdAt
}

// SessionRegistry tracks every live session and applies the configured
// expiry policy. All methods are safe for concurrent use.
//
// Expiry is lazy: a session past its request budget or idle window stays in
// the map until the next lookup observes it, so the request that crossed the
// limit still completes normally.
type SessionRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	// expireAfterRequests expires a session once it has served this many
	// counted requests. Zero disables the policy.
	expireAfterRequests int
	// idleTimeout expires a session with no activity for this long.
	// Zero disables the policy.
	idleTimeout time.Duration

	logger Logger
}

// NewSessionRegistry creates an empty registry with no expiry policy.
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{
		sessions: make(map[string]*Session),
		logger:   GetDefaultLogger(),
	}
}

func (r *SessionRegistry) setExpireAfterRequests(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.expireAfterRequests = n
}

func (r *SessionRegistry) setIdleTimeout(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.idleTimeout = d
}

func (r *SessionRegistry) setLogger(logger Logger) {
	r.logger = logger
}

// CreateSession mints a session with a fresh token and registers it.
func (r *SessionRegistry) CreateSession() *Session {
	session := newSession()

	r.mu.Lock()
	r.sessions[session.id] = session
	r.mu.Unlock()

	r.logger.Infof("session created: %s", session.id)
	return session
}

// GetSession returns the live session for the token. Unknown, terminated and
// expired tokens all fail with errors.ErrSessionNotFound; callers must not be
// able to distinguish the three.
func (r *SessionRegistry) GetSession(sessionID string) (*Session, error) {
	r.mu.RLock()
	session, ok := r.sessions[sessionID]
	idleTimeout := r.idleTimeout
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", errors.ErrSessionNotFound, sessionID)
	}

	session.mu.Lock()
	if !session.expired && idleTimeout > 0 && time.Since(session.lastActivity) > idleTimeout {
		session.expired = true
	}
	expired := session.expired
	session.mu.Unlock()

	if expired {
		r.removeSession(sessionID)
		return nil, fmt.Errorf("%w: %s", errors.ErrSessionNotFound, sessionID)
	}
	return session, nil
}

// IsValid reports whether the token maps to a live session.
func (r *SessionRegistry) IsValid(sessionID string) bool {
	_, err := r.GetSession(sessionID)
	return err == nil
}

// MarkInitialized records handshake completion for the session.
func (r *SessionRegistry) MarkInitialized(sessionID string) error {
	session, err := r.GetSession(sessionID)
	if err != nil {
		return err
	}
	session.mu.Lock()
	session.initialized = true
	session.lastActivity = time.Now()
	session.mu.Unlock()
	return nil
}

// Subscribe adds uri to the session's subscription set. Repeat subscriptions
// are no-ops.
func (r *SessionRegistry) Subscribe(sessionID, uri string) error {
	session, err := r.GetSession(sessionID)
	if err != nil {
		return err
	}
	session.mu.Lock()
	session.subscriptions[uri] = struct{}{}
	session.lastActivity = time.Now()
	session.mu.Unlock()
	return nil
}

// Unsubscribe removes uri from the session's subscription set. Removing an
// absent subscription is a no-op, not an error.
func (r *SessionRegistry) Unsubscribe(sessionID, uri string) error {
	session, err := r.GetSession(sessionID)
	if err != nil {
		return err
	}
	session.mu.Lock()
	delete(session.subscriptions, uri)
	session.lastActivity = time.Now()
	session.mu.Unlock()
	return nil
}

// RecordRequest counts one served request against the session and arms the
// request-budget expiry once the budget is reached. The request being counted
// is not affected; only later lookups observe the expiry.
func (r *SessionRegistry) RecordRequest(sessionID string) {
	r.mu.RLock()
	session, ok := r.sessions[sessionID]
	budget := r.expireAfterRequests
	r.mu.RUnlock()
	if !ok {
		return
	}

	session.mu.Lock()
	session.requestCount++
	session.lastActivity = time.Now()
	if budget > 0 && session.requestCount >= budget {
		session.expired = true
	}
	expired := session.expired
	count := session.requestCount
	session.mu.Unlock()

	if expired {
		r.logger.Infof("session %s expired after %d requests", sessionID, count)
	}
}

// TerminateSession removes the session immediately.
func (r *SessionRegistry) TerminateSession(sessionID string) error {
	r.mu.Lock()
	_, ok := r.sessions[sessionID]
	delete(r.sessions, sessionID)
	r.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", errors.ErrSessionNotFound, sessionID)
	}
	r.logger.Infof("session terminated: %s", sessionID)
	return nil
}

// ActiveSessions returns the tokens of all live sessions.
func (r *SessionRegistry) ActiveSessions() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.sessions))
	for id, session := range r.sessions {
		session.mu.RLock()
		expired := session.expired
		session.mu.RUnlock()
		if !expired {
			ids = append(ids, id)
		}
	}
	return ids
}

// Count returns the number of registered sessions, expired ones included
// until their next lookup evicts them.
func (r *SessionRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

func (r *SessionRegistry) removeSession(sessionID string) {
	r.mu.Lock()
	delete(r.sessions, sessionID)
	r.mu.Unlock()
	r.logger.Infof("session expired: %s", sessionID)
}
