// Tencent is pleased to support the open source community by making trpc-mcplink-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-mcplink-go is licensed under the Apache License Version 2.0.

package mcplink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"trpc.group/trpc-go/trpc-mcplink-go/internal/errors"
)

const defaultHealthTimeout = 5 * time.Second

// httpTransport is the client side of the wire contract: JSON-RPC over POST,
// the SSE push stream over GET, session termination over DELETE. It owns the
// session token and attaches it to every exchange once known.
type httpTransport struct {
	endpoint   *url.URL
	healthURL  string
	httpClient *http.Client
	logger     Logger

	mu        sync.RWMutex
	sessionID string
}

func newHTTPTransport(serverURL string, httpClient *http.Client, logger Logger) (*httpTransport, error) {
	parsed, err := url.Parse(serverURL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("%w: %q", errors.ErrInvalidServerURL, serverURL)
	}
	if parsed.Path == "" || parsed.Path == "/" {
		parsed.Path = defaultMCPPath
	}

	health := *parsed
	health.Path = defaultHealthPath
	health.RawQuery = ""

	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &httpTransport{
		endpoint:   parsed,
		healthURL:  health.String(),
		httpClient: httpClient,
		logger:     logger,
	}, nil
}

func (t *httpTransport) currentSessionID() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.sessionID
}

func (t *httpTransport) clearSession() {
	t.mu.Lock()
	t.sessionID = ""
	t.mu.Unlock()
}

// captureSession records a token the server reported on any response. The
// server may reassign the token at will.
func (t *httpTransport) captureSession(resp *http.Response) {
	token := resp.Header.Get(SessionHeader)
	if token == "" {
		return
	}
	t.mu.Lock()
	t.sessionID = token
	t.mu.Unlock()
}

func (t *httpTransport) attachSession(req *http.Request) {
	if id := t.currentSessionID(); id != "" {
		req.Header.Set(SessionHeader, id)
	}
}

// sendRequest performs one call and returns the raw result payload. A 404 on
// the endpoint wraps errors.ErrSessionNotFound; protocol-level failures come
// back as *RPCError.
func (t *httpTransport) sendRequest(ctx context.Context, request *JSONRPCRequest) (json.RawMessage, error) {
	body, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint.String(), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	t.attachSession(httpReq)

	resp, err := t.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%w: HTTP 404 on %s", errors.ErrSessionNotFound, request.Method)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("request %s failed: status %d", request.Method, resp.StatusCode)
	}
	t.captureSession(resp)

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	raw, err := parseResponse(respBody)
	if err != nil {
		if _, ok := err.(*RPCError); ok {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", errors.ErrParse, err)
	}
	return raw, nil
}

// sendNotification performs one fire-and-forget exchange, acknowledged by
// 202 with an empty body.
func (t *httpTransport) sendNotification(ctx context.Context, notification *JSONRPCNotification) error {
	body, err := json.Marshal(notification)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint.String(), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build notification: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	t.attachSession(httpReq)

	resp, err := t.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("send notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%w: HTTP 404 on %s", errors.ErrSessionNotFound, notification.Method)
	}
	if resp.StatusCode != http.StatusAccepted && (resp.StatusCode < 200 || resp.StatusCode >= 300) {
		return fmt.Errorf("notification %s failed: status %d", notification.Method, resp.StatusCode)
	}
	t.captureSession(resp)
	return nil
}

// openPushStream connects the SSE channel for the current session and
// returns the body stream. A 404 wraps errors.ErrSessionNotFound so the
// push loop shares the RPC path's recovery trigger.
func (t *httpTransport) openPushStream(ctx context.Context) (io.ReadCloser, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, t.endpoint.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("build push request: %w", err)
	}
	httpReq.Header.Set("Accept", "text/event-stream")
	t.attachSession(httpReq)

	resp, err := t.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("open push stream: %w", err)
	}

	if resp.StatusCode == http.StatusNotFound {
		resp.Body.Close()
		return nil, fmt.Errorf("%w: HTTP 404 on push stream", errors.ErrSessionNotFound)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		resp.Body.Close()
		return nil, fmt.Errorf("open push stream: status %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		resp.Body.Close()
		return nil, fmt.Errorf("open push stream: unexpected content type %q", ct)
	}
	return resp.Body, nil
}

// terminateSession tells the server to drop the current session.
func (t *httpTransport) terminateSession(ctx context.Context) error {
	sessionID := t.currentSessionID()
	if sessionID == "" {
		return nil
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodDelete, t.endpoint.String(), nil)
	if err != nil {
		return fmt.Errorf("build terminate request: %w", err)
	}
	httpReq.Header.Set(SessionHeader, sessionID)

	resp, err := t.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("terminate session: %w", err)
	}
	defer resp.Body.Close()

	t.clearSession()
	if resp.StatusCode == http.StatusNotFound {
		// Already gone server-side; termination is idempotent for callers.
		return nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("terminate session: status %d", resp.StatusCode)
	}
	return nil
}

// healthCheck probes the health endpoint within a bounded timeout.
func (t *httpTransport) healthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, defaultHealthTimeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, t.healthURL, nil)
	if err != nil {
		return fmt.Errorf("build health request: %w", err)
	}

	resp, err := t.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("health check: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("health check: status %d", resp.StatusCode)
	}
	return nil
}
