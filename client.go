// Tencent is pleased to support the open source community by making trpc-mcplink-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-mcplink-go is licensed under the Apache License Version 2.0.

package mcplink

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"trpc.group/trpc-go/trpc-mcplink-go/internal/errors"
	"trpc.group/trpc-go/trpc-mcplink-go/internal/reconnect"
	"trpc.group/trpc-go/trpc-mcplink-go/internal/retry"
)

// ClientState describes the request-channel state machine.
type ClientState string

const (
	StateDisconnected ClientState = "disconnected"
	StateInitializing ClientState = "initializing"
	StateConnected    ClientState = "connected"
	StateRecovering   ClientState = "recovering"
)

// Push sub-states, independent of the request channel.
const (
	pushIdle       = "idle"
	pushConnecting = "connecting"
	pushConnected  = "connected"
)

// NotificationHandler receives one push notification. Handlers for a method
// run in registration order; a panicking handler is isolated and logged.
type NotificationHandler func(notification *JSONRPCNotification)

// RecoveryCallback runs after a successful session recovery with the old and
// new session tokens.
type RecoveryCallback func(oldSessionID, newSessionID string)

type notificationEntry struct {
	id      uint64
	handler NotificationHandler
}

type recoveryEntry struct {
	id       uint64
	callback RecoveryCallback
}

// recoveryFuture is the single-slot in-flight recovery. The first caller to
// hit a session error runs the cycle; concurrent callers block on done and
// share the outcome instead of racing a second recovery.
type recoveryFuture struct {
	done chan struct{}
	err  error
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithClientLogger sets the client logger.
func WithClientLogger(logger Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithHTTPClient sets the HTTP client used for every exchange.
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// Client maintains one long-lived logical connection: the request channel,
// the push stream and the recovery protocol that survives server-side
// session expiry. All methods are safe for concurrent use.
type Client struct {
	clientInfo Implementation
	serverURL  string
	httpClient *http.Client
	logger     Logger

	transport       *httpTransport
	retryConfig     *retry.Config
	reconnectConfig reconnect.Config

	requestID atomic.Int64

	mu            sync.Mutex
	state         ClientState
	initResult    *InitializeResult
	subscriptions map[string]struct{}
	recovery      *recoveryFuture
	closed        bool

	handlersMu        sync.RWMutex
	nextHandleID      uint64
	handlers          map[string][]notificationEntry
	recoveryCallbacks []recoveryEntry

	pushMu     sync.Mutex
	pushState  string
	pushCancel context.CancelFunc
	pushWG     sync.WaitGroup
}

// NewClient creates a client for the given endpoint URL. The URL path is the
// protocol endpoint; a bare host URL defaults to /mcp.
func NewClient(serverURL string, clientInfo Implementation, opts ...ClientOption) (*Client, error) {
	c := &Client{
		clientInfo:    clientInfo,
		serverURL:     serverURL,
		logger:        GetDefaultLogger(),
		state:         StateDisconnected,
		pushState:     pushIdle,
		subscriptions: make(map[string]struct{}),
		handlers:      make(map[string][]notificationEntry),
		reconnectConfig: reconnect.Config{
			MaxReconnectAttempts:   5,
			ReconnectDelay:         5 * time.Second,
			ReconnectBackoffFactor: 1.5,
			MaxReconnectDelay:      30 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	c.reconnectConfig.Validate()

	transport, err := newHTTPTransport(serverURL, c.httpClient, c.logger)
	if err != nil {
		return nil, err
	}
	c.transport = transport
	return c, nil
}

func (c *Client) setRetryConfig(config *retry.Config) {
	c.retryConfig = config
}

func (c *Client) setReconnectConfig(config *reconnect.Config) {
	c.reconnectConfig = *config
}

// State returns the request-channel state.
func (c *Client) State() ClientState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SessionID returns the current session token, empty before initialize.
func (c *Client) SessionID() string {
	return c.transport.currentSessionID()
}

func (c *Client) setState(state ClientState) {
	c.mu.Lock()
	c.state = state
	c.mu.Unlock()
}

// Initialize performs the handshake: the initialize call, the initialized
// notification and the push stream connect. It may be called once per client.
func (c *Client) Initialize(ctx context.Context) (*InitializeResult, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, errors.ErrClientClosed
	}
	if c.initResult != nil {
		c.mu.Unlock()
		return nil, errors.ErrAlreadyInitialized
	}
	c.state = StateInitializing
	c.mu.Unlock()

	result, err := c.doInitialize(ctx)
	if err != nil {
		c.setState(StateDisconnected)
		return nil, err
	}

	c.mu.Lock()
	c.initResult = result
	c.state = StateConnected
	c.mu.Unlock()
	return result, nil
}

// doInitialize runs the handshake against whatever session state the
// transport currently holds. Recovery reuses it after clearing the session.
func (c *Client) doInitialize(ctx context.Context) (*InitializeResult, error) {
	params := map[string]interface{}{
		"protocolVersion": ProtocolVersion,
		"clientInfo":      c.clientInfo,
	}
	raw, err := c.execute(ctx, MethodInitialize, params)
	if err != nil {
		return nil, err
	}
	result, err := parseInitializeResult(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errors.ErrParse, err)
	}

	if err := c.transport.sendNotification(ctx, NewJSONRPCNotificationFromMap(MethodNotificationsInitialized, nil)); err != nil {
		return nil, fmt.Errorf("send initialized notification: %w", err)
	}

	c.startPushLoop()
	c.logger.Infof("session established: %s", c.SessionID())
	return result, nil
}

// execute performs one raw exchange with transport retry but without session
// recovery.
func (c *Client) execute(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	request := newJSONRPCRequest(c.requestID.Add(1), method, params)

	var raw json.RawMessage
	err := retry.Execute(ctx, func() error {
		var opErr error
		raw, opErr = c.transport.sendRequest(ctx, request)
		return opErr
	}, c.retryConfig, method)
	return raw, err
}

// SendRequest performs one call with full session-error handling: a session
// error triggers exactly one recovery cycle and one retried call; a second
// session error on the retried call propagates.
func (c *Client) SendRequest(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	return c.call(ctx, method, params, true)
}

func (c *Client) call(ctx context.Context, method string, params interface{}, allowRecovery bool) (json.RawMessage, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, errors.ErrClientClosed
	}
	if c.initResult == nil {
		c.mu.Unlock()
		return nil, errors.ErrNotInitialized
	}
	c.mu.Unlock()

	raw, err := c.execute(ctx, method, params)
	if err == nil || !isSessionError(err) || !allowRecovery {
		return raw, err
	}

	c.logger.Warnf("session error on %s, starting recovery: %v", method, err)
	if recErr := c.recoverSession(ctx); recErr != nil {
		return nil, recErr
	}
	return c.call(ctx, method, params, false)
}

// isSessionError classifies err as the recoverable session-expiry subtype.
// Parse errors and plain transport failures never match.
func isSessionError(err error) bool {
	if err == nil {
		return false
	}
	if stderrors.Is(err, errors.ErrSessionNotFound) {
		return true
	}
	if stderrors.Is(err, errors.ErrParse) {
		return false
	}
	var rpcErr *RPCError
	if stderrors.As(err, &rpcErr) {
		return reconnect.IsSessionExpiredError(stderrors.New(rpcErr.Message))
	}
	return reconnect.IsSessionExpiredError(err)
}

// recoverSession runs the recovery cycle: discard the session, tear down the
// push stream, re-run the handshake, replay subscriptions and fire the
// recovery callbacks. Only one cycle runs at a time; concurrent callers wait
// on the in-flight cycle and share its outcome.
func (c *Client) recoverSession(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errors.ErrClientClosed
	}
	if c.recovery != nil {
		future := c.recovery
		c.mu.Unlock()
		select {
		case <-future.done:
			return future.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	future := &recoveryFuture{done: make(chan struct{})}
	c.recovery = future
	c.state = StateRecovering
	c.mu.Unlock()

	oldSessionID := c.transport.currentSessionID()
	err := c.runRecovery(ctx, oldSessionID)

	c.mu.Lock()
	c.recovery = nil
	if err != nil || c.closed {
		c.state = StateDisconnected
	} else {
		c.state = StateConnected
	}
	c.mu.Unlock()

	// The guard must clear on every path or later recoveries deadlock.
	future.err = err
	close(future.done)
	return err
}

func (c *Client) runRecovery(ctx context.Context, oldSessionID string) error {
	// Close may have landed between the recoverSession entry check and here;
	// a recovery cycle must never outlive the client.
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errors.ErrClientClosed
	}
	c.mu.Unlock()

	c.stopPushLoop()
	c.transport.clearSession()
	c.setState(StateInitializing)

	if _, err := c.doInitialize(ctx); err != nil {
		return fmt.Errorf("%w: %v", errors.ErrRecoveryFailed, err)
	}
	newSessionID := c.transport.currentSessionID()
	c.logger.Infof("session recovered: %s -> %s", oldSessionID, newSessionID)

	c.resubscribeAll(ctx)
	c.fireRecoveryCallbacks(oldSessionID, newSessionID)
	return nil
}

// resubscribeAll replays the client's subscription set on the new session.
// Failures are logged, not fatal: the session itself is already recovered.
func (c *Client) resubscribeAll(ctx context.Context) {
	c.mu.Lock()
	uris := make([]string, 0, len(c.subscriptions))
	for uri := range c.subscriptions {
		uris = append(uris, uri)
	}
	c.mu.Unlock()

	for _, uri := range uris {
		if _, err := c.execute(ctx, MethodResourcesSubscribe, map[string]interface{}{"uri": uri}); err != nil {
			c.logger.Warnf("resubscribe %s failed: %v", uri, err)
		}
	}
}

func (c *Client) fireRecoveryCallbacks(oldSessionID, newSessionID string) {
	c.handlersMu.RLock()
	callbacks := make([]recoveryEntry, len(c.recoveryCallbacks))
	copy(callbacks, c.recoveryCallbacks)
	c.handlersMu.RUnlock()

	for _, entry := range callbacks {
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					c.logger.Errorf("recovery callback panic: %v", rec)
				}
			}()
			entry.callback(oldSessionID, newSessionID)
		}()
	}
}

// OnNotification registers a handler for a push method and returns its
// unsubscribe function. Unsubscription is by handle: registering the same
// function twice yields two independent registrations.
func (c *Client) OnNotification(method string, handler NotificationHandler) func() {
	c.handlersMu.Lock()
	c.nextHandleID++
	id := c.nextHandleID
	c.handlers[method] = append(c.handlers[method], notificationEntry{id: id, handler: handler})
	c.handlersMu.Unlock()

	return func() {
		c.handlersMu.Lock()
		defer c.handlersMu.Unlock()
		entries := c.handlers[method]
		for i, entry := range entries {
			if entry.id == id {
				c.handlers[method] = append(entries[:i], entries[i+1:]...)
				break
			}
		}
	}
}

// OnSessionRecovered registers a callback fired after each successful
// recovery and returns its unsubscribe function.
func (c *Client) OnSessionRecovered(callback RecoveryCallback) func() {
	c.handlersMu.Lock()
	c.nextHandleID++
	id := c.nextHandleID
	c.recoveryCallbacks = append(c.recoveryCallbacks, recoveryEntry{id: id, callback: callback})
	c.handlersMu.Unlock()

	return func() {
		c.handlersMu.Lock()
		defer c.handlersMu.Unlock()
		for i, entry := range c.recoveryCallbacks {
			if entry.id == id {
				c.recoveryCallbacks = append(c.recoveryCallbacks[:i], c.recoveryCallbacks[i+1:]...)
				break
			}
		}
	}
}

// Ping checks protocol-level liveness on the current session.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.SendRequest(ctx, MethodPing, nil)
	return err
}

// ListTools fetches the tool catalog.
func (c *Client) ListTools(ctx context.Context) (*ListToolsResult, error) {
	raw, err := c.SendRequest(ctx, MethodToolsList, nil)
	if err != nil {
		return nil, err
	}
	return parseListToolsResult(raw)
}

// CallTool invokes a named tool with JSON arguments.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]interface{}) (*CallToolResult, error) {
	raw, err := c.SendRequest(ctx, MethodToolsCall, map[string]interface{}{
		"name":      name,
		"arguments": args,
	})
	if err != nil {
		return nil, err
	}
	return parseCallToolResult(raw)
}

// ListResources fetches the resource catalog.
func (c *Client) ListResources(ctx context.Context) (*ListResourcesResult, error) {
	raw, err := c.SendRequest(ctx, MethodResourcesList, nil)
	if err != nil {
		return nil, err
	}
	return parseListResourcesResult(raw)
}

// ReadResource reads one resource by URI.
func (c *Client) ReadResource(ctx context.Context, uri string) (*ReadResourceResult, error) {
	raw, err := c.SendRequest(ctx, MethodResourcesRead, map[string]interface{}{"uri": uri})
	if err != nil {
		return nil, err
	}
	return parseReadResourceResult(raw)
}

// SubscribeResource subscribes to change notifications for uri. The client
// remembers the subscription and replays it after recovery.
func (c *Client) SubscribeResource(ctx context.Context, uri string) error {
	if _, err := c.SendRequest(ctx, MethodResourcesSubscribe, map[string]interface{}{"uri": uri}); err != nil {
		return err
	}
	c.mu.Lock()
	c.subscriptions[uri] = struct{}{}
	c.mu.Unlock()
	return nil
}

// UnsubscribeResource removes the subscription for uri.
func (c *Client) UnsubscribeResource(ctx context.Context, uri string) error {
	if _, err := c.SendRequest(ctx, MethodResourcesUnsubscribe, map[string]interface{}{"uri": uri}); err != nil {
		return err
	}
	c.mu.Lock()
	delete(c.subscriptions, uri)
	c.mu.Unlock()
	return nil
}

// HealthCheck probes the server's health endpoint. It needs no session.
func (c *Client) HealthCheck(ctx context.Context) error {
	return c.transport.healthCheck(ctx)
}

// TerminateSession explicitly ends the current session server-side.
func (c *Client) TerminateSession(ctx context.Context) error {
	c.stopPushLoop()
	err := c.transport.terminateSession(ctx)

	c.mu.Lock()
	c.initResult = nil
	c.state = StateDisconnected
	c.mu.Unlock()
	return err
}

// Close tears the client down: the push stream closes, pending reconnects
// cancel and every handler registration is dropped. No delivery occurs after
// Close returns.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.state = StateDisconnected
	inflight := c.recovery
	c.mu.Unlock()

	// An in-flight recovery observes closed and aborts, but it may already be
	// mid-handshake; wait it out so the push stream it could still open is
	// torn down below rather than leaked without an owner.
	if inflight != nil {
		<-inflight.done
	}

	c.stopPushLoop()

	c.handlersMu.Lock()
	c.handlers = make(map[string][]notificationEntry)
	c.recoveryCallbacks = nil
	c.handlersMu.Unlock()

	c.logger.Infof("client closed")
	return nil
}

// startPushLoop launches the push goroutine for the current session,
// replacing any previous loop.
func (c *Client) startPushLoop() {
	c.stopPushLoop()

	ctx, cancel := context.WithCancel(context.Background())

	// Registering the cancel under c.mu orders this against Close: either
	// Close already marked the client closed and no loop starts, or the
	// cancel is visible to Close's stopPushLoop before Close proceeds.
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		cancel()
		return
	}
	c.pushMu.Lock()
	c.pushCancel = cancel
	c.pushState = pushConnecting
	c.pushMu.Unlock()
	c.pushWG.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.pushWG.Done()
		c.runPushLoop(ctx)
	}()
}

// stopPushLoop cancels the push goroutine and waits for it to exit.
func (c *Client) stopPushLoop() {
	c.pushMu.Lock()
	cancel := c.pushCancel
	c.pushCancel = nil
	c.pushMu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	c.pushWG.Wait()

	c.pushMu.Lock()
	c.pushState = pushIdle
	c.pushMu.Unlock()
}

// runPushLoop owns the push stream: connect, read frames, reconnect after
// stream end, hand session errors to recovery. It exits on context cancel,
// on a session error (recovery restarts it) or after exhausting consecutive
// connect failures.
func (c *Client) runPushLoop(ctx context.Context) {
	failures := 0
	for ctx.Err() == nil {
		c.setPushState(pushConnecting)
		stream, err := c.transport.openPushStream(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if isSessionError(err) {
				c.logger.Warnf("push stream rejected, starting recovery: %v", err)
				// Recovery tears this loop down and starts a fresh one;
				// detach so stopPushLoop does not wait on ourselves.
				go func() {
					if recErr := c.recoverSession(context.Background()); recErr != nil {
						c.logger.Errorf("push-initiated recovery failed: %v", recErr)
					}
				}()
				return
			}
			failures++
			if failures > c.reconnectConfig.MaxReconnectAttempts {
				c.logger.Errorf("push stream gave up after %d attempts: %v", failures, err)
				c.setPushState(pushIdle)
				return
			}
			delay := c.reconnectConfig.CalculateDelay(failures + 1)
			c.logger.Warnf("push stream connect failed (attempt %d), retrying in %v: %v", failures, delay, err)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return
			}
			continue
		}

		failures = 0
		c.setPushState(pushConnected)
		c.logger.Debugf("push stream connected: session %s", c.SessionID())

		readErr := c.readPushStream(ctx, stream)
		stream.Close()
		c.setPushState(pushIdle)
		if ctx.Err() != nil {
			return
		}
		if readErr != nil {
			c.logger.Warnf("push stream read ended: %v", readErr)
		}

		// The session is still believed valid either way: reconnect the
		// stream, immediately after an abrupt drop, after the configured
		// delay on a clean end.
		select {
		case <-time.After(c.reconnectDelayAfter(readErr)):
		case <-ctx.Done():
			return
		}
	}
}

// reconnectDelayAfter decides the wait before reopening the push stream once
// a read ends. An abrupt stream drop reconnects immediately on the same
// session; a clean end waits out the configured delay.
func (c *Client) reconnectDelayAfter(readErr error) time.Duration {
	if reconnect.IsStreamDisconnectedError(readErr) {
		return 0
	}
	return c.reconnectConfig.ReconnectDelay
}

func (c *Client) setPushState(state string) {
	c.pushMu.Lock()
	c.pushState = state
	c.pushMu.Unlock()
}

// readPushStream pumps the SSE stream through the incremental frame parser
// and dispatches each parsed notification. It returns nil on clean EOF.
func (c *Client) readPushStream(ctx context.Context, stream io.Reader) error {
	buffer := ""
	chunk := make([]byte, 4096)
	for {
		n, err := stream.Read(chunk)
		if n > 0 {
			var frames []sseFrame
			frames, buffer = extractSSEFrames(buffer, string(chunk[:n]))
			for _, frame := range frames {
				c.dispatchFrame(frame)
			}
		}
		if err != nil {
			if err == io.EOF || ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

// dispatchFrame parses one frame's payload and fans it out to the handlers
// registered for its method. Malformed payloads are logged and dropped;
// panicking handlers do not block the rest.
func (c *Client) dispatchFrame(frame sseFrame) {
	var notification JSONRPCNotification
	if err := json.Unmarshal([]byte(frame.Data), &notification); err != nil || notification.Method == "" {
		c.logger.Warnf("dropping malformed push frame: %v", err)
		return
	}

	c.handlersMu.RLock()
	entries := make([]notificationEntry, len(c.handlers[notification.Method]))
	copy(entries, c.handlers[notification.Method])
	c.handlersMu.RUnlock()

	for _, entry := range entries {
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					c.logger.Errorf("notification handler panic on %s: %v", notification.Method, rec)
				}
			}()
			entry.handler(&notification)
		}()
	}
}
