// Tencent is pleased to support the open source community by making trpc-mcplink-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-mcplink-go is licensed under the Apache License Version 2.0.

package mcplink

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	// SessionHeader carries the session token in both directions.
	SessionHeader = "Mcp-Session-Id"

	defaultMCPPath           = "/mcp"
	defaultHealthPath        = "/healthz"
	defaultKeepAliveInterval = 30 * time.Second
	pushChannelBuffer        = 100
)

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithServerAddress sets the listen address used by Start.
func WithServerAddress(addr string) ServerOption {
	return func(s *Server) {
		s.addr = addr
	}
}

// WithServerPath sets the protocol endpoint path (default /mcp).
func WithServerPath(path string) ServerOption {
	return func(s *Server) {
		s.mcpPath = path
	}
}

// WithServerLogger sets the server logger.
func WithServerLogger(logger Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithExpireAfterRequests expires each session after it serves n counted
// requests (initialize is not counted). Zero disables the policy.
func WithExpireAfterRequests(n int) ServerOption {
	return func(s *Server) {
		s.registry.setExpireAfterRequests(n)
	}
}

// WithIdleTimeout expires sessions with no activity for d. Zero disables
// the policy.
func WithIdleTimeout(d time.Duration) ServerOption {
	return func(s *Server) {
		s.registry.setIdleTimeout(d)
	}
}

// WithKeepAliveInterval sets the push stream keepalive comment interval.
func WithKeepAliveInterval(d time.Duration) ServerOption {
	return func(s *Server) {
		if d > 0 {
			s.keepAliveInterval = d
		}
	}
}

// WithRateLimit applies a token-bucket limit to incoming protocol requests.
// Requests beyond the limit are answered with 429.
func WithRateLimit(limit rate.Limit, burst int) ServerOption {
	return func(s *Server) {
		s.limiter = rate.NewLimiter(limit, burst)
	}
}

// WithMetricsRecorder wires a metrics recorder into the request and push
// paths.
func WithMetricsRecorder(recorder MetricsRecorder) ServerOption {
	return func(s *Server) {
		s.metrics = recorder
	}
}

// Server binds the session registry, request router and notification bus
// behind one HTTP endpoint. Tests use the same server as the real wire
// behavior, reaching the bus directly for fault injection.
type Server struct {
	addr              string
	mcpPath           string
	keepAliveInterval time.Duration

	registry *SessionRegistry
	bus      *NotificationBus
	router   *requestRouter

	limiter *rate.Limiter
	metrics MetricsRecorder
	logger  Logger

	mu         sync.Mutex
	httpServer *http.Server
}

// NewServer creates a server identified by name/version to clients.
func NewServer(name, version string, opts ...ServerOption) *Server {
	registry := NewSessionRegistry()
	serverInfo := Implementation{Name: name, Version: version}

	s := &Server{
		addr:              ":4000",
		mcpPath:           defaultMCPPath,
		keepAliveInterval: defaultKeepAliveInterval,
		registry:          registry,
		bus:               NewNotificationBus(),
		router:            newRequestRouter(registry, serverInfo),
		logger:            GetDefaultLogger(),
	}

	for _, opt := range opts {
		opt(s)
	}

	s.registry.setLogger(s.logger)
	s.bus.setLogger(s.logger)
	s.router.setLogger(s.logger)
	if s.metrics != nil {
		s.bus.setMetrics(s.metrics)
	}
	return s
}

// RegisterTool exposes a tool through tools/list and tools/call.
func (s *Server) RegisterTool(tool Tool, handler ToolHandler) {
	s.router.registerTool(tool, handler)
}

// RegisterResource exposes a resource through resources/list and
// resources/read.
func (s *Server) RegisterResource(resource Resource, handler ResourceHandler) {
	s.router.registerResource(resource, handler)
}

// Registry returns the session registry.
func (s *Server) Registry() *SessionRegistry {
	return s.registry
}

// Bus returns the notification bus, including its fault injection surface.
func (s *Server) Bus() *NotificationBus {
	return s.bus
}

// Handler returns the HTTP handler serving the protocol endpoint and the
// health endpoint. Useful with httptest.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(s.mcpPath, s.handleMCP)
	mux.HandleFunc(defaultHealthPath, s.handleHealth)
	return mux
}

// Start serves on the configured address until Shutdown.
func (s *Server) Start() error {
	s.mu.Lock()
	s.httpServer = &http.Server{Addr: s.addr, Handler: s.Handler()}
	server := s.httpServer
	s.mu.Unlock()

	s.logger.Infof("server listening on %s%s", s.addr, s.mcpPath)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown stops the HTTP server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	server := s.httpServer
	s.mu.Unlock()
	if server == nil {
		return nil
	}
	return server.Shutdown(ctx)
}

// SendNotification pushes one notification to a single session.
func (s *Server) SendNotification(sessionID, method string, params map[string]interface{}) {
	s.bus.SendToSession(sessionID, NewJSONRPCNotificationFromMap(method, params))
}

// BroadcastNotification pushes one notification to every connected session.
func (s *Server) BroadcastNotification(method string, params map[string]interface{}) {
	s.bus.Broadcast(NewJSONRPCNotificationFromMap(method, params))
}

// NotifyResourcesListChanged broadcasts the broad resource-change signal.
func (s *Server) NotifyResourcesListChanged() {
	s.BroadcastNotification(MethodNotificationsResourcesListChanged, nil)
}

// NotifyResourceUpdated pushes the scoped resource-change signal to every
// session subscribed to uri.
func (s *Server) NotifyResourceUpdated(uri string) {
	notification := NewJSONRPCNotificationFromMap(MethodNotificationsResourcesUpdated,
		map[string]interface{}{"uri": uri})
	for _, sessionID := range s.registry.ActiveSessions() {
		session, err := s.registry.GetSession(sessionID)
		if err != nil || !session.IsSubscribed(uri) {
			continue
		}
		s.bus.SendToSession(sessionID, notification)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleMCP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handlePost(w, r)
	case http.MethodGet:
		s.handlePush(w, r)
	case http.MethodDelete:
		s.handleTerminate(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// handlePost serves the request/response channel: one JSON-RPC envelope per
// POST. Requests get an envelope back; client notifications are acknowledged
// with 202 and an empty body.
func (s *Server) handlePost(w http.ResponseWriter, r *http.Request) {
	if s.limiter != nil && !s.limiter.Allow() {
		http.Error(w, "too many requests", http.StatusTooManyRequests)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}

	var envelope struct {
		JSONRPC string      `json:"jsonrpc"`
		ID      interface{} `json:"id"`
		Method  string      `json:"method"`
		Params  interface{} `json:"params"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil || envelope.Method == "" {
		s.writeEnvelope(w, "", newJSONRPCErrorResponse(nil, ErrCodeParse, "parse error", nil))
		return
	}

	if envelope.ID == nil {
		s.handleClientNotification(w, r, envelope.Method, envelope.Params)
		return
	}

	start := time.Now()
	req := newJSONRPCRequest(envelope.ID, envelope.Method, envelope.Params)

	var session *Session
	if envelope.Method == MethodInitialize {
		session = s.registry.CreateSession()
	} else {
		session, err = s.registry.GetSession(r.Header.Get(SessionHeader))
		if err != nil {
			http.Error(w, "session not found", http.StatusNotFound)
			return
		}
	}

	resp := s.router.dispatch(r.Context(), req, session)

	// The request that crosses the budget still completes; only later
	// lookups observe the expiry. Initialize is not counted.
	if envelope.Method != MethodInitialize {
		s.registry.RecordRequest(session.ID())
	}

	if s.metrics != nil {
		_, isError := resp.(*JSONRPCError)
		s.metrics.RecordRequest(envelope.Method, time.Since(start), isError)
	}
	s.writeEnvelope(w, session.ID(), resp)
}

func (s *Server) handleClientNotification(w http.ResponseWriter, r *http.Request, method string, params interface{}) {
	session, err := s.registry.GetSession(r.Header.Get(SessionHeader))
	if err != nil {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}

	notification := &JSONRPCNotification{JSONRPC: JSONRPCVersion}
	notification.Method = method
	if m, ok := params.(map[string]interface{}); ok {
		notification.Params = NotificationParams{AdditionalFields: m}
	}
	s.router.handleClientNotification(r.Context(), notification, session)

	w.Header().Set(SessionHeader, session.ID())
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) writeEnvelope(w http.ResponseWriter, sessionID string, msg JSONRPCMessage) {
	w.Header().Set("Content-Type", "application/json")
	if sessionID != "" {
		w.Header().Set(SessionHeader, sessionID)
	}
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(msg); err != nil {
		s.logger.Errorf("write response: %v", err)
	}
}

// ssePushConnection adapts one SSE response stream to the bus's
// PushConnection interface. Send never blocks the bus: a full buffer fails
// the delivery instead of stalling other sessions.
type ssePushConnection struct {
	ch        chan *JSONRPCNotification
	done      chan struct{}
	closeOnce sync.Once
}

func newSSEPushConnection() *ssePushConnection {
	return &ssePushConnection{
		ch:   make(chan *JSONRPCNotification, pushChannelBuffer),
		done: make(chan struct{}),
	}
}

func (c *ssePushConnection) Send(notification *JSONRPCNotification) error {
	select {
	case <-c.done:
		return fmt.Errorf("push connection closed")
	default:
	}
	select {
	case c.ch <- notification:
		return nil
	case <-c.done:
		return fmt.Errorf("push connection closed")
	default:
		return fmt.Errorf("push channel full")
	}
}

func (c *ssePushConnection) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
	})
	return nil
}

// handlePush serves the push channel: one long-lived SSE stream per session.
func (s *Server) handlePush(w http.ResponseWriter, r *http.Request) {
	sessionID := r.Header.Get(SessionHeader)
	if _, err := s.registry.GetSession(sessionID); err != nil {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set(SessionHeader, sessionID)
	w.WriteHeader(http.StatusOK)

	conn := newSSEPushConnection()
	s.bus.AddConnection(sessionID, conn)

	// Connection confirmation comment; carries no data and is never
	// dispatched by clients.
	fmt.Fprint(w, formatSSEComment("connected"))
	flusher.Flush()

	ticker := time.NewTicker(s.keepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case notification := <-conn.ch:
			data, err := json.Marshal(notification)
			if err != nil {
				s.logger.Errorf("marshal push notification: %v", err)
				continue
			}
			if _, err := fmt.Fprint(w, formatSSEFrame(defaultSSEEvent, string(data))); err != nil {
				s.bus.removeIfCurrent(sessionID, conn)
				conn.Close()
				return
			}
			flusher.Flush()
		case <-ticker.C:
			if _, err := fmt.Fprint(w, formatSSEComment("keepalive")); err != nil {
				s.bus.removeIfCurrent(sessionID, conn)
				conn.Close()
				return
			}
			flusher.Flush()
		case <-conn.done:
			// Superseded or dropped through the bus; the bus already
			// recorded the event and updated the map. Flush anything the
			// bus accepted before the close so accepted sends still reach
			// the wire.
			for {
				select {
				case notification := <-conn.ch:
					if data, err := json.Marshal(notification); err == nil {
						fmt.Fprint(w, formatSSEFrame(defaultSSEEvent, string(data)))
					}
				default:
					flusher.Flush()
					return
				}
			}
		case <-r.Context().Done():
			s.bus.removeIfCurrent(sessionID, conn)
			conn.Close()
			return
		}
	}
}

// handleTerminate ends the session explicitly: DELETE with the session
// header removes the session and closes its push channel.
func (s *Server) handleTerminate(w http.ResponseWriter, r *http.Request) {
	sessionID := r.Header.Get(SessionHeader)
	if err := s.registry.TerminateSession(sessionID); err != nil {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}
	s.bus.RemoveConnection(sessionID)
	w.WriteHeader(http.StatusOK)
}
