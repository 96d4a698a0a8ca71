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
	"runtime/debug"
	"sync"

	stderrors "errors"
)

// ToolHandler executes one tool call. String results pass through as text
// content; *CallToolResult passes through unchanged; any other value is
// serialized to JSON text. Returning an *RPCError puts that exact code on
// the wire instead of the generic internal error.
type ToolHandler func(ctx context.Context, args map[string]interface{}) (interface{}, error)

// ResourceHandler produces the contents of one resource read.
type ResourceHandler func(ctx context.Context, uri string) (*ReadResourceResult, error)

type registeredTool struct {
	tool    Tool
	handler ToolHandler
}

type registeredResource struct {
	resource Resource
	handler  ResourceHandler
}

// requestHandlerFunc is the dispatch table entry signature.
type requestHandlerFunc func(ctx context.Context, req *JSONRPCRequest, session *Session) (JSONRPCMessage, error)

// requestRouter dispatches incoming requests to method handlers. Every
// failure path produces an error envelope: unknown methods, unknown tools,
// handler errors and handler panics are all user-facing errors, never a
// crash. The test harness reuses this router as the real server behavior.
type requestRouter struct {
	registry   *SessionRegistry
	serverInfo Implementation

	mu            sync.RWMutex
	tools         map[string]*registeredTool
	toolOrder     []string
	resources     map[string]*registeredResource
	resourceOrder []string

	logger Logger
}

func newRequestRouter(registry *SessionRegistry, serverInfo Implementation) *requestRouter {
	return &requestRouter{
		registry:   registry,
		serverInfo: serverInfo,
		tools:      make(map[string]*registeredTool),
		resources:  make(map[string]*registeredResource),
		logger:     GetDefaultLogger(),
	}
}

func (rt *requestRouter) setLogger(logger Logger) {
	rt.logger = logger
}

func (rt *requestRouter) registerTool(tool Tool, handler ToolHandler) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if _, exists := rt.tools[tool.Name]; !exists {
		rt.toolOrder = append(rt.toolOrder, tool.Name)
	}
	rt.tools[tool.Name] = &registeredTool{tool: tool, handler: handler}
}

func (rt *requestRouter) registerResource(resource Resource, handler ResourceHandler) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if _, exists := rt.resources[resource.URI]; !exists {
		rt.resourceOrder = append(rt.resourceOrder, resource.URI)
	}
	rt.resources[resource.URI] = &registeredResource{resource: resource, handler: handler}
}

func (rt *requestRouter) dispatchTable() map[string]requestHandlerFunc {
	return map[string]requestHandlerFunc{
		MethodInitialize:           rt.handleInitialize,
		MethodPing:                 rt.handlePing,
		MethodToolsList:            rt.handleToolsList,
		MethodToolsCall:            rt.handleToolsCall,
		MethodResourcesList:        rt.handleResourcesList,
		MethodResourcesRead:        rt.handleResourcesRead,
		MethodResourcesSubscribe:   rt.handleResourcesSubscribe,
		MethodResourcesUnsubscribe: rt.handleResourcesUnsubscribe,
	}
}

// dispatch routes one request and always returns an envelope. Panics in
// handlers are converted to internal-error envelopes carrying the panic
// message and a stack payload.
func (rt *requestRouter) dispatch(ctx context.Context, req *JSONRPCRequest, session *Session) (resp JSONRPCMessage) {
	defer func() {
		if rec := recover(); rec != nil {
			rt.logger.Errorf("handler panic on %s: %v", req.Method, rec)
			resp = newJSONRPCErrorResponse(req.ID, ErrCodeInternal, fmt.Sprintf("%v", rec), string(debug.Stack()))
		}
	}()

	handler, ok := rt.dispatchTable()[req.Method]
	if !ok {
		return newJSONRPCErrorResponse(req.ID, ErrCodeInternal, fmt.Sprintf("unknown method: %s", req.Method), nil)
	}

	msg, err := handler(ctx, req, session)
	if err != nil {
		var rpcErr *RPCError
		if stderrors.As(err, &rpcErr) {
			return newJSONRPCErrorResponse(req.ID, rpcErr.Code, rpcErr.Message, rpcErr.Data)
		}
		return newJSONRPCErrorResponse(req.ID, ErrCodeInternal, err.Error(), nil)
	}
	return msg
}

// handleClientNotification processes a fire-and-forget message from the
// client. Unknown notification methods are ignored.
func (rt *requestRouter) handleClientNotification(ctx context.Context, notification *JSONRPCNotification, session *Session) {
	switch notification.Method {
	case MethodNotificationsInitialized:
		// Acknowledgment of the handshake; initialize already recorded the state.
	default:
		rt.logger.Debugf("ignoring client notification: %s", notification.Method)
	}
}

func (rt *requestRouter) handleInitialize(ctx context.Context, req *JSONRPCRequest, session *Session) (JSONRPCMessage, error) {
	var params struct {
		ProtocolVersion string         `json:"protocolVersion"`
		ClientInfo      Implementation `json:"clientInfo"`
	}
	if err := parseParams(req.Params, &params); err != nil {
		return newJSONRPCErrorResponse(req.ID, ErrCodeInvalidParams, "invalid initialize params", err.Error()), nil
	}

	if err := rt.registry.MarkInitialized(session.ID()); err != nil {
		return nil, err
	}
	rt.logger.Infof("session %s initialized by %s/%s", session.ID(), params.ClientInfo.Name, params.ClientInfo.Version)

	result := InitializeResult{
		ProtocolVersion: ProtocolVersion,
		Capabilities: ServerCapabilities{
			Tools:     &ToolsCapability{ListChanged: true},
			Resources: &ResourcesCapability{Subscribe: true, ListChanged: true},
		},
		ServerInfo: rt.serverInfo,
	}
	return newJSONRPCResponse(req.ID, result), nil
}

func (rt *requestRouter) handlePing(ctx context.Context, req *JSONRPCRequest, session *Session) (JSONRPCMessage, error) {
	return newJSONRPCResponse(req.ID, map[string]interface{}{}), nil
}

func (rt *requestRouter) handleToolsList(ctx context.Context, req *JSONRPCRequest, session *Session) (JSONRPCMessage, error) {
	rt.mu.RLock()
	tools := make([]Tool, 0, len(rt.toolOrder))
	for _, name := range rt.toolOrder {
		tools = append(tools, rt.tools[name].tool)
	}
	rt.mu.RUnlock()
	return newJSONRPCResponse(req.ID, ListToolsResult{Tools: tools}), nil
}

func (rt *requestRouter) handleToolsCall(ctx context.Context, req *JSONRPCRequest, session *Session) (JSONRPCMessage, error) {
	var params struct {
		Name      string                 `json:"name"`
		Arguments map[string]interface{} `json:"arguments"`
	}
	if err := parseParams(req.Params, &params); err != nil {
		return newJSONRPCErrorResponse(req.ID, ErrCodeInvalidParams, "invalid tools/call params", err.Error()), nil
	}

	rt.mu.RLock()
	registered, ok := rt.tools[params.Name]
	rt.mu.RUnlock()
	if !ok {
		return newJSONRPCErrorResponse(req.ID, ErrCodeInternal, fmt.Sprintf("unknown tool: %s", params.Name), nil), nil
	}

	value, err := registered.handler(ctx, params.Arguments)
	if err != nil {
		return nil, err
	}
	result, err := wrapToolResult(value)
	if err != nil {
		return nil, err
	}
	return newJSONRPCResponse(req.ID, result), nil
}

// wrapToolResult normalizes a handler return value into the uniform content
// envelope.
func wrapToolResult(value interface{}) (*CallToolResult, error) {
	switch v := value.(type) {
	case *CallToolResult:
		return v, nil
	case string:
		return NewTextResult("%s", v), nil
	case nil:
		return &CallToolResult{Content: []TextContent{}}, nil
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("serialize tool result: %w", err)
		}
		return NewTextResult("%s", string(data)), nil
	}
}

func (rt *requestRouter) handleResourcesList(ctx context.Context, req *JSONRPCRequest, session *Session) (JSONRPCMessage, error) {
	rt.mu.RLock()
	resources := make([]Resource, 0, len(rt.resourceOrder))
	for _, uri := range rt.resourceOrder {
		resources = append(resources, rt.resources[uri].resource)
	}
	rt.mu.RUnlock()
	return newJSONRPCResponse(req.ID, ListResourcesResult{Resources: resources}), nil
}

func (rt *requestRouter) handleResourcesRead(ctx context.Context, req *JSONRPCRequest, session *Session) (JSONRPCMessage, error) {
	uri, errResp := parseURIParam(req)
	if errResp != nil {
		return errResp, nil
	}

	rt.mu.RLock()
	registered, ok := rt.resources[uri]
	rt.mu.RUnlock()
	if !ok {
		return newJSONRPCErrorResponse(req.ID, ErrCodeInternal, fmt.Sprintf("unknown resource: %s", uri), nil), nil
	}

	result, err := registered.handler(ctx, uri)
	if err != nil {
		return nil, err
	}
	return newJSONRPCResponse(req.ID, result), nil
}

func (rt *requestRouter) handleResourcesSubscribe(ctx context.Context, req *JSONRPCRequest, session *Session) (JSONRPCMessage, error) {
	uri, errResp := parseURIParam(req)
	if errResp != nil {
		return errResp, nil
	}
	if err := rt.registry.Subscribe(session.ID(), uri); err != nil {
		return nil, err
	}
	return newJSONRPCResponse(req.ID, map[string]interface{}{}), nil
}

func (rt *requestRouter) handleResourcesUnsubscribe(ctx context.Context, req *JSONRPCRequest, session *Session) (JSONRPCMessage, error) {
	uri, errResp := parseURIParam(req)
	if errResp != nil {
		return errResp, nil
	}
	if err := rt.registry.Unsubscribe(session.ID(), uri); err != nil {
		return nil, err
	}
	return newJSONRPCResponse(req.ID, map[string]interface{}{}), nil
}

func parseURIParam(req *JSONRPCRequest) (string, JSONRPCMessage) {
	var params struct {
		URI string `json:"uri"`
	}
	if err := parseParams(req.Params, &params); err != nil || params.URI == "" {
		return "", newJSONRPCErrorResponse(req.ID, ErrCodeInvalidParams, "missing uri param", nil)
	}
	return params.URI, nil
}

// parseParams converts the generic params value into a typed struct by
// round-tripping through JSON. Params arrive as map[string]interface{} from
// the wire but may be typed structs when the router is called in-process.
func parseParams(params interface{}, target interface{}) error {
	if params == nil {
		return nil
	}
	data, err := json.Marshal(params)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, target)
}
