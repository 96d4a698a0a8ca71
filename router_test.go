// Tencent is pleased to support the open source community by making trpc-mcplink-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-mcplink-go is licensed under the Apache License Version 2.0.

package mcplink

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRouter(t *testing.T) (*requestRouter, *SessionRegistry, *Session) {
	t.Helper()
	registry := NewSessionRegistry()
	router := newRequestRouter(registry, Implementation{Name: "test-server", Version: "0.0.1"})
	session := registry.CreateSession()
	return router, registry, session
}

func dispatchRequest(router *requestRouter, session *Session, method string, params interface{}) JSONRPCMessage {
	req := newJSONRPCRequest(1, method, params)
	return router.dispatch(context.Background(), req, session)
}

func TestRouter_Initialize(t *testing.T) {
	router, _, session := newTestRouter(t)

	resp := dispatchRequest(router, session, MethodInitialize, map[string]interface{}{
		"protocolVersion": ProtocolVersion,
		"clientInfo":      Implementation{Name: "test-client", Version: "1.0.0"},
	})

	response, ok := resp.(*JSONRPCResponse)
	require.True(t, ok, "expected success envelope, got %T", resp)
	result, ok := response.Result.(InitializeResult)
	require.True(t, ok)
	assert.Equal(t, ProtocolVersion, result.ProtocolVersion)
	assert.Equal(t, "test-server", result.ServerInfo.Name)
	assert.True(t, session.IsInitialized())
}

func TestRouter_Ping(t *testing.T) {
	router, _, session := newTestRouter(t)

	resp := dispatchRequest(router, session, MethodPing, nil)
	_, ok := resp.(*JSONRPCResponse)
	assert.True(t, ok)
}

func TestRouter_UnknownMethodIsError(t *testing.T) {
	router, _, session := newTestRouter(t)

	resp := dispatchRequest(router, session, "no/such/method", nil)

	errResp, ok := resp.(*JSONRPCError)
	require.True(t, ok, "expected error envelope, got %T", resp)
	assert.Equal(t, ErrCodeInternal, errResp.Error.Code)
	assert.Contains(t, errResp.Error.Message, "unknown method")
}

func TestRouter_ToolsListOrder(t *testing.T) {
	router, _, session := newTestRouter(t)
	router.registerTool(Tool{Name: "bravo"}, func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
		return "", nil
	})
	router.registerTool(Tool{Name: "alpha"}, func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
		return "", nil
	})

	resp := dispatchRequest(router, session, MethodToolsList, nil)
	response := resp.(*JSONRPCResponse)
	result := response.Result.(ListToolsResult)

	require.Len(t, result.Tools, 2)
	assert.Equal(t, "bravo", result.Tools[0].Name)
	assert.Equal(t, "alpha", result.Tools[1].Name)
}

func TestRouter_CallToolStringResult(t *testing.T) {
	router, _, session := newTestRouter(t)
	router.registerTool(Tool{Name: "echo"}, func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
		return fmt.Sprintf("echo: %v", args["text"]), nil
	})

	resp := dispatchRequest(router, session, MethodToolsCall, map[string]interface{}{
		"name":      "echo",
		"arguments": map[string]interface{}{"text": "hi"},
	})

	response := resp.(*JSONRPCResponse)
	result := response.Result.(*CallToolResult)
	require.Len(t, result.Content, 1)
	assert.Equal(t, "text", result.Content[0].Type)
	assert.Equal(t, "echo: hi", result.Content[0].Text)
}

func TestRouter_CallToolStructuredResultSerialized(t *testing.T) {
	router, _, session := newTestRouter(t)
	router.registerTool(Tool{Name: "stats"}, func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
		return map[string]interface{}{"count": 3}, nil
	})

	resp := dispatchRequest(router, session, MethodToolsCall, map[string]interface{}{"name": "stats"})

	response := resp.(*JSONRPCResponse)
	result := response.Result.(*CallToolResult)
	require.Len(t, result.Content, 1)
	assert.JSONEq(t, `{"count":3}`, result.Content[0].Text)
}

func TestRouter_CallToolUnknownToolIsError(t *testing.T) {
	router, _, session := newTestRouter(t)

	resp := dispatchRequest(router, session, MethodToolsCall, map[string]interface{}{"name": "missing"})

	errResp, ok := resp.(*JSONRPCError)
	require.True(t, ok)
	assert.Equal(t, ErrCodeInternal, errResp.Error.Code)
	assert.Contains(t, errResp.Error.Message, "unknown tool")
}

func TestRouter_CallToolCustomErrorCode(t *testing.T) {
	router, _, session := newTestRouter(t)
	router.registerTool(Tool{Name: "forbidden"}, func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
		return nil, NewRPCError(-30001, "custom failure")
	})

	resp := dispatchRequest(router, session, MethodToolsCall, map[string]interface{}{"name": "forbidden"})

	errResp, ok := resp.(*JSONRPCError)
	require.True(t, ok)
	assert.Equal(t, -30001, errResp.Error.Code)
	assert.Equal(t, "custom failure", errResp.Error.Message)
}

func TestRouter_HandlerPanicBecomesErrorEnvelope(t *testing.T) {
	router, _, session := newTestRouter(t)
	router.registerTool(Tool{Name: "boom"}, func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
		panic("tool exploded")
	})

	resp := dispatchRequest(router, session, MethodToolsCall, map[string]interface{}{"name": "boom"})

	errResp, ok := resp.(*JSONRPCError)
	require.True(t, ok, "a panicking handler must produce an error envelope, not a crash")
	assert.Equal(t, ErrCodeInternal, errResp.Error.Code)
	assert.Contains(t, errResp.Error.Message, "tool exploded")
	assert.NotNil(t, errResp.Error.Data, "stack payload expected")
}

func TestRouter_ResourcesReadAndList(t *testing.T) {
	router, _, session := newTestRouter(t)
	router.registerResource(
		Resource{URI: "file:///transcripts", Name: "transcripts", MimeType: "text/plain"},
		func(ctx context.Context, uri string) (*ReadResourceResult, error) {
			return &ReadResourceResult{Contents: []ResourceContents{{URI: uri, Text: "hello"}}}, nil
		},
	)

	listResp := dispatchRequest(router, session, MethodResourcesList, nil)
	listResult := listResp.(*JSONRPCResponse).Result.(ListResourcesResult)
	require.Len(t, listResult.Resources, 1)
	assert.Equal(t, "file:///transcripts", listResult.Resources[0].URI)

	readResp := dispatchRequest(router, session, MethodResourcesRead, map[string]interface{}{"uri": "file:///transcripts"})
	readResult := readResp.(*JSONRPCResponse).Result.(*ReadResourceResult)
	require.Len(t, readResult.Contents, 1)
	assert.Equal(t, "hello", readResult.Contents[0].Text)

	unknown := dispatchRequest(router, session, MethodResourcesRead, map[string]interface{}{"uri": "file:///nope"})
	errResp, ok := unknown.(*JSONRPCError)
	require.True(t, ok)
	assert.Equal(t, ErrCodeInternal, errResp.Error.Code)
}

func TestRouter_SubscribeDelegatesToRegistry(t *testing.T) {
	router, _, session := newTestRouter(t)

	resp := dispatchRequest(router, session, MethodResourcesSubscribe, map[string]interface{}{"uri": "file:///a"})
	_, ok := resp.(*JSONRPCResponse)
	require.True(t, ok)
	assert.True(t, session.IsSubscribed("file:///a"))

	resp = dispatchRequest(router, session, MethodResourcesUnsubscribe, map[string]interface{}{"uri": "file:///a"})
	_, ok = resp.(*JSONRPCResponse)
	require.True(t, ok)
	assert.False(t, session.IsSubscribed("file:///a"))
}

func TestRouter_MissingURIParam(t *testing.T) {
	router, _, session := newTestRouter(t)

	resp := dispatchRequest(router, session, MethodResourcesSubscribe, map[string]interface{}{})
	errResp, ok := resp.(*JSONRPCError)
	require.True(t, ok)
	assert.Equal(t, ErrCodeInvalidParams, errResp.Error.Code)
}
