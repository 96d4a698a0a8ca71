// Tencent is pleased to support the open source community by making trpc-mcplink-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-mcplink-go is licensed under the Apache License Version 2.0.

package mcplink

import (
	"encoding/json"
	"fmt"
)

// ProtocolVersion is the link protocol revision negotiated during initialize.
const ProtocolVersion = "2025-03-26"

// Request methods.
const (
	MethodInitialize           = "initialize"
	MethodPing                 = "ping"
	MethodToolsList            = "tools/list"
	MethodToolsCall            = "tools/call"
	MethodResourcesList        = "resources/list"
	MethodResourcesRead        = "resources/read"
	MethodResourcesSubscribe   = "resources/subscribe"
	MethodResourcesUnsubscribe = "resources/unsubscribe"
)

// Notification methods.
const (
	MethodNotificationsInitialized          = "notifications/initialized"
	MethodNotificationsResourcesListChanged = "notifications/resources/list_changed"
	MethodNotificationsResourcesUpdated     = "notifications/resources/updated"
)

// Implementation identifies a client or server program.
type Implementation struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// ServerCapabilities advertises the optional feature set the server supports.
type ServerCapabilities struct {
	Tools     *ToolsCapability     `json:"tools,omitempty"`
	Resources *ResourcesCapability `json:"resources,omitempty"`
}

// ToolsCapability marks tool support.
type ToolsCapability struct {
	ListChanged bool `json:"listChanged,omitempty"`
}

// ResourcesCapability marks resource support.
type ResourcesCapability struct {
	Subscribe   bool `json:"subscribe,omitempty"`
	ListChanged bool `json:"listChanged,omitempty"`
}

// InitializeResult is the server's reply to initialize.
type InitializeResult struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    ServerCapabilities `json:"capabilities"`
	ServerInfo      Implementation     `json:"serverInfo"`
}

// Tool describes one callable server-side operation.
type Tool struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	InputSchema map[string]interface{} `json:"inputSchema,omitempty"`
}

// ListToolsResult is the reply to tools/list.
type ListToolsResult struct {
	Tools []Tool `json:"tools"`
}

// CallToolResult is the reply to tools/call.
type CallToolResult struct {
	Content []TextContent `json:"content"`
	IsError bool          `json:"isError,omitempty"`
}

// TextContent is a text payload item inside a tool result.
type TextContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// NewTextResult wraps formatted text in a single-item tool result.
func NewTextResult(format string, args ...interface{}) *CallToolResult {
	return &CallToolResult{
		Content: []TextContent{{Type: "text", Text: fmt.Sprintf(format, args...)}},
	}
}

// Resource describes one readable, optionally watchable server-side entity.
type Resource struct {
	URI         string `json:"uri"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	MimeType    string `json:"mimeType,omitempty"`
}

// ListResourcesResult is the reply to resources/list.
type ListResourcesResult struct {
	Resources []Resource `json:"resources"`
}

// ResourceContents is one content item in a resources/read reply.
type ResourceContents struct {
	URI      string `json:"uri"`
	MimeType string `json:"mimeType,omitempty"`
	Text     string `json:"text,omitempty"`
}

// ReadResourceResult is the reply to resources/read.
type ReadResourceResult struct {
	Contents []ResourceContents `json:"contents"`
}

func parseInitializeResult(raw json.RawMessage) (*InitializeResult, error) {
	var result InitializeResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("parse initialize result: %w", err)
	}
	return &result, nil
}

func parseListToolsResult(raw json.RawMessage) (*ListToolsResult, error) {
	var result ListToolsResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("parse tools/list result: %w", err)
	}
	return &result, nil
}

func parseCallToolResult(raw json.RawMessage) (*CallToolResult, error) {
	var result CallToolResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("parse tools/call result: %w", err)
	}
	return &result, nil
}

func parseListResourcesResult(raw json.RawMessage) (*ListResourcesResult, error) {
	var result ListResourcesResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("parse resources/list result: %w", err)
	}
	return &result, nil
}

func parseReadResourceResult(raw json.RawMessage) (*ReadResourceResult, error) {
	var result ReadResourceResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("parse resources/read result: %w", err)
	}
	return &result, nil
}
