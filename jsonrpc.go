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

// JSONRPCVersion is the protocol version string carried by every envelope.
const JSONRPCVersion = "2.0"

// Standard JSON-RPC 2.0 error codes.
const (
	ErrCodeParse          = -32700
	ErrCodeInvalidRequest = -32600
	ErrCodeMethodNotFound = -32601
	ErrCodeInvalidParams  = -32602
	ErrCodeInternal       = -32603
)

// JSONRPCMessage is any JSON-RPC envelope: request, notification, response
// or error response.
type JSONRPCMessage interface{}

// JSONRPCRequest is a call that expects a response. ID must be non-nil; an
// envelope without an ID is a notification, not a request.
type JSONRPCRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
}

// Notification is the base struct for all push and fire-and-forget messages.
type Notification struct {
	Method string             `json:"method"`
	Params NotificationParams `json:"params,omitempty"`
}

// NotificationParams carries arbitrary notification payload fields flattened
// into the params object on the wire.
type NotificationParams struct {
	AdditionalFields map[string]interface{} `json:"-"`
}

// MarshalJSON flattens AdditionalFields into a single JSON object. Empty
// params marshal as {} rather than null.
func (p NotificationParams) MarshalJSON() ([]byte, error) {
	if len(p.AdditionalFields) == 0 {
		return []byte("{}"), nil
	}
	return json.Marshal(p.AdditionalFields)
}

// UnmarshalJSON stores every params field in AdditionalFields.
func (p *NotificationParams) UnmarshalJSON(data []byte) error {
	s := string(data)
	if s == "null" || s == "{}" {
		p.AdditionalFields = make(map[string]interface{})
		return nil
	}
	m := make(map[string]interface{})
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	p.AdditionalFields = m
	return nil
}

// JSONRPCNotification is a fire-and-forget envelope. It carries no ID and
// receives no response beyond transport-level acknowledgment.
type JSONRPCNotification struct {
	JSONRPC string `json:"jsonrpc"`
	Notification
}

// JSONRPCResponse is a successful reply to a request.
type JSONRPCResponse struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id"`
	Result  interface{} `json:"result"`
}

// JSONRPCErrorDetail is the error member of an error response.
type JSONRPCErrorDetail struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// JSONRPCError is an error reply to a request.
type JSONRPCError struct {
	JSONRPC string             `json:"jsonrpc"`
	ID      interface{}        `json:"id"`
	Error   JSONRPCErrorDetail `json:"error"`
}

// RPCError is the Go-side representation of a JSON-RPC error member. The
// client returns it from calls that fail at the protocol level, and handlers
// may return it to put a specific code on the wire instead of the generic
// internal error.
type RPCError struct {
	Code    int
	Message string
	Data    interface{}
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("RPC error %d: %s", e.Code, e.Message)
}

// NewRPCError builds an RPCError with the given code and formatted message.
func NewRPCError(code int, format string, args ...interface{}) *RPCError {
	return &RPCError{Code: code, Message: fmt.Sprintf(format, args...)}
}

func newJSONRPCRequest(id interface{}, method string, params interface{}) *JSONRPCRequest {
	return &JSONRPCRequest{
		JSONRPC: JSONRPCVersion,
		ID:      id,
		Method:  method,
		Params:  params,
	}
}

// NewJSONRPCNotificationFromMap builds a notification envelope whose params
// are the given map. A nil map yields empty params.
func NewJSONRPCNotificationFromMap(method string, params map[string]interface{}) *JSONRPCNotification {
	return &JSONRPCNotification{
		JSONRPC: JSONRPCVersion,
		Notification: Notification{
			Method: method,
			Params: NotificationParams{AdditionalFields: params},
		},
	}
}

func newJSONRPCResponse(id interface{}, result interface{}) *JSONRPCResponse {
	return &JSONRPCResponse{
		JSONRPC: JSONRPCVersion,
		ID:      id,
		Result:  result,
	}
}

func newJSONRPCErrorResponse(id interface{}, code int, message string, data interface{}) *JSONRPCError {
	return &JSONRPCError{
		JSONRPC: JSONRPCVersion,
		ID:      id,
		Error: JSONRPCErrorDetail{
			Code:    code,
			Message: message,
			Data:    data,
		},
	}
}

// rawEnvelope is the shape used to take apart an incoming reply without
// committing to success or error.
type rawEnvelope struct {
	JSONRPC string              `json:"jsonrpc"`
	ID      interface{}         `json:"id"`
	Result  json.RawMessage     `json:"result"`
	Error   *JSONRPCErrorDetail `json:"error"`
}

// parseResponse splits a reply body into its result payload or an *RPCError.
func parseResponse(body []byte) (json.RawMessage, error) {
	var env rawEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	if env.Error != nil {
		return nil, &RPCError{
			Code:    env.Error.Code,
			Message: env.Error.Message,
			Data:    env.Error.Data,
		}
	}
	return env.Result, nil
}
