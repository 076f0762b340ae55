// ABOUTME: JSON-RPC 2.0 envelope types shared by the gateway and dispatcher.
// ABOUTME: Defines standard error codes plus the reserved session-not-found code.

package mcp

import "encoding/json"

// JSONRPCRequest represents a JSON-RPC 2.0 request envelope.
type JSONRPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// IsNotification reports whether the request carries no correlation id.
func (r *JSONRPCRequest) IsNotification() bool {
	return len(r.ID) == 0 || string(r.ID) == "null"
}

// JSONRPCResponse represents a JSON-RPC 2.0 response envelope. Exactly one
// of Result and Error is set.
type JSONRPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *JSONRPCError   `json:"error,omitempty"`
}

// JSONRPCError is a JSON-RPC 2.0 error object. It satisfies error so
// dispatcher implementations can return protocol errors directly.
type JSONRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *JSONRPCError) Error() string { return e.Message }

// Standard JSON-RPC error codes, plus the reserved code the legacy transport
// uses to signal an unknown session id.
const (
	CodeParseError      = -32700
	CodeInvalidRequest  = -32600
	CodeMethodNotFound  = -32601
	CodeInvalidParams   = -32602
	CodeInternalError   = -32603
	CodeSessionNotFound = -32001
)

// newResult builds a success envelope echoing the request id.
func newResult(id json.RawMessage, result any) JSONRPCResponse {
	return JSONRPCResponse{JSONRPC: "2.0", ID: normalizeID(id), Result: result}
}

// newError builds an error envelope echoing the request id when available.
func newError(id json.RawMessage, code int, message string, data any) JSONRPCResponse {
	return JSONRPCResponse{
		JSONRPC: "2.0",
		ID:      normalizeID(id),
		Error:   &JSONRPCError{Code: code, Message: message, Data: data},
	}
}

// normalizeID maps an absent id to an explicit JSON null so error envelopes
// for unparseable requests serialize with "id": null.
func normalizeID(id json.RawMessage) json.RawMessage {
	if len(id) == 0 {
		return json.RawMessage("null")
	}
	return id
}
