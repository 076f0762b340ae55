// ABOUTME: Default MCP method dispatcher backed by the tool registry.
// ABOUTME: Implements initialize, ping, tools/list, and tools/call.

package mcp

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/cardbox/cardbox-gateway/internal/tools"
)

// ToolInfo is a tool definition as listed to MCP clients.
type ToolInfo struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema"`
}

// ListToolsResult is the result for tools/list.
type ListToolsResult struct {
	Tools []ToolInfo `json:"tools"`
}

// CallToolParams are the params for tools/call.
type CallToolParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// CallToolResult is the result for tools/call. Tool-level failures are
// reported in-band via IsError rather than as protocol errors.
type CallToolResult struct {
	Content []Content `json:"content"`
	IsError bool      `json:"isError,omitempty"`
}

// Content is one content block in a tool result.
type Content struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// Dispatcher routes JSON-RPC methods to their handlers. It is the default
// MessageHandler wired into the gateway.
type Dispatcher struct {
	registry   *tools.Registry
	logger     *slog.Logger
	serverName string
	version    string
}

// NewDispatcher creates a dispatcher over the given tool registry.
func NewDispatcher(registry *tools.Registry, serverName, version string, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		registry:   registry,
		logger:     logger.With("component", "dispatcher"),
		serverName: serverName,
		version:    version,
	}
}

// Handle dispatches one request envelope and returns its result.
func (d *Dispatcher) Handle(ctx context.Context, sessionID string, req *JSONRPCRequest) (any, error) {
	switch req.Method {
	case "initialize":
		return d.handleInitialize(), nil
	case "ping":
		return map[string]any{}, nil
	case "tools/list":
		return d.handleToolsList(), nil
	case "tools/call":
		return d.handleToolsCall(ctx, req)
	default:
		if strings.HasPrefix(req.Method, "notifications/") {
			d.logger.Debug("accepted notification", "method", req.Method, "session_id", sessionID)
			return map[string]any{}, nil
		}
		return nil, &JSONRPCError{Code: CodeMethodNotFound, Message: "method not found: " + req.Method}
	}
}

func (d *Dispatcher) handleInitialize() map[string]any {
	return map[string]any{
		"protocolVersion": ProtocolVersion,
		"capabilities": map[string]any{
			"tools": map[string]any{},
		},
		"serverInfo": map[string]any{
			"name":    d.serverName,
			"version": d.version,
		},
	}
}

func (d *Dispatcher) handleToolsList() ListToolsResult {
	all := d.registry.List()
	result := ListToolsResult{Tools: make([]ToolInfo, len(all))}
	for i, t := range all {
		result.Tools[i] = ToolInfo{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.InputSchema,
		}
	}
	return result
}

func (d *Dispatcher) handleToolsCall(ctx context.Context, req *JSONRPCRequest) (any, error) {
	var params CallToolParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return nil, &JSONRPCError{Code: CodeInvalidParams, Message: "invalid params"}
		}
	}
	if params.Name == "" {
		return nil, &JSONRPCError{Code: CodeInvalidParams, Message: "tool name is required"}
	}

	tool := d.registry.Get(params.Name)
	if tool == nil {
		return nil, &JSONRPCError{Code: CodeInvalidParams, Message: "tool not found: " + params.Name}
	}

	args := params.Arguments
	if len(args) == 0 || string(args) == "null" {
		args = json.RawMessage("{}")
	}

	text, err := tool.Run(ctx, args)
	if err != nil {
		d.logger.Warn("tool execution failed", "tool", params.Name, "error", err)
		return CallToolResult{
			Content: []Content{{Type: "text", Text: err.Error()}},
			IsError: true,
		}, nil
	}

	return CallToolResult{
		Content: []Content{{Type: "text", Text: text}},
	}, nil
}
