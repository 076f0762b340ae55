// ABOUTME: Tests for the method dispatcher: initialize, tool listing,
// ABOUTME: tool invocation, and error code selection.

package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cardbox/cardbox-gateway/internal/tools"
)

func newTestDispatcher(t *testing.T) *Dispatcher {
	t.Helper()
	registry := tools.NewRegistry()
	require.NoError(t, registry.Register(&tools.Tool{
		Name:        "echo",
		Description: "Echo the input back.",
		InputSchema: json.RawMessage(`{"type":"object"}`),
		Run: func(_ context.Context, args json.RawMessage) (string, error) {
			var in struct {
				Text string `json:"text"`
			}
			if err := json.Unmarshal(args, &in); err != nil {
				return "", err
			}
			return in.Text, nil
		},
	}))
	require.NoError(t, registry.Register(&tools.Tool{
		Name:        "always_fails",
		Description: "Fails on every call.",
		InputSchema: json.RawMessage(`{"type":"object"}`),
		Run: func(context.Context, json.RawMessage) (string, error) {
			return "", errors.New("upstream said no")
		},
	}))
	return NewDispatcher(registry, "cardbox-gateway", "1.0.0", nil)
}

func dispatch(t *testing.T, d *Dispatcher, method, params string) (any, error) {
	t.Helper()
	req := &JSONRPCRequest{JSONRPC: "2.0", ID: json.RawMessage("1"), Method: method}
	if params != "" {
		req.Params = json.RawMessage(params)
	}
	return d.Handle(context.Background(), "sess-1", req)
}

func TestInitialize(t *testing.T) {
	d := newTestDispatcher(t)
	result, err := dispatch(t, d, "initialize", "")
	require.NoError(t, err)

	init := result.(map[string]any)
	assert.Equal(t, ProtocolVersion, init["protocolVersion"])

	serverInfo := init["serverInfo"].(map[string]any)
	assert.Equal(t, "cardbox-gateway", serverInfo["name"])
	assert.Equal(t, "1.0.0", serverInfo["version"])

	caps := init["capabilities"].(map[string]any)
	assert.Contains(t, caps, "tools")
}

func TestPing(t *testing.T) {
	d := newTestDispatcher(t)
	result, err := dispatch(t, d, "ping", "")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{}, result)
}

func TestToolsList(t *testing.T) {
	d := newTestDispatcher(t)
	result, err := dispatch(t, d, "tools/list", "")
	require.NoError(t, err)

	list := result.(ListToolsResult)
	require.Len(t, list.Tools, 2)
	assert.Equal(t, "always_fails", list.Tools[0].Name, "tools are listed sorted by name")
	assert.Equal(t, "echo", list.Tools[1].Name)
	assert.NotEmpty(t, list.Tools[1].Description)
	assert.NotEmpty(t, list.Tools[1].InputSchema)
}

func TestToolsCall(t *testing.T) {
	d := newTestDispatcher(t)
	result, err := dispatch(t, d, "tools/call", `{"name":"echo","arguments":{"text":"hello"}}`)
	require.NoError(t, err)

	call := result.(CallToolResult)
	assert.False(t, call.IsError)
	require.Len(t, call.Content, 1)
	assert.Equal(t, "text", call.Content[0].Type)
	assert.Equal(t, "hello", call.Content[0].Text)
}

func TestToolsCallFailureIsInBand(t *testing.T) {
	d := newTestDispatcher(t)
	result, err := dispatch(t, d, "tools/call", `{"name":"always_fails","arguments":{}}`)
	require.NoError(t, err, "tool failures are reported in the result, not as protocol errors")

	call := result.(CallToolResult)
	assert.True(t, call.IsError)
	require.Len(t, call.Content, 1)
	assert.Contains(t, call.Content[0].Text, "upstream said no")
}

func TestToolsCallUnknownTool(t *testing.T) {
	d := newTestDispatcher(t)
	_, err := dispatch(t, d, "tools/call", `{"name":"nope"}`)
	var rpcErr *JSONRPCError
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, CodeInvalidParams, rpcErr.Code)
}

func TestToolsCallMissingName(t *testing.T) {
	d := newTestDispatcher(t)
	_, err := dispatch(t, d, "tools/call", `{}`)
	var rpcErr *JSONRPCError
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, CodeInvalidParams, rpcErr.Code)
}

func TestToolsCallInvalidParams(t *testing.T) {
	d := newTestDispatcher(t)
	_, err := dispatch(t, d, "tools/call", `"not an object"`)
	var rpcErr *JSONRPCError
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, CodeInvalidParams, rpcErr.Code)
}

func TestToolsCallNullArguments(t *testing.T) {
	d := newTestDispatcher(t)
	result, err := dispatch(t, d, "tools/call", `{"name":"echo","arguments":null}`)
	require.NoError(t, err)
	call := result.(CallToolResult)
	assert.False(t, call.IsError)
}

func TestNotificationsAreAccepted(t *testing.T) {
	d := newTestDispatcher(t)
	result, err := dispatch(t, d, "notifications/initialized", "")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{}, result)
}

func TestUnknownMethod(t *testing.T) {
	d := newTestDispatcher(t)
	_, err := dispatch(t, d, "resources/list", "")
	var rpcErr *JSONRPCError
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, CodeMethodNotFound, rpcErr.Code)
	assert.Contains(t, rpcErr.Message, "resources/list")
}
