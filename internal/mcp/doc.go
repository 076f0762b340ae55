// Package mcp implements the Model Context Protocol server for the gateway.
//
// # Overview
//
// MCP (Model Context Protocol) is a standard for AI tool integration. This
// package provides an MCP-compatible HTTP server that exposes the card tools
// to external AI clients (like Claude Desktop, other LLMs, or custom
// applications).
//
// # Protocol
//
// The server speaks JSON-RPC 2.0 over HTTP and supports two transport
// conventions side by side:
//
//   - Legacy SSE: GET /sse opens an event stream whose first event names the
//     message endpoint with the session id embedded as a query parameter.
//     POST /messages?session_id=... submits messages and answers with 202.
//   - Streamable HTTP: the session id travels in the Mcp-Session-Id header.
//     POST /message (or POST /) submits messages and answers with 200.
//
// Every response except a bare 404 carries the MCP-Protocol-Version and
// Mcp-Session-Id headers.
//
// # Host Filtering
//
// All routes sit behind a host allowlist. Requests whose Host header (port
// stripped) is not on the list are rejected with 403 before any routing.
//
// # Sessions
//
// Sessions are opaque ids minted by the registry. A client-supplied id is
// honored only if the registry already knows it; anything else gets a fresh
// uuid. The legacy message path is stricter: an unknown session id is a 404
// with a session-not-found JSON-RPC error.
//
// # Tool Discovery and Execution
//
// Clients call tools/list to discover available tools and tools/call to
// execute one:
//
//	{
//	  "jsonrpc": "2.0",
//	  "method": "tools/call",
//	  "params": {
//	    "name": "create_card",
//	    "arguments": {"title": "Buy groceries"}
//	  },
//	  "id": 2
//	}
//
// Tool-level failures are reported in-band via the result's isError flag;
// protocol-level failures use JSON-RPC error envelopes.
//
// # OAuth Stubs
//
// The gateway performs no real OAuth flow. /.well-known/oauth-authorization-server,
// /register, and /token serve static documents so clients that require the
// discovery dance before connecting can complete it.
//
// # Usage
//
// Create the server and mount its handler:
//
//	srv, err := mcp.NewServer(mcp.Config{
//	    Handler:      dispatcher,
//	    AllowedHosts: []string{"localhost"},
//	})
//	http.ListenAndServe(":8080", srv.Handler())
package mcp
