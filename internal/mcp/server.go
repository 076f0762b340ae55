// ABOUTME: HTTP front end serving MCP messages over both the legacy SSE and
// ABOUTME: Streamable HTTP transport conventions with per-client sessions.

package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"
)

// ProtocolVersion is advertised on every response so clients can confirm
// the negotiated protocol revision.
const ProtocolVersion = "2025-03-26"

// Session and protocol header names used by the Streamable HTTP convention.
const (
	headerSessionID       = "Mcp-Session-Id"
	headerProtocolVersion = "MCP-Protocol-Version"
)

// MaxRequestBodySize is the maximum allowed size for request bodies (1MB).
const MaxRequestBodySize = 1 << 20

// MessageHandler dispatches a parsed JSON-RPC request and returns its result.
// Returning a *JSONRPCError produces a protocol-level error envelope; any
// other error becomes a JSON-RPC internal error with HTTP 500.
type MessageHandler interface {
	Handle(ctx context.Context, sessionID string, req *JSONRPCRequest) (any, error)
}

// Auditor records gateway events. Implementations must be safe for
// concurrent use; a nil Auditor disables recording.
type Auditor interface {
	Record(ctx context.Context, kind, sessionID, method, detail string)
}

// Config holds configuration for the protocol gateway.
type Config struct {
	Handler           MessageHandler
	Logger            *slog.Logger
	AllowedHosts      []string // host names accepted by the allowlist check
	ServerName        string
	ServerVersion     string
	ToolCount         int
	KeepAliveInterval time.Duration
	SessionTTL        time.Duration // 0 disables session eviction
	Auditor           Auditor
}

// Server is the gateway's HTTP entry point. It enforces the host allowlist,
// resolves sessions, negotiates the transport convention per path, and
// funnels both conventions into the same message-dispatch core.
type Server struct {
	handler      MessageHandler
	logger       *slog.Logger
	allowedHosts map[string]bool
	serverName   string
	version      string
	toolCount    int
	sessions     *Registry
	emitter      *StreamEmitter
	auditor      Auditor
}

// NewServer creates a protocol gateway with the given configuration.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Handler == nil {
		return nil, errors.New("message handler is required")
	}
	if len(cfg.AllowedHosts) == 0 {
		return nil, errors.New("at least one allowed host is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "mcp")

	allowed := make(map[string]bool, len(cfg.AllowedHosts))
	for _, h := range cfg.AllowedHosts {
		allowed[strings.ToLower(h)] = true
	}

	return &Server{
		handler:      cfg.Handler,
		logger:       logger,
		allowedHosts: allowed,
		serverName:   cfg.ServerName,
		version:      cfg.ServerVersion,
		toolCount:    cfg.ToolCount,
		sessions:     NewRegistry(cfg.SessionTTL),
		emitter:      NewStreamEmitter(cfg.KeepAliveInterval, logger),
		auditor:      cfg.Auditor,
	}, nil
}

// Sessions exposes the session registry for orchestration and tests.
func (s *Server) Sessions() *Registry { return s.sessions }

// Close releases background resources held by the gateway.
func (s *Server) Close() { s.sessions.Close() }

// Handler returns the gateway's HTTP handler with the host allowlist check
// applied before any routing.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleRoot)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/sse", s.handleSSE)
	mux.HandleFunc("/sse/", s.handleSSE)
	mux.HandleFunc("/message", s.handleMessageModern)
	mux.HandleFunc("/messages", s.handleMessageLegacy)
	mux.HandleFunc("/.well-known/oauth-authorization-server", s.handleOAuthMetadata)
	mux.HandleFunc("/register", s.handleRegister)
	mux.HandleFunc("/token", s.handleToken)
	return s.checkHost(mux)
}

// checkHost rejects requests whose Host header is outside the allowlist.
// This runs before any other processing, for every route.
func (s *Server) checkHost(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host := r.Host
		if h, _, err := net.SplitHostPort(host); err == nil {
			host = h
		}
		if !s.allowedHosts[strings.ToLower(host)] {
			s.logger.Warn("rejected request from disallowed host", "host", host, "path", r.URL.Path)
			http.Error(w, fmt.Sprintf("host %q is not allowed", host), http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// resolveSession reads the incoming session identifier: the header for the
// new convention, the query parameter on the legacy message path.
func resolveSession(r *http.Request) string {
	if id := r.Header.Get(headerSessionID); id != "" {
		return id
	}
	if r.URL.Path == "/messages" {
		return r.URL.Query().Get("session_id")
	}
	return ""
}

// setProtocolHeaders stamps the fixed protocol version and the resolved
// session id so clients can learn their session on any response.
func setProtocolHeaders(w http.ResponseWriter, sessionID string) {
	w.Header().Set(headerProtocolVersion, ProtocolVersion)
	w.Header().Set(headerSessionID, sessionID)
}

// handleRoot serves the service descriptor, an event stream, or the message
// path depending on method and Accept header. Unknown paths fall through to
// a bare 404 with no protocol headers.
func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	switch r.Method {
	case http.MethodGet:
		if acceptsEventStream(r) {
			s.openStream(w, r, false)
			return
		}
		s.handleDescriptor(w, r)
	case http.MethodPost:
		s.handleMessage(w, r, false)
	default:
		http.NotFound(w, r)
	}
}

// acceptsEventStream reports whether the client asked for an SSE response.
func acceptsEventStream(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "text/event-stream")
}

// handleSSE serves the legacy transport endpoints: GET opens a stream, POST
// submits a message, DELETE terminates the session.
func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.openStream(w, r, true)
	case http.MethodPost:
		s.handleMessage(w, r, false)
	case http.MethodDelete:
		s.handleDeleteSession(w, r)
	default:
		http.NotFound(w, r)
	}
}

// handleMessageModern serves POST /message (header-based session).
func (s *Server) handleMessageModern(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.NotFound(w, r)
		return
	}
	s.handleMessage(w, r, false)
}

// handleMessageLegacy serves POST /messages (query-string session, 202).
func (s *Server) handleMessageLegacy(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.NotFound(w, r)
		return
	}
	s.handleMessage(w, r, true)
}

// openStream resolves the session and hands the connection to the emitter.
func (s *Server) openStream(w http.ResponseWriter, r *http.Request, legacy bool) {
	sessionID := s.getOrCreateSession(r)
	setProtocolHeaders(w, sessionID)
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	s.emitter.Serve(r.Context(), w, sessionID, legacy)
}

// handleMessage is the message-dispatch core both transports funnel into.
// legacy selects the query-session convention: the session must already
// exist and successful dispatch answers with HTTP 202.
func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request, legacy bool) {
	incoming := resolveSession(r)

	var sessionID string
	if legacy {
		if !s.sessions.Exists(incoming) {
			setProtocolHeaders(w, incoming)
			s.logger.Warn("message for unknown session", "session_id", incoming)
			writeEnvelope(w, http.StatusNotFound,
				newError(nil, CodeSessionNotFound, "session not found",
					map[string]string{"session_id": incoming}))
			return
		}
		sessionID = incoming
	} else {
		sessionID = s.getOrCreateSession(r)
	}
	setProtocolHeaders(w, sessionID)

	okStatus := http.StatusOK
	if legacy {
		okStatus = http.StatusAccepted
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, MaxRequestBodySize+1))
	if err != nil || int64(len(body)) > MaxRequestBodySize {
		writeEnvelope(w, http.StatusBadRequest, newError(nil, CodeParseError, "failed to read request body", nil))
		return
	}

	var req JSONRPCRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeEnvelope(w, http.StatusBadRequest, newError(nil, CodeParseError, "invalid JSON", nil))
		return
	}

	s.logger.Debug("dispatching message", "method", req.Method, "session_id", sessionID)
	s.record(r.Context(), "message", sessionID, req.Method, "")

	result, err := s.handler.Handle(r.Context(), sessionID, &req)
	if err != nil {
		var rpcErr *JSONRPCError
		if errors.As(err, &rpcErr) {
			writeEnvelope(w, okStatus, newError(req.ID, rpcErr.Code, rpcErr.Message, rpcErr.Data))
			return
		}
		s.logger.Error("dispatch failed", "method", req.Method, "session_id", sessionID, "error", err)
		s.record(r.Context(), "dispatch_error", sessionID, req.Method, err.Error())
		writeEnvelope(w, http.StatusInternalServerError, newError(req.ID, CodeInternalError, "internal error", nil))
		return
	}

	writeEnvelope(w, okStatus, newResult(req.ID, result))
}

// handleDeleteSession removes the resolved session. Idempotent: deleting an
// unknown session still acknowledges the close.
func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	sessionID := resolveSession(r)
	if sessionID == "" {
		sessionID = r.URL.Query().Get("session_id")
	}
	s.sessions.Delete(sessionID)
	s.logger.Info("session terminated", "session_id", sessionID)
	s.record(r.Context(), "session_deleted", sessionID, "", "")

	setProtocolHeaders(w, sessionID)
	writeJSON(w, http.StatusOK, map[string]string{
		"status":     "session_closed",
		"session_id": sessionID,
	})
}

// handleHealth serves the static liveness payload. No auth, no session.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.NotFound(w, r)
		return
	}
	setProtocolHeaders(w, resolveSession(r))
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": s.serverName})
}

// handleDescriptor serves the static service-descriptor payload on GET /
// without an event-stream Accept header.
func (s *Server) handleDescriptor(w http.ResponseWriter, r *http.Request) {
	sessionID := s.getOrCreateSession(r)
	setProtocolHeaders(w, sessionID)
	writeJSON(w, http.StatusOK, map[string]any{
		"name":       s.serverName,
		"version":    s.version,
		"protocol":   ProtocolVersion,
		"transports": []string{"sse", "streamable-http"},
		"endpoints": map[string]string{
			"sse":      "/sse",
			"message":  "/message",
			"messages": "/messages",
			"health":   "/health",
		},
		"tools": s.toolCount,
	})
}

// handleOAuthMetadata serves a static OAuth discovery document. The gateway
// performs no real OAuth flow; this satisfies clients that require the
// document before connecting.
func (s *Server) handleOAuthMetadata(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.NotFound(w, r)
		return
	}

	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	base := scheme + "://" + r.Host

	setProtocolHeaders(w, resolveSession(r))
	writeJSON(w, http.StatusOK, map[string]any{
		"issuer":                                base,
		"authorization_endpoint":                base + "/authorize",
		"token_endpoint":                        base + "/token",
		"registration_endpoint":                 base + "/register",
		"response_types_supported":              []string{"code"},
		"grant_types_supported":                 []string{"authorization_code", "client_credentials"},
		"token_endpoint_auth_methods_supported": []string{"none"},
		"code_challenge_methods_supported":      []string{"S256"},
	})
}

// handleRegister serves the Dynamic Client Registration stub.
func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.NotFound(w, r)
		return
	}
	setProtocolHeaders(w, resolveSession(r))
	writeJSON(w, http.StatusCreated, map[string]any{
		"client_id":                  "cardbox-mcp-public",
		"client_name":                s.serverName,
		"token_endpoint_auth_method": "none",
		"grant_types":                []string{"authorization_code", "client_credentials"},
		"response_types":             []string{"code"},
	})
}

// handleToken serves the authless token-issuance stub: a static long-lived
// bearer token for clients that insist on completing a flow.
func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.NotFound(w, r)
		return
	}
	setProtocolHeaders(w, resolveSession(r))
	writeJSON(w, http.StatusOK, map[string]any{
		"access_token": "cardbox-public-access",
		"token_type":   "bearer",
		"expires_in":   31536000,
	})
}

// getOrCreateSession resolves the incoming session id through the registry,
// recording newly minted sessions.
func (s *Server) getOrCreateSession(r *http.Request) string {
	incoming := resolveSession(r)
	existed := incoming != "" && s.sessions.Exists(incoming)
	sessionID := s.sessions.GetOrCreate(incoming)
	if !existed {
		s.logger.Debug("session created", "session_id", sessionID)
		s.record(r.Context(), "session_created", sessionID, "", "")
	}
	return sessionID
}

func (s *Server) record(ctx context.Context, kind, sessionID, method, detail string) {
	if s.auditor != nil {
		s.auditor.Record(ctx, kind, sessionID, method, detail)
	}
}

// writeEnvelope writes a JSON-RPC envelope with the given HTTP status.
func writeEnvelope(w http.ResponseWriter, status int, resp JSONRPCResponse) {
	writeJSON(w, status, resp)
}

// writeJSON writes a JSON response body with the given HTTP status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Default().Warn("failed to encode response", "error", err)
	}
}
