// ABOUTME: Long-lived SSE producer bound to one connection and one session.
// ABOUTME: Emits the endpoint framing event then periodic keep-alive comments.

package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// DefaultKeepAliveInterval is how often an open stream emits a keep-alive
// comment. It is a tunable, not a protocol requirement.
const DefaultKeepAliveInterval = 15 * time.Second

// StreamEmitter holds an SSE connection open for one session, advertising
// the message-post endpoint and then heart-beating until the peer
// disconnects or the context is canceled.
type StreamEmitter struct {
	interval time.Duration
	logger   *slog.Logger
}

// NewStreamEmitter creates an emitter with the given keep-alive interval.
// A non-positive interval uses DefaultKeepAliveInterval.
func NewStreamEmitter(interval time.Duration, logger *slog.Logger) *StreamEmitter {
	if interval <= 0 {
		interval = DefaultKeepAliveInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &StreamEmitter{interval: interval, logger: logger.With("component", "stream")}
}

// Serve writes the stream until the peer disconnects or ctx is canceled.
// A write failure is the normal termination path (peer gone) and is not
// reported as an error.
//
// The first event advertises where the peer should POST follow-up messages:
// the legacy convention embeds the session id as a query parameter, the
// newer convention carries it in a header so the path is transport-neutral.
func (e *StreamEmitter) Serve(ctx context.Context, w http.ResponseWriter, sessionID string, legacy bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		e.logger.Error("response writer does not support streaming")
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	endpoint := "/message"
	if legacy {
		endpoint = "/messages?session_id=" + sessionID
	}
	if _, err := fmt.Fprintf(w, "event: endpoint\ndata: %s\n\n", endpoint); err != nil {
		return
	}
	flusher.Flush()

	e.logger.Debug("stream opened", "session_id", sessionID, "legacy", legacy)

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.logger.Debug("stream closed", "session_id", sessionID, "reason", "context canceled")
			return
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				// Peer disconnected; expected, stop silently.
				e.logger.Debug("stream closed", "session_id", sessionID, "reason", "peer disconnected")
				return
			}
			flusher.Flush()
		}
	}
}
