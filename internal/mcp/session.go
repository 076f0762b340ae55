// ABOUTME: Thread-safe registry of MCP client sessions keyed by opaque id.
// ABOUTME: Supports create-or-reuse semantics and an optional TTL sweep.

package mcp

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// session tracks one client's gateway-scoped state.
type session struct {
	id        string
	createdAt time.Time
}

// Registry is a mutex-guarded map of active sessions. All access is
// serialized by a single lock held only for the duration of the map
// operation, never across I/O.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*session
	ttl      time.Duration
	done     chan struct{}
	closed   bool
}

// NewRegistry creates a session registry. A positive ttl starts a background
// sweep that evicts sessions older than ttl; zero disables eviction and
// sessions live until explicitly deleted.
func NewRegistry(ttl time.Duration) *Registry {
	r := &Registry{
		sessions: make(map[string]*session),
		ttl:      ttl,
		done:     make(chan struct{}),
	}
	if ttl > 0 {
		go r.sweep()
	}
	return r
}

// GetOrCreate returns id unchanged when it names a known session, otherwise
// mints a fresh identifier and records it.
func (r *Registry) GetOrCreate(id string) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	if id != "" {
		if _, ok := r.sessions[id]; ok {
			return id
		}
	}

	fresh := uuid.New().String()
	r.sessions[fresh] = &session{id: fresh, createdAt: time.Now()}
	return fresh
}

// Exists reports whether id names a known session.
func (r *Registry) Exists(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.sessions[id]
	return ok
}

// CreatedAt returns the creation time of a known session.
func (r *Registry) CreatedAt(id string) (time.Time, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[id]
	if !ok {
		return time.Time{}, false
	}
	return sess.createdAt, true
}

// Delete removes a session. Deleting an unknown id is a no-op.
func (r *Registry) Delete(id string) {
	r.mu.Lock()
	delete(r.sessions, id)
	r.mu.Unlock()
}

// Len returns the number of active sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Close stops the background sweep goroutine. Safe to call multiple times.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.closed {
		close(r.done)
		r.closed = true
	}
}

// sweep periodically evicts sessions older than the configured TTL.
func (r *Registry) sweep() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.evictExpired()
		case <-r.done:
			return
		}
	}
}

func (r *Registry) evictExpired() {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := time.Now().Add(-r.ttl)
	for id, sess := range r.sessions {
		if sess.createdAt.Before(cutoff) {
			delete(r.sessions, id)
		}
	}
}
