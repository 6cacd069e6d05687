// Package presence tracks which authenticated identities currently hold a
// live connection and broadcasts population-size events to everyone online.
package presence

import (
	"log"
	"sync"

	"github.com/campusmeet/chat-app/internal/metrics"
	"github.com/campusmeet/chat-app/internal/protocol"
	"github.com/campusmeet/chat-app/internal/ws"
)

// Registry is the process-wide identity -> live connection mapping. At most
// one connection is tracked per identity; a reconnect replaces the prior
// handle. Registry operations never fail; absence of an identity is a valid,
// checkable state.
type Registry struct {
	mu     sync.RWMutex
	byUser map[string]*ws.Connection
}

// NewRegistry creates an empty presence registry.
func NewRegistry() *Registry {
	return &Registry{byUser: make(map[string]*ws.Connection)}
}

// Register records the live mapping for the connection's identity, replacing
// any prior handle, and broadcasts the new online count. The replaced handle
// (if any) is returned so the caller can close it.
func (r *Registry) Register(conn *ws.Connection) *ws.Connection {
	r.mu.Lock()
	prev := r.byUser[conn.UserID]
	r.byUser[conn.UserID] = conn
	count := len(r.byUser)
	r.mu.Unlock()

	metrics.OnlineUsers.Set(float64(count))
	r.broadcastCount(count)
	return prev
}

// Unregister removes the identity's mapping, but only if the registered
// handle is still the given connection. This keeps a slow disconnect of a
// replaced socket from knocking out the identity's fresh connection. It
// reports whether a removal happened, so each disconnect is cleaned up
// exactly once.
func (r *Registry) Unregister(userID, connID string) bool {
	r.mu.Lock()
	cur, ok := r.byUser[userID]
	if !ok || cur.ID != connID {
		r.mu.Unlock()
		return false
	}
	delete(r.byUser, userID)
	count := len(r.byUser)
	r.mu.Unlock()

	metrics.OnlineUsers.Set(float64(count))
	r.broadcastCount(count)
	return true
}

// Get returns the live connection for the identity, or nil when offline.
func (r *Registry) Get(userID string) *ws.Connection {
	r.mu.RLock()
	conn := r.byUser[userID]
	r.mu.RUnlock()
	return conn
}

// Count returns the number of identities currently online.
func (r *Registry) Count() int {
	r.mu.RLock()
	n := len(r.byUser)
	r.mu.RUnlock()
	return n
}

// broadcastCount sends the online count to every registered connection.
// Individual write errors are ignored; dead sockets are reaped by the
// heartbeat and the read path.
func (r *Registry) broadcastCount(count int) {
	data, err := protocol.NewServerMessage(protocol.TypeOnlineCount, protocol.OnlineCountMsg{Count: count})
	if err != nil {
		log.Printf("[presence] failed to build online_count: %v", err)
		return
	}

	r.mu.RLock()
	conns := make([]*ws.Connection, 0, len(r.byUser))
	for _, conn := range r.byUser {
		conns = append(conns, conn)
	}
	r.mu.RUnlock()

	for _, conn := range conns {
		_ = conn.WriteMessage(data)
	}
}
