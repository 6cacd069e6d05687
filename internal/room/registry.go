package room

import (
	"sync"

	"github.com/google/uuid"

	"github.com/campusmeet/chat-app/internal/identity"
	"github.com/campusmeet/chat-app/internal/match"
	"github.com/campusmeet/chat-app/internal/metrics"
	"github.com/campusmeet/chat-app/internal/ws"
)

// Registry holds every active Session and the live membership of each room.
// Membership is wider than sessions: a saved conversation's id can be joined
// by any of its participants' connections long after the original ephemeral
// session is gone, so persistent messages still reach everyone.
//
// The registry is mutated only by the hub handlers; nothing outside the
// component can reach the maps directly.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session                  // roomID -> session
	byConn   map[string]string                    // connID -> roomID of its ephemeral session
	members  map[string]map[string]*ws.Connection // roomID -> connID -> conn
}

// NewRegistry creates an empty session registry.
func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		byConn:   make(map[string]string),
		members:  make(map[string]map[string]*ws.Connection),
	}
}

// Create pairs two users into a fresh Session with a newly generated room id
// and joins both connections to the room.
func (r *Registry) Create(aUser, bUser *identity.Identity, aConn, bConn *ws.Connection, mode match.Mode) *Session {
	s := &Session{
		RoomID: uuid.New().String(),
		A:      Participant{User: aUser, ConnID: aConn.ID},
		B:      Participant{User: bUser, ConnID: bConn.ID},
		Mode:   mode,
	}

	r.mu.Lock()
	r.sessions[s.RoomID] = s
	r.byConn[aConn.ID] = s.RoomID
	r.byConn[bConn.ID] = s.RoomID
	r.members[s.RoomID] = map[string]*ws.Connection{
		aConn.ID: aConn,
		bConn.ID: bConn,
	}
	count := len(r.sessions)
	r.mu.Unlock()

	metrics.ActiveSessions.Set(float64(count))
	return s
}

// Get returns the session for the room id, or nil.
func (r *Registry) Get(roomID string) *Session {
	r.mu.RLock()
	s := r.sessions[roomID]
	r.mu.RUnlock()
	return s
}

// FindByConn returns the ephemeral session the connection participates in,
// or nil. Used on the implicit-disconnect teardown path.
func (r *Registry) FindByConn(connID string) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	roomID, ok := r.byConn[connID]
	if !ok {
		return nil
	}
	return r.sessions[roomID]
}

// Remove deletes the session and its room membership, returning the removed
// session or nil if it was already gone. Losing the race here is normal:
// both participants' disconnects may race to tear the same session down, and
// only one caller gets the non-nil result.
func (r *Registry) Remove(roomID string) *Session {
	r.mu.Lock()
	s, ok := r.sessions[roomID]
	if !ok {
		r.mu.Unlock()
		return nil
	}
	delete(r.sessions, roomID)
	delete(r.byConn, s.A.ConnID)
	delete(r.byConn, s.B.ConnID)
	delete(r.members, roomID)
	count := len(r.sessions)
	r.mu.Unlock()

	metrics.ActiveSessions.Set(float64(count))
	return s
}

// Join adds a connection to a room's membership. The room does not need an
// active Session: saved conversation ids are joined this way.
func (r *Registry) Join(roomID string, conn *ws.Connection) {
	r.mu.Lock()
	m, ok := r.members[roomID]
	if !ok {
		m = make(map[string]*ws.Connection)
		r.members[roomID] = m
	}
	m[conn.ID] = conn
	r.mu.Unlock()
}

// LeaveAll removes the connection from every room's membership. Called on
// disconnect.
func (r *Registry) LeaveAll(connID string) {
	r.mu.Lock()
	for roomID, m := range r.members {
		delete(m, connID)
		if len(m) == 0 && r.sessions[roomID] == nil {
			delete(r.members, roomID)
		}
	}
	r.mu.Unlock()
}

// MembersExcept returns every connection joined to the room other than the
// given one.
func (r *Registry) MembersExcept(roomID, connID string) []*ws.Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m := r.members[roomID]
	out := make([]*ws.Connection, 0, len(m))
	for id, conn := range m {
		if id != connID {
			out = append(out, conn)
		}
	}
	return out
}

// Len returns the number of active sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	n := len(r.sessions)
	r.mu.RUnlock()
	return n
}
