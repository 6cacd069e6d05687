// Package hub binds the WebSocket protocol events to the real-time core:
// presence, the matchmaker, the session registry, and the external
// collaborators for identities, durable conversations, and chat-log
// archival. Every handler runs on a worker-pool goroutine; per connection
// the transport delivers one message at a time.
package hub

import (
	"context"
	"log"
	"time"

	"github.com/campusmeet/chat-app/internal/conversation"
	"github.com/campusmeet/chat-app/internal/identity"
	"github.com/campusmeet/chat-app/internal/match"
	"github.com/campusmeet/chat-app/internal/presence"
	"github.com/campusmeet/chat-app/internal/protocol"
	"github.com/campusmeet/chat-app/internal/ratelimit"
	"github.com/campusmeet/chat-app/internal/report"
	"github.com/campusmeet/chat-app/internal/room"
	"github.com/campusmeet/chat-app/internal/ws"
)

// storeTimeout bounds every call to an external collaborator so a slow
// store cannot pin a worker goroutine.
const storeTimeout = 3 * time.Second

// SuspensionChecker reports whether a user is currently barred from
// matchmaking. *suspend.Store satisfies it.
type SuspensionChecker interface {
	IsSuspended(ctx context.Context, userID string) (suspended bool, remainingSecs int, reason string, err error)
}

// Hub owns the event handlers of the real-time core.
type Hub struct {
	presence      *presence.Registry
	rooms         *room.Registry
	matcher       *match.Matchmaker
	identities    identity.Store
	conversations conversation.Store
	logs          report.Publisher
	limiter       *ratelimit.Limiter // nil disables rate limiting
	suspensions   SuspensionChecker  // nil disables suspension checks
}

// New creates a Hub over the given components. limiter and suspensions may
// be nil, in which case no per-user rate limits or suspensions are enforced.
func New(
	pr *presence.Registry,
	rooms *room.Registry,
	matcher *match.Matchmaker,
	identities identity.Store,
	conversations conversation.Store,
	logs report.Publisher,
	limiter *ratelimit.Limiter,
	suspensions SuspensionChecker,
) *Hub {
	return &Hub{
		presence:      pr,
		rooms:         rooms,
		matcher:       matcher,
		identities:    identities,
		conversations: conversations,
		logs:          logs,
		limiter:       limiter,
		suspensions:   suspensions,
	}
}

// Register installs the hub's handlers on the dispatcher.
func (h *Hub) Register(d *ws.MessageDispatcher) {
	d.Register(protocol.TypeFindMatch, h.handleFindMatch)
	d.Register(protocol.TypeCancelFindMatch, h.handleCancelFindMatch)
	d.Register(protocol.TypeJoinChat, h.handleJoinChat)
	d.Register(protocol.TypeJoinAllChats, h.handleJoinAllChats)
	d.Register(protocol.TypeSendMessage, h.handleSendMessage)
	d.Register(protocol.TypeSignal, h.handleSignal)
	d.Register(protocol.TypeRequestSaveChat, h.handleRequestSaveChat)
	d.Register(protocol.TypeRespondSaveChat, h.handleRespondSaveChat)
	d.Register(protocol.TypeLeaveChat, h.handleLeaveChat)
	d.Register(protocol.TypeDeleteChat, h.handleDeleteChat)
}

// OnConnect is the transport's connection callback: the identity goes
// online, and a prior handle from the same identity is closed so exactly
// one socket per user stays live.
func (h *Hub) OnConnect(conn *ws.Connection) {
	if prev := h.presence.Register(conn); prev != nil {
		log.Printf("[hub] user=%s reconnected, closing stale conn=%s", conn.UserID, prev.ID)
		_ = prev.Close()
	}
	log.Printf("[hub] connected user=%s conn=%s", conn.UserID, conn.ID)
}

// OnDisconnect is the transport's disconnect callback. An active session is
// torn down exactly as if the user had left it, the connection leaves all
// room memberships, and presence and pool entries are cleaned up. The
// matchmaker is only cancelled when this handle was still the identity's
// current one, so a slow close of a replaced socket cannot knock a fresh
// connection out of the pools.
func (h *Hub) OnDisconnect(conn *ws.Connection) {
	if sess := h.rooms.FindByConn(conn.ID); sess != nil {
		h.endSession(sess.RoomID)
	}
	h.rooms.LeaveAll(conn.ID)

	if h.presence.Unregister(conn.UserID, conn.ID) {
		h.matcher.Cancel(conn.UserID)
	}
	log.Printf("[hub] disconnected user=%s conn=%s", conn.UserID, conn.ID)
}

// send marshals and writes a server message, logging failures. Write errors
// are not propagated; dead sockets get reaped by the heartbeat.
func (h *Hub) send(conn *ws.Connection, msgType string, payload interface{}) {
	data, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		log.Printf("[hub] failed to build %s message: %v", msgType, err)
		return
	}
	if err := conn.WriteMessage(data); err != nil {
		log.Printf("[hub] failed to send %s to conn=%s: %v", msgType, conn.ID, err)
	}
}

func (h *Hub) sendError(conn *ws.Connection, code, message string) {
	h.send(conn, protocol.TypeError, protocol.ErrorMsg{Code: code, Message: message})
}

// allow checks the rate limit rule for the identifier. With no limiter
// configured every request is allowed; limiter errors fail open.
func (h *Hub) allow(ctx context.Context, identifier string, rule ratelimit.Rule) bool {
	if h.limiter == nil {
		return true
	}
	ok, err := h.limiter.Allow(ctx, identifier, rule)
	if err != nil {
		log.Printf("[hub] rate limit check failed id=%s: %v", identifier, err)
	}
	return ok
}
