package hub

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/campusmeet/chat-app/internal/conversation"
	"github.com/campusmeet/chat-app/internal/metrics"
	"github.com/campusmeet/chat-app/internal/protocol"
	"github.com/campusmeet/chat-app/internal/ratelimit"
	"github.com/campusmeet/chat-app/internal/ws"
)

// maxMessageLen caps a single chat message.
const maxMessageLen = 2000

func validateText(text string) error {
	if strings.TrimSpace(text) == "" {
		return errors.New("empty message")
	}
	if len(text) > maxMessageLen {
		return fmt.Errorf("message exceeds %d bytes", maxMessageLen)
	}
	return nil
}

// handleJoinChat joins the connection to a room. An active session only
// admits its own participants; any other room id is treated as a saved
// conversation and checked against the durable store.
func (h *Hub) handleJoinChat(conn *ws.Connection, raw interface{}) {
	msg, ok := raw.(protocol.JoinChatMsg)
	if !ok || msg.RoomID == "" {
		return
	}

	if sess := h.rooms.Get(msg.RoomID); sess != nil {
		if !sess.IsParticipant(conn.UserID) {
			log.Printf("[hub] join refused user=%s room=%s", conn.UserID, msg.RoomID)
			return
		}
		h.rooms.Join(msg.RoomID, conn)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	member, err := h.conversations.IsParticipant(ctx, msg.RoomID, conn.UserID)
	if err != nil {
		log.Printf("[hub] participant check failed room=%s user=%s: %v", msg.RoomID, conn.UserID, err)
		h.sendError(conn, "join_failed", "could not join chat")
		return
	}
	if !member {
		log.Printf("[hub] join refused user=%s room=%s", conn.UserID, msg.RoomID)
		return
	}
	h.rooms.Join(msg.RoomID, conn)
}

// handleJoinAllChats joins the connection to every saved conversation the
// user participates in, typically right after connecting.
func (h *Hub) handleJoinAllChats(conn *ws.Connection, raw interface{}) {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	ids, err := h.conversations.ListForUser(ctx, conn.UserID)
	if err != nil {
		log.Printf("[hub] list conversations failed user=%s: %v", conn.UserID, err)
		h.sendError(conn, "join_failed", "could not join chats")
		return
	}
	for _, id := range ids {
		h.rooms.Join(id, conn)
	}
	log.Printf("[hub] user=%s joined %d saved chats", conn.UserID, len(ids))
}

// handleSendMessage relays a chat message to the other room members.
// Ephemeral messages are recorded on the session transcript only;
// persistent ones are checked against the conversation's membership and
// appended to the durable store first. A failed persist is reported to the
// sender but the message is still relayed, so the conversation never goes
// silently one-sided.
func (h *Hub) handleSendMessage(conn *ws.Connection, raw interface{}) {
	msg, ok := raw.(protocol.SendMessageMsg)
	if !ok {
		return
	}
	start := time.Now()

	if err := validateText(msg.Text); err != nil {
		h.sendError(conn, "invalid_message", err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	if !h.allow(ctx, conn.UserID, ratelimit.RuleMessage) {
		h.sendError(conn, "rate_limited", "too many messages")
		return
	}

	kind := "ephemeral"
	if msg.Persistent {
		kind = "persistent"
		member, err := h.conversations.IsParticipant(ctx, msg.RoomID, conn.UserID)
		if err != nil {
			log.Printf("[hub] participant check failed room=%s user=%s: %v", msg.RoomID, conn.UserID, err)
			h.sendError(conn, "persist_failed", "message could not be saved")
			return
		}
		if !member {
			log.Printf("[hub] persistent message from non-participant user=%s room=%s dropped", conn.UserID, msg.RoomID)
			return
		}
		err = h.conversations.Append(ctx, msg.RoomID, []conversation.Message{{
			SenderID: conn.UserID,
			Text:     msg.Text,
			SentAt:   time.Now(),
		}})
		if err != nil {
			log.Printf("[hub] persist failed room=%s user=%s: %v", msg.RoomID, conn.UserID, err)
			h.sendError(conn, "persist_failed", "message could not be saved")
		}
	} else if sess := h.rooms.Get(msg.RoomID); sess != nil {
		if !sess.IsParticipant(conn.UserID) {
			log.Printf("[hub] message from non-participant user=%s room=%s dropped", conn.UserID, msg.RoomID)
			return
		}
		alias := sess.A.User.Alias
		if sess.B.User.ID == conn.UserID {
			alias = sess.B.User.Alias
		}
		sess.Append(conn.UserID, alias, msg.Text, time.Now())
	}

	members := h.rooms.MembersExcept(msg.RoomID, conn.ID)
	if len(members) == 0 && h.rooms.Get(msg.RoomID) == nil {
		log.Printf("[hub] message for unknown room=%s user=%s dropped", msg.RoomID, conn.UserID)
		return
	}

	data, err := protocol.NewServerMessage(protocol.TypeNewMessage, protocol.NewMessageMsg{
		RoomID:   msg.RoomID,
		Text:     msg.Text,
		SenderID: conn.UserID,
	})
	if err != nil {
		log.Printf("[hub] failed to build new_message: %v", err)
		return
	}
	for _, m := range members {
		_ = m.WriteMessage(data)
	}

	metrics.MessagesRelayed.WithLabelValues(kind).Inc()
	metrics.RelayLatency.Observe(time.Since(start).Seconds())
}

// handleSignal relays a WebRTC signaling payload verbatim to the other
// session participant. Signals are never stored and never touch the
// transcript.
func (h *Hub) handleSignal(conn *ws.Connection, raw interface{}) {
	msg, ok := raw.(protocol.SignalMsg)
	if !ok {
		return
	}
	start := time.Now()

	sess := h.rooms.Get(msg.RoomID)
	if sess == nil || !sess.HasConn(conn.ID) {
		log.Printf("[hub] signal for unknown room=%s conn=%s dropped", msg.RoomID, conn.ID)
		return
	}

	data, err := protocol.NewServerMessage(protocol.TypeSignal, protocol.ServerSignalMsg{
		RoomID:  msg.RoomID,
		Kind:    msg.Kind,
		Payload: msg.Payload,
	})
	if err != nil {
		log.Printf("[hub] failed to build signal: %v", err)
		return
	}
	for _, m := range h.rooms.MembersExcept(msg.RoomID, conn.ID) {
		_ = m.WriteMessage(data)
	}

	metrics.MessagesRelayed.WithLabelValues("signal").Inc()
	metrics.RelayLatency.Observe(time.Since(start).Seconds())
}
