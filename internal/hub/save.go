package hub

import (
	"context"
	"errors"
	"log"

	"github.com/campusmeet/chat-app/internal/conversation"
	"github.com/campusmeet/chat-app/internal/metrics"
	"github.com/campusmeet/chat-app/internal/protocol"
	"github.com/campusmeet/chat-app/internal/room"
	"github.com/campusmeet/chat-app/internal/ws"
)

// handleRequestSaveChat starts the mutual save handshake. Only one request
// may be outstanding per session; a duplicate is a no-op.
func (h *Hub) handleRequestSaveChat(conn *ws.Connection, raw interface{}) {
	msg, ok := raw.(protocol.RequestSaveChatMsg)
	if !ok {
		return
	}

	sess := h.rooms.Get(msg.RoomID)
	if sess == nil || !sess.IsParticipant(conn.UserID) {
		log.Printf("[hub] save request for unknown room=%s user=%s dropped", msg.RoomID, conn.UserID)
		return
	}

	if !sess.RequestSave(conn.UserID) {
		log.Printf("[hub] duplicate save request room=%s user=%s", msg.RoomID, conn.UserID)
		return
	}

	partner, _ := sess.Partner(conn.UserID)
	if pc := h.presence.Get(partner.User.ID); pc != nil {
		h.send(pc, protocol.TypeSaveChatRequest, protocol.SaveChatRequestMsg{RequesterID: conn.UserID})
	}
	metrics.SavesTotal.WithLabelValues("requested").Inc()
	log.Printf("[hub] save requested room=%s by user=%s", msg.RoomID, conn.UserID)
}

// handleRespondSaveChat answers an outstanding save request. Only the
// counterpart of the requester may answer; a response with no request
// outstanding is dropped. On accept, the transcript since the last flush is
// persisted into the durable conversation for the pair, creating it if this
// is the first save, and both sides are told once the store confirms. A
// store failure resets the handshake without advancing the transcript
// watermark, so a later request can try again.
func (h *Hub) handleRespondSaveChat(conn *ws.Connection, raw interface{}) {
	msg, ok := raw.(protocol.RespondSaveChatMsg)
	if !ok {
		return
	}

	sess := h.rooms.Get(msg.RoomID)
	if sess == nil || !sess.IsParticipant(conn.UserID) {
		log.Printf("[hub] save response for unknown room=%s user=%s dropped", msg.RoomID, conn.UserID)
		return
	}

	requesterID := sess.SaveRequester()
	if requesterID == "" || requesterID == conn.UserID {
		log.Printf("[hub] save response without matching request room=%s user=%s", msg.RoomID, conn.UserID)
		return
	}

	if !msg.Accept {
		if sess.DeclineSave() {
			if rc := h.presence.Get(requesterID); rc != nil {
				h.send(rc, protocol.TypeSaveChatDeclined, protocol.SaveChatDeclinedMsg{})
			}
			metrics.SavesTotal.WithLabelValues("declined").Inc()
			log.Printf("[hub] save declined room=%s by user=%s", msg.RoomID, conn.UserID)
		}
		return
	}

	pending, upTo, ok := sess.BeginFlush()
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	participants := []string{sess.A.User.ID, sess.B.User.ID}
	convID := sess.Conversation()
	var err error
	if convID == "" {
		convID, err = h.conversations.FindExisting(ctx, participants)
		if errors.Is(err, conversation.ErrNotFound) {
			convID, err = h.conversations.Create(ctx, participants)
		}
		if err != nil {
			h.failSave(conn, sess, err)
			return
		}
	}

	if len(pending) > 0 {
		msgs := make([]conversation.Message, len(pending))
		for i, e := range pending {
			msgs[i] = conversation.Message{SenderID: e.SenderID, Text: e.Text, SentAt: e.SentAt}
		}
		if err := h.conversations.Append(ctx, convID, msgs); err != nil {
			h.failSave(conn, sess, err)
			return
		}
	}

	if h.rooms.Get(msg.RoomID) == nil {
		// The session tore down while the store calls were in flight. The
		// messages are persisted; the clients pick the conversation up on
		// their next join_all_chats.
		log.Printf("[hub] session ended during save room=%s conversation=%s", msg.RoomID, convID)
		return
	}
	sess.CompleteFlush(convID, upTo)

	saved := protocol.ChatSavedMsg{ChatroomID: convID}
	for _, p := range []room.Participant{sess.A, sess.B} {
		if pc := h.presence.Get(p.User.ID); pc != nil {
			h.send(pc, protocol.TypeChatSaved, saved)
		}
	}
	metrics.SavesTotal.WithLabelValues("accepted").Inc()
	log.Printf("[hub] chat saved room=%s conversation=%s messages=%d", msg.RoomID, convID, len(pending))
}

func (h *Hub) failSave(conn *ws.Connection, sess *room.Session, err error) {
	log.Printf("[hub] save failed room=%s: %v", sess.RoomID, err)
	sess.AbortFlush()
	h.sendError(conn, "save_failed", "chat could not be saved")
	metrics.SavesTotal.WithLabelValues("failed").Inc()
}
