package hub

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/campusmeet/chat-app/internal/metrics"
	"github.com/campusmeet/chat-app/internal/protocol"
	"github.com/campusmeet/chat-app/internal/report"
	"github.com/campusmeet/chat-app/internal/room"
	"github.com/campusmeet/chat-app/internal/ws"
)

// handleLeaveChat explicitly ends an ephemeral session.
func (h *Hub) handleLeaveChat(conn *ws.Connection, raw interface{}) {
	msg, ok := raw.(protocol.LeaveChatMsg)
	if !ok {
		return
	}

	sess := h.rooms.Get(msg.RoomID)
	if sess == nil || !sess.IsParticipant(conn.UserID) {
		log.Printf("[hub] leave for unknown room=%s user=%s dropped", msg.RoomID, conn.UserID)
		return
	}
	h.endSession(msg.RoomID)
}

// endSession tears a session down: the registry entry is removed, the
// transcript is handed to the archival pipeline, and both sides get a
// chat_ended. Remove is the single point of arbitration, so when a leave
// and a disconnect race only one caller archives and notifies.
func (h *Hub) endSession(roomID string) {
	sess := h.rooms.Remove(roomID)
	if sess == nil {
		return
	}

	transcript := sess.Transcript()
	if len(transcript) > 0 {
		// Fire and forget; archival must never block or fail the teardown.
		go h.archive(sess, transcript)
	}

	pairs := []struct{ to, other room.Participant }{
		{sess.A, sess.B},
		{sess.B, sess.A},
	}
	for _, p := range pairs {
		if c := h.presence.Get(p.to.User.ID); c != nil {
			h.send(c, protocol.TypeChatEnded, protocol.ChatEndedMsg{PartnerID: p.other.User.ID})
		}
	}
	log.Printf("[hub] session ended room=%s users=%s,%s messages=%d",
		roomID, sess.A.User.ID, sess.B.User.ID, len(transcript))
}

// archive publishes the ended session's transcript as a moderation chat
// log.
func (h *Hub) archive(sess *room.Session, transcript []room.TranscriptEntry) {
	msgs := make([]report.LogMessage, len(transcript))
	for i, e := range transcript {
		msgs[i] = report.LogMessage{Sender: e.SenderAlias, Text: e.Text, SentAt: e.SentAt}
	}

	cl := &report.ChatLog{
		ParticipantA: sess.A.User.ID,
		ParticipantB: sess.B.User.ID,
		AliasA:       sess.A.User.Alias,
		AliasB:       sess.B.User.Alias,
		Kind:         report.KindChatLog,
		Reason:       fmt.Sprintf("Chat log between %s and %s", sess.A.User.Alias, sess.B.User.Alias),
		Messages:     msgs,
		EndedAt:      time.Now(),
	}
	if err := h.logs.Publish(cl); err != nil {
		log.Printf("[hub] chat log publish failed room=%s: %v", sess.RoomID, err)
		metrics.LogsArchived.WithLabelValues("failed").Inc()
		return
	}
	metrics.LogsArchived.WithLabelValues("published").Inc()
}

// handleDeleteChat deletes a saved conversation the user participates in
// and tells every member currently joined to its room.
func (h *Hub) handleDeleteChat(conn *ws.Connection, raw interface{}) {
	msg, ok := raw.(protocol.DeleteChatMsg)
	if !ok || msg.ChatID == "" {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	member, err := h.conversations.IsParticipant(ctx, msg.ChatID, conn.UserID)
	if err != nil {
		log.Printf("[hub] participant check failed chat=%s user=%s: %v", msg.ChatID, conn.UserID, err)
		h.sendError(conn, "delete_failed", "could not delete chat")
		return
	}
	if !member {
		log.Printf("[hub] delete refused user=%s chat=%s", conn.UserID, msg.ChatID)
		return
	}

	if err := h.conversations.Delete(ctx, msg.ChatID); err != nil {
		log.Printf("[hub] delete failed chat=%s: %v", msg.ChatID, err)
		h.sendError(conn, "delete_failed", "could not delete chat")
		return
	}

	deleted := protocol.ChatDeletedMsg{ChatID: msg.ChatID}
	notifiedSelf := false
	for _, m := range h.rooms.MembersExcept(msg.ChatID, "") {
		h.send(m, protocol.TypeChatDeleted, deleted)
		if m.ID == conn.ID {
			notifiedSelf = true
		}
	}
	if !notifiedSelf {
		h.send(conn, protocol.TypeChatDeleted, deleted)
	}
	log.Printf("[hub] chat deleted chat=%s by user=%s", msg.ChatID, conn.UserID)
}
