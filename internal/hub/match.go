package hub

import (
	"context"
	"log"

	"github.com/campusmeet/chat-app/internal/identity"
	"github.com/campusmeet/chat-app/internal/match"
	"github.com/campusmeet/chat-app/internal/metrics"
	"github.com/campusmeet/chat-app/internal/protocol"
	"github.com/campusmeet/chat-app/internal/ratelimit"
	"github.com/campusmeet/chat-app/internal/ws"
)

// handleFindMatch looks the requester's identity up, runs the matchmaker,
// and either starts a session or leaves the user waiting in a pool. The
// requester of a successful pairing is always the side told to initiate the
// WebRTC offer.
func (h *Hub) handleFindMatch(conn *ws.Connection, raw interface{}) {
	msg, ok := raw.(protocol.FindMatchMsg)
	if !ok {
		return
	}

	mode, err := match.ParseMode(msg.Mode)
	if err != nil {
		h.sendError(conn, "invalid_mode", "mode must be chat, video, or both")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	if !h.allow(ctx, conn.UserID, ratelimit.RuleMatch) {
		h.sendError(conn, "rate_limited", "too many match requests")
		return
	}

	// Suspension checks fail open; a Redis outage must not stop matching.
	if h.suspensions != nil {
		suspended, remaining, reason, err := h.suspensions.IsSuspended(ctx, conn.UserID)
		if err != nil {
			log.Printf("[hub] suspension check failed user=%s: %v", conn.UserID, err)
		} else if suspended {
			log.Printf("[hub] suspended user=%s refused matchmaking remaining=%ds reason=%q",
				conn.UserID, remaining, reason)
			h.sendError(conn, "suspended", "account temporarily suspended")
			return
		}
	}

	user, err := h.identities.Get(ctx, conn.UserID)
	if err != nil {
		log.Printf("[hub] identity lookup failed user=%s: %v", conn.UserID, err)
		h.sendError(conn, "match_failed", "could not start matching")
		return
	}

	// The lookup may have outlived the socket; a stale handle must not
	// enter the pools.
	if cur := h.presence.Get(conn.UserID); cur == nil || cur.ID != conn.ID {
		return
	}

	// Searching again implicitly leaves the current chat. The pools must
	// never hold a user whose session is still live.
	if sess := h.rooms.FindByConn(conn.ID); sess != nil {
		log.Printf("[hub] user=%s searching again, ending room=%s", conn.UserID, sess.RoomID)
		h.endSession(sess.RoomID)
	}

	seeker := &match.Entry{User: user, ConnID: conn.ID, Mode: mode}
	for {
		pairing := h.matcher.Request(seeker)
		if pairing == nil {
			log.Printf("[match] user=%s waiting mode=%s", user.ID, mode)
			return
		}

		partnerConn := h.presence.Get(pairing.Partner.User.ID)
		if partnerConn == nil || partnerConn.ID != pairing.Partner.ConnID {
			// The partner vanished after the liveness check. It is already
			// out of every pool, so just search again.
			log.Printf("[match] partner user=%s vanished before pairing, retrying", pairing.Partner.User.ID)
			continue
		}

		if h.startSession(conn, partnerConn, pairing) {
			return
		}
	}
}

func (h *Hub) handleCancelFindMatch(conn *ws.Connection, raw interface{}) {
	if h.matcher.Cancel(conn.UserID) {
		log.Printf("[match] user=%s cancelled search", conn.UserID)
	}
}

// startSession creates the paired session and tells both sides. It reports
// whether the search is over: true when the session started (or the
// requester itself is gone), false when the partner's handle died during
// pairing and the caller should search again.
func (h *Hub) startSession(reqConn, partnerConn *ws.Connection, pairing *match.Pairing) bool {
	sess := h.rooms.Create(pairing.Requester.User, pairing.Partner.User, reqConn, partnerConn, pairing.Mode)

	// A disconnect can land between the presence re-validation and Create;
	// its teardown ran before the session was findable. Re-check both
	// handles now, or the session would sit referencing a dead connection.
	if cur := h.presence.Get(reqConn.UserID); cur == nil || cur.ID != reqConn.ID {
		h.rooms.Remove(sess.RoomID)
		log.Printf("[match] requester user=%s vanished during pairing, room=%s discarded", reqConn.UserID, sess.RoomID)
		return true
	}
	if cur := h.presence.Get(partnerConn.UserID); cur == nil || cur.ID != partnerConn.ID {
		h.rooms.Remove(sess.RoomID)
		log.Printf("[match] partner user=%s vanished during pairing, room=%s discarded", partnerConn.UserID, sess.RoomID)
		return false
	}

	pass := "fallback"
	if pairing.SameCollege {
		pass = "college"
	}
	metrics.MatchesTotal.WithLabelValues(pass).Inc()
	log.Printf("[match] paired %s and %s room=%s mode=%s pass=%s",
		pairing.Requester.User.ID, pairing.Partner.User.ID, sess.RoomID, pairing.Mode, pass)

	h.send(reqConn, protocol.TypeChatStarted, protocol.ChatStartedMsg{
		RoomID:         sess.RoomID,
		Mode:           pairing.Mode.String(),
		ShouldInitiate: true,
		Partner:        profileOf(pairing.Partner.User),
	})
	h.send(partnerConn, protocol.TypeChatStarted, protocol.ChatStartedMsg{
		RoomID:         sess.RoomID,
		Mode:           pairing.Mode.String(),
		ShouldInitiate: false,
		Partner:        profileOf(pairing.Requester.User),
	})
	return true
}

func profileOf(u *identity.Identity) protocol.PartnerProfile {
	return protocol.PartnerProfile{
		ID:          u.ID,
		Alias:       u.Alias,
		College:     u.College,
		Gender:      u.Gender,
		Rating:      u.Rating.Score,
		RatingCount: u.Rating.Count,
	}
}
