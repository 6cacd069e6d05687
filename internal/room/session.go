// Package room holds the registry of active paired sessions: the two
// participants, the negotiated capability, the in-memory transcript kept for
// later archival, and the mutual save-handshake state. It also tracks which
// live connections are joined to each room so persisted conversations can be
// relayed to every member.
package room

import (
	"sync"
	"time"

	"github.com/campusmeet/chat-app/internal/identity"
	"github.com/campusmeet/chat-app/internal/match"
)

// Participant is one side of a paired session.
type Participant struct {
	User   *identity.Identity
	ConnID string
}

// TranscriptEntry is a single ephemeral message retained for archival and
// for the save-handshake flush.
type TranscriptEntry struct {
	SenderID    string
	SenderAlias string
	Text        string
	SentAt      time.Time
}

// SaveState tracks the mutual save handshake for a session.
type SaveState int

const (
	// SaveIdle means no save request is outstanding.
	SaveIdle SaveState = iota
	// SaveRequested means one participant asked to save and the counterpart
	// has not answered yet. Only one request may be outstanding at a time.
	SaveRequested
)

// Session is one active ephemeral pairing. Exactly one Session exists per
// room id, and the room id never outlives it.
type Session struct {
	RoomID string
	A, B   Participant
	Mode   match.Mode // negotiated capability

	mu         sync.Mutex
	transcript []TranscriptEntry
	saveState  SaveState
	requester  string // user id of the outstanding save requester
	flushed    int    // transcript entries already persisted by an accept

	// conversationID is set once a save handshake succeeds, so later
	// accepts append to the same durable conversation.
	conversationID string
}

// Partner returns the other participant, or false when the given user is not
// part of this session.
func (s *Session) Partner(userID string) (Participant, bool) {
	switch userID {
	case s.A.User.ID:
		return s.B, true
	case s.B.User.ID:
		return s.A, true
	}
	return Participant{}, false
}

// IsParticipant reports whether the user belongs to this session.
func (s *Session) IsParticipant(userID string) bool {
	return userID == s.A.User.ID || userID == s.B.User.ID
}

// HasConn reports whether the connection belongs to this session.
func (s *Session) HasConn(connID string) bool {
	return connID == s.A.ConnID || connID == s.B.ConnID
}

// Append records an ephemeral message on the transcript.
func (s *Session) Append(senderID, senderAlias, text string, at time.Time) {
	s.mu.Lock()
	s.transcript = append(s.transcript, TranscriptEntry{
		SenderID:    senderID,
		SenderAlias: senderAlias,
		Text:        text,
		SentAt:      at,
	})
	s.mu.Unlock()
}

// Transcript returns a copy of the full transcript in send order.
func (s *Session) Transcript() []TranscriptEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]TranscriptEntry, len(s.transcript))
	copy(out, s.transcript)
	return out
}

// RequestSave moves the handshake to Requested. It returns false when a
// request is already outstanding, which callers treat as a redundant no-op.
func (s *Session) RequestSave(requesterID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveState == SaveRequested {
		return false
	}
	s.saveState = SaveRequested
	s.requester = requesterID
	return true
}

// SaveRequester returns the user id of the outstanding request, or "" when
// the handshake is idle.
func (s *Session) SaveRequester() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveState != SaveRequested {
		return ""
	}
	return s.requester
}

// Conversation returns the durable conversation id a prior save flushed
// into, or "" when the session was never saved.
func (s *Session) Conversation() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conversationID
}

// DeclineSave resets the handshake to Idle so the save may be requested
// again later. It returns false when no request was outstanding.
func (s *Session) DeclineSave() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveState != SaveRequested {
		return false
	}
	s.saveState = SaveIdle
	s.requester = ""
	return true
}

// BeginFlush returns the transcript entries accumulated since the last
// successful flush, together with the watermark they extend to. It returns
// ok=false when no save request is outstanding (an accept without a request
// is invalid, and a duplicate accept finds the state already reset).
func (s *Session) BeginFlush() (pending []TranscriptEntry, upTo int, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveState != SaveRequested {
		return nil, 0, false
	}
	pending = make([]TranscriptEntry, len(s.transcript)-s.flushed)
	copy(pending, s.transcript[s.flushed:])
	return pending, len(s.transcript), true
}

// CompleteFlush records a successful persist: the watermark advances so the
// flushed messages are never written again, and the handshake returns to
// Idle so a later request can save any further messages.
func (s *Session) CompleteFlush(conversationID string, upTo int) {
	s.mu.Lock()
	if upTo > s.flushed {
		s.flushed = upTo
	}
	s.conversationID = conversationID
	s.saveState = SaveIdle
	s.requester = ""
	s.mu.Unlock()
}

// AbortFlush returns the handshake to Idle without advancing the watermark,
// used when the durable store rejected the save.
func (s *Session) AbortFlush() {
	s.mu.Lock()
	s.saveState = SaveIdle
	s.requester = ""
	s.mu.Unlock()
}
