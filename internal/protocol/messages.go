// Package protocol defines the WebSocket message types and structures used
// for communication between the client and the real-time core. All messages
// are serialized as JSON and follow a consistent envelope format with a type
// discriminator.
package protocol

import (
	"encoding/json"
	"fmt"
)

// ---------------------------------------------------------------------------
// Message type constants
// ---------------------------------------------------------------------------

// Client -> Server message types.
const (
	TypeFindMatch       = "find_match"
	TypeCancelFindMatch = "cancel_find_match"
	TypeJoinChat        = "join_chat"
	TypeJoinAllChats    = "join_all_chats"
	TypeSendMessage     = "send_message"
	TypeRequestSaveChat = "request_save_chat"
	TypeRespondSaveChat = "respond_save_chat"
	TypeSignal          = "signal"
	TypeLeaveChat       = "leave_chat"
	TypeDeleteChat      = "delete_chat"
	TypePing            = "ping"
)

// Server -> Client message types.
const (
	TypeOnlineCount      = "online_count"
	TypeChatStarted      = "chat_started"
	TypeNewMessage       = "new_message"
	TypeSaveChatRequest  = "save_chat_request"
	TypeSaveChatDeclined = "save_chat_declined"
	TypeChatSaved        = "chat_saved"
	TypeChatEnded        = "chat_ended"
	TypeChatDeleted      = "chat_deleted"
	TypeError            = "error"
	TypePong             = "pong"
)

// Signal kinds carried in SignalMsg. The core relays these verbatim; it never
// inspects the payload.
const (
	SignalOffer     = "offer"
	SignalAnswer    = "answer"
	SignalCandidate = "candidate"
)

// ---------------------------------------------------------------------------
// Envelope — used for initial JSON parsing to extract the type discriminator.
// ---------------------------------------------------------------------------

// Envelope holds the message type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON captures the full raw bytes and extracts only the "type"
// field so that the rest of the payload can be decoded later into the
// appropriate concrete struct.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Server message structs
// ---------------------------------------------------------------------------

// FindMatchMsg is sent by the client to request a partner. Mode is one of
// "chat", "video", or "both".
type FindMatchMsg struct {
	Type string `json:"type"`
	Mode string `json:"mode"`
}

// CancelFindMatchMsg is sent by the client to leave the waiting pools.
type CancelFindMatchMsg struct {
	Type string `json:"type"`
}

// JoinChatMsg joins the connection to a room, typically a saved conversation
// the client is reopening.
type JoinChatMsg struct {
	Type   string `json:"type"`
	RoomID string `json:"room_id"`
}

// JoinAllChatsMsg joins the connection to every saved conversation the user
// participates in.
type JoinAllChatsMsg struct {
	Type string `json:"type"`
}

// SendMessageMsg is a chat message. Persistent messages are appended to the
// durable conversation keyed by RoomID; ephemeral ones only live in the
// session transcript.
type SendMessageMsg struct {
	Type       string `json:"type"`
	RoomID     string `json:"room_id"`
	Text       string `json:"message"`
	Persistent bool   `json:"persistent"`
}

// RequestSaveChatMsg starts the mutual save handshake for an ephemeral room.
type RequestSaveChatMsg struct {
	Type   string `json:"type"`
	RoomID string `json:"room_id"`
}

// RespondSaveChatMsg answers a pending save request.
type RespondSaveChatMsg struct {
	Type   string `json:"type"`
	RoomID string `json:"room_id"`
	Accept bool   `json:"accept"`
}

// SignalMsg carries a WebRTC signaling payload (offer, answer, or ICE
// candidate) to be relayed verbatim to the other room members.
type SignalMsg struct {
	Type    string          `json:"type"`
	RoomID  string          `json:"room_id"`
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

// LeaveChatMsg explicitly ends an ephemeral session.
type LeaveChatMsg struct {
	Type   string `json:"type"`
	RoomID string `json:"room_id"`
}

// DeleteChatMsg deletes a saved conversation the user participates in.
type DeleteChatMsg struct {
	Type   string `json:"type"`
	ChatID string `json:"chat_id"`
}

// PingMsg is a client-initiated keepalive ping.
type PingMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Server -> Client message structs
// ---------------------------------------------------------------------------

// OnlineCountMsg broadcasts the current number of connected users.
type OnlineCountMsg struct {
	Type  string `json:"type"`
	Count int    `json:"count"`
}

// PartnerProfile is the public view of the matched partner.
type PartnerProfile struct {
	ID          string  `json:"id"`
	Alias       string  `json:"alias"`
	College     string  `json:"college"`
	Gender      string  `json:"gender,omitempty"`
	Rating      float64 `json:"rating"`
	RatingCount int     `json:"rating_count"`
}

// ChatStartedMsg is sent to both users when a match succeeds. ShouldInitiate
// is true for the user whose request triggered the match; that side opens
// the WebRTC offer.
type ChatStartedMsg struct {
	Type           string         `json:"type"`
	RoomID         string         `json:"room_id"`
	Mode           string         `json:"mode"`
	ShouldInitiate bool           `json:"should_initiate"`
	Partner        PartnerProfile `json:"partner"`
}

// NewMessageMsg is a chat message relayed from another room member.
type NewMessageMsg struct {
	Type     string `json:"type"`
	RoomID   string `json:"room_id"`
	Text     string `json:"text"`
	SenderID string `json:"sender_id"`
}

// SaveChatRequestMsg notifies the counterpart that a save was requested.
type SaveChatRequestMsg struct {
	Type        string `json:"type"`
	RequesterID string `json:"requester_id"`
}

// SaveChatDeclinedMsg notifies the requester that the save was declined.
type SaveChatDeclinedMsg struct {
	Type string `json:"type"`
}

// ChatSavedMsg notifies both sides that the transcript was persisted.
type ChatSavedMsg struct {
	Type       string `json:"type"`
	ChatroomID string `json:"chatroom_id"`
}

// ServerSignalMsg relays a signaling payload from another room member.
type ServerSignalMsg struct {
	Type    string          `json:"type"`
	RoomID  string          `json:"room_id"`
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

// ChatEndedMsg notifies a participant that the session ended. PartnerID lets
// the UI prompt for a post-chat rating.
type ChatEndedMsg struct {
	Type      string `json:"type"`
	PartnerID string `json:"partner_id"`
}

// ChatDeletedMsg notifies room members that a saved conversation was deleted.
type ChatDeletedMsg struct {
	Type   string `json:"type"`
	ChatID string `json:"chat_id"`
}

// ErrorMsg is sent by the server to communicate an error condition.
type ErrorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PongMsg is the server's response to a client ping.
type PongMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseClientMessage parses raw WebSocket bytes into a typed client message.
// It returns the message type string, the decoded struct, and any error
// encountered during parsing. An error is returned for unknown or
// server-only message types.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeFindMatch:
		var m FindMatchMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeCancelFindMatch:
		var m CancelFindMatchMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeJoinChat:
		var m JoinChatMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeJoinAllChats:
		var m JoinAllChatsMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeSendMessage:
		var m SendMessageMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeRequestSaveChat:
		var m RequestSaveChatMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeRespondSaveChat:
		var m RespondSaveChatMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeSignal:
		var m SignalMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeLeaveChat:
		var m LeaveChatMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeDeleteChat:
		var m DeleteChatMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePing:
		var m PingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown client message type: %q", env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// NewServerMessage creates a JSON-encoded byte slice for a server message.
// The msgType is injected into the payload under the "type" key. The payload
// should be one of the server message structs.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}

	m["type"] = msgType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}
