package protocol

import (
	"encoding/json"
	"testing"
)

// ---------------------------------------------------------------------------
// Test: Parsing a valid find_match message
// ---------------------------------------------------------------------------

func TestParseClientMessage_FindMatch(t *testing.T) {
	input := []byte(`{"type":"find_match","mode":"video"}`)

	msgType, msg, err := ParseClientMessage(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msgType != TypeFindMatch {
		t.Fatalf("expected type %q, got %q", TypeFindMatch, msgType)
	}

	fm, ok := msg.(FindMatchMsg)
	if !ok {
		t.Fatalf("expected FindMatchMsg, got %T", msg)
	}
	if fm.Mode != "video" {
		t.Errorf("expected mode %q, got %q", "video", fm.Mode)
	}
}

// ---------------------------------------------------------------------------
// Test: Parsing a send_message message
// ---------------------------------------------------------------------------

func TestParseClientMessage_SendMessage(t *testing.T) {
	input := []byte(`{"type":"send_message","room_id":"abc-123","message":"Hello!","persistent":true}`)

	msgType, msg, err := ParseClientMessage(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msgType != TypeSendMessage {
		t.Fatalf("expected type %q, got %q", TypeSendMessage, msgType)
	}

	sm, ok := msg.(SendMessageMsg)
	if !ok {
		t.Fatalf("expected SendMessageMsg, got %T", msg)
	}
	if sm.RoomID != "abc-123" {
		t.Errorf("expected room_id %q, got %q", "abc-123", sm.RoomID)
	}
	if sm.Text != "Hello!" {
		t.Errorf("expected text %q, got %q", "Hello!", sm.Text)
	}
	if !sm.Persistent {
		t.Error("expected persistent = true")
	}
}

// ---------------------------------------------------------------------------
// Test: Parsing a signal message keeps the payload raw
// ---------------------------------------------------------------------------

func TestParseClientMessage_Signal(t *testing.T) {
	input := []byte(`{"type":"signal","room_id":"r1","kind":"candidate","payload":{"candidate":"udp 1 2"}}`)

	msgType, msg, err := ParseClientMessage(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msgType != TypeSignal {
		t.Fatalf("expected type %q, got %q", TypeSignal, msgType)
	}

	sig, ok := msg.(SignalMsg)
	if !ok {
		t.Fatalf("expected SignalMsg, got %T", msg)
	}
	if sig.Kind != SignalCandidate {
		t.Errorf("expected kind %q, got %q", SignalCandidate, sig.Kind)
	}

	var inner struct {
		Candidate string `json:"candidate"`
	}
	if err := json.Unmarshal(sig.Payload, &inner); err != nil {
		t.Fatalf("payload not preserved: %v", err)
	}
	if inner.Candidate != "udp 1 2" {
		t.Errorf("payload candidate = %q", inner.Candidate)
	}
}

// ---------------------------------------------------------------------------
// Test: Parsing a respond_save_chat message
// ---------------------------------------------------------------------------

func TestParseClientMessage_RespondSaveChat(t *testing.T) {
	input := []byte(`{"type":"respond_save_chat","room_id":"r1","accept":false}`)

	msgType, msg, err := ParseClientMessage(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msgType != TypeRespondSaveChat {
		t.Fatalf("expected type %q, got %q", TypeRespondSaveChat, msgType)
	}

	rm, ok := msg.(RespondSaveChatMsg)
	if !ok {
		t.Fatalf("expected RespondSaveChatMsg, got %T", msg)
	}
	if rm.Accept {
		t.Error("expected accept = false")
	}
}

// ---------------------------------------------------------------------------
// Test: Creating a chat_started server message
// ---------------------------------------------------------------------------

func TestNewServerMessage_ChatStarted(t *testing.T) {
	payload := ChatStartedMsg{
		RoomID:         "room-1",
		Mode:           "chat",
		ShouldInitiate: true,
		Partner: PartnerProfile{
			ID:          "user-2",
			Alias:       "BlueOwl",
			College:     "mit",
			Rating:      4.5,
			RatingCount: 12,
		},
	}

	data, err := NewServerMessage(TypeChatStarted, payload)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var decoded map[string]interface{}
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("output is not valid JSON: %v", err)
	}
	if decoded["type"] != TypeChatStarted {
		t.Errorf("type = %v, want %q", decoded["type"], TypeChatStarted)
	}
	if decoded["room_id"] != "room-1" {
		t.Errorf("room_id = %v", decoded["room_id"])
	}
	if decoded["should_initiate"] != true {
		t.Errorf("should_initiate = %v", decoded["should_initiate"])
	}
	partner, _ := decoded["partner"].(map[string]interface{})
	if partner["alias"] != "BlueOwl" {
		t.Errorf("partner = %v", partner)
	}
}

// ---------------------------------------------------------------------------
// Test: Gender is omitted from partner profiles when unset
// ---------------------------------------------------------------------------

func TestPartnerProfile_GenderOmittedWhenEmpty(t *testing.T) {
	data, err := NewServerMessage(TypeChatStarted, ChatStartedMsg{
		RoomID:  "room-1",
		Mode:    "chat",
		Partner: PartnerProfile{ID: "user-2", Alias: "BlueOwl"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var decoded struct {
		Partner map[string]interface{} `json:"partner"`
	}
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatal(err)
	}
	if _, present := decoded.Partner["gender"]; present {
		t.Error("empty gender serialized into partner profile")
	}
}

// ---------------------------------------------------------------------------
// Test: Rejecting malformed input
// ---------------------------------------------------------------------------

func TestParseClientMessage_Errors(t *testing.T) {
	cases := []struct {
		name  string
		input string
	}{
		{"invalid json", `{"type":`},
		{"missing type", `{"room_id":"r1"}`},
		{"empty type", `{"type":""}`},
		{"unknown type", `{"type":"teleport"}`},
		{"server-only type", `{"type":"chat_started"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, _, err := ParseClientMessage([]byte(tc.input)); err == nil {
				t.Errorf("ParseClientMessage(%q) succeeded", tc.input)
			}
		})
	}
}
