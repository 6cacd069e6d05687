package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/gobwas/ws/wsutil"

	"github.com/campusmeet/chat-app/internal/conversation"
	"github.com/campusmeet/chat-app/internal/identity"
	"github.com/campusmeet/chat-app/internal/match"
	"github.com/campusmeet/chat-app/internal/presence"
	"github.com/campusmeet/chat-app/internal/protocol"
	"github.com/campusmeet/chat-app/internal/report"
	"github.com/campusmeet/chat-app/internal/room"
	"github.com/campusmeet/chat-app/internal/ws"
)

// ---------- test doubles ----------

type fakeIdentities struct {
	mu    sync.Mutex
	users map[string]*identity.Identity
}

func (f *fakeIdentities) Get(_ context.Context, userID string) (*identity.Identity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[userID]
	if !ok {
		return nil, identity.ErrNotFound
	}
	return u, nil
}

type fakeConv struct {
	participants []string
	msgs         []conversation.Message
}

type fakeConversations struct {
	mu        sync.Mutex
	seq       int
	convs     map[string]*fakeConv
	appendErr error
}

func newFakeConversations() *fakeConversations {
	return &fakeConversations{convs: make(map[string]*fakeConv)}
}

func (f *fakeConversations) Create(_ context.Context, participantIDs []string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	id := fmt.Sprintf("conv-%d", f.seq)
	ps := make([]string, len(participantIDs))
	copy(ps, participantIDs)
	f.convs[id] = &fakeConv{participants: ps}
	return id, nil
}

func (f *fakeConversations) Append(_ context.Context, conversationID string, msgs []conversation.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.appendErr != nil {
		return f.appendErr
	}
	c, ok := f.convs[conversationID]
	if !ok {
		return conversation.ErrNotFound
	}
	c.msgs = append(c.msgs, msgs...)
	return nil
}

func (f *fakeConversations) FindExisting(_ context.Context, participantIDs []string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, c := range f.convs {
		if sameSet(c.participants, participantIDs) {
			return id, nil
		}
	}
	return "", conversation.ErrNotFound
}

func (f *fakeConversations) IsParticipant(_ context.Context, conversationID, userID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.convs[conversationID]
	if !ok {
		return false, nil
	}
	for _, p := range c.participants {
		if p == userID {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeConversations) ListForUser(_ context.Context, userID string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for id, c := range f.convs {
		for _, p := range c.participants {
			if p == userID {
				out = append(out, id)
			}
		}
	}
	return out, nil
}

func (f *fakeConversations) Delete(_ context.Context, conversationID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.convs[conversationID]; !ok {
		return conversation.ErrNotFound
	}
	delete(f.convs, conversationID)
	return nil
}

func (f *fakeConversations) messages(conversationID string) []conversation.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.convs[conversationID]
	if !ok {
		return nil
	}
	out := make([]conversation.Message, len(c.msgs))
	copy(out, c.msgs)
	return out
}

func (f *fakeConversations) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.convs)
}

func sameSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	seen := make(map[string]bool, len(a))
	for _, s := range a {
		seen[s] = true
	}
	for _, s := range b {
		if !seen[s] {
			return false
		}
	}
	return true
}

type capturePublisher struct {
	ch chan *report.ChatLog
}

func (p *capturePublisher) Publish(cl *report.ChatLog) error {
	p.ch <- cl
	return nil
}

// ---------- test client ----------

// testClient wraps one side of a net.Pipe as an authenticated connection.
// A reader goroutine drains server frames into a channel so writes on the
// synchronous pipe never block.
type testClient struct {
	conn *ws.Connection
	msgs chan map[string]interface{}
}

func newTestClient(t *testing.T, id, userID string) *testClient {
	t.Helper()

	server, client := net.Pipe()
	tc := &testClient{
		conn: &ws.Connection{
			ID:        id,
			UserID:    userID,
			Conn:      server,
			CreatedAt: time.Now(),
			LastPing:  time.Now(),
		},
		msgs: make(chan map[string]interface{}, 64),
	}

	go func() {
		for {
			data, err := wsutil.ReadServerText(client)
			if err != nil {
				return
			}
			var m map[string]interface{}
			if err := json.Unmarshal(data, &m); err != nil {
				continue
			}
			tc.msgs <- m
		}
	}()

	t.Cleanup(func() {
		server.Close()
		client.Close()
	})
	return tc
}

// expect reads messages until one of the given type arrives. Unrelated
// broadcasts (online counts and the like) are skipped.
func (tc *testClient) expect(t *testing.T, msgType string) map[string]interface{} {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case m := <-tc.msgs:
			if m["type"] == msgType {
				return m
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %q on conn=%s", msgType, tc.conn.ID)
		}
	}
}

// expectNone asserts that no message of the given type arrives within the
// window.
func (tc *testClient) expectNone(t *testing.T, msgType string, window time.Duration) {
	t.Helper()
	deadline := time.After(window)
	for {
		select {
		case m := <-tc.msgs:
			if m["type"] == msgType {
				t.Fatalf("unexpected %q message: %v", msgType, m)
			}
		case <-deadline:
			return
		}
	}
}

// ---------- fixture ----------

type fixture struct {
	hub   *Hub
	pres  *presence.Registry
	rooms *room.Registry
	ids   *fakeIdentities
	convs *fakeConversations
	pub   *capturePublisher
}

func newFixture(t *testing.T, users ...*identity.Identity) *fixture {
	t.Helper()

	ids := &fakeIdentities{users: make(map[string]*identity.Identity)}
	for _, u := range users {
		ids.users[u.ID] = u
	}

	pres := presence.NewRegistry()
	rooms := room.NewRegistry()
	matcher := match.NewMatchmaker(func(string) bool { return true })
	convs := newFakeConversations()
	pub := &capturePublisher{ch: make(chan *report.ChatLog, 4)}

	return &fixture{
		hub:   New(pres, rooms, matcher, ids, convs, pub, nil, nil),
		pres:  pres,
		rooms: rooms,
		ids:   ids,
		convs: convs,
		pub:   pub,
	}
}

func (f *fixture) connect(t *testing.T, connID, userID string) *testClient {
	t.Helper()
	tc := newTestClient(t, connID, userID)
	f.hub.OnConnect(tc.conn)
	return tc
}

func testUser(id, alias, college string) *identity.Identity {
	return &identity.Identity{
		ID:          id,
		Alias:       alias,
		College:     college,
		Rating:      identity.Reputation{Score: 4.0, Count: 2},
		BlockedWith: make(map[string]struct{}),
	}
}

// pair runs a full find_match handshake and returns the shared room id.
func (f *fixture) pair(t *testing.T, a, b *testClient, mode string) string {
	t.Helper()
	f.hub.handleFindMatch(a.conn, protocol.FindMatchMsg{Mode: mode})
	f.hub.handleFindMatch(b.conn, protocol.FindMatchMsg{Mode: mode})

	started := a.expect(t, protocol.TypeChatStarted)
	roomID, _ := started["room_id"].(string)
	if roomID == "" {
		t.Fatalf("chat_started without room_id: %v", started)
	}
	b.expect(t, protocol.TypeChatStarted)
	return roomID
}

// ---------- matchmaking tests ----------

func TestFindMatchPairsTwoWaitingUsers(t *testing.T) {
	f := newFixture(t, testUser("alice", "RedFox", "mit"), testUser("bob", "BlueOwl", "cmu"))
	alice := f.connect(t, "c-alice", "alice")
	bob := f.connect(t, "c-bob", "bob")

	f.hub.handleFindMatch(alice.conn, protocol.FindMatchMsg{Mode: "chat"})
	f.hub.handleFindMatch(bob.conn, protocol.FindMatchMsg{Mode: "chat"})

	// bob's request completed the pairing, so bob initiates.
	bobStarted := bob.expect(t, protocol.TypeChatStarted)
	if got := bobStarted["should_initiate"]; got != true {
		t.Errorf("requester should_initiate = %v, want true", got)
	}
	aliceStarted := alice.expect(t, protocol.TypeChatStarted)
	if got := aliceStarted["should_initiate"]; got != false {
		t.Errorf("waiting side should_initiate = %v, want false", got)
	}

	if bobStarted["room_id"] != aliceStarted["room_id"] {
		t.Errorf("room ids differ: %v vs %v", bobStarted["room_id"], aliceStarted["room_id"])
	}
	if got := bobStarted["mode"]; got != "chat" {
		t.Errorf("mode = %v, want chat", got)
	}

	partner, _ := bobStarted["partner"].(map[string]interface{})
	if partner["id"] != "alice" || partner["alias"] != "RedFox" {
		t.Errorf("bob's partner = %v, want alice/RedFox", partner)
	}
}

func TestFindMatchPrefersSameCollege(t *testing.T) {
	f := newFixture(t,
		testUser("charlie", "GreyWolf", "cmu"),
		testUser("dana", "GoldFinch", "mit"),
		testUser("erin", "JadeCrow", "mit"),
	)
	charlie := f.connect(t, "c-charlie", "charlie")
	dana := f.connect(t, "c-dana", "dana")
	erin := f.connect(t, "c-erin", "erin")

	// charlie has been waiting longer, but dana shares erin's college.
	f.hub.handleFindMatch(charlie.conn, protocol.FindMatchMsg{Mode: "chat"})
	f.hub.handleFindMatch(dana.conn, protocol.FindMatchMsg{Mode: "chat"})
	f.hub.handleFindMatch(erin.conn, protocol.FindMatchMsg{Mode: "chat"})

	started := erin.expect(t, protocol.TypeChatStarted)
	partner, _ := started["partner"].(map[string]interface{})
	if partner["id"] != "dana" {
		t.Errorf("erin paired with %v, want dana", partner["id"])
	}
	dana.expect(t, protocol.TypeChatStarted)
	charlie.expectNone(t, protocol.TypeChatStarted, 100*time.Millisecond)
}

func TestFindMatchCombinesModes(t *testing.T) {
	f := newFixture(t, testUser("alice", "RedFox", "mit"), testUser("bob", "BlueOwl", "cmu"))
	alice := f.connect(t, "c-alice", "alice")
	bob := f.connect(t, "c-bob", "bob")

	f.hub.handleFindMatch(alice.conn, protocol.FindMatchMsg{Mode: "chat"})
	f.hub.handleFindMatch(bob.conn, protocol.FindMatchMsg{Mode: "both"})

	started := bob.expect(t, protocol.TypeChatStarted)
	if got := started["mode"]; got != "chat" {
		t.Errorf("combined mode = %v, want chat", got)
	}
	alice.expect(t, protocol.TypeChatStarted)
}

func TestFindMatchNeverPairsBlockedUsers(t *testing.T) {
	alice := testUser("alice", "RedFox", "mit")
	bob := testUser("bob", "BlueOwl", "mit")
	alice.BlockedWith["bob"] = struct{}{}
	bob.BlockedWith["alice"] = struct{}{}

	f := newFixture(t, alice, bob)
	ca := f.connect(t, "c-alice", "alice")
	cb := f.connect(t, "c-bob", "bob")

	f.hub.handleFindMatch(cb.conn, protocol.FindMatchMsg{Mode: "chat"})
	f.hub.handleFindMatch(ca.conn, protocol.FindMatchMsg{Mode: "chat"})

	ca.expectNone(t, protocol.TypeChatStarted, 150*time.Millisecond)
	cb.expectNone(t, protocol.TypeChatStarted, 150*time.Millisecond)
}

func TestCancelFindMatchLeavesPools(t *testing.T) {
	f := newFixture(t, testUser("alice", "RedFox", "mit"), testUser("bob", "BlueOwl", "cmu"))
	alice := f.connect(t, "c-alice", "alice")
	bob := f.connect(t, "c-bob", "bob")

	f.hub.handleFindMatch(alice.conn, protocol.FindMatchMsg{Mode: "chat"})
	f.hub.handleCancelFindMatch(alice.conn, protocol.CancelFindMatchMsg{})
	f.hub.handleFindMatch(bob.conn, protocol.FindMatchMsg{Mode: "chat"})

	alice.expectNone(t, protocol.TypeChatStarted, 150*time.Millisecond)
	bob.expectNone(t, protocol.TypeChatStarted, 150*time.Millisecond)
}

func TestFindMatchRejectsInvalidMode(t *testing.T) {
	f := newFixture(t, testUser("alice", "RedFox", "mit"))
	alice := f.connect(t, "c-alice", "alice")

	f.hub.handleFindMatch(alice.conn, protocol.FindMatchMsg{Mode: "hologram"})

	errMsg := alice.expect(t, protocol.TypeError)
	if errMsg["code"] != "invalid_mode" {
		t.Errorf("error code = %v, want invalid_mode", errMsg["code"])
	}
}

type fakeSuspensions struct {
	suspended map[string]string // userID -> reason
}

func (f *fakeSuspensions) IsSuspended(_ context.Context, userID string) (bool, int, string, error) {
	reason, ok := f.suspended[userID]
	if !ok {
		return false, 0, "", nil
	}
	return true, 600, reason, nil
}

func TestFindMatchRefusesSuspendedUser(t *testing.T) {
	f := newFixture(t, testUser("alice", "RedFox", "mit"), testUser("bob", "BlueOwl", "cmu"))
	f.hub.suspensions = &fakeSuspensions{suspended: map[string]string{"alice": "flagged content"}}
	alice := f.connect(t, "c-alice", "alice")
	bob := f.connect(t, "c-bob", "bob")

	f.hub.handleFindMatch(bob.conn, protocol.FindMatchMsg{Mode: "chat"})
	f.hub.handleFindMatch(alice.conn, protocol.FindMatchMsg{Mode: "chat"})

	errMsg := alice.expect(t, protocol.TypeError)
	if errMsg["code"] != "suspended" {
		t.Errorf("error code = %v, want suspended", errMsg["code"])
	}
	bob.expectNone(t, protocol.TypeChatStarted, 150*time.Millisecond)
}

func TestFindMatchDuringActiveSessionEndsIt(t *testing.T) {
	f := newFixture(t,
		testUser("alice", "RedFox", "mit"),
		testUser("bob", "BlueOwl", "cmu"),
		testUser("carol", "TealJay", "mit"),
	)
	alice := f.connect(t, "c-alice", "alice")
	bob := f.connect(t, "c-bob", "bob")
	carol := f.connect(t, "c-carol", "carol")
	roomID := f.pair(t, alice, bob, "chat")

	// Searching again implicitly leaves the current chat.
	f.hub.handleFindMatch(alice.conn, protocol.FindMatchMsg{Mode: "chat"})

	bob.expect(t, protocol.TypeChatEnded)
	alice.expect(t, protocol.TypeChatEnded)
	if f.rooms.Get(roomID) != nil {
		t.Error("old session still registered after re-match")
	}
	if f.rooms.FindByConn(alice.conn.ID) != nil {
		t.Error("waiting connection still mapped to a session")
	}

	// alice is genuinely back in a pool: carol's request pairs with her.
	f.hub.handleFindMatch(carol.conn, protocol.FindMatchMsg{Mode: "chat"})
	started := carol.expect(t, protocol.TypeChatStarted)
	partner, _ := started["partner"].(map[string]interface{})
	if partner["id"] != "alice" {
		t.Errorf("carol paired with %v, want alice", partner["id"])
	}
	alice.expect(t, protocol.TypeChatStarted)
}

func TestStartSessionDiscardsDeadPartnerHandle(t *testing.T) {
	f := newFixture(t, testUser("alice", "RedFox", "mit"), testUser("bob", "BlueOwl", "cmu"))
	alice := f.connect(t, "c-alice", "alice")
	bob := f.connect(t, "c-bob", "bob")

	// bob's disconnect finished moments ago, so his teardown ran before
	// the session existed; the pairing still carries the old connection.
	f.pres.Unregister("bob", bob.conn.ID)

	pairing := &match.Pairing{
		Requester: &match.Entry{User: f.ids.users["alice"], ConnID: alice.conn.ID, Mode: match.ModeText},
		Partner:   &match.Entry{User: f.ids.users["bob"], ConnID: bob.conn.ID, Mode: match.ModeText},
		Mode:      match.ModeText,
	}
	if f.hub.startSession(alice.conn, bob.conn, pairing) {
		t.Error("startSession reported success with a dead partner handle")
	}
	if f.rooms.FindByConn(alice.conn.ID) != nil {
		t.Error("session survived referencing a dead partner connection")
	}
	alice.expectNone(t, protocol.TypeChatStarted, 100*time.Millisecond)
}

// ---------- relay tests ----------

func TestEphemeralMessageRelaysWithoutPersisting(t *testing.T) {
	f := newFixture(t, testUser("alice", "RedFox", "mit"), testUser("bob", "BlueOwl", "cmu"))
	alice := f.connect(t, "c-alice", "alice")
	bob := f.connect(t, "c-bob", "bob")
	roomID := f.pair(t, alice, bob, "chat")

	f.hub.handleSendMessage(alice.conn, protocol.SendMessageMsg{RoomID: roomID, Text: "hey there"})

	got := bob.expect(t, protocol.TypeNewMessage)
	if got["text"] != "hey there" || got["sender_id"] != "alice" {
		t.Errorf("relayed message = %v", got)
	}
	alice.expectNone(t, protocol.TypeNewMessage, 100*time.Millisecond)

	if n := f.convs.count(); n != 0 {
		t.Errorf("ephemeral message reached the durable store: %d conversations", n)
	}
}

func TestPersistentMessageAppendsToConversation(t *testing.T) {
	f := newFixture(t, testUser("alice", "RedFox", "mit"), testUser("bob", "BlueOwl", "cmu"))
	alice := f.connect(t, "c-alice", "alice")
	bob := f.connect(t, "c-bob", "bob")

	convID, err := f.convs.Create(context.Background(), []string{"alice", "bob"})
	if err != nil {
		t.Fatal(err)
	}
	f.hub.handleJoinChat(alice.conn, protocol.JoinChatMsg{RoomID: convID})
	f.hub.handleJoinChat(bob.conn, protocol.JoinChatMsg{RoomID: convID})

	f.hub.handleSendMessage(alice.conn, protocol.SendMessageMsg{RoomID: convID, Text: "still here?", Persistent: true})

	got := bob.expect(t, protocol.TypeNewMessage)
	if got["text"] != "still here?" {
		t.Errorf("relayed message = %v", got)
	}

	msgs := f.convs.messages(convID)
	if len(msgs) != 1 || msgs[0].SenderID != "alice" || msgs[0].Text != "still here?" {
		t.Errorf("stored messages = %v", msgs)
	}
}

func TestSendMessageRejectsEmptyAndOversized(t *testing.T) {
	f := newFixture(t, testUser("alice", "RedFox", "mit"), testUser("bob", "BlueOwl", "cmu"))
	alice := f.connect(t, "c-alice", "alice")
	bob := f.connect(t, "c-bob", "bob")
	roomID := f.pair(t, alice, bob, "chat")

	f.hub.handleSendMessage(alice.conn, protocol.SendMessageMsg{RoomID: roomID, Text: "   "})
	errMsg := alice.expect(t, protocol.TypeError)
	if errMsg["code"] != "invalid_message" {
		t.Errorf("error code = %v, want invalid_message", errMsg["code"])
	}

	big := make([]byte, maxMessageLen+1)
	for i := range big {
		big[i] = 'a'
	}
	f.hub.handleSendMessage(alice.conn, protocol.SendMessageMsg{RoomID: roomID, Text: string(big)})
	errMsg = alice.expect(t, protocol.TypeError)
	if errMsg["code"] != "invalid_message" {
		t.Errorf("error code = %v, want invalid_message", errMsg["code"])
	}
	bob.expectNone(t, protocol.TypeNewMessage, 100*time.Millisecond)
}

func TestSignalRelaysVerbatim(t *testing.T) {
	f := newFixture(t, testUser("alice", "RedFox", "mit"), testUser("bob", "BlueOwl", "cmu"))
	alice := f.connect(t, "c-alice", "alice")
	bob := f.connect(t, "c-bob", "bob")
	roomID := f.pair(t, alice, bob, "video")

	payload := json.RawMessage(`{"sdp":"v=0 fake-offer"}`)
	f.hub.handleSignal(alice.conn, protocol.SignalMsg{RoomID: roomID, Kind: protocol.SignalOffer, Payload: payload})

	got := bob.expect(t, protocol.TypeSignal)
	if got["kind"] != protocol.SignalOffer {
		t.Errorf("kind = %v, want offer", got["kind"])
	}
	inner, _ := got["payload"].(map[string]interface{})
	if inner["sdp"] != "v=0 fake-offer" {
		t.Errorf("payload = %v", got["payload"])
	}
	if n := f.convs.count(); n != 0 {
		t.Errorf("signal reached the durable store: %d conversations", n)
	}
}

func TestMessageForUnknownRoomIsDropped(t *testing.T) {
	f := newFixture(t, testUser("alice", "RedFox", "mit"))
	alice := f.connect(t, "c-alice", "alice")

	f.hub.handleSendMessage(alice.conn, protocol.SendMessageMsg{RoomID: "no-such-room", Text: "anyone?"})
	alice.expectNone(t, protocol.TypeError, 100*time.Millisecond)
	alice.expectNone(t, protocol.TypeNewMessage, 50*time.Millisecond)
}

// ---------- save handshake tests ----------

func TestSaveHandshakeAcceptPersistsTranscript(t *testing.T) {
	f := newFixture(t, testUser("alice", "RedFox", "mit"), testUser("bob", "BlueOwl", "cmu"))
	alice := f.connect(t, "c-alice", "alice")
	bob := f.connect(t, "c-bob", "bob")
	roomID := f.pair(t, alice, bob, "chat")

	f.hub.handleSendMessage(alice.conn, protocol.SendMessageMsg{RoomID: roomID, Text: "first"})
	bob.expect(t, protocol.TypeNewMessage)
	f.hub.handleSendMessage(bob.conn, protocol.SendMessageMsg{RoomID: roomID, Text: "second"})
	alice.expect(t, protocol.TypeNewMessage)

	f.hub.handleRequestSaveChat(alice.conn, protocol.RequestSaveChatMsg{RoomID: roomID})
	req := bob.expect(t, protocol.TypeSaveChatRequest)
	if req["requester_id"] != "alice" {
		t.Errorf("requester_id = %v, want alice", req["requester_id"])
	}

	f.hub.handleRespondSaveChat(bob.conn, protocol.RespondSaveChatMsg{RoomID: roomID, Accept: true})

	savedA := alice.expect(t, protocol.TypeChatSaved)
	savedB := bob.expect(t, protocol.TypeChatSaved)
	convID, _ := savedA["chatroom_id"].(string)
	if convID == "" || savedB["chatroom_id"] != convID {
		t.Fatalf("chatroom ids: %v vs %v", savedA["chatroom_id"], savedB["chatroom_id"])
	}

	msgs := f.convs.messages(convID)
	if len(msgs) != 2 || msgs[0].Text != "first" || msgs[1].Text != "second" {
		t.Fatalf("persisted transcript = %v", msgs)
	}

	// A later save only flushes messages sent since the first one.
	f.hub.handleSendMessage(alice.conn, protocol.SendMessageMsg{RoomID: roomID, Text: "third"})
	bob.expect(t, protocol.TypeNewMessage)
	f.hub.handleRequestSaveChat(bob.conn, protocol.RequestSaveChatMsg{RoomID: roomID})
	alice.expect(t, protocol.TypeSaveChatRequest)
	f.hub.handleRespondSaveChat(alice.conn, protocol.RespondSaveChatMsg{RoomID: roomID, Accept: true})
	alice.expect(t, protocol.TypeChatSaved)

	msgs = f.convs.messages(convID)
	if len(msgs) != 3 || msgs[2].Text != "third" {
		t.Fatalf("second flush produced %v", msgs)
	}
	if f.convs.count() != 1 {
		t.Errorf("second save created a new conversation: %d", f.convs.count())
	}
}

func TestSaveHandshakeDecline(t *testing.T) {
	f := newFixture(t, testUser("alice", "RedFox", "mit"), testUser("bob", "BlueOwl", "cmu"))
	alice := f.connect(t, "c-alice", "alice")
	bob := f.connect(t, "c-bob", "bob")
	roomID := f.pair(t, alice, bob, "chat")

	f.hub.handleSendMessage(alice.conn, protocol.SendMessageMsg{RoomID: roomID, Text: "save this?"})
	bob.expect(t, protocol.TypeNewMessage)

	f.hub.handleRequestSaveChat(alice.conn, protocol.RequestSaveChatMsg{RoomID: roomID})
	bob.expect(t, protocol.TypeSaveChatRequest)
	f.hub.handleRespondSaveChat(bob.conn, protocol.RespondSaveChatMsg{RoomID: roomID, Accept: false})

	alice.expect(t, protocol.TypeSaveChatDeclined)
	if f.convs.count() != 0 {
		t.Errorf("declined save reached the store: %d conversations", f.convs.count())
	}

	// A decline resets the handshake, so the save may be requested again.
	f.hub.handleRequestSaveChat(alice.conn, protocol.RequestSaveChatMsg{RoomID: roomID})
	bob.expect(t, protocol.TypeSaveChatRequest)
}

func TestSaveHandshakeIgnoresResponseWithoutRequest(t *testing.T) {
	f := newFixture(t, testUser("alice", "RedFox", "mit"), testUser("bob", "BlueOwl", "cmu"))
	alice := f.connect(t, "c-alice", "alice")
	bob := f.connect(t, "c-bob", "bob")
	roomID := f.pair(t, alice, bob, "chat")

	f.hub.handleRespondSaveChat(bob.conn, protocol.RespondSaveChatMsg{RoomID: roomID, Accept: true})
	bob.expectNone(t, protocol.TypeChatSaved, 100*time.Millisecond)
	alice.expectNone(t, protocol.TypeChatSaved, 50*time.Millisecond)

	// The requester cannot answer its own request.
	f.hub.handleRequestSaveChat(alice.conn, protocol.RequestSaveChatMsg{RoomID: roomID})
	bob.expect(t, protocol.TypeSaveChatRequest)
	f.hub.handleRespondSaveChat(alice.conn, protocol.RespondSaveChatMsg{RoomID: roomID, Accept: true})
	alice.expectNone(t, protocol.TypeChatSaved, 100*time.Millisecond)
}

func TestSaveHandshakeStoreFailureResetsState(t *testing.T) {
	f := newFixture(t, testUser("alice", "RedFox", "mit"), testUser("bob", "BlueOwl", "cmu"))
	alice := f.connect(t, "c-alice", "alice")
	bob := f.connect(t, "c-bob", "bob")
	roomID := f.pair(t, alice, bob, "chat")

	f.hub.handleSendMessage(alice.conn, protocol.SendMessageMsg{RoomID: roomID, Text: "hold on to this"})
	bob.expect(t, protocol.TypeNewMessage)

	f.convs.mu.Lock()
	f.convs.appendErr = fmt.Errorf("store down")
	f.convs.mu.Unlock()

	f.hub.handleRequestSaveChat(alice.conn, protocol.RequestSaveChatMsg{RoomID: roomID})
	bob.expect(t, protocol.TypeSaveChatRequest)
	f.hub.handleRespondSaveChat(bob.conn, protocol.RespondSaveChatMsg{RoomID: roomID, Accept: true})

	errMsg := bob.expect(t, protocol.TypeError)
	if errMsg["code"] != "save_failed" {
		t.Errorf("error code = %v, want save_failed", errMsg["code"])
	}

	// The watermark did not advance; a retry flushes the same transcript.
	f.convs.mu.Lock()
	f.convs.appendErr = nil
	f.convs.mu.Unlock()

	f.hub.handleRequestSaveChat(alice.conn, protocol.RequestSaveChatMsg{RoomID: roomID})
	bob.expect(t, protocol.TypeSaveChatRequest)
	f.hub.handleRespondSaveChat(bob.conn, protocol.RespondSaveChatMsg{RoomID: roomID, Accept: true})

	saved := alice.expect(t, protocol.TypeChatSaved)
	convID, _ := saved["chatroom_id"].(string)
	msgs := f.convs.messages(convID)
	if len(msgs) != 1 || msgs[0].Text != "hold on to this" {
		t.Errorf("retried flush = %v", msgs)
	}
}

// ---------- teardown tests ----------

func TestLeaveChatEndsSessionAndArchives(t *testing.T) {
	f := newFixture(t, testUser("alice", "RedFox", "mit"), testUser("bob", "BlueOwl", "cmu"))
	alice := f.connect(t, "c-alice", "alice")
	bob := f.connect(t, "c-bob", "bob")
	roomID := f.pair(t, alice, bob, "chat")

	f.hub.handleSendMessage(alice.conn, protocol.SendMessageMsg{RoomID: roomID, Text: "gotta go"})
	bob.expect(t, protocol.TypeNewMessage)

	f.hub.handleLeaveChat(alice.conn, protocol.LeaveChatMsg{RoomID: roomID})

	endedA := alice.expect(t, protocol.TypeChatEnded)
	if endedA["partner_id"] != "bob" {
		t.Errorf("alice's chat_ended partner = %v, want bob", endedA["partner_id"])
	}
	endedB := bob.expect(t, protocol.TypeChatEnded)
	if endedB["partner_id"] != "alice" {
		t.Errorf("bob's chat_ended partner = %v, want alice", endedB["partner_id"])
	}
	alice.expectNone(t, protocol.TypeChatEnded, 100*time.Millisecond)
	bob.expectNone(t, protocol.TypeChatEnded, 50*time.Millisecond)

	if f.rooms.Get(roomID) != nil {
		t.Error("session still registered after leave")
	}

	select {
	case cl := <-f.pub.ch:
		if cl.Kind != report.KindChatLog {
			t.Errorf("log kind = %q", cl.Kind)
		}
		if cl.Reason != "Chat log between RedFox and BlueOwl" {
			t.Errorf("log reason = %q", cl.Reason)
		}
		if len(cl.Messages) != 1 || cl.Messages[0].Sender != "RedFox" {
			t.Errorf("archived messages = %v", cl.Messages)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("transcript was never archived")
	}
}

func TestDisconnectTearsDownSessionOnce(t *testing.T) {
	f := newFixture(t, testUser("alice", "RedFox", "mit"), testUser("bob", "BlueOwl", "cmu"))
	alice := f.connect(t, "c-alice", "alice")
	bob := f.connect(t, "c-bob", "bob")
	roomID := f.pair(t, alice, bob, "chat")

	f.hub.handleSendMessage(bob.conn, protocol.SendMessageMsg{RoomID: roomID, Text: "one for the log"})
	alice.expect(t, protocol.TypeNewMessage)

	f.hub.OnDisconnect(bob.conn)

	ended := alice.expect(t, protocol.TypeChatEnded)
	if ended["partner_id"] != "bob" {
		t.Errorf("partner_id = %v, want bob", ended["partner_id"])
	}
	if f.pres.Get("bob") != nil {
		t.Error("bob still present after disconnect")
	}

	// The other side's disconnect races in later; nothing happens twice.
	f.hub.OnDisconnect(alice.conn)

	<-f.pub.ch
	select {
	case cl := <-f.pub.ch:
		t.Fatalf("transcript archived twice: %v", cl)
	case <-time.After(150 * time.Millisecond):
	}
}

func TestReconnectReplacesPresenceHandle(t *testing.T) {
	f := newFixture(t, testUser("alice", "RedFox", "mit"))
	first := f.connect(t, "c-alice-1", "alice")
	second := f.connect(t, "c-alice-2", "alice")

	if got := f.pres.Get("alice"); got == nil || got.ID != "c-alice-2" {
		t.Fatalf("presence handle = %v, want c-alice-2", got)
	}

	// The replaced socket's disconnect arrives late and must not knock the
	// fresh connection offline.
	f.hub.OnDisconnect(first.conn)
	if got := f.pres.Get("alice"); got == nil || got.ID != "c-alice-2" {
		t.Fatalf("presence handle after stale disconnect = %v, want c-alice-2", got)
	}

	f.hub.OnDisconnect(second.conn)
	if f.pres.Get("alice") != nil {
		t.Error("alice still present after real disconnect")
	}
}

// ---------- saved conversation tests ----------

func TestJoinAllChatsJoinsEverySavedConversation(t *testing.T) {
	f := newFixture(t, testUser("alice", "RedFox", "mit"), testUser("bob", "BlueOwl", "cmu"))
	alice := f.connect(t, "c-alice", "alice")
	bob := f.connect(t, "c-bob", "bob")

	ctx := context.Background()
	conv1, _ := f.convs.Create(ctx, []string{"alice", "bob"})
	conv2, _ := f.convs.Create(ctx, []string{"alice", "someone-else"})

	f.hub.handleJoinAllChats(alice.conn, protocol.JoinAllChatsMsg{})
	f.hub.handleJoinChat(bob.conn, protocol.JoinChatMsg{RoomID: conv1})

	f.hub.handleSendMessage(bob.conn, protocol.SendMessageMsg{RoomID: conv1, Text: "you back?", Persistent: true})
	got := alice.expect(t, protocol.TypeNewMessage)
	if got["room_id"] != conv1 {
		t.Errorf("room_id = %v, want %v", got["room_id"], conv1)
	}
	_ = conv2
}

func TestJoinChatRefusesNonParticipant(t *testing.T) {
	f := newFixture(t, testUser("alice", "RedFox", "mit"), testUser("mallory", "DarkElm", "cmu"))
	alice := f.connect(t, "c-alice", "alice")
	mallory := f.connect(t, "c-mallory", "mallory")

	convID, _ := f.convs.Create(context.Background(), []string{"alice", "bob"})
	f.hub.handleJoinChat(alice.conn, protocol.JoinChatMsg{RoomID: convID})
	f.hub.handleJoinChat(mallory.conn, protocol.JoinChatMsg{RoomID: convID})

	f.hub.handleSendMessage(alice.conn, protocol.SendMessageMsg{RoomID: convID, Text: "private", Persistent: true})
	mallory.expectNone(t, protocol.TypeNewMessage, 150*time.Millisecond)
}

func TestPersistentMessageRefusesNonParticipant(t *testing.T) {
	f := newFixture(t, testUser("alice", "RedFox", "mit"), testUser("mallory", "DarkElm", "cmu"))
	alice := f.connect(t, "c-alice", "alice")
	mallory := f.connect(t, "c-mallory", "mallory")

	convID, _ := f.convs.Create(context.Background(), []string{"alice", "bob"})
	f.hub.handleJoinChat(alice.conn, protocol.JoinChatMsg{RoomID: convID})

	f.hub.handleSendMessage(mallory.conn, protocol.SendMessageMsg{RoomID: convID, Text: "let me in", Persistent: true})

	alice.expectNone(t, protocol.TypeNewMessage, 150*time.Millisecond)
	if msgs := f.convs.messages(convID); len(msgs) != 0 {
		t.Errorf("non-participant wrote into the conversation: %v", msgs)
	}
}

func TestDeleteChatRemovesConversationAndNotifies(t *testing.T) {
	f := newFixture(t, testUser("alice", "RedFox", "mit"), testUser("bob", "BlueOwl", "cmu"))
	alice := f.connect(t, "c-alice", "alice")
	bob := f.connect(t, "c-bob", "bob")

	convID, _ := f.convs.Create(context.Background(), []string{"alice", "bob"})
	f.hub.handleJoinChat(alice.conn, protocol.JoinChatMsg{RoomID: convID})
	f.hub.handleJoinChat(bob.conn, protocol.JoinChatMsg{RoomID: convID})

	f.hub.handleDeleteChat(alice.conn, protocol.DeleteChatMsg{ChatID: convID})

	deletedA := alice.expect(t, protocol.TypeChatDeleted)
	deletedB := bob.expect(t, protocol.TypeChatDeleted)
	if deletedA["chat_id"] != convID || deletedB["chat_id"] != convID {
		t.Errorf("chat_deleted ids: %v / %v", deletedA["chat_id"], deletedB["chat_id"])
	}
	if f.convs.count() != 0 {
		t.Errorf("conversation survived delete: %d", f.convs.count())
	}
}

func TestDeleteChatRefusesNonParticipant(t *testing.T) {
	f := newFixture(t, testUser("mallory", "DarkElm", "cmu"))
	mallory := f.connect(t, "c-mallory", "mallory")

	convID, _ := f.convs.Create(context.Background(), []string{"alice", "bob"})
	f.hub.handleDeleteChat(mallory.conn, protocol.DeleteChatMsg{ChatID: convID})

	mallory.expectNone(t, protocol.TypeChatDeleted, 150*time.Millisecond)
	if f.convs.count() != 1 {
		t.Error("non-participant deleted the conversation")
	}
}
