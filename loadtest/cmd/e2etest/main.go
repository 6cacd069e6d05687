// Package main implements a standalone end-to-end integration test for the
// CampusMeet chat application. It validates the full user journey against a
// running stack: health checks, authenticated WebSocket connect, matchmaking,
// message relay, the save handshake, session teardown, and rate limiting.
//
// The two test users must exist in PostgreSQL first; run
// `loadtest seed -count 2` (or more) against the same database.
//
// Usage:
//
//	go run ./cmd/e2etest/ [-url ws://localhost:8080/ws] [-api http://localhost:8080] [-secret dev-secret] [-timeout 60s]
//
// Exit code 0 if all required scenarios pass, 1 if any fail.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/campusmeet/chat-app/loadtest/client"
)

// tokenTTL is how long minted test tokens stay valid.
const tokenTTL = time.Hour

// The seeded identities the scenarios run as.
const (
	userA = "load-00000"
	userB = "load-00001"
)

// ---------------------------------------------------------------------------
// Result tracking
// ---------------------------------------------------------------------------

// resultKind categorises a scenario outcome.
type resultKind int

const (
	resultPass resultKind = iota
	resultFail
	resultInfo // optional / non-fatal
)

// scenarioResult holds the outcome of a single test scenario.
type scenarioResult struct {
	name   string
	kind   resultKind
	detail string
}

func (r scenarioResult) tag() string {
	switch r.kind {
	case resultPass:
		return "PASS"
	case resultFail:
		return "FAIL"
	default:
		return "INFO"
	}
}

// ---------------------------------------------------------------------------
// Main
// ---------------------------------------------------------------------------

func main() {
	wsURL := flag.String("url", "ws://localhost:8080/ws", "WebSocket server URL")
	apiBase := flag.String("api", "http://localhost:8080", "HTTP API base URL")
	secret := flag.String("secret", "dev-secret", "JWT secret shared with the server")
	timeout := flag.Duration("timeout", 60*time.Second, "Global test timeout")
	flag.Parse()

	fmt.Println("=== CampusMeet E2E Integration Test ===")
	fmt.Printf("Server: %s\n\n", *wsURL)

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	var results []scenarioResult

	// Run scenarios sequentially.
	results = append(results, scenario1HealthCheck(ctx, *apiBase))
	results = append(results, scenario2ConnectAuth(ctx, *wsURL, *secret))

	// Scenarios 3-6 share a matched session; run them as a group.
	s3, s4, s5, s6 := scenario3456MatchChatSaveEnd(ctx, *wsURL, *secret)
	results = append(results, s3, s4, s5, s6)

	// Optional scenarios (non-fatal).
	results = append(results, scenario7RateLimiting(ctx, *wsURL, *secret))

	// -----------------------------------------------------------------------
	// Summary
	// -----------------------------------------------------------------------
	fmt.Println()
	passed := 0
	failed := 0
	info := 0
	for _, r := range results {
		fmt.Printf("[%s] %s", r.tag(), r.name)
		if r.detail != "" {
			fmt.Printf(" (%s)", r.detail)
		}
		fmt.Println()

		switch r.kind {
		case resultPass:
			passed++
		case resultFail:
			failed++
		case resultInfo:
			info++
		}
	}

	requiredTotal := passed + failed
	fmt.Printf("\n=== Results: %d/%d passed", passed, requiredTotal)
	if info > 0 {
		fmt.Printf(", %d info", info)
	}
	fmt.Println(" ===")

	if failed > 0 {
		os.Exit(1)
	}
}

// ---------------------------------------------------------------------------
// Scenario 1: Health Check
// ---------------------------------------------------------------------------

func scenario1HealthCheck(ctx context.Context, apiBase string) scenarioResult {
	name := "Scenario 1: Health Check"

	body, err := httpGet(ctx, apiBase+"/health")
	if err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("/health: %v", err)}
	}

	metricsBody, err := httpGet(ctx, apiBase+"/metrics")
	if err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("/metrics: %v", err)}
	}
	if !strings.Contains(metricsBody, "campusmeet_online_users") {
		return scenarioResult{name, resultFail, "/metrics: missing campusmeet_online_users"}
	}

	return scenarioResult{name, resultPass, strings.TrimSpace(body)}
}

func httpGet(ctx context.Context, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	return string(data), err
}

// ---------------------------------------------------------------------------
// Scenario 2: Connect & Auth
// ---------------------------------------------------------------------------

func scenario2ConnectAuth(ctx context.Context, wsURL, secret string) scenarioResult {
	name := "Scenario 2: Connect & Auth"

	connCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	// A bogus token must be rejected at upgrade.
	if c, err := client.New(connCtx, wsURL, "nobody", "not-a-jwt"); err == nil {
		c.Close()
		return scenarioResult{name, resultFail, "server accepted an invalid token"}
	}

	token, err := client.MintToken(secret, userA, tokenTTL)
	if err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("mint token: %v", err)}
	}
	c, err := client.New(connCtx, wsURL, userA, token)
	if err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("connect: %v", err)}
	}
	defer c.Close()

	if err := c.WaitForReady(connCtx); err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("no online_count broadcast: %v", err)}
	}

	return scenarioResult{name, resultPass, "invalid token rejected, valid token acknowledged"}
}

// ---------------------------------------------------------------------------
// Scenarios 3-6: Match, Chat, Save, End
// ---------------------------------------------------------------------------

// matched bundles one side of a paired session.
type matched struct {
	c         *client.Client
	roomID    string
	initiator bool
	partnerID string
}

// connectAndMatch connects both test users and pairs them via find_match.
func connectAndMatch(ctx context.Context, wsURL, secret string) (*matched, *matched, error) {
	connect := func(userID string) (*client.Client, error) {
		token, err := client.MintToken(secret, userID, tokenTTL)
		if err != nil {
			return nil, err
		}
		c, err := client.New(ctx, wsURL, userID, token)
		if err != nil {
			return nil, err
		}
		if err := c.WaitForReady(ctx); err != nil {
			c.Close()
			return nil, err
		}
		return c, nil
	}

	a, err := connect(userA)
	if err != nil {
		return nil, nil, fmt.Errorf("client A: %w", err)
	}
	b, err := connect(userB)
	if err != nil {
		a.Close()
		return nil, nil, fmt.Errorf("client B: %w", err)
	}

	type started struct {
		RoomID         string `json:"room_id"`
		ShouldInitiate bool   `json:"should_initiate"`
		Partner        struct {
			ID string `json:"id"`
		} `json:"partner"`
	}
	startedA := make(chan started, 1)
	startedB := make(chan started, 1)
	capture := func(ch chan started) func(json.RawMessage) {
		return func(raw json.RawMessage) {
			var msg started
			if err := json.Unmarshal(raw, &msg); err == nil {
				select {
				case ch <- msg:
				default:
				}
			}
		}
	}
	a.On(client.TypeChatStarted, capture(startedA))
	b.On(client.TypeChatStarted, capture(startedB))

	if err := a.FindMatch("chat"); err != nil {
		a.Close()
		b.Close()
		return nil, nil, fmt.Errorf("find_match A: %w", err)
	}
	if err := b.FindMatch("chat"); err != nil {
		a.Close()
		b.Close()
		return nil, nil, fmt.Errorf("find_match B: %w", err)
	}

	var sa, sb started
	for i := 0; i < 2; i++ {
		select {
		case sa = <-startedA:
		case sb = <-startedB:
		case <-ctx.Done():
			a.Close()
			b.Close()
			return nil, nil, fmt.Errorf("timeout waiting for chat_started")
		}
	}

	if sa.RoomID == "" || sa.RoomID != sb.RoomID {
		a.Close()
		b.Close()
		return nil, nil, fmt.Errorf("room mismatch: %q vs %q", sa.RoomID, sb.RoomID)
	}

	ma := &matched{c: a, roomID: sa.RoomID, initiator: sa.ShouldInitiate, partnerID: sa.Partner.ID}
	mb := &matched{c: b, roomID: sb.RoomID, initiator: sb.ShouldInitiate, partnerID: sb.Partner.ID}
	return ma, mb, nil
}

func scenario3456MatchChatSaveEnd(ctx context.Context, wsURL, secret string) (scenarioResult, scenarioResult, scenarioResult, scenarioResult) {
	s3Name := "Scenario 3: Matchmaking"
	s4Name := "Scenario 4: Message Relay"
	s5Name := "Scenario 5: Save Handshake"
	s6Name := "Scenario 6: End Chat"

	scenarioCtx, cancel := context.WithTimeout(ctx, 45*time.Second)
	defer cancel()

	failAll := func(reason string) (scenarioResult, scenarioResult, scenarioResult, scenarioResult) {
		return scenarioResult{s3Name, resultFail, reason},
			scenarioResult{s4Name, resultFail, "skipped: matching failed"},
			scenarioResult{s5Name, resultFail, "skipped: matching failed"},
			scenarioResult{s6Name, resultFail, "skipped: matching failed"}
	}

	ma, mb, err := connectAndMatch(scenarioCtx, wsURL, secret)
	if err != nil {
		return failAll(err.Error())
	}
	defer ma.c.Close()
	defer mb.c.Close()

	if ma.initiator == mb.initiator {
		return failAll(fmt.Sprintf("both sides have should_initiate=%v", ma.initiator))
	}
	if ma.partnerID != userB || mb.partnerID != userA {
		return failAll(fmt.Sprintf("partner ids wrong: A sees %q, B sees %q", ma.partnerID, mb.partnerID))
	}
	s3 := scenarioResult{s3Name, resultPass, fmt.Sprintf("room=%s", truncateID(ma.roomID))}

	// --- Scenario 4: Message Relay ---
	recvB := make(chan string, 4)
	mb.c.On(client.TypeNewMessage, func(raw json.RawMessage) {
		var msg struct {
			Text string `json:"text"`
		}
		if err := json.Unmarshal(raw, &msg); err == nil {
			select {
			case recvB <- msg.Text:
			default:
			}
		}
	})

	textA := "hey, what college are you at?"
	if err := ma.c.SendChat(ma.roomID, textA, false); err != nil {
		return s3,
			scenarioResult{s4Name, resultFail, fmt.Sprintf("send: %v", err)},
			scenarioResult{s5Name, resultFail, "skipped: relay failed"},
			scenarioResult{s6Name, resultFail, "skipped: relay failed"}
	}

	relayCtx, relayCancel := context.WithTimeout(scenarioCtx, 10*time.Second)
	defer relayCancel()
	var got string
	select {
	case got = <-recvB:
	case <-relayCtx.Done():
		return s3,
			scenarioResult{s4Name, resultFail, "timeout: B never received A's message"},
			scenarioResult{s5Name, resultFail, "skipped: relay failed"},
			scenarioResult{s6Name, resultFail, "skipped: relay failed"}
	}
	if got != textA {
		return s3,
			scenarioResult{s4Name, resultFail, fmt.Sprintf("content mismatch: expected %q, got %q", textA, got)},
			scenarioResult{s5Name, resultFail, "skipped: relay failed"},
			scenarioResult{s6Name, resultFail, "skipped: relay failed"}
	}
	s4 := scenarioResult{s4Name, resultPass, "message relayed intact"}

	// --- Scenario 5: Save Handshake ---
	saveReqB := make(chan struct{}, 1)
	mb.c.On(client.TypeSaveChatRequest, func(json.RawMessage) {
		select {
		case saveReqB <- struct{}{}:
		default:
		}
	})
	savedA := make(chan string, 1)
	ma.c.On(client.TypeChatSaved, func(raw json.RawMessage) {
		var msg struct {
			ChatroomID string `json:"chatroom_id"`
		}
		if err := json.Unmarshal(raw, &msg); err == nil {
			select {
			case savedA <- msg.ChatroomID:
			default:
			}
		}
	})

	failSave := func(reason string) (scenarioResult, scenarioResult, scenarioResult, scenarioResult) {
		return s3, s4,
			scenarioResult{s5Name, resultFail, reason},
			scenarioResult{s6Name, resultFail, "skipped: save failed"}
	}

	if err := ma.c.Send(map[string]string{
		"type":    client.TypeRequestSaveChat,
		"room_id": ma.roomID,
	}); err != nil {
		return failSave(fmt.Sprintf("request_save_chat: %v", err))
	}

	saveCtx, saveCancel := context.WithTimeout(scenarioCtx, 10*time.Second)
	defer saveCancel()
	select {
	case <-saveReqB:
	case <-saveCtx.Done():
		return failSave("timeout: B never received save_chat_request")
	}

	if err := mb.c.Send(map[string]interface{}{
		"type":    client.TypeRespondSaveChat,
		"room_id": mb.roomID,
		"accept":  true,
	}); err != nil {
		return failSave(fmt.Sprintf("respond_save_chat: %v", err))
	}

	var chatroomID string
	select {
	case chatroomID = <-savedA:
	case <-saveCtx.Done():
		return failSave("timeout: A never received chat_saved")
	}
	if chatroomID == "" {
		return failSave("chat_saved without chatroom_id")
	}
	s5 := scenarioResult{s5Name, resultPass, fmt.Sprintf("conversation=%s", truncateID(chatroomID))}

	// --- Scenario 6: End Chat ---
	endedB := make(chan struct{}, 1)
	mb.c.On(client.TypeChatEnded, func(json.RawMessage) {
		select {
		case endedB <- struct{}{}:
		default:
		}
	})

	if err := ma.c.LeaveChat(ma.roomID); err != nil {
		return s3, s4, s5,
			scenarioResult{s6Name, resultFail, fmt.Sprintf("leave_chat: %v", err)}
	}

	endCtx, endCancel := context.WithTimeout(scenarioCtx, 10*time.Second)
	defer endCancel()
	select {
	case <-endedB:
	case <-endCtx.Done():
		return s3, s4, s5,
			scenarioResult{s6Name, resultFail, "timeout: B never received chat_ended"}
	}

	s6 := scenarioResult{s6Name, resultPass, "session torn down"}
	return s3, s4, s5, s6
}

// ---------------------------------------------------------------------------
// Scenario 7: Rate Limiting (optional, non-fatal)
// ---------------------------------------------------------------------------

func scenario7RateLimiting(ctx context.Context, wsURL, secret string) scenarioResult {
	name := "Scenario 7: Rate Limiting"

	scenarioCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	ma, mb, err := connectAndMatch(scenarioCtx, wsURL, secret)
	if err != nil {
		return scenarioResult{name, resultInfo, fmt.Sprintf("setup failed: %v", err)}
	}
	defer ma.c.Close()
	defer mb.c.Close()

	// Listen for the rate_limited error code on client A.
	rateLimited := make(chan struct{}, 1)
	ma.c.On(client.TypeError, func(raw json.RawMessage) {
		var msg struct {
			Code string `json:"code"`
		}
		if err := json.Unmarshal(raw, &msg); err == nil && msg.Code == "rate_limited" {
			select {
			case rateLimited <- struct{}{}:
			default:
			}
		}
	})

	// Blast messages from client A until the per-user window trips.
	sentCount := 0
	for i := 0; i < 40; i++ {
		if err := ma.c.SendChat(ma.roomID, fmt.Sprintf("rapid message %d", i+1), false); err != nil {
			break
		}
		sentCount++
	}

	rlCtx, rlCancel := context.WithTimeout(scenarioCtx, 5*time.Second)
	defer rlCancel()

	select {
	case <-rateLimited:
		return scenarioResult{name, resultInfo, fmt.Sprintf("rate_limited received after %d messages", sentCount)}
	case <-rlCtx.Done():
		return scenarioResult{name, resultInfo, fmt.Sprintf("no rate_limited after %d messages (limits may be relaxed)", sentCount)}
	}
}

// truncateID shortens an id for display.
func truncateID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}
