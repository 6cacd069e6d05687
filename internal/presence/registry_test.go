package presence

import (
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/gobwas/ws/wsutil"

	"github.com/campusmeet/chat-app/internal/ws"
)

// pipeConn builds a connection over a net.Pipe and drains server frames into
// a channel so broadcasts never block.
func pipeConn(t *testing.T, connID, userID string) (*ws.Connection, chan map[string]interface{}) {
	t.Helper()

	server, client := net.Pipe()
	conn := &ws.Connection{ID: connID, UserID: userID, Conn: server}
	msgs := make(chan map[string]interface{}, 32)

	go func() {
		for {
			data, err := wsutil.ReadServerText(client)
			if err != nil {
				return
			}
			var m map[string]interface{}
			if json.Unmarshal(data, &m) == nil {
				msgs <- m
			}
		}
	}()

	t.Cleanup(func() {
		server.Close()
		client.Close()
	})
	return conn, msgs
}

func nextCount(t *testing.T, msgs chan map[string]interface{}) int {
	t.Helper()
	select {
	case m := <-msgs:
		if m["type"] != "online_count" {
			t.Fatalf("unexpected message %v", m)
		}
		return int(m["count"].(float64))
	case <-time.After(2 * time.Second):
		t.Fatal("no online_count received")
		return 0
	}
}

func TestRegisterBroadcastsCount(t *testing.T) {
	r := NewRegistry()

	c1, msgs1 := pipeConn(t, "conn-1", "alice")
	if prev := r.Register(c1); prev != nil {
		t.Fatalf("Register returned prior handle %v", prev)
	}
	if got := nextCount(t, msgs1); got != 1 {
		t.Errorf("count = %d, want 1", got)
	}

	c2, msgs2 := pipeConn(t, "conn-2", "bob")
	r.Register(c2)
	if got := nextCount(t, msgs1); got != 2 {
		t.Errorf("count at alice = %d, want 2", got)
	}
	if got := nextCount(t, msgs2); got != 2 {
		t.Errorf("count at bob = %d, want 2", got)
	}

	if r.Count() != 2 {
		t.Errorf("Count = %d", r.Count())
	}
}

func TestRegisterReplacesPriorHandle(t *testing.T) {
	r := NewRegistry()

	first, _ := pipeConn(t, "conn-1", "alice")
	second, _ := pipeConn(t, "conn-2", "alice")

	r.Register(first)
	prev := r.Register(second)
	if prev != first {
		t.Fatalf("Register returned %v, want the replaced handle", prev)
	}
	if got := r.Get("alice"); got != second {
		t.Errorf("Get = %v, want the fresh handle", got)
	}
	if r.Count() != 1 {
		t.Errorf("Count = %d, want 1 (same identity)", r.Count())
	}
}

func TestUnregisterOnlyRemovesCurrentHandle(t *testing.T) {
	r := NewRegistry()

	first, _ := pipeConn(t, "conn-1", "alice")
	second, _ := pipeConn(t, "conn-2", "alice")
	r.Register(first)
	r.Register(second)

	// The replaced socket disconnects late; the fresh handle must survive.
	if r.Unregister("alice", "conn-1") {
		t.Error("Unregister removed the identity for a stale handle")
	}
	if got := r.Get("alice"); got != second {
		t.Errorf("Get = %v after stale unregister", got)
	}

	if !r.Unregister("alice", "conn-2") {
		t.Error("Unregister failed for the current handle")
	}
	if r.Get("alice") != nil {
		t.Error("identity still present")
	}
	if r.Unregister("alice", "conn-2") {
		t.Error("second Unregister reported a removal")
	}
}
