package ws

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/procmadatelzobak/iris-relay/internal/dispatch"
	"github.com/procmadatelzobak/iris-relay/internal/gen"
	"github.com/procmadatelzobak/iris-relay/internal/hub"
	"github.com/procmadatelzobak/iris-relay/internal/persistence/store"
	"github.com/procmadatelzobak/iris-relay/internal/protocol"
	"github.com/procmadatelzobak/iris-relay/internal/sim/env"
	"github.com/procmadatelzobak/iris-relay/internal/sim/tuning"
	"github.com/procmadatelzobak/iris-relay/internal/sim/window"
)

func newTestServer(t *testing.T) (*httptest.Server, *store.Store, *env.Env) {
	t.Helper()
	cfg := tuning.Defaults()
	e := env.New(cfg)
	w := window.NewTracker()
	h := hub.New(cfg.TotalSessions)
	st, err := store.Open(filepath.Join(t.TempDir(), "relay.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })
	logger := log.New(io.Discard, "", 0)
	d := dispatch.New(cfg, e, w, h, st, &gen.Scripted{}, dispatch.DefaultPrompts("test"), logger, nil)
	srv := NewServer(cfg, e, h, st, d, logger)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, st, e
}

func dial(t *testing.T, ts *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "?" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readMsg(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, b, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		t.Fatalf("unmarshal %q: %v", b, err)
	}
	return m
}

func TestInvalidIdentityClosedWithPolicyViolation(t *testing.T) {
	ts, _, _ := newTestServer(t)
	conn := dial(t, ts, "role=subject&unit=99")

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	if err == nil {
		t.Fatal("expected close")
	}
	if !websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
		t.Fatalf("close err = %v, want 1008", err)
	}
}

func TestSubjectReceivesUserStatus(t *testing.T) {
	ts, _, _ := newTestServer(t)
	conn := dial(t, ts, "role=subject&unit=2&name=ANNA")

	m := readMsg(t, conn)
	if m["type"] != protocol.TypeUserStatus {
		t.Fatalf("first frame = %v", m)
	}
}

func TestObserverSeesOnlineStatus(t *testing.T) {
	ts, _, _ := newTestServer(t)
	obs := dial(t, ts, "role=observer")

	if m := readMsg(t, obs); m["type"] != protocol.TypeObserverInit {
		t.Fatalf("observer init = %v", m)
	}

	dial(t, ts, "role=operator&unit=3")
	m := readMsg(t, obs)
	if m["type"] != protocol.TypeStatusUpdate || m["status"] != "online" || m["unit"] != float64(3) {
		t.Fatalf("status frame = %v", m)
	}
}

func TestBlackboxHidesHistoryFromOperatorsOnly(t *testing.T) {
	ts, st, e := newTestServer(t)
	if _, err := st.AppendChat(context.Background(), store.ChatRecord{
		Session: 1, Sender: "U-1", Role: protocol.RoleSubject, Content: "old line",
	}); err != nil {
		t.Fatal(err)
	}

	conn := dial(t, ts, "role=subject&unit=1")
	if m := readMsg(t, conn); m["type"] != protocol.TypeChat || m["content"] != "old line" {
		t.Fatalf("expected replay first, got %v", m)
	}
	if m := readMsg(t, conn); m["type"] != protocol.TypeUserStatus {
		t.Fatalf("expected user_status after replay, got %v", m)
	}

	e.SetVisibility(env.VisBlackbox)

	// Subjects keep their own backlog under blackbox.
	conn2 := dial(t, ts, "role=subject&unit=1")
	if m := readMsg(t, conn2); m["type"] != protocol.TypeChat || m["content"] != "old line" {
		t.Fatalf("blackbox must not blind the subject, got %v", m)
	}

	// Operators get nothing but the init frame.
	op := dial(t, ts, "role=operator&unit=1")
	if m := readMsg(t, op); m["type"] != protocol.TypeGamestateUpdate {
		t.Fatalf("blackbox must skip operator replay, got %v", m)
	}
}

func TestSubjectStatusReflectsStoredLock(t *testing.T) {
	ts, st, _ := newTestServer(t)
	if err := st.SetLocked(context.Background(), protocol.RoleSubject, 3, true); err != nil {
		t.Fatal(err)
	}

	conn := dial(t, ts, "role=subject&unit=3")
	m := readMsg(t, conn)
	if m["type"] != protocol.TypeUserStatus || m["is_locked"] != true {
		t.Fatalf("status frame = %v, want is_locked", m)
	}
}

func TestChatFlowsEndToEnd(t *testing.T) {
	ts, _, _ := newTestServer(t)
	sub := dial(t, ts, "role=subject&unit=4&name=U-4")
	op := dial(t, ts, "role=operator&unit=4&name=A-4")
	readMsg(t, sub) // user_status
	readMsg(t, op)  // gamestate_update

	if err := sub.WriteJSON(map[string]any{"type": "chat", "content": "hello out there"}); err != nil {
		t.Fatal(err)
	}

	// Operator sees the relayed line (lock frames go to the subject only).
	m := readMsg(t, op)
	if m["type"] != protocol.TypeChat || m["content"] != "hello out there" {
		t.Fatalf("operator frame = %v", m)
	}
}
