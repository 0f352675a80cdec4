package nodesync

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func dialStream(t *testing.T, ts *httptest.Server, token, session string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/sync/ws?token=" + token
	if session != "" {
		url += "&session=" + session
	}
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestProgressStream_DeliversEvents(t *testing.T) {
	f := newAPIFixture(t)
	conn := dialStream(t, f.ts, f.token, "")

	go func() {
		// Give the subscription a moment to register before publishing.
		time.Sleep(50 * time.Millisecond)
		f.server.broker.Publish(SessionEvent{SessionID: "s1", Status: StatusTransferring, Progress: 40})
	}()

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var ev SessionEvent
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("ReadJSON: %v", err)
	}
	if ev.SessionID != "s1" || ev.Progress != 40 {
		t.Errorf("event = %+v", ev)
	}
}

func TestProgressStream_SessionFilter(t *testing.T) {
	f := newAPIFixture(t)
	conn := dialStream(t, f.ts, f.token, "wanted")

	go func() {
		time.Sleep(50 * time.Millisecond)
		f.server.broker.Publish(SessionEvent{SessionID: "other", Progress: 10})
		f.server.broker.Publish(SessionEvent{SessionID: "wanted", Progress: 20})
	}()

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var ev SessionEvent
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("ReadJSON: %v", err)
	}
	if ev.SessionID != "wanted" {
		t.Errorf("filtered stream delivered %s", ev.SessionID)
	}
}

func TestProgressStream_RequiresToken(t *testing.T) {
	f := newAPIFixture(t)
	url := "ws" + strings.TrimPrefix(f.ts.URL, "http") + "/sync/ws"
	if _, _, err := websocket.DefaultDialer.Dial(url, nil); err == nil {
		t.Fatal("unauthenticated upgrade should fail")
	}
}
