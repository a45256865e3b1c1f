package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{}

func wsURL(t *testing.T, server *httptest.Server) string {
	t.Helper()
	u, err := url.Parse(server.URL)
	if err != nil {
		t.Fatalf("parse url: %v", err)
	}
	u.Scheme = "ws"
	return u.String()
}

func TestHandshakeThenInstanceBatch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()

		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var hs map[string]string
		if err := json.Unmarshal(raw, &hs); err != nil || hs["token"] != "secret" {
			t.Errorf("unexpected handshake: %s", raw)
		}

		if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"status_code":200}`)); err != nil {
			return
		}

		conn.WriteMessage(websocket.TextMessage, []byte(`[{"id":1,"_instance_type":"P","_operation":"create","_tstamp":1,"name":"A"}]`))

		time.Sleep(50 * time.Millisecond)
	}))
	defer server.Close()

	tr := New(Config{URL: wsURL(t, server), Token: "secret", InitialBackoff: 10 * time.Millisecond, MaxBackoff: 50 * time.Millisecond}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tr.Connect(ctx)

	select {
	case ev := <-tr.Events():
		if ev.Kind != EventConnected {
			t.Fatalf("expected EventConnected, got %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for connected event")
	}

	select {
	case f := <-tr.Frames():
		if f.Kind != FrameInstances {
			t.Fatalf("expected FrameInstances, got %+v", f)
		}
		if !strings.Contains(string(f.Instances), `"name":"A"`) {
			t.Fatalf("unexpected instances payload: %s", f.Instances)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for instances frame")
	}
}

func TestAuthenticationErrorIsTerminal(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		conn.ReadMessage()
		conn.WriteMessage(websocket.TextMessage, []byte(`{"status_code":401,"error":"bad token"}`))
		time.Sleep(50 * time.Millisecond)
	}))
	defer server.Close()

	tr := New(Config{URL: wsURL(t, server), Token: "wrong", InitialBackoff: 10 * time.Millisecond, MaxBackoff: 50 * time.Millisecond}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tr.Connect(ctx)

	select {
	case ev := <-tr.Events():
		if ev.Kind != EventError {
			t.Fatalf("expected EventError, got %+v", ev)
		}
		terr, ok := ev.Err.(*Error)
		if !ok || terr.Kind != ErrAuthenticationError {
			t.Fatalf("expected AUTHENTICATION_ERROR, got %v", ev.Err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for error event")
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if tr.State() == StateClosed {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expected terminal StateClosed, got %v", tr.State())
}
