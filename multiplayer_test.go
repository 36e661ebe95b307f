package main

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/Seednode/matchbox/store"
	"github.com/gorilla/websocket"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()

	cfg := &Config{
		roomTTL:       30 * time.Minute,
		sweepInterval: 5 * time.Minute,
	}

	errs := make(chan error, 8)
	srv := httptest.NewServer(newMux(cfg, store.NewMemory(), errs))
	t.Cleanup(srv.Close)

	return srv
}

func dialGame(t *testing.T, srv *httptest.Server, slug string) *websocket.Conn {
	t.Helper()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/play/" + slug + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	return conn
}

// readUntil discards interleaved snapshots until a message of the
// wanted type arrives.
func readUntil(t *testing.T, conn *websocket.Conn, want string) map[string]any {
	t.Helper()

	for {
		var msg map[string]any
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("waiting for %q: %v", want, err)
		}

		typ, _ := msg["type"].(string)
		if typ == want {
			return msg
		}
		if typ == "error" {
			t.Fatalf("waiting for %q, got error: %v", want, msg)
		}
	}
}

func TestMultiplayerBridge(t *testing.T) {
	srv := newTestServer(t)

	host := dialGame(t, srv, "pong")
	if err := host.WriteJSON(map[string]any{"type": "create", "name": "alice"}); err != nil {
		t.Fatal(err)
	}

	created := readUntil(t, host, "created")
	code, _ := created["code"].(string)
	if len(code) != 6 {
		t.Fatalf("unexpected room code %q", code)
	}

	// Codes typed by players arrive in whatever case they typed them.
	guest := dialGame(t, srv, "pong")
	err := guest.WriteJSON(map[string]any{
		"type": "join",
		"name": "bob",
		"code": strings.ToLower(code),
	})
	if err != nil {
		t.Fatal(err)
	}

	joined := readUntil(t, guest, "joined")
	hostIdent, _ := joined["host"].(map[string]any)
	if hostIdent["name"] != "alice" {
		t.Fatalf("unexpected joined message: %v", joined)
	}

	// Host state ticks reach the guest as room snapshots.
	err = host.WriteJSON(map[string]any{
		"type":    "state",
		"payload": map[string]any{"p1": map[string]any{"x": 42}},
	})
	if err != nil {
		t.Fatal(err)
	}

	for {
		msg := readUntil(t, guest, "room")
		r, _ := msg["room"].(map[string]any)
		gs, _ := r["gameState"].(map[string]any)
		if gs["p1"] != nil {
			break
		}
	}

	// Discrete actions arrive as events, not snapshots.
	err = guest.WriteJSON(map[string]any{
		"type": "event",
		"kind": "shoot",
		"data": map[string]any{"angle": 90},
	})
	if err != nil {
		t.Fatal(err)
	}

	msg := readUntil(t, host, "event")
	ev, _ := msg["event"].(map[string]any)
	if ev["kind"] != "shoot" || ev["from"] != "guest" {
		t.Fatalf("unexpected event message: %v", msg)
	}

	// Host disconnect tears the room down under the guest.
	host.Close()
	readUntil(t, guest, "room_closed")
}

func TestMultiplayerJoinErrors(t *testing.T) {
	srv := newTestServer(t)

	conn := dialGame(t, srv, "pong")
	if err := conn.WriteJSON(map[string]any{"type": "join", "name": "bob", "code": "AB12CD"}); err != nil {
		t.Fatal(err)
	}

	var msg map[string]any
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatal(err)
	}
	if msg["type"] != "error" || msg["code"] != "RoomNotFound" {
		t.Fatalf("unexpected response: %v", msg)
	}
}

func TestUnknownGameSlug(t *testing.T) {
	srv := newTestServer(t)

	for _, path := range []string{
		"/play/tic-tac-toe",
		"/play/tic-tac-toe/ws",
		"/play/tic-tac-toe/qr?code=AB12CD",
	} {
		resp, err := http.Get(srv.URL + path)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()

		if resp.StatusCode != http.StatusNotFound {
			t.Fatalf("expected 404 for %s, got %d", path, resp.StatusCode)
		}
	}
}

func TestHealthCheck(t *testing.T) {
	srv := newTestServer(t)

	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK || strings.TrimSpace(string(body)) != "Ok" {
		t.Fatalf("unexpected health check response: %d %q", resp.StatusCode, body)
	}
}
