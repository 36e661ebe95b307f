// Matchbox multiplayer bridge
//
// Each two-player game gets a websocket endpoint at /play/:game/ws.
// One connection is one participant: the client hosts a room or joins
// one by code, then streams its per-tick state and discrete events
// through the connection while the server relays them via the room
// layer. The actual simulation runs in the browser; the host side is
// authoritative for contested state (scores, collisions, win
// detection) and the guest only for its own entity, a convention the
// relay does not enforce.
//
// Protocol, client to server:
//   {"type":"create","name":...}          host a new room
//   {"type":"join","code":...,"name":...} join by code (case-insensitive)
//   {"type":"state","payload":{...}}      merge owned keys into gameState
//   {"type":"event","kind":...,"data":..} relay a discrete action
//   {"type":"finish"}                     mark the match finished
//   {"type":"close"}                      tear the room down
//
// Server to client: "created", "joined", "room" (full snapshot, echoes
// included), "event", "peer_stale", "room_closed", and "error" carrying
// a stable code: CreateFailed, RoomNotFound or RoomFull.

package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"log"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"

	"github.com/Seednode/matchbox/games"
	"github.com/Seednode/matchbox/room"
	"github.com/Seednode/matchbox/store"
)

// Messages coming from clients
type ClientMessage struct {
	Type    string         `json:"type"`              // "create", "join", "state", "event", "finish", "close"
	Name    string         `json:"name,omitempty"`    // create / join
	Code    string         `json:"code,omitempty"`    // join
	Payload map[string]any `json:"payload,omitempty"` // state
	Kind    string         `json:"kind,omitempty"`    // event
	Data    any            `json:"data,omitempty"`    // event
}

// Messages sent to clients
type CreatedMessage struct {
	Type string `json:"type"` // "created"
	Code string `json:"code"` // room code to share out of band
}

type JoinedMessage struct {
	Type string        `json:"type"` // "joined"
	Code string        `json:"code"`
	Host room.Identity `json:"host"` // opponent label for the guest
}

type RoomMessage struct {
	Type string     `json:"type"` // "room"
	Room *room.Room `json:"room"`
}

type EventMessage struct {
	Type  string     `json:"type"` // "event"
	Event room.Event `json:"event"`
}

type ErrorMessage struct {
	Type    string `json:"type"`    // "error"
	Code    string `json:"code"`    // "CreateFailed", "RoomNotFound", "RoomFull"
	Message string `json:"message"` // user-facing text
}

type SimpleMessage struct {
	Type    string `json:"type"` // "peer_stale", "room_closed"
	Message string `json:"message,omitempty"`
}

type Client struct {
	conn     *websocket.Conn
	send     chan any
	done     chan struct{}
	playerID string
	mgr      *room.Manager
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

const playerCookieName = "matchbox_id"

func getOrSetPlayerID(w http.ResponseWriter, r *http.Request) string {
	if c, err := r.Cookie(playerCookieName); err == nil && c.Value != "" {
		return c.Value
	}

	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		log.Println("rand.Read error:", err)
		return ""
	}
	id := hex.EncodeToString(buf)

	http.SetCookie(w, &http.Cookie{
		Name:     playerCookieName,
		Value:    id,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})

	return id
}

func serveMultiplayerWS(cfg *Config, st store.Store) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		game, ok := games.Lookup(p.ByName("game"))
		if !ok {
			http.NotFound(w, r)
			return
		}

		playerID := getOrSetPlayerID(w, r)
		if playerID == "" {
			http.Error(w, "unable to assign player id", http.StatusInternalServerError)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Println("upgrade error:", err)
			return
		}

		client := &Client{
			conn:     conn,
			send:     make(chan any, 8),
			done:     make(chan struct{}),
			playerID: playerID,
		}

		go client.writePump()
		client.readPump(cfg, st, game)
	}
}

func (c *Client) readPump(cfg *Config, st store.Store, game games.Game) {
	defer func() {
		if c.mgr != nil {
			// The host owns teardown; a guest leaving only detaches,
			// the host sees the stall via peer staleness.
			if c.mgr.IsHost() {
				c.mgr.CloseRoom()
			} else {
				c.mgr.Close()
			}
		}
		close(c.done)
		_ = c.conn.Close()
	}()

	for {
		var msg ClientMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			return
		}

		switch msg.Type {
		case "create":
			c.handleCreate(cfg, st, game, msg)

		case "join":
			c.handleJoin(cfg, st, game, msg)

		case "state":
			if c.mgr == nil {
				continue
			}
			c.mgr.UpdateGameState(msg.Payload)
			metricSyncTicks.Inc()

		case "event":
			if c.mgr == nil || msg.Kind == "" {
				continue
			}
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			_ = c.mgr.SendEvent(ctx, msg.Kind, msg.Data)
			cancel()

		case "finish":
			if c.mgr == nil {
				continue
			}
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			_ = c.mgr.Finish(ctx)
			cancel()

		case "close":
			if c.mgr == nil {
				continue
			}
			c.mgr.CloseRoom()
			c.mgr = nil

		default:
			// ignore unknown types
		}
	}
}

func (c *Client) writePump() {
	defer c.conn.Close()

	for {
		select {
		case <-c.done:
			return
		case msg := <-c.send:
			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}
		}
	}
}

// push never blocks the room layer's delivery goroutine; a client too
// slow to drain its buffer just misses intermediate snapshots, which
// the feed's coalescing contract already allows.
func (c *Client) push(msg any) {
	select {
	case c.send <- msg:
	default:
	}
}

func (c *Client) newManager(cfg *Config, st store.Store, game games.Game) *room.Manager {
	mgr := room.New(st, game.Slug, room.WithPeerTimeout(cfg.peerTimeout))

	mgr.OnUpdate(func(r *room.Room) {
		c.push(RoomMessage{Type: "room", Room: r})
	})
	mgr.OnEvent(func(ev room.Event) {
		c.push(EventMessage{Type: "event", Event: ev})
	})
	mgr.OnPeerStale(func() {
		c.push(SimpleMessage{
			Type:    "peer_stale",
			Message: "No updates from your opponent; they may have disconnected.",
		})
	})
	mgr.OnClosed(func() {
		c.push(SimpleMessage{Type: "room_closed"})
	})

	return mgr
}

func (c *Client) handleCreate(cfg *Config, st store.Store, game games.Game, msg ClientMessage) {
	if c.mgr != nil {
		c.push(ErrorMessage{
			Type:    "error",
			Code:    "CreateFailed",
			Message: "This connection is already in a room.",
		})
		return
	}

	mgr := c.newManager(cfg, st, game)

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	code, err := mgr.CreateRoom(ctx, room.Identity{Name: msg.Name, ID: c.playerID})
	if err != nil {
		logf(cfg, "ROOMS: Create failed for %s: %v", game.Slug, err)
		c.push(ErrorMessage{
			Type:    "error",
			Code:    "CreateFailed",
			Message: "Could not create a room. Please try again.",
		})
		return
	}

	c.mgr = mgr
	metricRoomsCreated.Inc()
	logf(cfg, "ROOMS: %q created %s room %s", msg.Name, game.Slug, code)

	c.push(CreatedMessage{Type: "created", Code: code})
}

func (c *Client) handleJoin(cfg *Config, st store.Store, game games.Game, msg ClientMessage) {
	if c.mgr != nil {
		c.push(ErrorMessage{
			Type:    "error",
			Code:    "RoomNotFound",
			Message: "This connection is already in a room.",
		})
		return
	}

	mgr := c.newManager(cfg, st, game)

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	host, err := mgr.JoinRoom(ctx, msg.Code, room.Identity{Name: msg.Name, ID: c.playerID})
	switch {
	case errors.Is(err, room.ErrRoomNotFound):
		c.push(ErrorMessage{
			Type:    "error",
			Code:    "RoomNotFound",
			Message: "No open room matches that code. Check the code and try again.",
		})
		return
	case errors.Is(err, room.ErrRoomFull):
		c.push(ErrorMessage{
			Type:    "error",
			Code:    "RoomFull",
			Message: "Another player already joined that room.",
		})
		return
	case err != nil:
		logf(cfg, "ROOMS: Join failed for %s: %v", game.Slug, err)
		c.push(ErrorMessage{
			Type:    "error",
			Code:    "RoomNotFound",
			Message: "Could not join the room. Please try again.",
		})
		return
	}

	c.mgr = mgr
	metricRoomsJoined.Inc()
	logf(cfg, "ROOMS: %q joined %s room %s", msg.Name, game.Slug, mgr.Code())

	c.push(JoinedMessage{Type: "joined", Code: mgr.Code(), Host: host})
}

func servePlayPage(cfg *Config) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		game, ok := games.Lookup(p.ByName("game"))
		if !ok {
			http.NotFound(w, r)
			return
		}

		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		securityHeaders(cfg, w)

		_ = getOrSetPlayerID(w, r)

		page := strings.ReplaceAll(playHTML, "__TITLE__", game.Title)
		_, _ = w.Write([]byte(page))
	}
}

// registerMultiplayer sets up the game routes:
//   - /play/:game      → lobby page (host or join by code)
//   - /play/:game/ws   → WebSocket bridge for that game
//   - /play/:game/qr   → PNG QR code for a join URL (?code=)
//
// The handlers resolve :game against the registry and 404 slugs that
// are not registered.
func registerMultiplayer(cfg *Config, st store.Store, mux *httprouter.Router) {
	mux.GET(cfg.prefix+"/play/:game", servePlayPage(cfg))
	mux.GET(cfg.prefix+"/play/:game/ws", serveMultiplayerWS(cfg, st))
	mux.GET(cfg.prefix+"/play/:game/qr", qrHandler(cfg))
}

// Minimal lobby client: enough to host, join, and watch raw room
// snapshots. Real game clients drive the same protocol from their
// render loops.
const playHTML = `<!doctype html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>__TITLE__ - matchbox</title>
<style>
  body { font-family: system-ui, sans-serif; margin: 2rem; }
  #status { margin: 1rem 0; font-size: 0.9rem; }
  #log { margin-top: 1rem; padding: 0.5rem; border: 1px solid #ddd; height: 16rem; overflow-y: scroll; font-family: monospace; font-size: 0.8rem; white-space: pre-wrap; }
  input { text-transform: uppercase; }
</style>
</head>
<body>
<h1>__TITLE__</h1>
<div>
  <button id="host">Host room</button>
  <input id="code" maxlength="6" placeholder="CODE">
  <button id="join">Join room</button>
</div>
<div id="status">Connecting…</div>
<div id="log"></div>

<script>
(function() {
  const statusEl = document.getElementById('status');
  const logEl = document.getElementById('log');

  const proto = (location.protocol === 'https:') ? 'wss://' : 'ws://';
  const ws = new WebSocket(proto + location.host + location.pathname.replace(/\/$/, '') + '/ws');

  function log(line) {
    logEl.textContent += line + '\n';
    logEl.scrollTop = logEl.scrollHeight;
  }

  const prefill = new URLSearchParams(location.search).get('code');
  if (prefill) {
    document.getElementById('code').value = prefill;
  }

  ws.onopen = function() { statusEl.textContent = 'Connected.'; };
  ws.onclose = function() { statusEl.textContent = 'Disconnected.'; };

  ws.onmessage = function(event) {
    const msg = JSON.parse(event.data);
    if (msg.type === 'created') {
      statusEl.textContent = 'Room code: ' + msg.code + ', waiting for opponent…';
    } else if (msg.type === 'joined') {
      statusEl.textContent = 'Joined ' + msg.code + ', playing against ' + msg.host.name;
    } else if (msg.type === 'error') {
      statusEl.textContent = msg.message;
    } else if (msg.type === 'peer_stale') {
      statusEl.textContent = 'Opponent disconnected?';
    }
    log(event.data);
  };

  document.getElementById('host').onclick = function() {
    const name = prompt('Your name:') || 'Anonymous';
    ws.send(JSON.stringify({type: 'create', name: name}));
  };

  document.getElementById('join').onclick = function() {
    const name = prompt('Your name:') || 'Anonymous';
    const code = document.getElementById('code').value;
    ws.send(JSON.stringify({type: 'join', code: code, name: name}));
  };
})();
</script>
</body>
</html>
`
