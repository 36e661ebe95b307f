// Package room implements the rendezvous and state-sync protocol used
// by the two-player games: a host creates a room, shares its short
// code out of band, a guest joins by code, and both sides then relay
// per-tick game state through the room document while observing the
// other side's writes over the store's change feed.
//
// The room document's gameState field is a capability boundary: the
// manager relays it as an opaque map and never inspects its contents.
package room

import (
	"errors"
	"time"

	"github.com/Seednode/matchbox/store"
)

// Collection holds the room documents inside the store.
const Collection = "rooms"

// State is the room lifecycle phase. Transitions are one-directional:
// lobby → playing → finished, then deletion. There is no way back to
// lobby mid-match.
type State string

const (
	StateLobby    State = "lobby"
	StatePlaying  State = "playing"
	StateFinished State = "finished"
)

var (
	// ErrRoomNotFound covers both a bad code and a room that already
	// left the lobby; the two are indistinguishable to the caller.
	ErrRoomNotFound = errors.New("room: not found")

	// ErrRoomFull means the guest slot was claimed first.
	ErrRoomFull = errors.New("room: already full")
)

// Identity names a participant: a display name plus an optional stable
// user id. The manager treats it as an opaque label.
type Identity struct {
	Name string `json:"name"`
	ID   string `json:"id,omitempty"`
}

// Room is a decoded snapshot of the room document.
type Room struct {
	ID    string    `json:"id"`
	Code  string    `json:"code"`
	Game  string    `json:"game"`
	Host  Identity  `json:"host"`
	Guest *Identity `json:"guest,omitempty"`
	State State     `json:"state"`

	// GameState is the opaque, game-defined payload. See the merge
	// contract on Manager.UpdateGameState.
	GameState map[string]any `json:"gameState"`

	Created    time.Time `json:"created"`
	LastUpdate time.Time `json:"lastUpdate"`
	HostSeen   time.Time `json:"hostSeen"`
	GuestSeen  time.Time `json:"guestSeen,omitzero"`

	events []Event
}

func decodeRoom(doc store.Document) *Room {
	r := &Room{
		ID:         asString(doc["id"]),
		Code:       asString(doc["code"]),
		Game:       asString(doc["game"]),
		Host:       decodeIdentity(doc["host"]),
		State:      State(asString(doc["state"])),
		GameState:  asMap(doc["gameState"]),
		Created:    asTime(doc["created"]),
		LastUpdate: asTime(doc["lastUpdate"]),
		HostSeen:   asTime(doc["hostSeen"]),
		GuestSeen:  asTime(doc["guestSeen"]),
		events:     decodeEvents(doc["events"]),
	}

	if doc["guest"] != nil {
		guest := decodeIdentity(doc["guest"])
		r.Guest = &guest
	}

	return r
}

func (i Identity) document() map[string]any {
	doc := map[string]any{"name": i.Name}
	if i.ID != "" {
		doc["id"] = i.ID
	}
	return doc
}

func decodeIdentity(v any) Identity {
	m := asMap(v)
	return Identity{
		Name: asString(m["name"]),
		ID:   asString(m["id"]),
	}
}

// Decoding helpers tolerant of both native values (memory store) and
// JSON round-tripped ones (redis store).

func asString(v any) string {
	s, _ := v.(string)
	return s
}

func asMap(v any) map[string]any {
	switch m := v.(type) {
	case map[string]any:
		return m
	case store.Document:
		return m
	default:
		return nil
	}
}

func asInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	default:
		return 0
	}
}

func asTime(v any) time.Time {
	switch t := v.(type) {
	case time.Time:
		return t
	case string:
		parsed, err := time.Parse(time.RFC3339Nano, t)
		if err != nil {
			return time.Time{}
		}
		return parsed
	default:
		return time.Time{}
	}
}
