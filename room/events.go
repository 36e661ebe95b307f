package room

import "github.com/Seednode/matchbox/store"

// Discrete actions ("shoot", "gravity flip") cannot ride inside the
// continuously-overwritten gameState: the change feed coalesces bursts,
// so a transient field may be overwritten before the other side ever
// observes it. Events instead carry a monotonic sequence number and are
// kept in a bounded ring inside the room document; the receiver replays
// every unseen sequence in order, so a coalesced snapshot still yields
// each action exactly once.

// eventRingSize bounds the replay window. At 20 ticks/second a window
// of 16 covers well past any realistic catch-up gap for casual games.
const eventRingSize = 16

// Event is one discrete action relayed between participants. From is
// "host" or "guest"; the feed echoes a side's own events back, so
// consumers filter on it when they only care about the opponent's.
type Event struct {
	Seq  int64  `json:"seq"`
	Kind string `json:"kind"`
	Data any    `json:"data,omitempty"`
	From string `json:"from,omitempty"`
}

func (e Event) document() map[string]any {
	doc := map[string]any{
		"seq":  e.Seq,
		"kind": e.Kind,
		"from": e.From,
	}
	if e.Data != nil {
		doc["data"] = e.Data
	}
	return doc
}

func decodeEvents(v any) []Event {
	items, ok := v.([]any)
	if !ok {
		return nil
	}

	out := make([]Event, 0, len(items))
	for _, item := range items {
		m := asMap(item)
		if m == nil {
			continue
		}
		out = append(out, Event{
			Seq:  asInt64(m["seq"]),
			Kind: asString(m["kind"]),
			Data: m["data"],
			From: asString(m["from"]),
		})
	}
	return out
}

// appendEvent returns the ring with ev appended, trimmed to the window.
func appendEvent(ring []any, ev Event) []any {
	ring = append(ring, ev.document())
	if len(ring) > eventRingSize {
		ring = ring[len(ring)-eventRingSize:]
	}
	return ring
}

// eventRing re-reads the stored ring as []any for a read-modify-write.
func eventRing(doc store.Document) []any {
	ring, _ := doc["events"].([]any)
	return ring
}
