package room

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Seednode/matchbox/store"
)

const writeTimeout = 5 * time.Second

// Manager drives one participant's side of a room. It is not safe to
// share a Manager between matches; create one per CreateRoom/JoinRoom.
//
// Callbacks must be registered before CreateRoom or JoinRoom. They are
// invoked from the subscription's delivery goroutine, one at a time, and
// must be idempotent: the change feed echoes a participant's own writes
// back and may coalesce bursts into a single delivery of the latest
// revision.
type Manager struct {
	st   store.Store
	game string

	peerTimeout time.Duration

	onUpdate    func(*Room)
	onEvent     func(Event)
	onPeerStale func()
	onClosed    func()

	mu      sync.Mutex
	roomID  string
	code    string
	isHost  bool
	started bool
	stopped bool
	gone    bool

	lastSeq      int64
	peerStamp    time.Time
	peerObserved time.Time
	peerStale    bool

	sub    store.Subscription
	syncCh chan store.Document
	done   chan struct{}
}

type Option func(*Manager)

// WithPeerTimeout enables stale-peer detection: if the opponent's
// last-seen stamp stops advancing for longer than d, the OnPeerStale
// callback fires. Zero disables detection, and a stalled match is then
// indistinguishable from a healthy one.
func WithPeerTimeout(d time.Duration) Option {
	return func(m *Manager) {
		m.peerTimeout = d
	}
}

// New builds a Manager for one game's rooms on the given store.
func New(st store.Store, game string, opts ...Option) *Manager {
	m := &Manager{
		st:   st,
		game: game,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// OnUpdate registers the callback invoked with each observed room
// snapshot, starting with the initial content at subscribe time.
func (m *Manager) OnUpdate(fn func(*Room)) { m.onUpdate = fn }

// OnEvent registers the callback invoked once per relayed event, in
// sequence order. Self-originated events are delivered too; filter on
// Event.From when that matters.
func (m *Manager) OnEvent(fn func(Event)) { m.onEvent = fn }

// OnPeerStale registers the callback invoked when the opponent stops
// producing ticks for longer than the peer timeout. It fires once per
// stall and may fire again after the peer recovers and stalls anew.
func (m *Manager) OnPeerStale(fn func()) { m.onPeerStale = fn }

// OnClosed registers the callback invoked once when the room document
// disappears out from under this participant.
func (m *Manager) OnClosed(fn func()) { m.onClosed = fn }

// Code returns the room code once the manager is attached to a room.
func (m *Manager) Code() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.code
}

// IsHost reports whether this side created the room.
func (m *Manager) IsHost() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.isHost
}

// CreateRoom writes a fresh room in the lobby state, subscribes to it,
// and returns its code for out-of-band sharing. The caller surfaces a
// failure to the user; there is no automatic retry.
func (m *Manager) CreateRoom(ctx context.Context, host Identity) (string, error) {
	code := NewCode()
	now := time.Now().UTC()

	id, err := m.st.Create(ctx, Collection, store.Document{
		"code":       code,
		"game":       m.game,
		"host":       host.document(),
		"guest":      nil,
		"state":      string(StateLobby),
		"gameState":  map[string]any{},
		"events":     []any{},
		"eventSeq":   int64(0),
		"created":    now,
		"lastUpdate": now,
		"hostSeen":   now,
	})
	if err != nil {
		return "", fmt.Errorf("create room: %w", err)
	}

	m.mu.Lock()
	m.roomID = id
	m.code = code
	m.isHost = true
	m.mu.Unlock()

	m.start()

	return code, nil
}

// JoinRoom claims the guest slot of the lobby room matching code,
// subscribes to it, and returns the host's identity so the caller can
// label its opponent. Codes match case-insensitively.
//
// ErrRoomNotFound covers a code that was never issued, a room that has
// already started or finished, and one already torn down; the caller
// cannot tell these apart. ErrRoomFull means another guest won the
// slot: the claim is a conditional update on the store, so exactly one
// of two concurrent joins succeeds.
func (m *Manager) JoinRoom(ctx context.Context, code string, guest Identity) (Identity, error) {
	normalized := NormalizeCode(code)
	if !ValidCode(normalized) {
		return Identity{}, ErrRoomNotFound
	}

	docs, err := m.st.Query(ctx, Collection, store.Document{
		"code":  normalized,
		"game":  m.game,
		"state": string(StateLobby),
	}, 1)
	if err != nil {
		return Identity{}, fmt.Errorf("join room: %w", err)
	}
	if len(docs) == 0 {
		return Identity{}, ErrRoomNotFound
	}

	id := asString(docs[0]["id"])
	now := time.Now().UTC()

	err = m.st.UpdateIf(ctx, Collection, id, "guest", nil, store.Document{
		"guest":      guest.document(),
		"state":      string(StatePlaying),
		"lastUpdate": now,
		"guestSeen":  now,
	})
	switch {
	case errors.Is(err, store.ErrConditionFailed):
		return Identity{}, ErrRoomFull
	case errors.Is(err, store.ErrNotFound):
		return Identity{}, ErrRoomNotFound
	case err != nil:
		return Identity{}, fmt.Errorf("join room: %w", err)
	}

	m.mu.Lock()
	m.roomID = id
	m.code = normalized
	m.isHost = false
	m.mu.Unlock()

	m.start()

	return decodeIdentity(docs[0]["host"]), nil
}

func (m *Manager) start() {
	m.mu.Lock()
	m.started = true
	m.syncCh = make(chan store.Document, 1)
	m.done = make(chan struct{})
	roomID := m.roomID
	m.mu.Unlock()

	go m.syncLoop()
	if m.peerTimeout > 0 {
		go m.stalenessLoop()
	}

	sub := m.st.Subscribe(Collection, roomID, m.handle)

	m.mu.Lock()
	m.sub = sub
	stopped := m.stopped
	m.mu.Unlock()

	// The feed can report the room gone before sub is recorded, making
	// Close run with a nil sub; settle the cancellation here. Cancel is
	// idempotent, so the common path is unaffected.
	if stopped {
		sub.Cancel()
	}
}

// UpdateGameState merges the given snapshot into the room's gameState,
// per top-level key: keys present overwrite those keys, keys absent are
// left untouched. Host and guest writing disjoint keys therefore never
// clobber each other; writing the same key is last-writer-wins.
//
// The write is fire-and-forget. It must not be awaited from the game
// loop, so it only enqueues: a single writer goroutine performs the
// store round trip, and a tick that arrives while one is still queued
// replaces it. A failed write is dropped without surfacing, since the
// next tick's snapshot supersedes it within one interval.
func (m *Manager) UpdateGameState(partial map[string]any) {
	m.mu.Lock()
	if !m.started || m.stopped {
		m.mu.Unlock()
		return
	}
	seen := m.seenFieldLocked()
	syncCh := m.syncCh
	m.mu.Unlock()

	now := time.Now().UTC()
	fields := store.Document{
		"lastUpdate": now,
		seen:         now,
	}
	for key, value := range partial {
		fields["gameState."+key] = value
	}

	// Drop any still-queued tick; the newest snapshot supersedes it.
	select {
	case syncCh <- fields:
	default:
		select {
		case <-syncCh:
		default:
		}
		select {
		case syncCh <- fields:
		default:
		}
	}
}

func (m *Manager) syncLoop() {
	for {
		select {
		case <-m.done:
			return
		case fields := <-m.syncCh:
			ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
			_ = m.st.Update(ctx, Collection, m.roomID, fields)
			cancel()
		}
	}
}

// SendEvent relays a discrete action to the other side. Unlike state
// ticks, events are never coalesced away: each gets the next sequence
// number and enters the replay ring, claimed with a conditional update
// so two sides appending at once cannot lose an event.
func (m *Manager) SendEvent(ctx context.Context, kind string, data any) error {
	m.mu.Lock()
	if !m.started || m.stopped {
		m.mu.Unlock()
		return ErrRoomNotFound
	}
	roomID := m.roomID
	from := m.seenSideLocked()
	m.mu.Unlock()

	for attempt := 0; attempt < 8; attempt++ {
		doc, err := m.st.Get(ctx, Collection, roomID)
		if errors.Is(err, store.ErrNotFound) {
			return ErrRoomNotFound
		}
		if err != nil {
			return fmt.Errorf("send event: %w", err)
		}

		ev := Event{
			Seq:  asInt64(doc["eventSeq"]) + 1,
			Kind: kind,
			Data: data,
			From: from,
		}

		err = m.st.UpdateIf(ctx, Collection, roomID, "eventSeq", doc["eventSeq"], store.Document{
			"eventSeq":   ev.Seq,
			"events":     appendEvent(eventRing(doc), ev),
			"lastUpdate": time.Now().UTC(),
		})
		if errors.Is(err, store.ErrConditionFailed) {
			continue
		}
		if errors.Is(err, store.ErrNotFound) {
			return ErrRoomNotFound
		}
		if err != nil {
			return fmt.Errorf("send event: %w", err)
		}
		return nil
	}

	return fmt.Errorf("send event: too much contention")
}

// Finish marks the room finished. Terminal, so unlike state ticks it is
// written synchronously; later ticks don't touch the state field and
// cannot undo it.
func (m *Manager) Finish(ctx context.Context) error {
	m.mu.Lock()
	roomID := m.roomID
	m.mu.Unlock()
	if roomID == "" {
		return ErrRoomNotFound
	}

	err := m.st.Update(ctx, Collection, roomID, store.Document{
		"state":      string(StateFinished),
		"lastUpdate": time.Now().UTC(),
	})
	if errors.Is(err, store.ErrNotFound) {
		return ErrRoomNotFound
	}
	return err
}

// handle is the subscription callback.
func (m *Manager) handle(doc store.Document) {
	if doc == nil {
		m.mu.Lock()
		alreadyGone := m.gone
		m.gone = true
		m.mu.Unlock()

		if !alreadyGone && m.onClosed != nil {
			m.onClosed()
		}
		m.Close()
		return
	}

	r := decodeRoom(doc)

	m.mu.Lock()
	var replay []Event
	for _, ev := range r.events {
		if ev.Seq > m.lastSeq {
			m.lastSeq = ev.Seq
			replay = append(replay, ev)
		}
	}

	stamp := r.HostSeen
	if m.isHost {
		stamp = r.GuestSeen
	}
	if !stamp.IsZero() && !stamp.Equal(m.peerStamp) {
		m.peerStamp = stamp
		m.peerObserved = time.Now()
		m.peerStale = false
	}
	m.mu.Unlock()

	for _, ev := range replay {
		if m.onEvent != nil {
			m.onEvent(ev)
		}
	}

	if m.onUpdate != nil {
		m.onUpdate(r)
	}
}

// stalenessLoop watches the locally-observed arrival time of the peer's
// last-seen stamp. Comparing arrival times rather than the stamps
// themselves keeps the check immune to clock skew between participants.
func (m *Manager) stalenessLoop() {
	interval := m.peerTimeout / 4
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.mu.Lock()
			fire := !m.peerStale &&
				!m.peerObserved.IsZero() &&
				time.Since(m.peerObserved) > m.peerTimeout
			if fire {
				m.peerStale = true
			}
			m.mu.Unlock()

			if fire && m.onPeerStale != nil {
				m.onPeerStale()
			}
		}
	}
}

// Close detaches this participant: the subscription ends and the sync
// and staleness loops stop. The room document is left alone, so the
// other side keeps playing against a peer that has simply gone quiet.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	sub := m.sub
	done := m.done
	m.mu.Unlock()

	if done != nil {
		close(done)
	}
	if sub != nil {
		sub.Cancel()
	}
}

// CloseRoom detaches and deletes the room document. Best-effort: a
// failed delete (for instance the other side already deleted it) is
// swallowed, accepting the possible leak until the sweeper catches it.
func (m *Manager) CloseRoom() {
	m.mu.Lock()
	roomID := m.roomID
	m.mu.Unlock()

	m.Close()

	if roomID == "" {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	_ = m.st.Delete(ctx, Collection, roomID)
}

func (m *Manager) seenFieldLocked() string {
	if m.isHost {
		return "hostSeen"
	}
	return "guestSeen"
}

func (m *Manager) seenSideLocked() string {
	if m.isHost {
		return "host"
	}
	return "guest"
}
