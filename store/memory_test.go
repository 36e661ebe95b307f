package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func waitFor(t *testing.T, d time.Duration, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}

	t.Fatal("condition not met before deadline")
}

func TestMemoryCreateAndGet(t *testing.T) {
	st := NewMemory()
	ctx := context.Background()

	id, err := st.Create(ctx, "rooms", Document{"code": "AB12CD", "state": "lobby"})
	if err != nil {
		t.Fatal(err)
	}
	if id == "" {
		t.Fatal("expected a non-empty id")
	}

	doc, err := st.Get(ctx, "rooms", id)
	if err != nil {
		t.Fatal(err)
	}
	if doc["id"] != id {
		t.Fatalf("expected id %q inside document, got %v", id, doc["id"])
	}
	if doc["code"] != "AB12CD" {
		t.Fatalf("unexpected code: %v", doc["code"])
	}

	// Mutating the returned copy must not touch stored state.
	doc["code"] = "XXXXXX"
	again, err := st.Get(ctx, "rooms", id)
	if err != nil {
		t.Fatal(err)
	}
	if again["code"] != "AB12CD" {
		t.Fatal("stored document was mutated through a returned copy")
	}

	if _, err := st.Get(ctx, "rooms", "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryUpdateMergesShallow(t *testing.T) {
	st := NewMemory()
	ctx := context.Background()

	id, err := st.Create(ctx, "rooms", Document{
		"state":     "lobby",
		"gameState": map[string]any{"p1": map[string]any{"x": 1}},
	})
	if err != nil {
		t.Fatal(err)
	}

	if err := st.Update(ctx, "rooms", id, Document{"state": "playing"}); err != nil {
		t.Fatal(err)
	}

	doc, err := st.Get(ctx, "rooms", id)
	if err != nil {
		t.Fatal(err)
	}
	if doc["state"] != "playing" {
		t.Fatalf("unexpected state: %v", doc["state"])
	}

	gameState, ok := doc["gameState"].(map[string]any)
	if !ok || gameState["p1"] == nil {
		t.Fatal("top-level merge clobbered an untouched field")
	}

	if err := st.Update(ctx, "rooms", "missing", Document{"state": "playing"}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryUpdateDottedPath(t *testing.T) {
	st := NewMemory()
	ctx := context.Background()

	id, err := st.Create(ctx, "rooms", Document{
		"gameState": map[string]any{"p1": map[string]any{"x": 10}},
	})
	if err != nil {
		t.Fatal(err)
	}

	if err := st.Update(ctx, "rooms", id, Document{"gameState.p2": map[string]any{"x": 20}}); err != nil {
		t.Fatal(err)
	}

	doc, err := st.Get(ctx, "rooms", id)
	if err != nil {
		t.Fatal(err)
	}

	gameState := doc["gameState"].(map[string]any)
	if gameState["p1"] == nil {
		t.Fatal("dotted write removed the sibling key")
	}
	p2, ok := gameState["p2"].(map[string]any)
	if !ok || p2["x"] != 20 {
		t.Fatalf("dotted write missing: %v", gameState["p2"])
	}
}

func TestMemoryUpdateIf(t *testing.T) {
	st := NewMemory()
	ctx := context.Background()

	id, err := st.Create(ctx, "rooms", Document{"guest": nil, "state": "lobby"})
	if err != nil {
		t.Fatal(err)
	}

	err = st.UpdateIf(ctx, "rooms", id, "guest", nil, Document{
		"guest": map[string]any{"name": "carol"},
		"state": "playing",
	})
	if err != nil {
		t.Fatal(err)
	}

	// Second claim loses.
	err = st.UpdateIf(ctx, "rooms", id, "guest", nil, Document{
		"guest": map[string]any{"name": "dave"},
	})
	if !errors.Is(err, ErrConditionFailed) {
		t.Fatalf("expected ErrConditionFailed, got %v", err)
	}

	doc, err := st.Get(ctx, "rooms", id)
	if err != nil {
		t.Fatal(err)
	}
	guest := doc["guest"].(map[string]any)
	if guest["name"] != "carol" {
		t.Fatalf("guest slot was overwritten: %v", guest)
	}

	err = st.UpdateIf(ctx, "rooms", "missing", "guest", nil, Document{"guest": "x"})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryDelete(t *testing.T) {
	st := NewMemory()
	ctx := context.Background()

	id, err := st.Create(ctx, "rooms", Document{"state": "lobby"})
	if err != nil {
		t.Fatal(err)
	}

	if err := st.Delete(ctx, "rooms", id); err != nil {
		t.Fatal(err)
	}
	if _, err := st.Get(ctx, "rooms", id); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := st.Delete(ctx, "rooms", id); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on double delete, got %v", err)
	}
}

func TestMemoryQuery(t *testing.T) {
	st := NewMemory()
	ctx := context.Background()

	for _, doc := range []Document{
		{"code": "AAAAAA", "game": "pong", "state": "lobby"},
		{"code": "BBBBBB", "game": "pong", "state": "playing"},
		{"code": "CCCCCC", "game": "duel", "state": "lobby"},
	} {
		if _, err := st.Create(ctx, "rooms", doc); err != nil {
			t.Fatal(err)
		}
	}

	docs, err := st.Query(ctx, "rooms", Document{"game": "pong", "state": "lobby"}, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(docs) != 1 || docs[0]["code"] != "AAAAAA" {
		t.Fatalf("unexpected query result: %v", docs)
	}

	docs, err = st.Query(ctx, "rooms", nil, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(docs) != 3 {
		t.Fatalf("expected all documents, got %d", len(docs))
	}

	docs, err = st.Query(ctx, "rooms", nil, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(docs) != 2 {
		t.Fatalf("expected limit to apply, got %d", len(docs))
	}

	docs, err = st.Query(ctx, "rooms", Document{"game": "chess"}, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(docs) != 0 {
		t.Fatalf("expected no matches, got %v", docs)
	}
}

func TestMemorySubscribe(t *testing.T) {
	st := NewMemory()
	ctx := context.Background()

	id, err := st.Create(ctx, "rooms", Document{"state": "lobby"})
	if err != nil {
		t.Fatal(err)
	}

	var mu sync.Mutex
	var latest Document
	delivered := 0

	sub := st.Subscribe("rooms", id, func(doc Document) {
		mu.Lock()
		latest = doc
		delivered++
		mu.Unlock()
	})
	defer sub.Cancel()

	// Initial snapshot.
	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return latest != nil && latest["state"] == "lobby"
	})

	if err := st.Update(ctx, "rooms", id, Document{"state": "playing"}); err != nil {
		t.Fatal(err)
	}
	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return latest != nil && latest["state"] == "playing"
	})

	// A burst may coalesce, but the final revision always lands.
	for i := 0; i < 50; i++ {
		if err := st.Update(ctx, "rooms", id, Document{"tick": i}); err != nil {
			t.Fatal(err)
		}
	}
	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return latest != nil && latest["tick"] == 49
	})

	// Deletion delivers nil.
	if err := st.Delete(ctx, "rooms", id); err != nil {
		t.Fatal(err)
	}
	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return latest == nil
	})
}

func TestMemorySubscribeAbsentDocument(t *testing.T) {
	st := NewMemory()

	var mu sync.Mutex
	called := false
	var got Document

	sub := st.Subscribe("rooms", "missing", func(doc Document) {
		mu.Lock()
		called = true
		got = doc
		mu.Unlock()
	})
	defer sub.Cancel()

	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return called
	})

	mu.Lock()
	defer mu.Unlock()
	if got != nil {
		t.Fatalf("expected nil for an absent document, got %v", got)
	}
}

func TestMemorySubscribeCancel(t *testing.T) {
	st := NewMemory()
	ctx := context.Background()

	id, err := st.Create(ctx, "rooms", Document{"state": "lobby"})
	if err != nil {
		t.Fatal(err)
	}

	var mu sync.Mutex
	delivered := 0

	sub := st.Subscribe("rooms", id, func(Document) {
		mu.Lock()
		delivered++
		mu.Unlock()
	})

	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return delivered > 0
	})

	sub.Cancel()
	sub.Cancel() // must be safe twice

	mu.Lock()
	before := delivered
	mu.Unlock()

	if err := st.Update(ctx, "rooms", id, Document{"state": "playing"}); err != nil {
		t.Fatal(err)
	}

	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	after := delivered
	mu.Unlock()
	if after != before {
		t.Fatalf("delivery continued after cancel: %d -> %d", before, after)
	}
}

func TestMemoryDeleteDeliveredLast(t *testing.T) {
	st := NewMemory()
	ctx := context.Background()

	// Writes racing a delete must never leave a subscriber holding a
	// live snapshot of a document the store no longer has: the nil for
	// the deletion is the final commit and coalescing keeps the latest
	// commit, so the last delivery is always nil.
	for iter := 0; iter < 25; iter++ {
		id, err := st.Create(ctx, "rooms", Document{"tick": int64(0)})
		if err != nil {
			t.Fatal(err)
		}

		var mu sync.Mutex
		var latest Document
		delivered := 0
		sub := st.Subscribe("rooms", id, func(doc Document) {
			mu.Lock()
			latest = doc
			delivered++
			mu.Unlock()
		})

		updates := make(chan struct{})
		go func() {
			defer close(updates)
			for i := 0; i < 20; i++ {
				// ErrNotFound once the delete lands; either way no
				// notification may outrun the nil.
				_ = st.Update(ctx, "rooms", id, Document{"tick": int64(i)})
			}
		}()

		if err := st.Delete(ctx, "rooms", id); err != nil {
			t.Fatal(err)
		}
		<-updates

		waitFor(t, time.Second, func() bool {
			mu.Lock()
			defer mu.Unlock()
			return delivered > 0 && latest == nil
		})

		sub.Cancel()
	}
}
