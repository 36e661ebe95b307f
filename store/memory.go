package store

import (
	"context"
	"reflect"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// Memory is an in-process Store. Documents live in mutex-guarded maps
// and every read hands out a deep copy, so callers can't mutate shared
// state behind the store's back.
type Memory struct {
	mu   sync.RWMutex
	data map[string]map[string]Document
	subs map[string]map[*memorySub]struct{}
}

func NewMemory() *Memory {
	return &Memory{
		data: make(map[string]map[string]Document),
		subs: make(map[string]map[*memorySub]struct{}),
	}
}

func (m *Memory) Create(_ context.Context, collection string, doc Document) (string, error) {
	id := uuid.NewString()

	m.mu.Lock()
	coll := m.data[collection]
	if coll == nil {
		coll = make(map[string]Document)
		m.data[collection] = coll
	}

	stored := cloneDocument(doc)
	stored["id"] = id
	coll[id] = stored
	m.notifyLocked(collection, id, stored)
	m.mu.Unlock()

	return id, nil
}

func (m *Memory) Get(_ context.Context, collection, id string) (Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	doc, ok := m.data[collection][id]
	if !ok {
		return nil, ErrNotFound
	}

	return cloneDocument(doc), nil
}

func (m *Memory) Update(_ context.Context, collection, id string, fields Document) error {
	m.mu.Lock()

	doc, ok := m.data[collection][id]
	if !ok {
		m.mu.Unlock()
		return ErrNotFound
	}

	applyFields(doc, fields)
	m.notifyLocked(collection, id, doc)
	m.mu.Unlock()

	return nil
}

func (m *Memory) UpdateIf(_ context.Context, collection, id, field string, expect any, fields Document) error {
	m.mu.Lock()

	doc, ok := m.data[collection][id]
	if !ok {
		m.mu.Unlock()
		return ErrNotFound
	}

	if !reflect.DeepEqual(doc[field], expect) {
		m.mu.Unlock()
		return ErrConditionFailed
	}

	applyFields(doc, fields)
	m.notifyLocked(collection, id, doc)
	m.mu.Unlock()

	return nil
}

func (m *Memory) Delete(_ context.Context, collection, id string) error {
	m.mu.Lock()

	_, ok := m.data[collection][id]
	if !ok {
		m.mu.Unlock()
		return ErrNotFound
	}

	delete(m.data[collection], id)
	m.notifyLocked(collection, id, nil)
	m.mu.Unlock()

	return nil
}

func (m *Memory) Query(_ context.Context, collection string, filters Document, limit int) ([]Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Document

	for _, doc := range m.data[collection] {
		if !matches(doc, filters) {
			continue
		}
		out = append(out, cloneDocument(doc))
		if limit > 0 && len(out) == limit {
			break
		}
	}

	return out, nil
}

func (m *Memory) Subscribe(collection, id string, fn func(Document)) Subscription {
	sub := &memorySub{
		store:  m,
		key:    collection + "/" + id,
		fn:     fn,
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}

	// Stage the initial snapshot before releasing the lock: a write
	// racing with Subscribe then lands strictly after it in the
	// latest-value slot, never the other way around.
	m.mu.Lock()
	set := m.subs[sub.key]
	if set == nil {
		set = make(map[*memorySub]struct{})
		m.subs[sub.key] = set
	}
	set[sub] = struct{}{}

	if doc, ok := m.data[collection][id]; ok {
		sub.latest = cloneDocument(doc)
	}
	sub.pending = true
	m.mu.Unlock()

	go sub.run()
	select {
	case sub.signal <- struct{}{}:
	default:
	}

	return sub
}

// notifyLocked runs inside the mutation's critical section: taking the
// snapshot and filling each subscriber's latest-value slot before m.mu
// is released means slots fill in commit order. A deletion's nil is the
// document's final commit and can never be overtaken by the snapshot of
// a write it beat to the store. The snapshot is cloned once so
// deliveries never alias live state; push never blocks.
func (m *Memory) notifyLocked(collection, id string, doc Document) {
	subs := m.subs[collection+"/"+id]
	if len(subs) == 0 {
		return
	}

	var snapshot Document
	if doc != nil {
		snapshot = cloneDocument(doc)
	}

	for sub := range subs {
		sub.push(snapshot)
	}
}

// memorySub delivers from a latest-value slot: rapid bursts collapse into
// a single delivery carrying the newest revision, matching the feed's
// coalescing contract.
type memorySub struct {
	store *Memory
	key   string
	fn    func(Document)

	mu      sync.Mutex
	latest  Document
	pending bool

	signal chan struct{}
	done   chan struct{}
	once   sync.Once
}

func (s *memorySub) push(doc Document) {
	s.mu.Lock()
	s.latest = doc
	s.pending = true
	s.mu.Unlock()

	select {
	case s.signal <- struct{}{}:
	default:
	}
}

func (s *memorySub) run() {
	for {
		select {
		case <-s.done:
			return
		case <-s.signal:
			for {
				s.mu.Lock()
				if !s.pending {
					s.mu.Unlock()
					break
				}
				doc := s.latest
				s.pending = false
				s.mu.Unlock()

				s.fn(doc)
			}
		}
	}
}

func (s *memorySub) Cancel() {
	s.once.Do(func() {
		close(s.done)

		s.store.mu.Lock()
		delete(s.store.subs[s.key], s)
		s.store.mu.Unlock()
	})
}

// applyFields merges fields into doc in place, resolving dotted paths
// into nested maps.
func applyFields(doc Document, fields Document) {
	for name, value := range fields {
		parts := strings.Split(name, ".")

		target := doc
		for _, part := range parts[:len(parts)-1] {
			next, ok := target[part].(map[string]any)
			if !ok || next == nil {
				next = make(map[string]any)
				target[part] = next
			}
			target = next
		}
		target[parts[len(parts)-1]] = cloneValue(value)
	}
}

func matches(doc Document, filters Document) bool {
	for name, want := range filters {
		if !reflect.DeepEqual(doc[name], want) {
			return false
		}
	}
	return true
}

func cloneDocument(doc Document) Document {
	out := make(Document, len(doc))
	for k, v := range doc {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = cloneValue(item)
		}
		return out
	case Document:
		return map[string]any(cloneDocument(val))
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = cloneValue(item)
		}
		return out
	default:
		return v
	}
}
