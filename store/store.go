// Package store defines the document-store capability consumed by the
// multiplayer room layer: keyed mutable documents with shallow-merge
// updates, equality queries, and a per-document change feed.
//
// Two implementations are provided: an in-process one backed by maps
// (single-instance deployments and tests) and a Redis-backed one
// (multi-instance deployments, with pub/sub as the change feed).
package store

import (
	"context"
	"errors"
)

// Document is a single stored record. The store reserves the "id" field
// for the document's own identifier; everything else is caller-defined.
type Document map[string]any

var (
	// ErrNotFound is returned when the addressed document does not exist.
	ErrNotFound = errors.New("store: document not found")

	// ErrConditionFailed is returned by UpdateIf when the guard field did
	// not hold the expected value.
	ErrConditionFailed = errors.New("store: condition failed")
)

// Subscription is a live change feed for one document.
type Subscription interface {
	// Cancel stops delivery. Safe to call more than once.
	Cancel()
}

// Store is the transport substrate: any document-oriented backend with
// realtime push qualifies.
//
// Update and UpdateIf merge shallowly at the top level. A dotted field
// name ("gameState.p1") addresses a single key inside a top-level map
// field, leaving that map's other keys untouched.
//
// Subscribe invokes fn once with the document's current content (nil if
// it does not exist), then once per observed mutation, in commit order.
// A burst of writes may be coalesced into fewer deliveries that reflect
// the latest revision; treat the feed as a sampled signal, not a
// reliable event stream. Deletion is delivered as nil. fn is called
// from a single goroutine per subscription.
type Store interface {
	Create(ctx context.Context, collection string, doc Document) (id string, err error)
	Get(ctx context.Context, collection, id string) (Document, error)
	Update(ctx context.Context, collection, id string, fields Document) error
	UpdateIf(ctx context.Context, collection, id, field string, expect any, fields Document) error
	Delete(ctx context.Context, collection, id string) error

	// Query returns up to limit documents whose fields equal every entry
	// in filters. A nil filter matches everything; limit <= 0 means no
	// limit. Result order is unspecified.
	Query(ctx context.Context, collection string, filters Document, limit int) ([]Document, error)

	Subscribe(collection, id string, fn func(Document)) Subscription
}
