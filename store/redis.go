package store

import (
	"context"
	"encoding/json"
	"reflect"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Redis is a Store backed by a Redis server. Each document is a hash
// whose fields hold JSON-encoded values, each collection keeps a set of
// member ids for Query, and every mutation publishes the full document
// on a per-document pub/sub channel, which backs Subscribe.
//
// Values round-trip through JSON, so numbers come back as float64 and
// times as RFC 3339 strings.
type Redis struct {
	rdb *redis.Client
}

// NewRedis connects to addr and verifies connectivity.
func NewRedis(ctx context.Context, addr string) (*Redis, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr: addr,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, err
	}
	return &Redis{rdb: rdb}, nil
}

// Close shuts down the redis connection.
func (r *Redis) Close() { _ = r.rdb.Close() }

// Key namespacing, one hash per document.
func docKey(collection, id string) string  { return "mbx:" + collection + ":" + id }
func idsKey(collection string) string      { return "mbx:" + collection + ":ids" }
func channel(collection, id string) string { return "mbx:ch:" + collection + ":" + id }

func (r *Redis) Create(ctx context.Context, collection string, doc Document) (string, error) {
	id := uuid.NewString()

	stored := cloneDocument(doc)
	stored["id"] = id

	encoded, err := encodeFields(stored)
	if err != nil {
		return "", err
	}

	pipe := r.rdb.TxPipeline()
	pipe.HSet(ctx, docKey(collection, id), encoded)
	pipe.SAdd(ctx, idsKey(collection), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", err
	}

	r.publish(ctx, collection, id)

	return id, nil
}

func (r *Redis) Get(ctx context.Context, collection, id string) (Document, error) {
	raw, err := r.rdb.HGetAll(ctx, docKey(collection, id)).Result()
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, ErrNotFound
	}

	return decodeFields(raw)
}

func (r *Redis) Update(ctx context.Context, collection, id string, fields Document) error {
	return r.updateGuarded(ctx, collection, id, "", nil, false, fields)
}

func (r *Redis) UpdateIf(ctx context.Context, collection, id, field string, expect any, fields Document) error {
	return r.updateGuarded(ctx, collection, id, field, expect, true, fields)
}

// updateGuarded runs the read-check-merge-write cycle inside an
// optimistic WATCH transaction, retrying when a concurrent writer
// invalidates it. Dotted paths are resolved by merging into the
// decoded top-level field before writing it back.
func (r *Redis) updateGuarded(ctx context.Context, collection, id, field string, expect any, guarded bool, fields Document) error {
	key := docKey(collection, id)

	txf := func(tx *redis.Tx) error {
		exists, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return err
		}
		if exists == 0 {
			return ErrNotFound
		}

		if guarded {
			have, err := r.fieldValue(ctx, tx, key, field)
			if err != nil {
				return err
			}
			if !reflect.DeepEqual(have, expect) {
				return ErrConditionFailed
			}
		}

		// Fold dotted paths into full top-level field writes.
		write := make(Document, len(fields))
		for name, value := range fields {
			top, rest, nested := strings.Cut(name, ".")
			if !nested {
				write[name] = value
				continue
			}

			current, ok := write[top].(map[string]any)
			if !ok {
				existing, err := r.fieldValue(ctx, tx, key, top)
				if err != nil {
					return err
				}
				current, _ = existing.(map[string]any)
				if current == nil {
					current = make(map[string]any)
				}
			}
			applyFields(current, Document{rest: value})
			write[top] = current
		}

		encoded, err := encodeFields(write)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, encoded)
			return nil
		})
		return err
	}

	for attempt := 0; attempt < 8; attempt++ {
		err := r.rdb.Watch(ctx, txf, key)
		if err == redis.TxFailedErr {
			continue
		}
		if err != nil {
			return err
		}

		r.publish(ctx, collection, id)
		return nil
	}

	return redis.TxFailedErr
}

func (r *Redis) Delete(ctx context.Context, collection, id string) error {
	pipe := r.rdb.TxPipeline()
	del := pipe.Del(ctx, docKey(collection, id))
	pipe.SRem(ctx, idsKey(collection), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return err
	}
	if del.Val() == 0 {
		return ErrNotFound
	}

	// Deletion is signalled as a null document.
	_ = r.rdb.Publish(ctx, channel(collection, id), "null").Err()

	return nil
}

func (r *Redis) Query(ctx context.Context, collection string, filters Document, limit int) ([]Document, error) {
	ids, err := r.rdb.SMembers(ctx, idsKey(collection)).Result()
	if err != nil {
		return nil, err
	}

	var out []Document
	for _, id := range ids {
		doc, err := r.Get(ctx, collection, id)
		if err == ErrNotFound {
			continue
		}
		if err != nil {
			return nil, err
		}
		if !matches(doc, filters) {
			continue
		}
		out = append(out, doc)
		if limit > 0 && len(out) == limit {
			break
		}
	}

	return out, nil
}

func (r *Redis) Subscribe(collection, id string, fn func(Document)) Subscription {
	ctx, cancel := context.WithCancel(context.Background())
	pubsub := r.rdb.Subscribe(ctx, channel(collection, id))

	sub := &redisSub{pubsub: pubsub, cancel: cancel}

	go func() {
		ch := pubsub.Channel()

		// Revisions queued before the initial read are already
		// reflected by it; discard them so an older queued snapshot is
		// never delivered after the fresher initial one.
	drain:
		for {
			select {
			case <-ch:
			default:
				break drain
			}
		}

		// Initial snapshot before any pushed revisions. A transient
		// read error delivers nothing; nil is reserved for deletion.
		doc, err := r.Get(ctx, collection, id)
		switch {
		case err == nil:
			fn(doc)
		case err == ErrNotFound:
			fn(nil)
		}

		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var doc Document
				if err := json.Unmarshal([]byte(msg.Payload), &doc); err != nil {
					continue
				}
				fn(doc)
			}
		}
	}()

	return sub
}

type redisSub struct {
	pubsub *redis.PubSub
	cancel context.CancelFunc
	once   sync.Once
}

func (s *redisSub) Cancel() {
	s.once.Do(func() {
		s.cancel()
		_ = s.pubsub.Close()
	})
}

// publish pushes the current full document to subscribers. Best-effort:
// a reader that misses a revision catches up on the next one.
func (r *Redis) publish(ctx context.Context, collection, id string) {
	doc, err := r.Get(ctx, collection, id)
	if err != nil {
		return
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return
	}
	_ = r.rdb.Publish(ctx, channel(collection, id), raw).Err()
}

func (r *Redis) fieldValue(ctx context.Context, tx *redis.Tx, key, field string) (any, error) {
	raw, err := tx.HGet(ctx, key, field).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var value any
	if err := json.Unmarshal([]byte(raw), &value); err != nil {
		return nil, err
	}
	return value, nil
}

func encodeFields(fields Document) (map[string]any, error) {
	out := make(map[string]any, len(fields))
	for name, value := range fields {
		raw, err := json.Marshal(value)
		if err != nil {
			return nil, err
		}
		out[name] = string(raw)
	}
	return out, nil
}

func decodeFields(raw map[string]string) (Document, error) {
	doc := make(Document, len(raw))
	for name, encoded := range raw {
		var value any
		if err := json.Unmarshal([]byte(encoded), &value); err != nil {
			return nil, err
		}
		doc[name] = value
	}
	return doc, nil
}
