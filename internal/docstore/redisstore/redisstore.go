// Package redisstore implements a docstore backend for transient collections
// on Redis. Documents are stored as JSON envelopes with an optional TTL per
// collection, so abandoned signaling documents expire on their own.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/lumenchat/lumen/internal/docstore"
)

const (
	// docPrefix is the Redis key prefix for document envelopes:
	// doc:<collection>:<id>.
	docPrefix = "doc:"

	// indexPrefix is the Redis key prefix for per-collection id sets:
	// docidx:<collection>.
	indexPrefix = "docidx:"
)

// Backend stores documents in Redis.
type Backend struct {
	rdb  *redis.Client
	ttls map[string]time.Duration
}

// Option configures a Backend.
type Option func(*Backend)

// WithTTL sets a time-to-live for every document in the collection. Expired
// documents disappear from reads; their index entries are reaped lazily.
func WithTTL(collection string, ttl time.Duration) Option {
	return func(b *Backend) {
		b.ttls[collection] = ttl
	}
}

// New creates a Redis-backed docstore backend.
func New(rdb *redis.Client, opts ...Option) *Backend {
	b := &Backend{rdb: rdb, ttls: make(map[string]time.Duration)}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// envelope is the stored representation of a document.
type envelope struct {
	Data      json.RawMessage `json:"data"`
	CreatedAt time.Time       `json:"created_at"`
}

func docKey(collection, id string) string {
	return docPrefix + collection + ":" + id
}

func indexKey(collection string) string {
	return indexPrefix + collection
}

// Put upserts a document and registers it in the collection index.
func (b *Backend) Put(ctx context.Context, collection string, doc docstore.Doc) error {
	raw, err := json.Marshal(envelope{Data: doc.Data, CreatedAt: doc.CreatedAt})
	if err != nil {
		return fmt.Errorf("redisstore: marshal doc: %w", err)
	}

	pipe := b.rdb.Pipeline()
	pipe.Set(ctx, docKey(collection, doc.ID), raw, b.ttls[collection])
	pipe.SAdd(ctx, indexKey(collection), doc.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redisstore: put: %w", err)
	}
	return nil
}

// Fetch returns a document by id. A missing or expired document is not an
// error.
func (b *Backend) Fetch(ctx context.Context, collection, id string) (docstore.Doc, bool, error) {
	raw, err := b.rdb.Get(ctx, docKey(collection, id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return docstore.Doc{}, false, nil
	}
	if err != nil {
		return docstore.Doc{}, false, fmt.Errorf("redisstore: fetch: %w", err)
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return docstore.Doc{}, false, fmt.Errorf("redisstore: unmarshal doc %s: %w", id, err)
	}
	return docstore.Doc{ID: id, Data: env.Data, CreatedAt: env.CreatedAt}, true, nil
}

// Select loads every live document in the collection and filters in process.
// Transient collections stay small (one signaling doc per participant), so
// a full scan is fine here. Index entries whose documents have expired are
// removed as they are discovered.
func (b *Backend) Select(ctx context.Context, collection string, q docstore.Query) ([]docstore.Doc, error) {
	ids, err := b.rdb.SMembers(ctx, indexKey(collection)).Result()
	if err != nil {
		return nil, fmt.Errorf("redisstore: select index: %w", err)
	}

	var docs []docstore.Doc
	for _, id := range ids {
		doc, ok, err := b.Fetch(ctx, collection, id)
		if err != nil {
			return nil, err
		}
		if !ok {
			// Expired: reap the stale index entry.
			b.rdb.SRem(ctx, indexKey(collection), id)
			continue
		}
		if q.Matches(doc) {
			docs = append(docs, doc)
		}
	}
	return docs, nil
}

// Remove deletes a document and its index entry.
func (b *Backend) Remove(ctx context.Context, collection, id string) (bool, error) {
	pipe := b.rdb.Pipeline()
	del := pipe.Del(ctx, docKey(collection, id))
	pipe.SRem(ctx, indexKey(collection), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("redisstore: remove: %w", err)
	}
	return del.Val() > 0, nil
}
