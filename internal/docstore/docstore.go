// Package docstore provides a small realtime document store: JSON documents
// grouped into collections, one-shot queries, and live subscriptions that
// deliver per-change classification (added/modified/removed). Persistence is
// pluggable through the Backend interface; change fan-out runs over a Feed
// (NATS in production, in-process for tests and single-node deployments).
package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"
)

// ErrNotFound is returned when a document id does not exist in a collection.
var ErrNotFound = errors.New("docstore: document not found")

// Doc is a single stored document. CreatedAt is assigned by the store on
// write and never changes afterwards.
type Doc struct {
	ID        string          `json:"id"`
	Data      json.RawMessage `json:"data"`
	CreatedAt time.Time       `json:"created_at"`
}

// Decode unmarshals the document body into v.
func (d Doc) Decode(v interface{}) error {
	if err := json.Unmarshal(d.Data, v); err != nil {
		return fmt.Errorf("docstore: decode doc %s: %w", d.ID, err)
	}
	return nil
}

// ChangeKind classifies how a document's membership in a live query changed.
type ChangeKind string

const (
	Added    ChangeKind = "added"
	Modified ChangeKind = "modified"
	Removed  ChangeKind = "removed"
)

// Change is one classified result-set mutation delivered to a subscription.
type Change struct {
	Kind ChangeKind
	Doc  Doc
}

// Snapshot is the full, ordered result set of a live query at one point in
// time, plus the changes that produced it relative to the previous delivery.
type Snapshot struct {
	Docs    []Doc
	Changes []Change
}

// Handler receives snapshots from a live subscription. Deliveries for one
// subscription arrive in source order on a single goroutine; there is no
// ordering guarantee between independent subscriptions.
type Handler func(Snapshot)

// Filter is a top-level field equality match against the document body.
type Filter struct {
	Field  string
	Equals interface{}
}

// Where builds an equality filter.
func Where(field string, equals interface{}) Filter {
	return Filter{Field: field, Equals: equals}
}

// Query selects documents by field equality, ordered by creation time
// (oldest first unless NewestFirst is set).
type Query struct {
	Filters     []Filter
	NewestFirst bool
}

// Store is the document store consumed by the chat, unread and call packages.
type Store interface {
	// Subscribe opens a live query. The handler is called with an initial
	// snapshot (all matches classified as Added) and then once per change.
	// The returned stop function cancels the subscription.
	Subscribe(ctx context.Context, collection string, q Query, h Handler) (stop func(), err error)

	// Get runs a one-shot query.
	Get(ctx context.Context, collection string, q Query) ([]Doc, error)

	// Write stores a document body under the given id, assigning the
	// server timestamp. An empty id is replaced with a generated one.
	// Writing to an existing id overwrites it (last writer wins).
	Write(ctx context.Context, collection, id string, body interface{}) (Doc, error)

	// Update merges partial fields into an existing document. The creation
	// timestamp is preserved. Returns ErrNotFound for unknown ids.
	Update(ctx context.Context, collection, id string, fields map[string]interface{}) error

	// Delete removes a document. Returns ErrNotFound for unknown ids.
	Delete(ctx context.Context, collection, id string) error
}

// Matches reports whether the document body satisfies every filter of q.
func (q Query) Matches(d Doc) bool {
	if len(q.Filters) == 0 {
		return true
	}
	var body map[string]interface{}
	if err := json.Unmarshal(d.Data, &body); err != nil {
		return false
	}
	for _, f := range q.Filters {
		got, ok := body[f.Field]
		if !ok || !jsonEqual(got, f.Equals) {
			return false
		}
	}
	return true
}

// sortDocs orders docs by creation time, falling back to id for stable
// ordering of equal timestamps.
func sortDocs(docs []Doc, newestFirst bool) {
	sort.Slice(docs, func(i, j int) bool {
		a, b := docs[i], docs[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			if newestFirst {
				return a.CreatedAt.After(b.CreatedAt)
			}
			return a.CreatedAt.Before(b.CreatedAt)
		}
		if newestFirst {
			return a.ID > b.ID
		}
		return a.ID < b.ID
	})
}

// jsonEqual compares a decoded JSON value against a native Go value, bridging
// the float64 representation encoding/json uses for all numbers.
func jsonEqual(got, want interface{}) bool {
	switch w := want.(type) {
	case string:
		g, ok := got.(string)
		return ok && g == w
	case bool:
		g, ok := got.(bool)
		return ok && g == w
	case int:
		g, ok := got.(float64)
		return ok && g == float64(w)
	case int64:
		g, ok := got.(float64)
		return ok && g == float64(w)
	case float64:
		g, ok := got.(float64)
		return ok && g == w
	case nil:
		return got == nil
	default:
		return fmt.Sprintf("%v", got) == fmt.Sprintf("%v", want)
	}
}
