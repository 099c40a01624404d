// Package memstore provides an in-memory docstore backend. It backs unit
// tests and the single-node development mode of the gateway.
package memstore

import (
	"context"
	"sync"

	"github.com/lumenchat/lumen/internal/docstore"
)

// Backend keeps all documents in process memory, guarded by one RWMutex.
type Backend struct {
	mu          sync.RWMutex
	collections map[string]map[string]docstore.Doc
}

// New creates an empty in-memory backend.
func New() *Backend {
	return &Backend{collections: make(map[string]map[string]docstore.Doc)}
}

// NewStore is a convenience constructor wiring the backend to an in-process
// feed, yielding a fully functional realtime store.
func NewStore() *docstore.Live {
	return docstore.NewLive(New(), docstore.NewLocalFeed())
}

// Put upserts a document.
func (b *Backend) Put(_ context.Context, collection string, doc docstore.Doc) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	coll, ok := b.collections[collection]
	if !ok {
		coll = make(map[string]docstore.Doc)
		b.collections[collection] = coll
	}
	coll[doc.ID] = doc
	return nil
}

// Fetch returns a document by id.
func (b *Backend) Fetch(_ context.Context, collection, id string) (docstore.Doc, bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	doc, ok := b.collections[collection][id]
	return doc, ok, nil
}

// Select returns all documents matching the query filters. Ordering is left
// to the Live layer.
func (b *Backend) Select(_ context.Context, collection string, q docstore.Query) ([]docstore.Doc, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var docs []docstore.Doc
	for _, doc := range b.collections[collection] {
		if q.Matches(doc) {
			docs = append(docs, doc)
		}
	}
	return docs, nil
}

// Remove deletes a document by id.
func (b *Backend) Remove(_ context.Context, collection, id string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	coll, ok := b.collections[collection]
	if !ok {
		return false, nil
	}
	if _, ok := coll[id]; !ok {
		return false, nil
	}
	delete(coll, id)
	return true, nil
}
