package docstore

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Backend is the persistence half of a Live store. Implementations only need
// plain CRUD plus a filtered one-shot list; the Live layer adds id and
// timestamp assignment, partial updates, and change fan-out.
type Backend interface {
	Put(ctx context.Context, collection string, doc Doc) error
	Fetch(ctx context.Context, collection, id string) (Doc, bool, error)
	Select(ctx context.Context, collection string, q Query) ([]Doc, error)
	Remove(ctx context.Context, collection, id string) (bool, error)
}

// Event is one change broadcast on the Feed.
type Event struct {
	Kind ChangeKind `json:"kind"`
	Doc  Doc        `json:"doc"`
}

// Feed carries change events between store instances. Delivery within one
// subscription is in publish order; nothing is guaranteed across
// subscriptions.
type Feed interface {
	Publish(collection string, ev Event) error
	Subscribe(collection string, h func(Event)) (stop func(), err error)
}

// Live implements Store on top of a Backend and a Feed. Every successful
// mutation is persisted first and then published, so subscribers converge on
// the backend's state.
type Live struct {
	backend Backend

	feed Feed

	// clock state for server-assigned monotonic timestamps
	mu     sync.Mutex
	lastTS time.Time
}

// NewLive creates a realtime store over the given backend and feed.
func NewLive(backend Backend, feed Feed) *Live {
	return &Live{backend: backend, feed: feed}
}

// stamp returns a strictly increasing server timestamp.
func (l *Live) stamp() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()

	ts := time.Now().UTC()
	if !ts.After(l.lastTS) {
		ts = l.lastTS.Add(time.Microsecond)
	}
	l.lastTS = ts
	return ts
}

// Write stores a document body, assigning the server timestamp. Writing to an
// existing id overwrites the previous document (last writer wins) and is
// broadcast as a modification.
func (l *Live) Write(ctx context.Context, collection, id string, body interface{}) (Doc, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return Doc{}, fmt.Errorf("docstore: marshal body: %w", err)
	}
	if id == "" {
		id = uuid.New().String()
	}

	_, existed, err := l.backend.Fetch(ctx, collection, id)
	if err != nil {
		return Doc{}, fmt.Errorf("docstore: write %s/%s: %w", collection, id, err)
	}

	doc := Doc{ID: id, Data: data, CreatedAt: l.stamp()}
	if err := l.backend.Put(ctx, collection, doc); err != nil {
		return Doc{}, fmt.Errorf("docstore: write %s/%s: %w", collection, id, err)
	}

	kind := Added
	if existed {
		kind = Modified
	}
	l.publish(collection, Event{Kind: kind, Doc: doc})
	return doc, nil
}

// Update merges partial fields into an existing document, preserving its
// creation timestamp.
func (l *Live) Update(ctx context.Context, collection, id string, fields map[string]interface{}) error {
	doc, ok, err := l.backend.Fetch(ctx, collection, id)
	if err != nil {
		return fmt.Errorf("docstore: update %s/%s: %w", collection, id, err)
	}
	if !ok {
		return ErrNotFound
	}

	var body map[string]interface{}
	if err := json.Unmarshal(doc.Data, &body); err != nil {
		return fmt.Errorf("docstore: update %s/%s: %w", collection, id, err)
	}
	for k, v := range fields {
		body[k] = v
	}
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("docstore: update %s/%s: %w", collection, id, err)
	}

	doc.Data = data
	if err := l.backend.Put(ctx, collection, doc); err != nil {
		return fmt.Errorf("docstore: update %s/%s: %w", collection, id, err)
	}

	l.publish(collection, Event{Kind: Modified, Doc: doc})
	return nil
}

// Delete removes a document.
func (l *Live) Delete(ctx context.Context, collection, id string) error {
	doc, ok, err := l.backend.Fetch(ctx, collection, id)
	if err != nil {
		return fmt.Errorf("docstore: delete %s/%s: %w", collection, id, err)
	}
	if !ok {
		return ErrNotFound
	}
	removed, err := l.backend.Remove(ctx, collection, id)
	if err != nil {
		return fmt.Errorf("docstore: delete %s/%s: %w", collection, id, err)
	}
	if removed {
		l.publish(collection, Event{Kind: Removed, Doc: doc})
	}
	return nil
}

// Get runs a one-shot query.
func (l *Live) Get(ctx context.Context, collection string, q Query) ([]Doc, error) {
	docs, err := l.backend.Select(ctx, collection, q)
	if err != nil {
		return nil, fmt.Errorf("docstore: get %s: %w", collection, err)
	}
	sortDocs(docs, q.NewestFirst)
	return docs, nil
}

// Subscribe opens a live query against the backend. Feed events are buffered
// per subscription and applied on a single goroutine, so each handler sees
// snapshots in source order.
func (l *Live) Subscribe(ctx context.Context, collection string, q Query, h Handler) (func(), error) {
	events := make(chan Event, 256)
	done := make(chan struct{})

	// Attach to the feed before reading the initial set so no change can
	// slip between snapshot and stream.
	stopFeed, err := l.feed.Subscribe(collection, func(ev Event) {
		select {
		case events <- ev:
		case <-done:
		}
	})
	if err != nil {
		return nil, fmt.Errorf("docstore: subscribe %s: %w", collection, err)
	}

	initial, err := l.backend.Select(ctx, collection, q)
	if err != nil {
		stopFeed()
		return nil, fmt.Errorf("docstore: subscribe %s: %w", collection, err)
	}

	sub := &liveQuery{query: q, current: make(map[string]Doc, len(initial))}
	changes := make([]Change, 0, len(initial))
	for _, d := range initial {
		sub.current[d.ID] = d
		changes = append(changes, Change{Kind: Added, Doc: d})
	}
	h(sub.snapshot(changes))

	go func() {
		for {
			select {
			case <-done:
				return
			case ev := <-events:
				if change, ok := sub.apply(ev); ok {
					h(sub.snapshot([]Change{change}))
				}
			}
		}
	}()

	var once sync.Once
	stop := func() {
		once.Do(func() {
			stopFeed()
			close(done)
		})
	}
	return stop, nil
}

func (l *Live) publish(collection string, ev Event) {
	if err := l.feed.Publish(collection, ev); err != nil {
		log.Printf("[docstore] publish %s change: %v", collection, err)
	}
}

// liveQuery tracks the current result set of one subscription and classifies
// incoming events against it.
type liveQuery struct {
	query   Query
	current map[string]Doc
}

// apply folds one event into the result set. It returns the classified
// change, or ok=false when the event does not affect this query.
func (s *liveQuery) apply(ev Event) (Change, bool) {
	_, present := s.current[ev.Doc.ID]
	matches := ev.Kind != Removed && s.query.Matches(ev.Doc)

	switch {
	case matches && !present:
		s.current[ev.Doc.ID] = ev.Doc
		return Change{Kind: Added, Doc: ev.Doc}, true
	case matches && present:
		s.current[ev.Doc.ID] = ev.Doc
		return Change{Kind: Modified, Doc: ev.Doc}, true
	case !matches && present:
		delete(s.current, ev.Doc.ID)
		return Change{Kind: Removed, Doc: ev.Doc}, true
	default:
		return Change{}, false
	}
}

func (s *liveQuery) snapshot(changes []Change) Snapshot {
	docs := make([]Doc, 0, len(s.current))
	for _, d := range s.current {
		docs = append(docs, d)
	}
	sortDocs(docs, s.query.NewestFirst)
	return Snapshot{Docs: docs, Changes: changes}
}
