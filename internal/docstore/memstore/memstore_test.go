package memstore

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/lumenchat/lumen/internal/docstore"
)

type payload struct {
	Owner string `json:"owner"`
	Text  string `json:"text"`
	Read  bool   `json:"read"`
}

// recorder collects snapshots delivered to a subscription.
type recorder struct {
	mu        sync.Mutex
	snapshots []docstore.Snapshot
}

func (r *recorder) handle(s docstore.Snapshot) {
	r.mu.Lock()
	r.snapshots = append(r.snapshots, s)
	r.mu.Unlock()
}

func (r *recorder) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.snapshots)
}

func (r *recorder) last() docstore.Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshots[len(r.snapshots)-1]
}

// waitFor polls until cond returns true or the deadline passes.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not reached before deadline")
}

func TestWriteAssignsIDAndTimestamp(t *testing.T) {
	store := NewStore()
	ctx := context.Background()

	doc, err := store.Write(ctx, "notes", "", payload{Owner: "a", Text: "x"})
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if doc.ID == "" {
		t.Error("expected generated id")
	}
	if doc.CreatedAt.IsZero() {
		t.Error("expected server-assigned timestamp")
	}
}

func TestTimestampsStrictlyIncrease(t *testing.T) {
	store := NewStore()
	ctx := context.Background()

	var prev time.Time
	for i := 0; i < 50; i++ {
		doc, err := store.Write(ctx, "notes", "", payload{Owner: "a"})
		if err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
		if !doc.CreatedAt.After(prev) {
			t.Fatalf("timestamp %d not after previous: %v <= %v", i, doc.CreatedAt, prev)
		}
		prev = doc.CreatedAt
	}
}

func TestSubscribeInitialSnapshot(t *testing.T) {
	store := NewStore()
	ctx := context.Background()

	store.Write(ctx, "notes", "n1", payload{Owner: "a"})
	store.Write(ctx, "notes", "n2", payload{Owner: "b"})
	store.Write(ctx, "notes", "n3", payload{Owner: "a"})

	rec := &recorder{}
	stop, err := store.Subscribe(ctx, "notes", docstore.Query{
		Filters: []docstore.Filter{docstore.Where("owner", "a")},
	}, rec.handle)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer stop()

	if rec.len() != 1 {
		t.Fatalf("expected 1 initial snapshot, got %d", rec.len())
	}
	snap := rec.last()
	if len(snap.Docs) != 2 {
		t.Fatalf("expected 2 matching docs, got %d", len(snap.Docs))
	}
	for _, ch := range snap.Changes {
		if ch.Kind != docstore.Added {
			t.Errorf("initial change kind = %s, want added", ch.Kind)
		}
	}
}

func TestSubscribeClassifiesChanges(t *testing.T) {
	store := NewStore()
	ctx := context.Background()

	rec := &recorder{}
	stop, err := store.Subscribe(ctx, "notes", docstore.Query{
		Filters: []docstore.Filter{docstore.Where("read", false)},
	}, rec.handle)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer stop()

	// Added.
	if _, err := store.Write(ctx, "notes", "n1", payload{Owner: "a"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	waitFor(t, func() bool { return rec.len() == 2 })
	if ch := rec.last().Changes[0]; ch.Kind != docstore.Added || ch.Doc.ID != "n1" {
		t.Fatalf("expected added n1, got %s %s", ch.Kind, ch.Doc.ID)
	}

	// Modified (still matching).
	if err := store.Update(ctx, "notes", "n1", map[string]interface{}{"text": "hi"}); err != nil {
		t.Fatalf("update: %v", err)
	}
	waitFor(t, func() bool { return rec.len() == 3 })
	if ch := rec.last().Changes[0]; ch.Kind != docstore.Modified {
		t.Fatalf("expected modified, got %s", ch.Kind)
	}

	// Removed from result set when it stops matching the filter.
	if err := store.Update(ctx, "notes", "n1", map[string]interface{}{"read": true}); err != nil {
		t.Fatalf("update: %v", err)
	}
	waitFor(t, func() bool { return rec.len() == 4 })
	last := rec.last()
	if ch := last.Changes[0]; ch.Kind != docstore.Removed {
		t.Fatalf("expected removed, got %s", ch.Kind)
	}
	if len(last.Docs) != 0 {
		t.Fatalf("expected empty result set, got %d docs", len(last.Docs))
	}
}

func TestSubscribeSeesDeletes(t *testing.T) {
	store := NewStore()
	ctx := context.Background()

	store.Write(ctx, "notes", "n1", payload{Owner: "a"})

	rec := &recorder{}
	stop, err := store.Subscribe(ctx, "notes", docstore.Query{}, rec.handle)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer stop()

	if err := store.Delete(ctx, "notes", "n1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	waitFor(t, func() bool { return rec.len() == 2 })
	if ch := rec.last().Changes[0]; ch.Kind != docstore.Removed {
		t.Fatalf("expected removed, got %s", ch.Kind)
	}
}

func TestGetOrdering(t *testing.T) {
	store := NewStore()
	ctx := context.Background()

	store.Write(ctx, "notes", "first", payload{Owner: "a"})
	store.Write(ctx, "notes", "second", payload{Owner: "a"})
	store.Write(ctx, "notes", "third", payload{Owner: "a"})

	asc, err := store.Get(ctx, "notes", docstore.Query{})
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if asc[0].ID != "first" || asc[2].ID != "third" {
		t.Errorf("ascending order wrong: %s..%s", asc[0].ID, asc[2].ID)
	}

	desc, err := store.Get(ctx, "notes", docstore.Query{NewestFirst: true})
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if desc[0].ID != "third" || desc[2].ID != "first" {
		t.Errorf("descending order wrong: %s..%s", desc[0].ID, desc[2].ID)
	}
}

func TestUpdatePreservesCreatedAt(t *testing.T) {
	store := NewStore()
	ctx := context.Background()

	doc, err := store.Write(ctx, "notes", "n1", payload{Owner: "a"})
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := store.Update(ctx, "notes", "n1", map[string]interface{}{"text": "later"}); err != nil {
		t.Fatalf("update: %v", err)
	}

	docs, err := store.Get(ctx, "notes", docstore.Query{})
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !docs[0].CreatedAt.Equal(doc.CreatedAt) {
		t.Errorf("created_at changed on update: %v != %v", docs[0].CreatedAt, doc.CreatedAt)
	}

	var p payload
	if err := docs[0].Decode(&p); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if p.Text != "later" || p.Owner != "a" {
		t.Errorf("partial update lost fields: %+v", p)
	}
}

func TestUpdateAndDeleteMissing(t *testing.T) {
	store := NewStore()
	ctx := context.Background()

	if err := store.Update(ctx, "notes", "ghost", map[string]interface{}{"x": 1}); err != docstore.ErrNotFound {
		t.Errorf("update missing: expected ErrNotFound, got %v", err)
	}
	if err := store.Delete(ctx, "notes", "ghost"); err != docstore.ErrNotFound {
		t.Errorf("delete missing: expected ErrNotFound, got %v", err)
	}
}

func TestStopEndsDelivery(t *testing.T) {
	store := NewStore()
	ctx := context.Background()

	rec := &recorder{}
	stop, err := store.Subscribe(ctx, "notes", docstore.Query{}, rec.handle)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	stop()
	stop() // idempotent

	store.Write(ctx, "notes", "n1", payload{Owner: "a"})
	time.Sleep(20 * time.Millisecond)
	if rec.len() != 1 {
		t.Fatalf("expected only the initial snapshot after stop, got %d", rec.len())
	}
}
