package unread

import (
	"context"
	"log"
	"time"

	"github.com/lumenchat/lumen/internal/convo"
	"github.com/lumenchat/lumen/internal/docstore"
	"github.com/lumenchat/lumen/internal/metrics"
)

// DefaultFreshWindow bounds how old a message may be and still raise a
// notification. Anything older is assumed to predate this session (offline
// backlog, reconnect replay) and is reflected in the counts only.
const DefaultFreshWindow = 10 * time.Second

// Notification describes one new inbound message worth alerting on.
type Notification struct {
	MessageID  string
	SenderID   string
	SenderName string
	Text       string
	SentAt     time.Time
}

// TrackerConfig wires a Tracker's collaborators and callbacks.
type TrackerConfig struct {
	// Store is the document store holding message documents.
	Store docstore.Store

	// Watermarks persists the newest-notified timestamp per user. Required.
	Watermarks WatermarkStore

	// UserID is the account whose unread set is tracked.
	UserID string

	// OnChange is invoked after every counts mutation with a copy of the
	// per-peer counts and the grand total. Optional.
	OnChange func(counts map[string]int, total int)

	// Notify is invoked at most once per fresh inbound message. Optional.
	Notify func(Notification)

	// FreshWindow overrides DefaultFreshWindow when positive.
	FreshWindow time.Duration
}

// Tracker maintains the unread counts for one user from a live query over
// their inbound unread messages. Counts are recomputed from each snapshot
// rather than incrementally patched, so a missed delivery can never leave the
// counts permanently wrong. Opening a conversation zeroes its count
// immediately and marks the store asynchronously.
type Tracker struct {
	store  docstore.Store
	marks  WatermarkStore
	ledger *Ledger

	userID   string
	onChange func(map[string]int, int)
	notify   func(Notification)
	fresh    time.Duration

	markCh chan string
}

// NewTracker builds a tracker from cfg. Call Subscribe to start it.
func NewTracker(cfg TrackerConfig) *Tracker {
	fresh := cfg.FreshWindow
	if fresh <= 0 {
		fresh = DefaultFreshWindow
	}
	return &Tracker{
		store:    cfg.Store,
		marks:    cfg.Watermarks,
		ledger:   NewLedger(),
		userID:   cfg.UserID,
		onChange: cfg.OnChange,
		notify:   cfg.Notify,
		fresh:    fresh,
		markCh:   make(chan string, 64),
	}
}

// Counts returns a copy of the current per-peer counts and the grand total.
func (t *Tracker) Counts() (map[string]int, int) {
	return t.ledger.Snapshot()
}

// Subscribe opens the live unread query and starts the mark-read worker.
// It blocks until the initial snapshot has been delivered. The returned stop
// function cancels both the subscription and the worker; calling it is the
// only way to release the tracker when the parent ctx is long-lived.
func (t *Tracker) Subscribe(ctx context.Context) (stop func(), err error) {
	ctx, cancel := context.WithCancel(ctx)

	q := docstore.Query{
		Filters: []docstore.Filter{
			docstore.Where("receiver_id", t.userID),
			docstore.Where("read", false),
		},
		NewestFirst: true,
	}

	stopSub, err := t.store.Subscribe(ctx, convo.CollectionMessages, q, func(snap docstore.Snapshot) {
		t.handleSnapshot(ctx, snap)
	})
	if err != nil {
		cancel()
		return nil, err
	}

	go t.markWorker(ctx)

	return func() {
		stopSub()
		cancel()
	}, nil
}

// OpenConversation zeroes the unread count for peer immediately and enqueues
// the store-side mark-read. The optimistic clear keeps the UI honest even if
// the writes lag or fail; the live query reconverges either way.
func (t *Tracker) OpenConversation(peer string) {
	if t.ledger.Clear(peer) > 0 {
		t.emitCounts()
	}

	select {
	case t.markCh <- peer:
	default:
		log.Printf("[unread] mark-read queue full, dropping open for peer %s", peer)
	}
}

// handleSnapshot recomputes counts from the full result set, then raises
// notifications for freshly added inbound messages past the watermark.
func (t *Tracker) handleSnapshot(ctx context.Context, snap docstore.Snapshot) {
	counts := make(map[string]int)
	for _, doc := range snap.Docs {
		m, err := convo.DecodeMessage(doc)
		if err != nil {
			log.Printf("[unread] skipping undecodable message %s: %v", doc.ID, err)
			continue
		}
		if m.SenderID == t.userID {
			continue
		}
		counts[m.SenderID]++
	}
	t.ledger.Replace(counts)
	t.emitCounts()

	if t.notify == nil {
		return
	}
	for _, ch := range snap.Changes {
		if ch.Kind != docstore.Added {
			continue
		}
		t.maybeNotify(ctx, ch.Doc)
	}
}

// maybeNotify raises a notification for doc if it is fresh and newer than
// the persisted watermark, advancing the watermark on success.
func (t *Tracker) maybeNotify(ctx context.Context, doc docstore.Doc) {
	m, err := convo.DecodeMessage(doc)
	if err != nil {
		return
	}
	if m.SenderID == t.userID {
		return
	}
	if time.Since(m.CreatedAt) > t.fresh {
		return
	}

	last, err := t.marks.Last(ctx, t.userID)
	if err != nil {
		log.Printf("[unread] load watermark for %s: %v", t.userID, err)
		return
	}
	if !m.CreatedAt.After(last) {
		return
	}

	// The advance is the arbiter: when several trackers for the same user
	// race on one message, only the one that moved the watermark notifies.
	moved, err := t.marks.Advance(ctx, t.userID, m.CreatedAt)
	if err != nil {
		log.Printf("[unread] advance watermark for %s: %v", t.userID, err)
		return
	}
	if !moved {
		return
	}

	t.notify(Notification{
		MessageID:  m.ID,
		SenderID:   m.SenderID,
		SenderName: m.SenderName,
		Text:       m.Text,
		SentAt:     m.CreatedAt,
	})
}

// markWorker serializes store-side mark-read flushes so a burst of opens
// cannot stampede the store.
func (t *Tracker) markWorker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case peer := <-t.markCh:
			t.markConversationRead(ctx, peer)
		}
	}
}

// markConversationRead flips every unread inbound message of the conversation
// to read. Individual failures are logged and skipped; the live query repairs
// the counts on the next change either way.
func (t *Tracker) markConversationRead(ctx context.Context, peer string) {
	q := docstore.Query{
		Filters: []docstore.Filter{
			docstore.Where("conversation_id", convo.ID(t.userID, peer)),
			docstore.Where("receiver_id", t.userID),
			docstore.Where("read", false),
		},
	}

	docs, err := t.store.Get(ctx, convo.CollectionMessages, q)
	if err != nil {
		log.Printf("[unread] load unread for peer %s: %v", peer, err)
		return
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	for _, doc := range docs {
		err := t.store.Update(ctx, convo.CollectionMessages, doc.ID, map[string]interface{}{
			"read":    true,
			"read_at": now,
		})
		if err != nil {
			metrics.MarkReadFailures.Inc()
			log.Printf("[unread] mark message %s read: %v", doc.ID, err)
		}
	}
}

func (t *Tracker) emitCounts() {
	if t.onChange == nil {
		return
	}
	counts, total := t.ledger.Snapshot()
	t.onChange(counts, total)
}
