package chat

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/lumenchat/lumen/internal/convo"
	"github.com/lumenchat/lumen/internal/docstore"
	"github.com/lumenchat/lumen/internal/docstore/memstore"
	"github.com/lumenchat/lumen/internal/identity"
)

var (
	alice = identity.User{ID: "alice", DisplayName: "Alice"}
	bob   = identity.User{ID: "bob", DisplayName: "Bob"}
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestSendAndHistory(t *testing.T) {
	store := memstore.NewStore()
	ma := NewMessenger(store, nil, alice)
	mb := NewMessenger(store, nil, bob)

	if _, err := ma.Send(context.Background(), "bob", "hello", nil); err != nil {
		t.Fatal(err)
	}
	if _, err := mb.Send(context.Background(), "alice", "hi back", nil); err != nil {
		t.Fatal(err)
	}

	// Both sides read the same conversation regardless of direction.
	for _, m := range []*Messenger{ma, mb} {
		peer := "bob"
		if m == mb {
			peer = "alice"
		}
		msgs, err := m.History(context.Background(), peer)
		if err != nil {
			t.Fatal(err)
		}
		if len(msgs) != 2 {
			t.Fatalf("expected 2 messages, got %d", len(msgs))
		}
		if msgs[0].Text != "hello" || msgs[1].Text != "hi back" {
			t.Fatalf("history out of order: %q, %q", msgs[0].Text, msgs[1].Text)
		}
	}
}

func TestSendRejectsInvalidText(t *testing.T) {
	store := memstore.NewStore()
	ma := NewMessenger(store, nil, alice)

	if _, err := ma.Send(context.Background(), "bob", "", nil); err == nil {
		t.Fatal("empty message without attachment should fail")
	}
	if _, err := ma.Send(context.Background(), "bob", strings.Repeat("x", convo.MaxTextBytes+1), nil); err == nil {
		t.Fatal("oversized message should fail")
	}
}

func TestSendCarriesReply(t *testing.T) {
	store := memstore.NewStore()
	ma := NewMessenger(store, nil, alice)
	mb := NewMessenger(store, nil, bob)

	orig, err := ma.Send(context.Background(), "bob", "original", nil)
	if err != nil {
		t.Fatal(err)
	}
	reply, err := mb.Send(context.Background(), "alice", "replying", &convo.ReplyRef{
		MessageID:  orig.ID,
		SenderName: orig.SenderName,
		Text:       orig.Text,
	})
	if err != nil {
		t.Fatal(err)
	}

	msgs, err := ma.History(context.Background(), "bob")
	if err != nil {
		t.Fatal(err)
	}
	var got *convo.Message
	for i := range msgs {
		if msgs[i].ID == reply.ID {
			got = &msgs[i]
		}
	}
	if got == nil || got.ReplyTo == nil {
		t.Fatal("reply reference lost")
	}
	if got.ReplyTo.MessageID != orig.ID || got.ReplyTo.Text != "original" {
		t.Fatalf("unexpected reply ref %+v", got.ReplyTo)
	}
}

func TestEditOwnMessage(t *testing.T) {
	store := memstore.NewStore()
	ma := NewMessenger(store, nil, alice)

	msg, err := ma.Send(context.Background(), "bob", "typo", nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := ma.Edit(context.Background(), msg.ID, "fixed"); err != nil {
		t.Fatal(err)
	}

	msgs, err := ma.History(context.Background(), "bob")
	if err != nil {
		t.Fatal(err)
	}
	if msgs[0].Text != "fixed" {
		t.Fatalf("edit not applied: %q", msgs[0].Text)
	}
	if msgs[0].EditedAt == "" {
		t.Fatal("edit not stamped")
	}
}

func TestEditSomeoneElsesMessage(t *testing.T) {
	store := memstore.NewStore()
	ma := NewMessenger(store, nil, alice)
	mb := NewMessenger(store, nil, bob)

	msg, err := ma.Send(context.Background(), "bob", "mine", nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := mb.Edit(context.Background(), msg.ID, "hijacked"); !errors.Is(err, ErrNotSender) {
		t.Fatalf("expected ErrNotSender, got %v", err)
	}
	if err := mb.Delete(context.Background(), msg.ID); !errors.Is(err, ErrNotSender) {
		t.Fatalf("expected ErrNotSender, got %v", err)
	}
}

func TestDeleteOwnMessage(t *testing.T) {
	store := memstore.NewStore()
	ma := NewMessenger(store, nil, alice)

	msg, err := ma.Send(context.Background(), "bob", "regret", nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := ma.Delete(context.Background(), msg.ID); err != nil {
		t.Fatal(err)
	}

	msgs, err := ma.History(context.Background(), "bob")
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 0 {
		t.Fatalf("message survived delete: %+v", msgs)
	}

	if err := ma.Delete(context.Background(), msg.ID); !errors.Is(err, ErrMessageNotFound) {
		t.Fatalf("expected ErrMessageNotFound, got %v", err)
	}
}

func TestSubscribeConversationMarksInboundRead(t *testing.T) {
	store := memstore.NewStore()
	ma := NewMessenger(store, nil, alice)
	mb := NewMessenger(store, nil, bob)

	var mu sync.Mutex
	var latest []convo.Message
	stop, err := ma.SubscribeConversation(context.Background(), "bob", func(msgs []convo.Message) {
		mu.Lock()
		latest = msgs
		mu.Unlock()
	})
	if err != nil {
		t.Fatal(err)
	}
	defer stop()

	if _, err := mb.Send(context.Background(), "alice", "ping", nil); err != nil {
		t.Fatal(err)
	}

	// The open conversation marks the inbound message read in the store.
	waitFor(t, func() bool {
		docs, err := store.Get(context.Background(), convo.CollectionMessages, docstore.Query{
			Filters: []docstore.Filter{
				docstore.Where("conversation_id", convo.ID("alice", "bob")),
				docstore.Where("read", true),
			},
		})
		return err == nil && len(docs) == 1
	})

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(latest) == 1 && latest[0].Read
	})
}

func TestEditPreservesReadReceipt(t *testing.T) {
	store := memstore.NewStore()
	ma := NewMessenger(store, nil, alice)
	mb := NewMessenger(store, nil, bob)

	msg, err := mb.Send(context.Background(), "alice", "draft", nil)
	if err != nil {
		t.Fatal(err)
	}

	stop, err := ma.SubscribeConversation(context.Background(), "bob", func([]convo.Message) {})
	if err != nil {
		t.Fatal(err)
	}
	defer stop()

	readQuery := docstore.Query{
		Filters: []docstore.Filter{
			docstore.Where("conversation_id", convo.ID("alice", "bob")),
			docstore.Where("read", true),
		},
	}
	waitFor(t, func() bool {
		docs, err := store.Get(context.Background(), convo.CollectionMessages, readQuery)
		return err == nil && len(docs) == 1
	})

	// Editing rewrites text and the edit stamp only; the receipt, once
	// granted, must hold.
	if err := mb.Edit(context.Background(), msg.ID, "final"); err != nil {
		t.Fatal(err)
	}

	docs, err := store.Get(context.Background(), convo.CollectionMessages, readQuery)
	if err != nil {
		t.Fatal(err)
	}
	if len(docs) != 1 {
		t.Fatal("read receipt reverted by edit")
	}
	got, err := convo.DecodeMessage(docs[0])
	if err != nil {
		t.Fatal(err)
	}
	if got.Text != "final" || !got.Read || got.ReadAt == "" || got.EditedAt == "" {
		t.Fatalf("unexpected message after edit: %+v", got)
	}
}

// fixedUploader returns a canned URL without storing anything.
type fixedUploader string

func (u fixedUploader) Upload(context.Context, string, io.Reader) (string, error) {
	return string(u), nil
}

func TestSendAttachment(t *testing.T) {
	store := memstore.NewStore()
	ma := NewMessenger(store, fixedUploader("http://chat.test/media/abc.png"), alice)

	msg, err := ma.SendAttachment(context.Background(), "bob", "", "photo.png", strings.NewReader("bytes"))
	if err != nil {
		t.Fatal(err)
	}
	if msg.AttachmentURL != "http://chat.test/media/abc.png" {
		t.Fatalf("attachment url lost: %q", msg.AttachmentURL)
	}

	msgs, err := ma.History(context.Background(), "bob")
	if err != nil {
		t.Fatal(err)
	}
	if msgs[0].AttachmentURL != msg.AttachmentURL {
		t.Fatal("attachment url not persisted")
	}
}
