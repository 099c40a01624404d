package main

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/lumenchat/lumen/internal/convo"
	"github.com/lumenchat/lumen/internal/docstore"
	"github.com/lumenchat/lumen/internal/docstore/memstore"
	"github.com/lumenchat/lumen/internal/identity"
	"github.com/lumenchat/lumen/internal/protocol"
)

func messageSnapshot(t *testing.T, kind docstore.ChangeKind, m convo.Message) docstore.Snapshot {
	t.Helper()
	data, err := json.Marshal(m)
	if err != nil {
		t.Fatal(err)
	}
	doc := docstore.Doc{ID: "m1", Data: data, CreatedAt: time.Now().UTC()}
	return docstore.Snapshot{
		Docs:    []docstore.Doc{doc},
		Changes: []docstore.Change{{Kind: kind, Doc: doc}},
	}
}

func sentTypes(t *testing.T, sent [][]byte) []string {
	t.Helper()
	var types []string
	for _, data := range sent {
		var env struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(data, &env); err != nil {
			t.Fatal(err)
		}
		types = append(types, env.Type)
	}
	return types
}

func TestRelaySelfAddressedMessageDeliveredOnce(t *testing.T) {
	cl := &client{user: identity.User{ID: "me"}}

	var sent [][]byte
	send := func(_ string, data []byte) error {
		sent = append(sent, data)
		return nil
	}

	// A note-to-self matches both the inbound (receiver) and outbound
	// (sender) live queries of the same user.
	snap := messageSnapshot(t, docstore.Added, convo.Message{
		ConversationID: convo.ID("me", "me"),
		SenderID:       "me",
		ReceiverID:     "me",
		Text:           "note to self",
	})
	relayMessages(send, "c1", cl, false)(snap)
	relayMessages(send, "c1", cl, true)(snap)

	types := sentTypes(t, sent)
	if len(types) != 1 || types[0] != protocol.TypeMessage {
		t.Fatalf("expected one message push, got %v", types)
	}
}

func TestRelayOutboundFeedStillDelivers(t *testing.T) {
	cl := &client{user: identity.User{ID: "me"}}

	var sent [][]byte
	send := func(_ string, data []byte) error {
		sent = append(sent, data)
		return nil
	}

	snap := messageSnapshot(t, docstore.Added, convo.Message{
		ConversationID: convo.ID("me", "bob"),
		SenderID:       "me",
		ReceiverID:     "bob",
		Text:           "hi bob",
	})
	relayMessages(send, "c1", cl, true)(snap)

	types := sentTypes(t, sent)
	if len(types) != 1 || types[0] != protocol.TypeMessage {
		t.Fatalf("expected one message push, got %v", types)
	}
}

func TestProfileConflict(t *testing.T) {
	ctx := context.Background()
	docs := memstore.NewStore()

	alice := identity.User{ID: "u1", DisplayName: "Alice"}
	if _, err := docs.Write(ctx, convo.CollectionUsers, alice.ID, alice); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		user identity.User
		want bool
	}{
		{"unregistered id", identity.User{ID: "u2", DisplayName: "Bob"}, false},
		{"reclaim with matching name", identity.User{ID: "u1", DisplayName: "Alice"}, false},
		{"claim under different name", identity.User{ID: "u1", DisplayName: "Mallory"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := profileConflict(ctx, docs, tt.user)
			if err != nil {
				t.Fatal(err)
			}
			if got != tt.want {
				t.Fatalf("profileConflict(%+v) = %v, want %v", tt.user, got, tt.want)
			}
		})
	}
}
