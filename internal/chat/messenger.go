// Package chat implements the messaging operations of a conversation:
// sending, editing, deleting, history and live conversation feeds, all on
// top of the document store.
package chat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/lumenchat/lumen/internal/convo"
	"github.com/lumenchat/lumen/internal/docstore"
	"github.com/lumenchat/lumen/internal/identity"
	"github.com/lumenchat/lumen/internal/media"
)

var (
	// ErrNotSender is returned when editing or deleting a message the user
	// did not send.
	ErrNotSender = errors.New("chat: message belongs to another sender")

	// ErrMessageNotFound is returned for unknown message ids.
	ErrMessageNotFound = errors.New("chat: message not found")
)

// Messenger performs chat operations on behalf of one signed-in user.
type Messenger struct {
	store    docstore.Store
	uploader media.Uploader
	self     identity.User
}

// NewMessenger creates a messenger for the given user. uploader may be nil
// when attachments are not used.
func NewMessenger(store docstore.Store, uploader media.Uploader, self identity.User) *Messenger {
	return &Messenger{store: store, uploader: uploader, self: self}
}

// Send stores a new text message to receiver. replyTo is optional.
func (m *Messenger) Send(ctx context.Context, receiverID, text string, replyTo *convo.ReplyRef) (convo.Message, error) {
	return m.Post(ctx, receiverID, text, "", replyTo)
}

// SendAttachment uploads the attachment and stores a message carrying its
// URL. text may be empty.
func (m *Messenger) SendAttachment(ctx context.Context, receiverID, text, filename string, r io.Reader) (convo.Message, error) {
	if m.uploader == nil {
		return convo.Message{}, fmt.Errorf("chat: no uploader configured")
	}
	url, err := m.uploader.Upload(ctx, filename, r)
	if err != nil {
		return convo.Message{}, fmt.Errorf("chat: upload attachment: %w", err)
	}
	return m.Post(ctx, receiverID, text, url, nil)
}

// Post stores a message whose attachment, if any, is already uploaded.
func (m *Messenger) Post(ctx context.Context, receiverID, text, attachmentURL string, replyTo *convo.ReplyRef) (convo.Message, error) {
	if err := convo.ValidateText(text, attachmentURL != ""); err != nil {
		return convo.Message{}, fmt.Errorf("chat: %w", err)
	}

	msg := convo.Message{
		ID:             uuid.New().String(),
		ConversationID: convo.ID(m.self.ID, receiverID),
		SenderID:       m.self.ID,
		SenderName:     m.self.DisplayName,
		ReceiverID:     receiverID,
		Text:           text,
		AttachmentURL:  attachmentURL,
		ReplyTo:        replyTo,
		Read:           false,
	}

	doc, err := m.store.Write(ctx, convo.CollectionMessages, msg.ID, msg)
	if err != nil {
		return convo.Message{}, fmt.Errorf("chat: send message: %w", err)
	}
	msg.CreatedAt = doc.CreatedAt
	return msg, nil
}

// Edit replaces the text of a message the user sent and stamps it edited.
func (m *Messenger) Edit(ctx context.Context, messageID, text string) error {
	msg, err := m.fetch(ctx, messageID)
	if err != nil {
		return err
	}
	if msg.SenderID != m.self.ID {
		return ErrNotSender
	}
	if err := convo.ValidateText(text, msg.AttachmentURL != ""); err != nil {
		return fmt.Errorf("chat: %w", err)
	}

	err = m.store.Update(ctx, convo.CollectionMessages, messageID, map[string]interface{}{
		"text":      text,
		"edited_at": time.Now().UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return fmt.Errorf("chat: edit message: %w", err)
	}
	return nil
}

// Delete removes a message the user sent.
func (m *Messenger) Delete(ctx context.Context, messageID string) error {
	msg, err := m.fetch(ctx, messageID)
	if err != nil {
		return err
	}
	if msg.SenderID != m.self.ID {
		return ErrNotSender
	}
	if err := m.store.Delete(ctx, convo.CollectionMessages, messageID); err != nil {
		return fmt.Errorf("chat: delete message: %w", err)
	}
	return nil
}

// History returns the full conversation with peer, oldest first.
func (m *Messenger) History(ctx context.Context, peerID string) ([]convo.Message, error) {
	q := docstore.Query{Filters: []docstore.Filter{
		docstore.Where("conversation_id", convo.ID(m.self.ID, peerID)),
	}}
	docs, err := m.store.Get(ctx, convo.CollectionMessages, q)
	if err != nil {
		return nil, fmt.Errorf("chat: load history: %w", err)
	}
	return decodeAll(docs)
}

// SubscribeConversation opens a live feed of the conversation with peer,
// oldest first. While subscribed the conversation counts as open: inbound
// messages are marked read as they arrive.
func (m *Messenger) SubscribeConversation(ctx context.Context, peerID string, h func([]convo.Message)) (stop func(), err error) {
	q := docstore.Query{Filters: []docstore.Filter{
		docstore.Where("conversation_id", convo.ID(m.self.ID, peerID)),
	}}

	return m.store.Subscribe(ctx, convo.CollectionMessages, q, func(snap docstore.Snapshot) {
		msgs, err := decodeAll(snap.Docs)
		if err != nil {
			log.Printf("[chat] conversation %s: %v", peerID, err)
		}
		h(msgs)

		for _, ch := range snap.Changes {
			if ch.Kind != docstore.Added {
				continue
			}
			m.markInboundRead(ctx, ch.Doc)
		}
	})
}

// markInboundRead flips an unread inbound message to read. Failures are
// logged; the unread tracker reconverges on the store either way.
func (m *Messenger) markInboundRead(ctx context.Context, doc docstore.Doc) {
	msg, err := convo.DecodeMessage(doc)
	if err != nil || msg.ReceiverID != m.self.ID || msg.Read {
		return
	}
	err = m.store.Update(ctx, convo.CollectionMessages, doc.ID, map[string]interface{}{
		"read":    true,
		"read_at": time.Now().UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		log.Printf("[chat] mark message %s read: %v", doc.ID, err)
	}
}

// fetch loads one message by id.
func (m *Messenger) fetch(ctx context.Context, messageID string) (convo.Message, error) {
	q := docstore.Query{Filters: []docstore.Filter{docstore.Where("id", messageID)}}
	docs, err := m.store.Get(ctx, convo.CollectionMessages, q)
	if err != nil {
		return convo.Message{}, fmt.Errorf("chat: load message: %w", err)
	}
	if len(docs) == 0 {
		return convo.Message{}, ErrMessageNotFound
	}
	return convo.DecodeMessage(docs[0])
}

func decodeAll(docs []docstore.Doc) ([]convo.Message, error) {
	msgs := make([]convo.Message, 0, len(docs))
	for _, doc := range docs {
		msg, err := convo.DecodeMessage(doc)
		if err != nil {
			return msgs, err
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}
