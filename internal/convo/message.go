package convo

import (
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/lumenchat/lumen/internal/docstore"
)

const (
	// MaxTextBytes caps the encoded size of a message body.
	MaxTextBytes = 4096

	// MaxTextChars caps the character count of a message body.
	MaxTextChars = 2000
)

// ReplyRef points at the message being replied to. The sender name and text
// are denormalized so a reply renders even if the original is later deleted.
type ReplyRef struct {
	MessageID  string `json:"message_id"`
	SenderName string `json:"sender_name"`
	Text       string `json:"text"`
}

// Message is one chat message between exactly two participants. The read
// flag transitions false to true exactly once and never reverses.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	SenderID       string    `json:"sender_id"`
	SenderName     string    `json:"sender_name"`
	ReceiverID     string    `json:"receiver_id"`
	Text           string    `json:"text"`
	AttachmentURL  string    `json:"attachment_url,omitempty"`
	ReplyTo        *ReplyRef `json:"reply_to,omitempty"`
	Read           bool      `json:"read"`
	ReadAt         string    `json:"read_at,omitempty"`
	EditedAt       string    `json:"edited_at,omitempty"`

	// CreatedAt mirrors the store-assigned document timestamp. It is not
	// part of the document body.
	CreatedAt time.Time `json:"-"`
}

// DecodeMessage unpacks a message document, carrying over the store-assigned
// id and creation timestamp.
func DecodeMessage(doc docstore.Doc) (Message, error) {
	var m Message
	if err := doc.Decode(&m); err != nil {
		return Message{}, err
	}
	m.ID = doc.ID
	m.CreatedAt = doc.CreatedAt
	return m, nil
}

// ValidateText checks message content limits. Empty text is allowed only
// when an attachment accompanies the message.
func ValidateText(text string, hasAttachment bool) error {
	if len(text) == 0 {
		if hasAttachment {
			return nil
		}
		return fmt.Errorf("message text is empty")
	}
	if len(text) > MaxTextBytes {
		return fmt.Errorf("message exceeds %d byte limit", MaxTextBytes)
	}
	if utf8.RuneCountInString(text) > MaxTextChars {
		return fmt.Errorf("message exceeds %d character limit", MaxTextChars)
	}
	if !utf8.ValidString(text) {
		return fmt.Errorf("message contains invalid UTF-8")
	}
	return nil
}
