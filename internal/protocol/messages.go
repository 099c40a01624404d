// Package protocol defines the WebSocket message types and structures used for
// communication between the client and gateway. All messages are serialized as
// JSON and follow a consistent envelope format with a type discriminator.
package protocol

import (
	"encoding/json"
	"fmt"
)

// ---------------------------------------------------------------------------
// Message type constants
// ---------------------------------------------------------------------------

// Client -> Server message types.
const (
	TypeAuth              = "auth"
	TypeSendMessage       = "send_message"
	TypeEditMessage       = "edit_message"
	TypeDeleteMessage     = "delete_message"
	TypeOpenConversation  = "open_conversation"
	TypeCloseConversation = "close_conversation"
	TypeHistory           = "history"
	TypePlaceCall         = "place_call"
	TypeAcceptCall        = "accept_call"
	TypeDeclineCall       = "decline_call"
	TypeEndCall           = "end_call"
	TypePing              = "ping"
)

// Server -> Client message types.
const (
	TypeAuthed        = "authed"
	TypeMessage       = "message"
	TypeMessageUpdate = "message_update"
	TypeHistoryResult = "history_result"
	TypeUnreadCounts  = "unread_counts"
	TypeNotification  = "notification"
	TypeIncomingCall  = "incoming_call"
	TypeCallAnswer    = "call_answer"
	TypeCallDecline   = "call_decline"
	TypeCallEnd       = "call_end"
	TypeError         = "error"
	TypePong          = "pong"
)

// Update kinds carried by message_update.
const (
	UpdateEdited  = "edited"
	UpdateDeleted = "deleted"
	UpdateRead    = "read"
)

// ---------------------------------------------------------------------------
// Envelope — used for initial JSON parsing to extract the type discriminator.
// ---------------------------------------------------------------------------

// Envelope holds the message type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON implements the json.Unmarshaler interface. It captures the
// full raw bytes and extracts only the "type" field so that the rest of the
// payload can be decoded later into the appropriate concrete struct.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	// Capture the full raw message for deferred parsing.
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	// Extract only the type field.
	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Shared structs
// ---------------------------------------------------------------------------

// ReplyRef points at the message a reply quotes.
type ReplyRef struct {
	MessageID  string `json:"message_id"`
	SenderName string `json:"sender_name"`
	Text       string `json:"text"`
}

// ---------------------------------------------------------------------------
// Client -> Server message structs
// ---------------------------------------------------------------------------

// AuthMsg binds the connection to a session token. It must be the first
// message on every connection.
type AuthMsg struct {
	Type  string `json:"type"`
	Token string `json:"token"`
}

// SendMessageMsg sends a text message to another user.
type SendMessageMsg struct {
	Type          string    `json:"type"`
	To            string    `json:"to"`
	Text          string    `json:"text"`
	AttachmentURL string    `json:"attachment_url,omitempty"`
	ReplyTo       *ReplyRef `json:"reply_to,omitempty"`
}

// EditMessageMsg replaces the text of a message the user sent.
type EditMessageMsg struct {
	Type      string `json:"type"`
	MessageID string `json:"message_id"`
	Text      string `json:"text"`
}

// DeleteMessageMsg removes a message the user sent.
type DeleteMessageMsg struct {
	Type      string `json:"type"`
	MessageID string `json:"message_id"`
}

// OpenConversationMsg marks a conversation as open: its unread count drops to
// zero and inbound messages are marked read while it stays open.
type OpenConversationMsg struct {
	Type string `json:"type"`
	Peer string `json:"peer"`
}

// CloseConversationMsg marks the open conversation as closed again.
type CloseConversationMsg struct {
	Type string `json:"type"`
	Peer string `json:"peer"`
}

// HistoryMsg requests the full message history of one conversation.
type HistoryMsg struct {
	Type string `json:"type"`
	Peer string `json:"peer"`
}

// PlaceCallMsg starts a call: the offer is relayed to the callee.
type PlaceCallMsg struct {
	Type    string `json:"type"`
	To      string `json:"to"`
	SDP     string `json:"sdp"`
	SDPKind string `json:"sdp_kind"`
}

// AcceptCallMsg answers the ringing call from the given caller.
type AcceptCallMsg struct {
	Type    string `json:"type"`
	To      string `json:"to"`
	SDP     string `json:"sdp"`
	SDPKind string `json:"sdp_kind"`
}

// DeclineCallMsg rejects the ringing call from the given caller.
type DeclineCallMsg struct {
	Type string `json:"type"`
	To   string `json:"to"`
}

// EndCallMsg hangs up the active call with the given peer.
type EndCallMsg struct {
	Type string `json:"type"`
	To   string `json:"to"`
}

// PingMsg is a client-initiated keepalive ping.
type PingMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Server -> Client message structs
// ---------------------------------------------------------------------------

// AuthedMsg confirms the connection is bound to a user.
type AuthedMsg struct {
	Type        string `json:"type"`
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
}

// MessageMsg is one chat message pushed to the client.
type MessageMsg struct {
	Type           string    `json:"type"`
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	From           string    `json:"from"`
	FromName       string    `json:"from_name"`
	To             string    `json:"to"`
	Text           string    `json:"text"`
	AttachmentURL  string    `json:"attachment_url,omitempty"`
	ReplyTo        *ReplyRef `json:"reply_to,omitempty"`
	Read           bool      `json:"read"`
	ReadAt         string    `json:"read_at,omitempty"`
	EditedAt       string    `json:"edited_at,omitempty"`
	SentAt         int64     `json:"sent_at"`
}

// MessageUpdateMsg signals that an existing message was edited, deleted or
// marked read.
type MessageUpdateMsg struct {
	Type           string `json:"type"`
	Kind           string `json:"kind"`
	ID             string `json:"id"`
	ConversationID string `json:"conversation_id"`
	Text           string `json:"text,omitempty"`
	EditedAt       string `json:"edited_at,omitempty"`
	ReadAt         string `json:"read_at,omitempty"`
}

// HistoryResultMsg carries one conversation's messages, oldest first.
type HistoryResultMsg struct {
	Type     string       `json:"type"`
	Peer     string       `json:"peer"`
	Messages []MessageMsg `json:"messages"`
}

// UnreadCountsMsg pushes the per-peer unread counts and the grand total.
type UnreadCountsMsg struct {
	Type   string         `json:"type"`
	Counts map[string]int `json:"counts"`
	Total  int            `json:"total"`
}

// NotificationMsg announces one fresh inbound message.
type NotificationMsg struct {
	Type      string `json:"type"`
	MessageID string `json:"message_id"`
	From      string `json:"from"`
	FromName  string `json:"from_name"`
	Text      string `json:"text"`
	SentAt    int64  `json:"sent_at"`
}

// IncomingCallMsg announces a ringing inbound call with its offer.
type IncomingCallMsg struct {
	Type     string `json:"type"`
	From     string `json:"from"`
	FromName string `json:"from_name"`
	SDP      string `json:"sdp"`
	SDPKind  string `json:"sdp_kind"`
}

// CallAnswerMsg relays the callee's answer back to the caller.
type CallAnswerMsg struct {
	Type    string `json:"type"`
	From    string `json:"from"`
	SDP     string `json:"sdp"`
	SDPKind string `json:"sdp_kind"`
}

// CallDeclineMsg signals that the callee rejected the call.
type CallDeclineMsg struct {
	Type   string `json:"type"`
	From   string `json:"from"`
	Reason string `json:"reason,omitempty"`
}

// CallEndMsg signals that the peer hung up or the call timed out.
type CallEndMsg struct {
	Type   string `json:"type"`
	From   string `json:"from"`
	Reason string `json:"reason,omitempty"`
}

// ErrorMsg is sent by the server to communicate an error condition.
type ErrorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PongMsg is the server's response to a client ping.
type PongMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseClientMessage parses raw WebSocket bytes into a typed client message.
// It returns the message type string, the decoded struct, and any error
// encountered during parsing. An error is returned for unknown or
// server-only message types.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeAuth:
		var m AuthMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeSendMessage:
		var m SendMessageMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeEditMessage:
		var m EditMessageMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeDeleteMessage:
		var m DeleteMessageMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeOpenConversation:
		var m OpenConversationMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeCloseConversation:
		var m CloseConversationMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeHistory:
		var m HistoryMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePlaceCall:
		var m PlaceCallMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeAcceptCall:
		var m AcceptCallMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeDeclineCall:
		var m DeclineCallMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeEndCall:
		var m EndCallMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePing:
		var m PingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown client message type: %q", env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// NewServerMessage creates a JSON-encoded byte slice for a server message.
// The msgType is injected into the payload under the "type" key. The payload
// should be one of the Server*Msg structs; this function marshals it to JSON,
// injects the type field, and returns the final bytes.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	// Marshal the payload struct to a generic map so we can ensure the "type"
	// field is present and correct.
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}

	m["type"] = msgType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}
