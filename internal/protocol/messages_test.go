package protocol

import (
	"encoding/json"
	"testing"
)

// ---------------------------------------------------------------------------
// Test: Parsing a valid send_message message
// ---------------------------------------------------------------------------

func TestParseClientMessage_SendMessage(t *testing.T) {
	input := []byte(`{"type":"send_message","to":"bob","text":"Hello!","reply_to":{"message_id":"m1","sender_name":"Bob","text":"original"}}`)

	msgType, msg, err := ParseClientMessage(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msgType != TypeSendMessage {
		t.Fatalf("expected type %q, got %q", TypeSendMessage, msgType)
	}

	sm, ok := msg.(SendMessageMsg)
	if !ok {
		t.Fatalf("expected SendMessageMsg, got %T", msg)
	}
	if sm.To != "bob" {
		t.Errorf("expected to %q, got %q", "bob", sm.To)
	}
	if sm.Text != "Hello!" {
		t.Errorf("expected text %q, got %q", "Hello!", sm.Text)
	}
	if sm.ReplyTo == nil || sm.ReplyTo.MessageID != "m1" {
		t.Errorf("reply reference lost: %+v", sm.ReplyTo)
	}
}

// ---------------------------------------------------------------------------
// Test: Parsing a valid place_call message
// ---------------------------------------------------------------------------

func TestParseClientMessage_PlaceCall(t *testing.T) {
	input := []byte(`{"type":"place_call","to":"bob","sdp":"v=0...","sdp_kind":"offer"}`)

	msgType, msg, err := ParseClientMessage(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msgType != TypePlaceCall {
		t.Fatalf("expected type %q, got %q", TypePlaceCall, msgType)
	}

	pc, ok := msg.(PlaceCallMsg)
	if !ok {
		t.Fatalf("expected PlaceCallMsg, got %T", msg)
	}
	if pc.To != "bob" || pc.SDPKind != "offer" {
		t.Errorf("unexpected payload %+v", pc)
	}
}

// ---------------------------------------------------------------------------
// Test: Creating an unread_counts server message
// ---------------------------------------------------------------------------

func TestNewServerMessage_UnreadCounts(t *testing.T) {
	payload := UnreadCountsMsg{
		Counts: map[string]int{"alice": 2, "carol": 1},
		Total:  3,
	}

	data, err := NewServerMessage(TypeUnreadCounts, payload)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var decoded map[string]interface{}
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("output is not valid JSON: %v", err)
	}
	if decoded["type"] != TypeUnreadCounts {
		t.Errorf("expected type %q, got %v", TypeUnreadCounts, decoded["type"])
	}
	if decoded["total"] != float64(3) {
		t.Errorf("expected total 3, got %v", decoded["total"])
	}
	counts, ok := decoded["counts"].(map[string]interface{})
	if !ok || counts["alice"] != float64(2) {
		t.Errorf("counts lost: %v", decoded["counts"])
	}
}

// ---------------------------------------------------------------------------
// Test: Type field is injected even when the payload omits it
// ---------------------------------------------------------------------------

func TestNewServerMessage_InjectsType(t *testing.T) {
	data, err := NewServerMessage(TypePong, PongMsg{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var decoded map[string]interface{}
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("output is not valid JSON: %v", err)
	}
	if decoded["type"] != TypePong {
		t.Errorf("expected type %q, got %v", TypePong, decoded["type"])
	}
}

// ---------------------------------------------------------------------------
// Test: Parsing an unknown message type returns an error
// ---------------------------------------------------------------------------

func TestParseClientMessage_UnknownType(t *testing.T) {
	input := []byte(`{"type":"unknown_type","data":"something"}`)

	msgType, msg, err := ParseClientMessage(input)
	if err == nil {
		t.Fatal("expected an error for unknown message type, got nil")
	}
	if msg != nil {
		t.Errorf("expected nil message for unknown type, got %v", msg)
	}
	if msgType != "unknown_type" {
		t.Errorf("expected returned type %q, got %q", "unknown_type", msgType)
	}
}

// ---------------------------------------------------------------------------
// Test: Server-only types are rejected as client messages
// ---------------------------------------------------------------------------

func TestParseClientMessage_ServerOnlyType(t *testing.T) {
	if _, _, err := ParseClientMessage([]byte(`{"type":"unread_counts"}`)); err == nil {
		t.Fatal("expected error for server-only type")
	}
	if _, _, err := ParseClientMessage([]byte(`{"type":"incoming_call"}`)); err == nil {
		t.Fatal("expected error for server-only type")
	}
}

// ---------------------------------------------------------------------------
// Test: Malformed envelopes are rejected
// ---------------------------------------------------------------------------

func TestParseClientMessage_Malformed(t *testing.T) {
	cases := []struct {
		name  string
		input string
	}{
		{"not json", `{{{`},
		{"missing type", `{"to":"bob"}`},
		{"empty type", `{"type":""}`},
		{"wrong payload shape", `{"type":"send_message","to":42}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, _, err := ParseClientMessage([]byte(tc.input)); err == nil {
				t.Fatal("expected parse error")
			}
		})
	}
}

// ---------------------------------------------------------------------------
// Test: Round-trip fidelity (marshal -> unmarshal)
// ---------------------------------------------------------------------------

func TestRoundTrip_IncomingCall(t *testing.T) {
	data, err := NewServerMessage(TypeIncomingCall, IncomingCallMsg{
		From:     "alice",
		FromName: "Alice",
		SDP:      "v=0...",
		SDPKind:  "offer",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var decoded IncomingCallMsg
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("failed to unmarshal: %v", err)
	}
	if decoded.Type != TypeIncomingCall {
		t.Errorf("expected type %q, got %q", TypeIncomingCall, decoded.Type)
	}
	if decoded.From != "alice" || decoded.SDPKind != "offer" {
		t.Errorf("payload corrupted: %+v", decoded)
	}
}
