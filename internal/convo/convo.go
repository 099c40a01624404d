// Package convo defines conversation identity and the message model shared
// by the chat, unread and gateway layers.
package convo

import "strings"

// Separator joins the two participant ids into a conversation id.
const Separator = "_"

// Document store collections shared across packages.
const (
	// CollectionMessages holds one document per chat message.
	CollectionMessages = "messages"

	// CollectionUsers holds one profile document per registered user.
	CollectionUsers = "users"
)

// ID derives the shared conversation id for an unordered pair of participant
// ids. Both sides compute the same id regardless of who initiates:
// ID(a, b) == ID(b, a).
func ID(a, b string) string {
	if a < b {
		return a + Separator + b
	}
	return b + Separator + a
}

// Peer returns the other participant of a conversation id. The second return
// is false when self is not a participant or the id is malformed.
func Peer(conversationID, self string) (string, bool) {
	lo, hi, ok := strings.Cut(conversationID, Separator)
	if !ok {
		return "", false
	}
	switch self {
	case lo:
		return hi, true
	case hi:
		return lo, true
	default:
		return "", false
	}
}
