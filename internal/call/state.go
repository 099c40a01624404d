// Package call implements one-to-one call signaling over the document store:
// placing, answering, declining and ending calls, with media set up through
// the rtc transport seam.
package call

import (
	"github.com/lumenchat/lumen/internal/docstore"
	"github.com/lumenchat/lumen/internal/rtc"
)

// CollectionCalls holds the transient signaling documents. Each document is
// keyed by its recipient's user id, so a newer signal to the same recipient
// overwrites the older one (last writer wins).
const CollectionCalls = "calls"

// Signal kinds carried in SessionDoc.Kind.
const (
	KindOffer   = "offer"
	KindAnswer  = "answer"
	KindDecline = "decline"
	KindEnd     = "end"
)

// Call statuses carried in SessionDoc.Status.
const (
	StatusRinging    = "ringing"
	StatusInProgress = "in-progress"
)

// End reasons carried in end documents.
const (
	reasonHangup  = "hangup"
	reasonTimeout = "timeout"
	reasonBusy    = "busy"
)

// SessionDoc is one signaling document. The document id in the store is the
// recipient's user id; the body names both parties so either side can route.
type SessionDoc struct {
	Kind     string `json:"kind"`
	SDP      string `json:"sdp,omitempty"`
	SDPKind  string `json:"sdp_kind,omitempty"`
	From     string `json:"from"`
	FromName string `json:"from_name,omitempty"`
	To       string `json:"to"`
	Status   string `json:"status,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// decodeSessionDoc unpacks a signaling document.
func decodeSessionDoc(doc docstore.Doc) (SessionDoc, error) {
	var sd SessionDoc
	err := doc.Decode(&sd)
	return sd, err
}

// description converts the carried SDP into an rtc description.
func (sd SessionDoc) description() rtc.SessionDescription {
	return rtc.SessionDescription{Kind: rtc.SDKind(sd.SDPKind), SDP: sd.SDP}
}

// State is the coordinator's call lifecycle position.
type State int

const (
	// Idle means no call activity.
	Idle State = iota

	// Calling means an outbound call is being set up (devices and offer).
	Calling

	// Ringing means the offer is published and the caller awaits an answer.
	Ringing

	// Incoming means a remote offer is ringing locally, awaiting a decision.
	Incoming

	// InProgress means media is connected.
	InProgress
)

// String renders the state for logs.
func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Calling:
		return "calling"
	case Ringing:
		return "ringing"
	case Incoming:
		return "incoming"
	case InProgress:
		return "in-progress"
	default:
		return "unknown"
	}
}

// EndReason explains why a call left the active states.
type EndReason string

const (
	// ReasonDeclined means the callee rejected the call.
	ReasonDeclined EndReason = "declined"

	// ReasonTimedOut means nobody answered within the ring timeout.
	ReasonTimedOut EndReason = "timed-out"

	// ReasonEnded means a party hung up or canceled.
	ReasonEnded EndReason = "ended"

	// ReasonFailed means media or signaling setup failed.
	ReasonFailed EndReason = "failed"
)

// IncomingCall describes a ringing inbound call.
type IncomingCall struct {
	CallerID   string
	CallerName string
}
