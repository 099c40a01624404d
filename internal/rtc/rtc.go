// Package rtc defines the media-transport seam used by call signaling:
// session descriptions, media tracks, device capture and peer sessions.
// Implementations wrap whatever transport the deployment ships; the call
// package depends only on these interfaces.
package rtc

import "context"

// SDKind discriminates offer and answer descriptions.
type SDKind string

const (
	Offer  SDKind = "offer"
	Answer SDKind = "answer"
)

// SessionDescription is one side's transport parameters.
type SessionDescription struct {
	Kind SDKind `json:"kind"`
	SDP  string `json:"sdp"`
}

// Track is one media stream, audio or video.
type Track interface {
	// Kind reports the media kind, "audio" or "video".
	Kind() string
}

// Capture is an acquired set of local device tracks. Release returns the
// devices to the system; it is safe to call more than once.
type Capture interface {
	Tracks() []Track
	Release()
}

// DeviceSource acquires local capture devices.
type DeviceSource interface {
	Acquire(ctx context.Context) (Capture, error)
}

// Session is one peer-to-peer media session.
type Session interface {
	// AddLocalTracks attaches the captured local tracks for sending.
	AddLocalTracks(c Capture) error

	// CreateOffer produces the local offer description.
	CreateOffer(ctx context.Context) (SessionDescription, error)

	// CreateAnswer produces the local answer description. The remote offer
	// must have been set first.
	CreateAnswer(ctx context.Context) (SessionDescription, error)

	// SetRemoteDescription installs the peer's description.
	SetRemoteDescription(sd SessionDescription) error

	// OnTrack registers a callback for inbound remote tracks.
	OnTrack(fn func(Track))

	// Close tears the session down. Safe to call more than once.
	Close() error
}

// Transport creates media sessions.
type Transport interface {
	NewSession(ctx context.Context) (Session, error)
}
