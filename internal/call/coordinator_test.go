package call

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/lumenchat/lumen/internal/docstore"
	"github.com/lumenchat/lumen/internal/docstore/memstore"
	"github.com/lumenchat/lumen/internal/rtc"
)

type fakeTrack struct{ kind string }

func (t fakeTrack) Kind() string { return t.kind }

type fakeCapture struct {
	mu       sync.Mutex
	released int
}

func (c *fakeCapture) Tracks() []rtc.Track {
	return []rtc.Track{fakeTrack{"audio"}, fakeTrack{"video"}}
}

func (c *fakeCapture) Release() {
	c.mu.Lock()
	c.released++
	c.mu.Unlock()
}

func (c *fakeCapture) releaseCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.released
}

type fakeDevices struct {
	mu       sync.Mutex
	captures []*fakeCapture
	fail     error
}

func (d *fakeDevices) Acquire(context.Context) (rtc.Capture, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fail != nil {
		return nil, d.fail
	}
	c := &fakeCapture{}
	d.captures = append(d.captures, c)
	return c, nil
}

func (d *fakeDevices) allReleased() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, c := range d.captures {
		if c.releaseCount() == 0 {
			return false
		}
	}
	return true
}

type fakeSession struct {
	mu      sync.Mutex
	label   string
	remote  *rtc.SessionDescription
	closed  bool
	onTrack func(rtc.Track)
}

func (s *fakeSession) AddLocalTracks(rtc.Capture) error { return nil }

func (s *fakeSession) CreateOffer(context.Context) (rtc.SessionDescription, error) {
	return rtc.SessionDescription{Kind: rtc.Offer, SDP: "offer-" + s.label}, nil
}

func (s *fakeSession) CreateAnswer(context.Context) (rtc.SessionDescription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.remote == nil {
		return rtc.SessionDescription{}, errors.New("no remote offer")
	}
	return rtc.SessionDescription{Kind: rtc.Answer, SDP: "answer-" + s.label}, nil
}

func (s *fakeSession) SetRemoteDescription(sd rtc.SessionDescription) error {
	s.mu.Lock()
	s.remote = &sd
	s.mu.Unlock()
	return nil
}

func (s *fakeSession) OnTrack(fn func(rtc.Track)) {
	s.mu.Lock()
	s.onTrack = fn
	s.mu.Unlock()
}

func (s *fakeSession) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

type fakeTransport struct {
	mu       sync.Mutex
	label    string
	sessions []*fakeSession
}

func (t *fakeTransport) NewSession(context.Context) (rtc.Session, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := &fakeSession{label: t.label}
	t.sessions = append(t.sessions, s)
	return s, nil
}

// endpoint bundles one user's coordinator with its fakes and event channels.
type endpoint struct {
	co        *Coordinator
	devices   *fakeDevices
	transport *fakeTransport
	incoming  chan IncomingCall
	connected chan string
	ended     chan EndReason
}

func newEndpoint(t *testing.T, store docstore.Store, id, name string, ringTimeout time.Duration) *endpoint {
	t.Helper()
	ep := &endpoint{
		devices:   &fakeDevices{},
		transport: &fakeTransport{label: id},
		incoming:  make(chan IncomingCall, 4),
		connected: make(chan string, 4),
		ended:     make(chan EndReason, 4),
	}
	ep.co = NewCoordinator(CoordinatorConfig{
		Store:       store,
		Transport:   ep.transport,
		Devices:     ep.devices,
		SelfID:      id,
		SelfName:    name,
		RingTimeout: ringTimeout,
		OnIncoming:  func(c IncomingCall) { ep.incoming <- c },
		OnConnected: func(peer string) { ep.connected <- peer },
		OnEnded:     func(r EndReason) { ep.ended <- r },
	})
	stop, err := ep.co.Observe(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(stop)
	return ep
}

func waitState(t *testing.T, co *Coordinator, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if co.State() == want {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("state never reached %v, stuck at %v", want, co.State())
}

func recvIncoming(t *testing.T, ep *endpoint) IncomingCall {
	t.Helper()
	select {
	case c := <-ep.incoming:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("no incoming call delivered")
		return IncomingCall{}
	}
}

func recvEnded(t *testing.T, ep *endpoint) EndReason {
	t.Helper()
	select {
	case r := <-ep.ended:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("no end event delivered")
		return ""
	}
}

func TestCallAcceptFlow(t *testing.T) {
	store := memstore.NewStore()
	alice := newEndpoint(t, store, "alice", "Alice", time.Second)
	bob := newEndpoint(t, store, "bob", "Bob", time.Second)

	if err := alice.co.PlaceCall(context.Background(), "bob", "Bob"); err != nil {
		t.Fatal(err)
	}
	if got := alice.co.State(); got != Ringing {
		t.Fatalf("caller should be ringing, got %v", got)
	}

	inc := recvIncoming(t, bob)
	if inc.CallerID != "alice" || inc.CallerName != "Alice" {
		t.Fatalf("unexpected incoming call %+v", inc)
	}
	waitState(t, bob.co, Incoming)

	if err := bob.co.Accept(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitState(t, alice.co, InProgress)
	waitState(t, bob.co, InProgress)

	select {
	case peer := <-alice.connected:
		if peer != "bob" {
			t.Fatalf("caller connected to %q", peer)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("caller never connected")
	}

	// The answer must carry back into the caller's session.
	alice.transport.mu.Lock()
	session := alice.transport.sessions[0]
	alice.transport.mu.Unlock()
	session.mu.Lock()
	remote := session.remote
	session.mu.Unlock()
	if remote == nil || remote.SDP != "answer-bob" {
		t.Fatalf("caller session missing remote answer: %+v", remote)
	}

	if err := alice.co.End(context.Background()); err != nil {
		t.Fatal(err)
	}
	if r := recvEnded(t, bob); r != ReasonEnded {
		t.Fatalf("callee end reason %v", r)
	}
	waitState(t, alice.co, Idle)
	waitState(t, bob.co, Idle)

	if !alice.devices.allReleased() || !bob.devices.allReleased() {
		t.Fatal("capture devices leaked after hangup")
	}
}

func TestCallDecline(t *testing.T) {
	store := memstore.NewStore()
	alice := newEndpoint(t, store, "alice", "Alice", time.Second)
	bob := newEndpoint(t, store, "bob", "Bob", time.Second)

	if err := alice.co.PlaceCall(context.Background(), "bob", "Bob"); err != nil {
		t.Fatal(err)
	}
	recvIncoming(t, bob)

	if err := bob.co.Decline(context.Background()); err != nil {
		t.Fatal(err)
	}
	if r := recvEnded(t, bob); r != ReasonDeclined {
		t.Fatalf("callee end reason %v", r)
	}
	if r := recvEnded(t, alice); r != ReasonDeclined {
		t.Fatalf("caller end reason %v", r)
	}
	waitState(t, alice.co, Idle)

	if !alice.devices.allReleased() {
		t.Fatal("caller capture leaked after decline")
	}
}

func TestCallRingTimeout(t *testing.T) {
	store := memstore.NewStore()
	alice := newEndpoint(t, store, "alice", "Alice", 50*time.Millisecond)
	bob := newEndpoint(t, store, "bob", "Bob", time.Second)

	if err := alice.co.PlaceCall(context.Background(), "bob", "Bob"); err != nil {
		t.Fatal(err)
	}
	recvIncoming(t, bob)

	if r := recvEnded(t, alice); r != ReasonTimedOut {
		t.Fatalf("caller end reason %v", r)
	}
	if r := recvEnded(t, bob); r != ReasonTimedOut {
		t.Fatalf("callee end reason %v", r)
	}
	waitState(t, alice.co, Idle)
	waitState(t, bob.co, Idle)

	if !alice.devices.allReleased() {
		t.Fatal("caller capture leaked after timeout")
	}
}

func TestCallTimeoutAfterAnswerIsNoop(t *testing.T) {
	store := memstore.NewStore()
	alice := newEndpoint(t, store, "alice", "Alice", 100*time.Millisecond)
	bob := newEndpoint(t, store, "bob", "Bob", time.Second)

	if err := alice.co.PlaceCall(context.Background(), "bob", "Bob"); err != nil {
		t.Fatal(err)
	}
	recvIncoming(t, bob)
	if err := bob.co.Accept(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitState(t, alice.co, InProgress)

	// Outlive the ring timeout: an answered call must not be torn down by
	// the stale timer.
	time.Sleep(200 * time.Millisecond)
	if got := alice.co.State(); got != InProgress {
		t.Fatalf("stale ring timer ended the call: %v", got)
	}
	select {
	case r := <-alice.ended:
		t.Fatalf("unexpected end event %v", r)
	default:
	}
}

func TestCallBusyDecline(t *testing.T) {
	store := memstore.NewStore()
	alice := newEndpoint(t, store, "alice", "Alice", time.Second)
	bob := newEndpoint(t, store, "bob", "Bob", time.Second)
	carol := newEndpoint(t, store, "carol", "Carol", time.Second)

	if err := alice.co.PlaceCall(context.Background(), "bob", "Bob"); err != nil {
		t.Fatal(err)
	}
	recvIncoming(t, bob)
	if err := bob.co.Accept(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitState(t, alice.co, InProgress)

	if err := carol.co.PlaceCall(context.Background(), "alice", "Alice"); err != nil {
		t.Fatal(err)
	}
	if r := recvEnded(t, carol); r != ReasonDeclined {
		t.Fatalf("busy caller end reason %v", r)
	}

	// The established call is untouched.
	if got := alice.co.State(); got != InProgress {
		t.Fatalf("busy offer disturbed active call: %v", got)
	}
}

func TestPlaceCallWhileBusy(t *testing.T) {
	store := memstore.NewStore()
	alice := newEndpoint(t, store, "alice", "Alice", time.Second)
	newEndpoint(t, store, "bob", "Bob", time.Second)

	if err := alice.co.PlaceCall(context.Background(), "bob", "Bob"); err != nil {
		t.Fatal(err)
	}
	if err := alice.co.PlaceCall(context.Background(), "carol", "Carol"); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy, got %v", err)
	}
}

func TestAcceptWithoutIncoming(t *testing.T) {
	store := memstore.NewStore()
	alice := newEndpoint(t, store, "alice", "Alice", time.Second)

	if err := alice.co.Accept(context.Background()); !errors.Is(err, ErrNoIncoming) {
		t.Fatalf("expected ErrNoIncoming, got %v", err)
	}
	if err := alice.co.Decline(context.Background()); !errors.Is(err, ErrNoIncoming) {
		t.Fatalf("expected ErrNoIncoming, got %v", err)
	}
}

func TestPlaceCallDeviceFailure(t *testing.T) {
	store := memstore.NewStore()
	alice := newEndpoint(t, store, "alice", "Alice", time.Second)
	alice.devices.fail = errors.New("camera in use")

	err := alice.co.PlaceCall(context.Background(), "bob", "Bob")
	if err == nil {
		t.Fatal("expected setup failure")
	}
	if r := recvEnded(t, alice); r != ReasonFailed {
		t.Fatalf("end reason %v", r)
	}
	waitState(t, alice.co, Idle)
}

func TestEndIsIdempotent(t *testing.T) {
	store := memstore.NewStore()
	alice := newEndpoint(t, store, "alice", "Alice", time.Second)

	if err := alice.co.End(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := alice.co.End(context.Background()); err != nil {
		t.Fatal(err)
	}
}
