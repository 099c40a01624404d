package call

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/lumenchat/lumen/internal/docstore"
	"github.com/lumenchat/lumen/internal/rtc"
)

// DefaultRingTimeout bounds how long an unanswered call rings on either side.
const DefaultRingTimeout = 30 * time.Second

// cleanupTimeout bounds best-effort signaling writes issued after teardown.
const cleanupTimeout = 5 * time.Second

var (
	// ErrBusy is returned when a call is placed while another is active.
	ErrBusy = errors.New("call: another call is active")

	// ErrNoIncoming is returned by Accept and Decline with nothing ringing.
	ErrNoIncoming = errors.New("call: no ringing incoming call")
)

// CoordinatorConfig wires a Coordinator's collaborators and callbacks.
// Callbacks are invoked outside the coordinator's lock, one at a time.
type CoordinatorConfig struct {
	Store     docstore.Store
	Transport rtc.Transport
	Devices   rtc.DeviceSource

	SelfID   string
	SelfName string

	// RingTimeout overrides DefaultRingTimeout when positive.
	RingTimeout time.Duration

	OnIncoming  func(IncomingCall)
	OnConnected func(peerID string)
	OnEnded     func(EndReason)
	OnTrack     func(rtc.Track)
}

// Coordinator runs the call state machine for one user. All transitions are
// serialized under one mutex; blocking setup work (device acquisition, offer
// and answer creation) runs outside the lock guarded by a call sequence
// number, so a concurrent hangup invalidates it instead of racing it.
type Coordinator struct {
	store     docstore.Store
	transport rtc.Transport
	devices   rtc.DeviceSource

	selfID      string
	selfName    string
	ringTimeout time.Duration

	onIncoming  func(IncomingCall)
	onConnected func(peerID string)
	onEnded     func(EndReason)
	onTrack     func(rtc.Track)

	mu        sync.Mutex
	state     State
	callSeq   uint64
	peerID    string
	peerName  string
	offer     *SessionDoc
	capture   rtc.Capture
	session   rtc.Session
	ringTimer *time.Timer
}

// NewCoordinator builds a coordinator from cfg. Call Observe to start
// receiving inbound signals.
func NewCoordinator(cfg CoordinatorConfig) *Coordinator {
	timeout := cfg.RingTimeout
	if timeout <= 0 {
		timeout = DefaultRingTimeout
	}
	return &Coordinator{
		store:       cfg.Store,
		transport:   cfg.Transport,
		devices:     cfg.Devices,
		selfID:      cfg.SelfID,
		selfName:    cfg.SelfName,
		ringTimeout: timeout,
		onIncoming:  cfg.OnIncoming,
		onConnected: cfg.OnConnected,
		onEnded:     cfg.OnEnded,
		onTrack:     cfg.OnTrack,
	}
}

// State returns the current lifecycle position.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Peer returns the other party of the active call, if any.
func (c *Coordinator) Peer() (id, name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peerID, c.peerName
}

// Observe subscribes to inbound signaling documents. The returned stop
// function cancels the subscription; it does not end an active call.
func (c *Coordinator) Observe(ctx context.Context) (stop func(), err error) {
	q := docstore.Query{Filters: []docstore.Filter{docstore.Where("to", c.selfID)}}
	return c.store.Subscribe(ctx, CollectionCalls, q, c.handleSnapshot)
}

// PlaceCall acquires local media, publishes an offer to peerID and starts
// ringing. It returns ErrBusy if a call is already active.
func (c *Coordinator) PlaceCall(ctx context.Context, peerID, peerName string) error {
	c.mu.Lock()
	if c.state != Idle {
		c.mu.Unlock()
		return ErrBusy
	}
	c.callSeq++
	seq := c.callSeq
	c.state = Calling
	c.peerID, c.peerName = peerID, peerName
	c.mu.Unlock()

	capture, session, sd, err := c.setupOutbound(ctx)
	if err != nil {
		c.failCall(seq, err)
		return err
	}

	c.mu.Lock()
	if c.callSeq != seq || c.state != Calling {
		// Torn down while we were setting up.
		c.mu.Unlock()
		session.Close()
		capture.Release()
		return nil
	}
	c.capture, c.session = capture, session
	c.mu.Unlock()

	_, err = c.store.Write(ctx, CollectionCalls, peerID, SessionDoc{
		Kind:     KindOffer,
		SDP:      sd.SDP,
		SDPKind:  string(sd.Kind),
		From:     c.selfID,
		FromName: c.selfName,
		To:       peerID,
		Status:   StatusRinging,
	})
	if err != nil {
		err = fmt.Errorf("call: publish offer: %w", err)
		c.failCall(seq, err)
		return err
	}

	c.mu.Lock()
	if c.callSeq != seq || c.state != Calling {
		c.mu.Unlock()
		c.removeDoc(peerID)
		return nil
	}
	c.state = Ringing
	c.ringTimer = time.AfterFunc(c.ringTimeout, func() { c.ringTimedOut(seq) })
	c.mu.Unlock()
	return nil
}

// Accept answers the ringing inbound call: acquires local media, installs the
// remote offer and publishes the answer.
func (c *Coordinator) Accept(ctx context.Context) error {
	c.mu.Lock()
	if c.state != Incoming || c.offer == nil {
		c.mu.Unlock()
		return ErrNoIncoming
	}
	seq := c.callSeq
	offer := *c.offer
	callerID := c.peerID
	c.mu.Unlock()

	capture, session, sd, err := c.setupInbound(ctx, offer)
	if err != nil {
		c.failCall(seq, err)
		c.sendSignal(callerID, SessionDoc{Kind: KindDecline, From: c.selfID, To: callerID})
		return err
	}

	_, err = c.store.Write(ctx, CollectionCalls, callerID, SessionDoc{
		Kind:     KindAnswer,
		SDP:      sd.SDP,
		SDPKind:  string(sd.Kind),
		From:     c.selfID,
		FromName: c.selfName,
		To:       callerID,
		Status:   StatusInProgress,
	})
	if err != nil {
		err = fmt.Errorf("call: publish answer: %w", err)
		c.failCall(seq, err)
		session.Close()
		capture.Release()
		return err
	}

	c.mu.Lock()
	if c.callSeq != seq || c.state != Incoming {
		c.mu.Unlock()
		session.Close()
		capture.Release()
		return nil
	}
	c.stopRingTimerLocked()
	c.capture, c.session = capture, session
	c.offer = nil
	c.state = InProgress
	peerID := c.peerID
	c.mu.Unlock()

	c.removeDoc(c.selfID)
	if c.onConnected != nil {
		c.onConnected(peerID)
	}
	return nil
}

// Decline rejects the ringing inbound call.
func (c *Coordinator) Decline(ctx context.Context) error {
	c.mu.Lock()
	if c.state != Incoming {
		c.mu.Unlock()
		return ErrNoIncoming
	}
	callerID := c.peerID
	events := c.teardownLocked(ReasonDeclined)
	c.mu.Unlock()
	emit(events)

	c.removeDoc(c.selfID)
	_, err := c.store.Write(ctx, CollectionCalls, callerID, SessionDoc{
		Kind: KindDecline,
		From: c.selfID,
		To:   callerID,
	})
	if err != nil {
		return fmt.Errorf("call: publish decline: %w", err)
	}
	return nil
}

// End hangs up the active call, whatever side it is on. Ending with no call
// active is a no-op.
func (c *Coordinator) End(ctx context.Context) error {
	c.mu.Lock()
	if c.state == Idle {
		c.mu.Unlock()
		return nil
	}
	prev := c.state
	peerID := c.peerID
	events := c.teardownLocked(ReasonEnded)
	c.mu.Unlock()
	emit(events)

	if prev == Incoming {
		c.removeDoc(c.selfID)
	}
	_, err := c.store.Write(ctx, CollectionCalls, peerID, SessionDoc{
		Kind:   KindEnd,
		From:   c.selfID,
		To:     peerID,
		Reason: reasonHangup,
	})
	if err != nil {
		return fmt.Errorf("call: publish hangup: %w", err)
	}
	return nil
}

// setupOutbound acquires devices, builds the session and creates the offer.
func (c *Coordinator) setupOutbound(ctx context.Context) (rtc.Capture, rtc.Session, rtc.SessionDescription, error) {
	capture, err := c.devices.Acquire(ctx)
	if err != nil {
		return nil, nil, rtc.SessionDescription{}, fmt.Errorf("call: acquire devices: %w", err)
	}
	session, err := c.transport.NewSession(ctx)
	if err != nil {
		capture.Release()
		return nil, nil, rtc.SessionDescription{}, fmt.Errorf("call: create session: %w", err)
	}
	if c.onTrack != nil {
		session.OnTrack(c.onTrack)
	}
	if err := session.AddLocalTracks(capture); err != nil {
		session.Close()
		capture.Release()
		return nil, nil, rtc.SessionDescription{}, fmt.Errorf("call: add local tracks: %w", err)
	}
	sd, err := session.CreateOffer(ctx)
	if err != nil {
		session.Close()
		capture.Release()
		return nil, nil, rtc.SessionDescription{}, fmt.Errorf("call: create offer: %w", err)
	}
	return capture, session, sd, nil
}

// setupInbound acquires devices, builds the session around the remote offer
// and creates the answer.
func (c *Coordinator) setupInbound(ctx context.Context, offer SessionDoc) (rtc.Capture, rtc.Session, rtc.SessionDescription, error) {
	capture, err := c.devices.Acquire(ctx)
	if err != nil {
		return nil, nil, rtc.SessionDescription{}, fmt.Errorf("call: acquire devices: %w", err)
	}
	session, err := c.transport.NewSession(ctx)
	if err != nil {
		capture.Release()
		return nil, nil, rtc.SessionDescription{}, fmt.Errorf("call: create session: %w", err)
	}
	if c.onTrack != nil {
		session.OnTrack(c.onTrack)
	}
	if err := session.SetRemoteDescription(offer.description()); err != nil {
		session.Close()
		capture.Release()
		return nil, nil, rtc.SessionDescription{}, fmt.Errorf("call: set remote offer: %w", err)
	}
	if err := session.AddLocalTracks(capture); err != nil {
		session.Close()
		capture.Release()
		return nil, nil, rtc.SessionDescription{}, fmt.Errorf("call: add local tracks: %w", err)
	}
	sd, err := session.CreateAnswer(ctx)
	if err != nil {
		session.Close()
		capture.Release()
		return nil, nil, rtc.SessionDescription{}, fmt.Errorf("call: create answer: %w", err)
	}
	return capture, session, sd, nil
}

// handleSnapshot routes inbound signaling changes into state transitions.
func (c *Coordinator) handleSnapshot(snap docstore.Snapshot) {
	for _, ch := range snap.Changes {
		sd, err := decodeSessionDoc(ch.Doc)
		if err != nil {
			log.Printf("[call] skipping undecodable signal %s: %v", ch.Doc.ID, err)
			continue
		}

		if ch.Kind == docstore.Removed {
			// A withdrawn offer means the caller canceled or timed out
			// while we were still ringing.
			if sd.Kind == KindOffer {
				c.offerWithdrawn(sd.From)
			}
			continue
		}

		switch sd.Kind {
		case KindOffer:
			c.handleOffer(sd)
		case KindAnswer:
			c.handleAnswer(sd)
		case KindDecline:
			if c.peerSignaled(sd.From, ReasonDeclined) {
				c.removeDoc(c.selfID)
			}
		case KindEnd:
			reason := ReasonEnded
			if sd.Reason == reasonTimeout {
				reason = ReasonTimedOut
			}
			if c.peerSignaled(sd.From, reason) {
				c.removeDoc(c.selfID)
			}
		default:
			log.Printf("[call] unknown signal kind %q from %s", sd.Kind, sd.From)
		}
	}
}

// handleOffer starts ringing for an inbound offer, or declines it busy when
// another call is active.
func (c *Coordinator) handleOffer(sd SessionDoc) {
	c.mu.Lock()
	if c.state != Idle {
		busy := sd.From != c.peerID
		c.mu.Unlock()
		if busy {
			c.sendSignal(sd.From, SessionDoc{
				Kind:   KindDecline,
				From:   c.selfID,
				To:     sd.From,
				Reason: reasonBusy,
			})
		}
		return
	}

	c.callSeq++
	seq := c.callSeq
	c.state = Incoming
	c.peerID, c.peerName = sd.From, sd.FromName
	offer := sd
	c.offer = &offer
	c.ringTimer = time.AfterFunc(c.ringTimeout, func() { c.ringTimedOut(seq) })
	incoming := IncomingCall{CallerID: sd.From, CallerName: sd.FromName}
	c.mu.Unlock()

	if c.onIncoming != nil {
		c.onIncoming(incoming)
	}
}

// handleAnswer connects media for an answered outbound call.
func (c *Coordinator) handleAnswer(sd SessionDoc) {
	c.mu.Lock()
	if c.state != Ringing || sd.From != c.peerID {
		c.mu.Unlock()
		return
	}
	if err := c.session.SetRemoteDescription(sd.description()); err != nil {
		log.Printf("[call] install remote answer from %s: %v", sd.From, err)
		peerID := c.peerID
		events := c.teardownLocked(ReasonFailed)
		c.mu.Unlock()
		emit(events)
		c.sendSignal(peerID, SessionDoc{Kind: KindEnd, From: c.selfID, To: peerID, Reason: reasonHangup})
		return
	}
	c.stopRingTimerLocked()
	c.state = InProgress
	peerID := c.peerID
	c.mu.Unlock()

	c.removeDoc(c.selfID)
	if c.onConnected != nil {
		c.onConnected(peerID)
	}
}

// peerSignaled tears down the call when the active peer declines or ends it.
// It reports whether the signal applied to an active call.
func (c *Coordinator) peerSignaled(from string, reason EndReason) bool {
	c.mu.Lock()
	if c.state == Idle || from != c.peerID {
		c.mu.Unlock()
		return false
	}
	events := c.teardownLocked(reason)
	c.mu.Unlock()
	emit(events)
	return true
}

// offerWithdrawn stops local ringing when the pending offer disappears.
func (c *Coordinator) offerWithdrawn(from string) {
	c.mu.Lock()
	if c.state != Incoming || from != c.peerID {
		c.mu.Unlock()
		return
	}
	events := c.teardownLocked(ReasonEnded)
	c.mu.Unlock()
	emit(events)
}

// ringTimedOut fires when nobody answered within the ring timeout. The
// sequence guard makes a late timer a no-op after the call progressed.
func (c *Coordinator) ringTimedOut(seq uint64) {
	c.mu.Lock()
	if c.callSeq != seq || (c.state != Ringing && c.state != Incoming) {
		c.mu.Unlock()
		return
	}
	outbound := c.state == Ringing
	peerID := c.peerID
	events := c.teardownLocked(ReasonTimedOut)
	c.mu.Unlock()
	emit(events)

	if outbound {
		// Withdraw the offer so the callee stops ringing and sees a
		// missed call.
		c.sendSignal(peerID, SessionDoc{Kind: KindEnd, From: c.selfID, To: peerID, Reason: reasonTimeout})
	} else {
		c.removeDoc(c.selfID)
	}
}

// failCall tears the call down after a local setup failure, unless the call
// has already moved on.
func (c *Coordinator) failCall(seq uint64, err error) {
	log.Printf("[call] setup failed: %v", err)
	c.mu.Lock()
	if c.callSeq != seq {
		c.mu.Unlock()
		return
	}
	events := c.teardownLocked(ReasonFailed)
	c.mu.Unlock()
	emit(events)
}

// teardownLocked releases every per-call resource and returns the callbacks
// to run once the lock is dropped. Every exit path funnels through here so
// capture devices can never leak.
func (c *Coordinator) teardownLocked(reason EndReason) []func() {
	c.stopRingTimerLocked()
	if c.session != nil {
		c.session.Close()
		c.session = nil
	}
	if c.capture != nil {
		c.capture.Release()
		c.capture = nil
	}
	c.offer = nil
	c.peerID, c.peerName = "", ""

	prev := c.state
	c.state = Idle
	c.callSeq++

	var events []func()
	if prev != Idle && c.onEnded != nil {
		fn := c.onEnded
		events = append(events, func() { fn(reason) })
	}
	return events
}

func (c *Coordinator) stopRingTimerLocked() {
	if c.ringTimer != nil {
		c.ringTimer.Stop()
		c.ringTimer = nil
	}
}

// sendSignal writes a signaling document best effort, detached from any
// caller context so cleanup survives cancellation.
func (c *Coordinator) sendSignal(recipientID string, sd SessionDoc) {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	if _, err := c.store.Write(ctx, CollectionCalls, recipientID, sd); err != nil {
		log.Printf("[call] send %s signal to %s: %v", sd.Kind, recipientID, err)
	}
}

// removeDoc deletes a consumed signaling document best effort.
func (c *Coordinator) removeDoc(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	if err := c.store.Delete(ctx, CollectionCalls, id); err != nil && !errors.Is(err, docstore.ErrNotFound) {
		log.Printf("[call] remove signal doc %s: %v", id, err)
	}
}

func emit(events []func()) {
	for _, fn := range events {
		fn()
	}
}
