package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/lumenchat/lumen/internal/call"
	"github.com/lumenchat/lumen/internal/chat"
	"github.com/lumenchat/lumen/internal/config"
	"github.com/lumenchat/lumen/internal/convo"
	"github.com/lumenchat/lumen/internal/docstore"
	"github.com/lumenchat/lumen/internal/docstore/pgstore"
	"github.com/lumenchat/lumen/internal/docstore/redisstore"
	"github.com/lumenchat/lumen/internal/identity"
	"github.com/lumenchat/lumen/internal/media"
	"github.com/lumenchat/lumen/internal/messaging"
	"github.com/lumenchat/lumen/internal/metrics"
	"github.com/lumenchat/lumen/internal/protocol"
	"github.com/lumenchat/lumen/internal/ratelimit"
	"github.com/lumenchat/lumen/internal/unread"
	"github.com/lumenchat/lumen/internal/ws"
)

// client is the per-connection state created when a connection authenticates:
// the bound user, their messenger, their unread tracker and the live
// subscriptions feeding this connection.
type client struct {
	user      identity.User
	messenger *chat.Messenger
	tracker   *unread.Tracker
	stops     []func()

	mu       sync.Mutex
	openPeer string
}

func (c *client) setOpenPeer(peer string) {
	c.mu.Lock()
	c.openPeer = peer
	c.mu.Unlock()
}

func (c *client) clearOpenPeer(peer string) {
	c.mu.Lock()
	if c.openPeer == peer {
		c.openPeer = ""
	}
	c.mu.Unlock()
}

func (c *client) openedPeer() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.openPeer
}

func (c *client) stopAll() {
	for _, stop := range c.stops {
		stop()
	}
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	// --- NATS ---
	natsConfig := messaging.DefaultNATSConfig()
	natsConfig.URL = cfg.NATSURL
	natsConfig.Name = "lumen-gateway"
	natsClient, err := messaging.NewNATSClient(natsConfig)
	if err != nil {
		log.Fatalf("failed to connect to NATS: %v", err)
	}

	// --- Postgres (durable documents: messages, users) ---
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	db, err := pgstore.Open(ctx, cfg.PostgresDSN)
	cancel()
	if err != nil {
		log.Fatalf("failed to connect to Postgres: %v", err)
	}
	if err := pgstore.Migrate(db); err != nil {
		log.Fatalf("failed to run migrations: %v", err)
	}

	// --- Redis (sessions, watermarks, transient call documents) ---
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB})
	ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
	err = rdb.Ping(ctx).Err()
	cancel()
	if err != nil {
		log.Fatalf("failed to connect to Redis: %v", err)
	}

	// --- Document stores ---
	docs := docstore.NewLive(pgstore.New(db), docstore.NewNATSFeed(natsClient.Conn(), "docs.durable"))
	calls := docstore.NewLive(
		redisstore.New(rdb, redisstore.WithTTL(call.CollectionCalls, cfg.CallDocTTL)),
		docstore.NewNATSFeed(natsClient.Conn(), "docs.transient"),
	)

	sessions := identity.NewSessions(rdb, cfg.SessionTTL)
	watermarks := unread.NewRedisWatermarks(rdb)
	limiter := ratelimit.NewLimiter(rdb)

	mediaStore, err := media.NewDirStore(cfg.MediaDir, strings.TrimRight(cfg.PublicURL, "/")+"/media")
	if err != nil {
		log.Fatalf("failed to open media dir: %v", err)
	}

	log.Printf("Lumen gateway starting")
	log.Printf("  listen_addr:  %s", cfg.ListenAddr)
	log.Printf("  public_url:   %s", cfg.PublicURL)
	log.Printf("  postgres:     %s", redactDSN(cfg.PostgresDSN))
	log.Printf("  redis_addr:   %s", cfg.RedisAddr)
	log.Printf("  nats_url:     %s", cfg.NATSURL)
	log.Printf("  media_dir:    %s", cfg.MediaDir)
	log.Printf("  session_ttl:  %s", cfg.SessionTTL)
	log.Printf("  ring_timeout: %s", cfg.RingTimeout)

	// Declare server early so closures can capture it.
	var server *ws.Server

	var clientsMu sync.Mutex
	clients := make(map[string]*client) // conn_id -> client

	clientFor := func(connID string) *client {
		clientsMu.Lock()
		defer clientsMu.Unlock()
		return clients[connID]
	}

	dropClient := func(connID string) {
		clientsMu.Lock()
		cl := clients[connID]
		delete(clients, connID)
		authed := len(clients)
		clientsMu.Unlock()

		if cl != nil {
			cl.stopAll()
		}
		metrics.AuthedUsers.Set(float64(authed))
		metrics.ConnectedClients.Set(float64(server.Connections().Count()))
	}

	dispatcher := ws.NewMessageDispatcher(nil)

	// relayCalls pushes inbound call signaling documents to one connection.
	// The browser runs the call state machine; the gateway only relays.
	relayCalls := func(connID string) docstore.Handler {
		return func(snap docstore.Snapshot) {
			for _, change := range snap.Changes {
				var sd call.SessionDoc
				if err := change.Doc.Decode(&sd); err != nil {
					log.Printf("[relay] undecodable call signal %s: %v", change.Doc.ID, err)
					continue
				}

				if change.Kind == docstore.Removed {
					// A withdrawn offer means the caller canceled or
					// timed out before an answer.
					if sd.Kind == call.KindOffer {
						resp, _ := protocol.NewServerMessage(protocol.TypeCallEnd, protocol.CallEndMsg{
							From:   sd.From,
							Reason: "timeout",
						})
						_ = server.SendMessage(connID, resp)
					}
					continue
				}

				switch sd.Kind {
				case call.KindOffer:
					resp, _ := protocol.NewServerMessage(protocol.TypeIncomingCall, protocol.IncomingCallMsg{
						From:     sd.From,
						FromName: sd.FromName,
						SDP:      sd.SDP,
						SDPKind:  sd.SDPKind,
					})
					_ = server.SendMessage(connID, resp)
				case call.KindAnswer:
					resp, _ := protocol.NewServerMessage(protocol.TypeCallAnswer, protocol.CallAnswerMsg{
						From:    sd.From,
						SDP:     sd.SDP,
						SDPKind: sd.SDPKind,
					})
					_ = server.SendMessage(connID, resp)
				case call.KindDecline:
					resp, _ := protocol.NewServerMessage(protocol.TypeCallDecline, protocol.CallDeclineMsg{
						From:   sd.From,
						Reason: sd.Reason,
					})
					_ = server.SendMessage(connID, resp)
				case call.KindEnd:
					resp, _ := protocol.NewServerMessage(protocol.TypeCallEnd, protocol.CallEndMsg{
						From:   sd.From,
						Reason: sd.Reason,
					})
					_ = server.SendMessage(connID, resp)
				}
			}
		}
	}

	// -----------------------------------------------------------------------
	// auth — bind the connection to a user and start its live feeds
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeAuth, func(conn *ws.Connection, msg interface{}) {
		authMsg, ok := msg.(protocol.AuthMsg)
		if !ok {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		user, err := sessions.Verify(ctx, authMsg.Token)
		cancel()
		if err != nil {
			if !errors.Is(err, identity.ErrInvalidToken) {
				log.Printf("[auth] verify token conn=%s: %v", conn.ID, err)
			}
			dispatcher.SendError(conn, "invalid_token", "invalid or expired token")
			return
		}

		if existing := clientFor(conn.ID); existing != nil {
			dispatcher.SendError(conn, "already_authed", "connection already authenticated")
			return
		}

		server.Connections().Bind(conn.ID, user.ID)

		cl := &client{
			user:      *user,
			messenger: chat.NewMessenger(docs, mediaStore, *user),
		}
		connID := conn.ID

		cl.tracker = unread.NewTracker(unread.TrackerConfig{
			Store:       docs,
			Watermarks:  watermarks,
			UserID:      user.ID,
			FreshWindow: cfg.FreshWindow,
			OnChange: func(counts map[string]int, total int) {
				resp, _ := protocol.NewServerMessage(protocol.TypeUnreadCounts, protocol.UnreadCountsMsg{
					Counts: counts,
					Total:  total,
				})
				_ = server.SendMessage(connID, resp)
			},
			Notify: func(n unread.Notification) {
				metrics.NotificationsTotal.Inc()
				resp, _ := protocol.NewServerMessage(protocol.TypeNotification, protocol.NotificationMsg{
					MessageID: n.MessageID,
					From:      n.SenderID,
					FromName:  n.SenderName,
					Text:      n.Text,
					SentAt:    n.SentAt.UnixMilli(),
				})
				_ = server.SendMessage(connID, resp)
			},
		})

		stopTracker, err := cl.tracker.Subscribe(context.Background())
		if err != nil {
			log.Printf("[auth] unread subscription for %s: %v", user.ID, err)
			dispatcher.SendError(conn, "subscribe_failed", "could not open live feeds")
			return
		}
		cl.stops = append(cl.stops, stopTracker)

		inboundQ := docstore.Query{Filters: []docstore.Filter{docstore.Where("receiver_id", user.ID)}}
		stopIn, err := docs.Subscribe(context.Background(), convo.CollectionMessages, inboundQ, relayMessages(server.SendMessage, connID, cl, false))
		if err == nil {
			cl.stops = append(cl.stops, stopIn)
			outboundQ := docstore.Query{Filters: []docstore.Filter{docstore.Where("sender_id", user.ID)}}
			var stopOut func()
			stopOut, err = docs.Subscribe(context.Background(), convo.CollectionMessages, outboundQ, relayMessages(server.SendMessage, connID, cl, true))
			if err == nil {
				cl.stops = append(cl.stops, stopOut)
			}
		}
		if err == nil {
			callQ := docstore.Query{Filters: []docstore.Filter{docstore.Where("to", user.ID)}}
			var stopCalls func()
			stopCalls, err = calls.Subscribe(context.Background(), call.CollectionCalls, callQ, relayCalls(connID))
			if err == nil {
				cl.stops = append(cl.stops, stopCalls)
			}
		}
		if err != nil {
			log.Printf("[auth] live subscriptions for %s: %v", user.ID, err)
			cl.stopAll()
			dispatcher.SendError(conn, "subscribe_failed", "could not open live feeds")
			return
		}

		clientsMu.Lock()
		clients[connID] = cl
		authed := len(clients)
		clientsMu.Unlock()
		metrics.AuthedUsers.Set(float64(authed))
		metrics.ConnectedClients.Set(float64(server.Connections().Count()))

		resp, _ := protocol.NewServerMessage(protocol.TypeAuthed, protocol.AuthedMsg{
			UserID:      user.ID,
			DisplayName: user.DisplayName,
		})
		if err := conn.WriteMessage(resp); err != nil {
			log.Printf("[auth] send authed to %s: %v", connID, err)
		}
		log.Printf("auth conn=%s user=%s", connID, user.ID)
	})

	// -----------------------------------------------------------------------
	// send_message — store a new message; delivery flows through live feeds
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeSendMessage, func(conn *ws.Connection, msg interface{}) {
		sendMsg, ok := msg.(protocol.SendMessageMsg)
		if !ok {
			return
		}
		cl := clientFor(conn.ID)
		if cl == nil {
			return
		}

		if allowed, _ := limiter.Allow(context.Background(), cl.user.ID, ratelimit.RuleMessage); !allowed {
			dispatcher.SendError(conn, "rate_limited", "sending messages too fast")
			return
		}

		var replyTo *convo.ReplyRef
		if sendMsg.ReplyTo != nil {
			replyTo = &convo.ReplyRef{
				MessageID:  sendMsg.ReplyTo.MessageID,
				SenderName: sendMsg.ReplyTo.SenderName,
				Text:       sendMsg.ReplyTo.Text,
			}
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_, err := cl.messenger.Post(ctx, sendMsg.To, sendMsg.Text, sendMsg.AttachmentURL, replyTo)
		cancel()
		if err != nil {
			log.Printf("send_message user=%s: %v", cl.user.ID, err)
			dispatcher.SendError(conn, "send_failed", err.Error())
			return
		}
		metrics.MessagesTotal.WithLabelValues("sent").Inc()
	})

	// -----------------------------------------------------------------------
	// edit_message / delete_message — sender-only mutations
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeEditMessage, func(conn *ws.Connection, msg interface{}) {
		editMsg, ok := msg.(protocol.EditMessageMsg)
		if !ok {
			return
		}
		cl := clientFor(conn.ID)
		if cl == nil {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := cl.messenger.Edit(ctx, editMsg.MessageID, editMsg.Text)
		cancel()
		if err != nil {
			dispatcher.SendError(conn, editErrorCode(err), err.Error())
			return
		}
		metrics.MessagesTotal.WithLabelValues("edited").Inc()
	})

	dispatcher.Register(protocol.TypeDeleteMessage, func(conn *ws.Connection, msg interface{}) {
		delMsg, ok := msg.(protocol.DeleteMessageMsg)
		if !ok {
			return
		}
		cl := clientFor(conn.ID)
		if cl == nil {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := cl.messenger.Delete(ctx, delMsg.MessageID)
		cancel()
		if err != nil {
			dispatcher.SendError(conn, editErrorCode(err), err.Error())
			return
		}
		metrics.MessagesTotal.WithLabelValues("deleted").Inc()
	})

	// -----------------------------------------------------------------------
	// open_conversation / close_conversation — unread bookkeeping
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeOpenConversation, func(conn *ws.Connection, msg interface{}) {
		openMsg, ok := msg.(protocol.OpenConversationMsg)
		if !ok {
			return
		}
		cl := clientFor(conn.ID)
		if cl == nil {
			return
		}
		cl.setOpenPeer(openMsg.Peer)
		cl.tracker.OpenConversation(openMsg.Peer)
		metrics.MessagesTotal.WithLabelValues("marked_read").Inc()
	})

	dispatcher.Register(protocol.TypeCloseConversation, func(conn *ws.Connection, msg interface{}) {
		closeMsg, ok := msg.(protocol.CloseConversationMsg)
		if !ok {
			return
		}
		if cl := clientFor(conn.ID); cl != nil {
			cl.clearOpenPeer(closeMsg.Peer)
		}
	})

	// -----------------------------------------------------------------------
	// history — one-shot conversation load
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeHistory, func(conn *ws.Connection, msg interface{}) {
		histMsg, ok := msg.(protocol.HistoryMsg)
		if !ok {
			return
		}
		cl := clientFor(conn.ID)
		if cl == nil {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		msgs, err := cl.messenger.History(ctx, histMsg.Peer)
		cancel()
		if err != nil {
			log.Printf("history user=%s peer=%s: %v", cl.user.ID, histMsg.Peer, err)
			dispatcher.SendError(conn, "history_failed", "could not load history")
			return
		}

		wire := make([]protocol.MessageMsg, 0, len(msgs))
		for _, m := range msgs {
			wire = append(wire, toWire(m))
		}
		resp, _ := protocol.NewServerMessage(protocol.TypeHistoryResult, protocol.HistoryResultMsg{
			Peer:     histMsg.Peer,
			Messages: wire,
		})
		_ = server.SendMessage(conn.ID, resp)
	})

	// -----------------------------------------------------------------------
	// call signaling — relay offers, answers, declines and hangups
	// -----------------------------------------------------------------------
	writeSignal := func(conn *ws.Connection, recipientID string, sd call.SessionDoc) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_, err := calls.Write(ctx, call.CollectionCalls, recipientID, sd)
		cancel()
		if err != nil {
			log.Printf("call signal %s -> %s: %v", sd.Kind, recipientID, err)
			dispatcher.SendError(conn, "signal_failed", "could not relay call signal")
			return
		}
		metrics.CallSignalsTotal.WithLabelValues(sd.Kind).Inc()
	}

	consumeInboxSignal := func(userID string) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := calls.Delete(ctx, call.CollectionCalls, userID); err != nil && !errors.Is(err, docstore.ErrNotFound) {
			log.Printf("consume call signal for %s: %v", userID, err)
		}
	}

	dispatcher.Register(protocol.TypePlaceCall, func(conn *ws.Connection, msg interface{}) {
		placeMsg, ok := msg.(protocol.PlaceCallMsg)
		if !ok {
			return
		}
		cl := clientFor(conn.ID)
		if cl == nil {
			return
		}
		if allowed, _ := limiter.Allow(context.Background(), cl.user.ID, ratelimit.RuleCall); !allowed {
			dispatcher.SendError(conn, "rate_limited", "placing calls too fast")
			return
		}
		writeSignal(conn, placeMsg.To, call.SessionDoc{
			Kind:     call.KindOffer,
			SDP:      placeMsg.SDP,
			SDPKind:  placeMsg.SDPKind,
			From:     cl.user.ID,
			FromName: cl.user.DisplayName,
			To:       placeMsg.To,
			Status:   call.StatusRinging,
		})
	})

	dispatcher.Register(protocol.TypeAcceptCall, func(conn *ws.Connection, msg interface{}) {
		acceptMsg, ok := msg.(protocol.AcceptCallMsg)
		if !ok {
			return
		}
		cl := clientFor(conn.ID)
		if cl == nil {
			return
		}
		writeSignal(conn, acceptMsg.To, call.SessionDoc{
			Kind:     call.KindAnswer,
			SDP:      acceptMsg.SDP,
			SDPKind:  acceptMsg.SDPKind,
			From:     cl.user.ID,
			FromName: cl.user.DisplayName,
			To:       acceptMsg.To,
			Status:   call.StatusInProgress,
		})
		consumeInboxSignal(cl.user.ID)
	})

	dispatcher.Register(protocol.TypeDeclineCall, func(conn *ws.Connection, msg interface{}) {
		declineMsg, ok := msg.(protocol.DeclineCallMsg)
		if !ok {
			return
		}
		cl := clientFor(conn.ID)
		if cl == nil {
			return
		}
		writeSignal(conn, declineMsg.To, call.SessionDoc{
			Kind: call.KindDecline,
			From: cl.user.ID,
			To:   declineMsg.To,
		})
		consumeInboxSignal(cl.user.ID)
	})

	dispatcher.Register(protocol.TypeEndCall, func(conn *ws.Connection, msg interface{}) {
		endMsg, ok := msg.(protocol.EndCallMsg)
		if !ok {
			return
		}
		cl := clientFor(conn.ID)
		if cl == nil {
			return
		}
		writeSignal(conn, endMsg.To, call.SessionDoc{
			Kind:   call.KindEnd,
			From:   cl.user.ID,
			To:     endMsg.To,
			Reason: "hangup",
		})
	})

	// --- WebSocket server ---
	wsConfig := ws.DefaultServerConfig()
	wsConfig.ListenAddr = cfg.ListenAddr
	wsConfig.MaxConnections = cfg.MaxConnections
	wsConfig.MaxMessageBytes = cfg.MaxMessageBytes
	wsConfig.WriteTimeout = cfg.WriteTimeout

	server = ws.NewServer(wsConfig, func(conn *ws.Connection, data []byte) {
		start := time.Now()
		dispatcher.Dispatch(conn, data)
		metrics.DispatchLatency.Observe(time.Since(start).Seconds())
	})
	dispatcher.SetServer(server)
	server.SetOnDisconnect(dropClient)

	server.Handle("/metrics", metrics.Handler())
	server.Handle("/media/", http.StripPrefix("/media", mediaStore.Handler()))
	server.Handle("/login", loginHandler(docs, sessions, limiter))

	// Janitor: withdraw ringing offers whose caller died before timing out.
	// The callee sees the removal and stops ringing.
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		grace := cfg.RingTimeout + 15*time.Second

		for range ticker.C {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			stale, err := calls.Get(ctx, call.CollectionCalls, docstore.Query{})
			if err != nil {
				cancel()
				log.Printf("[janitor] scan calls: %v", err)
				continue
			}
			for _, doc := range stale {
				var sd call.SessionDoc
				if err := doc.Decode(&sd); err != nil {
					continue
				}
				if sd.Kind != call.KindOffer || time.Since(doc.CreatedAt) < grace {
					continue
				}
				if err := calls.Delete(ctx, call.CollectionCalls, doc.ID); err != nil && !errors.Is(err, docstore.ErrNotFound) {
					log.Printf("[janitor] withdraw stale offer %s: %v", doc.ID, err)
				} else {
					log.Printf("[janitor] withdrew stale offer from %s to %s", sd.From, sd.To)
				}
			}
			cancel()
		}
	}()

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Printf("received signal %v, initiating graceful shutdown...", sig)
		if err := server.Shutdown(); err != nil {
			log.Printf("shutdown error: %v", err)
		}
		natsClient.Close()
		if err := rdb.Close(); err != nil {
			log.Printf("redis close error: %v", err)
		}
		if err := db.Close(); err != nil {
			log.Printf("postgres close error: %v", err)
		}
		os.Exit(0)
	}()

	if err := server.Start(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

// toWire converts a stored message into its wire representation.
func toWire(m convo.Message) protocol.MessageMsg {
	wire := protocol.MessageMsg{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		From:           m.SenderID,
		FromName:       m.SenderName,
		To:             m.ReceiverID,
		Text:           m.Text,
		AttachmentURL:  m.AttachmentURL,
		Read:           m.Read,
		ReadAt:         m.ReadAt,
		EditedAt:       m.EditedAt,
		SentAt:         m.CreatedAt.UnixMilli(),
	}
	if m.ReplyTo != nil {
		wire.ReplyTo = &protocol.ReplyRef{
			MessageID:  m.ReplyTo.MessageID,
			SenderName: m.ReplyTo.SenderName,
			Text:       m.ReplyTo.Text,
		}
	}
	return wire
}

// relayMessages pushes message document changes to one connection via send.
// The same handler serves a user's inbound (receiver side) and outbound
// (sender side) live queries. A self-addressed message matches both queries;
// the outbound feed sets echoFeed and skips it so it is delivered exactly
// once, by the inbound feed.
func relayMessages(send func(connID string, data []byte) error, connID string, cl *client, echoFeed bool) docstore.Handler {
	return func(snap docstore.Snapshot) {
		for _, change := range snap.Changes {
			m, err := convo.DecodeMessage(change.Doc)
			if err != nil {
				log.Printf("[relay] undecodable message %s: %v", change.Doc.ID, err)
				continue
			}
			if echoFeed && m.SenderID == m.ReceiverID {
				continue
			}

			switch change.Kind {
			case docstore.Added:
				resp, _ := protocol.NewServerMessage(protocol.TypeMessage, toWire(m))
				if err := send(connID, resp); err != nil {
					return
				}
				// A message arriving into the open conversation is
				// read on arrival.
				if m.ReceiverID == cl.user.ID && !m.Read && cl.openedPeer() == m.SenderID {
					cl.tracker.OpenConversation(m.SenderID)
				}

			case docstore.Modified:
				kind := protocol.UpdateRead
				if m.EditedAt != "" {
					kind = protocol.UpdateEdited
				}
				resp, _ := protocol.NewServerMessage(protocol.TypeMessageUpdate, protocol.MessageUpdateMsg{
					Kind:           kind,
					ID:             m.ID,
					ConversationID: m.ConversationID,
					Text:           m.Text,
					EditedAt:       m.EditedAt,
					ReadAt:         m.ReadAt,
				})
				_ = send(connID, resp)

			case docstore.Removed:
				resp, _ := protocol.NewServerMessage(protocol.TypeMessageUpdate, protocol.MessageUpdateMsg{
					Kind:           protocol.UpdateDeleted,
					ID:             m.ID,
					ConversationID: m.ConversationID,
				})
				_ = send(connID, resp)
			}
		}
	}
}

// editErrorCode maps messenger errors to wire error codes.
func editErrorCode(err error) string {
	switch {
	case errors.Is(err, chat.ErrNotSender):
		return "not_sender"
	case errors.Is(err, chat.ErrMessageNotFound):
		return "not_found"
	default:
		return "invalid_message"
	}
}

// profileConflict reports whether user.ID is already registered under a
// different display name. Reclaiming an id requires presenting the display
// name it was registered with.
func profileConflict(ctx context.Context, docs docstore.Store, user identity.User) (bool, error) {
	existing, err := docs.Get(ctx, convo.CollectionUsers, docstore.Query{
		Filters: []docstore.Filter{docstore.Where("id", user.ID)},
	})
	if err != nil {
		return false, err
	}
	if len(existing) == 0 {
		return false, nil
	}

	var prior identity.User
	if err := existing[0].Decode(&prior); err != nil {
		return false, err
	}
	return prior.DisplayName != user.DisplayName, nil
}

// loginHandler issues a session token, creating the user profile document on
// first login. Returning users pass their user_id to keep their identity;
// an id registered under a different display name cannot be claimed.
func loginHandler(docs docstore.Store, sessions *identity.Sessions, limiter *ratelimit.Limiter) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		addr := r.RemoteAddr
		if host, _, err := net.SplitHostPort(addr); err == nil {
			addr = host
		}
		if allowed, _ := limiter.Allow(r.Context(), addr, ratelimit.RuleLogin); !allowed {
			http.Error(w, "too many login attempts", http.StatusTooManyRequests)
			return
		}

		var req struct {
			UserID      string `json:"user_id"`
			DisplayName string `json:"display_name"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.DisplayName) == "" {
			http.Error(w, "display_name required", http.StatusBadRequest)
			return
		}

		user := identity.User{
			ID:          req.UserID,
			DisplayName: strings.TrimSpace(req.DisplayName),
		}
		if user.ID == "" {
			user.ID = uuid.New().String()
		}

		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		conflict, err := profileConflict(ctx, docs, user)
		if err != nil {
			log.Printf("[login] lookup profile %s: %v", user.ID, err)
			http.Error(w, "login failed", http.StatusInternalServerError)
			return
		}
		if conflict {
			http.Error(w, "user_id is already registered", http.StatusForbidden)
			return
		}

		if _, err := docs.Write(ctx, convo.CollectionUsers, user.ID, user); err != nil {
			log.Printf("[login] store profile %s: %v", user.ID, err)
			http.Error(w, "login failed", http.StatusInternalServerError)
			return
		}
		token, err := sessions.Register(ctx, user)
		if err != nil {
			log.Printf("[login] register session %s: %v", user.ID, err)
			http.Error(w, "login failed", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(struct {
			Token       string `json:"token"`
			UserID      string `json:"user_id"`
			DisplayName string `json:"display_name"`
		}{Token: token, UserID: user.ID, DisplayName: user.DisplayName})
	})
}

// redactDSN hides credentials when logging the Postgres DSN.
func redactDSN(dsn string) string {
	at := strings.LastIndex(dsn, "@")
	scheme := strings.Index(dsn, "://")
	if at == -1 || scheme == -1 || at < scheme {
		return dsn
	}
	return dsn[:scheme+3] + "***" + dsn[at:]
}
