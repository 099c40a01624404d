package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/lumenchat/lumen/loadtest/client"
	"github.com/lumenchat/lumen/loadtest/stats"
)

// runChat implements the messaging load test. It logs in pairs of users,
// connects both sides, opens the conversation, and has each side send
// messages at a fixed rate for the test duration. Delivery latency is
// measured on the receiving side from the server-assigned sent_at timestamp,
// so it covers store write, fan-out and push.
func runChat(args []string) {
	fs := flag.NewFlagSet("chat", flag.ExitOnError)
	baseURL := fs.String("base-url", "http://localhost:8080", "Gateway HTTP base URL (login, metrics)")
	wsURL := fs.String("ws-url", "ws://localhost:8080/ws", "Gateway WebSocket URL")
	pairs := fs.Int("pairs", 100, "Number of conversation pairs")
	rate := fs.Duration("rate", 2*time.Second, "Interval between messages per sender")
	duration := fs.Duration("duration", 30*time.Second, "Test duration after all pairs are connected")
	fs.Parse(args)

	fmt.Printf("Chat test: %d pairs against %s (rate=%s, duration=%s)\n",
		*pairs, *wsURL, *rate, *duration)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector := stats.NewCollector()

	scraper := stats.NewScraper(*baseURL+"/metrics", 5*time.Second)
	scraper.Start(ctx)
	defer scraper.Stop()
	collector.SetScraper(scraper)

	// -----------------------------------------------------------------------
	// Connect phase
	// -----------------------------------------------------------------------
	fmt.Println("\n--- Connect phase ---")

	var mu sync.Mutex
	clients := make([]*client.Client, 0, *pairs*2)

	var wg sync.WaitGroup
	for i := 0; i < *pairs; i++ {
		wg.Add(1)
		go func(pair int) {
			defer wg.Done()

			a, b, err := connectPair(ctx, *baseURL, *wsURL, pair, collector)
			if err != nil {
				collector.AddError()
				return
			}

			mu.Lock()
			clients = append(clients, a, b)
			mu.Unlock()

			runConversation(ctx, a, b, *rate, *duration, collector)
		}(i)
	}

	wg.Wait()

	// -----------------------------------------------------------------------
	// Cleanup and report
	// -----------------------------------------------------------------------
	fmt.Println("\n--- Cleanup ---")
	mu.Lock()
	fmt.Printf("Closing %d connections...\n", len(clients))
	for _, c := range clients {
		c.Close()
	}
	mu.Unlock()

	collector.Report()
}

// connectPair logs in two users and connects both, recording their connect
// and auth latencies.
func connectPair(ctx context.Context, baseURL, wsURL string, pair int, collector *stats.Collector) (*client.Client, *client.Client, error) {
	connCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	var out [2]*client.Client
	for i := 0; i < 2; i++ {
		id, err := client.Login(connCtx, baseURL, fmt.Sprintf("pair%d-user%d", pair, i))
		if err != nil {
			return nil, nil, fmt.Errorf("login: %w", err)
		}
		c, err := client.New(connCtx, wsURL, id)
		if err != nil {
			return nil, nil, fmt.Errorf("connect: %w", err)
		}
		if err := c.WaitForAuth(connCtx); err != nil {
			c.Close()
			return nil, nil, fmt.Errorf("auth: %w", err)
		}
		m := c.GetMetrics()
		collector.AddConnect(m.ConnectLatency)
		collector.AddAuthLatency(m.AuthLatency)
		out[i] = c
	}
	return out[0], out[1], nil
}

// runConversation drives one pair: both sides open the conversation and send
// messages at the configured rate until the duration elapses or the context
// is cancelled.
func runConversation(ctx context.Context, a, b *client.Client, rate, duration time.Duration, collector *stats.Collector) {
	watchDeliveries(a, b.Identity().UserID, collector)
	watchDeliveries(b, a.Identity().UserID, collector)

	_ = a.Send(map[string]string{"type": client.TypeOpenConversation, "peer": b.Identity().UserID})
	_ = b.Send(map[string]string{"type": client.TypeOpenConversation, "peer": a.Identity().UserID})

	deadline := time.NewTimer(duration)
	defer deadline.Stop()
	ticker := time.NewTicker(rate)
	defer ticker.Stop()

	seq := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-deadline.C:
			return
		case <-ticker.C:
			seq++
			text := fmt.Sprintf("msg %d from %s", seq, a.Identity().DisplayName)
			if err := a.Send(map[string]string{
				"type": client.TypeSendMessage,
				"to":   b.Identity().UserID,
				"text": text,
			}); err != nil {
				collector.AddError()
				return
			}
			// Alternate senders so both directions are exercised.
			a, b = b, a
		}
	}
}

// watchDeliveries records the delivery latency of every inbound message from
// the given peer, computed against the server-assigned sent_at timestamp.
func watchDeliveries(c *client.Client, peerID string, collector *stats.Collector) {
	c.On(client.TypeMessage, func(raw json.RawMessage) {
		var msg struct {
			From   string `json:"from"`
			SentAt int64  `json:"sent_at"`
		}
		if err := json.Unmarshal(raw, &msg); err != nil || msg.From != peerID {
			return
		}
		latency := time.Since(time.UnixMilli(msg.SentAt))
		if latency > 0 {
			collector.AddMsgLatency(latency)
		}
	})
	c.On(client.TypeError, func(json.RawMessage) {
		collector.AddError()
	})
}
