package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/lumenchat/lumen/loadtest/client"
	"github.com/lumenchat/lumen/loadtest/stats"
)

// runCalls implements the call signaling load test. Each pair completes one
// full signaling round: the caller places a call, the callee answers the
// ringing offer, and the caller hangs up once the answer arrives. The
// measured latency is offer-sent to answer-received on the caller side, which
// covers two store writes and two live-query pushes.
func runCalls(args []string) {
	fs := flag.NewFlagSet("calls", flag.ExitOnError)
	baseURL := fs.String("base-url", "http://localhost:8080", "Gateway HTTP base URL (login, metrics)")
	wsURL := fs.String("ws-url", "ws://localhost:8080/ws", "Gateway WebSocket URL")
	pairs := fs.Int("pairs", 100, "Number of caller/callee pairs")
	rounds := fs.Int("rounds", 5, "Signaling rounds per pair")
	timeout := fs.Duration("timeout", 10*time.Second, "Timeout per signaling round")
	fs.Parse(args)

	fmt.Printf("Calls test: %d pairs x %d rounds against %s\n", *pairs, *rounds, *wsURL)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector := stats.NewCollector()

	scraper := stats.NewScraper(*baseURL+"/metrics", 5*time.Second)
	scraper.Start(ctx)
	defer scraper.Stop()
	collector.SetScraper(scraper)

	var completed atomic.Int64

	var mu sync.Mutex
	clients := make([]*client.Client, 0, *pairs*2)

	var wg sync.WaitGroup
	for i := 0; i < *pairs; i++ {
		wg.Add(1)
		go func(pair int) {
			defer wg.Done()

			caller, callee, err := connectPair(ctx, *baseURL, *wsURL, pair, collector)
			if err != nil {
				collector.AddError()
				return
			}

			mu.Lock()
			clients = append(clients, caller, callee)
			mu.Unlock()

			// The callee answers every ringing offer immediately.
			calleeID := callee.Identity()
			callee.On(client.TypeIncomingCall, func(raw json.RawMessage) {
				var offer struct {
					From string `json:"from"`
				}
				if err := json.Unmarshal(raw, &offer); err != nil {
					return
				}
				_ = callee.Send(map[string]string{
					"type":     client.TypeAcceptCall,
					"to":       offer.From,
					"sdp":      "answer-" + calleeID.UserID,
					"sdp_kind": "answer",
				})
			})

			answers := make(chan struct{}, 1)
			caller.On(client.TypeCallAnswer, func(json.RawMessage) {
				select {
				case answers <- struct{}{}:
				default:
				}
			})

			for r := 0; r < *rounds; r++ {
				if err := signalOnce(ctx, caller, calleeID.UserID, answers, *timeout, collector); err != nil {
					collector.AddError()
					return
				}
				completed.Add(1)
			}
		}(i)
	}

	wg.Wait()

	fmt.Println("\n--- Cleanup ---")
	mu.Lock()
	fmt.Printf("Closing %d connections...\n", len(clients))
	for _, c := range clients {
		c.Close()
	}
	mu.Unlock()

	fmt.Printf("\nSignaling rounds completed: %d/%d\n", completed.Load(), int64(*pairs**rounds))
	collector.Report()
}

// signalOnce runs one offer/answer/end round and records its latency.
func signalOnce(ctx context.Context, caller *client.Client, calleeID string, answers <-chan struct{}, timeout time.Duration, collector *stats.Collector) error {
	start := time.Now()
	if err := caller.Send(map[string]string{
		"type":     client.TypePlaceCall,
		"to":       calleeID,
		"sdp":      "offer-" + caller.Identity().UserID,
		"sdp_kind": "offer",
	}); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(timeout):
		return fmt.Errorf("no answer within %s", timeout)
	case <-answers:
		collector.AddMsgLatency(time.Since(start))
	}

	return caller.Send(map[string]string{
		"type": client.TypeEndCall,
		"to":   calleeID,
	})
}
