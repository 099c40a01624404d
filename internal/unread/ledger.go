// Package unread maintains per-conversation unread message counts for one
// user: a live projection of the store's unread set, reconciled against
// optimistic "conversation opened" actions, plus at-most-once new-message
// notifications.
package unread

import "sync"

// Ledger is the process-local unread bookkeeping: a count per peer and a
// grand total. The total always equals the sum of the per-peer counts, and
// no count ever goes negative. All mutations are atomic read-modify-write
// steps under one mutex, because the live-subscription handler and
// OpenConversation interleave.
type Ledger struct {
	mu     sync.Mutex
	counts map[string]int
	total  int
}

// NewLedger creates an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{counts: make(map[string]int)}
}

// Replace swaps in a freshly recomputed per-peer count set. Negative input
// counts are discarded.
func (l *Ledger) Replace(counts map[string]int) {
	next := make(map[string]int, len(counts))
	total := 0
	for peer, n := range counts {
		if n <= 0 {
			continue
		}
		next[peer] = n
		total += n
	}

	l.mu.Lock()
	l.counts = next
	l.total = total
	l.mu.Unlock()
}

// Clear zeroes the count for one peer and decrements the total by exactly
// the amount removed, clamped at zero. It returns the removed amount.
func (l *Ledger) Clear(peer string) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	removed := l.counts[peer]
	if removed == 0 {
		return 0
	}
	delete(l.counts, peer)
	l.total -= removed
	if l.total < 0 {
		l.total = 0
	}
	return removed
}

// Count returns the unread count for one peer.
func (l *Ledger) Count(peer string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.counts[peer]
}

// Total returns the grand total across all peers.
func (l *Ledger) Total() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.total
}

// Snapshot returns a copy of the per-peer counts and the grand total.
func (l *Ledger) Snapshot() (map[string]int, int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	counts := make(map[string]int, len(l.counts))
	for peer, n := range l.counts {
		counts[peer] = n
	}
	return counts, l.total
}
