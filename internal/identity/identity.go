// Package identity provides the authenticated-user surface: a watcher with
// auth-state-change semantics for embedded clients, and a Redis-backed
// session token store used by the gateway.
package identity

import "sync"

// User is the locally authenticated user shared by the unread tracker and
// the call coordinator.
type User struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
}

// Watcher tracks the current user and notifies observers on every change.
// A nil user means signed out.
type Watcher struct {
	mu      sync.Mutex
	current *User
	nextID  int
	subs    map[int]func(*User)
}

// NewWatcher creates a signed-out watcher.
func NewWatcher() *Watcher {
	return &Watcher{subs: make(map[int]func(*User))}
}

// OnAuthStateChanged registers an observer and immediately invokes it with
// the current state. The returned function unsubscribes.
func (w *Watcher) OnAuthStateChanged(fn func(*User)) func() {
	w.mu.Lock()
	w.nextID++
	id := w.nextID
	w.subs[id] = fn
	current := w.current
	w.mu.Unlock()

	fn(current)

	return func() {
		w.mu.Lock()
		delete(w.subs, id)
		w.mu.Unlock()
	}
}

// Current returns the signed-in user, or nil.
func (w *Watcher) Current() *User {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Set marks the user as signed in and notifies observers.
func (w *Watcher) Set(u User) {
	w.broadcast(&u)
}

// Clear marks the user as signed out and notifies observers.
func (w *Watcher) Clear() {
	w.broadcast(nil)
}

func (w *Watcher) broadcast(u *User) {
	w.mu.Lock()
	w.current = u
	fns := make([]func(*User), 0, len(w.subs))
	for _, fn := range w.subs {
		fns = append(fns, fn)
	}
	w.mu.Unlock()

	for _, fn := range fns {
		fn(u)
	}
}
