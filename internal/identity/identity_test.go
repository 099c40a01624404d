package identity

import (
	"sync"
	"testing"
)

func TestWatcherImmediateDelivery(t *testing.T) {
	w := NewWatcher()
	w.Set(User{ID: "a1", DisplayName: "Ada"})

	var got *User
	unsub := w.OnAuthStateChanged(func(u *User) { got = u })
	defer unsub()

	if got == nil || got.ID != "a1" {
		t.Fatalf("expected immediate delivery of current user, got %+v", got)
	}
}

func TestWatcherSignInSignOut(t *testing.T) {
	w := NewWatcher()

	var states []*User
	unsub := w.OnAuthStateChanged(func(u *User) { states = append(states, u) })
	defer unsub()

	w.Set(User{ID: "a1"})
	w.Clear()

	if len(states) != 3 {
		t.Fatalf("expected 3 deliveries, got %d", len(states))
	}
	if states[0] != nil {
		t.Error("initial state should be signed out")
	}
	if states[1] == nil || states[1].ID != "a1" {
		t.Errorf("second state should be a1, got %+v", states[1])
	}
	if states[2] != nil {
		t.Error("final state should be signed out")
	}
}

func TestWatcherUnsubscribe(t *testing.T) {
	w := NewWatcher()

	calls := 0
	unsub := w.OnAuthStateChanged(func(*User) { calls++ })
	unsub()

	w.Set(User{ID: "a1"})
	if calls != 1 {
		t.Fatalf("expected only the immediate delivery, got %d calls", calls)
	}
}

func TestWatcherConcurrentObservers(t *testing.T) {
	w := NewWatcher()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unsub := w.OnAuthStateChanged(func(*User) {})
			unsub()
		}()
	}
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.Set(User{ID: "x"})
		}()
	}
	wg.Wait()
}
