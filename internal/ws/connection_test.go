package ws

import (
	"net"
	"testing"
	"time"
)

func newTestConn(id string) *Connection {
	client, server := net.Pipe()
	_ = client // held open by the test process
	return &Connection{ID: id, Conn: server, CreatedAt: time.Now()}
}

func TestManagerAddRemove(t *testing.T) {
	cm := NewConnectionManager()
	c := newTestConn("c1")

	cm.Add(c)
	if cm.Count() != 1 {
		t.Fatalf("expected 1 connection, got %d", cm.Count())
	}
	if cm.Get("c1") != c {
		t.Fatal("lookup by id failed")
	}

	if !cm.Remove("c1") {
		t.Fatal("remove should report the connection was present")
	}
	if cm.Remove("c1") {
		t.Fatal("second remove should report absent")
	}
	if cm.Count() != 0 {
		t.Fatalf("expected 0 connections, got %d", cm.Count())
	}
}

func TestManagerBindByUser(t *testing.T) {
	cm := NewConnectionManager()
	tab1 := newTestConn("c1")
	tab2 := newTestConn("c2")
	other := newTestConn("c3")
	cm.Add(tab1)
	cm.Add(tab2)
	cm.Add(other)

	// One user, two tabs.
	cm.Bind("c1", "alice")
	cm.Bind("c2", "alice")
	cm.Bind("c3", "bob")

	if got := len(cm.ByUser("alice")); got != 2 {
		t.Fatalf("expected 2 connections for alice, got %d", got)
	}
	if tab1.UserID() != "alice" {
		t.Fatalf("bind did not set user id: %q", tab1.UserID())
	}

	// Removing one tab leaves the other bound.
	cm.Remove("c1")
	if got := len(cm.ByUser("alice")); got != 1 {
		t.Fatalf("expected 1 connection for alice, got %d", got)
	}

	cm.Remove("c2")
	if got := len(cm.ByUser("alice")); got != 0 {
		t.Fatalf("expected no connections for alice, got %d", got)
	}
	if got := len(cm.ByUser("bob")); got != 1 {
		t.Fatalf("bob's binding disturbed, got %d", got)
	}
}

func TestManagerBindUnknownConn(t *testing.T) {
	cm := NewConnectionManager()
	cm.Bind("ghost", "alice")
	if got := len(cm.ByUser("alice")); got != 0 {
		t.Fatalf("binding a missing connection should be a no-op, got %d", got)
	}
}
