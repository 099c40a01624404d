package docstore

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"

	"github.com/nats-io/nats.go"
)

// NATSFeed broadcasts change events over NATS subjects <prefix>.<collection>,
// so every gateway instance sees writes made by its peers.
type NATSFeed struct {
	conn   *nats.Conn
	prefix string
}

// NewNATSFeed creates a feed publishing under the given subject prefix.
// Distinct stores sharing one NATS connection must use distinct prefixes.
func NewNATSFeed(conn *nats.Conn, prefix string) *NATSFeed {
	return &NATSFeed{conn: conn, prefix: prefix}
}

func (f *NATSFeed) subject(collection string) string {
	return f.prefix + "." + collection
}

// Publish sends a change event to all subscribers of the collection.
func (f *NATSFeed) Publish(collection string, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("docstore: marshal event: %w", err)
	}
	if err := f.conn.Publish(f.subject(collection), data); err != nil {
		return fmt.Errorf("docstore: publish %s: %w", f.subject(collection), err)
	}
	return nil
}

// Subscribe registers a handler for the collection's change events. NATS
// invokes handlers for one subscription sequentially, preserving source order.
func (f *NATSFeed) Subscribe(collection string, h func(Event)) (func(), error) {
	subject := f.subject(collection)
	sub, err := f.conn.Subscribe(subject, func(msg *nats.Msg) {
		var ev Event
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			log.Printf("[docstore] bad event on %s: %v", subject, err)
			return
		}
		h(ev)
	})
	if err != nil {
		return nil, fmt.Errorf("docstore: subscribe %s: %w", subject, err)
	}

	return func() {
		if err := sub.Unsubscribe(); err != nil {
			log.Printf("[docstore] unsubscribe %s: %v", subject, err)
		}
	}, nil
}

// LocalFeed is an in-process feed for tests and single-node deployments.
type LocalFeed struct {
	mu     sync.Mutex
	nextID int
	subs   map[string]map[int]func(Event) // collection -> subscriber id -> handler
}

// NewLocalFeed creates an empty in-process feed.
func NewLocalFeed() *LocalFeed {
	return &LocalFeed{subs: make(map[string]map[int]func(Event))}
}

// Publish delivers the event to every handler registered for the collection.
// Handlers run on the publisher's goroutine; Live buffers per subscription,
// so publishers never block on slow consumers.
func (f *LocalFeed) Publish(collection string, ev Event) error {
	f.mu.Lock()
	handlers := make([]func(Event), 0, len(f.subs[collection]))
	for _, h := range f.subs[collection] {
		handlers = append(handlers, h)
	}
	f.mu.Unlock()

	for _, h := range handlers {
		h(ev)
	}
	return nil
}

// Subscribe registers a handler for the collection.
func (f *LocalFeed) Subscribe(collection string, h func(Event)) (func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.nextID++
	id := f.nextID
	if f.subs[collection] == nil {
		f.subs[collection] = make(map[int]func(Event))
	}
	f.subs[collection][id] = h

	return func() {
		f.mu.Lock()
		delete(f.subs[collection], id)
		f.mu.Unlock()
	}, nil
}
