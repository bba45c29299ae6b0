// Package memory provides an in-memory implementation of the broker.Broker
// interface using Go channels for delivery. It is suitable for single-node
// deployments and tests; state is local to the process.
package memory

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/contextd/mcp-engine/broker"
)

// Broker implements broker.Broker with in-process storage. It provides
// namespace isolation and ordered delivery within each namespace.
type Broker struct {
	mu           sync.RWMutex
	namespaces   map[string]*namespace
	eventCounter atomic.Int64
}

// namespace is an isolated event log with its subscribers.
type namespace struct {
	mu          sync.RWMutex
	events      []broker.Envelope
	subscribers map[*subscription]struct{}
	closed      bool
}

// subscription is an active subscription to a namespace.
type subscription struct {
	namespace   *namespace
	lastEventID string
	ch          chan broker.Envelope
	ctx         context.Context
	cancel      context.CancelFunc
	closed      atomic.Bool
}

// New creates a memory-backed broker.
func New() *Broker {
	return &Broker{
		namespaces: make(map[string]*namespace),
	}
}

// Publish implements broker.Broker.
func (b *Broker) Publish(ctx context.Context, namespaceName string, payload []byte) (string, error) {
	if ctx.Err() != nil {
		return "", ctx.Err()
	}

	eventID := strconv.FormatInt(b.eventCounter.Add(1), 10)
	envelope := broker.Envelope{
		ID:   eventID,
		Data: payload,
	}

	ns := b.namespace(namespaceName)

	ns.mu.Lock()
	defer ns.mu.Unlock()

	if ns.closed {
		return "", fmt.Errorf("namespace %q has been cleaned up", namespaceName)
	}

	ns.events = append(ns.events, envelope)

	for sub := range ns.subscribers {
		select {
		case sub.ch <- envelope:
		case <-sub.ctx.Done():
			delete(ns.subscribers, sub)
		default:
			// Channel full; the subscriber can resume from its last event ID.
		}
	}

	return eventID, nil
}

// Subscribe implements broker.Broker.
func (b *Broker) Subscribe(ctx context.Context, namespaceName string, lastEventID string) (broker.EventStream, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	ns := b.namespace(namespaceName)

	ns.mu.Lock()
	defer ns.mu.Unlock()

	if ns.closed {
		return nil, fmt.Errorf("namespace %q has been cleaned up", namespaceName)
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub := &subscription{
		namespace:   ns,
		lastEventID: lastEventID,
		ch:          make(chan broker.Envelope, 100), // buffer to avoid blocking publishers
		ctx:         subCtx,
		cancel:      cancel,
	}

	ns.subscribers[sub] = struct{}{}

	// Replay stored events when resuming from a specific event ID.
	if lastEventID != "" {
		startIdx := -1
		for i, ev := range ns.events {
			if ev.ID == lastEventID {
				startIdx = i + 1
				break
			}
		}

		if startIdx >= 0 {
			for i := startIdx; i < len(ns.events); i++ {
				select {
				case sub.ch <- ns.events[i]:
				case <-sub.ctx.Done():
					delete(ns.subscribers, sub)
					return nil, sub.ctx.Err()
				}
			}
		}
	}

	return sub, nil
}

// Cleanup implements broker.Broker.
func (b *Broker) Cleanup(ctx context.Context, namespaceName string) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	b.mu.Lock()
	ns, exists := b.namespaces[namespaceName]
	if !exists {
		b.mu.Unlock()
		return nil
	}
	delete(b.namespaces, namespaceName)
	b.mu.Unlock()

	ns.mu.Lock()
	defer ns.mu.Unlock()

	ns.closed = true

	for sub := range ns.subscribers {
		sub.cancel()
		close(sub.ch)
	}

	ns.subscribers = make(map[*subscription]struct{})
	ns.events = nil

	return nil
}

// namespace returns the named namespace, creating it if needed.
func (b *Broker) namespace(name string) *namespace {
	b.mu.Lock()
	defer b.mu.Unlock()
	ns, exists := b.namespaces[name]
	if !exists {
		ns = &namespace{
			events:      make([]broker.Envelope, 0),
			subscribers: make(map[*subscription]struct{}),
		}
		b.namespaces[name] = ns
	}
	return ns
}

// Next implements broker.EventStream.
func (s *subscription) Next(ctx context.Context) (broker.Envelope, error) {
	if s.closed.Load() {
		// Drain any events buffered before Close.
		select {
		case ev, ok := <-s.ch:
			if ok {
				s.lastEventID = ev.ID
				return ev, nil
			}
		default:
		}
		return broker.Envelope{}, io.EOF
	}

	select {
	case ev, ok := <-s.ch:
		if !ok {
			return broker.Envelope{}, io.EOF
		}
		s.lastEventID = ev.ID
		return ev, nil
	case <-ctx.Done():
		return broker.Envelope{}, ctx.Err()
	case <-s.ctx.Done():
		return broker.Envelope{}, s.ctx.Err()
	}
}

// Close implements broker.EventStream.
func (s *subscription) Close() error {
	if s.closed.CompareAndSwap(false, true) {
		s.namespace.mu.Lock()
		delete(s.namespace.subscribers, s)
		s.namespace.mu.Unlock()

		s.cancel()
	}
	return nil
}

// Compile-time interface checks
var (
	_ broker.Broker      = (*Broker)(nil)
	_ broker.EventStream = (*subscription)(nil)
)
