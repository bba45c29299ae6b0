// Package broker defines the notification fanout contract used to carry
// server-initiated notifications to session delivery streams. Implementations
// provide namespace isolation and ordered delivery within each namespace so
// that multiple engine instances can share one notification plane.
package broker

import (
	"context"
)

// Broker handles queuing and delivery of serialized notifications. Each
// session owns one namespace; resource-update and lifecycle notifications
// published to it are delivered in order to the session's stream.
type Broker interface {
	// Publish stores the payload under a generated event ID and delivers it
	// to active subscribers of the namespace. Returns the generated event ID.
	Publish(ctx context.Context, namespace string, payload []byte) (eventID string, err error)

	// Subscribe to namespace events, resuming from lastEventID if provided.
	// If lastEventID is empty, the stream starts at the next published event.
	// If lastEventID is provided, the stream resumes from the event after it.
	Subscribe(ctx context.Context, namespace string, lastEventID string) (EventStream, error)

	// Cleanup removes all state associated with a namespace, including stored
	// events and active subscriptions.
	Cleanup(ctx context.Context, namespace string) error
}

// EventStream provides ordered event consumption within a namespace.
// Streams are safe for use by a single consumer.
type EventStream interface {
	// Next blocks until the next event is available or the context is
	// cancelled. Returns io.EOF when the stream is closed and drained.
	Next(ctx context.Context) (Envelope, error)

	// Close releases resources associated with this stream.
	Close() error
}

// Envelope wraps a serialized notification with its delivery metadata.
type Envelope struct {
	// ID is unique and monotonically increasing within the namespace.
	ID string `json:"id"`
	// Data is the serialized notification payload.
	Data []byte `json:"data"`
}
