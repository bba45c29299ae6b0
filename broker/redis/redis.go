// Package redis provides a Redis Streams-based implementation of the
// broker.Broker interface for multi-instance deployments. Ordered delivery
// and resume-from-event-ID map directly onto stream entry IDs.
package redis

import (
	"context"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/contextd/mcp-engine/broker"
	"github.com/redis/go-redis/v9"
)

// Broker implements broker.Broker on Redis Streams. Each namespace is one
// stream; XADD assigns the monotonically increasing event IDs.
type Broker struct {
	client    redis.UniversalClient
	keyPrefix string
}

// Config contains configuration options for the Redis broker.
type Config struct {
	// Client is the Redis client to use. If nil, a default client connecting
	// to localhost:6379 is created.
	Client redis.UniversalClient
	// KeyPrefix is prepended to all Redis keys used by the broker.
	// Defaults to "mcp:broker:" if empty.
	KeyPrefix string
}

// New creates a Redis-backed broker.
func New(config Config) *Broker {
	client := config.Client
	if client == nil {
		client = redis.NewClient(&redis.Options{
			Addr: "localhost:6379",
		})
	}

	keyPrefix := config.KeyPrefix
	if keyPrefix == "" {
		keyPrefix = "mcp:broker:"
	}

	return &Broker{
		client:    client,
		keyPrefix: keyPrefix,
	}
}

// Close closes the Redis connection.
func (b *Broker) Close() error {
	return b.client.Close()
}

// Publish implements broker.Broker.
func (b *Broker) Publish(ctx context.Context, namespace string, payload []byte) (string, error) {
	streamKey := b.streamKey(namespace)

	eventID, err := b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: streamKey,
		Values: map[string]any{
			"data": payload,
		},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("failed to publish to stream %s: %w", streamKey, err)
	}

	return eventID, nil
}

// Subscribe implements broker.Broker.
func (b *Broker) Subscribe(ctx context.Context, namespace string, lastEventID string) (broker.EventStream, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	// "$" starts at the next published entry; an explicit ID resumes after it.
	startID := "$"
	if lastEventID != "" {
		startID = lastEventID
	}

	return &stream{
		client:    b.client,
		streamKey: b.streamKey(namespace),
		startID:   startID,
	}, nil
}

// Cleanup implements broker.Broker.
func (b *Broker) Cleanup(ctx context.Context, namespace string) error {
	streamKey := b.streamKey(namespace)

	err := b.client.Del(ctx, streamKey).Err()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("failed to cleanup namespace %s: %w", namespace, err)
	}

	return nil
}

func (b *Broker) streamKey(namespace string) string {
	return b.keyPrefix + "stream:" + namespace
}

// stream is a broker.EventStream reading one Redis stream without a consumer
// group so that every subscriber observes every event.
type stream struct {
	client    redis.UniversalClient
	streamKey string
	startID   string
	pending   []broker.Envelope
	closed    atomic.Bool
}

// Next implements broker.EventStream.
func (s *stream) Next(ctx context.Context) (broker.Envelope, error) {
	for {
		if s.closed.Load() {
			return broker.Envelope{}, io.EOF
		}

		if len(s.pending) > 0 {
			ev := s.pending[0]
			s.pending = s.pending[1:]
			s.startID = ev.ID
			return ev, nil
		}

		if ctx.Err() != nil {
			return broker.Envelope{}, ctx.Err()
		}

		streams, err := s.client.XRead(ctx, &redis.XReadArgs{
			Streams: []string{s.streamKey, s.startID},
			Count:   16,
			Block:   time.Second, // block briefly, then re-check context and close state
		}).Result()
		if err != nil {
			if err == redis.Nil {
				continue
			}
			if ctx.Err() != nil {
				return broker.Envelope{}, ctx.Err()
			}
			return broker.Envelope{}, fmt.Errorf("failed to read from stream %s: %w", s.streamKey, err)
		}

		for _, st := range streams {
			for _, msg := range st.Messages {
				data, ok := msg.Values["data"].(string)
				if !ok {
					// Skip malformed entry and continue from it.
					s.startID = msg.ID
					continue
				}
				s.pending = append(s.pending, broker.Envelope{
					ID:   msg.ID,
					Data: []byte(data),
				})
			}
		}
	}
}

// Close implements broker.EventStream.
func (s *stream) Close() error {
	s.closed.Store(true)
	return nil
}

// Compile-time interface checks
var (
	_ broker.Broker      = (*Broker)(nil)
	_ broker.EventStream = (*stream)(nil)
)
