// Package brokertest provides a conformance test suite that any
// broker.Broker implementation must pass.
package brokertest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/contextd/mcp-engine/broker"
)

// Factory creates a fresh broker instance for a test.
type Factory func(t *testing.T) broker.Broker

// Run runs the complete broker conformance suite against the factory.
func Run(t *testing.T, factory Factory) {
	t.Run("PublishAndSubscribe", func(t *testing.T) {
		testPublishAndSubscribe(t, factory)
	})
	t.Run("ResumeFromLastEventID", func(t *testing.T) {
		testResumeFromLastEventID(t, factory)
	})
	t.Run("MultipleSubscribers", func(t *testing.T) {
		testMultipleSubscribers(t, factory)
	})
	t.Run("NamespaceIsolation", func(t *testing.T) {
		testNamespaceIsolation(t, factory)
	})
	t.Run("NextHonorsContextCancellation", func(t *testing.T) {
		testNextHonorsContextCancellation(t, factory)
	})
	t.Run("OrderedDelivery", func(t *testing.T) {
		testOrderedDelivery(t, factory)
	})
	t.Run("Cleanup", func(t *testing.T) {
		testCleanup(t, factory)
	})
	t.Run("ResumeFromUnknownEventID", func(t *testing.T) {
		testResumeFromUnknownEventID(t, factory)
	})
}

func testPublishAndSubscribe(t *testing.T, factory Factory) {
	b := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	namespace := "ns-publish-subscribe"
	defer cleanup(t, b, namespace)

	stream, err := b.Subscribe(ctx, namespace, "")
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer stream.Close()

	// Give blocking-read implementations time to position at the stream head.
	time.Sleep(100 * time.Millisecond)

	payload := []byte(`{"jsonrpc":"2.0","method":"notifications/resources/updated","params":{"uri":"file:///a.txt"}}`)
	eventID, err := b.Publish(ctx, namespace, payload)
	if err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if eventID == "" {
		t.Fatal("expected non-empty event ID")
	}

	ev, err := stream.Next(ctx)
	if err != nil {
		t.Fatalf("Next failed: %v", err)
	}
	if ev.ID != eventID {
		t.Fatalf("expected event ID %s, got %s", eventID, ev.ID)
	}
	if string(ev.Data) != string(payload) {
		t.Fatalf("payload mismatch: got %s", ev.Data)
	}
}

func testResumeFromLastEventID(t *testing.T, factory Factory) {
	b := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	namespace := "ns-resume"
	defer cleanup(t, b, namespace)

	id1, err := b.Publish(ctx, namespace, []byte(`{"seq":1}`))
	if err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	id2, err := b.Publish(ctx, namespace, []byte(`{"seq":2}`))
	if err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	// Resuming from id1 must deliver id2 and nothing earlier.
	stream, err := b.Subscribe(ctx, namespace, id1)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer stream.Close()

	ev, err := stream.Next(ctx)
	if err != nil {
		t.Fatalf("Next failed: %v", err)
	}
	if ev.ID != id2 {
		t.Fatalf("expected event ID %s, got %s", id2, ev.ID)
	}
}

func testMultipleSubscribers(t *testing.T, factory Factory) {
	b := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	namespace := "ns-multi"
	defer cleanup(t, b, namespace)

	s1, err := b.Subscribe(ctx, namespace, "")
	if err != nil {
		t.Fatalf("Subscribe (1) failed: %v", err)
	}
	defer s1.Close()
	s2, err := b.Subscribe(ctx, namespace, "")
	if err != nil {
		t.Fatalf("Subscribe (2) failed: %v", err)
	}
	defer s2.Close()

	time.Sleep(100 * time.Millisecond)

	eventID, err := b.Publish(ctx, namespace, []byte(`{"fanout":true}`))
	if err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	for i, s := range []broker.EventStream{s1, s2} {
		ev, err := s.Next(ctx)
		if err != nil {
			t.Fatalf("Next on subscriber %d failed: %v", i+1, err)
		}
		if ev.ID != eventID {
			t.Fatalf("subscriber %d: expected event ID %s, got %s", i+1, eventID, ev.ID)
		}
	}
}

func testNamespaceIsolation(t *testing.T, factory Factory) {
	b := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	nsA := "ns-isolation-a"
	nsB := "ns-isolation-b"
	defer cleanup(t, b, nsA)
	defer cleanup(t, b, nsB)

	streamB, err := b.Subscribe(ctx, nsB, "")
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer streamB.Close()

	time.Sleep(100 * time.Millisecond)

	if _, err := b.Publish(ctx, nsA, []byte(`{"ns":"a"}`)); err != nil {
		t.Fatalf("Publish to namespace A failed: %v", err)
	}
	wantID, err := b.Publish(ctx, nsB, []byte(`{"ns":"b"}`))
	if err != nil {
		t.Fatalf("Publish to namespace B failed: %v", err)
	}

	ev, err := streamB.Next(ctx)
	if err != nil {
		t.Fatalf("Next failed: %v", err)
	}
	if ev.ID != wantID {
		t.Fatalf("expected only namespace B event %s, got %s", wantID, ev.ID)
	}
}

func testNextHonorsContextCancellation(t *testing.T, factory Factory) {
	b := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	namespace := "ns-cancel"
	defer cleanup(t, b, namespace)

	stream, err := b.Subscribe(ctx, namespace, "")
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer stream.Close()

	nextCtx, nextCancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() {
		_, err := stream.Next(nextCtx)
		done <- err
	}()

	nextCancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Next did not return after context cancellation")
	}
}

func testOrderedDelivery(t *testing.T, factory Factory) {
	b := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	namespace := "ns-ordered"
	defer cleanup(t, b, namespace)

	stream, err := b.Subscribe(ctx, namespace, "")
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer stream.Close()

	time.Sleep(100 * time.Millisecond)

	const count = 20
	ids := make([]string, 0, count)
	for i := 0; i < count; i++ {
		id, err := b.Publish(ctx, namespace, []byte(fmt.Sprintf(`{"seq":%d}`, i)))
		if err != nil {
			t.Fatalf("Publish %d failed: %v", i, err)
		}
		ids = append(ids, id)
	}

	for i := 0; i < count; i++ {
		ev, err := stream.Next(ctx)
		if err != nil {
			t.Fatalf("Next %d failed: %v", i, err)
		}
		if ev.ID != ids[i] {
			t.Fatalf("delivery out of order at %d: expected %s, got %s", i, ids[i], ev.ID)
		}
	}
}

func testCleanup(t *testing.T, factory Factory) {
	b := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	namespace := "ns-cleanup"

	if _, err := b.Publish(ctx, namespace, []byte(`{"n":1}`)); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	if err := b.Cleanup(ctx, namespace); err != nil {
		t.Fatalf("Cleanup failed: %v", err)
	}

	// Cleanup of an absent namespace is a no-op.
	if err := b.Cleanup(ctx, namespace); err != nil {
		t.Fatalf("repeated Cleanup failed: %v", err)
	}
}

func testResumeFromUnknownEventID(t *testing.T, factory Factory) {
	b := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	namespace := "ns-unknown-resume"
	defer cleanup(t, b, namespace)

	if _, err := b.Publish(ctx, namespace, []byte(`{"n":1}`)); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	// Resuming from an ID that never existed must not replay history; the
	// stream should only observe events published after the subscription.
	stream, err := b.Subscribe(ctx, namespace, "0-0")
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer stream.Close()

	shortCtx, shortCancel := context.WithTimeout(ctx, 300*time.Millisecond)
	defer shortCancel()

	ev, err := stream.Next(shortCtx)
	if err == nil {
		// Redis treats any ID as a valid position, so history after "0-0"
		// is legitimately replayed there. Accept either behavior but
		// require a well-formed envelope.
		if ev.ID == "" {
			t.Fatal("expected non-empty event ID on replay")
		}
		return
	}
	if !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, io.EOF) {
		t.Fatalf("unexpected error: %v", err)
	}
}

func cleanup(t *testing.T, b broker.Broker, namespace string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := b.Cleanup(ctx, namespace); err != nil {
		t.Logf("cleanup of %s failed: %v", namespace, err)
	}
}
