package sessions

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/contextd/mcp-engine/broker"
	"github.com/contextd/mcp-engine/mcp"
)

// Manager creates and tracks sessions and binds each one to a broker
// namespace for notification delivery.
type Manager struct {
	log        *slog.Logger
	broker     broker.Broker
	serverCaps mcp.ServerCapabilities

	mu       sync.RWMutex
	sessions map[string]*Session
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithLogger sets the logger used by the manager.
func WithLogger(log *slog.Logger) ManagerOption {
	return func(m *Manager) { m.log = log }
}

// NewManager creates a session manager publishing notifications through b.
func NewManager(b broker.Broker, serverCaps mcp.ServerCapabilities, opts ...ManagerOption) *Manager {
	m := &Manager{
		log:        slog.Default(),
		broker:     b,
		serverCaps: serverCaps,
		sessions:   make(map[string]*Session),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Create starts a new uninitialized session.
func (m *Manager) Create(ctx context.Context) (*Session, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	sess := NewSession(m.serverCaps)
	m.mu.Lock()
	m.sessions[sess.ID()] = sess
	m.mu.Unlock()
	m.log.InfoContext(ctx, "sessions.create", slog.String("session_id", sess.ID()))
	return sess, nil
}

// Get returns the session by ID, or nil when unknown.
func (m *Manager) Get(id string) *Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sessions[id]
}

// Count returns the number of tracked sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Notify publishes a serialized notification to the session's namespace.
func (m *Manager) Notify(ctx context.Context, sessionID string, payload []byte) error {
	if _, err := m.broker.Publish(ctx, sessionID, payload); err != nil {
		return fmt.Errorf("publish notification for session %s: %w", sessionID, err)
	}
	return nil
}

// Stream subscribes to the session's notification namespace, resuming from
// lastEventID when provided.
func (m *Manager) Stream(ctx context.Context, sessionID string, lastEventID string) (broker.EventStream, error) {
	return m.broker.Subscribe(ctx, sessionID, lastEventID)
}

// Close closes the session, cancels its in-flight calls and releases its
// broker namespace.
func (m *Manager) Close(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	sess, ok := m.sessions[sessionID]
	if ok {
		delete(m.sessions, sessionID)
	}
	m.mu.Unlock()
	if !ok {
		return nil
	}

	sess.Close()
	if err := m.broker.Cleanup(ctx, sessionID); err != nil {
		return fmt.Errorf("cleanup session %s: %w", sessionID, err)
	}
	m.log.InfoContext(ctx, "sessions.close", slog.String("session_id", sessionID))
	return nil
}

// CloseAll closes every tracked session. The first cleanup error is
// returned; remaining sessions are still closed.
func (m *Manager) CloseAll(ctx context.Context) error {
	m.mu.Lock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	var firstErr error
	for _, id := range ids {
		if err := m.Close(ctx, id); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
