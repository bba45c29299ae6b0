package sessions

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/contextd/mcp-engine/internal/jsonrpc"
	"github.com/contextd/mcp-engine/mcp"
	"github.com/google/uuid"
)

var (
	// ErrNotInitialized is returned when a request other than initialize
	// arrives before the handshake completes.
	ErrNotInitialized = errors.New("sessions: session not initialized")
	// ErrAlreadyInitialized is returned for a second initialize request.
	ErrAlreadyInitialized = errors.New("sessions: session already initialized")
	// ErrShuttingDown is returned for new requests during shutdown.
	ErrShuttingDown = errors.New("sessions: session shutting down")
	// ErrClosed is returned once the session reached its terminal phase.
	ErrClosed = errors.New("sessions: session closed")
	// ErrDuplicateRequestID is returned when a request ID was already used
	// during the session lifetime.
	ErrDuplicateRequestID = errors.New("sessions: duplicate request id")
	// ErrMethodNotSupported is returned when the negotiated capability set
	// does not cover the requested method family.
	ErrMethodNotSupported = errors.New("sessions: method not covered by negotiated capabilities")
	// ErrPhaseRegression is returned on an attempt to move a session to an
	// earlier phase.
	ErrPhaseRegression = errors.New("sessions: phase may only advance")
)

// Session tracks one bidirectional connection: its lifecycle phase, the
// negotiated protocol version and capabilities, the request IDs it has seen,
// and its in-flight calls. All methods are safe for concurrent use.
type Session struct {
	id        string
	createdAt time.Time

	mu              sync.Mutex
	phase           Phase
	protocolVersion string
	clientInfo      mcp.ImplementationInfo
	clientCaps      mcp.ClientCapabilities
	serverCaps      mcp.ServerCapabilities
	seenIDs         map[string]struct{}
	inflight        map[string]context.CancelFunc
	idle            chan struct{} // closed while inflight is empty
}

// NewSession creates a session in PhaseUninitialized advertising serverCaps.
func NewSession(serverCaps mcp.ServerCapabilities) *Session {
	idle := make(chan struct{})
	close(idle)
	return &Session{
		id:         uuid.NewString(),
		createdAt:  time.Now(),
		phase:      PhaseUninitialized,
		serverCaps: serverCaps,
		seenIDs:    make(map[string]struct{}),
		inflight:   make(map[string]context.CancelFunc),
		idle:       idle,
	}
}

// ID returns the session identifier, also used as its broker namespace.
func (s *Session) ID() string { return s.id }

// CreatedAt returns the session creation time.
func (s *Session) CreatedAt() time.Time { return s.createdAt }

// Phase returns the current lifecycle phase.
func (s *Session) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// ProtocolVersion returns the negotiated protocol version, empty before the
// handshake completes.
func (s *Session) ProtocolVersion() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.protocolVersion
}

// ClientInfo returns the client implementation info from initialize.
func (s *Session) ClientInfo() mcp.ImplementationInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clientInfo
}

// ClientCapabilities returns the capabilities the client declared.
func (s *Session) ClientCapabilities() mcp.ClientCapabilities {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clientCaps
}

// ServerCapabilities returns the capabilities advertised to the client.
func (s *Session) ServerCapabilities() mcp.ServerCapabilities {
	return s.serverCaps
}

// SupportsSampling reports whether the client declared the sampling
// capability, gating server-initiated sampling/createMessage.
func (s *Session) SupportsSampling() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clientCaps.Sampling != nil
}

// advanceLocked moves the phase forward. Callers hold s.mu.
func (s *Session) advanceLocked(to Phase) error {
	if to < s.phase {
		return ErrPhaseRegression
	}
	s.phase = to
	return nil
}

// BeginInitialize moves the session into PhaseInitializing. Only valid from
// PhaseUninitialized.
func (s *Session) BeginInitialize() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.phase {
	case PhaseUninitialized:
		return s.advanceLocked(PhaseInitializing)
	case PhaseInitializing, PhaseActive:
		return ErrAlreadyInitialized
	case PhaseShuttingDown:
		return ErrShuttingDown
	default:
		return ErrClosed
	}
}

// Activate records the handshake outcome and moves the session to
// PhaseActive. Only valid from PhaseInitializing.
func (s *Session) Activate(protocolVersion string, info mcp.ImplementationInfo, caps mcp.ClientCapabilities) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase != PhaseInitializing {
		if s.phase >= PhaseShuttingDown {
			return ErrClosed
		}
		return ErrNotInitialized
	}
	s.protocolVersion = protocolVersion
	s.clientInfo = info
	s.clientCaps = caps
	return s.advanceLocked(PhaseActive)
}

// BeginShutdown moves the session into PhaseShuttingDown. It is idempotent
// while shutdown is in progress.
func (s *Session) BeginShutdown() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.phase {
	case PhaseShuttingDown:
		return nil
	case PhaseClosed:
		return ErrClosed
	default:
		return s.advanceLocked(PhaseShuttingDown)
	}
}

// Close moves the session to its terminal phase and cancels anything still
// in flight.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase == PhaseClosed {
		return
	}
	s.phase = PhaseClosed
	for id, cancel := range s.inflight {
		cancel()
		delete(s.inflight, id)
	}
	s.signalIdleLocked()
}

// Admit decides whether an inbound request may proceed in the current phase
// and records its ID. Duplicate IDs are rejected for the session lifetime so
// a request is never executed twice.
func (s *Session) Admit(method string, id *jsonrpc.RequestID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.phase {
	case PhaseUninitialized:
		if method != string(mcp.InitializeMethod) {
			return ErrNotInitialized
		}
	case PhaseInitializing:
		// The handshake round trip is still pending.
		if method == string(mcp.InitializeMethod) {
			return ErrAlreadyInitialized
		}
		return ErrNotInitialized
	case PhaseActive:
		if method == string(mcp.InitializeMethod) {
			return ErrAlreadyInitialized
		}
		if err := s.gateLocked(method); err != nil {
			return err
		}
	case PhaseShuttingDown:
		return ErrShuttingDown
	default:
		return ErrClosed
	}

	if !id.IsNil() {
		key := id.String()
		if _, seen := s.seenIDs[key]; seen {
			return ErrDuplicateRequestID
		}
		s.seenIDs[key] = struct{}{}
	}
	return nil
}

// gateLocked checks the method family against the advertised server
// capabilities. Callers hold s.mu.
func (s *Session) gateLocked(method string) error {
	switch {
	case strings.HasPrefix(method, "tools/"):
		if s.serverCaps.Tools == nil {
			return ErrMethodNotSupported
		}
	case strings.HasPrefix(method, "resources/"):
		if s.serverCaps.Resources == nil {
			return ErrMethodNotSupported
		}
	}
	return nil
}

// AddInFlight registers a cancellable call under the request ID.
func (s *Session) AddInFlight(id string, cancel context.CancelFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.inflight) == 0 {
		s.idle = make(chan struct{})
	}
	s.inflight[id] = cancel
}

// RemoveInFlight drops a completed call from the in-flight set.
func (s *Session) RemoveInFlight(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inflight, id)
	s.signalIdleLocked()
}

// Cancel cancels a single in-flight call. It reports whether the ID was
// found; cancelling an unknown or completed call is a no-op.
func (s *Session) Cancel(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	cancel, ok := s.inflight[id]
	if ok {
		cancel()
	}
	return ok
}

// CancelAll cancels every in-flight call and returns how many were cancelled.
func (s *Session) CancelAll() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.inflight)
	for _, cancel := range s.inflight {
		cancel()
	}
	return n
}

// InFlight returns the number of calls currently executing.
func (s *Session) InFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inflight)
}

// WaitIdle blocks until no calls are in flight or the context expires.
func (s *Session) WaitIdle(ctx context.Context) error {
	for {
		s.mu.Lock()
		idle := s.idle
		n := len(s.inflight)
		s.mu.Unlock()
		if n == 0 {
			return nil
		}
		select {
		case <-idle:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *Session) signalIdleLocked() {
	if len(s.inflight) == 0 {
		select {
		case <-s.idle:
			// already closed
		default:
			close(s.idle)
		}
	}
}
