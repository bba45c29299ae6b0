package sessions

import "fmt"

// Phase is the lifecycle phase of a session. Phases only advance; there is
// no path backwards.
type Phase int

const (
	// PhaseUninitialized is the phase before the initialize handshake. Only
	// the initialize request is accepted.
	PhaseUninitialized Phase = iota
	// PhaseInitializing covers the single initialize round trip.
	PhaseInitializing
	// PhaseActive is the normal operating phase.
	PhaseActive
	// PhaseShuttingDown rejects new requests while in-flight calls drain.
	PhaseShuttingDown
	// PhaseClosed is terminal. Traffic is dropped at the transport.
	PhaseClosed
)

func (p Phase) String() string {
	switch p {
	case PhaseUninitialized:
		return "uninitialized"
	case PhaseInitializing:
		return "initializing"
	case PhaseActive:
		return "active"
	case PhaseShuttingDown:
		return "shutting_down"
	case PhaseClosed:
		return "closed"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}
