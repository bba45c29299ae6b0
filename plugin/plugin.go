// Package plugin defines the contracts implemented by tool and resource
// providers and the lifecycle manager that drives them from registration to
// the published registry snapshot.
package plugin

import (
	"context"
	"time"

	"github.com/contextd/mcp-engine/mcp"
	"github.com/contextd/mcp-engine/registry"
)

// Manifest declares a plugin's identity and its dependencies on other
// plugins, expressed as semver ranges keyed by plugin ID.
type Manifest struct {
	ID           string
	Version      string
	Description  string
	Dependencies map[string]string
}

// Plugin is the minimal lifecycle contract. Initialize and Shutdown are
// invoked only by the lifecycle manager, never concurrently with each other
// for the same plugin.
type Plugin interface {
	Manifest() Manifest
	Initialize(ctx context.Context) error
	Shutdown(ctx context.Context) error
}

// ToolRegistration pairs a tool definition with its handler, as declared by a
// provider before the owning plugin is known.
type ToolRegistration struct {
	Def     registry.ToolDefinition
	Handler registry.ToolHandler
}

// ToolProvider is implemented by plugins exposing callable tools. Tools must
// be stable for the lifetime of an Active plugin; changing the set requires a
// reload.
type ToolProvider interface {
	Plugin
	Tools() []ToolRegistration
}

// ResourceProvider is implemented by plugins exposing readable resources.
type ResourceProvider interface {
	Plugin
	Resources() []registry.ResourceDefinition
	ReadResource(ctx context.Context, uri string) ([]mcp.ResourceContents, error)
}

// ResourceSubscriber is implemented by resource providers whose resources can
// be watched. Subscribe wires emit to be called on every change of uri until
// the returned cancel runs.
type ResourceSubscriber interface {
	ResourceProvider
	Subscribe(ctx context.Context, uri string, emit registry.EmitUpdateFunc) (registry.CancelSubscription, error)
}

// State is a plugin's position in its lifecycle state machine.
type State string

const (
	StateRegistered   State = "registered"
	StateInitializing State = "initializing"
	StateActive       State = "active"
	StateStopping     State = "stopping"
	StateStopped      State = "stopped"
	StateError        State = "error"
)

// validTransitions is the closed set of moves the manager may make.
var validTransitions = map[State][]State{
	StateRegistered:   {StateInitializing},
	StateInitializing: {StateActive, StateError},
	StateActive:       {StateStopping, StateError},
	StateStopping:     {StateStopped},
	StateStopped:      {StateRegistered},
	StateError:        {StateRegistered},
}

func canTransition(from, to State) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Record is the manager-owned bookkeeping for one plugin. Copies handed out
// through Record/Records are point-in-time values.
type Record struct {
	Manifest       Manifest
	State          State
	LastError      string
	RegisteredAt   time.Time
	LastTransition time.Time
	// ConsecutiveFailures counts execution failures since the last success;
	// crossing the manager's threshold moves the plugin to Error.
	ConsecutiveFailures int
}

// StateListener observes plugin state transitions. Listeners run outside the
// manager's locks; a panicking listener is recovered and logged.
type StateListener func(pluginID string, state State, lastErr string)
