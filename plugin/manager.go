package plugin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/contextd/mcp-engine/registry"
)

var (
	// ErrAlreadyRegistered indicates a plugin ID collision.
	ErrAlreadyRegistered = errors.New("plugin already registered")
	// ErrUnknownPlugin indicates the ID is not in the registry.
	ErrUnknownPlugin = errors.New("unknown plugin")
	// ErrDependency indicates an unsatisfied dependency; the plugin never left
	// Registered, distinguishing "never started" from "started and crashed".
	ErrDependency = errors.New("dependency not satisfied")
	// ErrInvalidState indicates the requested operation is not legal from the
	// plugin's current state.
	ErrInvalidState = errors.New("invalid plugin state")
)

type pluginState struct {
	plugin Plugin
	rec    Record
}

// Manager drives plugins through their lifecycle state machine and is the
// sole writer of the registry store. Initialization is serialized across
// plugins; steady-state reads of the published snapshot are lock-free.
type Manager struct {
	log              *slog.Logger
	store            *registry.Store
	failureThreshold int

	// initMu serializes plugin initialization so plugins competing for shared
	// resources (ports, locks) never start concurrently.
	initMu sync.Mutex

	mu        sync.Mutex
	plugins   map[string]*pluginState
	order     []string
	listeners []StateListener
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.log = l
		}
	}
}

// WithFailureThreshold sets how many consecutive execution failures move a
// plugin to Error. Default is 3.
func WithFailureThreshold(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.failureThreshold = n
		}
	}
}

// NewManager constructs a Manager publishing into store.
func NewManager(store *registry.Store, opts ...Option) *Manager {
	m := &Manager{
		log:              slog.Default(),
		store:            store,
		failureThreshold: 3,
		plugins:          make(map[string]*pluginState),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

// Snapshot returns the currently published registry snapshot.
func (m *Manager) Snapshot() *registry.Snapshot { return m.store.Load() }

// OnStateChange registers a listener for plugin state transitions.
func (m *Manager) OnStateChange(l StateListener) {
	if l == nil {
		return
	}
	m.mu.Lock()
	m.listeners = append(m.listeners, l)
	m.mu.Unlock()
}

// Register records a plugin in the Registered state without initializing it.
func (m *Manager) Register(p Plugin) error {
	man := p.Manifest()
	if man.ID == "" {
		return fmt.Errorf("plugin manifest missing id")
	}
	if _, err := semver.NewVersion(man.Version); err != nil {
		return fmt.Errorf("plugin %q version %q: %w", man.ID, man.Version, err)
	}

	m.mu.Lock()
	if _, exists := m.plugins[man.ID]; exists {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadyRegistered, man.ID)
	}
	now := time.Now()
	m.plugins[man.ID] = &pluginState{
		plugin: p,
		rec: Record{
			Manifest:       man,
			State:          StateRegistered,
			RegisteredAt:   now,
			LastTransition: now,
		},
	}
	m.order = append(m.order, man.ID)
	m.mu.Unlock()

	m.notify(man.ID, StateRegistered, "")
	m.log.Info("plugin.registered", slog.String("plugin", man.ID), slog.String("version", man.Version))
	return nil
}

// Initialize drives one plugin from Registered to Active, checking declared
// dependencies against already-Active plugins first. An unsatisfiable
// dependency keeps the plugin Registered and returns ErrDependency; a failed
// Initialize moves it to Error.
func (m *Manager) Initialize(ctx context.Context, id string) error {
	m.initMu.Lock()
	defer m.initMu.Unlock()
	return m.initializeLocked(ctx, id)
}

// InitializeAll initializes every Registered plugin in registration order.
// Dependency failures are reported but do not stop later plugins; the first
// hard initialization error is returned after the sweep completes.
func (m *Manager) InitializeAll(ctx context.Context) error {
	m.initMu.Lock()
	defer m.initMu.Unlock()

	m.mu.Lock()
	ids := make([]string, len(m.order))
	copy(ids, m.order)
	m.mu.Unlock()

	var firstErr error
	for _, id := range ids {
		m.mu.Lock()
		state := m.plugins[id].rec.State
		m.mu.Unlock()
		if state != StateRegistered {
			continue
		}
		if err := m.initializeLocked(ctx, id); err != nil {
			m.log.Error("plugin.initialize.fail", slog.String("plugin", id), slog.String("err", err.Error()))
			if firstErr == nil && !errors.Is(err, ErrDependency) {
				firstErr = err
			}
		}
	}
	return firstErr
}

// initializeLocked assumes initMu is held.
func (m *Manager) initializeLocked(ctx context.Context, id string) error {
	m.mu.Lock()
	ps, ok := m.plugins[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownPlugin, id)
	}
	if ps.rec.State != StateRegistered {
		state := ps.rec.State
		m.mu.Unlock()
		return fmt.Errorf("%w: cannot initialize %s from %s", ErrInvalidState, id, state)
	}

	if err := m.checkDependenciesLocked(ps.rec.Manifest); err != nil {
		ps.rec.LastError = err.Error()
		m.mu.Unlock()
		m.log.Warn("plugin.dependency.unsatisfied", slog.String("plugin", id), slog.String("err", err.Error()))
		return err
	}
	m.setStateLocked(ps, StateInitializing, "")
	m.mu.Unlock()
	m.notify(id, StateInitializing, "")

	start := time.Now()
	if err := ps.plugin.Initialize(ctx); err != nil {
		m.failLocked(id, fmt.Errorf("initialize: %w", err))
		return fmt.Errorf("initialize plugin %s: %w", id, err)
	}

	if err := m.publishPlugin(ps); err != nil {
		// Roll the plugin back out; its tools never became visible.
		_ = ps.plugin.Shutdown(ctx)
		m.failLocked(id, err)
		return fmt.Errorf("publish plugin %s: %w", id, err)
	}

	m.mu.Lock()
	m.setStateLocked(ps, StateActive, "")
	ps.rec.ConsecutiveFailures = 0
	m.mu.Unlock()
	m.notify(id, StateActive, "")
	m.log.Info("plugin.active",
		slog.String("plugin", id),
		slog.Duration("dur", time.Since(start)),
		slog.Uint64("snapshot_version", m.store.Load().Version()))
	return nil
}

// checkDependenciesLocked assumes m.mu is held.
func (m *Manager) checkDependenciesLocked(man Manifest) error {
	for depID, rangeStr := range man.Dependencies {
		dep, ok := m.plugins[depID]
		if !ok || dep.rec.State != StateActive {
			return fmt.Errorf("%w: %s requires %s, which is not active", ErrDependency, man.ID, depID)
		}
		constraint, err := semver.NewConstraint(rangeStr)
		if err != nil {
			return fmt.Errorf("%w: %s declares invalid range %q for %s", ErrDependency, man.ID, rangeStr, depID)
		}
		ver, err := semver.NewVersion(dep.rec.Manifest.Version)
		if err != nil {
			return fmt.Errorf("%w: %s has unparsable version %q", ErrDependency, depID, dep.rec.Manifest.Version)
		}
		if !constraint.Check(ver) {
			return fmt.Errorf("%w: %s requires %s %s, found %s", ErrDependency, man.ID, depID, rangeStr, ver)
		}
	}
	return nil
}

// publishPlugin merges the plugin's declared capabilities into a new snapshot
// and swaps it in.
func (m *Manager) publishPlugin(ps *pluginState) error {
	b := registry.NewBuilder(m.store.Load())
	id := ps.rec.Manifest.ID
	// Reload publishes a fresh set; drop anything from a previous life first.
	b.RemovePlugin(id)

	if tp, ok := ps.plugin.(ToolProvider); ok {
		for _, reg := range tp.Tools() {
			if err := b.AddTool(registry.ToolEntry{Def: reg.Def, PluginID: id, Handler: reg.Handler}); err != nil {
				return err
			}
		}
	}
	if rp, ok := ps.plugin.(ResourceProvider); ok {
		var sub registry.SubscribeFunc
		if rs, ok := ps.plugin.(ResourceSubscriber); ok {
			sub = rs.Subscribe
		}
		for _, def := range rp.Resources() {
			if err := b.AddResource(registry.ResourceEntry{
				Def:       def,
				PluginID:  id,
				Read:      rp.ReadResource,
				Subscribe: sub,
			}); err != nil {
				return err
			}
		}
	}
	return m.store.Publish(b.Build())
}

// unpublishPlugin republishes the snapshot without the plugin's capabilities.
func (m *Manager) unpublishPlugin(id string) {
	b := registry.NewBuilder(m.store.Load())
	b.RemovePlugin(id)
	if err := m.store.Publish(b.Build()); err != nil {
		m.log.Error("plugin.unpublish.fail", slog.String("plugin", id), slog.String("err", err.Error()))
	}
}

// failLocked moves a plugin to Error, retaining the record for diagnostics,
// and drops its capabilities from the next snapshot.
func (m *Manager) failLocked(id string, cause error) {
	m.mu.Lock()
	ps, ok := m.plugins[id]
	if !ok {
		m.mu.Unlock()
		return
	}
	m.setStateLocked(ps, StateError, cause.Error())
	m.mu.Unlock()

	m.unpublishPlugin(id)
	m.notify(id, StateError, cause.Error())
	m.log.Error("plugin.error", slog.String("plugin", id), slog.String("err", cause.Error()))
}

// Unregister stops an Active plugin and removes its capabilities. The record
// transitions Stopping then Stopped and is retained.
func (m *Manager) Unregister(ctx context.Context, id string) error {
	m.mu.Lock()
	ps, ok := m.plugins[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownPlugin, id)
	}
	if ps.rec.State != StateActive {
		state := ps.rec.State
		m.mu.Unlock()
		return fmt.Errorf("%w: cannot stop %s from %s", ErrInvalidState, id, state)
	}
	m.setStateLocked(ps, StateStopping, "")
	m.mu.Unlock()
	m.notify(id, StateStopping, "")

	m.unpublishPlugin(id)

	if err := ps.plugin.Shutdown(ctx); err != nil {
		m.log.Error("plugin.shutdown.fail", slog.String("plugin", id), slog.String("err", err.Error()))
	}

	m.mu.Lock()
	m.setStateLocked(ps, StateStopped, "")
	m.mu.Unlock()
	m.notify(id, StateStopped, "")
	m.log.Info("plugin.stopped", slog.String("plugin", id))
	return nil
}

// Shutdown stops all Active plugins in reverse registration order, so
// dependents stop before their dependencies.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	ids := make([]string, len(m.order))
	copy(ids, m.order)
	m.mu.Unlock()

	var firstErr error
	for i := len(ids) - 1; i >= 0; i-- {
		m.mu.Lock()
		state := m.plugins[ids[i]].rec.State
		m.mu.Unlock()
		if state != StateActive {
			continue
		}
		if err := m.Unregister(ctx, ids[i]); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Reload returns an Error or Stopped plugin to Registered and initializes it
// again. This is the manual recovery path for a crashed plugin.
func (m *Manager) Reload(ctx context.Context, id string) error {
	m.mu.Lock()
	ps, ok := m.plugins[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownPlugin, id)
	}
	switch ps.rec.State {
	case StateError, StateStopped:
	default:
		state := ps.rec.State
		m.mu.Unlock()
		return fmt.Errorf("%w: cannot reload %s from %s", ErrInvalidState, id, state)
	}
	m.setStateLocked(ps, StateRegistered, "")
	ps.rec.ConsecutiveFailures = 0
	m.mu.Unlock()
	m.notify(id, StateRegistered, "")

	return m.Initialize(ctx, id)
}

// ReportExecution records the outcome of one tool execution for failure
// accounting. A success resets the consecutive failure count; crossing the
// threshold moves the plugin to Error. Single failures never do.
func (m *Manager) ReportExecution(id string, execErr error) {
	m.mu.Lock()
	ps, ok := m.plugins[id]
	if !ok || ps.rec.State != StateActive {
		m.mu.Unlock()
		return
	}
	if execErr == nil {
		ps.rec.ConsecutiveFailures = 0
		m.mu.Unlock()
		return
	}
	ps.rec.ConsecutiveFailures++
	failures := ps.rec.ConsecutiveFailures
	m.mu.Unlock()

	if failures >= m.failureThreshold {
		m.failLocked(id, fmt.Errorf("%d consecutive execution failures, last: %w", failures, execErr))
	}
}

// Record returns a copy of one plugin's record.
func (m *Manager) Record(id string) (Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ps, ok := m.plugins[id]
	if !ok {
		return Record{}, false
	}
	return ps.rec, true
}

// Records returns copies of all records in registration order.
func (m *Manager) Records() []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Record, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.plugins[id].rec)
	}
	return out
}

// setStateLocked assumes m.mu is held.
func (m *Manager) setStateLocked(ps *pluginState, to State, lastErr string) {
	from := ps.rec.State
	if from != to && !canTransition(from, to) {
		// Transitions are driven exclusively by this component; a bad move is
		// a programming error worth failing loudly over in development.
		m.log.Error("plugin.transition.invalid",
			slog.String("plugin", ps.rec.Manifest.ID),
			slog.String("from", string(from)),
			slog.String("to", string(to)))
	}
	ps.rec.State = to
	ps.rec.LastError = lastErr
	ps.rec.LastTransition = time.Now()
}

func (m *Manager) notify(id string, state State, lastErr string) {
	m.mu.Lock()
	listeners := make([]StateListener, len(m.listeners))
	copy(listeners, m.listeners)
	m.mu.Unlock()

	for _, l := range listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					m.log.Error("plugin.listener.panic", slog.String("plugin", id), slog.Any("panic", r))
				}
			}()
			l(id, state, lastErr)
		}()
	}
}
