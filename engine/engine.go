// Package engine implements the request dispatcher: the inbound pipeline
// from phase checks through capability gating, registry lookup, rate
// limiting, access control, argument validation and cancellable execution,
// plus the outbound path for server-initiated requests.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/contextd/mcp-engine/access"
	"github.com/contextd/mcp-engine/config"
	"github.com/contextd/mcp-engine/internal/jsonrpc"
	"github.com/contextd/mcp-engine/internal/outbound"
	"github.com/contextd/mcp-engine/mcp"
	"github.com/contextd/mcp-engine/plugin"
	"github.com/contextd/mcp-engine/ratelimit"
	"github.com/contextd/mcp-engine/registry"
	"github.com/contextd/mcp-engine/sessions"
)

var (
	// ErrSamplingUnsupported is returned when the client did not declare the
	// sampling capability during initialize.
	ErrSamplingUnsupported = errors.New("engine: client does not support sampling")
	// ErrNoTransport is returned for outbound calls before a transport is
	// bound.
	ErrNoTransport = errors.New("engine: no outbound transport bound")
)

// NotificationListener observes inbound notifications. Listener failures are
// logged, never propagated.
type NotificationListener func(ctx context.Context, sess *sessions.Session, method string, params []byte)

// Engine dispatches inbound JSON-RPC traffic against the published registry
// snapshot and coordinates session and plugin lifecycles.
type Engine struct {
	log      *slog.Logger
	store    *registry.Store
	plugins  *plugin.Manager
	sessions *sessions.Manager
	limiter  *ratelimit.Limiter
	acl      *access.Controller
	out      *outbound.Dispatcher

	serverInfo      mcp.ImplementationInfo
	callTimeout     time.Duration
	outboundTimeout time.Duration
	shutdownGrace   time.Duration
	scope           config.RateLimitScope

	subMu      sync.Mutex
	subCancels map[string]map[string]registry.CancelSubscription // session -> uri -> cancel

	listenerMu sync.RWMutex
	listeners  []NotificationListener
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.log = l
		}
	}
}

// WithAccessController installs the access policy evaluator. The default
// controller allows everything.
func WithAccessController(c *access.Controller) Option {
	return func(e *Engine) {
		if c != nil {
			e.acl = c
		}
	}
}

// WithConfig applies timeouts, rate limit scope and server identity from cfg.
func WithConfig(cfg config.Config) Option {
	return func(e *Engine) {
		e.callTimeout = cfg.CallTimeout
		e.outboundTimeout = cfg.OutboundTimeout
		e.shutdownGrace = cfg.ShutdownGrace
		e.scope = cfg.RateLimitScope
		e.serverInfo = mcp.ImplementationInfo{Name: cfg.ServerName, Version: cfg.ServerVersion}
	}
}

// WithCallTimeout sets the default deadline for a single tool call.
func WithCallTimeout(d time.Duration) Option {
	return func(e *Engine) { e.callTimeout = d }
}

// WithShutdownGrace bounds how long in-flight calls may run after shutdown
// begins before they are cancelled.
func WithShutdownGrace(d time.Duration) Option {
	return func(e *Engine) { e.shutdownGrace = d }
}

// WithRateLimitScope selects global or per-session rate limit keys.
func WithRateLimitScope(scope config.RateLimitScope) Option {
	return func(e *Engine) { e.scope = scope }
}

// WithServerInfo sets the implementation identity reported in initialize.
func WithServerInfo(info mcp.ImplementationInfo) Option {
	return func(e *Engine) { e.serverInfo = info }
}

// New constructs an Engine over the published registry store, the plugin
// lifecycle manager and the session manager.
func New(store *registry.Store, plugins *plugin.Manager, sess *sessions.Manager, opts ...Option) *Engine {
	cfg := config.Default()
	e := &Engine{
		log:             slog.Default(),
		store:           store,
		plugins:         plugins,
		sessions:        sess,
		limiter:         ratelimit.New(),
		acl:             access.AllowAll(),
		callTimeout:     cfg.CallTimeout,
		outboundTimeout: cfg.OutboundTimeout,
		shutdownGrace:   cfg.ShutdownGrace,
		scope:           cfg.RateLimitScope,
		serverInfo:      mcp.ImplementationInfo{Name: cfg.ServerName, Version: cfg.ServerVersion},
		subCancels:      make(map[string]map[string]registry.CancelSubscription),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// BindTransport wires the outbound dispatcher to a transport, enabling
// server-initiated requests such as sampling.
func (e *Engine) BindTransport(t outbound.Transport) {
	e.out = outbound.New(t, outbound.WithTimeout(e.outboundTimeout))
}

// Sessions returns the session manager the engine dispatches for.
func (e *Engine) Sessions() *sessions.Manager { return e.sessions }

// Plugins returns the plugin lifecycle manager.
func (e *Engine) Plugins() *plugin.Manager { return e.plugins }

// AddNotificationListener registers a fire-and-forget observer for inbound
// notifications.
func (e *Engine) AddNotificationListener(l NotificationListener) {
	if l == nil {
		return
	}
	e.listenerMu.Lock()
	e.listeners = append(e.listeners, l)
	e.listenerMu.Unlock()
}

// HandleRequest runs one inbound request through the dispatch pipeline and
// returns its response. A nil response means the session is closed and the
// transport should drop the message.
func (e *Engine) HandleRequest(ctx context.Context, sess *sessions.Session, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	if err := sess.Admit(req.Method, req.ID); err != nil {
		return e.admitError(ctx, sess, req, err), nil
	}

	switch req.Method {
	case string(mcp.InitializeMethod):
		return e.handleInitialize(ctx, sess, req)
	case string(mcp.PingMethod):
		return jsonrpc.NewResultResponse(req.ID, &mcp.EmptyResult{})
	case string(mcp.ShutdownMethod):
		return e.handleShutdown(ctx, sess, req)
	case string(mcp.ToolsListMethod):
		return e.handleToolsList(ctx, sess, req)
	case string(mcp.ToolsCallMethod):
		return e.handleToolCall(ctx, sess, req)
	case string(mcp.ResourcesListMethod):
		return e.handleResourcesList(ctx, sess, req)
	case string(mcp.ResourcesReadMethod):
		return e.handleResourcesRead(ctx, sess, req)
	case string(mcp.ResourcesSubscribeMethod):
		return e.handleResourcesSubscribe(ctx, sess, req)
	case string(mcp.ResourcesUnsubscribeMethod):
		return e.handleResourcesUnsubscribe(ctx, sess, req)
	}

	return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeMethodNotFound, "method not found", nil), nil
}

// admitError maps session admission failures onto JSON-RPC errors.
func (e *Engine) admitError(ctx context.Context, sess *sessions.Session, req *jsonrpc.Request, err error) *jsonrpc.Response {
	log := e.log.With(slog.String("method", req.Method), slog.String("session_id", sess.ID()))
	switch {
	case errors.Is(err, sessions.ErrClosed):
		// Terminal phase: drop at the transport, no response.
		log.InfoContext(ctx, "engine.admit.dropped")
		return nil
	case errors.Is(err, sessions.ErrMethodNotSupported):
		log.InfoContext(ctx, "engine.admit.uncovered")
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeMethodNotFound, "method not covered by negotiated capabilities", nil)
	default:
		log.InfoContext(ctx, "engine.admit.rejected", slog.String("err", err.Error()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidRequest, err.Error(), nil)
	}
}

func (e *Engine) handleInitialize(ctx context.Context, sess *sessions.Session, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	start := time.Now()
	log := e.log.With(slog.String("method", req.Method), slog.String("session_id", sess.ID()))

	var params mcp.InitializeRequest
	if err := unmarshalParams(req.Params, &params); err != nil {
		log.InfoContext(ctx, "engine.handle_request.invalid", slog.String("err", err.Error()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid params", nil), nil
	}

	if err := sess.BeginInitialize(); err != nil {
		log.InfoContext(ctx, "engine.initialize.rejected", slog.String("err", err.Error()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidRequest, err.Error(), nil), nil
	}

	// Echo a supported requested version; otherwise answer with the latest
	// version this implementation speaks and let the client decide.
	version := params.ProtocolVersion
	if !slices.Contains(mcp.SupportedProtocolVersions, version) {
		version = mcp.LatestProtocolVersion
	}

	if err := sess.Activate(version, params.ClientInfo, params.Capabilities); err != nil {
		log.ErrorContext(ctx, "engine.initialize.fail", slog.String("err", err.Error()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "internal error", nil), nil
	}

	log.InfoContext(ctx, "engine.initialize.ok",
		slog.String("protocol_version", version),
		slog.String("client", params.ClientInfo.Name),
		slog.Int64("dur_ms", time.Since(start).Milliseconds()))

	return jsonrpc.NewResultResponse(req.ID, &mcp.InitializeResult{
		ProtocolVersion: version,
		Capabilities:    sess.ServerCapabilities(),
		ServerInfo:      e.serverInfo,
	})
}

func (e *Engine) handleShutdown(ctx context.Context, sess *sessions.Session, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	log := e.log.With(slog.String("method", req.Method), slog.String("session_id", sess.ID()))

	if err := sess.BeginShutdown(); err != nil {
		log.InfoContext(ctx, "engine.shutdown.rejected", slog.String("err", err.Error()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidRequest, err.Error(), nil), nil
	}

	log.InfoContext(ctx, "engine.shutdown.begin", slog.Int("in_flight", sess.InFlight()))
	go e.drainSession(sess)

	return jsonrpc.NewResultResponse(req.ID, &mcp.EmptyResult{})
}

// drainSession waits out the shutdown grace for in-flight calls, cancels the
// stragglers, and closes the session.
func (e *Engine) drainSession(sess *sessions.Session) {
	ctx := context.Background()

	graceCtx, cancel := context.WithTimeout(ctx, e.shutdownGrace)
	err := sess.WaitIdle(graceCtx)
	cancel()

	if err != nil {
		n := sess.CancelAll()
		e.log.Info("engine.shutdown.cancelled_in_flight",
			slog.String("session_id", sess.ID()), slog.Int("cancelled", n))

		// Give cancelled handlers a moment to unwind and emit their
		// responses before the session goes terminal.
		drainCtx, cancel := context.WithTimeout(ctx, e.shutdownGrace)
		_ = sess.WaitIdle(drainCtx)
		cancel()
	}

	e.releaseSubscriptions(ctx, sess.ID())
	if err := e.sessions.Close(ctx, sess.ID()); err != nil {
		e.log.Error("engine.shutdown.close_fail",
			slog.String("session_id", sess.ID()), slog.String("err", err.Error()))
		return
	}
	e.log.Info("engine.shutdown.closed", slog.String("session_id", sess.ID()))
}

// HandleNotification processes one inbound notification. Notifications never
// produce responses; failures are logged and swallowed.
func (e *Engine) HandleNotification(ctx context.Context, sess *sessions.Session, note *jsonrpc.Request) error {
	log := e.log.With(slog.String("method", note.Method), slog.String("session_id", sess.ID()))

	switch note.Method {
	case string(mcp.CancelledNotificationMethod):
		var params mcp.CancelledNotification
		if err := unmarshalParams(note.Params, &params); err != nil {
			log.InfoContext(ctx, "engine.handle_notification.invalid", slog.String("err", err.Error()))
			return nil
		}
		if sess.Cancel(params.RequestID) {
			log.InfoContext(ctx, "engine.cancel.ok", slog.String("request_id", params.RequestID))
		} else if e.out != nil {
			// Not one of ours in flight; it may target an outbound call.
			e.out.OnNotification(jsonrpc.AnyMessage{Method: note.Method, Params: note.Params})
		}
	case string(mcp.InitializedNotificationMethod):
		// Handshake acknowledgement; nothing to do.
	default:
		log.InfoContext(ctx, "engine.handle_notification.ignored")
	}

	e.notifyListeners(ctx, sess, note)
	return nil
}

func (e *Engine) notifyListeners(ctx context.Context, sess *sessions.Session, note *jsonrpc.Request) {
	e.listenerMu.RLock()
	listeners := make([]NotificationListener, len(e.listeners))
	copy(listeners, e.listeners)
	e.listenerMu.RUnlock()

	for _, l := range listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					e.log.ErrorContext(ctx, "engine.notification_listener.panic",
						slog.String("method", note.Method), slog.Any("panic", r))
				}
			}()
			l(ctx, sess, note.Method, note.Params)
		}()
	}
}

// HandleResponse routes a response from the peer to its pending outbound
// call. Unmatched responses are dropped.
func (e *Engine) HandleResponse(ctx context.Context, sess *sessions.Session, resp *jsonrpc.Response) error {
	if e.out == nil {
		e.log.InfoContext(ctx, "engine.handle_response.no_transport", slog.String("session_id", sess.ID()))
		return nil
	}
	e.out.OnResponse(resp)
	return nil
}

// CreateMessage performs a sampling round trip through the client. The client
// must have declared the sampling capability during initialize.
func (e *Engine) CreateMessage(ctx context.Context, sess *sessions.Session, req *mcp.CreateMessageRequest) (*mcp.CreateMessageResult, error) {
	if !sess.SupportsSampling() {
		return nil, ErrSamplingUnsupported
	}
	if e.out == nil {
		return nil, ErrNoTransport
	}

	resp, err := e.out.Call(ctx, string(mcp.SamplingCreateMessageMethod), req)
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, resp.Error
	}

	var result mcp.CreateMessageResult
	if err := unmarshalParams(resp.Result, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Health is a point-in-time snapshot of engine state for diagnostics.
type Health struct {
	RegistryVersion uint64          `json:"registryVersion"`
	Sessions        int             `json:"sessions"`
	Plugins         []plugin.Record `json:"plugins"`
}

// Health reports the current registry version, session count and plugin
// records, including Error-state plugins retained for diagnostics.
func (e *Engine) Health() Health {
	return Health{
		RegistryVersion: e.store.Load().Version(),
		Sessions:        e.sessions.Count(),
		Plugins:         e.plugins.Records(),
	}
}

// Shutdown drains every session, stops plugins in reverse registration order
// and closes the outbound dispatcher.
func (e *Engine) Shutdown(ctx context.Context) error {
	var firstErr error
	if err := e.sessions.CloseAll(ctx); err != nil {
		firstErr = err
	}
	if err := e.plugins.Shutdown(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	if e.out != nil {
		e.out.Close(outbound.ErrDispatcherClosed)
	}
	return firstErr
}
