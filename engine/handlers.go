package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/contextd/mcp-engine/access"
	"github.com/contextd/mcp-engine/config"
	"github.com/contextd/mcp-engine/internal/jsonrpc"
	"github.com/contextd/mcp-engine/mcp"
	"github.com/contextd/mcp-engine/ratelimit"
	"github.com/contextd/mcp-engine/registry"
	"github.com/contextd/mcp-engine/sessions"
)

// unmarshalParams decodes raw params, treating absent params as an empty
// object.
func unmarshalParams(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, v)
}

func (e *Engine) handleToolsList(ctx context.Context, sess *sessions.Session, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	start := time.Now()
	log := e.log.With(slog.String("method", req.Method), slog.String("session_id", sess.ID()))

	snap := e.store.Load()
	log.InfoContext(ctx, "engine.handle_request.ok",
		slog.Uint64("registry_version", snap.Version()),
		slog.Int64("dur_ms", time.Since(start).Milliseconds()))

	return jsonrpc.NewResultResponse(req.ID, &mcp.ListToolsResult{Tools: snap.Tools()})
}

func (e *Engine) handleResourcesList(ctx context.Context, sess *sessions.Session, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	start := time.Now()
	log := e.log.With(slog.String("method", req.Method), slog.String("session_id", sess.ID()))

	snap := e.store.Load()
	log.InfoContext(ctx, "engine.handle_request.ok",
		slog.Uint64("registry_version", snap.Version()),
		slog.Int64("dur_ms", time.Since(start).Milliseconds()))

	return jsonrpc.NewResultResponse(req.ID, &mcp.ListResourcesResult{Resources: snap.Resources()})
}

func (e *Engine) handleToolCall(ctx context.Context, sess *sessions.Session, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	start := time.Now()
	log := e.log.With(slog.String("method", req.Method), slog.String("session_id", sess.ID()))

	var params mcp.CallToolRequestReceived
	if err := unmarshalParams(req.Params, &params); err != nil {
		log.InfoContext(ctx, "engine.handle_request.invalid", slog.Int64("dur_ms", time.Since(start).Milliseconds()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid params", nil), nil
	}
	if params.Name == "" {
		log.InfoContext(ctx, "engine.handle_request.invalid", slog.String("err", "missing tool name"))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid params", nil), nil
	}

	log = log.With(slog.String("tool", params.Name))

	// One snapshot for the whole call. The lookup never blocks writers.
	snap := e.store.Load()
	entry, ok := snap.Tool(params.Name)
	if !ok {
		log.InfoContext(ctx, "engine.handle_request.unknown_tool", slog.Int64("dur_ms", time.Since(start).Milliseconds()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeResourceNotFound,
			fmt.Sprintf("unknown tool %q", params.Name), nil), nil
	}

	// Rate limit before the plugin is ever invoked.
	if rl := entry.Def.RateLimit; rl != nil {
		key := e.limitKey(sess, entry.PluginID, params.Name)
		if !e.limiter.Allow(key, ratelimit.PerWindow(rl.Count, rl.Window)) {
			log.InfoContext(ctx, "engine.handle_request.rate_limited", slog.String("key", key))
			return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeRateLimitExceeded, "rate limit exceeded", nil), nil
		}
	}

	if resp := e.checkAccess(ctx, sess, req, "tool/"+params.Name, entry.Def.Permissions, "call"); resp != nil {
		return resp, nil
	}

	if violations := registry.ValidateArguments(entry.Def.Descriptor.InputSchema, params.Arguments); len(violations) > 0 {
		log.InfoContext(ctx, "engine.handle_request.invalid_arguments",
			slog.Int("violations", len(violations)))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid arguments", violations), nil
	}

	reqID := req.ID.String()
	if reqID == "" {
		log.ErrorContext(ctx, "engine.handle_request.fail", slog.String("err", "missing request ID"))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidRequest, "missing request ID", nil), nil
	}

	callCtx, cancel := context.WithTimeout(ctx, e.callTimeout)
	defer cancel()

	sess.AddInFlight(reqID, cancel)
	defer sess.RemoveInFlight(reqID)

	res, err := e.runTool(callCtx, entry, &params)
	e.plugins.ReportExecution(entry.PluginID, err)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) ||
			callCtx.Err() != nil {
			log.InfoContext(ctx, "engine.handle_request.cancelled", slog.Int64("dur_ms", time.Since(start).Milliseconds()))
			return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "cancelled", nil), nil
		}
		if errors.Is(err, registry.ErrExternalService) {
			log.ErrorContext(ctx, "engine.handle_request.external_fail", slog.String("err", err.Error()))
			return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeExternalServiceError, err.Error(), nil), nil
		}
		log.ErrorContext(ctx, "engine.handle_request.fail",
			slog.String("err", err.Error()),
			slog.Int64("dur_ms", time.Since(start).Milliseconds()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeToolExecutionError, err.Error(), nil), nil
	}

	log.InfoContext(ctx, "engine.handle_request.ok", slog.Int64("dur_ms", time.Since(start).Milliseconds()))
	return jsonrpc.NewResultResponse(req.ID, res)
}

// runTool executes the handler, converting a plugin panic into an error at
// the dispatcher boundary.
func (e *Engine) runTool(ctx context.Context, entry registry.ToolEntry, params *mcp.CallToolRequestReceived) (res *mcp.CallToolResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("tool %q panicked: %v", entry.Def.Descriptor.Name, r)
		}
	}()
	return entry.Handler(ctx, params)
}

// limitKey builds the rate limit bucket key under the configured scope.
func (e *Engine) limitKey(sess *sessions.Session, pluginID, tool string) string {
	key := pluginID + "/" + tool
	if e.scope == config.ScopeSession {
		key = sess.ID() + "/" + key
	}
	return key
}

// checkAccess evaluates every required operation for the actor against the
// policy set. It returns a ready error response on denial, nil otherwise.
func (e *Engine) checkAccess(ctx context.Context, sess *sessions.Session, req *jsonrpc.Request, resource string, ops []string, defaultOp string) *jsonrpc.Response {
	actor := access.Actor{ID: sess.ID()}
	if len(ops) == 0 {
		ops = []string{defaultOp}
	}
	for _, op := range ops {
		if err := e.acl.Check(actor, resource, op); err != nil {
			e.log.InfoContext(ctx, "engine.handle_request.denied",
				slog.String("session_id", sess.ID()),
				slog.String("resource", resource),
				slog.String("op", op))
			return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeResourceAccessDenied, "access denied", nil)
		}
	}
	return nil
}

func (e *Engine) handleResourcesRead(ctx context.Context, sess *sessions.Session, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	start := time.Now()
	log := e.log.With(slog.String("method", req.Method), slog.String("session_id", sess.ID()))

	var params mcp.ReadResourceRequest
	if err := unmarshalParams(req.Params, &params); err != nil || params.URI == "" {
		log.InfoContext(ctx, "engine.handle_request.invalid", slog.String("err", "invalid params"))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid params", nil), nil
	}

	log = log.With(slog.String("uri", params.URI))

	snap := e.store.Load()
	entry, ok := snap.Resource(params.URI)
	if !ok {
		log.InfoContext(ctx, "engine.handle_request.unknown_resource")
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeResourceNotFound,
			fmt.Sprintf("unknown resource %q", params.URI), nil), nil
	}

	if resp := e.checkAccess(ctx, sess, req, params.URI, nil, "read"); resp != nil {
		return resp, nil
	}

	contents, err := entry.Read(ctx, params.URI)
	if err != nil {
		switch {
		case errors.Is(err, registry.ErrResourceNotFound):
			log.InfoContext(ctx, "engine.handle_request.unknown_resource")
			return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeResourceNotFound,
				fmt.Sprintf("unknown resource %q", params.URI), nil), nil
		case errors.Is(err, registry.ErrExternalService):
			log.ErrorContext(ctx, "engine.handle_request.external_fail", slog.String("err", err.Error()))
			return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeExternalServiceError, err.Error(), nil), nil
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			log.InfoContext(ctx, "engine.handle_request.cancelled")
			return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "cancelled", nil), nil
		default:
			log.ErrorContext(ctx, "engine.handle_request.fail", slog.String("err", err.Error()))
			return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "internal error", nil), nil
		}
	}

	log.InfoContext(ctx, "engine.handle_request.ok", slog.Int64("dur_ms", time.Since(start).Milliseconds()))
	return jsonrpc.NewResultResponse(req.ID, &mcp.ReadResourceResult{Contents: contents})
}

// handleResourcesSubscribe wires a per-URI subscription via the owning
// provider and stores its cancel. Re-subscribing the same URI is idempotent.
func (e *Engine) handleResourcesSubscribe(ctx context.Context, sess *sessions.Session, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	start := time.Now()
	log := e.log.With(slog.String("method", req.Method), slog.String("session_id", sess.ID()))

	var params mcp.SubscribeRequest
	if err := unmarshalParams(req.Params, &params); err != nil || params.URI == "" {
		log.InfoContext(ctx, "engine.handle_request.invalid", slog.String("err", "invalid params"))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid params", nil), nil
	}

	log = log.With(slog.String("uri", params.URI))

	snap := e.store.Load()
	entry, ok := snap.Resource(params.URI)
	if !ok {
		log.InfoContext(ctx, "engine.handle_request.unknown_resource")
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeResourceNotFound,
			fmt.Sprintf("unknown resource %q", params.URI), nil), nil
	}
	if !entry.Def.Subscribable || entry.Subscribe == nil {
		log.InfoContext(ctx, "engine.handle_request.not_subscribable")
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams,
			fmt.Sprintf("resource %q is not subscribable", params.URI), nil), nil
	}

	if resp := e.checkAccess(ctx, sess, req, params.URI, nil, "subscribe"); resp != nil {
		return resp, nil
	}

	// Idempotency: if already subscribed, succeed.
	sessID := sess.ID()
	e.subMu.Lock()
	if _, ok := e.subCancels[sessID]; !ok {
		e.subCancels[sessID] = make(map[string]registry.CancelSubscription)
	}
	if _, exists := e.subCancels[sessID][params.URI]; exists {
		e.subMu.Unlock()
		return jsonrpc.NewResultResponse(req.ID, &mcp.EmptyResult{})
	}
	e.subMu.Unlock()

	// The emit closure publishes notifications/resources/updated into the
	// session's broker namespace. Emissions race with bookkeeping on purpose;
	// unsubscribe semantics come from cancelling the provider's forwarder.
	emit := func(cbCtx context.Context, uri string) {
		payload, err := marshalNotification(mcp.ResourcesUpdatedNotificationMethod, mcp.ResourceUpdatedNotification{URI: uri})
		if err != nil {
			log.ErrorContext(cbCtx, "engine.resources.subscribe.emit_encode_fail", slog.String("err", err.Error()))
			return
		}
		if err := e.sessions.Notify(context.WithoutCancel(cbCtx), sessID, payload); err != nil {
			log.ErrorContext(cbCtx, "engine.resources.subscribe.emit_fail", slog.String("err", err.Error()))
		}
	}

	cancel, err := entry.Subscribe(ctx, params.URI, emit)
	if err != nil {
		log.InfoContext(ctx, "engine.handle_request.subscribe_fail", slog.String("err", err.Error()))
		if errors.Is(err, registry.ErrResourceNotFound) {
			return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeResourceNotFound,
				fmt.Sprintf("unknown resource %q", params.URI), nil), nil
		}
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "internal error", nil), nil
	}

	e.subMu.Lock()
	e.subCancels[sessID][params.URI] = cancel
	e.subMu.Unlock()

	log.InfoContext(ctx, "engine.handle_request.ok", slog.Int64("dur_ms", time.Since(start).Milliseconds()))
	return jsonrpc.NewResultResponse(req.ID, &mcp.EmptyResult{})
}

// handleResourcesUnsubscribe cancels the stored subscription. Unsubscribing a
// URI that was never subscribed succeeds.
func (e *Engine) handleResourcesUnsubscribe(ctx context.Context, sess *sessions.Session, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	start := time.Now()
	log := e.log.With(slog.String("method", req.Method), slog.String("session_id", sess.ID()))

	var params mcp.UnsubscribeRequest
	if err := unmarshalParams(req.Params, &params); err != nil || params.URI == "" {
		log.InfoContext(ctx, "engine.handle_request.invalid", slog.String("err", "invalid params"))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid params", nil), nil
	}

	e.subMu.Lock()
	var cancel registry.CancelSubscription
	if uris, ok := e.subCancels[sess.ID()]; ok {
		cancel = uris[params.URI]
		delete(uris, params.URI)
	}
	e.subMu.Unlock()

	if cancel != nil {
		if err := cancel(ctx); err != nil {
			log.ErrorContext(ctx, "engine.resources.unsubscribe.cancel_fail", slog.String("err", err.Error()))
		}
	}

	log.InfoContext(ctx, "engine.handle_request.ok", slog.Int64("dur_ms", time.Since(start).Milliseconds()))
	return jsonrpc.NewResultResponse(req.ID, &mcp.EmptyResult{})
}

// releaseSubscriptions cancels every stored subscription for a session.
func (e *Engine) releaseSubscriptions(ctx context.Context, sessID string) {
	e.subMu.Lock()
	uris := e.subCancels[sessID]
	delete(e.subCancels, sessID)
	e.subMu.Unlock()

	for uri, cancel := range uris {
		if err := cancel(ctx); err != nil {
			e.log.ErrorContext(ctx, "engine.subscriptions.release_fail",
				slog.String("session_id", sessID),
				slog.String("uri", uri),
				slog.String("err", err.Error()))
		}
	}
}

// marshalNotification builds a serialized JSON-RPC notification envelope.
func marshalNotification(method mcp.Method, params any) ([]byte, error) {
	note, err := jsonrpc.NewRequest(nil, string(method), params)
	if err != nil {
		return nil, err
	}
	return json.Marshal(note)
}
