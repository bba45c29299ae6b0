// Package outbound coordinates server-initiated JSON-RPC requests, such as
// sampling/createMessage toward the client, with correlation, cancellation
// and deadline handling. It is transport-agnostic.
package outbound

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/contextd/mcp-engine/internal/jsonrpc"
	"github.com/contextd/mcp-engine/mcp"
)

// Transport abstracts how requests and notifications reach the peer.
// Implementations may subscribe to the response path before emitting the
// request so no response is missed.
type Transport interface {
	// SendRequest sends the request with the pre-allocated id.
	SendRequest(ctx context.Context, id *jsonrpc.RequestID, req *jsonrpc.Request) error
	// SendCancelled emits a notifications/cancelled for the given id string.
	SendCancelled(ctx context.Context, requestID string) error
}

var (
	// ErrDispatcherClosed indicates the dispatcher is closed.
	ErrDispatcherClosed = errors.New("dispatcher closed")
	// ErrRemoteCancelled indicates the peer cancelled the request.
	ErrRemoteCancelled = errors.New("remote cancelled")
	// ErrTimeout indicates the call deadline elapsed before a response
	// arrived. The pending call is removed; a late response is discarded.
	ErrTimeout = errors.New("outbound call timed out")
)

type pendingCall struct {
	respCh chan *jsonrpc.Response
	errCh  chan error
}

// Dispatcher correlates server-initiated requests with their responses.
type Dispatcher struct {
	t       Transport
	timeout time.Duration

	mu      sync.Mutex
	pending map[string]*pendingCall // id.String() -> call

	nextID uint64

	closed   atomic.Bool
	closeErr error
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithTimeout sets the default per-call deadline applied when the caller's
// context has none. Zero disables the default deadline.
func WithTimeout(d time.Duration) Option {
	return func(disp *Dispatcher) { disp.timeout = d }
}

// New constructs a Dispatcher using the provided transport.
func New(t Transport, opts ...Option) *Dispatcher {
	d := &Dispatcher{t: t, pending: make(map[string]*pendingCall)}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Call sends a JSON-RPC request and waits for a response, the call deadline,
// or context cancellation.
func (d *Dispatcher) Call(ctx context.Context, method string, params any) (*jsonrpc.Response, error) {
	if d.closed.Load() {
		if d.closeErr != nil {
			return nil, d.closeErr
		}
		return nil, ErrDispatcherClosed
	}

	if _, has := ctx.Deadline(); !has && d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	idNum := atomic.AddUint64(&d.nextID, 1)
	id := jsonrpc.NewRequestID(idNum)
	key := id.String()

	var paramsRaw json.RawMessage
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal params: %w", err)
		}
		paramsRaw = b
	}

	pc := &pendingCall{respCh: make(chan *jsonrpc.Response, 1), errCh: make(chan error, 1)}
	d.mu.Lock()
	if d.closed.Load() {
		d.mu.Unlock()
		if d.closeErr != nil {
			return nil, d.closeErr
		}
		return nil, ErrDispatcherClosed
	}
	d.pending[key] = pc
	d.mu.Unlock()

	req := &jsonrpc.Request{JSONRPCVersion: jsonrpc.ProtocolVersion, Method: method, Params: paramsRaw, ID: id}
	if err := d.t.SendRequest(ctx, id, req); err != nil {
		d.mu.Lock()
		delete(d.pending, key)
		d.mu.Unlock()
		return nil, err
	}

	select {
	case resp := <-pc.respCh:
		return resp, nil
	case err := <-pc.errCh:
		if err != nil {
			return nil, err
		}
		return nil, ErrDispatcherClosed
	case <-ctx.Done():
		// Best-effort cancel message to the peer.
		_ = d.t.SendCancelled(context.Background(), key)
		d.mu.Lock()
		delete(d.pending, key)
		d.mu.Unlock()
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, ErrTimeout
		}
		return nil, ctx.Err()
	}
}

// OnResponse delivers an incoming response to a waiting call. Unmatched
// responses are ignored.
func (d *Dispatcher) OnResponse(resp *jsonrpc.Response) {
	if resp == nil || resp.ID == nil {
		return
	}
	key := resp.ID.String()
	d.mu.Lock()
	pc, ok := d.pending[key]
	if ok {
		delete(d.pending, key)
	}
	d.mu.Unlock()
	if ok {
		pc.respCh <- resp
	}
}

// OnNotification processes peer notifications relevant to outbound calls.
func (d *Dispatcher) OnNotification(msg jsonrpc.AnyMessage) {
	switch msg.Method {
	case string(mcp.CancelledNotificationMethod):
		var p mcp.CancelledNotification
		if err := json.Unmarshal(msg.Params, &p); err != nil {
			return
		}
		key := p.RequestID
		d.mu.Lock()
		pc, ok := d.pending[key]
		if ok {
			delete(d.pending, key)
		}
		d.mu.Unlock()
		if ok {
			pc.errCh <- ErrRemoteCancelled
		}
	}
}

// Close cancels all pending calls with the provided error and prevents new
// calls.
func (d *Dispatcher) Close(err error) {
	if !d.closed.CompareAndSwap(false, true) {
		return
	}
	if err == nil {
		err = ErrDispatcherClosed
	}
	d.closeErr = err
	d.mu.Lock()
	defer d.mu.Unlock()
	for key, pc := range d.pending {
		delete(d.pending, key)
		pc.errCh <- err
	}
}
