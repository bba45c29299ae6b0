// Package stdio implements a single-connection MCP transport over
// stdin/stdout. It owns message framing and the read loop; all protocol
// semantics are delegated to the engine.
//
// Characteristics
//
//	Connection model : 1 process <-> 1 client
//	Sessions         : one ephemeral session per Serve call
//	Transport        : newline-delimited JSON-RPC
//
// Requests dispatch concurrently, so responses may complete out of order;
// the shared frame writer serializes the actual writes.
package stdio

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/contextd/mcp-engine/engine"
	"github.com/contextd/mcp-engine/framing"
	"github.com/contextd/mcp-engine/internal/jsonrpc"
	"github.com/contextd/mcp-engine/sessions"
)

// Handler is a single-connection stdio transport. It reads framed JSON-RPC
// messages from an io.Reader, routes them through the engine, and writes
// responses and notifications back to an io.Writer. Defaults are os.Stdin
// and os.Stdout.
type Handler struct {
	r   io.Reader
	w   io.Writer
	log *slog.Logger
	eng *engine.Engine

	served bool
}

// Option customizes a Handler.
type Option func(*Handler)

// WithIO sets the reader and writer for the handler.
func WithIO(r io.Reader, w io.Writer) Option {
	return func(h *Handler) {
		if r != nil {
			h.r = r
		}
		if w != nil {
			h.w = w
		}
	}
}

// WithLogger overrides the logger.
func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) {
		if l != nil {
			h.log = l
		}
	}
}

// NewHandler constructs a stdio Handler over the engine.
func NewHandler(eng *engine.Engine, opts ...Option) *Handler {
	h := &Handler{
		r:   os.Stdin,
		w:   os.Stdout,
		log: slog.Default(),
		eng: eng,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Serve runs the transport loop until EOF on the reader, an unrecoverable
// framing fault, or context cancellation. It may be called at most once.
func (h *Handler) Serve(ctx context.Context) error {
	if h.served {
		return errors.New("stdio: Serve called twice")
	}
	h.served = true

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sess, err := h.eng.Sessions().Create(ctx)
	if err != nil {
		return err
	}
	defer func() {
		// Session may already be closed by a shutdown request; Close is
		// idempotent at the manager.
		_ = h.eng.Sessions().Close(context.WithoutCancel(ctx), sess.ID())
	}()

	writer := framing.NewWriter(h.w)
	h.eng.BindTransport(&transport{writer: writer})

	// Pump broker-delivered notifications for this session onto the stream.
	var pumpWG sync.WaitGroup
	stream, err := h.eng.Sessions().Stream(ctx, sess.ID(), "")
	if err != nil {
		return err
	}
	pumpWG.Add(1)
	go func() {
		defer pumpWG.Done()
		defer func() {
			_ = stream.Close()
		}()
		for {
			env, err := stream.Next(ctx)
			if err != nil {
				return
			}
			if err := writer.WriteMessage(env.Data); err != nil {
				h.log.ErrorContext(ctx, "stdio.notify_write_fail", slog.String("err", err.Error()))
				return
			}
		}
	}()

	var dispatchWG sync.WaitGroup
	reader := framing.NewReader(h.r)
	var loopErr error

	for {
		if ctx.Err() != nil {
			loopErr = ctx.Err()
			break
		}

		payload, err := reader.ReadMessage()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			if errors.Is(err, framing.ErrFraming) {
				// Frame integrity is lost; report and stop reading.
				h.writeError(ctx, writer, nil, jsonrpc.ErrorCodeParseError, "parse error")
				loopErr = err
				break
			}
			loopErr = err
			break
		}

		msg, err := jsonrpc.Decode(payload)
		if err != nil {
			switch {
			case errors.Is(err, jsonrpc.ErrParse):
				h.writeError(ctx, writer, nil, jsonrpc.ErrorCodeParseError, "parse error")
			default:
				h.writeError(ctx, writer, nil, jsonrpc.ErrorCodeInvalidRequest, "invalid request")
			}
			continue
		}

		switch msg.Type() {
		case "request":
			req := msg.AsRequest()
			dispatchWG.Add(1)
			go func() {
				defer dispatchWG.Done()
				h.dispatch(ctx, writer, sess, req)
			}()
		case "notification":
			note := msg.AsRequest()
			if err := h.eng.HandleNotification(ctx, sess, note); err != nil {
				h.log.ErrorContext(ctx, "stdio.notification_fail",
					slog.String("method", note.Method), slog.String("err", err.Error()))
			}
		case "response":
			if err := h.eng.HandleResponse(ctx, sess, msg.AsResponse()); err != nil {
				h.log.ErrorContext(ctx, "stdio.response_fail", slog.String("err", err.Error()))
			}
		}
	}

	dispatchWG.Wait()
	cancel()
	pumpWG.Wait()
	return loopErr
}

// dispatch runs one request through the engine and writes its response.
func (h *Handler) dispatch(ctx context.Context, writer *framing.Writer, sess *sessions.Session, req *jsonrpc.Request) {
	resp, err := h.eng.HandleRequest(ctx, sess, req)
	if err != nil {
		h.log.ErrorContext(ctx, "stdio.dispatch_fail",
			slog.String("method", req.Method), slog.String("err", err.Error()))
		resp = jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "internal error", nil)
	}
	if resp == nil {
		// Closed session; drop silently.
		return
	}

	b, err := json.Marshal(resp)
	if err != nil {
		h.log.ErrorContext(ctx, "stdio.response_encode_fail", slog.String("err", err.Error()))
		return
	}
	if err := writer.WriteMessage(b); err != nil {
		h.log.ErrorContext(ctx, "stdio.response_write_fail", slog.String("err", err.Error()))
	}
}

func (h *Handler) writeError(ctx context.Context, writer *framing.Writer, id *jsonrpc.RequestID, code jsonrpc.ErrorCode, message string) {
	resp := jsonrpc.NewErrorResponse(id, code, message, nil)
	b, err := json.Marshal(resp)
	if err != nil {
		return
	}
	if err := writer.WriteMessage(b); err != nil {
		h.log.ErrorContext(ctx, "stdio.error_write_fail", slog.String("err", err.Error()))
	}
}
