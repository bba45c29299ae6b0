package stdio

import (
	"context"
	"encoding/json"

	"github.com/contextd/mcp-engine/framing"
	"github.com/contextd/mcp-engine/internal/jsonrpc"
	"github.com/contextd/mcp-engine/internal/outbound"
	"github.com/contextd/mcp-engine/mcp"
)

// transport implements outbound.Transport over the shared frame writer. The
// writer's lock keeps server-initiated requests from interleaving with
// concurrently dispatched responses.
type transport struct {
	writer *framing.Writer
}

func (t *transport) SendRequest(ctx context.Context, id *jsonrpc.RequestID, req *jsonrpc.Request) error {
	b, err := json.Marshal(req)
	if err != nil {
		return err
	}
	return t.writer.WriteMessage(b)
}

func (t *transport) SendCancelled(ctx context.Context, requestID string) error {
	note, err := jsonrpc.NewRequest(nil, string(mcp.CancelledNotificationMethod), mcp.CancelledNotification{RequestID: requestID})
	if err != nil {
		return err
	}
	b, err := json.Marshal(note)
	if err != nil {
		return err
	}
	return t.writer.WriteMessage(b)
}

// Compile-time interface check
var _ outbound.Transport = (*transport)(nil)
