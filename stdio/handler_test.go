package stdio

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/contextd/mcp-engine/broker/memory"
	"github.com/contextd/mcp-engine/engine"
	"github.com/contextd/mcp-engine/internal/jsonrpc"
	"github.com/contextd/mcp-engine/mcp"
	"github.com/contextd/mcp-engine/plugin"
	"github.com/contextd/mcp-engine/registry"
	"github.com/contextd/mcp-engine/sessions"
)

type echoPlugin struct{}

func (echoPlugin) Manifest() plugin.Manifest {
	return plugin.Manifest{ID: "echo", Version: "1.0.0"}
}

func (echoPlugin) Initialize(ctx context.Context) error { return nil }
func (echoPlugin) Shutdown(ctx context.Context) error   { return nil }

func (echoPlugin) Tools() []plugin.ToolRegistration {
	type echoArgs struct {
		Text string `json:"text"`
	}
	return []plugin.ToolRegistration{
		plugin.NewTool("echo_text", func(ctx context.Context, args echoArgs) (*mcp.CallToolResult, error) {
			return plugin.TextResult(args.Text), nil
		}),
	}
}

// client drives a handler over in-process pipes the way a stdio peer would.
type client struct {
	t       *testing.T
	w       io.WriteCloser
	scanner *bufio.Scanner
	done    chan error
}

func newClient(t *testing.T) *client {
	t.Helper()

	store := registry.NewStore()
	plugins := plugin.NewManager(store)
	if err := plugins.Register(echoPlugin{}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := plugins.InitializeAll(context.Background()); err != nil {
		t.Fatalf("InitializeAll: %v", err)
	}
	sessMgr := sessions.NewManager(memory.New(), mcp.ServerCapabilities{
		Tools: &mcp.ToolsCapability{},
	})
	eng := engine.New(store, plugins, sessMgr)

	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	h := NewHandler(eng, WithIO(inR, outW))

	done := make(chan error, 1)
	go func() {
		done <- h.Serve(context.Background())
	}()

	c := &client{t: t, w: inW, scanner: bufio.NewScanner(outR), done: done}
	t.Cleanup(func() {
		_ = inW.Close()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("Serve did not return after input closed")
		}
		_ = outW.Close()
	})
	return c
}

func (c *client) sendRaw(line string) {
	c.t.Helper()
	if _, err := io.WriteString(c.w, line+"\n"); err != nil {
		c.t.Fatalf("write: %v", err)
	}
}

func (c *client) send(id any, method string, params any) {
	c.t.Helper()
	req, err := jsonrpc.NewRequest(jsonrpc.NewRequestID(id), method, params)
	if err != nil {
		c.t.Fatalf("NewRequest: %v", err)
	}
	b, err := json.Marshal(req)
	if err != nil {
		c.t.Fatalf("marshal: %v", err)
	}
	c.sendRaw(string(b))
}

func (c *client) recv() *jsonrpc.Response {
	c.t.Helper()
	if !c.scanner.Scan() {
		c.t.Fatalf("no response: %v", c.scanner.Err())
	}
	var resp jsonrpc.Response
	if err := json.Unmarshal(c.scanner.Bytes(), &resp); err != nil {
		c.t.Fatalf("decode response %q: %v", c.scanner.Text(), err)
	}
	return &resp
}

func TestServeHandshakeAndToolCall(t *testing.T) {
	t.Parallel()

	c := newClient(t)

	c.send(1, string(mcp.InitializeMethod), mcp.InitializeRequest{
		ProtocolVersion: "2025-06-18",
		ClientInfo:      mcp.ImplementationInfo{Name: "pipe-client", Version: "1.0"},
	})
	resp := c.recv()
	if resp.Error != nil {
		t.Fatalf("initialize: %v", resp.Error)
	}
	var init mcp.InitializeResult
	if err := json.Unmarshal(resp.Result, &init); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if init.ProtocolVersion != "2025-06-18" {
		t.Fatalf("unexpected protocol version %q", init.ProtocolVersion)
	}

	c.send(2, string(mcp.ToolsCallMethod), mcp.CallToolRequestReceived{
		Name:      "echo_text",
		Arguments: json.RawMessage(`{"text":"over the wire"}`),
	})
	resp = c.recv()
	if resp.Error != nil {
		t.Fatalf("tools/call: %v", resp.Error)
	}
	var result mcp.CallToolResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(result.Content) != 1 || result.Content[0].Text != "over the wire" {
		t.Fatalf("unexpected content %+v", result.Content)
	}
}

func TestServeMalformedJSON(t *testing.T) {
	t.Parallel()

	c := newClient(t)
	c.sendRaw(`{not json`)

	resp := c.recv()
	if resp.Error == nil || resp.Error.Code != jsonrpc.ErrorCodeParseError {
		t.Fatalf("expected parse error, got %+v", resp)
	}

	// The loop keeps serving after a malformed message.
	c.send(1, string(mcp.PingMethod), nil)
	resp = c.recv()
	if resp.Error == nil || resp.Error.Code != jsonrpc.ErrorCodeInvalidRequest {
		t.Fatalf("expected rejection before initialize, got %+v", resp)
	}
}

func TestServeInvalidEnvelope(t *testing.T) {
	t.Parallel()

	c := newClient(t)
	// Valid JSON, not a valid JSON-RPC message.
	c.sendRaw(`{"jsonrpc":"1.0","method":"ping"}`)

	resp := c.recv()
	if resp.Error == nil || resp.Error.Code != jsonrpc.ErrorCodeInvalidRequest {
		t.Fatalf("expected invalid request, got %+v", resp)
	}
}

func TestServeNotificationProducesNoResponse(t *testing.T) {
	t.Parallel()

	c := newClient(t)
	c.send(1, string(mcp.InitializeMethod), mcp.InitializeRequest{ProtocolVersion: "2025-06-18"})
	if resp := c.recv(); resp.Error != nil {
		t.Fatalf("initialize: %v", resp.Error)
	}

	note, err := jsonrpc.NewRequest(nil, string(mcp.InitializedNotificationMethod), nil)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	b, _ := json.Marshal(note)
	c.sendRaw(string(b))

	// A follow-up request gets the next response; the notification got none.
	c.send(2, string(mcp.PingMethod), nil)
	resp := c.recv()
	if resp.Error != nil {
		t.Fatalf("ping: %v", resp.Error)
	}
	if resp.ID.String() != "2" {
		t.Fatalf("expected response to request 2, got ID %q", resp.ID.String())
	}
}
