package jsonrpc

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestDecodeParseError(t *testing.T) {
	t.Parallel()
	_, err := Decode([]byte(`{"jsonrpc": "2.0",`))
	if !errors.Is(err, ErrParse) {
		t.Fatalf("expected ErrParse for malformed JSON, got %v", err)
	}
}

func TestDecodeInvalidEnvelope(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		in   string
	}{
		{"wrong version", `{"jsonrpc":"1.0","method":"ping","id":1}`},
		{"request with result", `{"jsonrpc":"2.0","method":"ping","result":{},"id":1}`},
		{"response without id", `{"jsonrpc":"2.0","result":{}}`},
		{"response with result and error", `{"jsonrpc":"2.0","result":{},"error":{"code":1,"message":"x"},"id":1}`},
		{"neither request nor response", `{"jsonrpc":"2.0"}`},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := Decode([]byte(tc.in))
			if !errors.Is(err, ErrInvalidRequest) {
				t.Fatalf("expected ErrInvalidRequest, got %v", err)
			}
		})
	}
}

func TestDecodeMessageTypes(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"request", `{"jsonrpc":"2.0","method":"tools/call","params":{},"id":7}`, "request"},
		{"string id request", `{"jsonrpc":"2.0","method":"ping","id":"abc"}`, "request"},
		{"notification", `{"jsonrpc":"2.0","method":"notifications/cancelled","params":{"requestId":"7"}}`, "notification"},
		{"result response", `{"jsonrpc":"2.0","result":{"ok":true},"id":7}`, "response"},
		{"error response", `{"jsonrpc":"2.0","error":{"code":-32601,"message":"nope"},"id":7}`, "response"},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			msg, err := Decode([]byte(tc.in))
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			if got := msg.Type(); got != tc.want {
				t.Fatalf("expected type %q, got %q", tc.want, got)
			}
		})
	}
}

func TestRequestIDStringOrNumber(t *testing.T) {
	t.Parallel()

	var numID RequestID
	if err := json.Unmarshal([]byte(`42`), &numID); err != nil {
		t.Fatalf("unmarshal numeric id: %v", err)
	}
	if numID.String() != "42" {
		t.Fatalf("expected \"42\", got %q", numID.String())
	}
	out, err := json.Marshal(&numID)
	if err != nil {
		t.Fatalf("marshal numeric id: %v", err)
	}
	if string(out) != `42` {
		t.Fatalf("numeric id must round-trip as a number, got %s", out)
	}

	var strID RequestID
	if err := json.Unmarshal([]byte(`"req-1"`), &strID); err != nil {
		t.Fatalf("unmarshal string id: %v", err)
	}
	out, err = json.Marshal(&strID)
	if err != nil {
		t.Fatalf("marshal string id: %v", err)
	}
	if string(out) != `"req-1"` {
		t.Fatalf("string id must round-trip as a string, got %s", out)
	}

	var badID RequestID
	if err := json.Unmarshal([]byte(`{"x":1}`), &badID); err == nil {
		t.Fatal("expected error for object id")
	}
}

func TestResponseCarriesOriginatingID(t *testing.T) {
	t.Parallel()
	id := NewRequestID("req-9")
	resp, err := NewResultResponse(id, map[string]any{"ok": true})
	if err != nil {
		t.Fatalf("NewResultResponse: %v", err)
	}
	b, err := json.Marshal(resp)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	msg, err := Decode(b)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if msg.ID.String() != "req-9" {
		t.Fatalf("expected id req-9, got %q", msg.ID.String())
	}
}

func TestErrorResponseShape(t *testing.T) {
	t.Parallel()
	resp := NewErrorResponse(NewRequestID(1), ErrorCodeRateLimitExceeded, "rate limit exceeded", nil)
	if resp.Error == nil {
		t.Fatal("expected error payload")
	}
	if resp.Error.Code != -32004 {
		t.Fatalf("expected code -32004, got %d", resp.Error.Code)
	}
	if resp.Result != nil {
		t.Fatal("error response must not carry a result")
	}
}

func TestNotificationHasNoID(t *testing.T) {
	t.Parallel()
	req, err := NewRequest(nil, "notifications/resources/updated", map[string]string{"uri": "fs://a"})
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	if !req.IsNotification() {
		t.Fatal("request without id must be a notification")
	}
	b, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	msg, err := Decode(b)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if msg.Type() != "notification" {
		t.Fatalf("expected notification, got %s", msg.Type())
	}
}
