package plugin

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/contextd/mcp-engine/mcp"
)

type searchArgs struct {
	Query string `json:"query" jsonschema:"required,description=Search query"`
	Limit int    `json:"limit,omitempty"`
}

func TestNewToolReflectsSchema(t *testing.T) {
	t.Parallel()

	reg := NewTool("search_docs", func(ctx context.Context, args searchArgs) (*mcp.CallToolResult, error) {
		return TextResult(args.Query), nil
	}, WithDescription("Search the docs"), WithRateLimit(5, time.Second), WithPermissions("call"))

	def := reg.Def
	if def.Descriptor.Name != "search_docs" {
		t.Fatalf("expected tool name search_docs, got %q", def.Descriptor.Name)
	}
	if def.Descriptor.Description != "Search the docs" {
		t.Fatalf("unexpected description %q", def.Descriptor.Description)
	}

	schema := def.Descriptor.InputSchema
	if schema.Type != "object" {
		t.Fatalf("expected object schema, got %q", schema.Type)
	}
	if prop, ok := schema.Properties["query"]; !ok || prop.Type != "string" {
		t.Fatalf("expected string property query, got %+v", schema.Properties)
	}
	if prop, ok := schema.Properties["limit"]; !ok || prop.Type != "integer" {
		t.Fatalf("expected integer property limit, got %+v", schema.Properties)
	}
	found := false
	for _, r := range schema.Required {
		if r == "query" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected query to be required, got %v", schema.Required)
	}
	if schema.AdditionalProperties {
		t.Fatal("schema should forbid additional properties by default")
	}

	if def.RateLimit == nil || def.RateLimit.Count != 5 || def.RateLimit.Window != time.Second {
		t.Fatalf("unexpected rate limit %+v", def.RateLimit)
	}
}

func TestNewToolHandlerDecodesArguments(t *testing.T) {
	t.Parallel()

	reg := NewTool("echo", func(ctx context.Context, args searchArgs) (*mcp.CallToolResult, error) {
		return TextResult(args.Query), nil
	})

	res, err := reg.Handler(context.Background(), &mcp.CallToolRequestReceived{
		Name:      "echo",
		Arguments: json.RawMessage(`{"query":"hello","limit":2}`),
	})
	if err != nil {
		t.Fatalf("Handler: %v", err)
	}
	if res.IsError {
		t.Fatalf("unexpected error result: %+v", res)
	}
	if len(res.Content) != 1 || res.Content[0].Text != "hello" {
		t.Fatalf("unexpected content %+v", res.Content)
	}
}

func TestNewToolHandlerRejectsUnknownFields(t *testing.T) {
	t.Parallel()

	reg := NewTool("strict", func(ctx context.Context, args searchArgs) (*mcp.CallToolResult, error) {
		return TextResult("ok"), nil
	})

	res, err := reg.Handler(context.Background(), &mcp.CallToolRequestReceived{
		Name:      "strict",
		Arguments: json.RawMessage(`{"query":"x","surprise":true}`),
	})
	if err != nil {
		t.Fatalf("decode failures are tool results, not errors: %v", err)
	}
	if !res.IsError {
		t.Fatal("expected IsError result for unknown field")
	}
}

func TestNewToolHandlerAllowsUnknownFieldsWhenConfigured(t *testing.T) {
	t.Parallel()

	reg := NewTool("lenient", func(ctx context.Context, args searchArgs) (*mcp.CallToolResult, error) {
		return TextResult(args.Query), nil
	}, WithAllowAdditionalProperties(true))

	if !reg.Def.Descriptor.InputSchema.AdditionalProperties {
		t.Fatal("schema should allow additional properties")
	}

	res, err := reg.Handler(context.Background(), &mcp.CallToolRequestReceived{
		Name:      "lenient",
		Arguments: json.RawMessage(`{"query":"x","surprise":true}`),
	})
	if err != nil {
		t.Fatalf("Handler: %v", err)
	}
	if res.IsError {
		t.Fatalf("unexpected error result: %+v", res)
	}
}

func TestNewToolHandlerEmptyArguments(t *testing.T) {
	t.Parallel()

	reg := NewTool("zero", func(ctx context.Context, args searchArgs) (*mcp.CallToolResult, error) {
		if args.Query != "" || args.Limit != 0 {
			t.Errorf("expected zero-value args, got %+v", args)
		}
		return TextResult("ok"), nil
	})

	res, err := reg.Handler(context.Background(), &mcp.CallToolRequestReceived{Name: "zero"})
	if err != nil {
		t.Fatalf("Handler: %v", err)
	}
	if res.IsError {
		t.Fatalf("unexpected error result: %+v", res)
	}
}

func TestErrorf(t *testing.T) {
	t.Parallel()

	res := Errorf("query %q too long", "abc")
	if !res.IsError {
		t.Fatal("Errorf must set IsError")
	}
	if len(res.Content) != 1 || res.Content[0].Text != `query "abc" too long` {
		t.Fatalf("unexpected content %+v", res.Content)
	}
}
