package registry

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/contextd/mcp-engine/mcp"
)

func searchSchema() mcp.ToolInputSchema {
	return mcp.ToolInputSchema{
		Type: "object",
		Properties: map[string]mcp.SchemaProperty{
			"query": {Type: "string"},
			"limit": {Type: "integer"},
			"exact": {Type: "boolean"},
			"mode":  {Type: "string", Enum: []any{"fast", "thorough"}},
			"tags":  {Type: "array", Items: &mcp.SchemaProperty{Type: "string"}},
			"filter": {
				Type:       "object",
				Required:   []string{"field"},
				Properties: map[string]mcp.SchemaProperty{"field": {Type: "string"}},
			},
		},
		Required: []string{"query"},
	}
}

func TestValidateArguments(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		args string
		want []string
	}{
		{"valid", `{"query":"go","limit":3,"exact":true}`, nil},
		{"missing required", `{"limit":3}`, []string{"query: required"}},
		{"wrong type", `{"query":5}`, []string{"query: expected string"}},
		{"float for integer", `{"query":"go","limit":1.5}`, []string{"limit: expected integer"}},
		{"enum violation", `{"query":"go","mode":"sloppy"}`, []string{"mode: value not in enum"}},
		{"unknown field", `{"query":"go","verbose":true}`, []string{"verbose: unknown field"}},
		{"array item type", `{"query":"go","tags":["a",2]}`, []string{"tags[1]: expected string"}},
		{"nested required", `{"query":"go","filter":{}}`, []string{"filter.field: required"}},
		{"not an object", `[1,2]`, []string{"arguments: expected an object"}},
		{"empty arguments", ``, []string{"query: required"}},
		{"multiple violations", `{"limit":"x","exact":"y"}`, []string{
			"exact: expected boolean",
			"limit: expected integer",
			"query: required",
		}},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := ValidateArguments(searchSchema(), json.RawMessage(tc.args))
			if len(got) != len(tc.want) {
				t.Fatalf("expected %d violations %v, got %v", len(tc.want), tc.want, got)
			}
			for i := range tc.want {
				if got[i] != tc.want[i] {
					t.Fatalf("violation %d: expected %q, got %q", i, tc.want[i], got[i])
				}
			}
		})
	}
}

func TestValidateArgumentsAllowsAdditionalWhenConfigured(t *testing.T) {
	t.Parallel()
	schema := searchSchema()
	schema.AdditionalProperties = true
	got := ValidateArguments(schema, json.RawMessage(`{"query":"go","extra":1}`))
	if len(got) != 0 {
		t.Fatalf("expected no violations, got %v", got)
	}
}

func TestValidateArgumentsViolationsAreSorted(t *testing.T) {
	t.Parallel()
	got := ValidateArguments(searchSchema(), json.RawMessage(`{"tags":[1],"limit":"x"}`))
	for i := 1; i < len(got); i++ {
		if strings.Compare(got[i-1], got[i]) > 0 {
			t.Fatalf("violations not sorted: %v", got)
		}
	}
}
