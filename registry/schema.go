package registry

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/contextd/mcp-engine/mcp"
)

// ValidateArguments checks raw call arguments against a tool input schema and
// returns the list of violated fields, empty when the arguments conform.
// Validation is structural: required fields, declared types, and, when the
// schema forbids additional properties, unknown fields.
func ValidateArguments(schema mcp.ToolInputSchema, args json.RawMessage) []string {
	var violations []string

	var obj map[string]json.RawMessage
	if len(args) == 0 {
		obj = map[string]json.RawMessage{}
	} else if err := json.Unmarshal(args, &obj); err != nil {
		return []string{"arguments: expected an object"}
	}

	for _, req := range schema.Required {
		if _, ok := obj[req]; !ok {
			violations = append(violations, fmt.Sprintf("%s: required", req))
		}
	}

	for name, raw := range obj {
		prop, ok := schema.Properties[name]
		if !ok {
			if !schema.AdditionalProperties {
				violations = append(violations, fmt.Sprintf("%s: unknown field", name))
			}
			continue
		}
		violations = append(violations, checkProperty(name, prop, raw)...)
	}

	sort.Strings(violations)
	return violations
}

func checkProperty(path string, prop mcp.SchemaProperty, raw json.RawMessage) []string {
	if prop.Type == "" {
		return nil
	}

	switch prop.Type {
	case "string":
		var v string
		if err := json.Unmarshal(raw, &v); err != nil {
			return []string{fmt.Sprintf("%s: expected string", path)}
		}
		if len(prop.Enum) > 0 && !enumContains(prop.Enum, v) {
			return []string{fmt.Sprintf("%s: value not in enum", path)}
		}
	case "number":
		var v float64
		if err := json.Unmarshal(raw, &v); err != nil {
			return []string{fmt.Sprintf("%s: expected number", path)}
		}
	case "integer":
		var v float64
		if err := json.Unmarshal(raw, &v); err != nil || v != float64(int64(v)) {
			return []string{fmt.Sprintf("%s: expected integer", path)}
		}
	case "boolean":
		var v bool
		if err := json.Unmarshal(raw, &v); err != nil {
			return []string{fmt.Sprintf("%s: expected boolean", path)}
		}
	case "array":
		var items []json.RawMessage
		if err := json.Unmarshal(raw, &items); err != nil {
			return []string{fmt.Sprintf("%s: expected array", path)}
		}
		if prop.Items != nil {
			var out []string
			for i, item := range items {
				out = append(out, checkProperty(fmt.Sprintf("%s[%d]", path, i), *prop.Items, item)...)
			}
			return out
		}
	case "object":
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(raw, &obj); err != nil {
			return []string{fmt.Sprintf("%s: expected object", path)}
		}
		var out []string
		for _, req := range prop.Required {
			if _, ok := obj[req]; !ok {
				out = append(out, fmt.Sprintf("%s.%s: required", path, req))
			}
		}
		for name, nested := range prop.Properties {
			if raw, ok := obj[name]; ok {
				out = append(out, checkProperty(path+"."+name, nested, raw)...)
			}
		}
		return out
	}
	return nil
}

func enumContains(enum []any, v string) bool {
	for _, e := range enum {
		if s, ok := e.(string); ok && s == v {
			return true
		}
	}
	return false
}
