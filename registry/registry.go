// Package registry holds validated tool and resource definitions published by
// the plugin lifecycle manager. Readers always observe one complete, immutable
// Snapshot; writers build a replacement copy-on-write and publish it with an
// atomic pointer swap, so the read path takes no locks.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/contextd/mcp-engine/mcp"
)

var (
	// ErrDuplicateName indicates two definitions collide on the same name or URI.
	ErrDuplicateName = errors.New("duplicate capability name")
	// ErrInvalidDefinition indicates a definition failed structural validation.
	ErrInvalidDefinition = errors.New("invalid capability definition")
	// ErrVersionRegression indicates an attempt to publish a stale snapshot.
	ErrVersionRegression = errors.New("snapshot version regression")
	// ErrResourceNotFound is returned by providers when a resolved URI has no
	// backing content.
	ErrResourceNotFound = errors.New("resource not found")
	// ErrExternalService is wrapped by providers when an upstream dependency
	// failed; the dispatcher maps it to its own error code.
	ErrExternalService = errors.New("external service failure")
)

// ToolHandler executes one tool call. Arguments have already passed schema
// validation when the handler runs.
type ToolHandler func(ctx context.Context, req *mcp.CallToolRequestReceived) (*mcp.CallToolResult, error)

// ReadResourceFunc reads the contents of a resource by URI.
type ReadResourceFunc func(ctx context.Context, uri string) ([]mcp.ResourceContents, error)

// EmitUpdateFunc is invoked by a provider when a subscribed resource changes.
type EmitUpdateFunc func(ctx context.Context, uri string)

// CancelSubscription tears down one resource subscription.
type CancelSubscription func(ctx context.Context) error

// SubscribeFunc wires an update emitter for a resource URI and returns a
// cancel function.
type SubscribeFunc func(ctx context.Context, uri string, emit EmitUpdateFunc) (CancelSubscription, error)

// RateLimit declares token-bucket admission parameters for a tool: at most
// Count calls per Window once the bucket is drained.
type RateLimit struct {
	Count  int
	Window time.Duration
}

// ToolDefinition is an immutable, validated tool declaration. Definitions are
// replaced wholesale on plugin reload, never mutated in place.
type ToolDefinition struct {
	Descriptor  mcp.Tool
	Permissions []string
	RateLimit   *RateLimit
}

// ResourceDefinition is an immutable resource declaration. URI may be a
// concrete URI or a template with {name} segments.
type ResourceDefinition struct {
	URI          string
	Name         string
	Description  string
	MimeType     string
	Subscribable bool
}

// IsTemplate reports whether the definition's URI contains template segments.
func (d ResourceDefinition) IsTemplate() bool {
	return strings.ContainsRune(d.URI, '{')
}

// ToolEntry pairs a tool definition with its owning plugin and handler.
type ToolEntry struct {
	Def      ToolDefinition
	PluginID string
	Handler  ToolHandler
}

// ResourceEntry pairs a resource definition with its owning plugin and the
// provider hooks bound at publish time.
type ResourceEntry struct {
	Def       ResourceDefinition
	PluginID  string
	Read      ReadResourceFunc
	Subscribe SubscribeFunc
}

// Snapshot is an immutable, versioned view of every registered capability.
// Snapshots must never be mutated after Build.
type Snapshot struct {
	version   uint64
	tools     map[string]ToolEntry
	resources map[string]ResourceEntry
}

// Version returns the snapshot's monotonically increasing version.
func (s *Snapshot) Version() uint64 { return s.version }

// Tool looks up a tool entry by name.
func (s *Snapshot) Tool(name string) (ToolEntry, bool) {
	e, ok := s.tools[name]
	return e, ok
}

// Resource resolves a URI against registered resources: an exact match first,
// then template matches.
func (s *Snapshot) Resource(uri string) (ResourceEntry, bool) {
	if e, ok := s.resources[uri]; ok {
		return e, ok
	}
	for _, e := range s.resources {
		if e.Def.IsTemplate() && matchTemplate(e.Def.URI, uri) {
			return e, true
		}
	}
	return ResourceEntry{}, false
}

// Tools returns all tool descriptors sorted by name.
func (s *Snapshot) Tools() []mcp.Tool {
	out := make([]mcp.Tool, 0, len(s.tools))
	for _, e := range s.tools {
		out = append(out, e.Def.Descriptor)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Resources returns all concrete resource descriptors sorted by URI.
func (s *Snapshot) Resources() []mcp.Resource {
	out := make([]mcp.Resource, 0, len(s.resources))
	for _, e := range s.resources {
		if e.Def.IsTemplate() {
			continue
		}
		out = append(out, mcp.Resource{
			URI:         e.Def.URI,
			Name:        e.Def.Name,
			Description: e.Def.Description,
			MimeType:    e.Def.MimeType,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].URI < out[j].URI })
	return out
}

// matchTemplate matches a concrete URI against a template, segment by
// segment; a {name} segment matches any single non-empty segment.
func matchTemplate(template, uri string) bool {
	tSegs := strings.Split(template, "/")
	uSegs := strings.Split(uri, "/")
	if len(tSegs) != len(uSegs) {
		return false
	}
	for i, t := range tSegs {
		if strings.HasPrefix(t, "{") && strings.HasSuffix(t, "}") {
			if uSegs[i] == "" {
				return false
			}
			continue
		}
		if t != uSegs[i] {
			return false
		}
	}
	return true
}

// ValidateTool performs the structural checks applied at registration time so
// malformed definitions never reach a published snapshot.
func ValidateTool(def ToolDefinition) error {
	if def.Descriptor.Name == "" {
		return fmt.Errorf("%w: tool name required", ErrInvalidDefinition)
	}
	if def.Descriptor.InputSchema.Type != "object" {
		return fmt.Errorf("%w: tool %q input schema must be an object", ErrInvalidDefinition, def.Descriptor.Name)
	}
	if def.RateLimit != nil && (def.RateLimit.Count <= 0 || def.RateLimit.Window <= 0) {
		return fmt.Errorf("%w: tool %q rate limit must have positive count and window", ErrInvalidDefinition, def.Descriptor.Name)
	}
	return nil
}

// ValidateResource performs structural checks on a resource definition.
func ValidateResource(def ResourceDefinition) error {
	if def.URI == "" {
		return fmt.Errorf("%w: resource uri required", ErrInvalidDefinition)
	}
	if def.Name == "" {
		return fmt.Errorf("%w: resource %q name required", ErrInvalidDefinition, def.URI)
	}
	return nil
}

// Builder constructs the next snapshot copy-on-write over a base. The zero
// value is not usable; start from NewBuilder.
type Builder struct {
	version   uint64
	tools     map[string]ToolEntry
	resources map[string]ResourceEntry
}

// NewBuilder copies base (which may be nil) into a mutable builder whose
// Build result carries the next version.
func NewBuilder(base *Snapshot) *Builder {
	b := &Builder{
		tools:     make(map[string]ToolEntry),
		resources: make(map[string]ResourceEntry),
	}
	if base != nil {
		b.version = base.version
		for k, v := range base.tools {
			b.tools[k] = v
		}
		for k, v := range base.resources {
			b.resources[k] = v
		}
	}
	return b
}

// AddTool validates and stages a tool entry. Names are unique across the
// whole snapshot; a collision with another plugin's tool is an error.
func (b *Builder) AddTool(e ToolEntry) error {
	if err := ValidateTool(e.Def); err != nil {
		return err
	}
	if e.Handler == nil {
		return fmt.Errorf("%w: tool %q has no handler", ErrInvalidDefinition, e.Def.Descriptor.Name)
	}
	name := e.Def.Descriptor.Name
	if prev, ok := b.tools[name]; ok && prev.PluginID != e.PluginID {
		return fmt.Errorf("%w: tool %q already registered by plugin %q", ErrDuplicateName, name, prev.PluginID)
	}
	b.tools[name] = e
	return nil
}

// AddResource validates and stages a resource entry.
func (b *Builder) AddResource(e ResourceEntry) error {
	if err := ValidateResource(e.Def); err != nil {
		return err
	}
	if e.Read == nil {
		return fmt.Errorf("%w: resource %q has no reader", ErrInvalidDefinition, e.Def.URI)
	}
	if prev, ok := b.resources[e.Def.URI]; ok && prev.PluginID != e.PluginID {
		return fmt.Errorf("%w: resource %q already registered by plugin %q", ErrDuplicateName, e.Def.URI, prev.PluginID)
	}
	b.resources[e.Def.URI] = e
	return nil
}

// RemovePlugin drops every capability owned by the given plugin.
func (b *Builder) RemovePlugin(pluginID string) {
	for k, v := range b.tools {
		if v.PluginID == pluginID {
			delete(b.tools, k)
		}
	}
	for k, v := range b.resources {
		if v.PluginID == pluginID {
			delete(b.resources, k)
		}
	}
}

// Build seals the builder into an immutable snapshot with the next version.
func (b *Builder) Build() *Snapshot {
	return &Snapshot{
		version:   b.version + 1,
		tools:     b.tools,
		resources: b.resources,
	}
}
