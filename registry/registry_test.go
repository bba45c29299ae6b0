package registry

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/contextd/mcp-engine/mcp"
)

func noopHandler(ctx context.Context, req *mcp.CallToolRequestReceived) (*mcp.CallToolResult, error) {
	return &mcp.CallToolResult{}, nil
}

func toolEntry(plugin, name string) ToolEntry {
	return ToolEntry{
		Def: ToolDefinition{
			Descriptor: mcp.Tool{
				Name:        name,
				InputSchema: mcp.ToolInputSchema{Type: "object"},
			},
		},
		PluginID: plugin,
		Handler:  noopHandler,
	}
}

func resourceEntry(plugin, uri string) ResourceEntry {
	return ResourceEntry{
		Def:      ResourceDefinition{URI: uri, Name: uri},
		PluginID: plugin,
		Read: func(ctx context.Context, uri string) ([]mcp.ResourceContents, error) {
			return []mcp.ResourceContents{{URI: uri}}, nil
		},
	}
}

func TestBuilderRejectsDuplicateToolName(t *testing.T) {
	t.Parallel()
	b := NewBuilder(nil)
	if err := b.AddTool(toolEntry("p1", "search")); err != nil {
		t.Fatalf("AddTool: %v", err)
	}
	err := b.AddTool(toolEntry("p2", "search"))
	if !errors.Is(err, ErrDuplicateName) {
		t.Fatalf("expected ErrDuplicateName, got %v", err)
	}
}

func TestBuilderValidatesDefinitions(t *testing.T) {
	t.Parallel()
	b := NewBuilder(nil)

	err := b.AddTool(ToolEntry{Def: ToolDefinition{}, PluginID: "p1", Handler: noopHandler})
	if !errors.Is(err, ErrInvalidDefinition) {
		t.Fatalf("expected ErrInvalidDefinition for missing name, got %v", err)
	}

	entry := toolEntry("p1", "bad-limit")
	entry.Def.RateLimit = &RateLimit{Count: 0, Window: 0}
	if err := b.AddTool(entry); !errors.Is(err, ErrInvalidDefinition) {
		t.Fatalf("expected ErrInvalidDefinition for bad rate limit, got %v", err)
	}

	err = b.AddResource(ResourceEntry{Def: ResourceDefinition{Name: "x"}, PluginID: "p1"})
	if !errors.Is(err, ErrInvalidDefinition) {
		t.Fatalf("expected ErrInvalidDefinition for missing uri, got %v", err)
	}
}

func TestSnapshotVersionsAreMonotonic(t *testing.T) {
	t.Parallel()
	b := NewBuilder(nil)
	if err := b.AddTool(toolEntry("p1", "one")); err != nil {
		t.Fatalf("AddTool: %v", err)
	}
	s1 := b.Build()

	b2 := NewBuilder(s1)
	if err := b2.AddTool(toolEntry("p1", "two")); err != nil {
		t.Fatalf("AddTool: %v", err)
	}
	s2 := b2.Build()

	if s2.Version() <= s1.Version() {
		t.Fatalf("expected version to grow, got %d then %d", s1.Version(), s2.Version())
	}
	// The base snapshot must be unaffected by later builds.
	if _, ok := s1.Tool("two"); ok {
		t.Fatal("published snapshot was mutated by a later builder")
	}
	if len(s2.Tools()) != 2 {
		t.Fatalf("expected 2 tools in new snapshot, got %d", len(s2.Tools()))
	}
}

func TestRemovePluginDropsAllCapabilities(t *testing.T) {
	t.Parallel()
	b := NewBuilder(nil)
	if err := b.AddTool(toolEntry("p1", "keep")); err != nil {
		t.Fatalf("AddTool: %v", err)
	}
	if err := b.AddTool(toolEntry("p2", "drop")); err != nil {
		t.Fatalf("AddTool: %v", err)
	}
	if err := b.AddResource(resourceEntry("p2", "mem://gone")); err != nil {
		t.Fatalf("AddResource: %v", err)
	}
	b.RemovePlugin("p2")
	s := b.Build()

	if _, ok := s.Tool("drop"); ok {
		t.Fatal("expected p2 tool to be removed")
	}
	if _, ok := s.Resource("mem://gone"); ok {
		t.Fatal("expected p2 resource to be removed")
	}
	if _, ok := s.Tool("keep"); !ok {
		t.Fatal("p1 tool must survive")
	}
}

func TestResourceTemplateResolution(t *testing.T) {
	t.Parallel()
	b := NewBuilder(nil)
	tpl := resourceEntry("p1", "db://tables/{table}")
	if err := b.AddResource(tpl); err != nil {
		t.Fatalf("AddResource: %v", err)
	}
	exact := resourceEntry("p1", "db://tables/users")
	if err := b.AddResource(exact); err != nil {
		t.Fatalf("AddResource: %v", err)
	}
	s := b.Build()

	// Exact match wins over the template.
	e, ok := s.Resource("db://tables/users")
	if !ok || e.Def.URI != "db://tables/users" {
		t.Fatalf("expected exact entry, got %+v ok=%v", e.Def, ok)
	}

	// Other URIs fall through to the template.
	e, ok = s.Resource("db://tables/orders")
	if !ok || e.Def.URI != "db://tables/{table}" {
		t.Fatalf("expected template entry, got %+v ok=%v", e.Def, ok)
	}

	if _, ok := s.Resource("db://views/orders"); ok {
		t.Fatal("template must not match a different segment")
	}

	// Templates are excluded from concrete listings.
	for _, r := range s.Resources() {
		if r.URI == "db://tables/{table}" {
			t.Fatal("template leaked into resource listing")
		}
	}
}

func TestStorePublishRejectsRegression(t *testing.T) {
	t.Parallel()
	store := NewStore()
	base := store.Load()

	b := NewBuilder(base)
	if err := b.AddTool(toolEntry("p1", "one")); err != nil {
		t.Fatalf("AddTool: %v", err)
	}
	next := b.Build()
	if err := store.Publish(next); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	// Re-publishing the already-current version must fail.
	if err := store.Publish(next); !errors.Is(err, ErrVersionRegression) {
		t.Fatalf("expected ErrVersionRegression, got %v", err)
	}
	if store.Load().Version() != next.Version() {
		t.Fatal("failed publish must not change the active snapshot")
	}
}

func TestStoreConcurrentReadsDuringPublish(t *testing.T) {
	t.Parallel()
	store := NewStore()

	var wg sync.WaitGroup
	stop := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		var last uint64
		for {
			select {
			case <-stop:
				return
			default:
			}
			v := store.Load().Version()
			if v < last {
				t.Errorf("observed version regression: %d after %d", v, last)
				return
			}
			last = v
		}
	}()

	for i := 0; i < 100; i++ {
		b := NewBuilder(store.Load())
		if err := b.AddTool(toolEntry("p1", "tool-"+string(rune('a'+i%26))+string(rune('a'+i/26)))); err != nil {
			t.Fatalf("AddTool: %v", err)
		}
		if err := store.Publish(b.Build()); err != nil {
			t.Fatalf("Publish: %v", err)
		}
	}
	close(stop)
	wg.Wait()
}
