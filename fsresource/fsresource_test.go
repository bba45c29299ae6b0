package fsresource

import (
	"context"
	"encoding/base64"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/contextd/mcp-engine/registry"
)

func newTestProvider(t *testing.T, opts ...Option) (*Provider, string) {
	t.Helper()
	dir := t.TempDir()
	opts = append([]Option{WithUpdateDebounce(10 * time.Millisecond)}, opts...)
	p := New(dir, opts...)
	if err := p.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = p.Shutdown(ctx)
	})
	return p, dir
}

func writeFile(t *testing.T, dir, name string, data []byte) string {
	t.Helper()
	fp := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(fp), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(fp, data, 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return fp
}

func TestResourcesListsFiles(t *testing.T) {
	t.Parallel()

	p, dir := newTestProvider(t)
	writeFile(t, dir, "readme.md", []byte("# hi"))
	writeFile(t, dir, "sub/notes.txt", []byte("notes"))

	defs := p.Resources()
	if len(defs) != 2 {
		t.Fatalf("expected 2 resources, got %d: %+v", len(defs), defs)
	}
	uris := map[string]registry.ResourceDefinition{}
	for _, d := range defs {
		uris[d.URI] = d
	}
	md, ok := uris["fs://workspace/readme.md"]
	if !ok {
		t.Fatalf("missing readme resource, got %v", uris)
	}
	if !md.Subscribable {
		t.Fatal("filesystem resources should be subscribable")
	}
	if _, ok := uris["fs://workspace/sub/notes.txt"]; !ok {
		t.Fatalf("missing nested resource, got %v", uris)
	}
}

func TestReadResourceText(t *testing.T) {
	t.Parallel()

	p, dir := newTestProvider(t)
	writeFile(t, dir, "readme.md", []byte("# hello"))

	contents, err := p.ReadResource(context.Background(), "fs://workspace/readme.md")
	if err != nil {
		t.Fatalf("ReadResource: %v", err)
	}
	if len(contents) != 1 {
		t.Fatalf("expected one content item, got %d", len(contents))
	}
	if contents[0].Text != "# hello" {
		t.Fatalf("unexpected text %q", contents[0].Text)
	}
	if contents[0].Blob != "" {
		t.Fatal("text files should not carry a blob")
	}
}

func TestReadResourceBinary(t *testing.T) {
	t.Parallel()

	p, dir := newTestProvider(t)
	raw := []byte{0x89, 0x50, 0x4e, 0x47, 0xff, 0xfe}
	writeFile(t, dir, "img.bin", raw)

	contents, err := p.ReadResource(context.Background(), "fs://workspace/img.bin")
	if err != nil {
		t.Fatalf("ReadResource: %v", err)
	}
	if contents[0].Text != "" {
		t.Fatal("binary files should not carry text")
	}
	decoded, err := base64.StdEncoding.DecodeString(contents[0].Blob)
	if err != nil {
		t.Fatalf("decode blob: %v", err)
	}
	if string(decoded) != string(raw) {
		t.Fatalf("blob round trip mismatch: %v", decoded)
	}
}

func TestReadResourceNotFound(t *testing.T) {
	t.Parallel()

	p, _ := newTestProvider(t)
	_, err := p.ReadResource(context.Background(), "fs://workspace/missing.txt")
	if !errors.Is(err, registry.ErrResourceNotFound) {
		t.Fatalf("expected ErrResourceNotFound, got %v", err)
	}
}

func TestReadResourceRejectsTraversal(t *testing.T) {
	t.Parallel()

	p, dir := newTestProvider(t)
	// A real file outside the root that traversal would reach.
	outside := filepath.Join(filepath.Dir(dir), "secret.txt")
	if err := os.WriteFile(outside, []byte("secret"), 0o644); err != nil {
		t.Fatalf("write outside file: %v", err)
	}
	t.Cleanup(func() { _ = os.Remove(outside) })

	for _, uri := range []string{
		"fs://workspace/../secret.txt",
		"fs://workspace/..%2Fsecret.txt",
		"fs://workspace/sub/../../secret.txt",
		"fs://elsewhere/readme.md",
	} {
		if _, err := p.ReadResource(context.Background(), uri); !errors.Is(err, registry.ErrResourceNotFound) {
			t.Fatalf("uri %q: expected ErrResourceNotFound, got %v", uri, err)
		}
	}
}

func TestReadResourceRejectsSymlinkEscape(t *testing.T) {
	t.Parallel()

	p, dir := newTestProvider(t)
	outside := filepath.Join(filepath.Dir(dir), "escape-target.txt")
	if err := os.WriteFile(outside, []byte("outside"), 0o644); err != nil {
		t.Fatalf("write outside file: %v", err)
	}
	t.Cleanup(func() { _ = os.Remove(outside) })

	link := filepath.Join(dir, "link.txt")
	if err := os.Symlink(outside, link); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}

	if _, err := p.ReadResource(context.Background(), "fs://workspace/link.txt"); !errors.Is(err, registry.ErrResourceNotFound) {
		t.Fatalf("expected ErrResourceNotFound through symlink, got %v", err)
	}
}

func TestSubscribeEmitsOnWrite(t *testing.T) {
	t.Parallel()

	p, dir := newTestProvider(t)
	writeFile(t, dir, "watched.txt", []byte("v1"))

	var mu sync.Mutex
	var got []string
	cancel, err := p.Subscribe(context.Background(), "fs://workspace/watched.txt", func(ctx context.Context, uri string) {
		mu.Lock()
		got = append(got, uri)
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer cancel(context.Background())

	writeFile(t, dir, "watched.txt", []byte("v2"))

	deadline := time.Now().Add(5 * time.Second)
	for {
		mu.Lock()
		n := len(got)
		mu.Unlock()
		if n > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("no update emitted after write")
		}
		time.Sleep(10 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if got[0] != "fs://workspace/watched.txt" {
		t.Fatalf("unexpected uri %q", got[0])
	}
}

func TestSubscribeIgnoresOtherFiles(t *testing.T) {
	t.Parallel()

	p, dir := newTestProvider(t)
	writeFile(t, dir, "watched.txt", []byte("v1"))

	emitted := make(chan string, 8)
	cancel, err := p.Subscribe(context.Background(), "fs://workspace/watched.txt", func(ctx context.Context, uri string) {
		emitted <- uri
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer cancel(context.Background())

	writeFile(t, dir, "unrelated.txt", []byte("noise"))

	select {
	case uri := <-emitted:
		t.Fatalf("unexpected emit for %q", uri)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestUnsubscribeStopsEmits(t *testing.T) {
	t.Parallel()

	p, dir := newTestProvider(t)
	writeFile(t, dir, "watched.txt", []byte("v1"))

	emitted := make(chan string, 8)
	cancel, err := p.Subscribe(context.Background(), "fs://workspace/watched.txt", func(ctx context.Context, uri string) {
		emitted <- uri
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if err := cancel(context.Background()); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	writeFile(t, dir, "watched.txt", []byte("v2"))

	select {
	case uri := <-emitted:
		t.Fatalf("emit after unsubscribe for %q", uri)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestSubscribeUnknownResource(t *testing.T) {
	t.Parallel()

	p, _ := newTestProvider(t)
	_, err := p.Subscribe(context.Background(), "fs://workspace/missing.txt", func(context.Context, string) {})
	if !errors.Is(err, registry.ErrResourceNotFound) {
		t.Fatalf("expected ErrResourceNotFound, got %v", err)
	}
}

func TestInitializeRejectsNonDirectory(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	fp := writeFile(t, dir, "file.txt", []byte("x"))

	p := New(fp)
	if err := p.Initialize(context.Background()); err == nil {
		_ = p.Shutdown(context.Background())
		t.Fatal("expected error for non-directory root")
	}
}
