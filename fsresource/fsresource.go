// Package fsresource exposes the files under a directory root as subscribable
// resources. A fsnotify watcher over the root drives per-URI update
// notifications with debouncing, so a burst of writes collapses to one
// notification.
//
// Reads are constrained to the symlink-resolved root; traversal outside it,
// including through symlinks, resolves to not-found.
package fsresource

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"mime"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/fsnotify/fsnotify"

	"github.com/contextd/mcp-engine/mcp"
	"github.com/contextd/mcp-engine/plugin"
	"github.com/contextd/mcp-engine/registry"
)

const defaultDebounce = 250 * time.Millisecond

// Provider is a resource plugin over one directory root.
type Provider struct {
	id       string
	version  string
	root     string // absolute, symlink-evaluated on Initialize
	baseURI  string
	log      *slog.Logger
	debounce time.Duration

	mu        sync.Mutex
	nextSub   int
	subs      map[string]map[int]registry.EmitUpdateFunc // uri -> token -> emit
	debounced map[string]*debouncer

	watchCtx    context.Context
	watchCancel context.CancelFunc
	watchDone   chan struct{}
}

// Option configures a Provider.
type Option func(*Provider)

// WithID overrides the plugin ID. Defaults to "fsresource".
func WithID(id string) Option {
	return func(p *Provider) { p.id = id }
}

// WithBaseURI sets the URI prefix used for resource URIs, e.g.
// "fs://workspace". Defaults to "fs://workspace".
func WithBaseURI(base string) Option {
	return func(p *Provider) { p.baseURI = strings.TrimRight(base, "/") }
}

// WithUpdateDebounce sets the per-URI debounce interval for update
// notifications. Zero disables debouncing.
func WithUpdateDebounce(d time.Duration) Option {
	return func(p *Provider) { p.debounce = d }
}

// WithLogger sets the provider logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Provider) {
		if l != nil {
			p.log = l
		}
	}
}

// New creates a filesystem resource provider rooted at dir.
func New(dir string, opts ...Option) *Provider {
	p := &Provider{
		id:        "fsresource",
		version:   "1.0.0",
		root:      dir,
		baseURI:   "fs://workspace",
		log:       slog.Default(),
		debounce:  defaultDebounce,
		subs:      make(map[string]map[int]registry.EmitUpdateFunc),
		debounced: make(map[string]*debouncer),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Manifest implements plugin.Plugin.
func (p *Provider) Manifest() plugin.Manifest {
	return plugin.Manifest{
		ID:          p.id,
		Version:     p.version,
		Description: "filesystem-backed subscribable resources",
	}
}

// Initialize resolves the root and starts the directory watcher.
func (p *Provider) Initialize(ctx context.Context) error {
	abs, err := filepath.Abs(p.root)
	if err != nil {
		return fmt.Errorf("resolve root %q: %w", p.root, err)
	}
	real, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return fmt.Errorf("resolve root %q: %w", p.root, err)
	}
	st, err := os.Stat(real)
	if err != nil || !st.IsDir() {
		return fmt.Errorf("root %q is not a directory", p.root)
	}
	p.root = real

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("start watcher: %w", err)
	}
	if err := addDirs(w, p.root); err != nil {
		_ = w.Close()
		return fmt.Errorf("watch root %q: %w", p.root, err)
	}

	p.watchCtx, p.watchCancel = context.WithCancel(context.Background())
	p.watchDone = make(chan struct{})
	go p.watch(w)
	return nil
}

// Shutdown stops the watcher and drops all subscriptions.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.watchCancel != nil {
		p.watchCancel()
		select {
		case <-p.watchDone:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	p.mu.Lock()
	p.subs = make(map[string]map[int]registry.EmitUpdateFunc)
	p.debounced = make(map[string]*debouncer)
	p.mu.Unlock()
	return nil
}

// Resources scans the root and declares one subscribable definition per
// regular file.
func (p *Provider) Resources() []registry.ResourceDefinition {
	var out []registry.ResourceDefinition
	_ = filepath.WalkDir(p.root, func(fp string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil // best-effort listing
		}
		if d.Type()&fs.ModeSymlink != 0 {
			return nil
		}
		rel, err := filepath.Rel(p.root, fp)
		if err != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)
		out = append(out, registry.ResourceDefinition{
			URI:          p.relToURI(rel),
			Name:         path.Base(rel),
			MimeType:     mime.TypeByExtension(strings.ToLower(path.Ext(rel))),
			Subscribable: true,
		})
		return nil
	})
	return out
}

// ReadResource implements plugin.ResourceProvider.
func (p *Provider) ReadResource(ctx context.Context, uri string) ([]mcp.ResourceContents, error) {
	real, err := p.uriToPath(uri)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(real)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", registry.ErrResourceNotFound, uri)
		}
		return nil, fmt.Errorf("read %s: %w", uri, err)
	}

	mimeType := mime.TypeByExtension(strings.ToLower(filepath.Ext(real)))
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	if utf8.Valid(data) {
		return []mcp.ResourceContents{{URI: uri, MimeType: mimeType, Text: string(data)}}, nil
	}
	return []mcp.ResourceContents{{URI: uri, MimeType: mimeType, Blob: base64.StdEncoding.EncodeToString(data)}}, nil
}

// Subscribe implements plugin.ResourceSubscriber. Updates observed by the
// watcher for uri invoke emit until the returned cancel runs.
func (p *Provider) Subscribe(ctx context.Context, uri string, emit registry.EmitUpdateFunc) (registry.CancelSubscription, error) {
	if _, err := p.uriToPath(uri); err != nil {
		return nil, err
	}

	p.mu.Lock()
	token := p.nextSub
	p.nextSub++
	if _, ok := p.subs[uri]; !ok {
		p.subs[uri] = make(map[int]registry.EmitUpdateFunc)
	}
	p.subs[uri][token] = emit
	p.mu.Unlock()

	cancel := func(context.Context) error {
		p.mu.Lock()
		if m, ok := p.subs[uri]; ok {
			delete(m, token)
			if len(m) == 0 {
				delete(p.subs, uri)
			}
		}
		p.mu.Unlock()
		return nil
	}
	return cancel, nil
}

// watch consumes fsnotify events until the watch context is cancelled.
func (p *Provider) watch(w *fsnotify.Watcher) {
	defer close(p.watchDone)
	defer func() {
		// Best-effort watcher close.
		_ = w.Close()
	}()

	for {
		select {
		case <-p.watchCtx.Done():
			return
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			// Keep watching directories created under the root.
			if ev.Op&fsnotify.Create != 0 {
				if fi, err := os.Stat(ev.Name); err == nil && fi.IsDir() {
					_ = w.Add(ev.Name)
					continue
				}
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
				p.markUpdated(ev.Name)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			p.log.Debug("fsresource.watch_error", slog.String("err", err.Error()))
		}
	}
}

// markUpdated maps an event path to its URI and fires the debounced emit
// fanout when anyone is subscribed.
func (p *Provider) markUpdated(eventPath string) {
	abs, err := filepath.Abs(eventPath)
	if err != nil || !within(abs, p.root) {
		return
	}
	rel, err := filepath.Rel(p.root, abs)
	if err != nil {
		return
	}
	uri := p.relToURI(filepath.ToSlash(rel))

	p.mu.Lock()
	if _, ok := p.subs[uri]; !ok {
		p.mu.Unlock()
		return
	}
	db, ok := p.debounced[uri]
	if !ok {
		db = &debouncer{interval: p.debounce, fire: func() { p.fanout(uri) }}
		p.debounced[uri] = db
	}
	p.mu.Unlock()

	db.trigger()
}

// fanout invokes every registered emit for uri.
func (p *Provider) fanout(uri string) {
	p.mu.Lock()
	emits := make([]registry.EmitUpdateFunc, 0, len(p.subs[uri]))
	for _, emit := range p.subs[uri] {
		emits = append(emits, emit)
	}
	p.mu.Unlock()

	ctx := p.watchCtx
	if ctx == nil || ctx.Err() != nil {
		return
	}
	for _, emit := range emits {
		emit(ctx, uri)
	}
}

func (p *Provider) relToURI(rel string) string {
	segs := strings.Split(rel, "/")
	for i, s := range segs {
		segs[i] = url.PathEscape(s)
	}
	return p.baseURI + "/" + strings.Join(segs, "/")
}

// uriToPath resolves a resource URI to a symlink-evaluated absolute path
// contained in the root. Anything else maps to ErrResourceNotFound.
func (p *Provider) uriToPath(uri string) (string, error) {
	base := p.baseURI + "/"
	if !strings.HasPrefix(uri, base) {
		return "", fmt.Errorf("%w: %s", registry.ErrResourceNotFound, uri)
	}
	segs := strings.Split(strings.TrimPrefix(uri, base), "/")
	for i, s := range segs {
		dec, err := url.PathUnescape(s)
		if err != nil {
			return "", fmt.Errorf("%w: %s", registry.ErrResourceNotFound, uri)
		}
		segs[i] = dec
	}
	rel := path.Clean(strings.Join(segs, "/"))
	if rel == "." || rel == ".." || strings.HasPrefix(rel, "../") {
		return "", fmt.Errorf("%w: %s", registry.ErrResourceNotFound, uri)
	}

	abs := filepath.Join(p.root, filepath.FromSlash(rel))
	real, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return "", fmt.Errorf("%w: %s", registry.ErrResourceNotFound, uri)
	}
	if !within(real, p.root) {
		return "", fmt.Errorf("%w: %s", registry.ErrResourceNotFound, uri)
	}
	return real, nil
}

// addDirs registers the root and every directory under it with the watcher.
func addDirs(w *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(fp string, d fs.DirEntry, err error) error {
		if err != nil || !d.IsDir() {
			return nil
		}
		return w.Add(fp)
	})
}

// within reports whether target equals root or is a descendant of it.
func within(target, root string) bool {
	rel, err := filepath.Rel(root, target)
	if err != nil {
		return false
	}
	if rel == "." {
		return true
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(os.PathSeparator)) && !strings.HasPrefix(rel, "../")
}

// debouncer collapses bursts of triggers into one fire per interval.
type debouncer struct {
	mu       sync.Mutex
	timer    *time.Timer
	pending  bool
	interval time.Duration
	fire     func()
}

func (d *debouncer) trigger() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.interval <= 0 {
		d.fire()
		return
	}
	if d.pending {
		return
	}
	d.pending = true
	if d.timer == nil {
		d.timer = time.AfterFunc(d.interval, d.flush)
	} else {
		d.timer.Reset(d.interval)
	}
}

func (d *debouncer) flush() {
	d.mu.Lock()
	d.pending = false
	d.mu.Unlock()
	d.fire()
}

// Compile-time interface checks
var (
	_ plugin.Plugin             = (*Provider)(nil)
	_ plugin.ResourceProvider   = (*Provider)(nil)
	_ plugin.ResourceSubscriber = (*Provider)(nil)
)
