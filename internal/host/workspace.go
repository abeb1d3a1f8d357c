// Package host keeps the local side of the bridge: the documents mirrored
// from Neovim and the handlers that bind, save and list them.
package host

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/beeender/ComradeNeovim/internal/nvimapi"
	"github.com/beeender/ComradeNeovim/internal/registry"
	"github.com/beeender/ComradeNeovim/internal/rpc"
	"github.com/beeender/ComradeNeovim/internal/textbuf"
)

// ErrNotInRoots is returned by Open for a path outside every root.
var ErrNotInRoots = errors.New("host: path is not part of any root")

// ErrUnknownBuffer is returned by ApplyEdit for a buffer that is not bound.
var ErrUnknownBuffer = errors.New("host: buffer is not synced")

// Client is the part of the rpc client the workspace needs.
type Client interface {
	nvimapi.Caller
	Post(fn func()) bool
	HandleRequest(method string, fn rpc.RequestHandler) bool
	HandleNotification(method string, fn rpc.NotificationHandler) bool
}

// Registry binds documents to Neovim buffers.
type Registry interface {
	Bind(ctx context.Context, id nvimapi.BufferID, path string, buf textbuf.TextBuffer) (*registry.Binding, error)
	Lookup(id nvimapi.BufferID) *registry.Binding
	Bindings() []*registry.Binding
}

// Workspace is a state container for the documents of one session. It
// delegates synchronization to the registry.
type Workspace struct {
	client Client
	api    *nvimapi.API
	reg    Registry
	roots  []string
	logf   func(string, ...any)

	mu   sync.Mutex
	docs map[string]*textbuf.Document
}

// Option configures a Workspace.
type Option func(*Workspace)

// WithRoots limits the workspace to files below roots. Without roots every
// path is accepted.
func WithRoots(roots ...string) Option {
	return func(w *Workspace) {
		for _, root := range roots {
			if root == "" {
				continue
			}
			if abs, err := filepath.Abs(root); err == nil {
				root = abs
			}
			w.roots = append(w.roots, filepath.Clean(root))
		}
	}
}

func WithLogf(logf func(string, ...any)) Option {
	return func(w *Workspace) {
		if logf != nil {
			w.logf = logf
		}
	}
}

func NewWorkspace(client Client, reg Registry, opts ...Option) *Workspace {
	w := &Workspace{
		client: client,
		api:    nvimapi.New(client),
		reg:    reg,
		logf:   log.Printf,
		docs:   make(map[string]*textbuf.Document),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Open returns the document of path, loading it from disk on first use. A
// file that does not exist yet gives an empty document.
func (w *Workspace) Open(path string) (*textbuf.Document, error) {
	path = filepath.Clean(path)
	if !w.inRoots(path) {
		return nil, fmt.Errorf("%w: %s", ErrNotInRoots, path)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if doc, ok := w.docs[path]; ok {
		return doc, nil
	}

	doc, err := textbuf.Load(path)
	if errors.Is(err, os.ErrNotExist) {
		doc = textbuf.NewDocument("")
		doc.SetPath(path)
	} else if err != nil {
		return nil, err
	}
	w.docs[path] = doc
	return doc, nil
}

func (w *Workspace) inRoots(path string) bool {
	if len(w.roots) == 0 {
		return true
	}
	for _, root := range w.roots {
		rel, err := filepath.Rel(root, path)
		if err != nil {
			continue
		}
		if rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))) {
			return true
		}
	}
	return false
}

// LoadCurrentBuffer binds the buffer that is current in Neovim. It must not
// run on the dispatch context.
func (w *Workspace) LoadCurrentBuffer(ctx context.Context) error {
	id, err := w.api.CurrentBuffer(ctx)
	if err != nil {
		return fmt.Errorf("host: current buffer: %w", err)
	}
	path, err := w.api.BufferName(ctx, id)
	if err != nil {
		return fmt.Errorf("host: buffer name: %w", err)
	}
	if path == "" {
		return nil
	}

	if !w.client.Post(func() {
		if err := w.enter(ctx, nvimapi.BufEnter{ID: id, Path: path}); err != nil {
			w.logf("[comrade] host: load current buffer: %v", err)
		}
	}) {
		return rpc.ErrConnectionClosed
	}
	return nil
}

// ApplyEdit replaces length bytes at offset of a bound buffer with text, as
// a local edit. It waits until the edit ran on the dispatch context and
// must therefore not be called from it.
func (w *Workspace) ApplyEdit(ctx context.Context, id nvimapi.BufferID, offset, length int, text string) error {
	done := make(chan error, 1)
	posted := w.client.Post(func() {
		b := w.reg.Lookup(id)
		if b == nil {
			done <- fmt.Errorf("%w: %d", ErrUnknownBuffer, id)
			return
		}
		size := b.Buffer.Len()
		if offset < 0 || length < 0 || offset+length > size {
			done <- fmt.Errorf("host: edit [%d,%d) outside buffer %d of %d bytes", offset, offset+length, id, size)
			return
		}
		b.Buffer.Replace(offset, offset+length, text)
		done <- nil
	})
	if !posted {
		return rpc.ErrConnectionClosed
	}

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// BufferInfo describes one synced buffer.
type BufferInfo struct {
	ID          nvimapi.BufferID
	Path        string
	Changedtick int64
	State       string
}

// Buffers lists the synced buffers.
func (w *Workspace) Buffers() []BufferInfo {
	bindings := w.reg.Bindings()
	out := make([]BufferInfo, 0, len(bindings))
	for _, b := range bindings {
		st := b.Sync.Status()
		out = append(out, BufferInfo{
			ID:          b.ID,
			Path:        b.Path,
			Changedtick: st.Tick,
			State:       st.State.String(),
		})
	}
	return out
}
