// Package registry owns the set of synchronized buffers of one connection
// and routes buffer notifications to their synchronizers.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/beeender/ComradeNeovim/internal/change"
	"github.com/beeender/ComradeNeovim/internal/nvimapi"
	"github.com/beeender/ComradeNeovim/internal/rpc"
	"github.com/beeender/ComradeNeovim/internal/syncer"
	"github.com/beeender/ComradeNeovim/internal/textbuf"
	"github.com/beeender/ComradeNeovim/internal/wire"
)

// InitialContent selects which side provides the content of a newly bound
// buffer.
type InitialContent int

const (
	// FromRemote takes the Neovim buffer as it is.
	FromRemote InitialContent = iota
	// FromLocal pushes the local text into Neovim.
	FromLocal
)

func (c InitialContent) String() string {
	if c == FromLocal {
		return "local"
	}
	return "remote"
}

// ParseInitialContent accepts "remote" and "local".
func ParseInitialContent(s string) (InitialContent, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "remote":
		return FromRemote, nil
	case "local":
		return FromLocal, nil
	default:
		return FromRemote, fmt.Errorf("registry: unknown initial content %q", s)
	}
}

const (
	DefaultAttachTimeout = 2 * time.Second
	DefaultVerifyDelay   = 5 * time.Second
)

// Client is the part of the rpc client the registry needs.
type Client interface {
	nvimapi.Caller
	Post(fn func()) bool
}

// Mux registers notification handlers.
type Mux interface {
	HandleNotification(method string, fn rpc.NotificationHandler) bool
}

// Binding ties a Neovim buffer to a local text buffer.
type Binding struct {
	ID     nvimapi.BufferID
	Path   string
	Buffer textbuf.TextBuffer
	Sync   *syncer.Synchronizer

	// reloading is set between the detach request of a reload and the
	// detach event. Dispatch context only.
	reloading bool
}

// Observer is told about binding lifecycle changes. Calls happen on the
// dispatch context and must not block.
type Observer interface {
	BufferBound(b *Binding)
	BufferSynced(b *Binding, c change.Change)
	BufferFaulted(b *Binding, err error)
	BufferReleased(b *Binding)
}

type Registry struct {
	client Client
	api    *nvimapi.API

	mu       sync.RWMutex
	bindings map[nvimapi.BufferID]*Binding

	initial       InitialContent
	registerFunc  string
	channel       atomic.Int64
	attachTimeout time.Duration
	verifyDelay   time.Duration
	autoReload    atomic.Bool
	observer      Observer
	logf          func(string, ...any)

	ctx    context.Context
	cancel context.CancelFunc

	verifyMu    sync.Mutex
	verifyTimer *time.Timer
}

// Option configures a Registry.
type Option func(*Registry)

func WithInitialContent(c InitialContent) Option {
	return func(r *Registry) { r.initial = c }
}

// WithRegisterFunction names the vimscript function called before a buffer
// is attached. It receives the buffer id, the channel id and, for local
// initial content, the lines.
func WithRegisterFunction(name string) Option {
	return func(r *Registry) { r.registerFunc = name }
}

func WithAttachTimeout(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.attachTimeout = d
		}
	}
}

// WithVerifyDelay sets the quiet period after the last lines event before
// the line count is verified. Zero disables verification.
func WithVerifyDelay(d time.Duration) Option {
	return func(r *Registry) { r.verifyDelay = d }
}

// WithAutoReload reloads a buffer as soon as it faults.
func WithAutoReload(enabled bool) Option {
	return func(r *Registry) { r.autoReload.Store(enabled) }
}

func WithObserver(o Observer) Option {
	return func(r *Registry) { r.observer = o }
}

func WithLogf(logf func(string, ...any)) Option {
	return func(r *Registry) {
		if logf != nil {
			r.logf = logf
		}
	}
}

func New(client Client, opts ...Option) *Registry {
	r := &Registry{
		client:        client,
		api:           nvimapi.New(client),
		bindings:      make(map[nvimapi.BufferID]*Binding),
		attachTimeout: DefaultAttachTimeout,
		verifyDelay:   DefaultVerifyDelay,
		logf:          log.Printf,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.ctx, r.cancel = context.WithCancel(context.Background())
	return r
}

// SetChannel records the channel id Neovim assigned to this connection.
func (r *Registry) SetChannel(id int64) { r.channel.Store(id) }

// SetAutoReload changes the auto reload setting of a running registry.
func (r *Registry) SetAutoReload(enabled bool) { r.autoReload.Store(enabled) }

// Register installs the buffer notification handlers on mux.
func (r *Registry) Register(mux Mux) {
	mux.HandleNotification(nvimapi.EventBufLines, rpc.Notification(nvimapi.ParseLinesEvent, r.onLines))
	mux.HandleNotification(nvimapi.EventBufChangedtick, rpc.Notification(nvimapi.ParseChangedtickEvent, r.onChangedtick))
	mux.HandleNotification(nvimapi.EventBufDetach, rpc.Notification(nvimapi.ParseDetachEvent, r.onDetach))
}

// Lookup returns the binding of id, or nil.
func (r *Registry) Lookup(id nvimapi.BufferID) *Binding {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.bindings[id]
}

// Bindings returns all bindings ordered by buffer id.
func (r *Registry) Bindings() []*Binding {
	r.mu.RLock()
	out := make([]*Binding, 0, len(r.bindings))
	for _, b := range r.bindings {
		out = append(out, b)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Bind creates the binding of id and attaches to the Neovim buffer. An
// existing binding is returned unchanged. Must run on the dispatch context.
// The attach outlives ctx: it is bounded by the registry and the attach
// timeout only.
func (r *Registry) Bind(ctx context.Context, id nvimapi.BufferID, path string, buf textbuf.TextBuffer) (*Binding, error) {
	if r.ctx.Err() != nil {
		return nil, errors.New("registry: closed")
	}
	if b := r.Lookup(id); b != nil {
		return b, nil
	}

	b := &Binding{ID: id, Path: path, Buffer: buf}
	b.Sync = syncer.New(id, buf, syncer.PushFunc(r.push),
		syncer.WithPath(path),
		syncer.WithExecutor(r.post),
		syncer.WithFaultHandler(func(_ *syncer.Synchronizer, err error) { r.faulted(b, err) }),
		syncer.WithApplyHandler(func(_ *syncer.Synchronizer, c change.Change) { r.applied(b, c) }),
		syncer.WithLogf(r.logf),
		syncer.WithContext(r.ctx),
	)

	r.mu.Lock()
	r.bindings[id] = b
	r.mu.Unlock()

	b.Sync.Attach()
	if r.observer != nil {
		r.observer.BufferBound(b)
	}

	if r.initial == FromLocal {
		lines := strings.Split(buf.Text(), "\n")
		go r.attachLocal(r.ctx, b, lines)
	} else {
		go r.attachRemote(r.ctx, b)
	}
	return b, nil
}

func (r *Registry) attachRemote(ctx context.Context, b *Binding) {
	ctx, cancel := context.WithTimeout(ctx, r.attachTimeout)
	defer cancel()

	if r.registerFunc != "" {
		if _, err := r.api.CallFunction(ctx, r.registerFunc, b.ID, r.channel.Load()); err != nil {
			r.attachFailed(b, err)
			return
		}
	}
	if err := r.api.AttachBuffer(ctx, b.ID, true); err != nil {
		r.attachFailed(b, err)
		return
	}
	r.logf("[comrade] registry: '%s' has been loaded as a synced buffer", b.Path)
}

// attachLocal registers the local lines with Neovim and attaches without
// the initial content. The changedtick read in the same batch becomes the
// baseline.
func (r *Registry) attachLocal(ctx context.Context, b *Binding, lines []string) {
	ctx, cancel := context.WithTimeout(ctx, r.attachTimeout)
	defer cancel()

	calls := []nvimapi.Call{
		nvimapi.AttachBufferCall(b.ID, false),
		nvimapi.BufferChangedtickCall(b.ID),
	}
	if r.registerFunc != "" {
		calls = append([]nvimapi.Call{nvimapi.CallFunctionCall(r.registerFunc, b.ID, r.channel.Load(), lines)}, calls...)
	} else {
		calls = append([]nvimapi.Call{nvimapi.SetBufferLinesCall(b.ID, 0, -1, false, lines)}, calls...)
	}

	results, err := r.api.CallAtomic(ctx, calls)
	if err != nil {
		r.attachFailed(b, fmt.Errorf("register buffer: %w", err))
		return
	}
	tick, ok := wire.Int(results[len(results)-1])
	if !ok {
		r.attachFailed(b, fmt.Errorf("register buffer: unexpected changedtick %v", results[len(results)-1]))
		return
	}

	r.post(func() {
		if r.Lookup(b.ID) != b {
			return
		}
		// A lines event dispatched before this reply already set the baseline.
		if b.Sync.State() != syncer.Uninitialized {
			return
		}
		if err := b.Sync.OnChange(change.Change{Buffer: b.ID, Source: change.Remote, Tick: tick}); err != nil {
			r.logf("[comrade] registry: buffer %d baseline: %v", b.ID, err)
		}
	})
	r.logf("[comrade] registry: '%s' has been registered from local content", b.Path)
}

func (r *Registry) attachFailed(b *Binding, err error) {
	r.logf("[comrade] registry: failed to attach to buffer %d: %v", b.ID, err)
	r.post(func() { r.drop(b) })
}

// Release detaches from id and drops its binding. Must run on the dispatch
// context.
func (r *Registry) Release(ctx context.Context, id nvimapi.BufferID) {
	b := r.Lookup(id)
	if b == nil {
		return
	}
	r.drop(b)

	ctx = rpc.Detached(ctx)
	go func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.attachTimeout)
		defer cancel()
		if err := r.api.DetachBuffer(ctx, id); err != nil {
			r.logf("[comrade] registry: detach buffer %d: %v", id, err)
		}
	}()
}

// Reload detaches from id; the detach event resets the synchronizer and
// attaches again with the full content. Must run on the dispatch context.
func (r *Registry) Reload(id nvimapi.BufferID) {
	b := r.Lookup(id)
	if b == nil || b.reloading {
		return
	}
	b.reloading = true
	r.logf("[comrade] registry: reloading buffer %d '%s'", id, b.Path)

	go func() {
		ctx, cancel := context.WithTimeout(r.ctx, r.attachTimeout)
		defer cancel()
		if err := r.api.DetachBuffer(ctx, id); err != nil {
			r.attachFailed(b, err)
		}
	}()
}

// Verify compares the line count of id with Neovim. It reports false when
// they differ. Buffers that are not current in Neovim, or shorter than two
// lines, are not checked.
func (r *Registry) Verify(ctx context.Context, id nvimapi.BufferID) (bool, error) {
	b := r.Lookup(id)
	if b == nil {
		return true, nil
	}
	count := b.Buffer.LineCount()
	if count < 2 {
		return true, nil
	}

	results, err := r.api.CallAtomic(ctx, []nvimapi.Call{
		nvimapi.CurrentBufferCall(),
		nvimapi.BufferLineCountCall(id),
	})
	if err != nil {
		return false, err
	}
	cur, ok := nvimapi.ParseBufferID(results[0])
	if !ok || cur != id {
		return true, nil
	}
	remote, ok := wire.Int(results[1])
	if !ok {
		return false, fmt.Errorf("registry: unexpected line count %v", results[1])
	}
	if int(remote) != count {
		r.logf("[comrade] registry: buffer %d is out of sync, %d local lines, %d remote lines", id, count, remote)
		return false, nil
	}
	r.logf("[comrade] registry: buffer %d has been verified", id)
	return true, nil
}

func (r *Registry) scheduleVerify(id nvimapi.BufferID) {
	if r.verifyDelay <= 0 {
		return
	}
	r.verifyMu.Lock()
	defer r.verifyMu.Unlock()

	if r.verifyTimer != nil {
		r.verifyTimer.Stop()
	}
	r.verifyTimer = time.AfterFunc(r.verifyDelay, func() {
		ok, err := r.Verify(r.ctx, id)
		if err != nil {
			r.logf("[comrade] registry: verify buffer %d: %v", id, err)
			return
		}
		if !ok {
			r.post(func() { r.Reload(id) })
		}
	})
}

// Close releases every binding locally. Neovim is not told.
func (r *Registry) Close() {
	r.cancel()

	r.verifyMu.Lock()
	if r.verifyTimer != nil {
		r.verifyTimer.Stop()
	}
	r.verifyMu.Unlock()

	r.mu.Lock()
	list := make([]*Binding, 0, len(r.bindings))
	for _, b := range r.bindings {
		list = append(list, b)
	}
	r.bindings = make(map[nvimapi.BufferID]*Binding)
	r.mu.Unlock()

	for _, b := range list {
		b.Sync.Close()
		if r.observer != nil {
			r.observer.BufferReleased(b)
		}
	}
}

func (r *Registry) drop(b *Binding) {
	r.mu.Lock()
	if r.bindings[b.ID] != b {
		r.mu.Unlock()
		return
	}
	delete(r.bindings, b.ID)
	r.mu.Unlock()

	b.Sync.Close()
	if r.observer != nil {
		r.observer.BufferReleased(b)
	}
}

func (r *Registry) post(fn func()) {
	if !r.client.Post(fn) {
		r.logf("[comrade] registry: connection closed, dropping posted work")
	}
}

func (r *Registry) push(ctx context.Context, c change.Change) (int64, error) {
	results, err := r.api.CallAtomic(ctx, []nvimapi.Call{
		nvimapi.SetBufferLinesCall(c.Buffer, c.FirstLine, c.LastLine, true, c.Lines),
		nvimapi.BufferChangedtickCall(c.Buffer),
	})
	if err != nil {
		return 0, err
	}
	if len(results) != 2 {
		return 0, fmt.Errorf("registry: unexpected push results %v", results)
	}
	tick, ok := wire.Int(results[1])
	if !ok {
		return 0, fmt.Errorf("registry: unexpected changedtick %v", results[1])
	}
	return tick, nil
}

func (r *Registry) faulted(b *Binding, err error) {
	if r.observer != nil {
		r.observer.BufferFaulted(b, err)
	}
	if r.autoReload.Load() {
		r.Reload(b.ID)
	}
}

func (r *Registry) applied(b *Binding, c change.Change) {
	if r.observer != nil {
		r.observer.BufferSynced(b, c)
	}
}

func (r *Registry) onLines(ctx context.Context, ev nvimapi.LinesEvent) error {
	b := r.Lookup(ev.Buffer)
	if b == nil {
		return nil
	}
	defer r.scheduleVerify(ev.Buffer)

	c, err := change.FromLinesEvent(ev)
	if err != nil {
		if errors.Is(err, change.ErrFragmented) {
			err = fmt.Errorf("%w: %w", syncer.ErrUnsupportedFeature, err)
		}
		b.Sync.Fault(err)
		return nil
	}
	r.deliver(b, c)
	return nil
}

func (r *Registry) onChangedtick(ctx context.Context, ev nvimapi.ChangedtickEvent) error {
	b := r.Lookup(ev.Buffer)
	if b == nil {
		return nil
	}
	r.deliver(b, change.FromChangedtickEvent(ev))
	return nil
}

func (r *Registry) deliver(b *Binding, c change.Change) {
	// Faults are reported through the fault handler.
	if err := b.Sync.OnChange(c); errors.Is(err, syncer.ErrFaulted) {
		r.logf("[comrade] registry: buffer %d is faulted, dropping %s", b.ID, c)
	}
}

func (r *Registry) onDetach(ctx context.Context, ev nvimapi.DetachEvent) error {
	b := r.Lookup(ev.Buffer)
	if b == nil {
		return nil
	}
	if !b.reloading {
		r.drop(b)
		return nil
	}

	b.reloading = false
	b.Sync.Reset()
	go r.attachRemote(r.ctx, b)
	return nil
}
