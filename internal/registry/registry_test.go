package registry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/beeender/ComradeNeovim/internal/change"
	"github.com/beeender/ComradeNeovim/internal/nvimapi"
	"github.com/beeender/ComradeNeovim/internal/rpc"
	"github.com/beeender/ComradeNeovim/internal/syncer"
	"github.com/beeender/ComradeNeovim/internal/textbuf"
	"github.com/neovim/go-client/nvim"
)

type call struct {
	method string
	args   []any
}

// fakeClient answers calls through respond and queues posted work until the
// test runs it.
type fakeClient struct {
	mu      sync.Mutex
	respond func(method string, args []any) (any, error)

	calls  chan call
	posted chan func()
	notes  map[string]rpc.NotificationHandler
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		calls:  make(chan call, 32),
		posted: make(chan func(), 32),
		notes:  make(map[string]rpc.NotificationHandler),
	}
}

func (f *fakeClient) Call(ctx context.Context, method string, args ...any) (any, error) {
	f.calls <- call{method: method, args: args}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	respond := f.respond
	f.mu.Unlock()
	if respond == nil {
		return true, nil
	}
	return respond(method, args)
}

func (f *fakeClient) Post(fn func()) bool {
	f.posted <- fn
	return true
}

func (f *fakeClient) HandleNotification(method string, fn rpc.NotificationHandler) bool {
	f.notes[method] = fn
	return true
}

func (f *fakeClient) setRespond(fn func(method string, args []any) (any, error)) {
	f.mu.Lock()
	f.respond = fn
	f.mu.Unlock()
}

func (f *fakeClient) expectCall(t *testing.T, method string) call {
	t.Helper()
	for {
		select {
		case c := <-f.calls:
			if c.method == method {
				return c
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for %s", method)
		}
	}
}

func (f *fakeClient) runPosted(t *testing.T) {
	t.Helper()
	select {
	case fn := <-f.posted:
		fn()
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for posted work")
	}
}

func (f *fakeClient) notify(t *testing.T, method string, args ...any) {
	t.Helper()
	h, ok := f.notes[method]
	if !ok {
		t.Fatalf("no handler for %s", method)
	}
	if err := h(context.Background(), args); err != nil {
		t.Fatalf("%s: %v", method, err)
	}
}

type recorder struct {
	bound    []nvimapi.BufferID
	synced   []int64
	faults   []error
	released []nvimapi.BufferID
}

func (r *recorder) BufferBound(b *Binding)                   { r.bound = append(r.bound, b.ID) }
func (r *recorder) BufferSynced(b *Binding, c change.Change) { r.synced = append(r.synced, c.Tick) }
func (r *recorder) BufferFaulted(b *Binding, err error)      { r.faults = append(r.faults, err) }
func (r *recorder) BufferReleased(b *Binding)                { r.released = append(r.released, b.ID) }

func quiet(string, ...any) {}

func newTestRegistry(t *testing.T, opts ...Option) (*Registry, *fakeClient, *recorder) {
	t.Helper()
	client := newFakeClient()
	rec := &recorder{}
	opts = append([]Option{WithLogf(quiet), WithObserver(rec), WithVerifyDelay(0)}, opts...)
	r := New(client, opts...)
	r.Register(client)
	t.Cleanup(r.Close)
	return r, client, rec
}

func linesEvent(id int, tick int64, first, last int64, lines ...any) []any {
	return []any{nvim.Buffer(id), tick, first, last, append([]any{}, lines...), false}
}

func TestBindAttachesWithRemoteContent(t *testing.T) {
	r, client, rec := newTestRegistry(t, WithRegisterFunction("ComradeRegister"))
	r.SetChannel(3)
	doc := textbuf.NewDocument("stale")

	b, err := r.Bind(context.Background(), 4, "/src/a.go", doc)
	if err != nil {
		t.Fatalf("bind: %v", err)
	}

	register := client.expectCall(t, nvimapi.MethodCallFunction)
	if register.args[0] != "ComradeRegister" {
		t.Fatalf("unexpected register call %#v", register.args)
	}
	attach := client.expectCall(t, nvimapi.MethodBufAttach)
	if attach.args[0] != nvim.Buffer(4) || attach.args[1] != true {
		t.Fatalf("unexpected attach args %#v", attach.args)
	}

	again, _ := r.Bind(context.Background(), 4, "/src/a.go", doc)
	if again != b || len(rec.bound) != 1 {
		t.Fatal("second bind created a new binding")
	}

	client.notify(t, nvimapi.EventBufLines, linesEvent(4, 10, 0, -1, "a", "b")...)
	if doc.Text() != "a\nb" || b.Sync.State() != syncer.Synced || b.Sync.Tick() != 10 {
		t.Fatalf("initial content not applied: %q %s %d", doc.Text(), b.Sync.State(), b.Sync.Tick())
	}

	client.notify(t, nvimapi.EventBufChangedtick, nvim.Buffer(4), int64(11))
	if b.Sync.Tick() != 11 {
		t.Fatalf("changedtick event not delivered, tick %d", b.Sync.Tick())
	}
	if len(rec.synced) != 1 || rec.synced[0] != 10 {
		t.Fatalf("unexpected synced notifications %v", rec.synced)
	}
}

func TestEventsForUnknownBuffersAreIgnored(t *testing.T) {
	_, client, _ := newTestRegistry(t)
	client.notify(t, nvimapi.EventBufLines, linesEvent(9, 1, 0, 1, "x")...)
	client.notify(t, nvimapi.EventBufDetach, nvim.Buffer(9))
}

func TestFragmentedEventFaults(t *testing.T) {
	r, client, rec := newTestRegistry(t)
	b, _ := r.Bind(context.Background(), 2, "/a", textbuf.NewDocument(""))

	ev := linesEvent(2, 1, 0, -1, "a")
	ev[5] = true
	client.notify(t, nvimapi.EventBufLines, ev...)

	if b.Sync.State() != syncer.Faulted {
		t.Fatalf("expected faulted, got %s", b.Sync.State())
	}
	if !errors.Is(b.Sync.Err(), syncer.ErrUnsupportedFeature) || !errors.Is(b.Sync.Err(), change.ErrFragmented) {
		t.Fatalf("unexpected fault %v", b.Sync.Err())
	}
	if len(rec.faults) != 1 {
		t.Fatalf("observer saw %d faults", len(rec.faults))
	}
}

func TestDetachEventReleasesBinding(t *testing.T) {
	r, client, rec := newTestRegistry(t)
	doc := textbuf.NewDocument("")
	b, _ := r.Bind(context.Background(), 2, "/a", doc)
	client.notify(t, nvimapi.EventBufLines, linesEvent(2, 1, 0, -1, "a")...)

	client.notify(t, nvimapi.EventBufDetach, nvim.Buffer(2))
	if r.Lookup(2) != nil {
		t.Fatal("binding still present after detach")
	}
	if len(rec.released) != 1 || rec.released[0] != 2 {
		t.Fatalf("unexpected released %v", rec.released)
	}

	// Edits after release are not captured.
	doc.Insert(0, "x")
	if b.Sync.Pending() != 0 {
		t.Fatal("released buffer still captures edits")
	}
}

func TestReleaseDetaches(t *testing.T) {
	r, client, _ := newTestRegistry(t)
	r.Bind(context.Background(), 2, "/a", textbuf.NewDocument(""))
	client.expectCall(t, nvimapi.MethodBufAttach)

	r.Release(context.Background(), 2)
	if r.Lookup(2) != nil {
		t.Fatal("binding still present after release")
	}
	detach := client.expectCall(t, nvimapi.MethodBufDetach)
	if detach.args[0] != nvim.Buffer(2) {
		t.Fatalf("unexpected detach args %#v", detach.args)
	}
}

func TestReloadReattachesWithFullContent(t *testing.T) {
	r, client, _ := newTestRegistry(t)
	doc := textbuf.NewDocument("")
	b, _ := r.Bind(context.Background(), 2, "/a", doc)
	client.expectCall(t, nvimapi.MethodBufAttach)
	client.notify(t, nvimapi.EventBufLines, linesEvent(2, 3, 0, -1, "a")...)

	r.Reload(2)
	r.Reload(2)
	client.expectCall(t, nvimapi.MethodBufDetach)

	client.notify(t, nvimapi.EventBufDetach, nvim.Buffer(2))
	if r.Lookup(2) != b {
		t.Fatal("reload dropped the binding")
	}
	if b.Sync.State() != syncer.Uninitialized {
		t.Fatalf("expected reset synchronizer, got %s", b.Sync.State())
	}
	attach := client.expectCall(t, nvimapi.MethodBufAttach)
	if attach.args[1] != true {
		t.Fatalf("reload must attach with content, got %#v", attach.args)
	}

	client.notify(t, nvimapi.EventBufLines, linesEvent(2, 40, 0, -1, "fresh")...)
	if doc.Text() != "fresh" || b.Sync.Tick() != 40 {
		t.Fatalf("unexpected state after reload %q tick %d", doc.Text(), b.Sync.Tick())
	}
}

func TestAutoReloadOnFault(t *testing.T) {
	r, client, rec := newTestRegistry(t, WithAutoReload(true))
	b, _ := r.Bind(context.Background(), 2, "/a", textbuf.NewDocument(""))
	client.expectCall(t, nvimapi.MethodBufAttach)
	client.notify(t, nvimapi.EventBufLines, linesEvent(2, 3, 0, -1, "a")...)

	// Tick 5 skips 4.
	client.notify(t, nvimapi.EventBufChangedtick, nvim.Buffer(2), int64(5))
	if b.Sync.State() != syncer.Faulted || len(rec.faults) != 1 {
		t.Fatalf("expected a fault, state %s", b.Sync.State())
	}
	var oos *syncer.OutOfSyncError
	if !errors.As(rec.faults[0], &oos) || oos.Expected != 4 || oos.Received != 5 {
		t.Fatalf("unexpected fault %v", rec.faults[0])
	}
	client.expectCall(t, nvimapi.MethodBufDetach)
}

func TestLocalEditIsPushedAtomically(t *testing.T) {
	r, client, _ := newTestRegistry(t)
	client.setRespond(func(method string, args []any) (any, error) {
		if method == nvimapi.MethodCallAtomic {
			return []any{[]any{nil, int64(6)}, nil}, nil
		}
		return true, nil
	})
	doc := textbuf.NewDocument("")
	b, _ := r.Bind(context.Background(), 2, "/a", doc)
	client.notify(t, nvimapi.EventBufLines, linesEvent(2, 5, 0, -1, "a", "b")...)

	doc.Insert(doc.LineEndOffset(1), "!")
	batch := client.expectCall(t, nvimapi.MethodCallAtomic)
	client.runPosted(t)

	if b.Sync.State() != syncer.Synced {
		t.Fatalf("push faulted: %v", b.Sync.Err())
	}
	calls := batch.args[0].([]any)
	setLines := calls[0].([]any)
	if setLines[0] != nvimapi.MethodBufSetLines {
		t.Fatalf("unexpected first call %#v", setLines)
	}
	params := setLines[1].([]any)
	if params[1] != 1 || params[2] != 2 || params[3] != true {
		t.Fatalf("unexpected set_lines params %#v", params)
	}
	if lines := params[4].([]string); len(lines) != 1 || lines[0] != "b!" {
		t.Fatalf("unexpected pushed lines %#v", lines)
	}

	// The echo carries tick 6 and is not applied again.
	client.notify(t, nvimapi.EventBufLines, linesEvent(2, 6, 1, 2, "b!")...)
	if doc.Text() != "a\nb!" || b.Sync.Pending() != 0 {
		t.Fatalf("echo handling failed: %q pending %d", doc.Text(), b.Sync.Pending())
	}
}

func TestLocalInitialContent(t *testing.T) {
	r, client, _ := newTestRegistry(t, WithInitialContent(FromLocal), WithRegisterFunction("ComradeRegister"))
	r.SetChannel(7)
	client.setRespond(func(method string, args []any) (any, error) {
		return []any{[]any{nil, true, int64(9)}, nil}, nil
	})

	b, _ := r.Bind(context.Background(), 2, "/a", textbuf.NewDocument("x\ny"))
	batch := client.expectCall(t, nvimapi.MethodCallAtomic)
	client.runPosted(t)

	if b.Sync.State() != syncer.Synced || b.Sync.Tick() != 9 {
		t.Fatalf("expected baseline 9, got %s %d", b.Sync.State(), b.Sync.Tick())
	}

	calls := batch.args[0].([]any)
	if len(calls) != 3 {
		t.Fatalf("unexpected batch %#v", calls)
	}
	register := calls[0].([]any)
	fnArgs := register[1].([]any)[1].([]any)
	if fnArgs[0] != nvim.Buffer(2) || fnArgs[1] != int64(7) {
		t.Fatalf("unexpected register arguments %#v", fnArgs)
	}
	if lines := fnArgs[2].([]string); len(lines) != 2 || lines[1] != "y" {
		t.Fatalf("unexpected registered lines %#v", fnArgs[2])
	}
	attach := calls[1].([]any)
	if attach[0] != nvimapi.MethodBufAttach || attach[1].([]any)[1] != false {
		t.Fatalf("local content must attach without content, got %#v", attach)
	}
}

func TestLocalBaselineAfterEarlierEvent(t *testing.T) {
	r, client, rec := newTestRegistry(t, WithInitialContent(FromLocal))
	client.setRespond(func(method string, args []any) (any, error) {
		return []any{[]any{nil, true, int64(9)}, nil}, nil
	})

	b, _ := r.Bind(context.Background(), 2, "/a", textbuf.NewDocument("x"))
	client.expectCall(t, nvimapi.MethodCallAtomic)

	// The first change after registering reaches the dispatch loop before
	// the batch reply is handled.
	client.notify(t, nvimapi.EventBufLines, linesEvent(2, 10, 0, 1, "y")...)
	client.runPosted(t)

	if b.Sync.State() != syncer.Synced || b.Sync.Tick() != 10 {
		t.Fatalf("expected synced at 10, got %s %d (%v)", b.Sync.State(), b.Sync.Tick(), b.Sync.Err())
	}
	if len(rec.faults) != 0 {
		t.Fatalf("unexpected faults %v", rec.faults)
	}
}

func TestAttachOutlivesCallerContext(t *testing.T) {
	r, client, rec := newTestRegistry(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r.Bind(ctx, 2, "/a", textbuf.NewDocument(""))
	client.expectCall(t, nvimapi.MethodBufAttach)

	select {
	case fn := <-client.posted:
		fn()
	case <-time.After(100 * time.Millisecond):
	}
	if r.Lookup(2) == nil || len(rec.released) != 0 {
		t.Fatal("binding was dropped when the caller's context ended")
	}
}

func TestAttachFailureDropsBinding(t *testing.T) {
	r, client, rec := newTestRegistry(t)
	client.setRespond(func(string, []any) (any, error) {
		return nil, &rpc.RemoteError{Method: nvimapi.MethodBufAttach, Data: "Invalid buffer id"}
	})

	r.Bind(context.Background(), 2, "/a", textbuf.NewDocument(""))
	client.runPosted(t)

	if r.Lookup(2) != nil || len(rec.released) != 1 {
		t.Fatal("failed attach left the binding in place")
	}
}

func TestVerify(t *testing.T) {
	r, client, _ := newTestRegistry(t)
	remote := []any{nvim.Buffer(2), int64(3)}
	client.setRespond(func(method string, args []any) (any, error) {
		if method == nvimapi.MethodCallAtomic {
			return []any{remote, nil}, nil
		}
		return true, nil
	})

	doc := textbuf.NewDocument("a\nb\nc")
	r.Bind(context.Background(), 2, "/a", doc)
	ctx := context.Background()

	if ok, err := r.Verify(ctx, 2); err != nil || !ok {
		t.Fatalf("expected verified, got %v %v", ok, err)
	}

	remote = []any{nvim.Buffer(2), int64(4)}
	if ok, err := r.Verify(ctx, 2); err != nil || ok {
		t.Fatalf("expected mismatch, got %v %v", ok, err)
	}

	// Another buffer is current in Neovim.
	remote = []any{nvim.Buffer(5), int64(4)}
	if ok, _ := r.Verify(ctx, 2); !ok {
		t.Fatal("buffer that is not current must not fail verification")
	}

	if ok, _ := r.Verify(ctx, 99); !ok {
		t.Fatal("unknown buffer must verify")
	}
}

func TestBindingsAreSorted(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	for _, id := range []nvimapi.BufferID{5, 1, 3} {
		r.Bind(context.Background(), id, "/x", textbuf.NewDocument(""))
	}
	list := r.Bindings()
	if len(list) != 3 || list[0].ID != 1 || list[2].ID != 5 {
		t.Fatalf("unexpected bindings order %v", list)
	}
}

func TestParseInitialContent(t *testing.T) {
	if c, err := ParseInitialContent("local"); err != nil || c != FromLocal {
		t.Fatalf("local: %v %v", c, err)
	}
	if c, err := ParseInitialContent(""); err != nil || c != FromRemote {
		t.Fatalf("default: %v %v", c, err)
	}
	if _, err := ParseInitialContent("both"); err == nil {
		t.Fatal("expected error")
	}
}
