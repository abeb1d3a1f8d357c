// Package syncer keeps a local text buffer and a Neovim buffer at the same
// content, using the buffer's changedtick as the only ordering authority.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/beeender/ComradeNeovim/internal/change"
	"github.com/beeender/ComradeNeovim/internal/nvimapi"
	"github.com/beeender/ComradeNeovim/internal/rpc"
	"github.com/beeender/ComradeNeovim/internal/textbuf"
)

// State of a Synchronizer.
type State int

const (
	// Uninitialized: no changedtick observed yet.
	Uninitialized State = iota
	Synced
	Faulted
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Synced:
		return "synced"
	case Faulted:
		return "faulted"
	default:
		return "unknown"
	}
}

// Pusher sends a local change to Neovim and returns the changedtick Neovim
// reports right after applying it.
type Pusher interface {
	Push(ctx context.Context, c change.Change) (int64, error)
}

// PushFunc adapts a function to Pusher.
type PushFunc func(ctx context.Context, c change.Change) (int64, error)

func (f PushFunc) Push(ctx context.Context, c change.Change) (int64, error) { return f(ctx, c) }

// Executor runs fn on the serialized context that owns the synchronizer.
type Executor func(fn func())

// Synchronizer is the per-buffer protocol state machine. All methods except
// Status must be called from the serialized dispatch context.
type Synchronizer struct {
	id   nvimapi.BufferID
	path string
	buf  textbuf.TextBuffer

	pusher  Pusher
	exec    Executor
	onFault func(*Synchronizer, error)
	onApply func(*Synchronizer, change.Change)
	logf    func(string, ...any)
	ctx     context.Context
	cancel  context.CancelFunc

	tick       int64
	state      State
	fault      error
	pending    map[int64]change.Change
	generation uint64

	// applying is set while a remote change is written into buf, so the
	// edit listener does not capture it as a local edit.
	applying bool
	capture  capture

	queue *pushQueue

	statusMu sync.RWMutex
	status   Status
}

// Status is a snapshot safe to read from any goroutine.
type Status struct {
	Buffer  nvimapi.BufferID
	Path    string
	Tick    int64
	State   State
	Pending int
	Fault   string
}

// Option configures a Synchronizer.
type Option func(*Synchronizer)

func WithPath(path string) Option {
	return func(s *Synchronizer) { s.path = path }
}

// WithExecutor sets how push results are handed back to the dispatch
// context. Without it they run on the push goroutine.
func WithExecutor(exec Executor) Option {
	return func(s *Synchronizer) {
		if exec != nil {
			s.exec = exec
		}
	}
}

// WithFaultHandler is called once each time the buffer becomes faulted.
func WithFaultHandler(fn func(*Synchronizer, error)) Option {
	return func(s *Synchronizer) { s.onFault = fn }
}

// WithApplyHandler is called after a remote change was applied locally.
func WithApplyHandler(fn func(*Synchronizer, change.Change)) Option {
	return func(s *Synchronizer) { s.onApply = fn }
}

func WithLogf(logf func(string, ...any)) Option {
	return func(s *Synchronizer) {
		if logf != nil {
			s.logf = logf
		}
	}
}

// WithContext bounds the lifetime of outstanding pushes.
func WithContext(ctx context.Context) Option {
	return func(s *Synchronizer) { s.ctx = ctx }
}

func New(id nvimapi.BufferID, buf textbuf.TextBuffer, pusher Pusher, opts ...Option) *Synchronizer {
	s := &Synchronizer{
		id:      id,
		buf:     buf,
		pusher:  pusher,
		exec:    func(fn func()) { fn() },
		logf:    log.Printf,
		ctx:     context.Background(),
		tick:    -1,
		pending: make(map[int64]change.Change),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.ctx, s.cancel = context.WithCancel(s.ctx)
	s.queue = newPushQueue()
	go s.pushLoop()
	s.publish()
	return s
}

func (s *Synchronizer) Buffer() nvimapi.BufferID { return s.id }

func (s *Synchronizer) Path() string { return s.path }

func (s *Synchronizer) TextBuffer() textbuf.TextBuffer { return s.buf }

func (s *Synchronizer) Tick() int64 { return s.tick }

func (s *Synchronizer) State() State { return s.state }

// Err returns the fault that moved the buffer to Faulted.
func (s *Synchronizer) Err() error { return s.fault }

// Pending returns the number of local changes waiting for their echo.
func (s *Synchronizer) Pending() int { return len(s.pending) }

// Attach starts capturing local edits of the text buffer.
func (s *Synchronizer) Attach() {
	s.buf.AddListener(s)
}

// Detach stops capturing local edits. Remote changes are still applied.
func (s *Synchronizer) Detach() {
	s.buf.RemoveListener(s)
}

// Close detaches and abandons outstanding pushes.
func (s *Synchronizer) Close() {
	s.Detach()
	s.cancel()
	s.queue.close()
}

// Reset forgets the changedtick and pending changes, typically before the
// buffer is attached again with its full content.
func (s *Synchronizer) Reset() {
	s.tick = -1
	s.state = Uninitialized
	s.fault = nil
	s.pending = make(map[int64]change.Change)
	s.generation++
	s.publish()
}

// Fault marks the buffer unusable and reports err to the fault handler.
func (s *Synchronizer) Fault(err error) {
	if s.state == Faulted {
		s.logf("[comrade] sync: buffer %d already faulted, ignoring: %v", s.id, err)
		return
	}
	s.state = Faulted
	s.fault = err
	s.publish()
	s.logf("[comrade] sync: buffer %d faulted: %v", s.id, err)
	if s.onFault != nil {
		s.onFault(s, err)
	}
}

// OnChange handles a change observed on the Neovim side.
func (s *Synchronizer) OnChange(c change.Change) error {
	if c.Source != change.Remote {
		return fmt.Errorf("syncer: OnChange expects a remote change, got %s", c.Source)
	}
	if s.state == Faulted {
		return ErrFaulted
	}

	// The echo check comes before the monotonicity check: the echo carries
	// the tick we already advanced to.
	if _, ok := s.pending[c.Tick]; ok {
		delete(s.pending, c.Tick)
		s.publish()
		return nil
	}

	switch {
	case s.tick == -1:
		s.tick = c.Tick
		s.state = Synced
	case c.Tick == s.tick+1:
		s.tick = c.Tick
	default:
		err := &OutOfSyncError{Buffer: s.id, Path: s.path, Expected: s.tick + 1, Received: c.Tick}
		s.Fault(err)
		return err
	}

	if !c.HasLineData() {
		s.publish()
		return nil
	}
	if err := c.Validate(); err != nil {
		s.Fault(err)
		return err
	}

	s.apply(c)
	s.publish()
	if s.onApply != nil {
		s.onApply(s, c)
	}
	return nil
}

func (s *Synchronizer) apply(c change.Change) {
	s.applying = true
	defer func() { s.applying = false }()
	Apply(s.buf, Translate(s.buf, c.FirstLine, c.LastLine, c.Lines))
}

// BeforeChange implements textbuf.EditListener.
func (s *Synchronizer) BeforeChange(buf textbuf.TextBuffer, ev textbuf.EditEvent) {
	if s.applying {
		return
	}
	s.capture.begin(buf, ev)
}

// AfterChange implements textbuf.EditListener. It turns the local edit into
// a change with the next changedtick and queues it for Neovim.
func (s *Synchronizer) AfterChange(buf textbuf.TextBuffer, ev textbuf.EditEvent) {
	if s.applying {
		return
	}
	first, last, lines, ok := s.capture.finish(buf, ev)
	if !ok {
		return
	}

	switch s.state {
	case Faulted:
		s.logf("[comrade] sync: buffer %d is faulted, local edit not sent", s.id)
		return
	case Uninitialized:
		s.logf("[comrade] sync: buffer %d has no changedtick yet, local edit not sent", s.id)
		return
	}

	s.tick++
	c := change.NewLocal(s.id, first, last, lines, s.tick)
	s.pending[c.Tick] = c
	s.publish()
	s.queue.put(queuedPush{change: c, generation: s.generation})
}

func (s *Synchronizer) pushLoop() {
	for {
		item, ok := s.queue.next()
		if !ok {
			return
		}
		tick, err := s.pusher.Push(s.ctx, item.change)
		s.exec(func() { s.pushed(item, tick, err) })
	}
}

func (s *Synchronizer) pushed(item queuedPush, tick int64, err error) {
	if item.generation != s.generation {
		return
	}
	c := item.change

	if err != nil {
		if errors.Is(err, rpc.ErrConnectionClosed) || errors.Is(err, context.Canceled) {
			s.logf("[comrade] sync: buffer %d: %s abandoned: %v", s.id, c, err)
			return
		}
		s.Fault(fmt.Errorf("syncer: pushing %s: %w", c, err))
		return
	}
	if tick != c.Tick {
		s.Fault(&OutOfSyncError{Buffer: s.id, Path: s.path, Expected: c.Tick, Received: tick})
	}
}

// Status returns the last published snapshot.
func (s *Synchronizer) Status() Status {
	s.statusMu.RLock()
	defer s.statusMu.RUnlock()
	return s.status
}

func (s *Synchronizer) publish() {
	st := Status{
		Buffer:  s.id,
		Path:    s.path,
		Tick:    s.tick,
		State:   s.state,
		Pending: len(s.pending),
	}
	if s.fault != nil {
		st.Fault = s.fault.Error()
	}
	s.statusMu.Lock()
	s.status = st
	s.statusMu.Unlock()
}
