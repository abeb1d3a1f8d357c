// Package rpc implements a msgpack-RPC client: correlated requests,
// notifications and inbound dispatch over one duplex stream.
package rpc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"sync/atomic"

	"github.com/beeender/ComradeNeovim/internal/wire"
)

// State of a connection.
type State int32

const (
	StateOpen State = iota
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

type result struct {
	resp *wire.Response
	err  error
}

// Client owns one connection. A reader goroutine only decodes and enqueues;
// a single dispatch goroutine performs every write and runs every handler,
// so handlers never run concurrently with each other or with a write.
type Client struct {
	conn io.ReadWriteCloser
	enc  *wire.Encoder
	dec  *wire.Decoder

	logf    func(string, ...any)
	onClose func(error)

	nextID atomic.Uint64

	mu       sync.Mutex
	state    State
	started  bool
	closeErr error
	pending  map[uint64]chan result

	handlersMu    sync.RWMutex
	requests      map[string]RequestHandler
	notifications map[string]NotificationHandler
	middleware    []Middleware
	chained       Middleware

	mbox      *mailbox
	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
}

// Option configures a Client.
type Option func(*Client)

// WithLogf sets the log function. The default is log.Printf.
func WithLogf(logf func(string, ...any)) Option {
	return func(c *Client) {
		if logf != nil {
			c.logf = logf
		}
	}
}

// WithOnClose sets the callback invoked exactly once when the connection
// ends. cause is nil for a clean EOF or a local Close.
func WithOnClose(fn func(cause error)) Option {
	return func(c *Client) { c.onClose = fn }
}

// WithMiddleware wraps every inbound request handler.
func WithMiddleware(mw ...Middleware) Option {
	return func(c *Client) { c.middleware = append(c.middleware, mw...) }
}

func NewClient(conn io.ReadWriteCloser, opts ...Option) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		conn:          conn,
		enc:           wire.NewEncoder(conn),
		dec:           wire.NewDecoder(conn),
		logf:          log.Printf,
		pending:       make(map[uint64]chan result),
		requests:      make(map[string]RequestHandler),
		notifications: make(map[string]NotificationHandler),
		mbox:          newMailbox(),
		ctx:           ctx,
		cancel:        cancel,
		done:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.chained = Chain(append([]Middleware{RecoverMiddleware()}, c.middleware...)...)
	return c
}

// Start launches the reader and the dispatch loop. Handlers should be
// registered before Start so no early message is dropped.
func (c *Client) Start() {
	c.mu.Lock()
	if c.started || c.state != StateOpen {
		c.mu.Unlock()
		return
	}
	c.started = true
	c.mu.Unlock()

	go c.runLoop()
	go c.readLoop()
}

// State reports the connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Done is closed once the connection reached StateClosed.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err returns the close cause once Done is closed.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeErr
}

// HandleRequest registers fn for inbound requests named method. The first
// registration wins; a duplicate is logged and reported as false.
func (c *Client) HandleRequest(method string, fn RequestHandler) bool {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()

	if _, exists := c.requests[method]; exists {
		c.logf("[comrade] rpc: request handler for %q already registered, keeping the first one", method)
		return false
	}
	c.requests[method] = c.chained(fn)
	return true
}

// HandleNotification registers fn for inbound notifications named method.
// The first registration wins; a duplicate is logged and reported as false.
func (c *Client) HandleNotification(method string, fn NotificationHandler) bool {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()

	if _, exists := c.notifications[method]; exists {
		c.logf("[comrade] rpc: notification handler for %q already registered, keeping the first one", method)
		return false
	}
	c.notifications[method] = fn
	return true
}

// Call sends a request and waits for the correlated response, the end of
// the connection or ctx. It must not be called with a context handed to a
// handler; use Detached for work spawned from a handler.
func (c *Client) Call(ctx context.Context, method string, args ...any) (any, error) {
	if onDispatchLoop(ctx) {
		return nil, ErrReentrantCall
	}

	ch := make(chan result, 1)
	id := c.nextID.Add(1) - 1

	c.mu.Lock()
	if c.state != StateOpen {
		cause := c.closeErr
		c.mu.Unlock()
		return nil, closedError(cause)
	}
	c.pending[id] = ch
	c.mu.Unlock()

	req := &wire.Request{ID: id, Method: method, Args: args}
	c.mbox.put(func() { c.write(req, ch) })

	select {
	case r := <-ch:
		return unwrapResult(method, r)
	case <-ctx.Done():
		c.forget(id)
		return nil, ctx.Err()
	case <-c.done:
		select {
		case r := <-ch:
			return unwrapResult(method, r)
		default:
		}
		return nil, closedError(c.Err())
	}
}

// Notify sends a notification without waiting for anything.
func (c *Client) Notify(method string, args ...any) error {
	if s := c.State(); s != StateOpen {
		return closedError(c.Err())
	}
	n := &wire.Notification{Method: method, Args: args}
	c.mbox.put(func() { c.write(n, nil) })
	return nil
}

// Post runs fn on the dispatch loop, after everything already queued. It
// reports false if the connection is closed.
func (c *Client) Post(fn func()) bool {
	if c.State() == StateClosed {
		return false
	}
	c.mbox.put(fn)
	return true
}

// Close shuts the connection down. Pending calls fail with
// ErrConnectionClosed and the close callback runs with a nil cause.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.state != StateOpen {
		c.mu.Unlock()
		return nil
	}
	c.state = StateClosing
	started := c.started
	c.mu.Unlock()

	err := c.conn.Close()
	if !started {
		c.shutdown(nil)
	}
	return err
}

func unwrapResult(method string, r result) (any, error) {
	if r.err != nil {
		return nil, r.err
	}
	if r.resp.Error != nil {
		return nil, &RemoteError{Method: method, Data: r.resp.Error}
	}
	return r.resp.Result, nil
}

func (c *Client) forget(id uint64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *Client) readLoop() {
	for {
		msg, err := c.dec.Decode()
		if err != nil {
			if errors.Is(err, wire.ErrMalformed) {
				c.logf("[comrade] rpc: dropping message: %v", err)
				continue
			}

			var cause error
			if !errors.Is(err, io.EOF) && c.State() == StateOpen {
				cause = err
			}
			c.mbox.put(func() { c.shutdown(cause) })
			return
		}
		c.mbox.put(func() { c.dispatch(msg) })
	}
}

// runLoop serializes writes and dispatch on a single goroutine.
func (c *Client) runLoop() {
	for {
		select {
		case <-c.mbox.ready:
			for _, item := range c.mbox.take() {
				select {
				case <-c.done:
					return
				default:
				}
				item()
			}
		case <-c.done:
			return
		}
	}
}

func (c *Client) write(msg wire.Message, ch chan result) {
	if err := c.enc.Encode(msg); err != nil {
		c.logf("[comrade] rpc: write failed: %v", err)
		if ch != nil {
			ch <- result{err: fmt.Errorf("rpc: write: %w", err)}
		}
		c.shutdown(err)
	}
}

func (c *Client) dispatch(msg wire.Message) {
	switch m := msg.(type) {
	case *wire.Response:
		c.mu.Lock()
		ch, ok := c.pending[m.ID]
		delete(c.pending, m.ID)
		c.mu.Unlock()

		if !ok {
			c.logf("[comrade] rpc: no pending call for response %d", m.ID)
			return
		}
		ch <- result{resp: m}

	case *wire.Request:
		c.handleRequest(m)

	case *wire.Notification:
		c.handleNotification(m)
	}
}

func (c *Client) handleRequest(req *wire.Request) {
	c.handlersMu.RLock()
	h, ok := c.requests[req.Method]
	c.handlersMu.RUnlock()

	resp := &wire.Response{ID: req.ID}
	if !ok {
		resp.Error = fmt.Sprintf("no request handler registered for %s", req.Method)
	} else {
		value, err := h(c.dispatchContext(req.Method), req.Args)
		if err != nil {
			resp.Error = err.Error()
		} else {
			resp.Result = value
		}
	}
	c.write(resp, nil)
}

func (c *Client) handleNotification(n *wire.Notification) {
	c.handlersMu.RLock()
	h, ok := c.notifications[n.Method]
	c.handlersMu.RUnlock()

	if !ok {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			c.logf("[comrade] rpc: notification handler %s panicked: %v", n.Method, r)
		}
	}()

	if err := h(c.dispatchContext(n.Method), n.Args); err != nil {
		c.logf("[comrade] rpc: notification %s: %v", n.Method, err)
	}
}

// shutdown runs once: it fails pending calls, stops both loops and invokes
// the close callback.
func (c *Client) shutdown(cause error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.state = StateClosed
		c.closeErr = cause
		c.pending = make(map[uint64]chan result)
		c.mu.Unlock()

		_ = c.conn.Close()
		c.cancel()
		close(c.done)

		if cause != nil {
			c.logf("[comrade] rpc: connection lost: %v", cause)
		}
		if c.onClose != nil {
			c.onClose(cause)
		}
	})
}
