// Package httpserver handles all message traffic between the bridge and the
// browser monitor.
package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/beeender/ComradeNeovim/internal/contracts"
	"github.com/beeender/ComradeNeovim/internal/render"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

type bufferPayload struct {
	id    int64
	path  string
	text  string
	tick  int64
	freed bool
}

// MonitorServer coordinates HTTP serving and WebSocket updates. Publish
// methods never block: the latest state wins and the run loop renders and
// broadcasts it.
type MonitorServer struct {
	addr     string
	renderer *render.Renderer
	logf     func(string, ...any)

	mu       sync.Mutex
	started  bool
	server   *http.Server
	listener net.Listener

	// OnEdit is invoked for every edit request from a browser, in arrival
	// order, outside the run loop.
	OnEdit func(contracts.EditMessage) error

	pendingMu      sync.Mutex
	pendingStatus  *contracts.StatusMessage
	pendingBuffers map[int64]bufferPayload
	changed        chan struct{}

	browserInbound chan []byte
	edits          chan contracts.EditMessage
	register       chan *websocket.Conn
	unregister     chan *websocket.Conn
	stopLoop       chan struct{}
	loopDone       chan struct{}

	snapMu      sync.RWMutex
	snapStatus  contracts.StatusMessage
	snapBuffers map[int64]contracts.BufferMessage

	upgrader websocket.Upgrader
}

// Option configures a MonitorServer.
type Option func(*MonitorServer)

func WithLogf(logf func(string, ...any)) Option {
	return func(m *MonitorServer) {
		if logf != nil {
			m.logf = logf
		}
	}
}

// NewMonitorServer creates an HTTP/WebSocket monitor bound to addr.
func NewMonitorServer(addr string, renderer *render.Renderer, opts ...Option) *MonitorServer {
	m := &MonitorServer{
		addr:     addr,
		renderer: renderer,
		logf:     log.Printf,

		pendingBuffers: make(map[int64]bufferPayload),
		changed:        make(chan struct{}, 1),
		browserInbound: make(chan []byte, 64),
		edits:          make(chan contracts.EditMessage, 64),
		register:       make(chan *websocket.Conn),
		unregister:     make(chan *websocket.Conn),
		stopLoop:       make(chan struct{}),
		loopDone:       make(chan struct{}),
		snapStatus:     contracts.StatusMessage{Type: contracts.MessageTypeStatus, Buffers: []contracts.BufferStatus{}},
		snapBuffers:    make(map[int64]contracts.BufferMessage),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// URL returns the browser URL of the monitor.
func (m *MonitorServer) URL() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listener != nil {
		return "http://" + m.listener.Addr().String()
	}
	return "http://" + m.addr
}

// Handler returns the routes of the monitor.
func (m *MonitorServer) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/", m.handleIndex).Methods(http.MethodGet)
	r.HandleFunc("/ws", m.handleWS)
	r.HandleFunc("/status", m.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/status.json", m.handleStatusJSON).Methods(http.MethodGet)
	r.HandleFunc("/buffers/{id:[0-9]+}", m.handleBuffer).Methods(http.MethodGet)
	return r
}

// Start listens on addr and starts the run loop.
func (m *MonitorServer) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return nil
	}

	ln, err := net.Listen("tcp", m.addr)
	if err != nil {
		return err
	}
	m.listener = ln
	srv := &http.Server{Handler: m.Handler(), ReadHeaderTimeout: 5 * time.Second}
	m.server = srv
	m.started = true

	go m.runLoop()
	go m.editLoop()
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			m.logf("[comrade] monitor: serve: %v", err)
		}
	}()
	return nil
}

// Stop gracefully shuts down the HTTP server and run loop.
func (m *MonitorServer) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.started || m.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err := m.server.Shutdown(ctx)

	close(m.stopLoop)
	<-m.loopDone

	m.started = false
	m.server = nil
	return err
}

// PublishStatus replaces the status snapshot.
func (m *MonitorServer) PublishStatus(msg contracts.StatusMessage) {
	m.pendingMu.Lock()
	m.pendingStatus = &msg
	m.pendingMu.Unlock()
	m.signal()
}

// PublishBuffer replaces the content shown for buffer id.
func (m *MonitorServer) PublishBuffer(id int64, path, text string, tick int64) {
	m.pendingMu.Lock()
	m.pendingBuffers[id] = bufferPayload{id: id, path: path, text: text, tick: tick}
	m.pendingMu.Unlock()
	m.signal()
}

// ReleaseBuffer removes buffer id from the view.
func (m *MonitorServer) ReleaseBuffer(id int64) {
	m.pendingMu.Lock()
	m.pendingBuffers[id] = bufferPayload{id: id, freed: true}
	m.pendingMu.Unlock()
	m.signal()
}

func (m *MonitorServer) signal() {
	select {
	case m.changed <- struct{}{}:
	default:
	}
}

func (m *MonitorServer) takePending() (*contracts.StatusMessage, []bufferPayload) {
	m.pendingMu.Lock()
	defer m.pendingMu.Unlock()

	status := m.pendingStatus
	m.pendingStatus = nil
	buffers := make([]bufferPayload, 0, len(m.pendingBuffers))
	for _, b := range m.pendingBuffers {
		buffers = append(buffers, b)
	}
	m.pendingBuffers = make(map[int64]bufferPayload)
	sort.Slice(buffers, func(i, j int) bool { return buffers[i].id < buffers[j].id })
	return status, buffers
}

// handleIndex serves the initial HTML shell.
func (m *MonitorServer) handleIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte(m.renderer.RenderShell()))
}

// handleStatus serves the status snapshot as a static page.
func (m *MonitorServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	m.snapMu.RLock()
	status := m.snapStatus
	m.snapMu.RUnlock()

	fragment, err := m.renderer.RenderStatus(status)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte(m.renderer.RenderPage("comrade-nvim status", fragment)))
}

func (m *MonitorServer) handleStatusJSON(w http.ResponseWriter, r *http.Request) {
	m.snapMu.RLock()
	status := m.snapStatus
	m.snapMu.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(status)
}

func (m *MonitorServer) handleBuffer(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		http.NotFound(w, r)
		return
	}

	m.snapMu.RLock()
	msg, ok := m.snapBuffers[id]
	m.snapMu.RUnlock()
	if !ok {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte(m.renderer.RenderPage(msg.Path, msg.HTML)))
}

// handleWS upgrades the connection and forwards browser messages to the loop.
func (m *MonitorServer) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	select {
	case m.register <- conn:
	case <-m.stopLoop:
		_ = conn.Close()
		return
	}
	defer func() {
		select {
		case m.unregister <- conn:
		case <-m.stopLoop:
		}
	}()

	// Block here until the connection closes or errors out.
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		select {
		case m.browserInbound <- msg:
		case <-m.stopLoop:
			return
		}
	}
}

// runLoop serializes state updates and websocket writes on a single goroutine.
func (m *MonitorServer) runLoop() {
	defer close(m.loopDone)

	conns := make(map[*websocket.Conn]struct{})
	var rev uint64

	broadcast := func(v any) {
		for conn := range conns {
			if !writeJSON(conn, v) {
				delete(conns, conn)
			}
		}
	}

	for {
		select {
		case <-m.changed:
			status, buffers := m.takePending()
			rev++

			for _, b := range buffers {
				if b.freed {
					m.snapMu.Lock()
					delete(m.snapBuffers, b.id)
					m.snapMu.Unlock()
					broadcast(contracts.ReleasedMessage{Type: contracts.MessageTypeReleased, ID: b.id})
					continue
				}
				html, err := m.renderer.RenderBuffer(b.path, b.text)
				if err != nil {
					m.logf("[comrade] monitor: render buffer %d: %v", b.id, err)
					continue
				}
				msg := contracts.BufferMessage{
					Type:        contracts.MessageTypeBuffer,
					ID:          b.id,
					Path:        b.path,
					HTML:        html,
					Changedtick: b.tick,
					Rev:         rev,
				}
				m.snapMu.Lock()
				m.snapBuffers[b.id] = msg
				m.snapMu.Unlock()
				broadcast(msg)
			}

			if status != nil {
				status.Type = contracts.MessageTypeStatus
				status.Rev = rev
				if status.Buffers == nil {
					status.Buffers = []contracts.BufferStatus{}
				}
				m.snapMu.Lock()
				m.snapStatus = *status
				m.snapMu.Unlock()
				broadcast(*status)
			}

		case c := <-m.register:
			conns[c] = struct{}{}

			m.snapMu.RLock()
			status := m.snapStatus
			buffers := make([]contracts.BufferMessage, 0, len(m.snapBuffers))
			for _, b := range m.snapBuffers {
				buffers = append(buffers, b)
			}
			m.snapMu.RUnlock()
			sort.Slice(buffers, func(i, j int) bool { return buffers[i].ID < buffers[j].ID })

			if !writeJSON(c, status) {
				delete(conns, c)
				continue
			}
			for _, b := range buffers {
				if !writeJSON(c, b) {
					delete(conns, c)
					break
				}
			}

		case c := <-m.unregister:
			if _, ok := conns[c]; ok {
				_ = c.Close()
				delete(conns, c)
			}

		case raw := <-m.browserInbound:
			var envelope contracts.IncomingMessage
			if err := json.Unmarshal(raw, &envelope); err != nil {
				continue
			}
			switch envelope.Type {
			case contracts.MessageTypeEdit:
				var msg contracts.EditMessage
				if err := json.Unmarshal(raw, &msg); err != nil {
					continue
				}
				select {
				case m.edits <- msg:
				default:
					m.logf("[comrade] monitor: edit queue full, dropping edit of buffer %d", msg.ID)
				}
			}

		case <-m.stopLoop:
			for conn := range conns {
				_ = conn.Close()
			}
			return
		}
	}
}

// editLoop applies browser edits one by one. It runs outside the run loop
// because OnEdit waits for the rpc dispatch loop, which may itself be
// publishing to this server.
func (m *MonitorServer) editLoop() {
	for {
		select {
		case msg := <-m.edits:
			if m.OnEdit == nil {
				continue
			}
			if err := m.OnEdit(msg); err != nil {
				m.logf("[comrade] monitor: edit of buffer %d: %v", msg.ID, err)
			}
		case <-m.stopLoop:
			return
		}
	}
}

// writeJSON writes a JSON message and reports whether the connection is usable.
func writeJSON(conn *websocket.Conn, v any) bool {
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := conn.WriteJSON(v); err != nil {
		_ = conn.Close()
		return false
	}
	return true
}
