// Package app wires one Neovim connection: the rpc client, the buffer
// registry, the workspace and the optional browser monitor.
package app

import (
	"context"
	"fmt"
	"io"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/beeender/ComradeNeovim/internal/change"
	"github.com/beeender/ComradeNeovim/internal/config"
	"github.com/beeender/ComradeNeovim/internal/contracts"
	"github.com/beeender/ComradeNeovim/internal/host"
	"github.com/beeender/ComradeNeovim/internal/nvimapi"
	"github.com/beeender/ComradeNeovim/internal/registry"
	"github.com/beeender/ComradeNeovim/internal/render"
	"github.com/beeender/ComradeNeovim/internal/rpc"
	"github.com/beeender/ComradeNeovim/internal/transport"
	httpserver "github.com/beeender/ComradeNeovim/internal/transport/http"
	"github.com/google/uuid"
	"github.com/neovim/go-client/nvim"
)

// ChannelVar is the global variable holding the channel id of the bridge.
const ChannelVar = "comrade_channel"

// Version is reported to Neovim in nvim_set_client_info.
var Version = nvim.ClientVersion{Major: 0, Minor: 1, Patch: 0}

const editTimeout = 5 * time.Second

// Session is a coordinator between the Neovim connection and the local
// documents.
type Session struct {
	ID      string
	Channel int64

	cfg       config.Config
	client    *rpc.Client
	api       *nvimapi.API
	registry  *registry.Registry
	workspace *host.Workspace
	monitor   *httpserver.MonitorServer
	logf      func(string, ...any)
	verbose   atomic.Bool

	closeOnce sync.Once
}

var _ registry.Observer = (*Session)(nil)

// Option configures a Session.
type Option func(*Session)

func WithLogf(logf func(string, ...any)) Option {
	return func(s *Session) {
		if logf != nil {
			s.logf = logf
		}
	}
}

// Connect dials cfg.Address and starts a session on the connection.
func Connect(ctx context.Context, cfg config.Config, opts ...Option) (*Session, error) {
	conn, err := transport.Dial(ctx, cfg.Address)
	if err != nil {
		return nil, fmt.Errorf("app: dial %s: %w", cfg.Address, err)
	}
	s, err := Open(ctx, conn, cfg, opts...)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return s, nil
}

// Open starts a session on an established connection. The connection is
// owned by the session afterwards.
func Open(ctx context.Context, conn io.ReadWriteCloser, cfg config.Config, opts ...Option) (*Session, error) {
	s := &Session{
		ID:   uuid.NewString(),
		cfg:  cfg,
		logf: log.Printf,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.verbose.Store(cfg.Verbose)

	initial, err := registry.ParseInitialContent(cfg.Sync.InitialContent)
	if err != nil {
		return nil, err
	}

	middleware := []rpc.Middleware{rpc.LoggingMiddleware(s.verbosef)}
	if cfg.RPC.RequestRate > 0 {
		middleware = append(middleware, rpc.RateLimitMiddleware(cfg.RPC.RequestRate, cfg.RPC.RequestBurst))
	}
	s.client = rpc.NewClient(conn,
		rpc.WithLogf(s.logf),
		rpc.WithMiddleware(middleware...),
	)
	s.api = nvimapi.New(s.client)

	s.registry = registry.New(s.client,
		registry.WithInitialContent(initial),
		registry.WithRegisterFunction(cfg.Sync.RegisterFunction),
		registry.WithAttachTimeout(cfg.Sync.AttachTimeout.Duration),
		registry.WithVerifyDelay(cfg.Sync.VerifyDelay.Duration),
		registry.WithAutoReload(cfg.Sync.AutoReload),
		registry.WithObserver(s),
		registry.WithLogf(s.logf),
	)
	s.workspace = host.NewWorkspace(s.client, s.registry,
		host.WithRoots(cfg.Roots...),
		host.WithLogf(s.logf),
	)

	if cfg.Monitor.Listen != "" {
		s.monitor = httpserver.NewMonitorServer(cfg.Monitor.Listen, render.NewRenderer(), httpserver.WithLogf(s.logf))
		s.monitor.OnEdit = s.edit
	}

	// Handlers go in before Start so no early event is dropped.
	s.registry.Register(s.client)
	s.workspace.Register()
	s.client.Start()

	if err := s.handshake(ctx); err != nil {
		s.Close()
		return nil, err
	}

	if err := s.workspace.LoadCurrentBuffer(ctx); err != nil {
		s.logf("[comrade] app: %v", err)
	}

	if s.monitor != nil {
		if err := s.monitor.Start(); err != nil {
			s.Close()
			return nil, fmt.Errorf("app: start monitor: %w", err)
		}
		s.logf("[comrade] app: monitor at %s", s.monitor.URL())
		s.publishStatus()
	}
	return s, nil
}

func (s *Session) handshake(ctx context.Context) error {
	info, err := s.api.APIInfo(ctx)
	if err != nil {
		return fmt.Errorf("app: api info: %w", err)
	}
	s.Channel = info.ChannelID
	s.registry.SetChannel(info.ChannelID)
	if _, level, ok := info.Version(); ok {
		s.verbosef("[comrade] app: connected to channel %d, api level %d", info.ChannelID, level)
	}

	name := s.cfg.RPC.ClientName
	if name == "" {
		name = "comrade-nvim"
	}
	if err := s.api.SetClientInfo(ctx, name, Version, map[string]any{"session": s.ID}); err != nil {
		return fmt.Errorf("app: set client info: %w", err)
	}
	if err := s.api.SetVar(ctx, ChannelVar, info.ChannelID); err != nil {
		return fmt.Errorf("app: set %s: %w", ChannelVar, err)
	}
	if err := s.api.Command(ctx, fmt.Sprintf("echo 'comrade connected. ID: %d'", info.ChannelID)); err != nil {
		return fmt.Errorf("app: echo: %w", err)
	}
	return nil
}

func (s *Session) verbosef(format string, args ...any) {
	if s.verbose.Load() {
		s.logf(format, args...)
	}
}

// Apply hot-applies the settings of cfg that can change on a live session.
func (s *Session) Apply(cfg config.Config) {
	s.verbose.Store(cfg.Verbose)
	s.registry.SetAutoReload(cfg.Sync.AutoReload)
}

// Registry returns the buffer registry of the session.
func (s *Session) Registry() *registry.Registry { return s.registry }

// Workspace returns the documents of the session.
func (s *Session) Workspace() *host.Workspace { return s.workspace }

// MonitorURL returns the browser URL of the monitor, or "" without one.
func (s *Session) MonitorURL() string {
	if s.monitor == nil {
		return ""
	}
	return s.monitor.URL()
}

// Done is closed when the connection ended.
func (s *Session) Done() <-chan struct{} { return s.client.Done() }

// Wait blocks until the connection ended and returns its cause. A clean
// close returns nil.
func (s *Session) Wait() error {
	<-s.client.Done()
	s.Close()
	return s.client.Err()
}

// Close tears the session down.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		if s.monitor != nil {
			if err := s.monitor.Stop(); err != nil {
				s.logf("[comrade] app: stop monitor: %v", err)
			}
		}
		s.registry.Close()
		_ = s.client.Close()
	})
}

func (s *Session) edit(msg contracts.EditMessage) error {
	ctx, cancel := context.WithTimeout(context.Background(), editTimeout)
	defer cancel()
	return s.workspace.ApplyEdit(ctx, nvimapi.BufferID(msg.ID), msg.Offset, msg.Length, msg.Text)
}

// BufferBound implements registry.Observer.
func (s *Session) BufferBound(b *registry.Binding) {
	s.logf("[comrade] app: bound buffer %d '%s'", b.ID, b.Path)
	s.publishBuffer(b)
	s.publishStatus()
}

// BufferSynced implements registry.Observer.
func (s *Session) BufferSynced(b *registry.Binding, c change.Change) {
	s.verbosef("[comrade] app: %s", c)
	s.publishBuffer(b)
	s.publishStatus()
}

// BufferFaulted implements registry.Observer.
func (s *Session) BufferFaulted(b *registry.Binding, err error) {
	s.logf("[comrade] app: %v", err)
	s.publishStatus()
}

// BufferReleased implements registry.Observer.
func (s *Session) BufferReleased(b *registry.Binding) {
	s.logf("[comrade] app: released buffer %d '%s'", b.ID, b.Path)
	if s.monitor != nil {
		s.monitor.ReleaseBuffer(int64(b.ID))
	}
	s.publishStatus()
}

func (s *Session) publishBuffer(b *registry.Binding) {
	if s.monitor == nil {
		return
	}
	s.monitor.PublishBuffer(int64(b.ID), b.Path, b.Buffer.Text(), b.Sync.Tick())
}

// Status returns a snapshot of every synced buffer.
func (s *Session) Status() contracts.StatusMessage {
	bindings := s.registry.Bindings()
	msg := contracts.StatusMessage{
		Type:    contracts.MessageTypeStatus,
		Session: s.ID,
		Channel: s.Channel,
		Buffers: make([]contracts.BufferStatus, 0, len(bindings)),
	}
	for _, b := range bindings {
		st := b.Sync.Status()
		msg.Buffers = append(msg.Buffers, contracts.BufferStatus{
			ID:          int64(b.ID),
			Path:        b.Path,
			Changedtick: st.Tick,
			State:       st.State.String(),
			Pending:     st.Pending,
			Fault:       st.Fault,
		})
	}
	return msg
}

func (s *Session) publishStatus() {
	if s.monitor == nil {
		return
	}
	s.monitor.PublishStatus(s.Status())
}
