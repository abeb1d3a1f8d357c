package app

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/beeender/ComradeNeovim/internal/config"
	"github.com/cenkalti/backoff"
)

// Runner keeps a session alive, reconnecting with exponential backoff when
// the configuration asks for it.
type Runner struct {
	logf func(string, ...any)

	mu      sync.Mutex
	cfg     config.Config
	session *Session
}

func NewRunner(cfg config.Config, logf func(string, ...any)) *Runner {
	if logf == nil {
		logf = log.Printf
	}
	return &Runner{cfg: cfg, logf: logf}
}

// Session returns the live session, or nil between connections.
func (r *Runner) Session() *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.session
}

// Apply takes over the hot settings of cfg for the live session and for
// every later one.
func (r *Runner) Apply(cfg config.Config) {
	r.mu.Lock()
	r.cfg.Verbose = cfg.Verbose
	r.cfg.Sync.AutoReload = cfg.Sync.AutoReload
	s := r.session
	r.mu.Unlock()

	if s != nil {
		s.Apply(cfg)
	}
}

func (r *Runner) config() config.Config {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cfg
}

// Run connects and blocks until ctx ends or the connection is lost for
// good.
func (r *Runner) Run(ctx context.Context) error {
	for {
		cfg := r.config()
		s, err := r.connect(ctx, cfg)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		r.mu.Lock()
		r.session = s
		r.mu.Unlock()
		r.logf("[comrade] app: connected to %s, channel %d", cfg.Address, s.Channel)

		select {
		case <-s.Done():
		case <-ctx.Done():
			s.Close()
		}
		err = s.Wait()

		r.mu.Lock()
		r.session = nil
		r.mu.Unlock()

		if ctx.Err() != nil {
			return nil
		}
		if !cfg.Reconnect.Enabled {
			return err
		}
		if err != nil {
			r.logf("[comrade] app: connection lost: %v, reconnecting", err)
		} else {
			r.logf("[comrade] app: Neovim closed the connection, reconnecting")
		}
	}
}

func (r *Runner) connect(ctx context.Context, cfg config.Config) (*Session, error) {
	if !cfg.Reconnect.Enabled {
		return Connect(ctx, cfg, WithLogf(r.logf))
	}

	b := backoff.NewExponentialBackOff()
	if cfg.Reconnect.InitialInterval.Duration > 0 {
		b.InitialInterval = cfg.Reconnect.InitialInterval.Duration
	}
	if cfg.Reconnect.MaxInterval.Duration > 0 {
		b.MaxInterval = cfg.Reconnect.MaxInterval.Duration
	}
	b.MaxElapsedTime = 0

	var policy backoff.BackOff = b
	if cfg.Reconnect.MaxRetries > 0 {
		policy = backoff.WithMaxRetries(policy, cfg.Reconnect.MaxRetries)
	}

	var s *Session
	op := func() error {
		var err error
		s, err = Connect(ctx, cfg, WithLogf(r.logf))
		return err
	}
	notify := func(err error, wait time.Duration) {
		r.logf("[comrade] app: %v, retrying in %s", err, wait)
	}
	// backoff gives up early when the next wait would pass a deadline of
	// its context. Only hand it cancellation, so Run ends on ctx alone.
	retryCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	if err := backoff.RetryNotify(op, backoff.WithContext(policy, retryCtx), notify); err != nil {
		return nil, err
	}
	return s, nil
}
