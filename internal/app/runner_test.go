package app

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/beeender/ComradeNeovim/internal/config"
	"github.com/beeender/ComradeNeovim/internal/transport"
)

type logRecorder struct {
	mu    sync.Mutex
	lines []string
}

func (l *logRecorder) logf(format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lines = append(l.lines, format)
}

func (l *logRecorder) count(substr string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, line := range l.lines {
		if strings.Contains(line, substr) {
			n++
		}
	}
	return n
}

func missingAddress(t *testing.T) string {
	return filepath.Join(t.TempDir(), "missing.sock")
}

func TestRunWithoutReconnectFailsOnce(t *testing.T) {
	cfg := config.Default()
	cfg.Address = missingAddress(t)

	err := NewRunner(cfg, quiet).Run(context.Background())
	if !errors.Is(err, transport.ErrAddressNotFound) {
		t.Fatalf("expected ErrAddressNotFound, got %v", err)
	}
}

func TestRunRetriesUpToMaxRetries(t *testing.T) {
	cfg := config.Default()
	cfg.Address = missingAddress(t)
	cfg.Reconnect.Enabled = true
	cfg.Reconnect.InitialInterval = config.Duration{Duration: time.Millisecond}
	cfg.Reconnect.MaxInterval = config.Duration{Duration: 5 * time.Millisecond}
	cfg.Reconnect.MaxRetries = 3

	rec := &logRecorder{}
	err := NewRunner(cfg, rec.logf).Run(context.Background())
	if !errors.Is(err, transport.ErrAddressNotFound) {
		t.Fatalf("expected ErrAddressNotFound, got %v", err)
	}
	if n := rec.count("retrying in"); n != 3 {
		t.Fatalf("expected 3 retries, got %d", n)
	}
}

func TestRunStopsWithContext(t *testing.T) {
	cfg := config.Default()
	cfg.Address = missingAddress(t)
	cfg.Reconnect.Enabled = true
	cfg.Reconnect.InitialInterval = config.Duration{Duration: 10 * time.Millisecond}
	cfg.Reconnect.MaxRetries = 0

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- NewRunner(cfg, quiet).Run(ctx) }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected nil after cancel, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop")
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	cfg := config.Default()
	cfg.Address = missingAddress(t)
	cfg.Reconnect.Enabled = true
	cfg.Reconnect.InitialInterval = config.Duration{Duration: time.Second}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- NewRunner(cfg, quiet).Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected nil after cancel, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop while waiting to retry")
	}
}

func TestApplyKeepsHotSettings(t *testing.T) {
	r := NewRunner(config.Default(), quiet)

	next := config.Default()
	next.Verbose = true
	next.Sync.AutoReload = true
	next.Address = "127.0.0.1:1"
	r.Apply(next)

	cfg := r.config()
	if !cfg.Verbose || !cfg.Sync.AutoReload {
		t.Fatalf("hot settings were not applied: %+v", cfg)
	}
	if cfg.Address != "" {
		t.Fatalf("address must not change on a live runner, got %q", cfg.Address)
	}
}
