// Package config loads the bridge configuration from a TOML file.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// ErrInvalid wraps validation failures.
var ErrInvalid = errors.New("invalid configuration")

// ParseError represents an error while parsing a configuration file.
type ParseError struct {
	Path    string
	Line    int
	Column  int
	Message string
	Err     error
}

func (e *ParseError) Error() string {
	if e.Line > 0 && e.Column > 0 {
		return fmt.Sprintf("parse error in %s at line %d, column %d: %s", e.Path, e.Line, e.Column, e.Message)
	}
	if e.Line > 0 {
		return fmt.Sprintf("parse error in %s at line %d: %s", e.Path, e.Line, e.Message)
	}
	return fmt.Sprintf("parse error in %s: %s", e.Path, e.Message)
}

func (e *ParseError) Unwrap() error { return e.Err }

// Duration is a time.Duration written as a string such as "5s".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

type Config struct {
	// Address of the Neovim RPC endpoint: host:port, a unix socket path or a
	// named pipe.
	Address string   `toml:"address"`
	Roots   []string `toml:"roots"`
	Verbose bool     `toml:"verbose"`

	Sync      SyncConfig      `toml:"sync"`
	RPC       RPCConfig       `toml:"rpc"`
	Monitor   MonitorConfig   `toml:"monitor"`
	Reconnect ReconnectConfig `toml:"reconnect"`
}

type SyncConfig struct {
	// InitialContent is "remote" or "local".
	InitialContent   string   `toml:"initial_content"`
	RegisterFunction string   `toml:"register_function"`
	AttachTimeout    Duration `toml:"attach_timeout"`
	// VerifyDelay of zero disables line count verification.
	VerifyDelay Duration `toml:"verify_delay"`
	AutoReload  bool     `toml:"auto_reload"`
}

type RPCConfig struct {
	ClientName string `toml:"client_name"`
	// RequestRate limits inbound requests per second; zero disables it.
	RequestRate  float64 `toml:"request_rate"`
	RequestBurst int     `toml:"request_burst"`
}

type MonitorConfig struct {
	// Listen is the monitor HTTP address; empty disables the monitor.
	Listen string `toml:"listen"`
}

type ReconnectConfig struct {
	Enabled         bool     `toml:"enabled"`
	InitialInterval Duration `toml:"initial_interval"`
	MaxInterval     Duration `toml:"max_interval"`
	MaxRetries      uint64   `toml:"max_retries"`
}

func Default() Config {
	return Config{
		Sync: SyncConfig{
			InitialContent: "remote",
			AttachTimeout:  Duration{2 * time.Second},
			VerifyDelay:    Duration{5 * time.Second},
		},
		RPC: RPCConfig{
			ClientName:   "comrade-nvim",
			RequestRate:  50,
			RequestBurst: 20,
		},
		Reconnect: ReconnectConfig{
			InitialInterval: Duration{500 * time.Millisecond},
			MaxInterval:     Duration{10 * time.Second},
			MaxRetries:      10,
		},
	}
}

// DefaultPath is ~/.config/comrade-nvim/config.toml, or the platform
// equivalent.
func DefaultPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "comrade-nvim", "config.toml")
}

// Load reads path over the defaults. A missing file is not an error.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("reading config file %s: %w", path, err)
	}
	if err := Parse(path, data, &cfg); err != nil {
		return Default(), err
	}
	return cfg, nil
}

// Parse decodes data into cfg. Unknown keys are rejected.
func Parse(source string, data []byte, cfg *Config) error {
	dec := toml.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		perr := &ParseError{Path: source, Message: err.Error(), Err: err}
		var derr *toml.DecodeError
		if errors.As(err, &derr) {
			perr.Line, perr.Column = derr.Position()
		}
		return perr
	}
	return cfg.Validate()
}

func (c Config) Validate() error {
	switch strings.ToLower(c.Sync.InitialContent) {
	case "", "remote", "local":
	default:
		return fmt.Errorf("%w: sync.initial_content must be \"remote\" or \"local\", got %q", ErrInvalid, c.Sync.InitialContent)
	}
	if c.Sync.AttachTimeout.Duration < 0 || c.Sync.VerifyDelay.Duration < 0 {
		return fmt.Errorf("%w: negative sync duration", ErrInvalid)
	}
	if c.RPC.RequestRate < 0 || c.RPC.RequestBurst < 0 {
		return fmt.Errorf("%w: negative request limit", ErrInvalid)
	}
	if c.RPC.RequestRate > 0 && c.RPC.RequestBurst == 0 {
		return fmt.Errorf("%w: rpc.request_burst must be positive when request_rate is set", ErrInvalid)
	}
	if c.Reconnect.MaxInterval.Duration > 0 && c.Reconnect.InitialInterval.Duration > c.Reconnect.MaxInterval.Duration {
		return fmt.Errorf("%w: reconnect.initial_interval exceeds max_interval", ErrInvalid)
	}
	return nil
}
