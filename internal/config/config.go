// Package config reads the global and per-session TOML configuration.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Transport kinds.
const (
	TransportNone      = "none"
	TransportWebSocket = "ws"
	TransportWhatsApp  = "whatsapp"
)

// Config represents the global ~/.chatcore/config.toml.
type Config struct {
	DefaultSession string `toml:"default_session"`
}

// Session is the per-session config.toml. Zero fields take defaults.
type Session struct {
	Transport Transport `toml:"transport"`
	Outbox    Outbox    `toml:"outbox"`
	Metrics   Metrics   `toml:"metrics"`
	Identity  Identity  `toml:"identity"`
}

type Transport struct {
	Kind  string `toml:"kind"`
	URL   string `toml:"url"`
	Token string `toml:"token"`
}

type Outbox struct {
	MaxAttempts   int           `toml:"max_attempts"`
	BaseBackoff   time.Duration `toml:"base_backoff"`
	MaxBackoff    time.Duration `toml:"max_backoff"`
	FlushInterval time.Duration `toml:"flush_interval"`
}

type Metrics struct {
	Addr string `toml:"addr"`
}

type Identity struct {
	UserID string `toml:"user_id"`
	Name   string `toml:"name"`
}

// Defaults returns the session config used when no file exists.
func Defaults() *Session {
	return &Session{
		Transport: Transport{Kind: TransportNone},
		Outbox: Outbox{
			MaxAttempts:   5,
			BaseBackoff:   time.Second,
			MaxBackoff:    5 * time.Minute,
			FlushInterval: 2 * time.Second,
		},
	}
}

// Load reads config from the given path. Returns zero config and error if file missing.
func Load(path string) (*Config, error) {
	var cfg Config
	_, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadSession reads a session config over the defaults. A missing file is
// not an error.
func LoadSession(path string) (*Session, error) {
	cfg := Defaults()
	md, err := toml.DecodeFile(path, cfg)
	if errors.Is(err, fs.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("parse %s: unknown key %q", path, undecoded[0].String())
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks field combinations that cannot be defaulted.
func (s *Session) Validate() error {
	switch s.Transport.Kind {
	case "", TransportNone, TransportWhatsApp:
	case TransportWebSocket:
		if s.Transport.URL == "" {
			return errors.New("transport.url is required for kind \"ws\"")
		}
	default:
		return fmt.Errorf("unknown transport.kind %q", s.Transport.Kind)
	}
	if s.Outbox.MaxAttempts < 0 {
		return errors.New("outbox.max_attempts must not be negative")
	}
	if s.Outbox.MaxBackoff > 0 && s.Outbox.BaseBackoff > s.Outbox.MaxBackoff {
		return errors.New("outbox.base_backoff exceeds outbox.max_backoff")
	}
	return nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}
