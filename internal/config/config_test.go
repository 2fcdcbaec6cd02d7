package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestSaveAndLoad(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.toml")

	cfg := &Config{DefaultSession: "work"}
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded.DefaultSession != "work" {
		t.Errorf("DefaultSession = %q, want %q", loaded.DefaultSession, "work")
	}
}

func TestLoadMissing(t *testing.T) {
	_, err := Load("/nonexistent/config.toml")
	if err == nil {
		t.Error("Load() expected error for missing file")
	}
}

func TestSavePermissions(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.toml")

	if err := Save(path, &Config{DefaultSession: "main"}); err != nil {
		t.Fatal(err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	perm := info.Mode().Perm()
	if perm != 0600 {
		t.Errorf("file permission = %o, want 0600", perm)
	}
}

func TestLoadSessionMissingGivesDefaults(t *testing.T) {
	cfg, err := LoadSession(filepath.Join(t.TempDir(), "config.toml"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Transport.Kind != TransportNone {
		t.Errorf("Transport.Kind = %q, want %q", cfg.Transport.Kind, TransportNone)
	}
	if cfg.Outbox.MaxAttempts != 5 || cfg.Outbox.FlushInterval != 2*time.Second {
		t.Errorf("Outbox = %+v", cfg.Outbox)
	}
}

func TestLoadSession(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	body := `
[transport]
kind = "ws"
url = "ws://localhost:8080/ws"
token = "tok"

[outbox]
max_attempts = 8
base_backoff = "500ms"

[metrics]
addr = "127.0.0.1:9464"

[identity]
user_id = "me"
name = "Me"
`
	if err := os.WriteFile(path, []byte(body), 0600); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadSession(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Transport.Kind != TransportWebSocket || cfg.Transport.URL != "ws://localhost:8080/ws" {
		t.Errorf("Transport = %+v", cfg.Transport)
	}
	if cfg.Outbox.MaxAttempts != 8 || cfg.Outbox.BaseBackoff != 500*time.Millisecond {
		t.Errorf("Outbox = %+v", cfg.Outbox)
	}
	// Untouched keys keep their defaults.
	if cfg.Outbox.MaxBackoff != 5*time.Minute {
		t.Errorf("MaxBackoff = %v, want default", cfg.Outbox.MaxBackoff)
	}
	if cfg.Metrics.Addr != "127.0.0.1:9464" || cfg.Identity.UserID != "me" {
		t.Errorf("cfg = %+v", cfg)
	}
}

func TestLoadSessionRejects(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"unknown kind", "[transport]\nkind = \"carrier-pigeon\"\n"},
		{"ws without url", "[transport]\nkind = \"ws\"\n"},
		{"unknown key", "[outbox]\nmax_attempt = 3\n"},
		{"inverted backoff", "[outbox]\nbase_backoff = \"10m\"\nmax_backoff = \"1m\"\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.toml")
			if err := os.WriteFile(path, []byte(tt.body), 0600); err != nil {
				t.Fatal(err)
			}
			if _, err := LoadSession(path); err == nil {
				t.Error("LoadSession() expected error")
			}
		})
	}
}
