package session

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDir(t *testing.T) {
	t.Setenv("CHATCORE_HOME", "")
	home, _ := os.UserHomeDir()
	got := Dir("main")
	want := filepath.Join(home, ".chatcore", "sessions", "main")
	if got != want {
		t.Errorf("Dir(main) = %q, want %q", got, want)
	}
}

func TestDirHonorsHomeOverride(t *testing.T) {
	base := t.TempDir()
	t.Setenv("CHATCORE_HOME", base)
	if got, want := Dir("work"), filepath.Join(base, "sessions", "work"); got != want {
		t.Errorf("Dir(work) = %q, want %q", got, want)
	}
}

func TestFilePaths(t *testing.T) {
	tests := []struct {
		name string
		got  string
		want string
	}{
		{"socket", SocketPath("test"), filepath.Join("sessions", "test", "daemon.sock")},
		{"lock", LockPath("test"), filepath.Join("sessions", "test", "LOCK")},
		{"chat db", ChatDBPath("test"), filepath.Join("sessions", "test", "chat.db")},
		{"whatsapp db", WhatsAppDBPath("test"), filepath.Join("sessions", "test", "session.db")},
		{"log", LogPath("test"), filepath.Join("sessions", "test", "logs", "chatd.log")},
		{"session config", SessionConfigPath("test"), filepath.Join("sessions", "test", "config.toml")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !strings.HasSuffix(tt.got, tt.want) {
				t.Errorf("path = %q, want suffix %q", tt.got, tt.want)
			}
		})
	}
}

func TestEnsureDir(t *testing.T) {
	t.Setenv("CHATCORE_HOME", t.TempDir())

	if err := EnsureDir("test"); err != nil {
		t.Fatal(err)
	}
	for _, dir := range []string{Dir("test"), LogDir("test")} {
		info, err := os.Stat(dir)
		if err != nil {
			t.Fatalf("%s not created: %v", dir, err)
		}
		if !info.IsDir() {
			t.Errorf("%s is not a directory", dir)
		}
		if perm := info.Mode().Perm(); perm != 0700 {
			t.Errorf("%s permission = %o, want 0700", dir, perm)
		}
	}
}
