package session

import (
	"os"
	"path/filepath"
)

// BaseDir returns ~/.chatcore, or $CHATCORE_HOME when set.
func BaseDir() string {
	if dir := os.Getenv("CHATCORE_HOME"); dir != "" {
		return dir
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".chatcore")
}

// Dir returns the session-specific directory.
func Dir(name string) string {
	return filepath.Join(BaseDir(), "sessions", name)
}

// SocketPath returns the UDS socket path for a session.
func SocketPath(name string) string {
	return filepath.Join(Dir(name), "daemon.sock")
}

// LockPath returns the lock file path for a session.
func LockPath(name string) string {
	return filepath.Join(Dir(name), "LOCK")
}

// WhatsAppDBPath returns the whatsmeow device store path.
func WhatsAppDBPath(name string) string {
	return filepath.Join(Dir(name), "session.db")
}

// ChatDBPath returns the chat store path.
func ChatDBPath(name string) string {
	return filepath.Join(Dir(name), "chat.db")
}

// LogDir returns the log directory for a session.
func LogDir(name string) string {
	return filepath.Join(Dir(name), "logs")
}

// LogPath returns the daemon log file path.
func LogPath(name string) string {
	return filepath.Join(LogDir(name), "chatd.log")
}

// ConfigPath returns the global config file path.
func ConfigPath() string {
	return filepath.Join(BaseDir(), "config.toml")
}

// SessionConfigPath returns the per-session config file path.
func SessionConfigPath(name string) string {
	return filepath.Join(Dir(name), "config.toml")
}

// EnsureDir creates the session directory tree with proper permissions.
func EnsureDir(name string) error {
	dirs := []string{
		Dir(name),
		LogDir(name),
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0700); err != nil {
			return err
		}
	}
	return nil
}
