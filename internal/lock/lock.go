// Package lock keeps a second daemon from opening the same session.
package lock

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/matheus3301/chatcore/internal/apperr"
)

// FileName is the lock file inside a session directory.
const FileName = "LOCK"

// HeldError is returned when another process holds the session lock. It
// matches apperr.ErrConflict.
type HeldError struct {
	PID  int
	Path string
}

func (e *HeldError) Error() string {
	if e.PID == 0 {
		return fmt.Sprintf("session already in use (%s)", e.Path)
	}
	return fmt.Sprintf("session already in use by chatd pid %d (%s)", e.PID, e.Path)
}

func (e *HeldError) Unwrap() error { return apperr.ErrConflict }

// Lock is an acquired session lock.
type Lock struct {
	file *os.File
	path string
}

// Acquire takes an exclusive, non-blocking flock on the session directory's
// lock file and records the owner's pid in it.
func Acquire(sessionDir string) (*Lock, error) {
	path := filepath.Join(sessionDir, FileName)
	if err := os.MkdirAll(sessionDir, 0700); err != nil {
		return nil, fmt.Errorf("create session dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		_ = f.Close()
		return nil, &HeldError{PID: Owner(sessionDir), Path: path}
	}

	owner := fmt.Sprintf("pid=%d\ntime=%s\n", os.Getpid(), time.Now().UTC().Format(time.RFC3339))
	if err := f.Truncate(0); err == nil {
		_, err = f.WriteAt([]byte(owner), 0)
	}
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("write lock owner: %w", err)
	}
	return &Lock{file: f, path: path}, nil
}

// Owner returns the pid recorded in a session's lock file, or 0.
func Owner(sessionDir string) int {
	data, err := os.ReadFile(filepath.Join(sessionDir, FileName))
	if err != nil {
		return 0
	}
	for line := range strings.SplitSeq(string(data), "\n") {
		if v, ok := strings.CutPrefix(line, "pid="); ok {
			pid, _ := strconv.Atoi(v)
			return pid
		}
	}
	return 0
}

// Release drops the lock and removes the file. It is a no-op on a nil or
// released lock.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	_ = os.Remove(l.path)
	err := l.file.Close()
	l.file = nil
	return err
}
