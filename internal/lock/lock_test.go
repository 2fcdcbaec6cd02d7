package lock

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/matheus3301/chatcore/internal/apperr"
)

func TestAcquireRecordsOwner(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "sessions", "main")

	l, err := Acquire(dir)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if got := Owner(dir); got != os.Getpid() {
		t.Errorf("Owner() = %d, want %d", got, os.Getpid())
	}

	if err := l.Release(); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, FileName)); !os.IsNotExist(err) {
		t.Errorf("lock file left behind: %v", err)
	}
	if got := Owner(dir); got != 0 {
		t.Errorf("Owner() after release = %d, want 0", got)
	}
}

func TestSecondAcquireIsConflict(t *testing.T) {
	dir := t.TempDir()

	first, err := Acquire(dir)
	if err != nil {
		t.Fatalf("first Acquire() error = %v", err)
	}
	defer func() { _ = first.Release() }()

	_, err = Acquire(dir)
	var held *HeldError
	if !errors.As(err, &held) {
		t.Fatalf("second Acquire() error = %T %v, want *HeldError", err, err)
	}
	if held.PID != os.Getpid() {
		t.Errorf("held by pid %d, want %d", held.PID, os.Getpid())
	}
	if !errors.Is(err, apperr.ErrConflict) {
		t.Errorf("errors.Is(err, ErrConflict) = false for %v", err)
	}
}

func TestReacquireAfterRelease(t *testing.T) {
	dir := t.TempDir()
	for i := range 2 {
		l, err := Acquire(dir)
		if err != nil {
			t.Fatalf("Acquire() #%d error = %v", i+1, err)
		}
		if err := l.Release(); err != nil {
			t.Fatalf("Release() #%d error = %v", i+1, err)
		}
		if err := l.Release(); err != nil {
			t.Errorf("second Release() #%d error = %v", i+1, err)
		}
	}

	var nilLock *Lock
	if err := nilLock.Release(); err != nil {
		t.Errorf("nil Release() error = %v", err)
	}
}
