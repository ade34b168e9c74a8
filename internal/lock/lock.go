package lock

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"
)

// ownerInfo is the diagnostic payload written into the lock file. It is
// advisory only; the flock itself is what enforces exclusion.
type ownerInfo struct {
	PID      int       `json:"pid"`
	Acquired time.Time `json:"acquired"`
}

// HeldError is returned when another process holds the profile lock.
// The local cache is a single-writer SQLite file, so two clients must not
// share one profile concurrently.
type HeldError struct {
	PID   int
	Since time.Time
	Path  string
}

func (e *HeldError) Error() string {
	if e.Since.IsZero() {
		return fmt.Sprintf("profile lock held by PID %d (%s)", e.PID, e.Path)
	}
	return fmt.Sprintf("profile lock held by PID %d since %s (%s)",
		e.PID, e.Since.Format(time.RFC3339), e.Path)
}

// Lock represents an acquired profile lock file.
type Lock struct {
	file *os.File
	path string
}

// Acquire takes an exclusive flock on the profile's LOCK file, creating the
// profile directory if needed. Returns HeldError when another process holds
// it, with the holder's pid read from the file for diagnostics.
func Acquire(profileDir string) (*Lock, error) {
	if err := os.MkdirAll(profileDir, 0700); err != nil {
		return nil, fmt.Errorf("create profile dir: %w", err)
	}
	lockPath := filepath.Join(profileDir, "LOCK")

	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		held := readOwner(lockPath)
		held.Path = lockPath
		_ = f.Close()
		return nil, held
	}

	if err := writeOwner(f); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("write lock owner: %w", err)
	}
	return &Lock{file: f, path: lockPath}, nil
}

// Release releases the lock. Safe to call on nil receiver and idempotent.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	// Remove lock file before closing to avoid stale files.
	_ = os.Remove(l.path)
	err := l.file.Close()
	l.file = nil
	return err
}

func writeOwner(f *os.File) error {
	if err := f.Truncate(0); err != nil {
		return err
	}
	if _, err := f.Seek(0, 0); err != nil {
		return err
	}
	return json.NewEncoder(f).Encode(ownerInfo{
		PID:      os.Getpid(),
		Acquired: time.Now().UTC(),
	})
}

func readOwner(path string) *HeldError {
	data, err := os.ReadFile(path)
	if err != nil {
		return &HeldError{}
	}
	var owner ownerInfo
	if json.Unmarshal(data, &owner) != nil {
		return &HeldError{}
	}
	return &HeldError{PID: owner.PID, Since: owner.Acquired}
}
