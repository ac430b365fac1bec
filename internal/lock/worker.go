// Package lock keeps two processes on one host from running under the same
// worker id. Claims, audit records and lease ownership are attributed to the
// worker id, so a duplicate would make them ambiguous.
package lock

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"syscall"
	"time"
)

// HeldError is returned when another live process holds the worker id.
type HeldError struct {
	WorkerID string
	Holder   Holder
}

func (e *HeldError) Error() string {
	if e.Holder.PID == 0 {
		return fmt.Sprintf("worker id %q is in use by another process", e.WorkerID)
	}
	return fmt.Sprintf("worker id %q is in use by pid %d (since %s)", e.WorkerID, e.Holder.PID, e.Holder.StartedAt.Format(time.RFC3339))
}

// Holder is written into the lock file.
type Holder struct {
	PID       int       `json:"pid"`
	WorkerID  string    `json:"worker_id"`
	StartedAt time.Time `json:"started_at"`
}

// WorkerLock is held for the life of the process via flock(2) on an open
// file descriptor.
type WorkerLock struct {
	path string
	f    *os.File
}

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// PathFor returns the lock file for workerID under dir.
func PathFor(dir, workerID string) string {
	return filepath.Join(dir, unsafeChars.ReplaceAllString(workerID, "_")+".lock")
}

// Acquire takes the lock for workerID under dir without blocking.
func Acquire(dir, workerID string) (*WorkerLock, error) {
	if workerID == "" {
		return nil, fmt.Errorf("worker id is empty")
	}
	if dir == "" {
		return nil, fmt.Errorf("lock directory is empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}

	path := PathFor(dir, workerID)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		holder, _ := ReadHolder(path)
		_ = f.Close()
		if errors.Is(err, syscall.EWOULDBLOCK) {
			return nil, &HeldError{WorkerID: workerID, Holder: holder}
		}
		return nil, fmt.Errorf("acquire lock: %w", err)
	}

	fail := func(step string, err error) (*WorkerLock, error) {
		_ = syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
		_ = f.Close()
		return nil, fmt.Errorf("%s lock file: %w", step, err)
	}
	if err := f.Truncate(0); err != nil {
		return fail("truncate", err)
	}
	if _, err := f.Seek(0, 0); err != nil {
		return fail("seek", err)
	}
	holder := Holder{PID: os.Getpid(), WorkerID: workerID, StartedAt: time.Now().UTC()}
	if err := json.NewEncoder(f).Encode(holder); err != nil {
		return fail("write", err)
	}
	if err := f.Sync(); err != nil {
		return fail("sync", err)
	}

	return &WorkerLock{path: path, f: f}, nil
}

// ReadHolder reports who last wrote the lock file at path.
func ReadHolder(path string) (Holder, error) {
	var h Holder
	b, err := os.ReadFile(path)
	if err != nil {
		return h, err
	}
	if err := json.Unmarshal(b, &h); err != nil {
		return h, fmt.Errorf("parse lock file: %w", err)
	}
	return h, nil
}

func (l *WorkerLock) Path() string { return l.path }

func (l *WorkerLock) Release() error {
	if l == nil || l.f == nil {
		return nil
	}
	_ = syscall.Flock(int(l.f.Fd()), syscall.LOCK_UN)
	err := l.f.Close()
	l.f = nil
	return err
}
