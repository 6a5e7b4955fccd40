// Package lockfile guards a state directory against a second CorpusPipe
// instance. The flock is released by the kernel when the process exits, so a
// crash never leaves the directory locked.
package lockfile

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"
)

// LockFileName is the name of the lock file created in the state directory
const LockFileName = "corpuspipe.lock"

// Owner describes the process holding the lock. It is written to the lock
// file so a refused second instance can say who it collided with.
type Owner struct {
	PID       int       `yaml:"pid"`
	StartedAt time.Time `yaml:"started_at"`
	Platforms []string  `yaml:"platforms,omitempty"`
}

// Lock represents an active directory lock
type Lock struct {
	file *os.File
	path string
}

// AcquireLock takes an exclusive lock on stateDir, creating it if needed.
// platforms is recorded in the lock file for diagnostics only.
func AcquireLock(stateDir string, platforms ...string) (*Lock, error) {
	lockPath := filepath.Join(stateDir, LockFileName)
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create state directory %s: %w", stateDir, err)
	}

	// Not O_TRUNC: the current holder's record must survive a failed attempt.
	file, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file %s: %w", lockPath, err)
	}

	if err := syscall.Flock(int(file.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		file.Close()
		owner, readErr := ReadOwner(lockPath)
		slog.Error("lockfile.AcquireLock: state directory is in use", "lock_path", lockPath, "error", err)
		return nil, &LockError{LockPath: lockPath, Owner: owner, OwnerErr: readErr, Cause: err}
	}

	info, err := yaml.Marshal(Owner{PID: os.Getpid(), StartedAt: time.Now().UTC(), Platforms: platforms})
	if err == nil {
		if err = file.Truncate(0); err == nil {
			_, err = file.WriteAt(info, 0)
		}
	}
	if err != nil {
		syscall.Flock(int(file.Fd()), syscall.LOCK_UN)
		file.Close()
		return nil, fmt.Errorf("failed to write lock information to %s: %w", lockPath, err)
	}
	if err := file.Sync(); err != nil {
		slog.Warn("lockfile.AcquireLock: sync failed", "error", err, "lock_path", lockPath)
	}

	slog.Info("lockfile.AcquireLock: state directory locked", "lock_path", lockPath, "pid", os.Getpid())
	return &Lock{file: file, path: lockPath}, nil
}

// Release drops the lock and removes the lock file. Safe to call twice.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	// Remove before unlocking so a waiting instance never sees our record.
	if err := os.Remove(l.path); err != nil {
		slog.Warn("lockfile.Release: failed to remove lock file", "error", err, "lock_path", l.path)
	}
	if err := syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN); err != nil {
		slog.Error("lockfile.Release: failed to release flock", "error", err, "lock_path", l.path)
	}
	err := l.file.Close()
	l.file = nil
	slog.Info("lockfile.Release: state directory unlocked", "lock_path", l.path)
	return err
}

// ReadOwner parses the owner record of a lock file.
func ReadOwner(lockPath string) (Owner, error) {
	var owner Owner
	data, err := os.ReadFile(lockPath)
	if err != nil {
		return owner, err
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return owner, fmt.Errorf("lock file is empty")
	}
	if err := yaml.Unmarshal(data, &owner); err != nil {
		return owner, fmt.Errorf("unreadable lock file: %w", err)
	}
	return owner, nil
}

// Running reports whether the owner process still exists.
func (o Owner) Running() bool {
	if o.PID <= 0 {
		return false
	}
	process, err := os.FindProcess(o.PID)
	if err != nil {
		return false
	}
	return process.Signal(syscall.Signal(0)) == nil
}

// LockError represents an error when failing to acquire a lock due to another process
type LockError struct {
	LockPath string
	Owner    Owner
	OwnerErr error
	Cause    error
}

func (e *LockError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "another CorpusPipe instance is using this state directory (lock file %s)", e.LockPath)
	switch {
	case e.OwnerErr != nil:
		fmt.Fprintf(&b, "; owner unknown: %v", e.OwnerErr)
	case e.Owner.Running():
		fmt.Fprintf(&b, "; held by PID %d since %s", e.Owner.PID, e.Owner.StartedAt.Format(time.RFC3339))
	default:
		fmt.Fprintf(&b, "; recorded PID %d is not running, remove %s if no other instance exists", e.Owner.PID, e.LockPath)
	}
	return b.String()
}

func (e *LockError) Unwrap() error {
	return e.Cause
}
