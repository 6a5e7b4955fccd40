package lockfile

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLockAcquisitionRecordsOwner(t *testing.T) {
	dir := t.TempDir()
	lock, err := AcquireLock(dir, "whatsapp", "matrix")
	if err != nil {
		t.Fatalf("Failed to acquire lock: %v", err)
	}
	defer lock.Release()

	owner, err := ReadOwner(filepath.Join(dir, LockFileName))
	if err != nil {
		t.Fatalf("ReadOwner failed: %v", err)
	}
	if owner.PID != os.Getpid() {
		t.Errorf("owner PID = %d, want %d", owner.PID, os.Getpid())
	}
	if len(owner.Platforms) != 2 || owner.Platforms[0] != "whatsapp" {
		t.Errorf("owner platforms = %v", owner.Platforms)
	}
	if !owner.Running() {
		t.Error("our own process should be detected as running")
	}
}

func TestLockConflict(t *testing.T) {
	dir := t.TempDir()
	lock1, err := AcquireLock(dir)
	if err != nil {
		t.Fatalf("Failed to acquire first lock: %v", err)
	}
	defer lock1.Release()

	lock2, err := AcquireLock(dir)
	if err == nil {
		lock2.Release()
		t.Fatal("Second lock acquisition should have failed")
	}

	var lockErr *LockError
	if !errors.As(err, &lockErr) {
		t.Fatalf("Expected LockError, got: %T", err)
	}
	if lockErr.Owner.PID != os.Getpid() {
		t.Errorf("conflict should report the holder, got PID %d", lockErr.Owner.PID)
	}
	msg := err.Error()
	if !strings.Contains(msg, "another CorpusPipe instance") || !strings.Contains(msg, dir) {
		t.Errorf("unhelpful error message: %s", msg)
	}

	// The failed attempt must not clobber the holder's record.
	if owner, err := ReadOwner(filepath.Join(dir, LockFileName)); err != nil || owner.PID != os.Getpid() {
		t.Errorf("owner record damaged: %+v, %v", owner, err)
	}
}

func TestLockReleaseAndReacquire(t *testing.T) {
	dir := t.TempDir()
	lock, err := AcquireLock(dir)
	if err != nil {
		t.Fatalf("Failed to acquire lock: %v", err)
	}
	if err := lock.Release(); err != nil {
		t.Errorf("Failed to release lock: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, LockFileName)); !os.IsNotExist(err) {
		t.Error("Lock file should be removed after release")
	}
	if err := lock.Release(); err != nil {
		t.Errorf("Multiple releases should be safe: %v", err)
	}

	again, err := AcquireLock(dir)
	if err != nil {
		t.Fatalf("Failed to reacquire lock after release: %v", err)
	}
	defer again.Release()
}

func TestAcquireCreatesDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "state")
	lock, err := AcquireLock(dir)
	if err != nil {
		t.Fatalf("Should be able to create directory and acquire lock: %v", err)
	}
	defer lock.Release()
	if _, err := os.Stat(dir); err != nil {
		t.Errorf("Directory should have been created: %v", err)
	}
}

func TestReadOwnerErrors(t *testing.T) {
	dir := t.TempDir()
	empty := filepath.Join(dir, "empty.lock")
	if err := os.WriteFile(empty, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := ReadOwner(empty); err == nil {
		t.Error("expected error for empty lock file")
	}
	if _, err := ReadOwner(filepath.Join(dir, "missing.lock")); err == nil {
		t.Error("expected error for missing lock file")
	}
	if (Owner{PID: 0}).Running() {
		t.Error("PID 0 must not count as running")
	}
}
