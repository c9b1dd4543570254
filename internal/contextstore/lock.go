package contextstore

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// ErrLocked is returned when another process holds the snapshot lock.
var ErrLocked = errors.New("context snapshot is locked by another process")

// Lock is an exclusive lock file next to the snapshot.
type Lock struct {
	path string
}

// LockPath returns the lock file path for a snapshot.
func LockPath(snapshotPath string) string {
	return snapshotPath + ".lock"
}

// AcquireLock creates the lock file for snapshotPath. It fails with ErrLocked
// if the file exists and names a live process. A lock left by a process that
// no longer exists is removed and taken over.
func AcquireLock(snapshotPath string) (*Lock, error) {
	path := LockPath(snapshotPath)
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create lock directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
	if errors.Is(err, os.ErrExist) {
		pid, alive := lockHolder(path)
		if alive {
			return nil, fmt.Errorf("%w: %s (pid %d); remove the file if that process is gone", ErrLocked, path, pid)
		}
		// The holder exited without releasing. Reclaim once; a concurrent
		// reclaimer that wins the race makes the second open fail.
		if rerr := os.Remove(path); rerr != nil && !errors.Is(rerr, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to remove stale lock file: %w", rerr)
		}
		f, err = os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
		if errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("%w: %s", ErrLocked, path)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create lock file: %w", err)
	}
	_, werr := f.WriteString(strconv.Itoa(os.Getpid()))
	cerr := f.Close()
	if err := errors.Join(werr, cerr); err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("failed to write lock file: %w", err)
	}
	return &Lock{path: path}, nil
}

// Release removes the lock file.
func (l *Lock) Release() error {
	if err := os.Remove(l.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove lock file: %w", err)
	}
	return nil
}

// lockHolder reads the PID in the lock file and reports whether that process
// is still running. An unreadable or empty file counts as held, since its
// owner may not have written the PID yet.
func lockHolder(path string) (int, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, !errors.Is(err, os.ErrNotExist)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, true
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return pid, false
	}
	err = p.Signal(syscall.Signal(0))
	return pid, err == nil || errors.Is(err, syscall.EPERM)
}
