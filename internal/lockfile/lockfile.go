// Package lockfile guards a TravelDiary state directory so only one process serves it.
//
// The lock is an advisory flock(2) held through gofrs/flock; the kernel drops it
// when the process exits, gracefully or not.
package lockfile

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/gofrs/flock"
)

// LockFileName is the name of the lock file created in the state directory
const LockFileName = "traveldiary.lock"

// Lock represents an active directory lock
type Lock struct {
	flock    *flock.Flock
	path     string
	acquired bool
}

// AcquireLock takes the exclusive lock on stateDir, creating the directory if needed.
// When another process holds it the error is a *LockError describing that process.
func AcquireLock(stateDir string) (*Lock, error) {
	lockPath := filepath.Join(stateDir, LockFileName)
	slog.Debug("Lockfile AcquireLock attempting", "lock_path", lockPath)

	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		slog.Error("Lockfile AcquireLock failed to create state directory", "error", err, "state_dir", stateDir)
		return nil, fmt.Errorf("create state directory %s: %w", stateDir, err)
	}

	fl := flock.New(lockPath)
	ok, err := fl.TryLock()
	if err != nil {
		slog.Error("Lockfile AcquireLock failed", "error", err, "lock_path", lockPath)
		return nil, fmt.Errorf("lock %s: %w", lockPath, err)
	}
	if !ok {
		info := readExistingLockInfo(lockPath)
		slog.Error("Lockfile AcquireLock failed, another TravelDiary instance is running",
			"lock_path", lockPath, "existing_lock_info", info)
		return nil, &LockError{LockPath: lockPath, ExistingInfo: info, Cause: syscall.EWOULDBLOCK}
	}

	if err := os.WriteFile(lockPath, []byte(fmt.Sprintf("pid=%d\n", os.Getpid())), 0o644); err != nil {
		_ = fl.Unlock()
		slog.Error("Lockfile AcquireLock failed to write lock information", "error", err, "lock_path", lockPath)
		return nil, fmt.Errorf("write lock information to %s: %w", lockPath, err)
	}

	slog.Info("Lockfile AcquireLock succeeded", "lock_path", lockPath, "pid", os.Getpid())
	return &Lock{flock: fl, path: lockPath, acquired: true}, nil
}

// Path returns the lock file path.
func (l *Lock) Path() string { return l.path }

// Release drops the lock and removes the lock file. Safe to call more than once.
func (l *Lock) Release() error {
	if !l.acquired {
		return nil
	}
	if err := l.flock.Unlock(); err != nil {
		slog.Error("Lockfile Release failed to unlock", "error", err, "lock_path", l.path)
	}
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		slog.Warn("Lockfile Release failed to remove lock file", "error", err, "lock_path", l.path)
	}
	l.acquired = false
	slog.Info("Lockfile Release succeeded", "lock_path", l.path)
	return nil
}

// LockError represents an error when failing to acquire a lock due to another process
type LockError struct {
	LockPath     string
	ExistingInfo string
	Cause        error
}

func (e *LockError) Error() string {
	msg := fmt.Sprintf("Another TravelDiary instance is already running using the same state directory.\n\nLock file: %s", e.LockPath)
	if e.ExistingInfo != "" {
		msg += fmt.Sprintf("\nExisting process: %s", e.ExistingInfo)
	}
	msg += "\n\nIf no other instance is running the lock file is stale and can be removed with:\n" +
		fmt.Sprintf("  rm %s", e.LockPath)
	return msg
}

func (e *LockError) Unwrap() error {
	return e.Cause
}

func readExistingLockInfo(lockPath string) string {
	data, err := os.ReadFile(lockPath)
	if err != nil {
		return "unable to read lock file information"
	}
	content := string(data)
	if content == "" {
		return "lock file exists but contains no process information"
	}
	if pid := extractPIDFromLockInfo(content); pid > 0 {
		if isProcessRunning(pid) {
			return fmt.Sprintf("PID %d (running)", pid)
		}
		return fmt.Sprintf("PID %d (not running - stale lock)", pid)
	}
	return fmt.Sprintf("process information: %s", strings.TrimSpace(content))
}

// extractPIDFromLockInfo reads the "pid=NNNN" entry.
func extractPIDFromLockInfo(content string) int {
	const pidPrefix = "pid="
	idx := strings.Index(content, pidPrefix)
	if idx == -1 {
		return 0
	}
	start := idx + len(pidPrefix)
	end := start
	for end < len(content) && content[end] >= '0' && content[end] <= '9' {
		end++
	}
	if end == start {
		return 0
	}
	pid, err := strconv.Atoi(content[start:end])
	if err != nil {
		return 0
	}
	return pid
}

// isProcessRunning checks pid with signal 0.
func isProcessRunning(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return process.Signal(syscall.Signal(0)) == nil
}
