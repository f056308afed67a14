// Package lockfile guards a LabLab state directory against a second server
// process.
//
// The SQLite database and the durable job queue assume a single writer, so
// serve takes an exclusive flock on a file in the state directory. The kernel
// drops the lock when the process exits, cleanly or not; the file contents
// only exist to explain a conflict to the operator.
package lockfile

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// LockFileName is the name of the lock file created in the state directory
const LockFileName = "lablab.lock"

// Info describes the process holding a lock.
type Info struct {
	PID       int
	StartedAt time.Time
	Owner     string // free-form, e.g. the listen address
}

func (i Info) encode() string {
	var b strings.Builder
	fmt.Fprintf(&b, "pid=%d\n", i.PID)
	fmt.Fprintf(&b, "started=%s\n", i.StartedAt.UTC().Format(time.RFC3339))
	if i.Owner != "" {
		fmt.Fprintf(&b, "owner=%s\n", i.Owner)
	}
	return b.String()
}

// parseInfo reads the key=value lines written by encode. Unknown keys and
// malformed lines are ignored.
func parseInfo(content string) Info {
	var info Info
	sc := bufio.NewScanner(strings.NewReader(content))
	for sc.Scan() {
		key, value, ok := strings.Cut(strings.TrimSpace(sc.Text()), "=")
		if !ok {
			continue
		}
		switch key {
		case "pid":
			if pid, err := strconv.Atoi(value); err == nil && pid > 0 {
				info.PID = pid
			}
		case "started":
			if t, err := time.Parse(time.RFC3339, value); err == nil {
				info.StartedAt = t
			}
		case "owner":
			info.Owner = value
		}
	}
	return info
}

// Lock represents an active directory lock
type Lock struct {
	file     *os.File
	path     string
	info     Info
	acquired bool
}

// AcquireLock takes an exclusive lock on stateDir, creating it if needed.
// owner is recorded in the lock file for diagnostics. When another process
// holds the lock the error is a *LockError describing it.
func AcquireLock(stateDir, owner string) (*Lock, error) {
	lockPath := filepath.Join(stateDir, LockFileName)
	slog.Debug("lockfile.AcquireLock: attempting", "lockPath", lockPath)

	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create state directory %s: %w", stateDir, err)
	}

	// O_TRUNC is deferred until the lock is held so a losing process does not
	// wipe the winner's diagnostics.
	file, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file %s: %w", lockPath, err)
	}

	if err := syscall.Flock(int(file.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		file.Close()
		lerr := &LockError{LockPath: lockPath, Holder: readHolder(lockPath), Cause: err}
		slog.Error("lockfile.AcquireLock: another LabLab instance holds the lock", "lockPath", lockPath, "holderPID", lerr.Holder.PID, "error", err)
		return nil, lerr
	}

	info := Info{PID: os.Getpid(), StartedAt: time.Now(), Owner: owner}
	if err := writeInfo(file, info); err != nil {
		syscall.Flock(int(file.Fd()), syscall.LOCK_UN)
		file.Close()
		return nil, fmt.Errorf("failed to write lock information to %s: %w", lockPath, err)
	}

	slog.Info("lockfile.AcquireLock: state directory locked", "lockPath", lockPath, "pid", info.PID)
	return &Lock{file: file, path: lockPath, info: info, acquired: true}, nil
}

func writeInfo(f *os.File, info Info) error {
	if err := f.Truncate(0); err != nil {
		return err
	}
	if _, err := f.WriteAt([]byte(info.encode()), 0); err != nil {
		return err
	}
	if err := f.Sync(); err != nil {
		slog.Warn("lockfile.writeInfo: sync failed", "error", err)
	}
	return nil
}

// Path returns the lock file path.
func (l *Lock) Path() string { return l.path }

// Info returns what was recorded for this process.
func (l *Lock) Info() Info { return l.info }

// Release drops the lock and removes the lock file. Calling it more than
// once is a no-op.
func (l *Lock) Release() error {
	if !l.acquired || l.file == nil {
		return nil
	}

	// Remove while still holding the lock so a waiting process never sees a
	// file we are about to delete.
	if err := os.Remove(l.path); err != nil {
		slog.Warn("lockfile.Release: failed to remove lock file", "lockPath", l.path, "error", err)
	}
	if err := syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN); err != nil {
		slog.Error("lockfile.Release: failed to release flock", "lockPath", l.path, "error", err)
	}
	err := l.file.Close()

	l.acquired = false
	l.file = nil
	slog.Info("lockfile.Release: state directory unlocked", "lockPath", l.path)
	return err
}

// LockError is returned when another process holds the lock.
type LockError struct {
	LockPath string
	Holder   Info
	Cause    error
}

func (e *LockError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "another LabLab instance is using this state directory (lock file %s)", e.LockPath)
	if e.Holder.PID > 0 {
		state := "running"
		if !isProcessRunning(e.Holder.PID) {
			state = "not running, stale lock"
		}
		fmt.Fprintf(&b, "; holder PID %d (%s)", e.Holder.PID, state)
	}
	if !e.Holder.StartedAt.IsZero() {
		fmt.Fprintf(&b, ", started %s", e.Holder.StartedAt.Format(time.RFC3339))
	}
	if e.Holder.Owner != "" {
		fmt.Fprintf(&b, ", owner %s", e.Holder.Owner)
	}
	return b.String()
}

func (e *LockError) Unwrap() error {
	return e.Cause
}

func readHolder(lockPath string) Info {
	data, err := os.ReadFile(lockPath)
	if err != nil {
		return Info{}
	}
	return parseInfo(string(data))
}

// isProcessRunning sends signal 0, which checks existence without delivering anything.
func isProcessRunning(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return process.Signal(syscall.Signal(0)) == nil
}
