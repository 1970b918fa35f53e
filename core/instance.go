package mesh

/*
Instance Directory & Lock (C2).

Guarantees at most one process per NodeID on a host, and hands out a
scratch directory for per-instance state. The PID-liveness check uses
golang.org/x/sys/unix.Kill(pid, 0), the same "is this process still
alive" trick the teacher uses for its own ioctl/signal plumbing
(src/ptt.go, src/cm108.go) rather than anything stdlib offers directly.
*/

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/charmbracelet/log"
	"golang.org/x/sys/unix"
)

// InstanceDirectory owns a per-instance scratch directory and its lock
// file for the lifetime of the object. A second Close is a no-op.
type InstanceDirectory struct {
	dir string
	log *log.Logger

	mu     sync.Mutex
	closed bool
}

// NewInstanceDirectory creates (or reclaims, if stale) the scratch
// directory TMPDIR/midi-network-<nodeid>/ and writes this process's PID
// into dir/.lock. It fails with a *DuplicateInstanceError if another
// live process already holds the lock.
func NewInstanceDirectory(id NodeID, logger *log.Logger) (*InstanceDirectory, error) {
	if logger == nil {
		logger = log.Default()
	}
	dir := filepath.Join(os.TempDir(), "midi-network-"+id.String())
	lockPath := filepath.Join(dir, ".lock")

	if pid, ok := readLockPID(lockPath); ok {
		if pidIsRunning(pid) {
			return nil, &DuplicateInstanceError{PID: pid}
		}
		logger.Warn("removing stale instance lock", "dir", dir, "stale_pid", pid)
		if err := os.RemoveAll(dir); err != nil {
			return nil, fmt.Errorf("midimesh: clean up stale instance dir %s: %w", dir, err)
		}
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("midimesh: create instance dir %s: %w", dir, err)
	}
	if err := os.WriteFile(lockPath, []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
		return nil, fmt.Errorf("midimesh: write instance lock %s: %w", lockPath, err)
	}

	return &InstanceDirectory{dir: dir, log: logger}, nil
}

// StateFile returns a path under the instance directory for the given
// file name. The directory never creates the file itself; it only
// hands out paths for a caller to use as it sees fit.
func (d *InstanceDirectory) StateFile(name string) string {
	return filepath.Join(d.dir, name)
}

// Dir returns the instance's scratch directory.
func (d *InstanceDirectory) Dir() string { return d.dir }

// Close removes the lock file and the scratch directory, tolerating
// individual failures by logging rather than returning an error. A
// second call is a no-op.
func (d *InstanceDirectory) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.closed = true

	if err := os.Remove(d.StateFile(".lock")); err != nil && !errors.Is(err, os.ErrNotExist) {
		d.log.Warn("could not remove instance lock", "err", err)
	}
	if err := os.RemoveAll(d.dir); err != nil {
		d.log.Warn("could not remove instance dir", "dir", d.dir, "err", err)
	}
}

func readLockPID(lockPath string) (int, bool) {
	raw, err := os.ReadFile(lockPath)
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil {
		return 0, false
	}
	return pid, true
}

// pidIsRunning reports whether pid names a live process, using the
// signal-0 convention: sending signal 0 performs only existence and
// permission checks, no actual signal delivery.
func pidIsRunning(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	if err == nil {
		return true
	}
	return !errors.Is(err, unix.ESRCH)
}
