// Package runlock guarantees that at most one run holds a state root.
package runlock

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

var ErrLockBusy = errors.New("run lock busy")

const (
	initialBackoff = 50 * time.Millisecond
	maxBackoff     = 2 * time.Second
)

// held names the lock paths this process acquired and has not released. A
// lock file that records our own pid but is not in held was left by an
// earlier process that reused the pid.
var (
	heldMu sync.Mutex
	held   = map[string]bool{}
)

// BusyError describes the holder observed when acquisition gave up.
type BusyError struct {
	Path      string
	HolderPID int
	Age       time.Duration
}

func (e *BusyError) Error() string {
	return fmt.Sprintf("%s: %s held by pid %d for %s", ErrLockBusy, e.Path, e.HolderPID, e.Age.Round(time.Second))
}

func (e *BusyError) Unwrap() error {
	return ErrLockBusy
}

// Options tune acquisition. Zero values select the process defaults.
type Options struct {
	PID   int
	Alive func(pid int) bool
	Now   func() time.Time
	Sleep func(time.Duration)
}

// Handle is an acquired lock. Release is idempotent.
type Handle struct {
	path    string
	pid     int
	once    sync.Once
	release error
}

func (h *Handle) Path() string { return h.path }

func (h *Handle) PID() int { return h.pid }

// Release removes the lock file if it still names this holder.
func (h *Handle) Release() error {
	h.once.Do(func() {
		defer setHeld(h.path, false)
		recorded, err := readPID(h.path)
		if err != nil {
			if os.IsNotExist(err) {
				return
			}
			h.release = fmt.Errorf("read lock before release: %w", err)
			return
		}
		if recorded != h.pid {
			h.release = fmt.Errorf("lock %s now held by pid %d, not releasing", h.path, recorded)
			return
		}
		if err := os.Remove(h.path); err != nil && !os.IsNotExist(err) {
			h.release = fmt.Errorf("remove lock: %w", err)
		}
	})
	return h.release
}

// Acquire exclusively creates path containing the caller pid. A lock whose
// recorded pid is no longer alive is removed and acquisition retried. A live
// holder fails immediately when timeout is zero, otherwise acquisition polls
// with exponential backoff until timeout elapses.
func Acquire(path string, timeout time.Duration, opts Options) (*Handle, error) {
	opts = opts.withDefaults()
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}
	deadline := opts.Now().Add(timeout)
	backoff := initialBackoff
	for {
		created, err := tryCreate(path, opts.PID)
		if err != nil {
			return nil, err
		}
		if created {
			setHeld(path, true)
			return &Handle{path: path, pid: opts.PID}, nil
		}

		holder, readErr := readPID(path)
		switch {
		case readErr != nil && os.IsNotExist(readErr):
			continue
		case readErr != nil:
			// An unreadable or partially written lock is treated as stale only
			// once it is old enough that its writer cannot still be mid-write.
			if lockAge(path, opts.Now()) > time.Second {
				_ = os.Remove(path)
				continue
			}
		case holder == opts.PID && isHeld(path):
			return nil, fmt.Errorf("%w: %s already held by this process", ErrLockBusy, path)
		case holder == opts.PID || !opts.Alive(holder):
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				return nil, fmt.Errorf("remove stale lock: %w", err)
			}
			continue
		}

		now := opts.Now()
		if timeout <= 0 || !now.Before(deadline) {
			return nil, &BusyError{Path: path, HolderPID: holder, Age: lockAge(path, now)}
		}
		wait := backoff
		if remaining := deadline.Sub(now); wait > remaining {
			wait = remaining
		}
		opts.Sleep(wait)
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

func setHeld(path string, value bool) {
	heldMu.Lock()
	defer heldMu.Unlock()
	if value {
		held[filepath.Clean(path)] = true
		return
	}
	delete(held, filepath.Clean(path))
}

func isHeld(path string) bool {
	heldMu.Lock()
	defer heldMu.Unlock()
	return held[filepath.Clean(path)]
}

// ProcessAlive is a best-effort liveness probe.
func ProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	exists, err := process.PidExists(int32(pid)) // #nosec G115 -- pids fit in int32 on supported platforms.
	if err != nil {
		return true
	}
	return exists
}

func tryCreate(path string, pid int) (bool, error) {
	// #nosec G304 -- lock path derived from the state root.
	file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		if os.IsExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("create lock: %w", err)
	}
	_, writeErr := file.WriteString(strconv.Itoa(pid) + "\n")
	syncErr := file.Sync()
	closeErr := file.Close()
	if writeErr != nil || syncErr != nil || closeErr != nil {
		_ = os.Remove(path)
		return false, fmt.Errorf("write lock pid: %w", errors.Join(writeErr, syncErr, closeErr))
	}
	return true, nil
}

func readPID(path string) (int, error) {
	// #nosec G304 -- lock path derived from the state root.
	payload, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(payload)))
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("lock %s has no valid pid", path)
	}
	return pid, nil
}

func lockAge(path string, now time.Time) time.Duration {
	info, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return now.Sub(info.ModTime())
}

func (o Options) withDefaults() Options {
	if o.PID == 0 {
		o.PID = os.Getpid()
	}
	if o.Alive == nil {
		o.Alive = ProcessAlive
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.Sleep == nil {
		o.Sleep = time.Sleep
	}
	return o
}
