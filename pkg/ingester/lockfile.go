package ingester

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/shirou/gopsutil/v4/process"
	"go.uber.org/zap"
)

// ErrAlreadyRunning means another live ingester holds the lock.
var ErrAlreadyRunning = errors.New("another ingester instance is running")

// Lockfile is the zero-byte marker that enforces a single ingester per
// host. An existing lockfile is only honored if a matching process is
// actually alive; a marker left behind by a crash is removed with a
// warning.
type Lockfile struct {
	path     string
	procName string
	log      *zap.SugaredLogger
}

// NewLockfile creates a lockfile handle. procName is the process name
// probed in the host process table.
func NewLockfile(path, procName string, log *zap.SugaredLogger) *Lockfile {
	return &Lockfile{path: path, procName: procName, log: log}
}

// Acquire takes the lock or returns ErrAlreadyRunning.
func (l *Lockfile) Acquire() error {
	if _, err := os.Stat(l.path); err == nil {
		alive, err := l.processAlive()
		if err != nil {
			// Cannot prove the holder is dead; refusing to start is the
			// safe side of this race.
			return fmt.Errorf("lockfile %s exists and process probe failed: %w", l.path, err)
		}
		if alive {
			return ErrAlreadyRunning
		}
		l.log.Warnw("Removing stale lockfile", "path", l.path, "process", l.procName)
		if err := os.Remove(l.path); err != nil {
			return fmt.Errorf("removing stale lockfile %s: %w", l.path, err)
		}
	}

	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return fmt.Errorf("creating run directory: %w", err)
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return ErrAlreadyRunning
		}
		return fmt.Errorf("creating lockfile %s: %w", l.path, err)
	}
	return f.Close()
}

// Release removes the lockfile. Missing is fine.
func (l *Lockfile) Release() error {
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing lockfile %s: %w", l.path, err)
	}
	return nil
}

// commWidth is the kernel's comm field capacity (TASK_COMM_LEN minus the
// NUL), the length at which process names come back truncated.
const commWidth = 15

// processAlive scans the host process table for another process with the
// ingester's name.
func (l *Lockfile) processAlive() (bool, error) {
	procs, err := process.Processes()
	if err != nil {
		return false, err
	}
	self := int32(os.Getpid())
	for _, p := range procs {
		if p.Pid == self {
			continue
		}
		name, err := p.Name()
		if err != nil || name == "" {
			continue
		}
		if l.matchesName(name) {
			return true, nil
		}
	}
	return false, nil
}

// matchesName reports whether an observed process name identifies the
// ingester. A prefix match is only trusted when the observed name fills the
// comm field, meaning the kernel truncated it; a shorter prefix like a
// process named "pattood" is a different program.
func (l *Lockfile) matchesName(name string) bool {
	if name == l.procName {
		return true
	}
	return len(name) == commWidth && strings.HasPrefix(l.procName, name)
}
