package jobctl

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/Iron-Ham/stagehand/internal/errors"
	"github.com/Iron-Ham/stagehand/internal/logging"
)

// LockFileName is the lock file inside the state directory.
const LockFileName = "job.lock"

// Lock is an acquired job lock. Only one job runs per state directory.
type Lock struct {
	JobID     string    `json:"job_id"`
	PID       int       `json:"pid"`
	Hostname  string    `json:"hostname"`
	StartedAt time.Time `json:"started_at"`

	path   string
	logger *logging.Logger
}

// AcquireLock takes the lock in stateDir. A lock held by a live process
// fails with ErrJobLocked; a lock left by a dead process is removed with a
// warning. The logger may be nil.
func AcquireLock(stateDir, jobID string, logger *logging.Logger) (*Lock, error) {
	if logger == nil {
		logger = logging.NopLogger()
	}
	if err := os.MkdirAll(stateDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create state dir: %w", err)
	}
	path := filepath.Join(stateDir, LockFileName)

	if held, err := ReadLock(path); err == nil {
		if isProcessAlive(held.PID) {
			logger.Error("failed to acquire lock", "job_id", held.JobID, "pid", held.PID)
			return nil, fmt.Errorf("%w: job %s (PID %d on %s)", errors.ErrJobLocked, held.JobID, held.PID, held.Hostname)
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to remove stale lock: %w", err)
		}
		logger.Warn("stale lock cleaned", "job_id", held.JobID, "old_pid", held.PID)
	}

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	lock := &Lock{
		JobID:     jobID,
		PID:       os.Getpid(),
		Hostname:  hostname,
		StartedAt: time.Now().UTC(),
		path:      path,
		logger:    logger,
	}
	data, err := json.MarshalIndent(lock, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal lock: %w", err)
	}

	// O_EXCL loses the race cleanly against a concurrent acquirer.
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		if os.IsExist(err) {
			return nil, fmt.Errorf("%w: lock file appeared concurrently", errors.ErrJobLocked)
		}
		return nil, fmt.Errorf("failed to create lock file: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(data); err != nil {
		_ = os.Remove(path)
		return nil, fmt.Errorf("failed to write lock file: %w", err)
	}

	logger.Info("job lock acquired", "job_id", jobID, "pid", lock.PID)
	return lock, nil
}

// SetJobID records the job once its root is known.
func (l *Lock) SetJobID(jobID string) error {
	if l == nil || l.path == "" {
		return nil
	}
	l.JobID = jobID
	data, err := json.MarshalIndent(l, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(l.path, data, 0644)
}

// Release removes the lock if this process still owns it. Safe to call more
// than once.
func (l *Lock) Release() error {
	if l == nil || l.path == "" {
		return nil
	}
	held, err := ReadLock(l.path)
	if err != nil || held.PID != l.PID {
		return nil
	}
	if err := os.Remove(l.path); err != nil {
		return err
	}
	l.logger.Info("job lock released", "job_id", l.JobID)
	return nil
}

// ReadLock parses a lock file.
func ReadLock(path string) (*Lock, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var lock Lock
	if err := json.Unmarshal(data, &lock); err != nil {
		return nil, fmt.Errorf("failed to parse lock file: %w", err)
	}
	lock.path = path
	lock.logger = logging.NopLogger()
	return &lock, nil
}

// IsLocked reports the lock in stateDir and whether its owner is alive.
func IsLocked(stateDir string) (*Lock, bool) {
	lock, err := ReadLock(filepath.Join(stateDir, LockFileName))
	if err != nil {
		return nil, false
	}
	return lock, isProcessAlive(lock.PID)
}

// isProcessAlive sends signal 0, which checks existence without effect.
func isProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return process.Signal(syscall.Signal(0)) == nil
}
