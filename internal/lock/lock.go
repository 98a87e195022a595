// Package lock provides a file-backed advisory lock keyed by profile id.
//
// The lock serializes spawn attempts for one profile across concurrent
// callers and across orchestrator processes on the same host. Each profile
// owns one pidfile under the runtime lock directory; a lock whose holder
// process is no longer alive is reclaimable after a grace period.
package lock

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/orchd/orchd/internal/common/logger"
	"github.com/orchd/orchd/internal/orcerr"
)

const pollInterval = 100 * time.Millisecond

// Manager hands out per-profile locks backed by pidfiles in a directory.
type Manager struct {
	dir        string
	timeout    time.Duration
	staleGrace time.Duration
	logger     *logger.Logger
}

// Lock is a held profile lock. Release it exactly once.
type Lock struct {
	path     string
	profile  string
	manager  *Manager
	released bool
}

// NewManager creates the lock directory if needed and returns a Manager.
func NewManager(dir string, timeout, staleGrace time.Duration, log *logger.Logger) (*Manager, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create lock directory %s: %w", dir, err)
	}
	return &Manager{
		dir:        dir,
		timeout:    timeout,
		staleGrace: staleGrace,
		logger:     log.WithComponent("profile-lock"),
	}, nil
}

func (m *Manager) lockPath(profileID string) string {
	return filepath.Join(m.dir, profileID+".lock")
}

// Acquire blocks until the profile lock is held, the context is canceled, or
// the manager's timeout elapses. The returned release must be called.
// Fails with orcerr.KindLockTimeout when the deadline elapses.
func (m *Manager) Acquire(ctx context.Context, profileID string) (*Lock, error) {
	path := m.lockPath(profileID)
	deadline := time.Now().Add(m.timeout)

	for {
		ok, err := m.tryLock(path)
		if err != nil {
			return nil, err
		}
		if ok {
			m.logger.Debug("lock acquired", zap.String("profile_id", profileID))
			return &Lock{path: path, profile: profileID, manager: m}, nil
		}

		if time.Now().After(deadline) {
			return nil, orcerr.New(orcerr.KindLockTimeout,
				"timed out waiting for profile lock %q after %s", profileID, m.timeout).
				WithHint("another orchestrator may be spawning this profile; retry or remove %s", path)
		}

		select {
		case <-ctx.Done():
			return nil, orcerr.Wrap(orcerr.KindLockTimeout, ctx.Err(),
				"canceled waiting for profile lock %q", profileID)
		case <-time.After(pollInterval):
		}
	}
}

// WithLock runs fn while holding the profile lock.
func (m *Manager) WithLock(ctx context.Context, profileID string, fn func() error) error {
	l, err := m.Acquire(ctx, profileID)
	if err != nil {
		return err
	}
	defer func() {
		_ = l.Release()
	}()
	return fn()
}

// tryLock attempts a single exclusive create, reclaiming stale pidfiles.
func (m *Manager) tryLock(path string) (bool, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err == nil {
		_, werr := fmt.Fprintf(f, "%d %d\n", os.Getpid(), time.Now().Unix())
		cerr := f.Close()
		if werr != nil || cerr != nil {
			_ = os.Remove(path)
			return false, fmt.Errorf("failed to write lock file %s: %w", path, werr)
		}
		return true, nil
	}
	if !os.IsExist(err) {
		return false, fmt.Errorf("failed to create lock file %s: %w", path, err)
	}

	// Held by someone. Reclaim only if the holder is gone and the file has
	// outlived the grace period.
	holderPID, ok := readHolder(path)
	if ok && pidAlive(holderPID) {
		return false, nil
	}
	info, statErr := os.Stat(path)
	if statErr != nil {
		// Racing release; retry on the next poll.
		return false, nil
	}
	if time.Since(info.ModTime()) < m.staleGrace {
		return false, nil
	}

	m.logger.Warn("reclaiming stale lock",
		zap.String("path", path),
		zap.Int("holder_pid", holderPID))
	_ = os.Remove(path)
	return false, nil
}

// Release removes the pidfile. Safe to call once per Lock.
func (l *Lock) Release() error {
	if l.released {
		return nil
	}
	l.released = true
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to release lock %s: %w", l.path, err)
	}
	l.manager.logger.Debug("lock released", zap.String("profile_id", l.profile))
	return nil
}

// readHolder parses the pid recorded in a lock file.
func readHolder(path string) (int, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}
	fields := strings.Fields(string(data))
	if len(fields) == 0 {
		return 0, false
	}
	pid, err := strconv.Atoi(fields[0])
	if err != nil || pid <= 0 {
		return 0, false
	}
	return pid, true
}

// pidAlive reports whether a process with the given pid exists.
func pidAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	if err == nil {
		return true
	}
	// EPERM means the process exists but belongs to another user.
	return err == syscall.EPERM
}
