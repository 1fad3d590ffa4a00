package lock

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

const DefaultExpiry = time.Hour

var ErrLockHeld = errors.New("lock: held by another instance")

// Lock is a cross-process mutual exclusion. Acquire never blocks: it reports
// false when another holder owns a live lock.
type Lock interface {
	Acquire(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}

type State struct {
	Held     bool      `json:"held"`
	Since    time.Time `json:"since,omitempty"`
	Backend  string    `json:"backend"`
	Location string    `json:"location"`
}

// FileLock is an exclusive-create lock file. A lock file older than the
// expiry, judged by its modification time, is considered abandoned.
type FileLock struct {
	path   string
	expiry time.Duration
	now    func() time.Time
}

func NewFileLock(path string, expiry time.Duration) (*FileLock, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("lock: path is required")
	}
	if expiry <= 0 {
		expiry = DefaultExpiry
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("lock: create lock dir: %w", err)
	}
	return &FileLock{path: path, expiry: expiry, now: time.Now}, nil
}

func (l *FileLock) Acquire(ctx context.Context) (bool, error) {
	for attempt := 0; attempt < 2; attempt++ {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		created, err := l.create()
		if err != nil {
			return false, err
		}
		if created {
			return true, nil
		}
		if attempt > 0 {
			break
		}

		claimed, err := l.claimStale()
		if err != nil {
			return false, err
		}
		if !claimed {
			return false, nil
		}
	}
	return false, nil
}

// claimStale moves an expired lock file out of the way. Only the caller whose
// rename succeeds may go on to create a new lock. A file that turns out to be
// fresh after the rename belonged to a concurrent winner and is put back.
func (l *FileLock) claimStale() (bool, error) {
	info, err := os.Stat(l.path)
	if errors.Is(err, fs.ErrNotExist) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("lock: stat %s: %w", l.path, err)
	}
	if !l.expired(info.ModTime()) {
		return false, nil
	}

	tomb := l.path + ".stale." + uuid.NewString()
	if err := os.Rename(l.path, tomb); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("lock: claim stale lock: %w", err)
	}

	claimedInfo, err := os.Stat(tomb)
	if err != nil {
		return false, fmt.Errorf("lock: stat %s: %w", tomb, err)
	}
	if !l.expired(claimedInfo.ModTime()) {
		// Link fails if yet another caller already created a lock.
		restoreErr := os.Link(tomb, l.path)
		_ = os.Remove(tomb)
		if restoreErr != nil && !errors.Is(restoreErr, fs.ErrExist) {
			return false, fmt.Errorf("lock: restore lock: %w", restoreErr)
		}
		return false, nil
	}

	if err := os.Remove(tomb); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return false, fmt.Errorf("lock: remove stale lock: %w", err)
	}
	return true, nil
}

func (l *FileLock) expired(modTime time.Time) bool {
	return l.now().Sub(modTime) > l.expiry
}

func (l *FileLock) create() (bool, error) {
	file, err := os.OpenFile(l.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if errors.Is(err, fs.ErrExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("lock: create %s: %w", l.path, err)
	}
	_, writeErr := file.WriteString(l.now().UTC().Format(time.RFC3339Nano))
	closeErr := file.Close()
	if writeErr != nil || closeErr != nil {
		_ = os.Remove(l.path)
		return false, fmt.Errorf("lock: write %s: %w", l.path, errors.Join(writeErr, closeErr))
	}
	return true, nil
}

// Release removes the lock file. A missing file is not an error.
func (l *FileLock) Release(ctx context.Context) error {
	_ = ctx
	if err := os.Remove(l.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("lock: release %s: %w", l.path, err)
	}
	return nil
}

func (l *FileLock) State(ctx context.Context) (State, error) {
	_ = ctx
	state := State{Backend: "file", Location: l.path}
	info, err := os.Stat(l.path)
	if errors.Is(err, fs.ErrNotExist) {
		return state, nil
	}
	if err != nil {
		return state, fmt.Errorf("lock: stat %s: %w", l.path, err)
	}
	state.Since = info.ModTime()
	state.Held = !l.expired(info.ModTime())
	return state, nil
}

var _ Lock = (*FileLock)(nil)
