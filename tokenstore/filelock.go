package tokenstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"
)

// Lock file tuning. A lock older than staleLockAge is assumed to belong to
// a crashed process.
const (
	lockRetryDelay = 100 * time.Millisecond
	lockMaxWait    = 5 * time.Second
	staleLockAge   = 30 * time.Second
)

// fileLock is a cross-process lock held by exclusively creating
// <path>.lock next to the guarded file.
type fileLock struct {
	lockFile *os.File
	lockPath string
}

// acquireFileLock waits up to lockMaxWait for the lock on filePath.
func acquireFileLock(ctx context.Context, filePath string) (*fileLock, error) {
	lockPath := filePath + ".lock"
	deadline := time.Now().Add(lockMaxWait)

	for {
		lockFile, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
		if err == nil {
			// PID helps when debugging a stuck lock.
			fmt.Fprintf(lockFile, "%d", os.Getpid())

			return &fileLock{lockFile: lockFile, lockPath: lockPath}, nil
		}

		if !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("acquiring file lock: %w", err)
		}

		if info, statErr := os.Stat(lockPath); statErr == nil && time.Since(info.ModTime()) > staleLockAge {
			if remErr := os.Remove(lockPath); remErr != nil && !errors.Is(remErr, os.ErrNotExist) {
				return nil, fmt.Errorf("removing stale lock file %s: %w", lockPath, remErr)
			}

			continue
		}

		if time.Now().After(deadline) {
			return nil, fmt.Errorf("timeout waiting for file lock after %v", lockMaxWait)
		}

		timer := time.NewTimer(lockRetryDelay)
		select {
		case <-ctx.Done():
			timer.Stop()

			return nil, fmt.Errorf("waiting for file lock: %w", ctx.Err())
		case <-timer.C:
		}
	}
}

// release removes the lock file. Releasing twice returns an error.
func (fl *fileLock) release() error {
	if fl.lockFile != nil {
		fl.lockFile.Close()
		fl.lockFile = nil
	}

	return os.Remove(fl.lockPath)
}
