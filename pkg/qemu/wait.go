package qemu

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// PollInterval is how often WaitForFile checks for the file.
const PollInterval = 100 * time.Millisecond

// ErrTimedOut is returned when a file QEMU is expected to create does not
// show up in time.
type ErrTimedOut struct {
	Path    string
	Timeout time.Duration
}

func (err *ErrTimedOut) Error() string {
	return fmt.Sprintf("file not found (timed out after %v waiting for it): %s", err.Timeout, err.Path)
}

// WaitForFile blocks until path exists or timeout elapses. The file system
// is polled every PollInterval; when the parent directory can be watched
// the creation of path also wakes the waiter immediately.
func WaitForFile(path string, timeout time.Duration) error {
	return waitForFile(context.Background(), path, timeout)
}

// waitForFile is WaitForFile with early cancellation, ctx.Err() is
// returned if ctx is done first.
func waitForFile(ctx context.Context, path string, timeout time.Duration) error {
	if exists(path) {
		return nil
	}

	var created <-chan fsnotify.Event
	if w, err := fsnotify.NewWatcher(); err == nil {
		defer w.Close()
		if w.Add(filepath.Dir(path)) == nil {
			created = w.Events
		}
	}

	ticker := time.NewTicker(PollInterval)
	defer ticker.Stop()
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		select {
		case ev, ok := <-created:
			if !ok {
				created = nil
				continue
			}
			if !ev.Has(fsnotify.Create) || filepath.Clean(ev.Name) != filepath.Clean(path) {
				continue
			}
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			if exists(path) {
				return nil
			}
			return &ErrTimedOut{Path: path, Timeout: timeout}
		}
		if exists(path) {
			return nil
		}
	}
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
