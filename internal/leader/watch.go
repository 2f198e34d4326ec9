package leader

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DebounceDelay batches the burst of events an atomic rename produces.
const DebounceDelay = 50 * time.Millisecond

// PollInterval is how often the lock is re-read regardless of file events,
// for filesystems that drop them.
const PollInterval = 2 * time.Second

// Watch observes the lock file until ctx is done and fires the OnLost
// callbacks when another instance takes it over. It returns ErrNotClaimed
// unless Claim succeeded first. The parent directory is
// watched so atomic replacement is seen regardless of platform.
func (r *Registry) Watch(ctx context.Context) error {
	return r.watch(ctx, DebounceDelay, PollInterval)
}

func (r *Registry) watch(ctx context.Context, debounce, poll time.Duration) error {
	r.mu.Lock()
	if !r.claimed {
		r.mu.Unlock()
		return ErrNotClaimed
	}
	if r.watching {
		r.mu.Unlock()
		return fmt.Errorf("lock watch already running")
	}
	r.watching = true
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.watching = false
		r.mu.Unlock()
	}()

	dir := filepath.Dir(r.path)
	base := filepath.Base(r.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create lock directory: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create lock watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}
	r.logger.Debug("Watching instance lock", "path", r.path)

	// Catch a takeover that happened before the watch was in place.
	r.check()

	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	var timer *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(event.Name) != base {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) &&
				!event.Has(fsnotify.Rename) && !event.Has(fsnotify.Remove) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(debounce)
			} else {
				timer.Reset(debounce)
			}
			fire = timer.C

		case <-fire:
			fire = nil
			r.check()

		case <-ticker.C:
			r.check()

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			r.logger.Warn("Instance lock watcher error", "error", err)
		}
	}
}
