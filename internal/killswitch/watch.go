package killswitch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const watchDebounce = 100 * time.Millisecond

// Watch follows the state file so that pause, kill or reset issued by
// another process reach this one. It blocks until ctx is cancelled.
// The directory is watched rather than the file because writers replace
// the file by rename.
func (s *Switch) Watch(ctx context.Context) error {
	if s.path == "" {
		return errors.New("killswitch: no state file configured")
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("killswitch: create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		return fmt.Errorf("killswitch: watch %s: %w", filepath.Dir(s.path), err)
	}

	var debounce *time.Timer
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != filepath.Clean(s.path) {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(watchDebounce, s.Sync)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.Warn("state file watcher error", zap.Error(err))
		}
	}
}

// Sync adopts the state recorded in the state file. Out-of-band writers
// are trusted, so any recorded state is applied, including Running after
// Killed. A missing file changes nothing; an unreadable one pauses
// execution unless it is already killed.
func (s *Switch) Sync() {
	if s.path == "" {
		return
	}
	s.mu.Lock()
	if _, err := os.Stat(s.path); errors.Is(err, os.ErrNotExist) {
		s.mu.Unlock()
		return
	}
	cur := s.State()
	st, since, err := ReadStateFile(s.path)
	if err != nil {
		s.logger.Error("state file unreadable", zap.Error(err))
		st = Paused
		if cur == Killed {
			st = Killed
		}
	}
	if st == cur {
		s.mu.Unlock()
		return
	}
	if since.IsZero() {
		since = s.now()
	}
	s.setLocked(cur, st, since)
	s.mu.Unlock()
	s.notify(st)
}
