package watcher

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/deepnoodle-ai/relay/automation"
	"github.com/deepnoodle-ai/relay/slogger"
	"github.com/fsnotify/fsnotify"
)

const fileDebounce = 500 * time.Millisecond

// fileSource watches a directory tree and emits events for paths matching
// the trigger's glob pattern. Rapid successive writes to the same path are
// debounced.
type fileSource struct {
	trigger *automation.FileChangeTrigger
	logger  slogger.Logger

	lastSeen map[string]time.Time
}

func newFileSource(trigger *automation.FileChangeTrigger, logger slogger.Logger) *fileSource {
	return &fileSource{
		trigger:  trigger,
		logger:   logger,
		lastSeen: map[string]time.Time{},
	}
}

func (s *fileSource) run(ctx context.Context, emit func(*automation.TriggerEvent)) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	defer fw.Close()

	root := s.trigger.Root
	if root == "" {
		root = "."
	}
	if err := addWatchTree(fw, root); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			// New directories join the watch so nested changes surface.
			if event.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					_ = addWatchTree(fw, event.Name)
					continue
				}
			}
			s.handle(root, event, emit)
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			s.logger.Error("file watcher error", "error", err)
		}
	}
}

func addWatchTree(fw *fsnotify.Watcher, root string) error {
	return filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if info.IsDir() {
			if err := fw.Add(path); err != nil {
				return fmt.Errorf("failed to watch %s: %w", path, err)
			}
		}
		return nil
	})
}

func (s *fileSource) handle(root string, event fsnotify.Event, emit func(*automation.TriggerEvent)) {
	kind := eventKind(event)
	if kind == "" || !kindWatched(kind, s.trigger.Events) {
		return
	}
	rel, err := filepath.Rel(root, event.Name)
	if err != nil {
		return
	}
	if matched, _ := doublestar.PathMatch(s.trigger.PathPattern, filepath.ToSlash(rel)); !matched {
		return
	}

	now := time.Now()
	if last, ok := s.lastSeen[event.Name]; ok && now.Sub(last) < fileDebounce {
		return
	}
	s.lastSeen[event.Name] = now

	emit(automation.NewTriggerEvent(automation.TriggerFileChange, map[string]any{
		"id":    fmt.Sprintf("%s-%s-%d", kind, rel, now.UnixNano()),
		"path":  event.Name,
		"name":  filepath.Base(event.Name),
		"event": kind,
	}))
}

func eventKind(event fsnotify.Event) string {
	switch {
	case event.Has(fsnotify.Create):
		return "created"
	case event.Has(fsnotify.Write):
		return "modified"
	case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
		return "deleted"
	}
	return ""
}

func kindWatched(kind string, watched []string) bool {
	if len(watched) == 0 {
		return kind != "deleted"
	}
	for _, w := range watched {
		if w == kind {
			return true
		}
	}
	return false
}
