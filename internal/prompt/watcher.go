package prompt

import (
	"context"
	"path/filepath"
	"strings"
	"sync"

	"concierge/internal/logging"

	"github.com/fsnotify/fsnotify"
)

// watcher invalidates cached templates when their backing .md files change.
type watcher struct {
	mu      sync.Mutex
	fs      *fsnotify.Watcher
	lib     *Library
	stopCh  chan struct{}
	doneCh  chan struct{}
	running bool
}

// Watch starts a filesystem watcher over the library's directory.
// Non-blocking; stops when ctx is cancelled or StopWatching is called.
func (l *Library) Watch(ctx context.Context) error {
	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fs.Add(l.dir); err != nil {
		fs.Close()
		return err
	}

	w := &watcher{
		fs:      fs,
		lib:     l,
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
		running: true,
	}
	l.watcher = w

	logging.Get(logging.CategoryPrompt).Infof("watching template directory %s", l.dir)
	go w.run(ctx)
	return nil
}

// StopWatching stops the watcher if one is running.
func (l *Library) StopWatching() {
	w := l.watcher
	if w == nil {
		return
	}
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.mu.Unlock()

	close(w.stopCh)
	<-w.doneCh
	if err := w.fs.Close(); err != nil {
		logging.Get(logging.CategoryPrompt).Errorf("error closing template watcher: %v", err)
	}
}

func (w *watcher) run(ctx context.Context) {
	defer close(w.doneCh)

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case event, ok := <-w.fs.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			logging.Get(logging.CategoryPrompt).Errorf("template watcher error: %v", err)
		}
	}
}

func (w *watcher) handleEvent(event fsnotify.Event) {
	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
		return
	}

	if !strings.HasSuffix(event.Name, ".md") {
		// A removed or renamed template directory orphans every cached
		// entry at once.
		if event.Op&(fsnotify.Remove|fsnotify.Rename) != 0 && filepath.Clean(event.Name) == filepath.Clean(w.lib.dir) {
			logging.Get(logging.CategoryPrompt).Warnf("template directory %s gone (%s), invalidating all templates", event.Name, event.Op)
			w.lib.invalidateAll()
		}
		return
	}

	name := strings.TrimSuffix(filepath.Base(event.Name), ".md")
	logging.Get(logging.CategoryPrompt).Debugf("template %s changed (%s), invalidating cache", name, event.Op)
	w.lib.Invalidate(name)
}
