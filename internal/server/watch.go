package server

import (
	"context"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// fileWatcher watches the directories of the edited files. Directories are
// watched instead of files so that a file replaced by rename is still seen.
type fileWatcher struct {
	fsw *fsnotify.Watcher
	log *zap.Logger

	mu    sync.Mutex
	files map[string]int // edited file -> number of buffers
	dirs  map[string]int // watched directory -> number of files
}

func newFileWatcher(log *zap.Logger) (*fileWatcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &fileWatcher{
		fsw:   fsw,
		log:   log,
		files: make(map[string]int),
		dirs:  make(map[string]int),
	}, nil
}

func (w *fileWatcher) add(path string) {
	if path == "" {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.files[path]++
	if w.files[path] > 1 {
		return
	}
	dir := filepath.Dir(path)
	if w.dirs[dir] == 0 {
		if err := w.fsw.Add(dir); err != nil {
			w.log.Warn("cannot watch directory", zap.String("dir", dir), zap.Error(err))
			delete(w.files, path)
			return
		}
	}
	w.dirs[dir]++
}

func (w *fileWatcher) remove(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	n, ok := w.files[path]
	if !ok {
		return
	}
	if n > 1 {
		w.files[path] = n - 1
		return
	}
	delete(w.files, path)
	dir := filepath.Dir(path)
	w.dirs[dir]--
	if w.dirs[dir] <= 0 {
		delete(w.dirs, dir)
		if err := w.fsw.Remove(dir); err != nil {
			w.log.Debug("cannot stop watching directory", zap.String("dir", dir), zap.Error(err))
		}
	}
}

// relevant reports whether ev changes or removes an edited file.
func (w *fileWatcher) relevant(ev fsnotify.Event) bool {
	if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Remove) &&
		!ev.Has(fsnotify.Rename) && !ev.Has(fsnotify.Create) {
		return false
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.files[filepath.Clean(ev.Name)] > 0
}

// run calls onChange for every relevant event until ctx is done or the
// watcher is closed.
func (w *fileWatcher) run(ctx context.Context, onChange func(ctx context.Context, name string)) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if w.relevant(ev) {
				onChange(ctx, ev.Name)
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.log.Warn("file watcher", zap.Error(err))
		}
	}
}

func (w *fileWatcher) close() error {
	return w.fsw.Close()
}
