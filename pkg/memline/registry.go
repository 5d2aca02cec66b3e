package memline

import (
	"context"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

type regEntry struct {
	m  *Memline
	mu sync.Locker
}

// Registry keeps the open memlines of a process so that they can be synced
// or closed together. Each memline may come with the lock its owner holds
// while using it; the registry takes it around every call.
type Registry struct {
	mu      sync.Mutex
	entries []regEntry
	log     *zap.Logger
}

// NewRegistry returns an empty registry.
func NewRegistry(log *zap.Logger) *Registry {
	if log == nil {
		log = zap.NewNop()
	}
	return &Registry{log: log}
}

// Add registers m. mu may be nil when the memline is not shared.
func (r *Registry) Add(m *Memline, mu sync.Locker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, regEntry{m: m, mu: mu})
}

// Remove forgets m.
func (r *Registry) Remove(m *Memline) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, e := range r.entries {
		if e.m == m {
			r.entries = append(r.entries[:i], r.entries[i+1:]...)
			return
		}
	}
}

// Len returns the number of registered memlines.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

func (r *Registry) snapshot() []regEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]regEntry(nil), r.entries...)
}

func (e regEntry) with(fn func(m *Memline)) {
	if e.mu != nil {
		e.mu.Lock()
		defer e.mu.Unlock()
	}
	fn(e.m)
}

// SyncAll syncs every memline that has a swap file. With checkFile, a
// buffer whose edited file changed or disappeared is preserved first. It
// stops early when ctx is done and returns the first error.
func (r *Registry) SyncAll(ctx context.Context, checkFile, fsync bool) error {
	var firstErr error
	for _, e := range r.snapshot() {
		if ctx.Err() != nil {
			if firstErr == nil {
				firstErr = ctx.Err()
			}
			break
		}
		e.with(func(m *Memline) {
			if m.mf == nil || !m.mf.HasFile() {
				return
			}
			err := m.Sync(ctx, SyncOptions{CheckFile: checkFile, Fsync: fsync, Stop: true})
			if err != nil {
				r.log.Warn("sync swap file", zap.String("swap", m.SwapName()), zap.Error(err))
				if firstErr == nil {
					firstErr = err
				}
			}
		})
	}
	return firstErr
}

// CloseAll closes every memline and empties the registry. Swap files are
// deleted when deleteFiles is set, except for preserved buffers. The errors
// of all failed closes are combined.
func (r *Registry) CloseAll(deleteFiles bool) error {
	r.mu.Lock()
	entries := r.entries
	r.entries = nil
	r.mu.Unlock()

	var errs error
	for _, e := range entries {
		e.with(func(m *Memline) {
			if m.mf == nil {
				return
			}
			if err := m.Close(deleteFiles && !m.preserved); err != nil {
				r.log.Warn("close memline", zap.String("file", m.fname), zap.Error(err))
				errs = multierr.Append(errs, err)
			}
		})
	}
	return errs
}

// CloseNotModified closes the memlines of unchanged buffers, deleting their
// swap files, and removes them from the registry. It returns the number
// closed.
func (r *Registry) CloseNotModified() int {
	closed := 0
	for _, e := range r.snapshot() {
		done := false
		e.with(func(m *Memline) {
			if m.mf == nil || m.changed {
				return
			}
			if err := m.Close(true); err != nil {
				r.log.Warn("close memline", zap.String("file", m.fname), zap.Error(err))
			}
			done = true
		})
		if done {
			r.Remove(e.m)
			closed++
		}
	}
	return closed
}
