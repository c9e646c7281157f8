//go:build !linux

package watcher

import (
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// portableBackend is a non-Linux fallback built on fsnotify, kept purely
// so this package builds off Linux. The spec's inotify semantics
// (wd-addressed watches, IN_Q_OVERFLOW) are Linux-specific; fsnotify's
// path-addressed watches are adapted to the same backend interface by
// keeping a synthetic incrementing wd per watched path.
type portableBackend struct {
	w *fsnotify.Watcher

	mu      sync.Mutex
	nextWd  int32
	wdByPath map[string]int32
	pathByWd map[int32]string
}

func newBackend() (backend, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &portableBackend{
		w:        w,
		wdByPath: make(map[string]int32),
		pathByWd: make(map[int32]string),
	}, nil
}

func (b *portableBackend) AddWatch(path string) (int32, error) {
	if err := b.w.Add(path); err != nil {
		return 0, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextWd++
	wd := b.nextWd
	b.wdByPath[path] = wd
	b.pathByWd[wd] = path
	return wd, nil
}

func (b *portableBackend) RemoveWatch(wd int32) error {
	b.mu.Lock()
	path, ok := b.pathByWd[wd]
	delete(b.pathByWd, wd)
	delete(b.wdByPath, path)
	b.mu.Unlock()
	if !ok {
		return nil
	}
	return b.w.Remove(path)
}

func (b *portableBackend) Close() error {
	return b.w.Close()
}

func (b *portableBackend) Read() ([]rawEvent, error) {
	select {
	case ev, ok := <-b.w.Events:
		if !ok {
			return nil, fsnotify.ErrEventOverflow
		}
		return b.translate(ev), nil
	case err, ok := <-b.w.Errors:
		if !ok || err == nil {
			return nil, fsnotify.ErrEventOverflow
		}
		return nil, err
	}
}

func (b *portableBackend) translate(ev fsnotify.Event) []rawEvent {
	dir := filepath.Dir(ev.Name)
	base := filepath.Base(ev.Name)

	b.mu.Lock()
	wd, ok := b.wdByPath[dir]
	b.mu.Unlock()
	if !ok {
		wd = 0
	}

	out := rawEvent{Wd: wd, Name: base}
	switch {
	case ev.Op&fsnotify.Create != 0:
		out.Mask = maskCreate
	case ev.Op&fsnotify.Remove != 0:
		out.Mask = maskDelete
	default:
		return nil
	}
	return []rawEvent{out}
}
