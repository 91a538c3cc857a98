package storage

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/go-mtp/mtpd/internal/logger"
)

// pendingMoveWindow bounds how long a Remove event waits for a matching
// Create in the same directory before it is treated as a genuine
// delete rather than one half of a rename (spec.md §9 "a more robust
// implementation should keep a short-lived table keyed by cookie with a
// timeout"). fsnotify does not surface the raw inotify rename cookie, so
// pairing here is approximated by directory + arrival order within this
// window rather than literal cookie equality; see DESIGN.md.
const pendingMoveWindow = 2 * time.Second

// pendingRemoval is one half of a suspected rename, waiting to see
// whether a Create follows in the same directory.
type pendingRemoval struct {
	path    string
	handle  uint32
	timer   *time.Timer
}

// watcher wraps one fsnotify.Watcher per storage plugin and applies the
// add/remove/modify/move classification rules of spec.md §4.3 "Inotify
// handling".
type watcher struct {
	fsw *fsnotify.Watcher

	mu      sync.Mutex
	pending map[string]*pendingRemoval // keyed by directory path

	plugin *FSPlugin
}

func newWatcher(plugin *FSPlugin) (*watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &watcher{fsw: fsw, pending: make(map[string]*pendingRemoval), plugin: plugin}
	go w.loop()
	return w, nil
}

// Add registers dir (an existing directory item's path) for watching.
func (w *watcher) Add(dir string) error {
	return w.fsw.Add(dir)
}

// Remove unregisters dir.
func (w *watcher) Remove(dir string) error {
	return w.fsw.Remove(dir)
}

func (w *watcher) Close() error {
	return w.fsw.Close()
}

func (w *watcher) loop() {
	for {
		select {
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handle(ev)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			logger.Warn("inotify watcher error", logger.Err(err))
		}
	}
}

func (w *watcher) handle(ev fsnotify.Event) {
	if w.plugin.suppressed(ev.Name) {
		return
	}
	dir := filepath.Dir(ev.Name)

	switch {
	case ev.Has(fsnotify.Create):
		w.mu.Lock()
		pend, ok := w.pending[dir]
		if ok {
			delete(w.pending, dir)
			w.mu.Unlock()
			pend.timer.Stop()
			w.plugin.handleMove(pend.path, ev.Name)
			return
		}
		w.mu.Unlock()
		w.plugin.handleCreate(ev.Name)

	case ev.Has(fsnotify.Remove), ev.Has(fsnotify.Rename):
		item, ok := w.plugin.GetItemByPath(ev.Name)
		if !ok {
			return
		}
		timer := time.AfterFunc(pendingMoveWindow, func() {
			w.mu.Lock()
			_, stillPending := w.pending[dir]
			delete(w.pending, dir)
			w.mu.Unlock()
			if stillPending {
				w.plugin.handleRemove(ev.Name)
			}
		})
		w.mu.Lock()
		w.pending[dir] = &pendingRemoval{path: ev.Name, handle: item.Handle, timer: timer}
		w.mu.Unlock()

	case ev.Has(fsnotify.Write):
		w.plugin.handleModify(ev.Name)
	}
}
