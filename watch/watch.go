// Package watch reports changes to a script file and the files it imports.
//
// Editors rarely write a file in place: many write a temporary file and
// rename it over the original, which removes the watch on the old inode.
// Watching the parent directories and filtering by name survives that.
package watch

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/tliron/commonlog"
)

// DefaultDebounce coalesces the burst of events one save produces.
const DefaultDebounce = 100 * time.Millisecond

var log = commonlog.GetLogger("cloudstate.watch")

// Watcher emits on Events after a tracked file changes.
type Watcher struct {
	path     string
	debounce time.Duration
	fsw      *fsnotify.Watcher
	events   chan struct{}

	mu      sync.Mutex
	tracked map[string]bool
	dirs    map[string]bool
}

// New watches path. A debounce of zero uses DefaultDebounce.
func New(path string, debounce time.Duration) (*Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve path %s: %w", path, err)
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating watcher: %w", err)
	}
	if err := fsw.Add(filepath.Dir(abs)); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("watching %s: %w", filepath.Dir(abs), err)
	}
	return &Watcher{
		path:     abs,
		debounce: debounce,
		fsw:      fsw,
		events:   make(chan struct{}, 1),
		tracked:  map[string]bool{abs: true},
		dirs:     map[string]bool{filepath.Dir(abs): true},
	}, nil
}

// Track replaces the set of files besides the main path whose changes are
// reported. The main path is always tracked. Directories that are no
// longer needed stay watched; their events are filtered out.
func (w *Watcher) Track(paths ...string) error {
	tracked := map[string]bool{w.path: true}
	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			return fmt.Errorf("cannot resolve path %s: %w", p, err)
		}
		tracked[abs] = true
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	for p := range tracked {
		dir := filepath.Dir(p)
		if w.dirs[dir] {
			continue
		}
		if err := w.fsw.Add(dir); err != nil {
			return fmt.Errorf("watching %s: %w", dir, err)
		}
		w.dirs[dir] = true
	}
	w.tracked = tracked
	return nil
}

// Events delivers one value per settled change. It is closed when Run
// returns.
func (w *Watcher) Events() <-chan struct{} { return w.events }

// Run forwards file events until ctx is done. It closes the underlying
// watcher and the Events channel on return.
func (w *Watcher) Run(ctx context.Context) {
	defer close(w.events)
	defer w.fsw.Close()

	timer := time.NewTimer(w.debounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if !w.relevant(ev) {
				continue
			}
			log.Debugf("%s: %s", ev.Op, ev.Name)
			timer.Reset(w.debounce)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			log.Warningf("watch %s: %v", w.path, err)
		case <-timer.C:
			select {
			case w.events <- struct{}{}:
			default:
				// A reload is already pending.
			}
		}
	}
}

func (w *Watcher) relevant(ev fsnotify.Event) bool {
	w.mu.Lock()
	tracked := w.tracked[filepath.Clean(ev.Name)]
	w.mu.Unlock()
	if !tracked {
		return false
	}
	return ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename)
}
