// Package watcher monitors the graph export directory and reports
// which graphs changed on disk.
package watcher

import (
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const defaultDebounceInterval = 500 * time.Millisecond

const graphExt = ".json"

// UpdateCallback receives the names of graphs whose export files
// changed since the last notification.
type UpdateCallback func(graphs []string)

// Watcher monitors a graph export directory. Bursts of file events are
// debounced into a single callback carrying the distinct graph names.
type Watcher struct {
	dir      string
	callback UpdateCallback
	debounce time.Duration

	fsWatcher *fsnotify.Watcher
	cancel    chan struct{}

	mu      sync.Mutex
	pending map[string]bool
	timer   *time.Timer
	started bool
}

// New creates a watcher over dir. Call Start to begin watching.
func New(dir string, callback UpdateCallback) *Watcher {
	return &Watcher{
		dir:      dir,
		callback: callback,
		debounce: defaultDebounceInterval,
		cancel:   make(chan struct{}),
		pending:  make(map[string]bool),
	}
}

// Start begins watching the directory and its subdirectories.
func (w *Watcher) Start() error {
	fsW, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := addDirsRecursive(fsW, w.dir); err != nil {
		fsW.Close()
		return err
	}

	w.mu.Lock()
	w.fsWatcher = fsW
	w.started = true
	w.mu.Unlock()

	go w.watchLoop(fsW)
	return nil
}

// Shutdown stops the watcher. Pending notifications are dropped.
func (w *Watcher) Shutdown() {
	w.mu.Lock()
	if !w.started {
		w.mu.Unlock()
		return
	}
	w.started = false
	if w.timer != nil {
		w.timer.Stop()
	}
	fsW := w.fsWatcher
	w.mu.Unlock()

	close(w.cancel)
	fsW.Close()
}

// watchLoop processes fsnotify events with debouncing.
func (w *Watcher) watchLoop(fsW *fsnotify.Watcher) {
	for {
		select {
		case <-w.cancel:
			return

		case event, ok := <-fsW.Events:
			if !ok {
				return
			}

			// If a new directory is created, watch it too.
			if event.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					if !isHidden(filepath.Base(event.Name)) {
						fsW.Add(event.Name)
					}
				}
			}

			name, ok := graphName(event.Name)
			if !ok {
				continue
			}

			w.mu.Lock()
			w.pending[name] = true
			if w.timer != nil {
				w.timer.Stop()
			}
			w.timer = time.AfterFunc(w.debounce, w.flush)
			w.mu.Unlock()

		case err, ok := <-fsW.Errors:
			if !ok {
				return
			}
			log.Printf("graph watcher error: %v", err)
		}
	}
}

// flush delivers the accumulated graph names in one callback.
func (w *Watcher) flush() {
	w.mu.Lock()
	if len(w.pending) == 0 || !w.started {
		w.mu.Unlock()
		return
	}
	graphs := make([]string, 0, len(w.pending))
	for name := range w.pending {
		graphs = append(graphs, name)
	}
	w.pending = make(map[string]bool)
	w.mu.Unlock()

	sort.Strings(graphs)
	if w.callback != nil {
		w.callback(graphs)
	}
}

// graphName maps an export file path to its graph name. Only visible
// .json files count as graph exports.
func graphName(path string) (string, bool) {
	base := filepath.Base(path)
	if isHidden(base) || !strings.HasSuffix(base, graphExt) {
		return "", false
	}
	return strings.TrimSuffix(base, graphExt), true
}

// ListGraphs returns the names of all graph exports under dir, sorted.
func ListGraphs(dir string) []string {
	var graphs []string
	filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil // Skip inaccessible paths.
		}
		if d.IsDir() {
			if isHidden(d.Name()) && path != dir {
				return filepath.SkipDir
			}
			return nil
		}
		if name, ok := graphName(path); ok {
			graphs = append(graphs, name)
		}
		return nil
	})
	sort.Strings(graphs)
	return graphs
}

// addDirsRecursive adds a directory and its subdirectories to an fsnotify watcher.
func addDirsRecursive(w *fsnotify.Watcher, dir string) error {
	return filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if isHidden(d.Name()) && path != dir {
			return filepath.SkipDir
		}
		return w.Add(path)
	})
}

func isHidden(name string) bool {
	return len(name) > 0 && name[0] == '.'
}
