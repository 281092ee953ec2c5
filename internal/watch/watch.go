// Package watch notifies the coordinator when registered user-code
// files, or siblings that could shadow them, change on disk. Watches
// attach to directories rather than files so that the write-then-rename
// pattern editors use is still caught.
package watch

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/sys/unix"
)

// Event is one coalesced change: the watched directory and the filename
// inside it.
type Event struct {
	Dir  string
	Name string
}

// Path returns the full path of the changed file.
func (e Event) Path() string { return filepath.Join(e.Dir, e.Name) }

// PollInterval is the cadence of the stat-polling fallback used when
// the OS notification mechanism is unavailable.
var PollInterval = 500 * time.Millisecond

// Watcher coalesces filesystem changes and surfaces them to the
// readiness poller through a self-pipe: one byte becomes readable when
// the first pending event arrives, and Drain clears both the batch and
// the byte, making delivery level-triggered.
type Watcher struct {
	fsw *fsnotify.Watcher // nil when polling

	pipeR, pipeW *os.File

	mu        sync.Mutex
	pending   []Event
	signalled bool
	dirs      map[string]map[string]bool // directory -> registered filenames
	mtimes    map[string]time.Time       // polling fallback baseline
	closed    bool

	done chan struct{}
}

// New returns a watcher backed by the OS notification mechanism, or by
// stat polling when that mechanism is unavailable.
func New() (*Watcher, error) {
	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("creating watch signal pipe: %w", err)
	}
	if err := unix.SetNonblock(int(r.Fd()), true); err != nil {
		r.Close()
		w.Close()
		return nil, fmt.Errorf("configuring watch signal pipe: %w", err)
	}

	wa := &Watcher{
		pipeR: r,
		pipeW: w,
		dirs:  make(map[string]map[string]bool),
		done:  make(chan struct{}),
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		slog.Debug("OS file notification unavailable, falling back to polling", "err", err)
		wa.mtimes = make(map[string]time.Time)
		go wa.pollLoop()
		return wa, nil
	}
	wa.fsw = fsw
	go wa.notifyLoop()
	return wa, nil
}

// Fd exposes the signal pipe for the readiness poller.
func (w *Watcher) Fd() int { return int(w.pipeR.Fd()) }

// Add registers file paths. The containing directory of each is
// watched; adding a path whose directory is already watched is a no-op
// beyond remembering the filename.
func (w *Watcher) Add(paths []string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, path := range paths {
		dir, name := filepath.Split(path)
		dir = filepath.Clean(dir)
		files, watched := w.dirs[dir]
		if !watched {
			files = make(map[string]bool)
			w.dirs[dir] = files
			if w.fsw != nil {
				if err := w.fsw.Add(dir); err != nil {
					slog.Debug("Cannot watch directory", "path", dir, "err", err)
				}
			}
		}
		files[name] = true
		if w.mtimes != nil {
			if info, err := os.Stat(path); err == nil {
				w.mtimes[path] = info.ModTime()
			} else {
				w.mtimes[path] = time.Time{}
			}
		}
	}
}

// Remove forgets one registered path. Removing the last path of a
// directory releases the directory watch.
func (w *Watcher) Remove(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	dir, name := filepath.Split(path)
	dir = filepath.Clean(dir)
	files, ok := w.dirs[dir]
	if !ok {
		return
	}
	delete(files, name)
	delete(w.mtimes, path)
	if len(files) == 0 {
		delete(w.dirs, dir)
		if w.fsw != nil {
			if err := w.fsw.Remove(dir); err != nil {
				slog.Debug("Cannot release directory watch", "path", dir, "err", err)
			}
		}
	}
}

// Watched reports whether path itself is registered.
func (w *Watcher) Watched(path string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	dir, name := filepath.Split(path)
	files, ok := w.dirs[filepath.Clean(dir)]
	return ok && files[name]
}

// Drain returns the pending batch and clears the readiness signal.
func (w *Watcher) Drain() []Event {
	w.mu.Lock()
	defer w.mu.Unlock()
	batch := w.pending
	w.pending = nil
	if w.signalled {
		var buf [16]byte
		for {
			n, err := unix.Read(int(w.pipeR.Fd()), buf[:])
			if n <= 0 || err != nil {
				break
			}
		}
		w.signalled = false
	}
	return batch
}

// Close stops the watcher and releases its descriptors.
func (w *Watcher) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	w.mu.Unlock()

	close(w.done)
	if w.fsw != nil {
		_ = w.fsw.Close()
	}
	w.pipeW.Close()
	return w.pipeR.Close()
}

// noise reports filenames editors create that must never trigger a
// test cycle: backup files, lock files, hidden files.
func noise(name string) bool {
	return strings.HasSuffix(name, "~") ||
		strings.HasPrefix(name, ".#") ||
		strings.HasPrefix(name, ".")
}

func (w *Watcher) enqueue(dir, name string) {
	if noise(name) {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	if _, watched := w.dirs[dir]; !watched {
		return
	}
	w.pending = append(w.pending, Event{Dir: dir, Name: name})
	if !w.signalled {
		if _, err := w.pipeW.Write([]byte{1}); err == nil {
			w.signalled = true
		}
	}
}

func (w *Watcher) notifyLoop() {
	for {
		select {
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) &&
				!ev.Has(fsnotify.Rename) && !ev.Has(fsnotify.Remove) {
				continue
			}
			dir, name := filepath.Split(ev.Name)
			w.enqueue(filepath.Clean(dir), name)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			slog.Warn("Watcher error", "err", err)
		case <-w.done:
			return
		}
	}
}

func (w *Watcher) pollLoop() {
	ticker := time.NewTicker(PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			w.pollOnce()
		case <-w.done:
			return
		}
	}
}

func (w *Watcher) pollOnce() {
	w.mu.Lock()
	paths := make([]string, 0, len(w.mtimes))
	for p := range w.mtimes {
		paths = append(paths, p)
	}
	w.mu.Unlock()

	for _, path := range paths {
		info, err := os.Stat(path)
		w.mu.Lock()
		baseline, tracked := w.mtimes[path]
		var changed bool
		switch {
		case !tracked:
		case err != nil:
			changed = !baseline.IsZero()
			w.mtimes[path] = time.Time{}
		case info.ModTime() != baseline:
			changed = true
			w.mtimes[path] = info.ModTime()
		}
		w.mu.Unlock()
		if changed {
			dir, name := filepath.Split(path)
			w.enqueue(filepath.Clean(dir), name)
		}
	}
}
