// Package monitor is the coordinator: it owns the workers, the
// filesystem watcher, the readiness poller and the reporter, and drives
// test cycles until the user quits or asks for a restart.
package monitor

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/assay-dev/assay/internal/lang"
	"github.com/assay-dev/assay/internal/order"
	"github.com/assay-dev/assay/internal/poll"
	"github.com/assay-dev/assay/internal/report"
	"github.com/assay-dev/assay/internal/term"
	"github.com/assay-dev/assay/internal/watch"
	"github.com/assay-dev/assay/internal/wire"
	"github.com/assay-dev/assay/internal/worker"
)

// ErrRestart asks main to re-execute the whole process; raised by the
// 'r' keystroke or by a change to the tool's own binary.
var ErrRestart = errors.New("restart requested")

// ErrUsage is a command-line level mistake: exit 64, one line, no
// stack.
var ErrUsage = errors.New("usage error")

// errQuit unwinds an interactive session cleanly; never escapes Run.
var errQuit = errors.New("quit")

const stdinFd = 0

// Options configures one coordinator run.
type Options struct {
	Workers       int
	Batch         bool
	Verbose       bool
	Extension     string
	PackageMarker string
	Out           io.Writer
}

type stdinSource struct{}

func (stdinSource) Fd() int { return stdinFd }

type monitor struct {
	opts        Options
	interactive bool

	poller  *poll.Poller
	watcher *watch.Watcher
	rep     *report.Reporter
	workers []*worker.Worker

	modules []lang.ModuleName // the discovered work list, stable across cycles
	queue   []lang.ModuleName
	order   []lang.ModuleName
	events  []lang.ImportEvent

	loaded      map[string]bool // every path reported loaded: the fingerprint
	invalidated bool
	exePath     string
}

// Run resolves the command-line names, then runs test cycles until the
// user quits (interactive), one cycle completes (batch), or a restart
// condition bubbles up. The returned count is the last cycle's failure
// tally.
func Run(args []string, opts Options) (failures int, err error) {
	if opts.Out == nil {
		opts.Out = os.Stdout
	}
	m := &monitor{
		opts:   opts,
		poller: poll.New(),
		loaded: make(map[string]bool),
	}
	m.exePath, _ = os.Executable()

	m.watcher, err = watch.New()
	if err != nil {
		return 0, err
	}
	defer m.watcher.Close()
	m.poller.Register(m.watcher)
	if m.exePath != "" {
		m.watcher.Add([]string{m.exePath})
		m.loaded[m.exePath] = true
	}

	m.interactive = !opts.Batch && term.Interactive()
	if m.interactive {
		restore, cfgErr := term.Configure(stdinFd)
		if cfgErr != nil {
			m.interactive = false
		} else {
			defer restore()
			m.poller.Register(stdinSource{})
		}
	}
	m.rep = report.New(opts.Out, m.interactive, opts.Verbose)

	defer m.closeWorkers()
	if err := m.spawnWorkers(); err != nil {
		return 0, err
	}
	if err := m.resolve(args, workerProber{w: m.workers[0]}); err != nil {
		return 0, err
	}
	m.order = append([]lang.ModuleName(nil), m.modules...)

	fresh := true
	for {
		if err := m.runCycle(fresh); err != nil {
			if errors.Is(err, errQuit) {
				return m.rep.Failures(), nil
			}
			return m.rep.Failures(), err
		}
		fresh = false
		failures = m.rep.Failures()
		if opts.Batch || !m.interactive {
			return failures, nil
		}
		if err := m.waitForChange(); err != nil {
			if errors.Is(err, errQuit) {
				return failures, nil
			}
			return failures, err
		}
	}
}

// resolve turns positional arguments into the module work list. The
// prober is a throwaway worker child, so probe imports never pollute a
// preloader.
func (m *monitor) resolve(args []string, prober lang.Prober) error {
	seen := make(map[lang.ModuleName]bool)
	for _, arg := range args {
		target, err := lang.InterpretArgument(prober, arg, m.opts.Extension, m.opts.PackageMarker)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrUsage, err)
		}
		for _, name := range lang.ExpandTarget(target, m.opts.Extension, m.opts.PackageMarker) {
			if !seen[name] {
				seen[name] = true
				m.modules = append(m.modules, name)
			}
		}
	}
	if len(m.modules) == 0 {
		return fmt.Errorf("%w: no test modules found", ErrUsage)
	}
	return nil
}

type workerProber struct{ w *worker.Worker }

func (p workerProber) ModulePaths(names []lang.ModuleName) (map[lang.ModuleName]string, error) {
	return p.w.ProbePaths(names)
}

// runCycle runs every discovered module once. Each cycle starts on a
// fresh set of preloaders: a preloader that lived through a file change
// holds stale code, and a fresh one is exactly what the learned import
// order makes cheap.
func (m *monitor) runCycle(fresh bool) error {
	if !fresh {
		m.closeWorkers()
		if err := m.spawnWorkers(); err != nil {
			return err
		}
	}
	m.invalidated = false
	m.events = nil
	if m.interactive {
		term.Drain(stdinFd)
	}
	m.rep.CycleStarting()

	for i, w := range m.workers {
		events, err := w.Preload(m.order)
		if err != nil {
			w, err = m.replaceWorker(w)
			if err != nil {
				return err
			}
			if events, err = w.Preload(m.order); err != nil {
				return fmt.Errorf("preloading a fresh worker: %w", err)
			}
		}
		if i == 0 {
			m.events = append(m.events, events...)
			paths, err := w.ListPaths()
			if err != nil {
				return err
			}
			m.addPaths(paths)
		}
	}

	m.queue = append([]lang.ModuleName(nil), m.modules...)
	for {
		if err := m.fill(); err != nil {
			return err
		}
		if m.busy() == 0 && (len(m.queue) == 0 || m.invalidated) {
			break
		}
		events, err := m.poller.Wait()
		if err != nil {
			return err
		}
		for _, ev := range events {
			switch src := ev.Source.(type) {
			case *worker.Worker:
				if err := m.handleWorker(src, ev.Hangup); err != nil {
					return err
				}
			case worker.SyncSource:
				if err := m.handleSync(src.W); err != nil {
					return err
				}
			case stdinSource:
				if err := m.handleStdin(); err != nil {
					return err
				}
			case *watch.Watcher:
				if err := m.handleFsEvents(); err != nil {
					return err
				}
				if m.invalidated {
					if err := m.abortAll(); err != nil {
						return err
					}
				}
			}
		}
	}

	m.rep.Summarize()
	m.order = order.Improve(m.events)
	return nil
}

// waitForChange blocks the interactive session until a relevant
// filesystem change invalidates the last cycle.
func (m *monitor) waitForChange() error {
	for !m.invalidated {
		events, err := m.poller.Wait()
		if err != nil {
			return err
		}
		for _, ev := range events {
			switch src := ev.Source.(type) {
			case stdinSource:
				if err := m.handleStdin(); err != nil {
					return err
				}
			case *watch.Watcher:
				if err := m.handleFsEvents(); err != nil {
					return err
				}
			case *worker.Worker:
				// An idle worker's pipe should be silent; readable here
				// means the preloader died underneath us.
				if err := m.handleWorker(src, ev.Hangup); err != nil {
					return err
				}
			case worker.SyncSource:
				if err := m.handleSync(src.W); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// handleWorker reads the result pipe. The guards matter: a worker that
// was aborted or replaced earlier in the same poll batch has already
// had its pipe drained, and reading it again would block the whole
// coordinator.
func (m *monitor) handleWorker(w *worker.Worker, hangup bool) error {
	if !m.owns(w) {
		return nil
	}
	if w.State() != worker.Running && !hangup {
		return nil
	}
	records, err := w.ReadAvailable()
	for _, rec := range records {
		switch r := rec.(type) {
		case *wire.Trace:
			m.events = append(m.events, r.Events...)
		case *wire.Paths:
			m.addPaths(r.Loaded)
		case wire.Pass:
			m.rep.Result(r)
		case *wire.Fail:
			m.rep.Result(r)
		case wire.EndOfStream:
			if finErr := w.FinishStream(); finErr != nil {
				return m.replaceAndRequeue(w)
			}
		}
	}
	if err != nil {
		if errors.Is(err, worker.ErrDead) {
			return m.replaceAndRequeue(w)
		}
		return err
	}
	return nil
}

// handleSync fires when the sync pipe is readable outside an explicit
// abort or finish: the child died without sending EndOfStream. The
// worker resynchronises, a Fail record stands in for the lost results,
// and the remaining queue keeps flowing.
func (m *monitor) handleSync(w *worker.Worker) error {
	if !m.owns(w) || w.State() != worker.Running {
		return nil // already consumed by FinishStream or Abort
	}
	module, err := w.ResyncAfterCrash()
	if err != nil {
		if errors.Is(err, worker.ErrDead) {
			return m.replaceAndRequeue(w)
		}
		return err
	}
	m.rep.Result(&wire.Fail{
		Kind:    wire.KindSetup,
		Name:    "WorkerCrash",
		Message: fmt.Sprintf("worker child died while running %s", module),
	})
	return nil
}

func (m *monitor) handleStdin() error {
	var buf [64]byte
	for {
		n, err := unix.Read(stdinFd, buf[:])
		if n <= 0 || err != nil {
			return nil
		}
		for _, b := range buf[:n] {
			switch m.rep.Keystroke(b) {
			case report.ActionQuit:
				return errQuit
			case report.ActionRestart:
				return ErrRestart
			}
		}
	}
}

// handleFsEvents drains the watcher and decides relevance against the
// fingerprint: any change to any path ever loaded in the last cycle
// invalidates, as does a change to any other file in a watched
// directory whose name ends in the user-code extension, since such a
// file could shadow a module. A change to the tool's own binary
// restarts the whole process.
func (m *monitor) handleFsEvents() error {
	for _, ev := range m.watcher.Drain() {
		path := ev.Path()
		if path == m.exePath {
			return ErrRestart
		}
		if m.loaded[path] || strings.HasSuffix(ev.Name, m.opts.Extension) {
			m.invalidated = true
		}
	}
	return nil
}

// fill hands queued modules to idle workers.
func (m *monitor) fill() error {
	if m.invalidated {
		return nil
	}
	for _, w := range m.workers {
		if len(m.queue) == 0 {
			return nil
		}
		if w.State() != worker.Idle {
			continue
		}
		module := m.queue[0]
		if err := w.Dispatch(module, m.opts.Verbose); err != nil {
			if errors.Is(err, worker.ErrDead) {
				if _, err := m.replaceWorker(w); err != nil {
					return err
				}
				continue // module stays queued
			}
			return err
		}
		m.queue = m.queue[1:]
	}
	return nil
}

func (m *monitor) owns(w *worker.Worker) bool {
	for _, mine := range m.workers {
		if mine == w {
			return true
		}
	}
	return false
}

func (m *monitor) busy() int {
	n := 0
	for _, w := range m.workers {
		if w.State() == worker.Running {
			n++
		}
	}
	return n
}

// abortAll kills every running child; the resync protocol guarantees
// the next cycle's reads start on a frame boundary.
func (m *monitor) abortAll() error {
	m.queue = nil
	for _, w := range m.workers {
		if w.State() == worker.Running {
			if err := w.Abort(); err != nil && !errors.Is(err, worker.ErrDead) {
				return err
			}
		}
	}
	return nil
}

func (m *monitor) addPaths(paths []lang.NamePath) {
	var add []string
	for _, np := range paths {
		if np.Path == "" || m.loaded[np.Path] {
			continue
		}
		m.loaded[np.Path] = true
		add = append(add, np.Path)
	}
	if len(add) > 0 {
		m.watcher.Add(add)
	}
}

func (m *monitor) spawnWorkers() error {
	n := m.opts.Workers
	if n < 1 {
		n = 1
	}
	m.workers = make([]*worker.Worker, 0, n)
	for range n {
		w, err := worker.Spawn()
		if err != nil {
			return fmt.Errorf("spawning worker: %w", err)
		}
		m.workers = append(m.workers, w)
		m.poller.Register(w)
		m.poller.Register(w.Sync())
	}
	return nil
}

func (m *monitor) closeWorkers() {
	for _, w := range m.workers {
		m.poller.Unregister(w)
		m.poller.Unregister(w.Sync())
		w.Close()
	}
	m.workers = nil
}

// replaceWorker swaps a dead worker for a fresh one in place.
func (m *monitor) replaceWorker(dead *worker.Worker) (*worker.Worker, error) {
	for i, w := range m.workers {
		if w == dead {
			m.poller.Unregister(w)
			m.poller.Unregister(w.Sync())
			w.Close()
			fresh, err := worker.Spawn()
			if err != nil {
				m.workers = append(m.workers[:i], m.workers[i+1:]...)
				return nil, fmt.Errorf("replacing dead worker: %w", err)
			}
			m.workers[i] = fresh
			m.poller.Register(fresh)
			m.poller.Register(fresh.Sync())
			return fresh, nil
		}
	}
	return nil, errors.New("replacing a worker that is not mine")
}

// replaceAndRequeue handles a preloader death mid-run: the worker is
// replaced, re-preloaded, and its work item goes back on the queue.
func (m *monitor) replaceAndRequeue(dead *worker.Worker) error {
	module := dead.Module()
	fresh, err := m.replaceWorker(dead)
	if err != nil {
		return err
	}
	if _, err := fresh.Preload(m.order); err != nil {
		return fmt.Errorf("preloading replacement worker: %w", err)
	}
	if module != "" {
		m.queue = append(m.queue, module)
	}
	return nil
}
