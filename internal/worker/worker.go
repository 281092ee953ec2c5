// Package worker hosts user code in long-lived preloader processes and
// forks short-lived children to run one test module each, streaming
// framed results back to the coordinator and resynchronising after
// every child death so no torn record ever reaches the next cycle.
package worker

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/assay-dev/assay/internal/lang"
	"github.com/assay-dev/assay/internal/wire"
)

// State of a Worker as the coordinator sees it.
type State int

const (
	Idle State = iota
	Running
	Terminating
	Dead
)

// ErrDead reports that the preloader process itself is gone; the owner
// must replace the whole Worker.
var ErrDead = errors.New("worker preloader died")

// Worker is the coordinator-side handle on one preloader process and
// its (at most one) forked child. Exactly one process on the pid stack
// owns the far end of the pipes at any moment.
type Worker struct {
	cmdW  *os.File // command pipe, coordinator writes
	resR  *os.File // result pipe, coordinator reads
	syncR *os.File // sync pipe, coordinator reads death acknowledgements

	proc  *exec.Cmd
	pids  []int // position 0 is the preloader; above it, the child
	state State

	dec    wire.FrameDecoder
	module lang.ModuleName // work item currently dispatched
}

// Spawn starts a fresh preloader running this very binary's hidden
// worker entry point. The three pipe ends are passed as inherited
// descriptors 3, 4 and 5.
func Spawn() (*Worker, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("locating own binary: %w", err)
	}

	cmdR, cmdW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("creating command pipe: %w", err)
	}
	resR, resW, err := os.Pipe()
	if err != nil {
		cmdR.Close()
		cmdW.Close()
		return nil, fmt.Errorf("creating result pipe: %w", err)
	}
	syncR, syncW, err := os.Pipe()
	if err != nil {
		cmdR.Close()
		cmdW.Close()
		resR.Close()
		resW.Close()
		return nil, fmt.Errorf("creating sync pipe: %w", err)
	}

	proc := exec.Command(exe, "worker")
	proc.ExtraFiles = []*os.File{cmdR, resW, syncW}
	proc.Stderr = os.Stderr
	// The preloader shields itself from terminal interrupts aimed at
	// the coordinator by living in its own process group.
	proc.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if err := proc.Start(); err != nil {
		for _, f := range []*os.File{cmdR, cmdW, resR, resW, syncR, syncW} {
			f.Close()
		}
		return nil, fmt.Errorf("starting worker process: %w", err)
	}
	cmdR.Close()
	resW.Close()
	syncW.Close()

	return &Worker{
		cmdW:  cmdW,
		resR:  resR,
		syncR: syncR,
		proc:  proc,
		pids:  []int{proc.Process.Pid},
		state: Idle,
	}, nil
}

// Fd exposes the result pipe for the readiness poller.
func (w *Worker) Fd() int { return int(w.resR.Fd()) }

// SyncSource is the sync pipe as a registrable poll source; readable
// while the worker is Running means the child died without finishing
// its stream.
type SyncSource struct{ W *Worker }

func (s SyncSource) Fd() int { return int(s.W.syncR.Fd()) }

// Sync returns the worker's sync pipe as a pollable object.
func (w *Worker) Sync() SyncSource { return SyncSource{W: w} }

func (w *Worker) State() State            { return w.state }
func (w *Worker) Module() lang.ModuleName { return w.module }

// Pids returns the live pid stack, preloader first.
func (w *Worker) Pids() []int { return append([]int(nil), w.pids...) }

func (w *Worker) send(c wire.Command) error {
	if w.state == Dead {
		return ErrDead
	}
	if err := wire.WriteCommand(w.cmdW, c); err != nil {
		return fmt.Errorf("writing command: %w", err)
	}
	return nil
}

// readRecord blocks until one whole record arrives. Used only in the
// synchronous phases (preload, fork handshake, probes), where the
// worker is guaranteed to be answering.
func (w *Worker) readRecord() (wire.Record, error) {
	payload, err := wire.ReadFrame(w.resR, &w.dec)
	if err != nil {
		w.state = Dead
		return nil, fmt.Errorf("%w: %v", ErrDead, err)
	}
	return wire.UnmarshalRecord(payload)
}

// Preload executes the cycle's import order in the preloader and
// returns the resulting trace. Individual import failures are recorded
// by the preloader as empty loaded-sets, never surfaced as errors.
func (w *Worker) Preload(order []lang.ModuleName) ([]lang.ImportEvent, error) {
	if err := w.send(wire.Command{Op: wire.OpImportOrder, Names: order}); err != nil {
		return nil, err
	}
	rec, err := w.readRecord()
	if err != nil {
		return nil, err
	}
	trace, ok := rec.(*wire.Trace)
	if !ok {
		return nil, fmt.Errorf("preload answered with %T, want a trace", rec)
	}
	return trace.Events, nil
}

// ListPaths asks the preloader which files are behind its warm state.
func (w *Worker) ListPaths() ([]lang.NamePath, error) {
	if err := w.send(wire.Command{Op: wire.OpListPaths}); err != nil {
		return nil, err
	}
	rec, err := w.readRecord()
	if err != nil {
		return nil, err
	}
	paths, ok := rec.(*wire.Paths)
	if !ok {
		return nil, fmt.Errorf("list-paths answered with %T", rec)
	}
	return paths.Loaded, nil
}

// fork has the preloader push a child onto the pid stack; the child
// takes over the conversation and announces its pid.
func (w *Worker) fork() error {
	if err := w.send(wire.Command{Op: wire.OpFork}); err != nil {
		return err
	}
	rec, err := w.readRecord()
	if err != nil {
		return err
	}
	forked, ok := rec.(wire.Forked)
	if !ok {
		return fmt.Errorf("fork answered with %T", rec)
	}
	w.pids = append(w.pids, forked.PID)
	return nil
}

// Dispatch forks a child and sets it running one module's tests. The
// results stream back asynchronously; the caller polls Fd.
func (w *Worker) Dispatch(module lang.ModuleName, verbose bool) error {
	if w.state != Idle {
		return fmt.Errorf("dispatch on a %v worker", w.state)
	}
	if err := w.fork(); err != nil {
		return err
	}
	if err := w.send(wire.Command{Op: wire.OpRunTests, Module: module, Verbose: verbose}); err != nil {
		return err
	}
	w.module = module
	w.state = Running
	return nil
}

// ReadAvailable performs exactly one read of the result pipe (the
// poller said it was readable) and returns every complete record that
// produced. A zero-length read means the preloader is gone.
func (w *Worker) ReadAvailable() ([]wire.Record, error) {
	var scratch [8192]byte
	n, err := w.resR.Read(scratch[:])
	if n > 0 {
		w.dec.Feed(scratch[:n])
	}
	if err != nil || n == 0 {
		w.state = Dead
		return nil, ErrDead
	}

	var records []wire.Record
	for {
		payload, err := w.dec.Next()
		if err != nil {
			return records, fmt.Errorf("torn result stream: %w", err)
		}
		if payload == nil {
			return records, nil
		}
		rec, err := wire.UnmarshalRecord(payload)
		if err != nil {
			return records, err
		}
		records = append(records, rec)
	}
}

// awaitSync blocks for the one-byte death acknowledgement the
// preloader writes after reaping a child.
func (w *Worker) awaitSync() error {
	var b [1]byte
	for {
		n, err := w.syncR.Read(b[:])
		if n == 1 {
			return nil
		}
		if err != nil || n == 0 {
			w.state = Dead
			return ErrDead
		}
	}
}

// consumeSync eats a sync byte without blocking; used when the poller
// already reported the sync pipe readable.
func (w *Worker) consumeSync() error { return w.awaitSync() }

// FinishStream completes a natural EndOfStream: the child has exited,
// the preloader acknowledges the reap, and the worker is idle again.
func (w *Worker) FinishStream() error {
	if err := w.awaitSync(); err != nil {
		return err
	}
	w.popChild()
	w.module = ""
	w.state = Idle
	return nil
}

// Abort kills the running child with an uncatchable signal, waits for
// the preloader's acknowledgement, and discards any bytes of the torn
// record so the next dispatch decodes cleanly from its first byte.
func (w *Worker) Abort() error {
	if len(w.pids) < 2 {
		return nil
	}
	w.state = Terminating
	if err := unix.Kill(w.pids[len(w.pids)-1], unix.SIGKILL); err != nil && err != unix.ESRCH {
		return fmt.Errorf("killing worker child: %w", err)
	}
	if err := w.awaitSync(); err != nil {
		return err
	}
	w.discardPartial()
	w.popChild()
	w.module = ""
	w.state = Idle
	return nil
}

// ResyncAfterCrash recovers from a child that died without sending
// EndOfStream: the sync byte is already waiting, the partial record is
// dropped, and the worker is idle for a re-dispatch.
func (w *Worker) ResyncAfterCrash() (lang.ModuleName, error) {
	module := w.module
	if err := w.consumeSync(); err != nil {
		return module, err
	}
	w.discardPartial()
	w.popChild()
	w.module = ""
	w.state = Idle
	return module, nil
}

// ProbePaths imports names inside a throwaway child and reports where
// each importable one lives, leaving the preloader unpolluted.
func (w *Worker) ProbePaths(names []lang.ModuleName) (map[lang.ModuleName]string, error) {
	if err := w.fork(); err != nil {
		return nil, err
	}
	abort := func() { _ = w.Abort() }

	if err := w.send(wire.Command{Op: wire.OpImportModules, Names: names}); err != nil {
		abort()
		return nil, err
	}
	rec, err := w.readRecord()
	if err != nil {
		return nil, err
	}
	if _, ok := rec.(*wire.Trace); !ok {
		abort()
		return nil, fmt.Errorf("import probe answered with %T", rec)
	}
	if err := w.send(wire.Command{Op: wire.OpListPaths}); err != nil {
		abort()
		return nil, err
	}
	rec, err = w.readRecord()
	if err != nil {
		return nil, err
	}
	paths, ok := rec.(*wire.Paths)
	if !ok {
		abort()
		return nil, fmt.Errorf("path probe answered with %T", rec)
	}
	if err := w.Abort(); err != nil {
		return nil, err
	}
	out := make(map[lang.ModuleName]string, len(paths.Loaded))
	for _, np := range paths.Loaded {
		out[np.Name] = np.Path
	}
	return out, nil
}

// Close tears the whole pid stack down and releases the pipes.
func (w *Worker) Close() {
	if w.state != Dead {
		_ = w.send(wire.Command{Op: wire.OpExit})
	}
	for i := len(w.pids) - 1; i >= 0; i-- {
		if err := unix.Kill(w.pids[i], unix.SIGKILL); err != nil && err != unix.ESRCH {
			slog.Debug("Failed to kill worker process", "pid", w.pids[i], "err", err)
		}
	}
	w.pids = nil
	if w.proc != nil {
		_ = w.proc.Wait()
	}
	w.cmdW.Close()
	w.resR.Close()
	w.syncR.Close()
	w.state = Dead
}

func (w *Worker) popChild() {
	if len(w.pids) > 1 {
		w.pids = w.pids[:len(w.pids)-1]
	}
}

// discardPartial forgets any half-assembled frame and empties whatever
// the dead child managed to flush into the pipe after it.
func (w *Worker) discardPartial() {
	w.dec.Discard()
	fd := int(w.resR.Fd())
	if err := unix.SetNonblock(fd, true); err != nil {
		return
	}
	var buf [4096]byte
	for {
		n, err := unix.Read(fd, buf[:])
		if n <= 0 || err != nil {
			break
		}
	}
	_ = unix.SetNonblock(fd, false)
}
