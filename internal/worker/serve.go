package worker

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/assay-dev/assay/internal/lang"
	"github.com/assay-dev/assay/internal/runner"
	"github.com/assay-dev/assay/internal/wire"
)

// Inherited descriptor numbers inside a worker process. 0-2 remain the
// usual streams (stdout and stderr stay available for user code; the
// result pipe is never shared with them).
const (
	fdCommand  = 3
	fdResult   = 4
	fdSync     = 5
	fdSnapshot = 6 // child only
)

// Serve is the preloader: it executes import commands against the warm
// runtime, forks children on request, and acknowledges every reaped
// child with one byte on the sync pipe. It returns when the command
// pipe closes or an explicit exit arrives.
func Serve(rt lang.Runtime) error {
	cmdR := os.NewFile(fdCommand, "assay-command")
	resW := os.NewFile(fdResult, "assay-result")
	syncW := os.NewFile(fdSync, "assay-sync")
	if cmdR == nil || resW == nil || syncW == nil {
		return errors.New("worker started without its pipes")
	}
	return serve(rt, cmdR, resW, syncW)
}

func serve(rt lang.Runtime, cmdR, resW, syncW *os.File) error {
	out := wire.NewRecordWriter(resW)
	var dec wire.FrameDecoder
	for {
		payload, err := wire.ReadFrame(cmdR, &dec)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("reading command: %w", err)
		}
		cmd, err := wire.UnmarshalCommand(payload)
		if err != nil {
			return err
		}

		switch cmd.Op {
		case wire.OpImportOrder, wire.OpImportModules:
			if err := out.Write(&wire.Trace{Events: importAll(rt, cmd.Names)}); err != nil {
				return err
			}
		case wire.OpListPaths:
			if err := out.Write(&wire.Paths{Loaded: rt.LoadedPaths()}); err != nil {
				return err
			}
		case wire.OpFork:
			if err := forkChild(rt, cmdR, resW, syncW, &dec); err != nil {
				return err
			}
		case wire.OpRunTests:
			// A run-tests command normally belongs to a child; seeing
			// it here means a killed child lost it and the drain raced
			// the coordinator's write. The resync byte has already
			// returned the worker to idle on the coordinator side, so
			// drop it.
			slog.Debug("Preloader ignoring stray run-tests command", "module", cmd.Module)
		case wire.OpExit:
			return nil
		default:
			return fmt.Errorf("unknown command op %q", cmd.Op)
		}
	}
}

// importAll records one event per requested name. Failed imports yield
// empty loaded-sets; they are the next cycle's problem, not this one's.
func importAll(rt lang.Runtime, names []lang.ModuleName) []lang.ImportEvent {
	events := make([]lang.ImportEvent, 0, len(names))
	for _, name := range names {
		loaded, err := rt.Import(name)
		if err != nil {
			slog.Debug("Import failed during preload", "module", name, "err", err)
			events = append(events, lang.ImportEvent{Requested: name})
			continue
		}
		events = append(events, lang.ImportEvent{Requested: name, Loaded: loaded})
	}
	return events
}

// forkChild pushes one child onto the process stack. The child inherits
// the conversation pipes plus a snapshot pipe carrying the warm state;
// the preloader waits for it, reaps it, drains any command bytes the
// dead child left unread, and acknowledges on the sync pipe.
func forkChild(rt lang.Runtime, cmdR, resW, syncW *os.File, dec *wire.FrameDecoder) error {
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("locating own binary: %w", err)
	}
	snapshot, err := rt.Snapshot()
	if err != nil {
		return fmt.Errorf("snapshotting runtime: %w", err)
	}
	snapR, snapW, err := os.Pipe()
	if err != nil {
		return fmt.Errorf("creating snapshot pipe: %w", err)
	}

	child := exec.Command(exe, "worker", "--child")
	child.ExtraFiles = []*os.File{cmdR, resW, syncW, snapR}
	child.Stderr = os.Stderr
	child.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if err := child.Start(); err != nil {
		snapR.Close()
		snapW.Close()
		return fmt.Errorf("forking child: %w", err)
	}
	snapR.Close()
	if _, err := snapW.Write(snapshot); err != nil {
		slog.Warn("Failed to hand snapshot to child", "err", err)
	}
	snapW.Close()

	// The child owns the conversation now; all the preloader does is
	// wait to reap it, killed or not.
	_ = child.Wait()

	// A killed child may have lost an inbound command, possibly half
	// read. Flush both the pipe and our own reassembly buffer so the
	// next conversation starts on a frame boundary.
	dec.Discard()
	drainPipe(int(cmdR.Fd()))

	if _, err := syncW.Write([]byte{1}); err != nil {
		return fmt.Errorf("writing sync byte: %w", err)
	}
	return nil
}

func drainPipe(fd int) {
	if err := unix.SetNonblock(fd, true); err != nil {
		return
	}
	defer func() { _ = unix.SetNonblock(fd, false) }()
	var buf [4096]byte
	for {
		n, err := unix.Read(fd, buf[:])
		if n <= 0 || err != nil {
			return
		}
	}
}

// RunChild is the forked child's whole life: restore the snapshot,
// announce the pid, run what the coordinator asks, and exit with the
// stream. It is never re-entered.
func RunChild(rt lang.Runtime, rerun lang.AssertRerunner) error {
	cmdR := os.NewFile(fdCommand, "assay-command")
	resW := os.NewFile(fdResult, "assay-result")
	snapR := os.NewFile(fdSnapshot, "assay-snapshot")
	if cmdR == nil || resW == nil || snapR == nil {
		return errors.New("child started without its pipes")
	}
	return runChild(rt, rerun, cmdR, resW, snapR)
}

func runChild(rt lang.Runtime, rerun lang.AssertRerunner, cmdR, resW, snapR *os.File) error {
	snapshot, err := io.ReadAll(snapR)
	snapR.Close()
	if err != nil {
		return fmt.Errorf("reading snapshot: %w", err)
	}
	if len(snapshot) > 0 {
		if err := rt.Restore(snapshot); err != nil {
			return fmt.Errorf("restoring warm state: %w", err)
		}
	}

	out := wire.NewRecordWriter(resW)
	if err := out.Write(wire.Forked{PID: os.Getpid()}); err != nil {
		return err
	}

	var dec wire.FrameDecoder
	for {
		payload, err := wire.ReadFrame(cmdR, &dec)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("reading command: %w", err)
		}
		cmd, err := wire.UnmarshalCommand(payload)
		if err != nil {
			return err
		}

		switch cmd.Op {
		case wire.OpRunTests:
			loaded, importErr := rt.Import(cmd.Module)
			event := lang.ImportEvent{Requested: cmd.Module, Loaded: loaded}
			if importErr != nil {
				event.Loaded = nil
			}
			if err := out.Write(&wire.Trace{Events: []lang.ImportEvent{event}}); err != nil {
				return err
			}
			if importErr != nil {
				fail := &wire.Fail{
					Kind:    wire.KindSetup,
					Name:    "ImportError",
					Message: importErr.Error(),
				}
				if err := out.Write(fail); err != nil {
					return err
				}
			} else if err := runner.RunTests(rt, cmd.Module, rerun, cmd.Verbose, out.Write); err != nil {
				return err
			}
			if err := out.Write(&wire.Paths{Loaded: rt.LoadedPaths()}); err != nil {
				return err
			}
			return out.Write(wire.EndOfStream{})
		case wire.OpImportModules:
			if err := out.Write(&wire.Trace{Events: importAll(rt, cmd.Names)}); err != nil {
				return err
			}
		case wire.OpListPaths:
			if err := out.Write(&wire.Paths{Loaded: rt.LoadedPaths()}); err != nil {
				return err
			}
		default:
			return fmt.Errorf("unexpected command %q in child", cmd.Op)
		}
	}
}
