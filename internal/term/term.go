// Package term puts the controlling terminal into a keystroke-at-a-time
// mode for the interactive reporter and restores it on the way out.
package term

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
	"golang.org/x/term"
)

// Interactive reports whether both stdin and stdout are terminals.
func Interactive() bool {
	return term.IsTerminal(int(os.Stdin.Fd())) && term.IsTerminal(int(os.Stdout.Fd()))
}

// Configure turns off echo and canonical line interpretation on fd and
// puts it in non-blocking mode, so each keystroke is visible to the
// readiness poller the moment it arrives rather than sitting in a line
// buffer. The returned func restores the prior state; call it on every
// exit path.
func Configure(fd int) (restore func(), err error) {
	original, err := unix.IoctlGetTermios(fd, getTermios)
	if err != nil {
		return nil, fmt.Errorf("reading terminal mode: %w", err)
	}
	originalFl, err := unix.FcntlInt(uintptr(fd), unix.F_GETFL, 0)
	if err != nil {
		return nil, fmt.Errorf("reading fd flags: %w", err)
	}

	mode := *original
	mode.Lflag &^= unix.ECHO | unix.ICANON
	mode.Cc[unix.VMIN] = 1
	mode.Cc[unix.VTIME] = 0
	if err := unix.IoctlSetTermios(fd, setTermiosFlush, &mode); err != nil {
		return nil, fmt.Errorf("setting terminal mode: %w", err)
	}
	if _, err := unix.FcntlInt(uintptr(fd), unix.F_SETFL, originalFl|unix.O_NONBLOCK); err != nil {
		_ = unix.IoctlSetTermios(fd, setTermiosFlush, original)
		return nil, fmt.Errorf("setting fd flags: %w", err)
	}

	return func() {
		_, _ = unix.FcntlInt(uintptr(fd), unix.F_SETFL, originalFl)
		_ = unix.IoctlSetTermios(fd, setTermiosFlush, original)
	}, nil
}

// Drain empties any bytes already queued in the OS input buffer, so a
// watch re-enabled after a pause does not see pre-event keystrokes.
// The fd must already be non-blocking.
func Drain(fd int) {
	var buf [64]byte
	for {
		n, err := unix.Read(fd, buf[:])
		if n <= 0 || err != nil {
			return
		}
	}
}
