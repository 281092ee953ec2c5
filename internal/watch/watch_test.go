package watch

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func waitReadable(t *testing.T, fd int, timeout time.Duration) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
		n, err := unix.Poll(fds, 50)
		if err == unix.EINTR {
			continue
		}
		require.NoError(t, err)
		if n > 0 {
			return true
		}
	}
	return false
}

func TestWatcher_SeesEditorReplacePattern(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "mod.py")
	require.NoError(t, os.WriteFile(target, []byte("x = 1\n"), 0o644))

	w, err := New()
	require.NoError(t, err)
	defer w.Close()
	w.Add([]string{target})

	// Typical editor save: write a sibling, then rename into place.
	tmp := filepath.Join(dir, "mod.py.tmp")
	require.NoError(t, os.WriteFile(tmp, []byte("x = 2\n"), 0o644))
	require.NoError(t, os.Rename(tmp, target))

	require.True(t, waitReadable(t, w.Fd(), 2*time.Second), "no readiness signal after rename")
	events := w.Drain()
	require.NotEmpty(t, events)
	found := false
	for _, e := range events {
		if e.Path() == target {
			found = true
		}
	}
	assert.True(t, found, "no event for %s in %v", target, events)

	// Drain is level-triggered: the signal must now be clear.
	assert.False(t, waitReadable(t, w.Fd(), 100*time.Millisecond), "signal still set after Drain")
}

func TestWatcher_FiltersEditorNoise(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "mod.py")
	require.NoError(t, os.WriteFile(target, nil, 0o644))

	w, err := New()
	require.NoError(t, err)
	defer w.Close()
	w.Add([]string{target})

	for _, name := range []string{"mod.py~", ".#mod.py", ".mod.py.swp"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("noise"), 0o644))
	}
	assert.False(t, waitReadable(t, w.Fd(), 300*time.Millisecond), "noise produced a signal")
	assert.Empty(t, w.Drain())
}

func TestWatcher_AddIsIdempotentPerDirectory(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.py")
	b := filepath.Join(dir, "b.py")
	require.NoError(t, os.WriteFile(a, nil, 0o644))
	require.NoError(t, os.WriteFile(b, nil, 0o644))

	w, err := New()
	require.NoError(t, err)
	defer w.Close()
	w.Add([]string{a})
	w.Add([]string{a, b}) // same directory again

	assert.True(t, w.Watched(a))
	assert.True(t, w.Watched(b))

	w.Remove(a)
	assert.False(t, w.Watched(a))
	assert.True(t, w.Watched(b))
	w.Remove(b) // last path in the directory releases the watch
	assert.False(t, w.Watched(b))
}

func TestWatcher_PollingFallback(t *testing.T) {
	old := PollInterval
	PollInterval = 20 * time.Millisecond
	defer func() { PollInterval = old }()

	dir := t.TempDir()
	target := filepath.Join(dir, "mod.py")
	require.NoError(t, os.WriteFile(target, []byte("x = 1\n"), 0o644))

	w, err := New()
	require.NoError(t, err)
	defer w.Close()

	// Force the fallback path regardless of OS support.
	if w.fsw != nil {
		require.NoError(t, w.fsw.Close())
		w.fsw = nil
		w.mtimes = make(map[string]time.Time)
		go w.pollLoop()
	}
	w.Add([]string{target})

	future := time.Now().Add(2 * time.Second)
	require.NoError(t, os.Chtimes(target, future, future))

	require.True(t, waitReadable(t, w.Fd(), 2*time.Second), "polling fallback never signalled")
	events := w.Drain()
	require.NotEmpty(t, events)
	assert.Equal(t, target, events[0].Path())
}
