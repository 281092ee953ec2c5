package monitor

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/assay-dev/assay/internal/lang"
	"github.com/assay-dev/assay/internal/report"
	"github.com/assay-dev/assay/internal/watch"
)

type mapProber map[lang.ModuleName]string

func (m mapProber) ModulePaths(names []lang.ModuleName) (map[lang.ModuleName]string, error) {
	out := make(map[lang.ModuleName]string)
	for _, n := range names {
		if p, ok := m[n]; ok {
			out[n] = p
		}
	}
	return out, nil
}

func testMonitor(t *testing.T) *monitor {
	t.Helper()
	w, err := watch.New()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { w.Close() })
	return &monitor{
		opts:    Options{Extension: ".py", PackageMarker: "__init__.py", Out: &bytes.Buffer{}},
		watcher: w,
		rep:     report.New(&bytes.Buffer{}, false, false),
		loaded:  make(map[string]bool),
	}
}

func TestResolve_DedupesAndExpands(t *testing.T) {
	m := testMonitor(t)
	prober := mapProber{"sample": "", "chain": ""}
	if err := m.resolve([]string{"sample", "chain", "sample"}, prober); err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	want := []lang.ModuleName{"sample", "chain"}
	if len(m.modules) != len(want) {
		t.Fatalf("modules = %v, want %v", m.modules, want)
	}
	for i := range want {
		if m.modules[i] != want[i] {
			t.Errorf("modules = %v, want %v", m.modules, want)
		}
	}
}

func TestResolve_UnimportableNameIsUsageError(t *testing.T) {
	m := testMonitor(t)
	err := m.resolve([]string{"no.such.module"}, mapProber{})
	if !errors.Is(err, ErrUsage) {
		t.Fatalf("err = %v, want a usage error", err)
	}
}

func drainUntilInvalidated(t *testing.T, m *monitor) error {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if err := m.handleFsEvents(); err != nil {
			return err
		}
		if m.invalidated {
			return nil
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("never invalidated")
	return nil
}

func TestFsChange_ToLoadedPathInvalidates(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "mod.py")
	if err := os.WriteFile(path, []byte("x = 1\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	m := testMonitor(t)
	m.addPaths([]lang.NamePath{{Name: "mod", Path: path}})
	if !m.loaded[path] {
		t.Fatal("loaded path not fingerprinted")
	}

	if err := os.WriteFile(path, []byte("x = 2\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := drainUntilInvalidated(t, m); err != nil {
		t.Fatalf("handleFsEvents returned %v", err)
	}
}

func TestFsChange_NewShadowingFileInvalidates(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "mod.py")
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		t.Fatal(err)
	}

	m := testMonitor(t)
	m.addPaths([]lang.NamePath{{Name: "mod", Path: path}})

	// A brand-new user-code file in a watched directory could shadow a
	// module; conservatively, it invalidates too.
	if err := os.WriteFile(filepath.Join(dir, "fresh.py"), nil, 0o644); err != nil {
		t.Fatal(err)
	}
	if err := drainUntilInvalidated(t, m); err != nil {
		t.Fatalf("handleFsEvents returned %v", err)
	}
}

func TestFsChange_ToOwnBinaryRequestsRestart(t *testing.T) {
	dir := t.TempDir()
	exe := filepath.Join(dir, "assay")
	if err := os.WriteFile(exe, []byte("#!"), 0o755); err != nil {
		t.Fatal(err)
	}

	m := testMonitor(t)
	m.exePath = exe
	m.watcher.Add([]string{exe})
	m.loaded[exe] = true

	if err := os.WriteFile(exe, []byte("#!x"), 0o755); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if err := m.handleFsEvents(); err != nil {
			if errors.Is(err, ErrRestart) {
				return
			}
			t.Fatalf("handleFsEvents returned %v", err)
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("binary change never raised the restart condition")
}

func TestAddPaths_RegistersWithWatcherOnce(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "mod.py")
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		t.Fatal(err)
	}

	m := testMonitor(t)
	m.addPaths([]lang.NamePath{{Name: "mod", Path: path}, {Name: "builtin"}})
	m.addPaths([]lang.NamePath{{Name: "mod", Path: path}})

	if !m.watcher.Watched(path) {
		t.Error("loaded path not watched")
	}
	if len(m.loaded) != 1 {
		t.Errorf("fingerprint = %v", m.loaded)
	}
}
