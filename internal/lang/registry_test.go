package lang

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func chainRegistry() *Registry {
	r := NewRegistry()
	r.Define(&Definition{Name: "a", Path: "/src/a.py"})
	r.Define(&Definition{Name: "b", Path: "/src/b.py", Imports: []ModuleName{"a"}})
	r.Define(&Definition{Name: "c", Path: "/src/c.py", Imports: []ModuleName{"b"}})
	return r
}

func TestImport_ReportsTransitivelyLoadedSet(t *testing.T) {
	r := chainRegistry()
	loaded, err := r.Import("c")
	require.NoError(t, err)
	assert.Equal(t, []ModuleName{"c", "b", "a"}, loaded)

	// Everything is warm now; a second request loads nothing.
	loaded, err = r.Import("b")
	require.NoError(t, err)
	assert.Empty(t, loaded)
}

func TestImport_UnknownModuleFails(t *testing.T) {
	_, err := chainRegistry().Import("nope")
	assert.Error(t, err)
}

func TestImport_CycleTerminates(t *testing.T) {
	r := NewRegistry()
	r.Define(&Definition{Name: "x", Imports: []ModuleName{"y"}})
	r.Define(&Definition{Name: "y", Imports: []ModuleName{"x"}})

	loaded, err := r.Import("x")
	require.NoError(t, err)
	assert.ElementsMatch(t, []ModuleName{"x", "y"}, loaded)
}

func TestSnapshotRestore_ReproducesWarmState(t *testing.T) {
	parent := chainRegistry()
	_, err := parent.Import("c")
	require.NoError(t, err)

	snapshot, err := parent.Snapshot()
	require.NoError(t, err)

	child := chainRegistry()
	require.NoError(t, child.Restore(snapshot))

	// The child's view of the warm state matches the parent's.
	assert.Equal(t, parent.LoadedPaths(), child.LoadedPaths())
	loaded, err := child.Import("c")
	require.NoError(t, err)
	assert.Empty(t, loaded, "restored module re-imported")
}

func TestLoadedPaths_KeepsLoadOrderAndBuiltins(t *testing.T) {
	r := chainRegistry()
	r.Define(&Definition{Name: "builtin"}) // no backing file
	_, err := r.Import("builtin")
	require.NoError(t, err)
	_, err = r.Import("c")
	require.NoError(t, err)

	paths := r.LoadedPaths()
	require.Len(t, paths, 4)
	assert.Equal(t, ModuleName("builtin"), paths[0].Name)
	assert.Empty(t, paths[0].Path)
	assert.Equal(t, "/src/c.py", paths[1].Path)
}

func TestSampleRuntime_BatteryLoads(t *testing.T) {
	r := NewSampleRuntime()
	_, err := r.Import("sample")
	require.NoError(t, err)
	mod, ok := r.Lookup("sample")
	require.True(t, ok)
	assert.NotEmpty(t, mod.Tests)
	for _, test := range mod.Tests {
		assert.Equal(t, ModuleName("sample"), test.Module)
	}

	loaded, err := r.Import("chain")
	require.NoError(t, err)
	assert.Equal(t, []ModuleName{"chain", "chain.mid", "chain.base"}, loaded)
}
