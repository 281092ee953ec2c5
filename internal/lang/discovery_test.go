package lang

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mapProber map[ModuleName]string

func (m mapProber) ModulePaths(names []ModuleName) (map[ModuleName]string, error) {
	out := make(map[ModuleName]string)
	for _, n := range names {
		if p, ok := m[n]; ok {
			out[n] = p
		}
	}
	return out, nil
}

func touch(t *testing.T, path string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, nil, 0o644))
}

func TestInterpretArgument_PlainDirectory(t *testing.T) {
	dir := t.TempDir()
	touch(t, filepath.Join(dir, "test_mod.py"))

	target, err := InterpretArgument(mapProber{}, dir, ".py", "__init__.py")
	require.NoError(t, err)
	assert.Equal(t, dir, target.Root)
	assert.Empty(t, target.Name)
}

func TestInterpretArgument_FileInsideNestedPackage(t *testing.T) {
	root := t.TempDir()
	touch(t, filepath.Join(root, "pkg", "__init__.py"))
	touch(t, filepath.Join(root, "pkg", "sub", "__init__.py"))
	touch(t, filepath.Join(root, "pkg", "sub", "mod.py"))

	target, err := InterpretArgument(mapProber{}, filepath.Join(root, "pkg", "sub", "mod.py"), ".py", "__init__.py")
	require.NoError(t, err)
	// The walk stops where the marker files stop: the import root is
	// the directory containing the outermost package.
	assert.Equal(t, root, target.Root)
	assert.Equal(t, ModuleName("pkg.sub.mod"), target.Name)
}

func TestInterpretArgument_PackageDirectory(t *testing.T) {
	root := t.TempDir()
	touch(t, filepath.Join(root, "pkg", "__init__.py"))
	touch(t, filepath.Join(root, "pkg", "mod_a.py"))

	target, err := InterpretArgument(mapProber{}, filepath.Join(root, "pkg"), ".py", "__init__.py")
	require.NoError(t, err)
	assert.Equal(t, root, target.Root)
	assert.Equal(t, ModuleName("pkg"), target.Name)
}

func TestInterpretArgument_DottedNameViaProber(t *testing.T) {
	target, err := InterpretArgument(mapProber{"sample": ""}, "sample", ".py", "__init__.py")
	require.NoError(t, err)
	assert.Equal(t, ModuleName("sample"), target.Name)
	assert.Empty(t, target.Root)

	_, err = InterpretArgument(mapProber{}, "missing.module", ".py", "__init__.py")
	assert.ErrorContains(t, err, "can neither open nor import")
}

func TestInterpretArgument_WrongExtension(t *testing.T) {
	dir := t.TempDir()
	touch(t, filepath.Join(dir, "notes.txt"))

	_, err := InterpretArgument(mapProber{}, filepath.Join(dir, "notes.txt"), ".py", "__init__.py")
	assert.ErrorContains(t, err, "extension")
}

func TestExpandTarget(t *testing.T) {
	root := t.TempDir()
	touch(t, filepath.Join(root, "pkg", "__init__.py"))
	touch(t, filepath.Join(root, "pkg", "mod_b.py"))
	touch(t, filepath.Join(root, "pkg", "mod_a.py"))
	touch(t, filepath.Join(root, "pkg", "notes.txt"))
	touch(t, filepath.Join(root, "plain", "solo.py"))

	t.Run("package lists its modules", func(t *testing.T) {
		names := ExpandTarget(&Target{Root: root, Name: "pkg"}, ".py", "__init__.py")
		assert.Equal(t, []ModuleName{"pkg", "pkg.mod_a", "pkg.mod_b"}, names)
	})
	t.Run("plain directory lists files", func(t *testing.T) {
		names := ExpandTarget(&Target{Root: filepath.Join(root, "plain")}, ".py", "__init__.py")
		assert.Equal(t, []ModuleName{"solo"}, names)
	})
	t.Run("bare module is itself", func(t *testing.T) {
		names := ExpandTarget(&Target{Name: "sample"}, ".py", "__init__.py")
		assert.Equal(t, []ModuleName{"sample"}, names)
	})
}

func TestModuleNameOf(t *testing.T) {
	assert.Equal(t, ModuleName("mod"), ModuleNameOf("mod.py", ".py"))
	assert.Empty(t, ModuleNameOf("mod.txt", ".py"))
	assert.Empty(t, ModuleNameOf("not-an-identifier.py", ".py"))
	assert.Empty(t, ModuleNameOf(".hidden.py", ".py"))
}
