package lang

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

// Target is the result of interpreting one command-line argument: an
// import root to make visible to the runtime (empty when the name is
// already importable) plus the dotted name to search.
type Target struct {
	Root string
	Name ModuleName
}

// Prober answers "can this dotted name be imported, and from where?"
// without polluting any long-lived process. The coordinator implements
// it with a throwaway worker child.
type Prober interface {
	ModulePaths(names []ModuleName) (map[ModuleName]string, error)
}

var identifierRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// IsIdentifier reports whether name can be one segment of a dotted
// module name.
func IsIdentifier(name string) bool {
	return identifierRe.MatchString(name)
}

// ModuleNameOf returns the module name a filename provides, or "" when
// the filename cannot shadow a module.
func ModuleNameOf(filename, extension string) ModuleName {
	base, ok := strings.CutSuffix(filename, extension)
	if !ok || !IsIdentifier(base) {
		return ""
	}
	return ModuleName(base)
}

// InterpretArgument resolves one positional argument: a directory, a
// file path ending in extension, or a dotted module name checked
// against the prober.
func InterpretArgument(probe Prober, arg, extension, marker string) (*Target, error) {
	if info, err := os.Stat(arg); err == nil {
		if info.IsDir() {
			return enclosingPackages(arg, nil, extension, marker)
		}
		base, ok := strings.CutSuffix(arg, extension)
		if !ok {
			return nil, fmt.Errorf("test file lacks %s extension: %s", extension, arg)
		}
		name := filepath.Base(base)
		if !IsIdentifier(name) {
			return nil, fmt.Errorf("file name is not an identifier: %s", arg)
		}
		return enclosingPackages(filepath.Dir(base), []string{name}, extension, marker)
	}

	name := ModuleName(arg)
	paths, err := probe.ModulePaths([]ModuleName{name})
	if err != nil {
		return nil, fmt.Errorf("probing %q: %w", arg, err)
	}
	if _, ok := paths[name]; ok {
		return &Target{Name: name}, nil
	}
	return nil, fmt.Errorf("can neither open nor import: %s", arg)
}

// enclosingPackages walks upward from directory while a package-marker
// file exists, accumulating the dotted prefix, so that a path deep
// inside a package imports under its proper name.
func enclosingPackages(directory string, names []string, extension, marker string) (*Target, error) {
	directory, err := filepath.Abs(directory)
	if err != nil {
		return nil, err
	}
	for isPackage(directory, marker) {
		parent, pkg := filepath.Split(strings.TrimSuffix(directory, string(filepath.Separator)))
		if pkg == "" {
			return nil, fmt.Errorf("there should not be a %s file at the root of the filesystem", marker)
		}
		if !IsIdentifier(pkg) {
			return nil, fmt.Errorf("directory contains a %s but its name is not an identifier: %s", marker, pkg)
		}
		names = append(names, pkg)
		directory = filepath.Clean(parent)
	}
	for i, j := 0, len(names)-1; i < j; i, j = i+1, j-1 {
		names[i], names[j] = names[j], names[i]
	}
	return &Target{Root: directory, Name: ModuleName(strings.Join(names, "."))}, nil
}

func isPackage(directory, marker string) bool {
	info, err := os.Stat(filepath.Join(directory, marker))
	return err == nil && !info.IsDir()
}

// ExpandTarget lists the test modules a target provides: the named
// module itself plus, when the target is a package or plain directory,
// one entry per user-code file directly inside it.
func ExpandTarget(t *Target, extension, marker string) []ModuleName {
	var dir string
	switch {
	case t.Name == "":
		dir = t.Root
	case t.Root != "":
		dir = filepath.Join(t.Root, filepath.FromSlash(strings.ReplaceAll(string(t.Name), ".", "/")))
		if !isPackage(dir, marker) {
			return []ModuleName{t.Name}
		}
	default:
		return []ModuleName{t.Name}
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		if t.Name != "" {
			return []ModuleName{t.Name}
		}
		return nil
	}

	var names []ModuleName
	if t.Name != "" {
		names = append(names, t.Name)
	}
	var subs []ModuleName
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		base := ModuleNameOf(e.Name(), extension)
		if base == "" || e.Name() == marker {
			continue
		}
		if t.Name != "" {
			subs = append(subs, t.Name+"."+base)
		} else {
			subs = append(subs, base)
		}
	}
	sort.Slice(subs, func(i, j int) bool { return subs[i] < subs[j] })
	return append(names, subs...)
}
