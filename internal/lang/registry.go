package lang

import (
	"encoding/json"
	"fmt"
)

// Definition declares one module to a Registry before it is loaded.
// Build runs at import time and returns the module's export table and
// tests; Imports names the modules that become live alongside this one.
// A non-nil Err makes every import of the module fail with it.
type Definition struct {
	Name    ModuleName
	Path    string
	Imports []ModuleName
	Err     error
	Build   func() (*Module, error)
}

// Registry is a Runtime whose modules are declared in-process. It backs
// the repository's own test suite and stands in for a real language
// binding: the interpreter's implicit module cache becomes the explicit
// loaded/order state below, which is what a snapshot carries to a child.
type Registry struct {
	defs      map[ModuleName]*Definition
	loaded    map[ModuleName]*Module
	order     []ModuleName // load order
	extension string
	marker    string
}

// NewRegistry returns an empty registry with the default ".py"
// extension and "__init__.py" package marker.
func NewRegistry() *Registry {
	return &Registry{
		defs:      make(map[ModuleName]*Definition),
		loaded:    make(map[ModuleName]*Module),
		extension: ".py",
		marker:    "__init__.py",
	}
}

// Define registers a module definition. Redefining a name replaces the
// previous definition but does not unload it.
func (r *Registry) Define(def *Definition) {
	r.defs[def.Name] = def
}

// SetLanguage overrides the extension and package-marker convention.
func (r *Registry) SetLanguage(extension, marker string) {
	r.extension = extension
	r.marker = marker
}

func (r *Registry) Extension() string     { return r.extension }
func (r *Registry) PackageMarker() string { return r.marker }

// Import loads name and, transitively, its declared imports. The
// returned slice contains only modules newly loaded by this call, in
// load order; it is empty when name was already warm.
func (r *Registry) Import(name ModuleName) ([]ModuleName, error) {
	var fresh []ModuleName
	if err := r.load(name, &fresh, make(map[ModuleName]bool)); err != nil {
		return nil, err
	}
	return fresh, nil
}

func (r *Registry) load(name ModuleName, fresh *[]ModuleName, visiting map[ModuleName]bool) error {
	if _, ok := r.loaded[name]; ok {
		return nil
	}
	if visiting[name] {
		return nil // import cycle: the partially-initialized module wins
	}
	def, ok := r.defs[name]
	if !ok {
		return fmt.Errorf("no module named %q", name)
	}
	if def.Err != nil {
		return def.Err
	}
	visiting[name] = true

	// Mark the module live before its imports run, as a real module
	// cache does, so that cycles terminate.
	mod := &Module{Name: name, Path: def.Path}
	r.loaded[name] = mod
	r.order = append(r.order, name)
	*fresh = append(*fresh, name)

	for _, dep := range def.Imports {
		if err := r.load(dep, fresh, visiting); err != nil {
			delete(r.loaded, name)
			r.order = r.order[:len(r.order)-1]
			return fmt.Errorf("importing %q: %w", name, err)
		}
	}
	if def.Build != nil {
		built, err := def.Build()
		if err != nil {
			delete(r.loaded, name)
			r.order = r.order[:len(r.order)-1]
			return err
		}
		mod.Exports = built.Exports
		mod.Tests = built.Tests
		for _, t := range mod.Tests {
			if t.Module == "" {
				t.Module = name
			}
			if t.Path == "" {
				t.Path = def.Path
			}
		}
	}
	delete(visiting, name)
	return nil
}

func (r *Registry) Lookup(name ModuleName) (*Module, bool) {
	m, ok := r.loaded[name]
	return m, ok
}

func (r *Registry) LoadedPaths() []NamePath {
	out := make([]NamePath, 0, len(r.order))
	for _, name := range r.order {
		// Path stays empty for built-in-like modules with no backing file.
		out = append(out, NamePath{Name: name, Path: r.loaded[name].Path})
	}
	return out
}

// Snapshot captures the load order. Definitions are compiled into the
// binary, so replaying the order in a fresh process reproduces the
// whole warm state.
func (r *Registry) Snapshot() ([]byte, error) {
	return json.Marshal(r.order)
}

// Restore replays a snapshot produced by another process.
func (r *Registry) Restore(data []byte) error {
	var order []ModuleName
	if err := json.Unmarshal(data, &order); err != nil {
		return fmt.Errorf("decoding runtime snapshot: %w", err)
	}
	for _, name := range order {
		if _, err := r.Import(name); err != nil {
			return fmt.Errorf("replaying snapshot: %w", err)
		}
	}
	return nil
}
