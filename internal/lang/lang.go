// Package lang is the boundary between the test-runner core and the
// dynamic-language integration layer. The core never inspects user code
// directly; it talks to a Runtime, which owns the warm module cache held
// by each preloader process.
package lang

import "fmt"

// TestPrefix is the naming convention that marks an exported callable
// as a test.
const TestPrefix = "test_"

// ModuleName is an opaque dotted identifier naming one unit of loadable
// user code, e.g. "pkg.sub.mod".
type ModuleName string

// NamePath pairs a module name with the filesystem path its bytes were
// loaded from. Path is empty for built-ins.
type NamePath struct {
	Name ModuleName `json:"name"`
	Path string     `json:"path,omitempty"`
}

// ImportEvent records what really happened when one module name was
// requested: every module that transitively became live as a result.
// Loaded is empty when everything the request needed was already warm,
// or when the import failed.
type ImportEvent struct {
	Requested ModuleName   `json:"requested"`
	Loaded    []ModuleName `json:"loaded"`
}

// Frame is one entry of a user-visible traceback.
type Frame struct {
	Path     string `json:"path"`
	Line     int    `json:"line"`
	Function string `json:"function"`
	Source   string `json:"source"`
}

// Test is one test entity discovered inside a module. Params lists the
// fixture names the test asks for; Fn receives one value per parameter.
type Test struct {
	Name   string
	Module ModuleName // declaring module, not necessarily where it was found
	Path   string
	Line   int
	Params []string
	Fn     func(args ...any) error
}

// Module is one loaded unit of user code. Exports is the per-module
// registration table the runner resolves fixture names against.
type Module struct {
	Name    ModuleName
	Path    string
	Exports map[string]any
	Tests   []*Test
}

// Runtime hosts user code inside a worker process. Implementations hold
// the process-wide module cache as an explicit value so that it can be
// handed to a forked child.
type Runtime interface {
	// Import makes name and its dependencies live, returning the set of
	// modules newly loaded by this call in load order. Importing an
	// already-warm module returns an empty set and no error.
	Import(name ModuleName) ([]ModuleName, error)

	// Lookup returns a loaded module.
	Lookup(name ModuleName) (*Module, bool)

	// LoadedPaths reports every loaded module that has a backing file.
	LoadedPaths() []NamePath

	// Snapshot and Restore serialize the warm state across the
	// fork boundary.
	Snapshot() ([]byte, error)
	Restore(data []byte) error

	// Extension is the user-code filename extension, including the dot.
	Extension() string

	// PackageMarker is the filename whose presence makes a directory a
	// package, e.g. "__init__.py".
	PackageMarker() string
}

// AssertRerunner re-executes a test whose bare assertion failed without a
// message, with introspection enabled, and produces a richer message.
// The second return reports whether a message could be produced at all.
type AssertRerunner interface {
	Enrich(t *Test, args []any) (string, bool)
}

// Assertion is the error a failing assertion surfaces to the runner.
// Left and Right carry the compared operands when the integration layer
// could capture them.
type Assertion struct {
	Message     string
	Left, Right any
	HasOperands bool
}

func (a *Assertion) Error() string {
	if a.Message != "" {
		return a.Message
	}
	return "AssertionError"
}

// Raised is a non-assertion exception from user code, carrying the
// user-level traceback when the integration layer could capture one.
type Raised struct {
	Type    string
	Message string
	Frames  []Frame
}

func (r *Raised) Error() string {
	if r.Message == "" {
		return r.Type
	}
	return fmt.Sprintf("%s: %s", r.Type, r.Message)
}
