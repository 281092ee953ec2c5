// Package runner executes one module's tests inside a forked worker
// child. It is entered once per child and never re-entered.
package runner

import (
	"fmt"
	"sort"
	"strings"

	"github.com/assay-dev/assay/internal/lang"
	"github.com/assay-dev/assay/internal/wire"
)

// Emit receives result records in execution order.
type Emit func(wire.Record) error

// RunTests enumerates and runs the tests of an already-imported module,
// emitting one record per executed combination. The EndOfStream record
// is the caller's business; RunTests only produces results.
func RunTests(rt lang.Runtime, name lang.ModuleName, rerun lang.AssertRerunner, verbose bool, emit Emit) error {
	mod, ok := rt.Lookup(name)
	if !ok {
		return emit(&wire.Fail{
			Kind:    wire.KindSetup,
			Name:    "ImportError",
			Message: fmt.Sprintf("module %q is not loaded", name),
		})
	}

	// The convention is twofold: the test prefix, and the declaring
	// module matching the one under test, so re-exported helpers from
	// other modules never run twice.
	tests := make([]*lang.Test, 0, len(mod.Tests))
	for _, t := range mod.Tests {
		if strings.HasPrefix(t.Name, lang.TestPrefix) && t.Module == name {
			tests = append(tests, t)
		}
	}
	sort.Slice(tests, func(i, j int) bool { return tests[i].Name < tests[j].Name })

	for _, t := range tests {
		if err := runTest(mod, t, rerun, verbose, emit); err != nil {
			return err
		}
	}
	return nil
}

// runTest resolves the test's fixtures, if any, and runs it once per
// combination of their values.
func runTest(mod *lang.Module, t *lang.Test, rerun lang.AssertRerunner, verbose bool, emit Emit) error {
	if len(t.Params) == 0 {
		return emit(runOnce(t, nil, rerun, verbose))
	}

	iterators := make([]lang.Iterator, len(t.Params))
	fresh := func(j int) error {
		fixture, ok := mod.Exports[t.Params[j]]
		if !ok {
			return fmt.Errorf("no such fixture %q", t.Params[j])
		}
		it, err := lang.IterateFixture(t.Params[j], fixture)
		if err != nil {
			return err
		}
		iterators[j] = it
		return nil
	}

	args := make([]any, len(t.Params))
	for j := range iterators {
		if err := fresh(j); err != nil {
			return emit(setupFail(t, j, err))
		}
		v, ok, err := iterators[j].Next()
		if err != nil {
			return emit(setupFail(t, j, err))
		}
		if !ok {
			return emit(setupFail(t, j, fmt.Errorf("fixture %q is empty", t.Params[j])))
		}
		args[j] = v
	}

	// Odometer over the fixture iterators, rightmost digit fastest.
	for {
		combo := make([]any, len(args))
		copy(combo, args)
		if err := emit(runOnce(t, combo, rerun, verbose)); err != nil {
			return err
		}

		j := len(iterators) - 1
		for ; j >= 0; j-- {
			v, ok, err := iterators[j].Next()
			if err != nil {
				return emit(setupFail(t, j, err))
			}
			if ok {
				args[j] = v
				break
			}
			if j == 0 {
				return nil // leftmost digit exhausted: all combinations done
			}
			if err := fresh(j); err != nil {
				return emit(setupFail(t, j, err))
			}
			v, ok, err = iterators[j].Next()
			if err != nil || !ok {
				return emit(setupFail(t, j, fmt.Errorf("fixture %q dried up on reuse", t.Params[j])))
			}
			args[j] = v
		}
	}
}

// runOnce invokes the test with one argument combination and classifies
// the outcome. Output written during the run (including an assertion
// re-execution) is attached only when non-empty.
func runOnce(t *lang.Test, args []any, rerun lang.AssertRerunner, verbose bool) wire.Record {
	var result wire.Record
	stdout, stderr := captured(func() {
		result = classify(invoke(t, args), t, args, rerun, verbose)
	})
	if fail, ok := result.(*wire.Fail); ok {
		fail.Stdout = stdout
		fail.Stderr = stderr
	}
	return result
}

func invoke(t *lang.Test, args []any) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &lang.Raised{Type: "panic", Message: fmt.Sprint(r)}
		}
	}()
	return t.Fn(args...)
}

func classify(err error, t *lang.Test, args []any, rerun lang.AssertRerunner, verbose bool) wire.Record {
	switch e := err.(type) {
	case nil:
		if verbose {
			return wire.Pass{Name: decorate(t.Name, args)}
		}
		return wire.Pass{}
	case *lang.Assertion:
		message := e.Message
		if message == "" && rerun != nil {
			if enriched, ok := rerun.Enrich(t, args); ok {
				message = enriched
			}
		}
		return &wire.Fail{
			Kind:    wire.KindAssertion,
			Name:    "AssertionError",
			Message: message,
			Frames:  []lang.Frame{testFrame(t, args)},
		}
	case *lang.Raised:
		frames := e.Frames
		if len(frames) == 0 {
			frames = []lang.Frame{testFrame(t, args)}
		} else {
			frames = decorateFrames(frames, args)
		}
		return &wire.Fail{
			Kind:    wire.KindException,
			Name:    e.Type,
			Message: e.Message,
			Frames:  frames,
		}
	default:
		return &wire.Fail{
			Kind:    wire.KindException,
			Name:    "Error",
			Message: e.Error(),
			Frames:  []lang.Frame{testFrame(t, args)},
		}
	}
}

// setupFail covers fixture resolution and iteration errors: the test
// itself never ran.
func setupFail(t *lang.Test, j int, err error) *wire.Fail {
	message := err.Error()
	if raised, ok := err.(*lang.Raised); ok {
		message = raised.Error()
	}
	return &wire.Fail{
		Kind:    wire.KindSetup,
		Name:    "Failure",
		Message: message,
		Frames: []lang.Frame{{
			Path:     t.Path,
			Line:     t.Line,
			Function: t.Name,
			Source:   fmt.Sprintf("Call to fixture %s()", t.Params[j]),
		}},
	}
}

func testFrame(t *lang.Test, args []any) lang.Frame {
	return lang.Frame{
		Path:     t.Path,
		Line:     t.Line,
		Function: decorate(t.Name, args),
		Source:   fmt.Sprintf("def %s(%s)", t.Name, strings.Join(t.Params, ", ")),
	}
}

// decorate rewrites a test name to show the argument combination that
// was running, so "test_fix2" becomes "test_fix2(2)".
func decorate(name string, args []any) string {
	if len(args) == 0 {
		return name
	}
	parts := make([]string, len(args))
	for i, a := range args {
		parts[i] = fmt.Sprintf("%#v", a)
	}
	return fmt.Sprintf("%s(%s)", name, strings.Join(parts, ", "))
}

// decorateFrames rewrites the innermost frame's function name the same
// way, leaving the rest of a user traceback alone.
func decorateFrames(frames []lang.Frame, args []any) []lang.Frame {
	if len(args) == 0 {
		return frames
	}
	out := make([]lang.Frame, len(frames))
	copy(out, frames)
	last := len(out) - 1
	out[last].Function = decorate(out[last].Function, args)
	return out
}
