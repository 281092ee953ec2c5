package lang

import (
	"fmt"
	"regexp"
)

// Raises runs fn and succeeds only when it raises an exception of the
// given type whose message matches pattern.
func Raises(typ, pattern string, fn func() error) error {
	err := fn()
	raised, ok := err.(*Raised)
	if !ok {
		return &Assertion{Message: fmt.Sprintf("expected %s, got %v", typ, err)}
	}
	if raised.Type != typ {
		return &Assertion{Message: fmt.Sprintf("expected %s, got %s", typ, raised.Type)}
	}
	if pattern != "" && !regexp.MustCompile(pattern).MatchString(raised.Message) {
		return &Assertion{Message: fmt.Sprintf("message %q does not match %q", raised.Message, pattern)}
	}
	return nil
}

// RegisterSamples populates r with the sample battery the repository
// tests itself against: a pass, assertion failures with recoverable
// operands, raised exceptions, and missing, non-iterable and
// mid-stream-failing fixtures.
func RegisterSamples(r *Registry) {
	raiseXYZ := func() error {
		return &Raised{
			Type:    "Exception",
			Message: "xyz",
			Frames: []Frame{
				{Path: "sample.py", Line: 11, Function: "test_exc", Source: "raise Exception('xyz')"},
			},
		}
	}

	r.Define(&Definition{
		Name: "sample",
		Build: func() (*Module, error) {
			mod := &Module{
				Exports: map[string]any{
					"fix1": nil,
					"fix2": []any{0, 1, 2, 3},
					"fix3": func() any {
						return FailingIterator(
							[]any{0, 1},
							&Raised{Type: "ValueError", Message: "xyz"},
						)
					},
				},
			}
			mod.Tests = []*Test{
				{
					Name: "test_exc", Line: 10,
					Fn: func(args ...any) error { return raiseXYZ() },
				},
				{
					Name: "test_exc2", Line: 13,
					Fn: func(args ...any) error {
						err := raiseXYZ().(*Raised)
						err.Frames = append([]Frame{
							{Path: "sample.py", Line: 14, Function: "test_exc2", Source: "return test_exc()"},
						}, err.Frames...)
						return err
					},
				},
				{
					Name: "test_fix0", Line: 16, Params: []string{"fix0"},
					Fn: func(args ...any) error { return nil },
				},
				{
					Name: "test_fix1", Line: 19, Params: []string{"fix1"},
					Fn: func(args ...any) error { return nil },
				},
				{
					Name: "test_fix2", Line: 24, Params: []string{"fix2"},
					Fn: func(args ...any) error {
						if args[0] == 2 {
							return &Assertion{Left: args[0], Right: 2, HasOperands: true}
						}
						return nil
					},
				},
				{
					Name: "test_fix3", Line: 29, Params: []string{"fix3"},
					Fn: func(args ...any) error {
						if args[0] == 1 {
							return &Assertion{Left: args[0], Right: 1, HasOperands: true}
						}
						return nil
					},
				},
				{
					Name: "test_passing", Line: 7,
					Fn: func(args ...any) error { return nil },
				},
				{
					Name: "test_raises", Line: 34,
					Fn: func(args ...any) error {
						return Raises("Exception", "xyz", raiseXYZ)
					},
				},
			}
			return mod, nil
		},
	})

	// A small import chain so the learner has something to chew on when
	// the binary runs against its own samples.
	r.Define(&Definition{Name: "chain.base"})
	r.Define(&Definition{Name: "chain.mid", Imports: []ModuleName{"chain.base"}})
	r.Define(&Definition{
		Name:    "chain",
		Imports: []ModuleName{"chain.mid"},
		Build: func() (*Module, error) {
			return &Module{
				Tests: []*Test{
					{Name: "test_chain", Fn: func(args ...any) error { return nil }},
				},
			}, nil
		},
	})
}

// NewSampleRuntime is the runtime the assay binary itself hosts: the
// registry populated with the sample battery.
func NewSampleRuntime() *Registry {
	r := NewRegistry()
	RegisterSamples(r)
	return r
}
