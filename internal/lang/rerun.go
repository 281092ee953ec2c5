package lang

import "fmt"

// ComparisonRerunner is the registry runtime's assertion-introspection
// hook. A real language binding rewrites the failing test's body so the
// compared operands escape; here the operands ride on the Assertion
// error itself, so enrichment is a plain re-execution.
type ComparisonRerunner struct{}

// Enrich reruns the test and renders one of three outcomes: operands
// recovered, passed on the rerun, or failed some other way.
func (ComparisonRerunner) Enrich(t *Test, args []any) (string, bool) {
	err := t.Fn(args...)
	switch e := err.(type) {
	case nil:
		return "assertion passed when re-run", true
	case *Assertion:
		if e.HasOperands {
			return fmt.Sprintf("BUT %#v\n != %#v", e.Left, e.Right), true
		}
		return "", false
	default:
		return fmt.Sprintf("re-run raised %s", e.Error()), true
	}
}
