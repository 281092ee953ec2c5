package lang

import "fmt"

// Iterator is the generator protocol a fixture may implement. Next
// returns ok=false when exhausted; a non-nil error aborts iteration the
// way a generator raising mid-stream does.
type Iterator interface {
	Next() (any, bool, error)
}

type sliceIterator struct {
	values []any
	next   int
	err    error // raised after the values run out, if set
}

func (it *sliceIterator) Next() (any, bool, error) {
	if it.next < len(it.values) {
		v := it.values[it.next]
		it.next++
		return v, true, nil
	}
	if it.err != nil {
		err := it.err
		it.err = nil
		return nil, false, err
	}
	return nil, false, nil
}

// IterateFixture turns a fixture value into an Iterator. A fixture is
// either an iterable ([]any or Iterator) or a zero-argument callable
// yielding one. Anything else is not iterable.
func IterateFixture(name string, fixture any) (Iterator, error) {
	if fn, ok := fixture.(func() any); ok {
		fixture = fn()
	}
	switch v := fixture.(type) {
	case []any:
		return &sliceIterator{values: v}, nil
	case Iterator:
		return v, nil
	default:
		return nil, fmt.Errorf("fixture %q is not iterable", name)
	}
}

// FailingIterator yields the given values and then raises err, the way
// a generator that blows up mid-stream does.
func FailingIterator(values []any, err error) Iterator {
	return &sliceIterator{values: values, err: err}
}
