// Package order learns, from one cycle's import events, the order in
// which the next cycle's preloaders should import modules so that they
// converge on a warm state as quickly as possible.
package order

import (
	"sort"

	"github.com/assay-dev/assay/internal/lang"
)

// Improve returns a new import order derived from what really happened
// during the last slate of imports. A module that turned out to be
// loaded as a side effect of another is moved in front of its importer;
// modules never requested but seen in a loaded-set are discovered and
// kept. Cyclic import graphs are accepted as-is; deduplication fixes
// one legal order.
func Improve(events []lang.ImportEvent) []lang.ModuleName {
	importedBy := make(map[lang.ModuleName]lang.ModuleName)
	for _, ev := range events {
		for _, m := range ev.Loaded {
			if m != ev.Requested {
				importedBy[m] = ev.Requested
			}
		}
	}

	appended := make(map[lang.ModuleName]bool)
	var reversed []lang.ModuleName
	append1 := func(name lang.ModuleName) {
		if !appended[name] {
			appended[name] = true
			reversed = append(reversed, name)
		}
	}

	for i := len(events) - 1; i >= 0; i-- {
		ev := events[i]
		if importer, ok := importedBy[ev.Requested]; ok {
			append1(importer)
		}
		append1(ev.Requested)
		loaded := make([]lang.ModuleName, len(ev.Loaded))
		copy(loaded, ev.Loaded)
		sort.Slice(loaded, func(a, b int) bool { return loaded[a] > loaded[b] })
		for _, name := range loaded {
			append1(name)
		}
	}

	for i, j := 0, len(reversed)-1; i < j; i, j = i+1, j-1 {
		reversed[i], reversed[j] = reversed[j], reversed[i]
	}
	return reversed
}
