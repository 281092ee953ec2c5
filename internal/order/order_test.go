package order

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/assay-dev/assay/internal/lang"
)

func ev(requested lang.ModuleName, loaded ...lang.ModuleName) lang.ImportEvent {
	return lang.ImportEvent{Requested: requested, Loaded: loaded}
}

func names(ss ...lang.ModuleName) []lang.ModuleName { return ss }

func TestImprove(t *testing.T) {
	tests := []struct {
		name   string
		events []lang.ImportEvent
		want   []lang.ModuleName
	}{
		{
			name: "stable when nothing is wrong",
			events: []lang.ImportEvent{
				ev("A", "A"), ev("B", "B"), ev("C", "C"), ev("D", "D"), ev("E", "E"),
			},
			want: names("A", "B", "C", "D", "E"),
		},
		{
			name: "simple swap",
			events: []lang.ImportEvent{
				ev("A", "A"), ev("B", "B"), ev("D", "C", "D"), ev("C"), ev("E", "E"),
			},
			want: names("A", "B", "C", "D", "E"),
		},
		{
			name: "main module imported first",
			events: []lang.ImportEvent{
				ev("E", "A", "B", "C", "D", "E"), ev("A"), ev("B"), ev("C"), ev("D"),
			},
			want: names("A", "B", "C", "D", "E"),
		},
		{
			name: "discovery of unseen modules",
			events: []lang.ImportEvent{
				ev("A", "A"), ev("B", "B", "X"), ev("C", "C"), ev("D", "D", "Y", "Z"), ev("E", "E"),
			},
			want: names("A", "X", "B", "C", "Y", "Z", "D", "E"),
		},
		{
			name: "import cycle fixes one legal order",
			events: []lang.ImportEvent{
				ev("A", "A", "B"), ev("B"),
			},
			want: names("B", "A"),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Improve(tt.events))
		})
	}
}

func TestImprove_OutputIsUnique(t *testing.T) {
	out := Improve([]lang.ImportEvent{
		ev("A", "A", "B", "C"), ev("B", "B"), ev("C"), ev("B", "B"),
	})
	seen := make(map[lang.ModuleName]bool)
	for _, name := range out {
		assert.False(t, seen[name], "module %s appears twice in %v", name, out)
		seen[name] = true
	}
}

func TestImprove_CausalPredecessorComesFirst(t *testing.T) {
	out := Improve([]lang.ImportEvent{
		ev("zipfile", "io", "shutil", "zipfile"), ev("io"), ev("json", "json"),
	})
	pos := make(map[lang.ModuleName]int)
	for i, name := range out {
		pos[name] = i
	}
	assert.Less(t, pos["io"], pos["zipfile"])
	assert.Less(t, pos["shutil"], pos["zipfile"])
	assert.Contains(t, pos, lang.ModuleName("json"))
}

// A warm run produces events whose loaded-sets are exactly the
// requested modules; feeding those back must reproduce the order, so
// the learner reaches a fixed point after one honest cycle.
func TestImprove_FixedPoint(t *testing.T) {
	first := Improve([]lang.ImportEvent{
		ev("A", "A"), ev("B", "B", "X"), ev("C", "C"), ev("D", "D", "Y", "Z"), ev("E", "E"),
	})
	warm := make([]lang.ImportEvent, len(first))
	for i, name := range first {
		warm[i] = ev(name, name)
	}
	assert.Equal(t, first, Improve(warm))
}
