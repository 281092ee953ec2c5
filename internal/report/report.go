// Package report renders streamed test results on the terminal and
// turns user keystrokes into coordinator actions.
package report

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/assay-dev/assay/internal/wire"
)

// Action is what a keystroke asks the coordinator to do.
type Action int

const (
	ActionNone Action = iota
	ActionQuit
	ActionRestart
)

const helpHint = "Press ? for help"

const helpMessage = `
 [j] Next exception
 [k] Previous exception
 [r] Restart
 [q] Quit
 [?] Help (this summary)
`

// Reporter keeps the append-only letter log, the indexed failure list
// and a cursor into it.
type Reporter struct {
	out         io.Writer
	interactive bool
	verbose     bool

	letters  []byte
	failures []*wire.Fail
	index    int
	column   int
	t0       time.Time
}

// New returns a reporter writing to out. In batch mode (interactive
// false) only progress letters and the final tally are rendered.
func New(out io.Writer, interactive, verbose bool) *Reporter {
	return &Reporter{out: out, interactive: interactive, verbose: verbose, t0: time.Now()}
}

// Failures reports how many failures have been recorded so far.
func (r *Reporter) Failures() int { return len(r.failures) }

// Total reports how many results have been recorded so far.
func (r *Reporter) Total() int { return len(r.letters) }

// Result consumes one Pass or Fail record; anything else is ignored.
func (r *Reporter) Result(rec wire.Record) {
	switch v := rec.(type) {
	case wire.Pass:
		r.letters = append(r.letters, '.')
		if r.verbose && v.Name != "" {
			r.write(v.Name + "\n")
		} else {
			r.write(".")
		}
	case *wire.Fail:
		letter := byte('F')
		if v.Kind != "" {
			letter = v.Kind[0]
		}
		r.letters = append(r.letters, letter)
		if r.interactive && len(r.failures) == 0 {
			// First failure: show it immediately and park the cursor.
			r.printFailure(v)
			r.write(strings.Repeat(" ", 4) + black(helpHint) + "\r")
		}
		r.failures = append(r.failures, v)
		if r.interactive {
			r.writeFailureCount()
		}
		r.write(string(letter))
	}
}

// Keystroke consumes one byte of user input.
func (r *Reporter) Keystroke(key byte) Action {
	switch key {
	case 'q':
		return ActionQuit
	case 'r':
		return ActionRestart
	case '?':
		r.write(helpMessage)
	case 'j':
		if r.index+1 < len(r.failures) {
			r.index++
			r.reprint()
		}
	case 'k':
		if r.index > 0 {
			r.index--
			r.reprint()
		}
	}
	return ActionNone
}

// CycleStarting resets the per-cycle state while keeping the terminal
// history intact.
func (r *Reporter) CycleStarting() {
	r.letters = nil
	r.failures = nil
	r.index = 0
	r.column = 0
	r.t0 = time.Now()
	r.write("\n" + strings.Repeat("-", 72) + "\n")
}

// Summarize renders the end-of-cycle tally.
func (r *Reporter) Summarize() {
	dt := time.Since(r.t0).Seconds()
	if n := len(r.failures); n > 0 {
		r.write(fmt.Sprintf("%s in %.2f seconds \n", red(fmt.Sprintf("\r%d of %d tests failed", n, len(r.letters))), dt))
	} else {
		r.write(fmt.Sprintf("%s in %.2f seconds \n", green(fmt.Sprintf("\nAll %d tests passed", len(r.letters))), dt))
	}
}

func (r *Reporter) reprint() {
	r.printFailure(r.failures[r.index])
	r.write(strings.Repeat(" ", 4) + black(helpHint) + "\r")
	r.writeFailureCount()
}

func (r *Reporter) writeFailureCount() {
	r.write("\r" + black(fmt.Sprintf("Viewing %d of %d errors ", r.index+1, len(r.failures))))
}

var (
	stdoutBanner = banner(" stdout ")
	stderrBanner = banner(" stderr ")
	plainBanner  = strings.Repeat("-", 72)
)

func banner(title string) string {
	pad := 72 - len(title)
	left := pad / 2
	return strings.Repeat("-", left) + title + strings.Repeat("-", pad-left)
}

func (r *Reporter) printFailure(f *wire.Fail) {
	r.write("\n")
	out := strings.TrimRight(f.Stdout, "\n")
	errOut := strings.TrimRight(f.Stderr, "\n")
	if out != "" {
		r.write(stdoutBanner + "\n" + green(out) + "\n")
	}
	if errOut != "" {
		r.write(stderrBanner + "\n" + yellow(errOut) + "\n")
	}
	if out != "" || errOut != "" {
		r.write(plainBanner + "\n")
	}
	for _, frame := range f.Frames {
		location := fmt.Sprintf("  %s line %d in", frame.Path, frame.Line)
		if len(location)+len(frame.Function) > 78 {
			r.write(fmt.Sprintf("%s\n  %s\n", location, frame.Function))
		} else {
			r.write(fmt.Sprintf("%s %s\n", location, frame.Function))
		}
		r.write(blue("    "+strings.ReplaceAll(frame.Source, "\n", "\n    ")) + "\n")
	}
	line := f.Name
	if f.Message != "" {
		line = fmt.Sprintf("%s: %s", f.Name, f.Message)
	}
	r.write(red(line) + "\n\n")
}

// write tracks the cursor column so progress letters wrap sensibly.
func (r *Reporter) write(s string) {
	fmt.Fprint(r.out, s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		r.column = 0
		s = s[i+1:]
	}
	if i := strings.LastIndexByte(s, '\r'); i >= 0 {
		r.column = 0
		s = s[i+1:]
	}
	r.column += len(s)
	if r.column >= 78 && !strings.HasSuffix(s, "\n") {
		fmt.Fprint(r.out, "\n")
		r.column = 0
	}
}

func colored(code, text string) string {
	return "\033[1;" + code + "m" + text + "\033[0m"
}

func black(s string) string  { return colored("30", s) }
func red(s string) string    { return colored("31", s) }
func green(s string) string  { return colored("32", s) }
func yellow(s string) string { return colored("33", s) }
func blue(s string) string   { return colored("35", s) }
