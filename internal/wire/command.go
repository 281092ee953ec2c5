package wire

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/assay-dev/assay/internal/lang"
)

// Op names one of the finite operations a preloader (or its child) may
// perform. Nothing executable ever crosses the pipe, only these names.
type Op string

const (
	// OpImportOrder asks the preloader to execute the cycle's import
	// order and reply with the resulting Trace.
	OpImportOrder Op = "import-order"
	// OpFork asks the preloader to fork a child that takes over the
	// conversation and announces itself with a Forked record.
	OpFork Op = "fork"
	// OpRunTests asks a child to run one module's tests and stream the
	// results, ending with EndOfStream.
	OpRunTests Op = "run-tests"
	// OpImportModules imports a list of names (discovery probe),
	// replying with a Trace.
	OpImportModules Op = "import-modules"
	// OpListPaths replies with a Paths record.
	OpListPaths Op = "list-paths"
	// OpExit shuts the preloader down cleanly.
	OpExit Op = "exit"
)

// Command is one framed request on the command pipe.
type Command struct {
	Op      Op                `json:"op"`
	Names   []lang.ModuleName `json:"names,omitempty"`
	Module  lang.ModuleName   `json:"module,omitempty"`
	Verbose bool              `json:"verbose,omitempty"`
}

// WriteCommand frames one command onto the pipe.
func WriteCommand(w io.Writer, c Command) error {
	payload, err := json.Marshal(&c)
	if err != nil {
		return err
	}
	return WriteFrame(w, payload)
}

// UnmarshalCommand parses a frame payload into a command.
func UnmarshalCommand(payload []byte) (Command, error) {
	var c Command
	if err := json.Unmarshal(payload, &c); err != nil {
		return Command{}, fmt.Errorf("decoding command: %w", err)
	}
	if c.Op == "" {
		return Command{}, fmt.Errorf("command without op")
	}
	return c, nil
}
