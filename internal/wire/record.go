package wire

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/assay-dev/assay/internal/lang"
)

// Fail kinds, one letter each; the reporter prints the letter directly.
const (
	KindAssertion = "F"
	KindException = "E"
	KindSetup     = "S"
)

// Record is one framed message on the result pipe.
type Record interface{ recordTag() string }

// Pass reports one passing test. Name is attached only when the
// dispatch asked for verbose results; the common frame stays minimal.
type Pass struct {
	Name string `json:"name,omitempty"`
}

// Fail reports one failing test.
type Fail struct {
	Kind    string       `json:"kind"`
	Name    string       `json:"name"`
	Message string       `json:"message"`
	Frames  []lang.Frame `json:"frames,omitempty"`
	Stdout  string       `json:"stdout,omitempty"`
	Stderr  string       `json:"stderr,omitempty"`
}

// EndOfStream is the last record a child writes before exiting.
type EndOfStream struct{}

// Forked announces a freshly forked child and the pid to kill it by.
type Forked struct {
	PID int `json:"pid"`
}

// Trace reports the import events one command caused.
type Trace struct {
	Events []lang.ImportEvent `json:"events"`
}

// Paths reports the modules currently loaded and their backing files.
type Paths struct {
	Loaded []lang.NamePath `json:"loaded"`
}

func (Pass) recordTag() string        { return "pass" }
func (*Fail) recordTag() string       { return "fail" }
func (EndOfStream) recordTag() string { return "eos" }
func (Forked) recordTag() string      { return "forked" }
func (*Trace) recordTag() string      { return "trace" }
func (*Paths) recordTag() string      { return "paths" }

type envelope struct {
	T      string  `json:"t"`
	Pass   *Pass   `json:"pass,omitempty"`
	Fail   *Fail   `json:"fail,omitempty"`
	Forked *Forked `json:"forked,omitempty"`
	Trace  *Trace  `json:"trace,omitempty"`
	Paths  *Paths  `json:"paths,omitempty"`
}

// MarshalRecord serializes one record to a frame payload.
func MarshalRecord(r Record) ([]byte, error) {
	env := envelope{T: r.recordTag()}
	switch v := r.(type) {
	case Pass:
		env.Pass = &v
	case *Fail:
		env.Fail = v
	case EndOfStream:
	case Forked:
		env.Forked = &v
	case *Trace:
		env.Trace = v
	case *Paths:
		env.Paths = v
	default:
		return nil, fmt.Errorf("unknown record type %T", r)
	}
	return json.Marshal(&env)
}

// UnmarshalRecord parses one frame payload back into a record.
func UnmarshalRecord(payload []byte) (Record, error) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, fmt.Errorf("decoding record: %w", err)
	}
	switch env.T {
	case "pass":
		if env.Pass == nil {
			return Pass{}, nil
		}
		return *env.Pass, nil
	case "fail":
		if env.Fail == nil {
			return nil, fmt.Errorf("fail record without body")
		}
		return env.Fail, nil
	case "eos":
		return EndOfStream{}, nil
	case "forked":
		if env.Forked == nil {
			return nil, fmt.Errorf("forked record without body")
		}
		return *env.Forked, nil
	case "trace":
		if env.Trace == nil {
			return &Trace{}, nil
		}
		return env.Trace, nil
	case "paths":
		if env.Paths == nil {
			return &Paths{}, nil
		}
		return env.Paths, nil
	default:
		return nil, fmt.Errorf("unknown record tag %q", env.T)
	}
}

// RecordWriter frames records onto a pipe.
type RecordWriter struct {
	w io.Writer
}

func NewRecordWriter(w io.Writer) *RecordWriter { return &RecordWriter{w: w} }

func (rw *RecordWriter) Write(r Record) error {
	payload, err := MarshalRecord(r)
	if err != nil {
		return err
	}
	return WriteFrame(rw.w, payload)
}
