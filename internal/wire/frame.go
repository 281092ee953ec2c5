// Package wire frames the records and commands that flow on the pipes
// between the coordinator and its worker processes. Every frame is a
// 4-byte big-endian length followed by a JSON payload, so a receiver
// can delimit records without ever reading past a frame boundary.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// MaxFrameSize bounds a single frame. A length prefix beyond it means
// the stream is torn or hostile, not that a record is that large.
const MaxFrameSize = 16 << 20

// ErrFrameTooLarge reports a length prefix exceeding MaxFrameSize.
var ErrFrameTooLarge = errors.New("frame length exceeds limit")

// WriteFrame writes one length-prefixed payload in a single Write call
// so records never interleave on a shared pipe.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return ErrFrameTooLarge
	}
	buf := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(buf, uint32(len(payload)))
	copy(buf[4:], payload)
	_, err := w.Write(buf)
	return err
}

// FrameDecoder accumulates bytes from arbitrarily short reads and
// yields complete frame payloads. It never requires look-ahead beyond
// the frame currently being assembled.
type FrameDecoder struct {
	buf []byte
}

// Feed appends raw bytes received from the pipe.
func (d *FrameDecoder) Feed(p []byte) {
	d.buf = append(d.buf, p...)
}

// Next returns the next complete payload, or nil when more bytes are
// needed.
func (d *FrameDecoder) Next() ([]byte, error) {
	if len(d.buf) < 4 {
		return nil, nil
	}
	n := binary.BigEndian.Uint32(d.buf)
	if n > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, n)
	}
	if len(d.buf) < 4+int(n) {
		return nil, nil
	}
	payload := make([]byte, n)
	copy(payload, d.buf[4:4+n])
	d.buf = d.buf[4+int(n):]
	return payload, nil
}

// Discard drops any partially-assembled frame. Used after a child is
// killed mid-record so the next conversation decodes cleanly from its
// first byte.
func (d *FrameDecoder) Discard() {
	d.buf = nil
}

// Buffered reports how many undecoded bytes are pending.
func (d *FrameDecoder) Buffered() int { return len(d.buf) }

// ReadFrame blocks until one whole frame has been read from r. It is
// for the worker side of the pipes, where blocking is the point; the
// coordinator side feeds a FrameDecoder from readiness-driven reads.
func ReadFrame(r io.Reader, d *FrameDecoder) ([]byte, error) {
	var scratch [4096]byte
	for {
		if payload, err := d.Next(); err != nil || payload != nil {
			return payload, err
		}
		n, err := r.Read(scratch[:])
		if n > 0 {
			d.Feed(scratch[:n])
		}
		if err != nil {
			if payload, derr := d.Next(); derr == nil && payload != nil {
				return payload, nil
			}
			return nil, err
		}
	}
}
