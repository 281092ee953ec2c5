package term

import (
	"os"
	"testing"

	"golang.org/x/sys/unix"
)

func TestConfigure_RejectsNonTerminal(t *testing.T) {
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	defer w.Close()

	if _, err := Configure(int(r.Fd())); err == nil {
		t.Fatal("Configure accepted a pipe fd")
	}
}

func TestDrain_EmptiesQueuedBytes(t *testing.T) {
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	defer w.Close()

	if err := unix.SetNonblock(int(r.Fd()), true); err != nil {
		t.Fatal(err)
	}
	if _, err := w.Write([]byte("jjkkq")); err != nil {
		t.Fatal(err)
	}
	Drain(int(r.Fd()))

	var buf [8]byte
	if n, _ := unix.Read(int(r.Fd()), buf[:]); n > 0 {
		t.Errorf("drain left %d bytes queued", n)
	}
}
