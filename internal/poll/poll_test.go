package poll

import (
	"os"
	"testing"
	"time"
)

type pipeEnd struct {
	f *os.File
}

func (p pipeEnd) Fd() int { return int(p.f.Fd()) }

func TestWait_YieldsOwningObject(t *testing.T) {
	r1, w1, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	defer r1.Close()
	defer w1.Close()
	r2, w2, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	defer r2.Close()
	defer w2.Close()

	a, b := pipeEnd{r1}, pipeEnd{r2}
	p := New()
	p.Register(a)
	p.Register(b)
	p.Register(b) // idempotent

	if _, err := w2.Write([]byte{1}); err != nil {
		t.Fatal(err)
	}
	events, err := p.Wait()
	if err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}
	if events[0].Source != Pollable(b) {
		t.Errorf("event source = %v, want the second pipe", events[0].Source)
	}
	if !events[0].Readable {
		t.Error("event not readable")
	}
}

func TestWait_ReportsHangup(t *testing.T) {
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	p := New()
	end := pipeEnd{r}
	p.Register(end)

	go func() {
		time.Sleep(10 * time.Millisecond)
		w.Close()
	}()
	events, err := p.Wait()
	if err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	if len(events) != 1 || !events[0].Hangup {
		t.Errorf("events = %+v, want one hangup", events)
	}
}

func TestUnregister_UnknownPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("unregistering an unknown object did not panic")
		}
	}()
	New().Unregister(pipeEnd{os.Stdin})
}
