// Package poll multiplexes file-descriptor readiness for the
// coordinator, yielding the owning objects rather than bare fds.
package poll

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// Pollable is anything that can be registered: it exposes the fd whose
// readability the owner cares about.
type Pollable interface {
	Fd() int
}

// Event reports one ready object. Hangup is set when the far end of the
// descriptor is gone; Readable when bytes (possibly the last ones) are
// waiting.
type Event struct {
	Source   Pollable
	Readable bool
	Hangup   bool
}

// Poller waits for readability across a set of registered objects.
type Poller struct {
	objects map[int]Pollable
	order   []int // registration order, for deterministic event order
}

func New() *Poller {
	return &Poller{objects: make(map[int]Pollable)}
}

// Register adds an object to the wait set. Registering an object whose
// fd is already present is a no-op.
func (p *Poller) Register(o Pollable) {
	fd := o.Fd()
	if _, ok := p.objects[fd]; ok {
		return
	}
	p.objects[fd] = o
	p.order = append(p.order, fd)
}

// Unregister removes an object. Removing an unknown object is a
// program error, not a runtime condition.
func (p *Poller) Unregister(o Pollable) {
	fd := o.Fd()
	if _, ok := p.objects[fd]; !ok {
		panic(fmt.Sprintf("poll: unregister of unknown fd %d", fd))
	}
	delete(p.objects, fd)
	for i, v := range p.order {
		if v == fd {
			p.order = append(p.order[:i], p.order[i+1:]...)
			break
		}
	}
}

// Wait blocks until at least one registered object is ready and returns
// the ready set. Waits interrupted by signal delivery are retried
// transparently.
func (p *Poller) Wait() ([]Event, error) {
	if len(p.order) == 0 {
		return nil, errors.New("poll: wait with nothing registered")
	}
	fds := make([]unix.PollFd, len(p.order))
	for i, fd := range p.order {
		fds[i] = unix.PollFd{Fd: int32(fd), Events: unix.POLLIN}
	}
	for {
		n, err := unix.Poll(fds, -1)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("poll: %w", err)
		}
		if n == 0 {
			continue
		}
		events := make([]Event, 0, n)
		for i := range fds {
			re := fds[i].Revents
			if re == 0 {
				continue
			}
			events = append(events, Event{
				Source:   p.objects[int(fds[i].Fd)],
				Readable: re&unix.POLLIN != 0,
				Hangup:   re&(unix.POLLHUP|unix.POLLERR|unix.POLLNVAL) != 0,
			})
		}
		return events, nil
	}
}
