//go:build !linux && !darwin

package dispatcher

import (
	"sort"
	"sync"

	"golang.org/x/sys/unix"
)

// pollDispatcher implements Dispatcher on any other Unix target using
// poll(2), grounded on original_source/src/poll.h. poll(2) is preferred
// over select(2) — per DESIGN.md's Open Question resolution — because it
// strictly dominates select(2)'s capability on every Go-supported target
// and needs no fd-set-size ceiling bookkeeping.
type pollDispatcher struct {
	mu     sync.Mutex
	events map[int]IOEvents
	out    []Event
	closed bool
}

func newPlatform() (Dispatcher, error) {
	return &pollDispatcher{events: make(map[int]IOEvents)}, nil
}

func toPoll(e IOEvents) int16 {
	var out int16
	if e.Has(EventRead) {
		out |= unix.POLLIN
	}
	if e.Has(EventWrite) {
		out |= unix.POLLOUT
	}
	return out
}

func fromPoll(e int16) IOEvents {
	var out IOEvents
	if e&unix.POLLIN != 0 {
		out |= EventRead
	}
	if e&unix.POLLOUT != 0 {
		out |= EventWrite
	}
	if e&unix.POLLERR != 0 {
		out |= EventError
	}
	if e&(unix.POLLHUP|unix.POLLNVAL) != 0 {
		out |= EventHangup
	}
	return out
}

func (d *pollDispatcher) Add(fd int, events IOEvents) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrClosed
	}
	d.events[fd] |= events
	return nil
}

func (d *pollDispatcher) Remove(fd int, events IOEvents) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	cur, ok := d.events[fd]
	if !ok {
		return ErrFDNotRegistered
	}
	remaining := cur &^ events
	if remaining == 0 {
		delete(d.events, fd)
	} else {
		d.events[fd] = remaining
	}
	return nil
}

func (d *pollDispatcher) Wait(timeoutMs int) ([]Event, error) {
	d.mu.Lock()
	fds := make([]int, 0, len(d.events))
	for fd := range d.events {
		fds = append(fds, fd)
	}
	sort.Ints(fds)
	pfds := make([]unix.PollFd, len(fds))
	for i, fd := range fds {
		pfds[i] = unix.PollFd{Fd: int32(fd), Events: toPoll(d.events[fd])}
	}
	d.mu.Unlock()

	n, err := unix.Poll(pfds, timeoutMs)
	if err != nil {
		if err == unix.EINTR {
			return nil, nil
		}
		return nil, err
	}

	d.out = d.out[:0]
	if n == 0 {
		return d.out, nil
	}
	for _, pfd := range pfds {
		if pfd.Revents == 0 {
			continue
		}
		d.out = append(d.out, Event{FD: int(pfd.Fd), Occurred: fromPoll(pfd.Revents)})
	}
	return d.out, nil
}

func (d *pollDispatcher) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}
