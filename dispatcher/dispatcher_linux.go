//go:build linux

package dispatcher

import (
	"sync"

	"golang.org/x/sys/unix"

	"github.com/yaomer/angelgo/rlog"
)

// epollDispatcher implements Dispatcher on Linux using epoll, grounded on
// the teacher's poller_linux.go (direct fd-indexed interest tracking,
// EPOLL_CTL_ADD/MOD/DEL, EpollWait).
type epollDispatcher struct {
	mu     sync.Mutex
	epfd   int
	events map[int]IOEvents
	buf    []unix.EpollEvent
	out    []Event
	closed bool
}

func newPlatform() (Dispatcher, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &epollDispatcher{
		epfd:   epfd,
		events: make(map[int]IOEvents),
		buf:    make([]unix.EpollEvent, 256),
	}, nil
}

func toEpoll(e IOEvents) uint32 {
	var out uint32
	if e.Has(EventRead) {
		out |= unix.EPOLLIN
	}
	if e.Has(EventWrite) {
		out |= unix.EPOLLOUT
	}
	return out
}

func fromEpoll(e uint32) IOEvents {
	var out IOEvents
	if e&unix.EPOLLIN != 0 {
		out |= EventRead
	}
	if e&unix.EPOLLOUT != 0 {
		out |= EventWrite
	}
	if e&unix.EPOLLERR != 0 {
		out |= EventError
	}
	if e&(unix.EPOLLHUP|unix.EPOLLRDHUP) != 0 {
		out |= EventHangup
	}
	return out
}

func (d *epollDispatcher) Add(fd int, events IOEvents) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrClosed
	}
	cur, existed := d.events[fd]
	union := cur | events
	ev := &unix.EpollEvent{Events: toEpoll(union), Fd: int32(fd)}
	op := unix.EPOLL_CTL_MOD
	if !existed {
		op = unix.EPOLL_CTL_ADD
	}
	if err := unix.EpollCtl(d.epfd, op, fd, ev); err != nil {
		return err
	}
	d.events[fd] = union
	return nil
}

func (d *epollDispatcher) Remove(fd int, events IOEvents) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	cur, ok := d.events[fd]
	if !ok {
		return ErrFDNotRegistered
	}
	remaining := cur &^ events
	if remaining == 0 {
		delete(d.events, fd)
		return unix.EpollCtl(d.epfd, unix.EPOLL_CTL_DEL, fd, nil)
	}
	d.events[fd] = remaining
	ev := &unix.EpollEvent{Events: toEpoll(remaining), Fd: int32(fd)}
	return unix.EpollCtl(d.epfd, unix.EPOLL_CTL_MOD, fd, ev)
}

func (d *epollDispatcher) Wait(timeoutMs int) ([]Event, error) {
	n, err := unix.EpollWait(d.epfd, d.buf, timeoutMs)
	if err != nil {
		if err == unix.EINTR {
			return nil, nil
		}
		return nil, err
	}
	d.out = d.out[:0]
	for i := 0; i < n; i++ {
		d.out = append(d.out, Event{
			FD:       int(d.buf[i].Fd),
			Occurred: fromEpoll(d.buf[i].Events),
		})
	}
	return d.out, nil
}

func (d *epollDispatcher) Close() error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	if err := unix.Close(d.epfd); err != nil {
		rlog.Warn("dispatcher: close epoll fd failed", rlog.F("error", err))
		return err
	}
	return nil
}
