//go:build darwin

package dispatcher

import (
	"sync"

	"golang.org/x/sys/unix"

	"github.com/yaomer/angelgo/rlog"
)

// kqueueDispatcher implements Dispatcher on Darwin/BSD using kqueue,
// grounded on the teacher's poller_darwin.go and
// original_source/src/Kqueue.cc (separate read/write filters per fd,
// registered/deregistered independently via EV_ADD/EV_DELETE).
type kqueueDispatcher struct {
	mu     sync.Mutex
	kq     int
	events map[int]IOEvents
	buf    []unix.Kevent_t
	out    []Event
	closed bool
}

func newPlatform() (Dispatcher, error) {
	kq, err := unix.Kqueue()
	if err != nil {
		return nil, err
	}
	unix.CloseOnExec(kq)
	return &kqueueDispatcher{
		kq:     kq,
		events: make(map[int]IOEvents),
		buf:    make([]unix.Kevent_t, 256),
	}, nil
}

func (d *kqueueDispatcher) changeFilter(fd int, filter int16, flags uint16) error {
	kev := unix.Kevent_t{
		Ident:  uint64(fd),
		Filter: filter,
		Flags:  flags,
	}
	_, err := unix.Kevent(d.kq, []unix.Kevent_t{kev}, nil, nil)
	return err
}

func (d *kqueueDispatcher) Add(fd int, events IOEvents) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrClosed
	}
	cur := d.events[fd]
	union := cur | events
	if union.Has(EventRead) && !cur.Has(EventRead) {
		if err := d.changeFilter(fd, unix.EVFILT_READ, unix.EV_ADD|unix.EV_ENABLE); err != nil {
			return err
		}
	}
	if union.Has(EventWrite) && !cur.Has(EventWrite) {
		if err := d.changeFilter(fd, unix.EVFILT_WRITE, unix.EV_ADD|unix.EV_ENABLE); err != nil {
			return err
		}
	}
	d.events[fd] = union
	return nil
}

func (d *kqueueDispatcher) Remove(fd int, events IOEvents) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	cur, ok := d.events[fd]
	if !ok {
		return ErrFDNotRegistered
	}
	remaining := cur &^ events
	if events.Has(EventRead) && cur.Has(EventRead) {
		_ = d.changeFilter(fd, unix.EVFILT_READ, unix.EV_DELETE)
	}
	if events.Has(EventWrite) && cur.Has(EventWrite) {
		_ = d.changeFilter(fd, unix.EVFILT_WRITE, unix.EV_DELETE)
	}
	if remaining == 0 {
		delete(d.events, fd)
	} else {
		d.events[fd] = remaining
	}
	return nil
}

func (d *kqueueDispatcher) Wait(timeoutMs int) ([]Event, error) {
	var ts *unix.Timespec
	if timeoutMs >= 0 {
		t := unix.NsecToTimespec(int64(timeoutMs) * 1e6)
		ts = &t
	}
	n, err := unix.Kevent(d.kq, nil, d.buf, ts)
	if err != nil {
		if err == unix.EINTR {
			return nil, nil
		}
		return nil, err
	}

	merged := make(map[int]IOEvents, n)
	for i := 0; i < n; i++ {
		fd := int(d.buf[i].Ident)
		var occurred IOEvents
		switch d.buf[i].Filter {
		case unix.EVFILT_READ:
			occurred |= EventRead
		case unix.EVFILT_WRITE:
			occurred |= EventWrite
		}
		if d.buf[i].Flags&unix.EV_EOF != 0 {
			occurred |= EventHangup
		}
		if d.buf[i].Flags&unix.EV_ERROR != 0 {
			occurred |= EventError
		}
		merged[fd] |= occurred
	}

	d.out = d.out[:0]
	for fd, occurred := range merged {
		d.out = append(d.out, Event{FD: fd, Occurred: occurred})
	}
	return d.out, nil
}

func (d *kqueueDispatcher) Close() error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	if err := unix.Close(d.kq); err != nil {
		rlog.Warn("dispatcher: close kqueue fd failed", rlog.F("error", err))
		return err
	}
	return nil
}
