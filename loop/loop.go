// Package loop implements the EventLoop, LoopThread, and LoopGroup
// described in spec.md §4.3 and §4.10: a single-threaded cooperative
// scheduler combining a Dispatcher, a timer Wheel, the process Signaler,
// and a cross-thread task queue woken via a self-pipe.
//
// Grounded on the teacher's eventloop/loop.go (Run/tick/Submit/
// queue_in_loop, the empty→non-empty wakeup coalescing rule, and the
// goroutine-id thread-affinity check) generalized from its pure task/timer
// loop into spec.md's reactor loop (channel table + active-channel list +
// Error→Read→Write dispatch, replacing the teacher's inline poller
// callback dispatch), and on original_source/src/EventLoop.cc for the
// exact runInLoop/queueInLoop/wakeup method contracts.
package loop

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/yaomer/angelgo/channel"
	"github.com/yaomer/angelgo/dispatcher"
	"github.com/yaomer/angelgo/rlog"
	"github.com/yaomer/angelgo/timer"
)

// Standard errors.
var (
	ErrAlreadyRunning = errors.New("loop: already running")
	ErrNotRunning     = errors.New("loop: not running")
)

// Loop is one reactor: one dispatcher, one timer wheel, one channel table,
// one cross-thread task queue, one self-pipe. Exactly one goroutine (its
// "owning thread") ever calls Run.
type Loop struct {
	disp   dispatcher.Dispatcher
	timers *timer.Wheel

	channels   map[int]*channel.Channel
	registered map[int]dispatcher.IOEvents
	active     []*channel.Channel

	mu        sync.Mutex
	pending   []func()
	wakePend  atomic.Bool
	wakeRead  int
	wakeWrite int

	ownerGoroutine atomic.Uint64
	running        atomic.Bool
	quitting       atomic.Bool
	done           chan struct{}
}

// New creates a Loop. The dispatcher backend is selected per-platform by
// package dispatcher (epoll/kqueue/poll).
func New() (*Loop, error) {
	disp, err := dispatcher.New()
	if err != nil {
		return nil, err
	}

	l := &Loop{
		disp:       disp,
		timers:     timer.New(),
		channels:   make(map[int]*channel.Channel),
		registered: make(map[int]dispatcher.IOEvents),
		done:       make(chan struct{}),
	}

	r, w, err := selfPipe()
	if err != nil {
		_ = disp.Close()
		return nil, err
	}
	l.wakeRead, l.wakeWrite = r, w

	wakeChan := channel.New(l, r, true)
	wakeChan.SetReadHandler(l.drainWake)
	wakeChan.EnableRead()

	return l, nil
}

func selfPipe() (int, int, error) {
	var fds [2]int
	if err := unix.Pipe(fds[:]); err != nil {
		return 0, 0, err
	}
	_ = unix.SetNonblock(fds[0], true)
	_ = unix.SetNonblock(fds[1], true)
	unix.CloseOnExec(fds[0])
	unix.CloseOnExec(fds[1])
	return fds[0], fds[1], nil
}

// RegisterWakeFD lets package signaler attach its self-pipe read end as a
// channel on this loop, reusing the same dispatcher registration path a
// Connection's channel would use.
func (l *Loop) RegisterWakeFD(fd int, onReadable func()) {
	l.RunInLoop(func() {
		c := channel.New(l, fd, false)
		c.SetReadHandler(onReadable)
		c.EnableRead()
		l.UpdateChannel(c)
	})
}

// IsLoopThread reports whether the calling goroutine is the one currently
// running this loop's Run method.
func (l *Loop) IsLoopThread() bool {
	id := l.ownerGoroutine.Load()
	return id != 0 && id == goroutineID()
}

// RunInLoop runs f synchronously if called from the loop's own thread,
// otherwise queues it (spec.md §4.3).
func (l *Loop) RunInLoop(f func()) {
	if l.IsLoopThread() {
		f()
		return
	}
	l.QueueInLoop(f)
}

// QueueInLoop appends f under the mutex and wakes the loop only on the
// empty→non-empty transition of the pending queue, per spec.md §4.3 and
// the wake-coalescing invariant in spec.md §8.
func (l *Loop) QueueInLoop(f func()) {
	l.mu.Lock()
	wasEmpty := len(l.pending) == 0
	l.pending = append(l.pending, f)
	l.mu.Unlock()

	if wasEmpty {
		l.wake()
	}
}

func (l *Loop) wake() {
	if !l.wakePend.CompareAndSwap(false, true) {
		return
	}
	var one [1]byte
	one[0] = 1
	if _, err := unix.Write(l.wakeWrite, one[:]); err != nil {
		rlog.Debug("loop: wake pipe write failed", rlog.F("error", err))
	}
}

func (l *Loop) drainWake() {
	var buf [256]byte
	for {
		n, err := unix.Read(l.wakeRead, buf[:])
		if err != nil || n <= 0 {
			break
		}
	}
	l.wakePend.Store(false)
}

// UpdateChannel reconciles c's interest mask with whatever was last told to
// the dispatcher, issuing Add for newly-set bits and Remove for newly-clear
// ones (Dispatcher.Add/Remove are incremental, not set-replacing). Records
// c in the channel table, keyed by fd (spec.md §3 invariant 2). Must be
// called on the loop thread.
func (l *Loop) UpdateChannel(c *channel.Channel) {
	fd := c.FD()
	l.channels[fd] = c

	old := l.registered[fd]
	want := c.Filter()
	if added := want &^ old; added != 0 {
		if err := l.disp.Add(fd, added); err != nil {
			rlog.Warn("loop: dispatcher add failed", rlog.F("fd", fd), rlog.F("error", err))
		}
	}
	if removed := old &^ want; removed != 0 {
		if err := l.disp.Remove(fd, removed); err != nil {
			rlog.Warn("loop: dispatcher remove failed", rlog.F("fd", fd), rlog.F("error", err))
		}
	}
	l.registered[fd] = want
}

// RemoveChannel deregisters c. Must be called on the loop thread.
func (l *Loop) RemoveChannel(c *channel.Channel) {
	fd := c.FD()
	delete(l.channels, fd)
	if old := l.registered[fd]; old != 0 {
		_ = l.disp.Remove(fd, old)
	}
	delete(l.registered, fd)
	if c.OwnsFD() {
		_ = unix.Close(fd)
	}
}

// RunAfter schedules fn to run once after delay. Safe from any goroutine.
func (l *Loop) RunAfter(delay time.Duration, fn func()) uint64 {
	return l.scheduleTimer(delay, 0, fn)
}

// RunEvery schedules fn to run every interval, starting after the first
// interval elapses. Safe from any goroutine.
func (l *Loop) RunEvery(interval time.Duration, fn func()) uint64 {
	return l.scheduleTimer(interval, interval, fn)
}

func (l *Loop) scheduleTimer(delay, interval time.Duration, fn func()) uint64 {
	var id uint64
	done := make(chan struct{})
	l.RunInLoop(func() {
		t := l.timers.Add(time.Now(), delay, interval, fn)
		id = t.ID()
		close(done)
	})
	if l.IsLoopThread() {
		return id
	}
	<-done
	return id
}

// CancelTimer cancels a previously scheduled timer by id. Safe from any
// goroutine; cancellation of an unknown id is a no-op.
func (l *Loop) CancelTimer(id uint64) {
	l.RunInLoop(func() {
		l.timers.Cancel(id)
	})
}

// Run blocks, running the reactor loop until Quit is called. Must only be
// called once.
func (l *Loop) Run(ctx context.Context) error {
	if !l.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer close(l.done)

	l.ownerGoroutine.Store(goroutineID())
	defer l.ownerGoroutine.Store(0)

	go func() {
		select {
		case <-ctx.Done():
			l.Quit()
		case <-l.done:
		}
	}()

	for !l.quitting.Load() {
		l.tick()
	}
	l.drainPending()
	return nil
}

func (l *Loop) tick() {
	timeout := int(l.timers.EarliestTimeout(time.Now()))
	events, err := l.disp.Wait(timeout)
	if err != nil {
		rlog.Error("loop: dispatcher wait failed", rlog.F("error", err))
		return
	}

	if len(events) > 0 {
		l.active = l.active[:0]
		for _, ev := range events {
			c, ok := l.channels[ev.FD]
			if !ok {
				continue
			}
			c.SetTriggered(ev.Occurred)
			l.active = append(l.active, c)
		}
		for _, c := range l.active {
			c.HandleEvent()
		}
	} else {
		l.timers.Tick(time.Now())
	}

	l.drainPending()
}

// drainPending swaps the pending-task queue under the mutex and runs the
// swapped-out tasks outside the lock, per spec.md §4.3.
func (l *Loop) drainPending() {
	l.mu.Lock()
	tasks := l.pending
	l.pending = nil
	l.mu.Unlock()

	for _, f := range tasks {
		l.safeRun(f)
	}
}

func (l *Loop) safeRun(f func()) {
	defer func() {
		if r := recover(); r != nil {
			rlog.Error("loop: task panicked", rlog.F("recover", r))
		}
	}()
	f()
}

// Quit requests loop termination. The next iteration exits after a final
// drain of the pending queue, so queued tasks are never lost (spec.md
// §4.3). Safe from any goroutine.
func (l *Loop) Quit() {
	if l.quitting.CompareAndSwap(false, true) {
		l.wake()
	}
}

// Done returns a channel closed once Run has returned.
func (l *Loop) Done() <-chan struct{} { return l.done }

// Close releases the dispatcher and self-pipe. Call only after Run has
// returned (or was never started).
func (l *Loop) Close() error {
	err := l.disp.Close()
	_ = unix.Close(l.wakeRead)
	_ = unix.Close(l.wakeWrite)
	return err
}

// goroutineID parses the current goroutine's id out of runtime.Stack, the
// same technique the teacher's eventloop package uses for its thread
// affinity check (there is no supported-without-unsafe-hacks public API
// for this in the standard library).
func goroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	var id uint64
	for i := len("goroutine "); i < n; i++ {
		if buf[i] < '0' || buf[i] > '9' {
			break
		}
		id = id*10 + uint64(buf[i]-'0')
	}
	return id
}
