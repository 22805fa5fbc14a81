// Package signaler converts process signals into loop-thread I/O events
// via a self-pipe, per spec.md §4.5.
//
// Grounded on original_source/src/signaler.cc: a process-singleton that
// owns a socket pair, registers the read end as a channel on one owning
// loop, and installs a trampoline per signal that writes one byte (the
// signal number) into the write end. The trampoline is the only code that
// would run in signal context in the original C++; in Go, os/signal.Notify
// already does the async-signal-safe forwarding to a channel for us, so
// the trampoline here is a tiny goroutine reading that channel and writing
// into the self-pipe, preserving the same "single byte per delivery, read
// up to 1024 per wakeup" wire contract for the loop-side handler.
package signaler

import (
	"os"
	"os/signal"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/yaomer/angelgo/rlog"
)

// Owner is the minimal loop surface the Signaler needs to register its
// self-pipe read end as a channel.
type Owner interface {
	RegisterWakeFD(fd int, onReadable func())
}

type handlerEntry struct {
	id uint64
	fn func(sig os.Signal)
}

// Signaler is a process-wide singleton bound to exactly one owning loop,
// the first one to call Bind. spec.md §9 calls this out explicitly:
// "encapsulate as a lazily-initialized singleton bound to the first loop
// that requests it, with a lock guarding installation."
type Signaler struct {
	mu       sync.Mutex
	owner    Owner
	readFD   int
	writeFD  int
	buf      [1024]byte
	handlers map[syscall.Signal][]handlerEntry
	nextID   uint64
	notifyCh chan os.Signal
	stopCh   chan struct{}
	started  bool
}

var (
	singletonMu sync.Mutex
	singleton   *Signaler
)

// Get returns the process-wide Signaler, creating it on first call. The
// first owner to call Bind on the returned Signaler wins; later Binds from
// a different owner are rejected (ErrAlreadyBound), matching spec.md §5:
// "the signaler, owned by one chosen loop."
func Get() *Signaler {
	singletonMu.Lock()
	defer singletonMu.Unlock()
	if singleton == nil {
		fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
		if err != nil {
			rlog.Fatal("signaler: socketpair failed", rlog.F("error", err))
		}
		_ = unix.SetNonblock(fds[0], true)
		_ = unix.SetNonblock(fds[1], true)
		singleton = &Signaler{
			readFD:   fds[0],
			writeFD:  fds[1],
			handlers: make(map[syscall.Signal][]handlerEntry),
			notifyCh: make(chan os.Signal, 64),
			stopCh:   make(chan struct{}),
		}
	}
	return singleton
}

// Bind attaches the Signaler's read end to owner's loop and starts the
// trampoline goroutine. Safe to call multiple times with the same owner;
// a different owner is rejected.
func (s *Signaler) Bind(owner Owner) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		if s.owner != owner {
			return ErrAlreadyBound
		}
		return nil
	}
	s.owner = owner
	s.owner.RegisterWakeFD(s.readFD, s.handleReadable)
	go s.trampoline()
	s.started = true
	return nil
}

// handleReadable is invoked on the owning loop thread when the self-pipe
// read end becomes readable. Reads up to 1024 signal bytes and dispatches
// each to every registered handler for that signal.
func (s *Signaler) handleReadable() {
	for {
		n, err := unix.Read(s.readFD, s.buf[:])
		if err != nil || n <= 0 {
			return
		}
		s.mu.Lock()
		snapshot := make(map[syscall.Signal][]handlerEntry, len(s.handlers))
		for sig, entries := range s.handlers {
			snapshot[sig] = append([]handlerEntry(nil), entries...)
		}
		s.mu.Unlock()
		for i := 0; i < n; i++ {
			sig := syscall.Signal(s.buf[i])
			for _, h := range snapshot[sig] {
				h.fn(sig)
			}
		}
	}
}

// trampoline is the bridge between os/signal's channel delivery and the
// self-pipe byte-per-signal wire format the loop-side handler expects.
func (s *Signaler) trampoline() {
	for {
		select {
		case sig := <-s.notifyCh:
			if unixSig, ok := sig.(syscall.Signal); ok {
				_, _ = unix.Write(s.writeFD, []byte{byte(unixSig)})
			}
		case <-s.stopCh:
			return
		}
	}
}

// HandlerID identifies one registered handler so it can be canceled
// individually.
type HandlerID struct {
	sig syscall.Signal
	id  uint64
}

// On registers fn to run (on the owning loop thread) whenever sig is
// delivered. Multiple handlers per signal are supported; they form an
// ordered list, invoked in registration order.
func (s *Signaler) On(sig syscall.Signal, fn func(os.Signal)) HandlerID {
	s.mu.Lock()
	defer s.mu.Unlock()
	wasEmpty := len(s.handlers[sig]) == 0
	s.nextID++
	id := s.nextID
	s.handlers[sig] = append(s.handlers[sig], handlerEntry{id: id, fn: fn})
	if wasEmpty {
		signal.Notify(s.notifyCh, sig)
	}
	return HandlerID{sig: sig, id: id}
}

// Off removes one handler by id. When the last handler for a signal is
// removed, default disposition is restored (signal.Reset).
func (s *Signaler) Off(id HandlerID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := s.handlers[id.sig]
	for i, h := range entries {
		if h.id == id.id {
			entries = append(entries[:i], entries[i+1:]...)
			break
		}
	}
	if len(entries) == 0 {
		delete(s.handlers, id.sig)
		signal.Reset(id.sig)
	} else {
		s.handlers[id.sig] = entries
	}
}

// Ignore uses SIG_IGN for sig and clears all user handlers for it.
func (s *Signaler) Ignore(sig syscall.Signal) {
	s.mu.Lock()
	delete(s.handlers, sig)
	s.mu.Unlock()
	signal.Ignore(sig)
}

// ErrAlreadyBound is returned by Bind when the process-wide Signaler is
// already bound to a different owning loop.
var ErrAlreadyBound = signalerError("signaler: already bound to a different loop")

type signalerError string

func (e signalerError) Error() string { return string(e) }
