// Package dispatcher is the thin, portable facade over the OS readiness
// primitive (epoll on Linux, kqueue on BSD/Darwin, poll(2) elsewhere).
//
// A Dispatcher deliberately knows nothing about Channel or EventLoop: it
// tracks raw (fd, interest) pairs and reports raw (fd, triggered) readiness
// back to the caller. Mapping an fd back to a Channel and setting the
// Channel's trigger mask is the EventLoop's job (see package loop); the
// invocation order (Error, then Read, then Write) is applied by
// Channel.HandleEvent (see package channel).
package dispatcher

import "errors"

// IOEvents is a bitmask of interest/readiness flags.
type IOEvents uint32

const (
	EventRead IOEvents = 1 << iota
	EventWrite
	EventError
	EventHangup
)

func (e IOEvents) Has(flag IOEvents) bool { return e&flag != 0 }

// Event reports readiness for a single fd after a Wait call.
type Event struct {
	FD       int
	Occurred IOEvents
}

// Standard errors.
var (
	ErrClosed          = errors.New("dispatcher: closed")
	ErrFDNotRegistered = errors.New("dispatcher: fd not registered")
	ErrUnsupportedOS   = errors.New("dispatcher: no supported I/O multiplexing backend for this platform")
)

// Dispatcher is the polymorphic readiness backend, per spec.md §4.1.
type Dispatcher interface {
	// Wait blocks up to timeoutMs (-1 = indefinite, 0 = poll-only) for
	// readiness on any registered fd. EINTR is swallowed and reported as a
	// timeout (zero events, nil error). The returned slice is valid only
	// until the next call to Wait.
	Wait(timeoutMs int) ([]Event, error)

	// Add unions the new interest with any existing interest for fd,
	// registering fd with the backend if it was previously absent.
	Add(fd int, events IOEvents) error

	// Remove subtracts events from fd's interest set. If the resulting set
	// is empty, fd is fully deregistered from the backend.
	Remove(fd int, events IOEvents) error

	// Close releases the backend's own fd (epoll/kqueue instance).
	Close() error
}

// New constructs the platform-appropriate Dispatcher.
func New() (Dispatcher, error) {
	return newPlatform()
}
