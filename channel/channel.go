// Package channel binds one file descriptor to a set of interested events
// and per-event callbacks within a single owning EventLoop, per spec.md §4.2.
package channel

import (
	"sync/atomic"

	"github.com/yaomer/angelgo/dispatcher"
)

// Owner is the subset of *loop.Loop a Channel needs. Defined here (rather
// than importing package loop) to avoid an import cycle: loop imports
// channel to hold the fd table, channel needs to ask its owner to push
// dispatcher interest changes.
type Owner interface {
	UpdateChannel(c *Channel)
	RemoveChannel(c *Channel)
	IsLoopThread() bool
	RunInLoop(f func())
}

// Channel is the binding of one fd to an interest set and its handlers.
//
// Invariants (spec.md §3):
//  1. Only manipulated on its owning loop's thread after registration.
//  2. Uniquely keyed by fd within a loop.
//  3. Filter mask reflects exactly what the dispatcher has been told.
type Channel struct {
	owner Owner
	fd    int

	filter   dispatcher.IOEvents // what the dispatcher watches for
	trigger  dispatcher.IOEvents // what the dispatcher just reported
	ownsFD   bool
	attached atomic.Bool

	onRead  func()
	onWrite func()
	onError func()
	onClose func() // invoked on EventHangup; when nil, onRead handles the hangup

	destroyed bool
}

// New creates a Channel for fd, owned by the given loop-like Owner.
// ownsFD controls whether Close() closes the underlying fd.
func New(owner Owner, fd int, ownsFD bool) *Channel {
	return &Channel{owner: owner, fd: fd, ownsFD: ownsFD}
}

func (c *Channel) FD() int                       { return c.fd }
func (c *Channel) Filter() dispatcher.IOEvents    { return c.filter }
func (c *Channel) OwnsFD() bool                   { return c.ownsFD }
func (c *Channel) IsWriting() bool                { return c.filter.Has(dispatcher.EventWrite) }
func (c *Channel) IsReading() bool                { return c.filter.Has(dispatcher.EventRead) }

// SetTriggered records the readiness the dispatcher reported for this fd.
// Called by the owning loop, never by user code.
func (c *Channel) SetTriggered(events dispatcher.IOEvents) { c.trigger = events }

func (c *Channel) SetReadHandler(f func())  { c.onRead = f }
func (c *Channel) SetWriteHandler(f func()) { c.onWrite = f }
func (c *Channel) SetErrorHandler(f func()) { c.onError = f }
func (c *Channel) SetCloseHandler(f func()) { c.onClose = f }

// Add registers the channel with its owning loop, routed through the loop
// thread as spec.md §4.2 requires for post-registration mutation safety.
func (c *Channel) Add() {
	c.owner.RunInLoop(func() {
		c.owner.UpdateChannel(c)
	})
}

// Remove deregisters the channel from its owning loop.
func (c *Channel) Remove() {
	c.owner.RunInLoop(func() {
		c.owner.RemoveChannel(c)
	})
}

// EnableRead/DisableRead/EnableWrite/DisableWrite mutate the filter mask.
// Per spec.md §4.2 these are loop-thread-only, post-registration
// operations; callers from other goroutines must go through RunInLoop
// themselves (Connection.sendInLoop and Listener.Start do this).
func (c *Channel) EnableRead() {
	c.filter |= dispatcher.EventRead
	c.owner.UpdateChannel(c)
}

func (c *Channel) DisableRead() {
	c.filter &^= dispatcher.EventRead
	c.owner.UpdateChannel(c)
}

func (c *Channel) EnableWrite() {
	c.filter |= dispatcher.EventWrite
	c.owner.UpdateChannel(c)
}

// DisableWrite turns off write-readiness interest. spec.md §4.2: write
// events must remain disabled when there is nothing to send, to avoid
// busy-looping on a persistently writable socket.
func (c *Channel) DisableWrite() {
	c.filter &^= dispatcher.EventWrite
	c.owner.UpdateChannel(c)
}

func (c *Channel) IsNoneEvent() bool { return c.filter == 0 }

// HandleEvent dispatches the trigger mask to handlers in Error, Read,
// Write order (spec.md §4.1's tie-break rule). A hangup with no explicit
// close handler is treated as a read-side event so the normal EOF path in
// the read handler notices the 0-byte read.
func (c *Channel) HandleEvent() {
	if c.trigger.Has(dispatcher.EventError) && c.onError != nil {
		c.onError()
	}
	if c.trigger.Has(dispatcher.EventHangup) {
		if c.onClose != nil {
			c.onClose()
		} else if c.onRead != nil {
			c.onRead()
		}
	}
	if c.trigger.Has(dispatcher.EventRead) && c.onRead != nil {
		c.onRead()
	}
	if c.trigger.Has(dispatcher.EventWrite) && c.onWrite != nil {
		c.onWrite()
	}
}
