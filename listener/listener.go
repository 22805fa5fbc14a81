// Package listener implements the accept loop described in spec.md §4.8.
//
// Grounded on original_source/src/Acceptor.cc (the /dev/null idle-fd EMFILE
// rescue, SO_REUSEADDR/SO_KEEPALIVE/TCP_NODELAY tuning before listen, and
// accept()'s EINTR/EWOULDBLOCK/EPROTO/ECONNABORTED "ignore and keep
// listening" error set) and the teacher eventloop package's Channel-backed
// accept pattern, adapted to throttle its error log line through
// go-catrate instead of logging every EMFILE unconditionally.
package listener

import (
	"net"
	"time"

	"github.com/joeycumines/go-catrate"
	"golang.org/x/sys/unix"

	"github.com/yaomer/angelgo/channel"
	"github.com/yaomer/angelgo/rlog"
)

// Owner is the loop surface a Listener needs.
type Owner interface {
	channel.Owner
}

// Options configures listener tuning, per SPEC_FULL.md's listener-options
// supplement.
type Options struct {
	ReuseAddr bool
	KeepAlive bool
	NoDelay   bool
	Backlog   int
}

// DefaultOptions matches the original's Acceptor constructor defaults.
func DefaultOptions() Options {
	return Options{ReuseAddr: true, KeepAlive: true, NoDelay: true, Backlog: 1024}
}

// Listener owns one listening socket and its accept channel.
type Listener struct {
	owner   Owner
	ch      *channel.Channel
	fd      int
	addr    net.Addr
	idleFD  int
	opts    Options
	limiter *catrate.Limiter

	onAccept func(fd int, peer net.Addr)
}

// Listen creates and binds a listening socket on addr ("tcp", host:port)
// but does not yet start accepting; call Start for that.
func Listen(owner Owner, network, address string, opts Options) (*Listener, error) {
	fd, sa, err := bindSocket(network, address, opts)
	if err != nil {
		return nil, err
	}

	idleFD, err := unix.Open("/dev/null", unix.O_RDONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		_ = unix.Close(fd)
		return nil, err
	}

	l := &Listener{
		owner:  owner,
		fd:     fd,
		addr:   sa,
		idleFD: idleFD,
		opts:   opts,
		limiter: catrate.NewLimiter(map[time.Duration]int{
			time.Second: 5,
			time.Minute: 30,
		}),
	}
	l.ch = channel.New(owner, fd, true)
	l.ch.SetReadHandler(l.handleAccept)
	return l, nil
}

// SetNewConnectionHandler registers the callback invoked (on the loop
// thread) for each accepted connection.
func (l *Listener) SetNewConnectionHandler(f func(fd int, peer net.Addr)) {
	l.onAccept = f
}

// Addr returns the bound local address.
func (l *Listener) Addr() net.Addr { return l.addr }

// FD returns the raw listening socket descriptor.
func (l *Listener) FD() int { return l.fd }

// Start begins listening and registers the accept channel with the loop.
// Safe to call from any goroutine: the channel registration itself is
// always routed onto the owning loop's thread, per spec.md §4.2's
// post-registration channel mutation invariant. Start does not wait for
// that registration, so it also returns when called before the loop runs.
func (l *Listener) Start() error {
	backlog := l.opts.Backlog
	if backlog <= 0 {
		backlog = 1024
	}
	if err := unix.Listen(l.fd, backlog); err != nil {
		return err
	}
	l.owner.RunInLoop(func() {
		l.ch.EnableRead()
		l.ch.Add()
	})
	rlog.Info("listener: started", rlog.F("addr", l.addr))
	return nil
}

// Close stops accepting and releases the listening and idle fds.
func (l *Listener) Close() {
	l.ch.Remove()
	_ = unix.Close(l.idleFD)
}

func (l *Listener) handleAccept() {
	connFD, peer, err := acceptOne(l.fd)
	if err != nil {
		switch {
		case isTemporaryAcceptError(err):
			return
		case err == unix.EMFILE:
			l.rescueEMFILE()
			return
		default:
			l.throttledLog("listener: accept failed", err)
			return
		}
	}

	_ = unix.SetNonblock(connFD, true)
	if l.onAccept != nil {
		l.onAccept(connFD, peer)
	} else {
		_ = unix.Close(connFD)
	}
}

// rescueEMFILE implements the original's "close the idle fd, accept and
// immediately drop the connection, then reopen the idle fd" trick: this
// frees exactly one descriptor slot so accept(2) can succeed and clear the
// pending connection from the backlog, preventing accept from being
// retriggered in a tight loop forever.
func (l *Listener) rescueEMFILE() {
	_ = unix.Close(l.idleFD)
	connFD, _, err := acceptOne(l.fd)
	if err == nil {
		_ = unix.Close(connFD)
	}
	idleFD, reopenErr := unix.Open("/dev/null", unix.O_RDONLY|unix.O_CLOEXEC, 0)
	if reopenErr != nil {
		rlog.Error("listener: failed to reopen idle fd after EMFILE rescue", rlog.F("error", reopenErr))
		return
	}
	l.idleFD = idleFD
	l.throttledLog("listener: EMFILE, rescued one accept slot", unix.EMFILE)
}

func (l *Listener) throttledLog(msg string, err error) {
	if _, ok := l.limiter.Allow(msg); ok {
		rlog.Error(msg, rlog.F("error", err))
	}
}

func isTemporaryAcceptError(err error) bool {
	switch err {
	case unix.EINTR, unix.EAGAIN, unix.EWOULDBLOCK, unix.EPROTO, unix.ECONNABORTED:
		return true
	default:
		return false
	}
}

func acceptOne(fd int) (int, net.Addr, error) {
	nfd, sa, err := unix.Accept(fd)
	if err != nil {
		return -1, nil, err
	}
	return nfd, sockaddrToAddr(sa), nil
}
