// Package connector implements the active outbound connection attempt
// described in spec.md §4.9: non-blocking connect, SO_ERROR-based
// completion detection, and retry/backoff.
//
// Grounded on original_source/src/connector.cc: connect()/connecting()/
// connected()/check()/retry(), and the one-shot-getsockopt-SO_ERROR
// caveat. Only write readiness is watched while connecting; check() is
// also installed as the read handler so a hangup reaches it. Retry logging is
// routed through go-catrate instead of logging unconditionally, matching
// the same throttling idiom used in package listener.
package connector

import (
	"errors"
	"net"
	"time"

	"github.com/joeycumines/go-catrate"
	"golang.org/x/sys/unix"

	"github.com/yaomer/angelgo/channel"
	"github.com/yaomer/angelgo/rlog"
)

// Owner is the loop surface a Connector needs.
type Owner interface {
	channel.Owner
	RunAfter(delay time.Duration, fn func()) uint64
	CancelTimer(id uint64)
}

// Connector actively establishes one outbound TCP connection, retrying on
// failure per its configured interval until Stop is called.
type Connector struct {
	owner   Owner
	addr    *net.TCPAddr
	ch      *channel.Channel
	fd      int
	retryMS int64

	retryTimer uint64
	waitingRetry bool
	connected    bool
	stopped      bool

	limiter *catrate.Limiter

	onConnected func(fd int, peer net.Addr)
}

// New creates a Connector targeting addr. retryInterval <= 0 disables
// retrying: a failed attempt is logged and the Connector goes idle. No
// failure callback is invoked; SetConnectedHandler is the only callback.
func New(owner Owner, addr *net.TCPAddr, retryInterval time.Duration) *Connector {
	return &Connector{
		owner:   owner,
		addr:    addr,
		retryMS: retryInterval.Milliseconds(),
		limiter: catrate.NewLimiter(map[time.Duration]int{time.Second: 2}),
	}
}

// SetConnectedHandler registers the callback invoked (on the loop thread)
// once a connection attempt succeeds. The fd is non-blocking and
// unregistered from the loop; the caller takes ownership (typically by
// wrapping it in a conn.Connection).
func (c *Connector) SetConnectedHandler(f func(fd int, peer net.Addr)) {
	c.onConnected = f
}

// Start begins (or restarts) a connection attempt.
func (c *Connector) Start() {
	c.owner.RunInLoop(c.connect)
}

// Stop cancels any pending retry timer and, if still mid-attempt, tears
// down the connecting channel.
func (c *Connector) Stop() {
	c.owner.RunInLoop(func() {
		c.stopped = true
		if c.waitingRetry && c.retryTimer != 0 {
			c.owner.CancelTimer(c.retryTimer)
			c.retryTimer = 0
		}
		if !c.waitingRetry && !c.connected && c.ch != nil {
			c.ch.Remove()
			_ = unix.Close(c.fd)
		}
	})
}

func (c *Connector) connect() {
	if c.stopped {
		return
	}
	c.waitingRetry = false

	fd, err := unix.Socket(domainFor(c.addr), unix.SOCK_STREAM, 0)
	if err != nil {
		rlog.Error("connector: socket failed", rlog.F("error", err))
		c.retry()
		return
	}
	_ = unix.SetNonblock(fd, true)
	c.fd = fd

	sa, err := tcpAddrToSockaddr(c.addr)
	if err != nil {
		_ = unix.Close(fd)
		c.retry()
		return
	}

	c.ch = channel.New(c.owner, fd, false)
	c.ch.Add()

	err = unix.Connect(fd, sa)
	rlog.Info("connector: connecting", rlog.F("fd", fd), rlog.F("addr", c.addr))
	switch {
	case err == nil:
		// Same-host connects often complete immediately.
		c.connectedOK()
	case errors.Is(err, unix.EINPROGRESS):
		c.connecting()
	default:
		c.failNow(err)
	}
}

func (c *Connector) connecting() {
	check := c.check
	c.ch.SetReadHandler(check)
	c.ch.SetWriteHandler(check)
	c.ch.EnableWrite()
}

// check resolves a pending connect via SO_ERROR. connecting() enables only
// write interest; check is also installed as the read handler, which the
// channel runs for a hangup (e.g. a refused connect) when no close handler
// is set.
func (c *Connector) check() {
	if c.waitingRetry {
		return
	}
	errno, err := unix.GetsockoptInt(c.fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		c.failNow(err)
		return
	}
	if errno != 0 {
		c.failNow(unix.Errno(errno))
		return
	}
	c.connectedOK()
}

func (c *Connector) connectedOK() {
	if c.connected {
		return
	}
	c.connected = true
	fd, ch := c.fd, c.ch
	ch.Remove()
	c.ch = nil
	if c.onConnected != nil {
		c.onConnected(fd, addrOf(c.addr))
	} else {
		_ = unix.Close(fd)
	}
}

func (c *Connector) failNow(err error) {
	if c.ch != nil {
		c.ch.Remove()
	}
	_ = unix.Close(c.fd)
	if _, ok := c.limiter.Allow("connect-error"); ok {
		rlog.Error("connector: connect failed", rlog.F("addr", c.addr), rlog.F("error", err))
	}
	c.retry()
}

func (c *Connector) retry() {
	if c.retryMS <= 0 || c.stopped {
		return
	}
	c.waitingRetry = true
	c.retryTimer = c.owner.RunAfter(time.Duration(c.retryMS)*time.Millisecond, c.connect)
}

func domainFor(addr *net.TCPAddr) int {
	if addr.IP != nil && addr.IP.To4() == nil {
		return unix.AF_INET6
	}
	return unix.AF_INET
}

func tcpAddrToSockaddr(addr *net.TCPAddr) (unix.Sockaddr, error) {
	if domainFor(addr) == unix.AF_INET6 {
		sa := &unix.SockaddrInet6{Port: addr.Port}
		copy(sa.Addr[:], addr.IP.To16())
		return sa, nil
	}
	sa := &unix.SockaddrInet4{Port: addr.Port}
	ip4 := addr.IP.To4()
	copy(sa.Addr[:], ip4)
	return sa, nil
}

func addrOf(addr *net.TCPAddr) net.Addr { return addr }
