// Package tlshook implements the TLS interceptor seam described in
// SPEC_FULL.md §6: a handshake runs over each accepted/connected socket
// before it ever reaches user code, and only on success is a Connection
// constructed and handed to the caller.
//
// Grounded on original_source/include/angel/ssl_filter.h's contract
// (decrypt/encrypt sit between the raw socket and the application, and
// read/write interest follows what the TLS layer currently wants) and
// conn.Connection's own MessageHandler/close-handler-swap-before-invoke
// idiom, which Connection here mirrors.
//
// crypto/tls has no non-blocking, BIO-pair-style API the way OpenSSL
// does (there is no WANT_READ/WANT_WRITE signal to toggle a Channel's
// interest off of), so Connection does not attempt to drive TLS I/O
// through package channel/dispatcher at all. Instead it wraps the
// accepted fd as a *tls.Conn via net.FileConn -- the idiomatic Go way to
// turn a raw socket fd into a net.Conn -- and drives Handshake/Read/Write
// from dedicated goroutines parked on Go's own runtime netpoller, posting
// onMessage/onClose back onto the owning loop via QueueInLoop so they
// still run on the loop thread like every other handler in this tree.
// See DESIGN.md for the full rationale.
package tlshook

import (
	"crypto/tls"
	"net"
	"os"
	"sync"

	"github.com/yaomer/angelgo/buffer"
	"github.com/yaomer/angelgo/rlog"
)

// Owner is the loop surface a Connection needs to keep handler
// invocations on the loop thread.
type Owner interface {
	QueueInLoop(f func())
}

// MessageHandler is invoked on the loop thread once per readable event
// with unconsumed decrypted input.
type MessageHandler func(c *Connection, in *buffer.Buffer)

// wrapFD turns fd into a *tls.Conn performing the requested handshake
// role. fd's ownership transfers to the returned Conn: wrapFD always
// closes the original descriptor once net.FileConn has taken its own
// copy, mirroring "closing f does not affect c" from the net.FileConn
// doc.
func wrapFD(fd int, config *tls.Config, client bool) (*tls.Conn, error) {
	f := os.NewFile(uintptr(fd), "angelgo-tls")
	nc, ncErr := net.FileConn(f)
	closeErr := f.Close()
	if ncErr != nil {
		return nil, ncErr
	}
	if closeErr != nil {
		_ = nc.Close()
		return nil, closeErr
	}
	if client {
		return tls.Client(nc, config), nil
	}
	return tls.Server(nc, config), nil
}

// WrapServerConn performs the server side of a TLS handshake over fd and,
// on success, returns a ready-to-start Connection. Blocks on the
// handshake: callers (Listener/Server's accept path) must run this on a
// dedicated goroutine, never on the loop thread.
func WrapServerConn(owner Owner, id uint64, fd int, peer net.Addr, config *tls.Config) (*Connection, error) {
	return wrapConn(owner, id, fd, peer, config, false)
}

// WrapClientConn performs the client side of a TLS handshake over fd.
// Same blocking/threading contract as WrapServerConn.
func WrapClientConn(owner Owner, id uint64, fd int, peer net.Addr, config *tls.Config) (*Connection, error) {
	return wrapConn(owner, id, fd, peer, config, true)
}

func wrapConn(owner Owner, id uint64, fd int, peer net.Addr, config *tls.Config, client bool) (*Connection, error) {
	tlsConn, err := wrapFD(fd, config, client)
	if err != nil {
		return nil, err
	}
	if err := tlsConn.Handshake(); err != nil {
		_ = tlsConn.Close()
		return nil, err
	}
	return &Connection{
		id:        id,
		owner:     owner,
		tlsConn:   tlsConn,
		peer:      peer,
		inputBuf:  buffer.New(),
		sendCh:    make(chan []byte, 256),
		closeWait: make(chan struct{}),
	}, nil
}

// Connection is the TLS-backed sibling of conn.Connection, per the
// package doc above.
type Connection struct {
	id      uint64
	owner   Owner
	tlsConn *tls.Conn
	peer    net.Addr

	inputBuf *buffer.Buffer

	mu     sync.Mutex
	closed bool
	sendCh chan []byte

	teardownOnce sync.Once
	closeWait    chan struct{}

	onMessage MessageHandler
	onClose   func(*Connection)
}

func (c *Connection) ID() uint64          { return c.id }
func (c *Connection) PeerAddr() net.Addr  { return c.peer }
func (c *Connection) LocalAddr() net.Addr { return c.tlsConn.LocalAddr() }

// SetMessageHandler and SetCloseHandler must be called before Start.
func (c *Connection) SetMessageHandler(f MessageHandler)  { c.onMessage = f }
func (c *Connection) SetCloseHandler(f func(*Connection)) { c.onClose = f }

// Start launches the read and write loops. Call once, after the handlers
// above are wired up.
func (c *Connection) Start() {
	go c.readLoop()
	go c.writeLoop()
}

func (c *Connection) readLoop() {
	buf := make([]byte, 16*1024)
	for {
		n, err := c.tlsConn.Read(buf)
		if n > 0 {
			data := append([]byte(nil), buf[:n]...)
			c.owner.QueueInLoop(func() {
				c.inputBuf.Append(data)
				if c.onMessage != nil {
					c.onMessage(c, c.inputBuf)
				} else {
					c.inputBuf.RetrieveAll()
				}
			})
		}
		if err != nil {
			c.teardown()
			return
		}
	}
}

func (c *Connection) writeLoop() {
	for data := range c.sendCh {
		if _, err := c.tlsConn.Write(data); err != nil {
			break
		}
	}
	c.teardown()
}

// Send queues data for delivery, preserving submission order across
// concurrent callers. Safe from any goroutine.
func (c *Connection) Send(data []byte) {
	cp := append([]byte(nil), data...)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.sendCh <- cp:
	default:
		rlog.Warn("tlshook: send queue full, dropping task", rlog.F("id", c.id))
	}
}

func (c *Connection) SendString(s string) { c.Send([]byte(s)) }

// Close requests a graceful close: already-queued sends are written
// before the connection tears down.
func (c *Connection) Close() {
	c.mu.Lock()
	if !c.closed {
		c.closed = true
		close(c.sendCh)
	}
	c.mu.Unlock()
}

// ForceClose tears the connection down immediately, discarding anything
// still queued to send.
func (c *Connection) ForceClose() {
	c.Close()
	c.teardown()
}

func (c *Connection) teardown() {
	c.teardownOnce.Do(func() {
		_ = c.tlsConn.Close()
		handler := c.onClose
		c.owner.QueueInLoop(func() {
			// handler was captured inside teardownOnce, so it runs at
			// most once even if the close path is re-entered.
			if handler != nil {
				handler(c)
			}
			close(c.closeWait)
		})
	})
}

// CloseWait blocks the calling goroutine until the close handler has run
// to completion, matching conn.Connection.CloseWait's contract.
func (c *Connection) CloseWait() {
	<-c.closeWait
}
