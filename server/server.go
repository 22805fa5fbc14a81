// Package server implements the Server component of spec.md §4.8/§4.11: a
// Listener bound to a main Loop, optionally fanning new connections out
// across a loop.Group, with a connection registry mutated only on the
// main loop and a ThreadPool for blocking work.
//
// Grounded on original_source/src/TcpServer.cc (getNextLoop/newConnection/
// removeConnection/start, and ignoring SIGPIPE on start) and
// EventLoopThreadPool.h for the optional-pool round robin. The connection
// registry (a plain map instead of the original's std::unordered_map) is
// mutated exclusively from the main loop's goroutine, matching
// _connectionMaps's single-threaded access discipline in the original.
package server

import (
	"crypto/tls"
	"errors"
	"net"
	"os"
	"os/exec"
	"runtime"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/yaomer/angelgo/conn"
	"github.com/yaomer/angelgo/listener"
	"github.com/yaomer/angelgo/loop"
	"github.com/yaomer/angelgo/rlog"
	"github.com/yaomer/angelgo/signaler"
	"github.com/yaomer/angelgo/threadpool"
	"github.com/yaomer/angelgo/tlshook"
)

// Option configures a Server at construction time.
type Option func(*Server)

// WithIOGroup gives the server n additional I/O threads to round-robin
// accepted connections across, instead of running everything on the main
// loop.
func WithIOGroup(n int) Option {
	return func(s *Server) { s.ioGroupSize = n }
}

// WithThreadPool attaches a worker pool of the given size for blocking
// work offloaded from connection handlers.
func WithThreadPool(workers int) Option {
	return func(s *Server) { s.poolSize = workers }
}

// WithListenerOptions overrides the listener socket tuning (reuse addr,
// keepalive, nodelay, backlog).
func WithListenerOptions(opts listener.Options) Option {
	return func(s *Server) { s.listenOpts = opts }
}

// WithConnTimeout closes any connection that stays idle for d, per
// spec.md §4.7's ttl mechanism applied server-wide.
func WithConnTimeout(d time.Duration) Option {
	return func(s *Server) { s.connTimeout = d }
}

// WithTLS makes every accepted connection perform a server-side TLS
// handshake before it is exposed to user code, per spec.md §6's TLS
// interceptor contract. See package tlshook for why this produces a
// *tlshook.Connection rather than a *conn.Connection.
func WithTLS(config *tls.Config) Option {
	return func(s *Server) { s.tlsConfig = config }
}

// Server owns one listening socket and every Connection accepted from it.
type Server struct {
	mainLoop *loop.Loop
	lst      *listener.Listener
	ioGroup  *loop.Group

	ioGroupSize int
	poolSize    int
	listenOpts  listener.Options
	connTimeout time.Duration
	pool        *threadpool.Pool

	nextConnID atomic.Uint64
	conns      map[uint64]*conn.Connection // main-loop-only

	onConnection    func(*conn.Connection)
	onMessage       conn.MessageHandler
	onWriteComplete func(*conn.Connection)
	onClose         func(*conn.Connection)

	// TLS-backed connections live in a registry of their own, distinct
	// from conns: see package tlshook for why a *tlshook.Connection isn't
	// unified under *conn.Connection.
	tlsConfig  *tls.Config
	tlsConns   map[uint64]*tlshook.Connection // main-loop-only
	onTLSConn  func(*tlshook.Connection)
	onTLSMsg   tlshook.MessageHandler
	onTLSClose func(*tlshook.Connection)
}

// New creates a Server bound to mainLoop, listening on address once
// Start is called.
func New(mainLoop *loop.Loop, address string, opts ...Option) (*Server, error) {
	s := &Server{
		mainLoop:   mainLoop,
		listenOpts: listener.DefaultOptions(),
		conns:      make(map[uint64]*conn.Connection),
		tlsConns:   make(map[uint64]*tlshook.Connection),
		nextConnID: atomic.Uint64{},
	}
	s.nextConnID.Store(1)
	for _, o := range opts {
		o(s)
	}

	if s.ioGroupSize > 0 {
		s.ioGroup = loop.NewGroup(s.ioGroupSize)
	}
	if s.poolSize > 0 {
		s.pool = threadpool.New(threadpool.Fixed(s.poolSize))
	}

	lst, err := listener.Listen(mainLoop, "tcp", address, s.listenOpts)
	if err != nil {
		return nil, err
	}
	s.lst = lst
	lst.SetNewConnectionHandler(s.newConnection)
	return s, nil
}

func (s *Server) SetConnectionHandler(f func(*conn.Connection))    { s.onConnection = f }
func (s *Server) SetMessageHandler(f conn.MessageHandler)          { s.onMessage = f }
func (s *Server) SetWriteCompleteHandler(f func(*conn.Connection)) { s.onWriteComplete = f }
func (s *Server) SetCloseHandler(f func(*conn.Connection))         { s.onClose = f }

// SetTLSConnectionHandler, SetTLSMessageHandler and SetTLSCloseHandler
// mirror the plain-connection setters above, for connections accepted
// under WithTLS.
func (s *Server) SetTLSConnectionHandler(f func(*tlshook.Connection)) { s.onTLSConn = f }
func (s *Server) SetTLSMessageHandler(f tlshook.MessageHandler)       { s.onTLSMsg = f }
func (s *Server) SetTLSCloseHandler(f func(*tlshook.Connection))      { s.onTLSClose = f }

// Pool returns the attached worker pool, or nil if WithThreadPool wasn't
// used.
func (s *Server) Pool() *threadpool.Pool { return s.pool }

// Addr returns the bound listening address.
func (s *Server) Addr() net.Addr { return s.lst.Addr() }

// getNextLoop round-robins across the I/O group if configured, otherwise
// every connection lives on the main loop.
func (s *Server) getNextLoop() *loop.Loop {
	if s.ioGroup != nil {
		lp, err := s.ioGroup.GetNextLoop()
		if err == nil {
			return lp
		}
		rlog.Error("server: io group loop unavailable, falling back to main loop", rlog.F("error", err))
	}
	return s.mainLoop
}

func (s *Server) newConnection(fd int, peer net.Addr) {
	id := s.nextConnID.Add(1) - 1
	ioLoop := s.getNextLoop()

	if s.tlsConfig != nil {
		s.newTLSConnection(ioLoop, id, fd, peer)
		return
	}

	local := localAddrOf(fd)
	c := conn.New(id, ioLoop, fd, conn.ProtoTCP, local, peer)
	c.SetConnectionHandler(s.onConnection)
	c.SetMessageHandler(s.onMessage)
	c.SetWriteCompleteHandler(s.onWriteComplete)
	c.SetCloseHandler(func(closed *conn.Connection) {
		s.mainLoop.RunInLoop(func() { s.removeConnection(closed) })
	})

	s.mainLoop.RunInLoop(func() { s.conns[id] = c })

	if s.connTimeout > 0 {
		c.SetTTL(s.connTimeout.Milliseconds())
	}

	ioLoop.RunInLoop(c.Establish)
}

func (s *Server) removeConnection(c *conn.Connection) {
	if s.onClose != nil {
		s.onClose(c)
	}
	delete(s.conns, c.ID())
	rlog.Info("server: connection removed", rlog.F("id", c.ID()))
}

// newTLSConnection runs the TLS handshake on a dedicated goroutine (it
// blocks, and must never run on ioLoop's own goroutine) and, on success,
// registers and starts the resulting *tlshook.Connection back on the
// main loop. A failed handshake just drops the socket, mirroring how a
// plain accept that never completes never reaches onConnection either.
func (s *Server) newTLSConnection(ioLoop *loop.Loop, id uint64, fd int, peer net.Addr) {
	go func() {
		tc, err := tlshook.WrapServerConn(ioLoop, id, fd, peer, s.tlsConfig)
		if err != nil {
			rlog.Error("server: tls handshake failed", rlog.F("peer", peer), rlog.F("error", err))
			return
		}
		tc.SetMessageHandler(s.onTLSMsg)
		tc.SetCloseHandler(func(closed *tlshook.Connection) {
			s.mainLoop.RunInLoop(func() { s.removeTLSConnection(closed) })
		})
		s.mainLoop.RunInLoop(func() {
			s.tlsConns[id] = tc
			tc.Start()
			if s.onTLSConn != nil {
				s.onTLSConn(tc)
			}
		})
	}()
}

func (s *Server) removeTLSConnection(c *tlshook.Connection) {
	if s.onTLSClose != nil {
		s.onTLSClose(c)
	}
	delete(s.tlsConns, c.ID())
	rlog.Info("server: tls connection removed", rlog.F("id", c.ID()))
}

// daemonizedEnv marks a re-exec'd child as already detached, so a second
// call to Daemonize (after the re-exec) is a no-op rather than forking
// again.
const daemonizedEnv = "ANGELGO_DAEMONIZED"

// Daemonize detaches the process into the background, per spec.md §6's
// daemon() and original_source/src/util/daemon.cc: fork, exit the parent,
// setsid in the child, redirect stdio to /dev/null.
//
// Go cannot safely call fork(2) without also exec'ing: a raw fork only
// duplicates the calling thread, leaving the child's Go runtime (GC,
// scheduler threads, other goroutines) gone. Daemonize therefore re-execs
// the running binary with the same argv in a new session (SysProcAttr's
// Setsid, the Go equivalent of setsid() after fork()) and exits the
// parent, which reproduces fork+exit's observable behavior. Call it
// before Start; New has already bound the listening socket by then.
//
// Returns an error without detaching on platforms with no fork/exec
// process model (Windows, Plan 9).
func (s *Server) Daemonize() error {
	if runtime.GOOS == "windows" || runtime.GOOS == "plan9" {
		return errors.New("server: Daemonize has no fork/exec process model on this platform")
	}
	if os.Getenv(daemonizedEnv) == "1" {
		// Already the re-exec'd, detached child: nothing left to do.
		return nil
	}

	devNull, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err != nil {
		return err
	}
	defer devNull.Close()

	exe, err := os.Executable()
	if err != nil {
		return err
	}

	cmd := exec.Command(exe, os.Args[1:]...)
	cmd.Env = append(os.Environ(), daemonizedEnv+"=1")
	cmd.Stdin = devNull
	cmd.Stdout = devNull
	cmd.Stderr = devNull
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		return err
	}
	rlog.Info("server: daemonized", rlog.F("child_pid", cmd.Process.Pid))
	os.Exit(0)
	return nil
}

// Start ignores SIGPIPE (writing to a peer that already closed its read
// side must not kill the process, per original_source/TcpServer.cc's
// start()) and begins accepting.
func (s *Server) Start() error {
	signaler.Get().Ignore(syscall.SIGPIPE)
	if err := s.lst.Start(); err != nil {
		return err
	}
	rlog.Info("server: started", rlog.F("addr", s.lst.Addr()))
	return nil
}

// Quit stops the main loop (and every I/O group thread, if any).
func (s *Server) Quit() {
	if s.ioGroup != nil {
		s.ioGroup.Stop()
	}
	if s.pool != nil {
		s.pool.Shutdown()
	}
	s.mainLoop.Quit()
}

// ForEach invokes f once per active connection. Safe to call from any
// goroutine: per spec.md §4.10, for_each posts to the main loop itself
// rather than requiring every caller to do so.
func (s *Server) ForEach(f func(*conn.Connection)) {
	s.mainLoop.RunInLoop(func() {
		for _, c := range s.conns {
			f(c)
		}
	})
}

// ForOne invokes f on the connection with the given id, if it is still
// active. Safe to call from any goroutine, per spec.md §4.10's for_one.
func (s *Server) ForOne(id uint64, f func(*conn.Connection)) {
	s.mainLoop.RunInLoop(func() {
		if c, ok := s.conns[id]; ok {
			f(c)
		}
	})
}

// ConnCount returns the number of currently tracked connections. Main-loop
// thread only.
func (s *Server) ConnCount() int { return len(s.conns) }

func localAddrOf(fd int) net.Addr {
	sa, err := getsockname(fd)
	if err != nil {
		return nil
	}
	return sa
}
