// Package conn implements the Connection state machine and ordered send
// queue described in spec.md §4.7.
//
// Grounded on original_source/src/connection.cc and connection.h
// (handle_read/handle_write/handle_close/send_in_loop/send_file_in_loop,
// the send_id/next_id ordered-queue discipline, the ttl timer reset-on-
// activity rule, and the close-handler swap-to-nil-before-invoke idiom),
// generalized to Go channels/goroutines instead of shared_ptr<connection>,
// and cross-checked against SagerNet-smux/session.go's frameQueue for the
// general shape of an ordered, FIFO, single-writer-goroutine send queue.
package conn

import (
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/yaomer/angelgo/buffer"
	"github.com/yaomer/angelgo/channel"
	"github.com/yaomer/angelgo/rlog"
)

// State is the Connection lifecycle state, spec.md §4.7.
type State int32

const (
	StateConnecting State = iota
	StateConnected
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Proto distinguishes the wire protocol a Connection speaks, per
// SPEC_FULL.md's UDP supplement.
type Proto int

const (
	ProtoTCP Proto = iota
	ProtoUDP
)

// Owner is the subset of *loop.Loop a Connection needs: everything
// channel.Owner requires (so a Connection's Channel can be registered
// directly against it) plus the timer and cross-thread queueing surface.
type Owner interface {
	channel.Owner
	QueueInLoop(f func())
	RunAfter(delay time.Duration, fn func()) uint64
	CancelTimer(id uint64)
}

type sendKind int

const (
	sendByteStream sendKind = iota
	sendFileStream
	sendCompletionMarker
)

type sendTask struct {
	id   uint64
	kind sendKind

	// sendByteStream: remaining bytes live in outputBuf; byteLen tracks how
	// much of that queued region still belongs to this task.
	byteLen int

	// sendFileStream
	fileFD     int
	fileOffset int64
	fileCount  int64

	// sendCompletionMarker
	marker func(*Connection)
}

// MessageHandler is invoked once per readable event with unconsumed input.
type MessageHandler func(c *Connection, in *buffer.Buffer)

// Connection wraps one established socket, per spec.md §4.7. All mutable
// state besides the send queue's producer side is only ever touched on the
// owning loop's thread.
type Connection struct {
	id    uint64
	owner Owner
	ch    *channel.Channel
	proto Proto

	localAddr net.Addr
	peerAddr  net.Addr

	state atomic.Int32

	inputBuf  *buffer.Buffer
	outputBuf *buffer.Buffer

	mu        sync.Mutex
	sendQueue []sendTask
	nextID    uint64 // id of the task at the front of sendQueue
	sendID    uint64 // id to assign to the next enqueued task

	highWaterMark int

	ttlMS     int64
	ttlTimer  uint64
	resetByPeer bool

	context any

	closeWait chan struct{}

	onConnection    func(*Connection)
	onMessage       MessageHandler
	onWriteComplete func(*Connection)
	onHighWaterMark func(*Connection)
	onClose         func(*Connection)
}

// New wraps fd (already connected) as a Connection owned by loop.
func New(id uint64, owner Owner, fd int, proto Proto, local, peer net.Addr) *Connection {
	c := &Connection{
		id:        id,
		owner:     owner,
		proto:     proto,
		localAddr: local,
		peerAddr:  peer,
		inputBuf:  buffer.New(),
		outputBuf: buffer.New(),
		nextID:    1,
		sendID:    1,
		closeWait: make(chan struct{}),
	}
	c.state.Store(int32(StateConnecting))
	c.ch = channel.New(owner, fd, true)
	c.ch.SetReadHandler(c.handleRead)
	c.ch.SetWriteHandler(c.handleWrite)
	c.ch.SetErrorHandler(c.handleError)
	return c
}

func (c *Connection) ID() uint64        { return c.id }
func (c *Connection) FD() int           { return c.ch.FD() }
func (c *Connection) LocalAddr() net.Addr { return c.localAddr }
func (c *Connection) PeerAddr() net.Addr  { return c.peerAddr }
func (c *Connection) State() State      { return State(c.state.Load()) }
func (c *Connection) IsConnected() bool { return c.State() == StateConnected }
func (c *Connection) IsClosed() bool    { return c.State() == StateClosed }
func (c *Connection) Context() any      { return c.context }
func (c *Connection) SetContext(ctx any) { c.context = ctx }

func (c *Connection) SetConnectionHandler(f func(*Connection))    { c.onConnection = f }
func (c *Connection) SetMessageHandler(f MessageHandler)          { c.onMessage = f }
func (c *Connection) SetWriteCompleteHandler(f func(*Connection)) { c.onWriteComplete = f }
func (c *Connection) SetCloseHandler(f func(*Connection))         { c.onClose = f }
func (c *Connection) SetHighWaterMarkHandler(size int, f func(*Connection)) {
	c.highWaterMark = size
	c.onHighWaterMark = f
}

// Establish registers the channel with the loop and transitions
// Connecting -> Connected, invoking the connection handler once.
func (c *Connection) Establish() {
	c.ch.Add()
	c.state.Store(int32(StateConnected))
	if c.onConnection != nil {
		c.onConnection(c)
	}
}

func (c *Connection) handleRead() {
	n, err := c.inputBuf.ReadFD(c.ch.FD())
	if err != nil {
		c.handleErrno(err)
		return
	}
	if n > 0 {
		if c.onMessage != nil {
			c.onMessage(c, c.inputBuf)
		} else {
			c.inputBuf.RetrieveAll()
		}
	} else {
		c.resetByPeer = true
		c.forceClose()
	}
	c.updateTTLTimer()
}

func (c *Connection) handleWrite() {
	if c.IsClosed() {
		rlog.Warn("conn: write on closed connection", rlog.F("id", c.id))
		return
	}
	if !c.ch.IsWriting() {
		return
	}

	for {
		c.mu.Lock()
		if len(c.sendQueue) == 0 || c.sendQueue[0].id != c.nextID {
			c.mu.Unlock()
			break
		}
		task := &c.sendQueue[0]
		c.mu.Unlock()

		switch task.kind {
		case sendByteStream:
			n, err := c.rawWrite(c.outputBuf.Peek()[:task.byteLen])
			if err != nil {
				if errors.Is(err, unix.EAGAIN) {
					return
				}
				return
			}
			if n > 0 {
				task.byteLen -= n
				c.outputBuf.Retrieve(n)
				if task.byteLen == 0 {
					c.popSendTask()
					continue
				}
			}
			return
		case sendFileStream:
			n, err := unix.Sendfile(c.ch.FD(), task.fileFD, &task.fileOffset, int(task.fileCount))
			if err != nil {
				if errors.Is(err, unix.EAGAIN) {
					return
				}
				return
			}
			if n > 0 {
				task.fileCount -= int64(n)
				if task.fileCount == 0 {
					c.popSendTask()
					continue
				}
			}
			return
		case sendCompletionMarker:
			marker := task.marker
			c.popSendTask()
			if marker != nil {
				marker(c)
			}
			continue
		}
	}

	c.mu.Lock()
	empty := len(c.sendQueue) == 0
	c.mu.Unlock()
	if empty {
		c.ch.DisableWrite()
		if c.onWriteComplete != nil {
			c.onWriteComplete(c)
		}
		if c.State() == StateClosing {
			c.forceClose()
		}
	}
}

func (c *Connection) popSendTask() {
	c.mu.Lock()
	c.sendQueue = c.sendQueue[1:]
	c.nextID++
	c.mu.Unlock()
}

func (c *Connection) rawWrite(data []byte) (int, error) {
	n, err := unix.Write(c.ch.FD(), data)
	if err != nil {
		c.handleErrno(err)
		return 0, err
	}
	return n, nil
}

// handleError runs when the dispatcher reports EventError for this fd.
// Go has no ambient errno the way the original's handle_error() inspected;
// SO_ERROR is the portable way to recover what went wrong.
func (c *Connection) handleError() {
	errno, err := unix.GetsockoptInt(c.ch.FD(), unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		c.handleErrno(err)
		return
	}
	if errno == 0 {
		return
	}
	c.handleErrno(unix.Errno(errno))
}

func (c *Connection) handleErrno(err error) {
	if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) || errors.Is(err, unix.EINTR) {
		rlog.Warn("conn: transient I/O error", rlog.F("id", c.id), rlog.F("error", err))
		return
	}
	rlog.Error("conn: I/O error", rlog.F("id", c.id), rlog.F("error", err))
	c.forceClose()
}

// Send queues data for delivery, writing inline when possible. Safe from
// any goroutine; cross-thread calls copy the data before handing it to the
// loop thread, matching spec.md §4.7's "never touch the send queue off the
// loop thread" invariant.
func (c *Connection) Send(data []byte) {
	if c.owner.IsLoopThread() {
		c.sendInLoop(data)
	} else {
		cp := append([]byte(nil), data...)
		c.owner.QueueInLoop(func() { c.sendInLoop(cp) })
	}
	c.updateTTLTimer()
}

func (c *Connection) SendString(s string) { c.Send([]byte(s)) }

func (c *Connection) sendInLoop(data []byte) {
	if c.IsClosed() {
		rlog.Warn("conn: send on closed connection", rlog.F("id", c.id))
		return
	}

	n := 0
	c.mu.Lock()
	empty := len(c.sendQueue) == 0
	c.mu.Unlock()

	if !c.ch.IsWriting() && empty {
		written, err := c.rawWrite(data)
		if err != nil && !errors.Is(err, unix.EAGAIN) {
			return
		}
		n = written
		data = data[n:]
	}

	if len(data) == 0 {
		return
	}

	c.outputBuf.Append(data)
	c.mu.Lock()
	id := c.sendID
	c.sendID++
	c.sendQueue = append(c.sendQueue, sendTask{id: id, kind: sendByteStream, byteLen: len(data)})
	readable := c.outputBuf.Readable()
	c.mu.Unlock()

	c.ch.EnableWrite()

	if c.highWaterMark > 0 && readable >= c.highWaterMark && c.onHighWaterMark != nil {
		c.owner.QueueInLoop(func() { c.onHighWaterMark(c) })
	}
}

// SendFile queues fd[offset:offset+count) for delivery via sendfile(2).
// Must be called from any goroutine; internally always routed through the
// loop thread since file descriptors aren't safely copyable across a
// channel the way a byte slice is.
func (c *Connection) SendFile(fd int, offset, count int64) {
	c.owner.RunInLoop(func() { c.sendFileInLoop(fd, offset, count) })
	c.updateTTLTimer()
}

func (c *Connection) sendFileInLoop(fd int, offset, count int64) {
	if c.IsClosed() {
		rlog.Warn("conn: send file on closed connection", rlog.F("id", c.id))
		return
	}

	c.mu.Lock()
	empty := len(c.sendQueue) == 0
	c.mu.Unlock()

	if !c.ch.IsWriting() && empty {
		n, err := unix.Sendfile(c.ch.FD(), fd, &offset, int(count))
		if err != nil && !errors.Is(err, unix.EAGAIN) {
			return
		}
		count -= int64(n)
	}

	if count <= 0 {
		return
	}

	c.mu.Lock()
	id := c.sendID
	c.sendID++
	c.sendQueue = append(c.sendQueue, sendTask{id: id, kind: sendFileStream, fileFD: fd, fileOffset: offset, fileCount: count})
	c.mu.Unlock()

	c.ch.EnableWrite()
}

// SetSendCompleteHandler queues a one-shot handler to run once every send
// task enqueued before this call has fully drained, preserving FIFO order
// with byte/file streams (spec.md §4.7).
func (c *Connection) SetSendCompleteHandler(f func(*Connection)) {
	c.owner.RunInLoop(func() {
		c.mu.Lock()
		id := c.sendID
		c.sendID++
		c.sendQueue = append(c.sendQueue, sendTask{id: id, kind: sendCompletionMarker, marker: f})
		c.mu.Unlock()
		c.ch.EnableWrite()
	})
}

// SetTTL arms an inactivity timer: if no Send/SendFile/read activity
// occurs within ms milliseconds, the connection is closed.
func (c *Connection) SetTTL(ms int64) {
	if ms <= 0 {
		return
	}
	c.owner.RunInLoop(func() {
		c.ttlMS = ms
		if c.ttlTimer != 0 {
			c.owner.CancelTimer(c.ttlTimer)
		}
		c.armTTLTimer()
	})
}

func (c *Connection) armTTLTimer() {
	c.ttlTimer = c.owner.RunAfter(time.Duration(c.ttlMS)*time.Millisecond, func() {
		c.Close()
	})
}

func (c *Connection) updateTTLTimer() {
	c.owner.RunInLoop(func() {
		if c.ttlTimer == 0 {
			return
		}
		c.owner.CancelTimer(c.ttlTimer)
		c.armTTLTimer()
	})
}

// Close requests a graceful close: if the send queue is non-empty the
// connection drains first, and only then runs the close handler.
func (c *Connection) Close() {
	c.owner.RunInLoop(func() { c.handleClose(false) })
}

// ForceClose closes immediately, discarding any unsent data.
func (c *Connection) ForceClose() {
	c.owner.RunInLoop(func() { c.handleClose(true) })
}

// CloseWait blocks the calling goroutine until the close handler has run
// to completion, per spec.md §4.7/§6's synchronous-teardown contract. Safe
// to call from any goroutine, including before Close/ForceClose has been
// requested.
func (c *Connection) CloseWait() {
	<-c.closeWait
}

func (c *Connection) forceClose() { c.handleClose(true) }

func (c *Connection) handleClose(forced bool) {
	if c.IsClosed() {
		return
	}
	if c.ttlTimer != 0 {
		c.owner.CancelTimer(c.ttlTimer)
		c.ttlTimer = 0
	}

	c.mu.Lock()
	queueEmpty := len(c.sendQueue) == 0
	c.mu.Unlock()

	if !forced && !queueEmpty {
		c.state.Store(int32(StateClosing))
		return
	}

	c.state.Store(int32(StateClosed))
	c.ch.Remove()

	if c.onClose != nil {
		// Swap to nil before invoking, so a close handler that itself
		// triggers another close path never re-enters it.
		handler := c.onClose
		c.onClose = nil
		handler(c)
	}
	close(c.closeWait)
}

// ResetByPeer reports whether the last close was due to the peer sending
// EOF (a 0-byte read), as opposed to a local Close/ForceClose or error.
func (c *Connection) ResetByPeer() bool { return c.resetByPeer }
