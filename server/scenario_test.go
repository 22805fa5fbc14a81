package server_test

import (
	"context"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/yaomer/angelgo/buffer"
	"github.com/yaomer/angelgo/client"
	"github.com/yaomer/angelgo/conn"
	"github.com/yaomer/angelgo/loop"
	"github.com/yaomer/angelgo/server"
)

func newRunningLoop(t *testing.T) *loop.Loop {
	t.Helper()
	lp, err := loop.New()
	require.NoError(t, err)
	go func() { _ = lp.Run(context.Background()) }()
	ready := make(chan struct{})
	lp.QueueInLoop(func() { close(ready) })
	<-ready
	t.Cleanup(func() {
		lp.Quit()
		<-lp.Done()
		_ = lp.Close()
	})
	return lp
}

// TestHighWaterMarkFiresExactlyOnce covers spec.md §8 scenario 2: a client
// connects but never reads; the server sends a single payload past the
// high-water threshold in one Send call and the callback must fire exactly
// once.
func TestHighWaterMarkFiresExactlyOnce(t *testing.T) {
	mainLoop := newRunningLoop(t)

	const threshold = 1024
	var fires atomic.Int32

	srv, err := server.New(mainLoop, "127.0.0.1:0")
	require.NoError(t, err)
	srv.SetConnectionHandler(func(c *conn.Connection) {
		c.SetHighWaterMarkHandler(threshold, func(*conn.Connection) { fires.Add(1) })
		c.Send(make([]byte, 4096))
	})
	require.NoError(t, srv.Start())
	defer srv.Quit()

	// A bare net.Conn client that connects and never reads, so the kernel
	// receive buffer fills and the server's write cannot drain inline.
	rawConn, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	defer rawConn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for fires.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	assert.EqualValues(t, 1, fires.Load())

	time.Sleep(20 * time.Millisecond)
	assert.EqualValues(t, 1, fires.Load(), "high-water callback must fire exactly once, not once per readiness event")
}

// TestClientReconnectsAfterServerKillsConnection covers spec.md §8 scenario
// 3: the server accepts a connection and immediately kills it; the client
// (is_reconnect=true) must reconnect within retry_interval_ms and resume
// exchanging messages.
func TestClientReconnectsAfterServerKillsConnection(t *testing.T) {
	mainLoop := newRunningLoop(t)

	var accepts atomic.Int32
	srv, err := server.New(mainLoop, "127.0.0.1:0")
	require.NoError(t, err)
	srv.SetConnectionHandler(func(c *conn.Connection) {
		if accepts.Add(1) == 1 {
			c.ForceClose()
			return
		}
		c.Send([]byte("resumed"))
	})
	require.NoError(t, srv.Start())
	defer srv.Quit()

	clientThread := loop.NewThread()
	clientLoop, err := clientThread.Loop()
	require.NoError(t, err)
	defer clientThread.Stop()

	addr := srv.Addr().(*net.TCPAddr)
	opts := client.DefaultOptions()
	opts.KeepReconnect = true
	opts.Reconnect = true
	opts.RetryInterval = 20 * time.Millisecond
	cli := client.New(clientLoop, addr, opts)

	resumed := make(chan string, 1)
	cli.SetMessageHandler(func(c *conn.Connection, in *buffer.Buffer) {
		resumed <- in.RetrieveAsString(in.Readable())
	})
	cli.Start()

	select {
	case msg := <-resumed:
		assert.Equal(t, "resumed", msg)
	case <-time.After(3 * time.Second):
		t.Fatal("client never reconnected and resumed after server-side kill")
	}
	assert.GreaterOrEqual(t, accepts.Load(), int32(2))
}

// TestCrossThreadSendOrderingNeverInterleaves covers spec.md §8 scenario 5:
// two goroutines concurrently call Send on the same Connection; the wire
// must see one payload then the other, atomically, never an interleave of
// bytes from both.
func TestCrossThreadSendOrderingNeverInterleaves(t *testing.T) {
	mainLoop := newRunningLoop(t)

	payloadA := make([]byte, 8192)
	payloadB := make([]byte, 8192)
	for i := range payloadA {
		payloadA[i] = 'A'
		payloadB[i] = 'B'
	}

	var target *conn.Connection
	ready := make(chan struct{})
	srv, err := server.New(mainLoop, "127.0.0.1:0")
	require.NoError(t, err)
	srv.SetConnectionHandler(func(c *conn.Connection) {
		target = c
		close(ready)
	})
	require.NoError(t, srv.Start())
	defer srv.Quit()

	rawConn, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	defer rawConn.Close()
	<-ready

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); target.Send(payloadA) }()
	go func() { defer wg.Done(); target.Send(payloadB) }()
	wg.Wait()

	want := len(payloadA) + len(payloadB)
	got := make([]byte, 0, want)
	buf := make([]byte, 4096)
	rawConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for len(got) < want {
		n, err := rawConn.Read(buf)
		require.NoError(t, err)
		got = append(got, buf[:n]...)
	}

	firstIsA := string(got[:len(payloadA)]) == string(payloadA)
	firstIsB := string(got[:len(payloadB)]) == string(payloadB)
	assert.True(t, firstIsA || firstIsB, "wire bytes must be one whole payload followed by the other, never interleaved")
	if firstIsA {
		assert.Equal(t, string(payloadB), string(got[len(payloadA):]))
	} else {
		assert.Equal(t, string(payloadA), string(got[len(payloadB):]))
	}
}

// TestEMFILERescueContinuesAcceptingAfterSaturation covers spec.md §8
// scenario 6: with the process fd table saturated, new connection attempts
// must not wedge the accept loop; once slack is freed the server resumes
// accepting cleanly.
func TestEMFILERescueContinuesAcceptingAfterSaturation(t *testing.T) {
	mainLoop := newRunningLoop(t)

	var accepted atomic.Int32
	srv, err := server.New(mainLoop, "127.0.0.1:0")
	require.NoError(t, err)
	srv.SetConnectionHandler(func(c *conn.Connection) { accepted.Add(1) })
	require.NoError(t, srv.Start())
	defer srv.Quit()

	var rlimit unix.Rlimit
	require.NoError(t, unix.Getrlimit(unix.RLIMIT_NOFILE, &rlimit))
	saved := rlimit
	t.Cleanup(func() { _ = unix.Setrlimit(unix.RLIMIT_NOFILE, &saved) })

	// Lower the soft limit to something small enough to saturate quickly
	// but large enough to leave room for the test harness's own fds.
	lowered := unix.Rlimit{Cur: 48, Max: saved.Max}
	require.NoError(t, unix.Setrlimit(unix.RLIMIT_NOFILE, &lowered))

	var hogs []*os.File
	defer func() {
		for _, f := range hogs {
			_ = f.Close()
		}
	}()
	for {
		f, err := os.Open(os.DevNull)
		if err != nil {
			break
		}
		hogs = append(hogs, f)
	}

	// The fd table is now saturated: every accept attempt against the
	// server should hit EMFILE and trigger the rescue path instead of
	// spinning. Dialing itself may fail (saturated client-side fds too);
	// that's fine, the invariant under test is that the listener keeps
	// accepting once slack is freed, not that these dials succeed.
	for i := 0; i < 10; i++ {
		c, err := net.DialTimeout("tcp", srv.Addr().String(), 200*time.Millisecond)
		if err == nil {
			c.Close()
		}
	}

	// Free slack and restore the limit, then confirm the server still
	// accepts a fresh connection cleanly.
	for _, f := range hogs {
		_ = f.Close()
	}
	hogs = nil
	require.NoError(t, unix.Setrlimit(unix.RLIMIT_NOFILE, &saved))

	rawConn, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	defer rawConn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for accepted.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	assert.GreaterOrEqual(t, accepted.Load(), int32(1), "server must resume accepting after the EMFILE rescue path runs")
}
