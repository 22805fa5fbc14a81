package connector

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/yaomer/angelgo/loop"
)

func runLoop(t *testing.T, lp *loop.Loop) func() {
	t.Helper()
	go func() { _ = lp.Run(context.Background()) }()
	ready := make(chan struct{})
	lp.QueueInLoop(func() { close(ready) })
	select {
	case <-ready:
	case <-time.After(time.Second):
		t.Fatal("loop never started")
	}
	return func() {
		lp.Quit()
		<-lp.Done()
		_ = lp.Close()
	}
}

func TestConnectSucceedsAgainstRealListener(t *testing.T) {
	lp, err := loop.New()
	require.NoError(t, err)
	stop := runLoop(t, lp)
	defer stop()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan struct{}, 1)
	go func() {
		c, err := ln.Accept()
		if err == nil {
			accepted <- struct{}{}
			c.Close()
		}
	}()

	addr := ln.Addr().(*net.TCPAddr)
	connectedFD := make(chan int, 1)
	c := New(lp, addr, 0)
	c.SetConnectedHandler(func(fd int, peer net.Addr) { connectedFD <- fd })
	c.Start()

	select {
	case fd := <-connectedFD:
		assert.Greater(t, fd, 0)
		unix.Close(fd)
	case <-time.After(2 * time.Second):
		t.Fatal("connector never reported success")
	}
	<-accepted
}

func TestConnectRetriesOnRefusedConnection(t *testing.T) {
	lp, err := loop.New()
	require.NoError(t, err)
	stop := runLoop(t, lp)
	defer stop()

	// Bind a listener, grab its address, then close it immediately so
	// the address refuses connections deterministically.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().(*net.TCPAddr)
	ln.Close()

	c := New(lp, addr, 20*time.Millisecond)
	c.SetConnectedHandler(func(fd int, peer net.Addr) {})
	c.Start()

	// Give it a few retry intervals; it must still be un-connected, and
	// not blow up despite repeated failures.
	time.Sleep(100 * time.Millisecond)
	assert.False(t, c.connected)

	c.Stop()
}
