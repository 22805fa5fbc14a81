package listener

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

func TestListenAndAcceptOneConnection(t *testing.T) {
	lp, err := loop.New()
	require.NoError(t, err)
	stop := runLoop(t, lp)
	defer stop()

	l, err := Listen(lp, "tcp", "127.0.0.1:0", DefaultOptions())
	require.NoError(t, err)
	defer l.Close()

	accepted := make(chan int, 1)
	l.SetNewConnectionHandler(func(fd int, peer net.Addr) { accepted <- fd })

	require.NoError(t, l.Start())

	addr := l.Addr()
	require.NotNil(t, addr)

	conn, err := net.Dial("tcp", addr.String())
	require.NoError(t, err)
	defer conn.Close()

	select {
	case fd := <-accepted:
		assert.Greater(t, fd, 0)
		unix.Close(fd)
	case <-time.After(time.Second):
		t.Fatal("connection was never accepted")
	}
}
