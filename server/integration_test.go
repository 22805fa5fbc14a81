package server_test

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yaomer/angelgo/buffer"
	"github.com/yaomer/angelgo/client"
	"github.com/yaomer/angelgo/conn"
	"github.com/yaomer/angelgo/loop"
	"github.com/yaomer/angelgo/server"
)

// TestEchoRoundTrip drives a full server+client pair over a real loopback
// socket: the server echoes every message back, the client sends one
// message and asserts it gets the same bytes back.
func TestEchoRoundTrip(t *testing.T) {
	mainLoop, err := loop.New()
	require.NoError(t, err)
	go func() { _ = mainLoop.Run(context.Background()) }()

	ready := make(chan struct{})
	mainLoop.QueueInLoop(func() { close(ready) })
	<-ready

	srv, err := server.New(mainLoop, "127.0.0.1:0")
	require.NoError(t, err)
	srv.SetMessageHandler(func(c *conn.Connection, in *buffer.Buffer) {
		c.Send(in.Peek())
		in.RetrieveAll()
	})
	require.NoError(t, srv.Start())
	defer func() {
		srv.Quit()
		<-mainLoop.Done()
		_ = mainLoop.Close()
	}()

	clientThread := loop.NewThread()
	clientLoop, err := clientThread.Loop()
	require.NoError(t, err)
	defer clientThread.Stop()

	addr := srv.Addr().(*net.TCPAddr)
	opts := client.DefaultOptions()
	opts.KeepReconnect = false
	cli := client.New(clientLoop, addr, opts)

	received := make(chan string, 1)
	cli.SetMessageHandler(func(c *conn.Connection, in *buffer.Buffer) {
		received <- in.RetrieveAsString(in.Readable())
	})
	cli.Start()

	deadline := time.Now().Add(2 * time.Second)
	for !cli.IsConnected() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	require.True(t, cli.IsConnected())

	cli.Conn().SendString("hello angelgo")

	select {
	case msg := <-received:
		assert.Equal(t, "hello angelgo", msg)
	case <-time.After(2 * time.Second):
		t.Fatal("never received echoed message")
	}
}
