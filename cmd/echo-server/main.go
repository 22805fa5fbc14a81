// Command echo-server is a minimal RFC 862 echo server built on angelgo,
// grounded on original_source/examples/echo/echo-server.cc.
package main

import (
	"context"
	"flag"
	"os/signal"
	"syscall"

	"github.com/yaomer/angelgo/buffer"
	"github.com/yaomer/angelgo/conn"
	"github.com/yaomer/angelgo/loop"
	"github.com/yaomer/angelgo/rlog"
	"github.com/yaomer/angelgo/server"
)

func main() {
	addr := flag.String("addr", ":8000", "listen address")
	ioThreads := flag.Int("io-threads", 0, "number of additional I/O loop threads")
	flag.Parse()

	mainLoop, err := loop.New()
	if err != nil {
		rlog.Fatal("echo-server: failed to create main loop", rlog.F("error", err))
	}

	opts := []server.Option{}
	if *ioThreads > 0 {
		opts = append(opts, server.WithIOGroup(*ioThreads))
	}

	srv, err := server.New(mainLoop, *addr, opts...)
	if err != nil {
		rlog.Fatal("echo-server: failed to bind", rlog.F("error", err))
	}

	srv.SetMessageHandler(func(c *conn.Connection, in *buffer.Buffer) {
		c.Send(in.Peek())
		in.RetrieveAll()
	})

	if err := srv.Start(); err != nil {
		rlog.Fatal("echo-server: failed to start", rlog.F("error", err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := mainLoop.Run(ctx); err != nil {
		rlog.Error("echo-server: loop exited with error", rlog.F("error", err))
	}
}
