// Command echo-client is a minimal interactive echo client built on
// angelgo, grounded on original_source/sample/echo-client.cc.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/yaomer/angelgo/client"
	"github.com/yaomer/angelgo/conn"
	"github.com/yaomer/angelgo/buffer"
	"github.com/yaomer/angelgo/loop"
	"github.com/yaomer/angelgo/rlog"
)

func main() {
	addr := flag.String("addr", "127.0.0.1:8000", "server address")
	flag.Parse()

	peerAddr, err := net.ResolveTCPAddr("tcp", *addr)
	if err != nil {
		rlog.Fatal("echo-client: bad address", rlog.F("error", err))
	}

	th := loop.NewThread()
	lp, err := th.Loop()
	if err != nil {
		rlog.Fatal("echo-client: failed to create loop", rlog.F("error", err))
	}
	defer th.Stop()

	opts := client.DefaultOptions()
	opts.RetryInterval = time.Second
	cli := client.New(lp, peerAddr, opts)
	cli.SetMessageHandler(func(c *conn.Connection, in *buffer.Buffer) {
		fmt.Println(in.RetrieveAsString(in.Readable()))
	})
	cli.Start()

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		if !cli.IsConnected() {
			fmt.Println("disconnected from server")
			break
		}
		cli.Conn().SendString(scanner.Text())
	}
}
