// quicwatch is a minimal reference implementation of a notify-socket
// client: it tails a running endpoint's connection-lifecycle event
// socket and prints every event.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"

	"github.com/m-lab/go/flagx"
	"github.com/m-lab/go/rtx"

	"github.com/quicwire/qcore/notify"
)

var (
	socket = flag.String("quicwatch.socket", "", "Path to the unix-domain event socket of a running endpoint.")

	mainCtx, mainCancel = context.WithCancel(context.Background())
)

func init() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
}

// handler prints events as they arrive. Events are delivered
// single-threaded and blocking, so there is nothing to synchronize.
type handler struct {
	count int
}

func (h *handler) OnEvent(e notify.Event) {
	h.count++
	switch {
	case e.StreamID != nil && e.Code != nil:
		log.Println(e.Kind, e.ConnID, e.PeerAddr, "stream", *e.StreamID, "code", *e.Code)
	case e.Code != nil:
		log.Println(e.Kind, e.ConnID, e.PeerAddr, "code", *e.Code)
	default:
		log.Println(e.Kind, e.ConnID, e.PeerAddr)
	}
}

func main() {
	flag.Parse()
	rtx.Must(flagx.ArgsFromEnv(flag.CommandLine), "Could not get args from environment variables")
	defer mainCancel()

	if *socket == "" {
		panic("-quicwatch.socket path is required")
	}

	h := &handler{}
	rtx.Must(notify.MustRun(mainCtx, *socket, h), "Event socket client failed")
	fmt.Println("ok")
}
