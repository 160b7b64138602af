// Package drive is the reference host loop for the engine: it shows
// how a UDP-socket owner calls Incoming and PrepareNext on a schedule.
// The engine itself owns no thread and no socket (spec.md §5); this
// package is the shape hosts are expected to reproduce, and it is what
// the module's own end-to-end tests run.
package drive

import (
	"context"
	"log"
	"net"
	"time"

	"github.com/quicwire/qcore/reliability"
)

// Endpoint is the surface drive needs from quicctx.Context.
type Endpoint interface {
	Incoming(datagram []byte, peer net.Addr, now time.Time) error
	PrepareNext(now time.Time) (data []byte, dest net.Addr, hasOutput bool, next time.Time)
}

// Transport is the datagram I/O the host owns. Recv must not block:
// it returns ok=false when nothing is pending.
type Transport interface {
	Send(datagram []byte, dest net.Addr) error
	Recv() (datagram []byte, peer net.Addr, ok bool)
}

// Run drives ep against tr, either for the specified number of loops,
// or, if reps is zero, until ctx is canceled. Each loop drains pending
// inbound datagrams, then sends everything the endpoint has ready.
// Returns the loop and send counts.
func Run(ctx context.Context, reps int, ep Endpoint, tr Transport) (loops, sends int) {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for loops = 0; (reps == 0 || loops < reps) && (ctx.Err() == nil); loops++ {
		// Pacing must never observe a wall-clock step as elapsed time, so
		// the loop feeds the engine a monotonic clock.
		now := reliability.MonotonicNow()
		for {
			datagram, peer, ok := tr.Recv()
			if !ok {
				break
			}
			if err := ep.Incoming(datagram, peer, now); err != nil {
				log.Println(err)
			}
		}
		for {
			data, dest, ok, _ := ep.PrepareNext(reliability.MonotonicNow())
			if !ok {
				break
			}
			if err := tr.Send(data, dest); err != nil {
				log.Println(err)
			}
			sends++
		}
		// print stats roughly once per minute.
		if loops%6000 == 0 && loops > 0 {
			log.Printf("drive: %d loops, %d datagrams sent\n", loops, sends)
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
		}
	}
	return loops, sends
}
