package conn

import (
	"context"
	"time"
)

// Registry is the read-only view of a connection set that
// WatchForWakeups polls; quicctx.Context satisfies it.
type Registry interface {
	Connections() []*Connection
}

// WatchForWakeups repeatedly polls reg and publishes every connection
// whose NextWakeTime has arrived onto wakeC. The host is expected to
// respond by calling PrepareNext on each published connection. We would
// prefer an edge-triggered notifier, but the engine's single-threaded
// contract (spec.md §5) publishes only a next_wake_time per connection,
// so polling is the state of the art here; hosts that scan
// NextWakeTime themselves do not need this loop at all. Consumers must
// drain wakeC promptly, as a connection may be reported multiple times
// until its PrepareNext call moves the wake time forward.
func WatchForWakeups(ctx context.Context, reg Registry, wakeC chan<- *Connection) {
	defer close(wakeC)
	for ctx.Err() == nil {
		now := time.Now()
		for _, c := range reg.Connections() {
			if c.NextWakeTime.IsZero() || !c.NextWakeTime.After(now) {
				select {
				case wakeC <- c:
				case <-ctx.Done():
					return
				}
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
}
