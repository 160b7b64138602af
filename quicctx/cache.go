package quicctx

import (
	"github.com/quicwire/qcore/conn"
	"github.com/quicwire/qcore/metrics"
)

// Cache keeps a two-cycle view of the context's connections, so each
// housekeeping round can report how many connections are new, still
// present, or retired since the previous round. This is diagnostic
// only and never gates correctness.
// Cache is NOT threadsafe.
type Cache struct {
	current  map[uint64]*conn.Connection // Most recent round.
	previous map[uint64]*conn.Connection // Previous round.
	cycles   int64
}

// NewCache creates a cache object with capacity of 1000. The map size
// is adjusted on every housekeeping round, but we have to start
// somewhere.
func NewCache() *Cache {
	return &Cache{current: make(map[uint64]*conn.Connection, 1000),
		previous: make(map[uint64]*conn.Connection, 0)}
}

// Update records c in the current cycle, and returns the value the
// previous cycle held for the same id, if any.
func (c *Cache) Update(id uint64, cn *conn.Connection) *conn.Connection {
	c.current[id] = cn
	evicted, ok := c.previous[id]
	if ok {
		delete(c.previous, id)
	}
	return evicted
}

// EndCycle marks the completion of one housekeeping round. It returns
// all connections that were present in the previous round but not seen
// in this one.
func (c *Cache) EndCycle() map[uint64]*conn.Connection {
	metrics.ConnectionsActive.Set(float64(len(c.current)))
	tmp := c.previous
	c.previous = c.current
	// Allocate a bit more than previous size, to accommodate new
	// connections. This will grow and shrink with the number of active
	// connections, but minimize reallocation.
	c.current = make(map[uint64]*conn.Connection, len(c.previous)+len(c.previous)/10+10)
	c.cycles++
	return tmp
}

// CycleCount returns the number of times EndCycle() has been called.
func (c *Cache) CycleCount() int64 {
	return c.cycles
}
