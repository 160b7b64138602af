// Package connid produces human-debuggable composite identifiers for
// connections, of the form hostname_boottime_HEXID, layered over the
// raw 8-byte wire connection id. The prefix uniquely identifies this
// process's connection-id namespace across restarts, so log lines and
// archived snapshots from different boots never collide.
package connid

import "github.com/m-lab/uuid"

// FromWireID returns a string that is a globally unique identifier for
// the passed-in wire connection id (assuming hostnames are unique).
// QUIC has no kernel socket cookie to query with SO_COOKIE, but the
// wire connection id the context generated is already a uint64 playing
// the same role, so it feeds the cookie-based formatter directly.
func FromWireID(id uint64) (string, error) {
	return uuid.FromCookie(id), nil
}
