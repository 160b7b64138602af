// Package quicctx owns the process-wide endpoint state for one role:
// the connection indexes (by connection id and by peer address), the
// stateless packet queue, the reset/retry secret seeds, the session
// ticket store, and the housekeeping that retires disconnected
// connections (spec.md §3 "QuicContext", §4.8).
package quicctx

import (
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/m-lab/go/anonymize"
	"github.com/m-lab/go/logx"

	"github.com/quicwire/qcore/conn"
	"github.com/quicwire/qcore/connid"
	"github.com/quicwire/qcore/metrics"
	"github.com/quicwire/qcore/notify"
	"github.com/quicwire/qcore/packet"
	"github.com/quicwire/qcore/tlsprovider"
	"github.com/quicwire/qcore/version"
)

// Sizes of the context-owned secret seeds (spec.md §3).
const (
	ResetSeedLen = 16
	RetrySeedLen = 64
)

// statelessQueueDepth bounds the outbound stateless packet queue;
// overflow drops the packet, which is always safe for stateless kinds
// (the peer retries).
const statelessQueueDepth = 128

// Errors returned by Context operations.
var (
	ErrConnectionsOpen = errors.New("quicctx: context closed with connections still open")
	ErrServerOnly      = errors.New("quicctx: operation requires server role")
	ErrClientOnly      = errors.New("quicctx: operation requires client role")
)

var oneSecondLog = logx.NewLogEvery(nil, time.Second)

// StatelessPacket is a raw outbound buffer not tied to any connection:
// version-negotiation, stateless-retry, or stateless-reset (spec.md §3).
type StatelessPacket struct {
	Data []byte
	Dest net.Addr
}

// Config bundles the construction-time policy for a Context.
type Config struct {
	Role tlsprovider.Role

	// RequireRetryCookie makes a server answer the first Initial from
	// any address with a stateless retry instead of accepting it
	// (spec.md §4.6 "Stateless retry").
	RequireRetryCookie bool

	// DefaultALPN is offered (client) or preferred (server) when the
	// application does not specify one.
	DefaultALPN string

	// Callbacks is the default application callback set installed on
	// every connection this context creates.
	Callbacks conn.Callbacks

	// NewTLS builds a fresh TLS provider for each connection; it is the
	// "TLS master context" of spec.md §3 in capability form.
	NewTLS func(role tlsprovider.Role) tlsprovider.Provider

	// Sink, if non-nil, receives best-effort lifecycle events.
	Sink notify.Sink

	// Clock defaults to time.Now; tests substitute simulated time.
	Clock tlsprovider.Clock

	// LocalAddr is the local "destination" address recorded on each
	// connection.
	LocalAddr net.Addr
}

// Context is the process-wide endpoint state for one role.
type Context struct {
	cfg Config

	byConnID map[uint64]*conn.Connection
	byAddr   map[string]*conn.Connection

	resetSeed []byte
	retrySeed []byte
	rng       *rng

	// Tickets is the client-side in-memory session ticket store.
	Tickets tlsprovider.TicketStore

	stateless chan StatelessPacket
	cache     *Cache
	anon      anonymize.IPAnonymizer
}

// New creates a Context, deriving its reset and retry seeds from the
// crypto RNG. Destroy it with Close once every connection has been
// closed.
func New(cfg Config) (*Context, error) {
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Sink == nil {
		cfg.Sink = notify.NullSink()
	}
	r, err := newRNG()
	if err != nil {
		return nil, err
	}
	resetSeed := make([]byte, ResetSeedLen)
	retrySeed := make([]byte, RetrySeedLen)
	r.fill(resetSeed)
	r.fill(retrySeed)
	return &Context{
		cfg:       cfg,
		byConnID:  make(map[uint64]*conn.Connection),
		byAddr:    make(map[string]*conn.Connection),
		resetSeed: resetSeed,
		retrySeed: retrySeed,
		rng:       r,
		Tickets:   tlsprovider.NewMemoryTicketStore(64, cfg.Clock),
		stateless: make(chan StatelessPacket, statelessQueueDepth),
		cache:     NewCache(),
		anon:      anonymize.New(anonymize.Netblock),
	}, nil
}

func addrKey(a net.Addr) string {
	if a == nil {
		return ""
	}
	return a.Network() + "/" + a.String()
}

// Connect creates a client connection to peerAddr proposing the given
// version, registers it in both indexes, and returns it. The handshake
// starts on the first PrepareNext call.
func (ctx *Context) Connect(proposed version.Number, peerAddr net.Addr) (*conn.Connection, error) {
	if ctx.cfg.Role != tlsprovider.RoleClient {
		return nil, ErrClientOnly
	}
	initialID := ctx.rng.Uint64()
	c, err := conn.NewClientConnection(proposed, initialID, peerAddr, ctx.cfg.LocalAddr, ctx.cfg.NewTLS(tlsprovider.RoleClient), ctx.cfg.Callbacks)
	if err != nil {
		return nil, err
	}
	ctx.index(c)
	return c, nil
}

// index (re)registers c under every id it is currently known by, plus
// its peer address. Cheap enough to call after every Incoming, which
// keeps the indexes correct when a retry or handshake changes the wire
// connection id mid-flight.
func (ctx *Context) index(c *conn.Connection) {
	ctx.byConnID[c.LocalConnID] = c
	ctx.byConnID[c.InitialConnID] = c
	if c.HasPeerConnID {
		ctx.byConnID[c.PeerConnID] = c
	}
	ctx.byAddr[addrKey(c.PeerAddr)] = c
}

func (ctx *Context) unindex(c *conn.Connection) {
	for id, v := range ctx.byConnID {
		if v == c {
			delete(ctx.byConnID, id)
		}
	}
	delete(ctx.byAddr, addrKey(c.PeerAddr))
}

// Connections returns every connection the context currently tracks.
func (ctx *Context) Connections() []*conn.Connection {
	seen := make(map[*conn.Connection]bool, len(ctx.byConnID))
	out := make([]*conn.Connection, 0, len(ctx.byConnID))
	for _, c := range ctx.byConnID {
		if !seen[c] {
			seen[c] = true
			out = append(out, c)
		}
	}
	return out
}

// Incoming routes one received UDP datagram: by connection id when the
// header carries one, else by source address; a server accepts a fresh
// Initial by creating the connection (spec.md §4.8). Unroutable
// datagrams produce at most a stateless packet in response.
func (ctx *Context) Incoming(datagram []byte, peer net.Addr, now time.Time) error {
	if len(datagram) == 0 {
		return nil
	}
	h, err := packet.ParseHeader(datagram, 0, false)
	if err != nil {
		oneSecondLog.Println("quicctx: undecodable header from", ctx.anonAddr(peer), err)
		return nil
	}

	var c *conn.Connection
	if h.HasConnID {
		c = ctx.byConnID[h.ConnID]
	}
	if c == nil {
		c = ctx.byAddr[addrKey(peer)]
	}

	if c == nil {
		return ctx.incomingUnmatched(datagram, h, peer, now)
	}

	before := c.State
	err = c.Incoming(datagram, now)
	ctx.index(c)
	ctx.observeTransition(c, before, now)
	return err
}

// incomingUnmatched handles a datagram no connection claims: server-side
// connection acceptance, version negotiation, stateless retry, and
// stateless reset.
func (ctx *Context) incomingUnmatched(datagram []byte, h packet.Header, peer net.Addr, now time.Time) error {
	if h.Form == packet.FormShort {
		// Short-header traffic for no known connection id: answer with a
		// stateless reset so a rebooted peer can tear down quickly
		// (spec.md §6 "Stateless reset").
		if h.HasConnID {
			ctx.queueStatelessReset(h.ConnID, peer)
		}
		return nil
	}

	if ctx.cfg.Role != tlsprovider.RoleServer || h.Type != packet.TypeInitial {
		oneSecondLog.Println("quicctx: dropping unmatched packet from", ctx.anonAddr(peer))
		return nil
	}

	if len(datagram) < packet.MinInitialDatagramSize {
		oneSecondLog.Println("quicctx: undersized initial from", ctx.anonAddr(peer))
		return nil
	}

	if h.VersionIndex < 0 {
		ctx.queueVersionNegotiation(h.ConnID, peer)
		return nil
	}

	if ctx.cfg.RequireRetryCookie && h.ConnID != ctx.retryConnID(peer) {
		ctx.queueRetry(h.Version, peer)
		return nil
	}

	serverID := ctx.rng.Uint64()
	if ctx.cfg.Callbacks.ConnIDCB != nil {
		serverID = ctx.cfg.Callbacks.ConnIDCB(serverID)
	}
	c, err := conn.NewServerConnection(h.Version, h.ConnID, serverID, peer, ctx.cfg.LocalAddr,
		ctx.cfg.NewTLS(tlsprovider.RoleServer), ctx.cfg.Callbacks,
		ctx.resetSeed, ctx.retrySeed, ctx.cfg.RequireRetryCookie)
	if err != nil {
		return err
	}
	ctx.index(c)

	before := c.State
	err = c.Incoming(datagram, now)
	ctx.observeTransition(c, before, now)
	return err
}

// retryConnID derives the cookie-bearing connection id for peer: the
// leading 8 bytes of an HMAC over the address, keyed by the retry seed.
// A client that received our retry echoes it as its destination
// connection id, which we verify statelessly here.
func (ctx *Context) retryConnID(peer net.Addr) uint64 {
	cookie := packet.RetryCookie(ctx.retrySeed, []byte(addrKey(peer)), 0)
	var id uint64
	for i := 0; i < 8; i++ {
		id = id<<8 | uint64(cookie[i])
	}
	return id
}

func (ctx *Context) queueRetry(ver version.Number, peer net.Addr) {
	buf := make([]byte, 32)
	n, err := packet.EncodeLongHeader(buf, packet.TypeRetry, ver, ctx.retryConnID(peer), 0, 1)
	if err != nil {
		return
	}
	ctx.queueStateless(StatelessPacket{Data: buf[:n], Dest: peer}, "retry")
}

func (ctx *Context) queueVersionNegotiation(connID uint64, peer net.Addr) {
	supported := make([]version.Number, 0, len(version.Table))
	for _, rec := range version.Table {
		supported = append(supported, rec.Version)
	}
	buf := make([]byte, 1+4+8+4*len(supported))
	n, err := packet.EncodeVersionNegotiation(buf, connID, supported)
	if err != nil {
		return
	}
	ctx.queueStateless(StatelessPacket{Data: buf[:n], Dest: peer}, "version_negotiation")
}

func (ctx *Context) queueStatelessReset(connID uint64, peer net.Addr) {
	token := packet.StatelessResetToken(ctx.resetSeed, connID)
	// Random-looking filler ahead of the token so the packet is not
	// distinguishable from a short-header packet by length alone.
	buf := make([]byte, 24+len(token))
	ctx.rng.fill(buf[:24])
	buf[0] &^= 0x80 // short-header form bit
	copy(buf[24:], token[:])
	ctx.queueStateless(StatelessPacket{Data: buf, Dest: peer}, "reset")
}

func (ctx *Context) queueStateless(p StatelessPacket, kind string) {
	select {
	case ctx.stateless <- p:
		metrics.StatelessPacketsSentTotal.WithLabelValues(kind).Inc()
	default:
		oneSecondLog.Println("quicctx: stateless queue full, dropping", kind)
	}
}

// PrepareNext produces at most one outbound datagram: stateless packets
// first, then the tracked connection with the earliest wake time that
// has something to send. It also performs the deferred destruction of
// disconnected connections and a housekeeping cycle (spec.md §4.8).
func (ctx *Context) PrepareNext(now time.Time) (data []byte, dest net.Addr, hasOutput bool, next time.Time) {
	select {
	case p := <-ctx.stateless:
		return p.Data, p.Dest, true, now
	default:
	}

	next = now.Add(conn.MicrosecSilenceMax)
	var retired []*conn.Connection
	for _, c := range ctx.connectionsByWakeTime() {
		if c.State == conn.StateDisconnected {
			retired = append(retired, c)
			continue
		}
		before := c.State
		out, ok, wake := c.PrepareNext(now)
		ctx.observeTransition(c, before, now)
		if c.State == conn.StateDisconnected {
			retired = append(retired, c)
		}
		if ok {
			if wake.Before(next) {
				next = wake
			}
			data, dest, hasOutput = out, c.PeerAddr, true
			break
		}
		if wake.Before(next) {
			next = wake
		}
	}

	for _, c := range retired {
		ctx.retire(c)
	}
	ctx.housekeep()
	return data, dest, hasOutput, next
}

// connectionsByWakeTime lists tracked connections ordered by ascending
// NextWakeTime; n is small, so insertion sort keeps this simple.
func (ctx *Context) connectionsByWakeTime() []*conn.Connection {
	conns := ctx.Connections()
	for i := 1; i < len(conns); i++ {
		for j := i; j > 0 && conns[j].NextWakeTime.Before(conns[j-1].NextWakeTime); j-- {
			conns[j], conns[j-1] = conns[j-1], conns[j]
		}
	}
	return conns
}

func (ctx *Context) retire(c *conn.Connection) {
	reason := "local"
	switch {
	case c.RemoteTransportError != nil || c.RemoteAppError != nil:
		reason = "remote"
	case c.LocalTransportError != nil && *c.LocalTransportError == 0:
		reason = "idle"
	}
	metrics.ConnectionsClosedTotal.WithLabelValues(reason).Inc()
	ctx.unindex(c)
}

func (ctx *Context) housekeep() {
	for _, c := range ctx.Connections() {
		ctx.cache.Update(c.LocalConnID, c)
	}
	ctx.cache.EndCycle()
}

// observeTransition publishes best-effort lifecycle events when a call
// into the connection moved it into a ready or terminal state.
func (ctx *Context) observeTransition(c *conn.Connection, before conn.State, now time.Time) {
	after := c.State
	if before == after {
		return
	}
	if !before.IsReady() && after.IsReady() {
		ctx.cfg.Sink.Notify(notify.Event{
			Kind:      notify.HandshakeReady,
			Timestamp: now,
			ConnID:    ctx.connLabel(c),
			PeerAddr:  ctx.anonAddr(c.PeerAddr),
		})
	}
	if !before.IsTerminal() && after.IsTerminal() {
		var code *uint16
		if c.RemoteTransportError != nil {
			v := uint16(*c.RemoteTransportError)
			code = &v
		} else if c.LocalTransportError != nil {
			v := uint16(*c.LocalTransportError)
			code = &v
		}
		ctx.cfg.Sink.Notify(notify.Event{
			Kind:      notify.Closing,
			Timestamp: now,
			ConnID:    ctx.connLabel(c),
			PeerAddr:  ctx.anonAddr(c.PeerAddr),
			Code:      code,
		})
	}
}

func (ctx *Context) connLabel(c *conn.Connection) string {
	if s, err := connid.FromWireID(c.LocalConnID); err == nil {
		return s
	}
	return fmt.Sprintf("%016X", c.LocalConnID)
}

// anonAddr renders addr for logs and events with its IP anonymized to
// the netblock, so observability output never carries full peer
// addresses.
func (ctx *Context) anonAddr(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	host, port, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return addr.String()
	}
	ctx.anon.IP(ip)
	return net.JoinHostPort(ip.String(), port)
}

// Close verifies every connection has been closed and releases the
// context. It is an error to call it with live connections (spec.md §3
// "all Connections must be closed before destruction").
func (ctx *Context) Close() error {
	for _, c := range ctx.Connections() {
		if c.State != conn.StateDisconnected {
			return ErrConnectionsOpen
		}
		ctx.unindex(c)
	}
	return nil
}
