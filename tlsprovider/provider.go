// Package tlsprovider defines the capability interface the connection
// state machine drives instead of the source's callback-plus-void-context
// TLS plumbing (Design Notes §9(b)): a narrow abstraction over "secret
// exporter + AEAD factory" per spec.md §1's scope statement. TLS 1.3
// handshake mechanics, certificate verification, and AEAD primitives
// themselves are out of scope; this package only describes the shape a
// host-supplied TLS 1.3 stack must expose.
package tlsprovider

import "time"

// Role distinguishes which side of the handshake a Provider drives.
type Role int

const (
	RoleClient Role = iota
	RoleServer
)

// Provider is the capability surface a TLS 1.3 stack exposes to the
// engine, replacing the source's "on client hello" / "encrypt ticket"
// / "save ticket" / "get time" callback-plus-context plumbing.
type Provider interface {
	// Advance feeds newly received stream-0 (CRYPTO) bytes into the
	// handshake state machine and returns bytes to send back on stream
	// 0, whether the handshake has completed, and any error. Advance
	// with a nil input requests the provider emit its next flight
	// (used by the client to produce ClientHello).
	Advance(input []byte) (output []byte, done bool, err error)

	// Exporter derives QUIC key material via the TLS exporter
	// interface, used for 0-RTT and 1-RTT secrets (spec.md §4.4's
	// literal EXPORTER-QUIC labels).
	Exporter(label string, context []byte, length int) ([]byte, error)

	// OnClientHello lets a server-role provider choose ALPN (or reject
	// the connection); unused by client-role providers.
	OnClientHello(serverName string, alpnOffered []string) (alpnChosen string, err error)

	// PeerTransportParameters returns the raw QUIC transport-parameter
	// extension (extension 26) the peer carried in its handshake, once
	// the provider has seen it. The engine decodes it; the provider
	// only ferries the opaque bytes.
	PeerTransportParameters() (raw []byte, ok bool)

	// EncryptTicket / nothing: ticket issuance is driven internally by
	// server-role providers; the engine only consumes TicketStore on
	// the client side (see below).
}

// Clock returns the provider's notion of current time, letting a
// simulated-time test harness substitute an alternate implementation
// (Design Notes §9(b)) without touching the engine.
type Clock func() time.Time

// TicketStore is the in-memory session-ticket store contract named in
// spec.md §3 ("Ticket (client)") and expanded in SPEC_FULL.md §6: a
// small capacity-bounded store keyed by (SNI, ALPN). On-disk
// persistence is out of scope; this interface is what a host-provided
// on-disk store would need to satisfy to be dropped in here.
type TicketStore interface {
	Put(sni, alpn string, blob []byte, validUntil time.Time)
	Lookup(sni, alpn string) (blob []byte, ok bool)
	Evict(sni, alpn string)
}

// memTicket is one entry in the default in-memory TicketStore
// implementation.
type memTicket struct {
	sni, alpn  string
	blob       []byte
	validUntil time.Time
}

// MemoryTicketStore is the default TicketStore: a capacity-bounded
// slice, FIFO-evicted, holding spec.md §3's "Ticket (client)" entries.
type MemoryTicketStore struct {
	capacity int
	tickets  []memTicket
	now      Clock
}

// NewMemoryTicketStore returns a store holding at most capacity
// tickets, evicting the oldest on overflow. now defaults to time.Now
// if nil.
func NewMemoryTicketStore(capacity int, now Clock) *MemoryTicketStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryTicketStore{capacity: capacity, now: now}
}

func (s *MemoryTicketStore) Put(sni, alpn string, blob []byte, validUntil time.Time) {
	s.Evict(sni, alpn)
	s.tickets = append(s.tickets, memTicket{sni: sni, alpn: alpn, blob: blob, validUntil: validUntil})
	if len(s.tickets) > s.capacity {
		s.tickets = s.tickets[1:]
	}
}

func (s *MemoryTicketStore) Lookup(sni, alpn string) ([]byte, bool) {
	now := s.now()
	for i := len(s.tickets) - 1; i >= 0; i-- {
		t := s.tickets[i]
		if t.sni == sni && t.alpn == alpn {
			if now.After(t.validUntil) {
				s.tickets = append(s.tickets[:i], s.tickets[i+1:]...)
				return nil, false
			}
			return t.blob, true
		}
	}
	return nil, false
}

func (s *MemoryTicketStore) Evict(sni, alpn string) {
	out := s.tickets[:0]
	for _, t := range s.tickets {
		if t.sni == sni && t.alpn == alpn {
			continue
		}
		out = append(out, t)
	}
	s.tickets = out
}
