package quicctx

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/quicwire/qcore/conn"
	"github.com/quicwire/qcore/notify"
	"github.com/quicwire/qcore/packet"
	"github.com/quicwire/qcore/stream"
	"github.com/quicwire/qcore/tlsprovider"
	"github.com/quicwire/qcore/version"
)

// scriptTLS is the same three-flight scripted handshake the conn
// package tests with, kept minimal here: ClientHello -> ServerHello ->
// Finished, parameters riding each hello.
type scriptTLS struct {
	role    tlsprovider.Role
	session string
	params  []byte
	peerRaw []byte
	done    bool
}

func newScriptTLS(role tlsprovider.Role, session string) *scriptTLS {
	var buf [version.MaxTransportParamsSize]byte
	tp := version.DefaultClientParams()
	if role == tlsprovider.RoleServer {
		tp = version.DefaultServerParams()
	}
	n, err := tp.Encode(buf[:])
	if err != nil {
		panic(err)
	}
	return &scriptTLS{role: role, session: session, params: append([]byte{}, buf[:n]...)}
}

func (f *scriptTLS) Advance(in []byte) ([]byte, bool, error) {
	wrap := func(kind byte, payload []byte) []byte {
		out := make([]byte, 3+len(payload))
		out[0] = kind
		binary.BigEndian.PutUint16(out[1:], uint16(len(payload)))
		copy(out[3:], payload)
		return out
	}
	if in == nil {
		if f.role != tlsprovider.RoleClient {
			return nil, f.done, nil
		}
		return wrap('C', f.params), false, nil
	}
	if len(in) < 3 {
		return nil, f.done, nil
	}
	payload := in[3 : 3+int(binary.BigEndian.Uint16(in[1:]))]
	switch {
	case f.role == tlsprovider.RoleServer && in[0] == 'C':
		f.peerRaw = payload
		return wrap('S', f.params), false, nil
	case f.role == tlsprovider.RoleClient && in[0] == 'S':
		f.peerRaw = payload
		f.done = true
		return wrap('F', nil), true, nil
	case f.role == tlsprovider.RoleServer && in[0] == 'F':
		f.done = true
		return nil, true, nil
	}
	return nil, f.done, nil
}

func (f *scriptTLS) Exporter(label string, context []byte, length int) ([]byte, error) {
	if label == "EXPORTER-QUIC 0-RTT Secret" {
		return nil, fmt.Errorf("scriptTLS: no early data")
	}
	sum := sha256.Sum256([]byte(f.session + "|" + label))
	out := make([]byte, length)
	for i := range out {
		out[i] = sum[i%len(sum)]
	}
	return out, nil
}

func (f *scriptTLS) OnClientHello(string, []string) (string, error) { return "hq-08", nil }

func (f *scriptTLS) PeerTransportParameters() ([]byte, bool) { return f.peerRaw, f.peerRaw != nil }

var (
	cliAddr = &net.UDPAddr{IP: net.IPv4(198, 51, 100, 7), Port: 5000}
	srvAddr = &net.UDPAddr{IP: net.IPv4(198, 51, 100, 9), Port: 4433}
)

func newPairContexts(t *testing.T, session string, requireCookie bool, serverCB conn.Callbacks, sink notify.Sink) (*Context, *Context) {
	t.Helper()
	client, err := New(Config{
		Role:      tlsprovider.RoleClient,
		NewTLS:    func(r tlsprovider.Role) tlsprovider.Provider { return newScriptTLS(r, session) },
		LocalAddr: cliAddr,
	})
	if err != nil {
		t.Fatalf("New client context: %v", err)
	}
	server, err := New(Config{
		Role:               tlsprovider.RoleServer,
		RequireRetryCookie: requireCookie,
		Callbacks:          serverCB,
		NewTLS:             func(r tlsprovider.Role) tlsprovider.Provider { return newScriptTLS(r, session) },
		LocalAddr:          srvAddr,
		Sink:               sink,
	})
	if err != nil {
		t.Fatalf("New server context: %v", err)
	}
	return client, server
}

// pumpContexts shuttles datagrams between the two contexts for the
// given number of rounds, returning early once stop says so.
func pumpContexts(t *testing.T, client, server *Context, now *time.Time, rounds int, stop func() bool) {
	t.Helper()
	for i := 0; i < rounds; i++ {
		*now = now.Add(time.Millisecond)
		for {
			data, _, ok, _ := client.PrepareNext(*now)
			if !ok {
				break
			}
			if err := server.Incoming(data, cliAddr, *now); err != nil {
				t.Fatalf("server Incoming: %v", err)
			}
		}
		for {
			data, _, ok, _ := server.PrepareNext(*now)
			if !ok {
				break
			}
			if err := client.Incoming(data, srvAddr, *now); err != nil {
				t.Fatalf("client Incoming: %v", err)
			}
		}
		if stop != nil && stop() {
			return
		}
	}
}

func TestStatelessRetryThenHandshake(t *testing.T) {
	var received bytes.Buffer
	serverCB := conn.Callbacks{OnStreamData: func(id uint64, data []byte, ev stream.Event) {
		if id == 4 && ev == stream.EventData {
			received.Write(data)
		}
	}}
	client, server := newPairContexts(t, "sess-retry", true, serverCB, nil)

	now := time.Unix(1700000000, 0)
	c, err := client.Connect(version.Draft08, srvAddr)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	s, err := c.Streams.Find(4, true, false, ^uint64(0), ^uint64(0))
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	s.AddToStream([]byte("post-retry data"), true)

	// The very first server response must be the stateless retry, not a
	// handshake packet.
	now = now.Add(time.Millisecond)
	data, _, ok, _ := client.PrepareNext(now)
	if !ok {
		t.Fatalf("client produced no initial")
	}
	if err := server.Incoming(data, cliAddr, now); err != nil {
		t.Fatalf("server Incoming: %v", err)
	}
	if got := len(server.Connections()); got != 0 {
		t.Fatalf("server created %d connections before cookie validation", got)
	}
	retry, _, ok, _ := server.PrepareNext(now)
	if !ok {
		t.Fatalf("server queued no retry packet")
	}
	h, err := packet.ParseHeader(retry, 0, false)
	if err != nil || h.Type != packet.TypeRetry {
		t.Fatalf("first server output type = %v err = %v, want retry", h.Type, err)
	}
	if err := client.Incoming(retry, srvAddr, now); err != nil {
		t.Fatalf("client Incoming retry: %v", err)
	}

	pumpContexts(t, client, server, &now, 300, func() bool {
		return received.String() == "post-retry data"
	})
	if received.String() != "post-retry data" {
		t.Fatalf("server received %q after retry, want the stream data", received.String())
	}
	if len(server.Connections()) != 1 {
		t.Fatalf("server tracks %d connections, want 1", len(server.Connections()))
	}
}

func TestServerVersionNegotiation(t *testing.T) {
	_, server := newPairContexts(t, "sess-vn", false, conn.Callbacks{}, nil)
	now := time.Unix(1700000000, 0)

	// An Initial proposing a version we do not speak, padded to the
	// minimum size a server will look at.
	datagram := make([]byte, 1200)
	if _, err := packet.EncodeLongHeader(datagram, packet.TypeInitial, version.Number(0x1A2A3A4A), 0xFEED, 1, 1); err != nil {
		t.Fatalf("EncodeLongHeader: %v", err)
	}
	if err := server.Incoming(datagram, cliAddr, now); err != nil {
		t.Fatalf("Incoming: %v", err)
	}

	out, dest, ok, _ := server.PrepareNext(now)
	if !ok {
		t.Fatalf("no version negotiation packet queued")
	}
	if dest != cliAddr {
		t.Fatalf("version negotiation destined for %v, want %v", dest, cliAddr)
	}
	h, err := packet.ParseHeader(out, 0, false)
	if err != nil || h.Type != packet.TypeVersionNegotiation {
		t.Fatalf("output type = %v err = %v, want version negotiation", h.Type, err)
	}
	offered := packet.DecodeVersionList(out[h.Offset:])
	found := false
	for _, v := range offered {
		if v == version.Draft08 {
			found = true
		}
	}
	if !found {
		t.Fatalf("version negotiation list %v does not offer draft-08", offered)
	}
	if len(server.Connections()) != 0 {
		t.Fatalf("version negotiation must not create a connection")
	}
}

func TestStatelessResetForUnknownShortHeader(t *testing.T) {
	_, server := newPairContexts(t, "sess-reset", false, conn.Callbacks{}, nil)
	now := time.Unix(1700000000, 0)

	short := make([]byte, 64)
	short[0] = 0x01 // short form, 2-byte packet number
	binary.BigEndian.PutUint64(short[1:], 0xDEADBEEF12345678)
	if err := server.Incoming(short, cliAddr, now); err != nil {
		t.Fatalf("Incoming: %v", err)
	}

	out, _, ok, _ := server.PrepareNext(now)
	if !ok {
		t.Fatalf("no stateless reset queued")
	}
	if out[0]&0x80 != 0 {
		t.Fatalf("stateless reset must look like a short-header packet")
	}
	if len(out) < 16 {
		t.Fatalf("stateless reset too short to carry a token: %d bytes", len(out))
	}
}

func TestHandshakeEventsAndClose(t *testing.T) {
	var events []notify.Event
	sink := notify.SinkFunc(func(e notify.Event) { events = append(events, e) })
	client, server := newPairContexts(t, "sess-ev", false, conn.Callbacks{}, sink)

	now := time.Unix(1700000000, 0)
	c, err := client.Connect(version.Draft08, srvAddr)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	s, _ := c.Streams.Find(4, true, false, ^uint64(0), ^uint64(0))
	s.AddToStream([]byte("ping"), false)

	pumpContexts(t, client, server, &now, 300, func() bool {
		srvConns := server.Connections()
		return len(srvConns) == 1 && srvConns[0].State.IsReady()
	})

	readySeen := false
	for _, e := range events {
		if e.Kind == notify.HandshakeReady {
			readySeen = true
			if e.PeerAddr == cliAddr.String() {
				t.Fatalf("event peer address %q was not anonymized", e.PeerAddr)
			}
		}
	}
	if !readySeen {
		t.Fatalf("no handshake_ready event published; got %d events", len(events))
	}

	if err := client.Close(); err == nil {
		t.Fatalf("Close must refuse while connections are open")
	}
	c.CloseApplication(0, "bye", now)
	now = now.Add(time.Minute)
	client.PrepareNext(now) // sends CLOSE, enters draining
	now = now.Add(time.Minute)
	client.PrepareNext(now) // drain expires, retires the connection
	if err := client.Close(); err != nil {
		t.Fatalf("Close after drain: %v", err)
	}
}
