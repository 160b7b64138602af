package conn

import (
	"time"

	"github.com/quicwire/qcore/aead"
	"github.com/quicwire/qcore/metrics"
	"github.com/quicwire/qcore/qerror"
	"github.com/quicwire/qcore/stream"
	"github.com/quicwire/qcore/tlsprovider"
	"github.com/quicwire/qcore/version"
)

// cryptoStreamID is the reserved stream used to multiplex TLS handshake
// bytes within each epoch's own packet-number space (spec.md §4.4's
// "handshake bytes travel as ordinary stream data on a reserved
// stream"); it never collides with application stream ids because each
// epoch owns an independent stream.Table.
const cryptoStreamID = 0

// cryptoTableFor lazily builds the per-epoch crypto stream table, wiring
// its upcall directly into the TLS provider.
func (c *Connection) cryptoTableFor(e aead.Epoch) *stream.Table {
	sp := c.epoch(e)
	if sp.Crypto == nil {
		sp.Crypto = stream.NewTable(func(id uint64, data []byte, ev stream.Event) {
			if ev != stream.EventData || id != cryptoStreamID {
				return
			}
			c.pendingCrypto[e] = append(c.pendingCrypto[e], data...)
		})
		_, _ = sp.Crypto.Find(cryptoStreamID, true, false, ^uint64(0), ^uint64(0))
	}
	return sp.Crypto
}

// feedCrypto delivers inbound CRYPTO-carrying STREAM-frame bytes for
// epoch e, driving the TLS provider forward and advancing the
// handshake state machine on progress.
func (c *Connection) feedCrypto(e aead.Epoch, offset uint64, fin bool, data []byte, now time.Time) error {
	t := c.cryptoTableFor(e)
	s, _ := t.Find(cryptoStreamID, true, false, ^uint64(0), ^uint64(0))
	t.NetworkInput(s, offset, fin, data)

	if len(c.pendingCrypto[e]) == 0 {
		return nil
	}
	in := c.pendingCrypto[e]
	c.pendingCrypto[e] = nil

	out, done, err := c.TLS.Advance(in)
	if err != nil {
		return &qerror.Error{Kind: qerror.KindHandshake, Transport: qerror.InternalError, Msg: err.Error()}
	}
	if len(out) > 0 {
		cs, _ := t.Find(cryptoStreamID, true, false, ^uint64(0), ^uint64(0))
		cs.AddToStream(out, false)
	}
	if c.Role == tlsprovider.RoleServer {
		c.tryInstallZeroRTT()
	}
	if done {
		return c.onHandshakeDone(now)
	}
	c.advanceHandshakeState()
	return nil
}

// tryInstallZeroRTT asks the TLS provider for the 0-RTT exporter
// secret and installs the epoch's keys if the provider has one (it
// errors when the session is not a resumption or early data was
// rejected). Both directions derive from the single 0-RTT secret
// (spec.md §4.4).
func (c *Connection) tryInstallZeroRTT() {
	sp := c.epoch(aead.EpochZeroRTT)
	if sp.HasKeys {
		return
	}
	secret, err := c.TLS.Exporter(aead.LabelZeroRTTExporter, nil, 32)
	if err != nil {
		return
	}
	phase, err := aead.NewKeyPhase(secret, secret)
	if err != nil {
		return
	}
	sp.Keys = phase
	sp.HasKeys = true
}

// advanceHandshakeState moves a non-terminal, non-ready client to the
// next "in progress" node once the handshake has exchanged its first
// round of flights (spec.md §4.6). A server stays in server_init until
// onHandshakeDone installs its 1-RTT keys.
func (c *Connection) advanceHandshakeState() {
	switch c.State {
	case StateClientInitSent, StateClientInitResent, StateClientRenegotiate:
		c.State = StateClientHandshakeStart
	case StateClientHandshakeStart:
		c.State = StateClientHandshakeProgress
	}
}

// onHandshakeDone installs the 1-RTT keys exported by the TLS provider
// and moves the connection to its Ready state (spec.md §4.4, §4.6).
func (c *Connection) onHandshakeDone(now time.Time) error {
	var sendLabel, recvLabel string
	if c.Role == tlsprovider.RoleClient {
		sendLabel, recvLabel = aead.Label1RTTClientExp, aead.Label1RTTServerExp
	} else {
		sendLabel, recvLabel = aead.Label1RTTServerExp, aead.Label1RTTClientExp
	}
	sendSecret, err := c.TLS.Exporter(sendLabel, nil, 32)
	if err != nil {
		return &qerror.Error{Kind: qerror.KindCrypto, Transport: qerror.InternalError, Msg: err.Error()}
	}
	recvSecret, err := c.TLS.Exporter(recvLabel, nil, 32)
	if err != nil {
		return &qerror.Error{Kind: qerror.KindCrypto, Transport: qerror.InternalError, Msg: err.Error()}
	}
	phase, err := aead.NewKeyPhase(sendSecret, recvSecret)
	if err != nil {
		return err
	}
	sp := c.epoch(aead.EpochOneRTT)
	sp.Keys = phase
	sp.HasKeys = true

	if raw, ok := c.TLS.PeerTransportParameters(); ok && !c.HasRemoteParams {
		if tp, err := version.Decode(raw); err == nil {
			c.onRemoteParams(tp)
		}
	}

	if c.Role == tlsprovider.RoleClient {
		c.State = StateClientAlmostReady
		if !c.HandshakeDeadline.IsZero() {
			started := c.HandshakeDeadline.Add(-MicrosecWaitMax)
			metrics.HandshakeRTTHistogram.Observe(now.Sub(started).Seconds())
		}
	} else {
		c.State = StateServerAlmostReady
	}
	c.HandshakeDeadline = time.Time{}
	c.LatestProgressTime = now
	return nil
}

// onRemoteParams records the peer's decoded transport parameters
// (spec.md §6) and completes the ready transition for a client that
// was only waiting on them.
func (c *Connection) onRemoteParams(tp version.TransportParameters) {
	c.Remote = tp
	c.HasRemoteParams = true
	c.RemoteMaxData = uint64(tp.InitialMaxData)
	c.RemoteMaxStreamIDBidi = uint64(tp.InitialMaxStreamIDBidi)
	c.RemoteMaxStreamIDUnidi = uint64(tp.InitialMaxStreamIDUnidi)
	if c.State == StateClientAlmostReady {
		c.State = StateClientReady
	}
}
