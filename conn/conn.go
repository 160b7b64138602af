package conn

import (
	"net"
	"time"

	"github.com/quicwire/qcore/aead"
	"github.com/quicwire/qcore/frame"
	"github.com/quicwire/qcore/qerror"
	"github.com/quicwire/qcore/reliability"
	"github.com/quicwire/qcore/sack"
	"github.com/quicwire/qcore/stream"
	"github.com/quicwire/qcore/tlsprovider"
	"github.com/quicwire/qcore/version"
)

// MicrosecSilenceMax is the idle-timeout ceiling named in spec.md §5:
// a silence exceeding this forces a transport idle-timeout close.
const MicrosecSilenceMax = 120 * time.Second

// MicrosecWaitMax bounds how long a handshake may run before it is
// aborted (spec.md §5).
const MicrosecWaitMax = 10 * time.Second

// ReorderAllowance is the fixed loss-detection reorder threshold added
// to rtt_min (spec.md §4.7).
const ReorderAllowance = 20 * time.Millisecond

// DrainRTTMultiple is how many RTTs a closing connection keeps
// responding to inbound traffic with the same CLOSE frame before
// releasing to disconnected (spec.md §4.6).
const DrainRTTMultiple = 3

// AckDue thresholds from spec.md §4.7's ack-needed policy.
const AckPacketThreshold = 2

// epochSpace is one packet-number space's bookkeeping: spec.md's
// "per-epoch packet number" resolution (SPEC_FULL.md §4.6) means each
// of cleartext/0-RTT/1-RTT gets its own send sequence, receive SACK
// ledger, and retransmit arena.
type epochSpace struct {
	Keys aead.KeyPhase
	HasKeys bool

	SendSeq uint64

	RecvSack        *sack.Ledger
	LargestReceived uint64
	HasReceived     bool
	TimeLargestReceived time.Time
	HighestAckSent  uint64
	TimeHighestAckSent time.Time
	AckNeeded       bool
	PacketsSinceAck int

	Arena  *reliability.Arena
	Crypto *stream.Table

	// miscFrames holds already-encoded frame payloads awaiting resend
	// in this epoch (loss-recovery replays stay in the epoch that lost
	// them).
	miscFrames [][]byte
}

func newEpochSpace() *epochSpace {
	return &epochSpace{RecvSack: sack.New(), Arena: reliability.NewArena()}
}

// Callbacks bundles the application upcall and the optional
// server-side connection-id customization hook (spec.md §6).
type Callbacks struct {
	OnStreamData stream.OnStreamData
	ConnIDCB     func(proposed uint64) uint64
}

// Connection is the per-session protocol engine (spec.md §3).
type Connection struct {
	Role tlsprovider.Role
	State State

	VersionIndex int
	Version      version.Number
	headerForm   version.HeaderForm
	ackFrameOld  bool

	InitialConnID uint64 // client-chosen, used for cleartext key derivation
	LocalConnID   uint64
	PeerConnID    uint64
	HasPeerConnID bool

	PeerAddr     net.Addr
	LocalAddr    net.Addr
	InterfaceIdx int

	TLS tlsprovider.Provider

	Local  version.TransportParameters
	Remote version.TransportParameters
	HasRemoteParams bool

	epochs map[aead.Epoch]*epochSpace

	RTT        *reliability.RTTEstimator
	Congestion reliability.CongestionController
	Pacer      *reliability.Pacer

	DataSent     uint64
	DataReceived uint64
	LocalMaxData  uint64
	RemoteMaxData uint64

	LocalMaxStreamIDBidi   uint64
	RemoteMaxStreamIDBidi  uint64
	LocalMaxStreamIDUnidi  uint64
	RemoteMaxStreamIDUnidi uint64

	Streams    *stream.Table
	MiscFrames [][]byte

	LocalTransportError  *qerror.Transport
	RemoteTransportError *qerror.Transport
	LocalAppError        *qerror.Application
	RemoteAppError        *qerror.Application

	LatestProgressTime time.Time
	NextWakeTime       time.Time
	HandshakeDeadline  time.Time
	DrainUntil         time.Time
	retryPending       bool
	retryReceived      bool

	closeFrame   *frame.CloseFrame
	closeOutbound bool

	cb Callbacks

	resetSeed []byte
	retrySeed []byte
	checkCookie bool

	pendingCrypto map[aead.Epoch][]byte
}

// config bundles the construction-time inputs shared by
// NewClientConnection and NewServerConnection.
type config struct {
	cb          Callbacks
	resetSeed   []byte
	retrySeed   []byte
	checkCookie bool
	localAddr   net.Addr
}

func newConnection(role tlsprovider.Role, cfg config) *Connection {
	c := &Connection{
		Role:        role,
		epochs:      map[aead.Epoch]*epochSpace{
			aead.EpochCleartext: newEpochSpace(),
			aead.EpochZeroRTT:   newEpochSpace(),
			aead.EpochOneRTT:    newEpochSpace(),
		},
		RTT:        reliability.NewRTTEstimator(25*time.Millisecond, 25*time.Millisecond),
		Congestion: reliability.NewNewReno(),
		Pacer:      reliability.NewPacer(100 * time.Microsecond),
		LocalAddr:  cfg.localAddr,
		cb:         cfg.cb,
		resetSeed:  cfg.resetSeed,
		retrySeed:  cfg.retrySeed,
		checkCookie: cfg.checkCookie,
		pendingCrypto: make(map[aead.Epoch][]byte),
	}
	c.Streams = stream.NewTable(cfg.cb.OnStreamData)
	return c
}

// NewClientConnection creates a client connection in client_init,
// choosing initialConnID (spec.md §3: "initial connection id (chosen
// by the client)") and proposing proposedVersion.
func NewClientConnection(proposedVersion version.Number, initialConnID uint64, peerAddr, localAddr net.Addr, tls tlsprovider.Provider, cb Callbacks) (*Connection, error) {
	idx := version.Index(proposedVersion)
	if idx < 0 {
		return nil, qerror.VersionMismatch
	}
	rec, _ := version.ByIndex(idx)

	c := newConnection(tlsprovider.RoleClient, config{cb: cb, localAddr: localAddr})
	c.State = StateClientInit
	c.VersionIndex = idx
	c.Version = proposedVersion
	c.headerForm = rec.HeaderForm
	c.ackFrameOld = rec.AckFrameOld
	c.InitialConnID = initialConnID
	c.LocalConnID = initialConnID
	c.PeerAddr = peerAddr
	c.TLS = tls
	c.Local = version.DefaultClientParams()
	c.LocalMaxData = uint64(c.Local.InitialMaxData)
	c.LocalMaxStreamIDBidi = uint64(c.Local.InitialMaxStreamIDBidi)
	c.LocalMaxStreamIDUnidi = uint64(c.Local.InitialMaxStreamIDUnidi)

	if err := c.installCleartextKeys(rec.Salt, initialConnID); err != nil {
		return nil, err
	}
	return c, nil
}

// NewServerConnection creates a server connection in server_init upon
// receipt of a first Initial packet (spec.md §3). resetSeed/retrySeed
// are the context-owned secrets (spec.md §3's "reset-secret seed" and
// "retry-secret seed").
func NewServerConnection(negotiatedVersion version.Number, clientInitialConnID, serverConnID uint64, peerAddr, localAddr net.Addr, tls tlsprovider.Provider, cb Callbacks, resetSeed, retrySeed []byte, checkCookie bool) (*Connection, error) {
	idx := version.Index(negotiatedVersion)
	if idx < 0 {
		return nil, qerror.VersionMismatch
	}
	rec, _ := version.ByIndex(idx)

	c := newConnection(tlsprovider.RoleServer, config{cb: cb, resetSeed: resetSeed, retrySeed: retrySeed, checkCookie: checkCookie, localAddr: localAddr})
	c.State = StateServerInit
	c.VersionIndex = idx
	c.Version = negotiatedVersion
	c.headerForm = rec.HeaderForm
	c.ackFrameOld = rec.AckFrameOld
	c.InitialConnID = clientInitialConnID
	c.LocalConnID = serverConnID
	c.PeerConnID = clientInitialConnID
	c.HasPeerConnID = true
	c.PeerAddr = peerAddr
	c.TLS = tls
	c.Local = version.DefaultServerParams()
	c.LocalMaxData = uint64(c.Local.InitialMaxData)
	c.LocalMaxStreamIDBidi = uint64(c.Local.InitialMaxStreamIDBidi)
	c.LocalMaxStreamIDUnidi = uint64(c.Local.InitialMaxStreamIDUnidi)

	if err := c.installCleartextKeys(rec.Salt, clientInitialConnID); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Connection) installCleartextKeys(salt []byte, initialConnID uint64) error {
	var idBuf [8]byte
	for i := 0; i < 8; i++ {
		idBuf[i] = byte(initialConnID >> (56 - 8*i))
	}
	clientSecret, serverSecret := aead.DeriveCleartextSecrets(salt, idBuf[:])

	var sendSecret, recvSecret []byte
	if c.Role == tlsprovider.RoleClient {
		sendSecret, recvSecret = clientSecret, serverSecret
	} else {
		sendSecret, recvSecret = serverSecret, clientSecret
	}
	phase, err := aead.NewKeyPhase(sendSecret, recvSecret)
	if err != nil {
		return err
	}
	sp := c.epochs[aead.EpochCleartext]
	sp.Keys = phase
	sp.HasKeys = true
	return nil
}

// epoch returns the per-epoch bookkeeping, creating none (all three
// are pre-allocated at construction).
func (c *Connection) epoch(e aead.Epoch) *epochSpace {
	return c.epochs[e]
}

// Snapshot captures the connection's 1-RTT reliability state for
// archival and CSV export (the cleartext epoch's short-lived arena is
// not worth archiving once the handshake completes).
func (c *Connection) Snapshot(now time.Time) reliability.Snapshot {
	sp := c.epoch(aead.EpochOneRTT)
	return reliability.Capture(now, c.RTT, c.Congestion, c.Pacer, sp.Arena, sp.RecvSack.BlockSizeMax())
}
