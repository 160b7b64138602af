package conn

import (
	"time"

	"github.com/quicwire/qcore/aead"
	"github.com/quicwire/qcore/frame"
	"github.com/quicwire/qcore/metrics"
	"github.com/quicwire/qcore/packet"
	"github.com/quicwire/qcore/qerror"
	"github.com/quicwire/qcore/reliability"
	"github.com/quicwire/qcore/tlsprovider"
	"github.com/quicwire/qcore/version"
)

// DatagramMTU bounds the size of packets this engine builds (spec.md
// §4.2); larger peer datagrams are accepted on receive but never
// produced on send.
const DatagramMTU = 1200

// epochForType maps a long-header packet type to its protection epoch.
// This engine folds the Initial and Handshake long-header types into a
// single cleartext epoch: draft-05/08 share one
// handshake key schedule, so a distinct Handshake epoch buys nothing a
// single cleartext epoch doesn't already provide, and the packet
// package's Handshake Type tag is preserved purely for on-wire framing
// fidelity.
func epochForType(t packet.Type) aead.Epoch {
	switch t {
	case packet.TypeZeroRTT:
		return aead.EpochZeroRTT
	case packet.TypeShort:
		return aead.EpochOneRTT
	default:
		return aead.EpochCleartext
	}
}

func (c *Connection) wireConnID() uint64 {
	if c.HasPeerConnID {
		return c.PeerConnID
	}
	return c.InitialConnID
}

// peerAckDelayExponent is the exponent the peer used to scale the ack
// delays it encodes: its negotiated transport parameter once known,
// else the protocol default of 3 (spec.md §6).
func (c *Connection) peerAckDelayExponent() uint8 {
	if c.HasRemoteParams && c.Remote.AckDelayExponent > 0 {
		return c.Remote.AckDelayExponent
	}
	return 3
}

// Incoming processes one received UDP datagram (spec.md §4.6's
// incoming_packet entry point): header parse, AEAD decrypt, and frame
// dispatch. A packet that fails authentication or arrives for an epoch
// without installed keys is dropped silently, per spec.md §4.4 (no
// counter beyond the caller's own debug logging).
func (c *Connection) Incoming(datagram []byte, now time.Time) error {
	if len(datagram) == 0 {
		return nil
	}

	peek, err := packet.ParseHeader(datagram, 0, c.Local.OmitConnectionID)
	if err != nil {
		return nil
	}

	if peek.Type == packet.TypeVersionNegotiation {
		return c.onVersionNegotiation(datagram[peek.Offset:], now)
	}
	if peek.Type == packet.TypeRetry {
		return c.onRetry(peek, now)
	}

	epoch := epochForType(peek.Type)
	sp := c.epoch(epoch)
	if !sp.HasKeys {
		return nil
	}

	h, err := packet.ParseHeader(datagram, sp.LargestReceived, c.Local.OmitConnectionID)
	if err != nil {
		return nil
	}

	aad := datagram[:h.Offset]
	plaintext, ok := sp.Keys.Recv.Decrypt(nil, aad, datagram[h.Offset:], h.PNFull)
	if !ok {
		metrics.AuthFailureCount.WithLabelValues(epoch.String()).Inc()
		return nil
	}

	if !sp.HasReceived || h.PNFull > sp.LargestReceived {
		sp.LargestReceived = h.PNFull
		sp.TimeLargestReceived = now
		sp.HasReceived = true
	}
	sp.RecvSack.Insert(h.PNFull, h.PNFull)

	// Receipt of the first authenticated 1-RTT packet confirms the peer
	// holds the new keys, completing the almost_ready -> ready transition
	// on both roles (spec.md §4.6 "Handshake completion").
	if epoch == aead.EpochOneRTT {
		switch c.State {
		case StateClientAlmostReady:
			c.State = StateClientReady
		case StateServerAlmostReady:
			c.State = StateServerReady
		}
	}

	retransmittable, err := c.processFrames(epoch, plaintext, now)
	if err != nil {
		return err
	}
	// Only packets carrying retransmittable frames oblige an ack;
	// acking pure-ack packets would ping-pong forever (spec.md §4.7).
	if retransmittable {
		sp.AckNeeded = true
		sp.PacketsSinceAck++
	}
	c.LatestProgressTime = now
	return nil
}

// processFrames walks the decrypted payload's frame stream and
// dispatches each one (spec.md §4.3). It reports whether any frame was
// retransmittable, for the caller's ack-needed bookkeeping.
func (c *Connection) processFrames(epoch aead.Epoch, payload []byte, now time.Time) (bool, error) {
	sp := c.epoch(epoch)
	retransmittable := false
	off := 0
	for off < len(payload) {
		f, n := frame.Decode(payload[off:], c.ackFrameOld)
		if n == 0 {
			return retransmittable, qerror.Transportf(qerror.FrameFormatError, "undecodable frame at offset %d", off)
		}
		off += n
		if f.IsRetransmittable() {
			retransmittable = true
		}

		switch {
		case f.Type == frame.TypePadding || f.Type == frame.TypePing || f.Type == frame.TypePong:
			// no-op

		case f.Type == frame.TypeAckOld || (f.Type >= frame.TypeAckNewLo && f.Type <= frame.TypeAckNewHi):
			res := sp.Arena.OnAck(f.Ack.Ranges, now)
			if res.HasLargestNewlyAcked {
				// The peer scaled the encoded delay with its own
				// ack_delay_exponent, so its exponent unscales it here.
				c.RTT.Sample(res.LargestNewlyAckedSendTime, now, time.Duration(f.Ack.AckDelay)<<c.peerAckDelayExponent())
			}
			if res.HasAckOfAck {
				// The peer has confirmed receipt of our ACK covering
				// everything up to this point; those ranges never need to
				// be repeated ("ack of ack", spec.md §4.7).
				sp.RecvSack.RemoveBelow(res.AckOfAckThrough)
			}
			if res.NewlyAckedBytes > 0 {
				c.Congestion.OnAck(res.NewlyAckedBytes, res.HasLargestNewlyAcked)
			}
			if res.SpuriousThisCall > 0 {
				metrics.SpuriousLossCount.Add(float64(res.SpuriousThisCall))
			}
			c.Pacer.Update(c.Congestion.Cwnd(), c.RTT.Smoothed)
			threshold := c.RTT.Min + ReorderAllowance
			if lost := c.DetectAndResendLoss(epoch, now, threshold, f.Ack.LargestAcknowledged); len(lost) > 0 {
				c.Congestion.OnLoss(sumLost(lost))
				metrics.RetransmitCount.Add(float64(len(lost)))
			}

		case f.Type >= frame.TypeStreamLo && f.Type <= frame.TypeStreamHi:
			if epoch != aead.EpochOneRTT && f.Stream.StreamID == cryptoStreamID {
				if err := c.feedCrypto(epoch, f.Stream.Offset, f.Stream.Fin, f.Stream.Data, now); err != nil {
					return retransmittable, err
				}
				continue
			}
			s, err := c.Streams.Find(f.Stream.StreamID, true, true, c.LocalMaxStreamIDBidi, c.RemoteMaxStreamIDBidi)
			if err != nil {
				return retransmittable, err
			}
			c.Streams.NetworkInput(s, f.Stream.Offset, f.Stream.Fin, f.Stream.Data)

		case f.Type == frame.TypeMaxData:
			if f.MaxData > c.RemoteMaxData {
				c.RemoteMaxData = f.MaxData
			}
		case f.Type == frame.TypeMaxStreamID:
			if f.MaxStreamID > c.RemoteMaxStreamIDBidi {
				c.RemoteMaxStreamIDBidi = f.MaxStreamID
			}
		case f.Type == frame.TypeMaxStreamData:
			if s, _ := c.Streams.Find(f.StreamID, false, false, 0, 0); s != nil && f.MaxStreamData > s.RemoteMaxStreamData {
				s.RemoteMaxStreamData = f.MaxStreamData
			}
		case f.Type == frame.TypeResetStream:
			if s, err := c.Streams.Find(f.Reset.StreamID, true, true, c.LocalMaxStreamIDBidi, c.RemoteMaxStreamIDBidi); err == nil {
				code := qerror.Application(f.Reset.ErrorCode)
				c.Streams.OnResetReceived(s, code)
			}
		case f.Type == frame.TypeStopSending:
			if s, err := c.Streams.Find(f.Stop.StreamID, true, false, c.LocalMaxStreamIDBidi, c.RemoteMaxStreamIDBidi); err == nil {
				code := qerror.Application(f.Stop.ErrorCode)
				c.Streams.OnStopSendingReceived(s, code)
			}
		case f.Type == frame.TypeConnectionClose || f.Type == frame.TypeApplicationClose:
			c.onPeerClose(f.Close, now)
		}
	}
	return retransmittable, nil
}

func sumLost(lost []reliability.SentPacket) int {
	total := 0
	for _, p := range lost {
		total += p.Size
	}
	return total
}

// DetectAndResendLoss runs loss detection for one epoch's arena and
// queues newly-lost retransmittable packets' payload for resend in the
// same epoch.
func (c *Connection) DetectAndResendLoss(epoch aead.Epoch, now time.Time, threshold time.Duration, largestAcked uint64) []reliability.SentPacket {
	sp := c.epoch(epoch)
	_, lost := sp.Arena.DetectLoss(now, threshold, largestAcked)
	for _, p := range lost {
		if p.AckOnly {
			continue
		}
		sp.miscFrames = append(sp.miscFrames, append([]byte{}, p.Payload...))
	}
	return lost
}

// kickHandshake starts (or, after a stateless retry, restarts) the
// handshake from the client side, since the client has no inbound data
// to react to yet (spec.md §4.6).
func (c *Connection) kickHandshake(now time.Time) {
	if c.Role != tlsprovider.RoleClient {
		return
	}
	resent := c.State == StateClientInitResent && c.retryPending
	if c.State != StateClientInit && !resent {
		return
	}
	c.retryPending = false
	out, done, err := c.TLS.Advance(nil)
	if err != nil || done {
		c.State = StateHandshakeFailure
		return
	}
	t := c.cryptoTableFor(aead.EpochCleartext)
	s, _ := t.Find(cryptoStreamID, true, false, ^uint64(0), ^uint64(0))
	s.AddToStream(out, false)
	c.tryInstallZeroRTT()
	if !resent {
		c.State = StateClientInitSent
		c.HandshakeDeadline = now.Add(MicrosecWaitMax)
	}
}

// PrepareNext is the engine's single send-path entry point (spec.md
// §4.6's prepare_next_packet): it returns at most one datagram to send
// plus the time the driver loop should next call PrepareNext/Incoming.
func (c *Connection) PrepareNext(now time.Time) (out []byte, hasOutput bool, nextWake time.Time) {
	if c.State.IsTerminal() {
		out, hasOutput = c.prepareClosing(now)
		return out, hasOutput, c.computeNextWake(now)
	}

	if !c.HandshakeDeadline.IsZero() && now.After(c.HandshakeDeadline) && !c.State.IsReady() {
		c.beginClose(qerror.HandshakeFailure.Transport, "handshake timed out", now)
		out, hasOutput = c.prepareClosing(now)
		return out, hasOutput, c.computeNextWake(now)
	}
	if now.Sub(c.LatestProgressTime) > c.idleTimeout() && !c.LatestProgressTime.IsZero() {
		// Idle timeout is silent: the peer has timed out symmetrically, so
		// no CLOSE frame is exchanged (spec.md §5).
		code := qerror.NoError
		c.LocalTransportError = &code
		c.State = StateDisconnected
		return nil, false, now.Add(c.idleTimeout())
	}

	c.kickHandshake(now)

	for _, e := range []aead.Epoch{aead.EpochCleartext, aead.EpochZeroRTT, aead.EpochOneRTT} {
		if out, ok := c.buildPacket(e, now); ok {
			return out, true, c.computeNextWake(now)
		}
	}
	return nil, false, c.computeNextWake(now)
}

func (c *Connection) idleTimeout() time.Duration {
	if c.Local.IdleTimeoutSeconds > 0 {
		return time.Duration(c.Local.IdleTimeoutSeconds) * time.Second
	}
	return MicrosecSilenceMax
}

// computeNextWake picks the earliest of: the pacer's next send slot,
// the retransmit timer, and the idle/handshake deadline (spec.md §5).
func (c *Connection) computeNextWake(now time.Time) time.Time {
	next := now.Add(c.idleTimeout())
	if ready := c.Pacer.ReadyAt(); ready.After(now) && ready.Before(next) {
		next = ready
	}
	rto := now.Add(c.RTT.RetransmitTimer())
	if rto.Before(next) {
		next = rto
	}
	if !c.HandshakeDeadline.IsZero() && c.HandshakeDeadline.Before(next) {
		next = c.HandshakeDeadline
	}
	c.NextWakeTime = next
	return next
}

// buildPacket assembles and protects one packet for epoch e if there is
// anything to send: a pending ACK, handshake bytes, or (for the 1-RTT
// epoch) application stream data.
func (c *Connection) buildPacket(e aead.Epoch, now time.Time) ([]byte, bool) {
	sp := c.epoch(e)
	if !sp.HasKeys {
		return nil, false
	}
	if !c.Pacer.CanSendAt(now) {
		return nil, false
	}

	// The packet number is fixed before any frame is written so the
	// exact header length (and with it the payload budget) is known up
	// front; an unused sequence number is never reclaimed, which is
	// harmless since PN gaps are legal.
	pn := sp.SendSeq + 1
	pnWidth := packet.TruncatedPNWidth(pn, sp.HighestAckSent)
	headerLen := 1 + 4 + 8 + pnWidth // long form
	if e == aead.EpochOneRTT {
		headerLen = 1 + pnWidth
		if !c.Local.OmitConnectionID {
			headerLen += 8
		}
	}
	budget := DatagramMTU - headerLen - aead.Overhead
	payloadBuf := make([]byte, budget)
	w := frame.NewWriter(payloadBuf)
	retransmittable := false

	ackedThrough := uint64(0)
	hasAcked := false
	if sp.AckNeeded {
		if ranges := sp.RecvSack.Ranges(); len(ranges) > 0 {
			// Ack-delay is how long the largest-numbered packet has been
			// held unacknowledged, clamped to ack_delay_local (spec.md §4.3).
			delay := now.Sub(sp.TimeLargestReceived)
			if delay < 0 {
				delay = 0
			}
			if delay > c.RTT.AckDelayLocal {
				delay = c.RTT.AckDelayLocal
			}
			if w.Ack(c.ackFrameOld, ranges, uint64(delay), c.Local.AckDelayExponent) {
				sp.AckNeeded = false
				sp.PacketsSinceAck = 0
				sp.HighestAckSent = ranges[0].Max
				sp.TimeHighestAckSent = now
				ackedThrough = ranges[0].Max
				hasAcked = true
			}
		}
	}

	for _, raw := range c.drainMiscFrames(e) {
		if w.Raw(raw) {
			retransmittable = true
		}
	}

	if sp.Crypto != nil {
		cs, _ := sp.Crypto.Find(cryptoStreamID, true, false, ^uint64(0), ^uint64(0))
		if cs.PendingSend() && w.Remaining() > 16 {
			data, offset, fin := cs.PrepareSend(w.Remaining() - 8)
			n := w.Stream(cryptoStreamID, offset, data, fin)
			if n > 0 {
				cs.CommitSend(n, fin && n == len(data))
				retransmittable = true
			}
		}
	}

	// Application stream data rides 1-RTT packets, or 0-RTT ones while
	// the handshake is still completing a resumed session.
	appEpoch := e == aead.EpochOneRTT ||
		(e == aead.EpochZeroRTT && !c.epoch(aead.EpochOneRTT).HasKeys)
	if appEpoch {
		for _, s := range c.Streams.All() {
			if s.Flags.ResetRequested && !s.Flags.ResetSent {
				var code uint16
				if s.LocalStopError != nil {
					code = uint16(*s.LocalStopError)
				}
				if w.ResetStream(frame.ResetStreamFrame{StreamID: s.ID, ErrorCode: code, FinalOffset: s.SentOffset}) {
					s.Flags.ResetSent = true
					retransmittable = true
				}
			}
			if s.Flags.StopRequested && !s.Flags.StopSent {
				var code uint16
				if s.LocalStopError != nil {
					code = uint16(*s.LocalStopError)
				}
				if w.StopSending(frame.StopSendingFrame{StreamID: s.ID, ErrorCode: code}) {
					s.Flags.StopSent = true
					retransmittable = true
				}
			}
			if s.Flags.ResetSent {
				continue // a reset stream sends no further data
			}
			if !s.PendingSend() || w.Remaining() <= 16 {
				continue
			}
			data, offset, fin := s.PrepareSend(w.Remaining() - 8)
			n := w.Stream(s.ID, offset, data, fin)
			if n > 0 || (fin && len(data) == 0) {
				s.CommitSend(n, fin && n == len(data))
				retransmittable = true
			}
		}
	}

	if w.Len() == 0 {
		return nil, false
	}

	// A client's cleartext packets must ride datagrams of at least 1200
	// octets or the server rejects them before creating any state
	// (spec.md §4.2).
	if e == aead.EpochCleartext && c.Role == tlsprovider.RoleClient {
		if need := packet.MinInitialDatagramSize - headerLen - aead.Overhead - w.Len(); need > 0 {
			w.Padding(need)
		}
	}

	sp.SendSeq = pn

	hdrBuf := make([]byte, 32)
	var hn int
	var err error
	switch e {
	case aead.EpochCleartext:
		hn, err = packet.EncodeLongHeader(hdrBuf, packet.TypeInitial, c.Version, c.wireConnID(), pn, pnWidth)
	case aead.EpochZeroRTT:
		hn, err = packet.EncodeLongHeader(hdrBuf, packet.TypeZeroRTT, c.Version, c.wireConnID(), pn, pnWidth)
	default:
		hn, err = packet.EncodeShortHeader(hdrBuf, c.wireConnID(), !c.Local.OmitConnectionID, pn, pnWidth)
	}
	if err != nil {
		return nil, false
	}
	header := hdrBuf[:hn]

	ciphertext := sp.Keys.Send.Encrypt(nil, header, w.Bytes(), pn)
	datagram := make([]byte, 0, len(header)+len(ciphertext))
	datagram = append(datagram, header...)
	datagram = append(datagram, ciphertext...)

	sp.Arena.Push(reliability.SentPacket{
		PN:             pn,
		SendTime:       now,
		Size:           len(datagram),
		Payload:        append([]byte{}, w.Bytes()...),
		AckOnly:        !retransmittable,
		ContainsCrypto: e != aead.EpochOneRTT,
		ZeroRTT:        e == aead.EpochZeroRTT,
		AckedThrough:   ackedThrough,
		HasAckedThrough: hasAcked,
	})
	c.Congestion.OnSend(sp.Arena.InFlightBytes())
	c.Pacer.OnSend(now)
	c.Pacer.Update(c.Congestion.Cwnd(), c.RTT.Smoothed)

	return datagram, true
}

// drainMiscFrames pops queued payloads for epoch e: the epoch's own
// loss-recovery replays, plus (for 1-RTT only) the connection-level
// miscellaneous frame queue spec.md §3 names (PONG,
// NEW_CONNECTION_ID and friends).
func (c *Connection) drainMiscFrames(e aead.Epoch) [][]byte {
	sp := c.epoch(e)
	out := sp.miscFrames
	sp.miscFrames = nil
	if e == aead.EpochOneRTT {
		out = append(out, c.MiscFrames...)
		c.MiscFrames = nil
	}
	return out
}

func (c *Connection) onVersionNegotiation(versionListBytes []byte, now time.Time) error {
	if c.Role != tlsprovider.RoleClient || c.State != StateClientInitSent {
		return nil // spurious/duplicate VN packet
	}
	proposed := packet.DecodeVersionList(versionListBytes)
	rec, ok := version.Negotiate(proposed)
	if !ok {
		c.State = StateHandshakeFailure
		return qerror.VersionMismatch
	}
	idx := version.Index(rec.Version)
	c.VersionIndex = idx
	c.Version = rec.Version
	c.headerForm = rec.HeaderForm
	c.ackFrameOld = rec.AckFrameOld
	c.State = StateClientRenegotiate

	if err := c.installCleartextKeys(rec.Salt, c.InitialConnID); err != nil {
		return err
	}
	// SPEC_FULL.md §4.6 resolves the Open Question explicitly: the send
	// sequence number is per-epoch state and is NOT reset here; the
	// retransmit queue and crypto stream (stream 0) are wiped and the
	// cleartext keys re-derived with the new version's salt.
	sp := c.epochs[aead.EpochCleartext]
	sp.Crypto = nil
	sp.Arena = reliability.NewArena()
	sp.miscFrames = nil
	c.pendingCrypto[aead.EpochCleartext] = nil
	c.State = StateClientInit
	c.LatestProgressTime = now
	return nil
}

// onRetry handles a stateless-retry packet: the server-chosen
// connection id doubles as the retry cookie (it is an HMAC over the
// client address, verified statelessly when echoed back), so the
// client adopts it as its wire connection id, re-derives cleartext
// keys from it, wipes stream 0 and resends its first flight (spec.md
// §4.6 "Stateless retry"). A second retry is ignored.
func (c *Connection) onRetry(h packet.Header, now time.Time) error {
	if c.Role != tlsprovider.RoleClient || c.retryReceived {
		return nil
	}
	c.retryReceived = true
	c.PeerConnID = h.ConnID
	c.HasPeerConnID = true

	rec, ok := version.ByIndex(c.VersionIndex)
	if !ok {
		return qerror.VersionMismatch
	}
	if err := c.installCleartextKeys(rec.Salt, h.ConnID); err != nil {
		return err
	}
	c.epochs[aead.EpochCleartext].Crypto = nil
	c.pendingCrypto[aead.EpochCleartext] = nil
	c.State = StateClientInitResent
	c.retryPending = true
	c.LatestProgressTime = now
	return nil
}

func (c *Connection) onPeerClose(f frame.CloseFrame, now time.Time) {
	if c.State.IsTerminal() {
		return
	}
	if f.Application {
		code := qerror.Application(f.ErrorCode)
		c.RemoteAppError = &code
	} else {
		code := qerror.Transport(f.ErrorCode)
		c.RemoteTransportError = &code
	}
	c.State = StateClosingReceived
	drainFor := DrainRTTMultiple * c.RTT.Smoothed
	if drainFor <= 0 {
		drainFor = DrainRTTMultiple * reliability.MinRTTTimer
	}
	c.DrainUntil = now.Add(drainFor)
}
