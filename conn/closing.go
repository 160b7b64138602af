package conn

import (
	"time"

	"github.com/quicwire/qcore/aead"
	"github.com/quicwire/qcore/frame"
	"github.com/quicwire/qcore/packet"
	"github.com/quicwire/qcore/qerror"
	"github.com/quicwire/qcore/reliability"
)

// beginClose queues a CONNECTION_CLOSE carrying code and moves the
// connection to Closing (spec.md §4.6 "Closing"). Calling it twice is
// a no-op: the first close frame is definitive and not retried with a
// different code.
func (c *Connection) beginClose(code qerror.Transport, reason string, now time.Time) {
	if c.State.IsTerminal() {
		return
	}
	c.closeFrame = &frame.CloseFrame{ErrorCode: uint16(code), Reason: []byte(reason)}
	c.closeOutbound = true
	local := code
	c.LocalTransportError = &local
	c.State = StateClosing
	c.LatestProgressTime = now
}

// CloseApplication queues an APPLICATION_CLOSE with an opaque
// application error code (spec.md §7 "Application errors ... are
// translated to APPLICATION_CLOSE").
func (c *Connection) CloseApplication(code qerror.Application, reason string, now time.Time) {
	if c.State.IsTerminal() {
		return
	}
	c.closeFrame = &frame.CloseFrame{Application: true, ErrorCode: uint16(code), Reason: []byte(reason)}
	c.closeOutbound = true
	c.LocalAppError = &code
	c.State = StateClosing
	c.LatestProgressTime = now
}

// sendEpoch picks the best epoch to carry a closing datagram: 1-RTT
// once its keys are installed, otherwise cleartext.
func (c *Connection) sendEpoch() aead.Epoch {
	if sp := c.epoch(aead.EpochOneRTT); sp.HasKeys {
		return aead.EpochOneRTT
	}
	return aead.EpochCleartext
}

// prepareClosing builds the one datagram a closing/draining/disconnected
// connection may still emit: the stored CLOSE frame, sent again on
// every call while the close is outbound and keys are installed,
// whether or not inbound traffic arrived (spec.md §4.6).
// A connection that has finished draining, or never had a close frame
// queued (a passive closer that only received the peer's CLOSE, or one
// that entered disconnected via handshake failure before any keys were
// installed), has nothing to send but must still release to
// disconnected once its drain window expires.
func (c *Connection) prepareClosing(now time.Time) ([]byte, bool) {
	if (c.State == StateDraining || c.State == StateClosingReceived) &&
		!c.DrainUntil.IsZero() && now.After(c.DrainUntil) {
		c.State = StateDisconnected
		return nil, false
	}
	if c.closeFrame == nil || !c.closeOutbound {
		return nil, false
	}

	epoch := c.sendEpoch()
	sp := c.epoch(epoch)
	if !sp.HasKeys {
		return nil, false
	}

	buf := make([]byte, DatagramMTU)
	n := frame.EncodeClose(buf, *c.closeFrame)
	if n == 0 {
		return nil, false
	}

	sp.SendSeq++
	pn := sp.SendSeq
	pnWidth := packet.TruncatedPNWidth(pn, sp.HighestAckSent)

	hdrBuf := make([]byte, 32)
	var hn int
	var err error
	if epoch == aead.EpochOneRTT {
		hn, err = packet.EncodeShortHeader(hdrBuf, c.wireConnID(), !c.Local.OmitConnectionID, pn, pnWidth)
	} else {
		hn, err = packet.EncodeLongHeader(hdrBuf, packet.TypeInitial, c.Version, c.wireConnID(), pn, pnWidth)
	}
	if err != nil {
		return nil, false
	}
	header := hdrBuf[:hn]

	ciphertext := sp.Keys.Send.Encrypt(nil, header, buf[:n], pn)
	datagram := make([]byte, 0, len(header)+len(ciphertext))
	datagram = append(datagram, header...)
	datagram = append(datagram, ciphertext...)

	// Every prepareClosing call until disconnected re-encodes the stored
	// CLOSE frame under a fresh packet number and header, so the peer's
	// receive-side dedup doesn't drop it as a replay.
	if c.State == StateClosing || c.State == StateClosingReceived {
		c.State = StateDraining
		drainFor := DrainRTTMultiple * c.RTT.Smoothed
		if drainFor <= 0 {
			drainFor = DrainRTTMultiple * reliability.MinRTTTimer
		}
		c.DrainUntil = now.Add(drainFor)
	}

	return datagram, true
}
