// Package frame implements encode/decode/skip for the QUIC frame set
// named in spec.md §2/§4.3. Grounded on the teacher's Parse/Serialize
// pairs over raw byte buffers (inetdiag.structs.go's ReqV2.Serialize,
// RawInetDiagMsg.Parse): typed values over an explicitly
// length-checked byte slice, no reflection or generated code.
package frame

import (
	"fmt"

	"github.com/quicwire/qcore/sack"
	"github.com/quicwire/qcore/varint"
)

// Type is the frame-type tag as it appears (pre-varint-decode, for the
// fixed single-byte types) or after decode for the newer ACK range.
type Type byte

// Frame type tags, per spec.md §2 and the Open Question in spec.md §9
// (ACK frame type ranges vary per version; see version.Record.AckFrameOld).
const (
	TypePadding Type = 0x00
	TypePing    Type = 0x01
	TypePong    Type = 0x02
	TypeAckOld  Type = 0x0e

	TypeStreamLo Type = 0x10
	TypeStreamHi Type = 0x17

	TypeMaxData         Type = 0x04
	TypeMaxStreamData   Type = 0x05
	TypeMaxStreamID     Type = 0x06
	TypeConnectionClose Type = 0x07
	TypeApplicationClose Type = 0x08
	TypeBlocked         Type = 0x09
	TypeStreamBlocked   Type = 0x0a
	TypeStreamIDBlocked Type = 0x0b
	TypeNewConnectionID Type = 0x0c
	TypeResetStream     Type = 0x0d
	TypeStopSending     Type = 0x0f

	TypeAckNewLo Type = 0xa0
	TypeAckNewHi Type = 0xbf
)

// Frame is the decoded union of all frame kinds. Exactly one of the
// embedded payload fields is meaningful, selected by Type.
type Frame struct {
	Type Type

	// ACK
	Ack AckFrame
	// STREAM
	Stream StreamFrame
	// MAX_DATA / MAX_STREAM_DATA / MAX_STREAM_ID
	MaxData       uint64
	StreamID      uint64
	MaxStreamData uint64
	MaxStreamID   uint64
	// RESET_STREAM / STOP_SENDING
	Reset   ResetStreamFrame
	Stop    StopSendingFrame
	// NEW_CONNECTION_ID
	NewConnID NewConnectionIDFrame
	// CONNECTION_CLOSE / APPLICATION_CLOSE
	Close CloseFrame
}

// IsRetransmittable reports whether this frame carries data the sender
// must resend on loss. PADDING and ACK frames are not; a packet whose
// frames are all non-retransmittable is a "pure-ack packet" per
// spec.md's glossary and is dropped rather than retransmitted.
func (f Frame) IsRetransmittable() bool {
	switch f.Type {
	case TypePadding, TypeAckOld:
		return false
	default:
		if f.Type >= TypeAckNewLo && f.Type <= TypeAckNewHi {
			return false
		}
		return true
	}
}

// AckFrame carries the largest acknowledged PN, the peer's reported ack
// delay (already scaled by 2^ack_delay_exponent at the wire level), and
// the SACK ranges enumerated from most to least recent (spec.md §4.3).
type AckFrame struct {
	LargestAcknowledged uint64
	AckDelay            uint64
	Ranges              []sack.Range
}

// StreamFrame carries a contiguous slice of one stream's byte stream
// (spec.md §4.3). Data aliases the decode input buffer and must be
// copied by the caller before the buffer is reused.
type StreamFrame struct {
	StreamID uint64
	Offset   uint64
	Data     []byte
	Fin      bool
}

type ResetStreamFrame struct {
	StreamID   uint64
	ErrorCode  uint16
	FinalOffset uint64
}

type StopSendingFrame struct {
	StreamID  uint64
	ErrorCode uint16
}

type NewConnectionIDFrame struct {
	Sequence uint64
	ConnID   uint64
	ResetToken [16]byte
}

type CloseFrame struct {
	Application bool
	ErrorCode   uint16
	Reason      []byte
}

// EncodePadding writes n padding bytes (all 0x00) and returns n.
func EncodePadding(dst []byte, n int) int {
	for i := 0; i < n && i < len(dst); i++ {
		dst[i] = byte(TypePadding)
	}
	if n > len(dst) {
		return len(dst)
	}
	return n
}

// EncodePing writes a PING frame.
func EncodePing(dst []byte) int {
	if len(dst) < 1 {
		return 0
	}
	dst[0] = byte(TypePing)
	return 1
}

// EncodeAck writes an ACK frame enumerating ranges from most to least
// recent. Per spec.md §4.3, the encoder includes the full ledger that
// fits in dst; when space is short it truncates from the oldest range
// rather than the newest. ackDelay is the already clamped delay, which
// is scaled down by ackDelayExponent before encoding.
func EncodeAck(dst []byte, ackFrameOld bool, ranges []sack.Range, ackDelay uint64, ackDelayExponent uint8) (int, error) {
	if len(ranges) == 0 {
		return 0, fmt.Errorf("frame: EncodeAck with no ranges")
	}
	off := 0
	typeByte := byte(TypeAckOld)
	if !ackFrameOld {
		typeByte = byte(TypeAckNewLo)
	}
	if off+1 > len(dst) {
		return 0, fmt.Errorf("frame: buffer too small for ACK type")
	}
	dst[off] = typeByte
	off++

	largest := ranges[0].Max
	n := varint.Encode(dst[off:], largest)
	if n == 0 {
		return 0, fmt.Errorf("frame: buffer too small for largest-acknowledged")
	}
	off += n

	scaledDelay := ackDelay >> ackDelayExponent
	n = varint.Encode(dst[off:], scaledDelay)
	if n == 0 {
		return 0, fmt.Errorf("frame: buffer too small for ack delay")
	}
	off += n

	// Encode the (gap, length) series into a scratch buffer first so we
	// can size the block-count varint correctly up front; truncate from
	// the oldest range as the remaining dst budget requires.
	remaining := len(dst) - off
	if remaining < 0 {
		remaining = 0
	}
	scratch := make([]byte, 0, remaining)
	written := 0
	prevMin := ranges[0].Max + 1 // sentinel so first gap computes from largest
	for i, r := range ranges {
		var gap uint64
		if i == 0 {
			gap = 0
		} else {
			gap = prevMin - r.Max - 1
		}
		length := r.Max - r.Min

		tmp := make([]byte, varint.Len(gap)+varint.Len(length))
		k := varint.Encode(tmp, gap)
		k += varint.Encode(tmp[k:], length)

		maxCountLen := varint.Len(uint64(written)) // count grows by at most 1 byte as written increments
		if len(scratch)+len(tmp)+maxCountLen > remaining {
			break // truncate remaining (oldest) ranges
		}
		scratch = append(scratch, tmp...)
		prevMin = r.Min
		written++
	}
	if written == 0 {
		return 0, fmt.Errorf("frame: no ACK ranges fit in buffer")
	}

	countLen := varint.Encode(dst[off:], uint64(written-1))
	if countLen == 0 || off+countLen+len(scratch) > len(dst) {
		return 0, fmt.Errorf("frame: buffer too small for ACK block count")
	}
	off += countLen
	copy(dst[off:], scratch)
	off += len(scratch)

	return off, nil
}

// DecodeAck parses an ACK frame starting at src[0] (the type byte
// already identified by the caller as TypeAckOld or in the
// TypeAckNewLo..TypeAckNewHi range). It returns the decoded frame and
// bytes consumed, or (_, 0) on truncation.
func DecodeAck(src []byte) (AckFrame, int) {
	if len(src) < 1 {
		return AckFrame{}, 0
	}
	off := 1
	largest, n := varint.Decode(src[off:])
	if n == 0 {
		return AckFrame{}, 0
	}
	off += n

	scaledDelay, n := varint.Decode(src[off:])
	if n == 0 {
		return AckFrame{}, 0
	}
	off += n

	blockCountMinus1, n := varint.Decode(src[off:])
	if n == 0 {
		return AckFrame{}, 0
	}
	off += n
	blockCount := blockCountMinus1 + 1

	af := AckFrame{LargestAcknowledged: largest, AckDelay: scaledDelay}
	hi := largest
	for i := uint64(0); i < blockCount; i++ {
		gap, n := varint.Decode(src[off:])
		if n == 0 {
			return AckFrame{}, 0
		}
		off += n
		length, n := varint.Decode(src[off:])
		if n == 0 {
			return AckFrame{}, 0
		}
		off += n

		var max uint64
		if i == 0 {
			max = hi
		} else {
			if gap+1 > hi {
				return AckFrame{}, 0
			}
			max = hi - gap - 1
		}
		if length > max {
			return AckFrame{}, 0
		}
		min := max - length
		af.Ranges = append(af.Ranges, sack.Range{Min: min, Max: max})
		hi = min
	}
	return af, off
}

// SkipAck returns the number of bytes an ACK frame occupies, by fully
// decoding it with DecodeAck and discarding the result.
func SkipAck(src []byte) int {
	_, n := DecodeAck(src)
	return n
}

// EncodeStream writes a STREAM frame, choosing the most compact
// offset/length encoding that carries min(len(data), budget) bytes
// (spec.md §4.3). It returns the bytes written and the number of data
// bytes consumed (which may be less than len(data) if budget is
// tight).
func EncodeStream(dst []byte, streamID, offset uint64, data []byte, fin bool, budget int) (written, consumed int) {
	if budget > len(dst) {
		budget = len(dst)
	}
	typeByte := byte(TypeStreamLo)
	const offsetBit = 0x04
	const finBit = 0x01
	const lenBit = 0x02

	if offset != 0 {
		typeByte |= offsetBit
	}
	if fin {
		typeByte |= finBit
	}

	idLen := varint.Len(streamID)
	offLen := 0
	if offset != 0 {
		offLen = varint.Len(offset)
	}
	header := 1 + idLen + offLen
	if header >= budget {
		return 0, 0
	}
	remaining := budget - header

	// Try with an explicit length field first (LEN bit set); STREAM
	// frames at the end of a packet may omit it to extend to the packet
	// boundary, but this engine always emits LEN for simplicity and
	// robustness to re-ordering multiple STREAM frames per packet.
	lenFieldGuess := varint.Len(uint64(remaining))
	avail := remaining - lenFieldGuess
	if avail < 0 {
		avail = 0
	}
	n := len(data)
	if n > avail {
		n = avail
	}
	lenField := varint.Len(uint64(n))
	typeByte |= lenBit

	off := 0
	dst[off] = typeByte
	off++
	off += varint.Encode(dst[off:], streamID)
	if offset != 0 {
		off += varint.Encode(dst[off:], offset)
	}
	off += varint.Encode(dst[off:], uint64(n))
	_ = lenField
	copy(dst[off:], data[:n])
	off += n
	return off, n
}

// DecodeStream parses a STREAM frame whose type byte is src[0], read
// unmasked with its offset, length and FIN bits in place. length-present is
// always true for frames this engine emits, but decode honors the
// wire bit so frames from other implementations parse too.
func DecodeStream(src []byte) (StreamFrame, int) {
	if len(src) < 1 {
		return StreamFrame{}, 0
	}
	typeByte := src[0]
	const offsetBit = 0x04
	const finBit = 0x01
	const lenBit = 0x02

	off := 1
	id, n := varint.Decode(src[off:])
	if n == 0 {
		return StreamFrame{}, 0
	}
	off += n

	var offset uint64
	if typeByte&offsetBit != 0 {
		offset, n = varint.Decode(src[off:])
		if n == 0 {
			return StreamFrame{}, 0
		}
		off += n
	}

	var length uint64
	hasLen := typeByte&lenBit != 0
	if hasLen {
		length, n = varint.Decode(src[off:])
		if n == 0 {
			return StreamFrame{}, 0
		}
		off += n
	} else {
		length = uint64(len(src) - off)
	}
	if uint64(len(src)-off) < length {
		return StreamFrame{}, 0
	}
	data := src[off : off+int(length)]
	off += int(length)

	return StreamFrame{
		StreamID: id,
		Offset:   offset,
		Data:     data,
		Fin:      typeByte&finBit != 0,
	}, off
}

// SkipStream returns the byte length of a STREAM frame at src[0]
// without copying its payload.
func SkipStream(src []byte) int {
	_, n := DecodeStream(src)
	return n
}

func encodeSimpleVarints(dst []byte, typeByte Type, vals ...uint64) int {
	off := 0
	if off+1 > len(dst) {
		return 0
	}
	dst[off] = byte(typeByte)
	off++
	for _, v := range vals {
		n := varint.Encode(dst[off:], v)
		if n == 0 {
			return 0
		}
		off += n
	}
	return off
}

func decodeSimpleVarints(src []byte, count int) ([]uint64, int) {
	off := 1
	if len(src) < 1 {
		return nil, 0
	}
	out := make([]uint64, 0, count)
	for i := 0; i < count; i++ {
		v, n := varint.Decode(src[off:])
		if n == 0 {
			return nil, 0
		}
		off += n
		out = append(out, v)
	}
	return out, off
}

// EncodeMaxData writes a MAX_DATA frame.
func EncodeMaxData(dst []byte, max uint64) int {
	return encodeSimpleVarints(dst, TypeMaxData, max)
}

// DecodeMaxData parses a MAX_DATA frame.
func DecodeMaxData(src []byte) (uint64, int) {
	vals, n := decodeSimpleVarints(src, 1)
	if n == 0 {
		return 0, 0
	}
	return vals[0], n
}

// EncodeMaxStreamData writes a MAX_STREAM_DATA frame.
func EncodeMaxStreamData(dst []byte, streamID, max uint64) int {
	return encodeSimpleVarints(dst, TypeMaxStreamData, streamID, max)
}

// DecodeMaxStreamData parses a MAX_STREAM_DATA frame.
func DecodeMaxStreamData(src []byte) (streamID, max uint64, n int) {
	vals, consumed := decodeSimpleVarints(src, 2)
	if consumed == 0 {
		return 0, 0, 0
	}
	return vals[0], vals[1], consumed
}

// EncodeMaxStreamID writes a MAX_STREAM_ID frame.
func EncodeMaxStreamID(dst []byte, max uint64) int {
	return encodeSimpleVarints(dst, TypeMaxStreamID, max)
}

// DecodeMaxStreamID parses a MAX_STREAM_ID frame.
func DecodeMaxStreamID(src []byte) (uint64, int) {
	vals, n := decodeSimpleVarints(src, 1)
	if n == 0 {
		return 0, 0
	}
	return vals[0], n
}

// EncodeBlocked family: BLOCKED, STREAM_BLOCKED, STREAM_ID_BLOCKED.
func EncodeBlocked(dst []byte) int {
	return encodeSimpleVarints(dst, TypeBlocked)
}
func EncodeStreamBlocked(dst []byte, streamID uint64) int {
	return encodeSimpleVarints(dst, TypeStreamBlocked, streamID)
}
func EncodeStreamIDBlocked(dst []byte) int {
	return encodeSimpleVarints(dst, TypeStreamIDBlocked)
}

// EncodeResetStream writes a RESET_STREAM frame.
func EncodeResetStream(dst []byte, f ResetStreamFrame) int {
	return encodeSimpleVarints(dst, TypeResetStream, f.StreamID, uint64(f.ErrorCode), f.FinalOffset)
}

// DecodeResetStream parses a RESET_STREAM frame.
func DecodeResetStream(src []byte) (ResetStreamFrame, int) {
	vals, n := decodeSimpleVarints(src, 3)
	if n == 0 {
		return ResetStreamFrame{}, 0
	}
	return ResetStreamFrame{StreamID: vals[0], ErrorCode: uint16(vals[1]), FinalOffset: vals[2]}, n
}

// EncodeStopSending writes a STOP_SENDING frame.
func EncodeStopSending(dst []byte, f StopSendingFrame) int {
	return encodeSimpleVarints(dst, TypeStopSending, f.StreamID, uint64(f.ErrorCode))
}

// DecodeStopSending parses a STOP_SENDING frame.
func DecodeStopSending(src []byte) (StopSendingFrame, int) {
	vals, n := decodeSimpleVarints(src, 2)
	if n == 0 {
		return StopSendingFrame{}, 0
	}
	return StopSendingFrame{StreamID: vals[0], ErrorCode: uint16(vals[1])}, n
}

// EncodeNewConnectionID writes a NEW_CONNECTION_ID frame.
func EncodeNewConnectionID(dst []byte, f NewConnectionIDFrame) int {
	off := encodeSimpleVarints(dst, TypeNewConnectionID, f.Sequence, f.ConnID)
	if off == 0 || off+16 > len(dst) {
		return 0
	}
	copy(dst[off:], f.ResetToken[:])
	return off + 16
}

// DecodeNewConnectionID parses a NEW_CONNECTION_ID frame.
func DecodeNewConnectionID(src []byte) (NewConnectionIDFrame, int) {
	vals, off := decodeSimpleVarints(src, 2)
	if off == 0 || off+16 > len(src) {
		return NewConnectionIDFrame{}, 0
	}
	var f NewConnectionIDFrame
	f.Sequence = vals[0]
	f.ConnID = vals[1]
	copy(f.ResetToken[:], src[off:off+16])
	return f, off + 16
}

// EncodeClose writes a CONNECTION_CLOSE or APPLICATION_CLOSE frame.
func EncodeClose(dst []byte, f CloseFrame) int {
	typeByte := TypeConnectionClose
	if f.Application {
		typeByte = TypeApplicationClose
	}
	off := 0
	if off+1 > len(dst) {
		return 0
	}
	dst[off] = byte(typeByte)
	off++
	n := varint.Encode(dst[off:], uint64(f.ErrorCode))
	if n == 0 {
		return 0
	}
	off += n
	n = varint.Encode(dst[off:], uint64(len(f.Reason)))
	if n == 0 {
		return 0
	}
	off += n
	if off+len(f.Reason) > len(dst) {
		return 0
	}
	copy(dst[off:], f.Reason)
	return off + len(f.Reason)
}

// DecodeClose parses a CONNECTION_CLOSE/APPLICATION_CLOSE frame;
// application distinguishes which based on the type byte already
// inspected by the caller.
func DecodeClose(src []byte, application bool) (CloseFrame, int) {
	if len(src) < 1 {
		return CloseFrame{}, 0
	}
	off := 1
	code, n := varint.Decode(src[off:])
	if n == 0 {
		return CloseFrame{}, 0
	}
	off += n
	length, n := varint.Decode(src[off:])
	if n == 0 {
		return CloseFrame{}, 0
	}
	off += n
	if uint64(len(src)-off) < length {
		return CloseFrame{}, 0
	}
	reason := src[off : off+int(length)]
	off += int(length)
	return CloseFrame{Application: application, ErrorCode: uint16(code), Reason: reason}, off
}
