package frame

import "fmt"

// Decode dispatches on the leading type byte of src and returns the
// decoded Frame plus bytes consumed, or (_, 0) on truncation or an
// unrecognized type. ackFrameOld selects which byte range is read as
// an ACK frame, per the per-version mapping resolved in SPEC_FULL.md
// §4.2.
func Decode(src []byte, ackFrameOld bool) (Frame, int) {
	if len(src) == 0 {
		return Frame{}, 0
	}
	t := Type(src[0])

	switch {
	case t == TypePadding:
		return Frame{Type: t}, 1
	case t == TypePing || t == TypePong:
		return Frame{Type: t}, 1
	case t == TypeAckOld && ackFrameOld:
		ack, n := DecodeAck(src)
		return Frame{Type: t, Ack: ack}, n
	case t >= TypeAckNewLo && t <= TypeAckNewHi && !ackFrameOld:
		ack, n := DecodeAck(src)
		return Frame{Type: t, Ack: ack}, n
	case t >= TypeStreamLo && t <= TypeStreamHi:
		sf, n := DecodeStream(src)
		return Frame{Type: t, Stream: sf}, n
	case t == TypeMaxData:
		v, n := DecodeMaxData(src)
		return Frame{Type: t, MaxData: v}, n
	case t == TypeMaxStreamData:
		id, v, n := DecodeMaxStreamData(src)
		return Frame{Type: t, StreamID: id, MaxStreamData: v}, n
	case t == TypeMaxStreamID:
		v, n := DecodeMaxStreamID(src)
		return Frame{Type: t, MaxStreamID: v}, n
	case t == TypeResetStream:
		rf, n := DecodeResetStream(src)
		return Frame{Type: t, Reset: rf}, n
	case t == TypeStopSending:
		sf, n := DecodeStopSending(src)
		return Frame{Type: t, Stop: sf}, n
	case t == TypeNewConnectionID:
		nf, n := DecodeNewConnectionID(src)
		return Frame{Type: t, NewConnID: nf}, n
	case t == TypeConnectionClose:
		cf, n := DecodeClose(src, false)
		return Frame{Type: t, Close: cf}, n
	case t == TypeApplicationClose:
		cf, n := DecodeClose(src, true)
		return Frame{Type: t, Close: cf}, n
	case t == TypeBlocked || t == TypeStreamIDBlocked:
		_, n := decodeSimpleVarints(src, 0)
		return Frame{Type: t}, n
	case t == TypeStreamBlocked:
		vals, n := decodeSimpleVarints(src, 1)
		if n == 0 {
			return Frame{}, 0
		}
		return Frame{Type: t, StreamID: vals[0]}, n
	default:
		return Frame{}, 0
	}
}

// Skip locates the byte length of the frame at the front of src by
// decoding it with Decode and discarding the result, used to walk a
// packet's frame stream to find boundaries (spec.md §4.3).
func Skip(src []byte, ackFrameOld bool) int {
	_, n := Decode(src, ackFrameOld)
	return n
}

// ErrShortBuffer describes a buffer too small to hold a frame's fixed
// header. The Writer methods do not return it; they report that case
// through their bool or zero-length result.
var ErrShortBuffer = fmt.Errorf("frame: short buffer")
