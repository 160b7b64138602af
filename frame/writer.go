package frame

import "github.com/quicwire/qcore/sack"

// Writer packs frames into a fixed-size buffer, tracking remaining
// space so callers (the connection's send-path prepare loop) can keep
// appending frames until the packet budget is exhausted — the
// "budget-aware streaming encoder" named in SPEC_FULL.md §4.3.
type Writer struct {
	buf  []byte
	off  int
}

// NewWriter wraps buf for frame-at-a-time encoding.
func NewWriter(buf []byte) *Writer {
	return &Writer{buf: buf}
}

// Len returns the bytes written so far.
func (w *Writer) Len() int { return w.off }

// Remaining returns the unused budget.
func (w *Writer) Remaining() int { return len(w.buf) - w.off }

// Bytes returns the written prefix of the underlying buffer.
func (w *Writer) Bytes() []byte { return w.buf[:w.off] }

// Raw appends an already-encoded frame (or sequence of frames), used to
// replay a lost packet's exact payload bytes verbatim on retransmission
// (spec.md §4.7). Returns false without writing anything if data does
// not fit in the remaining budget.
func (w *Writer) Raw(data []byte) bool {
	if len(data) > w.Remaining() {
		return false
	}
	copy(w.buf[w.off:], data)
	w.off += len(data)
	return true
}

// Padding appends n padding bytes, clamped to the remaining budget, and
// returns the number actually written.
func (w *Writer) Padding(n int) int {
	written := EncodePadding(w.buf[w.off:], n)
	w.off += written
	return written
}

// Ping appends a PING frame; returns false if there is no room.
func (w *Writer) Ping() bool {
	n := EncodePing(w.buf[w.off:])
	w.off += n
	return n > 0
}

// Ack appends an ACK frame over ranges, truncating from the oldest
// range if the remaining budget is short (spec.md §4.3). Returns false
// if not even the ACK header fits.
func (w *Writer) Ack(ackFrameOld bool, ranges []sack.Range, ackDelay uint64, ackDelayExponent uint8) bool {
	n, err := EncodeAck(w.buf[w.off:], ackFrameOld, ranges, ackDelay, ackDelayExponent)
	if err != nil {
		return false
	}
	w.off += n
	return true
}

// Stream appends as much of data as fits in the remaining budget,
// returning the bytes consumed from data (0 if nothing fit).
func (w *Writer) Stream(streamID, offset uint64, data []byte, fin bool) int {
	written, consumed := EncodeStream(w.buf[w.off:], streamID, offset, data, fin, w.Remaining())
	w.off += written
	return consumed
}

func (w *Writer) MaxData(max uint64) bool {
	n := EncodeMaxData(w.buf[w.off:], max)
	w.off += n
	return n > 0
}

func (w *Writer) MaxStreamData(streamID, max uint64) bool {
	n := EncodeMaxStreamData(w.buf[w.off:], streamID, max)
	w.off += n
	return n > 0
}

func (w *Writer) MaxStreamID(max uint64) bool {
	n := EncodeMaxStreamID(w.buf[w.off:], max)
	w.off += n
	return n > 0
}

func (w *Writer) ResetStream(f ResetStreamFrame) bool {
	n := EncodeResetStream(w.buf[w.off:], f)
	w.off += n
	return n > 0
}

func (w *Writer) StopSending(f StopSendingFrame) bool {
	n := EncodeStopSending(w.buf[w.off:], f)
	w.off += n
	return n > 0
}

func (w *Writer) NewConnectionID(f NewConnectionIDFrame) bool {
	n := EncodeNewConnectionID(w.buf[w.off:], f)
	w.off += n
	return n > 0
}

func (w *Writer) Close(f CloseFrame) bool {
	n := EncodeClose(w.buf[w.off:], f)
	w.off += n
	return n > 0
}
