package frame

import (
	"bytes"
	"testing"

	"github.com/quicwire/qcore/sack"
)

func TestStreamRoundTrip(t *testing.T) {
	buf := make([]byte, 256)
	data := []byte("hello quic stream")
	written, consumed := EncodeStream(buf, 4, 10, data, true, len(buf))
	if consumed != len(data) {
		t.Fatalf("consumed = %d, want %d", consumed, len(data))
	}
	sf, n := DecodeStream(buf[:written])
	if n != written {
		t.Fatalf("decode consumed %d, want %d", n, written)
	}
	if sf.StreamID != 4 || sf.Offset != 10 || !sf.Fin || !bytes.Equal(sf.Data, data) {
		t.Fatalf("decoded frame mismatch: %+v", sf)
	}
}

func TestStreamBudgetTruncation(t *testing.T) {
	buf := make([]byte, 8)
	data := bytes.Repeat([]byte("x"), 100)
	written, consumed := EncodeStream(buf, 4, 0, data, false, len(buf))
	if consumed >= len(data) {
		t.Fatalf("expected truncation, consumed %d of %d", consumed, len(data))
	}
	if written > len(buf) {
		t.Fatalf("wrote past budget: %d > %d", written, len(buf))
	}
}

func TestAckRoundTrip(t *testing.T) {
	ranges := []sack.Range{{Min: 90, Max: 100}, {Min: 50, Max: 60}, {Min: 0, Max: 10}}
	buf := make([]byte, 256)
	n, err := EncodeAck(buf, false, ranges, 1500, 3)
	if err != nil {
		t.Fatalf("EncodeAck: %v", err)
	}
	af, consumed := DecodeAck(buf[:n])
	if consumed != n {
		t.Fatalf("decode consumed %d, want %d", consumed, n)
	}
	if af.LargestAcknowledged != 100 {
		t.Fatalf("largest = %d, want 100", af.LargestAcknowledged)
	}
	if len(af.Ranges) != 3 {
		t.Fatalf("ranges = %+v, want 3 entries", af.Ranges)
	}
	for i, r := range af.Ranges {
		if r != ranges[i] {
			t.Fatalf("range %d = %+v, want %+v", i, r, ranges[i])
		}
	}
}

func TestAckTruncatesFromOldest(t *testing.T) {
	ranges := []sack.Range{{Min: 990, Max: 1000}, {Min: 0, Max: 1}}
	buf := make([]byte, 8) // far too small to hold both ranges
	n, err := EncodeAck(buf, false, ranges, 0, 3)
	if err != nil {
		t.Fatalf("EncodeAck: %v", err)
	}
	af, consumed := DecodeAck(buf[:n])
	if consumed != n {
		t.Fatalf("decode mismatch")
	}
	if len(af.Ranges) != 1 || af.Ranges[0] != ranges[0] {
		t.Fatalf("expected only the most recent range kept, got %+v", af.Ranges)
	}
}

func TestCloseRoundTrip(t *testing.T) {
	buf := make([]byte, 64)
	f := CloseFrame{Application: true, ErrorCode: 42, Reason: []byte("bye")}
	n := EncodeClose(buf, f)
	got, consumed := DecodeClose(buf[:n], true)
	if consumed != n || got.ErrorCode != 42 || string(got.Reason) != "bye" {
		t.Fatalf("decode mismatch: %+v", got)
	}
}

func TestResetStreamRoundTrip(t *testing.T) {
	buf := make([]byte, 64)
	f := ResetStreamFrame{StreamID: 7, ErrorCode: 1, FinalOffset: 1234}
	n := EncodeResetStream(buf, f)
	got, consumed := DecodeResetStream(buf[:n])
	if consumed != n || got != f {
		t.Fatalf("decode mismatch: %+v want %+v", got, f)
	}
}

func TestDecodeDispatch(t *testing.T) {
	buf := make([]byte, 64)
	n := EncodeMaxData(buf, 9000)
	fr, consumed := Decode(buf[:n], false)
	if consumed != n || fr.Type != TypeMaxData || fr.MaxData != 9000 {
		t.Fatalf("dispatch decode mismatch: %+v", fr)
	}
}

func TestIsRetransmittable(t *testing.T) {
	if (Frame{Type: TypePadding}).IsRetransmittable() {
		t.Fatalf("PADDING should not be retransmittable")
	}
	if (Frame{Type: TypeAckOld}).IsRetransmittable() {
		t.Fatalf("ACK should not be retransmittable")
	}
	if !(Frame{Type: TypeMaxData}).IsRetransmittable() {
		t.Fatalf("MAX_DATA should be retransmittable")
	}
}
