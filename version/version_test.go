package version

import (
	"testing"

	"github.com/go-test/deep"
)

func TestIndexAndNegotiate(t *testing.T) {
	if Index(Draft08) < 0 || Index(Draft05) < 0 || Index(TestVer) < 0 {
		t.Fatalf("advertised versions must all be indexable")
	}
	if Index(Reserved) != -1 {
		t.Fatalf("reserved greasing version must not be supported")
	}

	rec, ok := Negotiate([]Number{Reserved, Draft05, Draft08})
	if !ok {
		t.Fatalf("negotiation found no overlap")
	}
	if rec.Version != Draft08 {
		t.Errorf("negotiated %#x, want our most preferred draft-08", uint32(rec.Version))
	}

	if _, ok := Negotiate([]Number{Reserved}); ok {
		t.Errorf("negotiation with no overlap must fail")
	}
}

func TestAckFrameMappingPerVersion(t *testing.T) {
	for _, rec := range Table {
		switch rec.Version {
		case Draft05, Draft07:
			if !rec.AckFrameOld {
				t.Errorf("version %#x must use the old ACK frame type", uint32(rec.Version))
			}
		case Draft08, TestVer:
			if rec.AckFrameOld {
				t.Errorf("version %#x must use the new ACK frame type range", uint32(rec.Version))
			}
		}
	}
}

func TestTransportParametersRoundTrip(t *testing.T) {
	want := TransportParameters{
		InitialMaxStreamData:    64 * 1024,
		InitialMaxData:          512 * 1024,
		InitialMaxStreamIDBidi:  20,
		InitialMaxStreamIDUnidi: 8,
		IdleTimeoutSeconds:      30,
		OmitConnectionID:        true,
		MaxPacketSize:           1300,
		AckDelayExponent:        5,
	}
	var buf [MaxTransportParamsSize]byte
	n, err := want.Encode(buf[:])
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got, err := Decode(buf[:n])
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if diff := deep.Equal(got, want); diff != nil {
		t.Fatalf("round trip mismatch: %v", diff)
	}
}

func TestDecodeSkipsUnknownAndRejectsTruncated(t *testing.T) {
	var buf [MaxTransportParamsSize]byte
	n, err := DefaultServerParams().Encode(buf[:])
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	// Append an unknown parameter id; decode must skip it.
	ext := append(append([]byte{}, buf[:n]...), 0xFF, 0xFF, 0x00, 0x02, 0xAB, 0xCD)
	if _, err := Decode(ext); err != nil {
		t.Errorf("unknown parameter id must be skipped, got %v", err)
	}
	// Truncate inside a value; decode must error.
	if _, err := Decode(buf[:n-2]); err == nil {
		t.Errorf("truncated parameter must be rejected")
	}
}
