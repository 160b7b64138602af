package packet

import (
	"testing"

	"github.com/quicwire/qcore/version"
)

func TestPNReconstruction(t *testing.T) {
	widths := []int{1, 2, 4}
	for _, w := range widths {
		bits := uint(w * 8)
		mask := uint64(1)<<bits - 1
		largest := uint64(1_000_000)
		truncated := (largest + 5) & mask
		got := ReconstructPN(truncated, w, largest)
		if got%(mask+1) != truncated {
			t.Fatalf("width %d: reconstructed %d mod %d != truncated %d", w, got, mask+1, truncated)
		}
		expected := largest + 1
		var diff uint64
		if got > expected {
			diff = got - expected
		} else {
			diff = expected - got
		}
		if diff > (mask+1)/2 {
			t.Fatalf("width %d: |reconstructed-expected|=%d exceeds (mask+1)/2=%d", w, diff, (mask+1)/2)
		}
	}
}

func TestLongHeaderRoundTrip(t *testing.T) {
	buf := make([]byte, 64)
	n, err := EncodeLongHeader(buf, TypeInitial, version.Draft08, 0x1122334455667788, 42, 2)
	if err != nil {
		t.Fatalf("EncodeLongHeader: %v", err)
	}
	h, err := ParseHeader(buf[:n], 0, false)
	if err != nil {
		t.Fatalf("ParseHeader: %v", err)
	}
	if h.Form != FormLong || h.Type != TypeInitial {
		t.Fatalf("header = %+v", h)
	}
	if h.ConnID != 0x1122334455667788 {
		t.Fatalf("connID = %x", h.ConnID)
	}
	if h.PNFull != 42 {
		t.Fatalf("PNFull = %d, want 42", h.PNFull)
	}
	if h.Version != version.Draft08 {
		t.Fatalf("version = %x", h.Version)
	}
}

func TestShortHeaderRoundTrip(t *testing.T) {
	buf := make([]byte, 32)
	n, err := EncodeShortHeader(buf, 0xaabbccdd, true, 7, 1)
	if err != nil {
		t.Fatalf("EncodeShortHeader: %v", err)
	}
	h, err := ParseHeader(buf[:n], 0, false)
	if err != nil {
		t.Fatalf("ParseHeader: %v", err)
	}
	if h.Form != FormShort || h.ConnID != 0xaabbccdd || h.PNFull != 7 {
		t.Fatalf("header = %+v", h)
	}
}

func TestVersionNegotiationRoundTrip(t *testing.T) {
	buf := make([]byte, 64)
	supported := []version.Number{version.Draft08, version.Draft07}
	n, err := EncodeVersionNegotiation(buf, 0xdeadbeef, supported)
	if err != nil {
		t.Fatalf("EncodeVersionNegotiation: %v", err)
	}
	h, err := ParseHeader(buf[:n], 0, false)
	if err != nil {
		t.Fatalf("ParseHeader: %v", err)
	}
	if h.Type != TypeVersionNegotiation {
		t.Fatalf("expected version negotiation type, got %v", h.Type)
	}
	got := DecodeVersionList(buf[h.Offset:n])
	if len(got) != 2 || got[0] != version.Draft08 || got[1] != version.Draft07 {
		t.Fatalf("version list = %v", got)
	}
}

func TestRetryCookie(t *testing.T) {
	seed := make([]byte, 64)
	addr := []byte("1.2.3.4:4433")
	cookie := RetryCookie(seed, addr, 0x1234)
	if !VerifyRetryCookie(seed, addr, 0x1234, cookie) {
		t.Fatalf("expected cookie to verify")
	}
	if VerifyRetryCookie(seed, addr, 0x1235, cookie) {
		t.Fatalf("expected cookie mismatch for different connection id")
	}
}

func TestStatelessResetTokenDeterministic(t *testing.T) {
	seed := make([]byte, 16)
	a := StatelessResetToken(seed, 100)
	b := StatelessResetToken(seed, 100)
	if a != b {
		t.Fatalf("expected deterministic token")
	}
	c := StatelessResetToken(seed, 101)
	if a == c {
		t.Fatalf("expected different tokens for different connection ids")
	}
}
