package varint

import "testing"

func TestRoundTrip(t *testing.T) {
	cases := []uint64{0, 1, 63, 64, 16383, 16384, 1<<30 - 1, 1 << 30, Max}
	for _, v := range cases {
		buf := make([]byte, 8)
		n := Encode(buf, v)
		if n == 0 {
			t.Fatalf("Encode(%d) failed", v)
		}
		got, used := Decode(buf[:n])
		if got != v || used != n {
			t.Fatalf("round trip of %d: got (%d, %d), want (%d, %d)", v, got, used, v, n)
		}
	}
}

func TestEncodeTooLarge(t *testing.T) {
	buf := make([]byte, 8)
	if n := Encode(buf, Max+1); n != 0 {
		t.Fatalf("expected 0 for out-of-range value, got %d", n)
	}
}

func TestDecodeTruncated(t *testing.T) {
	buf := []byte{0x80, 0x00} // claims 4 bytes, only 2 present
	if v, n := Decode(buf); v != 0 || n != 0 {
		t.Fatalf("expected (0,0) for truncated input, got (%d,%d)", v, n)
	}
}

func TestSkip(t *testing.T) {
	buf := make([]byte, 8)
	n := Encode(buf, 1<<20)
	if s := Skip(buf[:n]); s != n {
		t.Fatalf("Skip = %d, want %d", s, n)
	}
	if s := Skip(buf[:n-1]); s != 0 {
		t.Fatalf("Skip on truncated input = %d, want 0", s)
	}
}

func TestLenBoundaries(t *testing.T) {
	tests := []struct {
		v    uint64
		want int
	}{
		{0, 1}, {63, 1}, {64, 2}, {16383, 2}, {16384, 4},
		{1<<30 - 1, 4}, {1 << 30, 8}, {Max, 8}, {Max + 1, 0},
	}
	for _, tc := range tests {
		if got := Len(tc.v); got != tc.want {
			t.Errorf("Len(%d) = %d, want %d", tc.v, got, tc.want)
		}
	}
}
