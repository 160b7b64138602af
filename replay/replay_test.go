package replay

import (
	"bytes"
	"testing"
	"time"

	"github.com/go-test/deep"
)

func TestTraceRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	base := time.Date(2018, 3, 14, 9, 0, 0, 0, time.UTC)
	want := []*Datagram{
		{When: base, Peer: "198.51.100.7:5000", Data: []byte{0x80, 0xFF, 0x00, 0x00, 0x08}},
		{When: base.Add(3 * time.Millisecond), Peer: "198.51.100.7:5000", Data: bytes.Repeat([]byte{0xAA}, 1200)},
		{When: base.Add(9 * time.Millisecond), Peer: "[2001:db8::1]:443", Data: []byte{0x01}},
	}
	for _, d := range want {
		if err := Write(&buf, d); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}

	got, err := LoadAll(&buf)
	if err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	if len(got) != len(want) {
		t.Fatalf("read %d datagrams, want %d", len(got), len(want))
	}
	for i := range want {
		if !got[i].When.Equal(want[i].When) {
			t.Errorf("datagram %d time %v, want %v", i, got[i].When, want[i].When)
		}
		got[i].When = want[i].When // normalize wall/monotonic representation for deep compare
		if diff := deep.Equal(got[i], want[i]); diff != nil {
			t.Errorf("datagram %d: %v", i, diff)
		}
	}
}

func TestTruncatedTrace(t *testing.T) {
	var buf bytes.Buffer
	if err := Write(&buf, &Datagram{When: time.Now(), Peer: "a", Data: []byte{1, 2, 3}}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	raw := buf.Bytes()[:buf.Len()-2]
	if _, err := LoadAll(bytes.NewReader(raw)); err == nil {
		t.Fatalf("expected error for truncated trace")
	}
}
