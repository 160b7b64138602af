package tlsprovider

import (
	"bytes"
	"testing"
	"time"
)

func TestMemoryTicketStore(t *testing.T) {
	now := time.Unix(1700000000, 0)
	clock := func() time.Time { return now }
	s := NewMemoryTicketStore(2, clock)

	s.Put("example.com", "hq-08", []byte("ticket-1"), now.Add(time.Hour))
	blob, ok := s.Lookup("example.com", "hq-08")
	if !ok || !bytes.Equal(blob, []byte("ticket-1")) {
		t.Fatalf("Lookup after Put = (%q, %v)", blob, ok)
	}

	// Lookup is keyed by the (SNI, ALPN) pair.
	if _, ok := s.Lookup("example.com", "h3"); ok {
		t.Errorf("lookup with different ALPN must miss")
	}
	if _, ok := s.Lookup("other.example", "hq-08"); ok {
		t.Errorf("lookup with different SNI must miss")
	}

	// A fresh Put for the same key replaces the stored blob.
	s.Put("example.com", "hq-08", []byte("ticket-2"), now.Add(time.Hour))
	blob, _ = s.Lookup("example.com", "hq-08")
	if !bytes.Equal(blob, []byte("ticket-2")) {
		t.Errorf("Put did not replace existing ticket, got %q", blob)
	}

	// Capacity bound evicts the oldest entry.
	s.Put("a.example", "hq-08", []byte("a"), now.Add(time.Hour))
	s.Put("b.example", "hq-08", []byte("b"), now.Add(time.Hour))
	if _, ok := s.Lookup("example.com", "hq-08"); ok {
		t.Errorf("oldest ticket should have been evicted at capacity")
	}

	// Expired tickets are dropped on lookup.
	s.Put("c.example", "hq-08", []byte("c"), now.Add(time.Minute))
	now = now.Add(2 * time.Minute)
	if _, ok := s.Lookup("c.example", "hq-08"); ok {
		t.Errorf("expired ticket must not be returned")
	}

	// Evict removes explicitly.
	s.Put("d.example", "hq-08", []byte("d"), now.Add(time.Hour))
	s.Evict("d.example", "hq-08")
	if _, ok := s.Lookup("d.example", "hq-08"); ok {
		t.Errorf("evicted ticket must not be returned")
	}
}
