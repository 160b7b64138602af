package connid

import (
	"strings"
	"testing"
)

func TestFromWireID(t *testing.T) {
	id, err := FromWireID(0xABCDEF0123456789)
	if err != nil {
		t.Fatalf("FromWireID: %v", err)
	}
	if !strings.HasSuffix(id, "_ABCDEF0123456789") {
		t.Errorf("id %q does not end with the hex wire id", id)
	}
	parts := strings.Split(id, "_")
	if len(parts) < 3 {
		t.Fatalf("id %q should be hostname_boottime_hexid", id)
	}

	// The prefix is cached: two ids from the same process share it.
	id2, err := FromWireID(1)
	if err != nil {
		t.Fatalf("FromWireID: %v", err)
	}
	if !strings.HasPrefix(id2, strings.TrimSuffix(id, "ABCDEF0123456789")) {
		t.Errorf("ids %q and %q do not share a prefix", id, id2)
	}
}
