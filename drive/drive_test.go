package drive

import (
	"context"
	"net"
	"testing"
	"time"
)

type fakeEndpoint struct {
	incoming [][]byte
	outbox   [][]byte
}

func (f *fakeEndpoint) Incoming(datagram []byte, peer net.Addr, now time.Time) error {
	f.incoming = append(f.incoming, datagram)
	// Echo one response per received datagram.
	f.outbox = append(f.outbox, append([]byte{0xEC}, datagram...))
	return nil
}

func (f *fakeEndpoint) PrepareNext(now time.Time) ([]byte, net.Addr, bool, time.Time) {
	if len(f.outbox) == 0 {
		return nil, nil, false, now.Add(time.Second)
	}
	out := f.outbox[0]
	f.outbox = f.outbox[1:]
	return out, &net.UDPAddr{}, true, now
}

type fakeTransport struct {
	pending [][]byte
	sent    [][]byte
}

func (f *fakeTransport) Send(datagram []byte, dest net.Addr) error {
	f.sent = append(f.sent, datagram)
	return nil
}

func (f *fakeTransport) Recv() ([]byte, net.Addr, bool) {
	if len(f.pending) == 0 {
		return nil, nil, false
	}
	d := f.pending[0]
	f.pending = f.pending[1:]
	return d, &net.UDPAddr{}, true
}

func TestRunPumpsBothDirections(t *testing.T) {
	ep := &fakeEndpoint{}
	tr := &fakeTransport{pending: [][]byte{{1}, {2}, {3}}}

	loops, sends := Run(context.Background(), 3, ep, tr)
	if loops != 3 {
		t.Fatalf("loops = %d, want 3", loops)
	}
	if len(ep.incoming) != 3 {
		t.Fatalf("endpoint saw %d datagrams, want 3", len(ep.incoming))
	}
	if sends != 3 || len(tr.sent) != 3 {
		t.Fatalf("transport sent %d datagrams, want 3", len(tr.sent))
	}
	for i, d := range tr.sent {
		if d[0] != 0xEC {
			t.Errorf("sent datagram %d = %v, want echo-prefixed", i, d)
		}
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	loops, _ := Run(ctx, 0, &fakeEndpoint{}, &fakeTransport{})
	if loops != 0 {
		t.Fatalf("loops = %d after pre-canceled context, want 0", loops)
	}
}
