package reliability

import (
	"testing"
	"time"

	"github.com/quicwire/qcore/sack"
)

func TestRetransmitIdempotence(t *testing.T) {
	a := NewArena()
	base := time.Now()
	a.Push(SentPacket{PN: 1, SendTime: base, Size: 100})
	a.Push(SentPacket{PN: 2, SendTime: base, Size: 100})

	res1 := a.OnAck([]sack.Range{{Min: 1, Max: 2}}, base.Add(time.Millisecond))
	if res1.NewlyAckedBytes != 200 {
		t.Fatalf("first ack: newly acked = %d, want 200", res1.NewlyAckedBytes)
	}
	res2 := a.OnAck([]sack.Range{{Min: 0, Max: 2}}, base.Add(2*time.Millisecond))
	if res2.NewlyAckedBytes != 0 {
		t.Fatalf("second overlapping ack: newly acked = %d, want 0 (dequeued once)", res2.NewlyAckedBytes)
	}
}

func TestSpuriousLossDetection(t *testing.T) {
	a := NewArena()
	base := time.Now()
	a.Push(SentPacket{PN: 1, SendTime: base, Size: 100})
	a.Push(SentPacket{PN: 2, SendTime: base, Size: 100})

	lostBytes, lost := a.DetectLoss(base.Add(100*time.Millisecond), 10*time.Millisecond, 2)
	if lostBytes == 0 || len(lost) == 0 {
		t.Fatalf("expected packet 1 to be declared lost")
	}

	res := a.OnAck([]sack.Range{{Min: 1, Max: 1}}, base.Add(200*time.Millisecond))
	if res.SpuriousThisCall != 1 {
		t.Fatalf("spurious this call = %d, want 1", res.SpuriousThisCall)
	}
	if a.SpuriousRetransmits != 1 {
		t.Fatalf("nb_spurious = %d, want 1", a.SpuriousRetransmits)
	}
	if a.MaxSpuriousRTT < 190*time.Millisecond {
		t.Fatalf("max spurious rtt = %v, want ~200ms", a.MaxSpuriousRTT)
	}
}

func TestAckOfAckTracking(t *testing.T) {
	a := NewArena()
	base := time.Now()
	a.Push(SentPacket{PN: 1, SendTime: base, Size: 40, AckOnly: true, AckedThrough: 17, HasAckedThrough: true})
	a.Push(SentPacket{PN: 2, SendTime: base, Size: 40, AckOnly: true, AckedThrough: 23, HasAckedThrough: true})
	a.Push(SentPacket{PN: 3, SendTime: base, Size: 100})

	res := a.OnAck([]sack.Range{{Min: 1, Max: 3}}, base.Add(time.Millisecond))
	if !res.HasAckOfAck || res.AckOfAckThrough != 23 {
		t.Fatalf("ack-of-ack = (%d, %v), want (23, true)", res.AckOfAckThrough, res.HasAckOfAck)
	}

	// Re-acking the same packets reports no further ack-of-ack progress.
	res = a.OnAck([]sack.Range{{Min: 1, Max: 3}}, base.Add(2*time.Millisecond))
	if res.HasAckOfAck {
		t.Fatalf("duplicate ack reported ack-of-ack progress")
	}
}

func TestRTTFormulas(t *testing.T) {
	e := NewRTTEstimator(25*time.Millisecond, 25*time.Millisecond)
	base := time.Now()
	e.Sample(base, base.Add(50*time.Millisecond), 0)
	if e.Smoothed != 50*time.Millisecond {
		t.Fatalf("first sample smoothed = %v, want 50ms", e.Smoothed)
	}
	e.Sample(base, base.Add(58*time.Millisecond), 0)
	// smoothed = 7/8*50 + 1/8*58 = 51ms
	if e.Smoothed != 51*time.Millisecond {
		t.Fatalf("smoothed after 2nd sample = %v, want 51ms", e.Smoothed)
	}
}

func TestPacerRate(t *testing.T) {
	p := NewPacer(0)
	p.Update(10*MSS, 100*time.Millisecond)
	want := time.Duration(uint64(100*time.Millisecond) / 10)
	if p.PacketTime != want {
		t.Fatalf("packet time = %v, want %v", p.PacketTime, want)
	}
}

func TestNewRenoSlowStartAndLoss(t *testing.T) {
	c := NewNewReno()
	initial := c.Cwnd()
	c.OnSend(0)
	c.OnAck(MSS, true)
	if c.Cwnd() <= initial {
		t.Fatalf("expected cwnd growth in slow start")
	}
	grown := c.Cwnd()
	c.OnLoss(MSS)
	if c.Cwnd() >= grown {
		t.Fatalf("expected cwnd to shrink on loss")
	}
	if c.Cwnd() < cwndMin {
		t.Fatalf("cwnd fell below floor: %d < %d", c.Cwnd(), cwndMin)
	}
}
