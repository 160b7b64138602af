package reliability

import (
	"time"

	"github.com/quicwire/qcore/sack"
)

// SentPacket is the per-sent-packet record spec.md §3 names: "packet
// number, packet type, send time, length, payload copy for
// retransmission, flags". Arena-backed and keyed by packet number
// rather than intrusively linked, per SPEC_FULL.md §4.7.
type SentPacket struct {
	PN             uint64
	SendTime       time.Time
	Size           int
	Payload        []byte // copy of the frame bytes, for retransmission
	AckOnly        bool   // "pure-ack packet": never retransmitted
	ContainsCrypto bool
	ZeroRTT        bool

	// AckedThrough records the largest peer packet number this packet's
	// own ACK frame covered, so an ack of this packet lets the receive
	// ledger drop everything below it ("ack of ack").
	AckedThrough    uint64
	HasAckedThrough bool

	acked        bool
	lost         bool
	retransmitOf uint64 // PN of the original packet this one replaces, 0 if none
	hasRetransmitOf bool
}

// Arena is the stably-indexed store of in-flight sent packets for one
// packet-number space, replacing the source's intrusive retransmit
// queue (Design Notes §9(a)). Packets are appended in increasing PN
// order, which holds for any single packet-number space since PNs are
// assigned monotonically.
type Arena struct {
	packets   []SentPacket
	indexByPN map[uint64]int

	// Retransmit-ready set: packets declared lost, awaiting the caller
	// to actually resend their content in a new packet.
	retransmitReady []uint64

	TotalRetransmits    int
	SpuriousRetransmits int
	MaxSpuriousRTT      time.Duration
	WorstReorderGap     uint64
}

// NewArena returns an empty Arena.
func NewArena() *Arena {
	return &Arena{indexByPN: make(map[uint64]int)}
}

// Push records a newly sent packet.
func (a *Arena) Push(sp SentPacket) {
	a.indexByPN[sp.PN] = len(a.packets)
	a.packets = append(a.packets, sp)
}

// InFlightBytes sums the Size of every tracked, unacked, unlost packet.
func (a *Arena) InFlightBytes() int {
	total := 0
	for i := range a.packets {
		p := &a.packets[i]
		if !p.acked && !p.lost {
			total += p.Size
		}
	}
	return total
}

// AckResult reports what processing an ACK frame against the arena
// accomplished, for the caller to feed into RTT/congestion updates.
type AckResult struct {
	NewlyAckedBytes int
	LargestNewlyAckedSendTime time.Time
	HasLargestNewlyAcked     bool
	LargestNewlyAckedPN      uint64
	SpuriousThisCall         int

	// AckOfAckThrough is the highest AckedThrough among packets newly
	// acknowledged by this call: the peer has seen our ACK covering up
	// to that packet number, so the receive ledger may prune below it.
	AckOfAckThrough uint64
	HasAckOfAck     bool
}

// OnAck walks the arena and marks every tracked packet number covered
// by ranges as acknowledged, dequeuing it exactly once even if the same
// range (or an overlapping one) is processed again later — an
// already-acked packet is skipped (spec.md §8 property 5:
// "acknowledged twice is dequeued once"). A packet previously declared
// lost that turns out to be covered here is a spurious-loss detection:
// the spurious counters are updated and it is still counted as newly
// acked.
func (a *Arena) OnAck(ranges []sack.Range, now time.Time) AckResult {
	var res AckResult
	for i := range a.packets {
		p := &a.packets[i]
		if p.acked {
			continue
		}
		if !inRanges(ranges, p.PN) {
			continue
		}
		wasLost := p.lost
		p.acked = true
		res.NewlyAckedBytes += p.Size
		if p.HasAckedThrough && (!res.HasAckOfAck || p.AckedThrough > res.AckOfAckThrough) {
			res.AckOfAckThrough = p.AckedThrough
			res.HasAckOfAck = true
		}
		if !p.AckOnly {
			if p.SendTime.After(res.LargestNewlyAckedSendTime) || !res.HasLargestNewlyAcked {
				res.LargestNewlyAckedSendTime = p.SendTime
				res.LargestNewlyAckedPN = p.PN
				res.HasLargestNewlyAcked = true
			}
		}
		if wasLost {
			a.SpuriousRetransmits++
			res.SpuriousThisCall++
			spuriousRTT := now.Sub(p.SendTime)
			if spuriousRTT > a.MaxSpuriousRTT {
				a.MaxSpuriousRTT = spuriousRTT
			}
		}
	}
	return res
}

func inRanges(ranges []sack.Range, pn uint64) bool {
	for _, r := range ranges {
		if pn >= r.Min && pn <= r.Max {
			return true
		}
	}
	return false
}

// DetectLoss walks unacked packets older than (largestAcked - and the
// reorder/RTT threshold) and declares them lost: pure-ack packets are
// discarded without resend, while retransmittable packets move to the
// retransmit-ready set (spec.md §4.7). lossDelayThreshold is typically
// rttMin plus a fixed reorder allowance. Returns the newly-lost
// packets' total bytes for the congestion controller's OnLoss call.
func (a *Arena) DetectLoss(now time.Time, lossDelayThreshold time.Duration, largestAcked uint64) (lostBytes int, newlyLost []SentPacket) {
	for i := range a.packets {
		p := &a.packets[i]
		if p.acked || p.lost {
			continue
		}
		if p.PN >= largestAcked {
			continue // can't judge loss for packets not yet superseded
		}
		if now.Sub(p.SendTime) < lossDelayThreshold {
			continue
		}
		p.lost = true
		if largestAcked > p.PN && largestAcked-p.PN > a.WorstReorderGap {
			a.WorstReorderGap = largestAcked - p.PN
		}
		if p.AckOnly {
			continue // discarded without resend
		}
		lostBytes += p.Size
		newlyLost = append(newlyLost, *p)
		a.retransmitReady = append(a.retransmitReady, p.PN)
		a.TotalRetransmits++
	}
	return lostBytes, newlyLost
}

// PopRetransmitReady drains and returns the packet numbers DetectLoss
// has declared lost since the last call. Spurious retransmission is
// detected in OnAck from the original packet's lost flag.
func (a *Arena) PopRetransmitReady() []uint64 {
	out := a.retransmitReady
	a.retransmitReady = nil
	return out
}

// Get returns the tracked record for pn, if still held.
func (a *Arena) Get(pn uint64) (SentPacket, bool) {
	idx, ok := a.indexByPN[pn]
	if !ok {
		return SentPacket{}, false
	}
	return a.packets[idx], ok
}

// Compact drops acked packets, and lost packets no longer awaiting
// PopRetransmitReady, from anywhere in the arena to bound memory, and
// rebuilds the packet-number index. It is safe to call at any time; it
// never drops an unacked, not-yet-lost packet.
func (a *Arena) Compact() {
	keep := a.packets[:0]
	for _, p := range a.packets {
		if p.acked {
			continue
		}
		if p.lost && !containsPN(a.retransmitReady, p.PN) {
			continue
		}
		keep = append(keep, p)
	}
	a.packets = keep
	a.indexByPN = make(map[uint64]int, len(keep))
	for i, p := range keep {
		a.indexByPN[p.PN] = i
	}
}

func containsPN(list []uint64, pn uint64) bool {
	for _, v := range list {
		if v == pn {
			return true
		}
	}
	return false
}
