// Package sack implements the selective-acknowledgement ledger: an
// ordered, disjoint set of closed intervals over 62-bit packet numbers
// or stream offsets (spec.md §3, §4.7).
//
// Per SPEC_FULL.md §4.7 / Design Notes §9(a), the ledger is a dense
// slice rather than the source's intrusive linked list; n is small in
// practice (bounded by reordering depth) so linear insertion dominates
// a tree for cache locality. Insert finds its position by binary search
// since the slice stays sorted; Contains scans the ranges linearly.
package sack

import "sort"

// Range is a closed interval [Min, Max] of packet numbers (or stream
// offsets) known to have been received.
type Range struct {
	Min, Max uint64
}

// Ledger holds disjoint, non-adjacent ranges ordered from highest to
// lowest, matching spec.md §3's invariants (a)-(c).
type Ledger struct {
	ranges        []Range // ranges[0] is the most recent ("first sack item")
	blockSizeMax  uint64
}

// New returns an empty Ledger.
func New() *Ledger {
	return &Ledger{}
}

// Insert merges [min, max] into the ledger, maintaining the disjoint,
// non-adjacent, highest-to-lowest invariant. It is the SACK-ledger
// counterpart of the source's update_sack_list.
func (l *Ledger) Insert(min, max uint64) {
	if max < min {
		min, max = max, min
	}
	// Fast path: extends the most recent range contiguously.
	if len(l.ranges) > 0 {
		first := &l.ranges[0]
		if min <= first.Max+1 && max >= first.Min-1 {
			if min < first.Min {
				first.Min = min
			}
			if max > first.Max {
				first.Max = max
			}
			l.mergeForward(0)
			l.trackBlockSize()
			return
		}
	}
	// General path: binary search for insertion point (descending order),
	// then merge with any now-adjacent neighbors.
	idx := sort.Search(len(l.ranges), func(i int) bool {
		return l.ranges[i].Max < min // first range whose Max < min
	})
	l.ranges = append(l.ranges, Range{})
	copy(l.ranges[idx+1:], l.ranges[idx:])
	l.ranges[idx] = Range{Min: min, Max: max}
	l.mergeForward(idx)
	l.trackBlockSize()
}

// mergeForward merges l.ranges[idx] with adjacent/overlapping neighbors
// on both sides and compacts the slice.
func (l *Ledger) mergeForward(idx int) {
	r := l.ranges[idx]
	lo, hi := idx, idx
	for hi+1 < len(l.ranges) && l.ranges[hi+1].Max+1 >= r.Min {
		if l.ranges[hi+1].Min < r.Min {
			r.Min = l.ranges[hi+1].Min
		}
		hi++
	}
	for lo-1 >= 0 && l.ranges[lo-1].Min <= r.Max+1 {
		if l.ranges[lo-1].Min < r.Min {
			r.Min = l.ranges[lo-1].Min
		}
		if l.ranges[lo-1].Max > r.Max {
			r.Max = l.ranges[lo-1].Max
		}
		lo--
	}
	merged := append([]Range{r}, l.ranges[hi+1:]...)
	l.ranges = append(l.ranges[:lo], merged...)
}

func (l *Ledger) trackBlockSize() {
	if len(l.ranges) == 0 {
		return
	}
	size := l.ranges[0].Max - l.ranges[0].Min + 1
	if size > l.blockSizeMax {
		l.blockSizeMax = size
	}
}

// Contains reports whether pn falls inside any held range.
func (l *Ledger) Contains(pn uint64) bool {
	for _, r := range l.ranges {
		if pn >= r.Min && pn <= r.Max {
			return true
		}
		if r.Max < pn {
			break
		}
	}
	return false
}

// First returns the most recent (highest) range and true, or the zero
// Range and false if the ledger is empty.
func (l *Ledger) First() (Range, bool) {
	if len(l.ranges) == 0 {
		return Range{}, false
	}
	return l.ranges[0], true
}

// Ranges returns the ledger's ranges from most to least recent. The
// returned slice must not be mutated by the caller.
func (l *Ledger) Ranges() []Range {
	return l.ranges
}

// Len returns the number of disjoint ranges currently held.
func (l *Ledger) Len() int {
	return len(l.ranges)
}

// BlockSizeMax returns the largest range ever held by this ledger
// (sack_block_size_max in spec.md §3).
func (l *Ledger) BlockSizeMax() uint64 {
	return l.blockSizeMax
}

// RemoveBelow drops any range content below threshold (threshold itself
// is kept), used when
// the peer acknowledges receipt of our ACK frame ("ack of ack") and we
// no longer need to keep repeating those ranges.
func (l *Ledger) RemoveBelow(threshold uint64) {
	out := l.ranges[:0]
	for _, r := range l.ranges {
		if r.Max < threshold {
			continue
		}
		if r.Min < threshold {
			r.Min = threshold
		}
		out = append(out, r)
	}
	l.ranges = out
}
