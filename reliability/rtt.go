// Package reliability implements packet-number-space bookkeeping: RTT
// estimation, pacing, congestion control, and the retransmit queue
// (spec.md §3, §4.7). Grounded on the teacher's tcp.LinuxTCPInfo field
// shapes (RTT/RTTVar/SndCwnd/PacingRate/Retransmits) and
// inetdiag.VegasInfo/BBRInfo (RTT/min-RTT/pacing-gain), which shape the
// Snapshot struct and the pacer/congestion state respectively.
package reliability

import "time"

// Granularity is the minimum RTT-timer tick the reference clock is
// assumed to resolve (spec.md §4.7's "granularity" term).
const Granularity = time.Millisecond

// MinRTTTimer is the floor spec.md §4.7 places on the computed
// retransmit timer.
const MinRTTTimer = 200 * time.Millisecond

// RTTEstimator tracks the smoothed RTT, its variance, and the minimum
// observed RTT, per spec.md §4.7's exact update formulas.
type RTTEstimator struct {
	Smoothed     time.Duration
	Variance     time.Duration
	Min          time.Duration
	MaxAckDelay  time.Duration
	AckDelayLocal time.Duration

	initialized bool
}

// NewRTTEstimator returns an estimator seeded with the given
// max_ack_delay and ack_delay_local (spec.md §3's per-connection
// fields).
func NewRTTEstimator(maxAckDelay, ackDelayLocal time.Duration) *RTTEstimator {
	return &RTTEstimator{MaxAckDelay: maxAckDelay, AckDelayLocal: ackDelayLocal}
}

// Sample folds one new RTT sample into the estimator. sendTime and now
// are wall-clock timestamps of send and ack-processing; peerAckDelay is
// the delay the peer reported it held the packet before acking
// (spec.md §4.7: rtt_sample = now - send_time - peer_ack_delay).
func (e *RTTEstimator) Sample(sendTime, now time.Time, peerAckDelay time.Duration) {
	sample := now.Sub(sendTime) - peerAckDelay
	if sample < 0 {
		sample = 0
	}
	if !e.initialized {
		e.Smoothed = sample
		e.Variance = sample / 2
		e.Min = sample
		e.initialized = true
		return
	}
	if sample < e.Min || e.Min == 0 {
		e.Min = sample
	}
	diff := e.Smoothed - sample
	if diff < 0 {
		diff = -diff
	}
	e.Variance = (3*e.Variance + diff) / 4
	e.Smoothed = (7*e.Smoothed + sample) / 8
}

// RetransmitTimer computes the current retransmit timeout per spec.md
// §4.7: max(MIN_RTT_TIMER, smoothed + max(4*variance, granularity) +
// max_ack_delay).
func (e *RTTEstimator) RetransmitTimer() time.Duration {
	jitterTerm := 4 * e.Variance
	if jitterTerm < Granularity {
		jitterTerm = Granularity
	}
	timer := e.Smoothed + jitterTerm + e.MaxAckDelay
	if timer < MinRTTTimer {
		timer = MinRTTTimer
	}
	return timer
}
