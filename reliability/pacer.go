package reliability

import "time"

// Pacer spaces outgoing packets according to the current congestion
// window and smoothed RTT (spec.md §4.7): packet_time = MSS * srtt /
// cwnd, the time one MSS takes at a rate of one cwnd per srtt.
type Pacer struct {
	PacketTime   time.Duration
	Reminder     time.Duration
	MarginMicros time.Duration
	NextPacingTime time.Time
}

// NewPacer returns a Pacer with a small jitter-absorbing margin,
// matching spec.md §3's pacing_margin_micros field.
func NewPacer(margin time.Duration) *Pacer {
	return &Pacer{MarginMicros: margin}
}

// Update recomputes PacketTime from the current cwnd and smoothed RTT.
// A zero or tiny cwnd/srtt falls back to no pacing delay (burst
// allowed) rather than dividing by zero.
func (p *Pacer) Update(cwnd uint64, srtt time.Duration) {
	if cwnd == 0 || srtt <= 0 {
		p.PacketTime = 0
		return
	}
	// packet_time = MSS * srtt / cwnd
	p.PacketTime = time.Duration(uint64(srtt) * MSS / cwnd)
}

// OnSend advances NextPacingTime by PacketTime, starting from now if
// NextPacingTime is already in the past. Reminder is not used.
func (p *Pacer) OnSend(now time.Time) {
	if p.NextPacingTime.Before(now) {
		p.NextPacingTime = now
	}
	p.NextPacingTime = p.NextPacingTime.Add(p.PacketTime)
}

// ReadyAt returns the earliest time the pacer permits another send, with
// MarginMicros subtracted to absorb scheduling jitter.
func (p *Pacer) ReadyAt() time.Time {
	return p.NextPacingTime.Add(-p.MarginMicros)
}

// CanSendAt reports whether a send is permitted at time now.
func (p *Pacer) CanSendAt(now time.Time) bool {
	return !now.Before(p.ReadyAt())
}
