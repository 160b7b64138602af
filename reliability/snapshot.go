package reliability

import (
	"time"

	"github.com/quicwire/qcore/metrics"
)

// Snapshot is a point-in-time archival record of one connection's
// reliability state (SPEC_FULL.md §3 [NEW]), laid out with `csv:"..."`
// struct tags in the style of the teacher's tcp.LinuxTCPInfo /
// inetdiag.VegasInfo / inetdiag.BBRInfo.
type Snapshot struct {
	Timestamp       time.Time     `csv:"timestamp"`
	SmoothedRTT     time.Duration `csv:"smoothed_rtt_ns"`
	RTTVariance     time.Duration `csv:"rtt_variance_ns"`
	MinRTT          time.Duration `csv:"min_rtt_ns"`
	Cwnd            uint64        `csv:"cwnd_bytes"`
	BytesInTransit  uint64        `csv:"bytes_in_transit"`
	PacingRate      time.Duration `csv:"pacing_packet_time_ns"`
	TotalRetransmits    int `csv:"total_retransmits"`
	SpuriousRetransmits int `csv:"spurious_retransmits"`
	MaxSpuriousRTT      time.Duration `csv:"max_spurious_rtt_ns"`
	WorstReorderGap     uint64        `csv:"worst_reorder_gap"`
	SackBlockSizeMax    uint64        `csv:"sack_block_size_max"`
}

// Capture builds a Snapshot from individually-held components: the
// connection state machine shares one RTT estimator, congestion
// controller and pacer across epochs but keeps a retransmit arena per
// epoch, so there is no single bundle to snapshot from. It also feeds
// the per-snapshot metric distributions.
func Capture(now time.Time, rtt *RTTEstimator, cc CongestionController, p *Pacer, a *Arena, sackBlockSizeMax uint64) Snapshot {
	metrics.SmoothedRTTHistogram.Observe(rtt.Smoothed.Seconds())
	metrics.CongestionWindowHistogram.Observe(float64(cc.Cwnd()))
	return Snapshot{
		Timestamp:           now,
		SmoothedRTT:         rtt.Smoothed,
		RTTVariance:         rtt.Variance,
		MinRTT:              rtt.Min,
		Cwnd:                cc.Cwnd(),
		BytesInTransit:      cc.BytesInTransit(),
		PacingRate:          p.PacketTime,
		TotalRetransmits:    a.TotalRetransmits,
		SpuriousRetransmits: a.SpuriousRetransmits,
		MaxSpuriousRTT:      a.MaxSpuriousRTT,
		WorstReorderGap:     a.WorstReorderGap,
		SackBlockSizeMax:    sackBlockSizeMax,
	}
}
