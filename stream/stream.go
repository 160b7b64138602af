// Package stream implements per-stream reassembly, the send queue, and
// flow-control bookkeeping (spec.md §3, §4.5). Grounded on the
// teacher's cache.Cache current/previous map-of-pointers shape
// (cache/cache.go), adapted from "cache of connections" to "table of
// streams".
package stream

import (
	"sort"

	"github.com/quicwire/qcore/qerror"
)

// Event is the kind of upcall delivered to the application callback
// (spec.md §6).
type Event int

const (
	EventData Event = iota
	EventFin
	EventResetReceived
	EventStopSendingReceived
)

// segment is one out-of-order chunk awaiting reassembly, ordered by
// Offset in Stream.reassembly.
type segment struct {
	Offset uint64
	Data   []byte
}

// Flags mirrors spec.md §3's per-stream flag set.
type Flags struct {
	FinReceived    bool
	FinSent        bool
	FinSignalled   bool
	FinNotified    bool
	ResetRequested bool
	ResetSent      bool
	ResetReceived  bool
	ResetSignalled bool
	StopRequested  bool
	StopSent       bool
	StopReceived   bool
	StopSignalled  bool
}

// Stream holds one stream's full reassembly/send state (spec.md §3).
type Stream struct {
	ID uint64

	ConsumedOffset uint64 // bytes delivered to the application so far
	FinOffset      uint64 // valid once FinReceived
	HasFinOffset   bool

	LocalMaxStreamData  uint64
	RemoteMaxStreamData uint64

	Flags Flags

	LocalError          *qerror.Transport
	RemoteError         *qerror.Transport
	LocalStopError      *qerror.Application
	RemoteStopError     *qerror.Application

	reassembly []segment // ordered by Offset, disjoint

	SentOffset uint64
	sendQueue  []byte // bytes awaiting transmission, consumed from the front
	sendFin    bool

	stats Stats
}

// Stats captures diagnostic counters exposed via Table.Snapshot for
// archival/CSV export (SPEC_FULL.md §4.5).
type Stats struct {
	StreamID        uint64
	BytesQueued     uint64
	BytesDelivered  uint64
	ReassemblyGaps  int
}

func newStream(id uint64) *Stream {
	return &Stream{ID: id}
}

// OnStreamData is the signature the stream table invokes for contiguous
// delivery and terminal events (spec.md §6's on_stream_data).
type OnStreamData func(streamID uint64, data []byte, event Event)

// Table is the per-connection collection of streams, linear-probed
// (spec.md §4.5: "streams are long-lived; n is small").
type Table struct {
	streams []*Stream
	onData  OnStreamData
}

// NewTable constructs an empty stream table delivering upcalls to cb.
func NewTable(cb OnStreamData) *Table {
	return &Table{onData: cb}
}

// Find returns the stream with id, creating it if create is true and it
// does not yet exist. maxStreamIDLocal/maxStreamIDRemote enforce the
// flow-control bound named in spec.md §4.5 on creation of a
// peer-initiated vs. locally-initiated stream respectively; isPeerInitiated
// tells Find which bound applies.
func (t *Table) Find(id uint64, create, isPeerInitiated bool, maxStreamIDLocal, maxStreamIDRemote uint64) (*Stream, error) {
	for _, s := range t.streams {
		if s.ID == id {
			return s, nil
		}
	}
	if !create {
		return nil, nil
	}
	if isPeerInitiated {
		if id > maxStreamIDLocal {
			return nil, &qerror.Error{Kind: qerror.KindFlowControl, Transport: qerror.FlowControlError, Msg: "peer-initiated stream id exceeds local bound"}
		}
	} else {
		if id > maxStreamIDRemote {
			return nil, &qerror.Error{Kind: qerror.KindFlowControl, Transport: qerror.FlowControlError, Msg: "locally-initiated stream id exceeds remote bound"}
		}
	}
	s := newStream(id)
	t.streams = append(t.streams, s)
	return s, nil
}

// All returns every stream currently tracked, in creation order.
func (t *Table) All() []*Stream {
	return t.streams
}

// Remove drops a stream from the table (e.g. once both directions are
// fully closed and acknowledged).
func (t *Table) Remove(id uint64) {
	for i, s := range t.streams {
		if s.ID == id {
			t.streams = append(t.streams[:i], t.streams[i+1:]...)
			return
		}
	}
}

// NetworkInput handles inbound STREAM-frame data for one stream
// (spec.md §4.5's stream_network_input): insert into the reassembly
// list ordered by offset, clip overlaps in favor of the already-stored
// copy, merge adjacent segments, and deliver any now-contiguous prefix
// to the application. FIN delivery is exactly-once after all bytes
// preceding FinOffset are consumed.
func (t *Table) NetworkInput(s *Stream, offset uint64, fin bool, data []byte) {
	if fin {
		s.Flags.FinReceived = true
		s.FinOffset = offset + uint64(len(data))
		s.HasFinOffset = true
	}
	if len(data) > 0 {
		s.insert(offset, data)
	}
	t.deliver(s)
}

// insert adds [offset, offset+len(data)) into the reassembly list,
// clipping overlaps in favor of already-stored data and merging
// adjacent/overlapping segments.
func (s *Stream) insert(offset uint64, data []byte) {
	end := offset + uint64(len(data))
	if end <= s.ConsumedOffset {
		return // entirely already consumed
	}
	if offset < s.ConsumedOffset {
		skip := s.ConsumedOffset - offset
		data = data[skip:]
		offset = s.ConsumedOffset
	}
	if len(data) == 0 {
		return
	}

	idx := sort.Search(len(s.reassembly), func(i int) bool {
		return s.reassembly[i].Offset >= offset
	})

	// Clip against the segment immediately before idx, if it overlaps.
	if idx > 0 {
		prev := s.reassembly[idx-1]
		prevEnd := prev.Offset + uint64(len(prev.Data))
		if prevEnd > offset {
			if prevEnd >= end {
				return // fully covered by the preceding segment
			}
			skip := prevEnd - offset
			data = data[skip:]
			offset = prevEnd
		}
	}
	end = offset + uint64(len(data))

	// Clip/merge against following segments that overlap [offset, end).
	j := idx
	for j < len(s.reassembly) {
		next := s.reassembly[j]
		if next.Offset >= end {
			break
		}
		nextEnd := next.Offset + uint64(len(next.Data))
		if nextEnd <= end {
			j++ // fully superseded by the new data
			continue
		}
		// Partial overlap at the tail: keep the already-stored suffix.
		keepFrom := end - next.Offset
		data = append(data, next.Data[keepFrom:]...)
		end = next.Offset + uint64(len(next.Data))
		j++
		break
	}

	newSeg := segment{Offset: offset, Data: data}
	merged := append([]segment{}, s.reassembly[:idx]...)
	merged = append(merged, newSeg)
	merged = append(merged, s.reassembly[j:]...)
	s.reassembly = merged
	s.stats.ReassemblyGaps = len(s.reassembly) - 1
	if s.stats.ReassemblyGaps < 0 {
		s.stats.ReassemblyGaps = 0
	}
}

// deliver pushes any reassembly-list prefix contiguous with
// ConsumedOffset to the application, then signals FIN exactly once if
// all preceding bytes have been consumed.
func (t *Table) deliver(s *Stream) {
	for len(s.reassembly) > 0 && s.reassembly[0].Offset == s.ConsumedOffset {
		seg := s.reassembly[0]
		s.reassembly = s.reassembly[1:]
		s.ConsumedOffset += uint64(len(seg.Data))
		s.stats.BytesDelivered += uint64(len(seg.Data))
		if t.onData != nil && len(seg.Data) > 0 {
			t.onData(s.ID, seg.Data, EventData)
		}
	}
	if s.Flags.FinReceived && !s.Flags.FinNotified && s.ConsumedOffset >= s.FinOffset {
		s.Flags.FinNotified = true
		if t.onData != nil {
			t.onData(s.ID, nil, EventFin)
		}
	}
}

// AddToStream appends bytes to s's send queue (spec.md §4.5's
// add_to_stream), setting the FIN flag atomically with the final
// enqueue when fin is true.
func (s *Stream) AddToStream(data []byte, fin bool) {
	s.sendQueue = append(s.sendQueue, data...)
	s.stats.BytesQueued += uint64(len(data))
	if fin {
		s.sendFin = true
	}
}

// PendingSend reports whether s has queued bytes or a pending FIN not
// yet sent.
func (s *Stream) PendingSend() bool {
	return len(s.sendQueue) > 0 || (s.sendFin && !s.Flags.FinSent)
}

// PrepareSend returns up to budget bytes from the front of the send
// queue (without consuming them — call CommitSend once the caller has
// actually placed them in a packet), the offset they start at, and
// whether this chunk would carry FIN.
func (s *Stream) PrepareSend(budget int) (data []byte, offset uint64, fin bool) {
	n := len(s.sendQueue)
	if n > budget {
		n = budget
	}
	fin = s.sendFin && n == len(s.sendQueue)
	return s.sendQueue[:n], s.SentOffset, fin
}

// CommitSend advances SentOffset and drains n bytes from the send
// queue after the caller has placed them into an outgoing STREAM
// frame; if fin is true it marks FinSent.
func (s *Stream) CommitSend(n int, fin bool) {
	s.sendQueue = s.sendQueue[n:]
	s.SentOffset += uint64(n)
	if fin {
		s.Flags.FinSent = true
	}
}

// RequestReset marks s for RESET_STREAM transmission (spec.md §4.5).
func (s *Stream) RequestReset(code qerror.Application) {
	s.Flags.ResetRequested = true
	s.LocalStopError = &code
}

// RequestStopSending marks s for STOP_SENDING transmission, asking the
// peer to abandon its send direction (spec.md §4.5).
func (s *Stream) RequestStopSending(code qerror.Application) {
	s.Flags.StopRequested = true
	s.LocalStopError = &code
}

// OnResetReceived handles a peer RESET_STREAM: marks ResetReceived and
// discards the reassembly list, per spec.md §4.5.
func (t *Table) OnResetReceived(s *Stream, code qerror.Application) {
	s.Flags.ResetReceived = true
	s.RemoteStopError = &code
	s.reassembly = nil
	if t.onData != nil && !s.Flags.ResetSignalled {
		s.Flags.ResetSignalled = true
		t.onData(s.ID, nil, EventResetReceived)
	}
}

// OnStopSendingReceived handles a peer STOP_SENDING: per spec.md §4.5
// this obliges the endpoint to RESET_STREAM the stream with the mapped
// application error.
func (t *Table) OnStopSendingReceived(s *Stream, code qerror.Application) {
	s.Flags.StopReceived = true
	s.RequestReset(code)
	if t.onData != nil && !s.Flags.StopSignalled {
		s.Flags.StopSignalled = true
		t.onData(s.ID, nil, EventStopSendingReceived)
	}
}

// StreamStats is the diagnostic snapshot of one stream's bookkeeping,
// consumed by the archival package (SPEC_FULL.md §4.5).
type StreamStats = Stats

// Snapshot returns a diagnostics/CSV-export view of every stream's
// bookkeeping counters.
func (t *Table) Snapshot() []StreamStats {
	out := make([]StreamStats, 0, len(t.streams))
	for _, s := range t.streams {
		st := s.stats
		st.StreamID = s.ID
		out = append(out, st)
	}
	return out
}
