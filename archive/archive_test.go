package archive

import (
	"bytes"
	"testing"
	"time"

	"github.com/go-test/deep"

	"github.com/quicwire/qcore/reliability"
)

func testSnapshot(i int) reliability.Snapshot {
	return reliability.Snapshot{
		Timestamp:           time.Date(2018, 3, 14, 9, 0, i, 0, time.UTC),
		SmoothedRTT:         time.Duration(50+i) * time.Millisecond,
		RTTVariance:         3 * time.Millisecond,
		MinRTT:              45 * time.Millisecond,
		Cwnd:                uint64(12000 + 1200*i),
		BytesInTransit:      uint64(2400 * i),
		PacingRate:          120 * time.Microsecond,
		TotalRetransmits:    i,
		SpuriousRetransmits: i / 2,
		MaxSpuriousRTT:      200 * time.Millisecond,
		WorstReorderGap:     7,
		SackBlockSizeMax:    uint64(100 + i),
	}
}

func TestRecordRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	want := make([]*Record, 0, 10)
	for i := 0; i < 10; i++ {
		rec := &Record{ConnID: "host_1521018000_AB12", Snapshot: testSnapshot(i)}
		want = append(want, rec)
		if err := WriteRecord(&buf, rec); err != nil {
			t.Fatalf("WriteRecord: %v", err)
		}
	}

	got, err := LoadAll(&buf)
	if err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	if len(got) != len(want) {
		t.Fatalf("read %d records, want %d", len(got), len(want))
	}
	for i := range want {
		if diff := deep.Equal(got[i], want[i]); diff != nil {
			t.Errorf("record %d: %v", i, diff)
		}
	}
}

func TestReaderRejectsTruncatedRecord(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteRecord(&buf, &Record{ConnID: "x", Snapshot: testSnapshot(1)}); err != nil {
		t.Fatalf("WriteRecord: %v", err)
	}
	raw := buf.Bytes()
	raw = raw[:len(raw)-3] // truncate mid-record

	if _, err := LoadAll(bytes.NewReader(raw)); err == nil {
		t.Fatalf("expected error reading truncated stream")
	}
}

func TestSignificantChangeGating(t *testing.T) {
	prev := testSnapshot(3)

	same := prev
	if significant(&prev, &same) {
		t.Errorf("identical snapshot classified significant")
	}

	retrans := prev
	retrans.TotalRetransmits++
	if !significant(&prev, &retrans) {
		t.Errorf("retransmit counter change not classified significant")
	}

	smallCwnd := prev
	smallCwnd.Cwnd += prev.Cwnd / 20 // 5%
	if significant(&prev, &smallCwnd) {
		t.Errorf("5%% cwnd drift classified significant")
	}

	bigCwnd := prev
	bigCwnd.Cwnd += prev.Cwnd / 4 // 25%
	if !significant(&prev, &bigCwnd) {
		t.Errorf("25%% cwnd change not classified significant")
	}

	if !significant(nil, &prev) {
		t.Errorf("first observation must always be significant")
	}
}
