package stream

import (
	"bytes"
	"math/rand"
	"testing"
)

func TestReassemblyOutOfOrder(t *testing.T) {
	original := bytes.Repeat([]byte("abcdefghij"), 200) // 2000 bytes
	var delivered bytes.Buffer
	finCount := 0

	tbl := NewTable(func(streamID uint64, data []byte, ev Event) {
		switch ev {
		case EventData:
			delivered.Write(data)
		case EventFin:
			finCount++
		}
	})
	s, err := tbl.Find(4, true, true, 100, 100)
	if err != nil {
		t.Fatalf("Find: %v", err)
	}

	type chunk struct {
		offset uint64
		data   []byte
	}
	var chunks []chunk
	chunkSize := 37
	for off := 0; off < len(original); off += chunkSize {
		end := off + chunkSize
		if end > len(original) {
			end = len(original)
		}
		chunks = append(chunks, chunk{uint64(off), original[off:end]})
	}

	rng := rand.New(rand.NewSource(2))
	rng.Shuffle(len(chunks), func(i, j int) { chunks[i], chunks[j] = chunks[j], chunks[i] })

	for _, c := range chunks {
		tbl.NetworkInput(s, c.offset, c.offset+uint64(len(c.data)) == uint64(len(original)), c.data)
	}

	if !bytes.Equal(delivered.Bytes(), original) {
		t.Fatalf("delivered %d bytes != original %d bytes", delivered.Len(), len(original))
	}
	if finCount != 1 {
		t.Fatalf("FIN delivered %d times, want exactly 1", finCount)
	}
}

func TestReassemblyOverlap(t *testing.T) {
	var delivered bytes.Buffer
	tbl := NewTable(func(streamID uint64, data []byte, ev Event) {
		if ev == EventData {
			delivered.Write(data)
		}
	})
	s, _ := tbl.Find(4, true, true, 100, 100)

	tbl.NetworkInput(s, 0, false, []byte("AAAA"))
	tbl.NetworkInput(s, 2, false, []byte("XXXXXX")) // overlaps [2,4) with stored data, extends to 8
	tbl.NetworkInput(s, 8, true, []byte("BBBB"))

	want := "AAAAXXXXBBBB"
	if delivered.String() != want {
		t.Fatalf("delivered = %q, want %q", delivered.String(), want)
	}
}

func TestFlowControlBound(t *testing.T) {
	tbl := NewTable(nil)
	_, err := tbl.Find(200, true, true, 100, 100)
	if err == nil {
		t.Fatalf("expected flow control error for stream id exceeding bound")
	}
}

func TestSendQueue(t *testing.T) {
	s := newStream(4)
	s.AddToStream([]byte("hello world"), true)
	data, offset, fin := s.PrepareSend(5)
	if offset != 0 || string(data) != "hello" || fin {
		t.Fatalf("PrepareSend = %q off=%d fin=%v", data, offset, fin)
	}
	s.CommitSend(len(data), fin)
	data, offset, fin = s.PrepareSend(100)
	if offset != 5 || string(data) != " world" || !fin {
		t.Fatalf("PrepareSend2 = %q off=%d fin=%v", data, offset, fin)
	}
	s.CommitSend(len(data), fin)
	if s.PendingSend() {
		t.Fatalf("expected no pending send after full drain")
	}
}
