// Package archive contains all logic for writing reliability snapshots
// to per-connection files.
//  1. Accepts Record values, one stream per connection.
//  2. Maintains a map of Connections, one for each connection id.
//  3. Uses several marshaller goroutines to convert records to their
//     wire form and write to zstd files.
//  4. Rotates Connection output files every 10 minutes for long lasting
//     connections.
//  5. Uses a last-written cache to detect meaningful state changes, and
//     avoid excessive writes.
//
// The wire form is a varint length prefix (the engine's own 2-bit
// prefix codec, not protobuf's) followed by the record as JSON.
package archive

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/quicwire/qcore/reliability"
	"github.com/quicwire/qcore/stream"
	"github.com/quicwire/qcore/varint"
	"github.com/quicwire/qcore/zstdpipe"
)

// Errors generated by archive functions.
var (
	ErrNoMarshallers = errors.New("archive: saver has zero marshallers")
	ErrRecordTooLong = errors.New("archive: record exceeds varint-encodable length")
)

// Record is one archived observation: which connection it belongs to,
// the reliability state captured at that instant, and (optionally) the
// per-stream diagnostic counters.
type Record struct {
	ConnID   string
	Snapshot reliability.Snapshot
	Streams  []stream.StreamStats `json:",omitempty"`
}

// Task represents a single marshalling task, specifying the record and
// the writer. A nil Record means close the writer.
type Task struct {
	Record *Record
	Writer io.WriteCloser
}

// MarshalChan is a channel of marshalling tasks.
type MarshalChan chan<- Task

func runMarshaller(taskChan <-chan Task, wg *sync.WaitGroup) {
	for task := range taskChan {
		if task.Record == nil {
			task.Writer.Close()
			continue
		}
		if task.Writer == nil {
			log.Fatal("Nil writer")
		}
		if err := WriteRecord(task.Writer, task.Record); err != nil {
			log.Println(err)
		}
	}
	log.Println("Marshaller Done")
	wg.Done()
}

// NewMarshaller starts a marshalling goroutine and returns its task
// channel.
func NewMarshaller(wg *sync.WaitGroup) MarshalChan {
	marshChan := make(chan Task, 100)
	wg.Add(1)
	go runMarshaller(marshChan, wg)
	return marshChan
}

// WriteRecord writes one length-prefixed record to w. For each record,
// write the size of the record, followed by the record itself.
func WriteRecord(w io.Writer, r *Record) error {
	wire, err := json.Marshal(r)
	if err != nil {
		return err
	}
	var size [8]byte
	lsize := varint.Encode(size[:], uint64(len(wire)))
	if lsize == 0 {
		return ErrRecordTooLong
	}
	if _, err := w.Write(size[:lsize]); err != nil {
		return err
	}
	_, err = w.Write(wire)
	return err
}

// Connection objects handle all output associated with a single
// connection.
type Connection struct {
	ConnID     string
	StartTime  time.Time // Time the connection was first archived.
	Sequence   int       // Typically zero, but increments for long running connections.
	Expiration time.Time // Time we will swap files and increment Sequence.
	Writer     io.WriteCloser

	lastWritten *reliability.Snapshot
}

// NewConnection creates the output bookkeeping for one connection id.
func NewConnection(connID string, timestamp time.Time) *Connection {
	return &Connection{ConnID: connID, StartTime: timestamp, Expiration: time.Now()}
}

// Rotate opens the next writer for a connection.
func (conn *Connection) Rotate(fileAgeLimit time.Duration) error {
	date := conn.StartTime.Format("20060102Z150405.000")
	var err error
	conn.Writer, err = zstdpipe.NewWriter(fmt.Sprintf("%s_%s_%05d.jsonl.zst", date, conn.ConnID, conn.Sequence))
	if err != nil {
		return err
	}
	conn.Expiration = conn.Expiration.Add(fileAgeLimit)
	conn.Sequence++
	return nil
}

// Stats tracks basic saver behavior for the periodic log line.
type Stats struct {
	TotalCount   int
	SameCount    int
	DiffCount    int
	NewCount     int
	ClosedCount  int
}

// Print prints out some basic stats about saver use.
func (stats *Stats) Print() {
	log.Printf("Archive info total %d same %d diff %d new %d closed %d\n",
		stats.TotalCount, stats.SameCount, stats.DiffCount, stats.NewCount, stats.ClosedCount)
}

// Saver writes reliability-snapshot diffs to per-connection files. It
// handles arbitrary connections, and only writes to file when the
// significant fields change: the retransmit/spurious counters, or the
// congestion window by more than a tenth.
type Saver struct {
	FileAgeLimit time.Duration
	MarshalChans []MarshalChan
	Done         *sync.WaitGroup // All marshallers will call Done on this.
	Connections  map[string]*Connection

	stats Stats
}

// NewSaver creates a new Saver. numMarshaller controls how many
// marshalling goroutines are used to distribute the workload.
func NewSaver(numMarshaller int) *Saver {
	m := make([]MarshalChan, 0, numMarshaller)
	wg := &sync.WaitGroup{}
	for i := 0; i < numMarshaller; i++ {
		m = append(m, NewMarshaller(wg))
	}
	return &Saver{
		FileAgeLimit: 10 * time.Minute,
		MarshalChans: m,
		Done:         wg,
		Connections:  make(map[string]*Connection, 500),
	}
}

// significant reports whether next differs enough from prev to be worth
// a write.
func significant(prev, next *reliability.Snapshot) bool {
	if prev == nil {
		return true
	}
	if next.TotalRetransmits != prev.TotalRetransmits ||
		next.SpuriousRetransmits != prev.SpuriousRetransmits {
		return true
	}
	delta := int64(next.Cwnd) - int64(prev.Cwnd)
	if delta < 0 {
		delta = -delta
	}
	return uint64(delta)*10 > prev.Cwnd
}

// Save queues snap (with the optional per-stream counters) for
// archival under connID, creating the connection's file on first sight
// and rotating it when it ages out. Insignificant changes are dropped.
func (svr *Saver) Save(connID string, snap reliability.Snapshot, streams []stream.StreamStats) error {
	if len(svr.MarshalChans) < 1 {
		return ErrNoMarshallers
	}
	svr.stats.TotalCount++
	conn, ok := svr.Connections[connID]
	if !ok {
		conn = NewConnection(connID, snap.Timestamp)
		if err := conn.Rotate(svr.FileAgeLimit); err != nil {
			return err
		}
		svr.Connections[connID] = conn
		svr.stats.NewCount++
	} else if !significant(conn.lastWritten, &snap) {
		svr.stats.SameCount++
		return nil
	} else {
		svr.stats.DiffCount++
		if time.Now().After(conn.Expiration) {
			q := svr.chanFor(connID)
			q <- Task{nil, conn.Writer} // close the aged-out file
			if err := conn.Rotate(svr.FileAgeLimit); err != nil {
				return err
			}
		}
	}
	copied := snap
	conn.lastWritten = &copied
	svr.chanFor(connID) <- Task{&Record{ConnID: connID, Snapshot: snap, Streams: streams}, conn.Writer}
	return nil
}

// chanFor picks the marshalling queue for connID, keeping each
// connection's records ordered by always hashing to the same queue.
func (svr *Saver) chanFor(connID string) MarshalChan {
	var h uint64
	for i := 0; i < len(connID); i++ {
		h = h*131 + uint64(connID[i])
	}
	return svr.MarshalChans[int(h%uint64(len(svr.MarshalChans)))]
}

// EndConn closes the output file for connID, used when the connection
// reaches disconnected.
func (svr *Saver) EndConn(connID string) {
	conn, ok := svr.Connections[connID]
	if !ok {
		return
	}
	svr.chanFor(connID) <- Task{nil, conn.Writer}
	delete(svr.Connections, connID)
	svr.stats.ClosedCount++
}

// Close closes every open file and waits for the marshallers to drain.
func (svr *Saver) Close() {
	for id := range svr.Connections {
		svr.EndConn(id)
	}
	for _, c := range svr.MarshalChans {
		close(c)
	}
	svr.Done.Wait()
	svr.stats.Print()
}
