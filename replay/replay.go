// Package replay contains all logic for reading captured datagram
// trace files, used to replay packet sequences through the engine in
// tests and offline analysis.
package replay

import (
	"encoding/binary"
	"fmt"
	"io"
	"time"
)

// recordHeader is the fixed-size header preceding every datagram in a
// trace file.
type recordHeader struct {
	WhenMicros int64  // capture time, microseconds since the unix epoch
	PeerLen    uint16 // length of the peer-address string
	DataLen    uint32 // length of the datagram payload
}

// Datagram is one captured packet: when it arrived, who sent it, and
// the raw bytes.
type Datagram struct {
	When time.Time
	Peer string
	Data []byte
}

// Write appends one datagram record to w in the trace wire format.
func Write(w io.Writer, d *Datagram) error {
	hdr := recordHeader{
		WhenMicros: d.When.UnixNano() / 1000,
		PeerLen:    uint16(len(d.Peer)),
		DataLen:    uint32(len(d.Data)),
	}
	if err := binary.Write(w, binary.LittleEndian, &hdr); err != nil {
		return err
	}
	if _, err := io.WriteString(w, d.Peer); err != nil {
		return err
	}
	_, err := w.Write(d.Data)
	return err
}

// Reader decodes a trace stream record by record.
type Reader struct {
	rdr io.Reader
}

// NewReader wraps rdr for trace decoding.
func NewReader(rdr io.Reader) *Reader {
	return &Reader{rdr: rdr}
}

// Next reads the next datagram record. It returns io.EOF at a clean end
// of stream.
// NOTE: This is a bit fragile if there are any bit errors in the record
// headers.
func (r *Reader) Next() (*Datagram, error) {
	var hdr recordHeader
	err := binary.Read(r.rdr, binary.LittleEndian, &hdr)
	if err != nil {
		// Note that this may be EOF
		return nil, err
	}
	if hdr.DataLen > 1<<20 {
		return nil, fmt.Errorf("replay: implausible datagram length %d", hdr.DataLen)
	}
	peer := make([]byte, hdr.PeerLen)
	if _, err := io.ReadFull(r.rdr, peer); err != nil {
		return nil, err
	}
	data := make([]byte, hdr.DataLen)
	if _, err := io.ReadFull(r.rdr, data); err != nil {
		return nil, err
	}
	return &Datagram{
		When: time.Unix(0, hdr.WhenMicros*1000),
		Peer: string(peer),
		Data: data,
	}, nil
}

// LoadAll reads all datagrams from a trace stream.
func LoadAll(rdr io.Reader) ([]*Datagram, error) {
	msgs := make([]*Datagram, 0, 2000) // We typically read a large number of records
	r := NewReader(rdr)
	for {
		d, err := r.Next()
		if err != nil {
			if err == io.EOF {
				return msgs, nil
			}
			return msgs, err
		}
		msgs = append(msgs, d)
	}
}
