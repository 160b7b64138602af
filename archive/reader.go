package archive

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"

	"github.com/quicwire/qcore/varint"
)

// Reader decodes the length-prefixed record stream written by Saver.
type Reader struct {
	rdr *bufio.Reader
}

// NewReader wraps rdr (typically a zstdpipe.NewReader pipe) for record
// decoding.
func NewReader(rdr io.Reader) *Reader {
	return &Reader{rdr: bufio.NewReader(rdr)}
}

// Next reads, parses and returns the next Record. It returns io.EOF at
// a clean end of stream.
func (r *Reader) Next() (*Record, error) {
	first, err := r.rdr.ReadByte()
	if err != nil {
		return nil, err
	}
	width := 1 << (first >> 6)
	hdr := make([]byte, width)
	hdr[0] = first
	if width > 1 {
		if _, err := io.ReadFull(r.rdr, hdr[1:]); err != nil {
			return nil, err
		}
	}
	length, used := varint.Decode(hdr)
	if used == 0 {
		return nil, fmt.Errorf("archive: corrupt record length prefix")
	}
	wire := make([]byte, length)
	if _, err := io.ReadFull(r.rdr, wire); err != nil {
		return nil, err
	}
	var rec Record
	if err := json.Unmarshal(wire, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// LoadAll reads every record from rdr until EOF.
func LoadAll(rdr io.Reader) ([]*Record, error) {
	r := NewReader(rdr)
	records := make([]*Record, 0, 3000)
	for {
		rec, err := r.Next()
		if err != nil {
			if err == io.EOF {
				return records, nil
			}
			return records, err
		}
		records = append(records, rec)
	}
}
