// Package version holds the supported-version table and the baseline
// transport-parameter codec (spec.md §6), following the teacher's
// enum-plus-lookup-table pattern (tcp.State / stateName).
package version

import (
	"encoding/binary"
	"fmt"
)

// Number is a 32-bit QUIC version number as carried on the wire.
type Number uint32

// Draft version numbers advertised by this implementation (spec.md §6).
const (
	Draft05  Number = 0xFF000005
	Draft07  Number = 0xFF000007
	Draft08  Number = 0xFF000008
	TestVer  Number = 0x50435130
	Reserved Number = 0x1A2A3A4A // used by tests to exercise version negotiation
)

// HeaderForm names the long-header layout variant of a draft version.
// The conn package records it per connection; the packet codec uses one
// long-header layout for every version and does not consult it.
type HeaderForm int

const (
	HeaderFormDraft05 HeaderForm = iota
	HeaderFormDraft08
)

// Record describes one supported version: its wire number, feature
// flags, header-form variant, and the salt used to derive cleartext
// keys (spec.md §4.4).
//
// AckFrameOld resolves spec.md §9's Open Question explicitly per
// version: true selects the old single-type ACK frame (0x0e); false
// selects the newer type range (0xa0-0xbf). See SPEC_FULL.md §4.2.
type Record struct {
	Version     Number
	HeaderForm  HeaderForm
	AckFrameOld bool
	Salt        []byte
}

// Feature flags, OR'd into a version Record's negotiation behavior by
// callers that need to special-case a draft.
const (
	FeatureNone = 0
)

// Table is the ordered list of versions this endpoint supports, most
// preferred first. Draft-05/07 used the initial (since-superseded) QUIC
// handshake salt; draft-08 and the internal test version use the salt
// that shipped with the later drafts this engine targets.
var Table = []Record{
	{Version: Draft08, HeaderForm: HeaderFormDraft08, AckFrameOld: false, Salt: saltDraft08},
	{Version: Draft07, HeaderForm: HeaderFormDraft05, AckFrameOld: true, Salt: saltDraft05},
	{Version: Draft05, HeaderForm: HeaderFormDraft05, AckFrameOld: true, Salt: saltDraft05},
	{Version: TestVer, HeaderForm: HeaderFormDraft08, AckFrameOld: false, Salt: saltDraft08},
}

var (
	saltDraft05 = []byte{
		0x9c, 0x10, 0x8f, 0x98, 0x52, 0x0a, 0x5c, 0x5c,
		0x32, 0x96, 0x8e, 0x95, 0x0e, 0x8a, 0x2c, 0x5f,
		0xe0, 0x6d, 0x6c, 0x38,
	}
	saltDraft08 = []byte{
		0xaf, 0xc8, 0x24, 0xec, 0x5f, 0xc7, 0x7e, 0xca,
		0x1e, 0x9d, 0x36, 0xf3, 0x7f, 0xb2, 0xd4, 0x65,
		0x18, 0xc3, 0x66, 0x39,
	}
)

// Index returns the slot in Table for v, or -1 if v is not supported.
func Index(v Number) int {
	for i := range Table {
		if Table[i].Version == v {
			return i
		}
	}
	return -1
}

// ByIndex returns the Record at idx; callers that hold an index from
// Index may use this instead of re-scanning Table.
func ByIndex(idx int) (Record, bool) {
	if idx < 0 || idx >= len(Table) {
		return Record{}, false
	}
	return Table[idx], true
}

// Negotiate picks the first entry of proposed (as offered by a
// version-negotiation packet) that this endpoint also supports, in this
// endpoint's preference order. It returns (Record, true) on overlap.
func Negotiate(proposed []Number) (Record, bool) {
	for _, want := range Table {
		for _, p := range proposed {
			if p == want.Version {
				return want, true
			}
		}
	}
	return Record{}, false
}

// Param identifies one baseline transport parameter (spec.md §6,
// extension 26).
type Param uint16

const (
	ParamInitialMaxStreamData Param = iota
	ParamInitialMaxData
	ParamInitialMaxStreamIDBidi
	ParamInitialMaxStreamIDUnidi
	ParamIdleTimeout
	ParamOmitConnectionID
	ParamMaxPacketSize
	ParamAckDelayExponent
)

// MaxTransportParamsSize bounds the encoded transport-parameter
// extension, per spec.md §6.
const MaxTransportParamsSize = 512

// TransportParameters holds one side's negotiated values, with the
// defaults spec.md's table prescribes.
type TransportParameters struct {
	InitialMaxStreamData  uint32
	InitialMaxData        uint32
	InitialMaxStreamIDBidi uint32
	InitialMaxStreamIDUnidi uint32
	IdleTimeoutSeconds    uint32
	OmitConnectionID      bool
	MaxPacketSize         uint32
	AckDelayExponent      uint8
}

// DefaultServerParams returns the implementation's chosen server-side
// defaults (spec.md §6 "Default (server)" column).
func DefaultServerParams() TransportParameters {
	return TransportParameters{
		InitialMaxStreamData:    256 * 1024,
		InitialMaxData:          1024 * 1024,
		InitialMaxStreamIDBidi:  100,
		InitialMaxStreamIDUnidi: 100,
		IdleTimeoutSeconds:      120,
		OmitConnectionID:        false,
		MaxPacketSize:           1452,
		AckDelayExponent:        3,
	}
}

// DefaultClientParams returns the client-side defaults; spec.md's table
// marks these "same" as the server column except where noted.
func DefaultClientParams() TransportParameters {
	p := DefaultServerParams()
	return p
}

// Encode writes tp as a sequence of (Param uint16, length uint16, value)
// tuples into dst, returning the number of bytes written, or an error if
// the result would exceed MaxTransportParamsSize.
func (tp TransportParameters) Encode(dst []byte) (int, error) {
	type entry struct {
		id  Param
		val uint32
		sz  int
	}
	idle := tp.IdleTimeoutSeconds
	omit := uint32(0)
	if tp.OmitConnectionID {
		omit = 1
	}
	entries := []entry{
		{ParamInitialMaxStreamData, tp.InitialMaxStreamData, 4},
		{ParamInitialMaxData, tp.InitialMaxData, 4},
		{ParamInitialMaxStreamIDBidi, tp.InitialMaxStreamIDBidi, 4},
		{ParamInitialMaxStreamIDUnidi, tp.InitialMaxStreamIDUnidi, 4},
		{ParamIdleTimeout, idle, 4},
		{ParamOmitConnectionID, omit, 4},
		{ParamMaxPacketSize, tp.MaxPacketSize, 4},
		{ParamAckDelayExponent, uint32(tp.AckDelayExponent), 4},
	}
	off := 0
	for _, e := range entries {
		need := 4 + e.sz
		if off+need > len(dst) {
			return 0, fmt.Errorf("version: transport parameters buffer too small")
		}
		binary.BigEndian.PutUint16(dst[off:], uint16(e.id))
		binary.BigEndian.PutUint16(dst[off+2:], uint16(e.sz))
		binary.BigEndian.PutUint32(dst[off+4:], e.val)
		off += need
	}
	if off > MaxTransportParamsSize {
		return 0, fmt.Errorf("version: transport parameters exceed %d bytes", MaxTransportParamsSize)
	}
	return off, nil
}

// Decode parses the (Param, length, value) tuples written by Encode.
// Unknown parameter ids are skipped, per standard TLS-extension
// forward-compatibility practice.
func Decode(src []byte) (TransportParameters, error) {
	var tp TransportParameters
	off := 0
	for off+4 <= len(src) {
		id := Param(binary.BigEndian.Uint16(src[off:]))
		length := int(binary.BigEndian.Uint16(src[off+2:]))
		off += 4
		if off+length > len(src) {
			return tp, fmt.Errorf("version: truncated transport parameter %d", id)
		}
		val := src[off : off+length]
		off += length
		var u32 uint32
		if length == 4 {
			u32 = binary.BigEndian.Uint32(val)
		}
		switch id {
		case ParamInitialMaxStreamData:
			tp.InitialMaxStreamData = u32
		case ParamInitialMaxData:
			tp.InitialMaxData = u32
		case ParamInitialMaxStreamIDBidi:
			tp.InitialMaxStreamIDBidi = u32
		case ParamInitialMaxStreamIDUnidi:
			tp.InitialMaxStreamIDUnidi = u32
		case ParamIdleTimeout:
			tp.IdleTimeoutSeconds = u32
		case ParamOmitConnectionID:
			tp.OmitConnectionID = u32 != 0
		case ParamMaxPacketSize:
			tp.MaxPacketSize = u32
		case ParamAckDelayExponent:
			tp.AckDelayExponent = uint8(u32)
		}
	}
	return tp, nil
}

// EncodeVarintVersionList is a convenience used by version-negotiation
// packet construction (packet package) to lay out a list of Numbers.
func EncodeVarintVersionList(dst []byte, vs []Number) int {
	off := 0
	for _, v := range vs {
		if off+4 > len(dst) {
			break
		}
		binary.BigEndian.PutUint32(dst[off:], uint32(v))
		off += 4
	}
	return off
}
