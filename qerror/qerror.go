// Package qerror defines the transport and application error taxonomy
// used across the engine, following the teacher's convention of
// package-level sentinel errors rather than a third-party errors
// package.
package qerror

import "fmt"

// Transport is a 16-bit QUIC transport error code (spec.md §6).
type Transport uint16

// Transport error codes, per spec.md §6.
const (
	NoError Transport = iota
	InternalError
	FlowControlError
	StreamIDError
	StreamStateError
	FinalOffsetError
	FrameFormatError
	TransportParameterError
	VersionNegotiationError
	ProtocolViolation
)

var transportNames = map[Transport]string{
	NoError:                 "NO_ERROR",
	InternalError:           "INTERNAL_ERROR",
	FlowControlError:        "FLOW_CONTROL_ERROR",
	StreamIDError:           "STREAM_ID_ERROR",
	StreamStateError:        "STREAM_STATE_ERROR",
	FinalOffsetError:        "FINAL_OFFSET_ERROR",
	FrameFormatError:        "FRAME_FORMAT_ERROR",
	TransportParameterError: "TRANSPORT_PARAMETER_ERROR",
	VersionNegotiationError: "VERSION_NEGOTIATION_ERROR",
	ProtocolViolation:       "PROTOCOL_VIOLATION",
}

func (t Transport) String() string {
	if s, ok := transportNames[t]; ok {
		return s
	}
	return fmt.Sprintf("TRANSPORT_ERROR(%d)", uint16(t))
}

// Kind classifies an error for propagation-policy purposes (spec.md §7);
// it is orthogonal to Transport, which only applies to protocol
// violations surfaced to the peer.
type Kind int

const (
	KindUnexpected Kind = iota
	KindMemory
	KindProtocol
	KindCrypto
	KindFlowControl
	KindStreamState
	KindVersionMismatch
	KindHandshake
	KindIdleTimeout
)

// Error is the engine's internal error type: a Kind, an optional
// Transport code to carry in CONNECTION_CLOSE, and a message.
type Error struct {
	Kind      Kind
	Transport Transport
	Msg       string
}

func (e *Error) Error() string {
	if e.Msg == "" {
		return e.Transport.String()
	}
	return fmt.Sprintf("%s: %s", e.Transport, e.Msg)
}

// Is supports errors.Is comparisons against the sentinel values below.
func (e *Error) Is(target error) bool {
	other, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == other.Kind && e.Transport == other.Transport
}

func newErr(k Kind, t Transport, msg string) *Error {
	return &Error{Kind: k, Transport: t, Msg: msg}
}

// Sentinel errors, one per taxonomy entry named in spec.md §7, matching
// the teacher's `var Err... = errors.New(...)` convention.
var (
	Unexpected       = newErr(KindUnexpected, InternalError, "internal invariant violation")
	MemoryExhausted  = newErr(KindMemory, InternalError, "memory exhausted")
	Protocol         = newErr(KindProtocol, ProtocolViolation, "protocol violation")
	Crypto           = newErr(KindCrypto, NoError, "AEAD authentication failed")
	FlowControl      = newErr(KindFlowControl, FlowControlError, "flow control violation")
	StreamState      = newErr(KindStreamState, StreamStateError, "stream state violation")
	VersionMismatch  = newErr(KindVersionMismatch, VersionNegotiationError, "no acceptable version overlap")
	HandshakeFailure = newErr(KindHandshake, InternalError, "handshake failure")
	IdleTimeout      = newErr(KindIdleTimeout, NoError, "idle timeout")
)

// Transportf builds a new protocol-violation error carrying code with a
// formatted message, for sites that need a specific Transport code rather
// than one of the Kind sentinels above.
func Transportf(code Transport, format string, args ...interface{}) *Error {
	return newErr(KindProtocol, code, fmt.Sprintf(format, args...))
}

// Application is an opaque 16-bit application error code surfaced to the
// application callback (spec.md §6); the engine never interprets its
// value.
type Application uint16
