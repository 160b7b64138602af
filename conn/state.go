// Package conn implements the connection state machine that binds the
// wire codecs, AEAD façade, reliability engine and stream table into a
// single per-session protocol engine (spec.md §4.6). Grounded on the
// teacher's collector.Run ticker-driven loop shape (drive-loop
// structure, adapted here into the Incoming/PrepareNext poll contract)
// and namespaces.WatchForNetworkNamespaces' poll-and-publish pattern
// (adapted into WatchForWakeups).
package conn

import "fmt"

// State is one node of spec.md §4.6's state machine.
type State int

const (
	StateClientInit State = iota
	StateClientInitSent
	StateClientRenegotiate
	StateClientHrrReceived
	StateClientInitResent
	StateClientHandshakeStart
	StateClientHandshakeProgress
	StateClientAlmostReady
	StateClientReady

	StateServerInit
	StateServerSendHrr
	StateServerAlmostReady
	StateServerReady

	StateHandshakeFailure
	StateDisconnecting
	StateClosing
	StateClosingReceived
	StateDraining
	StateDisconnected
)

var stateName = map[State]string{
	StateClientInit:              "client_init",
	StateClientInitSent:          "client_init_sent",
	StateClientRenegotiate:       "client_renegotiate",
	StateClientHrrReceived:       "client_hrr_received",
	StateClientInitResent:        "client_init_resent",
	StateClientHandshakeStart:    "client_handshake_start",
	StateClientHandshakeProgress: "client_handshake_progress",
	StateClientAlmostReady:       "client_almost_ready",
	StateClientReady:             "client_ready",
	StateServerInit:              "server_init",
	StateServerSendHrr:           "server_send_hrr",
	StateServerAlmostReady:       "server_almost_ready",
	StateServerReady:             "server_ready",
	StateHandshakeFailure:        "handshake_failure",
	StateDisconnecting:           "disconnecting",
	StateClosing:                 "closing",
	StateClosingReceived:         "closing_received",
	StateDraining:                "draining",
	StateDisconnected:            "disconnected",
}

func (s State) String() string {
	if n, ok := stateName[s]; ok {
		return n
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// IsReady reports whether the connection has completed its handshake
// and may freely exchange 1-RTT application data.
func (s State) IsReady() bool {
	return s == StateClientReady || s == StateServerReady
}

// IsTerminal reports whether s is one of the closing/closed states
// from which the connection never returns to active exchange.
func (s State) IsTerminal() bool {
	switch s {
	case StateHandshakeFailure, StateDisconnecting, StateClosing, StateClosingReceived, StateDraining, StateDisconnected:
		return true
	default:
		return false
	}
}
