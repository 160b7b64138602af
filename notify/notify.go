// Package notify fans out connection-lifecycle events over a
// unix-domain JSONL socket, generalized from the teacher's
// eventsocket.Server (TCP Open/Close) to QUIC handshake/closing/
// stream-reset/stop-sending events (SPEC_FULL.md §6 "Callbacks
// expansion"). This is a best-effort, out-of-process observability
// channel; the authoritative upcall remains stream.OnStreamData — a
// Sink is never consulted for protocol correctness.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"os"
	"sync"
	"time"
)

// Kind is the sort of connection-lifecycle event being reported.
type Kind int

const (
	// HandshakeReady fires once a connection reaches client_ready or
	// server_ready (spec.md §4.6).
	HandshakeReady Kind = iota
	// Closing fires when CONNECTION_CLOSE/APPLICATION_CLOSE is sent or
	// received.
	Closing
	// StreamReset fires on RESET_STREAM, local or peer-originated.
	StreamReset
	// StopSendingReceived fires when a peer's STOP_SENDING arrives.
	StopSendingReceived
)

var kindName = map[Kind]string{
	HandshakeReady:      "handshake_ready",
	Closing:             "closing",
	StreamReset:         "stream_reset",
	StopSendingReceived: "stop_sending_received",
}

func (k Kind) String() string {
	if s, ok := kindName[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Event is one lifecycle notification (SPEC_FULL.md §3 [NEW]). ConnID
// is a readable label for the connection id (quicctx renders it with
// connid.FromWireID, falling back to 16 hex digits); StreamID and Code
// are optional: StreamID is set only for stream-scoped events, and Code
// carries the transport error code on Closing events when one is known.
type Event struct {
	Kind      Kind
	Timestamp time.Time
	ConnID    string
	PeerAddr  string
	StreamID  *uint64 `json:",omitempty"`
	Code      *uint16 `json:",omitempty"`
}

// Sink is what a connection (or the host driving it) pushes events
// into. A quicctx.Context delivers events to the Sink set in its Config
// (a NullSink when none is given); *Server is one such Sink.
type Sink interface {
	Notify(e Event)
}

// SinkFunc adapts a plain function to Sink.
type SinkFunc func(e Event)

func (f SinkFunc) Notify(e Event) { f(e) }

// Server serves Event values in JSONL form over a unix-domain socket,
// directly grounded on eventsocket.server: a channel of pending
// events, a client set guarded by a mutex, and a notifyClients
// goroutine that fans each event out to every connected client.
type Server struct {
	eventC       chan *Event
	filename     string
	clients      map[net.Conn]struct{}
	unixListener net.Listener
	mutex        sync.Mutex
	servingWG    sync.WaitGroup
}

// New makes a Server that will serve clients on filename once Listen
// and Serve are called.
func New(filename string) *Server {
	return &Server{
		filename: filename,
		eventC:   make(chan *Event, 100),
		clients:  make(map[net.Conn]struct{}),
	}
}

func (s *Server) addClient(c net.Conn) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.clients[c] = struct{}{}
}

func (s *Server) removeClient(c net.Conn) {
	s.servingWG.Add(1)
	defer s.servingWG.Done()
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if _, ok := s.clients[c]; !ok {
		return
	}
	delete(s.clients, c)
}

func (s *Server) sendToAllListeners(data string) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	for c := range s.clients {
		if _, err := fmt.Fprintln(c, data); err != nil {
			log.Println("notify: write to client failed, removing:", err)
			go s.removeClient(c)
			go c.Close()
		}
	}
}

func (s *Server) notifyClients(ctx context.Context) {
	s.servingWG.Add(1)
	defer s.servingWG.Done()
	for ctx.Err() == nil {
		event, ok := <-s.eventC
		if !ok {
			return
		}
		b, err := json.Marshal(event)
		if err != nil {
			log.Println("notify: could not marshal event:", err)
			continue
		}
		s.sendToAllListeners(string(b))
	}
}

// Listen binds the unix-domain socket. Serve must be called afterward
// for connections to actually be accepted.
func (s *Server) Listen() error {
	s.servingWG.Add(1)
	os.Remove(s.filename)
	var err error
	s.unixListener, err = net.Listen("unix", s.filename)
	return err
}

// Serve accepts clients until ctx is canceled.
func (s *Server) Serve(ctx context.Context) error {
	defer s.servingWG.Done()
	derivedCtx, derivedCancel := context.WithCancel(ctx)
	defer derivedCancel()

	go s.notifyClients(derivedCtx)

	s.servingWG.Add(1)
	go func() {
		<-derivedCtx.Done()
		s.unixListener.Close()
		close(s.eventC)
		s.servingWG.Done()
	}()

	var err error
	for derivedCtx.Err() == nil {
		var conn net.Conn
		conn, err = s.unixListener.Accept()
		if err != nil {
			continue
		}
		s.addClient(conn)
	}
	return err
}

// Notify implements Sink by queueing e for fan-out.
func (s *Server) Notify(e Event) {
	s.eventC <- &e
}

// nullSink discards every event; used when the host does not want
// lifecycle observability wired up.
type nullSink struct{}

func (nullSink) Notify(Event) {}

// NullSink returns a Sink that does nothing, so callers never need a
// nil check.
func NullSink() Sink { return nullSink{} }
