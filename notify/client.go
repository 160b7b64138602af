package notify

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"strings"
)

// Handler receives decoded Events from MustRun, directly grounded on
// eventsocket.Handler's Open/Close split, generalized to the full Kind
// set.
type Handler interface {
	OnEvent(e Event)
}

// HandlerFunc adapts a plain function to Handler.
type HandlerFunc func(e Event)

func (f HandlerFunc) OnEvent(e Event) { f(e) }

// MustRun dials socket and feeds every decoded Event to handler until
// ctx is canceled, grounded directly on eventsocket.MustRun's
// bufio.Scanner-over-JSONL shape. Any error other than the connection
// closing is returned.
func MustRun(ctx context.Context, socket string, handler Handler) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	c, err := net.Dial("unix", socket)
	if err != nil {
		return err
	}
	go func() {
		<-ctx.Done()
		c.Close()
	}()

	s := bufio.NewScanner(c)
	for s.Scan() {
		var event Event
		if err := json.Unmarshal(s.Bytes(), &event); err != nil {
			continue
		}
		handler.OnEvent(event)
	}

	err = s.Err()
	if err != nil && strings.Contains(err.Error(), "use of closed network connection") {
		err = nil
	}
	return err
}
