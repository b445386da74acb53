package api

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/rs/xid"

	"github.com/dork-labs/relay/daemon/relay"
	"github.com/dork-labs/relay/daemon/subject"
)

const (
	// keepaliveInterval is how often an idle stream emits a comment
	// line so intermediaries keep the connection open.
	keepaliveInterval = 15 * time.Second

	// sseQueueCap bounds each connection's outbound queue. A slow
	// reader drops its oldest queued event; the engine never blocks
	// on an SSE writer.
	sseQueueCap = 64
)

type sseEvent struct {
	name string
	id   string
	data []byte
}

// sseQueue is a bounded FIFO between bus callbacks and the connection's
// writer loop. push never blocks: at capacity the oldest event is
// discarded.
type sseQueue struct {
	mu     sync.Mutex
	events []sseEvent
	notify chan struct{}
}

func newSSEQueue() *sseQueue {
	return &sseQueue{notify: make(chan struct{}, 1)}
}

func (q *sseQueue) push(ev sseEvent) (dropped bool) {
	q.mu.Lock()
	if len(q.events) >= sseQueueCap {
		q.events = q.events[1:]
		dropped = true
	}
	q.events = append(q.events, ev)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return dropped
}

func (q *sseQueue) pop() (sseEvent, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.events) == 0 {
		return sseEvent{}, false
	}
	ev := q.events[0]
	q.events = q.events[1:]
	return ev, true
}

// stream serves one SSE connection: relay_connected on open, then
// relay_message for every envelope matching the subject filter,
// relay_signal / relay_backpressure from the signal plane, and a
// keepalive comment line every 15 s. Disconnect tears down both
// subscriptions before the handler returns.
func (s *Server) stream(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
	pattern := req.URL.Query().Get("subject")
	if pattern == "" {
		pattern = ">"
	}
	if err := subject.ValidatePattern(pattern); err != nil {
		s.writeErr(w, err)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeErr(w, relay.Errorf(relay.CodeInvalidRequest, "streaming unsupported by connection"))
		return
	}

	connID := "sse-" + xid.New().String()
	q := newSSEQueue()

	cancelMsg, err := s.bus.Subscribe(pattern, connID, func(ctx context.Context, e *relay.Envelope) error {
		data, err := jsonit.Marshal(e)
		if err != nil {
			return err
		}
		s.offer(q, connID, sseEvent{name: "relay_message", id: e.ID, data: data})
		return nil
	})
	if err != nil {
		s.writeErr(w, err)
		return
	}
	defer cancelMsg()

	cancelSig, err := s.bus.OnSignal("", func(sig relay.Signal) {
		// This connection's own overflow signals must not feed back
		// into its queue.
		if sig.Type == relay.SignalSSEOverflow && sig.SubscriberID == connID {
			return
		}
		name := "relay_signal"
		if sig.Type == relay.SignalBackpressure {
			name = "relay_backpressure"
		}
		data, err := jsonit.Marshal(sig)
		if err != nil {
			return
		}
		s.offer(q, connID, sseEvent{name: name, data: data})
	})
	if err != nil {
		s.writeErr(w, err)
		return
	}
	defer cancelSig()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	s.sseConns.Add(1)
	defer s.sseConns.Add(-1)
	s.log.Debug().Str("conn", connID).Str("pattern", pattern).Msg("sse connected")
	defer s.log.Debug().Str("conn", connID).Msg("sse disconnected")

	connected, _ := jsonit.Marshal(map[string]any{
		"pattern":     pattern,
		"connectedAt": s.clock.Now().UTC().Format(time.RFC3339),
	})
	writeEvent(w, sseEvent{name: "relay_connected", data: connected})
	flusher.Flush()

	keepalive := s.clock.Ticker(keepaliveInterval)
	defer keepalive.Stop()

	ctx := req.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-keepalive.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		case <-q.notify:
			for {
				ev, ok := q.pop()
				if !ok {
					break
				}
				writeEvent(w, ev)
			}
			flusher.Flush()
		}
	}
}

// offer enqueues ev, raising an sse_overflow signal when a slow reader
// forced a drop.
func (s *Server) offer(q *sseQueue, connID string, ev sseEvent) {
	if !q.push(ev) {
		return
	}
	s.log.Warn().Str("conn", connID).Msg("sse queue overflow, dropped oldest event")
	s.bus.EmitSignal(relay.Signal{
		Type:         relay.SignalSSEOverflow,
		SubscriberID: connID,
		At:           s.clock.Now().UTC(),
	})
}

func writeEvent(w io.Writer, ev sseEvent) {
	if ev.id != "" {
		fmt.Fprintf(w, "id: %s\n", ev.id)
	}
	fmt.Fprintf(w, "event: %s\n", ev.name)
	fmt.Fprintf(w, "data: %s\n\n", ev.data)
}
