package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/julienschmidt/httprouter"

	"github.com/dork-labs/relay/daemon/adapter"
	"github.com/dork-labs/relay/daemon/bus"
	"github.com/dork-labs/relay/daemon/deadletter"
	"github.com/dork-labs/relay/daemon/engine"
	"github.com/dork-labs/relay/daemon/msgstore"
	"github.com/dork-labs/relay/daemon/relay"
)

type publishRequest struct {
	Subject string          `json:"subject"`
	From    string          `json:"from"`
	ReplyTo string          `json:"replyTo,omitempty"`
	Payload json.RawMessage `json:"payload"`
	Budget  *budgetRequest  `json:"budget,omitempty"`
}

type budgetRequest struct {
	MaxHops uint8  `json:"maxHops,omitempty"`
	TTLMs   uint32 `json:"ttlMs,omitempty"`
}

func (s *Server) publishMessage(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
	var body publishRequest
	if err := decodeStrict(req, &body); err != nil {
		s.writeErr(w, err)
		return
	}
	if body.Subject == "" || body.From == "" {
		s.writeErr(w, relay.Errorf(relay.CodeInvalidRequest, "subject and from are required"))
		return
	}

	preq := engine.PublishReq{
		Subject: body.Subject,
		From:    body.From,
		ReplyTo: body.ReplyTo,
		Payload: body.Payload,
	}
	if body.Budget != nil {
		preq.Budget = &relay.Budget{
			MaxHops: body.Budget.MaxHops,
			TTLMs:   body.Budget.TTLMs,
		}
	}
	receipt, err := s.engine.Publish(req.Context(), preq)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, receipt)
}

func (s *Server) listMessages(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
	q := msgstore.Query{
		Subject: req.URL.Query().Get("subject"),
		From:    req.URL.Query().Get("from"),
		Cursor:  req.URL.Query().Get("cursor"),
	}
	if st := req.URL.Query().Get("status"); st != "" {
		status := relay.Status(st)
		if !status.Valid() {
			s.writeErr(w, relay.Errorf(relay.CodeInvalidRequest, "unknown status %q", st))
			return
		}
		q.Status = status
	}
	limit, err := parseLimit(req)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	q.Limit = limit

	page, err := s.messages.List(req.Context(), q)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *Server) getMessage(w http.ResponseWriter, req *http.Request, ps httprouter.Params) {
	env, err := s.messages.Get(req.Context(), ps.ByName("id"))
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, env)
}

func (s *Server) getTrace(w http.ResponseWriter, req *http.Request, ps httprouter.Params) {
	env, err := s.messages.Get(req.Context(), ps.ByName("id"))
	if err != nil {
		s.writeErr(w, err)
		return
	}
	spans, err := s.traces.GetTrace(req.Context(), env.TraceID)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"traceId": env.TraceID,
		"spans":   spans,
	})
}

func (s *Server) traceMetrics(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
	m, err := s.traces.Metrics(req.Context())
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) listDeadLetters(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
	var q deadletter.Query
	if raw := req.URL.Query().Get("endpointHash"); raw != "" {
		h, err := relay.ParseHash(raw)
		if err != nil {
			s.writeErr(w, relay.Errorf(relay.CodeInvalidRequest, "invalid endpointHash %q", raw))
			return
		}
		q.EndpointHash = &h
	}
	limit, err := parseLimit(req)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	q.Limit = limit

	dls, err := s.deadLetters.List(req.Context(), q)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	if dls == nil {
		dls = []*relay.DeadLetter{}
	}
	writeJSON(w, http.StatusOK, dls)
}

// kernelCounters is the /relay/metrics payload: a live snapshot of
// engine, bus, SSE, and adapter state.
type kernelCounters struct {
	UptimeSec      int64            `json:"uptimeSec"`
	Engine         engine.Stats     `json:"engine"`
	Bus            bus.Stats        `json:"bus"`
	SSEConnections int64            `json:"sseConnections"`
	Adapters       []adapter.Status `json:"adapters"`
}

func (s *Server) kernelMetrics(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
	writeJSON(w, http.StatusOK, kernelCounters{
		UptimeSec:      int64(s.clock.Now().Sub(s.startedAt) / time.Second),
		Engine:         s.engine.Stats(),
		Bus:            s.bus.Stats(),
		SSEConnections: s.sseConns.Load(),
		Adapters:       s.adapters.Statuses(),
	})
}

func parseLimit(req *http.Request) (int, error) {
	raw := req.URL.Query().Get("limit")
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, relay.Errorf(relay.CodeInvalidRequest, "invalid limit %q", raw)
	}
	return n, nil
}
