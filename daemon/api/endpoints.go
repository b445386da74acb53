package api

import (
	"net/http"

	"github.com/julienschmidt/httprouter"

	"github.com/dork-labs/relay/daemon/msgstore"
	"github.com/dork-labs/relay/daemon/relay"
)

func (s *Server) listEndpoints(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
	eps, err := s.endpoints.List(req.Context())
	if err != nil {
		s.writeErr(w, err)
		return
	}
	if eps == nil {
		eps = []*relay.Endpoint{}
	}
	writeJSON(w, http.StatusOK, eps)
}

type registerEndpointRequest struct {
	Subject     string `json:"subject"`
	Description string `json:"description,omitempty"`
}

func (s *Server) registerEndpoint(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
	var body registerEndpointRequest
	if err := decodeStrict(req, &body); err != nil {
		s.writeErr(w, err)
		return
	}
	if body.Subject == "" {
		s.writeErr(w, relay.Errorf(relay.CodeInvalidRequest, "subject is required"))
		return
	}
	ep, err := s.endpoints.Register(req.Context(), body.Subject, body.Description)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, ep)
}

func (s *Server) unregisterEndpoint(w http.ResponseWriter, req *http.Request, ps httprouter.Params) {
	// Unregistering an absent subject is idempotent, not an error.
	if _, err := s.endpoints.Unregister(req.Context(), ps.ByName("subject")); err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// endpointInbox reads the durable inbox: the message log filtered by
// the endpoint's registered subject, which may be a pattern.
func (s *Server) endpointInbox(w http.ResponseWriter, req *http.Request, ps httprouter.Params) {
	ep, err := s.endpoints.Get(req.Context(), ps.ByName("subject"))
	if err != nil {
		s.writeErr(w, err)
		return
	}

	q := msgstore.Query{
		Subject: ep.Subject,
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
