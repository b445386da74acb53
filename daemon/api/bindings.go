package api

import (
	"net/http"

	"github.com/julienschmidt/httprouter"

	"github.com/dork-labs/relay/daemon/adapter"
)

func (s *Server) listBindings(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
	bs, err := s.adapters.Bindings().List(req.Context())
	if err != nil {
		s.writeErr(w, err)
		return
	}
	if bs == nil {
		bs = []*adapter.Binding{}
	}
	writeJSON(w, http.StatusOK, bs)
}

func (s *Server) createBinding(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
	var b adapter.Binding
	if err := decodeStrict(req, &b); err != nil {
		s.writeErr(w, err)
		return
	}
	if err := s.adapters.Bindings().Create(req.Context(), &b); err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, &b)
}

func (s *Server) deleteBinding(w http.ResponseWriter, req *http.Request, ps httprouter.Params) {
	if err := s.adapters.DeleteBinding(req.Context(), ps.ByName("id")); err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}
