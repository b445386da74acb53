package api

import (
	"io"
	"net/http"

	"github.com/julienschmidt/httprouter"

	"github.com/dork-labs/relay/daemon/adapter"
	"github.com/dork-labs/relay/daemon/relay"
)

// maxWebhookBody bounds how much of an inbound webhook post is read.
const maxWebhookBody = 1 << 20

type adapterView struct {
	Config *adapter.Record `json:"config"`
	Status adapter.Status  `json:"status"`
}

func (s *Server) listAdapters(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
	statuses := s.adapters.Statuses()
	views := make([]adapterView, 0, len(statuses))
	for _, st := range statuses {
		rec, err := s.adapters.Config(st.ID)
		if err != nil {
			s.writeErr(w, err)
			return
		}
		views = append(views, adapterView{Config: rec, Status: st})
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) adapterCatalog(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
	writeJSON(w, http.StatusOK, s.adapters.Catalog())
}

type addAdapterRequest struct {
	Type    string         `json:"type"`
	ID      string         `json:"id"`
	Config  map[string]any `json:"config"`
	Enabled *bool          `json:"enabled,omitempty"`
}

func (s *Server) addAdapter(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
	var body addAdapterRequest
	if err := decodeStrict(req, &body); err != nil {
		s.writeErr(w, err)
		return
	}
	enabled := body.Enabled == nil || *body.Enabled
	if err := s.adapters.Add(req.Context(), body.Type, body.ID, body.Config, enabled); err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"ok": true, "id": body.ID})
}

func (s *Server) getAdapter(w http.ResponseWriter, req *http.Request, ps httprouter.Params) {
	if ps.ByName("id") == "catalog" {
		s.adapterCatalog(w, req, ps)
		return
	}
	st, err := s.adapters.Status(ps.ByName("id"))
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// adapterCommand serves the static POST endpoints sharing the :id
// position: /relay/adapters/test and /relay/adapters/reload.
func (s *Server) adapterCommand(w http.ResponseWriter, req *http.Request, ps httprouter.Params) {
	switch ps.ByName("id") {
	case "test":
		s.testAdapter(w, req, ps)
	case "reload":
		s.reloadAdapters(w, req, ps)
	default:
		s.writeErr(w, relay.Errorf(relay.CodeNotFound, "unknown adapter command %q", ps.ByName("id")))
	}
}

func (s *Server) adapterToggle(w http.ResponseWriter, req *http.Request, ps httprouter.Params) {
	switch ps.ByName("action") {
	case "enable":
		s.enableAdapter(w, req, ps)
	case "disable":
		s.disableAdapter(w, req, ps)
	default:
		s.writeErr(w, relay.Errorf(relay.CodeNotFound, "unknown adapter action %q", ps.ByName("action")))
	}
}

func (s *Server) removeAdapter(w http.ResponseWriter, req *http.Request, ps httprouter.Params) {
	if err := s.adapters.Remove(req.Context(), ps.ByName("id")); err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

type updateConfigRequest struct {
	Config map[string]any `json:"config"`
}

func (s *Server) updateAdapterConfig(w http.ResponseWriter, req *http.Request, ps httprouter.Params) {
	var body updateConfigRequest
	if err := decodeStrict(req, &body); err != nil {
		s.writeErr(w, err)
		return
	}
	if err := s.adapters.UpdateConfig(req.Context(), ps.ByName("id"), body.Config); err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) enableAdapter(w http.ResponseWriter, req *http.Request, ps httprouter.Params) {
	if err := s.adapters.Enable(req.Context(), ps.ByName("id")); err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) disableAdapter(w http.ResponseWriter, req *http.Request, ps httprouter.Params) {
	if err := s.adapters.Disable(req.Context(), ps.ByName("id")); err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

type testAdapterRequest struct {
	Type   string         `json:"type"`
	Config map[string]any `json:"config"`
}

// testAdapter probes a throwaway instance. Probe failures are a 200
// with ok=false: the request itself succeeded, the channel did not.
func (s *Server) testAdapter(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
	var body testAdapterRequest
	if err := decodeStrict(req, &body); err != nil {
		s.writeErr(w, err)
		return
	}
	if err := s.adapters.TestConnection(req.Context(), body.Type, body.Config); err != nil {
		switch relay.CodeOf(err) {
		case relay.CodeUnknownType, relay.CodeConfigInvalid:
			s.writeErr(w, err)
		default:
			writeJSON(w, http.StatusOK, map[string]any{"ok": false, "error": err.Error()})
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) reloadAdapters(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
	if err := s.adapters.Reload(req.Context()); err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// webhook hands the raw body and headers to the addressed adapter,
// which owns authentication.
func (s *Server) webhook(w http.ResponseWriter, req *http.Request, ps httprouter.Params) {
	body, err := io.ReadAll(io.LimitReader(req.Body, maxWebhookBody))
	if err != nil {
		s.writeErr(w, relay.Errorf(relay.CodeInvalidRequest, "reading body: %v", err))
		return
	}
	if err := s.adapters.HandleWebhook(req.Context(), ps.ByName("adapterId"), body, req.Header); err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}
