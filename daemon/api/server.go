// Package api is the HTTP/SSE edge of the relay kernel: a thin
// translator between the wire surface and the engine, stores, and
// adapter manager. It owns no state beyond live SSE connections.
package api

import (
	"net/http"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/julienschmidt/httprouter"
	"github.com/rs/zerolog"

	"github.com/dork-labs/relay/daemon/adapter"
	"github.com/dork-labs/relay/daemon/bus"
	"github.com/dork-labs/relay/daemon/deadletter"
	"github.com/dork-labs/relay/daemon/endpoint"
	"github.com/dork-labs/relay/daemon/engine"
	"github.com/dork-labs/relay/daemon/msgstore"
	"github.com/dork-labs/relay/daemon/relay"
	"github.com/dork-labs/relay/daemon/tracestore"
	"github.com/dork-labs/relay/internal/version"
)

// Config carries the edge's collaborators. Enabled is the feature
// gate: when false every /relay/* path answers 503 while the ops
// endpoints stay up.
type Config struct {
	Enabled     bool
	Log         zerolog.Logger
	Clock       clock.Clock
	Engine      *engine.Engine
	Bus         *bus.Bus
	Messages    *msgstore.Store
	Endpoints   *endpoint.Registry
	DeadLetters *deadletter.Store
	Traces      *tracestore.Store
	Adapters    *adapter.Manager
	// Resolver labels conversations; nil selects the static resolver.
	Resolver SubjectResolver
}

type Server struct {
	enabled     bool
	log         zerolog.Logger
	clock       clock.Clock
	engine      *engine.Engine
	bus         *bus.Bus
	messages    *msgstore.Store
	endpoints   *endpoint.Registry
	deadLetters *deadletter.Store
	traces      *tracestore.Store
	adapters    *adapter.Manager
	resolver    SubjectResolver

	router    *httprouter.Router
	startedAt time.Time
	sseConns  atomic.Int64
}

func New(cfg Config) *Server {
	s := &Server{
		enabled:     cfg.Enabled,
		log:         cfg.Log.With().Str("component", "api").Logger(),
		clock:       cfg.Clock,
		engine:      cfg.Engine,
		bus:         cfg.Bus,
		messages:    cfg.Messages,
		endpoints:   cfg.Endpoints,
		deadLetters: cfg.DeadLetters,
		traces:      cfg.Traces,
		adapters:    cfg.Adapters,
		resolver:    cfg.Resolver,
		startedAt:   cfg.Clock.Now(),
	}
	if s.resolver == nil {
		s.resolver = StaticResolver{}
	}

	r := httprouter.New()
	r.HandleOPTIONS = false
	r.RedirectTrailingSlash = false
	r.RedirectFixedPath = false

	// Ops endpoints live outside the feature gate.
	r.GET("/healthz", s.health)
	r.GET("/version", s.version)

	r.POST("/relay/messages", s.gated(s.publishMessage))
	r.GET("/relay/messages", s.gated(s.listMessages))
	r.GET("/relay/messages/:id", s.gated(s.getMessage))
	r.GET("/relay/messages/:id/trace", s.gated(s.getTrace))
	r.GET("/relay/trace/metrics", s.gated(s.traceMetrics))
	r.GET("/relay/conversations", s.gated(s.listConversations))

	r.GET("/relay/endpoints", s.gated(s.listEndpoints))
	r.POST("/relay/endpoints", s.gated(s.registerEndpoint))
	r.DELETE("/relay/endpoints/:subject", s.gated(s.unregisterEndpoint))
	r.GET("/relay/endpoints/:subject/inbox", s.gated(s.endpointInbox))

	r.GET("/relay/dead-letters", s.gated(s.listDeadLetters))
	r.GET("/relay/metrics", s.gated(s.kernelMetrics))
	r.GET("/relay/stream", s.gated(s.stream))

	// The router cannot mix static and parameter segments at one
	// position, so /relay/adapters/catalog, /test, and /reload are
	// dispatched inside the :id handlers.
	r.GET("/relay/adapters", s.gated(s.listAdapters))
	r.POST("/relay/adapters", s.gated(s.addAdapter))
	r.GET("/relay/adapters/:id", s.gated(s.getAdapter))
	r.DELETE("/relay/adapters/:id", s.gated(s.removeAdapter))
	r.POST("/relay/adapters/:id", s.gated(s.adapterCommand))
	r.PATCH("/relay/adapters/:id/config", s.gated(s.updateAdapterConfig))
	r.POST("/relay/adapters/:id/:action", s.gated(s.adapterToggle))

	r.GET("/relay/bindings", s.gated(s.listBindings))
	r.POST("/relay/bindings", s.gated(s.createBinding))
	r.DELETE("/relay/bindings/:id", s.gated(s.deleteBinding))

	r.POST("/relay/webhooks/:adapterId", s.gated(s.webhook))

	s.router = r
	return s
}

// Handler returns the root http.Handler for the daemon's listener.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) gated(h httprouter.Handle) httprouter.Handle {
	return func(w http.ResponseWriter, req *http.Request, ps httprouter.Params) {
		if !s.enabled {
			writeJSON(w, http.StatusServiceUnavailable, errorBody{
				Code:    relay.CodeFeatureDisabled,
				Message: "relay is disabled",
			})
			return
		}
		h(w, req, ps)
	}
}

func (s *Server) health(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"uptime": s.clock.Now().Sub(s.startedAt).Round(time.Second).String(),
	})
}

func (s *Server) version(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
	writeJSON(w, http.StatusOK, map[string]string{
		"version":   version.Version,
		"goVersion": runtime.Version(),
	})
}
