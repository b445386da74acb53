// Package adapter manages the external-channel bridges: their
// manifests, persisted configuration, lifecycle, live status, and the
// bindings pairing adapter instances with agent contexts.
package adapter

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/dork-labs/relay/daemon/bus"
	"github.com/dork-labs/relay/daemon/engine"
	"github.com/dork-labs/relay/daemon/relay"
)

// State is the live lifecycle state of one adapter instance.
type State string

const (
	StateDisconnected State = "disconnected"
	StateStarting     State = "starting"
	StateConnected    State = "connected"
	StateError        State = "error"
	StateStopping     State = "stopping"
)

// PublishFunc publishes an envelope into the delivery engine.
type PublishFunc func(ctx context.Context, req engine.PublishReq) (*engine.Receipt, error)

// SubscribeFunc registers a handler on the subscription bus.
type SubscribeFunc func(pattern, owner string, h bus.Handler) (cancel func(), err error)

// Runtime is what a running adapter gets from the manager: its hooks
// into the kernel plus bookkeeping callbacks. Adapters must not retain
// it past Stop.
type Runtime struct {
	ID  string
	Log zerolog.Logger

	Publish          PublishFunc
	Subscribe        SubscribeFunc
	RegisterEndpoint func(ctx context.Context, subject, description string) error

	// ReportError marks the instance errored from a background
	// goroutine (poll loops, send failures). The manager survives.
	ReportError func(err error)

	CountInbound  func()
	CountOutbound func()
}

// Adapter is the capability set every adapter type implements.
// Start must return only once the adapter is operational; long-running
// work (poll loops) runs on adapter-owned goroutines that Stop joins.
type Adapter interface {
	Start(ctx context.Context, rt *Runtime) error
	Stop(ctx context.Context) error
	Probe(ctx context.Context) error
}

// InboundHandler is the optional webhook capability: raw bytes plus
// headers delivered by the HTTP edge, authenticated by the adapter.
type InboundHandler interface {
	HandleInbound(ctx context.Context, body []byte, headers http.Header) error
}

// Factory builds an adapter instance from its validated, normalized
// config.
type Factory func(id string, cfg map[string]any, log zerolog.Logger) (Adapter, error)

// MessageCount is the per-direction envelope tally of one instance.
type MessageCount struct {
	Inbound  int64 `json:"inbound"`
	Outbound int64 `json:"outbound"`
}

// publishReq assembles a publish, inheriting budget and trace from a
// parent envelope when the publish is a derived hop.
func publishReq(subject, from string, payload json.RawMessage, parent *relay.Envelope) engine.PublishReq {
	req := engine.PublishReq{Subject: subject, From: from, Payload: payload}
	if parent != nil {
		req.Budget = &parent.Budget
		req.TraceID = parent.TraceID
		req.ParentID = parent.ID
	}
	return req
}

// Status is the live view of one adapter instance. The manager is the
// single source of truth; the HTTP edge only reads.
type Status struct {
	ID           string       `json:"id"`
	Type         string       `json:"type"`
	DisplayName  string       `json:"displayName"`
	State        State        `json:"state"`
	MessageCount MessageCount `json:"messageCount"`
	ErrorCount   int64        `json:"errorCount"`
	LastError    string       `json:"lastError,omitempty"`
}
