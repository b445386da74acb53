package adapter

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog"

	"github.com/dork-labs/relay/daemon/relay"
)

// ConsoleType is the built-in bridge between agent sessions and the
// human console. It ships with every daemon so a fresh install
// demonstrates an end-to-end loop without external credentials.
const ConsoleType = "claude-code"

const (
	consoleInboundPattern = "relay.agent.>"
	consoleFrom           = "relay.human.console"
)

// ConsoleManifest describes the claude-code adapter type. It is
// built-in: it cannot be removed, only disabled, and allows a single
// instance.
func ConsoleManifest() *Manifest {
	return &Manifest{
		Type:          ConsoleType,
		DisplayName:   "Claude Code",
		Category:      CategoryInternal,
		Builtin:       true,
		MultiInstance: false,
		ConfigFields: []Field{
			{Key: "sessionDir", Type: FieldText, Required: false},
			{Key: "echoReplies", Type: FieldBoolean, Required: false, Default: true},
		},
		Subjects: Subjects{
			Inbound:  consoleInboundPattern,
			Outbound: "relay.human.console.>",
		},
	}
}

type consoleAdapter struct {
	id          string
	echoReplies bool
	log         zerolog.Logger

	rt    *Runtime
	unsub func()
}

// NewConsole is the factory for the claude-code adapter type.
func NewConsole(id string, cfg map[string]any, log zerolog.Logger) (Adapter, error) {
	echo, _ := cfg["echoReplies"].(bool)
	return &consoleAdapter{id: id, echoReplies: echo, log: log}, nil
}

func (a *consoleAdapter) Start(ctx context.Context, rt *Runtime) error {
	if err := rt.RegisterEndpoint(ctx, consoleInboundPattern, "claude-code agent bridge"); err != nil {
		return err
	}
	unsub, err := rt.Subscribe(consoleInboundPattern, consoleInboundPattern, a.handle)
	if err != nil {
		return err
	}
	a.rt = rt
	a.unsub = unsub
	return nil
}

func (a *consoleAdapter) handle(ctx context.Context, e *relay.Envelope) error {
	a.rt.CountInbound()
	a.log.Debug().Str("subject", e.Subject).Str("message_id", e.ID).Msg("agent message received")
	if !a.echoReplies || e.ReplyTo == "" {
		return nil
	}

	payload, err := json.Marshal(map[string]any{
		"ack":       e.ID,
		"subject":   e.Subject,
		"sessionId": a.id,
	})
	if err != nil {
		return err
	}
	_, err = a.rt.Publish(ctx, publishReq(e.ReplyTo, consoleFrom, payload, e))
	if err == nil {
		a.rt.CountOutbound()
	}
	return err
}

func (a *consoleAdapter) Stop(ctx context.Context) error {
	if a.unsub != nil {
		a.unsub()
		a.unsub = nil
	}
	a.rt = nil
	return nil
}

// Probe always succeeds: the console is local.
func (a *consoleAdapter) Probe(ctx context.Context) error { return nil }
