package adapter

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/dork-labs/relay/daemon/relay"
)

// WebhookType receives external HTTP posts. The edge hands the raw
// body and headers to the adapter, which authenticates them with an
// HMAC-SHA256 signature over the body using the configured secret and
// publishes the payload on its inbound subject.
const WebhookType = "webhook"

// Accepted signature headers, checked in order.
var signatureHeaders = []string{"X-Relay-Signature", "X-Signature"}

func WebhookManifest() *Manifest {
	return &Manifest{
		Type:          WebhookType,
		DisplayName:   "Webhook",
		Category:      CategoryAutomation,
		Builtin:       false,
		MultiInstance: true,
		ConfigFields: []Field{
			{Key: "secret", Type: FieldPassword, Required: true},
			{Key: "inboundSubject", Type: FieldText, Required: true, Default: "relay.adapter.webhook.in"},
		},
	}
}

type webhookAdapter struct {
	id             string
	secret         string
	inboundSubject string
	log            zerolog.Logger

	rt *Runtime
}

// NewWebhook is the factory for the webhook adapter type.
func NewWebhook(id string, cfg map[string]any, log zerolog.Logger) (Adapter, error) {
	secret, _ := cfg["secret"].(string)
	if secret == "" {
		return nil, relay.Errorf(relay.CodeConfigInvalid, "config field %q is required", "secret")
	}
	subj, _ := cfg["inboundSubject"].(string)
	if subj == "" {
		subj = "relay.adapter.webhook.in"
	}
	return &webhookAdapter{id: id, secret: secret, inboundSubject: subj, log: log}, nil
}

func (a *webhookAdapter) Start(ctx context.Context, rt *Runtime) error {
	if err := rt.RegisterEndpoint(ctx, a.inboundSubject, "webhook inbound"); err != nil {
		return err
	}
	a.rt = rt
	return nil
}

func (a *webhookAdapter) Stop(ctx context.Context) error {
	a.rt = nil
	return nil
}

// Probe checks the configuration only; there is no remote side to
// call until a sender posts.
func (a *webhookAdapter) Probe(ctx context.Context) error {
	if a.secret == "" {
		return relay.Errorf(relay.CodeConfigInvalid, "config field %q is required", "secret")
	}
	return nil
}

// HandleInbound authenticates and publishes one webhook post. A bad
// or missing signature is rejected without publishing anything.
func (a *webhookAdapter) HandleInbound(ctx context.Context, body []byte, headers http.Header) error {
	var sig string
	for _, h := range signatureHeaders {
		if sig = headers.Get(h); sig != "" {
			break
		}
	}
	if sig == "" {
		return relay.Errorf(relay.CodeUnauthorized, "missing webhook signature")
	}
	if !a.verify(body, sig) {
		return relay.Errorf(relay.CodeUnauthorized, "webhook signature mismatch")
	}

	payload := json.RawMessage(body)
	if !json.Valid(body) {
		wrapped, err := json.Marshal(map[string]string{"raw": string(body)})
		if err != nil {
			return err
		}
		payload = wrapped
	}
	_, err := a.rt.Publish(ctx, publishReq(a.inboundSubject, "relay.adapter.webhook."+a.id, payload, nil))
	if err != nil {
		return err
	}
	a.rt.CountInbound()
	return nil
}

func (a *webhookAdapter) verify(body []byte, sig string) bool {
	mac := hmac.New(sha256.New, []byte(a.secret))
	mac.Write(body)
	want := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(want), []byte(sig))
}

// Sign computes the signature a sender must attach. Exported for
// senders and tests.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
