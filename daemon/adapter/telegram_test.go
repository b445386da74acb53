package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	qt "github.com/frankban/quicktest"
	"github.com/rs/zerolog"

	"github.com/dork-labs/relay/daemon/bus"
	"github.com/dork-labs/relay/daemon/engine"
)

// fakeBotAPI simulates the subset of the Telegram Bot API the adapter
// touches: one pending update, then empty polls.
type fakeBotAPI struct {
	mu       sync.Mutex
	served   bool
	badToken bool
}

func (f *fakeBotAPI) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "/getMe"):
			f.mu.Lock()
			bad := f.badToken
			f.mu.Unlock()
			if bad {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			fmt.Fprint(w, `{"ok":true,"result":{"username":"relay_bot"}}`)
		case strings.HasSuffix(r.URL.Path, "/getUpdates"):
			f.mu.Lock()
			served := f.served
			f.served = true
			f.mu.Unlock()
			if served {
				time.Sleep(10 * time.Millisecond)
				fmt.Fprint(w, `{"ok":true,"result":[]}`)
				return
			}
			fmt.Fprint(w, `{"ok":true,"result":[{"update_id":7,"message":{"chat":{"id":42},"from":{"username":"alice"},"text":"hello"}}]}`)
		case strings.HasSuffix(r.URL.Path, "/sendMessage"):
			fmt.Fprint(w, `{"ok":true}`)
		default:
			http.NotFound(w, r)
		}
	}
}

func TestTelegramInboundPoll(t *testing.T) {
	c := qt.New(t)
	api := &fakeBotAPI{}
	srv := httptest.NewServer(api.handler())
	defer srv.Close()

	a, err := NewTelegram("tg-1", map[string]any{
		"token":          "tok",
		"apiBase":        srv.URL,
		"pollTimeoutSec": float64(1),
	}, zerolog.Nop())
	c.Assert(err, qt.IsNil)

	var mu sync.Mutex
	var published []engine.PublishReq
	rt := &Runtime{
		ID:  "tg-1",
		Log: zerolog.Nop(),
		Publish: func(ctx context.Context, req engine.PublishReq) (*engine.Receipt, error) {
			mu.Lock()
			published = append(published, req)
			mu.Unlock()
			return &engine.Receipt{MessageID: "m", TraceID: "m"}, nil
		},
		Subscribe: func(pattern, owner string, h bus.Handler) (func(), error) {
			return func() {}, nil
		},
		RegisterEndpoint: func(ctx context.Context, subject, description string) error { return nil },
		ReportError:      func(err error) {},
		CountInbound:     func() {},
		CountOutbound:    func() {},
	}
	c.Assert(a.Start(context.Background(), rt), qt.IsNil)
	defer func() { _ = a.Stop(context.Background()) }()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(published)
		mu.Unlock()
		if n > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	c.Assert(len(published) > 0, qt.IsTrue)
	c.Assert(published[0].Subject, qt.Equals, "relay.adapter.telegram.tg-1.inbound")
	var payload map[string]any
	c.Assert(json.Unmarshal(published[0].Payload, &payload), qt.IsNil)
	c.Assert(payload["chatId"], qt.Equals, "42")
	c.Assert(payload["text"], qt.Equals, "hello")
	c.Assert(payload["username"], qt.Equals, "alice")
}

func TestTelegramProbeFailsOnBadToken(t *testing.T) {
	c := qt.New(t)
	api := &fakeBotAPI{badToken: true}
	srv := httptest.NewServer(api.handler())
	defer srv.Close()

	a, err := NewTelegram("tg-1", map[string]any{
		"token":   "tok",
		"apiBase": srv.URL,
	}, zerolog.Nop())
	c.Assert(err, qt.IsNil)
	c.Assert(a.Probe(context.Background()), qt.IsNotNil)
}
