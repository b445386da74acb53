package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"

	"github.com/dork-labs/relay/daemon/relay"
	"github.com/dork-labs/relay/internal/fns"
)

// TelegramType bridges Telegram chats via the Bot API: a long-poll
// loop publishes inbound chat messages onto the bus, and envelopes on
// the instance's outbound subject are posted back with sendMessage.
const TelegramType = "telegram"

const defaultTelegramAPI = "https://api.telegram.org"

func TelegramManifest() *Manifest {
	return &Manifest{
		Type:          TelegramType,
		DisplayName:   "Telegram",
		Category:      CategoryMessaging,
		Builtin:       false,
		MultiInstance: true,
		ConfigFields: []Field{
			{Key: "token", Type: FieldPassword, Required: true},
			{Key: "allowedChats", Type: FieldTextarea, Required: false},
			{Key: "pollTimeoutSec", Type: FieldNumber, Required: false, Default: 30},
			{Key: "apiBase", Type: FieldURL, Required: false, Default: defaultTelegramAPI},
		},
		Subjects: Subjects{
			Inbound:  "relay.adapter.telegram.*.inbound",
			Outbound: "relay.adapter.telegram.*.outbound",
		},
	}
}

type telegramAdapter struct {
	id           string
	token        string
	apiBase      string
	pollTimeout  int
	allowedChats map[string]bool
	client       *http.Client
	log          zerolog.Logger

	rt     *Runtime
	unsub  func()
	cancel context.CancelFunc
	wg     sync.WaitGroup
	offset int64
}

// NewTelegram is the factory for the telegram adapter type.
func NewTelegram(id string, cfg map[string]any, log zerolog.Logger) (Adapter, error) {
	token, _ := cfg["token"].(string)
	if token == "" {
		return nil, relay.Errorf(relay.CodeConfigInvalid, "config field %q is required", "token")
	}
	a := &telegramAdapter{
		id:          id,
		token:       token,
		apiBase:     defaultTelegramAPI,
		pollTimeout: 30,
		client:      &http.Client{Timeout: 90 * time.Second},
		log:         log,
	}
	if base, ok := cfg["apiBase"].(string); ok && base != "" {
		a.apiBase = strings.TrimSuffix(base, "/")
	}
	switch v := cfg["pollTimeoutSec"].(type) {
	case int:
		a.pollTimeout = v
	case float64:
		a.pollTimeout = int(v)
	}
	if raw, ok := cfg["allowedChats"].(string); ok && strings.TrimSpace(raw) != "" {
		a.allowedChats = make(map[string]bool)
		for _, chat := range strings.FieldsFunc(raw, func(r rune) bool { return r == ',' || r == '\n' }) {
			if chat = strings.TrimSpace(chat); chat != "" {
				a.allowedChats[chat] = true
			}
		}
	}
	return a, nil
}

func (a *telegramAdapter) inboundSubject() string {
	return "relay.adapter.telegram." + a.id + ".inbound"
}

func (a *telegramAdapter) outboundSubject() string {
	return "relay.adapter.telegram." + a.id + ".outbound"
}

func (a *telegramAdapter) Start(ctx context.Context, rt *Runtime) error {
	if err := a.Probe(ctx); err != nil {
		return err
	}
	if err := rt.RegisterEndpoint(ctx, a.outboundSubject(), "telegram outbound"); err != nil {
		return err
	}
	unsub, err := rt.Subscribe(a.outboundSubject(), a.outboundSubject(), a.handleOutbound)
	if err != nil {
		return err
	}
	a.rt = rt
	a.unsub = unsub

	pollCtx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	a.wg.Add(1)
	go a.pollLoop(pollCtx)
	return nil
}

func (a *telegramAdapter) Stop(ctx context.Context) error {
	if a.cancel != nil {
		a.cancel()
		a.wg.Wait()
		a.cancel = nil
	}
	if a.unsub != nil {
		a.unsub()
		a.unsub = nil
	}
	a.rt = nil
	return nil
}

// Probe verifies the bot token with getMe.
func (a *telegramAdapter) Probe(ctx context.Context) error {
	var me struct {
		OK bool `json:"ok"`
	}
	if err := a.call(ctx, "getMe", nil, &me); err != nil {
		return err
	}
	if !me.OK {
		return errors.New("telegram: getMe rejected the token")
	}
	return nil
}

// pollLoop long-polls getUpdates, retrying transport errors with
// exponential backoff.
func (a *telegramAdapter) pollLoop(ctx context.Context) {
	defer a.wg.Done()
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 0 // retry forever; Stop cancels the context
	for {
		if ctx.Err() != nil {
			return
		}
		if err := a.pollOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			a.rt.ReportError(err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(bo.NextBackOff()):
			}
			continue
		}
		bo.Reset()
	}
}

type telegramUpdate struct {
	UpdateID int64 `json:"update_id"`
	Message  *struct {
		Chat struct {
			ID int64 `json:"id"`
		} `json:"chat"`
		From struct {
			Username string `json:"username"`
		} `json:"from"`
		Text string `json:"text"`
	} `json:"message"`
}

func (a *telegramAdapter) pollOnce(ctx context.Context) error {
	var res struct {
		OK     bool             `json:"ok"`
		Result []telegramUpdate `json:"result"`
	}
	params := url.Values{
		"timeout": {strconv.Itoa(a.pollTimeout)},
		"offset":  {strconv.FormatInt(a.offset, 10)},
	}
	if err := a.call(ctx, "getUpdates", params, &res); err != nil {
		return err
	}
	if !res.OK {
		return errors.New("telegram: getUpdates returned not ok")
	}
	for _, upd := range res.Result {
		if upd.UpdateID >= a.offset {
			a.offset = upd.UpdateID + 1
		}
		if upd.Message == nil || upd.Message.Text == "" {
			continue
		}
		chatID := strconv.FormatInt(upd.Message.Chat.ID, 10)
		if a.allowedChats != nil && !a.allowedChats[chatID] {
			a.log.Debug().Str("chat", chatID).Msg("ignoring message from chat outside allow list")
			continue
		}
		payload, err := json.Marshal(map[string]any{
			"chatId":   chatID,
			"text":     upd.Message.Text,
			"username": upd.Message.From.Username,
		})
		if err != nil {
			return err
		}
		_, err = a.rt.Publish(ctx, publishReq(a.inboundSubject(), "relay.adapter.telegram."+a.id, payload, nil))
		if err != nil {
			a.log.Error().Err(err).Str("chat", chatID).Msg("publishing inbound telegram message failed")
			continue
		}
		a.rt.CountInbound()
	}
	return nil
}

// handleOutbound posts envelopes published to the outbound subject
// back to Telegram.
func (a *telegramAdapter) handleOutbound(ctx context.Context, e *relay.Envelope) error {
	var msg struct {
		ChatID string `json:"chatId"`
		Text   string `json:"text"`
	}
	if err := json.Unmarshal(e.Payload, &msg); err != nil {
		return errors.Wrap(err, "telegram: decode outbound payload")
	}
	if msg.ChatID == "" || msg.Text == "" {
		return errors.New("telegram: outbound payload requires chatId and text")
	}
	params := url.Values{
		"chat_id": {msg.ChatID},
		"text":    {msg.Text},
	}
	var res struct {
		OK bool `json:"ok"`
	}
	if err := a.call(ctx, "sendMessage", params, &res); err != nil {
		a.rt.ReportError(err)
		return err
	}
	if !res.OK {
		err := errors.New("telegram: sendMessage returned not ok")
		a.rt.ReportError(err)
		return err
	}
	a.rt.CountOutbound()
	return nil
}

func (a *telegramAdapter) call(ctx context.Context, method string, params url.Values, out any) error {
	u := fmt.Sprintf("%s/bot%s/%s", a.apiBase, a.token, method)
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, "GET", u, nil)
	if err != nil {
		return errors.Wrap(err, "telegram: build request")
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return errors.Wrapf(err, "telegram: %s", method)
	}
	defer fns.CloseIgnore(resp.Body)
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return errors.Wrapf(err, "telegram: read %s response", method)
	}
	if resp.StatusCode != http.StatusOK {
		return errors.Newf("telegram: %s returned HTTP %d", method, resp.StatusCode)
	}
	return errors.Wrapf(json.Unmarshal(body, out), "telegram: decode %s response", method)
}
