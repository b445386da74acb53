package adapter

import (
	"context"
	"net/http"
	"path/filepath"
	"sync"
	"testing"

	"github.com/benbjohnson/clock"
	qt "github.com/frankban/quicktest"
	"github.com/rs/zerolog"

	"github.com/dork-labs/relay/daemon/bus"
	"github.com/dork-labs/relay/daemon/engine"
	"github.com/dork-labs/relay/daemon/relay"
	"github.com/dork-labs/relay/daemon/sqlitedb"
)

// fakeAdapter records lifecycle calls and can be told to fail.
type fakeAdapter struct {
	mu       sync.Mutex
	started  int
	stopped  int
	probeErr error
	startErr error
}

func (f *fakeAdapter) Start(ctx context.Context, rt *Runtime) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	f.started++
	return nil
}

func (f *fakeAdapter) Stop(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped++
	return nil
}

func (f *fakeAdapter) Probe(ctx context.Context) error { return f.probeErr }

func fakeManifest(typ string, builtin, multi bool) *Manifest {
	return &Manifest{
		Type:          typ,
		DisplayName:   typ,
		Category:      CategoryCustom,
		Builtin:       builtin,
		MultiInstance: multi,
		ConfigFields: []Field{
			{Key: "key", Type: FieldText, Required: false},
		},
	}
}

func newTestManager(t *testing.T) (*Manager, *fakeAdapter) {
	t.Helper()
	db, err := sqlitedb.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })

	clk := clock.New()
	b := bus.New(clk, zerolog.Nop(), 0)
	fake := &fakeAdapter{}
	deps := RuntimeDeps{
		Publish: func(ctx context.Context, req engine.PublishReq) (*engine.Receipt, error) {
			return &engine.Receipt{MessageID: "m", TraceID: "m"}, nil
		},
		Subscribe: b.Subscribe,
		RegisterEndpoint: func(ctx context.Context, subject, description string) error {
			return nil
		},
	}
	m := NewManager(NewConfigStore(db, clk), NewBindingStore(db), b, deps, clk, zerolog.Nop())
	m.RegisterType(fakeManifest("fake", false, true), func(id string, cfg map[string]any, log zerolog.Logger) (Adapter, error) {
		return fake, nil
	})
	m.RegisterType(fakeManifest("single", false, false), func(id string, cfg map[string]any, log zerolog.Logger) (Adapter, error) {
		return &fakeAdapter{}, nil
	})
	m.RegisterType(fakeManifest(ConsoleType, true, false), func(id string, cfg map[string]any, log zerolog.Logger) (Adapter, error) {
		return &fakeAdapter{}, nil
	})
	return m, fake
}

func TestAddStartStatus(t *testing.T) {
	c := qt.New(t)
	m, fake := newTestManager(t)
	ctx := context.Background()

	c.Assert(m.Add(ctx, "fake", "a1", map[string]any{"key": "v"}, true), qt.IsNil)
	st, err := m.Status("a1")
	c.Assert(err, qt.IsNil)
	c.Assert(st.State, qt.Equals, StateConnected)
	c.Assert(fake.started, qt.Equals, 1)

	rec, err := m.Config("a1")
	c.Assert(err, qt.IsNil)
	c.Assert(rec.Enabled, qt.IsTrue)
	c.Assert(rec.Config["key"], qt.Equals, "v")
}

func TestAddErrors(t *testing.T) {
	c := qt.New(t)
	m, _ := newTestManager(t)
	ctx := context.Background()

	err := m.Add(ctx, "nope", "x", nil, false)
	c.Assert(relay.CodeOf(err), qt.Equals, relay.CodeUnknownType)

	c.Assert(m.Add(ctx, "fake", "a1", nil, false), qt.IsNil)
	err = m.Add(ctx, "fake", "a1", nil, false)
	c.Assert(relay.CodeOf(err), qt.Equals, relay.CodeDuplicateID)

	c.Assert(m.Add(ctx, "single", "s1", nil, false), qt.IsNil)
	err = m.Add(ctx, "single", "s2", nil, false)
	c.Assert(relay.CodeOf(err), qt.Equals, relay.CodeMultiInstanceDenied)

	err = m.Add(ctx, "fake", "bad", map[string]any{"bogus": 1}, false)
	c.Assert(relay.CodeOf(err), qt.Equals, relay.CodeConfigInvalid)
}

func TestRemoveBuiltinDenied(t *testing.T) {
	c := qt.New(t)
	m, _ := newTestManager(t)
	ctx := context.Background()

	c.Assert(m.Add(ctx, ConsoleType, "console", nil, false), qt.IsNil)
	err := m.Remove(ctx, "console")
	c.Assert(relay.CodeOf(err), qt.Equals, relay.CodeRemoveBuiltinDenied)

	// Disabling a built-in is allowed.
	c.Assert(m.Disable(ctx, "console"), qt.IsNil)
}

func TestRemove(t *testing.T) {
	c := qt.New(t)
	m, fake := newTestManager(t)
	ctx := context.Background()

	c.Assert(m.Add(ctx, "fake", "a1", nil, true), qt.IsNil)
	c.Assert(m.Remove(ctx, "a1"), qt.IsNil)
	c.Assert(fake.stopped, qt.Equals, 1)

	_, err := m.Status("a1")
	c.Assert(err, qt.ErrorIs, relay.ErrAdapterNotFound)

	err = m.Remove(ctx, "a1")
	c.Assert(relay.CodeOf(err), qt.Equals, relay.CodeNotFound)
}

func TestEnableDisableIdempotentPreservesCounts(t *testing.T) {
	c := qt.New(t)
	m, fake := newTestManager(t)
	ctx := context.Background()

	c.Assert(m.Add(ctx, "fake", "a1", nil, true), qt.IsNil)
	inst, err := m.get("a1")
	c.Assert(err, qt.IsNil)
	inst.inbound.Add(7)

	c.Assert(m.Disable(ctx, "a1"), qt.IsNil)
	c.Assert(m.Disable(ctx, "a1"), qt.IsNil)
	st, err := m.Status("a1")
	c.Assert(err, qt.IsNil)
	c.Assert(st.State, qt.Equals, StateDisconnected)

	c.Assert(m.Enable(ctx, "a1"), qt.IsNil)
	c.Assert(m.Enable(ctx, "a1"), qt.IsNil)
	st, err = m.Status("a1")
	c.Assert(err, qt.IsNil)
	c.Assert(st.State, qt.Equals, StateConnected)
	c.Assert(st.MessageCount.Inbound, qt.Equals, int64(7))
	c.Assert(fake.started, qt.Equals, 2)
	c.Assert(fake.stopped, qt.Equals, 1)
}

func TestUpdateConfigRestartsWhenEnabled(t *testing.T) {
	c := qt.New(t)
	m, fake := newTestManager(t)
	ctx := context.Background()

	c.Assert(m.Add(ctx, "fake", "a1", map[string]any{"key": "old"}, true), qt.IsNil)
	c.Assert(m.UpdateConfig(ctx, "a1", map[string]any{"key": "new"}), qt.IsNil)

	c.Assert(fake.stopped, qt.Equals, 1)
	c.Assert(fake.started, qt.Equals, 2)
	rec, err := m.Config("a1")
	c.Assert(err, qt.IsNil)
	c.Assert(rec.Config["key"], qt.Equals, "new")
}

func TestStartFailureMovesToError(t *testing.T) {
	c := qt.New(t)
	m, fake := newTestManager(t)
	ctx := context.Background()

	var sigs []relay.Signal
	cancel, err := m.bus.OnSignal("", func(sig relay.Signal) { sigs = append(sigs, sig) })
	c.Assert(err, qt.IsNil)
	defer cancel()

	fake.startErr = context.DeadlineExceeded
	c.Assert(m.Add(ctx, "fake", "a1", nil, true), qt.IsNil)

	st, err := m.Status("a1")
	c.Assert(err, qt.IsNil)
	c.Assert(st.State, qt.Equals, StateError)
	c.Assert(st.ErrorCount, qt.Equals, int64(1))
	c.Assert(st.LastError, qt.Not(qt.Equals), "")
	c.Assert(len(sigs), qt.Equals, 1)
	c.Assert(sigs[0].Type, qt.Equals, relay.SignalAdapterError)
}

func TestReloadRestoresPersistedInstances(t *testing.T) {
	c := qt.New(t)
	m, fake := newTestManager(t)
	ctx := context.Background()

	c.Assert(m.Add(ctx, "fake", "a1", nil, true), qt.IsNil)
	c.Assert(m.Add(ctx, "fake", "a2", nil, false), qt.IsNil)
	c.Assert(m.Reload(ctx), qt.IsNil)

	st, err := m.Status("a1")
	c.Assert(err, qt.IsNil)
	c.Assert(st.State, qt.Equals, StateConnected)
	st, err = m.Status("a2")
	c.Assert(err, qt.IsNil)
	c.Assert(st.State, qt.Equals, StateDisconnected)
	c.Assert(fake.stopped, qt.Equals, 1)
}

func TestCatalog(t *testing.T) {
	c := qt.New(t)
	m, _ := newTestManager(t)
	ctx := context.Background()

	c.Assert(m.Add(ctx, "fake", "b", nil, false), qt.IsNil)
	c.Assert(m.Add(ctx, "fake", "a", nil, false), qt.IsNil)

	cat := m.Catalog()
	c.Assert(len(cat), qt.Equals, 3)
	c.Assert(cat[0].Manifest.Type, qt.Equals, "fake")
	c.Assert(len(cat[0].Instances), qt.Equals, 2)
	c.Assert(cat[0].Instances[0].ID, qt.Equals, "a")
	c.Assert(cat[0].Instances[1].ID, qt.Equals, "b")
	c.Assert(len(cat[1].Instances), qt.Equals, 0)
}

func TestTestConnection(t *testing.T) {
	c := qt.New(t)
	m, fake := newTestManager(t)
	ctx := context.Background()

	c.Assert(m.TestConnection(ctx, "fake", nil), qt.IsNil)
	fake.probeErr = context.DeadlineExceeded
	c.Assert(m.TestConnection(ctx, "fake", nil), qt.IsNotNil)

	err := m.TestConnection(ctx, "nope", nil)
	c.Assert(relay.CodeOf(err), qt.Equals, relay.CodeUnknownType)

	// Nothing was persisted.
	recs, err := m.configs.List(ctx)
	c.Assert(err, qt.IsNil)
	c.Assert(len(recs), qt.Equals, 0)
}

func TestBindingsCleanupHook(t *testing.T) {
	c := qt.New(t)
	m, _ := newTestManager(t)
	ctx := context.Background()

	var gotActive [][]string
	m.SetSessionCleanup(func(activeIDs []string) { gotActive = append(gotActive, activeIDs) })

	b1 := &Binding{AdapterID: "a1", AgentID: "agent-1", SessionStrategy: SessionPerChat}
	b2 := &Binding{AdapterID: "a1", AgentID: "agent-2", SessionStrategy: SessionShared}
	c.Assert(m.Bindings().Create(ctx, b1), qt.IsNil)
	c.Assert(m.Bindings().Create(ctx, b2), qt.IsNil)

	c.Assert(m.DeleteBinding(ctx, b1.ID), qt.IsNil)
	c.Assert(len(gotActive), qt.Equals, 1)
	c.Assert(gotActive[0], qt.DeepEquals, []string{b2.ID})

	err := m.DeleteBinding(ctx, b1.ID)
	c.Assert(err, qt.ErrorIs, relay.ErrBindingNotFound)
}

func TestBindingValidation(t *testing.T) {
	c := qt.New(t)
	m, _ := newTestManager(t)
	ctx := context.Background()

	err := m.Bindings().Create(ctx, &Binding{AgentID: "a"})
	c.Assert(relay.CodeOf(err), qt.Equals, relay.CodeInvalidRequest)

	err = m.Bindings().Create(ctx, &Binding{AdapterID: "a1", AgentID: "a", SessionStrategy: "sticky"})
	c.Assert(relay.CodeOf(err), qt.Equals, relay.CodeInvalidRequest)
}

func TestWebhookRoutingRequiresRunningInstance(t *testing.T) {
	c := qt.New(t)
	m, _ := newTestManager(t)
	ctx := context.Background()

	err := m.HandleWebhook(ctx, "missing", nil, http.Header{})
	c.Assert(relay.CodeOf(err), qt.Equals, relay.CodeNotFound)

	// A stopped instance does not accept webhooks.
	c.Assert(m.Add(ctx, "fake", "a1", nil, false), qt.IsNil)
	err = m.HandleWebhook(ctx, "a1", nil, http.Header{})
	c.Assert(relay.CodeOf(err), qt.Equals, relay.CodeNotFound)

	// A running instance without the webhook capability is rejected.
	c.Assert(m.Enable(ctx, "a1"), qt.IsNil)
	err = m.HandleWebhook(ctx, "a1", nil, http.Header{})
	c.Assert(relay.CodeOf(err), qt.Equals, relay.CodeInvalidRequest)
}
