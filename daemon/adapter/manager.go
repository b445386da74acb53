package adapter

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
	"go4.org/syncutil"

	"github.com/dork-labs/relay/daemon/bus"
	"github.com/dork-labs/relay/daemon/relay"
)

// Manager owns every adapter instance: persisted configuration,
// lifecycle, and live status. It never dies on adapter errors; a
// failing adapter moves to the error state and stays managed.
type Manager struct {
	log      zerolog.Logger
	clock    clock.Clock
	configs  *ConfigStore
	bindings *BindingStore
	bus      *bus.Bus
	runtime  RuntimeDeps

	mu        sync.Mutex
	types     map[string]*registration
	typeOrder []string
	instances map[string]*instance

	// cleanupSessions is invoked with the surviving binding ids
	// after a binding is deleted, so session routers drop removed
	// pairings. Optional.
	cleanupSessions func(activeIDs []string)
}

// RuntimeDeps are the kernel hooks handed to running adapters.
type RuntimeDeps struct {
	Publish          PublishFunc
	Subscribe        SubscribeFunc
	RegisterEndpoint func(ctx context.Context, subject, description string) error
}

type registration struct {
	manifest *Manifest
	factory  Factory
}

type instance struct {
	mu         sync.Mutex
	rec        *Record
	manifest   *Manifest
	factory    Factory
	adapter    Adapter // nil while stopped
	state      State
	lastError  string
	errorCount int64
	inbound    atomic.Int64
	outbound   atomic.Int64
}

func NewManager(configs *ConfigStore, bindings *BindingStore, b *bus.Bus, deps RuntimeDeps, clk clock.Clock, log zerolog.Logger) *Manager {
	return &Manager{
		log:       log.With().Str("component", "adapters").Logger(),
		clock:     clk,
		configs:   configs,
		bindings:  bindings,
		bus:       b,
		runtime:   deps,
		types:     make(map[string]*registration),
		instances: make(map[string]*instance),
	}
}

// RegisterType adds an adapter type to the catalog. Types are
// registered at daemon construction, before Load.
func (m *Manager) RegisterType(manifest *Manifest, factory Factory) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.types[manifest.Type]; !ok {
		m.typeOrder = append(m.typeOrder, manifest.Type)
	}
	m.types[manifest.Type] = &registration{manifest: manifest, factory: factory}
}

// SetSessionCleanup installs the hook run after binding deletions.
func (m *Manager) SetSessionCleanup(fn func(activeIDs []string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cleanupSessions = fn
}

// Bindings exposes the binding store for read paths.
func (m *Manager) Bindings() *BindingStore { return m.bindings }

// Load builds instances from the persisted config records and starts
// the enabled ones. Records of unknown types are kept but reported as
// errored.
func (m *Manager) Load(ctx context.Context) error {
	recs, err := m.configs.List(ctx)
	if err != nil {
		return err
	}
	for _, rec := range recs {
		m.mu.Lock()
		reg, known := m.types[rec.Type]
		var inst *instance
		if known {
			inst = &instance{
				rec:      rec,
				manifest: reg.manifest,
				factory:  reg.factory,
				state:    StateDisconnected,
			}
			m.instances[rec.ID] = inst
		}
		m.mu.Unlock()

		if !known {
			m.log.Error().Str("adapter", rec.ID).Str("type", rec.Type).Msg("config references unknown adapter type")
			continue
		}
		if rec.Enabled {
			m.start(ctx, inst)
		}
	}
	return nil
}

// CatalogEntry is one adapter type plus its configured instances.
type CatalogEntry struct {
	Manifest  *Manifest         `json:"manifest"`
	Instances []InstanceSummary `json:"instances"`
}

// InstanceSummary is the catalog view of one configured instance.
type InstanceSummary struct {
	ID      string `json:"id"`
	Enabled bool   `json:"enabled"`
	State   State  `json:"state"`
}

// Catalog returns every registered type with its configured instances,
// in type registration order.
func (m *Manager) Catalog() []CatalogEntry {
	m.mu.Lock()
	defer m.mu.Unlock()

	byType := make(map[string][]InstanceSummary)
	for _, inst := range m.instances {
		inst.mu.Lock()
		byType[inst.rec.Type] = append(byType[inst.rec.Type], InstanceSummary{
			ID:      inst.rec.ID,
			Enabled: inst.rec.Enabled,
			State:   inst.state,
		})
		inst.mu.Unlock()
	}
	out := make([]CatalogEntry, 0, len(m.typeOrder))
	for _, typ := range m.typeOrder {
		instances := byType[typ]
		sort.Slice(instances, func(i, j int) bool { return instances[i].ID < instances[j].ID })
		if instances == nil {
			instances = []InstanceSummary{}
		}
		out = append(out, CatalogEntry{Manifest: m.types[typ].manifest, Instances: instances})
	}
	return out
}

// Add validates, persists, and (when enabled) starts a new instance.
func (m *Manager) Add(ctx context.Context, typ, id string, cfg map[string]any, enabled bool) error {
	if id == "" {
		return relay.Errorf(relay.CodeInvalidRequest, "adapter id must not be empty")
	}
	m.mu.Lock()
	reg, ok := m.types[typ]
	if !ok {
		m.mu.Unlock()
		return relay.Errorf(relay.CodeUnknownType, "unknown adapter type %q", typ)
	}
	if _, exists := m.instances[id]; exists {
		m.mu.Unlock()
		return relay.Errorf(relay.CodeDuplicateID, "adapter %q already exists", id)
	}
	if !reg.manifest.MultiInstance {
		for _, inst := range m.instances {
			if inst.rec.Type == typ {
				m.mu.Unlock()
				return relay.Errorf(relay.CodeMultiInstanceDenied, "adapter type %q allows a single instance", typ)
			}
		}
	}
	m.mu.Unlock()

	if cfg == nil {
		cfg = map[string]any{}
	}
	if err := reg.manifest.ValidateConfig(cfg); err != nil {
		return err
	}
	rec := &Record{ID: id, Type: typ, Enabled: enabled, Config: reg.manifest.Normalized(cfg)}
	if err := m.configs.Put(ctx, rec); err != nil {
		return err
	}

	inst := &instance{
		rec:      rec,
		manifest: reg.manifest,
		factory:  reg.factory,
		state:    StateDisconnected,
	}
	m.mu.Lock()
	m.instances[id] = inst
	m.mu.Unlock()

	if enabled {
		m.start(ctx, inst)
	}
	return nil
}

// Remove stops and deletes an instance. Built-in adapters cannot be
// removed, only disabled.
func (m *Manager) Remove(ctx context.Context, id string) error {
	inst, err := m.get(id)
	if err != nil {
		return err
	}
	if inst.manifest.Builtin {
		return relay.Errorf(relay.CodeRemoveBuiltinDenied, "built-in adapter %q cannot be removed", id)
	}

	m.stop(ctx, inst)
	if err := m.configs.Delete(ctx, id); err != nil {
		return err
	}
	m.mu.Lock()
	delete(m.instances, id)
	m.mu.Unlock()
	return nil
}

// UpdateConfig atomically stops the instance, persists the new config,
// and restarts it if enabled.
func (m *Manager) UpdateConfig(ctx context.Context, id string, cfg map[string]any) error {
	inst, err := m.get(id)
	if err != nil {
		return err
	}
	if err := inst.manifest.ValidateConfig(cfg); err != nil {
		return err
	}

	m.stop(ctx, inst)
	inst.mu.Lock()
	inst.rec.Config = inst.manifest.Normalized(cfg)
	rec := *inst.rec
	enabled := inst.rec.Enabled
	inst.mu.Unlock()
	if err := m.configs.Put(ctx, &rec); err != nil {
		return err
	}
	if enabled {
		m.start(ctx, inst)
	}
	return nil
}

// Enable marks the instance enabled and starts it. Enabling an
// already-enabled instance is a no-op.
func (m *Manager) Enable(ctx context.Context, id string) error {
	inst, err := m.get(id)
	if err != nil {
		return err
	}
	inst.mu.Lock()
	already := inst.rec.Enabled && inst.state == StateConnected
	inst.rec.Enabled = true
	rec := *inst.rec
	inst.mu.Unlock()
	if already {
		return nil
	}
	if err := m.configs.Put(ctx, &rec); err != nil {
		return err
	}
	m.start(ctx, inst)
	return nil
}

// Disable stops the instance and marks it disabled. Idempotent.
func (m *Manager) Disable(ctx context.Context, id string) error {
	inst, err := m.get(id)
	if err != nil {
		return err
	}
	inst.mu.Lock()
	already := !inst.rec.Enabled && inst.state == StateDisconnected
	inst.rec.Enabled = false
	rec := *inst.rec
	inst.mu.Unlock()
	if already {
		return nil
	}
	if err := m.configs.Put(ctx, &rec); err != nil {
		return err
	}
	m.stop(ctx, inst)
	return nil
}

// TestConnection exercises a type's probe against cfg without
// persisting anything.
func (m *Manager) TestConnection(ctx context.Context, typ string, cfg map[string]any) error {
	m.mu.Lock()
	reg, ok := m.types[typ]
	m.mu.Unlock()
	if !ok {
		return relay.Errorf(relay.CodeUnknownType, "unknown adapter type %q", typ)
	}
	if cfg == nil {
		cfg = map[string]any{}
	}
	if err := reg.manifest.ValidateConfig(cfg); err != nil {
		return err
	}
	probe, err := reg.factory("probe", reg.manifest.Normalized(cfg), m.log)
	if err != nil {
		return err
	}
	return probe.Probe(ctx)
}

// Reload stops every instance, re-reads the persisted configs, and
// restarts the enabled ones.
func (m *Manager) Reload(ctx context.Context) error {
	m.StopAll(ctx)
	m.mu.Lock()
	m.instances = make(map[string]*instance)
	m.mu.Unlock()
	return m.Load(ctx)
}

// StopAll stops every running instance concurrently. Used by Reload
// and daemon shutdown.
func (m *Manager) StopAll(ctx context.Context) {
	m.mu.Lock()
	insts := make([]*instance, 0, len(m.instances))
	for _, inst := range m.instances {
		insts = append(insts, inst)
	}
	m.mu.Unlock()

	var grp syncutil.Group
	for _, inst := range insts {
		inst := inst
		grp.Go(func() error {
			m.stop(ctx, inst)
			return nil
		})
	}
	_ = grp.Err()
}

// Statuses returns the live status of every instance, ordered by id.
func (m *Manager) Statuses() []Status {
	m.mu.Lock()
	insts := make([]*instance, 0, len(m.instances))
	for _, inst := range m.instances {
		insts = append(insts, inst)
	}
	m.mu.Unlock()

	out := make([]Status, 0, len(insts))
	for _, inst := range insts {
		out = append(out, inst.status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Status returns the live status of one instance.
func (m *Manager) Status(id string) (Status, error) {
	inst, err := m.get(id)
	if err != nil {
		return Status{}, err
	}
	return inst.status(), nil
}

// Config returns the persisted record of one instance.
func (m *Manager) Config(id string) (*Record, error) {
	inst, err := m.get(id)
	if err != nil {
		return nil, err
	}
	inst.mu.Lock()
	defer inst.mu.Unlock()
	rec := *inst.rec
	return &rec, nil
}

// HandleWebhook routes a raw webhook request to the adapter's inbound
// handler. The adapter authenticates the payload itself.
func (m *Manager) HandleWebhook(ctx context.Context, id string, body []byte, headers http.Header) error {
	inst, err := m.get(id)
	if err != nil {
		return err
	}
	inst.mu.Lock()
	a, state := inst.adapter, inst.state
	inst.mu.Unlock()
	if a == nil || state != StateConnected {
		return relay.Errorf(relay.CodeNotFound, "adapter %q is not running", id)
	}
	h, ok := a.(InboundHandler)
	if !ok {
		return relay.Errorf(relay.CodeInvalidRequest, "adapter %q does not accept webhooks", id)
	}
	if err := h.HandleInbound(ctx, body, headers); err != nil {
		m.reportError(inst, err)
		return err
	}
	return nil
}

// DeleteBinding removes a binding and runs the session cleanup hook
// with the ids that remain active.
func (m *Manager) DeleteBinding(ctx context.Context, id string) error {
	existed, err := m.bindings.Delete(ctx, id)
	if err != nil {
		return err
	}
	if !existed {
		return relay.ErrBindingNotFound
	}
	remaining, err := m.bindings.List(ctx)
	if err != nil {
		return err
	}
	m.mu.Lock()
	cleanup := m.cleanupSessions
	m.mu.Unlock()
	if cleanup != nil {
		active := make([]string, 0, len(remaining))
		for _, b := range remaining {
			active = append(active, b.ID)
		}
		cleanup(active)
	}
	return nil
}

func (m *Manager) get(id string) (*instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, ok := m.instances[id]
	if !ok {
		return nil, relay.ErrAdapterNotFound
	}
	return inst, nil
}

func (m *Manager) start(ctx context.Context, inst *instance) {
	inst.mu.Lock()
	if inst.state == StateConnected || inst.state == StateStarting {
		inst.mu.Unlock()
		return
	}
	inst.state = StateStarting
	rec := *inst.rec
	inst.mu.Unlock()

	a, err := inst.factory(rec.ID, rec.Config, m.log.With().Str("adapter", rec.ID).Logger())
	if err != nil {
		m.reportError(inst, err)
		return
	}
	rt := &Runtime{
		ID:               rec.ID,
		Log:              m.log.With().Str("adapter", rec.ID).Logger(),
		Publish:          m.runtime.Publish,
		Subscribe:        m.runtime.Subscribe,
		RegisterEndpoint: m.runtime.RegisterEndpoint,
		ReportError:      func(err error) { m.reportError(inst, err) },
		CountInbound:     func() { inst.inbound.Add(1) },
		CountOutbound:    func() { inst.outbound.Add(1) },
	}
	if err := a.Start(ctx, rt); err != nil {
		m.reportError(inst, err)
		return
	}

	inst.mu.Lock()
	inst.adapter = a
	inst.state = StateConnected
	inst.lastError = ""
	inst.mu.Unlock()
	m.log.Info().Str("adapter", rec.ID).Str("type", rec.Type).Msg("adapter started")
}

func (m *Manager) stop(ctx context.Context, inst *instance) {
	inst.mu.Lock()
	a := inst.adapter
	if a == nil {
		inst.state = StateDisconnected
		inst.mu.Unlock()
		return
	}
	inst.state = StateStopping
	inst.adapter = nil
	id := inst.rec.ID
	inst.mu.Unlock()

	if err := a.Stop(ctx); err != nil {
		m.log.Error().Err(err).Str("adapter", id).Msg("adapter stop failed")
	}
	inst.mu.Lock()
	inst.state = StateDisconnected
	inst.mu.Unlock()
	m.log.Info().Str("adapter", id).Msg("adapter stopped")
}

// reportError moves the instance to the error state and emits an
// adapter_error signal. The manager itself keeps running.
func (m *Manager) reportError(inst *instance, err error) {
	inst.mu.Lock()
	inst.state = StateError
	inst.lastError = err.Error()
	inst.errorCount++
	id := inst.rec.ID
	inst.mu.Unlock()

	m.log.Error().Err(err).Str("adapter", id).Msg("adapter error")
	m.bus.EmitSignal(relay.Signal{
		Type:         relay.SignalAdapterError,
		Subject:      "relay.adapter." + id,
		SubscriberID: id,
		Error:        err.Error(),
		At:           m.clock.Now().UTC(),
	})
}

func (inst *instance) status() Status {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	return Status{
		ID:          inst.rec.ID,
		Type:        inst.rec.Type,
		DisplayName: inst.manifest.DisplayName,
		State:       inst.state,
		MessageCount: MessageCount{
			Inbound:  inst.inbound.Load(),
			Outbound: inst.outbound.Load(),
		},
		ErrorCount: inst.errorCount,
		LastError:  inst.lastError,
	}
}
