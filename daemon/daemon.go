// Package daemon assembles the relay kernel: storage, bus, engine,
// adapters, and the HTTP/SSE edge, constructed in dependency order and
// shut down in reverse.
package daemon

import (
	"context"
	"database/sql"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"

	"github.com/dork-labs/relay/daemon/adapter"
	"github.com/dork-labs/relay/daemon/api"
	"github.com/dork-labs/relay/daemon/bus"
	"github.com/dork-labs/relay/daemon/deadletter"
	"github.com/dork-labs/relay/daemon/endpoint"
	"github.com/dork-labs/relay/daemon/engine"
	"github.com/dork-labs/relay/daemon/msgstore"
	"github.com/dork-labs/relay/daemon/sqlitedb"
	"github.com/dork-labs/relay/daemon/tracestore"
	"github.com/dork-labs/relay/internal/conf"
)

// shutdownTimeout bounds how long the edge waits for in-flight
// requests on shutdown.
const shutdownTimeout = 5 * time.Second

// Daemon is one assembled relay kernel.
type Daemon struct {
	log zerolog.Logger
	cfg *conf.Config

	db          *sql.DB
	clock       clock.Clock
	bus         *bus.Bus
	messages    *msgstore.Store
	endpoints   *endpoint.Registry
	deadLetters *deadletter.Store
	traces      *tracestore.Store
	engine      *engine.Engine
	adapters    *adapter.Manager
	edge        *api.Server
}

// New validates cfg, opens and migrates the store, and constructs
// every subsystem. Nothing is listening yet; Run starts the daemon.
func New(cfg *conf.Config, log zerolog.Logger) (*Daemon, error) {
	if err := conf.Validate(cfg); err != nil {
		return nil, err
	}

	storePath := cfg.StorePath
	if storePath == "" {
		dir, err := conf.Dir()
		if err != nil {
			return nil, errors.Wrap(err, "resolve config dir")
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errors.Wrap(err, "create config dir")
		}
		storePath = filepath.Join(dir, "relay.db")
	}
	db, err := sqlitedb.Open(storePath)
	if err != nil {
		return nil, err
	}

	clk := clock.New()
	d := &Daemon{
		log:         log,
		cfg:         cfg,
		db:          db,
		clock:       clk,
		bus:         bus.New(clk, log, time.Duration(cfg.HandlerBudgetMs)*time.Millisecond),
		messages:    msgstore.New(db),
		endpoints:   endpoint.New(db, clk),
		deadLetters: deadletter.New(db),
		traces:      tracestore.New(db, clk, log),
	}
	d.engine = engine.New(engine.Config{
		Workers:     cfg.EngineWorkers,
		Clock:       clk,
		Log:         log,
		Messages:    d.messages,
		Endpoints:   d.endpoints,
		DeadLetters: d.deadLetters,
		Traces:      d.traces,
		Bus:         d.bus,
	})

	d.adapters = adapter.NewManager(
		adapter.NewConfigStore(db, clk),
		adapter.NewBindingStore(db),
		d.bus,
		adapter.RuntimeDeps{
			Publish:   d.engine.Publish,
			Subscribe: d.bus.Subscribe,
			RegisterEndpoint: func(ctx context.Context, subj, desc string) error {
				_, err := d.endpoints.Register(ctx, subj, desc)
				return err
			},
		},
		clk, log)
	d.adapters.RegisterType(adapter.ConsoleManifest(), adapter.NewConsole)
	d.adapters.RegisterType(adapter.TelegramManifest(), adapter.NewTelegram)
	d.adapters.RegisterType(adapter.WebhookManifest(), adapter.NewWebhook)

	d.edge = api.New(api.Config{
		Enabled:     cfg.Enabled,
		Log:         log,
		Clock:       clk,
		Engine:      d.engine,
		Bus:         d.bus,
		Messages:    d.messages,
		Endpoints:   d.endpoints,
		DeadLetters: d.deadLetters,
		Traces:      d.traces,
		Adapters:    d.adapters,
	})
	return d, nil
}

// Run starts the daemon and blocks until ctx is cancelled or the
// listener fails, then shuts everything down in reverse order:
// edge, adapters, engine, pruner, database.
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.adapters.Load(ctx); err != nil {
		return err
	}

	pruneCtx, stopPruner := context.WithCancel(context.Background())
	prunerDone := make(chan struct{})
	go func() {
		defer close(prunerDone)
		retention := time.Duration(d.cfg.TraceRetentionDays) * 24 * time.Hour
		d.traces.RunPruner(pruneCtx, retention)
	}()

	srv := &http.Server{
		Addr:    d.cfg.HTTPAddr,
		Handler: d.edge.Handler(),
	}
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.ListenAndServe()
	}()
	d.log.Info().
		Str("addr", d.cfg.HTTPAddr).
		Bool("enabled", d.cfg.Enabled).
		Msg("relay daemon listening")

	var runErr error
	select {
	case <-ctx.Done():
	case err := <-serveErr:
		runErr = errors.Wrap(err, "http server")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		d.log.Error().Err(err).Msg("edge shutdown incomplete")
	}
	d.adapters.StopAll(shutdownCtx)
	if err := d.engine.Close(); err != nil {
		d.log.Error().Err(err).Msg("engine shutdown incomplete")
	}
	stopPruner()
	<-prunerDone
	if err := d.db.Close(); err != nil {
		d.log.Error().Err(err).Msg("closing database failed")
	}
	d.log.Info().Msg("relay daemon stopped")
	return runErr
}
