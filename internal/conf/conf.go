// Package conf loads the relay daemon configuration.
//
// Values come from (in order of increasing precedence) built-in defaults,
// TOML config files, and RELAY_-prefixed environment variables.
package conf

import (
	"io/fs"
	"os"
	"path/filepath"
	"strconv"

	"github.com/cockroachdb/errors"
	"github.com/knadh/koanf/parsers/toml/v2"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

// Config describes the configuration structure we support.
type Config struct {
	// Enabled gates the relay kernel. When false the HTTP edge
	// answers 503 for every /relay/* path.
	Enabled bool `koanf:"relay.enabled"`

	// StorePath is the sqlite database location.
	// Empty means <config-dir>/relay.db.
	StorePath string `koanf:"store.path"`

	// HTTPAddr is the listen address for the HTTP/SSE edge.
	HTTPAddr string `koanf:"http.addr"`

	// LogFile duplicates daemon logs to a file when set.
	// Empty means <config-dir>/daemon.log.
	LogFile string `koanf:"log.file"`

	// TraceRetentionDays is how long trace spans are kept before
	// the hourly pruner removes them.
	TraceRetentionDays int `koanf:"trace.retention_days"`

	// HandlerBudgetMs bounds how long a subscriber handler may run
	// before the bus drops the delivery and signals backpressure.
	HandlerBudgetMs int `koanf:"bus.handler_budget_ms"`

	// EngineWorkers is the number of delivery engine workers.
	EngineWorkers int `koanf:"engine.workers"`
}

var defaults = []byte(`
"relay.enabled" = true
"http.addr" = "127.0.0.1:4600"
"trace.retention_days" = 7
"bus.handler_budget_ms" = 250
"engine.workers" = 4
`)

// Dir reports the directory where relay stores its configuration,
// database, and logs.
func Dir() (string, error) {
	if dir := os.Getenv("RELAY_CONFIG_DIR"); dir != "" {
		return dir, nil
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "relay"), nil
}

var tomlParser = toml.Parser()

// Load reads the configuration from defaults, config files, and the
// environment. Missing config files are not an error.
func Load() (*Config, error) {
	paths, err := configPaths()
	if err != nil {
		return nil, err
	}
	return load(paths...)
}

func configPaths() ([]string, error) {
	dir, err := Dir()
	if err != nil {
		return nil, err
	}
	return []string{filepath.Join(dir, "config.toml")}, nil
}

func load(paths ...string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(rawbytes.Provider(defaults), tomlParser); err != nil {
		return nil, errors.Wrap(err, "unable to load default config")
	}
	for _, path := range paths {
		f := file.Provider(path)
		err := k.Load(f, tomlParser)
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, errors.Wrap(err, "unable to parse config file")
		}
	}

	cfg := &Config{}
	err := k.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{
		Tag:       "koanf",
		FlatPaths: true,
	})
	if err != nil {
		return nil, errors.Wrap(err, "unable to unmarshal config")
	}
	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overlays RELAY_-prefixed environment variables on cfg.
func applyEnv(cfg *Config) error {
	if v, ok := os.LookupEnv("RELAY_ENABLED"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return errors.Wrapf(err, "invalid RELAY_ENABLED %q", v)
		}
		cfg.Enabled = b
	}
	if v, ok := os.LookupEnv("RELAY_STORE_PATH"); ok {
		cfg.StorePath = v
	}
	if v, ok := os.LookupEnv("RELAY_HTTP_ADDR"); ok {
		cfg.HTTPAddr = v
	}
	if v, ok := os.LookupEnv("RELAY_LOG_FILE"); ok {
		cfg.LogFile = v
	}
	for _, e := range []struct {
		name string
		dst  *int
	}{
		{"RELAY_TRACE_RETENTION_DAYS", &cfg.TraceRetentionDays},
		{"RELAY_HANDLER_BUDGET_MS", &cfg.HandlerBudgetMs},
		{"RELAY_ENGINE_WORKERS", &cfg.EngineWorkers},
	} {
		if v, ok := os.LookupEnv(e.name); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				return errors.Wrapf(err, "invalid %s %q", e.name, v)
			}
			*e.dst = n
		}
	}
	return nil
}

// Validate checks the loaded configuration for values the daemon
// cannot start with.
func Validate(cfg *Config) error {
	if cfg.TraceRetentionDays < 1 {
		return errors.Newf("trace.retention_days must be >= 1, got %d", cfg.TraceRetentionDays)
	}
	if cfg.HandlerBudgetMs < 1 {
		return errors.Newf("bus.handler_budget_ms must be >= 1, got %d", cfg.HandlerBudgetMs)
	}
	if cfg.EngineWorkers < 1 || cfg.EngineWorkers > 64 {
		return errors.Newf("engine.workers must be in [1,64], got %d", cfg.EngineWorkers)
	}
	if cfg.HTTPAddr == "" {
		return errors.New("http.addr must not be empty")
	}
	return nil
}
