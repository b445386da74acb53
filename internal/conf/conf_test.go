package conf

import (
	"os"
	"path/filepath"
	"testing"

	qt "github.com/frankban/quicktest"
)

func TestDefaults(t *testing.T) {
	c := qt.New(t)
	cfg, err := load()
	c.Assert(err, qt.IsNil)
	c.Assert(cfg.Enabled, qt.IsTrue)
	c.Assert(cfg.HTTPAddr, qt.Equals, "127.0.0.1:4600")
	c.Assert(cfg.TraceRetentionDays, qt.Equals, 7)
	c.Assert(cfg.HandlerBudgetMs, qt.Equals, 250)
	c.Assert(cfg.EngineWorkers, qt.Equals, 4)
	c.Assert(Validate(cfg), qt.IsNil)
}

func TestFileOverride(t *testing.T) {
	c := qt.New(t)
	path := filepath.Join(t.TempDir(), "config.toml")
	data := []byte("\"relay.enabled\" = false\n\"engine.workers\" = 8\n")
	c.Assert(os.WriteFile(path, data, 0644), qt.IsNil)

	cfg, err := load(path)
	c.Assert(err, qt.IsNil)
	c.Assert(cfg.Enabled, qt.IsFalse)
	c.Assert(cfg.EngineWorkers, qt.Equals, 8)
	// Untouched keys keep their defaults.
	c.Assert(cfg.HandlerBudgetMs, qt.Equals, 250)
}

func TestMissingFileIgnored(t *testing.T) {
	c := qt.New(t)
	cfg, err := load(filepath.Join(t.TempDir(), "does-not-exist.toml"))
	c.Assert(err, qt.IsNil)
	c.Assert(cfg.Enabled, qt.IsTrue)
}

func TestEnvOverride(t *testing.T) {
	c := qt.New(t)
	t.Setenv("RELAY_ENABLED", "false")
	t.Setenv("RELAY_HTTP_ADDR", "127.0.0.1:9999")
	t.Setenv("RELAY_ENGINE_WORKERS", "2")

	cfg, err := load()
	c.Assert(err, qt.IsNil)
	c.Assert(cfg.Enabled, qt.IsFalse)
	c.Assert(cfg.HTTPAddr, qt.Equals, "127.0.0.1:9999")
	c.Assert(cfg.EngineWorkers, qt.Equals, 2)
}

func TestEnvInvalid(t *testing.T) {
	c := qt.New(t)
	t.Setenv("RELAY_ENGINE_WORKERS", "not-a-number")
	_, err := load()
	c.Assert(err, qt.IsNotNil)
}

func TestValidate(t *testing.T) {
	c := qt.New(t)
	bad := []Config{
		{TraceRetentionDays: 0, HandlerBudgetMs: 250, EngineWorkers: 4, HTTPAddr: "x"},
		{TraceRetentionDays: 7, HandlerBudgetMs: 0, EngineWorkers: 4, HTTPAddr: "x"},
		{TraceRetentionDays: 7, HandlerBudgetMs: 250, EngineWorkers: 0, HTTPAddr: "x"},
		{TraceRetentionDays: 7, HandlerBudgetMs: 250, EngineWorkers: 65, HTTPAddr: "x"},
		{TraceRetentionDays: 7, HandlerBudgetMs: 250, EngineWorkers: 4, HTTPAddr: ""},
	}
	for _, cfg := range bad {
		c.Assert(Validate(&cfg), qt.IsNotNil)
	}
}
