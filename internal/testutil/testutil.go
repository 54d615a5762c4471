// Package testutil provides shared fixtures for package tests: a discard
// logger, a baseline configuration, and a fully wired engine over a temp
// data directory.
package testutil

import (
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/kanshi-ai/seigyo/internal/audit"
	"github.com/kanshi-ai/seigyo/internal/config"
	"github.com/kanshi-ai/seigyo/internal/engine"
	"github.com/kanshi-ai/seigyo/internal/policy"
	"github.com/kanshi-ai/seigyo/internal/store"
)

// TestLogger returns a logger that discards all output.
func TestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// BaseConfig returns the default configuration without consulting the
// environment, rooted at the given data directory.
func BaseConfig(dataDir string) config.Config {
	return config.Config{
		Port:                 8080,
		ReadTimeout:          30 * time.Second,
		WriteTimeout:         30 * time.Second,
		DataDir:              dataDir,
		AgentLockTimeout:     5 * time.Second,
		MetadataReadTimeout:  2 * time.Second,
		MetadataWriteTimeout: 5 * time.Second,
		DT:                   1.0,
		VoidThreshold:        0.15,
		HistoryDepth:         32,
		ControllerPeriod:     10,
		ConfidenceThreshold:  0.8,
		Lambda1Min:           0.05,
		Lambda1Max:           0.20,
		Lambda1MaxStep:       0.01,
		HeartbeatInterval:    30 * time.Second,
		StalenessThreshold:   5 * time.Minute,
		MaxWorkers:           8,
		ReapGracePeriod:      5 * time.Second,
		ServiceName:          "seigyo-test",
		LogLevel:             "info",
		MaxVectorLen:         64,
		MaxRequestBodyBytes:  1 << 20,
	}
}

// Fixture is a wired engine over a temp data directory.
type Fixture struct {
	Cfg      config.Config
	Store    *store.Store
	Sink     *audit.Sink
	Policies *policy.Store
	Engine   *engine.Engine
}

// NewFixture builds a Fixture rooted in t.TempDir(). Cleanup is registered
// on t.
func NewFixture(t *testing.T) *Fixture {
	t.Helper()
	logger := TestLogger()
	cfg := BaseConfig(t.TempDir())

	st, err := store.New(cfg.DataDir, store.Options{
		AgentLockTimeout:     cfg.AgentLockTimeout,
		MetadataReadTimeout:  cfg.MetadataReadTimeout,
		MetadataWriteTimeout: cfg.MetadataWriteTimeout,
	}, logger)
	if err != nil {
		t.Fatalf("create store: %v", err)
	}

	sink, err := audit.New(filepath.Join(cfg.DataDir, "audit.db"), logger)
	if err != nil {
		t.Fatalf("create audit sink: %v", err)
	}
	t.Cleanup(func() { _ = sink.Close() })

	policies, err := policy.NewStore(policy.Default(cfg))
	if err != nil {
		t.Fatalf("create policy store: %v", err)
	}

	eng := engine.New(st, sink, policies, engine.Config{
		DT:            cfg.DT,
		VoidThreshold: cfg.VoidThreshold,
		HistoryDepth:  cfg.HistoryDepth,
		MaxVectorLen:  cfg.MaxVectorLen,
	}, engine.NewMetrics(logger), logger)

	return &Fixture{
		Cfg:      cfg,
		Store:    st,
		Sink:     sink,
		Policies: policies,
		Engine:   eng,
	}
}
