// Package seigyo is the public API for embedding the seigyo governance engine.
//
// Consumers construct an App and run it over one of two transports:
//
//	app, err := seigyo.New(
//	    seigyo.WithVersion(version),
//	    seigyo.WithLogger(logger),
//	)
//	if err != nil { ... }
//	if err := app.Run(ctx); err != nil { ... }       // HTTP + StreamableHTTP MCP
//	if err := app.RunStdio(ctx); err != nil { ... }  // stdio MCP, one worker per caller
//
// The import graph enforces a strict no-cycle rule: seigyo (root) imports
// internal/*, but internal/* never imports seigyo (root).
package seigyo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/kanshi-ai/seigyo/internal/audit"
	"github.com/kanshi-ai/seigyo/internal/config"
	"github.com/kanshi-ai/seigyo/internal/engine"
	"github.com/kanshi-ai/seigyo/internal/liveness"
	"github.com/kanshi-ai/seigyo/internal/mcp"
	"github.com/kanshi-ai/seigyo/internal/policy"
	"github.com/kanshi-ai/seigyo/internal/server"
	"github.com/kanshi-ai/seigyo/internal/store"
	"github.com/kanshi-ai/seigyo/internal/telemetry"
)

// App is the seigyo service lifecycle. Construct with New(), run with Run()
// or RunStdio(). App has no public fields — use New() options to configure it.
type App struct {
	cfg          config.Config
	st           *store.Store
	sink         *audit.Sink
	policies     *policy.Store
	eng          *engine.Engine
	tracker      *liveness.Tracker
	mcpSrv       *mcp.Server
	srv          *server.Server
	otelShutdown telemetry.Shutdown
	logger       *slog.Logger
	version      string
}

// New initialises the service: data directory, audit database, policy store,
// engine, and both transports. It does NOT start any goroutines or accept
// connections — call Run or RunStdio.
func New(opts ...Option) (*App, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if o.port != 0 {
		cfg.Port = o.port
	}
	if o.dataDir != "" {
		cfg.DataDir = o.dataDir
	}
	if o.policyPath != "" {
		cfg.PolicyPath = o.policyPath
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	logger.Info("seigyo starting", "version", version, "data_dir", cfg.DataDir)

	otelShutdown, err := telemetry.Init(context.Background(), cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	st, err := store.New(cfg.DataDir, store.Options{
		AgentLockTimeout:     cfg.AgentLockTimeout,
		MetadataReadTimeout:  cfg.MetadataReadTimeout,
		MetadataWriteTimeout: cfg.MetadataWriteTimeout,
	}, logger)
	if err != nil {
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("store: %w", err)
	}

	sink, err := audit.New(filepath.Join(cfg.DataDir, "audit.db"), logger)
	if err != nil {
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("audit: %w", err)
	}

	// Policy: config defaults, then the policy file when configured. A bad
	// file at startup is a hard error; at runtime the watcher keeps the last
	// good policy instead.
	pol := policy.Default(cfg)
	if cfg.PolicyPath != "" {
		pol, err = policy.LoadFile(cfg.PolicyPath)
		if err != nil {
			_ = sink.Close()
			_ = otelShutdown(context.Background())
			return nil, fmt.Errorf("policy: %w", err)
		}
		logger.Info("policy loaded from file", "path", cfg.PolicyPath)
	}
	policies, err := policy.NewStore(pol)
	if err != nil {
		_ = sink.Close()
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("policy: %w", err)
	}

	metrics := engine.NewMetrics(logger)

	eng := engine.New(st, sink, policies, engine.Config{
		DT:            cfg.DT,
		VoidThreshold: cfg.VoidThreshold,
		HistoryDepth:  cfg.HistoryDepth,
		MaxVectorLen:  cfg.MaxVectorLen,
	}, metrics, logger)

	tracker := liveness.New(st.HeartbeatDir(), liveness.Options{
		Interval:   cfg.HeartbeatInterval,
		Staleness:  cfg.StalenessThreshold,
		MaxWorkers: cfg.MaxWorkers,
		Grace:      cfg.ReapGracePeriod,
	}, logger)
	tracker.OnReap = func(pid int) {
		metrics.Reaped(context.Background(), 1)
		sink.TryAppend(context.Background(), audit.Record{
			Event:  audit.EventReap,
			Reason: fmt.Sprintf("reaped stale worker pid %d", pid),
		})
	}

	mcpSrv := mcp.New(eng, logger, version)

	srv := server.New(server.Config{
		Engine:       eng,
		Tracker:      tracker,
		Logger:       logger,
		MCPServer:    mcpSrv.MCPServer(),
		Port:         cfg.Port,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		MaxBodyBytes: cfg.MaxRequestBodyBytes,
		Version:      version,
	})

	return &App{
		cfg:          cfg,
		st:           st,
		sink:         sink,
		policies:     policies,
		eng:          eng,
		tracker:      tracker,
		mcpSrv:       mcpSrv,
		srv:          srv,
		otelShutdown: otelShutdown,
		logger:       logger,
		version:      version,
	}, nil
}

// Engine exposes the governance engine for embedding consumers.
func (a *App) Engine() *engine.Engine { return a.eng }

// Handler returns the root HTTP handler for use in tests.
func (a *App) Handler() http.Handler { return a.srv.Handler() }

// Run starts the background loops and the HTTP server, then blocks until ctx
// is cancelled or a fatal error occurs. Shutdown happens on return — callers
// should not call Shutdown separately.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	a.startBackground(g, gctx)

	g.Go(func() error {
		if err := a.srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return a.srv.Shutdown(shutdownCtx)
	})

	err := g.Wait()
	a.close()
	return err
}

// RunStdio serves MCP over stdin/stdout while keeping the heartbeat, reaper,
// and policy watcher running. This is the per-worker transport: many such
// processes share one data directory.
func (a *App) RunStdio(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	// The background loops must stop when stdin closes, not only when the
	// caller cancels: a worker whose client disconnected would otherwise
	// linger forever, refreshing its own heartbeat and never going stale.
	bgCtx, stop := context.WithCancel(gctx)
	defer stop()
	a.startBackground(g, bgCtx)

	g.Go(func() error {
		// ServeStdio returns when stdin closes; treat that as a clean exit.
		defer stop()
		if err := a.mcpSrv.ServeStdio(); err != nil && gctx.Err() == nil {
			return fmt.Errorf("mcp stdio: %w", err)
		}
		return nil
	})

	err := g.Wait()
	a.close()
	return err
}

// startBackground launches the loops common to both transports: the
// heartbeat, the stale-worker reaper, and the policy file watcher.
func (a *App) startBackground(g *errgroup.Group, ctx context.Context) {
	g.Go(func() error {
		return a.tracker.Run(ctx)
	})
	g.Go(func() error {
		a.reapLoop(ctx)
		return nil
	})
	if a.cfg.PolicyPath != "" {
		g.Go(func() error {
			return policy.Watch(ctx, a.policies, a.cfg.PolicyPath, a.logger)
		})
	}
}

// reapLoop runs one reap pass at startup and then on every heartbeat
// interval. Reaping is cooperative across workers: every process runs the
// same pass, and record removal is idempotent.
func (a *App) reapLoop(ctx context.Context) {
	reap := func() {
		if n, err := a.tracker.Reap(ctx); err != nil {
			a.logger.Warn("reap pass failed", "error", err)
		} else if n > 0 {
			a.logger.Info("reap pass complete", "reaped", n)
		}
	}
	reap()
	ticker := time.NewTicker(a.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			reap()
		}
	}
}

// close releases the resources New acquired.
func (a *App) close() {
	a.logger.Info("seigyo shutting down")
	if err := a.sink.Close(); err != nil {
		a.logger.Warn("audit close failed", "error", err)
	}
	_ = a.otelShutdown(context.Background())
	a.logger.Info("seigyo stopped")
}
