package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/kanshi-ai/seigyo"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run0())
}

func run0() int {
	transport := flag.String("transport", envOr("SEIGYO_TRANSPORT", "http"), "transport to serve: http or stdio")
	flag.Parse()

	level := slog.LevelInfo
	if os.Getenv("SEIGYO_LOG_LEVEL") == "debug" {
		level = slog.LevelDebug
	}
	// In stdio mode stdout belongs to the MCP protocol, so logs go to stderr.
	logDst := os.Stdout
	if *transport == "stdio" {
		logDst = os.Stderr
	}
	logger := slog.New(slog.NewJSONHandler(logDst, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, logger, *transport); err != nil {
		slog.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

func run(ctx context.Context, logger *slog.Logger, transport string) error {
	app, err := seigyo.New(
		seigyo.WithLogger(logger),
		seigyo.WithVersion(version),
	)
	if err != nil {
		return err
	}

	switch transport {
	case "http":
		return app.Run(ctx)
	case "stdio":
		return app.RunStdio(ctx)
	default:
		return fmt.Errorf("unknown transport %q (want http or stdio)", transport)
	}
}

func envOr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
