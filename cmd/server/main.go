// The darwin server binary runs the HTTP API and, unless disabled via
// ENABLE_WORKERS=false, the queue workers in the same process.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/darwin-engine/darwin/internal/app"
	"github.com/darwin-engine/darwin/internal/config"
	"github.com/darwin-engine/darwin/internal/observability"
)

// Exit codes: 1 configuration or usage, 2 store unreachable, 3 provider
// construction failure.
const (
	exitConfig   = 1
	exitStore    = 2
	exitProvider = 3
)

func main() {
	os.Exit(run())
}

func run() int {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		return exitConfig
	}
	logger := observability.NewStandardLoggerWithLevel("darwin", observability.ParseLogLevel(cfg.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("startup failed", map[string]interface{}{"error": err.Error()})
		return exitCode(err)
	}
	defer a.Close()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(a.Server.Start)
	g.Go(func() error {
		<-ctx.Done()
		return a.Server.Shutdown(context.Background())
	})
	if cfg.EnableWorkers {
		g.Go(func() error { return a.RunWorkers(ctx) })
	}

	if err := g.Wait(); err != nil {
		logger.Error("server exited", map[string]interface{}{"error": err.Error()})
		return exitCode(err)
	}
	logger.Info("shutdown complete", nil)
	return 0
}

func exitCode(err error) int {
	switch {
	case errors.Is(err, app.ErrStoreUnavailable):
		return exitStore
	case errors.Is(err, app.ErrProviderUnavailable):
		return exitProvider
	default:
		return exitConfig
	}
}
