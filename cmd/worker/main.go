// The darwin worker binary runs only the queue consumers: embedding and
// clustering off queue:to-embed, classification and task materialization off
// queue:to-classify. Deploy it separately when the API tier should not carry
// pipeline load.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/darwin-engine/darwin/internal/app"
	"github.com/darwin-engine/darwin/internal/config"
	"github.com/darwin-engine/darwin/internal/observability"
)

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
	logger := observability.NewStandardLoggerWithLevel("darwin-worker", observability.ParseLogLevel(cfg.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("startup failed", map[string]interface{}{"error": err.Error()})
		return exitCode(err)
	}
	defer a.Close()

	if err := a.RunWorkers(ctx); err != nil {
		logger.Error("workers exited", map[string]interface{}{"error": err.Error()})
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
