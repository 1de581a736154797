package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/darwin-engine/darwin/internal/observability"
)

// DefaultRestartCooldown spaces out restarts of a crashing worker.
const DefaultRestartCooldown = 5 * time.Second

// Runnable is a long-lived loop the supervisor keeps alive.
type Runnable interface {
	Name() string
	Run(ctx context.Context) error
}

// Supervise runs r until ctx ends, restarting it after a cooldown whenever
// it returns or panics. Clean shutdown (context cancellation) returns nil.
func Supervise(ctx context.Context, r Runnable, cooldown time.Duration, logger observability.Logger) error {
	if cooldown <= 0 {
		cooldown = DefaultRestartCooldown
	}
	log := logger.WithPrefix("supervisor")
	for {
		err := runRecovered(ctx, r)
		if ctx.Err() != nil {
			log.Info("worker stopped", map[string]interface{}{"worker": r.Name()})
			return nil
		}
		log.Error("worker exited, restarting", map[string]interface{}{
			"worker":   r.Name(),
			"error":    errString(err),
			"cooldown": cooldown.String(),
		})
		sleep(ctx, cooldown)
	}
}

// runRecovered converts a worker panic into an error so one bad item cannot
// take the process down.
func runRecovered(ctx context.Context, r Runnable) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("worker %s panicked: %v", r.Name(), rec)
		}
	}()
	return r.Run(ctx)
}

func errString(err error) string {
	if err == nil {
		return "<nil>"
	}
	return err.Error()
}
