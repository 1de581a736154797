package worker

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/darwin-engine/darwin/internal/observability"
)

const (
	// transientAttempts is the retry budget for provider calls before an
	// item escalates to the dead-letter queue.
	transientAttempts = 5

	retryBase = 500 * time.Millisecond
	retryCap  = 30 * time.Second
)

// transientBackoff is the shared schedule for provider and store hiccups:
// exponential from 500ms, capped at 30s, no elapsed-time cutoff.
func transientBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = retryBase
	b.MaxInterval = retryCap
	b.MaxElapsedTime = 0
	return b
}

// retryFunc is the retry strategy a worker applies to provider and store
// calls. Tests substitute immediate variants.
type retryFunc func(ctx context.Context, worker string, metrics *observability.Metrics, op func() error) error

// backoffPermanent marks err as non-retriable for either retry schedule.
func backoffPermanent(err error) error {
	return backoff.Permanent(err)
}

// retryTransient runs op under the bounded provider schedule. The returned
// error is the last attempt's when the budget runs out or ctx ends. Items
// whose provider budget runs out escalate to the dead-letter queue.
func retryTransient(ctx context.Context, worker string, metrics *observability.Metrics, op func() error) error {
	schedule := backoff.WithContext(backoff.WithMaxRetries(transientBackoff(), transientAttempts-1), ctx)
	return backoff.RetryNotify(op, schedule, func(err error, _ time.Duration) {
		metrics.CountRetry(worker)
	})
}

// retryStore runs op until it succeeds, op marks its error permanent, or ctx
// ends. Store outages get no attempt ceiling: dead-lettering an item because
// the store was down would lose work the store itself preserves, so the
// worker holds the item and keeps trying at the capped interval.
func retryStore(ctx context.Context, worker string, metrics *observability.Metrics, op func() error) error {
	schedule := backoff.WithContext(transientBackoff(), ctx)
	return backoff.RetryNotify(op, schedule, func(err error, _ time.Duration) {
		metrics.CountRetry(worker)
	})
}
