package database

import (
	"context"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"
)

const (
	retryBaseDelay  = 50 * time.Millisecond
	retryMaxRetries = 3
)

// WithRetry runs fn with bounded fibonacci backoff, retrying only on
// transient SQLite contention. It belongs at read call sites; never
// wrap a mutation in it, or a timeout after commit double-applies the
// change.
func WithRetry(ctx context.Context, fn func(ctx context.Context) error) error {
	backoff := retry.WithMaxRetries(retryMaxRetries, retry.NewFibonacci(retryBaseDelay))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := fn(ctx)
		if err != nil && isTransient(err) {
			return retry.RetryableError(err)
		}
		return err
	})
}

// isTransient reports whether an error is SQLite lock contention worth
// retrying.
func isTransient(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "database table is locked")
}
