// Package rpcutil wraps store and upstream calls in the shared
// transient-failure retry policy: three tries, 100ms base delay,
// doubling. Only idempotent operations may be wrapped; a retried call
// whose first attempt half-committed would double its effects.
package rpcutil

import (
	"context"
	"strings"
	"time"

	"github.com/dropline/server/internal/logger"
)

const (
	maxAttempts = 3
	baseDelay   = 100 * time.Millisecond
)

// WithRetry runs operation until it succeeds, fails permanently, or the
// attempt cap is reached. Between attempts it sleeps with exponential
// backoff, bailing out early when ctx is canceled.
func WithRetry[T any](ctx context.Context, operation func() (T, error)) (T, error) {
	var (
		result T
		err    error
	)
	delay := baseDelay
	for attempt := 1; ; attempt++ {
		result, err = operation()
		if err == nil || ctx.Err() != nil || !IsRetryableError(err) || attempt == maxAttempts {
			return result, err
		}

		log := logger.FromContext(ctx)
		log.Warn().
			Err(err).
			Int("attempt", attempt).
			Dur("retry_delay", delay).
			Msg("retry.transient_failure")

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return result, ctx.Err()
		case <-timer.C:
		}
		delay *= 2
	}
}

// sqlite reports writer contention as a busy/locked error. BEGIN
// IMMEDIATE fails before any statement ran, so a busy transaction left
// nothing behind and is safe to replay.
var transientMarkers = []string{
	"database is locked",
	"database is busy",
	"sqlite_busy",
	"connection refused",
	"connection reset",
	"timeout",
	"temporary failure",
	"network",
	"rate limit",
	"too many requests",
	"429",
	"throttle",
	"500",
	"502",
	"503",
	"504",
	"internal server error",
	"bad gateway",
	"service unavailable",
	"gateway timeout",
}

// IsRetryableError reports whether err looks transient. Upstream errors
// arrive flattened through several client layers, so this matches on
// message text rather than sentinel values.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range transientMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
