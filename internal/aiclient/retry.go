// Package aiclient wraps the embedding and chat-completion provider APIs with
// retry, batching, and normalization. Services depend on the narrow interfaces
// they declare themselves; this package supplies the concrete clients.
package aiclient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// ErrProviderUnavailable is returned once retries against the provider are
// exhausted. Handlers map it to 503 on the query path; the ingest path surfaces
// it per item.
var ErrProviderUnavailable = errors.New("model provider unavailable")

const maxAttempts = 3

var baseDelay = 500 * time.Millisecond

// isRetryable classifies transient provider failures. The SDK folds HTTP
// status codes into error strings, so match on those plus common transport
// failures.
func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "429") ||
		strings.Contains(msg, "500") ||
		strings.Contains(msg, "502") ||
		strings.Contains(msg, "503") ||
		strings.Contains(msg, "504") ||
		strings.Contains(msg, "rate limit") ||
		strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "EOF")
}

// withRetry executes fn up to maxAttempts times with exponential backoff,
// retrying only transient errors. Exhaustion surfaces ErrProviderUnavailable
// wrapping the last error.
func withRetry[T any](ctx context.Context, operation string, fn func() (T, error)) (T, error) {
	var zero T
	var lastErr error

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		result, err := fn()
		if err == nil {
			if attempt > 1 {
				slog.Info("provider retry succeeded", "operation", operation, "attempt", attempt)
			}
			return result, nil
		}
		lastErr = err
		if !isRetryable(err) {
			return zero, err
		}
		if attempt == maxAttempts {
			break
		}

		delay := baseDelay << (attempt - 1)
		slog.Warn("provider call failed, retrying",
			"operation", operation,
			"attempt", attempt,
			"delay_ms", delay.Milliseconds(),
			"error", err.Error(),
		)
		select {
		case <-ctx.Done():
			return zero, fmt.Errorf("%s: %w", operation, ctx.Err())
		case <-time.After(delay):
		}
	}

	slog.Error("provider retries exhausted", "operation", operation, "attempts", maxAttempts, "error", lastErr.Error())
	return zero, fmt.Errorf("%s: %w: %w", operation, ErrProviderUnavailable, lastErr)
}
