package queue

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/rendis/draftsync/pkg/schema"
)

// BackoffPolicy computes retry delays: base × 2^retryCount, capped.
type BackoffPolicy struct {
	Base time.Duration
	Cap  time.Duration
}

// DefaultBackoffPolicy matches the retry policy used across the system:
// 1s base doubling up to 30s.
func DefaultBackoffPolicy() BackoffPolicy {
	return BackoffPolicy{Base: time.Second, Cap: 30 * time.Second}
}

// Delay returns the backoff delay before retry number retryCount+1.
// Consecutive delays are non-decreasing and bounded by Cap.
func (p BackoffPolicy) Delay(retryCount int) time.Duration {
	if p.Base <= 0 {
		return 0
	}
	delay := p.Base
	for i := 0; i < retryCount; i++ {
		delay *= 2
		if p.Cap > 0 && delay >= p.Cap {
			return p.Cap
		}
	}
	if p.Cap > 0 && delay > p.Cap {
		return p.Cap
	}
	return delay
}

// IsRetryableError classifies whether an error should be retried.
// Retryable by default: network errors, timeouts, context.DeadlineExceeded.
// Non-retryable: validation errors, conflicts, typed SyncErrors with
// non-retryable codes.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	// Operation-level deadline is retryable.
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	// Context cancelled means the queue is shutting down, not retryable.
	if errors.Is(err, context.Canceled) {
		return false
	}

	// SyncError checks its own code.
	var syncErr *schema.SyncError
	if errors.As(err, &syncErr) {
		return syncErr.IsRetryable()
	}

	// Network errors are retryable.
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	// String heuristics for common retryable patterns.
	msg := strings.ToLower(err.Error())
	retryablePatterns := []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"eof",
		"temporary failure",
		"i/o timeout",
		"service unavailable",
		"bad gateway",
		"gateway timeout",
		"internal server error",
		"too many requests",
	}
	for _, p := range retryablePatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}

	// Unknown errors default to retryable; maxRetries bounds the attempts.
	return true
}

// WaitForBackoff sleeps for the delay or returns early if the context is
// cancelled. Returns an error if the context was cancelled during the wait.
func WaitForBackoff(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	select {
	case <-time.After(delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
