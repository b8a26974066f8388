package engine

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/rendis/chainflow/pkg/schema"
)

// DefaultRetryDelay is the base backoff when an error handler sets none.
const DefaultRetryDelay = 1000 * time.Millisecond

// maxBackoffShift bounds the exponent.
const maxBackoffShift = 30

// IsRetryableError classifies whether another attempt could succeed.
// Cancellation and ChainErrors with configuration-like codes are final;
// everything else, network failures included, may be retried.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var ce *schema.ChainError
	if errors.As(err, &ce) {
		return ce.IsRetryable()
	}

	// Network errors and unclassified failures.
	return true
}

// ComputeBackoff returns base * 2^attempt. A non-positive base means
// DefaultRetryDelay.
func ComputeBackoff(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = DefaultRetryDelay
	}
	if attempt < 0 {
		attempt = 0
	}
	if attempt > maxBackoffShift {
		attempt = maxBackoffShift
	}
	if base > time.Duration(math.MaxInt64>>uint(attempt)) {
		return time.Duration(math.MaxInt64)
	}
	return base << uint(attempt)
}

// WaitForBackoff sleeps for delay or returns early with ctx's error.
func WaitForBackoff(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
