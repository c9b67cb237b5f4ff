package tool

import (
	"context"
	"errors"
	"net"
	"time"
)

type fetchFunc func(ctx context.Context, attempt int) (uint64, error)

func fetchWithRetry(ctx context.Context, policy RetryPolicy, t Tool, fn fetchFunc) (uint64, int, error) {
	normalized := normalizeRetryPolicy(policy)
	var (
		lastErr error
		n       uint64
	)

	for attempt := 1; attempt <= normalized.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return 0, attempt, err
		}

		n, lastErr = fn(ctx, attempt)
		if lastErr == nil {
			return n, attempt, nil
		}
		if attempt == normalized.MaxAttempts || !isRetryableError(lastErr) {
			return 0, attempt, lastErr
		}
		emitRetryObservation(RetryObservation{
			ToolID:    t.ID,
			Attempt:   attempt,
			ErrorCode: ErrorCode(lastErr),
		})

		wait := retryBackoffDuration(normalized, attempt)
		if wait <= 0 {
			continue
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return 0, attempt, ctx.Err()
		case <-timer.C:
		}
	}

	return 0, normalized.MaxAttempts, lastErr
}

func normalizeRetryPolicy(policy RetryPolicy) RetryPolicy {
	out := policy
	if out.MaxAttempts <= 0 {
		out.MaxAttempts = 1
	}
	if out.BackoffMS < 0 {
		out.BackoffMS = 0
	}
	return out
}

func retryBackoffDuration(policy RetryPolicy, attempt int) time.Duration {
	if policy.BackoffMS <= 0 || attempt <= 0 {
		return 0
	}
	return time.Duration(policy.BackoffMS*attempt) * time.Millisecond
}

func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if toolErr, ok := toolErrorFrom(err); ok {
		return toolErr.Retryable
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return false
}
