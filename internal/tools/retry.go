package tools

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/connorprovines-code/headless-crm/internal/logging"
	"github.com/connorprovines-code/headless-crm/pkg/schema"
)

// IsRetryableError classifies whether a failed call is worth repeating.
// Cancellation and non-retryable CRMError codes are final.
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

	var ce *schema.CRMError
	if errors.As(err, &ce) {
		if ce.IsRetryable() {
			return true
		}
		if ce.Cause == nil {
			return false
		}
		return IsRetryableError(ce.Cause)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, p := range []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"eof",
		"temporary failure",
		"i/o timeout",
		"service unavailable",
		"bad gateway",
		"gateway timeout",
		"too many requests",
	} {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

// ComputeBackoff returns the delay before retry number attempt (0-based).
func ComputeBackoff(policy *schema.RetryPolicy, attempt int) time.Duration {
	if policy == nil || policy.Backoff == "none" {
		return 0
	}
	base := 500 * time.Millisecond
	if policy.Delay != "" {
		d, err := time.ParseDuration(policy.Delay)
		if err != nil {
			return 0
		}
		base = d
	}

	delay := base
	if policy.Backoff == "" || policy.Backoff == "exponential" {
		for i := 0; i < attempt; i++ {
			delay *= 2
		}
	}

	if policy.MaxDelay != "" {
		if maxDelay, err := time.ParseDuration(policy.MaxDelay); err == nil && delay > maxDelay {
			delay = maxDelay
		}
	}
	return delay
}

// WaitForBackoff sleeps for delay or returns early with the context error.
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

// retryingTool repeats calls that fail with a retryable error. A Result with
// Success=false is the provider's answer and is returned as-is.
type retryingTool struct {
	Tool
	policy schema.RetryPolicy
	logger *slog.Logger
	wait   func(context.Context, time.Duration) error
}

// WithRetry wraps t so that retryable errors are retried per policy. A
// policy allowing at most one attempt returns t unchanged.
func WithRetry(t Tool, policy schema.RetryPolicy, logger *slog.Logger) Tool {
	if policy.MaxAttempts <= 1 {
		return t
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &retryingTool{Tool: t, policy: policy, logger: logger, wait: WaitForBackoff}
}

// Available forwards the wrapped tool's availability.
func (r *retryingTool) Available() bool {
	return IsAvailable(r.Tool)
}

func (r *retryingTool) Execute(ctx context.Context, input map[string]any) (*Result, error) {
	var lastErr error
	for attempt := 0; attempt < r.policy.MaxAttempts; attempt++ {
		if attempt > 0 {
			delay := ComputeBackoff(&r.policy, attempt-1)
			logging.LogWith(ctx, r.logger).Debug("retrying tool call",
				"tool", r.Name(), "attempt", attempt+1, "delay", delay, "error", lastErr)
			if err := r.wait(ctx, delay); err != nil {
				return nil, schema.NewErrorf(schema.ErrCodeTimeout, "tool %q retry interrupted", r.Name()).WithCause(lastErr)
			}
		}
		res, err := r.Tool.Execute(ctx, input)
		if err == nil {
			return res, nil
		}
		lastErr = err
		if !IsRetryableError(err) {
			return nil, err
		}
	}
	return nil, schema.NewErrorf(schema.ErrCodeRetryExhausted,
		"tool %q failed after %d attempts", r.Name(), r.policy.MaxAttempts).WithCause(lastErr)
}

// timedTool runs each Execute under its own deadline.
type timedTool struct {
	Tool
	timeout time.Duration
}

// WithAttemptTimeout bounds every Execute of t by d. Wrapped by WithRetry,
// each attempt gets the full budget.
func WithAttemptTimeout(t Tool, d time.Duration) Tool {
	if d <= 0 {
		return t
	}
	return &timedTool{Tool: t, timeout: d}
}

func (t *timedTool) Available() bool {
	return IsAvailable(t.Tool)
}

func (t *timedTool) Execute(ctx context.Context, input map[string]any) (*Result, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	return t.Tool.Execute(attemptCtx, input)
}
