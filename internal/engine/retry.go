package engine

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/loomhq/loom/pkg/schema"
)

// transientHints matches error text from executors that flatten their causes
// into plain strings. The typed checks in IsRetryableError run first; this
// list only catches third-party clients that expose neither a LoomError nor
// a net.Error.
var transientHints = []string{
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

// IsRetryableError decides whether a node firing's error is worth another
// attempt. The engine's own error codes are authoritative: a LoomError
// answers from its code table (TIMEOUT and NODE_FAILED retry; VALIDATION,
// CYCLE_DETECTED, INVALID_STATE and the other structural codes never do).
// Untyped errors default to retryable so the policy's max attempt count is
// what bounds them.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	var loomErr *schema.LoomError
	if errors.As(err, &loomErr) {
		return loomErr.IsRetryable()
	}

	// A cancelled execution is shutting down; retrying would fight Cancel.
	// A deadline is a per-firing timeout and fair game.
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, hint := range transientHints {
		if strings.Contains(msg, hint) {
			return true
		}
	}

	return true
}

// ComputeBackoff returns the pause before retry attempt+1 under the node's
// policy: constant repeats the base delay, linear grows it per attempt and
// exponential doubles it, all clamped by max_delay when set. A missing or
// unparseable delay means no pause.
func ComputeBackoff(policy *schema.RetryPolicy, attempt int) time.Duration {
	if policy == nil {
		return 0
	}
	base, err := time.ParseDuration(policy.Delay)
	if err != nil || base <= 0 {
		return 0
	}

	var delay time.Duration
	switch policy.Backoff {
	case "exponential":
		shift := attempt
		if shift > 32 {
			shift = 32
		}
		delay = base << shift
		if delay < base { // overflowed
			delay = time.Duration(1<<63 - 1)
		}
	case "linear":
		delay = base * time.Duration(attempt+1)
	default: // constant, none, empty
		delay = base
	}

	if policy.MaxDelay != "" {
		if ceiling, capErr := time.ParseDuration(policy.MaxDelay); capErr == nil && delay > ceiling {
			delay = ceiling
		}
	}
	return delay
}

// WaitForBackoff pauses for the computed delay, aborting with the context's
// error if the execution is cancelled mid-wait.
func WaitForBackoff(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
