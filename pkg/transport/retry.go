package transport

import (
	"context"
	"math"
	"math/rand"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// retryPolicy retries idempotent unary calls with exponential backoff.
type retryPolicy struct {
	maxAttempts  int
	baseDelay    time.Duration
	maxDelay     time.Duration
	jitterFactor float64
}

var defaultRetryPolicy = retryPolicy{
	maxAttempts:  3,
	baseDelay:    100 * time.Millisecond,
	maxDelay:     2 * time.Second,
	jitterFactor: 0.2,
}

// backoff returns the delay before retry number attempt (0-based).
func (p retryPolicy) backoff(attempt int) time.Duration {
	delay := float64(p.baseDelay) * math.Pow(2, float64(attempt))
	if delay > float64(p.maxDelay) {
		delay = float64(p.maxDelay)
	}
	delay += delay * p.jitterFactor * (2*rand.Float64() - 1)
	if delay < 0 {
		delay = float64(p.baseDelay)
	}
	return time.Duration(delay)
}

// isRetryable reports whether a raw gRPC error is transient. Errors that
// carry an application status (not found, bad input, full store) are final.
func isRetryable(err error) bool {
	st, ok := status.FromError(err)
	if !ok {
		return false
	}
	switch st.Code() {
	case codes.Unavailable, codes.Aborted, codes.Unknown:
		return true
	}
	return false
}

// do runs fn until it succeeds, fails permanently or ctx is done. The
// last raw error is returned.
func (p retryPolicy) do(ctx context.Context, logger *zap.Logger, method string, fn func(context.Context) error) error {
	var err error
	for attempt := 0; attempt < p.maxAttempts; attempt++ {
		if err = fn(ctx); err == nil || !isRetryable(err) {
			return err
		}
		if attempt == p.maxAttempts-1 {
			break
		}

		delay := p.backoff(attempt)
		logger.Debug("Call failed, retrying",
			zap.String("method", method),
			zap.Int("attempt", attempt+1),
			zap.Duration("delay", delay),
			zap.Error(err))

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return err
		}
	}
	return err
}
