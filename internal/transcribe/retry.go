package transcribe

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

const (
	// DefaultRetryCount is the default number of retry attempts.
	DefaultRetryCount = 2
	// DefaultBaseDelay is the initial delay for exponential backoff.
	DefaultBaseDelay = 500 * time.Millisecond
)

// RetryEngine wraps an Engine with retry logic and exponential backoff.
type RetryEngine struct {
	engine    Engine
	maxRetry  int
	baseDelay time.Duration
	log       zerolog.Logger
}

// RetryOption configures the RetryEngine.
type RetryOption func(*RetryEngine)

// WithRetryCount sets the maximum number of retry attempts.
func WithRetryCount(n int) RetryOption {
	return func(r *RetryEngine) {
		r.maxRetry = n
	}
}

// WithBaseDelay sets the initial delay for exponential backoff.
func WithBaseDelay(d time.Duration) RetryOption {
	return func(r *RetryEngine) {
		r.baseDelay = d
	}
}

// WithLogger sets the logger used for retry attempts.
func WithLogger(l zerolog.Logger) RetryOption {
	return func(r *RetryEngine) {
		r.log = l
	}
}

// NewRetryEngine creates a RetryEngine wrapping the given Engine.
func NewRetryEngine(engine Engine, opts ...RetryOption) *RetryEngine {
	r := &RetryEngine{
		engine:    engine,
		maxRetry:  DefaultRetryCount,
		baseDelay: DefaultBaseDelay,
		log:       zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *RetryEngine) Name() string  { return r.engine.Name() }
func (r *RetryEngine) Model() string { return r.engine.Model() }

// Transcribe retries on connection errors, 429 and 5xx responses, but not on
// other 4xx responses or context cancellation.
func (r *RetryEngine) Transcribe(ctx context.Context, samples []float32, opts TranscribeOpts) ([]Segment, error) {
	var lastErr error

	for attempt := 0; attempt <= r.maxRetry; attempt++ {
		if attempt > 0 {
			delay := r.baseDelay * (1 << (attempt - 1))
			r.log.Warn().Err(lastErr).
				Int("attempt", attempt).
				Int("max_retry", r.maxRetry).
				Dur("delay", delay).
				Msg("retrying transcription")

			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		segments, err := r.engine.Transcribe(ctx, samples, opts)
		if err == nil {
			return segments, nil
		}
		if !isRetryable(err) {
			return nil, err
		}
		lastErr = err
	}

	return nil, fmt.Errorf("transcription failed after %d retries: %w", r.maxRetry, lastErr)
}

// isRetryable reports whether err is worth another attempt.
func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Code == http.StatusTooManyRequests || statusErr.Code >= 500
	}

	var netErr net.Error
	return errors.As(err, &netErr)
}
