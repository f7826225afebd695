package services

import (
	"context"
	"fmt"
	"time"

	"bossdb_rag_go_backend/cmd/api/config"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog/log"
)

// RetryPolicy bounds how often a model, embedding or index call is retried.
type RetryPolicy struct {
	MaxAttempts     uint
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

func NewRetryPolicy(cfg config.RetryConfig) RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     cfg.MaxAttempts,
		InitialInterval: cfg.InitialInterval,
		MaxInterval:     cfg.MaxInterval,
	}
}

// withRetry runs op with exponential backoff. A final failure is wrapped in
// ErrUpstreamUnavailable. Errors wrapped by backoff.Permanent are not retried.
func withRetry[T any](ctx context.Context, p RetryPolicy, what string, op func() (T, error)) (T, error) {
	b := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		b.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		b.MaxInterval = p.MaxInterval
	}
	attempts := p.MaxAttempts
	if attempts == 0 {
		attempts = 1
	}

	result, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(attempts),
		backoff.WithNotify(func(err error, next time.Duration) {
			log.Warn().Err(err).Str("call", what).Dur("retry_in", next).Msg("Upstream call failed, retrying")
		}),
	)
	if err != nil {
		var zero T
		return zero, fmt.Errorf("%w: %s: %w", ErrUpstreamUnavailable, what, err)
	}
	return result, nil
}
