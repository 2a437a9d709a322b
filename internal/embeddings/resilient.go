package embeddings

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// ResilientConfig bounds every call to a remote provider.
type ResilientConfig struct {
	// Timeout applies to each attempt.
	Timeout time.Duration
	// MaxAttempts caps tries per call, including the first.
	MaxAttempts int
	// InitialBackoff is the first retry delay. Defaults to 200ms.
	InitialBackoff time.Duration
	// RateLimit is requests per second; zero disables limiting.
	RateLimit float64
	Burst     int
	// BreakerFailures consecutive failures open the circuit for
	// BreakerTimeout.
	BreakerFailures uint32
	BreakerTimeout  time.Duration
}

// DefaultResilientConfig returns the limits used when none are configured.
func DefaultResilientConfig() ResilientConfig {
	return ResilientConfig{
		Timeout:         10 * time.Second,
		MaxAttempts:     3,
		InitialBackoff:  200 * time.Millisecond,
		RateLimit:       50,
		Burst:           10,
		BreakerFailures: 5,
		BreakerTimeout:  30 * time.Second,
	}
}

// Resilient wraps a Provider with a rate limiter, circuit breaker, per
// attempt timeout and bounded exponential retry. Exhaustion wraps
// ErrEmbeddingUnavailable.
type Resilient struct {
	Provider
	cfg     ResilientConfig
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker[any]
	logger  *zap.Logger
}

func NewResilient(p Provider, cfg ResilientConfig, logger *zap.Logger) *Resilient {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultResilientConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = def.InitialBackoff
	}
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = def.BreakerFailures
	}
	if cfg.BreakerTimeout <= 0 {
		cfg.BreakerTimeout = def.BreakerTimeout
	}

	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.RateLimit > 0 {
		burst := cfg.Burst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}

	r := &Resilient{Provider: p, cfg: cfg, limiter: limiter, logger: logger}
	r.breaker = gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        p.Name(),
		MaxRequests: 1,
		Timeout:     cfg.BreakerTimeout,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= cfg.BreakerFailures
		},
		IsSuccessful: func(err error) bool {
			// Caller cancellation and bad input say nothing about backend health.
			return err == nil || errors.Is(err, context.Canceled) || errors.Is(err, ErrEmptyInput)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("embedding circuit breaker state changed",
				zap.String("provider", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
	return r
}

func (r *Resilient) Embed(ctx context.Context, text string) ([]float32, error) {
	return call(ctx, r, func(ctx context.Context) ([]float32, error) {
		return r.Provider.Embed(ctx, text)
	})
}

func (r *Resilient) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	return call(ctx, r, func(ctx context.Context) ([][]float32, error) {
		return r.Provider.EmbedBatch(ctx, texts)
	})
}

// State reports the circuit breaker state.
func (r *Resilient) State() gobreaker.State {
	return r.breaker.State()
}

func call[T any](ctx context.Context, r *Resilient, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	attempt := 0
	op := func() (T, error) {
		attempt++
		if err := r.limiter.Wait(ctx); err != nil {
			return zero, backoff.Permanent(err)
		}
		res, err := r.breaker.Execute(func() (any, error) {
			actx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
			defer cancel()
			return fn(actx)
		})
		if err == nil {
			return res.(T), nil
		}
		switch {
		case ctx.Err() != nil:
			return zero, backoff.Permanent(ctx.Err())
		case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
			return zero, backoff.Permanent(err)
		case permanent(err):
			return zero, backoff.Permanent(err)
		}
		r.logger.Debug("embedding attempt failed",
			zap.String("provider", r.Name()),
			zap.Int("attempt", attempt),
			zap.Error(err))
		return zero, err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.cfg.InitialBackoff
	res, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(r.cfg.MaxAttempts)),
	)
	if err == nil {
		return res, nil
	}
	if ctx.Err() != nil {
		return zero, ctx.Err()
	}
	if errors.Is(err, ErrEmptyInput) {
		return zero, err
	}
	return zero, fmt.Errorf("%w: %s after %d attempt(s): %w", ErrEmbeddingUnavailable, r.Name(), attempt, err)
}
