// Package limiter protects a completer with per-model rate limiting, a
// circuit breaker and retries with exponential backoff.
package limiter

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/promptlab/promptlab/core"
	"github.com/promptlab/promptlab/pkg/logging"
	"github.com/promptlab/promptlab/pkg/metrics"
)

// Config holds protection configuration applied per model.
type Config struct {
	// RequestsPerMinute caps the completion rate per model. Zero uses
	// the default of 600.
	RequestsPerMinute float64
	Burst             int

	Retry RetryConfig

	BreakerMaxRequests uint32
	BreakerInterval    time.Duration
	BreakerTimeout     time.Duration
}

// DefaultConfig returns the default protection configuration.
func DefaultConfig() Config {
	return Config{
		RequestsPerMinute:  600,
		Burst:              10,
		Retry:              DefaultRetryConfig(),
		BreakerMaxRequests: 3,
		BreakerInterval:    10 * time.Second,
		BreakerTimeout:     30 * time.Second,
	}
}

// ProtectedCompleter wraps a completer with rate limiting, retries and a
// circuit breaker, all keyed by model.
type ProtectedCompleter struct {
	next    core.Completer
	config  Config
	logger  *logging.Logger
	metrics *metrics.PrometheusMetrics

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	breakers map[string]*gobreaker.CircuitBreaker
}

// Wrap decorates a completer with the protection stack. metrics may be
// nil.
func Wrap(next core.Completer, config Config, logger *logging.Logger, m *metrics.PrometheusMetrics) *ProtectedCompleter {
	if config.RequestsPerMinute <= 0 {
		config.RequestsPerMinute = 600
	}
	if config.Burst <= 0 {
		config.Burst = 10
	}
	if config.BreakerMaxRequests == 0 {
		config.BreakerMaxRequests = 3
	}
	if config.BreakerInterval <= 0 {
		config.BreakerInterval = 10 * time.Second
	}
	if config.BreakerTimeout <= 0 {
		config.BreakerTimeout = 30 * time.Second
	}

	return &ProtectedCompleter{
		next:     next,
		config:   config,
		logger:   logger,
		metrics:  m,
		limiters: make(map[string]*rate.Limiter),
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

// Complete applies rate limiting, then runs the completion through the
// circuit breaker with retries.
func (p *ProtectedCompleter) Complete(ctx context.Context, req core.CompletionRequest) (*core.CompletionResponse, error) {
	if err := p.limiterFor(req.Model).Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter wait failed: %w", err)
	}

	result, err := p.breakerFor(req.Model).Execute(func() (interface{}, error) {
		return p.completeWithRetry(ctx, req)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("circuit breaker rejected request for model %s: %w", req.Model, err)
		}
		return nil, err
	}
	return result.(*core.CompletionResponse), nil
}

func (p *ProtectedCompleter) completeWithRetry(ctx context.Context, req core.CompletionRequest) (*core.CompletionResponse, error) {
	// Streaming responses cannot be replayed, so they get one attempt.
	maxRetries := p.config.Retry.MaxRetries
	if req.Stream != nil {
		maxRetries = 0
	}

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		resp, err := p.next.Complete(ctx, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		if attempt == maxRetries || !p.config.Retry.retryable(err) {
			return nil, err
		}

		p.logger.Warn("completion retry",
			"model", req.Model,
			"attempt", attempt+1,
			"error", err,
		)
		if p.metrics != nil {
			p.metrics.RecordRetry(req.Model, "error")
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(p.config.Retry.delay(attempt)):
		}
	}
	return nil, fmt.Errorf("max retries exceeded: %w", lastErr)
}

func (p *ProtectedCompleter) limiterFor(model string) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()

	if l, ok := p.limiters[model]; ok {
		return l
	}
	l := rate.NewLimiter(rate.Limit(p.config.RequestsPerMinute/60.0), p.config.Burst)
	p.limiters[model] = l
	return l
}

func (p *ProtectedCompleter) breakerFor(model string) *gobreaker.CircuitBreaker {
	p.mu.Lock()
	defer p.mu.Unlock()

	if b, ok := p.breakers[model]; ok {
		return b
	}
	b := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "model-" + model,
		MaxRequests: p.config.BreakerMaxRequests,
		Interval:    p.config.BreakerInterval,
		Timeout:     p.config.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.Requests >= 5 && float64(counts.TotalFailures)/float64(counts.Requests) >= 0.5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			p.logger.Warn("circuit breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
			if p.metrics != nil && to == gobreaker.StateOpen {
				p.metrics.RecordCircuitOpen(model)
			}
		},
	})
	p.breakers[model] = b
	return b
}
