package llm

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/kalambet/docuquery/internal/apperr"
)

const (
	DefaultMaxRetries  = 2
	DefaultBackoffUnit = time.Second
)

// Entry pairs a provider with its breaker. Entries are tried in order.
type Entry struct {
	Provider Provider
	Breaker  *CircuitBreaker
}

// Gateway completes requests against the first healthy provider.
type Gateway struct {
	entries     []Entry
	maxRetries  int
	backoffUnit time.Duration
	sleep       func(ctx context.Context, d time.Duration) error
	logger      *slog.Logger
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithMaxRetries sets attempts per provider. Values below 1 are ignored.
func WithMaxRetries(n int) Option {
	return func(g *Gateway) {
		if n >= 1 {
			g.maxRetries = n
		}
	}
}

// WithBackoffUnit sets the base of the 2^attempt rate-limit backoff.
func WithBackoffUnit(d time.Duration) Option {
	return func(g *Gateway) { g.backoffUnit = d }
}

func WithLogger(l *slog.Logger) Option {
	return func(g *Gateway) { g.logger = l }
}

// NewGateway builds a Gateway over entries in priority order.
func NewGateway(entries []Entry, opts ...Option) *Gateway {
	g := &Gateway{
		entries:     entries,
		maxRetries:  DefaultMaxRetries,
		backoffUnit: DefaultBackoffUnit,
		sleep:       sleepCtx,
		logger:      slog.Default(),
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

// Complete tries each provider in order. A rate-limited provider is retried
// after a 2^attempt backoff; any other failure is recorded on its breaker
// and the next provider is tried. Providers whose breaker is open are
// skipped.
//
// Once ctx is done the call returns without recording a breaker failure or
// trying further providers.
func (g *Gateway) Complete(ctx context.Context, req Request) (Completion, error) {
	if len(g.entries) == 0 {
		return Completion{}, apperr.New(apperr.ErrConfiguration, "no LLM providers configured")
	}
	var lastErr error

	for _, e := range g.entries {
		if err := ctx.Err(); err != nil {
			return Completion{}, allFailed(err)
		}

		name := e.Provider.Name()
		if !e.Breaker.CanExecute() {
			g.logger.Warn("circuit breaker open, skipping provider", "provider", name)
			continue
		}

		settled := false
		for attempt := range g.maxRetries {
			if err := ctx.Err(); err != nil {
				e.Breaker.Release()
				return Completion{}, allFailed(err)
			}

			c, err := e.Provider.Complete(ctx, req)
			if err == nil {
				e.Breaker.RecordSuccess()
				return c, nil
			}
			lastErr = err

			if ctx.Err() != nil {
				g.logger.Debug("request cancelled during provider call", "provider", name, "error", err)
				e.Breaker.Release()
				return Completion{}, allFailed(err)
			}

			if !errors.Is(err, apperr.ErrLLMRateLimit) {
				g.logger.Warn("provider failed", "provider", name, "error", err)
				e.Breaker.RecordFailure()
				settled = true
				break
			}

			g.logger.Warn("provider rate limited", "provider", name, "attempt", attempt+1)
			if attempt == g.maxRetries-1 {
				break
			}
			if err := g.sleep(ctx, g.backoffUnit<<attempt); err != nil {
				e.Breaker.Release()
				return Completion{}, allFailed(err)
			}
		}
		if !settled {
			e.Breaker.Release()
		}
	}

	return Completion{}, allFailed(lastErr)
}

func allFailed(last error) error {
	if last == nil {
		return apperr.New(apperr.ErrLLM, "All LLM providers failed. Last error: all circuit breakers are open")
	}
	return &apperr.Error{
		Kind:    apperr.ErrLLM,
		Message: "All LLM providers failed. Last error: " + last.Error(),
		Err:     last,
	}
}

// HealthCheck probes every provider. It never fails.
func (g *Gateway) HealthCheck(ctx context.Context) map[string]bool {
	out := make(map[string]bool, len(g.entries))
	for _, e := range g.entries {
		out[e.Provider.Name()] = e.Provider.HealthCheck(ctx)
	}
	return out
}

// BreakerStates reports each provider's breaker state.
func (g *Gateway) BreakerStates() map[string]string {
	out := make(map[string]string, len(g.entries))
	for _, e := range g.entries {
		out[e.Provider.Name()] = string(e.Breaker.State())
	}
	return out
}

// Providers returns provider names in priority order.
func (g *Gateway) Providers() []string {
	names := make([]string, len(g.entries))
	for i, e := range g.entries {
		names[i] = e.Provider.Name()
	}
	return names
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
