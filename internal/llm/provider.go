// Package llm routes completion requests across LLM providers with
// per-provider circuit breakers and rate-limit backoff.
package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/kalambet/docuquery/internal/apperr"
)

const (
	DefaultMaxTokens = 1024
	DefaultTimeout   = 30 * time.Second
)

// Request is a single-turn completion request.
type Request struct {
	System string
	User   string
	// Temperature nil means 0.
	Temperature *float64
	// MaxTokens <= 0 means DefaultMaxTokens.
	MaxTokens int
}

func (r Request) temperature() float64 {
	if r.Temperature == nil {
		return 0
	}
	return *r.Temperature
}

func (r Request) maxTokens() int {
	if r.MaxTokens <= 0 {
		return DefaultMaxTokens
	}
	return r.MaxTokens
}

// Completion is a provider's answer.
type Completion struct {
	Content    string `json:"content"`
	TokensUsed int    `json:"tokens_used"`
	Model      string `json:"model"`
	Provider   string `json:"provider"`
}

// Provider is one LLM backend. Complete must classify failures as
// apperr.ErrLLMRateLimit, apperr.ErrLLMTimeout or apperr.ErrLLMProvider.
// A call abandoned by its caller is plain apperr.ErrLLM.
type Provider interface {
	Name() string
	Complete(ctx context.Context, req Request) (Completion, error)
	HealthCheck(ctx context.Context) bool
}

// classify maps a transport or API failure to an LLM error kind.
// rateHint reports whether the message looks like a rate limit.
func classify(provider string, status int, err error, rateHint func(msg string) bool) error {
	msg := err.Error()
	lower := strings.ToLower(msg)

	var netErr net.Error
	switch {
	case errors.Is(err, context.Canceled):
		return apperr.Wrap(apperr.ErrLLM, err, "%s request canceled", provider)
	case status == 429 || rateHint(lower):
		return apperr.Wrap(apperr.ErrLLMRateLimit, err, "%s rate limit exceeded", provider)
	case errors.Is(err, context.DeadlineExceeded),
		errors.As(err, &netErr) && netErr.Timeout(),
		strings.Contains(lower, "timeout"):
		return apperr.Wrap(apperr.ErrLLMTimeout, err, "%s request timed out", provider)
	default:
		return apperr.Wrap(apperr.ErrLLMProvider, err, "%s error", provider)
	}
}

// statusError carries an HTTP status code out of a provider call.
type statusError struct {
	status int
	body   string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.status, e.body)
}

func statusOf(err error) int {
	var se *statusError
	if errors.As(err, &se) {
		return se.status
	}
	return 0
}
