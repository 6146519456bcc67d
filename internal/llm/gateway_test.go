package llm

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalambet/docuquery/internal/apperr"
)

// scriptedProvider returns the queued results in order; the last one repeats.
type scriptedProvider struct {
	name    string
	results []error
	calls   int
	healthy bool
}

func (p *scriptedProvider) Name() string { return p.name }

func (p *scriptedProvider) Complete(_ context.Context, _ Request) (Completion, error) {
	i := min(p.calls, len(p.results)-1)
	p.calls++
	if err := p.results[i]; err != nil {
		return Completion{}, err
	}
	return Completion{Content: "answer from " + p.name, TokensUsed: 10, Model: "m", Provider: p.name}, nil
}

func (p *scriptedProvider) HealthCheck(context.Context) bool { return p.healthy }

var (
	errRate    = apperr.New(apperr.ErrLLMRateLimit, "429")
	errTimeout = apperr.New(apperr.ErrLLMTimeout, "timeout")
	errServer  = apperr.New(apperr.ErrLLMProvider, "500")
)

type sleepRecorder struct{ slept []time.Duration }

func (s *sleepRecorder) sleep(_ context.Context, d time.Duration) error {
	s.slept = append(s.slept, d)
	return nil
}

func newTestGateway(providers ...*scriptedProvider) (*Gateway, *sleepRecorder) {
	entries := make([]Entry, len(providers))
	for i, p := range providers {
		entries[i] = Entry{Provider: p, Breaker: NewCircuitBreaker(3, time.Minute)}
	}
	g := NewGateway(entries, WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	rec := &sleepRecorder{}
	g.sleep = rec.sleep
	return g, rec
}

func TestGateway_PrimarySucceeds(t *testing.T) {
	primary := &scriptedProvider{name: "openai", results: []error{nil}}
	secondary := &scriptedProvider{name: "anthropic", results: []error{nil}}
	g, _ := newTestGateway(primary, secondary)

	c, err := g.Complete(context.Background(), Request{User: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "openai", c.Provider)
	assert.Equal(t, 0, secondary.calls)
}

func TestGateway_FallsBackOnProviderError(t *testing.T) {
	primary := &scriptedProvider{name: "openai", results: []error{errServer}}
	secondary := &scriptedProvider{name: "anthropic", results: []error{nil}}
	g, rec := newTestGateway(primary, secondary)

	c, err := g.Complete(context.Background(), Request{User: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "anthropic", c.Provider)
	assert.Equal(t, 1, primary.calls, "non-rate-limit errors are not retried")
	assert.Empty(t, rec.slept)
	assert.Equal(t, 1, g.entries[0].Breaker.Failures())
}

func TestGateway_RateLimitRetriesWithBackoff(t *testing.T) {
	primary := &scriptedProvider{name: "openai", results: []error{errRate, nil}}
	g, rec := newTestGateway(primary)

	c, err := g.Complete(context.Background(), Request{User: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "openai", c.Provider)
	assert.Equal(t, 2, primary.calls)
	assert.Equal(t, []time.Duration{time.Second}, rec.slept)
}

func TestGateway_RateLimitExhaustedMovesOnWithoutFailure(t *testing.T) {
	primary := &scriptedProvider{name: "openai", results: []error{errRate}}
	secondary := &scriptedProvider{name: "anthropic", results: []error{nil}}
	g, _ := newTestGateway(primary, secondary)

	c, err := g.Complete(context.Background(), Request{User: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "anthropic", c.Provider)
	assert.Equal(t, DefaultMaxRetries, primary.calls)
	assert.Equal(t, 0, g.entries[0].Breaker.Failures())
}

func TestGateway_AllFail(t *testing.T) {
	primary := &scriptedProvider{name: "openai", results: []error{errServer}}
	secondary := &scriptedProvider{name: "anthropic", results: []error{errTimeout}}
	g, _ := newTestGateway(primary, secondary)

	_, err := g.Complete(context.Background(), Request{User: "hi"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperr.ErrLLM))
	assert.True(t, errors.Is(err, apperr.ErrLLMTimeout), "last error is kept as the cause")
	assert.Equal(t, "All LLM providers failed. Last error: timeout", err.Error())
}

func TestGateway_SkipsOpenBreaker(t *testing.T) {
	primary := &scriptedProvider{name: "openai", results: []error{errServer}}
	secondary := &scriptedProvider{name: "anthropic", results: []error{nil}}
	g, _ := newTestGateway(primary, secondary)

	for range 3 {
		_, err := g.Complete(context.Background(), Request{User: "hi"})
		require.NoError(t, err)
	}
	assert.Equal(t, "open", g.BreakerStates()["openai"])

	_, err := g.Complete(context.Background(), Request{User: "hi"})
	require.NoError(t, err)
	assert.Equal(t, 3, primary.calls, "open breaker must short-circuit the provider")
}

func TestGateway_AllBreakersOpen(t *testing.T) {
	primary := &scriptedProvider{name: "openai", results: []error{nil}}
	g, _ := newTestGateway(primary)
	for range 3 {
		g.entries[0].Breaker.RecordFailure()
	}

	_, err := g.Complete(context.Background(), Request{User: "hi"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperr.ErrLLM))
	assert.Equal(t, 0, primary.calls)
}

func TestGateway_BackoffCancelled(t *testing.T) {
	primary := &scriptedProvider{name: "openai", results: []error{errRate}}
	g, _ := newTestGateway(primary)
	g.sleep = sleepCtx

	ctx, cancel := context.WithCancel(context.Background())
	g.sleep = func(ctx context.Context, d time.Duration) error {
		cancel()
		return sleepCtx(ctx, d)
	}
	_, err := g.Complete(ctx, Request{User: "hi"})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, primary.calls)
	assert.Equal(t, "closed", g.BreakerStates()["openai"])
}

func TestGateway_CancelledBeforeCall(t *testing.T) {
	primary := &scriptedProvider{name: "openai", results: []error{nil}}
	g, _ := newTestGateway(primary)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := g.Complete(ctx, Request{User: "hi"})
	assert.ErrorIs(t, err, context.Canceled)
	assert.True(t, errors.Is(err, apperr.ErrLLM))
	assert.Equal(t, 0, primary.calls)
}

func TestGateway_ClientDisconnectLeavesBreakersClosed(t *testing.T) {
	done := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-done:
		}
	}))
	t.Cleanup(srv.Close)
	t.Cleanup(func() { close(done) })

	openai := NewOpenAI("sk-test", srv.URL, "", 10*time.Second)
	anthropic := NewAnthropic("sk-ant", srv.URL, "", 10*time.Second)
	g := NewGateway([]Entry{
		{Provider: openai, Breaker: NewCircuitBreaker(3, time.Minute)},
		{Provider: anthropic, Breaker: NewCircuitBreaker(3, time.Minute)},
	}, WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))

	for range 3 {
		ctx, cancel := context.WithCancel(context.Background())
		time.AfterFunc(20*time.Millisecond, cancel)
		_, err := g.Complete(ctx, Request{User: "hi"})
		cancel()

		require.Error(t, err)
		assert.ErrorIs(t, err, context.Canceled)
		assert.Contains(t, err.Error(), "openai", "the second provider must not be tried")
	}

	assert.Equal(t, map[string]string{"openai": "closed", "anthropic": "closed"}, g.BreakerStates())
	assert.Equal(t, 0, g.entries[0].Breaker.Failures())
	assert.Equal(t, 0, g.entries[1].Breaker.Failures())
}

func TestGateway_HalfOpenTrialReleasedOnCancel(t *testing.T) {
	primary := &scriptedProvider{name: "openai", results: []error{nil}}
	g, _ := newTestGateway(primary)
	b := NewCircuitBreaker(1, time.Millisecond)
	g.entries[0].Breaker = b
	b.RecordFailure()
	time.Sleep(5 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	g.entries[0].Provider = &cancellingProvider{cancel: cancel}
	_, err := g.Complete(ctx, Request{User: "hi"})
	require.Error(t, err)

	g.entries[0].Provider = primary
	c, err := g.Complete(context.Background(), Request{User: "hi"})
	require.NoError(t, err, "the half-open trial must be free again")
	assert.Equal(t, "openai", c.Provider)
	assert.Equal(t, "closed", g.BreakerStates()["openai"])
}

// cancellingProvider cancels its caller mid-call, like a client hanging up.
type cancellingProvider struct{ cancel context.CancelFunc }

func (p *cancellingProvider) Name() string { return "openai" }

func (p *cancellingProvider) Complete(ctx context.Context, _ Request) (Completion, error) {
	p.cancel()
	return Completion{}, classify("openai", 0, ctx.Err(), openAIRateHint)
}

func (p *cancellingProvider) HealthCheck(context.Context) bool { return true }

func TestGateway_HealthCheckAndStates(t *testing.T) {
	g, _ := newTestGateway(
		&scriptedProvider{name: "openai", results: []error{nil}, healthy: false},
		&scriptedProvider{name: "anthropic", results: []error{nil}, healthy: true},
	)

	assert.Equal(t, map[string]bool{"openai": false, "anthropic": true}, g.HealthCheck(context.Background()))
	assert.Equal(t, map[string]string{"openai": "closed", "anthropic": "closed"}, g.BreakerStates())
	assert.Equal(t, []string{"openai", "anthropic"}, g.Providers())
}

func TestGateway_NoProviders(t *testing.T) {
	g := NewGateway(nil)
	_, err := g.Complete(context.Background(), Request{User: "hi"})
	assert.True(t, errors.Is(err, apperr.ErrConfiguration))
}
