package llm

import (
	"sync"
	"time"
)

// State is a circuit breaker state.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

const (
	DefaultFailureThreshold = 3
	DefaultRecoveryTimeout  = 60 * time.Second
)

// CircuitBreaker stops calls to a provider after repeated failures.
//
// After FailureThreshold consecutive failures the breaker opens and denies
// calls until RecoveryTimeout has elapsed since the last failure. It then
// admits exactly one trial call; the trial's outcome closes or re-opens it.
type CircuitBreaker struct {
	threshold int
	recovery  time.Duration
	now       func() time.Time

	mu          sync.Mutex
	state       State
	failures    int
	lastFailure time.Time
	trialActive bool
}

// NewCircuitBreaker creates a closed breaker. Non-positive arguments select
// the defaults.
func NewCircuitBreaker(threshold int, recovery time.Duration) *CircuitBreaker {
	if threshold <= 0 {
		threshold = DefaultFailureThreshold
	}
	if recovery <= 0 {
		recovery = DefaultRecoveryTimeout
	}
	return &CircuitBreaker{threshold: threshold, recovery: recovery, now: time.Now, state: StateClosed}
}

// CanExecute reports whether a call may proceed. In half-open state only the
// first caller is admitted until its outcome is recorded.
func (b *CircuitBreaker) CanExecute() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if b.now().Sub(b.lastFailure) < b.recovery {
			return false
		}
		b.state = StateHalfOpen
		b.trialActive = true
		return true
	default:
		if b.trialActive {
			return false
		}
		b.trialActive = true
		return true
	}
}

// RecordSuccess closes the breaker and clears the failure count.
func (b *CircuitBreaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StateClosed
	b.failures = 0
	b.trialActive = false
}

// RecordFailure counts a failure. A half-open breaker re-opens immediately.
func (b *CircuitBreaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	b.lastFailure = b.now()
	b.trialActive = false
	if b.state == StateHalfOpen || b.failures >= b.threshold {
		b.state = StateOpen
	}
}

// Release ends a half-open trial without recording an outcome, so the next
// caller may try again.
func (b *CircuitBreaker) Release() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.trialActive = false
}

// State returns the current state without transitioning it.
func (b *CircuitBreaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Failures returns the consecutive failure count.
func (b *CircuitBreaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}
