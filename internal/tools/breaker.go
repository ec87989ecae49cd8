package tools

import (
	"sync"
	"time"

	"github.com/connorprovines-code/headless-crm/pkg/schema"
)

// BreakerState is the state of a provider circuit breaker.
type BreakerState int

const (
	BreakerClosed   BreakerState = iota // calls flow
	BreakerOpen                         // calls rejected until cooldown passes
	BreakerHalfOpen                     // probing recovery
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// BreakerConfig configures provider circuit breakers.
type BreakerConfig struct {
	FailureThreshold int           // consecutive failures that open the circuit
	Cooldown         time.Duration // time spent open before probing
	HalfOpenMax      int           // probe calls allowed while half-open
}

// DefaultBreakerConfig returns the default breaker settings.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
		HalfOpenMax:      1,
	}
}

type breaker struct {
	mu                  sync.Mutex
	state               BreakerState
	consecutiveFailures int
	lastFailure         time.Time
	halfOpenAttempts    int
}

// BreakerRegistry keeps one breaker per enrichment provider. An open circuit
// surfaces to the engine as an unavailable capability.
type BreakerRegistry struct {
	mu       sync.Mutex
	breakers map[string]*breaker
	config   BreakerConfig
	now      func() time.Time
}

// NewBreakerRegistry creates a registry with the given config.
func NewBreakerRegistry(config BreakerConfig) *BreakerRegistry {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = DefaultBreakerConfig().FailureThreshold
	}
	if config.HalfOpenMax <= 0 {
		config.HalfOpenMax = 1
	}
	return &BreakerRegistry{
		breakers: make(map[string]*breaker),
		config:   config,
		now:      time.Now,
	}
}

// Allow returns nil when a call to provider may proceed.
func (r *BreakerRegistry) Allow(provider string) error {
	b := r.get(provider)
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerOpen:
		if r.now().Sub(b.lastFailure) >= r.config.Cooldown {
			b.state = BreakerHalfOpen
			b.halfOpenAttempts = 1
			return nil
		}
		return schema.NewErrorf(schema.ErrCodeToolUnavailable,
			"provider %q unavailable: circuit open after %d consecutive failures", provider, b.consecutiveFailures).
			WithDetails(map[string]any{
				"provider":           provider,
				"state":              b.state.String(),
				"cooldown_remaining": (r.config.Cooldown - r.now().Sub(b.lastFailure)).String(),
			})
	case BreakerHalfOpen:
		if b.halfOpenAttempts >= r.config.HalfOpenMax {
			return schema.NewErrorf(schema.ErrCodeToolUnavailable,
				"provider %q unavailable: circuit half-open, probe in flight", provider)
		}
		b.halfOpenAttempts++
	}
	return nil
}

// RecordSuccess closes the provider's circuit.
func (r *BreakerRegistry) RecordSuccess(provider string) {
	b := r.get(provider)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consecutiveFailures = 0
	b.halfOpenAttempts = 0
	b.state = BreakerClosed
}

// RecordFailure counts a failure and returns the resulting state.
func (r *BreakerRegistry) RecordFailure(provider string) BreakerState {
	b := r.get(provider)
	b.mu.Lock()
	defer b.mu.Unlock()

	b.consecutiveFailures++
	b.lastFailure = r.now()
	if b.state == BreakerHalfOpen || b.consecutiveFailures >= r.config.FailureThreshold {
		b.state = BreakerOpen
	}
	return b.state
}

// State returns the provider's current state.
func (r *BreakerRegistry) State(provider string) BreakerState {
	b := r.get(provider)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == BreakerOpen && r.now().Sub(b.lastFailure) >= r.config.Cooldown {
		return BreakerHalfOpen
	}
	return b.state
}

func (r *BreakerRegistry) get(provider string) *breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[provider]
	if !ok {
		b = &breaker{}
		r.breakers[provider] = b
	}
	return b
}
