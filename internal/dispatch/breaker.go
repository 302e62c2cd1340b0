package dispatch

import (
	"sync"
	"time"

	"github.com/rendis/orchestra/pkg/schema"
)

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	CircuitClosed   CircuitState = iota // sends flow
	CircuitOpen                         // sends rejected
	CircuitHalfOpen                     // probing recovery
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// BreakerConfig configures per-kind circuit breakers.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failed dispatches before opening.
	FailureThreshold int `mapstructure:"failure_threshold"`
	// Cooldown is how long the circuit stays open before a trial request is allowed.
	Cooldown time.Duration `mapstructure:"cooldown"`
	// HalfOpenMax is the number of trial requests allowed while half-open.
	HalfOpenMax int `mapstructure:"half_open_max"`
}

func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{FailureThreshold: 5, Cooldown: 30 * time.Second, HalfOpenMax: 1}
}

type breaker struct {
	mu                  sync.Mutex
	state               CircuitState
	consecutiveFailures int
	lastFailure         time.Time
	halfOpenAttempts    int
}

// Breakers tracks one circuit per task kind.
type Breakers struct {
	mu       sync.Mutex
	breakers map[string]*breaker
	config   BreakerConfig
	now      func() time.Time
}

func NewBreakers(config BreakerConfig) *Breakers {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = DefaultBreakerConfig().FailureThreshold
	}
	if config.HalfOpenMax <= 0 {
		config.HalfOpenMax = 1
	}
	return &Breakers{breakers: make(map[string]*breaker), config: config, now: time.Now}
}

// Allow returns nil when a dispatch of kind may proceed, or a CIRCUIT_OPEN error.
func (r *Breakers) Allow(kind string) error {
	b := r.get(kind)
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case CircuitOpen:
		if r.now().Sub(b.lastFailure) >= r.config.Cooldown {
			b.state = CircuitHalfOpen
			b.halfOpenAttempts = 1
			return nil
		}
		return schema.NewErrorf(schema.ErrCodeCircuitOpen,
			"circuit open for task kind %q after %d consecutive failures", kind, b.consecutiveFailures).
			WithDetails(map[string]any{
				"kind":                 kind,
				"consecutive_failures": b.consecutiveFailures,
				"cooldown_remaining":   (r.config.Cooldown - r.now().Sub(b.lastFailure)).String(),
			})
	case CircuitHalfOpen:
		if b.halfOpenAttempts >= r.config.HalfOpenMax {
			return schema.NewErrorf(schema.ErrCodeCircuitOpen, "circuit half-open for task kind %q: trial request in flight", kind)
		}
		b.halfOpenAttempts++
	}
	return nil
}

func (r *Breakers) RecordSuccess(kind string) {
	b := r.get(kind)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consecutiveFailures = 0
	b.halfOpenAttempts = 0
	b.state = CircuitClosed
}

// RecordFailure returns the state after counting the failure.
func (r *Breakers) RecordFailure(kind string) CircuitState {
	b := r.get(kind)
	b.mu.Lock()
	defer b.mu.Unlock()

	b.consecutiveFailures++
	b.lastFailure = r.now()
	if b.state == CircuitHalfOpen || b.consecutiveFailures >= r.config.FailureThreshold {
		b.state = CircuitOpen
	}
	return b.state
}

func (r *Breakers) State(kind string) CircuitState {
	b := r.get(kind)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == CircuitOpen && r.now().Sub(b.lastFailure) >= r.config.Cooldown {
		b.state = CircuitHalfOpen
		b.halfOpenAttempts = 0
	}
	return b.state
}

func (r *Breakers) get(kind string) *breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[kind]
	if !ok {
		b = &breaker{}
		r.breakers[kind] = b
	}
	return b
}
