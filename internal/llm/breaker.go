package llm

import (
	"sync"
	"time"

	"github.com/rendis/chainflow/pkg/schema"
)

// BreakerState is the state of one provider's circuit.
type BreakerState int

const (
	BreakerClosed   BreakerState = iota // calls flow
	BreakerOpen                         // calls rejected until the cooldown ends
	BreakerHalfOpen                     // a limited number of trial calls
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

// BreakerConfig tunes when a provider circuit opens and recovers.
type BreakerConfig struct {
	FailureThreshold int           // consecutive failures that open the circuit
	Cooldown         time.Duration // open duration before probing
	TrialLimit       int           // calls admitted while half-open
}

// DefaultBreakerConfig opens after 5 consecutive provider failures and admits
// a trial call after 30s.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{FailureThreshold: 5, Cooldown: 30 * time.Second, TrialLimit: 1}
}

type circuit struct {
	mu       sync.Mutex
	state    BreakerState
	failures int
	openedAt time.Time
	trials   int
}

// Breakers keeps one circuit per provider so an outage at one vendor does not
// block calls to another.
type Breakers struct {
	cfg BreakerConfig
	now func() time.Time

	mu       sync.Mutex
	circuits map[string]*circuit
}

// NewBreakers creates an empty set of provider circuits.
func NewBreakers(cfg BreakerConfig) *Breakers {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultBreakerConfig().FailureThreshold
	}
	if cfg.TrialLimit <= 0 {
		cfg.TrialLimit = 1
	}
	return &Breakers{cfg: cfg, now: time.Now, circuits: make(map[string]*circuit)}
}

// Allow admits or rejects a call to provider. A rejection is a CIRCUIT_OPEN
// ChainError, which the engine treats as retryable.
func (b *Breakers) Allow(provider string) error {
	c := b.get(provider)
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case BreakerOpen:
		elapsed := b.now().Sub(c.openedAt)
		if elapsed < b.cfg.Cooldown {
			return schema.NewErrorf(schema.ErrCodeCircuitOpen,
				"%s calls suspended after %d consecutive failures", provider, c.failures).
				WithDetails(map[string]any{
					"provider":           provider,
					"failures":           c.failures,
					"cooldown_remaining": (b.cfg.Cooldown - elapsed).String(),
				})
		}
		c.state = BreakerHalfOpen
		c.trials = 1
	case BreakerHalfOpen:
		if c.trials >= b.cfg.TrialLimit {
			return schema.NewErrorf(schema.ErrCodeCircuitOpen, "%s circuit is probing, call rejected", provider)
		}
		c.trials++
	}
	return nil
}

// Success closes the provider's circuit.
func (b *Breakers) Success(provider string) {
	c := b.get(provider)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = BreakerClosed
	c.failures = 0
	c.trials = 0
}

// Failure counts a failed call and returns the resulting state. A failed
// trial reopens the circuit immediately.
func (b *Breakers) Failure(provider string) BreakerState {
	c := b.get(provider)
	c.mu.Lock()
	defer c.mu.Unlock()

	c.failures++
	if c.state == BreakerHalfOpen || c.failures >= b.cfg.FailureThreshold {
		c.state = BreakerOpen
		c.openedAt = b.now()
	}
	return c.state
}

// State reports the provider's circuit state, moving open circuits whose
// cooldown elapsed to half-open.
func (b *Breakers) State(provider string) BreakerState {
	c := b.get(provider)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == BreakerOpen && b.now().Sub(c.openedAt) >= b.cfg.Cooldown {
		c.state = BreakerHalfOpen
		c.trials = 0
	}
	return c.state
}

func (b *Breakers) get(provider string) *circuit {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.circuits[provider]
	if !ok {
		c = &circuit{}
		b.circuits[provider] = c
	}
	return c
}
