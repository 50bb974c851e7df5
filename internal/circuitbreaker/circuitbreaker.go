// Package circuitbreaker tracks failure state per (provider_slug,
// canonical_id) pair, plus an aggregate breaker per provider that opens once
// enough of that provider's individual pairs are tripped. It generalizes
// internal/proxy/circuitbreaker.go, which tracked state per provider only;
// that was the right granularity for a single-model proxy, but the routing
// engine can route many canonical models through one provider, and a single
// bad model shouldn't take the whole provider down on its own.
package circuitbreaker

import (
	"sync"
	"time"
)

// State is the operational state of one breaker.
//
//	Closed   — normal operation; all requests pass through.
//	Open     — pair is failing; requests are rejected immediately.
//	HalfOpen — recovery probe; one request is allowed through to test the pair.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// Config holds tuning parameters, mirroring internal/proxy's CBConfig.
type Config struct {
	// ErrorThreshold is the number of failures within TimeWindow that trips
	// a pair breaker.
	ErrorThreshold int
	// TimeWindow is the rolling window for counting errors.
	TimeWindow time.Duration
	// HalfOpenTimeout is how long a pair breaker stays open before allowing
	// a single probe request.
	HalfOpenTimeout time.Duration
	// AggregateOpenThreshold is the number of a provider's open pair
	// breakers that trips the provider-level aggregate breaker. Zero or
	// a negative value uses the default of 3.
	AggregateOpenThreshold int
}

const (
	defaultErrorThreshold         = 5
	defaultTimeWindow             = 60 * time.Second
	defaultHalfOpenTimeout        = 5 * time.Minute
	defaultAggregateOpenThreshold = 3
)

func (c Config) errorThreshold() int {
	if c.ErrorThreshold > 0 {
		return c.ErrorThreshold
	}
	return defaultErrorThreshold
}

func (c Config) timeWindow() time.Duration {
	if c.TimeWindow > 0 {
		return c.TimeWindow
	}
	return defaultTimeWindow
}

func (c Config) halfOpenTimeout() time.Duration {
	if c.HalfOpenTimeout > 0 {
		return c.HalfOpenTimeout
	}
	return defaultHalfOpenTimeout
}

func (c Config) aggregateOpenThreshold() int {
	if c.AggregateOpenThreshold > 0 {
		return c.AggregateOpenThreshold
	}
	return defaultAggregateOpenThreshold
}

type pairKey struct {
	provider    string
	canonicalID string
}

// pairBreaker holds state for one (provider, canonical_id) pair. State
// resolution is lazy (on read), following the pattern used for the
// alternate breaker implementation surveyed alongside this one, which
// composes more naturally with the aggregate check below than transitioning
// eagerly inside Allow.
type pairBreaker struct {
	mu            sync.Mutex
	state         State
	errorCount    int
	windowStart   time.Time
	openedAt      time.Time
	probeInflight bool
}

func (p *pairBreaker) resolveState(cfg Config) State {
	if p.state == Open && time.Since(p.openedAt) >= cfg.halfOpenTimeout() {
		p.state = HalfOpen
		p.probeInflight = false
	}
	return p.state
}

// CircuitBreaker manages per-pair breakers and the derived aggregate
// per-provider breaker. Safe for concurrent use.
type CircuitBreaker struct {
	cfg Config

	mu    sync.RWMutex
	pairs map[pairKey]*pairBreaker
}

// New creates a CircuitBreaker. cfg's zero value applies sensible defaults.
func New(cfg Config) *CircuitBreaker {
	return &CircuitBreaker{
		cfg:   cfg,
		pairs: make(map[pairKey]*pairBreaker),
	}
}

func (cb *CircuitBreaker) getOrCreate(provider, canonicalID string) *pairBreaker {
	key := pairKey{provider, canonicalID}

	cb.mu.RLock()
	p, ok := cb.pairs[key]
	cb.mu.RUnlock()
	if ok {
		return p
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()
	if p, ok = cb.pairs[key]; ok {
		return p
	}
	p = &pairBreaker{state: Closed, windowStart: time.Now()}
	cb.pairs[key] = p
	return p
}

// Allow reports whether an attempt against (provider, canonicalID) should
// proceed. It also rejects outright if the provider's aggregate breaker has
// tripped, independent of this pair's own state.
func (cb *CircuitBreaker) Allow(provider, canonicalID string) bool {
	if cb.ProviderAggregateOpen(provider) {
		return false
	}

	p := cb.getOrCreate(provider, canonicalID)
	p.mu.Lock()
	defer p.mu.Unlock()

	switch p.resolveState(cb.cfg) {
	case Closed:
		return true
	case HalfOpen:
		if p.probeInflight {
			return false
		}
		p.probeInflight = true
		return true
	default: // Open
		return false
	}
}

// RecordSuccess resets the pair breaker to Closed.
func (cb *CircuitBreaker) RecordSuccess(provider, canonicalID string) {
	p := cb.getOrCreate(provider, canonicalID)
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state = Closed
	p.errorCount = 0
	p.probeInflight = false
	p.windowStart = time.Now()
}

// RecordFailure increments the pair's error counter, tripping it to Open
// once ErrorThreshold is reached within TimeWindow.
func (cb *CircuitBreaker) RecordFailure(provider, canonicalID string) {
	p := cb.getOrCreate(provider, canonicalID)
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	if now.Sub(p.windowStart) > cb.cfg.timeWindow() {
		p.errorCount = 0
		p.windowStart = now
	}

	p.errorCount++
	p.probeInflight = false

	if p.errorCount >= cb.cfg.errorThreshold() {
		p.state = Open
		p.openedAt = now
	}
}

// State returns the current state of one (provider, canonicalID) pair.
func (cb *CircuitBreaker) State(provider, canonicalID string) State {
	p := cb.getOrCreate(provider, canonicalID)
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.resolveState(cb.cfg)
}

// ProviderAggregateOpen reports whether enough of provider's pair breakers
// are open to trip the provider-wide aggregate breaker. With the default
// AggregateOpenThreshold, three or more failing canonical models routed
// through the same provider are treated as that provider being down
// entirely, so the selector stops wasting attempts on its remaining
// bindings too.
func (cb *CircuitBreaker) ProviderAggregateOpen(provider string) bool {
	cb.mu.RLock()
	defer cb.mu.RUnlock()

	openCount := 0
	for key, p := range cb.pairs {
		if key.provider != provider {
			continue
		}
		p.mu.Lock()
		if p.resolveState(cb.cfg) == Open {
			openCount++
		}
		p.mu.Unlock()
		if openCount >= cb.cfg.aggregateOpenThreshold() {
			return true
		}
	}
	return false
}
