// Package selector builds the ordered attempt chain for one request: the
// subset of a canonical model's provider bindings that are enabled and not
// circuit-broken, ordered by priority, with a round-robin tie-break among
// bindings that share a priority. It generalizes
// internal/proxy/failover.go's buildCandidateList (which walked a fixed
// providers.DefaultFallbackOrder) into something driven by per-binding
// priority instead of a single static list.
package selector

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/nulpointcorp/inference-gateway/internal/circuitbreaker"
	"github.com/nulpointcorp/inference-gateway/internal/domain"
)

// MaxChainLength caps how many bindings a single request will ever attempt,
// regardless of how many are configured — an unbounded failover chain turns
// one slow client timeout into a pile of outbound calls.
const MaxChainLength = 3

// Constraints narrows the chain BuildChain produces for one request.
type Constraints struct {
	// PreferredProvider, if non-empty and present among the qualifying
	// bindings, is moved to the front of the chain. If absent from the
	// qualifying set (disabled, circuit-open, or simply not configured for
	// this model), the chain falls back to strict priority order instead
	// of failing outright.
	PreferredProvider string
	// RequireStreaming drops bindings whose capability set doesn't
	// advertise streaming support.
	RequireStreaming bool
}

// Selector builds attempt chains and tracks round-robin state across
// requests for bindings that share a priority.
type Selector struct {
	cb *circuitbreaker.CircuitBreaker

	mu       sync.Mutex
	rotation map[string]*atomic.Uint64 // "canonicalID|priority" -> next start offset
}

// New creates a Selector. cb may be nil, in which case no binding is ever
// treated as circuit-broken.
func New(cb *circuitbreaker.CircuitBreaker) *Selector {
	return &Selector{
		cb:       cb,
		rotation: make(map[string]*atomic.Uint64),
	}
}

// BuildChain returns the ordered list of bindings to attempt for
// canonicalID, given its full configured binding set and this request's
// constraints. Disabled bindings, bindings whose circuit breaker pair (or
// provider aggregate) is open, and — when constraints.RequireStreaming is
// set — bindings lacking streaming support are dropped; the remainder is
// grouped by ascending Priority, and each same-priority group is rotated
// round-robin across calls so that repeated ties don't always favor the
// same binding. If constraints.PreferredProvider names a binding that
// survived filtering, it is promoted to the front; otherwise the chain
// continues in priority order as if no preference had been given. The
// result is capped at MaxChainLength.
func (s *Selector) BuildChain(canonicalID string, bindings []domain.ProviderBinding, constraints Constraints) []domain.ProviderBinding {
	candidates := make([]domain.ProviderBinding, 0, len(bindings))
	for _, b := range bindings {
		if b.Disabled {
			continue
		}
		if constraints.RequireStreaming && !b.Capabilities.Streaming {
			continue
		}
		if s.cb != nil && !s.cb.Allow(b.ProviderSlug, canonicalID) {
			continue
		}
		candidates = append(candidates, b)
	}

	groups := groupByPriority(candidates)
	out := make([]domain.ProviderBinding, 0, len(candidates))
	for _, priority := range sortedPriorities(groups) {
		group := groups[priority]
		if len(group) > 1 {
			group = s.rotate(canonicalID, priority, group)
		}
		out = append(out, group...)
	}

	if constraints.PreferredProvider != "" {
		out = promotePreferred(out, constraints.PreferredProvider)
	}

	if len(out) > MaxChainLength {
		out = out[:MaxChainLength]
	}
	return out
}

// promotePreferred moves the first binding matching providerSlug to the
// front of chain, preserving the relative order of everything else. If no
// binding matches, chain is returned unchanged.
func promotePreferred(chain []domain.ProviderBinding, providerSlug string) []domain.ProviderBinding {
	idx := -1
	for i, b := range chain {
		if b.ProviderSlug == providerSlug {
			idx = i
			break
		}
	}
	if idx <= 0 {
		return chain
	}
	out := make([]domain.ProviderBinding, 0, len(chain))
	out = append(out, chain[idx])
	out = append(out, chain[:idx]...)
	out = append(out, chain[idx+1:]...)
	return out
}

func groupByPriority(bindings []domain.ProviderBinding) map[int][]domain.ProviderBinding {
	groups := make(map[int][]domain.ProviderBinding)
	for _, b := range bindings {
		groups[b.Priority] = append(groups[b.Priority], b)
	}
	return groups
}

func sortedPriorities(groups map[int][]domain.ProviderBinding) []int {
	out := make([]int, 0, len(groups))
	for p := range groups {
		out = append(out, p)
	}
	sort.Ints(out)
	return out
}

func (s *Selector) rotate(canonicalID string, priority int, group []domain.ProviderBinding) []domain.ProviderBinding {
	counter := s.counterFor(canonicalID, priority)
	offset := int(counter.Add(1)-1) % len(group)
	if offset == 0 {
		return group
	}
	rotated := make([]domain.ProviderBinding, len(group))
	copy(rotated, group[offset:])
	copy(rotated[len(group)-offset:], group[:offset])
	return rotated
}

func (s *Selector) counterFor(canonicalID string, priority int) *atomic.Uint64 {
	key := canonicalID + "|" + strconv.Itoa(priority)

	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.rotation[key]
	if !ok {
		c = &atomic.Uint64{}
		s.rotation[key] = c
	}
	return c
}

// IsRetryable reports whether outcome should trigger an attempt against the
// next binding in the chain, mirroring internal/proxy/failover.go's
// isRetryable: provider-side failures, rate limiting, and context deadlines
// are retryable; client errors are not, since a different provider won't
// change the fact the request itself is malformed.
func IsRetryable(outcome domain.Outcome) bool {
	switch outcome {
	case domain.OutcomeClientError:
		return false
	case domain.OutcomeCancelled:
		return false
	default:
		return true
	}
}

// ClassifyStatus maps an upstream HTTP status code to an Outcome, mirroring
// internal/proxy/failover.go's classifyError.
func ClassifyStatus(status int) domain.Outcome {
	switch {
	case status == 429:
		return domain.OutcomeRateLimited
	case status >= 500:
		return domain.OutcomeProviderError
	case status >= 400:
		return domain.OutcomeClientError
	default:
		return domain.OutcomeSuccess
	}
}

// ClassifyErr classifies a transport-level error (no HTTP status available),
// used when the dial itself failed rather than returning a response.
func ClassifyErr(ctx context.Context, err error) domain.Outcome {
	if err == nil {
		return domain.OutcomeSuccess
	}
	if ctx.Err() == context.Canceled {
		return domain.OutcomeCancelled
	}
	return domain.OutcomeProviderError
}
