// Package registry resolves a client-facing model name to the canonical
// model it names and the ordered set of provider bindings that can serve it.
// It generalizes the flat alias→provider maps in internal/providers
// (ModelAliases, EmbeddingModelAliases) into a structure that also carries
// per-provider priority, pricing, and capabilities.
//
// The active snapshot is swapped atomically so a reload (triggered by an
// external sync job, out of scope here) never blocks or races with readers.
package registry

import (
	"errors"
	"strings"
	"sync/atomic"

	"github.com/nulpointcorp/inference-gateway/internal/domain"
)

// ErrNotFound is returned by Resolve when no canonical model matches.
var ErrNotFound = errors.New("registry: canonical model not found")

type snapshot struct {
	byCanonical map[string]domain.CanonicalModel
	byAlias     map[string]string // alias (including canonical_id itself) -> canonical_id
	byUpstream  map[[2]string]string // (provider_slug, upstream_model_id) -> canonical_id
}

// normalize puts a client-facing model name into the case-insensitive
// lookup space used by byAlias: lowercased and stripped of surrounding
// whitespace. Stored canonical_ids themselves (byCanonical, Bindings,
// etc.) are left exactly as configured — only the alias index is folded.
func normalize(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

func newSnapshot(models []domain.CanonicalModel) *snapshot {
	s := &snapshot{
		byCanonical: make(map[string]domain.CanonicalModel, len(models)),
		byAlias:     make(map[string]string, len(models)*2),
		byUpstream:  make(map[[2]string]string, len(models)*2),
	}
	for _, m := range models {
		s.byCanonical[m.CanonicalID] = m
		s.byAlias[normalize(m.CanonicalID)] = m.CanonicalID
		for _, alias := range m.Aliases {
			s.byAlias[normalize(alias)] = m.CanonicalID
		}
		for _, b := range m.Bindings {
			s.byUpstream[[2]string{b.ProviderSlug, b.UpstreamModelID}] = m.CanonicalID
		}
	}
	return s
}

// Registry holds the live canonical-model catalog. The zero value is not
// usable; construct with New.
type Registry struct {
	current atomic.Pointer[snapshot]
}

// New builds a Registry from an initial set of canonical models.
func New(models []domain.CanonicalModel) *Registry {
	r := &Registry{}
	r.current.Store(newSnapshot(models))
	return r
}

// Load replaces the live catalog wholesale. Safe to call concurrently with
// Resolve/Get/Bindings; in-flight reads against the old snapshot complete
// against a consistent view.
func (r *Registry) Load(models []domain.CanonicalModel) {
	r.current.Store(newSnapshot(models))
}

// Resolve maps a client-facing model name (a canonical_id or any of its
// aliases) to the CanonicalModel it names. Matching is case-insensitive:
// resolve(upper(a)) and resolve(a) both yield the same canonical_id.
func (r *Registry) Resolve(name string) (domain.CanonicalModel, error) {
	snap := r.current.Load()
	canonicalID, ok := snap.byAlias[normalize(name)]
	if !ok {
		return domain.CanonicalModel{}, ErrNotFound
	}
	m, ok := snap.byCanonical[canonicalID]
	if !ok {
		return domain.CanonicalModel{}, ErrNotFound
	}
	return m, nil
}

// Get looks up a CanonicalModel by its exact canonical_id, without alias
// resolution.
func (r *Registry) Get(canonicalID string) (domain.CanonicalModel, bool) {
	snap := r.current.Load()
	m, ok := snap.byCanonical[canonicalID]
	return m, ok
}

// Bindings returns the ordered provider bindings for a resolved canonical
// model, convenience over Resolve(name).Bindings.
func (r *Registry) Bindings(name string) ([]domain.ProviderBinding, error) {
	m, err := r.Resolve(name)
	if err != nil {
		return nil, err
	}
	return m.Bindings, nil
}

// ReverseResolve maps a (provider_slug, upstream_model_id) pair back to the
// canonical model it belongs to. Used by HealthTracker and logging paths
// that only observe the upstream identifier.
func (r *Registry) ReverseResolve(providerSlug, upstreamModelID string) (string, bool) {
	snap := r.current.Load()
	canonicalID, ok := snap.byUpstream[[2]string{providerSlug, upstreamModelID}]
	return canonicalID, ok
}

// All returns every canonical model currently loaded, in no particular
// order. Used by HealthTracker to build its probe schedule.
func (r *Registry) All() []domain.CanonicalModel {
	snap := r.current.Load()
	out := make([]domain.CanonicalModel, 0, len(snap.byCanonical))
	for _, m := range snap.byCanonical {
		out = append(out, m)
	}
	return out
}
