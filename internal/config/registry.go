package config

import (
	"strings"

	"parlor/internal/domain"
)

// Registry holds the invitable model identities and answers fuzzy lookups
// for invite resolution. The entry order is the configured order; Resolve
// returns the first match.
type Registry struct {
	models []domain.ModelInfo
}

func NewRegistry(models []domain.ModelInfo) *Registry {
	return &Registry{models: models}
}

// Resolve fuzzy-matches query against display names and ids. When prefer is
// TierFree or TierPaid, a first pass only admits models from that tier; if
// that pass finds nothing, any match is returned. The caller is responsible
// for enforcing the tier restriction on the fallback result.
func (r *Registry) Resolve(query string, prefer domain.Tier) (domain.ModelInfo, bool) {
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return domain.ModelInfo{}, false
	}
	if prefer == domain.TierFree || prefer == domain.TierPaid {
		for _, m := range r.models {
			if m.Tier == prefer && matches(m, q) {
				return m, true
			}
		}
	}
	for _, m := range r.models {
		if matches(m, q) {
			return m, true
		}
	}
	return domain.ModelInfo{}, false
}

func matches(m domain.ModelInfo, q string) bool {
	return strings.Contains(strings.ToLower(m.DisplayName), q) ||
		strings.Contains(strings.ToLower(m.ID), q)
}

// ListTier returns the models available under the given tier restriction.
func (r *Registry) ListTier(tier domain.Tier) []domain.ModelInfo {
	if tier != domain.TierFree && tier != domain.TierPaid {
		out := make([]domain.ModelInfo, len(r.models))
		copy(out, r.models)
		return out
	}
	out := make([]domain.ModelInfo, 0, len(r.models))
	for _, m := range r.models {
		if m.Tier == tier {
			out = append(out, m)
		}
	}
	return out
}

// Find returns the registry entry whose display name or id equals name,
// falling back to fuzzy resolution. Used to bind configured slots.
func (r *Registry) Find(name string) (domain.ModelInfo, bool) {
	for _, m := range r.models {
		if strings.EqualFold(m.DisplayName, name) || strings.EqualFold(m.ID, name) {
			return m, true
		}
	}
	return r.Resolve(name, domain.TierAny)
}
