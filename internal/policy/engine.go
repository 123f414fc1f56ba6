package policy

import (
	"strings"

	"parlor/internal/domain"
)

// MaxAgents is the hard roster capacity.
const MaxAgents = 5

// Engine evaluates invite admission rules: capacity, tier restriction, and
// duplicate suppression. It holds only settings; roster state is passed in.
type Engine struct {
	tier            domain.Tier
	allowDuplicates bool
}

func New(tier domain.Tier, allowDuplicates bool) *Engine {
	if tier == "" {
		tier = domain.TierAny
	}
	return &Engine{tier: tier, allowDuplicates: allowDuplicates}
}

func (e *Engine) Tier() domain.Tier {
	return e.tier
}

// CanAdmit checks roster capacity. Pending invites count against capacity so
// two invites in one round cannot both claim the last slot.
func (e *Engine) CanAdmit(active, pending int) (bool, string) {
	if active+pending >= MaxAgents {
		return false, "maximum of 5 AIs already reached"
	}
	return true, ""
}

// TierAllows enforces the invite tier restriction as a hard gate. It runs
// after fuzzy resolution, so an out-of-tier fallback match is rejected here
// rather than silently admitted.
func (e *Engine) TierAllows(model domain.ModelInfo) (bool, string) {
	switch e.tier {
	case domain.TierFree:
		if model.Tier != domain.TierFree {
			return false, "only FREE models allowed"
		}
	case domain.TierPaid:
		if model.Tier != domain.TierPaid {
			return false, "only PAID models allowed"
		}
	}
	return true, ""
}

// DuplicateActive reports the slot number already bound to the model, or 0.
// Only consulted when duplicate suppression is enabled.
func (e *Engine) DuplicateActive(model domain.ModelInfo, active []domain.ModelInfo, slots []int) int {
	if e.allowDuplicates {
		return 0
	}
	for i, m := range active {
		if strings.EqualFold(m.ID, model.ID) {
			return slots[i]
		}
	}
	return 0
}

// DuplicatePending reports whether the model was already invited this round.
// Pending duplicates are always suppressed, regardless of the duplicate
// setting.
func (e *Engine) DuplicatePending(model domain.ModelInfo, pending []domain.ModelInfo) bool {
	for _, m := range pending {
		if strings.EqualFold(m.ID, model.ID) {
			return true
		}
	}
	return false
}
