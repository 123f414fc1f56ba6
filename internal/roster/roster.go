package roster

import (
	"fmt"
	"strings"

	"parlor/internal/domain"
	"parlor/internal/policy"
)

// AgentSlot is one seat in the conversation. Slot numbers are stable for the
// session; slots are never removed (removal would require consensus, which is
// not implemented). Mutable fields are written only by the slot's own
// directives or by the scheduler consuming the mute flag.
type AgentSlot struct {
	Number        int
	Model         domain.ModelInfo
	BaseDirective string
	Persona       string
	Temperature   float64
	Addenda       []string
	MutedNextTurn bool
}

// Name returns the stable display name, e.g. "AI-2".
func (s *AgentSlot) Name() string {
	return fmt.Sprintf("AI-%d", s.Number)
}

// Directive assembles the slot's effective base directive: persona override
// when set, then the base text, then every addendum the agent appended to
// itself, in order. Branch overlays are applied above this by the scheduler.
func (s *AgentSlot) Directive() string {
	var b strings.Builder
	if s.Persona != "" {
		fmt.Fprintf(&b, "You are %s. %s", s.Name(), s.Persona)
	} else {
		b.WriteString(s.BaseDirective)
	}
	for _, add := range s.Addenda {
		b.WriteString("\n\n")
		b.WriteString(add)
	}
	return b.String()
}

// PendingInvite is an accepted invite waiting for the end-of-round flush.
type PendingInvite struct {
	SlotNumber int
	Model      domain.ModelInfo
	Persona    string
	InvitedBy  string
	Round      int
}

type InviteReason string

const (
	InviteOK               InviteReason = "ok"
	InviteNoModel          InviteReason = "no model specified"
	InviteUnknownModel     InviteReason = "no matching model"
	InviteCapacity         InviteReason = "capacity"
	InviteTierBlocked      InviteReason = "tier"
	InviteDuplicateActive  InviteReason = "already in conversation"
	InviteDuplicatePending InviteReason = "already invited this round"
)

type InviteResult struct {
	Outcome       domain.Outcome
	Reason        InviteReason
	ReasonDetail  string
	Resolved      domain.ModelInfo
	SlotNumber    int
	DuplicateSlot int
}

// Resolver answers model lookups for invite resolution.
type Resolver interface {
	Resolve(query string, prefer domain.Tier) (domain.ModelInfo, bool)
	ListTier(tier domain.Tier) []domain.ModelInfo
}

// Roster is the ordered set of active agent slots plus the per-round pending
// invite queue. It is owned by the scheduling goroutine and is not safe for
// concurrent use.
type Roster struct {
	slots    []*AgentSlot
	pending  []PendingInvite
	registry Resolver
	policy   *policy.Engine

	defaultDirective string
}

func New(registry Resolver, pol *policy.Engine, defaultDirective string) *Roster {
	return &Roster{
		registry:         registry,
		policy:           pol,
		defaultDirective: defaultDirective,
	}
}

// AddSlot appends an initial slot at session start. Returns an error once
// capacity is reached.
func (r *Roster) AddSlot(model domain.ModelInfo, directive string) (*AgentSlot, error) {
	if len(r.slots) >= policy.MaxAgents {
		return nil, fmt.Errorf("roster is full (%d slots)", policy.MaxAgents)
	}
	if directive == "" {
		directive = r.defaultDirective
	}
	slot := &AgentSlot{
		Number:        len(r.slots) + 1,
		Model:         model,
		BaseDirective: directive,
		Temperature:   1.0,
	}
	r.slots = append(r.slots, slot)
	return slot, nil
}

// Slots returns the active slots in ascending slot order.
func (r *Roster) Slots() []*AgentSlot {
	return r.slots
}

func (r *Roster) Len() int {
	return len(r.slots)
}

func (r *Roster) Get(number int) (*AgentSlot, bool) {
	if number < 1 || number > len(r.slots) {
		return nil, false
	}
	return r.slots[number-1], true
}

// Pending returns the queued invites in first-requested order.
func (r *Roster) Pending() []PendingInvite {
	return r.pending
}

// ClearPending drops all queued invites. Called on human input and reset.
func (r *Roster) ClearPending() {
	r.pending = nil
}

// RequestInvite resolves a model query and, when admissible, queues a
// PendingInvite for the end-of-round flush. The invite never touches the live
// slot list mid-round.
func (r *Roster) RequestInvite(query, persona, invitedBy string, round int) InviteResult {
	if strings.TrimSpace(query) == "" {
		return InviteResult{Outcome: domain.OutcomeFailure, Reason: InviteNoModel}
	}

	if ok, detail := r.policy.CanAdmit(len(r.slots), len(r.pending)); !ok {
		return InviteResult{Outcome: domain.OutcomeFailure, Reason: InviteCapacity, ReasonDetail: detail}
	}

	resolved, found := r.registry.Resolve(query, r.policy.Tier())
	if !found {
		return InviteResult{Outcome: domain.OutcomeFailure, Reason: InviteUnknownModel}
	}

	if ok, detail := r.policy.TierAllows(resolved); !ok {
		return InviteResult{
			Outcome:      domain.OutcomeFailure,
			Reason:       InviteTierBlocked,
			ReasonDetail: detail,
			Resolved:     resolved,
		}
	}

	activeModels := make([]domain.ModelInfo, len(r.slots))
	slotNumbers := make([]int, len(r.slots))
	for i, s := range r.slots {
		activeModels[i] = s.Model
		slotNumbers[i] = s.Number
	}
	if dup := r.policy.DuplicateActive(resolved, activeModels, slotNumbers); dup != 0 {
		return InviteResult{
			Outcome:       domain.OutcomeInfo,
			Reason:        InviteDuplicateActive,
			Resolved:      resolved,
			DuplicateSlot: dup,
		}
	}

	pendingModels := make([]domain.ModelInfo, len(r.pending))
	for i, p := range r.pending {
		pendingModels[i] = p.Model
	}
	if r.policy.DuplicatePending(resolved, pendingModels) {
		return InviteResult{
			Outcome:  domain.OutcomeInfo,
			Reason:   InviteDuplicatePending,
			Resolved: resolved,
		}
	}

	slotNumber := len(r.slots) + len(r.pending) + 1
	r.pending = append(r.pending, PendingInvite{
		SlotNumber: slotNumber,
		Model:      resolved,
		Persona:    strings.TrimSpace(persona),
		InvitedBy:  invitedBy,
		Round:      round,
	})
	return InviteResult{
		Outcome:    domain.OutcomeSuccess,
		Reason:     InviteOK,
		Resolved:   resolved,
		SlotNumber: slotNumber,
	}
}

// TakePendingInvite pops the oldest queued invite and admits it as a
// permanent slot. The scheduler calls this during the end-of-round flush,
// once per extra turn, until the queue is empty.
func (r *Roster) TakePendingInvite() (*AgentSlot, PendingInvite, bool) {
	if len(r.pending) == 0 {
		return nil, PendingInvite{}, false
	}
	inv := r.pending[0]
	r.pending = r.pending[1:]

	slot := &AgentSlot{
		Number:        inv.SlotNumber,
		Model:         inv.Model,
		BaseDirective: r.defaultDirective,
		Persona:       inv.Persona,
		Temperature:   1.0,
	}
	r.slots = append(r.slots, slot)
	return slot, inv, true
}

// Mute sets the slot's one-shot flag. Always succeeds.
func (r *Roster) Mute(slot *AgentSlot) {
	slot.MutedNextTurn = true
}

// ConsumeMute clears and reports the one-shot flag.
func (r *Roster) ConsumeMute(slot *AgentSlot) bool {
	if !slot.MutedNextTurn {
		return false
	}
	slot.MutedNextTurn = false
	return true
}

// AppendAddendum appends text to the slot's own future directive. Prior
// addenda are never replaced.
func (r *Roster) AppendAddendum(slot *AgentSlot, text string) error {
	text = strings.TrimSpace(text)
	if len(text) < 3 {
		return fmt.Errorf("prompt text too short")
	}
	slot.Addenda = append(slot.Addenda, text)
	return nil
}

// SetTemperature stores a sampling temperature for the slot's future turns.
func (r *Roster) SetTemperature(slot *AgentSlot, value float64) error {
	if value < 0 || value > 2 {
		return fmt.Errorf("must be between 0 and 2")
	}
	slot.Temperature = value
	return nil
}

// InvitableModels lists the registry entries an agent may invite under the
// current tier restriction.
func (r *Roster) InvitableModels() []domain.ModelInfo {
	return r.registry.ListTier(r.policy.Tier())
}
