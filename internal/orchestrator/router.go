package orchestrator

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"parlor/internal/branch"
	"parlor/internal/domain"
	"parlor/internal/jobs"
	"parlor/internal/messaging/inproc"
	"parlor/internal/roster"
)

// routeDirectives executes the directives stripped from a finalized turn, in
// the order they appeared. A failed directive never aborts the turn or the
// round; it only produces a failure notification.
func (s *Service) routeDirectives(node *branch.Node, slot *roster.AgentSlot, directives []domain.Directive, round int) {
	for _, d := range directives {
		switch d.Kind {
		case domain.DirectiveAddAI:
			s.handleAddAI(node, slot, d, round)
		case domain.DirectiveRemoveAI:
			s.appendNotification(node,
				fmt.Sprintf("🗳️ %s: !remove_ai %q — consensus not yet implemented", s.byline(slot), d.Param("target")),
				domain.OutcomeFailure)
		case domain.DirectiveListModels:
			s.handleListModels(node, slot)
		case domain.DirectiveMuteSelf:
			s.roster.Mute(slot)
			s.appendNotification(node, fmt.Sprintf("🔇 %s: !mute_self", s.byline(slot)), domain.OutcomeSuccess)
		case domain.DirectivePrompt:
			s.handlePrompt(node, slot, d)
		case domain.DirectiveTemperature:
			s.handleTemperature(node, slot, d)
		case domain.DirectiveImage:
			s.handleImage(node, slot, d)
		case domain.DirectiveVideo:
			s.handleVideo(node, slot, d)
		case domain.DirectiveSearch:
			s.handleSearch(node, slot, d)
		default:
			s.appendNotification(node,
				fmt.Sprintf("❌ %s: !%s — unknown command", s.byline(slot), d.Kind),
				domain.OutcomeFailure)
		}
	}
}

// byline formats the "[AI-n (Model Name)]" prefix used by every notification.
func (s *Service) byline(slot *roster.AgentSlot) string {
	return fmt.Sprintf("[%s (%s)]", slot.Name(), slot.Model.DisplayName)
}

func (s *Service) handleAddAI(node *branch.Node, slot *roster.AgentSlot, d domain.Directive, round int) {
	query := d.Param("model")
	res := s.roster.RequestInvite(query, d.Param("persona"), slot.Name(), round)

	by := s.byline(slot)
	switch res.Reason {
	case roster.InviteOK:
		if persona := d.Param("persona"); persona != "" {
			s.appendNotification(node, fmt.Sprintf("✨ %s: !add_ai %q %q", by, res.Resolved.DisplayName, persona), domain.OutcomeSuccess)
		} else {
			s.appendNotification(node, fmt.Sprintf("✨ %s: !add_ai %q", by, res.Resolved.DisplayName), domain.OutcomeSuccess)
		}
	case roster.InviteNoModel:
		s.appendNotification(node, fmt.Sprintf("❌ %s: !add_ai — no model specified", by), domain.OutcomeFailure)
	case roster.InviteUnknownModel:
		s.appendNotification(node, fmt.Sprintf("❌ %s: !add_ai %q — no matching model", by, query), domain.OutcomeFailure)
	case roster.InviteCapacity:
		s.appendNotification(node, fmt.Sprintf("❌ %s: !add_ai %q — %s", by, query, res.ReasonDetail), domain.OutcomeFailure)
	case roster.InviteTierBlocked:
		s.appendNotification(node, fmt.Sprintf("❌ %s: !add_ai %q — %s", by, res.Resolved.DisplayName, res.ReasonDetail), domain.OutcomeFailure)
	case roster.InviteDuplicateActive:
		s.appendNotification(node, fmt.Sprintf("ℹ️ %s: !add_ai %q — already in conversation as AI-%d", by, res.Resolved.DisplayName, res.DuplicateSlot), domain.OutcomeInfo)
	case roster.InviteDuplicatePending:
		s.appendNotification(node, fmt.Sprintf("ℹ️ %s: !add_ai %q — already invited this round", by, res.Resolved.DisplayName), domain.OutcomeInfo)
	}
}

func (s *Service) handleListModels(node *branch.Node, slot *roster.AgentSlot) {
	models := s.roster.InvitableModels()
	if len(models) == 0 {
		s.appendNotification(node, fmt.Sprintf("❌ %s: !list_models — models list not found", s.byline(slot)), domain.OutcomeFailure)
		return
	}
	var b strings.Builder
	fmt.Fprintf(&b, "📋 %s: !list_models\n", s.byline(slot))
	for _, m := range models {
		fmt.Fprintf(&b, "- %s (%s)\n", m.DisplayName, m.ID)
	}
	s.appendNotification(node, strings.TrimRight(b.String(), "\n"), domain.OutcomeSuccess)
}

// handlePrompt appends to the agent's own directive. Other agents see only a
// privacy trace; the full text goes to the display bus.
func (s *Service) handlePrompt(node *branch.Node, slot *roster.AgentSlot, d domain.Directive) {
	text := d.Param("text")
	if err := s.roster.AppendAddendum(slot, text); err != nil {
		s.appendNotification(node, fmt.Sprintf("❌ %s: !prompt — %s", s.byline(slot), err), domain.OutcomeFailure)
		return
	}
	s.appendTrace(node, fmt.Sprintf("[%s modified their system prompt]", slot.Name()))
	s.publishDisplayOnly(node, fmt.Sprintf("💭 %s: !prompt %q", s.byline(slot), text), domain.OutcomeSuccess)
}

func (s *Service) handleTemperature(node *branch.Node, slot *roster.AgentSlot, d domain.Directive) {
	raw := d.Param("value")
	value, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		s.appendNotification(node, fmt.Sprintf("❌ %s: !temperature — invalid value '%s'", s.byline(slot), raw), domain.OutcomeFailure)
		return
	}
	if err := s.roster.SetTemperature(slot, value); err != nil {
		s.appendNotification(node, fmt.Sprintf("❌ %s: !temperature %v — %s", s.byline(slot), value, err), domain.OutcomeFailure)
		return
	}
	s.appendTrace(node, fmt.Sprintf("[%s adjusted their temperature]", slot.Name()))
	s.publishDisplayOnly(node, fmt.Sprintf("🌡️ %s: !temperature %v", s.byline(slot), value), domain.OutcomeSuccess)
}

func (s *Service) handleImage(node *branch.Node, slot *roster.AgentSlot, d domain.Directive) {
	prompt := strings.TrimSpace(d.Param("prompt"))
	if len(prompt) < 3 {
		s.appendNotification(node, fmt.Sprintf("❌ %s: !image — prompt too short", s.byline(slot)), domain.OutcomeFailure)
		return
	}
	pending := s.appendPendingNotification(node, fmt.Sprintf("🎨 %s: !image %q (generating...)", s.byline(slot), truncate(prompt, 50)))
	s.startJob(domain.DirectiveImage, node, slot, prompt, pending, s.deps.Effects.GenerateImage)
}

func (s *Service) handleVideo(node *branch.Node, slot *roster.AgentSlot, d domain.Directive) {
	prompt := strings.TrimSpace(d.Param("prompt"))
	if len(prompt) < 3 {
		s.appendNotification(node, fmt.Sprintf("❌ %s: !video — prompt too short", s.byline(slot)), domain.OutcomeFailure)
		return
	}
	pending := s.appendPendingNotification(node, fmt.Sprintf("🎬 %s: !video %q (generating...)", s.byline(slot), truncate(prompt, 50)))
	s.startJob(domain.DirectiveVideo, node, slot, prompt, pending, s.deps.Effects.GenerateVideo)
}

func (s *Service) handleSearch(node *branch.Node, slot *roster.AgentSlot, d domain.Directive) {
	query := strings.TrimSpace(d.Param("query"))
	if len(query) < 3 {
		s.appendNotification(node, fmt.Sprintf("❌ %s: !search — query too short", s.byline(slot)), domain.OutcomeFailure)
		return
	}
	pending := s.appendPendingNotification(node, fmt.Sprintf("🔍 %s: !search %q (searching...)", s.byline(slot), query))
	s.startJob(domain.DirectiveSearch, node, slot, query, pending, s.deps.Effects.Search)
}

// startJob launches a detached job. The completion is fenced by (node,
// generation): results landing after a reset, or for a node that no longer
// exists, are dropped along with their pending notification.
func (s *Service) startJob(kind domain.DirectiveKind, node *branch.Node, slot *roster.AgentSlot, prompt, pendingID string, run func(ctx context.Context, prompt string) jobs.Result) {
	gen := s.generation
	s.publish(inproc.Event{Topic: inproc.TopicJobStarted, NodeID: node.ID, Slot: slot.Number})
	s.deps.Runner.Start(kind, prompt, func(ctx context.Context) jobs.Result {
		return run(ctx, prompt)
	}, func(res jobs.Result) {
		s.post(func() {
			if s.generation != gen {
				return
			}
			if _, ok := s.tree.Get(node.ID); !ok {
				return
			}
			node.RemoveMessage(pendingID)
			s.erase(pendingID)
			s.completeJob(node, slot, res)
		})
	})
}

func (s *Service) completeJob(node *branch.Node, slot *roster.AgentSlot, res jobs.Result) {
	by := s.byline(slot)
	if res.Err != nil {
		var bang string
		switch res.Kind {
		case domain.DirectiveImage:
			bang = "!image"
		case domain.DirectiveVideo:
			bang = "!video"
		default:
			bang = "!search"
		}
		s.appendNotification(node, fmt.Sprintf("❌ %s: %s %q — %s", by, bang, truncate(res.Prompt, 50), res.Err), domain.OutcomeFailure)
		s.publish(inproc.Event{Topic: inproc.TopicJobCompleted, NodeID: node.ID, Slot: slot.Number})
		return
	}

	var msg domain.Message
	switch res.Kind {
	case domain.DirectiveImage, domain.DirectiveVideo:
		bang := "!image"
		if res.Kind == domain.DirectiveVideo {
			bang = "!video"
		}
		msg = domain.Message{
			ID:   uuid.NewString(),
			Role: domain.RoleSystem,
			Type: domain.MessageTypeDialogue,
			Parts: []domain.Part{
				{Text: fmt.Sprintf("%s: %s %q", by, bang, res.Prompt)},
				{MediaPath: res.Path, MediaType: res.MediaType},
			},
			Outcome:   domain.OutcomeSuccess,
			CreatedAt: time.Now().UTC(),
		}
	case domain.DirectiveSearch:
		var b strings.Builder
		fmt.Fprintf(&b, "🔍 %s: !search %q\n\n**Search Results:**\n", by, res.Prompt)
		for i, r := range res.Results {
			fmt.Fprintf(&b, "%d. **%s**\n   %s\n   %s\n", i+1, r.Title, r.URL, r.Snippet)
		}
		msg = domain.Message{
			ID:        uuid.NewString(),
			Role:      domain.RoleSystem,
			Type:      domain.MessageTypeSearchResult,
			Outcome:   domain.OutcomeSuccess,
			CreatedAt: time.Now().UTC(),
		}
		msg.SetText(strings.TrimRight(b.String(), "\n"))
	}

	node.Append(msg)
	s.record(node, msg)
	s.publish(inproc.Event{Topic: inproc.TopicJobCompleted, NodeID: node.ID, Slot: slot.Number, Message: &msg})
}

// appendPendingNotification adds an in-progress info notification and returns
// its id so the job completion can withdraw it from the log and the archive
// before the terminal form lands.
func (s *Service) appendPendingNotification(node *branch.Node, text string) string {
	msg := domain.Message{
		ID:        uuid.NewString(),
		Role:      domain.RoleSystem,
		Type:      domain.MessageTypeNotification,
		Outcome:   domain.OutcomeInfo,
		Streaming: true,
		CreatedAt: time.Now().UTC(),
	}
	msg.SetText(text)
	node.Append(msg)
	s.record(node, msg)
	s.publish(inproc.Event{Topic: inproc.TopicNotification, NodeID: node.ID, Message: &msg})
	return msg.ID
}

// appendTrace adds a privacy trace visible to the other agents in place of a
// directive's full content.
func (s *Service) appendTrace(node *branch.Node, text string) {
	msg := domain.Message{
		ID:        uuid.NewString(),
		Role:      domain.RoleSystem,
		Type:      domain.MessageTypeNotification,
		Outcome:   domain.OutcomeInfo,
		CreatedAt: time.Now().UTC(),
	}
	msg.SetText(text)
	node.Append(msg)
	s.record(node, msg)
	s.publish(inproc.Event{Topic: inproc.TopicNotification, NodeID: node.ID, Message: &msg})
}

// publishDisplayOnly sends a notification to the display bus without putting
// it in the conversation log.
func (s *Service) publishDisplayOnly(node *branch.Node, text string, outcome domain.Outcome) {
	msg := domain.Message{
		ID:        uuid.NewString(),
		Role:      domain.RoleSystem,
		Type:      domain.MessageTypeNotification,
		Outcome:   outcome,
		CreatedAt: time.Now().UTC(),
	}
	msg.SetText(text)
	s.publish(inproc.Event{Topic: inproc.TopicNotification, NodeID: node.ID, Message: &msg})
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
