package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"parlor/internal/backend"
	"parlor/internal/branch"
	"parlor/internal/command"
	"parlor/internal/domain"
	"parlor/internal/messaging/inproc"
	"parlor/internal/roster"
)

type turnResult struct {
	text string
	err  error
}

// runSchedule executes the configured number of rounds. A new human input
// arriving between rounds is absorbed immediately and restarts the schedule
// with a full round budget. A reset abandons the schedule: the remaining
// rounds belong to the conversation that no longer exists.
func (s *Service) runSchedule(ctx context.Context) {
	gen := s.generation
	remaining := s.cfg.Iterations
	for remaining > 0 {
		if s.generation != gen {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case text := <-s.inputs:
			s.handleHumanInput(ctx, text)
			remaining = s.cfg.Iterations
			continue
		case fn := <-s.posts:
			fn()
			continue
		default:
		}
		s.runRound(ctx)
		if s.generation != gen {
			return
		}
		remaining--
	}
}

// runRound gives every active slot one turn in slot order, then flushes the
// pending invite queue: each admitted invitee takes an immediate turn, and
// invites queued during those turns are flushed too, until the queue is
// empty. The round counts even if every slot was muted.
func (s *Service) runRound(ctx context.Context) {
	node := s.tree.Active()
	gen := s.generation
	number := node.Rounds + 1

	roundID, err := s.deps.Archive.StartRound(context.Background(), s.sessionID, node.ID, number)
	if err != nil {
		s.logger.Printf("orchestrator: start round %d: %v", number, err)
	}

	active := make([]*roster.AgentSlot, len(s.roster.Slots()))
	copy(active, s.roster.Slots())
	for _, slot := range active {
		if s.interrupted(ctx) || s.generation != gen {
			return
		}
		s.takeTurn(ctx, node, slot, number)
	}

	for {
		if s.interrupted(ctx) || s.generation != gen {
			return
		}
		slot, _, ok := s.roster.TakePendingInvite()
		if !ok {
			break
		}
		s.takeTurn(ctx, node, slot, number)
	}
	if s.generation != gen {
		return
	}

	node.Rounds = number
	if roundID != 0 {
		if err := s.deps.Archive.CompleteRound(context.Background(), roundID); err != nil {
			s.logger.Printf("orchestrator: complete round %d: %v", number, err)
		}
	}
	s.publish(inproc.Event{Topic: inproc.TopicRoundComplete, NodeID: node.ID, Round: number})
}

func (s *Service) interrupted(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return true
	case <-s.stop:
		return true
	default:
		return false
	}
}

// takeTurn runs one agent turn to completion. Exactly one turn is in flight
// at a time; streamed chunks and job completions re-enter through posts while
// the turn is awaited.
func (s *Service) takeTurn(ctx context.Context, node *branch.Node, slot *roster.AgentSlot, round int) {
	if s.roster.ConsumeMute(slot) {
		s.appendNotification(node, fmt.Sprintf("[%s used !mute_self - listening this turn]", slot.Name()), domain.OutcomeInfo)
		return
	}

	gen := s.generation
	history := snapshotLog(node)
	directive := slot.Directive()
	if overlay, ok := node.DirectiveOverlay(); ok {
		directive = overlay
	}

	placeholder := domain.Message{
		ID:        uuid.NewString(),
		Role:      domain.RoleAgent,
		Type:      domain.MessageTypeDialogue,
		Slot:      slot.Number,
		Author:    slot.Name(),
		Model:     slot.Model.ID,
		Parts:     []domain.Part{{}},
		Streaming: true,
		CreatedAt: time.Now().UTC(),
	}
	node.Append(placeholder)
	s.record(node, placeholder)
	s.publish(inproc.Event{Topic: inproc.TopicTurnStarted, NodeID: node.ID, Slot: slot.Number, Round: round, Message: &placeholder})

	req := backend.Request{
		Model:       slot.Model.ID,
		Directive:   directive,
		Temperature: slot.Temperature,
		SelfSlot:    slot.Number,
		History:     history,
	}
	callCtx, cancel := context.WithTimeout(ctx, s.cfg.TurnTimeout)
	done := make(chan turnResult, 1)
	go func() {
		text, err := s.deps.Backend.Call(callCtx, req, func(delta string) {
			s.post(func() {
				if s.generation != gen {
					return
				}
				// job completions removing earlier messages shift indices,
				// so the placeholder is located by id every time; a delta
				// that sat in the queue past finalization is dropped, the
				// frozen text already contains it
				i := logIndex(node, placeholder.ID)
				if i < 0 || !node.Log[i].Streaming {
					return
				}
				node.Log[i].SetText(node.Log[i].Text() + delta)
				s.publish(inproc.Event{Topic: inproc.TopicTurnChunk, NodeID: node.ID, Slot: slot.Number, Round: round, Delta: delta})
			})
		})
		done <- turnResult{text: text, err: err}
	}()
	res := s.awaitTurn(done)
	cancel()
	if s.generation != gen {
		// reset landed while the turn was in flight: the result belongs to
		// the abandoned conversation
		return
	}

	idx := logIndex(node, placeholder.ID)
	if res.err != nil {
		kind := backend.KindOf(res.err)
		s.logger.Printf("orchestrator: %s turn failed (%s): %v", slot.Name(), kind, res.err)
		if idx >= 0 {
			node.Log[idx].Type = domain.MessageTypeError
			node.Log[idx].Streaming = false
			node.Log[idx].SetText(fmt.Sprintf("❌ [%s (%s)]: no response — %s", slot.Name(), slot.Model.DisplayName, kind))
			final := node.Log[idx]
			s.erase(placeholder.ID)
			s.record(node, final)
			s.publish(inproc.Event{Topic: inproc.TopicTurnFinalized, NodeID: node.ID, Slot: slot.Number, Round: round, Message: &final})
		}
		s.delay(ctx)
		return
	}
	node.AgentTurns++

	clean, directives := command.Parse(res.text)
	if strings.TrimSpace(clean) == "" || idx < 0 {
		// nothing left after stripping directives: retract the bubble
		node.RemoveMessage(placeholder.ID)
		s.erase(placeholder.ID)
		s.publish(inproc.Event{Topic: inproc.TopicTurnFinalized, NodeID: node.ID, Slot: slot.Number, Round: round})
	} else {
		node.Log[idx].SetText(clean)
		node.Log[idx].Streaming = false
		final := node.Log[idx]
		s.updateParts(final)
		s.publish(inproc.Event{Topic: inproc.TopicTurnFinalized, NodeID: node.ID, Slot: slot.Number, Round: round, Message: &final})
	}

	s.routeDirectives(node, slot, directives, round)
	s.delay(ctx)
}

// awaitTurn blocks until the in-flight turn finishes while keeping the posts
// channel drained, so chunk updates and job completions land in order on this
// goroutine.
func (s *Service) awaitTurn(done <-chan turnResult) turnResult {
	for {
		select {
		case fn := <-s.posts:
			fn()
		case res := <-done:
			return res
		}
	}
}

func (s *Service) delay(ctx context.Context) {
	if s.cfg.TurnDelay <= 0 {
		return
	}
	t := time.NewTimer(s.cfg.TurnDelay)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	case <-s.stop:
	}
}

func logIndex(node *branch.Node, id string) int {
	for i := range node.Log {
		if node.Log[i].ID == id {
			return i
		}
	}
	return -1
}

// snapshotLog freezes the node's log as the turn context. Later appends and
// streaming updates do not leak into an in-flight request, and unfinalized
// placeholders (pending job notifications) are skipped.
func snapshotLog(node *branch.Node) []domain.Message {
	out := make([]domain.Message, 0, len(node.Log))
	for _, m := range node.Log {
		if m.Streaming {
			continue
		}
		parts := make([]domain.Part, len(m.Parts))
		copy(parts, m.Parts)
		m.Parts = parts
		out = append(out, m)
	}
	return out
}

// appendNotification adds a system notification to the node log, archives it,
// and publishes it for display.
func (s *Service) appendNotification(node *branch.Node, text string, outcome domain.Outcome) {
	msg := domain.Message{
		ID:        uuid.NewString(),
		Role:      domain.RoleSystem,
		Type:      domain.MessageTypeNotification,
		Outcome:   outcome,
		CreatedAt: time.Now().UTC(),
	}
	msg.SetText(text)
	node.Append(msg)
	s.record(node, msg)
	s.publish(inproc.Event{Topic: inproc.TopicNotification, NodeID: node.ID, Message: &msg})
}
