// Package orchestrator runs the conversation: it schedules agent turns in
// round-robin order, routes side-effect directives, and keeps the branch
// tree, roster, and archive consistent. All conversation state is owned by a
// single scheduling goroutine; concurrent work re-enters through the posts
// channel.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"parlor/internal/backend"
	"parlor/internal/branch"
	"parlor/internal/domain"
	"parlor/internal/jobs"
	"parlor/internal/messaging/inproc"
	"parlor/internal/policy"
	"parlor/internal/roster"
)

var ErrStopped = errors.New("orchestrator is stopped")

// Archive persists the transcript. Failures are logged, never fatal: the
// in-memory conversation is the source of truth while the process lives.
type Archive interface {
	CreateSession(ctx context.Context, sessionID string) error
	MarkSessionReset(ctx context.Context, sessionID string) (int, error)
	RecordBranch(ctx context.Context, sessionID, branchID, parentID string, kind domain.BranchKind, anchor string) error
	AppendMessage(ctx context.Context, sessionID, branchID string, msg domain.Message) error
	UpdateMessageParts(ctx context.Context, messageID string, parts []domain.Part) error
	DeleteMessage(ctx context.Context, messageID string) error
	StartRound(ctx context.Context, sessionID, branchID string, number int) (int64, error)
	CompleteRound(ctx context.Context, roundID int64) error
}

type Bus interface {
	Publish(ev inproc.Event) error
}

// SideEffects performs the blocking work behind detached jobs.
type SideEffects interface {
	GenerateImage(ctx context.Context, prompt string) jobs.Result
	GenerateVideo(ctx context.Context, prompt string) jobs.Result
	Search(ctx context.Context, query string) jobs.Result
}

type Deps struct {
	Backend  backend.Backend
	Archive  Archive
	Bus      Bus
	Effects  SideEffects
	Runner   *jobs.Runner
	Resolver roster.Resolver
}

type InitialSlot struct {
	Model     domain.ModelInfo
	Directive string
}

type Config struct {
	SessionID            string
	Iterations           int
	TurnDelay            time.Duration
	TurnTimeout          time.Duration
	DefaultDirective     string
	InviteTier           domain.Tier
	AllowDuplicateModels bool
	InitialSlots         []InitialSlot
}

func (c Config) withDefaults() Config {
	if c.SessionID == "" {
		c.SessionID = uuid.NewString()
	}
	if c.Iterations <= 0 {
		c.Iterations = 1
	}
	if c.TurnTimeout <= 0 {
		c.TurnTimeout = 3 * time.Minute
	}
	if c.InviteTier == "" {
		c.InviteTier = domain.TierAny
	}
	if c.DefaultDirective == "" {
		c.DefaultDirective = "You are interacting with other AIs. Engage authentically."
	}
	return c
}

type Service struct {
	cfg    Config
	deps   Deps
	logger *log.Logger

	// owned by the scheduling goroutine
	roster     *roster.Roster
	tree       *branch.Tree
	sessionID  string
	generation int

	posts  chan func()
	inputs chan string
	stop   chan struct{}
	done   chan struct{}
}

func New(deps Deps, cfg Config, logger *log.Logger) (*Service, error) {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = log.Default()
	}
	if deps.Backend == nil || deps.Archive == nil || deps.Bus == nil || deps.Resolver == nil || deps.Effects == nil {
		return nil, fmt.Errorf("orchestrator: missing dependency")
	}
	if deps.Runner == nil {
		deps.Runner = jobs.NewRunner(logger, 0)
	}
	if len(cfg.InitialSlots) == 0 {
		return nil, fmt.Errorf("orchestrator: at least one initial slot required")
	}
	if len(cfg.InitialSlots) > policy.MaxAgents {
		return nil, fmt.Errorf("orchestrator: %d initial slots exceeds capacity %d", len(cfg.InitialSlots), policy.MaxAgents)
	}

	s := &Service{
		cfg:       cfg,
		deps:      deps,
		logger:    logger,
		tree:      branch.NewTree(),
		sessionID: cfg.SessionID,
		posts:     make(chan func(), 256),
		inputs:    make(chan string, 8),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	if err := s.buildRoster(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Service) buildRoster() error {
	pol := policy.New(s.cfg.InviteTier, s.cfg.AllowDuplicateModels)
	r := roster.New(s.deps.Resolver, pol, s.cfg.DefaultDirective)
	for _, init := range s.cfg.InitialSlots {
		if _, err := r.AddSlot(init.Model, init.Directive); err != nil {
			return fmt.Errorf("seed roster: %w", err)
		}
	}
	s.roster = r
	return nil
}

// Start records the session and launches the scheduling goroutine.
func (s *Service) Start(ctx context.Context) error {
	if err := s.deps.Archive.CreateSession(ctx, s.sessionID); err != nil {
		return fmt.Errorf("start session: %w", err)
	}
	if err := s.deps.Archive.RecordBranch(ctx, s.sessionID, branch.MainNodeID, "", domain.BranchKindMain, ""); err != nil {
		return fmt.Errorf("record main branch: %w", err)
	}
	go s.loop(ctx)
	return nil
}

func (s *Service) Stop() {
	select {
	case <-s.done:
	default:
		close(s.stop)
		<-s.done
	}
}

// SubmitHumanInput queues a human message. It triggers a fresh schedule of
// rounds, resets the remaining-round counter, and clears pending invites.
func (s *Service) SubmitHumanInput(text string) error {
	select {
	case s.inputs <- text:
		return nil
	case <-s.done:
		return ErrStopped
	default:
		return fmt.Errorf("input queue is full")
	}
}

// Reset abandons the conversation: new session, fresh tree, roster rebuilt
// from the configured slots. In-flight job results are fenced off by the
// generation bump. Applied on the scheduling goroutine.
func (s *Service) Reset() error {
	return s.call(func() error { return s.reset() })
}

// CreateBranch spawns a rabbithole or fork from the active node and makes it
// active. Takes effect for the next round.
func (s *Service) CreateBranch(anchor string, kind domain.BranchKind) (string, error) {
	var id string
	err := s.call(func() error {
		node, err := s.tree.CreateBranch(s.tree.Active().ID, anchor, kind)
		if err != nil {
			return err
		}
		id = node.ID
		s.archiveBranch(node)
		s.publish(inproc.Event{Topic: inproc.TopicBranch, NodeID: node.ID})
		marker := node.Log[len(node.Log)-1]
		s.record(node, marker)
		s.publish(inproc.Event{Topic: inproc.TopicNotification, NodeID: node.ID, Message: &marker})
		return nil
	})
	return id, err
}

// SwitchBranch redirects future rounds to an existing node. Nothing is
// replayed.
func (s *Service) SwitchBranch(id string) error {
	return s.call(func() error {
		if err := s.tree.SwitchActive(id); err != nil {
			return err
		}
		s.publish(inproc.Event{Topic: inproc.TopicBranch, NodeID: id})
		return nil
	})
}

// Snapshot returns a copy of the active node's log for display.
func (s *Service) Snapshot() ([]domain.Message, error) {
	var out []domain.Message
	err := s.call(func() error {
		node := s.tree.Active()
		out = make([]domain.Message, len(node.Log))
		copy(out, node.Log)
		return nil
	})
	return out, err
}

// Branches lists node ids in creation order, active node first returned id's
// position preserved.
func (s *Service) Branches() ([]string, error) {
	var out []string
	err := s.call(func() error {
		for _, n := range s.tree.Nodes() {
			out = append(out, n.ID)
		}
		return nil
	})
	return out, err
}

func (s *Service) loop(ctx context.Context) {
	defer close(s.done)
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case fn := <-s.posts:
			fn()
		case text := <-s.inputs:
			s.handleHumanInput(ctx, text)
			s.runSchedule(ctx)
		}
	}
}

// post hands a closure to the scheduling goroutine. Safe to call from any
// goroutine; dropped once the service is stopped.
func (s *Service) post(fn func()) {
	select {
	case s.posts <- fn:
	case <-s.done:
	}
}

// call runs fn on the scheduling goroutine and waits for its result. fn may
// run mid-schedule, between turns.
func (s *Service) call(fn func() error) error {
	errc := make(chan error, 1)
	s.post(func() { errc <- fn() })
	select {
	case err := <-errc:
		return err
	case <-s.done:
		return ErrStopped
	}
}

func (s *Service) handleHumanInput(ctx context.Context, text string) {
	node := s.tree.Active()
	msg := domain.Message{
		ID:        uuid.NewString(),
		Role:      domain.RoleHuman,
		Type:      domain.MessageTypeDialogue,
		Author:    "Human",
		CreatedAt: time.Now().UTC(),
	}
	msg.SetText(text)
	node.Append(msg)
	s.record(node, msg)
	s.publish(inproc.Event{Topic: inproc.TopicTurnFinalized, NodeID: node.ID, Message: &msg})

	// abandoned invites do not survive human input
	s.roster.ClearPending()
}

func (s *Service) reset() error {
	s.generation++
	if _, err := s.deps.Archive.MarkSessionReset(context.Background(), s.sessionID); err != nil {
		s.logger.Printf("orchestrator: mark session reset: %v", err)
	}

	s.sessionID = uuid.NewString()
	if err := s.deps.Archive.CreateSession(context.Background(), s.sessionID); err != nil {
		s.logger.Printf("orchestrator: create session after reset: %v", err)
	}
	if err := s.deps.Archive.RecordBranch(context.Background(), s.sessionID, branch.MainNodeID, "", domain.BranchKindMain, ""); err != nil {
		s.logger.Printf("orchestrator: record main branch after reset: %v", err)
	}

	s.tree = branch.NewTree()
	if err := s.buildRoster(); err != nil {
		return err
	}
	s.publish(inproc.Event{Topic: inproc.TopicBranch, NodeID: branch.MainNodeID})
	return nil
}

func (s *Service) archiveBranch(node *branch.Node) {
	err := s.deps.Archive.RecordBranch(context.Background(), s.sessionID, node.ID, node.ParentID, node.Kind, node.Anchor)
	if err != nil {
		s.logger.Printf("orchestrator: record branch %s: %v", node.ID, err)
	}
}

func (s *Service) record(node *branch.Node, msg domain.Message) {
	if err := s.deps.Archive.AppendMessage(context.Background(), s.sessionID, node.ID, msg); err != nil {
		s.logger.Printf("orchestrator: archive message %s: %v", msg.ID, err)
	}
}

// updateParts replaces an archived message's content in place. Used when a
// streamed placeholder finalizes.
func (s *Service) updateParts(msg domain.Message) {
	if err := s.deps.Archive.UpdateMessageParts(context.Background(), msg.ID, msg.Parts); err != nil {
		s.logger.Printf("orchestrator: update message %s: %v", msg.ID, err)
	}
}

// erase withdraws an archived message: a retracted placeholder or a pending
// notification replaced by its terminal form.
func (s *Service) erase(messageID string) {
	if err := s.deps.Archive.DeleteMessage(context.Background(), messageID); err != nil {
		s.logger.Printf("orchestrator: delete message %s: %v", messageID, err)
	}
}

func (s *Service) publish(ev inproc.Event) {
	if err := s.deps.Bus.Publish(ev); err != nil {
		s.logger.Printf("orchestrator: publish %s: %v", ev.Topic, err)
	}
}
