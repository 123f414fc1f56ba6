package branch

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"parlor/internal/domain"
)

// MainNodeID is the id of the root conversation node.
const MainNodeID = "main"

// Node is one conversation in the branch tree: the root "main" dialogue or a
// rabbithole/fork spawned from an anchor text selection.
type Node struct {
	ID       string
	ParentID string
	Kind     domain.BranchKind
	Anchor   string
	Log      []domain.Message

	// Rounds counts finalized rounds on this node over its lifetime; human
	// input replenishes the schedule's round budget, not this counter.
	Rounds int
	// AgentTurns counts agent turns taken since node creation, bounding the
	// branch directive overlay window.
	AgentTurns int
}

func (n *Node) Append(msg domain.Message) {
	n.Log = append(n.Log, msg)
}

// RemoveMessage drops the message with the given id, used to retract a
// streaming placeholder whose finalized content turned out empty.
func (n *Node) RemoveMessage(id string) {
	for i, m := range n.Log {
		if m.ID == id {
			n.Log = append(n.Log[:i], n.Log[i+1:]...)
			return
		}
	}
}

// Tree holds every conversation node. Exactly one node is active; the
// scheduler reads from and writes to the active node only. Owned by the
// scheduling goroutine.
type Tree struct {
	nodes  map[string]*Node
	order  []string
	active string
}

func NewTree() *Tree {
	main := &Node{
		ID:   MainNodeID,
		Kind: domain.BranchKindMain,
	}
	return &Tree{
		nodes:  map[string]*Node{MainNodeID: main},
		order:  []string{MainNodeID},
		active: MainNodeID,
	}
}

func (t *Tree) Main() *Node {
	return t.nodes[MainNodeID]
}

func (t *Tree) Active() *Node {
	return t.nodes[t.active]
}

func (t *Tree) Get(id string) (*Node, bool) {
	n, ok := t.nodes[id]
	return n, ok
}

// Nodes returns all nodes in creation order.
func (t *Tree) Nodes() []*Node {
	out := make([]*Node, 0, len(t.order))
	for _, id := range t.order {
		out = append(out, t.nodes[id])
	}
	return out
}

// SwitchActive redirects the scheduler's read/write target. No turns are
// replayed or re-executed.
func (t *Tree) SwitchActive(id string) error {
	if _, ok := t.nodes[id]; !ok {
		return fmt.Errorf("unknown node %s", id)
	}
	t.active = id
	return nil
}

// CreateBranch forks the parent node's log into a new node and makes it
// active. A rabbithole copies the full parent log; a fork truncates it at the
// first occurrence of the anchor text. Both append a marker message at the
// end. A fork whose anchor is not found in any single message degrades to a
// full copy.
func (t *Tree) CreateBranch(parentID, anchor string, kind domain.BranchKind) (*Node, error) {
	parent, ok := t.nodes[parentID]
	if !ok {
		return nil, fmt.Errorf("unknown parent node %s", parentID)
	}
	if kind != domain.BranchKindRabbithole && kind != domain.BranchKindFork {
		return nil, fmt.Errorf("unsupported branch kind %s", kind)
	}

	var log []domain.Message
	switch kind {
	case domain.BranchKindRabbithole:
		log = copyLog(parent.Log)
	case domain.BranchKindFork:
		log = forkLog(parent.Log, anchor)
	}
	log = append(log, markerMessage(kind, anchor))

	node := &Node{
		ID:       uuid.NewString(),
		ParentID: parentID,
		Kind:     kind,
		Anchor:   anchor,
		Log:      log,
	}
	t.nodes[node.ID] = node
	t.order = append(t.order, node.ID)
	t.active = node.ID
	return node, nil
}

// DirectiveOverlay returns the branch-kind-specific directive that replaces
// every slot's normal directive for a bounded number of turns after branch
// creation: the first two agent turns on a rabbithole, the first one on a
// fork.
func (n *Node) DirectiveOverlay() (string, bool) {
	switch n.Kind {
	case domain.BranchKindRabbithole:
		if n.AgentTurns < 2 {
			return fmt.Sprintf(
				"You are interacting with other AIs. IMPORTANT: Focus this response specifically on exploring and expanding upon the concept of '%s' in depth. Discuss the most interesting aspects or connections related to this concept while maintaining the tone of the conversation. No numbered lists or headings.",
				n.Anchor,
			), true
		}
	case domain.BranchKindFork:
		if n.AgentTurns == 0 {
			return fmt.Sprintf("The conversation forks from '%s'. Continue naturally from this point.", n.Anchor), true
		}
	}
	return "", false
}

func copyLog(log []domain.Message) []domain.Message {
	out := make([]domain.Message, len(log))
	for i, m := range log {
		out[i] = copyMessage(m)
	}
	return out
}

func copyMessage(m domain.Message) domain.Message {
	parts := make([]domain.Part, len(m.Parts))
	copy(parts, m.Parts)
	m.Parts = parts
	return m
}

// forkLog returns the prefix of log up to and including the first message
// containing anchor, with that message truncated at the end of the anchor
// occurrence. When no single message contains the anchor the whole log is
// copied.
func forkLog(log []domain.Message, anchor string) []domain.Message {
	idx := -1
	for i, m := range log {
		if anchor != "" && strings.Contains(m.Text(), anchor) {
			idx = i
			break
		}
	}
	if idx < 0 {
		return copyLog(log)
	}

	out := make([]domain.Message, 0, idx+1)
	for i := 0; i < idx; i++ {
		out = append(out, copyMessage(log[i]))
	}
	last := copyMessage(log[idx])
	text := last.Text()
	pos := strings.Index(text, anchor)
	last.SetText(text[:pos+len(anchor)])
	out = append(out, last)
	return out
}

func markerMessage(kind domain.BranchKind, anchor string) domain.Message {
	text := fmt.Sprintf("🐇 Rabbitholing down: %q", anchor)
	if kind == domain.BranchKindFork {
		text = fmt.Sprintf("🍴 Forking off: %q", anchor)
	}
	return domain.Message{
		ID:        uuid.NewString(),
		Role:      domain.RoleSystem,
		Type:      domain.MessageTypeBranchMarker,
		Parts:     []domain.Part{{Text: text}},
		CreatedAt: time.Now().UTC(),
	}
}
