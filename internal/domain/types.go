package domain

import (
	"strings"
	"time"
)

type Role string

const (
	RoleHuman  Role = "human"
	RoleAgent  Role = "agent"
	RoleSystem Role = "system"
)

type MessageType string

const (
	MessageTypeDialogue     MessageType = "dialogue"
	MessageTypeNotification MessageType = "notification"
	MessageTypeBranchMarker MessageType = "branch_marker"
	MessageTypeSearchResult MessageType = "search_result"
	MessageTypeError        MessageType = "error"
)

// Outcome is the tri-state result of a directive execution. Info covers both
// neutral outcomes (duplicate invite) and in-progress detached jobs.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
	OutcomeInfo    Outcome = "info"
)

type BranchKind string

const (
	BranchKindMain       BranchKind = "main"
	BranchKindRabbithole BranchKind = "rabbithole"
	BranchKindFork       BranchKind = "fork"
)

type Tier string

const (
	TierFree Tier = "Free"
	TierPaid Tier = "Paid"
	// TierAny disables the invite tier restriction.
	TierAny Tier = "Both"
)

type ModelInfo struct {
	DisplayName string `json:"display_name"`
	ID          string `json:"id"`
	Tier        Tier   `json:"tier"`
}

// Part is one ordered piece of message content: text or a media reference.
type Part struct {
	Text      string `json:"text,omitempty"`
	MediaPath string `json:"media_path,omitempty"`
	MediaType string `json:"media_type,omitempty"`
}

type Message struct {
	ID        string      `json:"id"`
	Role      Role        `json:"role"`
	Type      MessageType `json:"type"`
	Slot      int         `json:"slot,omitempty"`
	Author    string      `json:"author,omitempty"`
	Model     string      `json:"model,omitempty"`
	Parts     []Part      `json:"parts"`
	Outcome   Outcome     `json:"outcome,omitempty"`
	Streaming bool        `json:"streaming,omitempty"`
	CreatedAt time.Time   `json:"created_at"`
}

// Text joins the text parts of the message in order.
func (m Message) Text() string {
	switch len(m.Parts) {
	case 0:
		return ""
	case 1:
		return m.Parts[0].Text
	}
	var b strings.Builder
	for _, p := range m.Parts {
		b.WriteString(p.Text)
	}
	return b.String()
}

// SetText replaces the message content with a single text part.
func (m *Message) SetText(text string) {
	m.Parts = []Part{{Text: text}}
}

type DirectiveKind string

const (
	DirectiveAddAI       DirectiveKind = "add_ai"
	DirectiveRemoveAI    DirectiveKind = "remove_ai"
	DirectiveListModels  DirectiveKind = "list_models"
	DirectiveMuteSelf    DirectiveKind = "mute_self"
	DirectivePrompt      DirectiveKind = "prompt"
	DirectiveTemperature DirectiveKind = "temperature"
	DirectiveImage       DirectiveKind = "image"
	DirectiveVideo       DirectiveKind = "video"
	DirectiveSearch      DirectiveKind = "search"
)

// Directive is one recognized bang instruction extracted from agent output.
type Directive struct {
	Kind   DirectiveKind     `json:"kind"`
	Params map[string]string `json:"params,omitempty"`
	Raw    string            `json:"raw"`
}

func (d Directive) Param(key string) string {
	if d.Params == nil {
		return ""
	}
	return d.Params[key]
}
