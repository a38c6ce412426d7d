// Package hook is the interception layer between events and side effects.
// Hooks are discovered on disk, matched by type, event, provider, and tool
// pattern, and dispatched in priority order until one denies. Agent
// providers speak their native event names through bridges that normalize
// both the names and the decision schema.
package hook

import (
	"context"
)

// Type partitions hooks by call site.
type Type string

const (
	TypeGit   Type = "git"
	TypeIDE   Type = "ide"
	TypeAgent Type = "agent"
	TypeIssue Type = "issue"
)

// Unified agent lifecycle event names. Bridges translate provider-native
// names into these; the dispatch path never sees a native name.
const (
	EventPreToolUse         = "PreToolUse"
	EventPostToolUse        = "PostToolUse"
	EventPostToolUseFailure = "PostToolUseFailure"
	EventUserPromptSubmit   = "UserPromptSubmit"
	EventSessionStart       = "SessionStart"
	EventSessionEnd         = "SessionEnd"
	EventStop               = "Stop"
)

// Issue transition event names, fired by the transition core around each
// lifecycle operation.
const (
	EventPreCreate  = "pre-create"
	EventPostCreate = "post-create"
	EventPreStart   = "pre-start"
	EventPostStart  = "post-start"
	EventPreSubmit  = "pre-submit"
	EventPostSubmit = "post-submit"
	EventPreClose   = "pre-close"
	EventPostClose  = "post-close"
)

// Verdict is the terminal outcome of a hook.
type Verdict string

const (
	Allow Verdict = "allow"
	Deny  Verdict = "deny"
	Ask   Verdict = "ask"
)

// Decision is the unified hook return protocol.
type Decision struct {
	Decision Verdict        `json:"decision"`
	Reason   string         `json:"reason,omitempty"`
	Message  string         `json:"message,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Allowed is the zero-effect decision.
func Allowed() Decision { return Decision{Decision: Allow} }

// Denied carries the reason back to the triggering operation.
func Denied(reason string) Decision { return Decision{Decision: Deny, Reason: reason} }

// AdditionalContext is the metadata key whose value is injected into the
// agent's context window on the next turn.
const AdditionalContext = "additional_context"

// Invocation is one interception point firing.
type Invocation struct {
	Type     Type           `json:"type"`
	Event    string         `json:"event"`
	Provider string         `json:"provider,omitempty"`
	Tool     string         `json:"tool,omitempty"`
	IssueID  string         `json:"issue_id,omitempty"`
	Payload  map[string]any `json:"payload,omitempty"`
}

// Hook is one registered interception handler. Script hooks and Go-native
// built-ins implement the same interface.
type Hook interface {
	ID() string
	Header() Header
	Run(ctx context.Context, inv Invocation) (Decision, error)
}

// Func adapts a Go function into a Hook. The transition core registers its
// built-ins this way.
type Func struct {
	Name string
	Meta Header
	Fn   func(ctx context.Context, inv Invocation) (Decision, error)
}

func (f *Func) ID() string     { return f.Name }
func (f *Func) Header() Header { return f.Meta }

func (f *Func) Run(ctx context.Context, inv Invocation) (Decision, error) {
	return f.Fn(ctx, inv)
}
