// Package issue implements the on-disk issue entity: a Markdown file with a
// YAML preamble. The filesystem is the source of truth; everything here is a
// codec plus the invariants that tie a file's location to its fields.
package issue

import (
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/monoco-io/monoco/internal/fault"
)

// Type is the issue category encoded in the id prefix.
type Type string

const (
	TypeEpic    Type = "epic"
	TypeFeature Type = "feature"
	TypeFix     Type = "fix"
	TypeChore   Type = "chore"
)

// Prefix returns the id prefix for the type (FEAT, FIX, ...).
func (t Type) Prefix() string {
	switch t {
	case TypeEpic:
		return "EPIC"
	case TypeFeature:
		return "FEAT"
	case TypeFix:
		return "FIX"
	case TypeChore:
		return "CHORE"
	default:
		return ""
	}
}

// Plural returns the directory segment for the type (Features, Fixes, ...).
func (t Type) Plural() string {
	switch t {
	case TypeEpic:
		return "Epics"
	case TypeFeature:
		return "Features"
	case TypeFix:
		return "Fixes"
	case TypeChore:
		return "Chores"
	default:
		return ""
	}
}

// TypeFromPrefix resolves an id prefix back to its Type.
func TypeFromPrefix(prefix string) (Type, bool) {
	switch prefix {
	case "EPIC":
		return TypeEpic, true
	case "FEAT":
		return TypeFeature, true
	case "FIX":
		return TypeFix, true
	case "CHORE":
		return TypeChore, true
	default:
		return "", false
	}
}

// Types lists all issue types in display order.
func Types() []Type {
	return []Type{TypeEpic, TypeFeature, TypeFix, TypeChore}
}

// Status is the coarse lifecycle state mirrored by the parent directory.
type Status string

const (
	StatusOpen     Status = "open"
	StatusClosed   Status = "closed"
	StatusBacklog  Status = "backlog"
	StatusArchived Status = "archived"
)

// Statuses lists all valid status values.
func Statuses() []Status {
	return []Status{StatusOpen, StatusClosed, StatusBacklog, StatusArchived}
}

// Stage is the fine-grained workflow position within a status.
type Stage string

const (
	StageDraft   Stage = "draft"
	StageTodo    Stage = "todo"
	StageDoing   Stage = "doing"
	StageReview  Stage = "review"
	StageDone    Stage = "done"
	StageFreezed Stage = "freezed"
)

// Stages lists all valid stage values.
func Stages() []Stage {
	return []Stage{StageDraft, StageTodo, StageDoing, StageReview, StageDone, StageFreezed}
}

// Criticality is the issue priority band.
type Criticality string

const (
	CriticalityLow      Criticality = "low"
	CriticalityMedium   Criticality = "medium"
	CriticalityHigh     Criticality = "high"
	CriticalityCritical Criticality = "critical"
)

// Solution is the terminal marker set only when an issue closes.
type Solution string

const (
	SolutionImplemented Solution = "implemented"
	SolutionCancelled   Solution = "cancelled"
	SolutionWontfix     Solution = "wontfix"
	SolutionDuplicate   Solution = "duplicate"
)

// IsolationType selects how the issue's work is isolated from trunk.
type IsolationType string

const (
	IsolationDirect   IsolationType = "direct"
	IsolationBranch   IsolationType = "branch"
	IsolationWorktree IsolationType = "worktree"
)

// Isolation records the branch or worktree created by start.
type Isolation struct {
	Type      IsolationType `yaml:"type"`
	Ref       string        `yaml:"ref"`
	Path      string        `yaml:"path,omitempty"`
	CreatedAt Timestamp     `yaml:"created_at"`
}

// Extra preserves one unknown preamble key across read/write round-trips.
// Order of appearance is kept.
type Extra struct {
	Key   string
	Value *yaml.Node
}

// Issue is the typed projection of one issue file. Path is set when the
// issue was loaded from disk.
type Issue struct {
	ID           string
	Type         Type
	Status       Status
	Stage        Stage
	Title        string
	CreatedAt    Timestamp
	UpdatedAt    Timestamp
	Parent       string
	Dependencies []string
	Related      []string
	Domains      []string
	Tags         []string
	Files        []string
	Isolation    *Isolation
	Criticality  Criticality
	Solution     Solution // empty until closed
	Extras       []Extra
	Body         string

	Path string `yaml:"-"`
}

// Timestamp is an ISO-8601 wall-clock time without zone, serialized
// single-quoted to match the on-disk format.
type Timestamp struct {
	time.Time
}

// TimestampLayout is the on-disk timestamp format.
const TimestampLayout = "2006-01-02T15:04:05"

// Now returns the current time truncated to the on-disk resolution.
func Now() Timestamp {
	return Timestamp{time.Now().Truncate(time.Second)}
}

func (t Timestamp) String() string {
	if t.IsZero() {
		return ""
	}
	return t.Format(TimestampLayout)
}

// MarshalYAML emits the timestamp as a single-quoted scalar.
func (t Timestamp) MarshalYAML() (any, error) {
	return &yaml.Node{
		Kind:  yaml.ScalarNode,
		Style: yaml.SingleQuotedStyle,
		Value: t.String(),
	}, nil
}

// UnmarshalYAML accepts the on-disk layout plus RFC3339 for tolerance.
func (t *Timestamp) UnmarshalYAML(node *yaml.Node) error {
	s := strings.TrimSpace(node.Value)
	if s == "" || s == "null" || s == "~" {
		t.Time = time.Time{}
		return nil
	}
	for _, layout := range []string{TimestampLayout, time.RFC3339, "2006-01-02"} {
		if parsed, err := time.Parse(layout, s); err == nil {
			t.Time = parsed
			return nil
		}
	}
	return fmt.Errorf("invalid timestamp %q", s)
}

// Validate checks the enum fields and the closed↔solution invariant.
func (i *Issue) Validate() error {
	if _, _, err := ParseID(i.ID); err != nil {
		return err
	}
	if i.Type.Prefix() == "" {
		return fault.Newf(fault.Validation, "unknown issue type %q", i.Type).WithField("type")
	}
	if prefix, _, _ := ParseID(i.ID); prefix != i.Type.Prefix() {
		return fault.Newf(fault.Validation, "id prefix %s does not match type %s", prefix, i.Type).WithField("id")
	}
	switch i.Status {
	case StatusOpen, StatusClosed, StatusBacklog, StatusArchived:
	default:
		return fault.Newf(fault.Validation, "unknown status %q", i.Status).WithField("status")
	}
	switch i.Stage {
	case StageDraft, StageTodo, StageDoing, StageReview, StageDone, StageFreezed:
	default:
		return fault.Newf(fault.Validation, "unknown stage %q", i.Stage).WithField("stage")
	}
	if i.Title == "" {
		return fault.New(fault.Validation, "title is required").WithField("title")
	}
	switch i.Criticality {
	case "", CriticalityLow, CriticalityMedium, CriticalityHigh, CriticalityCritical:
	default:
		return fault.Newf(fault.Validation, "unknown criticality %q", i.Criticality).WithField("criticality")
	}
	switch i.Solution {
	case "", SolutionImplemented, SolutionCancelled, SolutionWontfix, SolutionDuplicate:
	default:
		return fault.Newf(fault.Validation, "unknown solution %q", i.Solution).WithField("solution")
	}
	if i.Status == StatusClosed && i.Solution == "" {
		return fault.New(fault.Validation, "closed issue requires a solution").WithField("solution")
	}
	if i.Status != StatusClosed && i.Solution != "" {
		return fault.Newf(fault.Validation, "solution set on non-closed issue (status %s)", i.Status).WithField("solution")
	}
	if i.Isolation != nil {
		switch i.Isolation.Type {
		case IsolationDirect, IsolationBranch, IsolationWorktree:
		default:
			return fault.Newf(fault.Validation, "unknown isolation type %q", i.Isolation.Type).WithField("isolation.type")
		}
	}
	return nil
}

// Touch updates the updated_at stamp.
func (i *Issue) Touch() {
	i.UpdatedAt = Now()
}
