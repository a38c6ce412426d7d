package testutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/monoco-io/monoco/internal/issue"
)

// IssueTree writes issue files into the canonical directory layout,
// allocating sequential ids per type.
type IssueTree struct {
	Root string

	t    *testing.T
	next map[issue.Type]int
}

// NewIssueTree creates a builder over the given issue root.
func NewIssueTree(t *testing.T, root string) *IssueTree {
	t.Helper()
	return &IssueTree{Root: root, t: t, next: make(map[issue.Type]int)}
}

// IssueOption mutates an issue before it is written.
type IssueOption func(*issue.Issue)

// WithStatus sets the status (and thus the directory the file lands in).
func WithStatus(s issue.Status) IssueOption {
	return func(iss *issue.Issue) { iss.Status = s }
}

// WithStage sets the stage.
func WithStage(s issue.Stage) IssueOption {
	return func(iss *issue.Issue) { iss.Stage = s }
}

// WithSolution sets the close solution.
func WithSolution(s issue.Solution) IssueOption {
	return func(iss *issue.Issue) { iss.Solution = s }
}

// WithDependencies sets the dependency list.
func WithDependencies(ids ...string) IssueOption {
	return func(iss *issue.Issue) { iss.Dependencies = ids }
}

// WithParent sets the parent id.
func WithParent(id string) IssueOption {
	return func(iss *issue.Issue) { iss.Parent = id }
}

// WithBody sets the markdown body.
func WithBody(body string) IssueOption {
	return func(iss *issue.Issue) { iss.Body = body }
}

// Add writes one issue and returns it. Defaults: open, draft, now.
func (b *IssueTree) Add(typ issue.Type, title string, opts ...IssueOption) *issue.Issue {
	b.t.Helper()

	b.next[typ]++
	now := issue.Now()
	iss := &issue.Issue{
		ID:        issue.FormatID(typ, b.next[typ]),
		Type:      typ,
		Status:    issue.StatusOpen,
		Stage:     issue.StageDraft,
		Title:     title,
		CreatedAt: now,
		UpdatedAt: now,
	}
	for _, opt := range opts {
		opt(iss)
	}

	path := issue.PathFor(b.Root, iss)
	require.NoError(b.t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(b.t, issue.Save(iss, path))
	iss.Path = path
	return iss
}
